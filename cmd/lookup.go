package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pithecene-io/cubeingest/chunkindex"
)

// LookupCommand prints where a dataset band is stored.
type LookupCommand struct {
	*Env

	Dataset string
	Band    string
	Coord   string
}

func newLookupCommand(env *Env) *cobra.Command {
	c := &LookupCommand{Env: env}
	ccmd := &cobra.Command{
		Use:   "lookup",
		Short: "Print the chunks of an indexed dataset band",
		Long: `
Prints the chunk sets holding one band of an indexed dataset. With --coord,
prints only the chunks whose index bounds contain the coordinate, given as
comma-separated values in dimension order.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context())
		},
	}

	flags := ccmd.Flags()
	flags.StringVar(&c.Dataset, "dataset", "", "dataset id")
	flags.StringVar(&c.Band, "band", "", "band name")
	flags.StringVar(&c.Coord, "coord", "", "coordinate to locate, e.g. 820137600,-3987.5,1512.5")
	return ccmd
}

// Run executes the command.
func (c *LookupCommand) Run(ctx context.Context) error {
	id, err := uuid.Parse(c.Dataset)
	if err != nil {
		return fmt.Errorf("--dataset: %w", err)
	}
	if c.Band == "" {
		return fmt.Errorf("--band is required")
	}
	if _, err := c.Logger(); err != nil {
		return err
	}
	store, err := c.OpenStore(ctx)
	if err != nil {
		return err
	}
	ix, err := c.OpenIndex(ctx, store)
	if err != nil {
		return err
	}
	defer func() { _ = ix.Close() }()

	if c.Coord != "" {
		coord, err := parseCoord(c.Coord)
		if err != nil {
			return err
		}
		locs, err := ix.Locate(ctx, id, c.Band, coord)
		if err != nil {
			return err
		}
		for _, l := range locs {
			printChunk(c, l.Set, l.Chunk)
		}
		return nil
	}

	sets, err := ix.Lookup(ctx, id, c.Band)
	if err != nil {
		return err
	}
	for _, cs := range sets {
		fmt.Fprintf(c.Stdout, "chunk set %s %s dims=%v shape=%v chunk=%v dtype=%s\n",
			cs.ID, cs.BaseName, cs.Dimensions, cs.MacroShape, cs.ChunkSize, cs.DType)
		chunks, err := ix.Chunks(ctx, cs.ID)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			printChunk(c, cs, ch)
		}
	}
	return nil
}

func printChunk(c *LookupCommand, cs *chunkindex.ChunkSet, ch *chunkindex.Chunk) {
	fmt.Fprintf(c.Stdout, "  %s %s %s min=%v max=%v\n", cs.ID, ch.ChunkID, ch.Key, ch.IndexMin, ch.IndexMax)
}

func parseCoord(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("--coord: %w", err)
		}
		out[i] = v
	}
	return out, nil
}
