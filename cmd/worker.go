package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/executor"
	"github.com/pithecene-io/cubeingest/executor/natsq"
	"github.com/pithecene-io/cubeingest/ingest"
)

// WorkerCommand serves ingestion tasks queued by a remote executor.
type WorkerCommand struct {
	*Env

	ConfigFile  string
	Executor    string
	Concurrency int
}

func newWorkerCommand(env *Env) *cobra.Command {
	c := &WorkerCommand{Env: env}
	ccmd := &cobra.Command{
		Use:   "worker",
		Short: "Run ingestion tasks from a remote queue",
		Long: `
Runs ingestion tasks queued by "ingest --executor distributed:<host:port>"
until interrupted. The worker needs the same ingest configuration and
store as the submitting process; results go back on the queue and are
indexed by the submitter.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context())
		},
	}

	flags := ccmd.Flags()
	flags.StringVarP(&c.ConfigFile, "config-file", "c", "", "ingest configuration file")
	flags.StringVar(&c.Executor, "executor", "", "queue to serve: distributed:<host:port> or celery:<host:port>")
	flags.IntVar(&c.Concurrency, "concurrency", 1, "tasks run at once")
	return ccmd
}

// Run executes the command.
func (c *WorkerCommand) Run(ctx context.Context) error {
	if c.ConfigFile == "" {
		return errors.New("--config-file is required")
	}
	sel, err := executor.ParseSelector(c.Executor)
	if err != nil {
		return err
	}
	if !sel.Remote() {
		return errors.New("--executor must name a remote queue")
	}
	log, err := c.Logger()
	if err != nil {
		return err
	}

	cfg, err := ingest.LoadConfig(c.ConfigFile)
	if err != nil {
		return err
	}
	store, err := c.OpenStore(ctx)
	if err != nil {
		return err
	}
	cat := c.Catalog(store)
	source, err := cat.Product(ctx, cfg.SourceType)
	if err != nil {
		return err
	}
	output, err := cat.Product(ctx, cfg.OutputType)
	if err != nil {
		return err
	}
	driver, err := c.Driver(store)
	if err != nil {
		return err
	}
	worker, err := ingest.NewWorker(cfg, source, output, ingest.NodataRenderer{}, driver, log)
	if err != nil {
		return err
	}

	js, closeConn, err := natsq.Connect(sel.URL())
	if err != nil {
		return err
	}
	defer closeConn()
	w, err := natsq.NewWorker[cube.Task, catalog.Output](js, c.QueueConfig(), worker.Work)
	if err != nil {
		return err
	}
	return w.Serve(ctx, c.Concurrency)
}
