package cmd

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/executor"
	"github.com/pithecene-io/cubeingest/ingest"
	"github.com/pithecene-io/cubeingest/schedule"
)

// Bounds of --queue-size.
const (
	minQueueSize = 1
	maxQueueSize = 100000
)

// IngestCommand runs one ingestion.
type IngestCommand struct {
	*Env

	ConfigFile          string
	LoadTasks           string
	SaveTasks           string
	Year                string
	QueueSize           int
	IndexBatchSize      int
	DryRun              bool
	AllowProductChanges bool
	Executor            string
	PollInterval        time.Duration
	TaskTimeout         time.Duration
}

func newIngestCommand(env *Env) *cobra.Command {
	c := &IngestCommand{Env: env}
	ccmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest datasets",
		Long: `
Ingests the datasets of the configuration's source product into its output
product. Tasks come either from a configuration file or from a task file
written by an earlier --save-tasks run.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context())
		},
	}

	flags := ccmd.Flags()
	flags.StringVarP(&c.ConfigFile, "config-file", "c", "", "ingest configuration file")
	flags.StringVar(&c.LoadTasks, "load-tasks", "", "load tasks from the specified file")
	flags.StringVar(&c.SaveTasks, "save-tasks", "", "save tasks to the specified file")
	flags.StringVar(&c.Year, "year", "", "limit the process to a year (1996) or an inclusive range of years (1996-2001)")
	flags.IntVar(&c.QueueSize, "queue-size", schedule.DefaultQueueSize, "task queue size")
	flags.IntVar(&c.IndexBatchSize, "index-batch-size", schedule.DefaultIndexBatchSize, "completed tasks indexed per transaction")
	flags.BoolVarP(&c.DryRun, "dry-run", "d", false, "check if everything is ok")
	flags.BoolVar(&c.AllowProductChanges, "allow-product-changes", false, "allow the output product definition to be updated if it differs")
	flags.StringVar(&c.Executor, "executor", executor.KindSerial, "executor: serial, multiproc:<workers>, distributed:<host:port> or celery:<host:port>")
	flags.DurationVar(&c.PollInterval, "poll-interval", schedule.DefaultPollInterval, "wait between polls that complete nothing")
	flags.DurationVar(&c.TaskTimeout, "task-timeout", 0, "fail tasks pending longer than this (0 disables)")
	return ccmd
}

// Run executes the command.
func (c *IngestCommand) Run(ctx context.Context) error {
	if (c.ConfigFile == "") == (c.LoadTasks == "") {
		return errors.New("must specify exactly one of --config-file, --load-tasks")
	}
	if c.QueueSize < minQueueSize || c.QueueSize > maxQueueSize {
		return fmt.Errorf("--queue-size must be in [%d, %d], got %d", minQueueSize, maxQueueSize, c.QueueSize)
	}
	if c.IndexBatchSize < 1 {
		return fmt.Errorf("--index-batch-size must be at least 1, got %d", c.IndexBatchSize)
	}
	sel, err := executor.ParseSelector(c.Executor)
	if err != nil {
		return err
	}
	log, err := c.Logger()
	if err != nil {
		return err
	}

	store, err := c.OpenStore(ctx)
	if err != nil {
		return err
	}
	cat := c.Catalog(store)

	var (
		cfg   *ingest.Config
		saved []cube.Task
	)
	if c.ConfigFile != "" {
		if cfg, err = ingest.LoadConfig(c.ConfigFile); err != nil {
			return err
		}
	} else {
		if cfg, saved, err = c.loadTasks(); err != nil {
			return err
		}
	}

	source, output, err := ingest.EnsureOutputProduct(ctx, cat, cfg, cfg.Storage.Driver, c.AllowProductChanges, log)
	if err != nil {
		return err
	}

	tasks := ingest.Tasks(saved)
	if c.ConfigFile != "" {
		var years *ingest.Years
		if c.Year != "" {
			if years, err = ingest.ParseYears(c.Year); err != nil {
				return err
			}
		}
		grid, err := output.Storage.Grid()
		if err != nil {
			return err
		}
		g, err := catalog.NewGrid(cat, grid)
		if err != nil {
			return err
		}
		lineage := catalog.NewLineageCache(cat, c.LineageCacheSize)
		tasks = ingest.TaskList(ctx, g, lineage, cfg, years, log)
	}

	if c.DryRun {
		_, err := ingest.CheckExistingFiles(ctx, store, c.Stdout, ingest.Filenames(cfg, tasks))
		return err
	}
	if c.SaveTasks != "" {
		return c.saveTasks(cfg, tasks, log)
	}

	driver, err := c.Driver(store)
	if err != nil {
		return err
	}
	worker, err := ingest.NewWorker(cfg, source, output, ingest.NodataRenderer{}, driver, log)
	if err != nil {
		return err
	}
	ex, closeEx, err := ingest.NewExecutor(ctx, sel, worker.Work, c.QueueConfig())
	if err != nil {
		return err
	}
	defer closeEx()

	ix, err := c.OpenIndex(ctx, store)
	if err != nil {
		return err
	}
	defer func() {
		if err := ix.Close(); err != nil {
			log.WithError(err).Warn("closing chunk index")
		}
	}()
	idx := catalog.NewIndexingCatalog(cat, ix,
		catalog.WithScheme(c.URIScheme),
		catalog.WithIndexingLogger(log))

	sched := schedule.Config{
		QueueSize:      c.QueueSize,
		IndexBatchSize: c.IndexBatchSize,
		PollInterval:   c.PollInterval,
		TaskTimeout:    c.TaskTimeout,
		Logger:         log,
		Metrics:        schedule.NewMetrics(c.ServeMetrics(ctx)),
	}
	log.WithFields(logrus.Fields{
		"executor":         sel.String(),
		"queue_size":       sched.QueueSize,
		"index_batch_size": sched.IndexBatchSize,
		"product":          output.Name,
	}).Info("starting ingestion")

	stats, err := ingest.Process(ctx, ex, idx, tasks, sched)
	fmt.Fprintln(c.Stdout, stats.String())
	return err
}

func (c *IngestCommand) loadTasks() (*ingest.Config, []cube.Task, error) {
	f, err := os.Open(c.LoadTasks)
	if err != nil {
		return nil, nil, err
	}
	defer cube.Close(f)
	return ingest.LoadTasks(f)
}

func (c *IngestCommand) saveTasks(cfg *ingest.Config, tasks iter.Seq2[cube.Task, error], log logrus.FieldLogger) (err error) {
	f, err := os.Create(c.SaveTasks)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	n, err := ingest.SaveTasks(f, cfg, tasks)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"tasks": n, "file": c.SaveTasks}).Info("saved tasks")
	return nil
}
