package ingest

import (
	"context"
	"fmt"
	"io"
	"iter"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
	"github.com/pithecene-io/cubeingest/storage"
)

// datasetNamespace seeds deterministic output dataset ids.
var datasetNamespace = uuid.MustParse("1c5bd7c2-3b0f-5d1e-9a54-6f7c2e8f0b31")

// Renderer loads a task's sources into an array on the output grid. The
// array's variables are named by the measurements' names.
type Renderer interface {
	Render(ctx context.Context, task cube.Task, grid cube.GridSpec, dims []string, measurements []cube.Measurement) (*storage.Array, error)
}

// NodataRenderer produces arrays filled with each measurement's nodata
// value. It stands in where no raster reader is wired.
type NodataRenderer struct{}

// Render implements Renderer.
func (NodataRenderer) Render(_ context.Context, task cube.Task, grid cube.GridSpec, dims []string, measurements []cube.Measurement) (*storage.Array, error) {
	if task.Tile == nil || task.Tile.Len() == 0 {
		return nil, fmt.Errorf("ingest: task %s has no time labels", task)
	}
	extent := grid.TileExtent(task.TileIndex)
	axes := map[string][]float64{
		"time": timeCoords(task.Tile.Times()),
		"x":    pixelCenters(extent.Left, extent.Right, grid.Resolution.X),
		"y":    pixelCenters(extent.Bottom, extent.Top, grid.Resolution.Y),
	}

	arr := &storage.Array{Dims: dims, Vars: make(map[string]*storage.Variable, len(measurements))}
	for _, d := range dims {
		c, ok := axes[d]
		if !ok {
			return nil, fmt.Errorf("ingest: unsupported dimension %q", d)
		}
		arr.Coords = append(arr.Coords, c)
	}
	shape := arr.Shape()
	for _, m := range measurements {
		v, err := storage.Filled(m.DType, shape, m.Nodata)
		if err != nil {
			return nil, fmt.Errorf("ingest: measurement %s: %w", m.Name, err)
		}
		arr.Vars[m.Name] = v
	}
	return arr, nil
}

func timeCoords(times []time.Time) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = float64(t.Unix())
	}
	return out
}

// pixelCenters returns the centers of the pixels covering [lo, hi], running
// from hi downwards when res is negative.
func pixelCenters(lo, hi, res float64) []float64 {
	n := int(math.Round((hi - lo) / math.Abs(res)))
	start := lo
	if res < 0 {
		start = hi
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + (float64(i)+0.5)*res
	}
	return out
}

// -----------------------------------------------------------------------------
// Naming
// -----------------------------------------------------------------------------

const timeLayout = "20060102150405"

func formatTime(t time.Time) string {
	t = t.UTC()
	return t.Format(timeLayout) + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

// Filename renders the output location of a task from the configuration's
// location and file path template. The template may use {tile_index[0]},
// {tile_index[1]}, {start_time}, {end_time} and {version}.
func Filename(cfg *Config, task cube.Task) string {
	var start, end time.Time
	if task.Tile != nil {
		start, end = task.Tile.TimeBounds()
	}
	r := strings.NewReplacer(
		"{tile_index[0]}", strconv.Itoa(task.TileIndex.X),
		"{tile_index[1]}", strconv.Itoa(task.TileIndex.Y),
		"{start_time}", formatTime(start),
		"{end_time}", formatTime(end),
		"{version}", strconv.FormatInt(cfg.TaskfileVersion, 10),
	)
	return path.Join(cfg.Location, r.Replace(cfg.FilePathTemplate))
}

// storageKey maps a filename onto a store path.
func storageKey(filename string) string {
	if u, err := url.Parse(filename); err == nil && u.Scheme != "" && u.Scheme != "file" {
		return strings.TrimPrefix(path.Join(u.Host, u.Path), "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(filename, "file://"), "/")
}

func fileURI(filename string) string {
	if u, err := url.Parse(filename); err == nil && u.Scheme != "" {
		return filename
	}
	return (&url.URL{Scheme: "file", Path: "/" + strings.TrimPrefix(filename, "/")}).String()
}

// DatasetID returns the id of the output dataset for one time label of a tile.
func DatasetID(product string, idx cube.TileIndex, t time.Time) uuid.UUID {
	key := fmt.Sprintf("%s/%d/%d/%s", product, idx.X, idx.Y, t.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(datasetNamespace, []byte(key))
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

// Worker ingests one task: it renders the sources, writes the array through
// the storage driver and describes the resulting datasets.
type Worker struct {
	cfg          *Config
	output       *cube.Product
	grid         cube.GridSpec
	measurements []cube.Measurement
	renderer     Renderer
	driver       *storage.Driver
	log          logrus.FieldLogger
}

// NewWorker prepares a worker for the given products.
func NewWorker(cfg *Config, source, output *cube.Product, renderer Renderer, driver *storage.Driver, log logrus.FieldLogger) (*Worker, error) {
	grid, err := output.Storage.Grid()
	if err != nil {
		return nil, err
	}
	ms, err := Measurements(source, cfg)
	if err != nil {
		return nil, err
	}
	names := cfg.NameMap()
	for i := range ms {
		ms[i].Name = names[ms[i].Name]
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Worker{
		cfg:          cfg,
		output:       output,
		grid:         grid,
		measurements: ms,
		renderer:     renderer,
		driver:       driver,
		log:          log,
	}, nil
}

// Work implements executor.Func for ingestion tasks.
func (w *Worker) Work(ctx context.Context, task cube.Task) (catalog.Output, error) {
	log := w.log.WithField("tile_index", task.TileIndex.String())
	log.Info("starting task")

	arr, err := w.renderer.Render(ctx, task, w.grid, w.cfg.DimensionOrder(), w.measurements)
	if err != nil {
		return catalog.Output{}, err
	}
	filename := Filename(w.cfg, task)
	so, err := w.driver.Write(ctx, arr, storageKey(filename), w.cfg.Storage.Chunking)
	if err != nil {
		return catalog.Output{}, err
	}

	out := catalog.Output{Storage: so, Datasets: w.datasets(task, fileURI(filename))}
	log.WithField("datasets", len(out.Datasets)).Info("finished task")
	return out, nil
}

func (w *Worker) datasets(task cube.Task, uri string) []*cube.Dataset {
	extent := w.grid.TileExtent(task.TileIndex)
	bands := make([]string, len(w.measurements))
	for i, m := range w.measurements {
		bands[i] = m.Name
	}
	out := make([]*cube.Dataset, 0, task.Tile.Len())
	for _, o := range task.Tile.Sources {
		sources := make(map[string]*cube.Dataset, len(o.Datasets))
		for i, src := range o.Datasets {
			sources[strconv.Itoa(i)] = src
		}
		out = append(out, &cube.Dataset{
			ID:           DatasetID(w.output.Name, task.TileIndex, o.Time),
			Product:      w.output.Name,
			CenterTime:   o.Time,
			Extent:       extent,
			CRS:          w.grid.CRS,
			Format:       w.cfg.Storage.Driver,
			URIs:         []string{uri},
			Measurements: bands,
			Sources:      sources,
			Metadata:     w.cfg.AppMetadata(),
		})
	}
	return out
}

// -----------------------------------------------------------------------------
// Dry run
// -----------------------------------------------------------------------------

// CheckExistingFiles prints the output location of every task, flagging
// those that already hold data in store. It reports whether none did.
func CheckExistingFiles(ctx context.Context, store cube.Store, w io.Writer, filenames iter.Seq2[string, error]) (bool, error) {
	fmt.Fprintln(w, "Files to be created:")
	valid := true
	total := 0
	for name, err := range filenames {
		if err != nil {
			return false, err
		}
		total++
		existing, err := store.List(ctx, storageKey(name)+"/")
		if err != nil {
			return false, fmt.Errorf("ingest: check %s: %w", name, err)
		}
		info := ""
		if len(existing) > 0 {
			valid = false
			info = " - ALREADY EXISTS"
		}
		fmt.Fprintf(w, "%s%s\n", name, info)
	}
	if valid {
		fmt.Fprintln(w, "No tasks found to be invalid")
	} else {
		fmt.Fprintln(w, "One or more files already exist")
	}
	fmt.Fprintf(w, "%d tasks files to be created\n", total)
	return valid, nil
}

// Filenames maps tasks to their output locations.
func Filenames(cfg *Config, tasks iter.Seq2[cube.Task, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for task, err := range tasks {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(Filename(cfg, task), nil) {
				return
			}
		}
	}
}
