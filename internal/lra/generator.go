// Package lra generates the low-resolution archive: it pulls variables from a
// Source, time-averages and regrids them, writes monthly NetCDF chunks,
// consolidates them into yearly files and registers the result in the
// catalog. Runs are idempotent: completeness checks on the existing output
// decide what still needs computing, so a crashed run is recovered by simply
// rerunning the tool.
package lra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tempestra/climate-lra/internal/catalog"
	"github.com/tempestra/climate-lra/internal/dataset"
	"github.com/tempestra/climate-lra/internal/observability"
)

// Options configure one generator run.
type Options struct {
	Model      string
	Exp        string
	Source     string
	Vars       []string
	Resolution string
	// Frequency of the time averaging; empty means native frequency with
	// no averaging.
	Frequency  string
	OutDir     string
	TmpDir     string
	CatalogDir string
	Workers    int
	// Definitive false puts the run in dry-run mode: every step executes
	// except the on-disk writes.
	Definitive bool
	Overwrite  bool
}

func (o *Options) validate() error {
	switch {
	case o.Model == "":
		return errors.New("lra: model is required")
	case o.Exp == "":
		return errors.New("lra: experiment is required")
	case o.Source == "":
		return errors.New("lra: source is required")
	case len(o.Vars) == 0:
		return errors.New("lra: at least one variable is required")
	case o.Resolution == "":
		return errors.New("lra: resolution is required")
	case o.OutDir == "":
		return errors.New("lra: output directory is required")
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Workers > 1 && o.TmpDir == "" {
		return errors.New("lra: tmpdir is required when running with more than one worker")
	}
	return nil
}

// Generator drives the per-variable pipeline for one
// (model, experiment, source) combination. It exclusively owns its output
// directory for the duration of the run; concurrent runs against the same
// target must be serialized externally.
type Generator struct {
	opts    Options
	src     Source
	outdir  string
	tmpdir  string
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	mu         sync.Mutex
	lastRecord map[string]time.Time
	satisfied  map[string]bool
}

// NewGenerator validates the options and prepares the output directory.
// Missing identifiers are configuration errors and fatal.
func NewGenerator(opts Options, src Source, logger *slog.Logger, metrics *observability.Metrics) (*Generator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}

	g := &Generator{
		opts:       opts,
		src:        src,
		logger:     logger,
		metrics:    metrics,
		clock:      clockwork.NewRealClock(),
		lastRecord: map[string]time.Time{},
		satisfied:  map[string]bool{},
	}

	g.outdir = filepath.Join(opts.OutDir, opts.Model, opts.Exp, opts.Resolution)
	if opts.Frequency != "" {
		g.outdir = filepath.Join(g.outdir, opts.Frequency)
	}
	if err := os.MkdirAll(g.outdir, 0o755); err != nil {
		return nil, fmt.Errorf("lra: creating output directory: %w", err)
	}
	if opts.TmpDir != "" {
		g.tmpdir = filepath.Join(opts.TmpDir, "lra_"+randomString(10))
		if err := os.MkdirAll(g.tmpdir, 0o755); err != nil {
			return nil, fmt.Errorf("lra: creating tmp directory: %w", err)
		}
	}

	if opts.Overwrite {
		logger.Info("existing files will be overwritten")
	}
	if !opts.Definitive {
		logger.Warn("dry run, no file will be created")
	}
	return g, nil
}

// OutDir returns the resolved output directory of this run.
func (g *Generator) OutDir() string { return g.outdir }

// freqLabel is the frequency component of file names; archives at native
// frequency are labeled explicitly.
func (g *Generator) freqLabel() string {
	if g.opts.Frequency == "" {
		return "native"
	}
	return g.opts.Frequency
}

// filename builds output paths. year 0 yields the all-files glob, month 0 the
// yearly file.
func (g *Generator) filename(varname string, year, month int) string {
	base := fmt.Sprintf("%s_%s_%s_%s_", varname, g.opts.Exp, g.opts.Resolution, g.freqLabel())
	switch {
	case year == 0:
		base += "*.nc"
	case month == 0:
		base += fmt.Sprintf("%04d.nc", year)
	default:
		base += fmt.Sprintf("%04d%02d.nc", year, month)
	}
	return filepath.Join(g.outdir, base)
}

// CheckIntegrity inspects the existing output of one variable before any
// retrieval. When every file is complete and overwrite is off, the last
// archived timestamp is recorded so streaming retrieval can resume there
// instead of reprocessing history.
func (g *Generator) CheckIntegrity(varname string) {
	files, err := filepath.Glob(g.filename(varname, 0, 0))
	if err != nil || len(files) == 0 {
		return
	}
	last := time.Time{}
	for _, f := range files {
		if !FileIsComplete(f, g.logger) {
			g.logger.Warn("incomplete output detected, variable needs a rerun",
				"var", varname, "file", f)
			return
		}
		d, err := dataset.Read(f)
		if err != nil {
			return
		}
		if t := d.LastTime(); t.After(last) {
			last = t
		}
	}
	if g.opts.Overwrite {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.satisfied[varname] = true
	g.lastRecord[varname] = last
	g.logger.Warn("archived data is complete", "var", varname, "last_record", last)
}

// Generate runs the pipeline for every configured variable, using up to
// Workers parallel workers, then registers the catalog entry.
func (g *Generator) Generate(ctx context.Context) error {
	g.metrics.GeneratorRunning.Set(1)
	defer g.metrics.GeneratorRunning.Set(0)

	sem := make(chan struct{}, g.opts.Workers)
	errCh := make(chan error, len(g.opts.Vars))
	var wg sync.WaitGroup
	for _, varname := range g.opts.Vars {
		wg.Add(1)
		go func(varname string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := g.GenerateVar(ctx, varname); err != nil {
				errCh <- fmt.Errorf("lra: variable %s: %w", varname, err)
			}
		}(varname)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if !g.opts.Definitive {
		return nil
	}
	return g.CreateCatalogEntry()
}

// GenerateVar runs the full pipeline for one variable: integrity check,
// retrieval, averaging, regridding, chunked writes and yearly consolidation.
func (g *Generator) GenerateVar(ctx context.Context, varname string) error {
	began := g.clock.Now()
	g.CheckIntegrity(varname)

	g.mu.Lock()
	start := g.lastRecord[varname]
	satisfied := g.satisfied[varname]
	g.mu.Unlock()

	ret, err := g.src.Retrieve(ctx, varname, start)
	if err != nil {
		return fmt.Errorf("retrieving: %w", err)
	}

	if ret.IsStream() {
		err = g.writeStream(ctx, varname, ret.Next)
	} else if satisfied {
		g.logger.Info("nothing to do", "var", varname)
	} else {
		err = g.writeWhole(ctx, varname, ret.Whole)
	}
	if err != nil {
		return err
	}
	g.logger.Info("variable done", "var", varname, "took", g.clock.Since(began))
	return nil
}

// writeStream consumes a chunk stream in arrival order. Each chunk is
// averaged, regridded and written as a monthly file; a December chunk
// triggers consolidation of its year.
func (g *Generator) writeStream(ctx context.Context, varname string, next func() (*dataset.Dataset, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if len(chunk.Time) == 0 {
			continue
		}
		g.logger.Info("stream chunk",
			"var", varname, "from", chunk.Time[0], "to", chunk.LastTime())

		data, err := g.process(chunk)
		if err != nil {
			return err
		}
		year := data.Time[0].Year()
		month := int(data.Time[0].Month())

		if g.skipComplete(g.filename(varname, year, 0), "yearly") {
			continue
		}
		if g.skipComplete(g.filename(varname, year, month), "monthly") {
			continue
		}
		if g.opts.Definitive {
			outfile := g.filename(varname, year, month)
			if err := g.writeChunk(data, outfile); err != nil {
				return err
			}
			g.verify(outfile)
			if month == 12 {
				if err := g.consolidate(varname, year); err != nil {
					return err
				}
			}
		}
	}
}

// writeWhole partitions a materialized dataset into years and months, in
// first-appearance order of the time coordinate, and writes what the
// completeness checks do not rule out.
func (g *Generator) writeWhole(ctx context.Context, varname string, whole *dataset.Dataset) error {
	data, err := g.process(whole)
	if err != nil {
		return err
	}
	for _, year := range data.Years() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.skipComplete(g.filename(varname, year, 0), "yearly") {
			continue
		}
		yearData := data.SelYear(year)
		for _, month := range yearData.Months() {
			if g.skipComplete(g.filename(varname, year, month), "monthly") {
				continue
			}
			if !g.opts.Definitive {
				continue
			}
			outfile := g.filename(varname, year, month)
			monthData := yearData.SelMonth(month)
			if err := g.writeChunk(monthData, outfile); err != nil {
				return err
			}
			g.verify(outfile)
		}
		if g.opts.Definitive {
			if err := g.consolidate(varname, year); err != nil {
				return err
			}
		}
	}
	return nil
}

// process applies the shared per-chunk steps: optional time averaging,
// regridding, and removal of the transient regridded marker that would
// confuse a later reader of the output.
func (g *Generator) process(d *dataset.Dataset) (*dataset.Dataset, error) {
	var err error
	if g.opts.Frequency != "" {
		d, err = g.src.Timmean(d)
		if err != nil {
			return nil, fmt.Errorf("time averaging: %w", err)
		}
	}
	d, err = g.src.Regrid(d)
	if err != nil {
		return nil, fmt.Errorf("regridding: %w", err)
	}
	if d.Attrs.Has("regridded") {
		delete(d.Attrs, "regridded")
	}
	return d, nil
}

// skipComplete reports whether the file already satisfies this run.
func (g *Generator) skipComplete(path, kind string) bool {
	if g.opts.Overwrite || !FileIsComplete(path, g.logger) {
		return false
	}
	g.logger.Warn("file already exists and is complete, skipping",
		"kind", kind, "file", path)
	g.metrics.ChunksSkipped.Inc()
	return true
}

// verify re-checks a file just written. Failures are logged for operator
// follow-up but not retried; the next run's completeness check will schedule
// a recompute.
func (g *Generator) verify(path string) {
	if !FileIsComplete(path, g.logger) {
		g.logger.Error("written file failed the completeness check", "file", path)
		g.metrics.VerifyFailures.Inc()
	}
}

// writeChunk serializes one monthly dataset. With a tmp directory configured
// the file is staged there under a _tmp suffix and moved into place, so the
// output directory never holds a half-written file under its final name.
func (g *Generator) writeChunk(d *dataset.Dataset, outfile string) error {
	began := g.clock.Now()
	if _, err := os.Stat(outfile); err == nil {
		g.logger.Warn("overwriting file", "file", outfile)
		if err := os.Remove(outfile); err != nil {
			return fmt.Errorf("removing stale %s: %w", outfile, err)
		}
	}
	g.logger.Info("writing file", "file", outfile)

	target := outfile
	if g.tmpdir != "" {
		base := strings.TrimSuffix(filepath.Base(outfile), ".nc") + "_tmp.nc"
		target = filepath.Join(g.tmpdir, base)
	}
	if err := dataset.Write(d, target); err != nil {
		return err
	}
	if target != outfile {
		if err := moveFile(target, outfile); err != nil {
			return fmt.Errorf("moving %s into place: %w", target, err)
		}
	}
	g.metrics.ChunksWritten.Inc()
	g.metrics.ChunkWriteDuration.Observe(g.clock.Since(began).Seconds())
	return nil
}

// consolidate merges the monthly files of one year into a single yearly file
// and removes them. With zero or one monthly file there is nothing to merge.
func (g *Generator) consolidate(varname string, year int) error {
	pattern := filepath.Join(g.outdir, fmt.Sprintf("%s_%s_%s_%s_%04d??.nc",
		varname, g.opts.Exp, g.opts.Resolution, g.freqLabel(), year))
	monthlies, err := filepath.Glob(pattern)
	if err != nil || len(monthlies) < 2 {
		return nil
	}
	g.logger.Warn("consolidating into a single yearly file", "var", varname, "year", year)

	parts := make([]*dataset.Dataset, 0, len(monthlies))
	for _, f := range monthlies {
		d, err := dataset.Read(f)
		if err != nil {
			return fmt.Errorf("reading %s for consolidation: %w", f, err)
		}
		parts = append(parts, d)
	}
	merged, err := dataset.ConcatTime(parts...)
	if err != nil {
		return fmt.Errorf("consolidating %s year %d: %w", varname, year, err)
	}

	yearfile := g.filename(varname, year, 0)
	if _, err := os.Stat(yearfile); err == nil {
		if err := os.Remove(yearfile); err != nil {
			return fmt.Errorf("removing stale %s: %w", yearfile, err)
		}
	}
	if err := dataset.Write(merged, yearfile); err != nil {
		return err
	}
	for _, f := range monthlies {
		g.logger.Info("cleaning monthly file", "file", f)
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	g.metrics.YearsConsolidated.Inc()
	return nil
}

// CreateCatalogEntry registers the archive in the per-experiment catalog file
// with a glob urlpath covering all yearly files.
func (g *Generator) CreateCatalogEntry() error {
	if g.opts.CatalogDir == "" {
		return nil
	}
	name := fmt.Sprintf("lra-%s-%s", g.opts.Resolution, g.freqLabel())
	urlpath := filepath.Join(g.outdir, fmt.Sprintf("*%s_%s_%s_????.nc",
		g.opts.Exp, g.opts.Resolution, g.freqLabel()))
	entry := catalog.NewNetCDFEntry(urlpath,
		fmt.Sprintf("LRA data %s at %s", g.freqLabel(), g.opts.Resolution))

	file := filepath.Join(g.opts.CatalogDir, g.opts.Model, g.opts.Exp+".yaml")
	g.logger.Warn("creating catalog entry",
		"model", g.opts.Model, "exp", g.opts.Exp, "entry", name)
	if err := catalog.Upsert(file, name, entry, true, g.logger); err != nil {
		return err
	}
	g.metrics.CatalogEntriesWritten.Inc()
	return nil
}

// Cleanup removes the per-run tmp staging directory.
func (g *Generator) Cleanup() {
	if g.tmpdir != "" {
		if err := os.RemoveAll(g.tmpdir); err != nil {
			g.logger.Warn("cannot remove tmp directory", "dir", g.tmpdir, "error", err)
		}
	}
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to copy and remove.
	in, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, in, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}

func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
