// Command lra generates the low-resolution archive described by a YAML job
// file: for every configured model/experiment/source combination it retrieves
// the requested variables, applies the fixes, regrids and time-averages them,
// and writes chunked NetCDF output registered in the catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	httpadapter "github.com/tempestra/climate-lra/internal/adapter/http"
	"github.com/tempestra/climate-lra/internal/config"
	"github.com/tempestra/climate-lra/internal/fixer"
	"github.com/tempestra/climate-lra/internal/lra"
	"github.com/tempestra/climate-lra/internal/observability"
	"github.com/tempestra/climate-lra/internal/reader"
)

func main() {
	var (
		configPath = flag.String("config", "lra.yaml", "YAML job file")
		fix        = flag.Bool("fix", true, "apply fixes to retrieved data")
		workers    = flag.Int("workers", 0, "override worker count")
		definitive = flag.Bool("definitive", false, "actually write files (default is a dry run)")
		overwrite  = flag.Bool("overwrite", false, "overwrite complete existing files")
		loglevel   = flag.String("loglevel", "", "override log level")
		onlyModel  = flag.String("model", "", "restrict to one model")
		onlyExp    = flag.String("exp", "", "restrict to one experiment")
		onlySource = flag.String("source", "", "restrict to one source")
		onlyVar    = flag.String("var", "", "restrict to a comma-separated set of variables")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *loglevel != "" {
		cfg.Options.LogLevel = *loglevel
	}
	if *workers > 0 {
		cfg.Options.Workers = *workers
	}

	logger := observability.NewLogger(cfg.Options.LogLevel, cfg.Options.LogFormat)
	metrics := observability.NewMetrics()

	var rules *fixer.File
	if *fix && cfg.Paths.Fixes != "" {
		rules, err = fixer.LoadFile(cfg.Paths.Fixes)
		if err != nil {
			logger.Error("failed to load fix rules", "error", err)
			os.Exit(1)
		}
	}

	combos := filterCombos(cfg.Combinations(), *onlyModel, *onlyExp, *onlySource)
	if len(combos) == 0 {
		logger.Error("no combinations match the requested filters")
		os.Exit(1)
	}

	tracker := &progressTracker{total: len(combos)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *httpadapter.Server
	if cfg.Options.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.Options.HTTPAddr, tracker, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	failed := 0
	for _, combo := range combos {
		if ctx.Err() != nil {
			logger.Warn("interrupted, stopping")
			break
		}
		tracker.begin(combo)
		if err := runCombination(ctx, cfg, combo, rules, *fix, *definitive, *overwrite, *onlyVar, logger, metrics); err != nil {
			logger.Error("combination failed",
				"model", combo.Model, "exp", combo.Exp, "source", combo.Source, "error", err)
			failed++
		}
		tracker.finish()
	}

	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}
	if failed > 0 {
		logger.Error("run finished with failures", "failed", failed)
		os.Exit(1)
	}
	logger.Info("run finished")
}

func runCombination(ctx context.Context, cfg *config.Config, combo config.Combination,
	rules *fixer.File, fix, definitive, overwrite bool, onlyVar string,
	logger *slog.Logger, metrics *observability.Metrics) error {

	vars := combo.Spec.Vars
	if onlyVar != "" {
		vars = intersect(vars, strings.Split(onlyVar, ","))
		if len(vars) == 0 {
			logger.Info("no requested variables in this combination, skipping",
				"model", combo.Model, "exp", combo.Exp, "source", combo.Source)
			return nil
		}
	}

	src := reader.New(reader.Options{
		DataDir:      cfg.Paths.DataDir,
		Model:        combo.Model,
		Exp:          combo.Exp,
		Source:       combo.Source,
		Resolution:   cfg.Target.Resolution,
		Streaming:    combo.Spec.Streaming,
		Fix:          fix && !combo.Spec.NoFix,
		DstDataModel: cfg.Options.DataModel,
	}, rules, logger, metrics)

	gen, err := lra.NewGenerator(lra.Options{
		Model:      combo.Model,
		Exp:        combo.Exp,
		Source:     combo.Source,
		Vars:       vars,
		Resolution: cfg.Target.Resolution,
		Frequency:  cfg.Target.Frequency,
		OutDir:     cfg.Paths.OutDir,
		TmpDir:     cfg.Paths.TmpDir,
		CatalogDir: cfg.Paths.CatalogDir,
		Workers:    cfg.WorkersFor(combo.Spec),
		Definitive: definitive,
		Overwrite:  overwrite,
	}, src, logger, metrics)
	if err != nil {
		return err
	}
	defer gen.Cleanup()

	logger.Info("processing combination",
		"model", combo.Model, "exp", combo.Exp, "source", combo.Source, "vars", vars)
	return gen.Generate(ctx)
}

func filterCombos(combos []config.Combination, model, exp, source string) []config.Combination {
	var out []config.Combination
	for _, c := range combos {
		if model != "" && c.Model != model {
			continue
		}
		if exp != "" && c.Exp != exp {
			continue
		}
		if source != "" && c.Source != source {
			continue
		}
		out = append(out, c)
	}
	return out
}

func intersect(a, b []string) []string {
	want := map[string]bool{}
	for _, v := range b {
		want[strings.TrimSpace(v)] = true
	}
	var out []string
	for _, v := range a {
		if want[v] {
			out = append(out, v)
		}
	}
	return out
}

// progressTracker implements the status endpoint's reporter.
type progressTracker struct {
	mu      sync.Mutex
	total   int
	done    int
	current string
	running bool
}

func (p *progressTracker) begin(c config.Combination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.current = fmt.Sprintf("%s/%s/%s", c.Model, c.Exp, c.Source)
}

func (p *progressTracker) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.current = ""
	p.running = false
}

func (p *progressTracker) Status() httpadapter.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return httpadapter.Status{
		Running:     p.running,
		Combination: p.current,
		CombosDone:  p.done,
		CombosTotal: p.total,
	}
}
