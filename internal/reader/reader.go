// Package reader provides the data source feeding the LRA generator: it
// loads NetCDF files from a per-source directory tree, applies the fixer,
// and implements regridding and time averaging on the loaded fields. It
// serves both whole-dataset and streaming retrieval; in streaming mode data
// is yielded as monthly chunks with the fixer's decumulation carry threaded
// across chunk boundaries.
package reader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/tempestra/climate-lra/internal/dataset"
	"github.com/tempestra/climate-lra/internal/fixer"
	"github.com/tempestra/climate-lra/internal/lra"
	"github.com/tempestra/climate-lra/internal/observability"
)

// Options configure a Reader.
type Options struct {
	// DataDir is the root of the input tree; files for one combination
	// live under DataDir/model/exp/source/*.nc.
	DataDir string
	Model   string
	Exp     string
	Source  string
	// Resolution is the regrid target, e.g. "r100" for one degree.
	Resolution string
	// Streaming makes Retrieve yield monthly chunks instead of one
	// materialized dataset.
	Streaming bool
	// Fix disables all fixing when false.
	Fix bool
	// DstDataModel is the coordinate convention datasets are translated
	// to; empty disables translation.
	DstDataModel string
}

// Reader implements lra.Source over a directory of NetCDF files.
type Reader struct {
	opts    Options
	fix     *fixer.Fixer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New builds a reader. rules may be nil when no fix file is configured.
func New(opts Options, rules *fixer.File, logger *slog.Logger, metrics *observability.Metrics) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	var fx *fixer.Fixer
	if opts.Fix {
		fx = fixer.New(rules, opts.Model, opts.Exp, opts.Source, opts.DstDataModel, logger, metrics)
	}
	return &Reader{opts: opts, fix: fx, logger: logger, metrics: metrics}
}

// Fixer exposes the resolved fixer, nil when fixing is disabled.
func (r *Reader) Fixer() *fixer.Fixer { return r.fix }

func (r *Reader) dataDir() string {
	return filepath.Join(r.opts.DataDir, r.opts.Model, r.opts.Exp, r.opts.Source)
}

// Retrieve loads one variable. The requested name is the post-fix target
// name; the fixer maps it back to the source variables that must be read.
// A non-zero startdate drops all time steps at or before it.
func (r *Reader) Retrieve(ctx context.Context, varname string, startdate time.Time) (lra.Retrieval, error) {
	loadVars := []string{varname}
	if r.fix != nil {
		lv, err := r.fix.VarsToLoad(loadVars)
		if err != nil {
			return lra.Retrieval{}, err
		}
		loadVars = lv
	}

	whole, err := r.load(ctx, loadVars, startdate)
	if err != nil {
		return lra.Retrieval{}, err
	}

	if r.opts.Streaming {
		return lra.Retrieval{Next: r.stream(whole, varname)}, nil
	}
	if r.fix != nil {
		if _, err := r.fix.Fix(whole, []string{varname}, true, nil); err != nil {
			return lra.Retrieval{}, err
		}
	}
	trimTo(whole, varname)
	return lra.Retrieval{Whole: whole}, nil
}

// stream slices the loaded data into monthly chunks and wraps them in a
// fixed iterator so decumulation stays continuous across months.
func (r *Reader) stream(data *dataset.Dataset, varname string) func() (*dataset.Dataset, error) {
	type key struct{ year, month int }
	var order []key
	seen := map[key]bool{}
	for _, t := range data.Time {
		k := key{t.Year(), int(t.Month())}
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}

	i := 0
	next := func() (*dataset.Dataset, error) {
		if i >= len(order) {
			return nil, io.EOF
		}
		k := order[i]
		i++
		chunk := data.SelYear(k.year).SelMonth(k.month)
		return chunk, nil
	}
	if r.fix == nil {
		return func() (*dataset.Dataset, error) {
			d, err := next()
			if err != nil {
				return nil, err
			}
			trimTo(d, varname)
			return d, nil
		}
	}
	fixed := r.fix.FixStream(next, []string{varname}, true)
	return func() (*dataset.Dataset, error) {
		d, err := fixed()
		if err != nil {
			return nil, err
		}
		trimTo(d, varname)
		return d, nil
	}
}

// load reads every NetCDF file of the combination in lexical order and
// concatenates the requested variables along time.
func (r *Reader) load(ctx context.Context, loadVars []string, startdate time.Time) (*dataset.Dataset, error) {
	dir := r.dataDir()
	files, err := filepath.Glob(filepath.Join(dir, "*.nc"))
	if err != nil || len(files) == 0 {
		return nil, fmt.Errorf("reader: no input files under %s", dir)
	}
	sort.Strings(files)

	var parts []*dataset.Dataset
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := dataset.Read(f)
		if err != nil {
			return nil, fmt.Errorf("reader: %w", err)
		}
		keepOnly(d, loadVars)
		if d.NumVars() == 0 {
			continue
		}
		parts = append(parts, d)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("reader: variables %v not found under %s", loadVars, dir)
	}
	data, err := dataset.ConcatTime(parts...)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	if !startdate.IsZero() {
		data = data.SelAfter(startdate)
		r.logger.Info("resuming retrieval", "after", startdate, "steps", len(data.Time))
	}
	return data, nil
}

// keepOnly drops every data variable not in the keep list.
func keepOnly(d *dataset.Dataset, keep []string) {
	want := map[string]bool{}
	for _, v := range keep {
		want[v] = true
	}
	var drop []string
	for _, name := range d.VarNames() {
		if !want[name] {
			drop = append(drop, name)
		}
	}
	d.Drop(drop...)
}

// trimTo keeps only the requested variable once fixing has produced it. The
// fixer may have loaded extra operands for derived formulas.
func trimTo(d *dataset.Dataset, varname string) {
	if !d.HasVar(varname) {
		return
	}
	keepOnly(d, []string{varname})
}

// Timmean averages the dataset to monthly frequency. Each month's time stamp
// is the first instant of the month; static fields pass through unchanged.
func (r *Reader) Timmean(d *dataset.Dataset) (*dataset.Dataset, error) {
	if len(d.Time) == 0 {
		return d, nil
	}
	type key struct{ year, month int }
	var order []key
	groups := map[key][]int{}
	for i, t := range d.Time {
		k := key{t.Year(), int(t.Month())}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	times := make([]time.Time, len(order))
	for i, k := range order {
		times[i] = time.Date(k.year, time.Month(k.month), 1, 0, 0, 0, 0, time.UTC)
	}
	out := dataset.New(times)
	out.Attrs = d.Attrs.Copy()
	for name, c := range d.Coords {
		out.Coords[name] = c.Copy()
	}
	for _, name := range d.VarNames() {
		f, _ := d.Var(name)
		if !f.HasTime() {
			out.AddVar(name, f.Copy())
			continue
		}
		slab := f.SlabSize()
		mean := f.Copy()
		mean.Data = dataset.Zeros(append([]int{len(order)}, f.Data.Shape[1:]...)...)
		for gi, k := range order {
			idx := groups[k]
			for cell := 0; cell < slab; cell++ {
				sum, n := 0.0, 0
				for _, step := range idx {
					v := f.Data.Elements[step*slab+cell]
					if !math.IsNaN(v) {
						sum += v
						n++
					}
				}
				if n == 0 {
					mean.Data.Elements[gi*slab+cell] = math.NaN()
				} else {
					mean.Data.Elements[gi*slab+cell] = sum / float64(n)
				}
			}
		}
		out.AddVar(name, mean)
	}
	out.AppendHistory("time averaged to monthly means by reader")
	return out, nil
}

// Regrid block-averages every lat/lon field to the configured resolution and
// tags the dataset with the regridded marker. A dataset already carrying the
// marker passes through untouched.
func (r *Reader) Regrid(d *dataset.Dataset) (*dataset.Dataset, error) {
	if d.Attrs.Has("regridded") {
		return d, nil
	}
	nlat, nlon, err := ParseResolution(r.opts.Resolution)
	if err != nil {
		return nil, err
	}
	lat, okLat := d.Coords["lat"]
	lon, okLon := d.Coords["lon"]
	if !okLat || !okLon {
		return nil, fmt.Errorf("reader: dataset has no lat/lon coordinates to regrid")
	}
	inLat := lat.Data.Shape[0]
	inLon := lon.Data.Shape[0]
	if inLat == nlat && inLon == nlon {
		d.Attrs["regridded"] = 1
		return d, nil
	}
	if inLat%nlat != 0 || inLon%nlon != 0 {
		return nil, fmt.Errorf("reader: grid %dx%d not divisible by target %dx%d",
			inLat, inLon, nlat, nlon)
	}
	fy, fx := inLat/nlat, inLon/nlon

	out := dataset.New(append([]time.Time(nil), d.Time...))
	out.Attrs = d.Attrs.Copy()
	newLat := blockMean1D(lat, fy)
	newLon := blockMean1D(lon, fx)
	out.Coords["lat"] = newLat
	out.Coords["lon"] = newLon
	for name, c := range d.Coords {
		if name != "lat" && name != "lon" {
			out.Coords[name] = c.Copy()
		}
	}
	for _, name := range d.VarNames() {
		f, _ := d.Var(name)
		nd := len(f.Dims)
		if nd < 2 || f.Dims[nd-2] != "lat" || f.Dims[nd-1] != "lon" {
			out.AddVar(name, f.Copy())
			continue
		}
		out.AddVar(name, blockMean2D(f, inLat, inLon, nlat, nlon, fy, fx))
	}
	out.Attrs["regridded"] = 1
	out.AppendHistory(fmt.Sprintf("regridded to %s by reader", r.opts.Resolution))
	return out, nil
}

// ParseResolution maps a resolution label like "r100" to target grid sizes:
// the numeric part is the cell size in hundredths of a degree, so r100 is a
// one-degree 180x360 grid and r200 a two-degree 90x180 grid.
func ParseResolution(res string) (nlat, nlon int, err error) {
	var hundredths int
	if _, err := fmt.Sscanf(res, "r%d", &hundredths); err != nil || hundredths <= 0 {
		return 0, 0, fmt.Errorf("reader: invalid resolution %q", res)
	}
	nlat = 180 * 100 / hundredths
	nlon = 360 * 100 / hundredths
	if nlat <= 0 || nlon <= 0 {
		return 0, 0, fmt.Errorf("reader: invalid resolution %q", res)
	}
	return nlat, nlon, nil
}

func blockMean1D(c *dataset.Field, factor int) *dataset.Field {
	n := c.Data.Shape[0] / factor
	out := c.Copy()
	out.Data = dataset.Zeros(n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < factor; j++ {
			sum += c.Data.Elements[i*factor+j]
		}
		out.Data.Elements[i] = sum / float64(factor)
	}
	return out
}

// blockMean2D averages fy x fx blocks of the trailing lat/lon dimensions,
// skipping NaN cells; an all-NaN block stays NaN so land/sea masks survive.
func blockMean2D(f *dataset.Field, inLat, inLon, nlat, nlon, fy, fx int) *dataset.Field {
	lead := 1
	for _, s := range f.Data.Shape[:len(f.Data.Shape)-2] {
		lead *= s
	}
	shape := append(append([]int{}, f.Data.Shape[:len(f.Data.Shape)-2]...), nlat, nlon)
	out := f.Copy()
	out.Data = dataset.Zeros(shape...)
	for l := 0; l < lead; l++ {
		inBase := l * inLat * inLon
		outBase := l * nlat * nlon
		for y := 0; y < nlat; y++ {
			for x := 0; x < nlon; x++ {
				sum, n := 0.0, 0
				for by := 0; by < fy; by++ {
					for bx := 0; bx < fx; bx++ {
						v := f.Data.Elements[inBase+(y*fy+by)*inLon+x*fx+bx]
						if !math.IsNaN(v) {
							sum += v
							n++
						}
					}
				}
				if n == 0 {
					out.Data.Elements[outBase+y*nlon+x] = math.NaN()
				} else {
					out.Data.Elements[outBase+y*nlon+x] = sum / float64(n)
				}
			}
		}
	}
	return out
}

var _ lra.Source = (*Reader)(nil)
