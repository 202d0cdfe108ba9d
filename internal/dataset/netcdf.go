package dataset

import (
	"fmt"
	"os"
	"sort"

	"github.com/ctessum/cdf"
)

// Write serializes the dataset to a NetCDF classic file. The time coordinate
// is always written as float64 days since 1970-01-01, standard calendar, so
// files produced by different runs stay mergeable.
func Write(d *Dataset, path string) error {
	dimNames := []string{"time"}
	dimLens := []int{len(d.Time)}
	coordNames := make([]string, 0, len(d.Coords))
	for name := range d.Coords {
		coordNames = append(coordNames, name)
	}
	sort.Strings(coordNames)

	seen := map[string]bool{"time": true}
	for _, name := range coordNames {
		c := d.Coords[name]
		if len(c.Dims) != 1 {
			return fmt.Errorf("dataset: coordinate %s must be one-dimensional", name)
		}
		if dim := c.Dims[0]; !seen[dim] {
			seen[dim] = true
			dimNames = append(dimNames, dim)
			dimLens = append(dimLens, c.Data.Shape[0])
		}
	}
	for _, name := range d.names {
		for _, dim := range d.vars[name].Dims {
			if !seen[dim] {
				return fmt.Errorf("dataset: variable %s uses undeclared dimension %s", name, dim)
			}
		}
	}

	h := cdf.NewHeader(dimNames, dimLens)
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", TimeUnits)
	h.AddAttribute("time", "calendar", TimeCalendar)
	for _, name := range coordNames {
		c := d.Coords[name]
		h.AddVariable(name, c.Dims, []float64{0})
		if err := addNCAttrs(h, name, c.Attrs); err != nil {
			return err
		}
	}
	for _, name := range d.names {
		f := d.vars[name]
		h.AddVariable(name, f.Dims, []float64{0})
		if err := addNCAttrs(h, name, f.Attrs); err != nil {
			return err
		}
	}
	if err := addNCAttrs(h, "", d.Attrs); err != nil {
		return err
	}
	h.Define()
	for _, err := range h.Check() {
		return fmt.Errorf("dataset: invalid netcdf header for %s: %w", path, err)
	}

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: creating %s: %w", path, err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("dataset: writing header of %s: %w", path, err)
	}

	if err := writeNCVar(f, "time", EncodeTime(d.Time)); err != nil {
		return fmt.Errorf("dataset: writing time axis of %s: %w", path, err)
	}
	for _, name := range coordNames {
		if err := writeNCVar(f, name, d.Coords[name].Data.Elements); err != nil {
			return fmt.Errorf("dataset: writing coordinate %s of %s: %w", name, path, err)
		}
	}
	for _, name := range d.names {
		if err := writeNCVar(f, name, d.vars[name].Data.Elements); err != nil {
			return fmt.Errorf("dataset: writing variable %s of %s: %w", name, path, err)
		}
	}
	return nil
}

func addNCAttrs(h *cdf.Header, varName string, attrs Attributes) error {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch v := attrs[key].(type) {
		case string:
			h.AddAttribute(varName, key, v)
		case float64:
			h.AddAttribute(varName, key, []float64{v})
		case int:
			h.AddAttribute(varName, key, []int32{int32(v)})
		default:
			return fmt.Errorf("dataset: unsupported attribute type %T for %q", attrs[key], key)
		}
	}
	return nil
}

func writeNCVar(f *cdf.File, name string, values []float64) error {
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(values); err != nil {
		return err
	}
	return nil
}

// Read loads a NetCDF classic file written by Write (or by any tool using
// compatible conventions: a "time" variable with CF time units, 1-D
// coordinate variables, float data variables).
func Read(path string) (*Dataset, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: opening %s: %w", path, err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		return nil, fmt.Errorf("dataset: reading %s: %w", path, err)
	}

	timeVals, err := readNCVar(f, "time")
	if err != nil {
		return nil, fmt.Errorf("dataset: reading time axis of %s: %w", path, err)
	}
	timeUnits, _ := ncAttr(f, "time", "units").(string)
	if timeUnits == "" {
		timeUnits = TimeUnits
	}
	times, err := DecodeTime(timeVals, timeUnits)
	if err != nil {
		return nil, fmt.Errorf("dataset: decoding time axis of %s: %w", path, err)
	}

	d := New(times)
	for _, key := range f.Header.Attributes("") {
		d.Attrs[key] = fromNCAttr(f.Header.GetAttribute("", key))
	}
	for _, v := range f.Header.Variables() {
		if v == "time" {
			continue
		}
		dims := f.Header.Dimensions(v)
		vals, err := readNCVar(f, v)
		if err != nil {
			return nil, fmt.Errorf("dataset: reading variable %s of %s: %w", v, path, err)
		}
		field := NewField(dims, zerosDense(f.Header.Lengths(v)))
		copy(field.Data.Elements, vals)
		for _, key := range f.Header.Attributes(v) {
			field.Attrs[key] = fromNCAttr(f.Header.GetAttribute(v, key))
		}
		if len(dims) == 1 && dims[0] == v {
			d.Coords[v] = field
			continue
		}
		d.AddVar(v, field)
	}
	return d, nil
}

func readNCVar(f *cdf.File, name string) ([]float64, error) {
	r := f.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	switch vals := buf.(type) {
	case []float64:
		return vals, nil
	case []float32:
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported variable type %T", buf)
	}
}

func ncAttr(f *cdf.File, varName, key string) any {
	return f.Header.GetAttribute(varName, key)
}

// fromNCAttr maps NetCDF attribute values back to the dataset convention:
// one-element numeric slices become scalars.
func fromNCAttr(v any) any {
	switch val := v.(type) {
	case string:
		return val
	case []float64:
		if len(val) == 1 {
			return val[0]
		}
		return fmt.Sprintf("%v", val)
	case []float32:
		if len(val) == 1 {
			return float64(val[0])
		}
		return fmt.Sprintf("%v", val)
	case []int32:
		if len(val) == 1 {
			return int(val[0])
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
