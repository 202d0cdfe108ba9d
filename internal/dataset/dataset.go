// Package dataset holds the in-memory representation of retrieved climate
// fields: named variables backed by dense arrays, a shared time coordinate,
// auxiliary spatial coordinates, and free-form attributes. It also reads and
// writes NetCDF classic files with a fixed time encoding.
package dataset

import (
	"fmt"
	"time"

	"github.com/ctessum/sparse"
)

// Attributes is free-form metadata attached to a dataset or a single field.
// Values are strings, float64 or int; anything else is rejected at NetCDF
// write time.
type Attributes map[string]any

// Str returns the attribute as a string, or "" if absent or not a string.
func (a Attributes) Str(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Float returns a numeric attribute as float64.
func (a Attributes) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int returns a numeric attribute as int.
func (a Attributes) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Has reports whether the attribute is set.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Copy returns a shallow copy of the attribute map.
func (a Attributes) Copy() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Field is a single variable: an n-dimensional array with named dimensions.
// Time-varying fields carry "time" as their first dimension.
type Field struct {
	Dims  []string
	Data  *sparse.DenseArray
	Attrs Attributes
}

// NewField creates a field over the given dimensions and data.
func NewField(dims []string, data *sparse.DenseArray) *Field {
	return &Field{Dims: dims, Data: data, Attrs: Attributes{}}
}

func zerosDense(shape []int) *sparse.DenseArray {
	return sparse.ZerosDense(shape...)
}

// Zeros allocates a zero-filled dense array of the given shape.
func Zeros(shape ...int) *sparse.DenseArray {
	return sparse.ZerosDense(shape...)
}

// HasTime reports whether the field varies along the time dimension.
func (f *Field) HasTime() bool {
	return len(f.Dims) > 0 && f.Dims[0] == "time"
}

// TimeSteps returns the length of the time dimension, or 1 for static fields.
func (f *Field) TimeSteps() int {
	if !f.HasTime() {
		return 1
	}
	return f.Data.Shape[0]
}

// SlabSize returns the number of cells in one time step.
func (f *Field) SlabSize() int {
	n := 1
	shape := f.Data.Shape
	if f.HasTime() {
		shape = shape[1:]
	}
	for _, s := range shape {
		n *= s
	}
	return n
}

// Slab returns a copy of the values of one time step.
func (f *Field) Slab(step int) []float64 {
	slab := f.SlabSize()
	out := make([]float64, slab)
	copy(out, f.Data.Elements[step*slab:(step+1)*slab])
	return out
}

// SetSlab overwrites the values of one time step.
func (f *Field) SetSlab(step int, values []float64) {
	slab := f.SlabSize()
	copy(f.Data.Elements[step*slab:(step+1)*slab], values)
}

// Copy returns a deep copy of the field.
func (f *Field) Copy() *Field {
	dims := make([]string, len(f.Dims))
	copy(dims, f.Dims)
	return &Field{Dims: dims, Data: f.Data.Copy(), Attrs: f.Attrs.Copy()}
}

// Dataset is a collection of fields sharing a time coordinate. Variable
// iteration order is insertion order, which keeps fixes and file layout
// deterministic across runs.
type Dataset struct {
	Time   []time.Time
	Coords map[string]*Field
	Attrs  Attributes

	vars  map[string]*Field
	names []string
}

// New creates an empty dataset with the given time coordinate.
func New(times []time.Time) *Dataset {
	return &Dataset{
		Time:   times,
		Coords: map[string]*Field{},
		Attrs:  Attributes{},
		vars:   map[string]*Field{},
	}
}

// AddVar adds or replaces a variable, preserving first-insertion order.
func (d *Dataset) AddVar(name string, f *Field) {
	if _, ok := d.vars[name]; !ok {
		d.names = append(d.names, name)
	}
	d.vars[name] = f
}

// Var returns the named variable.
func (d *Dataset) Var(name string) (*Field, bool) {
	f, ok := d.vars[name]
	return f, ok
}

// HasVar reports whether the variable exists.
func (d *Dataset) HasVar(name string) bool {
	_, ok := d.vars[name]
	return ok
}

// VarNames returns variable names in insertion order.
func (d *Dataset) VarNames() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// NumVars returns the number of data variables.
func (d *Dataset) NumVars() int { return len(d.names) }

// Rename applies a bulk old-name to new-name mapping. All lookups happen
// against the pre-rename state, so mappings cannot shadow each other.
func (d *Dataset) Rename(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	renamed := make(map[string]*Field, len(d.vars))
	names := make([]string, 0, len(d.names))
	for _, name := range d.names {
		newName := name
		if to, ok := mapping[name]; ok {
			newName = to
		}
		renamed[newName] = d.vars[name]
		names = append(names, newName)
	}
	d.vars = renamed
	d.names = names
}

// RenameCoord renames a coordinate and rewrites every dimension reference to
// it, in the coordinate itself and in all variables.
func (d *Dataset) RenameCoord(old, new string) {
	c, ok := d.Coords[old]
	if !ok {
		return
	}
	delete(d.Coords, old)
	d.Coords[new] = c
	renameDim := func(f *Field) {
		for i, dim := range f.Dims {
			if dim == old {
				f.Dims[i] = new
			}
		}
	}
	renameDim(c)
	for _, other := range d.Coords {
		renameDim(other)
	}
	for _, name := range d.names {
		renameDim(d.vars[name])
	}
}

// Drop removes the named variables if present.
func (d *Dataset) Drop(names ...string) {
	for _, name := range names {
		if _, ok := d.vars[name]; !ok {
			continue
		}
		delete(d.vars, name)
		for i, n := range d.names {
			if n == name {
				d.names = append(d.names[:i], d.names[i+1:]...)
				break
			}
		}
	}
}

// Copy returns a deep copy of the dataset.
func (d *Dataset) Copy() *Dataset {
	out := New(append([]time.Time(nil), d.Time...))
	out.Attrs = d.Attrs.Copy()
	for name, c := range d.Coords {
		out.Coords[name] = c.Copy()
	}
	for _, name := range d.names {
		out.AddVar(name, d.vars[name].Copy())
	}
	return out
}

// AppendHistory adds a timestamped entry to the free-text history attribute,
// the only provenance record downstream tools can rely on.
func (d *Dataset) AppendHistory(msg string) {
	appendHistory(d.Attrs, msg)
}

// AppendHistory records a provenance entry on a single field.
func (f *Field) AppendHistory(msg string) {
	appendHistory(f.Attrs, msg)
}

func appendHistory(attrs Attributes, msg string) {
	entry := fmt.Sprintf("%s: %s", clock.Now().UTC().Format(time.RFC3339), msg)
	if prev := attrs.Str("history"); prev != "" {
		entry = prev + "\n" + entry
	}
	attrs["history"] = entry
}
