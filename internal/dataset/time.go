package dataset

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Archive files always use the same time encoding, so that consolidated
// yearly files and monthly chunks written months apart stay mergeable.
const (
	TimeUnits    = "days since 1970-01-01"
	TimeCalendar = "standard"
)

var timeEpoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// EncodeTime converts timestamps to fractional days since the fixed epoch.
func EncodeTime(times []time.Time) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = t.Sub(timeEpoch).Hours() / 24
	}
	return out
}

// DecodeTime converts encoded values back to timestamps, given the units
// string of the time variable (e.g. "days since 1970-01-01").
func DecodeTime(values []float64, units string) ([]time.Time, error) {
	step, ref, err := parseTimeUnits(units)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(values))
	for i, v := range values {
		out[i] = ref.Add(time.Duration(v * float64(step)))
	}
	return out, nil
}

func parseTimeUnits(units string) (time.Duration, time.Time, error) {
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("dataset: unsupported time units %q", units)
	}
	var step time.Duration
	switch parts[0] {
	case "days":
		step = 24 * time.Hour
	case "hours":
		step = time.Hour
	case "minutes":
		step = time.Minute
	case "seconds":
		step = time.Second
	default:
		return 0, time.Time{}, fmt.Errorf("dataset: unsupported time step %q", parts[0])
	}
	refStr := strings.TrimSpace(parts[1])
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if ref, err := time.Parse(layout, refStr); err == nil {
			return step, ref.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("dataset: unsupported reference time %q", refStr)
}

// Years lists the distinct years present in the time coordinate, in order of
// first appearance. The order is only ascending if the source data is sorted.
func (d *Dataset) Years() []int {
	seen := map[int]bool{}
	var out []int
	for _, t := range d.Time {
		if y := t.Year(); !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	return out
}

// Months lists the distinct months present, in order of first appearance.
func (d *Dataset) Months() []int {
	seen := map[int]bool{}
	var out []int
	for _, t := range d.Time {
		if m := int(t.Month()); !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// SelYear returns a copy restricted to time steps within the given year.
func (d *Dataset) SelYear(year int) *Dataset {
	return d.selTime(func(t time.Time) bool { return t.Year() == year })
}

// SelMonth returns a copy restricted to time steps within the given month.
func (d *Dataset) SelMonth(month int) *Dataset {
	return d.selTime(func(t time.Time) bool { return int(t.Month()) == month })
}

// SelAfter returns a copy restricted to time steps strictly after the given
// instant, used to resume a retrieval from the last archived record.
func (d *Dataset) SelAfter(after time.Time) *Dataset {
	return d.selTime(func(t time.Time) bool { return t.After(after) })
}

func (d *Dataset) selTime(keep func(time.Time) bool) *Dataset {
	var idx []int
	var times []time.Time
	for i, t := range d.Time {
		if keep(t) {
			idx = append(idx, i)
			times = append(times, t)
		}
	}
	out := New(times)
	out.Attrs = d.Attrs.Copy()
	for name, c := range d.Coords {
		out.Coords[name] = c.Copy()
	}
	for _, name := range d.names {
		f := d.vars[name]
		if !f.HasTime() {
			out.AddVar(name, f.Copy())
			continue
		}
		out.AddVar(name, f.selectSteps(idx))
	}
	return out
}

func (f *Field) selectSteps(idx []int) *Field {
	slab := f.SlabSize()
	shape := append([]int{len(idx)}, f.Data.Shape[1:]...)
	data := zerosDense(shape)
	for i, step := range idx {
		copy(data.Elements[i*slab:(i+1)*slab], f.Data.Elements[step*slab:(step+1)*slab])
	}
	out := f.Copy()
	out.Data = data
	return out
}

// ConcatTime concatenates datasets along the time dimension and sorts the
// result by timestamp, so consolidated files carry a monotonic time axis
// regardless of the order the chunks were produced in.
func ConcatTime(parts ...*Dataset) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("dataset: nothing to concatenate")
	}
	first := parts[0]
	var times []time.Time
	for _, p := range parts {
		times = append(times, p.Time...)
	}
	order := make([]int, len(times))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return times[order[a]].Before(times[order[b]]) })

	sorted := make([]time.Time, len(times))
	for i, j := range order {
		sorted[i] = times[j]
	}
	out := New(sorted)
	out.Attrs = first.Attrs.Copy()
	for name, c := range first.Coords {
		out.Coords[name] = c.Copy()
	}
	for _, name := range first.VarNames() {
		f, _ := first.Var(name)
		if !f.HasTime() {
			out.AddVar(name, f.Copy())
			continue
		}
		slab := f.SlabSize()
		shape := append([]int{len(sorted)}, f.Data.Shape[1:]...)
		data := zerosDense(shape)
		offset := 0
		all := make([]float64, 0, len(sorted)*slab)
		for _, p := range parts {
			pf, ok := p.Var(name)
			if !ok {
				return nil, fmt.Errorf("dataset: variable %s missing from a chunk", name)
			}
			if pf.SlabSize() != slab {
				return nil, fmt.Errorf("dataset: variable %s has inconsistent shape across chunks", name)
			}
			all = append(all, pf.Data.Elements...)
			offset += pf.TimeSteps()
		}
		for i, j := range order {
			copy(data.Elements[i*slab:(i+1)*slab], all[j*slab:(j+1)*slab])
		}
		nf := f.Copy()
		nf.Data = data
		out.AddVar(name, nf)
	}
	return out, nil
}

// LastTime returns the final timestamp, or the zero time for an empty axis.
func (d *Dataset) LastTime() time.Time {
	if len(d.Time) == 0 {
		return time.Time{}
	}
	return d.Time[len(d.Time)-1]
}
