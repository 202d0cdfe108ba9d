package fixer

import (
	"time"

	"github.com/tempestra/climate-lra/internal/dataset"
)

// State is the decumulation carry kept between streamed chunks: the raw
// (still cumulative) last time step of each decumulated variable, keyed by
// the variable's final name. It is owned by the caller and threaded through
// successive Fix calls; a nil State means whole-dataset mode, where each
// chunk is decumulated self-contained.
type State map[string][]float64

// Copy returns a copy of the state sharing the value slices.
func (s State) Copy() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// decumulate converts a cumulative field into per-interval increments. The
// output keeps the input's time length: the zeroth step is the difference
// against carry when one is given, the raw first value when keepFirst is set,
// and zero otherwise. With jump set (for example "month"), steps right after
// a counter reset keep the raw value instead of the meaningless difference
// across the reset. deltaT is the accumulation interval in seconds.
func decumulate(f *dataset.Field, times []time.Time, deltaT float64, jump string, keepFirst bool, carry []float64) {
	n := f.TimeSteps()
	slab := f.SlabSize()
	raw := make([]float64, len(f.Data.Elements))
	copy(raw, f.Data.Elements)

	out := f.Data.Elements
	switch {
	case carry != nil:
		for i := 0; i < slab; i++ {
			out[i] = raw[i] - carry[i]
		}
	case keepFirst:
		// zeroth step stays the raw first value
	default:
		for i := 0; i < slab; i++ {
			out[i] = 0
		}
	}
	for t := 1; t < n; t++ {
		for i := 0; i < slab; i++ {
			out[t*slab+i] = raw[t*slab+i] - raw[(t-1)*slab+i]
		}
	}

	if jump != "" {
		dt := time.Duration(deltaT * float64(time.Second))
		for t := 0; t < n && t < len(times); t++ {
			prev := times[t].Add(-dt)
			prev2 := times[t].Add(-2 * dt)
			if jumpUnit(prev, jump) != jumpUnit(prev2, jump) {
				// Counter reset between the two previous steps: the raw
				// value already is the increment since the reset.
				copy(out[t*slab:(t+1)*slab], raw[t*slab:(t+1)*slab])
			}
		}
	}

	f.Attrs["decumulated"] = 1
}

func jumpUnit(t time.Time, jump string) int {
	switch jump {
	case "day":
		return t.YearDay()
	case "year":
		return t.Year()
	default: // month
		return int(t.Month()) + 12*t.Year()
	}
}
