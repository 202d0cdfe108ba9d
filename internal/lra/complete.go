package lra

import (
	"log/slog"
	"math"
	"os"

	"github.com/tempestra/climate-lra/internal/dataset"
)

// FileIsComplete reports whether an output file is usable as-is. A file is
// complete when it exists, holds at least one data variable, that variable is
// not entirely NaN, and every time step has the same count of valid grid
// cells. Heterogeneous per-step coverage marks a partially written crash
// artifact even though the file opens fine. Any inspection error counts as
// incomplete so the file gets recomputed rather than trusted.
func FileIsComplete(path string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	d, err := dataset.Read(path)
	if err != nil {
		logger.Warn("cannot inspect file, assuming incomplete", "file", path, "error", err)
		return false
	}
	names := d.VarNames()
	if len(names) == 0 {
		logger.Warn("file has no data variables", "file", path)
		return false
	}
	v, _ := d.Var(names[0])

	steps := v.TimeSteps()
	slab := v.SlabSize()
	total := 0
	counts := make([]int, steps)
	for t := 0; t < steps; t++ {
		n := 0
		for _, val := range v.Data.Elements[t*slab : (t+1)*slab] {
			if !math.IsNaN(val) {
				n++
			}
		}
		counts[t] = n
		total += n
	}
	if total == 0 {
		logger.Warn("file is entirely NaN", "file", path, "var", names[0])
		return false
	}
	for t := 1; t < steps; t++ {
		if counts[t] != counts[0] {
			logger.Warn("uneven valid-cell coverage across time steps",
				"file", path, "var", names[0], "step", t)
			return false
		}
	}
	return true
}
