package lra

import (
	"context"
	"time"

	"github.com/tempestra/climate-lra/internal/dataset"
)

// Retrieval is the outcome of one Retrieve call: either a whole materialized
// dataset or a stream of chunks. Exactly one side is set; the decision is
// made once at the source boundary and the pipeline branches on it instead of
// re-inspecting types downstream.
type Retrieval struct {
	Whole *dataset.Dataset

	// Next yields chunks in arrival order and returns io.EOF when the
	// stream is exhausted.
	Next func() (*dataset.Dataset, error)
}

// IsStream reports whether the retrieval is chunked.
func (r Retrieval) IsStream() bool { return r.Next != nil }

// Source is the data provider the generator pulls from. Implementations
// return already-fixed data, tag the "regridded" attribute when Regrid runs,
// and keep a free-text history attribute downstream heuristics can inspect.
type Source interface {
	// Retrieve fetches one variable. A zero startdate means the full
	// record; otherwise retrieval resumes after that instant.
	Retrieve(ctx context.Context, varname string, startdate time.Time) (Retrieval, error)

	// Regrid interpolates the dataset to the target resolution.
	Regrid(d *dataset.Dataset) (*dataset.Dataset, error)

	// Timmean averages the dataset to the target frequency.
	Timmean(d *dataset.Dataset) (*dataset.Dataset, error)
}
