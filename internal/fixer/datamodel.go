package fixer

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tempestra/climate-lra/internal/dataset"
)

//go:embed datamodels/*.json
var dataModelFS embed.FS

// coordTarget is one entry of a data-model mapping file: the destination name
// and metadata of a source coordinate.
type coordTarget struct {
	OutName      string `json:"out_name"`
	Units        string `json:"units"`
	StandardName string `json:"standard_name"`
	LongName     string `json:"long_name"`
}

// Quirks are known upstream metadata bugs detected from a dataset's free-text
// history, the only provenance record available. Both can be present at once.
type Quirks struct {
	// GribScanLevels: datasets scanned by the gribscan toolchain carry a
	// "level" coordinate labeled as if it were model levels while holding
	// hPa pressure values.
	GribScanLevels bool
	// RemoteHeight: datasets pulled through the remote streaming interface
	// carry pressure levels under a coordinate named "height".
	RemoteHeight bool
}

// detectKnownProvenanceQuirks is the single place where history strings are
// sniffed for tool signatures. The substring matches are fragile but must be
// kept as-is for compatibility with the files those tools produce.
func detectKnownProvenanceQuirks(history string) Quirks {
	return Quirks{
		GribScanLevels: strings.Contains(history, "IFSMagician"),
		RemoteHeight:   strings.Contains(history, "GSV interface"),
	}
}

// translateDataModel renames the dataset's coordinates from the source to the
// destination convention using the embedded {src}2{dst}.json mapping. Before
// the generic mapping it repairs the provenance quirks detected from the
// history attribute, and afterwards any forecast_reference_time coordinate is
// swapped to plain "time".
func translateDataModel(d *dataset.Dataset, src, dst string) error {
	name := fmt.Sprintf("datamodels/%s2%s.json", src, dst)
	raw, err := dataModelFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("fixer: no data model mapping %s2%s: %w", src, dst, err)
	}
	var mapping map[string]coordTarget
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return fmt.Errorf("fixer: parsing data model mapping %s: %w", name, err)
	}

	quirks := detectKnownProvenanceQuirks(d.Attrs.Str("history"))
	relabeled := map[string]bool{}
	if quirks.GribScanLevels {
		if level, ok := d.Coords["level"]; ok && maxValue(level.Data.Elements) >= 1000 {
			relabelPressure(level)
			relabeled["level"] = true
		}
	}
	if quirks.RemoteHeight {
		if height, ok := d.Coords["height"]; ok {
			relabelPressure(height)
			relabeled["height"] = true
		}
	}

	for from, tgt := range mapping {
		if tgt.OutName == "time" {
			// Handled by the dedicated swap below.
			continue
		}
		if _, ok := d.Coords[from]; !ok {
			continue
		}
		c := d.Coords[from]
		// Quirk relabels carry the true metadata; the mapping only renames.
		if !relabeled[from] {
			if tgt.Units != "" {
				c.Attrs["units"] = tgt.Units
			}
			if tgt.StandardName != "" {
				c.Attrs["standard_name"] = tgt.StandardName
			}
			if tgt.LongName != "" {
				c.Attrs["long_name"] = tgt.LongName
			}
		}
		if tgt.OutName != "" && tgt.OutName != from {
			d.RenameCoord(from, tgt.OutName)
		}
	}

	// Downstream code uniformly expects the record dimension to be "time".
	// The dataset already owns a time axis, so the stray coordinate is
	// folded into it rather than kept as a duplicate variable.
	if _, ok := d.Coords["forecast_reference_time"]; ok {
		d.RenameCoord("forecast_reference_time", "time")
		delete(d.Coords, "time")
	}
	return nil
}

func relabelPressure(c *dataset.Field) {
	c.Attrs["units"] = "hPa"
	c.Attrs["standard_name"] = "air_pressure"
	c.Attrs["long_name"] = "pressure"
}

func maxValue(vals []float64) float64 {
	max := 0.0
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	return max
}
