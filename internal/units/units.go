// Package units derives linear transforms between climate unit strings.
//
// A conversion is either purely multiplicative (factor != 1, offset == 0) or
// purely additive (factor == 1, offset != 0), never both: when an additive
// shift emerges the factor collapses to one. Fields in climate archives that
// need affine transforms have not been observed, and the collapse keeps
// downstream bookkeeping to a single pending attribute pair.
package units

import (
	"fmt"
	"log/slog"

	"github.com/ctessum/unit"
)

// waterDensity is the density of water in kg m-3, used to patch conversions
// where the source metadata silently dropped it (e.g. precipitation reported
// in metres of water but requested as a mass flux).
const waterDensity = 1000.0

// Conversion is the linear transform from source to target units:
// converted = value*Factor + Offset.
type Conversion struct {
	Factor float64
	Offset float64
}

// IsIdentity reports whether applying the conversion changes nothing.
func (c Conversion) IsIdentity() bool {
	return c.Factor == 1 && c.Offset == 0
}

// Apply transforms a single value.
func (c Conversion) Apply(v float64) float64 {
	return v*c.Factor + c.Offset
}

// Residual dimension signatures the converter knows how to repair. Each one
// corresponds to a quantity the source metadata habitually omits: the density
// of water, the accumulation interval, or both.
var (
	volumePerMass     = unit.Dimensions{unit.MassDim: -1, unit.LengthDim: 3}
	volumeTimePerMass = unit.Dimensions{unit.MassDim: -1, unit.LengthDim: 3, unit.TimeDim: 1}
	accumulationTime  = unit.Dimensions{unit.TimeDim: 1}
	massPerVolume     = unit.Dimensions{unit.MassDim: 1, unit.LengthDim: -3}
)

// Converter resolves unit-string pairs to conversions. Construct one per
// fixer session; the accumulation interval deltaT (seconds) parameterizes the
// accumulation-time special cases.
type Converter struct {
	deltaT    float64
	normalize map[string]string
	logger    *slog.Logger
}

// NewConverter returns a converter using the given accumulation interval in
// seconds. Extra normalization entries (odd GRIB unit spellings mapped to
// parseable ones) extend the built-in table.
func NewConverter(deltaT float64, normalize map[string]string, logger *slog.Logger) *Converter {
	if deltaT <= 0 {
		deltaT = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	table := map[string]string{
		"~":                     "1",
		"-":                     "1",
		"(0 - 1)":               "frac",
		"(0-1)":                 "frac",
		"0-1":                   "frac",
		"Proportion":            "frac",
		"degrees_north":         "degrees",
		"degrees_east":          "degrees",
		"m of water equivalent": "m",
	}
	for k, v := range normalize {
		table[k] = v
	}
	return &Converter{deltaT: deltaT, normalize: table, logger: logger}
}

// DeltaT returns the configured accumulation interval in seconds.
func (c *Converter) DeltaT() float64 { return c.deltaT }

// Normalize rewrites non-standard unit tokens found in climate GRIB metadata
// into parseable equivalents. Unknown strings pass through unchanged.
func (c *Converter) Normalize(u string) string {
	if fixed, ok := c.normalize[u]; ok {
		c.logger.Info("replacing non-standard unit", "from", u, "to", fixed)
		return fixed
	}
	return u
}

// Convert resolves the (factor, offset) pair turning src-unit values into
// dst-unit values. varName is only used for diagnostics. Unparseable unit
// strings indicate a configuration bug and are returned as errors.
func (c *Converter) Convert(src, dst, varName string) (Conversion, error) {
	qs, err := parseUnit(c.Normalize(src))
	if err != nil {
		return Conversion{}, fmt.Errorf("units: source units of %s: %w", varName, err)
	}
	qd, err := parseUnit(c.Normalize(dst))
	if err != nil {
		return Conversion{}, fmt.Errorf("units: target units of %s: %w", varName, err)
	}

	factor := qs.scale / qd.scale
	var offset float64
	residual := subDims(qs.dims, qd.dims)

	switch {
	case len(residual) == 0:
		// Commensurate units: the factor is the dimensionless ratio and any
		// additive shift is what zero converts to (temperature scales).
		offset = (qs.offset*qs.scale - qd.offset*qd.scale) / qd.scale
	case sameDims(residual, volumePerMass):
		factor *= waterDensity
		c.logger.Info("corrected multiplying by density of water 1000 kg m-3", "var", varName)
	case sameDims(residual, volumeTimePerMass):
		factor *= waterDensity / c.deltaT
		c.logger.Info("corrected multiplying by density of water 1000 kg m-3", "var", varName)
		c.logger.Info("corrected dividing by accumulation time", "var", varName, "deltat", c.deltaT)
	case sameDims(residual, accumulationTime):
		factor /= c.deltaT
		c.logger.Info("corrected dividing by accumulation time", "var", varName, "deltat", c.deltaT)
	case sameDims(residual, massPerVolume):
		factor /= waterDensity
		c.logger.Info("corrected dividing by density of water 1000 kg m-3", "var", varName)
	default:
		// Anything else is accepted as-is: the caller asked for a conversion
		// between incommensurate units and gets the raw scale ratio.
		c.logger.Info("incommensurate units", "var", varName, "src", src, "dst", dst)
	}

	if offset != 0 {
		return Conversion{Factor: 1, Offset: offset}, nil
	}
	return Conversion{Factor: factor, Offset: 0}, nil
}
