// Package fixer harmonizes retrieved climate datasets against per-source rule
// sets: variables are renamed or derived, units converted, cumulative fluxes
// decumulated, and coordinate conventions translated. Rules are loaded from
// YAML and resolved through a model/experiment/source hierarchy with
// "default" fallbacks at each level.
package fixer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tempestra/climate-lra/internal/dataset"
	"github.com/tempestra/climate-lra/internal/grib"
	"github.com/tempestra/climate-lra/internal/observability"
	"github.com/tempestra/climate-lra/internal/units"
)

// Fixer applies one resolved rule set to datasets from a single
// (model, experiment, source) combination. A Fixer with no rules is valid and
// passes datasets through unchanged apart from attribute normalization.
type Fixer struct {
	rules     *RuleSet
	defaults  Defaults
	converter *units.Converter
	dstModel  string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New resolves the rules for the given combination and builds the fixer.
// dstDataModel names the coordinate convention datasets are translated to; an
// empty string disables translation.
func New(file *File, model, exp, source, dstDataModel string, logger *slog.Logger, metrics *observability.Metrics) *Fixer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	f := &Fixer{
		dstModel: dstDataModel,
		logger:   logger,
		metrics:  metrics,
	}
	if file != nil {
		f.defaults = file.Defaults
		if res := file.Lookup(model, exp, source, logger); res.Found {
			f.rules = res.Rules
		}
	}
	deltaT := 1.0
	if f.rules != nil && f.rules.DeltaT > 0 {
		deltaT = f.rules.DeltaT
	}
	f.converter = units.NewConverter(deltaT, f.defaults.Units.Fix, logger)
	return f
}

// HasRules reports whether any rules were found for this combination.
func (f *Fixer) HasRules() bool { return f.rules != nil }

// DeltaT returns the accumulation interval in seconds.
func (f *Fixer) DeltaT() float64 { return f.converter.DeltaT() }

// Fix transforms the dataset in place: GRIB attribute cleanup, per-variable
// renames, derived variables, unit conversion bookkeeping, decumulation and
// data-model translation. destVars narrows which rules apply (nil means all).
// state is the streaming decumulation carry; pass nil outside streaming mode.
// The returned state replaces the caller's for the next chunk. Per-variable
// failures are logged and skipped; only configuration-level problems return
// an error.
func (f *Fixer) Fix(d *dataset.Dataset, destVars []string, applyUnitFix bool, state State) (State, error) {
	stripGribPrefix(d)

	if f.rules == nil {
		return state, nil
	}

	vars := f.rules.Vars.narrow(destVars)
	renames := map[string]string{}   // source -> final name, applied in bulk
	finalName := map[string]string{} // rule key -> final name

	for _, name := range vars.Names() {
		rule, _ := vars.Get(name)
		source, attrs, final, ok := f.fixVariable(d, name, rule, destVars != nil)
		if !ok {
			continue
		}
		finalName[name] = final
		if source != final {
			renames[source] = final
		}
		if err := f.applyAttributes(d, name, rule, source, attrs); err != nil {
			return state, err
		}
		f.metrics.VariablesFixed.Inc()
	}

	d.Rename(renames)

	state = f.decumulateVars(d, vars, finalName, state)

	if applyUnitFix {
		for _, name := range d.VarNames() {
			v, _ := d.Var(name)
			f.ApplyUnitFix(name, v)
		}
	}

	if len(f.rules.Delete) > 0 {
		d.Drop(f.rules.Delete...)
	}

	srcModel := f.rules.DataModel
	if srcModel == "" {
		srcModel = f.defaults.SrcDataModel
	}
	if srcModel != "" && f.dstModel != "" && srcModel != f.dstModel {
		if err := translateDataModel(d, srcModel, f.dstModel); err != nil {
			return state, err
		}
		d.AppendHistory("coordinates adjusted by fixer")
	}

	return state, nil
}

// FixStream wraps a chunk iterator so every chunk is fixed with the
// decumulation carry threaded across chunk boundaries. The iterator contract
// follows io.EOF to signal exhaustion.
func (f *Fixer) FixStream(next func() (*dataset.Dataset, error), destVars []string, applyUnitFix bool) func() (*dataset.Dataset, error) {
	state := State{}
	return func() (*dataset.Dataset, error) {
		d, err := next()
		if err != nil {
			return nil, err
		}
		state, err = f.Fix(d, destVars, applyUnitFix, state)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// fixVariable handles the name-resolution part of one rule: GRIB lookup,
// source presence, derived-formula evaluation. It returns the current name of
// the variable in the dataset, extra attributes to merge, and the final name
// after renaming. ok=false means this variable is skipped.
func (f *Fixer) fixVariable(d *dataset.Dataset, name string, rule Rule, requested bool) (source string, attrs map[string]any, final string, ok bool) {
	attrs = map[string]any{}
	final = name

	if rule.Grib {
		if ga, err := grib.Lookup(name); err == nil {
			attrs["paramId"] = ga.ParamID
			attrs["shortName"] = ga.ShortName
			attrs["long_name"] = ga.Name
			attrs["units"] = ga.Units
			if name != ga.ShortName {
				f.logger.Debug("replacing grib variable name with eccodes short name",
					"var", name, "shortName", ga.ShortName)
				final = ga.ShortName
			}
		} else {
			f.logger.Warn("cannot get grib attributes, metadata may be incomplete",
				"var", name, "error", err)
			f.metrics.FixSkips.WithLabelValues("grib").Inc()
		}
	}
	for k, v := range rule.Attributes {
		attrs[k] = v
	}

	source = rule.Source
	if source != "" && grib.IsCode(source) {
		ga, err := grib.Lookup("var" + source)
		if err != nil {
			f.logger.Error("source is an unknown grib code", "var", name, "code", source)
			f.metrics.FixSkips.WithLabelValues("grib").Inc()
			return "", nil, "", false
		}
		f.logger.Info("source is a grib code, converting to short name",
			"code", source, "shortName", ga.ShortName)
		source = ga.ShortName
	}

	switch {
	case source != "":
		if !d.HasVar(source) {
			// Simply not retrieved this time, nothing to log.
			f.metrics.FixSkips.WithLabelValues("missing").Inc()
			return "", nil, "", false
		}
		if v, okv := d.Var(source); okv && source != final {
			v.AppendHistory("variable renamed by fixer")
		}
	case rule.Derived != "":
		field, err := evalFormula(rule.Derived, d)
		if err != nil {
			if requested {
				f.logger.Error("requested derived variable cannot be computed",
					"var", final, "formula", rule.Derived, "error", err)
			} else {
				f.logger.Warn("derived variable defined in fixes but cannot be computed",
					"var", final, "formula", rule.Derived, "error", err)
			}
			f.metrics.FixSkips.WithLabelValues("derived").Inc()
			return "", nil, "", false
		}
		source = final
		field.AppendHistory("variable derived by fixer")
		d.AddVar(source, field)
		attrs["derived"] = rule.Derived
		f.logger.Info("derived variable", "var", final, "formula", rule.Derived)
	default:
		f.logger.Warn("rule has neither source nor derived", "var", name)
		return "", nil, "", false
	}

	return source, attrs, final, true
}

// applyAttributes merges rule attributes onto the variable, resolves source
// and target units, and attaches the pending unit conversion. Unparseable
// unit strings are configuration bugs and abort the fix.
func (f *Fixer) applyAttributes(d *dataset.Dataset, name string, rule Rule, source string, attrs map[string]any) error {
	v, ok := d.Var(source)
	if !ok {
		return nil
	}

	if rule.SrcUnits != "" {
		if prev := v.Attrs.Str("units"); prev != "" {
			f.logger.Info("overriding source units",
				"var", name, "from", prev, "to", rule.SrcUnits)
		} else {
			f.logger.Info("setting missing source units",
				"var", name, "units", rule.SrcUnits)
		}
		v.Attrs["units"] = rule.SrcUnits
	}

	tgtUnits := ""
	for att, value := range attrs {
		if att == "units" {
			tgtUnits, _ = value.(string)
			continue
		}
		v.Attrs[att] = value
	}
	if rule.Units != "" {
		if tgtUnits != "" {
			f.logger.Info("overriding target units",
				"var", name, "from", tgtUnits, "to", rule.Units)
		}
		tgtUnits = rule.Units
	}

	if !v.Attrs.Has("units") {
		f.logger.Error("variable has no units", "var", source)
	}
	if tgtUnits == "" {
		return nil
	}
	// Braced target units reference the shared short-name table.
	if strings.Contains(tgtUnits, "{") {
		key := strings.NewReplacer("{", "", "}", "").Replace(tgtUnits)
		if resolved, okt := f.defaults.Units.ShortName[key]; okt {
			tgtUnits = resolved
		}
	}

	srcUnits := v.Attrs.Str("units")
	f.logger.Info("converting units", "var", name, "from", srcUnits, "to", tgtUnits)
	conv, err := f.converter.Convert(srcUnits, tgtUnits, name)
	if err != nil {
		return err
	}
	if !conv.IsIdentity() {
		v.Attrs["tgt_units"] = tgtUnits
		v.Attrs["factor"] = conv.Factor
		v.Attrs["offset"] = conv.Offset
		f.logger.Info("unit fix attached",
			"var", name, "factor", conv.Factor, "offset", conv.Offset)
		f.metrics.UnitConversions.Inc()
	}
	return nil
}

// decumulateVars runs decumulation for every rule that asks for it. In
// streaming mode (state non-nil) the raw last time step of each decumulated
// variable is captured before differencing and becomes the next chunk's
// carry; the state is only replaced when at least one decumulation happened.
func (f *Fixer) decumulateVars(d *dataset.Dataset, vars *RuleTable, finalName map[string]string, state State) State {
	decumulated := false
	next := state.Copy()
	for _, name := range vars.Names() {
		rule, _ := vars.Get(name)
		if !rule.Decumulate {
			continue
		}
		varname, ok := finalName[name]
		if !ok {
			continue
		}
		v, okv := d.Var(varname)
		if !okv || !v.HasTime() {
			continue
		}
		f.logger.Debug("decumulating", "var", varname)

		var carry []float64
		if state != nil {
			carry = state[varname]
			if carry == nil {
				carry = make([]float64, v.SlabSize())
			}
			next[varname] = v.Slab(v.TimeSteps() - 1)
		}
		decumulate(v, d.Time, f.converter.DeltaT(), f.rules.Jump, rule.keepFirst(), carry)
		v.AppendHistory("variable decumulated by fixer")
		decumulated = true
	}
	if state != nil && decumulated {
		return next
	}
	return state
}

// ApplyUnitFix applies a pending unit conversion stored in the variable's
// tgt_units/factor/offset attributes, then removes the tgt_units marker so a
// second application is a no-op.
func (f *Fixer) ApplyUnitFix(name string, v *dataset.Field) {
	tgt := v.Attrs.Str("tgt_units")
	org := v.Attrs.Str("units")
	if tgt == "" || org == tgt {
		return
	}
	f.logger.Info("applying unit fix", "var", name)
	v.Attrs["src_units"] = org
	v.Attrs["units_fixed"] = 1
	v.Attrs["units"] = f.converter.Normalize(tgt)
	factor, _ := v.Attrs.Float("factor")
	if factor == 0 {
		factor = 1
	}
	offset, _ := v.Attrs.Float("offset")
	if factor != 1 || offset != 0 {
		for i, val := range v.Data.Elements {
			v.Data.Elements[i] = val*factor + offset
		}
	}
	v.AppendHistory("units changed by fixer")
	delete(v.Attrs, "tgt_units")
}

// VarsToLoad maps requested target variable names back to the source
// variables that must be retrieved: rule sources, or the operands of derived
// formulas. A derived formula referencing another rule-defined variable is a
// recursive definition and returns an error, since a narrowed retrieval
// cannot satisfy it.
func (f *Fixer) VarsToLoad(requested []string) ([]string, error) {
	if f.rules == nil || f.rules.Vars.Len() == 0 {
		return requested, nil
	}
	var load []string
	for _, name := range requested {
		rule, ok := f.rules.Vars.Get(name)
		if !ok {
			load = append(load, name)
			continue
		}
		if rule.Source != "" {
			load = append(load, rule.Source)
		}
		if rule.Derived != "" {
			for _, tok := range splitTokens(rule.Derived) {
				switch tok {
				case "/", "*", "-", "+":
					continue
				}
				if isNumeric(tok) {
					continue
				}
				if _, defined := f.rules.Vars.Get(tok); defined {
					return nil, fmt.Errorf(
						"fixer: recursive definition: formula operand %s of %s is itself defined in the fixes", tok, name)
				}
				load = append(load, tok)
			}
		}
	}
	return load, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range strings.ReplaceAll(s, ".", "") {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripGribPrefix(d *dataset.Dataset) {
	for _, name := range d.VarNames() {
		v, _ := d.Var(name)
		for key, value := range v.Attrs {
			if strings.HasPrefix(key, "GRIB_") {
				delete(v.Attrs, key)
				v.Attrs[strings.TrimPrefix(key, "GRIB_")] = value
			}
		}
	}
}
