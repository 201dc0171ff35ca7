package normalizer

import (
	"strings"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

// Converter turns charted infusion rates into the catalog's canonical per-minute unit.
type Converter struct {
	catalog *terminology.Catalog
}

func NewConverter(cat *terminology.Catalog) *Converter {
	if cat == nil {
		cat = terminology.DefaultCatalog()
	}
	return &Converter{catalog: cat}
}

// Convert never fails: records that cannot be converted come back with a
// non-usable status and a nil canonical dose.
func (c *Converter) Convert(ev models.DoseEvent, weightKg *float64) models.NormalizedDoseEvent {
	out := models.NormalizedDoseEvent{
		HospitalizationID: ev.HospitalizationID,
		DrugCategory:      strings.ToLower(strings.TrimSpace(ev.DrugCategory)),
		AdministeredAt:    ev.AdministeredAt,
		ActionName:        ev.ActionName,
		RawDose:           ev.Dose,
		RawUnit:           ev.DoseUnit,
		WeightKg:          weightKg,
		Status:            models.DoseUsable,
	}

	drug, ok := c.catalog.Drug(out.DrugCategory)
	if !ok {
		out.Status = models.DoseMissingReference
		return out
	}

	rules := c.catalog.RulesFor(out.DrugCategory)
	unit := strings.ToLower(strings.TrimSpace(ev.DoseUnit))

	perMinute, ok := timeMultiplier(rules, unit)
	if !ok {
		out.Status = models.DoseMalformedUnit
		return out
	}
	mass, ok := massRule(rules, unit)
	if !ok {
		out.Status = models.DoseMalformedUnit
		return out
	}
	out.CanonicalUnit = mass.Unit + "/min"

	if ev.Dose == nil {
		out.Status = models.DoseMissingValue
		return out
	}

	value := *ev.Dose * mass.Multiplier * perMinute
	if rules.PerKgMarker != "" && strings.Contains(unit, rules.PerKgMarker) {
		if weightKg == nil {
			out.Status = models.DoseMissingWeight
			return out
		}
		value = value * *weightKg
	}
	out.CanonicalDose = &value

	if out.CanonicalUnit != drug.CanonicalUnit {
		out.Status = models.DoseUnitMismatch
		return out
	}

	ceiling, ok := drug.Ceiling.PerMinute(weightKg)
	if !ok {
		out.Status = models.DoseMissingWeight
		return out
	}
	if value > ceiling || value < 0 {
		out.IsOutlier = true
		out.Status = models.DoseOutlier
	}
	return out
}

func timeMultiplier(rules terminology.UnitRules, unit string) (float64, bool) {
	for _, rule := range rules.Time {
		if rule.Matches(unit) {
			return 1 / rule.MinutesPerUnit, true
		}
	}
	return 0, false
}

func massRule(rules terminology.UnitRules, unit string) (terminology.MassRule, bool) {
	for _, rule := range rules.Mass {
		if strings.Contains(unit, rule.Contains) {
			return rule, true
		}
	}
	return terminology.MassRule{}, false
}
