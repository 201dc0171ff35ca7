package normalizer

import (
	"sort"
	"strings"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

// ResolveDuplicates keeps one event per (hospitalization, drug, time). The
// survivor is the best ranked record: a priority marker in the action label
// first, then a positive dose, then the larger dose. The result is ordered by
// hospitalization, drug and time. The second value counts removed records.
func ResolveDuplicates(events []models.NormalizedDoseEvent, markers []string) ([]models.NormalizedDoseEvent, int) {
	if len(events) == 0 {
		return nil, 0
	}

	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}

	sorted := make([]models.NormalizedDoseEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !sameKey(a, b) {
			return keyLess(a, b)
		}
		return outranks(a, b, lowered)
	})

	out := make([]models.NormalizedDoseEvent, 0, len(sorted))
	for i, ev := range sorted {
		if i > 0 && sameKey(sorted[i-1], ev) {
			continue
		}
		out = append(out, ev)
	}
	return out, len(events) - len(out)
}

func sameKey(a, b models.NormalizedDoseEvent) bool {
	return a.HospitalizationID == b.HospitalizationID &&
		a.DrugCategory == b.DrugCategory &&
		a.AdministeredAt.Equal(b.AdministeredAt)
}

func keyLess(a, b models.NormalizedDoseEvent) bool {
	if a.HospitalizationID != b.HospitalizationID {
		return a.HospitalizationID < b.HospitalizationID
	}
	if a.DrugCategory != b.DrugCategory {
		return a.DrugCategory < b.DrugCategory
	}
	return a.AdministeredAt.Before(b.AdministeredAt)
}

func outranks(a, b models.NormalizedDoseEvent, markers []string) bool {
	if ma, mb := hasMarker(a.ActionName, markers), hasMarker(b.ActionName, markers); ma != mb {
		return ma
	}
	da, db := doseValue(a), doseValue(b)
	if pa, pb := da > 0, db > 0; pa != pb {
		return pa
	}
	if da != db {
		return da > db
	}
	return a.ActionName < b.ActionName
}

func hasMarker(action string, markers []string) bool {
	action = strings.ToLower(action)
	for _, m := range markers {
		if strings.Contains(action, m) {
			return true
		}
	}
	return false
}

// doseValue ranks on the converted rate so mixed units compare like for like.
// Records whose unit could not be converted fall back to the charted dose.
func doseValue(ev models.NormalizedDoseEvent) float64 {
	if ev.CanonicalDose != nil {
		return *ev.CanonicalDose
	}
	if ev.RawDose == nil {
		return 0
	}
	return *ev.RawDose
}
