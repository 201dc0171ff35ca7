package normalizer

import (
	"math"
	"testing"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

var admin = time.Date(2024, 2, 10, 14, 25, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func dose(drug string, value *float64, unit, action string) models.DoseEvent {
	return models.DoseEvent{
		HospitalizationID: "h1",
		DrugCategory:      drug,
		AdministeredAt:    admin,
		Dose:              value,
		DoseUnit:          unit,
		ActionName:        action,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestConvertUnits(t *testing.T) {
	conv := NewConverter(terminology.DefaultCatalog())

	cases := []struct {
		name   string
		event  models.DoseEvent
		weight *float64
		want   float64
		unit   string
	}{
		{"mg per hour", dose("midazolam", ptr(3), "mg/hr", "New Bag"), nil, 50, "mcg/min"},
		{"mcg per hour", dose("Fentanyl", ptr(120), "MCG/HR", "Rate Change"), nil, 2, "mcg/min"},
		{"weight based", dose("propofol", ptr(50), "mcg/kg/min", "Rate Verify"), ptr(80), 4000, "mcg/min"},
		{"weight based per hour", dose("dexmedetomidine", ptr(0.6), "mcg/kg/hour", "Rate Verify"), ptr(50), 0.5, "mcg/min"},
		{"milliunits", dose("vasopressin", ptr(40), "milliunits/min", "New Bag"), nil, 0.04, "units/min"},
		{"nanograms", dose("angiotensin", ptr(20), "ng/kg/min", "New Bag"), ptr(70), 1.4, "mcg/min"},
	}

	for _, tc := range cases {
		got := conv.Convert(tc.event, tc.weight)
		if got.Status != models.DoseUsable {
			t.Fatalf("%s: expected usable, got %s", tc.name, got.Status)
		}
		if got.CanonicalDose == nil || !approx(*got.CanonicalDose, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got.CanonicalDose)
		}
		if got.CanonicalUnit != tc.unit {
			t.Fatalf("%s: expected unit %s, got %s", tc.name, tc.unit, got.CanonicalUnit)
		}
		if !got.Usable() {
			t.Fatalf("%s: expected event to be usable", tc.name)
		}
	}
}

func TestConvertUnusableRecords(t *testing.T) {
	conv := NewConverter(nil)

	cases := []struct {
		name   string
		event  models.DoseEvent
		weight *float64
		want   models.DoseStatus
	}{
		{"volume rate", dose("propofol", ptr(20), "mL/hr", "New Bag"), ptr(80), models.DoseMalformedUnit},
		{"no time unit", dose("fentanyl", ptr(50), "mcg", "New Bag"), nil, models.DoseMalformedUnit},
		{"unknown drug", dose("heparin", ptr(1000), "units/hr", "New Bag"), nil, models.DoseMissingReference},
		{"no weight for per kg unit", dose("propofol", ptr(50), "mcg/kg/min", "New Bag"), nil, models.DoseMissingWeight},
		{"no weight for scaled ceiling", dose("norepinephrine", ptr(5), "mcg/min", "New Bag"), nil, models.DoseMissingWeight},
		{"null dose", dose("fentanyl", nil, "mcg/hr", "Stopped"), nil, models.DoseMissingValue},
		{"unit family mismatch", dose("fentanyl", ptr(2), "units/hr", "New Bag"), nil, models.DoseUnitMismatch},
	}

	for _, tc := range cases {
		got := conv.Convert(tc.event, tc.weight)
		if got.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got.Status)
		}
		if got.Usable() {
			t.Fatalf("%s: expected event to be unusable", tc.name)
		}
	}

	malformed := conv.Convert(dose("propofol", ptr(20), "mL/hr", "New Bag"), ptr(80))
	if malformed.CanonicalDose != nil {
		t.Fatal("malformed unit must yield a null canonical dose")
	}
}

func TestConvertFlagsOutliers(t *testing.T) {
	conv := NewConverter(terminology.DefaultCatalog())
	ceiling := 700.0 / 60.0

	atCeiling := conv.Convert(dose("fentanyl", ptr(ceiling), "mcg/min", "New Bag"), nil)
	if atCeiling.IsOutlier {
		t.Fatal("a dose equal to the ceiling is not an outlier")
	}

	over := conv.Convert(dose("fentanyl", ptr(ceiling+1e-6), "mcg/min", "New Bag"), nil)
	if !over.IsOutlier || over.Status != models.DoseOutlier || over.Usable() {
		t.Fatalf("expected outlier, got %+v", over)
	}

	negative := conv.Convert(dose("midazolam", ptr(-1), "mg/hr", "New Bag"), nil)
	if !negative.IsOutlier {
		t.Fatal("negative doses are outliers")
	}

	weightScaled := conv.Convert(dose("norepinephrine", ptr(1.01), "mcg/kg/min", "New Bag"), ptr(70))
	if !weightScaled.IsOutlier {
		t.Fatal("expected weight-scaled ceiling to flag 1.01 mcg/kg/min")
	}
}

func TestResolveDuplicatesPrefersVerification(t *testing.T) {
	conv := NewConverter(nil)
	events := []models.NormalizedDoseEvent{
		conv.Convert(dose("fentanyl", ptr(50), "mcg/hr", "Administer"), nil),
		conv.Convert(dose("fentanyl", ptr(0), "mcg/hr", "Rate Verify"), nil),
	}

	kept, removed := ResolveDuplicates(events, []string{"verif"})
	if len(kept) != 1 || removed != 1 {
		t.Fatalf("expected one survivor, got %d (removed %d)", len(kept), removed)
	}
	if kept[0].ActionName != "Rate Verify" {
		t.Fatalf("expected verification record to win, got %q", kept[0].ActionName)
	}
}

func TestResolveDuplicatesRanksByDose(t *testing.T) {
	conv := NewConverter(nil)
	later := dose("fentanyl", ptr(25), "mcg/hr", "New Bag")
	later.AdministeredAt = admin.Add(time.Minute)
	events := []models.NormalizedDoseEvent{
		conv.Convert(later, nil),
		conv.Convert(dose("fentanyl", ptr(0), "mcg/hr", "Rate Change"), nil),
		conv.Convert(dose("fentanyl", ptr(75), "mcg/hr", "Rate Change"), nil),
		conv.Convert(dose("fentanyl", nil, "mcg/hr", "Rate Change"), nil),
		conv.Convert(dose("fentanyl", ptr(100), "mcg/hr", "New Bag"), nil),
		conv.Convert(dose("fentanyl", ptr(100), "mcg/hr", "New Bag"), nil),
	}

	kept, removed := ResolveDuplicates(events, nil)
	if len(kept) != 2 || removed != 4 {
		t.Fatalf("expected 2 survivors and 4 removed, got %d and %d", len(kept), removed)
	}
	if *kept[0].RawDose != 100 {
		t.Fatalf("expected largest positive dose to win, got %v", *kept[0].RawDose)
	}
	if !kept[1].AdministeredAt.After(kept[0].AdministeredAt) {
		t.Fatal("expected survivors ordered by time")
	}
}

func TestResolveDuplicatesComparesConvertedRates(t *testing.T) {
	conv := NewConverter(nil)
	events := []models.NormalizedDoseEvent{
		conv.Convert(dose("midazolam", ptr(500), "mcg/hr", "Rate Change"), nil),
		conv.Convert(dose("midazolam", ptr(1), "mg/hr", "Rate Change"), nil),
	}

	kept, removed := ResolveDuplicates(events, nil)
	if len(kept) != 1 || removed != 1 {
		t.Fatalf("expected one survivor, got %d (removed %d)", len(kept), removed)
	}
	if kept[0].RawUnit != "mg/hr" || kept[0].CanonicalDose == nil || math.Abs(*kept[0].CanonicalDose-1000.0/60) > 1e-9 {
		t.Fatalf("expected 1 mg/hr (16.67 mcg/min) to outrank 500 mcg/hr, got %+v", kept[0])
	}
}

func TestWeightIndexNearestPrior(t *testing.T) {
	idx := NewWeightIndex([]models.WeightObservation{
		{HospitalizationID: "h1", RecordedAt: admin.Add(2 * time.Hour), WeightKg: ptr(82)},
		{HospitalizationID: "h1", RecordedAt: admin.Add(-time.Hour), WeightKg: ptr(80)},
		{HospitalizationID: "h1", RecordedAt: admin.Add(time.Hour), WeightKg: nil},
	})

	if w := idx.Nearest("h1", admin.Add(-2*time.Hour)); w != nil {
		t.Fatalf("expected no weight before the first observation, got %v", *w)
	}
	if w := idx.Nearest("h1", admin.Add(90*time.Minute)); w == nil || *w != 80 {
		t.Fatalf("expected 80 kg skipping the null observation, got %v", w)
	}
	if w := idx.Nearest("h1", admin.Add(2*time.Hour)); w == nil || *w != 82 {
		t.Fatalf("expected observation at the same instant to count, got %v", w)
	}
	if w := idx.Nearest("h2", admin); w != nil {
		t.Fatal("unknown hospitalization has no weight")
	}
}

func TestServiceNormalize(t *testing.T) {
	svc := NewService(terminology.DefaultCatalog(), nil)
	weights := NewWeightIndex([]models.WeightObservation{
		{HospitalizationID: "h1", RecordedAt: admin.Add(-time.Hour), WeightKg: ptr(70)},
	})

	undated := dose("fentanyl", ptr(50), "mcg/hr", "New Bag")
	undated.AdministeredAt = time.Time{}

	events, diag := svc.Normalize([]models.DoseEvent{
		dose("propofol", ptr(30), "mcg/kg/min", "New Bag"),
		dose("propofol", ptr(20), "mcg/kg/min", "Rate Verify"),
		dose("fentanyl", ptr(100), "mcg", "Bolus"),
		dose("midazolam", ptr(2), "mg/hr", "New Bag"),
		dose("midazolam", ptr(500), "mg/hr", "Rate Change"),
		undated,
	}, weights)

	if diag.DoseEvents != 6 || diag.BolusDropped != 1 || diag.DoseEventsWithoutTime != 1 {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}
	if diag.Outliers != 1 || diag.DuplicatesResolved != 2 {
		t.Fatalf("unexpected outlier or duplicate counts %+v", diag)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after dedup, got %d", len(events))
	}

	midazolam, propofol := events[0], events[1]
	// ranking ignores the ceiling, the surviving outlier just never sets a rate
	if midazolam.DrugCategory != "midazolam" || !midazolam.IsOutlier || midazolam.Usable() {
		t.Fatalf("expected the larger midazolam record to win and stay flagged, got %+v", midazolam)
	}
	if propofol.ActionName != "Rate Verify" || !approx(*propofol.CanonicalDose, 1400) {
		t.Fatalf("expected verified propofol rate 1400 mcg/min, got %+v", propofol)
	}
	if propofol.WeightKg == nil || *propofol.WeightKg != 70 {
		t.Fatal("expected weight in effect to be recorded")
	}
}
