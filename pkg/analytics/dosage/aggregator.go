package dosage

import (
	"fmt"
	"sort"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

// RateChange is the instant an infusion rate (per minute) takes effect.
type RateChange struct {
	At   time.Time
	Rate float64
}

// IntegrateHour integrates the step function over [start, start+1h). rate is
// the rate in effect at start; changes must lie inside the hour in time
// order. It returns the hour's total and the rate in effect at its end.
func IntegrateHour(start time.Time, rate float64, changes []RateChange) (total, after float64) {
	end := start.Add(time.Hour)
	cursor := start
	for _, ch := range changes {
		total += minutes(ch.At.Sub(cursor)) * rate
		rate = ch.Rate
		cursor = ch.At
	}
	total += minutes(end.Sub(cursor)) * rate
	return total, rate
}

func minutes(d time.Duration) float64 {
	return float64(d) / float64(time.Minute)
}

type Aggregator struct {
	catalog *terminology.Catalog
}

func NewAggregator(cat *terminology.Catalog) *Aggregator {
	if cat == nil {
		cat = terminology.DefaultCatalog()
	}
	return &Aggregator{catalog: cat}
}

// DrugCategories lists the distinct drug categories among events in name order.
func DrugCategories(events []models.NormalizedDoseEvent) []string {
	seen := make(map[string]struct{})
	for _, ev := range events {
		seen[ev.DrugCategory] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Aggregate produces one HourlyDose per cohort hour and drug. Only usable
// events change the rate in effect. With no drugs given, the categories
// present in events are used.
func (a *Aggregator) Aggregate(events []models.NormalizedDoseEvent, cohort []models.CohortHour, drugs []string) ([]models.HourlyDose, error) {
	if drugs == nil {
		drugs = DrugCategories(events)
	}

	hoursByHosp, hospIDs, err := groupCohort(cohort)
	if err != nil {
		return nil, err
	}
	changes, err := groupChanges(events)
	if err != nil {
		return nil, err
	}

	out := make([]models.HourlyDose, 0, len(cohort)*len(drugs))
	for _, hosp := range hospIDs {
		hours := hoursByHosp[hosp]
		for _, drug := range drugs {
			unit := ""
			if d, ok := a.catalog.Drug(drug); ok {
				unit = d.TotalUnit()
			}
			out = append(out, fold(hours, changes[seriesKey{hosp, drug}], drug, unit)...)
		}
	}
	return out, nil
}

// fold walks the cohort hours and the rate changes of one series together.
// The rate is only mutated by changes; hour starts are sampling points.
func fold(hours []models.CohortHour, changes []RateChange, drug, unit string) []models.HourlyDose {
	out := make([]models.HourlyDose, 0, len(hours))
	rate := 0.0
	p := 0
	for _, h := range hours {
		for p < len(changes) && changes[p].At.Before(h.HourStart) {
			rate = changes[p].Rate
			p++
		}
		end := h.HourStart.Add(time.Hour)
		first := p
		for p < len(changes) && changes[p].At.Before(end) {
			p++
		}
		var total float64
		total, rate = IntegrateHour(h.HourStart, rate, changes[first:p])
		out = append(out, models.HourlyDose{
			HospitalizationID: h.HospitalizationID,
			DrugCategory:      drug,
			HourStart:         h.HourStart,
			Flag:              h.Flag,
			TotalDose:         total,
			Unit:              unit,
		})
	}
	return out
}

type seriesKey struct {
	hospitalizationID string
	drug              string
}

func groupCohort(cohort []models.CohortHour) (map[string][]models.CohortHour, []string, error) {
	byHosp := make(map[string][]models.CohortHour)
	for _, h := range cohort {
		byHosp[h.HospitalizationID] = append(byHosp[h.HospitalizationID], h)
	}
	ids := make([]string, 0, len(byHosp))
	for id, hours := range byHosp {
		sort.SliceStable(hours, func(i, j int) bool {
			return hours[i].HourStart.Before(hours[j].HourStart)
		})
		for i := 1; i < len(hours); i++ {
			if hours[i].HourStart.Equal(hours[i-1].HourStart) {
				return nil, nil, ingestion.NewShapeError("cohort_hours", fmt.Errorf("%s at %s: %w", id, hours[i].HourStart.Format(time.RFC3339), ingestion.ErrDuplicateKey))
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return byHosp, ids, nil
}

// groupChanges requires one event per (hospitalization, drug, time); unusable
// events still take part in that check.
func groupChanges(events []models.NormalizedDoseEvent) (map[seriesKey][]RateChange, error) {
	sorted := make([]models.NormalizedDoseEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.HospitalizationID != b.HospitalizationID {
			return a.HospitalizationID < b.HospitalizationID
		}
		if a.DrugCategory != b.DrugCategory {
			return a.DrugCategory < b.DrugCategory
		}
		return a.AdministeredAt.Before(b.AdministeredAt)
	})

	out := make(map[seriesKey][]RateChange)
	for i, ev := range sorted {
		if i > 0 {
			prev := sorted[i-1]
			if prev.HospitalizationID == ev.HospitalizationID && prev.DrugCategory == ev.DrugCategory && prev.AdministeredAt.Equal(ev.AdministeredAt) {
				return nil, ingestion.NewShapeError("dose_events", fmt.Errorf("%s %s at %s: %w", ev.HospitalizationID, ev.DrugCategory, ev.AdministeredAt.Format(time.RFC3339), ingestion.ErrDuplicateKey))
			}
		}
		if !ev.Usable() {
			continue
		}
		key := seriesKey{ev.HospitalizationID, ev.DrugCategory}
		out[key] = append(out[key], RateChange{At: ev.AdministeredAt, Rate: *ev.CanonicalDose})
	}
	return out, nil
}
