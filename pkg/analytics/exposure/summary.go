package exposure

import (
	"sort"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

const (
	ShiftDay   = "day"
	ShiftNight = "night"

	dayStartHour = 7
	dayEndHour   = 19
)

// WeightLookup returns the most recent weight at or before a moment.
type WeightLookup interface {
	Nearest(hospitalizationID string, at time.Time) *float64
}

type Summarizer struct {
	catalog *terminology.Catalog
}

func NewSummarizer(cat *terminology.Catalog) *Summarizer {
	if cat == nil {
		cat = terminology.DefaultCatalog()
	}
	return &Summarizer{catalog: cat}
}

// Summarize pivots the hourly doses into one wide row per cohort hour with
// capped totals, pressor count and equivalents.
func (s *Summarizer) Summarize(cohort []models.CohortHour, doses []models.HourlyDose, weights WeightLookup) []models.ExposureHour {
	type hourKey struct {
		hosp string
		unix int64
	}
	byHour := make(map[hourKey][]models.HourlyDose)
	for _, d := range doses {
		k := hourKey{d.HospitalizationID, d.HourStart.Unix()}
		byHour[k] = append(byHour[k], d)
	}

	rows := make([]models.CohortHour, len(cohort))
	copy(rows, cohort)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].HospitalizationID != rows[j].HospitalizationID {
			return rows[i].HospitalizationID < rows[j].HospitalizationID
		}
		return rows[i].HourStart.Before(rows[j].HourStart)
	})

	out := make([]models.ExposureHour, 0, len(rows))
	for _, ch := range rows {
		var weight *float64
		if weights != nil {
			weight = weights.Nearest(ch.HospitalizationID, ch.HourStart.Add(time.Hour-time.Nanosecond))
		}
		row := models.ExposureHour{
			HospitalizationID: ch.HospitalizationID,
			HourStart:         ch.HourStart,
			Flag:              ch.Flag,
			ClockHour:         ch.HourStart.Hour(),
			Shift:             ShiftFor(ch.HourStart),
			WeightKg:          weight,
			Doses:             make(map[string]float64),
			Equivalents:       make(map[string]float64),
		}
		for _, d := range byHour[hourKey{ch.HospitalizationID, ch.HourStart.Unix()}] {
			total := s.capped(d.DrugCategory, d.TotalDose, weight)
			row.Doses[d.DrugCategory] += total
		}
		for drug, total := range row.Doses {
			if info, ok := s.catalog.Drug(drug); ok && info.Group == terminology.GroupVasoactive && total > 0 {
				row.NPressors++
			}
		}
		for name, parts := range s.catalog.Equivalents {
			sum := 0.0
			for drug, factor := range parts {
				sum += factor * row.Doses[drug]
			}
			row.Equivalents[name] = sum
		}
		out = append(out, row)
	}
	return out
}

// capped leaves the total alone when the cap needs a weight that is unknown.
func (s *Summarizer) capped(drug string, total float64, weight *float64) float64 {
	info, ok := s.catalog.Drug(drug)
	if !ok || info.HourlyCap == nil {
		return total
	}
	limit, ok := info.HourlyCap.PerHour(weight)
	if ok && total > limit {
		return limit
	}
	return total
}

func ShiftFor(t time.Time) string {
	if h := t.Hour(); h >= dayStartHour && h < dayEndHour {
		return ShiftDay
	}
	return ShiftNight
}
