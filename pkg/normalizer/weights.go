package normalizer

import (
	"sort"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

type weightPoint struct {
	at time.Time
	kg float64
}

// WeightIndex answers "most recent weight at or before t" per hospitalization.
type WeightIndex struct {
	byHospitalization map[string][]weightPoint
}

func NewWeightIndex(observations []models.WeightObservation) *WeightIndex {
	idx := &WeightIndex{byHospitalization: make(map[string][]weightPoint)}
	for _, obs := range observations {
		if obs.WeightKg == nil || obs.RecordedAt.IsZero() {
			continue
		}
		idx.byHospitalization[obs.HospitalizationID] = append(idx.byHospitalization[obs.HospitalizationID], weightPoint{at: obs.RecordedAt, kg: *obs.WeightKg})
	}
	for _, points := range idx.byHospitalization {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].at.Before(points[j].at)
		})
	}
	return idx
}

// Nearest returns nil when no weight was recorded at or before at.
func (w *WeightIndex) Nearest(hospitalizationID string, at time.Time) *float64 {
	if w == nil {
		return nil
	}
	points := w.byHospitalization[hospitalizationID]
	i := sort.Search(len(points), func(i int) bool {
		return points[i].at.After(at)
	})
	if i == 0 {
		return nil
	}
	kg := points[i-1].kg
	return &kg
}
