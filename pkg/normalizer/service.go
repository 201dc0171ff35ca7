package normalizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
)

type Service struct {
	converter *Converter
	markers   []string
	excluded  []string
	repo      *Repository
}

func NewService(cat *terminology.Catalog, repo *Repository) *Service {
	if cat == nil {
		cat = terminology.DefaultCatalog()
	}
	excluded := make([]string, 0, len(cat.ExcludedActions))
	for _, a := range cat.ExcludedActions {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			excluded = append(excluded, a)
		}
	}
	return &Service{
		converter: NewConverter(cat),
		markers:   cat.PriorityMarkers,
		excluded:  excluded,
		repo:      repo,
	}
}

// Normalize converts, flags and deduplicates dose events. Rows that cannot be
// used are kept with their status so they can be audited; only Usable events
// drive aggregation.
func (s *Service) Normalize(doses []models.DoseEvent, weights *WeightIndex) ([]models.NormalizedDoseEvent, models.RunDiagnostics) {
	var diag models.RunDiagnostics
	diag.DoseEvents = len(doses)

	converted := make([]models.NormalizedDoseEvent, 0, len(doses))
	for _, dose := range doses {
		if dose.AdministeredAt.IsZero() {
			diag.DoseEventsWithoutTime++
			continue
		}
		if s.isExcludedAction(dose.ActionName) {
			diag.BolusDropped++
			continue
		}
		ev := s.converter.Convert(dose, weights.Nearest(dose.HospitalizationID, dose.AdministeredAt))
		countStatus(&diag, ev.Status)
		converted = append(converted, ev)
	}

	resolved, removed := ResolveDuplicates(converted, s.markers)
	diag.DuplicatesResolved = removed
	return resolved, diag
}

func (s *Service) isExcludedAction(action string) bool {
	action = strings.ToLower(action)
	for _, ex := range s.excluded {
		if strings.Contains(action, ex) {
			return true
		}
	}
	return false
}

func countStatus(diag *models.RunDiagnostics, status models.DoseStatus) {
	switch status {
	case models.DoseMalformedUnit:
		diag.MalformedUnit++
	case models.DoseMissingValue:
		diag.MissingDose++
	case models.DoseMissingWeight:
		diag.MissingWeight++
	case models.DoseMissingReference:
		diag.MissingCatalogEntry++
	case models.DoseUnitMismatch:
		diag.UnitMismatch++
	case models.DoseOutlier:
		diag.Outliers++
	}
}

// Persist stores the normalized events of a run for audit.
func (s *Service) Persist(ctx context.Context, runID string, events []models.NormalizedDoseEvent) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.ReplaceRun(ctx, runID, events); err != nil {
		return fmt.Errorf("persisting normalized doses: %w", err)
	}
	logger.WithField("run_id", runID).WithField("events", len(events)).Debug("normalized doses persisted")
	return nil
}
