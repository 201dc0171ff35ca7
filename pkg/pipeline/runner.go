package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/synaptica-ai/sedation-cohort/pkg/analytics/cohort"
	"github.com/synaptica-ai/sedation-cohort/pkg/analytics/dosage"
	"github.com/synaptica-ai/sedation-cohort/pkg/analytics/exposure"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
	"github.com/synaptica-ai/sedation-cohort/pkg/normalizer"
	"github.com/synaptica-ai/sedation-cohort/pkg/terminology"
	"github.com/synaptica-ai/sedation-cohort/pkg/timeline"
	"golang.org/x/sync/errgroup"
)

// Inputs is one immutable snapshot of the four upstream relations.
type Inputs struct {
	RunID              string
	Locations          []models.LocationEvent
	Devices            []models.DeviceEvent
	Doses              []models.DoseEvent
	Weights            []models.WeightObservation
	HospitalizationIDs []string
	// Drugs restricts dose events to these categories. Empty keeps all.
	Drugs []string
}

type Result struct {
	RunID       string
	Slots       []models.HourSlot
	Classified  []models.ClassifiedHour
	Cohort      []models.CohortHour
	Events      []models.NormalizedDoseEvent
	Drugs       []string
	HourlyDoses []models.HourlyDose
	Exposure    []models.ExposureHour
	// Empty lists requested hospitalizations that produced no timed hours.
	Empty       []string
	Diagnostics models.RunDiagnostics
}

// Runner executes the four stages over in-memory relations. Segmentation and
// normalization fan out per hospitalization; every other stage runs over the
// assembled tables.
type Runner struct {
	cohort     *cohort.Service
	normalizer *normalizer.Service
	aggregator *dosage.Aggregator
	summarizer *exposure.Summarizer
	workers    int
}

func NewRunner(cat *terminology.Catalog, norm *normalizer.Service, workers int) *Runner {
	if cat == nil {
		cat = terminology.DefaultCatalog()
	}
	if norm == nil {
		norm = normalizer.NewService(cat, nil)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		cohort:     cohort.NewService(),
		normalizer: norm,
		aggregator: dosage.NewAggregator(cat),
		summarizer: exposure.NewSummarizer(cat),
		workers:    workers,
	}
}

func (r *Runner) Normalizer() *normalizer.Service {
	return r.normalizer
}

// Run either produces the full result or fails with a shape error; it never
// returns partial tables.
func (r *Runner) Run(ctx context.Context, in Inputs) (*Result, error) {
	runID := in.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	res := &Result{RunID: runID}

	validator := ingestion.NewValidator(in.Drugs)
	if err := validator.ValidateInputs(in.Locations, in.Devices, in.Doses, in.Weights); err != nil {
		return nil, err
	}
	doses := restrictDoses(validator.FilterDoses(in.Doses), in.HospitalizationIDs)

	tl, err := r.segment(ctx, timeline.NewSegmenter(in.HospitalizationIDs), in.Locations, in.Devices)
	if err != nil {
		return nil, err
	}
	res.Slots = tl.Slots
	res.Empty = tl.Empty
	res.Diagnostics.Merge(tl.Diagnostics)
	logger.ForStage(runID, "segment").WithFields(map[string]interface{}{
		"hospitalizations": tl.Diagnostics.Hospitalizations,
		"hours":            len(tl.Slots),
		"empty":            len(tl.Empty),
	}).Info("timeline segmented")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	classified, cohortRows, classDiag := r.cohort.Build(tl.Slots)
	res.Classified = classified
	res.Cohort = cohortRows
	res.Diagnostics.Merge(classDiag)
	logger.ForStage(runID, "classify").WithFields(map[string]interface{}{
		"cohort_hours":  len(cohortRows),
		"hr_24":         classDiag.CohortHours24,
		"hr_72":         classDiag.CohortHours72,
		"stays_dropped": classDiag.StaysWithoutVentilation,
	}).Info("cohort classified")

	weights := normalizer.NewWeightIndex(in.Weights)
	events, normDiag, err := r.normalize(ctx, doses, weights)
	if err != nil {
		return nil, err
	}
	res.Events = events
	res.Diagnostics.Merge(normDiag)
	logger.ForStage(runID, "normalize").WithFields(map[string]interface{}{
		"events":         len(events),
		"outliers":       normDiag.Outliers,
		"malformed_unit": normDiag.MalformedUnit,
		"missing_weight": normDiag.MissingWeight,
		"duplicates":     normDiag.DuplicatesResolved,
	}).Info("dose events normalized")
	if flagged := normDiag.MalformedUnit + normDiag.MissingWeight + normDiag.MissingCatalogEntry + normDiag.UnitMismatch + normDiag.MissingDose; flagged > 0 {
		logger.ForStage(runID, "normalize").WithField("unusable", flagged).Warn("dose events excluded from aggregation")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Drugs = dosage.DrugCategories(events)
	hourly, err := r.aggregator.Aggregate(events, cohortRows, res.Drugs)
	if err != nil {
		return nil, fmt.Errorf("aggregating doses: %w", err)
	}
	res.HourlyDoses = hourly
	res.Diagnostics.HourlyDoseRows = len(hourly)
	logger.ForStage(runID, "aggregate").WithFields(map[string]interface{}{
		"rows":  len(hourly),
		"drugs": len(res.Drugs),
	}).Info("hourly doses aggregated")

	res.Exposure = r.summarizer.Summarize(cohortRows, hourly, weights)
	logger.ForStage(runID, "exposure").WithField("rows", len(res.Exposure)).Info("exposure summarized")

	return res, nil
}

func (r *Runner) segment(ctx context.Context, seg *timeline.Segmenter, locations []models.LocationEvent, devices []models.DeviceEvent) (*timeline.Timeline, error) {
	ids, locs, devs := seg.Group(locations, devices)
	parts := make([]timeline.Partition, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parts[i] = timeline.SegmentHospitalization(id, locs[id], devs[id])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return timeline.Assemble(parts)
}

func (r *Runner) normalize(ctx context.Context, doses []models.DoseEvent, weights *normalizer.WeightIndex) ([]models.NormalizedDoseEvent, models.RunDiagnostics, error) {
	byHosp := make(map[string][]models.DoseEvent)
	for _, d := range doses {
		byHosp[d.HospitalizationID] = append(byHosp[d.HospitalizationID], d)
	}
	ids := make([]string, 0, len(byHosp))
	for id := range byHosp {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	events := make([][]models.NormalizedDoseEvent, len(ids))
	diags := make([]models.RunDiagnostics, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			events[i], diags[i] = r.normalizer.Normalize(byHosp[id], weights)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, models.RunDiagnostics{}, err
	}

	var diag models.RunDiagnostics
	out := make([]models.NormalizedDoseEvent, 0, len(doses))
	for i := range ids {
		out = append(out, events[i]...)
		diag.Merge(diags[i])
	}
	return out, diag, nil
}

func restrictDoses(doses []models.DoseEvent, hospitalizationIDs []string) []models.DoseEvent {
	if len(hospitalizationIDs) == 0 {
		return doses
	}
	keep := make(map[string]struct{}, len(hospitalizationIDs))
	for _, id := range hospitalizationIDs {
		keep[id] = struct{}{}
	}
	out := make([]models.DoseEvent, 0, len(doses))
	for _, d := range doses {
		if _, ok := keep[d.HospitalizationID]; ok {
			out = append(out, d)
		}
	}
	return out
}
