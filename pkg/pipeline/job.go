package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/synaptica-ai/sedation-cohort/pkg/analytics/cohort"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
	"github.com/synaptica-ai/sedation-cohort/pkg/storage"
	"golang.org/x/sync/errgroup"
)

const (
	EventRunRequested = "cohort.run.requested"
	EventRunCompleted = "cohort.run.completed"
	EventSource       = "sedation-cohort"
)

// EventPublisher is satisfied by *kafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key, eventType, source string, data map[string]interface{}) error
}

type Output struct {
	Result *Result
	Files  storage.OutputFiles
	CSV    []string
}

// Job loads the input tables of a run request, runs the pipeline and fans the
// result out to every configured sink.
type Job struct {
	runner   *Runner
	lake     *storage.Lakehouse
	results  *storage.ResultStore
	cache    *storage.ExposureCache
	events   EventPublisher
	writeCSV bool
	drugs    []string
}

type JobOption func(*Job)

func WithResultStore(store *storage.ResultStore) JobOption {
	return func(j *Job) {
		j.results = store
	}
}

func WithExposureCache(cache *storage.ExposureCache) JobOption {
	return func(j *Job) {
		j.cache = cache
	}
}

func WithPublisher(p EventPublisher) JobOption {
	return func(j *Job) {
		j.events = p
	}
}

func WithCSV(enabled bool) JobOption {
	return func(j *Job) {
		j.writeCSV = enabled
	}
}

func WithDrugs(drugs []string) JobOption {
	return func(j *Job) {
		j.drugs = drugs
	}
}

func NewJob(runner *Runner, lake *storage.Lakehouse, opts ...JobOption) *Job {
	job := &Job{runner: runner, lake: lake}
	for _, opt := range opts {
		if opt != nil {
			opt(job)
		}
	}
	return job
}

func (j *Job) Execute(ctx context.Context, runID string, req models.CohortRunRequest) (*Output, error) {
	if err := ingestion.ValidateRunRequest(req); err != nil {
		return nil, err
	}
	lake := j.lake
	if req.OutputDir != "" {
		lake = storage.NewLakehouse(req.OutputDir)
	}

	in, err := load(ctx, lake, req)
	if err != nil {
		return nil, err
	}
	in.RunID = runID
	in.HospitalizationIDs = req.HospitalizationIDs
	in.Drugs = j.drugs

	res, err := j.runner.Run(ctx, in)
	if err != nil {
		return nil, err
	}

	files, err := lake.WriteResults(res.RunID, res.Cohort, res.HourlyDoses, res.Exposure)
	if err != nil {
		return nil, fmt.Errorf("writing results: %w", err)
	}
	out := &Output{Result: res, Files: files}

	if j.writeCSV {
		if out.CSV, err = exportCSV(filepath.Dir(files.Cohort), res); err != nil {
			return nil, fmt.Errorf("writing csv: %w", err)
		}
	}

	if j.results != nil {
		if err := j.results.SaveRun(ctx, res.RunID, res.Cohort, res.HourlyDoses); err != nil {
			return nil, err
		}
		if err := j.runner.Normalizer().Persist(ctx, res.RunID, res.Events); err != nil {
			return nil, err
		}
	}

	// Cache and event failures do not fail a run whose results are already written.
	if j.cache != nil {
		if err := j.cache.Put(ctx, res.RunID, res.Exposure); err != nil {
			logger.ForStage(res.RunID, "cache").WithError(err).Warn("exposure cache update failed")
		}
	}
	if j.events != nil {
		data := map[string]interface{}{
			"run_id":           res.RunID,
			"cohort_hours":     len(res.Cohort),
			"hourly_dose_rows": len(res.HourlyDoses),
			"files":            files,
			"diagnostics":      res.Diagnostics,
		}
		if err := j.events.PublishEvent(ctx, res.RunID, EventRunCompleted, EventSource, data); err != nil {
			logger.ForStage(res.RunID, "publish").WithError(err).Warn("run completion event not published")
		}
	}

	return out, nil
}

// load reads the four input tables concurrently.
func load(ctx context.Context, lake *storage.Lakehouse, req models.CohortRunRequest) (Inputs, error) {
	var in Inputs
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		in.Locations, err = lake.ReadLocations(req.LocationsPath)
		return err
	})
	g.Go(func() (err error) {
		in.Devices, err = lake.ReadDevices(req.DevicesPath)
		return err
	})
	g.Go(func() (err error) {
		in.Doses, err = lake.ReadDoses(req.MedicationPath)
		return err
	})
	g.Go(func() (err error) {
		in.Weights, err = lake.ReadWeights(req.WeightsPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return Inputs{}, err
	}
	return in, nil
}

func exportCSV(dir string, res *Result) ([]string, error) {
	svc := cohort.NewService()
	var written []string
	write := func(name string, fn func(f *os.File) error) error {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	if err := write("cohort_hours.csv", func(f *os.File) error {
		return svc.ExportCohort(f, res.Cohort)
	}); err != nil {
		return nil, err
	}
	if err := write("classified_hours.csv", func(f *os.File) error {
		return svc.ExportClassified(f, res.Classified)
	}); err != nil {
		return nil, err
	}
	if err := write("hourly_doses.csv", func(f *os.File) error {
		header := []string{"hospitalization_id", "med_category", "date_hr", "cohort_flag", "total_dosage", "med_dose_unit"}
		rows := make([][]interface{}, 0, len(res.HourlyDoses))
		for _, d := range res.HourlyDoses {
			rows = append(rows, []interface{}{d.HospitalizationID, d.DrugCategory, d.HourStart, string(d.Flag), d.TotalDose, d.Unit})
		}
		return cohort.WriteCSV(f, header, rows)
	}); err != nil {
		return nil, err
	}
	if err := write("exposure.csv", func(f *os.File) error {
		header, rows := exposureTable(res.Exposure, res.Drugs)
		return cohort.WriteCSV(f, header, rows)
	}); err != nil {
		return nil, err
	}
	return written, nil
}

// exposureTable flattens the exposure rows into one column per drug and per equivalent.
func exposureTable(rows []models.ExposureHour, drugs []string) ([]string, [][]interface{}) {
	eqSet := make(map[string]struct{})
	for _, r := range rows {
		for name := range r.Equivalents {
			eqSet[name] = struct{}{}
		}
	}
	equivalents := make([]string, 0, len(eqSet))
	for name := range eqSet {
		equivalents = append(equivalents, name)
	}
	sort.Strings(equivalents)

	header := []string{"hospitalization_id", "date_hr", "cohort_flag", "hr", "shift", "weight_kg", "n_pressors"}
	header = append(header, drugs...)
	header = append(header, equivalents...)

	out := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		row := []interface{}{r.HospitalizationID, r.HourStart, string(r.Flag), r.ClockHour, r.Shift, r.WeightKg, r.NPressors}
		for _, d := range drugs {
			row = append(row, r.Doses[d])
		}
		for _, e := range equivalents {
			row = append(row, r.Equivalents[e])
		}
		out = append(out, row)
	}
	return header, out
}
