package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
	"github.com/synaptica-ai/sedation-cohort/pkg/storage"
)

type recordedEvent struct {
	key, eventType string
	data           map[string]interface{}
}

type fakePublisher struct {
	events []recordedEvent
}

func (p *fakePublisher) PublishEvent(ctx context.Context, key, eventType, source string, data map[string]interface{}) error {
	p.events = append(p.events, recordedEvent{key: key, eventType: eventType, data: data})
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }

// writeInputs lays the sample inputs out as parquet tables and returns the request.
func writeInputs(t *testing.T) models.CohortRunRequest {
	t.Helper()
	dir := t.TempDir()
	in := sampleInputs()

	var locs []storage.LocationRow
	for _, l := range in.Locations {
		locs = append(locs, storage.LocationRow{HospitalizationID: l.HospitalizationID, LocationCategory: l.LocationCategory, InDttm: timePtr(l.InTime), OutDttm: timePtr(l.OutTime)})
	}
	var devs []storage.DeviceRow
	for _, d := range in.Devices {
		var trach int32
		if d.Tracheostomy {
			trach = 1
		}
		devs = append(devs, storage.DeviceRow{HospitalizationID: d.HospitalizationID, DeviceCategory: d.DeviceCategory, Tracheostomy: &trach, RecordedDttm: timePtr(d.RecordedAt)})
	}
	var doses []storage.DoseRow
	for _, d := range in.Doses {
		doses = append(doses, storage.DoseRow{HospitalizationID: d.HospitalizationID, MedCategory: d.DrugCategory, AdminDttm: timePtr(d.AdministeredAt), MedDose: d.Dose, MedDoseUnit: strPtr(d.DoseUnit), MarActionName: strPtr(d.ActionName)})
	}
	var weights []storage.WeightRow
	for _, w := range in.Weights {
		weights = append(weights, storage.WeightRow{HospitalizationID: w.HospitalizationID, RecordedDttm: timePtr(w.RecordedAt), WeightKg: w.WeightKg})
	}

	req := models.CohortRunRequest{
		LocationsPath:  filepath.Join(dir, "adt.parquet"),
		DevicesPath:    filepath.Join(dir, "respiratory_support.parquet"),
		MedicationPath: filepath.Join(dir, "medication_admin_continuous.parquet"),
		WeightsPath:    filepath.Join(dir, "weights.parquet"),
	}
	if err := parquet.WriteFile(req.LocationsPath, locs); err != nil {
		t.Fatalf("write locations: %v", err)
	}
	if err := parquet.WriteFile(req.DevicesPath, devs); err != nil {
		t.Fatalf("write devices: %v", err)
	}
	if err := parquet.WriteFile(req.MedicationPath, doses); err != nil {
		t.Fatalf("write doses: %v", err)
	}
	if err := parquet.WriteFile(req.WeightsPath, weights); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return req
}

func TestJobExecuteWritesOutputsAndPublishes(t *testing.T) {
	req := writeInputs(t)
	publisher := &fakePublisher{}
	job := NewJob(NewRunner(nil, nil, 2), storage.NewLakehouse(t.TempDir()), WithCSV(true), WithPublisher(publisher))

	out, err := job.Execute(context.Background(), "run-42", req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	cohortRows, err := storage.ReadCohort(out.Files.Cohort)
	if err != nil {
		t.Fatalf("read cohort: %v", err)
	}
	if len(cohortRows) != 1 || cohortRows[0].Flag != models.CohortFlagHour24 {
		t.Fatalf("unexpected cohort rows %+v", cohortRows)
	}

	if len(out.CSV) != 4 {
		t.Fatalf("expected four csv files, got %v", out.CSV)
	}
	for _, path := range out.CSV {
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			t.Fatalf("expected non-empty %s: %v", path, err)
		}
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected one completion event, got %d", len(publisher.events))
	}
	ev := publisher.events[0]
	if ev.key != "run-42" || ev.eventType != EventRunCompleted || ev.data["cohort_hours"] != 1 {
		t.Fatalf("unexpected completion event %+v", ev)
	}
}

func TestJobExecuteHonoursRequestOutputDir(t *testing.T) {
	req := writeInputs(t)
	req.OutputDir = t.TempDir()
	job := NewJob(NewRunner(nil, nil, 1), storage.NewLakehouse(t.TempDir()))

	out, err := job.Execute(context.Background(), "run-dir", req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if filepath.Dir(filepath.Dir(out.Files.Cohort)) != req.OutputDir {
		t.Fatalf("expected results under %s, got %s", req.OutputDir, out.Files.Cohort)
	}
}

func TestJobExecuteRejectsIncompleteRequest(t *testing.T) {
	job := NewJob(NewRunner(nil, nil, 1), storage.NewLakehouse(t.TempDir()))

	_, err := job.Execute(context.Background(), "run-x", models.CohortRunRequest{LocationsPath: "adt.parquet"})
	if !ingestion.IsMissingInput(err) {
		t.Fatalf("expected missing input error, got %v", err)
	}
}

func TestExposureTableColumns(t *testing.T) {
	rows := []models.ExposureHour{{
		HospitalizationID: "h1",
		HourStart:         origin,
		Doses:             map[string]float64{"fentanyl": 10},
		Equivalents:       map[string]float64{"ne_eq": 0, "fentanyl_eq": 10},
	}}
	header, out := exposureTable(rows, []string{"fentanyl", "propofol"})

	want := []string{"hospitalization_id", "date_hr", "cohort_flag", "hr", "shift", "weight_kg", "n_pressors", "fentanyl", "propofol", "fentanyl_eq", "ne_eq"}
	if len(header) != len(want) {
		t.Fatalf("unexpected header %v", header)
	}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("header[%d] = %s, want %s", i, header[i], want[i])
		}
	}
	if len(out) != 1 || out[0][7] != 10.0 || out[0][8] != 0.0 {
		t.Fatalf("unexpected row %v", out)
	}
}
