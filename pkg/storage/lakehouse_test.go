package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
)

func strPtr(s string) *string { return &s }

func floatPtr(v float64) *float64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestReadDosesFromParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meds.parquet")
	at := time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)
	rows := []DoseRow{
		{HospitalizationID: "h1", MedCategory: "fentanyl", AdminDttm: timePtr(at), MedDose: floatPtr(50), MedDoseUnit: strPtr("mcg/hr"), MarActionName: strPtr("New Bag")},
		{HospitalizationID: "h1", MedCategory: "propofol", MedDose: nil, MedDoseUnit: nil},
	}
	if err := writeTable(path, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	doses, err := NewLakehouse(t.TempDir()).ReadDoses(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doses) != 2 {
		t.Fatalf("expected 2 doses, got %d", len(doses))
	}
	if !doses[0].AdministeredAt.Equal(at) || doses[0].Dose == nil || *doses[0].Dose != 50 || doses[0].DoseUnit != "mcg/hr" {
		t.Fatalf("unexpected first dose %+v", doses[0])
	}
	if !doses[1].AdministeredAt.IsZero() || doses[1].Dose != nil || doses[1].ActionName != "" {
		t.Fatalf("expected nulls preserved, got %+v", doses[1])
	}
}

func TestReadRejectsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.parquet")
	type partialDevice struct {
		HospitalizationID string `parquet:"hospitalization_id"`
		DeviceCategory    string `parquet:"device_category"`
	}
	if err := writeTable(path, []partialDevice{{HospitalizationID: "h1", DeviceCategory: "imv"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := NewLakehouse("").ReadDevices(path)
	if !ingestion.IsShapeError(err) || !errors.Is(err, ingestion.ErrMissingColumn) {
		t.Fatalf("expected missing column shape error, got %v", err)
	}
}

func TestWriteResultsRoundTrip(t *testing.T) {
	lake := NewLakehouse(t.TempDir())
	hour := time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)
	cohort := []models.CohortHour{
		{HospitalizationID: "h1", HourStart: hour, StayID: 4, Flag: models.CohortFlagHour24},
	}
	doses := []models.HourlyDose{
		{HospitalizationID: "h1", DrugCategory: "fentanyl", HourStart: hour, Flag: models.CohortFlagHour24, TotalDose: 300, Unit: "mcg"},
	}
	exposure := []models.ExposureHour{
		{HospitalizationID: "h1", HourStart: hour, Flag: models.CohortFlagHour24, Shift: "night", Doses: map[string]float64{"fentanyl": 300}, Equivalents: map[string]float64{"fentanyl_eq": 300}},
	}

	files, err := lake.WriteResults("run-7", cohort, doses, exposure)
	if err != nil {
		t.Fatalf("write results: %v", err)
	}
	if filepath.Base(filepath.Dir(files.Cohort)) != "run-7" {
		t.Fatalf("expected files under the run directory, got %s", files.Cohort)
	}

	back, err := ReadCohort(files.Cohort)
	if err != nil {
		t.Fatalf("read cohort: %v", err)
	}
	if len(back) != 1 || back[0].StayID != 4 || back[0].Flag != models.CohortFlagHour24 || !back[0].HourStart.Equal(hour) {
		t.Fatalf("unexpected cohort rows %+v", back)
	}
}
