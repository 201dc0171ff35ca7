package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
)

const (
	readBatch            = 8192
	parquetFlushInterval = 100_000
)

// Input relations as laid out by the upstream extract.

type LocationRow struct {
	HospitalizationID string     `parquet:"hospitalization_id"`
	LocationCategory  string     `parquet:"location_category,optional"`
	InDttm            *time.Time `parquet:"in_dttm,optional,timestamp(microsecond)"`
	OutDttm           *time.Time `parquet:"out_dttm,optional,timestamp(microsecond)"`
}

type DeviceRow struct {
	HospitalizationID string     `parquet:"hospitalization_id"`
	DeviceCategory    string     `parquet:"device_category,optional"`
	Tracheostomy      *int32     `parquet:"tracheostomy,optional"`
	RecordedDttm      *time.Time `parquet:"recorded_dttm,optional,timestamp(microsecond)"`
}

type DoseRow struct {
	HospitalizationID string     `parquet:"hospitalization_id"`
	MedCategory       string     `parquet:"med_category"`
	AdminDttm         *time.Time `parquet:"admin_dttm,optional,timestamp(microsecond)"`
	MedDose           *float64   `parquet:"med_dose,optional"`
	MedDoseUnit       *string    `parquet:"med_dose_unit,optional"`
	MarActionName     *string    `parquet:"mar_action_name,optional"`
}

type WeightRow struct {
	HospitalizationID string     `parquet:"hospitalization_id"`
	RecordedDttm      *time.Time `parquet:"recorded_dttm,optional,timestamp(microsecond)"`
	WeightKg          *float64   `parquet:"weight_kg,optional"`
}

var (
	locationColumns = []string{"hospitalization_id", "location_category", "in_dttm", "out_dttm"}
	deviceColumns   = []string{"hospitalization_id", "device_category", "tracheostomy", "recorded_dttm"}
	doseColumns     = []string{"hospitalization_id", "med_category", "admin_dttm", "med_dose", "med_dose_unit", "mar_action_name"}
	weightColumns   = []string{"hospitalization_id", "recorded_dttm", "weight_kg"}
)

// Output relations.

type CohortRow struct {
	HospitalizationID string    `parquet:"hospitalization_id"`
	DateHr            time.Time `parquet:"date_hr,timestamp(microsecond)"`
	ICUStayID         int64     `parquet:"icu_stay_id"`
	CohortFlag        string    `parquet:"cohort_flag"`
}

type HourlyDoseRow struct {
	HospitalizationID string    `parquet:"hospitalization_id"`
	MedCategory       string    `parquet:"med_category"`
	DateHr            time.Time `parquet:"date_hr,timestamp(microsecond)"`
	CohortFlag        string    `parquet:"cohort_flag"`
	TotalDosage       float64   `parquet:"total_dosage"`
	MedDoseUnit       string    `parquet:"med_dose_unit"`
}

type ExposureRow struct {
	HospitalizationID string             `parquet:"hospitalization_id"`
	DateHr            time.Time          `parquet:"date_hr,timestamp(microsecond)"`
	CohortFlag        string             `parquet:"cohort_flag"`
	Hr                int32              `parquet:"hr"`
	Shift             string             `parquet:"shift"`
	WeightKg          *float64           `parquet:"weight_kg,optional"`
	NPressors         int32              `parquet:"n_pressors"`
	Doses             map[string]float64 `parquet:"doses"`
	Equivalents       map[string]float64 `parquet:"equivalents"`
}

// Lakehouse reads the run's input tables and writes its result tables as parquet.
type Lakehouse struct {
	outputDir string
}

func NewLakehouse(outputDir string) *Lakehouse {
	if outputDir == "" {
		outputDir = "output"
	}
	return &Lakehouse{outputDir: outputDir}
}

func (l *Lakehouse) OutputDir() string {
	return l.outputDir
}

func (l *Lakehouse) ReadLocations(path string) ([]models.LocationEvent, error) {
	rows, err := readTable[LocationRow](path, "locations", locationColumns)
	if err != nil {
		return nil, err
	}
	out := make([]models.LocationEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.LocationEvent{
			HospitalizationID: r.HospitalizationID,
			LocationCategory:  r.LocationCategory,
			InTime:            derefTime(r.InDttm),
			OutTime:           derefTime(r.OutDttm),
		})
	}
	return out, nil
}

func (l *Lakehouse) ReadDevices(path string) ([]models.DeviceEvent, error) {
	rows, err := readTable[DeviceRow](path, "devices", deviceColumns)
	if err != nil {
		return nil, err
	}
	out := make([]models.DeviceEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.DeviceEvent{
			HospitalizationID: r.HospitalizationID,
			DeviceCategory:    r.DeviceCategory,
			Tracheostomy:      r.Tracheostomy != nil && *r.Tracheostomy > 0,
			RecordedAt:        derefTime(r.RecordedDttm),
		})
	}
	return out, nil
}

func (l *Lakehouse) ReadDoses(path string) ([]models.DoseEvent, error) {
	rows, err := readTable[DoseRow](path, "medications", doseColumns)
	if err != nil {
		return nil, err
	}
	out := make([]models.DoseEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.DoseEvent{
			HospitalizationID: r.HospitalizationID,
			DrugCategory:      r.MedCategory,
			AdministeredAt:    derefTime(r.AdminDttm),
			Dose:              r.MedDose,
			DoseUnit:          derefString(r.MedDoseUnit),
			ActionName:        derefString(r.MarActionName),
		})
	}
	return out, nil
}

func (l *Lakehouse) ReadWeights(path string) ([]models.WeightObservation, error) {
	rows, err := readTable[WeightRow](path, "weights", weightColumns)
	if err != nil {
		return nil, err
	}
	out := make([]models.WeightObservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.WeightObservation{
			HospitalizationID: r.HospitalizationID,
			RecordedAt:        derefTime(r.RecordedDttm),
			WeightKg:          r.WeightKg,
		})
	}
	return out, nil
}

// OutputFiles lists the parquet files written for one run.
type OutputFiles struct {
	Cohort      string `json:"cohort"`
	HourlyDoses string `json:"hourly_doses"`
	Exposure    string `json:"exposure"`
}

// WriteResults writes the run's result tables under <outputDir>/<runID>/.
func (l *Lakehouse) WriteResults(runID string, cohort []models.CohortHour, doses []models.HourlyDose, exposure []models.ExposureHour) (OutputFiles, error) {
	dir := filepath.Join(l.outputDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return OutputFiles{}, fmt.Errorf("creating output dir: %w", err)
	}
	files := OutputFiles{
		Cohort:      filepath.Join(dir, "cohort_hours.parquet"),
		HourlyDoses: filepath.Join(dir, "hourly_doses.parquet"),
		Exposure:    filepath.Join(dir, "exposure.parquet"),
	}

	cohortRows := make([]CohortRow, 0, len(cohort))
	for _, c := range cohort {
		cohortRows = append(cohortRows, CohortRow{
			HospitalizationID: c.HospitalizationID,
			DateHr:            c.HourStart,
			ICUStayID:         int64(c.StayID),
			CohortFlag:        string(c.Flag),
		})
	}
	if err := writeTable(files.Cohort, cohortRows); err != nil {
		return OutputFiles{}, err
	}

	doseRows := make([]HourlyDoseRow, 0, len(doses))
	for _, d := range doses {
		doseRows = append(doseRows, HourlyDoseRow{
			HospitalizationID: d.HospitalizationID,
			MedCategory:       d.DrugCategory,
			DateHr:            d.HourStart,
			CohortFlag:        string(d.Flag),
			TotalDosage:       d.TotalDose,
			MedDoseUnit:       d.Unit,
		})
	}
	if err := writeTable(files.HourlyDoses, doseRows); err != nil {
		return OutputFiles{}, err
	}

	exposureRows := make([]ExposureRow, 0, len(exposure))
	for _, e := range exposure {
		exposureRows = append(exposureRows, ExposureRow{
			HospitalizationID: e.HospitalizationID,
			DateHr:            e.HourStart,
			CohortFlag:        string(e.Flag),
			Hr:                int32(e.ClockHour),
			Shift:             e.Shift,
			WeightKg:          e.WeightKg,
			NPressors:         int32(e.NPressors),
			Doses:             e.Doses,
			Equivalents:       e.Equivalents,
		})
	}
	if err := writeTable(files.Exposure, exposureRows); err != nil {
		return OutputFiles{}, err
	}

	logger.WithField("run_id", runID).WithField("dir", dir).Info("run results written")
	return files, nil
}

// ReadCohort loads a cohort table written by WriteResults.
func ReadCohort(path string) ([]models.CohortHour, error) {
	rows, err := readTable[CohortRow](path, "cohort_hours", []string{"hospitalization_id", "date_hr", "icu_stay_id", "cohort_flag"})
	if err != nil {
		return nil, err
	}
	out := make([]models.CohortHour, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.CohortHour{
			HospitalizationID: r.HospitalizationID,
			HourStart:         r.DateHr,
			StayID:            int(r.ICUStayID),
			Flag:              models.CohortFlag(r.CohortFlag),
		})
	}
	return out, nil
}

func readTable[T any](path, table string, required []string) ([]T, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", table, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", table, err)
	}
	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", table, err)
	}
	fields := pf.Schema().Fields()
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, field.Name())
	}
	if err := ingestion.RequireColumns(table, columns, required); err != nil {
		return nil, err
	}

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, 0, reader.NumRows())
	for {
		buf := make([]T, readBatch)
		n, err := reader.Read(buf)
		rows = append(rows, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}
	}
	logger.WithField("table", table).WithField("rows", len(rows)).Debug("table loaded")
	return rows, nil
}

func writeTable[T any](path string, rows []T) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](file,
		parquet.Compression(&parquet.Snappy),
	)
	for start := 0; start < len(rows); start += parquetFlushInterval {
		end := start + parquetFlushInterval
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := writer.Write(rows[start:end]); err != nil {
			file.Close()
			return fmt.Errorf("failed to write parquet records: %w", err)
		}
		if err := writer.Flush(); err != nil {
			file.Close()
			return fmt.Errorf("failed to flush parquet row group: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return file.Close()
}

// derefTime maps a null timestamp to the zero time and pins the rest to UTC.
func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
