package storage

import (
	"context"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"gorm.io/gorm"
)

const resultBatchSize = 1000

type CohortHourRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement;column:id"`
	RunID             string    `gorm:"index;column:run_id"`
	HospitalizationID string    `gorm:"index;column:hospitalization_id"`
	DateHr            time.Time `gorm:"column:date_hr"`
	ICUStayID         int       `gorm:"column:icu_stay_id"`
	CohortFlag        string    `gorm:"column:cohort_flag"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

func (CohortHourRecord) TableName() string {
	return "cohort_hours"
}

type HourlyDoseRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement;column:id"`
	RunID             string    `gorm:"index;column:run_id"`
	HospitalizationID string    `gorm:"index;column:hospitalization_id"`
	MedCategory       string    `gorm:"column:med_category"`
	DateHr            time.Time `gorm:"column:date_hr"`
	CohortFlag        string    `gorm:"column:cohort_flag"`
	TotalDosage       float64   `gorm:"column:total_dosage"`
	MedDoseUnit       string    `gorm:"column:med_dose_unit"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

func (HourlyDoseRecord) TableName() string {
	return "hourly_doses"
}

// ResultStore keeps the cohort and hourly dose tables of each run queryable in Postgres.
type ResultStore struct {
	db *gorm.DB
}

func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

func (s *ResultStore) AutoMigrate() error {
	return s.db.AutoMigrate(&CohortHourRecord{}, &HourlyDoseRecord{})
}

// SaveRun replaces whatever an earlier attempt of the same run stored.
func (s *ResultStore) SaveRun(ctx context.Context, runID string, cohort []models.CohortHour, doses []models.HourlyDose) error {
	now := time.Now().UTC()
	cohortRecords := make([]CohortHourRecord, 0, len(cohort))
	for _, c := range cohort {
		cohortRecords = append(cohortRecords, CohortHourRecord{
			RunID:             runID,
			HospitalizationID: c.HospitalizationID,
			DateHr:            c.HourStart,
			ICUStayID:         c.StayID,
			CohortFlag:        string(c.Flag),
			CreatedAt:         now,
		})
	}
	doseRecords := make([]HourlyDoseRecord, 0, len(doses))
	for _, d := range doses {
		doseRecords = append(doseRecords, HourlyDoseRecord{
			RunID:             runID,
			HospitalizationID: d.HospitalizationID,
			MedCategory:       d.DrugCategory,
			DateHr:            d.HourStart,
			CohortFlag:        string(d.Flag),
			TotalDosage:       d.TotalDose,
			MedDoseUnit:       d.Unit,
			CreatedAt:         now,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&CohortHourRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&HourlyDoseRecord{}).Error; err != nil {
			return err
		}
		if len(cohortRecords) > 0 {
			if err := tx.CreateInBatches(cohortRecords, resultBatchSize).Error; err != nil {
				return err
			}
		}
		if len(doseRecords) > 0 {
			if err := tx.CreateInBatches(doseRecords, resultBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// HourlyDoses returns the stored rows of one hospitalization in a run, ordered by hour and drug.
func (s *ResultStore) HourlyDoses(ctx context.Context, runID, hospitalizationID string) ([]models.HourlyDose, error) {
	var records []HourlyDoseRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND hospitalization_id = ?", runID, hospitalizationID).
		Order("date_hr asc, med_category asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.HourlyDose, 0, len(records))
	for _, r := range records {
		out = append(out, models.HourlyDose{
			HospitalizationID: r.HospitalizationID,
			DrugCategory:      r.MedCategory,
			HourStart:         r.DateHr,
			Flag:              models.CohortFlag(r.CohortFlag),
			TotalDose:         r.TotalDosage,
			Unit:              r.MedDoseUnit,
		})
	}
	return out, nil
}
