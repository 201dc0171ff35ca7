package normalizer

import (
	"context"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"gorm.io/gorm"
)

const insertBatchSize = 500

type DoseEventModel struct {
	ID                uint      `gorm:"primaryKey;autoIncrement;column:id"`
	RunID             string    `gorm:"index;column:run_id"`
	HospitalizationID string    `gorm:"index;column:hospitalization_id"`
	DrugCategory      string    `gorm:"column:med_category"`
	AdministeredAt    time.Time `gorm:"column:admin_dttm"`
	ActionName        string    `gorm:"column:mar_action_name"`
	RawDose           *float64  `gorm:"column:med_dose"`
	RawUnit           string    `gorm:"column:med_dose_unit"`
	CanonicalDose     *float64  `gorm:"column:med_dose_converted"`
	CanonicalUnit     string    `gorm:"column:med_dose_unit_converted"`
	WeightKg          *float64  `gorm:"column:weight_kg"`
	IsOutlier         bool      `gorm:"column:is_outlier"`
	Status            string    `gorm:"column:status"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

func (DoseEventModel) TableName() string {
	return "normalized_dose_events"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&DoseEventModel{})
}

// ReplaceRun swaps the stored events of a run in one transaction so a rerun never duplicates rows.
func (r *Repository) ReplaceRun(ctx context.Context, runID string, events []models.NormalizedDoseEvent) error {
	now := time.Now().UTC()
	rows := make([]DoseEventModel, 0, len(events))
	for _, ev := range events {
		rows = append(rows, DoseEventModel{
			RunID:             runID,
			HospitalizationID: ev.HospitalizationID,
			DrugCategory:      ev.DrugCategory,
			AdministeredAt:    ev.AdministeredAt,
			ActionName:        ev.ActionName,
			RawDose:           ev.RawDose,
			RawUnit:           ev.RawUnit,
			CanonicalDose:     ev.CanonicalDose,
			CanonicalUnit:     ev.CanonicalUnit,
			WeightKg:          ev.WeightKg,
			IsOutlier:         ev.IsOutlier,
			Status:            string(ev.Status),
			CreatedAt:         now,
		})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&DoseEventModel{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
}
