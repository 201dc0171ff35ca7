package models

import (
	"time"
)

// Upstream relations
type LocationEvent struct {
	HospitalizationID string    `json:"hospitalization_id"`
	LocationCategory  string    `json:"location_category"` // icu, ward, ed, ...
	InTime            time.Time `json:"in_dttm"`
	OutTime           time.Time `json:"out_dttm"`
}

// DeviceEvent is one reconciled respiratory-support observation.
type DeviceEvent struct {
	HospitalizationID string    `json:"hospitalization_id"`
	DeviceCategory    string    `json:"device_category"` // imv, nippv, high flow nc, ...
	Tracheostomy      bool      `json:"tracheostomy"`
	RecordedAt        time.Time `json:"recorded_dttm"`
}

// DoseEvent is a raw continuous medication administration record.
type DoseEvent struct {
	HospitalizationID string    `json:"hospitalization_id"`
	DrugCategory      string    `json:"med_category"`
	AdministeredAt    time.Time `json:"admin_dttm"`
	Dose              *float64  `json:"med_dose"`
	DoseUnit          string    `json:"med_dose_unit"`
	ActionName        string    `json:"mar_action_name"`
}

type WeightObservation struct {
	HospitalizationID string    `json:"hospitalization_id"`
	RecordedAt        time.Time `json:"recorded_dttm"`
	WeightKg          *float64  `json:"weight_kg"`
}

const LocationICU = "icu"

const DeviceIMV = "imv"

// HourSlot is one hour [HourStart, HourStart+1h) of a hospitalization timeline.
type HourSlot struct {
	HospitalizationID string    `json:"hospitalization_id"`
	HourStart         time.Time `json:"date_hr"`
	OnVentilation     bool      `json:"on_imv"`
	Observed          bool      `json:"observed"`
	InICU             bool      `json:"in_icu"`
	NewICUStay        bool      `json:"new_icu_stay"`
	StayID            int       `json:"icu_stay_id"`
}

type CohortFlag string

const (
	CohortFlagNone   CohortFlag = ""
	CohortFlagHour24 CohortFlag = "hr_24"
	CohortFlagHour72 CohortFlag = "hr_72"
)

func (f CohortFlag) IsSet() bool {
	return f == CohortFlagHour24 || f == CohortFlagHour72
}

// ClassifiedHour is an HourSlot annotated with streak numbering and the cohort flag.
type ClassifiedHour struct {
	HourSlot
	StreakID              int        `json:"imv_streak_id"`
	StreakHourCount       int        `json:"imv_hrs_in_streak"`
	HoursSinceFirstStreak int        `json:"hrs_since_first_imv"`
	StreaksInWindow       int        `json:"n_imv_streaks_in_72_hrs"`
	Flag                  CohortFlag `json:"cohort_flag"`
}

// CohortHour is one row of the cohort membership table.
type CohortHour struct {
	HospitalizationID string     `json:"hospitalization_id"`
	HourStart         time.Time  `json:"date_hr"`
	StayID            int        `json:"icu_stay_id"`
	Flag              CohortFlag `json:"cohort_flag"`
}

type DoseStatus string

const (
	DoseUsable           DoseStatus = "usable"
	DoseMalformedUnit    DoseStatus = "malformed_unit"
	DoseMissingWeight    DoseStatus = "missing_weight"
	DoseMissingReference DoseStatus = "missing_reference"
	DoseMissingValue     DoseStatus = "missing_dose"
	DoseUnitMismatch     DoseStatus = "unit_mismatch"
	DoseOutlier          DoseStatus = "outlier"
)

type NormalizedDoseEvent struct {
	HospitalizationID string     `json:"hospitalization_id"`
	DrugCategory      string     `json:"med_category"`
	AdministeredAt    time.Time  `json:"admin_dttm"`
	ActionName        string     `json:"mar_action_name"`
	RawDose           *float64   `json:"med_dose"`
	RawUnit           string     `json:"med_dose_unit"`
	CanonicalDose     *float64   `json:"med_dose_converted"`
	CanonicalUnit     string     `json:"med_dose_unit_converted"`
	WeightKg          *float64   `json:"weight_kg"`
	IsOutlier         bool       `json:"is_outlier"`
	Status            DoseStatus `json:"status"`
}

// Usable reports whether the event may mutate the infusion rate during aggregation.
func (e NormalizedDoseEvent) Usable() bool {
	return e.Status == DoseUsable && e.CanonicalDose != nil && !e.IsOutlier
}

type HourlyDose struct {
	HospitalizationID string     `json:"hospitalization_id"`
	DrugCategory      string     `json:"med_category"`
	HourStart         time.Time  `json:"date_hr"`
	Flag              CohortFlag `json:"cohort_flag"`
	TotalDose         float64    `json:"total_dosage"`
	Unit              string     `json:"med_dose_unit"`
}

// ExposureHour is the wide per-cohort-hour exposure summary.
type ExposureHour struct {
	HospitalizationID string             `json:"hospitalization_id"`
	HourStart         time.Time          `json:"date_hr"`
	Flag              CohortFlag         `json:"cohort_flag"`
	ClockHour         int                `json:"hr"`
	Shift             string             `json:"shift"`
	WeightKg          *float64           `json:"weight_kg,omitempty"`
	Doses             map[string]float64 `json:"doses"`
	Equivalents       map[string]float64 `json:"equivalents"`
	NPressors         int                `json:"n_pressors"`
}

// RunDiagnostics counts every non-fatal data condition met during one run.
type RunDiagnostics struct {
	Hospitalizations                   int `json:"hospitalizations"`
	DeviceEventsWithoutTime            int `json:"device_events_without_time"`
	HospitalizationsWithoutHours       int `json:"hospitalizations_without_hours"`
	HospitalizationsWithoutVentilation int `json:"hospitalizations_without_ventilation"`
	HospitalizationsWithTracheostomy   int `json:"hospitalizations_with_tracheostomy"`
	StaysWithoutVentilation            int `json:"stays_without_ventilation"`
	TimelineHours                      int `json:"timeline_hours"`
	DoseEvents                         int `json:"dose_events"`
	DoseEventsWithoutTime              int `json:"dose_events_without_time"`
	BolusDropped                       int `json:"bolus_dropped"`
	MalformedUnit                      int `json:"malformed_unit"`
	MissingDose                        int `json:"missing_dose"`
	MissingWeight                      int `json:"missing_weight"`
	MissingCatalogEntry                int `json:"missing_catalog_entry"`
	UnitMismatch                       int `json:"unit_mismatch"`
	Outliers                           int `json:"outliers"`
	DuplicatesResolved                 int `json:"duplicates_resolved"`
	CohortHours24                      int `json:"cohort_hours_24"`
	CohortHours72                      int `json:"cohort_hours_72"`
	HourlyDoseRows                     int `json:"hourly_dose_rows"`
}

// Merge adds the counts of other into d.
func (d *RunDiagnostics) Merge(other RunDiagnostics) {
	d.Hospitalizations += other.Hospitalizations
	d.DeviceEventsWithoutTime += other.DeviceEventsWithoutTime
	d.HospitalizationsWithoutHours += other.HospitalizationsWithoutHours
	d.HospitalizationsWithoutVentilation += other.HospitalizationsWithoutVentilation
	d.HospitalizationsWithTracheostomy += other.HospitalizationsWithTracheostomy
	d.StaysWithoutVentilation += other.StaysWithoutVentilation
	d.TimelineHours += other.TimelineHours
	d.DoseEvents += other.DoseEvents
	d.DoseEventsWithoutTime += other.DoseEventsWithoutTime
	d.BolusDropped += other.BolusDropped
	d.MalformedUnit += other.MalformedUnit
	d.MissingDose += other.MissingDose
	d.MissingWeight += other.MissingWeight
	d.MissingCatalogEntry += other.MissingCatalogEntry
	d.UnitMismatch += other.UnitMismatch
	d.Outliers += other.Outliers
	d.DuplicatesResolved += other.DuplicatesResolved
	d.CohortHours24 += other.CohortHours24
	d.CohortHours72 += other.CohortHours72
	d.HourlyDoseRows += other.HourlyDoseRows
}

// Run job models
type CohortRunRequest struct {
	LocationsPath      string   `json:"locations_path"`
	DevicesPath        string   `json:"devices_path"`
	MedicationPath     string   `json:"medication_path"`
	WeightsPath        string   `json:"weights_path"`
	OutputDir          string   `json:"output_dir,omitempty"`
	HospitalizationIDs []string `json:"hospitalization_ids,omitempty"`
	RequestedBy        string   `json:"requested_by,omitempty"`
}

type CohortRun struct {
	ID           string           `json:"id"`
	Request      CohortRunRequest `json:"request"`
	Status       string           `json:"status"`
	Diagnostics  RunDiagnostics   `json:"diagnostics"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// FloorHour truncates t to the start of its clock hour in t's own location.
func FloorHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}
