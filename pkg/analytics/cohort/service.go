package cohort

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

var (
	cohortColumns     = []string{"hospitalization_id", "date_hr", "icu_stay_id", "cohort_flag"}
	classifiedColumns = []string{
		"hospitalization_id", "date_hr", "icu_stay_id", "on_imv", "observed", "in_icu",
		"new_icu_stay", "imv_streak_id", "imv_hrs_in_streak",
		"hrs_since_first_imv", "n_imv_streaks_in_72_hrs", "cohort_flag",
	}
)

// Service builds cohort tables from a segmented timeline and renders them as CSV.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Build classifies slots and returns both the full classified table and the
// flagged cohort hours.
func (s *Service) Build(slots []models.HourSlot) ([]models.ClassifiedHour, []models.CohortHour, models.RunDiagnostics) {
	classified, diag := Classify(slots)
	return classified, CohortHours(classified), diag
}

func (s *Service) ExportCohort(w io.Writer, rows []models.CohortHour) error {
	out := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, []interface{}{r.HospitalizationID, r.HourStart, r.StayID, string(r.Flag)})
	}
	return WriteCSV(w, cohortColumns, out)
}

// ExportClassified writes every classified hour, flagged or not.
func (s *Service) ExportClassified(w io.Writer, rows []models.ClassifiedHour) error {
	out := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, []interface{}{
			r.HospitalizationID, r.HourStart, r.StayID, r.OnVentilation, r.Observed, r.InICU,
			r.NewICUStay, r.StreakID, r.StreakHourCount,
			r.HoursSinceFirstStreak, r.StreaksInWindow, string(r.Flag),
		})
	}
	return WriteCSV(w, classifiedColumns, out)
}

// WriteCSV writes a header and rows, formatting each cell with stringifyValue.
func WriteCSV(w io.Writer, header []string, rows [][]interface{}) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) != len(header) {
			return fmt.Errorf("csv row has %d cells, header has %d", len(row), len(header))
		}
		record := make([]string, len(row))
		for i, cell := range row {
			record[i] = stringifyValue(cell)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func stringifyValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case *float64:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%.6f", *v)
	case float32:
		return fmt.Sprintf("%.6f", float64(v))
	case float64:
		return fmt.Sprintf("%.6f", v)
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", v)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		if bytes, err := json.Marshal(v); err == nil {
			return string(bytes)
		}
		return fmt.Sprintf("%v", v)
	}
}
