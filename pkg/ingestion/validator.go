package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

var (
	ErrMissingColumn = errors.New("missing column")
	ErrMissingKey    = errors.New("missing key")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrUnordered     = errors.New("rows out of order")
)

// ShapeError marks a relation that cannot be processed at all. A run that
// meets one fails as a whole.
type ShapeError struct {
	Table  string
	reason error
}

func NewShapeError(table string, reason error) error {
	return ShapeError{Table: table, reason: reason}
}

func (e ShapeError) Error() string {
	if e.Table == "" {
		return "shape violation: " + e.reason.Error()
	}
	return fmt.Sprintf("shape violation in %s: %s", e.Table, e.reason.Error())
}

func (e ShapeError) Unwrap() error {
	return e.reason
}

func IsShapeError(err error) bool {
	var se ShapeError
	return errors.As(err, &se)
}

// RequireColumns fails when any required column is absent from have.
func RequireColumns(table string, have, required []string) error {
	present := make(map[string]struct{}, len(have))
	for _, col := range have {
		present[strings.ToLower(strings.TrimSpace(col))] = struct{}{}
	}
	var missing []string
	for _, col := range required {
		if _, ok := present[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return NewShapeError(table, fmt.Errorf("%s: %w", strings.Join(missing, ", "), ErrMissingColumn))
	}
	return nil
}

type Validator struct {
	drugs map[string]struct{}
}

// NewValidator restricts dose events to the given drug categories. An empty
// list accepts every category.
func NewValidator(drugs []string) *Validator {
	vd := make(map[string]struct{})
	for _, d := range drugs {
		if trimmed := strings.TrimSpace(strings.ToLower(d)); trimmed != "" {
			vd[trimmed] = struct{}{}
		}
	}
	return &Validator{drugs: vd}
}

// ValidateInputs checks the keys every downstream stage partitions on.
func (v *Validator) ValidateInputs(locations []models.LocationEvent, devices []models.DeviceEvent, doses []models.DoseEvent, weights []models.WeightObservation) error {
	if v == nil {
		return NewShapeError("", errors.New("validator not initialised"))
	}

	for i, loc := range locations {
		if strings.TrimSpace(loc.HospitalizationID) == "" {
			return NewShapeError("locations", fmt.Errorf("row %d hospitalization_id: %w", i, ErrMissingKey))
		}
	}
	for i, dev := range devices {
		if strings.TrimSpace(dev.HospitalizationID) == "" {
			return NewShapeError("devices", fmt.Errorf("row %d hospitalization_id: %w", i, ErrMissingKey))
		}
	}
	for i, dose := range doses {
		if strings.TrimSpace(dose.HospitalizationID) == "" {
			return NewShapeError("medications", fmt.Errorf("row %d hospitalization_id: %w", i, ErrMissingKey))
		}
		if strings.TrimSpace(dose.DrugCategory) == "" {
			return NewShapeError("medications", fmt.Errorf("row %d med_category: %w", i, ErrMissingKey))
		}
	}
	for i, w := range weights {
		if strings.TrimSpace(w.HospitalizationID) == "" {
			return NewShapeError("weights", fmt.Errorf("row %d hospitalization_id: %w", i, ErrMissingKey))
		}
	}
	return nil
}

// FilterDoses keeps the dose events whose category the validator accepts.
func (v *Validator) FilterDoses(doses []models.DoseEvent) []models.DoseEvent {
	if v == nil || len(v.drugs) == 0 {
		return doses
	}
	out := make([]models.DoseEvent, 0, len(doses))
	for _, d := range doses {
		if _, ok := v.drugs[strings.ToLower(strings.TrimSpace(d.DrugCategory))]; ok {
			out = append(out, d)
		}
	}
	return out
}
