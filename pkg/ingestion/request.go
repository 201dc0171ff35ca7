package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

var errMissingInput = errors.New("input path required")

// RunRequestWrapper is the wire form of a run request, shared by the HTTP API
// and the Kafka run-request topic.
type RunRequestWrapper struct {
	Locations          string   `json:"locations"`
	Devices            string   `json:"devices"`
	Medications        string   `json:"medications"`
	Weights            string   `json:"weights"`
	OutputDir          string   `json:"output_dir,omitempty"`
	HospitalizationIDs []string `json:"hospitalization_ids,omitempty"`
	RequestedBy        string   `json:"requested_by,omitempty"`
}

func (r RunRequestWrapper) ToModel() models.CohortRunRequest {
	return models.CohortRunRequest{
		LocationsPath:      strings.TrimSpace(r.Locations),
		DevicesPath:        strings.TrimSpace(r.Devices),
		MedicationPath:     strings.TrimSpace(r.Medications),
		WeightsPath:        strings.TrimSpace(r.Weights),
		OutputDir:          strings.TrimSpace(r.OutputDir),
		HospitalizationIDs: r.HospitalizationIDs,
		RequestedBy:        r.RequestedBy,
	}
}

// ValidateRunRequest reports the first input path missing from req.
func ValidateRunRequest(req models.CohortRunRequest) error {
	paths := []struct {
		name  string
		value string
	}{
		{"locations", req.LocationsPath},
		{"devices", req.DevicesPath},
		{"medications", req.MedicationPath},
		{"weights", req.WeightsPath},
	}
	for _, p := range paths {
		if p.value == "" {
			return fmt.Errorf("%s: %w", p.name, errMissingInput)
		}
	}
	return nil
}

func IsMissingInput(err error) bool {
	return errors.Is(err, errMissingInput)
}
