package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
)

// HandleRunRequested is a kafka.EventHandler that enqueues run-request events.
// Malformed requests are logged and acknowledged so they are not redelivered.
func (m *Materializer) HandleRunRequested(ctx context.Context, event models.Event) error {
	if event.Type != EventRunRequested {
		return nil
	}
	req, err := decodeRunRequest(event.Data)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Discarding malformed run request")
		return nil
	}
	if req.RequestedBy == "" {
		req.RequestedBy = event.Source
	}

	run, err := m.Enqueue(ctx, req)
	if ingestion.IsMissingInput(err) {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Discarding incomplete run request")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"event_id": event.ID,
		"run_id":   run.ID,
	}).Info("Run request accepted")
	return nil
}

func decodeRunRequest(data map[string]interface{}) (models.CohortRunRequest, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.CohortRunRequest{}, err
	}
	var wrapper ingestion.RunRequestWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return models.CohortRunRequest{}, fmt.Errorf("decoding run request: %w", err)
	}
	return wrapper.ToModel(), nil
}
