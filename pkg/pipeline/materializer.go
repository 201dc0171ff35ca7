package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

var ErrNotFound = errors.New("cohort run not found")

type runModel struct {
	ID           uuid.UUID      `gorm:"primaryKey;column:id"`
	Request      datatypes.JSON `gorm:"column:request"`
	Status       string         `gorm:"column:status;index"`
	Diagnostics  datatypes.JSON `gorm:"column:diagnostics"`
	ErrorMessage string         `gorm:"column:error_message"`
	RequestedBy  string         `gorm:"column:requested_by"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	StartedAt    *time.Time     `gorm:"column:started_at"`
	CompletedAt  *time.Time     `gorm:"column:completed_at"`
}

func (runModel) TableName() string {
	return "cohort_runs"
}

// RunStore persists the lifecycle of run jobs.
type RunStore interface {
	Create(ctx context.Context, run models.CohortRun) error
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	Get(ctx context.Context, id string) (models.CohortRun, error)
	List(ctx context.Context, limit int) ([]models.CohortRun, error)
}

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&runModel{})
}

func (r *RunRepository) Create(ctx context.Context, run models.CohortRun) error {
	model, err := runToModel(run)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *RunRepository) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	if diag, ok := updates["diagnostics"].(models.RunDiagnostics); ok {
		raw, err := json.Marshal(diag)
		if err != nil {
			return err
		}
		updates["diagnostics"] = datatypes.JSON(raw)
	}
	return r.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", runID).Updates(updates).Error
}

func (r *RunRepository) Get(ctx context.Context, id string) (models.CohortRun, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return models.CohortRun{}, ErrNotFound
	}
	var model runModel
	result := r.db.WithContext(ctx).First(&model, "id = ?", runID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.CohortRun{}, ErrNotFound
	}
	if result.Error != nil {
		return models.CohortRun{}, result.Error
	}
	return modelToRun(&model), nil
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]models.CohortRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []runModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]models.CohortRun, 0, len(records))
	for i := range records {
		result = append(result, modelToRun(&records[i]))
	}
	return result, nil
}

func runToModel(run models.CohortRun) (runModel, error) {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return runModel{}, err
	}
	reqJSON, err := json.Marshal(run.Request)
	if err != nil {
		return runModel{}, err
	}
	diagJSON, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return runModel{}, err
	}
	return runModel{
		ID:           id,
		Request:      datatypes.JSON(reqJSON),
		Status:       run.Status,
		Diagnostics:  datatypes.JSON(diagJSON),
		ErrorMessage: run.ErrorMessage,
		RequestedBy:  run.Request.RequestedBy,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}, nil
}

func modelToRun(model *runModel) models.CohortRun {
	run := models.CohortRun{
		ID:           model.ID.String(),
		Status:       model.Status,
		ErrorMessage: model.ErrorMessage,
		CreatedAt:    model.CreatedAt,
		StartedAt:    model.StartedAt,
		CompletedAt:  model.CompletedAt,
	}
	if len(model.Request) > 0 {
		_ = json.Unmarshal(model.Request, &run.Request)
	}
	if len(model.Diagnostics) > 0 {
		_ = json.Unmarshal(model.Diagnostics, &run.Diagnostics)
	}
	return run
}

// Executor runs one accepted request. *Job implements it.
type Executor interface {
	Execute(ctx context.Context, runID string, req models.CohortRunRequest) (*Output, error)
}

// Materializer runs jobs asynchronously, at most maxWorkers at a time.
type Materializer struct {
	repo     RunStore
	executor Executor
	workers  chan struct{}
	wg       sync.WaitGroup
	observe  func(models.RunDiagnostics)
	failed   func(error)
}

func NewMaterializer(repo RunStore, executor Executor, maxWorkers int) *Materializer {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Materializer{
		repo:     repo,
		executor: executor,
		workers:  make(chan struct{}, maxWorkers),
	}
}

// OnCompleted registers fn to receive the diagnostics of every completed run.
func (m *Materializer) OnCompleted(fn func(models.RunDiagnostics)) {
	m.observe = fn
}

func (m *Materializer) OnFailed(fn func(error)) {
	m.failed = fn
}

func (m *Materializer) Enqueue(ctx context.Context, req models.CohortRunRequest) (models.CohortRun, error) {
	if err := ingestion.ValidateRunRequest(req); err != nil {
		return models.CohortRun{}, err
	}
	run := models.CohortRun{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.repo.Create(ctx, run); err != nil {
		return models.CohortRun{}, err
	}

	m.wg.Add(1)
	go m.run(run.ID, req)

	return run, nil
}

func (m *Materializer) Get(ctx context.Context, id string) (models.CohortRun, error) {
	return m.repo.Get(ctx, id)
}

func (m *Materializer) List(ctx context.Context, limit int) ([]models.CohortRun, error) {
	return m.repo.List(ctx, limit)
}

// Wait blocks until every enqueued run has finished.
func (m *Materializer) Wait() {
	m.wg.Wait()
}

func (m *Materializer) run(runID string, req models.CohortRunRequest) {
	defer m.wg.Done()
	m.workers <- struct{}{}
	defer func() { <-m.workers }()

	ctx := context.Background()
	started := time.Now().UTC()
	_ = m.repo.Update(ctx, runID, map[string]interface{}{
		"status":     RunStatusRunning,
		"started_at": started,
	})

	out, err := m.executor.Execute(ctx, runID, req)
	if err != nil {
		m.fail(ctx, runID, err)
		return
	}

	completed := time.Now().UTC()
	_ = m.repo.Update(ctx, runID, map[string]interface{}{
		"status":        RunStatusCompleted,
		"diagnostics":   out.Result.Diagnostics,
		"completed_at":  completed,
		"error_message": "",
	})
	if m.observe != nil {
		m.observe(out.Result.Diagnostics)
	}
	logger.ForStage(runID, "materialize").WithField("cohort_hours", len(out.Result.Cohort)).Info("cohort run completed")
}

func (m *Materializer) fail(ctx context.Context, runID string, err error) {
	logger.ForStage(runID, "materialize").WithError(err).WithField("shape_error", ingestion.IsShapeError(err)).Error("cohort run failed")
	completed := time.Now().UTC()
	_ = m.repo.Update(ctx, runID, map[string]interface{}{
		"status":        RunStatusFailed,
		"error_message": err.Error(),
		"completed_at":  completed,
	})
	if m.failed != nil {
		m.failed(err)
	}
}
