// Package sidecar delivers enrichment tasks created from completed
// assessments. Delivery is at-least-once over a durable queue; consumers are
// idempotent and a failing task never touches the primary assessment result.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/model"
)

// Priority orders task scheduling. Higher drains first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

var (
	// ErrQueueFull is returned when a priority queue cannot accept more tasks.
	ErrQueueFull = errors.New("sidecar: queue is full")

	// ErrStopped is returned when the pipeline is not running.
	ErrStopped = errors.New("sidecar: pipeline is stopped")

	// ErrUnknownTaskType is returned when no consumer handles the task type.
	ErrUnknownTaskType = errors.New("sidecar: no consumer for task type")
)

// Payload is what a consumer receives alongside the task.
type Payload struct {
	AssessmentID   string                    `json:"assessment_id"`
	ProfileSummary string                    `json:"company_profile_summary"`
	Findings       []model.FrameworkFindings `json:"findings"`
	TaskType       string                    `json:"task_type"`
}

// Consumer processes one task type. Process returns the annotation body to
// attach on success. Consumers must tolerate redelivery.
type Consumer interface {
	Type() string
	Process(ctx context.Context, task model.SidecarTask, payload Payload) (string, error)
}

// Backend is the durable side of the pipeline, implemented by the store.
type Backend interface {
	SaveTask(t model.SidecarTask) error
	UpdateTask(t model.SidecarTask) error
	GetTask(taskID string) (model.SidecarTask, error)
	CompleteTask(taskID string, a model.Annotation) (bool, error)
	PendingTasks() ([]model.SidecarTask, error)
	GetResult(id string) (model.AssessmentResult, error)
}

// Config tunes the pipeline.
type Config struct {
	Workers     int
	QueueSize   int           // per priority level
	TaskTimeout time.Duration // per attempt
	MaxRetries  int           // automatic retries after the first attempt
	BackoffBase time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     2,
		QueueSize:   64,
		TaskTimeout: 30 * time.Second,
		MaxRetries:  2,
		BackoffBase: 500 * time.Millisecond,
	}
}

// Pipeline consumes the sidecar queue with a worker pool independent of the
// assessment fan-out.
type Pipeline struct {
	mu        sync.RWMutex
	queues    [3]chan model.SidecarTask
	consumers map[string]Consumer
	backend   Backend
	cfg       Config
	log       *zap.Logger

	isRunning bool
	stopCh    chan struct{}
	workerWg  sync.WaitGroup

	totalEnqueued  int64
	totalCompleted int64
	totalFailed    int64
}

// NewPipeline creates a pipeline over the given durable backend.
func NewPipeline(backend Backend, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}

	p := &Pipeline{
		consumers: make(map[string]Consumer),
		backend:   backend,
		cfg:       cfg,
		log:       log.Named("sidecar"),
		stopCh:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan model.SidecarTask, cfg.QueueSize)
	}
	return p
}

// RegisterConsumer adds a consumer for its task type.
func (p *Pipeline) RegisterConsumer(c Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.consumers[c.Type()]; dup {
		return fmt.Errorf("sidecar: consumer for %s already registered", c.Type())
	}
	p.consumers[c.Type()] = c
	return nil
}

// Start recovers pending tasks from the backend and launches workers.
// Recovery is what makes at-least-once hold across restarts: Queued and
// orphaned InProgress tasks are re-delivered.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	pending, err := p.backend.PendingTasks()
	if err != nil {
		return fmt.Errorf("sidecar: recovering pending tasks: %w", err)
	}
	for _, t := range pending {
		t.Status = model.TaskQueued
		select {
		case p.queues[p.level(t.Priority)] <- t:
		default:
			p.log.Warn("recovered task dropped from memory queue, will stay pending",
				zap.String("task_id", t.ID))
		}
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker(i)
	}
	p.log.Info("pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("recovered", len(pending)))
	return nil
}

// Stop shuts the workers down and waits for in-flight tasks.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopCh)
	p.mu.Unlock()

	p.workerWg.Wait()
	p.log.Info("pipeline stopped")
}

// Enqueue persists a task and schedules it. Returns the task id immediately;
// the caller is never blocked on the enrichment work itself.
func (p *Pipeline) Enqueue(assessmentID, taskType string, priority Priority) (string, error) {
	p.mu.RLock()
	running := p.isRunning
	_, known := p.consumers[taskType]
	p.mu.RUnlock()
	if !running {
		return "", ErrStopped
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	now := time.Now().UTC()
	task := model.SidecarTask{
		ID:           uuid.NewString(),
		AssessmentID: assessmentID,
		TaskType:     taskType,
		Priority:     int(priority),
		Status:       model.TaskQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	lvl := p.level(int(priority))
	if len(p.queues[lvl]) == cap(p.queues[lvl]) {
		return "", fmt.Errorf("%w: priority %s", ErrQueueFull, priority)
	}

	// Persist before scheduling: a worker must never see a task whose durable
	// row does not exist yet, and a crash after this point redelivers it.
	if err := p.backend.SaveTask(task); err != nil {
		return "", fmt.Errorf("sidecar: persisting task: %w", err)
	}
	select {
	case p.queues[lvl] <- task:
	default:
		// Queue filled since the capacity check; the row is durable Queued
		// and the next recovery picks it up.
		p.log.Warn("task persisted but memory queue full, deferred to recovery",
			zap.String("task_id", task.ID))
	}
	atomic.AddInt64(&p.totalEnqueued, 1)
	p.log.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("type", taskType),
		zap.String("priority", priority.String()))
	return task.ID, nil
}

func (p *Pipeline) worker(id int) {
	defer p.workerWg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
			task, ok := p.next()
			if !ok {
				select {
				case <-p.stopCh:
					return
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}
			p.process(id, task)
		}
	}
}

// next drains the highest-priority non-empty queue.
func (p *Pipeline) next() (model.SidecarTask, bool) {
	for lvl := int(PriorityHigh); lvl >= int(PriorityLow); lvl-- {
		select {
		case t := <-p.queues[lvl]:
			return t, true
		default:
		}
	}
	return model.SidecarTask{}, false
}

func (p *Pipeline) process(workerID int, task model.SidecarTask) {
	p.mu.RLock()
	consumer := p.consumers[task.TaskType]
	p.mu.RUnlock()
	if consumer == nil {
		p.fail(task, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.TaskType))
		return
	}

	// Redelivery of a completed task is a no-op; skip before running the
	// consumer at all.
	if persisted, err := p.backend.GetTask(task.ID); err == nil && persisted.Status == model.TaskCompleted {
		p.log.Debug("redelivered task was already completed", zap.String("task_id", task.ID))
		return
	}

	payload, err := p.buildPayload(task)
	if err != nil {
		p.fail(task, err)
		return
	}

	task.Status = model.TaskInProgress
	if err := p.backend.UpdateTask(task); err != nil {
		p.log.Error("failed to mark task in progress", zap.String("task_id", task.ID), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	body, err := consumer.Process(ctx, task, payload)
	cancel()

	if err != nil {
		p.retry(task, err)
		return
	}

	changed, err := p.backend.CompleteTask(task.ID, model.Annotation{
		TaskID:       task.ID,
		AssessmentID: task.AssessmentID,
		TaskType:     task.TaskType,
		Body:         body,
	})
	if err != nil {
		p.retry(task, err)
		return
	}
	if !changed {
		p.log.Debug("redelivered task was already completed", zap.String("task_id", task.ID))
		return
	}
	atomic.AddInt64(&p.totalCompleted, 1)
	p.log.Debug("task completed",
		zap.Int("worker", workerID),
		zap.String("task_id", task.ID),
		zap.String("type", task.TaskType))
}

// retry schedules another attempt with exponential backoff, up to the retry
// budget, then marks the task FailedPermanent. The failure stays isolated:
// only the task record changes.
func (p *Pipeline) retry(task model.SidecarTask, cause error) {
	task.RetryCount++
	if task.RetryCount > p.cfg.MaxRetries {
		p.fail(task, cause)
		return
	}

	task.Status = model.TaskQueued
	if err := p.backend.UpdateTask(task); err != nil {
		p.log.Error("failed to persist retry", zap.String("task_id", task.ID), zap.Error(err))
	}

	backoff := p.cfg.BackoffBase << (task.RetryCount - 1)
	p.log.Warn("task attempt failed, backing off",
		zap.String("task_id", task.ID),
		zap.Int("retry", task.RetryCount),
		zap.Duration("backoff", backoff),
		zap.Error(cause))

	select {
	case <-p.stopCh:
		return
	case <-time.After(backoff):
	}
	select {
	case p.queues[p.level(task.Priority)] <- task:
	default:
		// Memory queue full; the task stays Queued in the backend and is
		// picked up by the next recovery.
		p.log.Warn("retry could not be requeued in memory", zap.String("task_id", task.ID))
	}
}

func (p *Pipeline) fail(task model.SidecarTask, cause error) {
	task.Status = model.TaskFailedPermanent
	if err := p.backend.UpdateTask(task); err != nil {
		p.log.Error("failed to persist permanent failure", zap.String("task_id", task.ID), zap.Error(err))
	}
	atomic.AddInt64(&p.totalFailed, 1)
	p.log.Error("task failed permanently",
		zap.String("task_id", task.ID),
		zap.String("type", task.TaskType),
		zap.Int("retries", task.RetryCount),
		zap.Error(cause))
}

func (p *Pipeline) buildPayload(task model.SidecarTask) (Payload, error) {
	res, err := p.backend.GetResult(task.AssessmentID)
	if err != nil {
		return Payload{}, fmt.Errorf("sidecar: loading assessment %s: %w", task.AssessmentID, err)
	}
	return Payload{
		AssessmentID:   res.ID,
		ProfileSummary: res.Profile.Summary(),
		Findings:       res.Findings,
		TaskType:       task.TaskType,
	}, nil
}

func (p *Pipeline) level(priority int) int {
	if priority < int(PriorityLow) {
		return int(PriorityLow)
	}
	if priority > int(PriorityHigh) {
		return int(PriorityHigh)
	}
	return priority
}

// Metrics is a point-in-time view of pipeline counters.
type Metrics struct {
	Enqueued  int64
	Completed int64
	Failed    int64
	Depth     int
}

// GetMetrics returns current counters.
func (p *Pipeline) GetMetrics() Metrics {
	depth := 0
	for i := range p.queues {
		depth += len(p.queues[i])
	}
	return Metrics{
		Enqueued:  atomic.LoadInt64(&p.totalEnqueued),
		Completed: atomic.LoadInt64(&p.totalCompleted),
		Failed:    atomic.LoadInt64(&p.totalFailed),
		Depth:     depth,
	}
}
