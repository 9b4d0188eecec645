package sidecar

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memBackend is an in-memory Backend with the same idempotent completion
// semantics as the SQLite store.
type memBackend struct {
	mu          sync.Mutex
	saveDelay   time.Duration // slows SaveTask down
	saveErr     error         // forces SaveTask to fail
	tasks       map[string]model.SidecarTask
	annotations map[string]model.Annotation // keyed by task id
	results     map[string]model.AssessmentResult
}

func newMemBackend() *memBackend {
	return &memBackend{
		tasks:       make(map[string]model.SidecarTask),
		annotations: make(map[string]model.Annotation),
		results:     make(map[string]model.AssessmentResult),
	}
}

func (b *memBackend) SaveTask(t model.SidecarTask) error {
	if b.saveDelay > 0 {
		time.Sleep(b.saveDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.tasks[t.ID] = t
	return nil
}

func (b *memBackend) GetTask(taskID string) (model.SidecarTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return model.SidecarTask{}, errors.New("unknown task")
	}
	return t, nil
}

func (b *memBackend) UpdateTask(t model.SidecarTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[t.ID]; !ok {
		return errors.New("unknown task")
	}
	b.tasks[t.ID] = t
	return nil
}

func (b *memBackend) CompleteTask(taskID string, a model.Annotation) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return false, errors.New("unknown task")
	}
	if t.Status == model.TaskCompleted {
		return false, nil
	}
	t.Status = model.TaskCompleted
	b.tasks[taskID] = t
	if _, dup := b.annotations[taskID]; !dup {
		b.annotations[taskID] = a
	}
	return true, nil
}

func (b *memBackend) PendingTasks() ([]model.SidecarTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.SidecarTask
	for _, t := range b.tasks {
		if t.Status == model.TaskQueued || t.Status == model.TaskInProgress {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *memBackend) GetResult(id string) (model.AssessmentResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.results[id]
	if !ok {
		return model.AssessmentResult{}, errors.New("unknown assessment")
	}
	return res, nil
}

func (b *memBackend) task(t *testing.T, id string) model.SidecarTask {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	require.True(t, ok)
	return task
}

type scriptedConsumer struct {
	taskType string
	fails    int32 // attempts that fail before succeeding; -1 fails forever
	attempts int32
	body     string
}

func (c *scriptedConsumer) Type() string { return c.taskType }

func (c *scriptedConsumer) Process(ctx context.Context, task model.SidecarTask, payload Payload) (string, error) {
	n := atomic.AddInt32(&c.attempts, 1)
	if c.fails < 0 || n <= c.fails {
		return "", errors.New("transient consumer failure")
	}
	return c.body, nil
}

func testConfig() Config {
	return Config{
		Workers:     2,
		QueueSize:   16,
		TaskTimeout: time.Second,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
	}
}

func startPipeline(t *testing.T, backend Backend, consumers ...Consumer) *Pipeline {
	t.Helper()
	p := NewPipeline(backend, testConfig(), nil)
	for _, c := range consumers {
		require.NoError(t, p.RegisterConsumer(c))
	}
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	backend := newMemBackend()
	backend.results["a-1"] = model.AssessmentResult{ID: "a-1", Profile: model.CompanyProfile{Name: "Acme"}}
	consumer := &scriptedConsumer{taskType: "flaky", fails: 2, body: "made it"}
	p := startPipeline(t, backend, consumer)

	id, err := p.Enqueue("a-1", "flaky", PriorityNormal)
	require.NoError(t, err)

	waitFor(t, func() bool { return backend.task(t, id).Status == model.TaskCompleted })

	task := backend.task(t, id)
	assert.Equal(t, 2, task.RetryCount, "two failed attempts before success")
	assert.Equal(t, int32(3), atomic.LoadInt32(&consumer.attempts))

	backend.mu.Lock()
	ann := backend.annotations[id]
	backend.mu.Unlock()
	assert.Equal(t, "made it", ann.Body)
}

func TestPipelineExhaustsRetries(t *testing.T) {
	backend := newMemBackend()
	backend.results["a-1"] = model.AssessmentResult{ID: "a-1"}
	consumer := &scriptedConsumer{taskType: "doomed", fails: -1}
	p := startPipeline(t, backend, consumer)

	id, err := p.Enqueue("a-1", "doomed", PriorityHigh)
	require.NoError(t, err)

	waitFor(t, func() bool { return backend.task(t, id).Status == model.TaskFailedPermanent })

	// First attempt plus MaxRetries, then give up.
	assert.Equal(t, int32(3), atomic.LoadInt32(&consumer.attempts))
	backend.mu.Lock()
	_, hasAnnotation := backend.annotations[id]
	backend.mu.Unlock()
	assert.False(t, hasAnnotation)

	m := p.GetMetrics()
	assert.Equal(t, int64(1), m.Failed)
}

func TestPipelineFailureLeavesResultUntouched(t *testing.T) {
	backend := newMemBackend()
	original := model.AssessmentResult{ID: "a-1", Status: model.StateClosed, OverallConfidence: 0.9}
	backend.results["a-1"] = original
	p := startPipeline(t, backend, &scriptedConsumer{taskType: "doomed", fails: -1})

	id, err := p.Enqueue("a-1", "doomed", PriorityNormal)
	require.NoError(t, err)
	waitFor(t, func() bool { return backend.task(t, id).Status == model.TaskFailedPermanent })

	got, err := backend.GetResult("a-1")
	require.NoError(t, err)
	assert.Equal(t, original, got, "sidecar failure must not mutate the assessment")
}

func TestPipelineRecoversPersistedTasks(t *testing.T) {
	backend := newMemBackend()
	backend.results["a-1"] = model.AssessmentResult{ID: "a-1"}
	// Simulates a task left over from a previous process, including one
	// orphaned mid-flight.
	backend.tasks["t-queued"] = model.SidecarTask{
		ID: "t-queued", AssessmentID: "a-1", TaskType: "recover", Priority: 1, Status: model.TaskQueued,
	}
	backend.tasks["t-orphan"] = model.SidecarTask{
		ID: "t-orphan", AssessmentID: "a-1", TaskType: "recover", Priority: 1, Status: model.TaskInProgress,
	}

	consumer := &scriptedConsumer{taskType: "recover", body: "recovered"}
	startPipeline(t, backend, consumer)

	waitFor(t, func() bool {
		return backend.task(t, "t-queued").Status == model.TaskCompleted &&
			backend.task(t, "t-orphan").Status == model.TaskCompleted
	})
}

func TestEnqueuePersistsBeforeScheduling(t *testing.T) {
	backend := newMemBackend()
	backend.saveDelay = 200 * time.Millisecond
	backend.results["a-1"] = model.AssessmentResult{ID: "a-1"}
	consumer := &scriptedConsumer{taskType: "quick", body: "done"}
	p := startPipeline(t, backend, consumer)

	// With a slow SaveTask the worker must not see the task until its durable
	// row exists; otherwise the attempt cycle runs against a missing row.
	id, err := p.Enqueue("a-1", "quick", PriorityNormal)
	require.NoError(t, err)

	waitFor(t, func() bool { return backend.task(t, id).Status == model.TaskCompleted })

	task := backend.task(t, id)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&consumer.attempts))
	backend.mu.Lock()
	ann, hasAnnotation := backend.annotations[id]
	backend.mu.Unlock()
	require.True(t, hasAnnotation)
	assert.Equal(t, "done", ann.Body)
}

func TestEnqueueSaveFailureIsSurfaced(t *testing.T) {
	backend := newMemBackend()
	backend.saveErr = errors.New("disk full")
	consumer := &scriptedConsumer{taskType: "quick"}
	p := startPipeline(t, backend, consumer)

	_, err := p.Enqueue("a-1", "quick", PriorityNormal)
	require.Error(t, err)

	// Nothing was scheduled or counted.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&consumer.attempts))
	m := p.GetMetrics()
	assert.Equal(t, int64(0), m.Enqueued)
	assert.Equal(t, 0, m.Depth)
}

func TestRedeliveredCompletedTaskIsNoOp(t *testing.T) {
	backend := newMemBackend()
	backend.results["a-1"] = model.AssessmentResult{ID: "a-1"}
	consumer := &scriptedConsumer{taskType: "once", body: "first"}
	p := startPipeline(t, backend, consumer)

	id, err := p.Enqueue("a-1", "once", PriorityNormal)
	require.NoError(t, err)
	waitFor(t, func() bool { return backend.task(t, id).Status == model.TaskCompleted })
	require.Equal(t, int64(1), p.GetMetrics().Completed)

	// Redeliver the completed task straight into the memory queue, as a
	// restart recovery would.
	p.queues[p.level(int(PriorityNormal))] <- backend.task(t, id)
	waitFor(t, func() bool { return p.GetMetrics().Depth == 0 })
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&consumer.attempts), "consumer must not run again")
	assert.Equal(t, int64(1), p.GetMetrics().Completed)
}

func TestEnqueueValidation(t *testing.T) {
	backend := newMemBackend()
	p := NewPipeline(backend, testConfig(), nil)
	require.NoError(t, p.RegisterConsumer(&scriptedConsumer{taskType: "known"}))

	_, err := p.Enqueue("a-1", "known", PriorityNormal)
	assert.ErrorIs(t, err, ErrStopped)

	require.NoError(t, p.Start())
	defer p.Stop()

	_, err = p.Enqueue("a-1", "unknown", PriorityNormal)
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestRegisterConsumerDuplicate(t *testing.T) {
	p := NewPipeline(newMemBackend(), testConfig(), nil)
	require.NoError(t, p.RegisterConsumer(&scriptedConsumer{taskType: "x"}))
	assert.Error(t, p.RegisterConsumer(&scriptedConsumer{taskType: "x"}))
}

func TestLegalRiskConsumerFallback(t *testing.T) {
	c := NewLegalRiskConsumer(nil)
	payload := Payload{
		AssessmentID:   "a-1",
		ProfileSummary: "Acme (healthcare, eu)",
		Findings: []model.FrameworkFindings{{
			FrameworkID: "iso",
			Findings: []model.AgentFinding{
				{ControlID: "A.1", Status: model.StatusImplemented},
				{ControlID: "A.2", Status: model.StatusNotImplemented},
				{ControlID: "A.3", Status: model.StatusPartial},
			},
		}},
	}

	body, err := c.Process(context.Background(), model.SidecarTask{}, payload)
	require.NoError(t, err)
	assert.Contains(t, body, "2 control gaps")
	assert.Contains(t, body, "iso/A.2")
	assert.Contains(t, body, "iso/A.3")
}

type fakeAnnotator struct{ err error }

func (f fakeAnnotator) Complete(_ context.Context, _, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "drafted: " + prompt[:strings.IndexByte(prompt, '\n')], nil
}

func TestLegalRiskConsumerAnnotator(t *testing.T) {
	payload := Payload{ProfileSummary: "Acme (retail, us)"}

	body, err := NewLegalRiskConsumer(fakeAnnotator{}).Process(context.Background(), model.SidecarTask{}, payload)
	require.NoError(t, err)
	assert.Contains(t, body, "drafted: Organization: Acme (retail, us)")

	_, err = NewLegalRiskConsumer(fakeAnnotator{err: errors.New("quota")}).Process(context.Background(), model.SidecarTask{}, payload)
	assert.Error(t, err)
}

func TestThreatScenarioConsumer(t *testing.T) {
	graphs := graph.NewStore(nil)
	_, err := graphs.Publish(graph.Bundle{
		Version: 1,
		Threats: []graph.Threat{
			{ID: "t-phish", Severity: 5, Description: "Credential phishing"},
			{ID: "t-ransom", Severity: 8, Description: "Ransomware"},
		},
		Frameworks: []graph.Framework{{
			ID: "iso", Name: "ISO",
			Controls: []graph.Control{
				{ID: "A.1", Threats: []string{"t-phish"}},
				{ID: "A.2", Threats: []string{"t-ransom", "t-phish"}},
			},
		}},
	})
	require.NoError(t, err)

	c := NewThreatScenarioConsumer(graphs)
	payload := Payload{
		ProfileSummary: "Acme (retail, us)",
		Findings: []model.FrameworkFindings{{
			FrameworkID: "iso",
			Findings: []model.AgentFinding{
				{ControlID: "A.1", Status: model.StatusImplemented},
				{ControlID: "A.2", Status: model.StatusNotImplemented},
			},
		}},
	}

	body, err := c.Process(context.Background(), model.SidecarTask{}, payload)
	require.NoError(t, err)
	// Highest severity first; the implemented control contributes nothing.
	ransomIdx := strings.Index(body, "t-ransom")
	phishIdx := strings.Index(body, "t-phish")
	require.GreaterOrEqual(t, ransomIdx, 0)
	require.GreaterOrEqual(t, phishIdx, 0)
	assert.Less(t, ransomIdx, phishIdx)
	assert.Contains(t, body, "iso/A.2")
}

func TestThreatScenarioNoGaps(t *testing.T) {
	graphs := graph.NewStore(nil)
	_, err := graphs.Publish(graph.Bundle{
		Version:    1,
		Frameworks: []graph.Framework{{ID: "iso", Name: "ISO", Controls: []graph.Control{{ID: "A.1"}}}},
	})
	require.NoError(t, err)

	body, err := NewThreatScenarioConsumer(graphs).Process(context.Background(), model.SidecarTask{}, Payload{
		Findings: []model.FrameworkFindings{{
			FrameworkID: "iso",
			Findings:    []model.AgentFinding{{ControlID: "A.1", Status: model.StatusImplemented}},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, body, "No uncovered threats")
}
