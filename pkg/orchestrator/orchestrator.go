// Package orchestrator resolves the applicable frameworks for a company,
// fans out to framework agents under a bounded worker pool, merges findings
// deterministically and drives the result through confidence scoring,
// escalation and sidecar enqueueing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/comply-core/pkg/agents"
	"github.com/user/comply-core/pkg/cache"
	"github.com/user/comply-core/pkg/escalation"
	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
	"github.com/user/comply-core/pkg/sidecar"
)

// ValidationError rejects a request synchronously, before any agent runs or
// cache entry is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "orchestrator: invalid request: " + e.Reason
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Persister is the durable storage the orchestrator writes through.
type Persister interface {
	SaveResult(res model.AssessmentResult) error
	GetResult(id string) (model.AssessmentResult, error)
	UpdateStatus(id string, status model.AssessmentStatus) error
	RecordArchetype(profile model.CompanyProfile, confidence float64, implemented []graph.ControlRef) error
}

// Enqueuer schedules sidecar enrichment tasks.
type Enqueuer interface {
	Enqueue(assessmentID, taskType string, priority sidecar.Priority) (string, error)
}

// Config tunes the fan-out.
type Config struct {
	AgentTimeout time.Duration // per-agent budget
	MaxWorkers   int           // bounded pool size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{AgentTimeout: 30 * time.Second, MaxWorkers: 4}
}

// Orchestrator coordinates one assessment end to end.
type Orchestrator struct {
	registry *agents.Registry
	graphs   *graph.Store
	resolver *Resolver
	cache    *cache.ResultCache
	engine   *escalation.Engine
	persist  Persister
	enqueue  Enqueuer
	cfg      Config
	log      *zap.Logger

	fanOuts int64 // full agent fan-out executions, for observability
}

// New wires an orchestrator. enqueue may be nil when the sidecar pipeline is
// disabled.
func New(registry *agents.Registry, graphs *graph.Store, resolver *Resolver,
	resultCache *cache.ResultCache, engine *escalation.Engine,
	persist Persister, enqueue Enqueuer, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 30 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Orchestrator{
		registry: registry,
		graphs:   graphs,
		resolver: resolver,
		cache:    resultCache,
		engine:   engine,
		persist:  persist,
		enqueue:  enqueue,
		cfg:      cfg,
		log:      log.Named("orchestrator"),
	}
}

// FanOuts returns how many full agent fan-outs have executed. Cache hits and
// single-flight followers do not count.
func (o *Orchestrator) FanOuts() int64 {
	return atomic.LoadInt64(&o.fanOuts)
}

// Assess runs one assessment request: validate, consult the cache, fan out
// on a miss, score, escalate, persist and enqueue sidecar work.
func (o *Orchestrator) Assess(ctx context.Context, req model.AssessmentRequest) (model.AssessmentResult, error) {
	snap, err := o.graphs.Current()
	if err != nil {
		return model.AssessmentResult{}, err
	}

	frameworks, err := o.validate(req, snap)
	if err != nil {
		return model.AssessmentResult{}, err
	}

	fp := model.Fingerprint(req.Profile, frameworks, snap.Version())

	res, cached, err := o.cache.Do(ctx, fp, func(ctx context.Context) (model.AssessmentResult, error) {
		return o.run(ctx, req, snap, frameworks, fp)
	})
	if err != nil {
		return model.AssessmentResult{}, err
	}
	res.Cached = cached
	return res, nil
}

// Get loads a stored assessment.
func (o *Orchestrator) Get(id string) (model.AssessmentResult, error) {
	return o.persist.GetResult(id)
}

// Review applies an external human review decision. It is the only path out
// of PENDING_HUMAN_REVIEW.
func (o *Orchestrator) Review(id string, decision escalation.ReviewDecision, reviewerID, notes string) (model.AssessmentResult, error) {
	res, err := o.persist.GetResult(id)
	if err != nil {
		return model.AssessmentResult{}, err
	}
	if err := o.engine.Review(&res, decision, reviewerID, notes); err != nil {
		return model.AssessmentResult{}, err
	}
	if err := o.persist.UpdateStatus(res.ID, res.Status); err != nil {
		return model.AssessmentResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) validate(req model.AssessmentRequest, snap *graph.Snapshot) ([]string, error) {
	p := req.Profile
	if p.Name == "" {
		return nil, &ValidationError{Reason: "company name is required"}
	}
	if p.Industry == "" {
		return nil, &ValidationError{Reason: "industry is required"}
	}
	if p.Employees <= 0 {
		return nil, &ValidationError{Reason: "employee count must be positive"}
	}

	frameworks := o.resolver.Resolve(p, req.Frameworks)
	if len(frameworks) == 0 {
		return nil, &ValidationError{Reason: "no applicable frameworks resolved"}
	}
	for _, id := range frameworks {
		if !snap.HasFramework(id) {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown framework id %s", id)}
		}
		if _, ok := o.registry.Get(id); !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("no agent registered for framework %s", id)}
		}
	}
	return frameworks, nil
}

// run is the full fan-out executed on a cache miss. Exactly one run happens
// per in-flight fingerprint thanks to the cache's single-flight.
func (o *Orchestrator) run(ctx context.Context, req model.AssessmentRequest, snap *graph.Snapshot, frameworks []string, fp string) (model.AssessmentResult, error) {
	atomic.AddInt64(&o.fanOuts, 1)
	started := time.Now()

	res := model.AssessmentResult{
		ID:              uuid.NewString(),
		Fingerprint:     fp,
		SnapshotVersion: snap.Version(),
		Profile:         req.Profile,
		Status:          model.StateCreated,
		CreatedAt:       started.UTC(),
	}
	if err := o.engine.Transition(&res, model.StateRunning, "assessment dispatched"); err != nil {
		return model.AssessmentResult{}, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if d := req.Deadline(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	groups := make([]model.FrameworkFindings, len(frameworks))
	failed := make([]bool, len(frameworks))

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(o.cfg.MaxWorkers)
	for i, fwID := range frameworks {
		i, fwID := i, fwID
		g.Go(func() error {
			agent, _ := o.registry.Get(fwID)
			findings, ok := agents.Run(gctx, agent, req.Profile, snap, o.cfg.AgentTimeout)
			groups[i] = findings
			failed[i] = !ok
			return nil
		})
	}
	_ = g.Wait() // agent failures are folded into findings, never group errors

	failures := 0
	for _, f := range failed {
		if f {
			failures++
		}
	}
	deadlineHit := runCtx.Err() != nil

	// Deterministic merge: frameworks are already sorted; order findings by
	// control id so identical inputs serialize identically.
	for i := range groups {
		sort.Slice(groups[i].Findings, func(a, b int) bool {
			return groups[i].Findings[a].ControlID < groups[i].Findings[b].ControlID
		})
	}
	res.Findings = groups
	res.Degraded = failures*2 > len(frameworks) || deadlineHit

	res.OverallConfidence = o.engine.OverallConfidence(req.Profile.Industry, res.Findings)
	res.Escalation = o.engine.Evaluate(&res)

	if res.Escalation.Type.Escalated() {
		if err := o.engine.Transition(&res, model.StateCompletedEscalated, res.Escalation.Reasons...); err != nil {
			return model.AssessmentResult{}, err
		}
		if err := o.engine.Transition(&res, model.StatePendingHumanReview, "awaiting "+string(res.Escalation.Type)); err != nil {
			return model.AssessmentResult{}, err
		}
	} else {
		if err := o.engine.Transition(&res, model.StateCompletedAuto, res.Escalation.Reasons...); err != nil {
			return model.AssessmentResult{}, err
		}
		if err := o.engine.Transition(&res, model.StateClosed, "auto-approved"); err != nil {
			return model.AssessmentResult{}, err
		}
	}

	if err := o.persist.SaveResult(res); err != nil {
		return model.AssessmentResult{}, fmt.Errorf("persisting assessment %s: %w", res.ID, err)
	}
	if err := o.persist.RecordArchetype(req.Profile, res.OverallConfidence, implementedRefs(res.Findings)); err != nil {
		o.log.Warn("failed to record archetype", zap.String("assessment_id", res.ID), zap.Error(err))
	}

	o.enqueueSidecars(res)

	o.log.Info("assessment completed",
		zap.String("assessment_id", res.ID),
		zap.Strings("frameworks", frameworks),
		zap.Float64("confidence", res.OverallConfidence),
		zap.String("escalation", string(res.Escalation.Type)),
		zap.Bool("degraded", res.Degraded),
		zap.Duration("elapsed", time.Since(started)))
	return res, nil
}

// enqueueSidecars schedules enrichment work. Failures are logged and
// dropped: sidecars never gate or mutate the primary result.
func (o *Orchestrator) enqueueSidecars(res model.AssessmentResult) {
	if o.enqueue == nil {
		return
	}
	legalPriority := sidecar.PriorityNormal
	if res.Escalation.Type == model.EscalationLegalValidation {
		legalPriority = sidecar.PriorityHigh
	}
	for _, task := range []struct {
		taskType string
		priority sidecar.Priority
	}{
		{sidecar.TaskTypeLegalRisk, legalPriority},
		{sidecar.TaskTypeThreatScenario, sidecar.PriorityNormal},
	} {
		if _, err := o.enqueue.Enqueue(res.ID, task.taskType, task.priority); err != nil {
			o.log.Warn("sidecar enqueue failed",
				zap.String("assessment_id", res.ID),
				zap.String("task_type", task.taskType),
				zap.Error(err))
		}
	}
}

func implementedRefs(findings []model.FrameworkFindings) []graph.ControlRef {
	var refs []graph.ControlRef
	for _, fw := range findings {
		for _, f := range fw.Findings {
			if f.Status == model.StatusImplemented {
				refs = append(refs, graph.ControlRef{Framework: fw.FrameworkID, Control: f.ControlID})
			}
		}
	}
	return refs
}
