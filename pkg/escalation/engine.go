// Package escalation aggregates per-agent confidence, applies the escalation
// rule table and drives the audit-logged assessment state machine.
package escalation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/model"
)

// AuditSink receives append-only escalation decisions. History is extended,
// never rewritten.
type AuditSink interface {
	AppendDecision(d model.EscalationDecision) error
}

// Thresholds are the tunable escalation cutoffs. They load from configuration
// and may be overridden per tenant.
type Thresholds struct {
	ConfidenceCutoff   float64  `mapstructure:"confidence_cutoff" yaml:"confidence_cutoff"`
	HighRiskIndustries []string `mapstructure:"high_risk_industries" yaml:"high_risk_industries"`
	LargeOrgSize       int      `mapstructure:"large_org_size" yaml:"large_org_size"`
	LegalPatterns      []string `mapstructure:"legal_patterns" yaml:"legal_patterns"`
}

// DefaultThresholds returns the stock rule parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceCutoff:   0.70,
		HighRiskIndustries: []string{"healthcare", "finance", "defense"},
		LargeOrgSize:       5000,
		LegalPatterns:      []string{"(?i)litigation", "(?i)regulator", "(?i)breach notification", "(?i)personal data"},
	}
}

// Config tunes the engine beyond the rule thresholds.
type Config struct {
	Thresholds      Thresholds
	HistoryWeight   float64 // influence of the EMA blend, capped at 0.30
	HistoryAlpha    float64 // EMA smoothing factor
	HistoryCapacity int     // ring capacity per industry
}

// Engine computes overall confidence and escalation decisions.
type Engine struct {
	cfg      Config
	legal    []*regexp.Regexp
	highRisk map[string]bool
	history  *historyIndex
	audit    AuditSink
	log      *zap.Logger
}

// NewEngine builds an engine from config. Invalid legal patterns are skipped
// with a warning rather than failing boot.
func NewEngine(cfg Config, audit AuditSink, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("escalation")
	if cfg.Thresholds.ConfidenceCutoff <= 0 {
		cfg.Thresholds.ConfidenceCutoff = 0.70
	}
	if cfg.HistoryWeight <= 0 || cfg.HistoryWeight > 0.30 {
		cfg.HistoryWeight = 0.30
	}
	if cfg.HistoryAlpha <= 0 || cfg.HistoryAlpha >= 1 {
		cfg.HistoryAlpha = 0.3
	}

	e := &Engine{
		cfg:      cfg,
		highRisk: make(map[string]bool, len(cfg.Thresholds.HighRiskIndustries)),
		history:  newHistoryIndex(cfg.HistoryCapacity),
		audit:    audit,
		log:      log,
	}
	for _, ind := range cfg.Thresholds.HighRiskIndustries {
		e.highRisk[strings.ToLower(strings.TrimSpace(ind))] = true
	}
	for _, p := range cfg.Thresholds.LegalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn("invalid legal-sensitivity pattern skipped", zap.String("pattern", p), zap.Error(err))
			continue
		}
		e.legal = append(e.legal, re)
	}
	return e
}

// SeedHistory preloads the per-industry confidence history, typically from
// persisted values at boot. Values are applied oldest-first.
func (e *Engine) SeedHistory(industry string, confidences []float64) {
	for _, c := range confidences {
		e.history.record(strings.ToLower(industry), c)
	}
}

// OverallConfidence computes the coverage-weighted mean of per-framework
// confidence, blended with the industry's historical EMA at no more than 30%
// influence. The fresh value is recorded into history afterwards.
func (e *Engine) OverallConfidence(industry string, findings []model.FrameworkFindings) float64 {
	var weighted, coverage float64
	for _, fw := range findings {
		n := float64(len(fw.Findings))
		if n == 0 {
			continue
		}
		weighted += fw.MeanConfidence() * n
		coverage += n
	}
	base := 0.0
	if coverage > 0 {
		base = weighted / coverage
	}

	industry = strings.ToLower(industry)
	out := base
	if hist, ok := e.history.ema(industry, e.cfg.HistoryAlpha); ok {
		w := e.cfg.HistoryWeight
		out = (1-w)*base + w*hist
	}
	e.history.record(industry, base)
	return out
}

// Evaluate applies the escalation rules in fixed priority order. The first
// matching rule fixes the type; every matching rule contributes its reason.
func (e *Engine) Evaluate(res *model.AssessmentResult) model.Escalation {
	profile := res.Profile.Normalized()
	var (
		typ     model.EscalationType
		reasons []string
	)
	match := func(t model.EscalationType, reason string) {
		if typ == "" {
			typ = t
		}
		reasons = append(reasons, reason)
	}

	if res.Degraded {
		match(model.EscalationMandatoryReview, "assessment degraded: one or more frameworks unavailable or deadline hit")
	}
	if res.OverallConfidence < e.cfg.Thresholds.ConfidenceCutoff {
		match(model.EscalationMandatoryReview,
			fmt.Sprintf("overall confidence %.3f below threshold %.2f", res.OverallConfidence, e.cfg.Thresholds.ConfidenceCutoff))
	}
	if e.highRisk[profile.Industry] {
		match(model.EscalationExpertReview, fmt.Sprintf("industry %q is configured high-risk", profile.Industry))
	}
	if e.cfg.Thresholds.LargeOrgSize > 0 && profile.Employees >= e.cfg.Thresholds.LargeOrgSize {
		match(model.EscalationExecutiveApproval,
			fmt.Sprintf("organization size %d meets large-organization threshold %d", profile.Employees, e.cfg.Thresholds.LargeOrgSize))
	}
	if ctl, ok := e.legallySensitive(res.Findings); ok {
		match(model.EscalationLegalValidation, fmt.Sprintf("finding for control %s matches legal-sensitivity rules", ctl))
	}
	if typ == "" {
		typ = model.EscalationAutoApproved
		reasons = append(reasons, "no escalation rule matched")
	}
	return model.Escalation{Type: typ, Reasons: reasons}
}

func (e *Engine) legallySensitive(findings []model.FrameworkFindings) (string, bool) {
	for _, fw := range findings {
		for _, f := range fw.Findings {
			for _, re := range e.legal {
				if re.MatchString(f.Rationale) {
					return fw.FrameworkID + "/" + f.ControlID, true
				}
			}
		}
	}
	return "", false
}

func (e *Engine) appendDecision(assessmentID string, typ string, reasons []string) {
	if e.audit == nil {
		return
	}
	d := model.EscalationDecision{
		AssessmentID: assessmentID,
		Type:         typ,
		Reasons:      reasons,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.audit.AppendDecision(d); err != nil {
		e.log.Error("failed to append escalation decision",
			zap.String("assessment_id", assessmentID),
			zap.String("type", typ),
			zap.Error(err))
	}
}
