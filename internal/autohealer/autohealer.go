// Package autohealer is the tiered-dispatch entry point tying the
// deterministic engine (L1), the LLM planner (L2), and the human escalation
// handler (L3) to one incident, with flap protection in front of all three.
package autohealer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jbouey/msp-flake-sub001/internal/escalation"
	"github.com/jbouey/msp-flake-sub001/internal/healing"
	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
	"github.com/jbouey/msp-flake-sub001/internal/l2bridge"
	"github.com/jbouey/msp-flake-sub001/internal/l2planner"
)

// commonParamKeys mirrors the learning subsystem's common-keys set: raw_data
// fields worth surfacing to an action even when the matched rule didn't
// already parametrize on them.
var commonParamKeys = []string{"service_name", "target_path", "timeout", "host_id", "check_type", "severity"}

// Config configures a Healer. L2 and Escalation may be nil to disable those
// tiers (a nil L2 always falls through to L3; Escalation must not be nil in
// a production deployment, but tests may omit it for an L1/L2-only check).
type Config struct {
	Store      *incidentstore.Store
	L1         *healing.Engine
	L2         *l2planner.Planner
	Escalation *escalation.Handler

	// L2Executor runs the action an L2 decision recommends (the L1 engine
	// takes its own executor at construction). Defaults to a dry-run no-op
	// so the pipeline is exercisable without a live target.
	L2Executor healing.ActionExecutor

	// MaxHealAttempts is the circuit breaker's trip threshold within
	// CircuitWindow (spec default: 5 attempts / 10 minutes).
	MaxHealAttempts int
	CircuitWindow    time.Duration
	CooldownPeriod   time.Duration

	// MaxFlapCount is how many successful heals within FlapWindow indicate
	// an external override is undoing the fix (spec default: 3 / 120min).
	MaxFlapCount int
	FlapWindow   time.Duration
}

// DefaultConfig fills in spec.md §4.5's defaults, leaving Store/L1/L2/
// Escalation for the caller to set.
func DefaultConfig() Config {
	return Config{
		MaxHealAttempts: 5,
		CircuitWindow:   10 * time.Minute,
		CooldownPeriod:  30 * time.Minute,
		MaxFlapCount:    3,
		FlapWindow:      120 * time.Minute,
	}
}

// Tier identifies which layer ultimately resolved (or failed to resolve) an
// incident.
type Tier string

const (
	TierL1         Tier = "L1"
	TierL2         Tier = "L2"
	TierL3         Tier = "L3"
	TierSuppressed Tier = "suppressed"
)

// HealingResult is the outcome of one Heal call.
type HealingResult struct {
	IncidentID string
	Tier       Tier
	Action     string
	Success    bool
	Suppressed bool
	Reason     string
	Ticket     *escalation.Ticket
}

// Healer implements the tiered-dispatch algorithm of spec.md §4.5.
type Healer struct {
	config Config

	// l2Enabled gates the L2 tier independent of whether a planner is
	// configured — the operator can disable L2 (or require manual
	// approval, which this package treats the same as disabled, since
	// approval queueing is a policy concern above tiered dispatch) at
	// runtime via SetL2Enabled without rebuilding the Healer.
	l2Enabled atomic.Bool

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	flaps    map[string][]time.Time // circuit key -> successful-heal timestamps
}

// New creates a Healer. cfg.Store/L1 must be set; L2/Escalation may be nil.
// L2 starts enabled; call SetL2Enabled(false) to force L1-only dispatch.
func New(cfg Config) *Healer {
	if cfg.MaxHealAttempts == 0 {
		def := DefaultConfig()
		cfg.MaxHealAttempts = def.MaxHealAttempts
		cfg.CircuitWindow = def.CircuitWindow
		cfg.CooldownPeriod = def.CooldownPeriod
		cfg.MaxFlapCount = def.MaxFlapCount
		cfg.FlapWindow = def.FlapWindow
	}
	if cfg.L2Executor == nil {
		cfg.L2Executor = dryRunExecutor
	}
	h := &Healer{
		config:   cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		flaps:    make(map[string][]time.Time),
	}
	h.l2Enabled.Store(true)
	return h
}

// SetL2Enabled toggles the L2 tier at runtime. Disabling it makes Heal
// behave as if no planner were configured: no L1 match falls straight
// through to L3 escalation.
func (h *Healer) SetL2Enabled(enabled bool) {
	h.l2Enabled.Store(enabled)
}

// Heal runs one incident through the full tiered-dispatch pipeline.
func (h *Healer) Heal(ctx context.Context, siteID, hostID, incidentType, severity string, rawData map[string]interface{}) (*HealingResult, error) {
	flapType := flapKey(incidentType, rawData)
	circuitKey := siteID + ":" + hostID + ":" + flapType

	// 2. Persistent flap suppression.
	suppressed, err := h.config.Store.IsFlapSuppressed(ctx, siteID, hostID, flapType)
	if err != nil {
		return nil, fmt.Errorf("check flap suppression: %w", err)
	}
	if suppressed {
		return &HealingResult{Tier: TierSuppressed, Suppressed: true, Reason: "flap-suppressed"}, nil
	}

	// 3. Circuit breaker. gobreaker only consults ReadyToTrip after a failed
	// request, so each attempt made while closed is reported as a failure to
	// count it against MaxHealAttempts; the half-open probe after the
	// cooldown is reported as a success so the breaker closes again.
	breaker := h.breakerFor(circuitKey)
	probe := breaker.State() == gobreaker.StateHalfOpen
	errAttempt := fmt.Errorf("heal attempt")
	if _, err := breaker.Execute(func() (interface{}, error) {
		if probe {
			return nil, nil
		}
		return nil, errAttempt
	}); err != nil && err != errAttempt {
		log.Printf("[autohealer] circuit open for %s, returning synthetic escalation", circuitKey)
		return &HealingResult{Tier: TierSuppressed, Suppressed: true, Reason: "circuit-breaker-open"}, nil
	}

	// 5. Create the incident.
	incident, err := h.config.Store.CreateIncident(ctx, siteID, hostID, incidentType, severity, rawData)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	// 6. L1 deterministic match.
	match := h.config.L1.Match(incident.ID, incidentType, severity, rawData)
	if match != nil && match.Action != "escalate" {
		mergeContextualParams(match.ActionParams, rawData)
		result := h.config.L1.Execute(match, siteID, hostID)

		outcome := incidentstore.OutcomeFailure
		if result.Success {
			outcome = incidentstore.OutcomeSuccess
		}
		if err := h.config.Store.ResolveIncident(ctx, incident.ID, incidentstore.LevelDeterministic, match.Action, outcome, result.DurationMs); err != nil {
			return nil, fmt.Errorf("record L1 resolution: %w", err)
		}

		if result.Success {
			h.recordSuccessfulHeal(ctx, siteID, hostID, flapType, circuitKey)
		}

		return &HealingResult{
			IncidentID: incident.ID,
			Tier:       TierL1,
			Action:     match.Action,
			Success:    result.Success,
			Reason:     result.Error,
		}, nil
	}

	// 7. L2 LLM planner, if available and not administratively disabled.
	if h.l2Enabled.Load() && h.config.L2 != nil && h.config.L2.IsConnected() {
		l2Incident := &l2bridge.Incident{
			ID:           incident.ID,
			SiteID:       siteID,
			HostID:       hostID,
			IncidentType: incidentType,
			Severity:     severity,
			RawData:      rawData,
			CreatedAt:    incident.CreatedAt.Format(time.RFC3339),
		}

		decision, err := h.config.L2.PlanWithRetry(l2Incident, 1)
		if err == nil && !decision.RequiresApproval && !decision.EscalateToL3 {
			// The decision's own action_params rarely carry execution
			// transport details (target creds, platform) — those live on
			// the incident's raw data, so fold in anything the decision
			// didn't already set.
			decision.ActionParams = mergeAllParams(decision.ActionParams, rawData)
			if decision.RunbookID != "" {
				if _, exists := decision.ActionParams["runbook_id"]; !exists {
					decision.ActionParams["runbook_id"] = decision.RunbookID
				}
			}

			start := time.Now()
			_, execErr := h.config.L2Executor(decision.RecommendedAction, decision.ActionParams, siteID, hostID)
			durationMs := time.Since(start).Milliseconds()

			success := execErr == nil
			outcome := incidentstore.OutcomeFailure
			if success {
				outcome = incidentstore.OutcomeSuccess
			}
			if err := h.config.Store.ResolveIncident(ctx, incident.ID, incidentstore.LevelLLM, decision.RecommendedAction, outcome, durationMs); err != nil {
				return nil, fmt.Errorf("record L2 resolution: %w", err)
			}
			if h.config.L2 != nil {
				errMsg := ""
				if execErr != nil {
					errMsg = execErr.Error()
				}
				h.config.L2.ReportExecution(l2Incident, decision, success, errMsg, durationMs)
			}

			if success {
				h.recordSuccessfulHeal(ctx, siteID, hostID, flapType, circuitKey)
			}

			reason := ""
			if execErr != nil {
				reason = execErr.Error()
			}
			return &HealingResult{
				IncidentID: incident.ID,
				Tier:       TierL2,
				Action:     decision.RecommendedAction,
				Success:    success,
				Reason:     reason,
			}, nil
		}

		reason := "L2 escalated"
		if err != nil {
			reason = "L2 plan failed: " + err.Error()
		} else if decision.Reasoning != "" {
			reason = decision.Reasoning
		}
		return h.escalate(ctx, incident, reason, nil, decision)
	}

	// 8. L3: no L1 match, no L2 available (or L2 disabled).
	return h.escalate(ctx, incident, "No L1 rule match, L2 not available", nil, nil)
}

func (h *Healer) escalate(ctx context.Context, incident *incidentstore.Incident, reason string, attemptedActions []map[string]interface{}, decision *l2bridge.LLMDecision) (*HealingResult, error) {
	if h.config.Escalation == nil {
		return &HealingResult{IncidentID: incident.ID, Tier: TierL3, Success: false, Reason: reason}, nil
	}

	patternCtx, err := h.config.Store.GetPatternContext(ctx, incident.PatternSignature, 10)
	if err != nil {
		log.Printf("[autohealer] pattern context lookup failed for %s: %v", incident.ID, err)
		patternCtx = nil
	}

	recommendedAction := ""
	if decision != nil {
		recommendedAction = decision.RecommendedAction
	}

	ticket, err := h.config.Escalation.Escalate(ctx, incident, reason, patternCtx, attemptedActions, recommendedAction)
	if err != nil {
		return nil, fmt.Errorf("escalate: %w", err)
	}

	return &HealingResult{
		IncidentID: incident.ID,
		Tier:       TierL3,
		Success:    false,
		Reason:     reason,
		Ticket:     ticket,
	}, nil
}

// recordSuccessfulHeal implements the in-memory flap detector (step 4): a
// resolve→recur pattern within FlapWindow, seen MaxFlapCount times, means
// something keeps undoing the fix — persist a suppression rather than keep
// re-healing forever.
func (h *Healer) recordSuccessfulHeal(ctx context.Context, siteID, hostID, flapType, circuitKey string) {
	h.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-h.config.FlapWindow)
	times := h.flaps[circuitKey]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	h.flaps[circuitKey] = kept
	count := len(kept)
	h.mu.Unlock()

	if count < h.config.MaxFlapCount {
		return
	}

	if err := h.config.Store.RecordFlapSuppression(ctx, siteID, hostID, flapType,
		fmt.Sprintf("resolved %d times within %s — likely external override", count, h.config.FlapWindow)); err != nil {
		log.Printf("[autohealer] failed to record flap suppression for %s: %v", circuitKey, err)
	}
}

func (h *Healer) breakerFor(circuitKey string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[circuitKey]; ok {
		return cb
	}

	maxAttempts := uint32(h.config.MaxHealAttempts)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        circuitKey,
		MaxRequests: 1,
		Interval:    h.config.CircuitWindow,
		Timeout:     h.config.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= maxAttempts
		},
	})
	h.breakers[circuitKey] = cb
	return cb
}

// flapKey implements step 1's granular key: the check type alone, unless a
// runbook is bound, in which case distinct runbooks for the same check type
// get independent circuits.
func flapKey(incidentType string, rawData map[string]interface{}) string {
	if runbookID, ok := rawData["runbook_id"].(string); ok && runbookID != "" {
		return incidentType + ":" + runbookID
	}
	return incidentType
}

// mergeContextualParams fills in any of the common param keys missing from
// the matched rule's action params, using the raw incident data.
func mergeContextualParams(params map[string]interface{}, rawData map[string]interface{}) {
	for _, key := range commonParamKeys {
		if _, exists := params[key]; exists {
			continue
		}
		if v, ok := rawData[key]; ok {
			params[key] = v
		}
	}
}

// mergeAllParams fills in every rawData key missing from params, allocating
// params if the decision carried none.
func mergeAllParams(params map[string]interface{}, rawData map[string]interface{}) map[string]interface{} {
	if params == nil {
		params = make(map[string]interface{}, len(rawData))
	}
	for k, v := range rawData {
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}
	return params
}

// dryRunExecutor is the default L2 action executor (§4.10 seam): the
// production daemon injects a platform-specific executor (WinRM/SSH).
func dryRunExecutor(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error) {
	return map[string]interface{}{"success": true, "dry_run": true}, nil
}
