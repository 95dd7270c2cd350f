package l2planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jbouey/msp-flake-sub001/internal/l2bridge"
)

// Mode selects where the L2 planner sources its decision from.
type Mode string

const (
	ModeAPI    Mode = "api"    // external provider (Anthropic Messages API)
	ModeLocal  Mode = "local"  // HTTP call to a local model endpoint
	ModeHybrid Mode = "hybrid" // local first, API fallback when local isn't confident enough
)

// PlannerConfig holds configuration for the L2 planner.
type PlannerConfig struct {
	Mode Mode // "" defaults to ModeAPI

	// API
	APIKey      string
	APIEndpoint string // Default: "https://api.anthropic.com"
	APIModel    string // Default: "claude-haiku-4-5-20251001"
	APITimeout  time.Duration
	MaxTokens   int

	// Local model endpoint, used in ModeLocal and ModeHybrid.
	LocalEndpoint string
	LocalTimeout  time.Duration

	// HybridConfidenceFloor is the minimum local confidence required before
	// falling back to the API in ModeHybrid; below it, the incident is
	// escalated directly rather than spending API budget.
	HybridConfidenceFloor float64

	// Budget
	Budget BudgetConfig

	// Guardrails
	AllowedActions []string // nil = use defaults

	// Telemetry
	TelemetryEndpoint string // Central Command API base URL
	TelemetryAPIKey   string
	SiteID            string
}

// DefaultPlannerConfig returns a config with sane defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Mode:                  ModeAPI,
		APIEndpoint:           "https://api.anthropic.com",
		APIModel:              "claude-haiku-4-5-20251001",
		APITimeout:            30 * time.Second,
		LocalTimeout:          10 * time.Second,
		HybridConfidenceFloor: 0.4,
		MaxTokens:             1024,
		Budget:                DefaultBudgetConfig(),
	}
}

// Planner is the native Go L2 LLM planner.
// It has the same method signatures as l2bridge.Client for easy daemon swap.
type Planner struct {
	config    PlannerConfig
	client    *http.Client
	scrubber  *PHIScrubber
	guardrail *Guardrails
	budget    *BudgetTracker
	telemetry *TelemetryReporter
}

// NewPlanner creates a new L2 planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = "https://api.anthropic.com"
	}
	if cfg.APIModel == "" {
		cfg.APIModel = "claude-haiku-4-5-20251001"
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAPI
	}
	if cfg.LocalTimeout == 0 {
		cfg.LocalTimeout = 10 * time.Second
	}
	if cfg.HybridConfidenceFloor == 0 {
		cfg.HybridConfidenceFloor = 0.4
	}

	p := &Planner{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.APITimeout,
		},
		scrubber:  NewPHIScrubber(),
		guardrail: NewGuardrails(cfg.AllowedActions),
		budget:    NewBudgetTracker(cfg.Budget),
	}

	if cfg.TelemetryEndpoint != "" && cfg.TelemetryAPIKey != "" {
		p.telemetry = NewTelemetryReporter(cfg.TelemetryEndpoint, cfg.TelemetryAPIKey, cfg.SiteID)
	}

	return p
}

// IsConnected returns true if the planner has an API key configured.
// (Unlike the l2bridge.Client which checks socket connection, we just check config.)
func (p *Planner) IsConnected() bool {
	return p.config.APIKey != ""
}

// Plan routes an incident to the configured mode (api/local/hybrid) and
// returns the resulting LLM decision, after PHI scrubbing and guardrails.
// Flow: PHI scrub → mode-specific call → parse → guardrails → return
func (p *Planner) Plan(incident *l2bridge.Incident) (*l2bridge.LLMDecision, error) {
	scrubbedIncident := *incident // shallow copy
	if incident.RawData != nil {
		scrubbedIncident.RawData = p.scrubber.ScrubMap(incident.RawData)
	}

	// Log PHI categories found
	if incident.RawData != nil {
		for k, v := range incident.RawData {
			if str, ok := v.(string); ok {
				if cats := p.scrubber.ScrubReport(str); len(cats) > 0 {
					log.Printf("[l2planner] PHI scrubbed from %s: %v", k, cats)
				}
			}
		}
	}

	var decision *l2bridge.LLMDecision
	var err error

	switch p.config.Mode {
	case ModeLocal:
		decision, err = p.planLocal(&scrubbedIncident)
	case ModeHybrid:
		decision, err = p.planHybrid(&scrubbedIncident)
	default:
		decision, err = p.planAPI(&scrubbedIncident)
	}
	if err != nil {
		return nil, err
	}

	// Apply guardrails (spec-ordered: allow-list, dangerous-pattern scan,
	// confidence floor, dangerous-action approval)
	check := p.guardrail.CheckDecision(decision.RecommendedAction, decision.ActionParams, decision.Reasoning, decision.Confidence)
	if check.Reason != "" {
		log.Printf("[l2planner] Guardrails: %s (escalate=%v approval=%v security_violation=%v)",
			check.Reason, check.Escalate, check.RequiresApproval, check.SecurityViolation)
		decision.Reasoning = fmt.Sprintf("Guardrails: %s. Original: %s", check.Reason, decision.Reasoning)
	}
	if check.Escalate {
		decision.EscalateToL3 = true
	}
	if check.RequiresApproval {
		decision.RequiresApproval = true
	}
	decision.Confidence = check.Confidence

	return decision, nil
}

// planAPI runs the Anthropic Messages API path: budget check → build prompt
// → call → parse-or-escalate. Used directly in ModeAPI, and as the fallback
// leg of ModeHybrid.
func (p *Planner) planAPI(incident *l2bridge.Incident) (*l2bridge.LLMDecision, error) {
	if err := p.budget.CheckBudget(); err != nil {
		return nil, fmt.Errorf("L2 budget: %w", err)
	}

	release, ok := p.budget.TryAcquire()
	if !ok {
		return nil, fmt.Errorf("L2 concurrency limit reached")
	}
	defer release()

	apiReq := BuildRequest(p.config.APIModel, p.config.MaxTokens, incident)

	start := time.Now()
	apiResp, err := p.callAPI(apiReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("L2 API call (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	log.Printf("[l2planner] API response in %v (input=%d, output=%d tokens)",
		elapsed.Round(time.Millisecond), apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens)

	cost := p.budget.RecordCost(apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens)
	log.Printf("[l2planner] Cost: $%.6f (budget remaining: $%.4f)",
		cost, p.budget.Stats().DailyRemaining)

	decision, err := ParseResponse(apiResp, incident.ID)
	if err != nil {
		rawText := ""
		if len(apiResp.Content) > 0 {
			rawText = apiResp.Content[0].Text
		}
		log.Printf("[l2planner] failed to parse decision (%v), forcing escalation", err)
		decision = escalateOnParseFailure(incident.ID, rawText)
	}

	decision.ContextUsed = map[string]interface{}{
		"input_tokens":  apiResp.Usage.InputTokens,
		"output_tokens": apiResp.Usage.OutputTokens,
		"cost_usd":      cost,
		"latency_ms":    elapsed.Milliseconds(),
		"model":         p.config.APIModel,
	}

	return decision, nil
}

// planLocal runs the local-model-endpoint path. It spends no API budget,
// so it has no budget check or concurrency acquisition.
func (p *Planner) planLocal(incident *l2bridge.Incident) (*l2bridge.LLMDecision, error) {
	if p.config.LocalEndpoint == "" {
		return nil, fmt.Errorf("L2 local mode: no LocalEndpoint configured")
	}

	localReq := BuildLocalRequest(incident)

	start := time.Now()
	localResp, err := p.callLocal(localReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("L2 local call (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	log.Printf("[l2planner] local response in %v", elapsed.Round(time.Millisecond))

	decision, err := decisionFromText(localResp.Text, incident.ID)
	if err != nil {
		log.Printf("[l2planner] failed to parse local decision (%v), forcing escalation", err)
		decision = escalateOnParseFailure(incident.ID, localResp.Text)
	}

	decision.ContextUsed = map[string]interface{}{
		"latency_ms": elapsed.Milliseconds(),
		"model":      "local",
	}

	return decision, nil
}

// planHybrid calls the local model first. A sufficiently confident,
// non-escalating local decision is used as-is with no API spend. A local
// decision below HybridConfidenceFloor is escalated directly, also with no
// API spend. Anything in between falls through to the API as a fallback.
func (p *Planner) planHybrid(incident *l2bridge.Incident) (*l2bridge.LLMDecision, error) {
	decision, err := p.planLocal(incident)
	if err != nil {
		log.Printf("[l2planner] local call failed in hybrid mode (%v), falling back to API", err)
		return p.planAPI(incident)
	}

	if !decision.EscalateToL3 && decision.Confidence >= 0.7 {
		return decision, nil
	}

	if decision.Confidence < p.config.HybridConfidenceFloor {
		decision.RecommendedAction = "escalate"
		decision.EscalateToL3 = true
		decision.RequiresApproval = true
		decision.Reasoning = fmt.Sprintf("local confidence %.2f below hybrid floor %.2f: %s",
			decision.Confidence, p.config.HybridConfidenceFloor, decision.Reasoning)
		return decision, nil
	}

	return p.planAPI(incident)
}

// PlanWithRetry attempts to plan with retries on transient failures.
func (p *Planner) PlanWithRetry(incident *l2bridge.Incident, maxRetries int) (*l2bridge.LLMDecision, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[l2planner] Retry %d/%d after error: %v", attempt, maxRetries, lastErr)
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		decision, err := p.Plan(incident)
		if err == nil {
			return decision, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("L2 plan failed after %d retries: %w", maxRetries, lastErr)
}

// ReportExecution sends an execution outcome to Central Command for the data flywheel.
func (p *Planner) ReportExecution(
	incident *l2bridge.Incident,
	decision *l2bridge.LLMDecision,
	success bool,
	execErr string,
	durationMs int64,
) {
	if p.telemetry == nil {
		return
	}

	inputTokens, _ := decision.ContextUsed["input_tokens"].(int)
	outputTokens, _ := decision.ContextUsed["output_tokens"].(int)

	p.telemetry.ReportExecution(incident, decision, success, execErr, durationMs, inputTokens, outputTokens)
}

// Stats returns current budget statistics.
func (p *Planner) Stats() BudgetStats {
	return p.budget.Stats()
}

// Close is a no-op for the native planner (no persistent connection).
func (p *Planner) Close() {
	// No-op: HTTP client doesn't need cleanup
}

// callAPI sends a request to the Anthropic Messages API.
func (p *Planner) callAPI(req AnthropicRequest) (*AnthropicResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.config.APIEndpoint + "/v1/messages"

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var apiResp AnthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse API response: %w", err)
	}

	return &apiResp, nil
}

// callLocal sends a request to the configured local model endpoint.
func (p *Planner) callLocal(req LocalRequest) (*LocalResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, p.config.LocalEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: p.config.LocalTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var localResp LocalResponse
	if err := json.Unmarshal(respBody, &localResp); err != nil {
		return nil, fmt.Errorf("parse local response: %w", err)
	}

	return &localResp, nil
}
