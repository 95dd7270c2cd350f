// Package learning is the data flywheel's promotion loop: it finds patterns
// the LLM planner has resolved consistently enough to hand to the
// deterministic engine instead, generates the L1 rule, writes it out for
// the engine's file watcher to pick up, and watches promoted rules
// afterward for regressions worth rolling back.
package learning

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbouey/msp-flake-sub001/internal/compliance"
	"github.com/jbouey/msp-flake-sub001/internal/healing"
	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
)

// commonParamKeys mirrors the deterministic engine's contextual-merge set,
// re-used here since both concerns pull the same raw_data fields.
var commonParamKeys = []string{"service_name", "target_path", "timeout", "host_id", "check_type", "severity"}

// actionParamKeys supplements commonParamKeys with action-specific fields
// worth extracting for a handful of actions whose params carry more than
// the generic set.
var actionParamKeys = map[string][]string{
	"update_to_baseline_generation": {"target_generation", "baseline_hash", "flake_url"},
	"restart_av_service":            {"av_product", "expected_hash"},
	"run_backup_job":                {"backup_repo", "backup_paths", "restic_repo", "retention_days"},
	"restart_logging_services":      {"logging_services", "log_destination"},
	"restore_firewall_baseline":     {"ruleset_path", "baseline_rules", "allowed_ports"},
}

// Config configures the learning loop.
type Config struct {
	Store   *incidentstore.Store
	RulesDir string

	// AutoPromote deploys candidates immediately; otherwise they're
	// returned for the control plane to approve out-of-band (§4.8's pull
	// path is how an approved rule eventually lands here).
	AutoPromote bool

	// RollbackOnFailureRate is the post-promotion failure rate which, once
	// exceeded across at least 3 incidents, triggers a rollback. Default 0.2.
	RollbackOnFailureRate float64

	// SampleLimit caps how many recent incidents back a candidate. Default 10.
	SampleLimit int
}

// DefaultConfig fills in spec.md §4.6's defaults, leaving Store/RulesDir for
// the caller to set.
func DefaultConfig() Config {
	return Config{
		RollbackOnFailureRate: 0.2,
		SampleLimit:           10,
	}
}

// PromotionCandidate is a pattern eligible for L1 promotion.
type PromotionCandidate struct {
	PatternSignature  string
	Stats             incidentstore.PatternStats
	SampleIncidents   []incidentstore.Incident
	RecommendedAction string
	ActionParams      map[string]interface{}
	ConfidenceScore   float64
	PromotionReason   string
}

// System is the learning loop: promotion candidate discovery, rule
// generation, write-out, and post-promotion monitoring/rollback.
type System struct {
	config   Config
	promoted map[string]time.Time
}

// New creates a learning System.
func New(cfg Config) *System {
	if cfg.RollbackOnFailureRate == 0 {
		cfg.RollbackOnFailureRate = 0.2
	}
	if cfg.SampleLimit == 0 {
		cfg.SampleLimit = 10
	}
	return &System{config: cfg, promoted: make(map[string]time.Time)}
}

// FindPromotionCandidates pulls every promotion-eligible pattern (the store
// already gates occurrence count, L2-resolution count, success rate, and
// average resolution time) and scores it for promotion.
func (sys *System) FindPromotionCandidates(ctx context.Context) ([]PromotionCandidate, error) {
	eligible, err := sys.config.Store.GetPromotionCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list promotion candidates: %w", err)
	}

	var candidates []PromotionCandidate
	for _, stats := range eligible {
		if _, already := sys.promoted[stats.PatternSignature]; already {
			continue
		}

		patternCtx, err := sys.config.Store.GetPatternContext(ctx, stats.PatternSignature, sys.config.SampleLimit)
		if err != nil {
			return nil, fmt.Errorf("pattern context for %s: %w", stats.PatternSignature, err)
		}
		if len(patternCtx.SuccessfulActions) == 0 {
			continue
		}

		topAction := patternCtx.SuccessfulActions[0]
		confidence := calculateConfidence(stats, patternCtx.SuccessfulActions)

		candidates = append(candidates, PromotionCandidate{
			PatternSignature:  stats.PatternSignature,
			Stats:             stats,
			SampleIncidents:   patternCtx.RecentIncidents,
			RecommendedAction: topAction.Action,
			ActionParams:      extractActionParams(patternCtx.RecentIncidents, topAction.Action),
			ConfidenceScore:   confidence,
			PromotionReason:   generatePromotionReason(stats, confidence),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ConfidenceScore > candidates[j].ConfidenceScore
	})

	return candidates, nil
}

// calculateConfidence implements spec.md §4.6's formula:
// clamp(success_rate + min(total/50, 0.1) + consistency*0.1 - min(days_since_last_seen/30, 0.2), 0, 1)
func calculateConfidence(stats incidentstore.PatternStats, successfulActions []incidentstore.ActionCount) float64 {
	base := stats.SuccessRate()
	occurrenceBonus := math.Min(float64(stats.TotalOccurrences)/50, 0.1)

	consistencyBonus := 0.0
	if len(successfulActions) > 0 {
		total := 0
		for _, a := range successfulActions {
			total += a.Count
		}
		if total > 0 {
			consistency := float64(successfulActions[0].Count) / float64(total)
			consistencyBonus = consistency * 0.1
		}
	}

	recencyPenalty := 0.0
	if !stats.LastSeen.IsZero() {
		daysSince := time.Since(stats.LastSeen).Hours() / 24
		recencyPenalty = math.Min(daysSince/30, 0.2)
	}

	confidence := base + occurrenceBonus + consistencyBonus - recencyPenalty
	return math.Min(math.Max(confidence, 0), 1)
}

// extractActionParams applies the majority rule across sample incidents:
// a value is kept only if it appears in at least half of them.
func extractActionParams(incidents []incidentstore.Incident, actionName string) map[string]interface{} {
	if len(incidents) == 0 {
		return map[string]interface{}{}
	}

	keys := append([]string{}, commonParamKeys...)
	keys = append(keys, actionParamKeys[actionName]...)

	type valueCount struct {
		value interface{}
		count int
	}
	counts := make(map[string]map[string]valueCount)

	for _, inc := range incidents {
		for _, key := range keys {
			v, ok := inc.RawData[key]
			if !ok {
				continue
			}
			if counts[key] == nil {
				counts[key] = make(map[string]valueCount)
			}
			valKey := fmt.Sprintf("%v", v)
			vc := counts[key][valKey]
			vc.value = v
			vc.count++
			counts[key][valKey] = vc
		}
	}

	minOccurrences := (len(incidents) + 1) / 2
	if minOccurrences < 1 {
		minOccurrences = 1
	}

	params := make(map[string]interface{})
	for key, valueCounts := range counts {
		var best valueCount
		for _, vc := range valueCounts {
			if vc.count > best.count {
				best = vc
			}
		}
		if best.count >= minOccurrences {
			params[key] = best.value
		}
	}
	return params
}

func generatePromotionReason(stats incidentstore.PatternStats, confidence float64) string {
	return fmt.Sprintf(
		"Pattern seen %d times with %.1f%% success rate. %d L2 resolutions with consistent action. Confidence: %.2f",
		stats.TotalOccurrences, stats.SuccessRate()*100, stats.L2Resolutions, confidence,
	)
}

// GenerateRule builds the L1 rule a candidate promotes to.
func (sys *System) GenerateRule(candidate PromotionCandidate) *healing.Rule {
	ruleID := fmt.Sprintf("L1-PROMOTED-%s", strings.ToUpper(truncate(candidate.PatternSignature, 8)))

	return &healing.Rule{
		ID:              ruleID,
		Name:            "Promoted: " + candidate.RecommendedAction,
		Description:     "Auto-promoted from L2. " + candidate.PromotionReason,
		Conditions:      buildConditions(candidate.SampleIncidents),
		Action:          candidate.RecommendedAction,
		ActionParams:    candidate.ActionParams,
		HIPAAControls:   hipaaControlsFor(candidate.SampleIncidents),
		SeverityFilter:  nil,
		Enabled:         true,
		Priority:        50,
		CooldownSeconds: 300,
		MaxRetries:      1,
		Source:          "promoted",
	}
}

// buildConditions derives match conditions from the first sample incident:
// always incident_type, plus check_type/drift_detected when raw_data carries them.
func buildConditions(incidents []incidentstore.Incident) []healing.RuleCondition {
	if len(incidents) == 0 {
		return nil
	}
	first := incidents[0]

	var conditions []healing.RuleCondition
	if first.IncidentType != "" {
		conditions = append(conditions, healing.RuleCondition{
			Field: "incident_type", Operator: healing.OpEquals, Value: first.IncidentType,
		})
	}
	if checkType, ok := first.RawData["check_type"]; ok {
		conditions = append(conditions, healing.RuleCondition{
			Field: "check_type", Operator: healing.OpEquals, Value: checkType,
		})
	}
	if drift, ok := first.RawData["drift_detected"].(bool); ok && drift {
		conditions = append(conditions, healing.RuleCondition{
			Field: "drift_detected", Operator: healing.OpEquals, Value: true,
		})
	}
	return conditions
}

func hipaaControlsFor(incidents []incidentstore.Incident) []string {
	if len(incidents) == 0 {
		return nil
	}
	return compliance.ControlsFor(incidents[0].IncidentType)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PromotePattern writes the candidate's generated rule to rulesDir/promoted
// and registers the promotion in the incident store. The caller must gate
// this on config.AutoPromote (or explicit human approval) — PromotePattern
// itself always deploys.
func (sys *System) PromotePattern(ctx context.Context, candidate PromotionCandidate, approvedBy string) (*healing.Rule, error) {
	rule := sys.GenerateRule(candidate)

	promotedDir := filepath.Join(sys.config.RulesDir, "promoted")
	if err := os.MkdirAll(promotedDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure promoted dir: %w", err)
	}

	ruleYAML, err := ruleWithPromotionMetadata(rule, candidate, approvedBy)
	if err != nil {
		return nil, fmt.Errorf("marshal promoted rule: %w", err)
	}

	ruleFile := filepath.Join(promotedDir, rule.ID+".yaml")
	if err := os.WriteFile(ruleFile, ruleYAML, 0644); err != nil {
		return nil, fmt.Errorf("write promoted rule: %w", err)
	}

	incidentIDs := make([]string, 0, len(candidate.SampleIncidents))
	for _, inc := range candidate.SampleIncidents {
		incidentIDs = append(incidentIDs, inc.ID)
	}
	if err := sys.config.Store.MarkPromoted(ctx, candidate.PatternSignature, string(ruleYAML), incidentIDs); err != nil {
		return nil, fmt.Errorf("mark promoted: %w", err)
	}

	sys.promoted[candidate.PatternSignature] = time.Now().UTC()
	return rule, nil
}

func ruleWithPromotionMetadata(rule *healing.Rule, candidate PromotionCandidate, approvedBy string) ([]byte, error) {
	ruleYAML, err := yaml.Marshal(rule)
	if err != nil {
		return nil, err
	}

	var asMap map[string]interface{}
	if err := yaml.Unmarshal(ruleYAML, &asMap); err != nil {
		return nil, err
	}

	if approvedBy == "" {
		approvedBy = "auto"
	}
	asMap["_promotion_metadata"] = map[string]interface{}{
		"promoted_at":           time.Now().UTC().Format(time.RFC3339),
		"promoted_by":           approvedBy,
		"confidence_score":      candidate.ConfidenceScore,
		"promotion_reason":      candidate.PromotionReason,
		"sample_incident_count": len(candidate.SampleIncidents),
		"stats": map[string]interface{}{
			"total_occurrences": candidate.Stats.TotalOccurrences,
			"success_rate":      candidate.Stats.SuccessRate(),
			"l2_resolutions":    candidate.Stats.L2Resolutions,
		},
	}

	return yaml.Marshal(asMap)
}

// Run executes one promotion cycle: find candidates, and deploy those that
// clear the bar immediately when AutoPromote is set. Candidates held back
// for approval are returned alongside whatever got deployed so the caller
// can report them to the control plane.
type RunResult struct {
	Deployed []*healing.Rule
	Pending  []PromotionCandidate
}

func (sys *System) Run(ctx context.Context) (*RunResult, error) {
	candidates, err := sys.FindPromotionCandidates(ctx)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for _, candidate := range candidates {
		if !sys.config.AutoPromote {
			result.Pending = append(result.Pending, candidate)
			continue
		}
		rule, err := sys.PromotePattern(ctx, candidate, "auto")
		if err != nil {
			return nil, fmt.Errorf("promote %s: %w", candidate.PatternSignature, err)
		}
		result.Deployed = append(result.Deployed, rule)
	}
	return result, nil
}

// RollbackResult is one promoted rule MonitorPromotedRules decided to pull.
type RollbackResult struct {
	RuleID      string
	Action      string
	Stats       incidentstore.PostPromotionStats
	RolledBackAt time.Time
}

// MonitorPromotedRules scans every rule under rulesDir/promoted (skipping
// the rolled_back subdirectory) and rolls back any whose post-promotion
// failure rate exceeds the configured threshold over at least 3 incidents.
func (sys *System) MonitorPromotedRules(ctx context.Context) ([]RollbackResult, error) {
	promotedDir := filepath.Join(sys.config.RulesDir, "promoted")
	entries, err := os.ReadDir(promotedDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list promoted rules: %w", err)
	}

	var rolledBack []RollbackResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		rulePath := filepath.Join(promotedDir, entry.Name())
		data, err := os.ReadFile(rulePath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		var asMap map[string]interface{}
		if err := yaml.Unmarshal(data, &asMap); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}

		meta, _ := asMap["_promotion_metadata"].(map[string]interface{})
		promotedAtStr, _ := meta["promoted_at"].(string)
		promotedAt, err := time.Parse(time.RFC3339, promotedAtStr)
		if err != nil {
			continue
		}

		action, _ := asMap["action"].(string)
		if action == "" {
			continue
		}

		stats, err := sys.config.Store.GetPostPromotionStats(ctx, action, promotedAt)
		if err != nil {
			return nil, fmt.Errorf("post-promotion stats for %s: %w", entry.Name(), err)
		}

		if stats.Total < 3 || stats.FailureRate <= sys.config.RollbackOnFailureRate {
			continue
		}

		ruleID, _ := asMap["id"].(string)
		if err := sys.rollbackRule(promotedDir, entry.Name(), asMap, stats); err != nil {
			return nil, fmt.Errorf("rollback %s: %w", entry.Name(), err)
		}

		rolledBack = append(rolledBack, RollbackResult{
			RuleID:       ruleID,
			Action:       action,
			Stats:        stats,
			RolledBackAt: time.Now().UTC(),
		})
	}

	return rolledBack, nil
}

func (sys *System) rollbackRule(promotedDir, fileName string, asMap map[string]interface{}, stats incidentstore.PostPromotionStats) error {
	asMap["enabled"] = false
	asMap["_rollback_metadata"] = map[string]interface{}{
		"rolled_back_at": time.Now().UTC().Format(time.RFC3339),
		"reason":         fmt.Sprintf("post-promotion failure rate %.2f exceeded threshold over %d incidents", stats.FailureRate, stats.Total),
		"total_incidents":   stats.Total,
		"failed_incidents":  stats.Failures,
	}

	out, err := yaml.Marshal(asMap)
	if err != nil {
		return err
	}

	rolledBackDir := filepath.Join(promotedDir, "rolled_back")
	if err := os.MkdirAll(rolledBackDir, 0755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(rolledBackDir, fileName), out, 0644); err != nil {
		return err
	}
	return os.Remove(filepath.Join(promotedDir, fileName))
}
