package l2planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jbouey/msp-flake-sub001/internal/l2bridge"
)

// truncate shortens a string to max characters, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// systemPrompt is sent as the Anthropic "system" field on every call. It
// forbids PHI exposure, restricts the model to the allowed-action list, and
// mandates the structured decision schema the rest of this package parses.
var systemPrompt = fmt.Sprintf(`You are the L2 automated remediation planner for a HIPAA-compliant
managed infrastructure appliance. You receive a drift/failure incident that
the deterministic L1 rules engine could not resolve and must decide how to
remediate it.

Rules:
1. Never request, infer, or reproduce any patient health information (PHI).
   All incident fields you receive have already been scrubbed of PHI; treat
   any PHI-shaped content you still see as already redacted and do not try
   to reconstruct it.
2. "recommended_action" MUST be one of: %s.
   If none of these actions resolves the incident, set recommended_action
   to "escalate".
3. Respond with a single JSON object and nothing else, using exactly these
   fields:
   {
     "recommended_action": "<one of the allowed actions>",
     "action_params": { ... },
     "confidence": <float 0.0-1.0>,
     "reasoning": "<short explanation>",
     "runbook_id": "<optional runbook identifier>",
     "requires_approval": <bool>,
     "escalate_to_l3": <bool>
   }

Be conservative: if you are not confident the action is safe and correct,
set escalate_to_l3 to true and explain why in reasoning.`, strings.Join(DefaultAllowedActions, ", "))

// BuildUserPrompt renders the incident into the user-turn prompt text.
func BuildUserPrompt(incident *l2bridge.Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, "INCIDENT DETAILS\n")
	fmt.Fprintf(&b, "incident_id: %s\n", incident.ID)
	fmt.Fprintf(&b, "site_id: %s\n", incident.SiteID)
	fmt.Fprintf(&b, "host_id: %s\n", incident.HostID)
	fmt.Fprintf(&b, "incident_type: %s\n", incident.IncidentType)
	fmt.Fprintf(&b, "severity: %s\n", incident.Severity)
	fmt.Fprintf(&b, "created_at: %s\n", incident.CreatedAt)
	if incident.PatternSignature != "" {
		fmt.Fprintf(&b, "pattern_signature: %s\n", incident.PatternSignature)
	}

	fmt.Fprintf(&b, "\nCONTEXT DATA\n")
	if len(incident.RawData) == 0 {
		fmt.Fprintf(&b, "(none)\n")
	} else {
		rawJSON, err := json.MarshalIndent(incident.RawData, "", "  ")
		if err == nil {
			b.Write(rawJSON)
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nDecide the remediation action and respond with the required JSON object only.\n")
	return b.String()
}

// Message is a single Anthropic Messages API turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LocalRequest is the request body posted to a local model endpoint in
// ModeLocal/ModeHybrid. Local servers are expected to speak a plain
// prompt/completion protocol rather than the Anthropic Messages envelope.
type LocalRequest struct {
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

// LocalResponse is the relevant subset of a local model endpoint's reply.
type LocalResponse struct {
	Text string `json:"text"`
}

// BuildLocalRequest assembles the local-endpoint request for a single incident.
func BuildLocalRequest(incident *l2bridge.Incident) LocalRequest {
	return LocalRequest{
		System: systemPrompt,
		Prompt: BuildUserPrompt(incident),
	}
}

// AnthropicRequest is the request body for POST /v1/messages.
type AnthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
}

// AnthropicResponse is the relevant subset of the Messages API response.
type AnthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BuildRequest assembles the API request for a single incident.
func BuildRequest(model string, maxTokens int, incident *l2bridge.Incident) AnthropicRequest {
	return AnthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []Message{
			{Role: "user", Content: BuildUserPrompt(incident)},
		},
	}
}

// LLMResponsePayload mirrors the JSON decision schema systemPrompt mandates.
// It is the shape embedded as text in an AnthropicResponse/LocalResponse,
// exported so callers (tests, local-model adapters) can construct one
// directly rather than hand-writing the JSON.
type LLMResponsePayload struct {
	RecommendedAction string                 `json:"recommended_action"`
	ActionParams      map[string]interface{} `json:"action_params"`
	Confidence        float64                `json:"confidence"`
	Reasoning         string                 `json:"reasoning"`
	RunbookID         string                 `json:"runbook_id"`
	RequiresApproval  bool                   `json:"requires_approval"`
	EscalateToL3      bool                   `json:"escalate_to_l3"`
}

// ParseResponse extracts the decision JSON object from the model's text
// reply and converts it into an l2bridge.LLMDecision. The model is only
// ever asked to emit a bare JSON object, but in practice responses are
// sometimes wrapped in a fenced code block or preceded/followed by prose,
// so the JSON is located with a brace-balanced scan rather than assuming
// resp.Content[0].Text is valid JSON on its own.
func ParseResponse(resp *AnthropicResponse, incidentID string) (*l2bridge.LLMDecision, error) {
	if len(resp.Content) == 0 || resp.Content[0].Text == "" {
		return nil, fmt.Errorf("empty response from model")
	}
	return decisionFromText(resp.Content[0].Text, incidentID)
}

// decisionFromText parses a model's raw text reply (API or local) into an
// l2bridge.LLMDecision, sharing the same brace-balanced extraction and
// schema validation regardless of which backend produced the text.
func decisionFromText(text string, incidentID string) (*l2bridge.LLMDecision, error) {
	objJSON, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("locate JSON object in response: %w", err)
	}

	var raw LLMResponsePayload
	if err := json.Unmarshal([]byte(objJSON), &raw); err != nil {
		return nil, fmt.Errorf("parse decision JSON: %w", err)
	}

	if raw.RecommendedAction == "" {
		return nil, fmt.Errorf("decision missing recommended_action")
	}

	return &l2bridge.LLMDecision{
		IncidentID:        incidentID,
		RecommendedAction: raw.RecommendedAction,
		ActionParams:      raw.ActionParams,
		Confidence:        raw.Confidence,
		Reasoning:         raw.Reasoning,
		RunbookID:         raw.RunbookID,
		RequiresApproval:  raw.RequiresApproval,
		EscalateToL3:      raw.EscalateToL3,
	}, nil
}

// extractJSONObject finds the first balanced {...} span in s, tolerating
// surrounding prose or a ```json fenced block, and returns it verbatim.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object")
}

// escalateOnParseFailure builds a forced-escalation decision when the
// model's reply could not be parsed at all, carrying the raw (truncated)
// response as the reasoning so a human can see what the model actually said.
func escalateOnParseFailure(incidentID, rawResponse string) *l2bridge.LLMDecision {
	return &l2bridge.LLMDecision{
		IncidentID:        incidentID,
		RecommendedAction: "escalate",
		ActionParams:      map[string]interface{}{},
		Confidence:        0,
		Reasoning:         "unparseable model response: " + truncate(rawResponse, 500),
		RequiresApproval:  true,
		EscalateToL3:      true,
	}
}
