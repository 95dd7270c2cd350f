package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type centralCommandPayload struct {
	SiteID string `json:"site_id"`

	Incident struct {
		ID          string                 `json:"id"`
		Type        string                 `json:"type"`
		Severity    string                 `json:"severity"`
		Host        string                 `json:"host"`
		Description string                 `json:"description"`
		RawData     map[string]interface{} `json:"raw_data"`
	} `json:"incident"`

	AttemptedActions  []string `json:"attempted_actions"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	Priority          Priority `json:"priority"`
}

type centralCommandResponse struct {
	TicketID      string   `json:"ticket_id"`
	Notifications []string `json:"notifications"`
}

// escalateToCentralCommand routes the ticket through the control plane,
// which looks up the partner's configured channels for this site and
// creates/tracks the ticket on our behalf. Returns the control plane's
// ticket ID on success.
func (h *Handler) escalateToCentralCommand(ctx context.Context, ticket *Ticket) (string, error) {
	if h.config.CentralCommandURL == "" || h.config.SiteID == "" {
		return "", fmt.Errorf("Central Command not configured")
	}

	url := strings.TrimRight(h.config.CentralCommandURL, "/") + "/api/escalations"

	var payload centralCommandPayload
	payload.SiteID = h.config.SiteID
	payload.Incident.ID = ticket.IncidentID
	payload.Incident.Type = ticket.IncidentType
	payload.Incident.Severity = ticket.Severity
	payload.Incident.Host = ticket.HostID
	payload.Incident.Description = ticket.EscalationReason
	payload.Incident.RawData = ticket.RawData
	payload.RecommendedAction = ticket.RecommendedAction
	payload.Priority = ticket.Priority

	for _, a := range ticket.AttemptedActions {
		if action, ok := a["action"].(string); ok {
			payload.AttemptedActions = append(payload.AttemptedActions, action)
		} else {
			payload.AttemptedActions = append(payload.AttemptedActions, fmt.Sprintf("%v", a))
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal escalation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build escalation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("X-API-Key", h.config.APIKey)
	}

	client := &http.Client{Timeout: h.config.HTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("Central Command request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("Central Command returned %d: %s", resp.StatusCode, truncateBody(respBody, 200))
	}

	var result centralCommandResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse Central Command response: %w", err)
	}
	return result.TicketID, nil
}

func truncateBody(b []byte, max int) string {
	s := string(b)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
