// Package escalation is the Level 3 human-escalation handler: it builds rich
// tickets for incidents that could not be resolved deterministically (L1) or
// by the LLM planner (L2), routes them to the control plane or to locally
// configured notification channels, and folds human resolution feedback
// back into the incident store for the learning loop.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbouey/msp-flake-sub001/internal/compliance"
	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
)

// Priority is the urgency tier assigned to an escalation ticket, driving
// both response-time expectation and notification fan-out.
type Priority string

const (
	PriorityLow      Priority = "low"      // email only, within 4 hours
	PriorityMedium   Priority = "medium"   // Slack + email, within 1 hour
	PriorityHigh     Priority = "high"     // PagerDuty + Slack, within 15 minutes
	PriorityCritical Priority = "critical" // PagerDuty + Slack + email, immediate
)

// Channel identifies a notification channel.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelPagerDuty Channel = "pagerduty"
	ChannelTeams     Channel = "teams"
	ChannelWebhook   Channel = "webhook"
)

// channelsForPriority implements spec.md §4.4's routing table.
func channelsForPriority(p Priority) []Channel {
	switch p {
	case PriorityCritical:
		return []Channel{ChannelPagerDuty, ChannelSlack, ChannelEmail}
	case PriorityHigh:
		return []Channel{ChannelPagerDuty, ChannelSlack}
	case PriorityMedium:
		return []Channel{ChannelSlack, ChannelEmail}
	default:
		return []Channel{ChannelEmail}
	}
}

// Config configures the escalation handler.
type Config struct {
	// Control plane routing (preferred when enabled).
	CentralCommandEnabled bool
	CentralCommandURL     string
	SiteID                string
	APIKey                string

	// Local channels, used as a fallback (or always, when the control
	// plane route is disabled).
	EmailRecipients []string

	SlackWebhookURL string
	SlackChannel    string

	PagerDutyRoutingKey string

	TeamsWebhookURL string

	WebhookURL string

	AutoAssign      bool
	DefaultAssignee string

	HTTPTimeout time.Duration
}

// DefaultConfig returns a config with the control plane disabled and no
// channels configured — callers must opt in to whichever they use.
func DefaultConfig() Config {
	return Config{
		SlackChannel: "#incidents",
		HTTPTimeout:  30 * time.Second,
	}
}

// Ticket is a rich escalation record bundling incident context, historical
// pattern data, and the eventual human resolution.
type Ticket struct {
	ID           string
	IncidentID   string
	Title        string
	Description  string
	Priority     Priority
	SiteID       string
	HostID       string
	IncidentType string
	Severity     string
	RawData      map[string]interface{}

	HistoricalContext map[string]interface{}
	SimilarIncidents  []incidentstore.Incident
	AttemptedActions  []map[string]interface{}

	CreatedAt         time.Time
	EscalationReason  string
	RecommendedAction string
	HIPAAControls     []string
	AssignedTo        string

	Status     string // "open" | "resolved"
	Resolution string
	ResolvedAt *time.Time
	Feedback   map[string]interface{}
}

// Handler is the Level 3 escalation handler.
type Handler struct {
	config  Config
	store   *incidentstore.Store
	tickets map[string]*Ticket

	notifier *notifier
}

// New creates an escalation handler backed by the given incident store.
func New(cfg Config, store *incidentstore.Store) *Handler {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Handler{
		config:   cfg,
		store:    store,
		tickets:  make(map[string]*Ticket),
		notifier: newNotifier(cfg),
	}
}

// Escalate creates an escalation ticket for incident, routes it for human
// notification, and records the escalated resolution in the incident store.
func (h *Handler) Escalate(
	ctx context.Context,
	incident *incidentstore.Incident,
	reason string,
	patternCtx *incidentstore.PatternContext,
	attemptedActions []map[string]interface{},
	recommendedAction string,
) (*Ticket, error) {
	priority := derivePriority(incident.Severity, reason)

	// Generic incident types (e.g. "drift_detected") carry the specific
	// check in raw data; classify by that when the type itself maps nothing.
	controls := compliance.ControlsFor(incident.IncidentType)
	if len(controls) == 0 {
		if checkType, ok := incident.RawData["check_type"].(string); ok {
			controls = compliance.ControlsFor(checkType)
		}
	}

	ticket := &Ticket{
		ID:                "ESC-" + uuid.NewString(),
		IncidentID:        incident.ID,
		Title:             generateTitle(incident),
		Priority:          priority,
		SiteID:            incident.SiteID,
		HostID:            incident.HostID,
		IncidentType:      incident.IncidentType,
		Severity:          incident.Severity,
		RawData:           incident.RawData,
		AttemptedActions:  attemptedActions,
		CreatedAt:         time.Now().UTC(),
		EscalationReason:  reason,
		RecommendedAction: recommendedAction,
		HIPAAControls:     controls,
		Status:            "open",
	}
	if h.config.AutoAssign {
		ticket.AssignedTo = h.config.DefaultAssignee
	}
	if patternCtx != nil {
		ticket.HistoricalContext = patternContextSummary(patternCtx)
		ticket.SimilarIncidents = patternCtx.RecentIncidents
	}
	ticket.Description = generateDescription(incident, reason, patternCtx)

	h.tickets[ticket.ID] = ticket

	if h.config.CentralCommandEnabled {
		ccID, err := h.escalateToCentralCommand(ctx, ticket)
		if err != nil {
			// Central Command is the preferred route, but a human still
			// needs to hear about this incident — fall back to local
			// notification rather than losing the escalation.
			h.notifier.sendAll(ctx, ticket, channelsForPriority(priority))
		} else if ccID != "" {
			ticket.ID = ccID
		}
	} else {
		h.notifier.sendAll(ctx, ticket, channelsForPriority(priority))
	}

	if h.store != nil {
		if err := h.store.ResolveIncident(ctx, incident.ID, incidentstore.LevelHuman, "escalated", incidentstore.OutcomeEscalated, 0); err != nil {
			return ticket, fmt.Errorf("record escalation resolution: %w", err)
		}
	}

	return ticket, nil
}

// ResolveTicket records a human's resolution of an open ticket and feeds the
// resolution/feedback back into the incident store for the learning loop.
func (h *Handler) ResolveTicket(ctx context.Context, ticketID, resolution, actionTaken string, feedback map[string]interface{}) error {
	ticket, ok := h.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s not found", ticketID)
	}

	now := time.Now().UTC()
	ticket.Status = "resolved"
	ticket.Resolution = resolution
	ticket.ResolvedAt = &now
	ticket.Feedback = feedback

	if h.store != nil && feedback != nil {
		feedbackData := map[string]interface{}{
			"ticket_id":    ticketID,
			"resolution":   resolution,
			"action_taken": actionTaken,
			"feedback":     feedback,
		}
		if err := h.store.AddHumanFeedback(ctx, ticket.IncidentID, "escalation_resolution", feedbackData); err != nil {
			return fmt.Errorf("record human feedback: %w", err)
		}
	}
	return nil
}

// OpenTickets returns all tickets still awaiting human resolution.
func (h *Handler) OpenTickets() []*Ticket {
	var open []*Ticket
	for _, t := range h.tickets {
		if t.Status == "open" {
			open = append(open, t)
		}
	}
	return open
}

// Ticket looks up a ticket by ID.
func (h *Handler) Ticket(ticketID string) (*Ticket, bool) {
	t, ok := h.tickets[ticketID]
	return t, ok
}

// derivePriority implements spec.md §4.4's severity/reason classification.
func derivePriority(severity, reason string) Priority {
	lowerSeverity := strings.ToLower(severity)
	lowerReason := strings.ToLower(reason)

	switch {
	case lowerSeverity == "critical" || strings.Contains(lowerReason, "encryption"):
		return PriorityCritical
	case lowerSeverity == "high" || strings.Contains(lowerReason, "security"):
		return PriorityHigh
	case lowerSeverity == "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func generateTitle(incident *incidentstore.Incident) string {
	return fmt.Sprintf("[%s] %s - %s", strings.ToUpper(incident.Severity), incident.IncidentType, incident.HostID)
}

func patternContextSummary(pc *incidentstore.PatternContext) map[string]interface{} {
	summary := map[string]interface{}{}
	if pc.Stats != nil {
		summary["total_occurrences"] = pc.Stats.TotalOccurrences
		summary["l1_resolutions"] = pc.Stats.L1Resolutions
		summary["l2_resolutions"] = pc.Stats.L2Resolutions
		summary["l3_resolutions"] = pc.Stats.L3Resolutions
	}
	return summary
}

func generateDescription(incident *incidentstore.Incident, reason string, pc *incidentstore.PatternContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Escalation Summary\n\n**Reason:** %s\n\n", reason)
	fmt.Fprintf(&b, "**Incident Details:**\n- Type: %s\n- Severity: %s\n- Site: %s\n- Host: %s\n- Created: %s\n\n",
		incident.IncidentType, incident.Severity, incident.SiteID, incident.HostID, incident.CreatedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "## Historical Context\n\n")
	similarCount := 0
	if pc != nil {
		similarCount = len(pc.RecentIncidents)
		total, l1, l2, l3 := 0, 0, 0, 0
		if pc.Stats != nil {
			total, l1, l2, l3 = pc.Stats.TotalOccurrences, pc.Stats.L1Resolutions, pc.Stats.L2Resolutions, pc.Stats.L3Resolutions
		}
		fmt.Fprintf(&b, "This pattern has been seen %d times before.\n- L1 Resolutions: %d\n- L2 Resolutions: %d\n- L3 Escalations: %d\n\n",
			total, l1, l2, l3)
	}
	fmt.Fprintf(&b, "%d similar incidents were found for context.\n\n", similarCount)

	fmt.Fprintf(&b, "## Recommended Actions\n\n%s\n\n", formatSuccessfulActions(pc))

	fmt.Fprintf(&b, "## HIPAA Compliance Notes\n\n%s\n\n", formatHIPAAControls(incident.IncidentType))

	fmt.Fprintf(&b, "---\n*Generated by the compliance appliance's Level 3 escalation handler*\n")
	return b.String()
}

func formatSuccessfulActions(pc *incidentstore.PatternContext) string {
	if pc == nil || len(pc.SuccessfulActions) == 0 {
		return "- No historical data available"
	}
	var lines []string
	for i, a := range pc.SuccessfulActions {
		if i >= 5 {
			break
		}
		lines = append(lines, fmt.Sprintf("- %s (%d times)", a.Action, a.Count))
	}
	return strings.Join(lines, "\n")
}

func formatHIPAAControls(incidentType string) string {
	controls := compliance.ControlsFor(incidentType)
	if len(controls) == 0 {
		return "- Review applicable controls based on incident details"
	}
	var lines []string
	for _, c := range controls {
		lines = append(lines, "- "+c)
	}
	return strings.Join(lines, "\n")
}

