package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/slack-go/slack"
)

// notifier dispatches a ticket to whichever locally configured channels
// apply. Central Command is the preferred route (see central_command.go);
// this is the fallback used when it's disabled or fails.
type notifier struct {
	config Config
	client *http.Client

	// pagerDutyURL defaults to the real PagerDuty Events v2 endpoint; tests
	// override it to point at a local server.
	pagerDutyURL string
}

func newNotifier(cfg Config) *notifier {
	return &notifier{
		config:       cfg,
		client:       &http.Client{Timeout: cfg.HTTPTimeout},
		pagerDutyURL: "https://events.pagerduty.com/v2/enqueue",
	}
}

// sendAll fans the ticket out to every channel in channels, logging (not
// failing) individual delivery errors — one broken webhook shouldn't stop
// the others from getting the ticket.
func (n *notifier) sendAll(ctx context.Context, ticket *Ticket, channels []Channel) {
	for _, ch := range channels {
		var err error
		switch ch {
		case ChannelEmail:
			err = n.sendEmail(ticket)
		case ChannelSlack:
			err = n.sendSlack(ctx, ticket)
		case ChannelPagerDuty:
			err = n.sendPagerDuty(ctx, ticket)
		case ChannelTeams:
			err = n.sendTeams(ctx, ticket)
		case ChannelWebhook:
			err = n.sendWebhook(ctx, ticket)
		}
		if err != nil {
			log.Printf("[escalation] %s notification failed for ticket %s: %v", ch, ticket.ID, err)
		}
	}
}

// sendEmail is a stub: the appliance has no outbound SMTP relay configured
// in this deployment model, so email delivery is left to the MSP's existing
// ticketing/alerting integration. This logs intent so the attempt is still
// auditable.
func (n *notifier) sendEmail(ticket *Ticket) error {
	if len(n.config.EmailRecipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	log.Printf("[escalation] email notification for ticket %s to %v: %s", ticket.ID, n.config.EmailRecipients, ticket.Title)
	return nil
}

var slackPriorityEmoji = map[Priority]string{
	PriorityCritical: "\U0001F6A8",
	PriorityHigh:     "\U0001F534",
	PriorityMedium:   "\U0001F7E1",
	PriorityLow:      "\U0001F535",
}

func (n *notifier) sendSlack(ctx context.Context, ticket *Ticket) error {
	if n.config.SlackWebhookURL == "" {
		return fmt.Errorf("no Slack webhook configured")
	}

	emoji, ok := slackPriorityEmoji[ticket.Priority]
	if !ok {
		emoji = "⚪"
	}

	headerBlock := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		fmt.Sprintf("%s Escalation: %s", emoji, ticket.Title), false, false))

	fieldsBlock := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Ticket:*\n%s", ticket.ID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Priority:*\n%s", ticket.Priority), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Site:*\n%s", ticket.SiteID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Host:*\n%s", ticket.HostID), false, false),
	}, nil)

	reasonBlock := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Reason:* %s", ticket.EscalationReason), false, false),
		nil, nil,
	)

	blocks := []slack.Block{headerBlock, fieldsBlock, reasonBlock}
	if ticket.RecommendedAction != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Recommended Action:* `%s`", ticket.RecommendedAction), false, false),
			nil, nil,
		))
	}

	msg := &slack.WebhookMessage{
		Channel:   n.config.SlackChannel,
		Username:  "Compliance Appliance",
		IconEmoji: ":robot_face:",
		Blocks:    &slack.Blocks{BlockSet: blocks},
	}

	return slack.PostWebhookContext(ctx, n.config.SlackWebhookURL, msg)
}

var pagerDutySeverity = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "error",
	PriorityMedium:   "warning",
	PriorityLow:      "info",
}

type pagerDutyEvent struct {
	RoutingKey  string            `json:"routing_key"`
	EventAction string            `json:"event_action"`
	DedupKey    string            `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string                 `json:"summary"`
	Severity      string                 `json:"severity"`
	Source        string                 `json:"source"`
	Component     string                 `json:"component"`
	Group         string                 `json:"group"`
	Class         string                 `json:"class"`
	CustomDetails map[string]interface{} `json:"custom_details"`
}

func (n *notifier) sendPagerDuty(ctx context.Context, ticket *Ticket) error {
	if n.config.PagerDutyRoutingKey == "" {
		return fmt.Errorf("no PagerDuty routing key configured")
	}

	event := pagerDutyEvent{
		RoutingKey:  n.config.PagerDutyRoutingKey,
		EventAction: "trigger",
		DedupKey:    ticket.ID,
		Payload: pagerDutyPayload{
			Summary:   ticket.Title,
			Severity:  pagerDutySeverity[ticket.Priority],
			Source:    ticket.SiteID + "/" + ticket.HostID,
			Component: ticket.IncidentType,
			Group:     ticket.SiteID,
			Class:     "compliance",
			CustomDetails: map[string]interface{}{
				"ticket_id":          ticket.ID,
				"incident_id":        ticket.IncidentID,
				"escalation_reason":  ticket.EscalationReason,
				"recommended_action": ticket.RecommendedAction,
				"hipaa_controls":     ticket.HIPAAControls,
			},
		},
	}

	return n.postJSON(ctx, n.pagerDutyURL, event, http.StatusOK, http.StatusAccepted)
}

var teamsThemeColor = map[Priority]string{
	PriorityCritical: "FF0000",
	PriorityHigh:     "FF6600",
	PriorityMedium:   "FFCC00",
	PriorityLow:      "0078D4",
}

type teamsCard struct {
	Type        string        `json:"@type"`
	Context     string        `json:"@context"`
	ThemeColor  string        `json:"themeColor"`
	Summary     string        `json:"summary"`
	Sections    []teamsSection `json:"sections"`
}

type teamsSection struct {
	ActivityTitle string       `json:"activityTitle"`
	Facts         []teamsFact  `json:"facts"`
	Markdown      bool         `json:"markdown"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (n *notifier) sendTeams(ctx context.Context, ticket *Ticket) error {
	if n.config.TeamsWebhookURL == "" {
		return fmt.Errorf("no Teams webhook configured")
	}

	card := teamsCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: teamsThemeColor[ticket.Priority],
		Summary:    ticket.Title,
		Sections: []teamsSection{{
			ActivityTitle: "\U0001F514 " + ticket.Title,
			Facts: []teamsFact{
				{Name: "Ticket ID", Value: ticket.ID},
				{Name: "Priority", Value: string(ticket.Priority)},
				{Name: "Site", Value: ticket.SiteID},
				{Name: "Host", Value: ticket.HostID},
				{Name: "Reason", Value: ticket.EscalationReason},
			},
			Markdown: true,
		}},
	}

	return n.postJSON(ctx, n.config.TeamsWebhookURL, card, http.StatusOK)
}

type webhookPayload struct {
	Event  string        `json:"event"`
	Ticket webhookTicket `json:"ticket"`
}

type webhookTicket struct {
	ID                string   `json:"id"`
	IncidentID        string   `json:"incident_id"`
	Title             string   `json:"title"`
	Priority          Priority `json:"priority"`
	SiteID            string   `json:"site_id"`
	HostID            string   `json:"host_id"`
	IncidentType      string   `json:"incident_type"`
	Severity          string   `json:"severity"`
	EscalationReason  string   `json:"escalation_reason"`
	RecommendedAction string   `json:"recommended_action"`
	HIPAAControls     []string `json:"hipaa_controls"`
	CreatedAt         string   `json:"created_at"`
}

func (n *notifier) sendWebhook(ctx context.Context, ticket *Ticket) error {
	if n.config.WebhookURL == "" {
		return nil
	}

	payload := webhookPayload{
		Event: "escalation",
		Ticket: webhookTicket{
			ID:                ticket.ID,
			IncidentID:        ticket.IncidentID,
			Title:             ticket.Title,
			Priority:          ticket.Priority,
			SiteID:            ticket.SiteID,
			HostID:            ticket.HostID,
			IncidentType:      ticket.IncidentType,
			Severity:          ticket.Severity,
			EscalationReason:  ticket.EscalationReason,
			RecommendedAction: ticket.RecommendedAction,
			HIPAAControls:     ticket.HIPAAControls,
			CreatedAt:         ticket.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		},
	}

	return n.postJSON(ctx, n.config.WebhookURL, payload, http.StatusOK, http.StatusCreated, http.StatusAccepted)
}

func (n *notifier) postJSON(ctx context.Context, url string, payload interface{}, okStatuses ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	for _, ok := range okStatuses {
		if resp.StatusCode == ok {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
