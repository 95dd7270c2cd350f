package escalation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testTicket() *Ticket {
	return &Ticket{
		ID:                "ESC-test",
		IncidentID:        "INC-1",
		Title:             "[CRITICAL] drift_detected - host-1",
		Priority:          PriorityCritical,
		SiteID:            "site-1",
		HostID:            "host-1",
		IncidentType:      "drift_detected",
		Severity:          "critical",
		EscalationReason:  "L1 and L2 both failed",
		RecommendedAction: "restart_service",
		HIPAAControls:     []string{"164.312(a)(2)(iv)"},
		CreatedAt:         time.Now().UTC(),
	}
}

func TestSendEmail_NoRecipients(t *testing.T) {
	n := newNotifier(DefaultConfig())
	err := n.sendEmail(testTicket())
	require.Error(t, err)
}

func TestSendEmail_Logged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmailRecipients = []string{"oncall@example.com"}
	n := newNotifier(cfg)
	require.NoError(t, n.sendEmail(testTicket()))
}

func TestSendSlack(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SlackWebhookURL = srv.URL
	n := newNotifier(cfg)

	require.NoError(t, n.sendSlack(context.Background(), testTicket()))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Contains(t, decoded, "blocks")
}

func TestSendSlack_NoWebhookConfigured(t *testing.T) {
	n := newNotifier(DefaultConfig())
	err := n.sendSlack(context.Background(), testTicket())
	require.Error(t, err)
}

func TestSendPagerDuty(t *testing.T) {
	var decoded pagerDutyEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&decoded)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.PagerDutyRoutingKey = "routing-key"
	n := newNotifier(cfg)
	n.pagerDutyURL = srv.URL

	ticket := testTicket()
	require.NoError(t, n.sendPagerDuty(context.Background(), ticket))
	require.Equal(t, "routing-key", decoded.RoutingKey)
	require.Equal(t, "trigger", decoded.EventAction)
	require.Equal(t, ticket.ID, decoded.DedupKey)
	require.Equal(t, "critical", decoded.Payload.Severity)
}

func TestSendTeams(t *testing.T) {
	var decoded teamsCard
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&decoded)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.TeamsWebhookURL = srv.URL
	n := newNotifier(cfg)

	require.NoError(t, n.sendTeams(context.Background(), testTicket()))
	require.Equal(t, "MessageCard", decoded.Type)
	require.Equal(t, "FF0000", decoded.ThemeColor)
}

func TestSendWebhook(t *testing.T) {
	var decoded webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&decoded)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.WebhookURL = srv.URL
	n := newNotifier(cfg)

	require.NoError(t, n.sendWebhook(context.Background(), testTicket()))
	require.Equal(t, "escalation", decoded.Event)
	require.Equal(t, "ESC-test", decoded.Ticket.ID)
}

func TestSendWebhook_NotConfiguredIsNoop(t *testing.T) {
	n := newNotifier(DefaultConfig())
	require.NoError(t, n.sendWebhook(context.Background(), testTicket()))
}

func TestSendAll_SkipsFailingChannelButContinues(t *testing.T) {
	var slackHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits++
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.SlackWebhookURL = srv.URL
	// PagerDuty deliberately left unconfigured -- sendPagerDuty errors, but
	// sendAll must still reach Slack.
	n := newNotifier(cfg)

	n.sendAll(context.Background(), testTicket(), []Channel{ChannelPagerDuty, ChannelSlack})
	require.Equal(t, 1, slackHits)
}
