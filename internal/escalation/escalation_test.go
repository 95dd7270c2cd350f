package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbouey/msp-flake-sub001/internal/incidentstore"
)

func openTestStore(t *testing.T) *incidentstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incidents.db")
	s, err := incidentstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDerivePriority(t *testing.T) {
	cases := []struct {
		severity, reason string
		want             Priority
	}{
		{"critical", "l1 failed", PriorityCritical},
		{"low", "encryption control drifted", PriorityCritical},
		{"high", "l1 failed", PriorityHigh},
		{"low", "security baseline drifted", PriorityHigh},
		{"medium", "l1 failed", PriorityMedium},
		{"low", "l1 failed", PriorityLow},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, derivePriority(tc.severity, tc.reason))
	}
}

func TestChannelsForPriority(t *testing.T) {
	require.Equal(t, []Channel{ChannelPagerDuty, ChannelSlack, ChannelEmail}, channelsForPriority(PriorityCritical))
	require.Equal(t, []Channel{ChannelPagerDuty, ChannelSlack}, channelsForPriority(PriorityHigh))
	require.Equal(t, []Channel{ChannelSlack, ChannelEmail}, channelsForPriority(PriorityMedium))
	require.Equal(t, []Channel{ChannelEmail}, channelsForPriority(PriorityLow))
}

func TestEscalate_LocalChannels(t *testing.T) {
	var slackHits, pagerDutyHits int

	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits++
		w.Write([]byte("ok"))
	}))
	defer slackSrv.Close()

	pdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagerDutyHits++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer pdSrv.Close()

	store := openTestStore(t)
	ctx := context.Background()
	incident, err := store.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "critical", map[string]interface{}{
		"check_type": "bitlocker_status",
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SlackWebhookURL = slackSrv.URL
	cfg.PagerDutyRoutingKey = "test-routing-key"
	handler := New(cfg, store)
	handler.notifier.pagerDutyURL = pdSrv.URL

	ticket, err := handler.Escalate(ctx, incident, "L1 and L2 both failed", nil, nil, "")
	require.NoError(t, err)
	require.Equal(t, PriorityCritical, ticket.Priority)
	require.Contains(t, ticket.ID, "ESC-")
	require.NotEmpty(t, ticket.HIPAAControls)
	require.Equal(t, 1, slackHits)
	require.Equal(t, 1, pagerDutyHits)

	open := handler.OpenTickets()
	require.Len(t, open, 1)
	require.Equal(t, ticket.ID, open[0].ID)
}

func TestEscalate_CentralCommandPreferredOverLocal(t *testing.T) {
	var slackHits int
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits++
	}))
	defer slackSrv.Close()

	ccSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/escalations", r.URL.Path)
		json.NewEncoder(w).Encode(centralCommandResponse{TicketID: "CC-999"})
	}))
	defer ccSrv.Close()

	store := openTestStore(t)
	ctx := context.Background()
	incident, err := store.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "low", nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SlackWebhookURL = slackSrv.URL
	cfg.CentralCommandEnabled = true
	cfg.CentralCommandURL = ccSrv.URL
	cfg.SiteID = "site-1"
	handler := New(cfg, store)

	ticket, err := handler.Escalate(ctx, incident, "l1 failed", nil, nil, "")
	require.NoError(t, err)
	require.Equal(t, "CC-999", ticket.ID)
	require.Zero(t, slackHits)
}

func TestEscalate_FallsBackToLocalWhenCentralCommandFails(t *testing.T) {
	var slackHits int
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits++
	}))
	defer slackSrv.Close()

	ccSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ccSrv.Close()

	store := openTestStore(t)
	ctx := context.Background()
	incident, err := store.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "medium", nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SlackWebhookURL = slackSrv.URL
	cfg.CentralCommandEnabled = true
	cfg.CentralCommandURL = ccSrv.URL
	cfg.SiteID = "site-1"
	handler := New(cfg, store)

	ticket, err := handler.Escalate(ctx, incident, "l1 failed", nil, nil, "")
	require.NoError(t, err)
	require.Contains(t, ticket.ID, "ESC-")
	require.Equal(t, 1, slackHits)
}

func TestResolveTicket(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	incident, err := store.CreateIncident(ctx, "site-1", "host-1", "drift_detected", "low", nil)
	require.NoError(t, err)

	handler := New(DefaultConfig(), store)
	ticket, err := handler.Escalate(ctx, incident, "l1 failed", nil, nil, "")
	require.NoError(t, err)

	err = handler.ResolveTicket(ctx, ticket.ID, "fixed manually", "restarted service", map[string]interface{}{
		"was_correct": true,
	})
	require.NoError(t, err)

	resolved, ok := handler.Ticket(ticket.ID)
	require.True(t, ok)
	require.Equal(t, "resolved", resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.Empty(t, handler.OpenTickets())
}

func TestResolveTicket_UnknownTicket(t *testing.T) {
	handler := New(DefaultConfig(), nil)
	err := handler.ResolveTicket(context.Background(), "nonexistent", "resolution", "action", nil)
	require.Error(t, err)
}
