package evidence

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbouey/msp-flake-sub001/internal/crypto"
)

func testSigningKey(t *testing.T) (priv []byte, pubHex string) {
	t.Helper()
	dir := t.TempDir()
	key, hex, err := crypto.LoadOrCreateSigningKey(filepath.Join(dir, "signing.key"))
	require.NoError(t, err)
	return key, hex
}

func TestBuildAndSubmit_NoHosts(t *testing.T) {
	s := NewSubmitter(Config{SiteID: "site-1", APIEndpoint: "http://localhost", APIKey: "key"})
	require.NoError(t, s.BuildAndSubmit(context.Background(), nil, nil))
}

func TestBuildAndSubmit_AllPass(t *testing.T) {
	priv, pubHex := testSigningKey(t)

	var receivedPayload bundlePayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedPayload)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bundle_id":"CB-test","chain_position":1}`))
	}))
	defer ts.Close()

	s := NewSubmitter(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "test-key", SigningKey: priv, PublicKeyHex: pubHex})

	err := s.BuildAndSubmit(context.Background(), nil, []string{"dc01", "ws01"})
	require.NoError(t, err)

	// 7 check types x 2 hosts = 14 checks, all pass
	require.Len(t, receivedPayload.Checks, 14)

	summary := receivedPayload.Summary
	compliant, _ := summary["compliant"].(float64)
	nonCompliant, _ := summary["non_compliant"].(float64)

	require.Equal(t, 14, int(compliant))
	require.Equal(t, 0, int(nonCompliant))

	require.Equal(t, pubHex, receivedPayload.AgentPublicKey)
	require.NotEmpty(t, receivedPayload.AgentSignature)
	require.NotEmpty(t, receivedPayload.SignedData)
}

func TestBuildAndSubmit_WithDrift(t *testing.T) {
	priv, pubHex := testSigningKey(t)

	var receivedPayload bundlePayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedPayload)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bundle_id":"CB-test","chain_position":2}`))
	}))
	defer ts.Close()

	s := NewSubmitter(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "test-key", SigningKey: priv, PublicKeyHex: pubHex})

	findings := []DriftFinding{
		{Hostname: "dc01", CheckType: "firewall_status", Expected: "True", Actual: "False", HIPAAControl: "164.312(a)(1)"},
		{Hostname: "dc01", CheckType: "windows_defender", Expected: "Running", Actual: "Stopped", HIPAAControl: "164.308(a)(5)"},
	}

	err := s.BuildAndSubmit(context.Background(), findings, []string{"dc01"})
	require.NoError(t, err)

	require.Len(t, receivedPayload.Checks, 7)

	summary := receivedPayload.Summary
	compliant, _ := summary["compliant"].(float64)
	nonCompliant, _ := summary["non_compliant"].(float64)

	require.Equal(t, 5, int(compliant))
	require.Equal(t, 2, int(nonCompliant))

	failCount := 0
	for _, check := range receivedPayload.Checks {
		if status, _ := check["status"].(string); status == "fail" {
			failCount++
		}
	}
	require.Equal(t, 2, failCount)
}

func TestBuildAndSubmit_ServerError(t *testing.T) {
	priv, pubHex := testSigningKey(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(`{"detail":"server error"}`))
	}))
	defer ts.Close()

	s := NewSubmitter(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "test-key", SigningKey: priv, PublicKeyHex: pubHex})
	err := s.BuildAndSubmit(context.Background(), nil, []string{"dc01"})
	require.Error(t, err)
}

func alwaysOK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"bundle_id":"CB-test"}`))
}

func TestBuildAndSubmit_DedupSuppressesUnchangedCheck(t *testing.T) {
	priv, pubHex := testSigningKey(t)

	var payloads []bundlePayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p bundlePayload
		json.Unmarshal(body, &p)
		payloads = append(payloads, p)
		alwaysOK(w, r)
	}))
	defer ts.Close()

	s := NewSubmitter(Config{
		SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "test-key",
		SigningKey: priv, PublicKeyHex: pubHex, HeartbeatInterval: time.Hour,
	})

	require.NoError(t, s.BuildAndSubmit(context.Background(), nil, []string{"dc01"}))
	require.Len(t, payloads, 1)
	require.Len(t, payloads[0].Checks, 7)

	// Second call with no findings and no state change: everything is
	// within the heartbeat window, so nothing should be submitted at all.
	require.NoError(t, s.BuildAndSubmit(context.Background(), nil, []string{"dc01"}))
	require.Len(t, payloads, 1)
}

func TestBuildAndSubmit_DedupResubmitsOnStateChange(t *testing.T) {
	priv, pubHex := testSigningKey(t)

	var payloads []bundlePayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p bundlePayload
		json.Unmarshal(body, &p)
		payloads = append(payloads, p)
		alwaysOK(w, r)
	}))
	defer ts.Close()

	s := NewSubmitter(Config{SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "test-key", SigningKey: priv, PublicKeyHex: pubHex})

	require.NoError(t, s.BuildAndSubmit(context.Background(), nil, []string{"dc01"}))
	require.Len(t, payloads, 1)

	findings := []DriftFinding{
		{Hostname: "dc01", CheckType: "firewall_status", Expected: "True", Actual: "False"},
	}
	require.NoError(t, s.BuildAndSubmit(context.Background(), findings, []string{"dc01"}))
	require.Len(t, payloads, 2)
	require.Len(t, payloads[1].Checks, 1)
}

func TestBuildAndSubmit_PersistsBundleAndChainsHash(t *testing.T) {
	priv, pubHex := testSigningKey(t)
	evidenceDir := t.TempDir()

	ts := httptest.NewServer(http.HandlerFunc(alwaysOK))
	defer ts.Close()

	s := NewSubmitter(Config{
		SiteID: "site-1", APIEndpoint: ts.URL, APIKey: "test-key",
		SigningKey: priv, PublicKeyHex: pubHex, EvidenceDir: evidenceDir,
	})

	require.NoError(t, s.BuildAndSubmit(context.Background(), nil, []string{"dc01"}))

	now := time.Now().UTC()
	dayDir := filepath.Join(evidenceDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	entries, err := os.ReadDir(dayDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	bundleDir := filepath.Join(dayDir, entries[0].Name())
	data, err := os.ReadFile(filepath.Join(bundleDir, "bundle.json"))
	require.NoError(t, err)

	var first persistedBundle
	require.NoError(t, json.Unmarshal(data, &first))
	require.NotEmpty(t, first.BundleHash)
	require.Empty(t, first.PreviousBundleHash)

	_, err = os.ReadFile(filepath.Join(bundleDir, "bundle.sig"))
	require.NoError(t, err)

	findings := []DriftFinding{{Hostname: "dc01", CheckType: "firewall_status", Expected: "True", Actual: "False"}}
	require.NoError(t, s.BuildAndSubmit(context.Background(), findings, []string{"dc01"}))

	entries, err = os.ReadDir(dayDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var second persistedBundle
	for _, e := range entries {
		if e.Name() == filepath.Base(bundleDir) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dayDir, e.Name(), "bundle.json"))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &second))
	}
	require.Equal(t, first.BundleHash, second.PreviousBundleHash)
}
