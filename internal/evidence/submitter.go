// Package evidence builds, signs, locally persists, and submits compliance
// evidence bundles: one canonical record per drift-check cycle, deduped
// against flapping checks, chained to the previous bundle's hash, and
// optionally anchored to OpenTimestamps.
package evidence

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbouey/msp-flake-sub001/internal/crypto"
	"github.com/jbouey/msp-flake-sub001/internal/ntpverify"
	"github.com/jbouey/msp-flake-sub001/internal/ots"
)

// DriftFinding represents a single drift condition found during scanning.
type DriftFinding struct {
	Hostname     string
	CheckType    string
	Expected     string
	Actual       string
	HIPAAControl string
	Severity     string
}

// allCheckTypes are the 7 Windows check types the drift scanner produces.
// These must match CATEGORY_CHECKS in the backend's db_queries.py.
var allCheckTypes = []string{
	"firewall_status",
	"windows_defender",
	"windows_update",
	"audit_logging",
	"rogue_admin_users",
	"rogue_scheduled_tasks",
	"agent_status",
}

// linuxCheckTypes are the Linux-side equivalents the Linux scanner produces.
var linuxCheckTypes = []string{
	"linux_firewall",
	"linux_ssh_config",
	"linux_failed_services",
	"linux_disk_space",
	"linux_suid_binaries",
	"linux_audit_logging",
	"linux_ntp_sync",
	"linux_kernel_params",
	"linux_open_ports",
	"linux_user_accounts",
	"linux_file_permissions",
	"linux_unattended_upgrades",
	"linux_log_forwarding",
	"linux_cron_review",
	"linux_cert_expiry",
}

const defaultHeartbeatInterval = time.Hour

// Config configures a Submitter.
type Config struct {
	SiteID      string
	APIEndpoint string
	APIKey      string

	SigningKey   ed25519.PrivateKey
	PublicKeyHex string

	// EvidenceDir is the root of the evidence_dir/YYYY/MM/DD/<bundle_id>/
	// local persistence tree. Empty disables local persistence.
	EvidenceDir string

	// HeartbeatInterval is the max gap between submissions for a check
	// that hasn't changed state. Default 1h.
	HeartbeatInterval time.Duration

	// NTPVerifier annotates each bundle with a clock-sanity verdict.
	// Optional — nil means no annotation.
	NTPVerifier *ntpverify.Verifier

	// OTS anchors each persisted bundle's hash to the Bitcoin blockchain.
	// Optional — nil means no anchoring.
	OTS *ots.Client

	HTTPClient *http.Client
}

// dedupState is the last-known state of a single (hostname, check_type)
// pair, used to gate resubmission of unchanged checks.
type dedupState struct {
	lastResult string
	lastSubmit time.Time
}

// Submitter builds and submits evidence bundles to Central Command.
type Submitter struct {
	cfg Config

	dedupMu sync.Mutex
	dedup   map[string]dedupState

	chainMu            sync.Mutex
	previousBundleHash string
}

// NewSubmitter creates a new evidence submitter.
func NewSubmitter(cfg Config) *Submitter {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.APIEndpoint = strings.TrimRight(cfg.APIEndpoint, "/")
	return &Submitter{cfg: cfg, dedup: make(map[string]dedupState)}
}

// bundlePayload matches the EvidenceBundleSubmit Pydantic model on the backend.
type bundlePayload struct {
	SiteID         string           `json:"site_id"`
	CheckedAt      string           `json:"checked_at"`
	Checks         []map[string]any `json:"checks"`
	Summary        map[string]any   `json:"summary"`
	AgentSignature string           `json:"agent_signature"`
	AgentPublicKey string           `json:"agent_public_key"`
	SignedData     string           `json:"signed_data"`
}

// persistedBundle is what's written to evidence_dir/YYYY/MM/DD/<id>/bundle.json.
type persistedBundle struct {
	BundleID           string                 `json:"bundle_id"`
	SiteID             string                 `json:"site_id"`
	CheckedAt          string                 `json:"checked_at"`
	Checks             []map[string]any       `json:"checks"`
	Summary            map[string]any         `json:"summary"`
	BundleHash         string                 `json:"bundle_hash"`
	PreviousBundleHash string                 `json:"previous_bundle_hash,omitempty"`
	NTPVerification    map[string]interface{} `json:"ntp_verification,omitempty"`
	SignedData         string                 `json:"signed_data"`
}

// BuildAndSubmit packages drift findings into a compliance evidence bundle
// and submits it to Central Command.
//
// Logic: For each scanned host, we produce one check per check type. If a
// drift finding exists for that host+check, the check status is "fail".
// Otherwise, the check status is "pass" (no drift = compliant). Each check
// passes through the deduplication gate before being included: it's
// submitted only on its first observation, on a state change from its last
// submission, or once the heartbeat interval has elapsed — so a flapping
// check doesn't dominate the evidence trail while a stuck failure is still
// reaffirmed periodically.
func (s *Submitter) BuildAndSubmit(ctx context.Context, findings []DriftFinding, scannedHosts []string) error {
	return s.buildAndSubmit(ctx, findings, scannedHosts, allCheckTypes)
}

// BuildAndSubmitLinux is BuildAndSubmit against the Linux check-type panel.
func (s *Submitter) BuildAndSubmitLinux(ctx context.Context, findings []DriftFinding, scannedHosts []string) error {
	return s.buildAndSubmit(ctx, findings, scannedHosts, linuxCheckTypes)
}

func (s *Submitter) buildAndSubmit(ctx context.Context, findings []DriftFinding, scannedHosts []string, checkTypes []string) error {
	if len(scannedHosts) == 0 {
		return nil // nothing scanned, nothing to submit
	}

	now := time.Now().UTC()

	driftMap := make(map[string]*DriftFinding, len(findings))
	for i := range findings {
		key := findings[i].Hostname + ":" + findings[i].CheckType
		driftMap[key] = &findings[i]
	}

	var checks []map[string]any
	compliant := 0
	nonCompliant := 0

	s.dedupMu.Lock()
	for _, host := range scannedHosts {
		for _, ct := range checkTypes {
			key := host + ":" + ct
			status := "pass"
			f, hasFinding := driftMap[key]
			if hasFinding {
				status = "fail"
			}

			if !s.shouldSubmitLocked(key, status, now) {
				continue
			}
			s.dedup[key] = dedupState{lastResult: status, lastSubmit: now}

			check := map[string]any{
				"check":    ct,
				"hostname": host,
				"status":   status,
			}
			if hasFinding {
				check["expected"] = f.Expected
				check["actual"] = f.Actual
				if f.HIPAAControl != "" {
					check["hipaa_control"] = f.HIPAAControl
				}
				nonCompliant++
			} else {
				compliant++
			}

			checks = append(checks, check)
		}
	}
	s.dedupMu.Unlock()

	if len(checks) == 0 {
		return nil // every check is unchanged and within its heartbeat window
	}

	summary := map[string]any{
		"total_checks":  compliant + nonCompliant,
		"compliant":     compliant,
		"non_compliant": nonCompliant,
		"scanned_hosts": len(scannedHosts),
	}

	signedObj := map[string]any{
		"site_id":    s.cfg.SiteID,
		"checked_at": now.Format(time.RFC3339),
		"checks":     checks,
		"summary":    summary,
	}
	signedData, err := crypto.CanonicalJSON(signedObj)
	if err != nil {
		return fmt.Errorf("canonicalize signed_data: %w", err)
	}

	signature := crypto.Sign(s.cfg.SigningKey, []byte(signedData))

	var ntpAnnotation map[string]interface{}
	if s.cfg.NTPVerifier != nil {
		if result, err := s.cfg.NTPVerifier.Verify(ctx); err == nil {
			ntpAnnotation = map[string]interface{}{
				"passed":            result.Passed,
				"median_offset_ms":  result.MedianOffsetMs,
				"max_skew_ms":       result.MaxSkewMs,
				"servers_responded": result.ServersResponded,
			}
			if result.Error != "" {
				ntpAnnotation["error"] = result.Error
			}
		} else {
			ntpAnnotation = map[string]interface{}{"passed": false, "error": err.Error()}
		}
	}

	bundleID := uuid.NewString()
	bundle := persistedBundle{
		BundleID:        bundleID,
		SiteID:          s.cfg.SiteID,
		CheckedAt:       now.Format(time.RFC3339),
		Checks:          checks,
		Summary:         summary,
		SignedData:      signedData,
		NTPVerification: ntpAnnotation,
	}

	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	bundleHash := crypto.BundleHash(bundleJSON)
	bundle.BundleHash = bundleHash

	s.chainMu.Lock()
	bundle.PreviousBundleHash = s.previousBundleHash
	s.previousBundleHash = bundleHash
	s.chainMu.Unlock()

	finalJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal final bundle: %w", err)
	}

	bundleDir, persistErr := s.persist(bundleID, now, finalJSON, []byte(signature))
	if persistErr != nil {
		log.Printf("[evidence] failed to persist bundle %s: %v", bundleID, persistErr)
	}

	if s.cfg.OTS != nil {
		if _, err := s.cfg.OTS.SubmitHash(ctx, bundleHash, bundleID); err != nil {
			log.Printf("[evidence] OpenTimestamps submission failed for bundle %s: %v", bundleID, err)
		}
	}

	payload := bundlePayload{
		SiteID:         s.cfg.SiteID,
		CheckedAt:      now.Format(time.RFC3339),
		Checks:         checks,
		Summary:        summary,
		AgentSignature: signature,
		AgentPublicKey: s.cfg.PublicKeyHex,
		SignedData:     signedData,
	}

	if err := s.submit(ctx, payload); err != nil {
		return fmt.Errorf("submit bundle %s (persisted at %s): %w", bundleID, bundleDir, err)
	}

	log.Printf("[evidence] submitted bundle=%s checks=%d compliant=%d/%d",
		bundleID, len(checks), compliant, compliant+nonCompliant)
	return nil
}

// shouldSubmitLocked implements spec.md §4.7 step 4's dedup gate. Caller
// holds dedupMu.
func (s *Submitter) shouldSubmitLocked(key, status string, now time.Time) bool {
	prev, seen := s.dedup[key]
	if !seen {
		return true
	}
	if prev.lastResult != status {
		return true
	}
	return now.Sub(prev.lastSubmit) >= s.cfg.HeartbeatInterval
}

// persist writes bundle.json (and bundle.sig when a signature is provided)
// under evidence_dir/YYYY/MM/DD/<bundle_id>/.
func (s *Submitter) persist(bundleID string, when time.Time, bundleJSON, signature []byte) (string, error) {
	if s.cfg.EvidenceDir == "" {
		return "", nil
	}

	dir := filepath.Join(s.cfg.EvidenceDir,
		when.Format("2006"), when.Format("01"), when.Format("02"), bundleID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return dir, fmt.Errorf("create bundle dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), bundleJSON, 0644); err != nil {
		return dir, fmt.Errorf("write bundle.json: %w", err)
	}
	if len(signature) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "bundle.sig"), signature, 0644); err != nil {
			return dir, fmt.Errorf("write bundle.sig: %w", err)
		}
	}
	return dir, nil
}

func (s *Submitter) submit(ctx context.Context, payload bundlePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	url := s.cfg.APIEndpoint + "/api/evidence/sites/" + s.cfg.SiteID + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evidence submit returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		BundleID      string `json:"bundle_id"`
		ChainPosition int    `json:"chain_position"`
	}
	_ = json.Unmarshal(respBody, &result)
	return nil
}
