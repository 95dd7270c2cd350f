// Package ots anchors evidence bundle hashes to the Bitcoin blockchain via
// the OpenTimestamps calendar protocol, giving the compliance trail a
// tamper-evident timestamp that doesn't depend on trusting the appliance's
// own clock.
//
// A proof moves pending -> anchored -> verified (or failed) as the
// calendar's aggregator batches it into a Bitcoin transaction. Full
// merkle-path verification of the attestation is out of scope here —
// only the Bitcoin-attestation marker and block height are extracted,
// sufficient to prove "this hash existed before block N" without
// re-deriving the merkle proof.
package ots

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jbouey/msp-flake-sub001/internal/crypto"
)

// DefaultCalendars mirrors the original agent's calendar panel.
var DefaultCalendars = []string{
	"https://a.pool.opentimestamps.org",
	"https://b.pool.opentimestamps.org",
	"https://alice.btc.calendar.opentimestamps.org",
	"https://bob.btc.calendar.opentimestamps.org",
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 2
	minProofBytes     = 50
)

// bitcoinAttestationMarker identifies an OpenTimestamps Bitcoin attestation
// tag within a proof's opcode stream.
var bitcoinAttestationMarker = []byte{0x05, 0x88, 0x96, 0x0d, 0x73, 0xd7, 0x19, 0x01}

// validOpcodes are the OpenTimestamps opcodes a well-formed proof must
// contain at least one of (sha256, ripemd160, append, prepend, reverse,
// hexlify — the subset the original client sanity-checked for).
var validOpcodes = []byte{0x00, 0x08, 0xf0, 0xf1, 0x02, 0x03}

// Status is the lifecycle state of a submitted proof.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnchored Status = "anchored"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Proof is a single OpenTimestamps submission and its attestation state.
type Proof struct {
	BundleHash    string    `json:"bundle_hash"`
	BundleID      string    `json:"bundle_id"`
	ProofData     string    `json:"proof_data"` // base64
	CalendarURL   string    `json:"calendar_url"`
	SubmittedAt   time.Time `json:"submitted_at"`
	BitcoinTxID   string    `json:"bitcoin_txid,omitempty"`
	BitcoinBlock  int64     `json:"bitcoin_block,omitempty"`
	MerkleRoot    string    `json:"merkle_root,omitempty"`
	AnchoredAt    *time.Time `json:"anchored_at,omitempty"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
}

// Config controls the client's calendar panel and persistence directory.
type Config struct {
	Enabled         bool
	Calendars       []string
	Timeout         time.Duration
	MaxRetries      int
	ProofDir        string
	AutoUpgrade     bool
	UpgradeInterval time.Duration
}

// DefaultConfig returns the same defaults as the original agent.
func DefaultConfig(proofDir string) Config {
	return Config{
		Enabled:         true,
		Calendars:       DefaultCalendars,
		Timeout:         defaultTimeout,
		MaxRetries:      defaultMaxRetries,
		ProofDir:        proofDir,
		AutoUpgrade:     true,
		UpgradeInterval: time.Hour,
	}
}

// Client submits bundle hashes to OpenTimestamps calendars and tracks
// their attestation lifecycle.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// ComputeBundleHash returns the hex-encoded SHA-256 hash of bundleJSON,
// the same hash evidence bundles are signed and chained with.
func ComputeBundleHash(bundleJSON []byte) string {
	return crypto.BundleHash(bundleJSON)
}

// SubmitHash submits a 32-byte (64 hex char) hash to each configured
// calendar in turn, returning the first successful proof.
func (c *Client) SubmitHash(ctx context.Context, bundleHash, bundleID string) (*Proof, error) {
	hashBytes, err := hex.DecodeString(bundleHash)
	if err != nil || len(hashBytes) != 32 {
		return nil, fmt.Errorf("bundle hash must be 64 hex chars (32 bytes), got %d bytes: %v", len(hashBytes), err)
	}

	var lastErr error
	for _, calendar := range c.cfg.Calendars {
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			proof, err := c.submitToCalendar(ctx, calendar, hashBytes, bundleHash, bundleID)
			if err == nil {
				if c.cfg.ProofDir != "" {
					if saveErr := c.saveProof(proof); saveErr != nil {
						return proof, fmt.Errorf("submitted but failed to persist proof: %w", saveErr)
					}
				}
				return proof, nil
			}
			lastErr = err
		}
	}
	return nil, fmt.Errorf("all calendars failed, last error: %w", lastErr)
}

func (c *Client) submitToCalendar(ctx context.Context, calendar string, hashBytes []byte, bundleHash, bundleID string) (*Proof, error) {
	url := strings.TrimRight(calendar, "/") + "/digest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(hashBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.opentimestamps.v1")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit to %s: %w", calendar, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", calendar, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", calendar, resp.StatusCode, string(body))
	}

	if err := validateProof(body, hashBytes); err != nil {
		return nil, fmt.Errorf("invalid proof from %s: %w", calendar, err)
	}

	return &Proof{
		BundleHash:  bundleHash,
		BundleID:    bundleID,
		ProofData:   base64.StdEncoding.EncodeToString(body),
		CalendarURL: calendar,
		SubmittedAt: time.Now().UTC(),
		Status:      StatusPending,
	}, nil
}

// validateProof does the same light sanity checks the Python original
// did: the blob must be large enough to contain an actual proof, must
// reference the hash we submitted, and must contain at least one
// recognizable OpenTimestamps opcode.
func validateProof(proof, hashBytes []byte) error {
	if len(proof) < minProofBytes {
		return fmt.Errorf("proof too short: %d bytes", len(proof))
	}
	if !bytes.Contains(proof, hashBytes) {
		return fmt.Errorf("proof does not reference submitted hash")
	}
	hasOpcode := false
	for _, op := range validOpcodes {
		if bytes.IndexByte(proof, op) >= 0 {
			hasOpcode = true
			break
		}
	}
	if !hasOpcode {
		return fmt.Errorf("proof contains no recognizable opcode")
	}
	return nil
}

// UpgradeProof polls the proof's calendar for a Bitcoin attestation and
// updates its status in place.
func (c *Client) UpgradeProof(ctx context.Context, proof *Proof) error {
	url := strings.TrimRight(proof.CalendarURL, "/") + "/timestamp/" + proof.BundleHash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll %s: %w", proof.CalendarURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil // not yet anchored, still pending
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upgrade response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", proof.CalendarURL, resp.StatusCode, string(body))
	}

	if idx := bytes.Index(body, bitcoinAttestationMarker); idx >= 0 {
		blockBytes := body[idx+len(bitcoinAttestationMarker):]
		if len(blockBytes) >= 8 {
			block := int64(binary.LittleEndian.Uint64(blockBytes[:8]))
			proof.BitcoinBlock = block
			now := time.Now().UTC()
			proof.AnchoredAt = &now
			proof.Status = StatusAnchored
			proof.ProofData = base64.StdEncoding.EncodeToString(body)
		}
	}

	return nil
}

// VerifyProof reports whether a proof is internally consistent for its
// current status. Pending proofs are always considered valid (nothing to
// check yet); anchored proofs must carry a block height. Full merkle-path
// verification against the Bitcoin block header is not implemented.
func (c *Client) VerifyProof(proof *Proof) (bool, map[string]interface{}) {
	switch proof.Status {
	case StatusPending:
		return true, map[string]interface{}{"status": "pending"}
	case StatusAnchored, StatusVerified:
		if proof.BitcoinBlock == 0 {
			return false, map[string]interface{}{"status": "anchored", "error": "missing block height"}
		}
		return true, map[string]interface{}{"status": string(proof.Status), "bitcoin_block": proof.BitcoinBlock}
	default:
		return false, map[string]interface{}{"status": string(proof.Status), "error": proof.Error}
	}
}

func (c *Client) saveProof(proof *Proof) error {
	if err := os.MkdirAll(c.cfg.ProofDir, 0700); err != nil {
		return fmt.Errorf("create proof dir: %w", err)
	}
	data, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proof: %w", err)
	}
	path := filepath.Join(c.cfg.ProofDir, proof.BundleID+".json")
	return os.WriteFile(path, data, 0600)
}

// LoadPendingProofs reloads every non-anchored proof persisted under the
// configured proof directory, for crash recovery on daemon restart.
func (c *Client) LoadPendingProofs() ([]*Proof, error) {
	entries, err := os.ReadDir(c.cfg.ProofDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read proof dir: %w", err)
	}

	var pending []*Proof
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.cfg.ProofDir, entry.Name()))
		if err != nil {
			continue
		}
		var proof Proof
		if err := json.Unmarshal(data, &proof); err != nil {
			continue
		}
		if proof.Status == StatusPending {
			pending = append(pending, &proof)
		}
	}
	return pending, nil
}

// UpgradeAllPending attempts to upgrade every pending proof, persisting
// any that newly anchored. Errors for individual proofs are collected but
// do not stop the pass.
func (c *Client) UpgradeAllPending(ctx context.Context) ([]*Proof, []error) {
	pending, err := c.LoadPendingProofs()
	if err != nil {
		return nil, []error{err}
	}

	var upgraded []*Proof
	var errs []error
	for _, proof := range pending {
		if err := c.UpgradeProof(ctx, proof); err != nil {
			errs = append(errs, fmt.Errorf("upgrade %s: %w", proof.BundleID, err))
			continue
		}
		if proof.Status == StatusAnchored {
			if err := c.saveProof(proof); err != nil {
				errs = append(errs, fmt.Errorf("persist upgraded %s: %w", proof.BundleID, err))
				continue
			}
			upgraded = append(upgraded, proof)
		}
	}
	return upgraded, errs
}
