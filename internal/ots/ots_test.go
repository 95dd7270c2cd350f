package ots

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeProofBody(hashBytes []byte) []byte {
	body := make([]byte, 0, 64)
	body = append(body, 0x00, 0x08) // recognizable opcodes
	body = append(body, hashBytes...)
	for len(body) < minProofBytes {
		body = append(body, 0x00)
	}
	return body
}

func TestSubmitHash_Success(t *testing.T) {
	hashBytes := sha256.Sum256([]byte("evidence bundle"))
	hashHex := hex.EncodeToString(hashBytes[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/digest", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write(fakeProofBody(hashBytes[:]))
	}))
	defer srv.Close()

	client := NewClient(Config{
		Calendars:  []string{srv.URL},
		Timeout:    time.Second,
		MaxRetries: 0,
		ProofDir:   t.TempDir(),
	})

	proof, err := client.SubmitHash(context.Background(), hashHex, "bundle-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, proof.Status)
	require.Equal(t, hashHex, proof.BundleHash)
	require.Equal(t, srv.URL, proof.CalendarURL)
}

func TestSubmitHash_InvalidHash(t *testing.T) {
	client := NewClient(Config{Calendars: []string{"http://example.invalid"}, Timeout: time.Second})
	_, err := client.SubmitHash(context.Background(), "not-a-hash", "bundle-1")
	require.Error(t, err)
}

func TestSubmitHash_FallsBackToNextCalendar(t *testing.T) {
	hashBytes := sha256.Sum256([]byte("evidence bundle"))
	hashHex := hex.EncodeToString(hashBytes[:])

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(fakeProofBody(hashBytes[:]))
	}))
	defer good.Close()

	client := NewClient(Config{
		Calendars:  []string{bad.URL, good.URL},
		Timeout:    time.Second,
		MaxRetries: 0,
		ProofDir:   t.TempDir(),
	})

	proof, err := client.SubmitHash(context.Background(), hashHex, "bundle-1")
	require.NoError(t, err)
	require.Equal(t, good.URL, proof.CalendarURL)
}

func TestSubmitHash_AllCalendarsFail(t *testing.T) {
	hashBytes := sha256.Sum256([]byte("evidence bundle"))
	hashHex := hex.EncodeToString(hashBytes[:])

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	client := NewClient(Config{Calendars: []string{bad.URL}, Timeout: time.Second, MaxRetries: 0})
	_, err := client.SubmitHash(context.Background(), hashHex, "bundle-1")
	require.Error(t, err)
}

func TestUpgradeProof_BecomesAnchoredOnBitcoinAttestation(t *testing.T) {
	hashBytes := sha256.Sum256([]byte("evidence bundle"))
	hashHex := hex.EncodeToString(hashBytes[:])

	var blockHeightBytes [8]byte
	binary.LittleEndian.PutUint64(blockHeightBytes[:], 812345)

	body := append([]byte{}, bitcoinAttestationMarker...)
	body = append(body, blockHeightBytes[:]...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/timestamp/"+hashHex, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: time.Second})
	proof := &Proof{BundleHash: hashHex, CalendarURL: srv.URL, Status: StatusPending}

	err := client.UpgradeProof(context.Background(), proof)
	require.NoError(t, err)
	require.Equal(t, StatusAnchored, proof.Status)
	require.EqualValues(t, 812345, proof.BitcoinBlock)
	require.NotNil(t, proof.AnchoredAt)
}

func TestUpgradeProof_StaysPendingOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(Config{Timeout: time.Second})
	proof := &Proof{BundleHash: "abc", CalendarURL: srv.URL, Status: StatusPending}

	err := client.UpgradeProof(context.Background(), proof)
	require.NoError(t, err)
	require.Equal(t, StatusPending, proof.Status)
}

func TestVerifyProof(t *testing.T) {
	client := NewClient(Config{})

	ok, info := client.VerifyProof(&Proof{Status: StatusPending})
	require.True(t, ok)
	require.Equal(t, "pending", info["status"])

	ok, _ = client.VerifyProof(&Proof{Status: StatusAnchored, BitcoinBlock: 0})
	require.False(t, ok)

	ok, info = client.VerifyProof(&Proof{Status: StatusAnchored, BitcoinBlock: 812345})
	require.True(t, ok)
	require.EqualValues(t, 812345, info["bitcoin_block"])
}

func TestSaveAndLoadPendingProofs(t *testing.T) {
	dir := t.TempDir()
	client := NewClient(Config{ProofDir: dir})

	pending := &Proof{BundleHash: "a", BundleID: "bundle-pending", Status: StatusPending}
	require.NoError(t, client.saveProof(pending))

	anchored := &Proof{BundleHash: "b", BundleID: "bundle-anchored", Status: StatusAnchored, BitcoinBlock: 100}
	require.NoError(t, client.saveProof(anchored))

	loaded, err := client.LoadPendingProofs()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "bundle-pending", loaded[0].BundleID)
}

func TestLoadPendingProofs_MissingDir(t *testing.T) {
	client := NewClient(Config{ProofDir: "/nonexistent/path/for/ots/proofs"})
	loaded, err := client.LoadPendingProofs()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestComputeBundleHash_IsDeterministic(t *testing.T) {
	h1 := ComputeBundleHash([]byte(`{"a":1}`))
	h2 := ComputeBundleHash([]byte(`{"a":1}`))
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}
