package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSigningKey_New(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	priv, pubHex, err := LoadOrCreateSigningKey(path)
	require.NoError(t, err)
	require.NotNil(t, priv)
	require.Len(t, pubHex, 64)
}

func TestLoadOrCreateSigningKey_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	_, pub1, err := LoadOrCreateSigningKey(path)
	require.NoError(t, err)

	_, pub2, err := LoadOrCreateSigningKey(path)
	require.NoError(t, err)

	require.Equal(t, pub1, pub2, "reloaded key must reconstruct the same identity")
}

func TestSigner_SignVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	signer, err := NewSigner(path)
	require.NoError(t, err)

	data := []byte(`{"site_id":"test","checks":[]}`)
	sigHex := signer.Sign(data)

	pubBytes, err := hex.DecodeString(signer.PublicKeyHex())
	require.NoError(t, err)
	sigBytes, err := hex.DecodeString(sigHex)
	require.NoError(t, err)

	require.True(t, ed25519.Verify(ed25519.PublicKey(pubBytes), data, sigBytes))
}

func TestSigner_SignCanonical_RoundTripsThroughVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	signer, err := NewSigner(path)
	require.NoError(t, err)

	fields := map[string]interface{}{
		"order_id":   "test-001",
		"runbook_id": "RB-001",
		"parameters": map[string]interface{}{},
		"nonce":      "abc123",
	}

	payload, sigHex, err := signer.SignCanonical(fields)
	require.NoError(t, err)

	v := NewOrderVerifier(signer.PublicKeyHex())
	require.NoError(t, v.VerifyOrder(payload, sigHex))
}

func TestBundleHash_IsDeterministic(t *testing.T) {
	data := []byte(`{"a":1}`)
	h1 := BundleHash(data)
	h2 := BundleHash(data)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestCanonicalJSON_SortsNestedKeys(t *testing.T) {
	v := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{
			"z": 1,
			"y": 2,
		},
	}
	out, err := CanonicalJSON(v)
	require.NoError(t, err)
	require.Equal(t, `{"a": {"y": 2, "z": 1}, "b": 1}`, out)
}
