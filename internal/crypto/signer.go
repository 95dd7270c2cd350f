package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Signer holds an Ed25519 keypair used to sign evidence bundles, checkins,
// and anything else the appliance attests to. One signer is constructed at
// startup and shared across C2's consumers (evidence, escalation tickets).
type Signer struct {
	key    ed25519.PrivateKey
	pubHex string
}

// LoadOrCreateSigningKey loads an Ed25519 private key from path, or
// generates and persists a new one (as its 32-byte seed, mode 0600 in a
// mode-0700 directory) if the file doesn't exist.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		pub := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
		return priv, pub, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, "", fmt.Errorf("write key: %w", err)
	}

	return priv, hex.EncodeToString(pub), nil
}

// NewSigner loads or creates the signing key at path and wraps it.
func NewSigner(path string) (*Signer, error) {
	key, pubHex, err := LoadOrCreateSigningKey(path)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, pubHex: pubHex}, nil
}

// PublicKeyHex returns the hex-encoded Ed25519 public key.
func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

// Sign returns the hex-encoded Ed25519 signature of data.
func Sign(key ed25519.PrivateKey, data []byte) string {
	sig := ed25519.Sign(key, data)
	return hex.EncodeToString(sig)
}

// Sign signs data with the held key.
func (s *Signer) Sign(data []byte) string {
	return Sign(s.key, data)
}

// SignCanonical builds the canonical sorted-key JSON payload for fields and
// signs it, returning both the payload string (what must be persisted
// alongside the signature for later re-verification) and the hex signature.
func (s *Signer) SignCanonical(fields map[string]interface{}) (payload, signatureHex string, err error) {
	payload, err = BuildSignedPayload(fields)
	if err != nil {
		return "", "", err
	}
	return payload, s.Sign([]byte(payload)), nil
}

// BundleHash returns the hex-encoded SHA-256 hash of data, used for
// evidence-bundle content hashes and OpenTimestamps submission.
func BundleHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v with sorted object keys, matching Python's
// json.dumps(obj, sort_keys=True). Unlike BuildSignedPayload (which takes a
// flat map of pre-typed fields), this round-trips arbitrary values through
// encoding/json to normalize nested maps/slices before re-ordering keys.
func CanonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v interface{}) (string, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ", "
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return "", err
			}
			valJSON, err := canonicalEncode(val[k])
			if err != nil {
				return "", err
			}
			out += string(keyJSON) + ": " + valJSON
		}
		return out + "}", nil
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			enc, err := canonicalEncode(item)
			if err != nil {
				return "", err
			}
			parts[i] = enc
		}
		out := "["
		for i, p := range parts {
			if i > 0 {
				out += ", "
			}
			out += p
		}
		return out + "]", nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
