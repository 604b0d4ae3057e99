package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key := loadTestKey(t)
	body := []byte(`{"type":"Follow"}`)

	req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", bytes.NewReader(body))
	require.NoError(t, SignRequest(req, key, "https://remote.test/u/alice#main-key", body))

	assert.NotEmpty(t, req.Header.Get("Signature"))
	assert.NotEmpty(t, req.Header.Get("Digest"))

	keyId, err := SignatureKeyId(req)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.test/u/alice#main-key", keyId)

	assert.NoError(t, VerifyRequest(req, body, testPublicPem))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	key := loadTestKey(t)
	body := []byte(`{"type":"Follow"}`)

	req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", bytes.NewReader(body))
	require.NoError(t, SignRequest(req, key, "https://remote.test/u/alice#main-key", body))

	err := VerifyRequest(req, []byte(`{"type":"Delete"}`), testPublicPem)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := loadTestKey(t)
	body := []byte(`{}`)

	req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", bytes.NewReader(body))
	require.NoError(t, SignRequest(req, key, "https://remote.test/u/alice#main-key", body))

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherPub, err := x509.MarshalPKIXPublicKey(&other.PublicKey)
	require.NoError(t, err)
	otherPem := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: otherPub}))

	assert.ErrorIs(t, VerifyRequest(req, body, otherPem), ErrInvalidSignature)
}

func TestVerifyRequiresSignedDigest(t *testing.T) {
	key := loadTestKey(t)
	body := []byte(`{"type":"Follow"}`)

	// signed like a GET, with a correct but unsigned Digest added afterwards
	req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", bytes.NewReader(body))
	require.NoError(t, SignRequest(req, key, "https://remote.test/u/alice#main-key", nil))
	sum := sha256.Sum256(body)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]))

	err := VerifyRequest(req, body, testPublicPem)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Contains(t, err.Error(), "digest")
}

func TestVerifyBoundsDateSkew(t *testing.T) {
	key := loadTestKey(t)
	body := []byte(`{}`)

	for name, offset := range map[string]time.Duration{
		"stale":  -13 * time.Hour,
		"future": 13 * time.Hour,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", bytes.NewReader(body))
			req.Header.Set("Date", time.Now().Add(offset).UTC().Format(http.TimeFormat))
			require.NoError(t, SignRequest(req, key, "https://remote.test/u/alice#main-key", body))
			assert.ErrorIs(t, VerifyRequest(req, body, testPublicPem), ErrInvalidSignature)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", bytes.NewReader(body))
	req.Header.Set("Date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	require.NoError(t, SignRequest(req, key, "https://remote.test/u/alice#main-key", body))
	assert.NoError(t, VerifyRequest(req, body, testPublicPem))
}

func TestVerifyRejectsUnsignedRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://forum.test/inbox", nil)
	_, err := SignatureKeyId(req)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSignedGetHasNoDigest(t *testing.T) {
	key := loadTestKey(t)
	req := httptest.NewRequest(http.MethodGet, "https://remote.test/u/bob", nil)
	require.NoError(t, SignRequest(req, key, "https://forum.test/site#main-key", nil))

	assert.Empty(t, req.Header.Get("Digest"))
	assert.NoError(t, VerifyRequest(req, nil, testPublicPem))
}

func TestParseKeys(t *testing.T) {
	key := loadTestKey(t)

	t.Run("PKCS1 private key", func(t *testing.T) {
		parsed, err := ParsePrivateKey(testPrivPem)
		require.NoError(t, err)
		assert.True(t, parsed.Equal(key))
	})

	t.Run("PKCS8 private key", func(t *testing.T) {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		parsed, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
		require.NoError(t, err)
		assert.True(t, parsed.Equal(key))
	})

	t.Run("PKIX public key", func(t *testing.T) {
		parsed, err := ParsePublicKey(testPublicPem)
		require.NoError(t, err)
		assert.True(t, parsed.Equal(&key.PublicKey))
	})

	t.Run("PKCS1 public key", func(t *testing.T) {
		der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
		parsed, err := ParsePublicKey(string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})))
		require.NoError(t, err)
		assert.True(t, parsed.Equal(&key.PublicKey))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParsePublicKey("not a key")
		assert.Error(t, err)
		_, err = ParsePrivateKey("not a key")
		assert.Error(t, err)
	})
}
