package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/go-fed/httpsig"
)

var (
	signedPostHeaders = []string{"(request-target)", "host", "date", "digest"}
	signedGetHeaders  = []string{"(request-target)", "host", "date"}
)

// maxClockSkew bounds how far the Date of a signed request may be from now.
const maxClockSkew = 12 * time.Hour

// KeyId is the public key id published for an actor.
func KeyId(actor domain.RemoteRef) string {
	return actor.String() + "#main-key"
}

// SignRequest signs an outgoing HTTP request with the given private key.
// A non-nil body adds and signs a SHA-256 Digest header.
// keyId format: "https://example.com/u/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	headers := signedGetHeaders
	if body != nil {
		headers = signedPostHeaders
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	// The signer reads host from the header map, not from req.Host.
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, body)
}

// SignatureKeyId returns the keyId an incoming request claims to be signed with.
func SignatureKeyId(req *http.Request) (string, error) {
	restoreHostHeader(req)
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return verifier.KeyId(), nil
}

// VerifyRequest verifies the HTTP signature on an incoming request against the
// signer's public key. For requests with a body the Digest header must be
// signed and match the body.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string) error {
	restoreHostHeader(req)
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := checkDate(req.Header.Get("Date"), time.Now()); err != nil {
		return err
	}
	if body != nil && !slices.Contains(signedHeaderNames(req), "digest") {
		return fmt.Errorf("%w: digest is not covered by the signature", ErrInvalidSignature)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: signature verification failed: %v", ErrInvalidSignature, err)
	}

	if body != nil {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return err
		}
	}
	return nil
}

// restoreHostHeader puts back the Host header that net/http moves to req.Host.
func restoreHostHeader(req *http.Request) {
	if req.Header.Get("Host") == "" && req.Host != "" {
		req.Header.Set("Host", req.Host)
	}
}

func checkDate(header string, now time.Time) error {
	if header == "" {
		return fmt.Errorf("%w: missing Date header", ErrInvalidSignature)
	}
	date, err := http.ParseTime(header)
	if err != nil {
		return fmt.Errorf("%w: invalid Date header: %v", ErrInvalidSignature, err)
	}
	if skew := now.Sub(date); skew > maxClockSkew || skew < -maxClockSkew {
		return fmt.Errorf("%w: Date %s is too far from now", ErrInvalidSignature, header)
	}
	return nil
}

// signedHeaderNames lists the headers parameter of the Signature header.
// Without one only date is signed.
func signedHeaderNames(req *http.Request) []string {
	sig := req.Header.Get("Signature")
	if sig == "" {
		sig = strings.TrimPrefix(req.Header.Get("Authorization"), "Signature ")
	}
	for _, param := range strings.Split(sig, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "headers" {
			return strings.Fields(strings.ToLower(strings.Trim(value, `"`)))
		}
	}
	return []string{"date"}
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing Digest header", ErrInvalidSignature)
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	// Digest may list several algorithms: "SHA-256=..., SHA-512=..."
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, string(httpsig.DigestSha256)) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(want)) == 1 {
			return nil
		}
		return fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
	}
	return fmt.Errorf("%w: no SHA-256 digest", ErrInvalidSignature)
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PKIX ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC KEY")
// PEM string to *rsa.PublicKey.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}
