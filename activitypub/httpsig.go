package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// Signature verification failure taxonomy. Signature failures are never
// retried; the request is rejected at the boundary.
var (
	ErrSignatureExpired   = errors.New("signature date outside freshness window")
	ErrKeyNotFound        = errors.New("signing key not found")
	ErrSignatureMismatch  = errors.New("signature verification failed")
	ErrMalformedSignature = errors.New("malformed signature header")
)

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// VerifyRequest verifies the HTTP signature on an incoming request against
// the given public key PEM. Returns the actor URI derived from the keyId.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	// keyId is usually "https://example.com/users/alice#main-key";
	// the actor URI is everything before the fragment.
	actorURI := strings.Split(verifier.KeyId(), "#")[0]

	return actorURI, nil
}

// VerifyDigest checks the Digest header against the delivered body. The
// signature covers the Digest header, so this binds the body to the
// signature.
func VerifyDigest(req *http.Request, body []byte) error {
	digest := req.Header.Get("Digest")
	if digest == "" {
		return fmt.Errorf("%w: missing Digest header", ErrMalformedSignature)
	}
	sum := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	if digest != want {
		return fmt.Errorf("%w: digest does not match body", ErrSignatureMismatch)
	}
	return nil
}

// KeyIdActor extracts the claimed actor URI from a request's Signature
// header without verifying anything, so the verifier knows whose key to
// fetch.
func KeyIdActor(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	keyId := verifier.KeyId()
	if keyId == "" {
		return "", fmt.Errorf("%w: empty keyId", ErrMalformedSignature)
	}
	return strings.Split(keyId, "#")[0], nil
}

// VerifyDate checks the request's Date header against a clock-skew window,
// rejecting replays of old signed requests.
func VerifyDate(req *http.Request, skew time.Duration) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return fmt.Errorf("%w: missing Date header", ErrMalformedSignature)
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("%w: bad Date header: %v", ErrMalformedSignature, err)
	}
	age := time.Since(sent)
	if age > skew || age < -skew {
		return fmt.Errorf("%w: dated %s", ErrSignatureExpired, dateHeader)
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
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
