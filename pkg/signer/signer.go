// Package signer implements the Signer (C5): detached RSA/SHA-256
// signatures over a caller-canonicalized FHIR bundle, with per-facility
// certificate lookup and key-material handling per §4.6.
package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"time"

	"github.com/sbsmw/claimproc/internal/errs"
	"github.com/sbsmw/claimproc/pkg/catalogue"
)

// Algorithm is the only signing algorithm this engine supports (§6 signer.algorithm).
const Algorithm = "SHA256withRSA"

// Signature is the Signer's public contract return value.
type Signature struct {
	SignatureB64 string
	CertSerial   string
	SignedAt     time.Time
	Algorithm    string
}

// certStore is the subset of *catalogue.Store the Signer depends on.
type certStore interface {
	GetActiveCert(ctx context.Context, facilityID int) (catalogue.CertMeta, error)
}

// KeyStore resolves a private-key reference to PEM-encoded key bytes. The
// default implementation is env-backed; KMS/vault implementations plug in
// behind the same interface (§4.6).
type KeyStore interface {
	Resolve(ctx context.Context, keyRef string) ([]byte, error)
}

// Signer fetches a facility's active certificate, verifies its validity
// window, and produces a PKCS#1 v1.5 RSA signature over caller-supplied
// canonicalized bytes.
type Signer struct {
	store    certStore
	keys     KeyStore
	minBits  int
}

// New creates a Signer. minBits enforces the 2048-bit RSA key minimum of §4.6.
func New(store certStore, keys KeyStore, minBits int) *Signer {
	if minBits == 0 {
		minBits = 2048
	}
	return &Signer{store: store, keys: keys, minBits: minBits}
}

// Sign verifies the facility's active certificate is currently valid, loads
// its private key through the KeyStore, and signs bundleBytes with
// SHA256withRSA. The key is never returned, logged, or retained beyond this
// call (§4.6 key handling invariants).
func (s *Signer) Sign(ctx context.Context, facilityID int, bundleBytes []byte) (Signature, error) {
	cert, err := s.store.GetActiveCert(ctx, facilityID)
	if err != nil {
		return Signature{}, err
	}

	now := time.Now().UTC()
	if now.Before(cert.NotBefore) || !now.Before(cert.NotAfter) {
		return Signature{}, errs.New(errs.Conflict, "SIGNER_CERT_EXPIRED", "facility certificate is outside its validity window").
			WithDetails(map[string]any{
				"not_before": cert.NotBefore,
				"not_after":  cert.NotAfter,
			})
	}

	keyPEM, err := s.keys.Resolve(ctx, cert.PrivateKeyRef)
	if err != nil {
		return Signature{}, errs.Wrap(errs.UpstreamUnavailable, "SIGNER_KEY_UNAVAILABLE", "key source refused to release the private key", err).WithRetryable(true)
	}
	defer zero(keyPEM)

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return Signature{}, errs.New(errs.DataCorrupt, "SIGNER_KEY_DECODE_FAILED", "private key is not valid PEM")
	}
	defer zero(block.Bytes)

	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return Signature{}, errs.Wrap(errs.DataCorrupt, "SIGNER_KEY_DECODE_FAILED", "private key could not be parsed", err)
	}
	if key.N.BitLen() < s.minBits {
		return Signature{}, errs.New(errs.DataCorrupt, "SIGNER_KEY_TOO_SMALL", "private key is below the configured minimum size")
	}

	digest := sha256.Sum256(bundleBytes)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return Signature{}, errs.Wrap(errs.Internal, "SIGNER_SIGNING_FAILED", "RSA signing failed", err)
	}

	return Signature{
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		CertSerial:   cert.Serial,
		SignedAt:     now,
		Algorithm:    Algorithm,
	}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New(errs.DataCorrupt, "SIGNER_KEY_NOT_RSA", "private key is not an RSA key")
	}
	return rsaKey, nil
}

// zero overwrites a byte slice in place so key material does not linger in
// memory beyond the Sign call that needed it.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
