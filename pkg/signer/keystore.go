package signer

import (
	"context"
	"os"

	"github.com/sbsmw/claimproc/internal/errs"
)

// EnvKeyStore resolves a private-key reference to the PEM contents of the
// environment variable it names (§6 signer.key_source=env). KMS/vault
// implementations satisfy the same KeyStore interface without touching the
// Signer.
type EnvKeyStore struct{}

// Resolve reads the environment variable named by keyRef.
func (EnvKeyStore) Resolve(ctx context.Context, keyRef string) ([]byte, error) {
	val, ok := os.LookupEnv(keyRef)
	if !ok || val == "" {
		return nil, errs.New(errs.UpstreamUnavailable, "SIGNER_KEY_REF_UNSET", "key reference environment variable is not set").WithRetryable(false)
	}
	return []byte(val), nil
}
