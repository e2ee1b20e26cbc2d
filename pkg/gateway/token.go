package gateway

import (
	"context"
	"os"
	"strings"

	"github.com/sbsmw/claimproc/internal/errs"
)

// EnvTokenSource resolves the bearer token from an environment variable
// named by ref, accepting either "env:NAME" or a bare "NAME" (§6
// nphies.token_ref). Mirrors the Signer's EnvKeyStore resolution shape.
type EnvTokenSource struct {
	Ref string
}

// Token implements TokenSource.
func (s EnvTokenSource) Token(ctx context.Context) (string, error) {
	name := strings.TrimPrefix(s.Ref, "env:")
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", errs.New(errs.UpstreamUnavailable, "NPHIES_TOKEN_REF_UNSET", "NPHIES bearer token environment variable is not set").WithRetryable(false)
	}
	return val, nil
}
