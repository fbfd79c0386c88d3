package tools

import (
	"context"
	"os"
	"strings"

	"github.com/normanking/intentrouter/pkg/types"
)

// resolveCredentials resolves every declared field for one tool.
func resolveCredentials(ctx context.Context, resolve CredentialResolver, userID string, id types.ToolID, fields []CredentialField) (Credentials, error) {
	creds := make(Credentials, len(fields))
	for _, f := range fields {
		if resolve != nil {
			if v, ok := resolve(ctx, userID, f.names()); ok {
				creds[f.Name] = v
				continue
			}
		}
		switch {
		case f.Default != "":
			creds[f.Name] = f.Default
		case f.Optional:
		default:
			return nil, missingCredentialError(id, f)
		}
	}
	return creds, nil
}

// EnvResolver resolves credentials from process environment variables,
// ignoring the user. Empty variables count as unset.
func EnvResolver() CredentialResolver {
	return func(_ context.Context, _ string, fields []string) (string, bool) {
		for _, f := range fields {
			if v := strings.TrimSpace(os.Getenv(f)); v != "" {
				return v, true
			}
		}
		return "", false
	}
}

// MapResolver resolves credentials from per-user values. Values under the
// empty user id apply to every user.
func MapResolver(values map[string]map[string]string) CredentialResolver {
	return func(_ context.Context, userID string, fields []string) (string, bool) {
		for _, f := range fields {
			if v := values[userID][f]; v != "" {
				return v, true
			}
			if v := values[""][f]; v != "" {
				return v, true
			}
		}
		return "", false
	}
}

// ChainResolvers tries each resolver in order and returns the first hit.
// Nil resolvers are skipped.
func ChainResolvers(resolvers ...CredentialResolver) CredentialResolver {
	return func(ctx context.Context, userID string, fields []string) (string, bool) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			if v, ok := r(ctx, userID, fields); ok {
				return v, true
			}
		}
		return "", false
	}
}
