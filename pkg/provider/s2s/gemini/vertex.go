package gemini

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// cloudPlatformScope is the OAuth2 scope required by the Vertex AI Live API.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// VertexTokenSource returns a caching token source for Vertex AI. When keyPath
// names a service-account JSON key it is used directly; an empty keyPath falls
// back to Application Default Credentials.
func VertexTokenSource(ctx context.Context, keyPath string) (oauth2.TokenSource, error) {
	if keyPath == "" {
		ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("gemini: default credentials: %w", err)
		}
		return ts, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("gemini: read service account key: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("gemini: parse service account key: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, creds.TokenSource), nil
}
