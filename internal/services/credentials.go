package services

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/compute/metadata"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// AccessToken is a short-lived bearer credential.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time // zero means no known expiry
}

// CredentialProvider supplies bearer tokens and the target project.
type CredentialProvider interface {
	AccessToken(ctx context.Context) (AccessToken, error)
	ProjectID(ctx context.Context) (string, error)
}

// GoogleCredentials resolves Application Default Credentials: a service
// account file, gcloud user credentials, or the GCE/Cloud Run metadata server.
type GoogleCredentials struct {
	creds *google.Credentials
}

var _ CredentialProvider = (*GoogleCredentials)(nil)

// NewGoogleCredentials finds default credentials for the cloud-platform scope.
func NewGoogleCredentials(ctx context.Context) (*GoogleCredentials, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("failed to find default credentials: %w", err)
	}
	return &GoogleCredentials{creds: creds}, nil
}

func (g *GoogleCredentials) AccessToken(_ context.Context) (AccessToken, error) {
	tok, err := g.creds.TokenSource.Token()
	if err != nil {
		return AccessToken{}, fmt.Errorf("failed to obtain access token: %w", err)
	}
	return AccessToken{Token: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// ProjectID returns the project embedded in the credentials, falling back to
// the metadata server when running on Google infrastructure.
func (g *GoogleCredentials) ProjectID(ctx context.Context) (string, error) {
	if g.creds.ProjectID != "" {
		return g.creds.ProjectID, nil
	}
	if !metadata.OnGCE() {
		return "", nil
	}
	id, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query metadata server for project: %w", err)
	}
	return id, nil
}
