package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"
)

// Signer produces time-limited read URLs for source images so the provider
// can fetch them without portal credentials.
type Signer interface {
	SignedURL(ctx context.Context, assetPath string, expiresIn time.Duration) (string, error)
}

type SupabaseSignerConfig struct {
	URL    string
	APIKey string
	Bucket string
}

// SupabaseSigner signs object paths against the portal's hosted storage.
type SupabaseSigner struct {
	client *storage_go.Client
	bucket string
}

func NewSupabaseSigner(config SupabaseSignerConfig) *SupabaseSigner {
	bucket := strings.TrimSpace(config.Bucket)
	if bucket == "" {
		bucket = "listing-media"
	}
	return &SupabaseSigner{
		client: storage_go.NewClient(strings.TrimSuffix(config.URL, "/"), config.APIKey, nil),
		bucket: bucket,
	}
}

func (s *SupabaseSigner) SignedURL(_ context.Context, assetPath string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}
	response, err := s.client.CreateSignedUrl(s.bucket, assetPath, int(expiresIn.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", assetPath, err)
	}
	return response.SignedURL, nil
}

// StaticSigner returns predictable URLs for local development and tests,
// the same way the service falls back when storage is not configured.
type StaticSigner struct {
	BaseURL string
}

func (s StaticSigner) SignedURL(_ context.Context, assetPath string, _ time.Duration) (string, error) {
	base := strings.TrimSuffix(s.BaseURL, "/")
	if base == "" {
		base = "http://localhost/media"
	}
	return base + "/" + strings.TrimPrefix(assetPath, "/"), nil
}
