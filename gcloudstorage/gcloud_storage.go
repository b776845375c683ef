package gcloudstorage

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

type SignedURL func(bucket, name string, opts *storage.SignedURLOptions) (string, error)

// GCloudStorage holds the storage client and the service account key used to
// sign delegated URLs.
type GCloudStorage struct {
	Client    *storage.Client
	SignedURL SignedURL

	// Project new buckets are created in.
	ProjectID string

	// Signing identity, taken from the service account key.
	GoogleAccessID string
	PrivateKey     []byte
}

// NewGCloudStorage creates a client authenticated with the service account key
// at serviceAccount. The same key signs delegated URLs.
func NewGCloudStorage(ctx context.Context, projectID, serviceAccount string) (*GCloudStorage, error) {
	jsonKey, err := os.ReadFile(serviceAccount)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %v", err)
	}
	conf, err := google.JWTConfigFromJSON(jsonKey)
	if err != nil {
		return nil, fmt.Errorf("google.JWTConfigFromJSON: %v", err)
	}

	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(jsonKey))
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %v", err)
	}

	return &GCloudStorage{
		Client:         client,
		SignedURL:      storage.SignedURL,
		ProjectID:      projectID,
		GoogleAccessID: conf.Email,
		PrivateKey:     conf.PrivateKey,
	}, nil
}

// Close closes the underlying client.
func (g *GCloudStorage) Close() error {
	if g.Client == nil {
		return nil
	}
	return g.Client.Close()
}
