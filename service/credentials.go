package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2/google"
)

// ErrCredentialNotFound reports a service account file that does not exist.
// It is returned before any call to the warehouse is made.
var ErrCredentialNotFound = errors.New("service account file not found")

// CredentialProvider supplies the credentials used to authenticate the
// warehouse client. The file-backed implementation is the production path;
// tests substitute StaticCredentials to stay off the disk.
type CredentialProvider interface {
	Credentials(ctx context.Context) (*google.Credentials, error)
}

// FileCredentials loads a service account key from a JSON file.
type FileCredentials struct {
	Path string
}

func (f FileCredentials) Credentials(ctx context.Context) (*google.Credentials, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrCredentialNotFound)
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, f.Path)
	}
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, data, bigquery.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account file %s: %w", f.Path, err)
	}
	return creds, nil
}

// StaticCredentials is an in-memory CredentialProvider for tests.
type StaticCredentials struct {
	ProjectID string
}

func (s StaticCredentials) Credentials(ctx context.Context) (*google.Credentials, error) {
	return &google.Credentials{ProjectID: s.ProjectID}, nil
}
