// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope is the OAuth scope required by the Vertex AI endpoints.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// EnvCredentialsFile names the environment variable holding the path of the
// service account key.
const EnvCredentialsFile = "GOOGLE_APPLICATION_CREDENTIALS"

// TokenSource yields a short-lived bearer token for the remote API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token, used against local emulators and tests.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", &AuthError{Err: errors.New("empty static token")}
	}
	return string(s), nil
}

// ServiceAccountTokenSource exchanges a service account JSON key for OAuth2
// access tokens. The key is read on first use; the underlying oauth2 source
// caches tokens until shortly before they expire.
type ServiceAccountTokenSource struct {
	path   string
	scopes []string

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewServiceAccountTokenSource creates a token source for the key at path.
// An empty path falls back to GOOGLE_APPLICATION_CREDENTIALS.
func NewServiceAccountTokenSource(path string, scopes ...string) *ServiceAccountTokenSource {
	if path == "" {
		path = os.Getenv(EnvCredentialsFile)
	}
	if len(scopes) == 0 {
		scopes = []string{CloudPlatformScope}
	}
	return &ServiceAccountTokenSource{path: path, scopes: scopes}
}

// Token returns a valid access token. Every failure is an *AuthError.
func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	src, err := s.tokenSource(ctx)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("token endpoint rejected the request: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Err: errors.New("token endpoint returned an empty access token")}
	}
	return tok.AccessToken, nil
}

func (s *ServiceAccountTokenSource) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		return s.source, nil
	}
	if s.path == "" {
		return nil, &AuthError{Err: fmt.Errorf("no credentials file configured (set %s)", EnvCredentialsFile)}
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("failed to read credentials file %s: %w", s.path, err)}
	}
	// The token source outlives this call, so it must not inherit its deadline.
	creds, err := google.CredentialsFromJSON(context.WithoutCancel(ctx), data, s.scopes...)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("malformed credentials file %s: %w", s.path, err)}
	}
	s.source = creds.TokenSource
	return s.source, nil
}

// DefaultCredentials resolves Application Default Credentials, which is how
// the service authenticates on Cloud Run where no key file is mounted.
type DefaultCredentials struct {
	scopes []string

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewDefaultCredentials creates a token source backed by Application Default
// Credentials.
func NewDefaultCredentials(scopes ...string) *DefaultCredentials {
	if len(scopes) == 0 {
		scopes = []string{CloudPlatformScope}
	}
	return &DefaultCredentials{scopes: scopes}
}

func (d *DefaultCredentials) Token(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.source == nil {
		creds, err := google.FindDefaultCredentials(context.WithoutCancel(ctx), d.scopes...)
		if err != nil {
			d.mu.Unlock()
			return "", &AuthError{Err: fmt.Errorf("no application default credentials: %w", err)}
		}
		d.source = creds.TokenSource
	}
	src := d.source
	d.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("token endpoint rejected the request: %w", err)}
	}
	return tok.AccessToken, nil
}
