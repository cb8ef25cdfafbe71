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

// Package services contains the business logic sitting between the HTTP API
// and the workflows. This file, `media.go`, defines the ArtifactURLSigner,
// which generates secure, time-limited URLs for generated media uploaded to
// Google Cloud Storage (GCS), so a browser can fetch them without credentials.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// ErrArtifactNotUploaded is returned for an artifact that only exists locally.
var ErrArtifactNotUploaded = errors.New("artifact has no gs:// location")

// BlobSigner signs bytes as a service account.
type BlobSigner interface {
	SignBlob(ctx context.Context, serviceAccount string, payload []byte) ([]byte, error)
}

// IAMBlobSigner signs through the IAM credentials API, so no private key has
// to be present on the machine.
type IAMBlobSigner struct {
	Client *credentials.IamCredentialsClient
}

func (s *IAMBlobSigner) SignBlob(ctx context.Context, serviceAccount string, payload []byte) ([]byte, error) {
	resp, err := s.Client.SignBlob(ctx, &credentialspb.SignBlobRequest{
		Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", serviceAccount),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("IAMClient.SignBlob: %w", err)
	}
	return resp.SignedBlob, nil
}

// ArtifactURLSigner issues V4 signed GET URLs for uploaded artifacts.
type ArtifactURLSigner struct {
	StorageClient *storage.Client // Client for interacting with Google Cloud Storage.
	SignerEmail   string          // The service account the URLs are signed as; empty uses the client's credentials.
	Signer        BlobSigner      // Signs on behalf of SignerEmail.
}

// NewArtifactURLSigner creates a signer. The IAM client may be nil, in which
// case the storage client's own credentials must be able to sign.
func NewArtifactURLSigner(client *storage.Client, iam *credentials.IamCredentialsClient, signerEmail string) *ArtifactURLSigner {
	s := &ArtifactURLSigner{StorageClient: client, SignerEmail: signerEmail}
	if iam != nil && signerEmail != "" {
		s.Signer = &IAMBlobSigner{Client: iam}
	}
	return s
}

// SignedURL creates a time-limited URL for a gs:// object.
//
// Inputs:
//   - ctx: The context for the signing call.
//   - gsURI: The object, e.g. "gs://bucket/generations/req-1/clip.mp4".
//   - ttl: How long the URL stays valid.
//
// Outputs:
//   - string: The signed URL.
//   - error: A malformed URI or a signing failure.
func (s *ArtifactURLSigner) SignedURL(ctx context.Context, gsURI string, ttl time.Duration) (string, error) {
	bucketName, objectName, err := generation.ParseGCSURI(gsURI)
	if err != nil {
		return "", err
	}

	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	}
	if s.SignerEmail != "" && s.Signer != nil {
		opts.GoogleAccessID = s.SignerEmail
		opts.SignBytes = func(b []byte) ([]byte, error) {
			return s.Signer.SignBlob(ctx, s.SignerEmail, b)
		}
	}

	u, err := s.StorageClient.Bucket(bucketName).SignedURL(objectName, opts)
	if err != nil {
		return "", fmt.Errorf("Bucket(%q).Object(%q).SignedURL: %w", bucketName, objectName, err)
	}
	return u, nil
}

// ArtifactURL signs the upload location of one artifact of a finished job.
// The returned artifact carries the URL in PublicURL.
func (s *ArtifactURLSigner) ArtifactURL(ctx context.Context, job *model.Job, index int, ttl time.Duration) (model.Artifact, error) {
	if job.Result == nil || index < 0 || index >= len(job.Result.Artifacts) {
		return model.Artifact{}, fmt.Errorf("job %s has no artifact %d", job.ID, index)
	}
	artifact := job.Result.Artifacts[index]
	if artifact.URI == "" {
		return artifact, fmt.Errorf("artifact %d of job %s: %w", index, job.ID, ErrArtifactNotUploaded)
	}
	u, err := s.SignedURL(ctx, artifact.URI, ttl)
	if err != nil {
		return artifact, err
	}
	artifact.PublicURL = u
	return artifact, nil
}
