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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/ratelimit"
)

const (
	// maxDownloadBytes bounds a single remote artifact.
	maxDownloadBytes = 2 << 30
	// DefaultDownloadTimeout bounds an https:// download when no client is given.
	DefaultDownloadTimeout = 5 * time.Minute
)

// Source is a generated payload in whichever form the vendor returned it.
// Data wins over Base64, which wins over URI.
type Source struct {
	Data     []byte
	Base64   string
	URI      string // gs:// or http(s)://
	MIMEType string
}

// ObjectFetcher downloads gs:// objects.
type ObjectFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// GCSFetcher reads objects through the Cloud Storage client.
type GCSFetcher struct {
	Client *storage.Client
}

// ParseGCSURI splits gs://bucket/object into its parts.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// uri: %q", uri)
	}
	return bucket, object, nil
}

func (g *GCSFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if g.Client == nil {
		return nil, errors.New("no storage client configured")
	}
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	reader, err := g.Client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer reader.Close()
	return io.ReadAll(io.LimitReader(reader, maxDownloadBytes))
}

// Materializer turns payloads into local files under OutputDir.
type Materializer struct {
	OutputDir  string
	GCS        ObjectFetcher
	HTTPClient *http.Client
	Clock      ratelimit.Clock // Stamps file names. Left nil, the owning client sets its own clock.
}

// NewMaterializer creates a materializer writing under outputDir. A nil
// httpClient gets one bounded by DefaultDownloadTimeout.
func NewMaterializer(outputDir string, gcs ObjectFetcher, httpClient *http.Client) *Materializer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultDownloadTimeout}
	}
	return &Materializer{OutputDir: outputDir, GCS: gcs, HTTPClient: httpClient}
}

// materializeAll writes every source in order. When one fails, the files
// already written for the earlier sources are removed, so a failed attempt
// leaves nothing behind in the output directory.
func (m *Materializer) materializeAll(ctx context.Context, prefix string, sources []Source) ([]model.Artifact, error) {
	artifacts := make([]model.Artifact, 0, len(sources))
	for i, src := range sources {
		art, err := m.Materialize(ctx, prefix, i, src)
		if err != nil {
			for _, written := range artifacts {
				_ = os.Remove(written.Path)
			}
			return nil, err
		}
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

// Materialize resolves src to bytes and writes it to a fresh, collision
// resistant path: {prefix}_{yyyymmdd-hhmmss}_{index}_{random}.{ext}.
func (m *Materializer) Materialize(ctx context.Context, prefix string, index int, src Source) (model.Artifact, error) {
	data, err := m.resolve(ctx, src)
	if err != nil {
		return model.Artifact{}, &MaterializationError{Index: index, Err: err}
	}
	if len(data) == 0 {
		return model.Artifact{}, &MaterializationError{Index: index, Err: errors.New("payload is empty")}
	}

	mimeType, ext := detectType(data, src.MIMEType)
	if err := os.MkdirAll(m.OutputDir, 0o755); err != nil {
		return model.Artifact{}, &MaterializationError{Index: index, Err: err}
	}
	path := filepath.Join(m.OutputDir, m.fileName(prefix, index, ext))
	if err := WriteFileAtomic(path, data); err != nil {
		return model.Artifact{}, &MaterializationError{Index: index, Err: err}
	}

	sum := sha256.Sum256(data)
	return model.Artifact{
		Index:     index,
		Path:      path,
		URI:       src.URI,
		MIMEType:  mimeType,
		SizeBytes: int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
	}, nil
}

func (m *Materializer) fileName(prefix string, index int, ext string) string {
	if prefix == "" {
		prefix = "artifact"
	}
	clock := m.Clock
	if clock == nil {
		clock = ratelimit.SystemClock{}
	}
	stamp := clock.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s_%s_%d_%s.%s", sanitize(prefix), stamp, index, uuid.NewString()[:8], ext)
}

func (m *Materializer) resolve(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case len(src.Data) > 0:
		return src.Data, nil
	case src.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(src.Base64)
		if err != nil {
			return nil, fmt.Errorf("corrupt base64 payload: %w", err)
		}
		return data, nil
	case strings.HasPrefix(src.URI, "gs://"):
		if m.GCS == nil {
			return nil, fmt.Errorf("cannot fetch %s: no storage client configured", src.URI)
		}
		return m.GCS.Fetch(ctx, src.URI)
	case strings.HasPrefix(src.URI, "http://"), strings.HasPrefix(src.URI, "https://"):
		return m.download(ctx, src.URI)
	case src.URI != "":
		return nil, fmt.Errorf("unsupported artifact uri %q", src.URI)
	}
	return nil, errors.New("payload has neither bytes nor a uri")
}

func (m *Materializer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

// WriteFileAtomic writes data to path through a temporary file in the same
// directory and a rename, so readers never observe a partial file and
// repeated writes of the same bytes leave an identical file.
func WriteFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// detectType sniffs the payload, falling back to the vendor's declared type.
func detectType(data []byte, declared string) (mimeType, ext string) {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value, kind.Extension
	}
	if declared != "" {
		if exts, err := mime.ExtensionsByType(declared); err == nil && len(exts) > 0 {
			return declared, strings.TrimPrefix(exts[0], ".")
		}
		if _, sub, ok := strings.Cut(declared, "/"); ok && sub != "" {
			return declared, sub
		}
	}
	return "application/octet-stream", "bin"
}

func sanitize(prefix string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, prefix)
}
