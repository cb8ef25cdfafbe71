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

// Package cloud contains data structures and utilities for interacting with Google Cloud services.
// This file holds the Cloud Storage pieces shared by the workflow: a compact
// object reference and an uploader streaming local artifacts into a bucket.
//
// Structs:
//   - GCSObject: A bucket, object name and content type.
//   - GCSUploader: Streams readers into objects through a storage client.
package cloud

import (
	"context"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
)

// GCSObject is a compact reference to a Cloud Storage object.
type GCSObject struct {
	Bucket   string // The name of the GCS bucket.
	Name     string // The name of the object.
	MIMEType string // The MIME type of the object (e.g., "video/mp4").
}

// URI returns the gs:// form of the object.
func (o GCSObject) URI() string {
	return fmt.Sprintf("gs://%s/%s", o.Bucket, o.Name)
}

// ArtifactObject names the object an artifact file is uploaded to:
// {prefix}/{requestID}/{file name}.
func ArtifactObject(bucket, prefix, requestID, localPath, mimeType string) GCSObject {
	return GCSObject{
		Bucket:   bucket,
		Name:     path.Join(prefix, requestID, path.Base(localPath)),
		MIMEType: mimeType,
	}
}

// GCSUploader streams content into Cloud Storage.
type GCSUploader struct {
	Client *storage.Client
}

// Upload copies r into the object. The object only becomes visible once the
// writer closes cleanly, so a failed copy never leaves a partial object behind.
//
// Inputs:
//   - ctx: Cancelling it aborts the upload.
//   - obj: The destination.
//   - r: The content.
//
// Outputs:
//   - int64: Bytes written.
//   - error: A copy or finalize failure.
func (u *GCSUploader) Upload(ctx context.Context, obj GCSObject, r io.Reader) (int64, error) {
	// Cancelling the writer's context is what discards an incomplete upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := u.Client.Bucket(obj.Bucket).Object(obj.Name).NewWriter(ctx)
	writer.ContentType = obj.MIMEType
	written, err := io.Copy(writer, r)
	if err != nil {
		cancel()
		_ = writer.Close()
		return written, fmt.Errorf("failed to copy to %s after %d bytes: %w", obj.URI(), written, err)
	}
	if err := writer.Close(); err != nil {
		return written, fmt.Errorf("failed to finalize %s: %w", obj.URI(), err)
	}
	return written, nil
}
