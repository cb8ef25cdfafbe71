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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines a
// command for copying the materialized artifacts to a Cloud Storage bucket.
//
// Logic Flow:
// Generated media is first written to local disk. When an upload bucket is
// configured the workflow follows generation with this command.
//
//  1. Get the generation result from the context.
//  2. For every artifact, open the local file and stream it to
//     {bucket}/{prefix}/{request id}/{file name}.
//  3. Record the gs:// URI on the artifact, so the persisted row and the API
//     point at the durable copy.
//
// The local files are kept; the output directory is the CLI's deliverable.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/model"
)

// ObjectUploader streams content into an object. *cloud.GCSUploader satisfies it.
type ObjectUploader interface {
	Upload(ctx context.Context, obj cloud.GCSObject, r io.Reader) (int64, error)
}

// ArtifactUpload is a command implementation responsible for uploading the
// artifacts of a generation result to a bucket.
type ArtifactUpload struct {
	cor.BaseCommand
	uploader ObjectUploader // Writes the objects.
	bucket   string         // The name of the destination bucket.
	prefix   string         // Object name prefix, may be empty.
}

// NewArtifactUpload is the constructor for creating a new ArtifactUpload command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - uploader: Writes the objects, usually a *cloud.GCSUploader.
//   - bucket: The name of the target bucket.
//   - prefix: Prepended to every object name.
//
// Outputs:
//   - *ArtifactUpload: A pointer to the newly instantiated command.
func NewArtifactUpload(name string, uploader ObjectUploader, bucket string, prefix string) *ArtifactUpload {
	return &ArtifactUpload{BaseCommand: *cor.NewBaseCommand(name), uploader: uploader, bucket: bucket, prefix: prefix}
}

// IsExecutable requires a generation result in the context.
func (c *ArtifactUpload) IsExecutable(context cor.Context) bool {
	return context != nil && context.GetContext() != nil && context.Get(ResultParam) != nil
}

// Execute uploads every artifact and records its URI.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *ArtifactUpload) Execute(context cor.Context) {
	res, ok := cor.GetAs[*model.GenerationResult](context, ResultParam)
	if !ok || res == nil {
		c.Fail(context, errMissing(ResultParam, "*model.GenerationResult"))
		return
	}

	for i := range res.Artifacts {
		artifact := &res.Artifacts[i]
		obj := cloud.ArtifactObject(c.bucket, c.prefix, res.RequestID, artifact.Path, artifact.MIMEType)
		written, err := c.upload(context.GetContext(), obj, artifact.Path)
		if err != nil {
			c.Fail(context, fmt.Errorf("failed to upload artifact %d of %s: %w", artifact.Index, res.RequestID, err))
			return
		}
		artifact.URI = obj.URI()
		slog.InfoContext(context.GetContext(), "artifact uploaded", "request_id", res.RequestID, "uri", artifact.URI, "bytes", written)
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), res)
}

func (c *ArtifactUpload) upload(ctx context.Context, obj cloud.GCSObject, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return c.uploader.Upload(ctx, obj, f)
}
