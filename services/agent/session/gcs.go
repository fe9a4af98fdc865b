// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/agentcore/services/agent"
)

// GCSConfig locates the bucket used by session export and import.
type GCSConfig struct {
	// Bucket is the target bucket name. Required.
	Bucket string

	// Prefix prepends object names, e.g. "sessions".
	Prefix string

	// CredentialsFile is a service-account key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// ExportGCS uploads a saved session as JSON to the configured bucket
// under <prefix>/<id>.json.
func (s *Store) ExportGCS(ctx context.Context, cfg GCSConfig, id string) error {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return err
	}

	client, err := newGCSClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}

	object := objectName(cfg.Prefix, id)
	writer := client.Bucket(cfg.Bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write session %s to gs://%s/%s: %w", id, cfg.Bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close GCS writer for gs://%s/%s: %w", cfg.Bucket, object, err)
	}

	s.logger.Info("exported session",
		"session_id", id,
		"bucket", cfg.Bucket,
		"object", object,
		"size_bytes", len(data),
	)
	return nil
}

// ImportGCS downloads a session object and saves it into the local store,
// overwriting any record with the same ID.
//
// Outputs:
//
//	*Record - The imported record.
//	error - agent.ErrSessionNotFound when the object does not exist.
func (s *Store) ImportGCS(ctx context.Context, cfg GCSConfig, id string) (*Record, error) {
	client, err := newGCSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	object := objectName(cfg.Prefix, id)
	reader, err := client.Bucket(cfg.Bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", agent.ErrSessionNotFound, cfg.Bucket, object)
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", cfg.Bucket, object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", cfg.Bucket, object, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode gs://%s/%s: %w", cfg.Bucket, object, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if err := s.Save(ctx, &rec); err != nil {
		return nil, err
	}

	s.logger.Info("imported session",
		"session_id", rec.ID,
		"bucket", cfg.Bucket,
		"object", object,
	)
	return &rec, nil
}

func newGCSClient(ctx context.Context, cfg GCSConfig) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return client, nil
}

func objectName(prefix, id string) string {
	return path.Join(prefix, id+".json")
}
