// Package artifact implements the Artifact Sink: a durable, create-only
// writer keyed by business key. Writing is idempotent — an attempt to
// (re)create an existing artifact is a no-op success, never an overwrite.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Result distinguishes a fresh write from an artifact that was already
// present; both are success outcomes.
type Result string

const (
	Created       Result = "created"
	AlreadyExists Result = "already_existed"
)

// Sink writes artifacts to a filesystem directory using exclusive-create
// semantics (O_CREATE|O_EXCL), the create-only primitive the design notes
// call out as the correct defense against the file being written twice.
type Sink struct {
	dir string
}

// New constructs a Sink rooted at dir, creating the directory if needed.
func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=artifact.new: %w", err)
	}
	return &Sink{dir: dir}, nil
}

// Path returns the artifact path for a business key without touching disk.
func (s *Sink) Path(businessKey string) string {
	return filepath.Join(s.dir, fmt.Sprintf("ticket_%s.json", businessKey))
}

// Create writes bytes to the artifact path for businessKey using
// O_CREATE|O_EXCL. If the file already exists, this is a success
// (AlreadyExists), not an error — the artifact's contents are immutable once
// written, so no comparison of the existing bytes against the new ones is
// attempted.
func (s *Sink) Create(ctx context.Context, businessKey string, data []byte) (Result, error) {
	tracer := otel.Tracer("artifact")
	_, span := tracer.Start(ctx, "artifact.Create")
	defer span.End()
	span.SetAttributes(attribute.String("business_key", businessKey))

	path := s.Path(businessKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			span.SetAttributes(attribute.String("result", string(AlreadyExists)))
			return AlreadyExists, nil
		}
		return "", fmt.Errorf("op=artifact.create: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("op=artifact.create.write: %w", err)
	}
	span.SetAttributes(attribute.String("result", string(Created)))
	return Created, nil
}

// Exists reports whether an artifact for businessKey has been written,
// without reading its contents. Used by the handler's heal path (§4.5 step
// 4) to decide whether a losing claim should heal the ledger.
func (s *Sink) Exists(businessKey string) (bool, error) {
	_, err := os.Stat(s.Path(businessKey))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("op=artifact.exists: %w", err)
}

// List returns the business keys of all artifacts present, for the debug
// artifact-directory-listing readout.
func (s *Sink) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const prefix, suffix = "ticket_", ".json"
		if len(name) > len(prefix)+len(suffix) && name[:len(prefix)] == prefix {
			keys = append(keys, name[len(prefix):len(name)-len(suffix)])
		}
	}
	return keys, nil
}
