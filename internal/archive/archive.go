// Package archive submits change artifacts by storing their files under a
// per-artifact prefix in a local directory or an S3 bucket.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/logging"
)

// Provider is an object store that artifacts can be written to.
type Provider interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	Location(prefix string) string
}

// Submitter writes every artifact file to <prefix>/<slug>/<file>.
type Submitter struct {
	provider Provider
	prefix   string
	log      *slog.Logger
}

// NewSubmitter creates an archive submitter backed by provider.
func NewSubmitter(provider Provider, prefix string, logger *slog.Logger) *Submitter {
	return &Submitter{provider: provider, prefix: prefix, log: logging.OrDiscard(logger)}
}

// Name implements change.Submitter.
func (s *Submitter) Name() string { return "archive" }

// Submit implements change.Submitter. Files are written in order and the
// first failure aborts the submission.
func (s *Submitter) Submit(ctx context.Context, a change.Artifact) (change.SubmissionResult, error) {
	log := logging.FromContext(ctx, s.log).With("submitter", s.Name())
	files, err := a.Files()
	if err != nil {
		return change.SubmissionResult{}, err
	}

	dir := path.Join(s.prefix, a.Slug)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return change.SubmissionResult{}, err
		}
		key := path.Join(dir, path.Base(f.Path))
		if err := s.provider.Put(ctx, key, f.Data); err != nil {
			return change.SubmissionResult{}, fmt.Errorf("%s: %w", s.provider.Name(), err)
		}
		log.Debug("stored artifact file", "provider", s.provider.Name(), "key", key, "bytes", len(f.Data))
	}

	loc := s.provider.Location(dir)
	log.Info("archived change artifact", "provider", s.provider.Name(), "location", loc, "files", len(files))
	return change.SubmissionResult{
		Submitter: s.Name(),
		Reference: dir,
		Location:  loc,
	}, nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".yaml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
