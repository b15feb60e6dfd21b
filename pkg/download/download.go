// Package download orchestrates authorized dataset downloads: policy
// check, audit append, cache invalidation, then the file stream.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"researchhub/pkg/accesspolicy"
	"researchhub/pkg/metrics"
	"researchhub/pkg/models"
	"researchhub/pkg/stream"
)

var (
	// ErrPermissionDenied: the policy evaluator denied the principal.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAuditUnavailable: the audit append failed. The operation is
	// aborted; an unaudited access never proceeds.
	ErrAuditUnavailable = errors.New("audit log unavailable")
)

type datasetStore interface {
	GetForPrincipal(ctx context.Context, datasetID, principal string) (models.Dataset, error)
	TouchLastAccessed(ctx context.Context, datasetID string, at time.Time) error
}

type auditLog interface {
	Append(ctx context.Context, evt models.AuditEvent) (models.AuditEvent, error)
}

type statsInvalidator interface {
	Invalidate(ctx context.Context, datasetID string)
}

type eventSink interface {
	Publish(evt stream.Event)
}

type busPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Storage serves dataset file content.
type Storage interface {
	Open(ctx context.Context, path string) (io.ReadCloser, int64, error)
}

// Service runs the download flow. Events and Bus are optional; every
// other collaborator is required.
type Service struct {
	Datasets datasetStore
	Audit    auditLog
	Stats    statsInvalidator
	Storage  Storage
	Events   eventSink
	Bus      busPublisher
	Metrics  *metrics.Registry

	nowFn func() time.Time
}

// Result is a granted download.
type Result struct {
	Dataset models.Dataset
	Content io.ReadCloser
	Size    int64
}

// Download authorizes and serves one dataset download.
//
// On denial the attempt is recorded as unauthorized_access before the
// error returns; on grant the download event is committed to the audit
// log and the stats cache invalidated before the file stream opens. A
// failed audit append aborts either path.
func (s *Service) Download(ctx context.Context, datasetID, principal, ip string) (Result, error) {
	ds, err := s.Datasets.GetForPrincipal(ctx, datasetID, principal)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	decision := accesspolicy.Evaluate(ds, principal, now)
	s.countDecision(decision)

	if !decision.Allowed {
		detail, _ := json.Marshal(map[string]string{
			"reason":        accesspolicy.Explain(ds.Request, principal, now),
			"privacy_level": ds.PrivacyLevel,
		})
		evt := models.AuditEvent{
			Actor:      principal,
			Action:     models.ActionUnauthorizedAccess,
			TargetType: "dataset",
			TargetID:   ds.ID,
			IPAddress:  ip,
			Detail:     detail,
		}
		if _, err := s.Audit.Append(ctx, evt); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
		}
		s.countAudit(models.ActionUnauthorizedAccess)
		s.Stats.Invalidate(ctx, ds.ID)
		return Result{}, fmt.Errorf("%w: %s", ErrPermissionDenied, decision.Reason)
	}

	detail, _ := json.Marshal(map[string]any{
		"reason":    decision.Reason,
		"file_path": ds.FilePath,
		"file_size": ds.FileSize,
	})
	evt := models.AuditEvent{
		Actor:      principal,
		Action:     models.ActionDownload,
		TargetType: "dataset",
		TargetID:   ds.ID,
		IPAddress:  ip,
		Detail:     detail,
	}
	if _, err := s.Audit.Append(ctx, evt); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	s.countAudit(models.ActionDownload)

	if err := s.Datasets.TouchLastAccessed(ctx, ds.ID, now); err != nil {
		return Result{}, fmt.Errorf("record access: %w", err)
	}
	// The snapshot the caller sees reflects this access.
	ds.LastAccessed = &now

	// Invalidation happens before the response so the next stats read
	// recomputes.
	s.Stats.Invalidate(ctx, ds.ID)

	s.notify(ctx, ds, principal)

	content, size, err := s.Storage.Open(ctx, ds.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("open dataset file: %w", err)
	}
	return Result{Dataset: ds, Content: content, Size: size}, nil
}

func (s *Service) notify(ctx context.Context, ds models.Dataset, principal string) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("dataset.download", map[string]string{
			"dataset_id": ds.ID,
			"actor":      principal,
		}))
	}
	if s.Bus != nil {
		if err := s.Bus.Publish(ctx, ds.ID, map[string]string{
			"event":      "dataset.download",
			"dataset_id": ds.ID,
			"actor":      principal,
		}); err != nil {
			log.Printf("download: bus publish failed: %v", err)
		}
	}
}

func (s *Service) countDecision(d accesspolicy.Decision) {
	if s.Metrics == nil {
		return
	}
	verdict := "deny"
	if d.Allowed {
		verdict = "allow"
	}
	s.Metrics.IncDecision(verdict, d.Reason)
}

func (s *Service) countAudit(action string) {
	if s.Metrics != nil {
		s.Metrics.IncAuditAction(action)
	}
}

func (s *Service) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now().UTC()
}
