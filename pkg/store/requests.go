package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"researchhub/pkg/models"
)

// Requests is the access-request repository.
type Requests struct {
	DB DB
}

const requestColumns = `
	id, dataset_id, requester, status, COALESCE(reason,''),
	COALESCE(approved_by,''), approval_date, expiry_date, requested_at`

// Create registers a pending request. The (dataset, requester) pair is
// unique; a second request maps to ErrConflict.
func (r *Requests) Create(ctx context.Context, req models.AccessRequest) (models.AccessRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO access_requests (id, dataset_id, requester, status, reason, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, req.ID, req.DatasetID, req.RequesterID, req.Status, req.Reason, req.RequestedAt)
	if err != nil {
		return req, fmt.Errorf("create access request: %w", MapError(err))
	}
	return req, nil
}

// Get loads one request by ID.
func (r *Requests) Get(ctx context.Context, requestID string) (models.AccessRequest, error) {
	row := r.DB.QueryRow(ctx, `SELECT`+requestColumns+` FROM access_requests WHERE id = $1`, requestID)
	return scanRequest(row)
}

// GetForDataset loads the requester's request for one dataset.
func (r *Requests) GetForDataset(ctx context.Context, datasetID, requester string) (models.AccessRequest, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT`+requestColumns+` FROM access_requests WHERE dataset_id = $1 AND requester = $2
	`, datasetID, requester)
	return scanRequest(row)
}

// Approve grants the request, recording the approver and an optional
// expiry. Only pending requests can be approved.
func (r *Requests) Approve(ctx context.Context, requestID, approver string, expiresAt *time.Time) (models.AccessRequest, error) {
	return r.transition(ctx, requestID, models.RequestApproved, approver, expiresAt, models.RequestPending)
}

// Reject declines a pending request.
func (r *Requests) Reject(ctx context.Context, requestID, approver string) (models.AccessRequest, error) {
	return r.transition(ctx, requestID, models.RequestRejected, approver, nil, models.RequestPending)
}

// Revoke withdraws a previously approved grant.
func (r *Requests) Revoke(ctx context.Context, requestID, approver string) (models.AccessRequest, error) {
	return r.transition(ctx, requestID, models.RequestRevoked, approver, nil, models.RequestApproved)
}

func (r *Requests) transition(ctx context.Context, requestID, status, approver string, expiresAt *time.Time, fromStatus string) (models.AccessRequest, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE access_requests
		SET status = $2, approved_by = $3, approval_date = now(), expiry_date = $4
		WHERE id = $1 AND status = $5
		RETURNING`+requestColumns+`
	`, requestID, status, nullable(approver), expiresAt, fromStatus)
	req, err := scanRequest(row)
	if err == ErrNotFound {
		// Distinguish a missing row from an invalid transition.
		if _, getErr := r.Get(ctx, requestID); getErr == nil {
			return req, fmt.Errorf("request not %s: %w", fromStatus, ErrConflict)
		}
		return req, ErrNotFound
	}
	return req, err
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (models.AccessRequest, error) {
	var req models.AccessRequest
	err := row.Scan(&req.ID, &req.DatasetID, &req.RequesterID, &req.Status, &req.Reason,
		&req.ApprovedBy, &req.ApprovedAt, &req.ExpiresAt, &req.RequestedAt)
	if err != nil {
		return req, MapError(err)
	}
	return req, nil
}
