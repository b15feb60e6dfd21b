package models

import (
	"encoding/json"
	"time"
)

// Privacy levels for datasets. Immutable after creation except through
// an explicit administrative update.
const (
	PrivacyPublic     = "public"
	PrivacyRestricted = "restricted"
	PrivacyPrivate    = "private"
)

// Access request lifecycle states.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestRevoked  = "revoked"
)

// Audit action kinds. The audit schema constrains actions to 20 bytes,
// so every kind here must stay within that width.
const (
	ActionView               = "view"
	ActionDownload           = "download"
	ActionUpload             = "upload"
	ActionDelete             = "delete"
	ActionModify             = "modify"
	ActionShare              = "share"
	ActionRequestAccess      = "request_access"
	ActionApproveAccess      = "approve_access"
	ActionRejectAccess       = "reject_access"
	ActionRevokeAccess       = "revoke_access"
	ActionUnauthorizedAccess = "unauthorized_access"
)

// MaxActionLen is the audit_events.action column width.
const MaxActionLen = 20

// Project is a research project owned by a principal investigator.
// The PI is never listed among the collaborators.
type Project struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	OwnerID       string    `json:"owner_id"`
	Collaborators []string  `json:"collaborators"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// AccessRequest is a standing request by one principal for one dataset.
// At most one row exists per (dataset, requester) pair.
type AccessRequest struct {
	ID          string     `json:"id"`
	DatasetID   string     `json:"dataset_id"`
	RequesterID string     `json:"requester_id"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Dataset is the policy evaluator's input snapshot. ProjectOwnerID,
// Collaborators, and Request are denormalized onto the snapshot so the
// evaluator stays a pure function of one value.
type Dataset struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	PrivacyLevel string     `json:"privacy_level"`
	OwnerID      string     `json:"owner_id"`
	FilePath     string     `json:"file_path,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	ProjectOwnerID string         `json:"project_owner_id,omitempty"`
	Collaborators  []string       `json:"collaborators,omitempty"`
	Request        *AccessRequest `json:"request,omitempty"`
}

// AuditEvent is append-only. It is never mutated or deleted.
type AuditEvent struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor,omitempty"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Timestamp  time.Time       `json:"timestamp"`
	IPAddress  string          `json:"ip_address,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// DatasetStats is the aggregate snapshot served from the stats cache.
type DatasetStats struct {
	DatasetID      string     `json:"dataset_id"`
	TotalDownloads int64      `json:"total_downloads"`
	UniqueActors   int64      `json:"unique_actors"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty"`
	ComputedAt     time.Time  `json:"computed_at"`
}

// DatasetSummary is one dashboard row.
type DatasetSummary struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Uploader             string    `json:"uploader"`
	UploadedAt           time.Time `json:"uploaded_at"`
	ProcessingJobCount   int64     `json:"processing_job_count"`
	ApprovedRequestCount int64     `json:"approved_request_count"`
}

// ProjectDashboard is the read-only per-project view.
type ProjectDashboard struct {
	ProjectID    string           `json:"project_id"`
	ProjectTitle string           `json:"project_title"`
	Datasets     []DatasetSummary `json:"datasets"`
}
