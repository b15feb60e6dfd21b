package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"researchhub/pkg/auth"
	"researchhub/pkg/download"
	"researchhub/pkg/httpx"
	"researchhub/pkg/models"
	"researchhub/pkg/store"
	"researchhub/pkg/stream"
)

// writeError maps domain errors to HTTP statuses without leaking
// internal detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, download.ErrPermissionDenied):
		httpx.Error(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, store.ErrConflict):
		httpx.Error(w, http.StatusConflict, "conflict")
	case errors.Is(err, download.ErrAuditUnavailable):
		httpx.Error(w, http.StatusServiceUnavailable, "audit log unavailable")
	default:
		log.Printf("internal error: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) principal(r *http.Request) auth.Principal {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p
	}
	return auth.Principal{Subject: "anonymous"}
}

// appendAudit commits one event and bumps the per-action counter. The
// caller treats a returned error as fatal to its operation.
func (s *Server) appendAudit(ctx context.Context, evt models.AuditEvent) error {
	if _, err := s.Audit.Append(ctx, evt); err != nil {
		return fmt.Errorf("%w: %v", download.ErrAuditUnavailable, err)
	}
	if s.Metrics != nil {
		s.Metrics.IncAuditAction(evt.Action)
	}
	return nil
}

func (s *Server) publishEvent(eventType string, data any) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(eventType, data))
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.Dashboard.Build(r.Context(), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, board)
}

type createDatasetRequest struct {
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	PrivacyLevel string `json:"privacy_level"`
	FilePath     string `json:"file_path"`
	FileSize     int64  `json:"file_size"`
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createDatasetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.Name) == "" {
		httpx.Error(w, 400, "project_id and name are required")
		return
	}
	principal := s.principal(r)
	ds, err := s.Datasets.Create(r.Context(), models.Dataset{
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Description:  req.Description,
		PrivacyLevel: req.PrivacyLevel,
		OwnerID:      principal.Subject,
		FilePath:     req.FilePath,
		FileSize:     req.FileSize,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail, _ := json.Marshal(map[string]string{"name": ds.Name, "privacy_level": ds.PrivacyLevel})
	if err := s.appendAudit(r.Context(), models.AuditEvent{
		Actor:      principal.Subject,
		Action:     models.ActionUpload,
		TargetType: "dataset",
		TargetID:   ds.ID,
		IPAddress:  s.clientIP(r),
		Detail:     detail,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.Stats.Invalidate(r.Context(), ds.ID)
	s.publishEvent("dataset_uploaded", map[string]string{"dataset_id": ds.ID, "project_id": ds.ProjectID})
	httpx.WriteJSON(w, 201, ds)
}

func (s *Server) handleSearchDatasets(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	limit := s.SearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	results, err := s.Datasets.Search(r.Context(), term, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleDatasetStats(w http.ResponseWriter, r *http.Request) {
	snapshot, cached, err := s.Stats.Get(r.Context(), chi.URLParam(r, "dataset_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cached {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	httpx.WriteJSON(w, 200, snapshot)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	res, err := s.Download.Download(r.Context(), chi.URLParam(r, "dataset_id"), principal.Subject, s.clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer res.Content.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(res.Dataset.Name))
	w.WriteHeader(200)
	if _, err := io.Copy(w, res.Content); err != nil {
		log.Printf("download stream aborted for dataset %s: %v", res.Dataset.ID, err)
	}
}

func (s *Server) handleDatasetAudit(w http.ResponseWriter, r *http.Request) {
	limit := s.AuditListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	events, err := s.Audit.ListByTarget(r.Context(), "dataset", chi.URLParam(r, "dataset_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"events": events, "count": len(events)})
}

type createAccessRequestBody struct {
	DatasetID string `json:"dataset_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleCreateAccessRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createAccessRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.DatasetID) == "" {
		httpx.Error(w, 400, "dataset_id is required")
		return
	}
	// Resolve the dataset first so a request against a missing one is a
	// 404, not a foreign key surprise.
	if _, err := s.Datasets.Get(r.Context(), req.DatasetID); err != nil {
		s.writeError(w, err)
		return
	}
	principal := s.principal(r)
	created, err := s.Requests.Create(r.Context(), models.AccessRequest{
		DatasetID:   req.DatasetID,
		RequesterID: principal.Subject,
		Reason:      req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail, _ := json.Marshal(map[string]string{"request_id": created.ID, "reason": created.Reason})
	if err := s.appendAudit(r.Context(), models.AuditEvent{
		Actor:      principal.Subject,
		Action:     models.ActionRequestAccess,
		TargetType: "dataset",
		TargetID:   created.DatasetID,
		IPAddress:  s.clientIP(r),
		Detail:     detail,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.publishEvent("access_requested", map[string]string{"request_id": created.ID, "dataset_id": created.DatasetID})
	httpx.WriteJSON(w, 201, created)
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	s.decideRequest(w, r, models.RequestApproved)
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	s.decideRequest(w, r, models.RequestRejected)
}

func (s *Server) handleRevokeRequest(w http.ResponseWriter, r *http.Request) {
	s.decideRequest(w, r, models.RequestRevoked)
}

type approveRequestBody struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// decideRequest runs one access-request transition: the state change,
// the audit event, the cache invalidation, then the notifications. The
// response is written only after the cache entry is gone, so the next
// stats read recomputes.
func (s *Server) decideRequest(w http.ResponseWriter, r *http.Request, status string) {
	requestID := chi.URLParam(r, "request_id")
	principal := s.principal(r)

	var (
		req models.AccessRequest
		err error
	)
	switch status {
	case models.RequestApproved:
		var body approveRequestBody
		raw, ok := readRequestBody(w, r)
		if !ok {
			return
		}
		if len(raw) > 0 {
			if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil {
				httpx.Error(w, 400, "invalid json")
				return
			}
		}
		req, err = s.Requests.Approve(r.Context(), requestID, principal.Subject, body.ExpiresAt)
	case models.RequestRejected:
		req, err = s.Requests.Reject(r.Context(), requestID, principal.Subject)
	case models.RequestRevoked:
		req, err = s.Requests.Revoke(r.Context(), requestID, principal.Subject)
	default:
		httpx.Error(w, 400, "unknown transition")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	detail, _ := json.Marshal(map[string]string{"request_id": req.ID, "requester": req.RequesterID})
	if err := s.appendAudit(r.Context(), models.AuditEvent{
		Actor:      principal.Subject,
		Action:     auditActionForStatus(status),
		TargetType: "dataset",
		TargetID:   req.DatasetID,
		IPAddress:  s.clientIP(r),
		Detail:     detail,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.Stats.Invalidate(r.Context(), req.DatasetID)

	s.publishEvent("access_request_"+status, map[string]string{
		"request_id": req.ID,
		"dataset_id": req.DatasetID,
		"requester":  req.RequesterID,
	})
	s.notifyWebhook("access_request."+status, req)
	httpx.WriteJSON(w, 200, req)
}

func auditActionForStatus(status string) string {
	switch status {
	case models.RequestApproved:
		return models.ActionApproveAccess
	case models.RequestRejected:
		return models.ActionRejectAccess
	default:
		return models.ActionRevokeAccess
	}
}

// notifyWebhook delivers fire-and-forget; delivery failure never fails
// the request that triggered it.
func (s *Server) notifyWebhook(event string, payload any) {
	if strings.TrimSpace(s.WebhookURL) == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("webhook payload marshal: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, _, err := httpx.RequestJSON(ctx, s.HTTPClient, http.MethodPost, s.WebhookURL, body,
			map[string]string{"X-Hub-Event": event}, s.WebhookRetries, s.WebhookRetryDelay)
		if err != nil {
			log.Printf("webhook %s delivery failed: %v", event, err)
			return
		}
		if status >= 300 {
			log.Printf("webhook %s delivery returned status %d", event, status)
		}
	}()
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
