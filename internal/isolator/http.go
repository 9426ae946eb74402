package isolator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nous-labs/understudy/pkg/credpool"
	"github.com/nous-labs/understudy/pkg/daemon"
	"github.com/nous-labs/understudy/pkg/tenant"
)

var _ daemon.Module = (*Isolator)(nil)

func (i *Isolator) Name() string { return "tenants" }

func (i *Isolator) Init(d *daemon.Daemon) error { return nil }

func (i *Isolator) Start(ctx context.Context) error { return i.Run(ctx) }

func (i *Isolator) Stop() error {
	i.Shutdown()
	return nil
}

// RegisterRoutes mounts the provisioning API.
func (i *Isolator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tenants", i.handleList)
	mux.HandleFunc("POST /v1/tenants", i.handleOnboard)
	mux.HandleFunc("GET /v1/tenants/{id}", i.handleHealth)
	mux.HandleFunc("POST /v1/tenants/{id}/{action}", i.handleAction)
	mux.HandleFunc("GET /v1/pool", i.handlePool)
}

type sessionView struct {
	TenantID     string        `json:"tenant_id"`
	OwnerID      string        `json:"owner_id"`
	BundleID     string        `json:"bundle_id,omitempty"`
	Status       tenant.Status `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	CreatedAt    string        `json:"created_at"`
	LastActiveAt string        `json:"last_active_at"`
}

func viewOf(s tenant.Session) sessionView {
	return sessionView{
		TenantID:     s.TenantID,
		OwnerID:      s.OwnerID,
		BundleID:     s.BundleID,
		Status:       s.Status,
		StatusReason: s.StatusReason,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		LastActiveAt: s.LastActiveAt.UTC().Format(time.RFC3339),
	}
}

func (i *Isolator) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []tenant.Status
	if st := tenant.Status(r.URL.Query().Get("status")); st != "" {
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+string(st))
			return
		}
		statuses = append(statuses, st)
	}
	sessions, err := i.deps.Store.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out, "running": i.Running()})
}

type onboardRequest struct {
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
	Token    string `json:"token"`
}

func (i *Isolator) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.TenantID == "" || req.OwnerID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, owner_id and token are required")
		return
	}
	s, err := i.Onboard(r.Context(), req.TenantID, req.OwnerID, req.Token)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(s))
}

func (i *Isolator) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := i.Health(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (i *Isolator) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "activate":
		err = i.Activate(r.Context(), id)
	case "suspend":
		err = i.Suspend(r.Context(), id, reasonOr(body.Reason, "paused by operator"))
	case "resume":
		err = i.Resume(r.Context(), id)
	case "revoke":
		err = i.Revoke(r.Context(), id, reasonOr(body.Reason, "revoked by operator"))
	default:
		writeError(w, http.StatusNotFound, "unknown action: "+action)
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	i.handleHealth(w, r)
}

type bundleView struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Capacity int    `json:"capacity"`
	Load     int    `json:"load"`
}

func (i *Isolator) handlePool(w http.ResponseWriter, _ *http.Request) {
	snap := i.deps.Pool.Snapshot()
	out := make([]bundleView, 0, len(snap))
	for _, b := range snap {
		out = append(out, bundleView{ID: b.ID, Endpoint: b.Endpoint, Capacity: b.Capacity, Load: b.Load})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": out})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrExists), errors.Is(err, tenant.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, credpool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
