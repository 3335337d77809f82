package api

import (
	"context"
	"net/http"

	"ptchat/internal/identity"
	"ptchat/internal/models"
)

type sessionIssuer interface {
	Issue(id models.Identity) (identity.Session, error)
	Revoke(token string) error
}

type reconciler interface {
	Reconcile(ctx context.Context, tenantID, conversationID string) (bool, error)
}

// AdminHandler serves the loopback-only admin API used by the upstream auth
// layer and operators.
type AdminHandler struct {
	sessions sessionIssuer
	registry reconciler
}

func NewAdminHandler(sessions sessionIssuer, registry reconciler) *AdminHandler {
	return &AdminHandler{sessions: sessions, registry: registry}
}

type IssueSessionRequest struct {
	TenantID    string      `json:"tenantId"`
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName,omitempty"`
	PhotoURL    string      `json:"photoUrl,omitempty"`
	Role        models.Role `json:"role"`
}

func (h *AdminHandler) IssueSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueSessionRequest
	if !decode(w, r, &req) {
		return
	}

	sess, err := h.sessions.Issue(models.Identity{
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
		Role:        req.Role,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *AdminHandler) RevokeSessionHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Token string `json:"token"`
	}{}
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, &models.ValidationError{Field: "token", Reason: "required"})
		return
	}
	if err := h.sessions.Revoke(req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// ReconcileHandler recomputes the counters of one conversation.
func (h *AdminHandler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	changed, err := h.registry.Reconcile(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}
