package http

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fastdls/internal/services"
	api "fastdls/pkg/contracts/api/v1"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AdminHandler serves the /-/ management endpoints.
type AdminHandler struct {
	admin   *services.AdminService
	leases  *services.LeaseService
	respond *Responder
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(admin *services.AdminService, leases *services.LeaseService, respond *Responder, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:   admin,
		leases:  leases,
		respond: respond,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Health handles GET /-/health
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp, ok := h.admin.Health(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	h.respond.JSON(w, r, status, resp)
}

// Config handles GET /-/config
func (h *AdminHandler) Config(w http.ResponseWriter, r *http.Request) {
	h.respond.JSON(w, r, http.StatusOK, h.admin.ConfigView())
}

// ListOrigins handles GET /-/origins[?leases=true]
func (h *AdminHandler) ListOrigins(w http.ResponseWriter, r *http.Request) {
	origins, err := h.admin.ListOrigins(r.Context(), queryFlag(r, "leases"))
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, origins)
}

// DeleteOrigins handles DELETE /-/origins
func (h *AdminHandler) DeleteOrigins(w http.ResponseWriter, r *http.Request) {
	if _, err := h.admin.DeleteOrigins(r.Context()); err != nil {
		h.respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DeleteOrigin handles DELETE /-/origins/{origin_ref}
func (h *AdminHandler) DeleteOrigin(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteOrigin(r.Context(), chi.URLParam(r, "origin_ref")); err != nil {
		h.respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// ListLeases handles GET /-/leases[?origin=true]
func (h *AdminHandler) ListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := h.admin.ListLeases(r.Context(), queryFlag(r, "origin"))
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, leases)
}

// DeleteLease handles DELETE /-/lease/{lease_ref}
func (h *AdminHandler) DeleteLease(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteLease(r.Context(), chi.URLParam(r, "lease_ref")); err != nil {
		h.respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// SweepExpired handles DELETE /-/leases/expired
func (h *AdminHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	refs, err := h.leases.ExpireSweep(r.Context())
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	if refs == nil {
		refs = []string{}
	}
	h.respond.JSON(w, r, http.StatusOK, api.SweepResponse{
		Removed:   len(refs),
		LeaseRefs: refs,
		SweptAt:   api.NewTimestamp(time.Now()),
	})
}

// ExportLeases handles GET /-/leases/export
func (h *AdminHandler) ExportLeases(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	n, err := h.admin.ExportLeases(r.Context(), &buf)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}

	filename := fmt.Sprintf("leases_%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	h.logger.InfoContext(r.Context(), "leases exported", slog.Int("rows", n))

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ClientToken handles GET /-/client-token
func (h *AdminHandler) ClientToken(w http.ResponseWriter, r *http.Request) {
	filename, signed, err := h.admin.ClientToken(r.Context())
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(signed))
}

func queryFlag(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
