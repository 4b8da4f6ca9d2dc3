package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fastdls/internal/middleware"
	"fastdls/internal/services"
	api "fastdls/pkg/contracts/api/v1"
)

// LeasingHandler serves the /leasing/v1 protocol.
type LeasingHandler struct {
	leases    *services.LeaseService
	admin     *services.AdminService
	validator *middleware.Validator
	respond   *Responder
	logger    *slog.Logger
}

// NewLeasingHandler creates a new leasing handler
func NewLeasingHandler(leases *services.LeaseService, admin *services.AdminService, validator *middleware.Validator, respond *Responder, logger *slog.Logger) *LeasingHandler {
	return &LeasingHandler{
		leases:    leases,
		admin:     admin,
		validator: validator,
		respond:   respond,
		logger:    logger.With(slog.String("handler", "leasing")),
	}
}

// Routes returns the /leasing/v1 router. bearer guards every lease
// operation; shutdown carries its token in the body and config-token is
// public.
func (h *LeasingHandler) Routes(bearer func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/lessor/shutdown", h.Shutdown)
	r.Post("/config-token", h.ConfigToken)

	r.Group(func(r chi.Router) {
		r.Use(bearer)
		r.Post("/lessor", h.Borrow)
		r.Get("/lessor/leases", h.ListActive)
		r.Delete("/lessor/leases", h.ReleaseAll)
		r.Put("/lease/{lease_ref}", h.Renew)
		r.Delete("/lease/{lease_ref}", h.Return)
	})
	return r
}

// Borrow handles POST /leasing/v1/lessor
func (h *LeasingHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req api.BorrowRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.leases.Borrow(r.Context(), middleware.OriginRef(r.Context()), req)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.Signed(w, r, http.StatusOK, resp)
}

// ListActive handles GET /leasing/v1/lessor/leases
func (h *LeasingHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	resp, err := h.leases.ListActive(r.Context(), middleware.OriginRef(r.Context()))
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, resp)
}

// Renew handles PUT /leasing/v1/lease/{lease_ref}
func (h *LeasingHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req api.ClientChallengeRequest
	if err := h.validator.Decode(r, &req, true); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.leases.Renew(r.Context(), middleware.OriginRef(r.Context()),
		chi.URLParam(r, "lease_ref"), req.ClientChallenge)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.Signed(w, r, http.StatusOK, resp)
}

// Return handles DELETE /leasing/v1/lease/{lease_ref}
func (h *LeasingHandler) Return(w http.ResponseWriter, r *http.Request) {
	var req api.ClientChallengeRequest
	if err := h.validator.Decode(r, &req, true); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.leases.Return(r.Context(), middleware.OriginRef(r.Context()),
		chi.URLParam(r, "lease_ref"), req.ClientChallenge)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.Signed(w, r, http.StatusOK, resp)
}

// ReleaseAll handles DELETE /leasing/v1/lessor/leases
func (h *LeasingHandler) ReleaseAll(w http.ResponseWriter, r *http.Request) {
	var req api.ClientChallengeRequest
	if err := h.validator.Decode(r, &req, true); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.leases.ReleaseAll(r.Context(), middleware.OriginRef(r.Context()), req.ClientChallenge)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.Signed(w, r, http.StatusOK, resp)
}

// Shutdown handles POST /leasing/v1/lessor/shutdown
func (h *LeasingHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	var req api.ShutdownRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.leases.Shutdown(r.Context(), req.Token)
	if err != nil {
		h.logger.WarnContext(r.Context(), "shutdown rejected",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		h.respond.Error(w, r, err)
		return
	}
	h.respond.Signed(w, r, http.StatusOK, resp)
}

// ConfigToken handles POST /leasing/v1/config-token
func (h *LeasingHandler) ConfigToken(w http.ResponseWriter, r *http.Request) {
	var req api.ConfigTokenRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.admin.ConfigToken(r.Context(), req)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, resp)
}
