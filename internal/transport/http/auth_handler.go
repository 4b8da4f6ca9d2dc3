package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fastdls/internal/middleware"
	"fastdls/internal/services"
	api "fastdls/pkg/contracts/api/v1"
)

// AuthHandler serves origin registration and the code/token handshake.
type AuthHandler struct {
	service   *services.HandshakeService
	validator *middleware.Validator
	respond   *Responder
	logger    *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(service *services.HandshakeService, validator *middleware.Validator, respond *Responder, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:   service,
		validator: validator,
		respond:   respond,
		logger:    logger.With(slog.String("handler", "auth")),
	}
}

// Routes returns the /auth/v1 router.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/origin", h.RegisterOrigin)
	r.Post("/origin/update", h.UpdateOrigin)
	r.Post("/code", h.Code)
	r.Post("/token", h.Token)
	return r
}

// RegisterOrigin handles POST /auth/v1/origin
func (h *AuthHandler) RegisterOrigin(w http.ResponseWriter, r *http.Request) {
	var req api.OriginRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.service.RegisterOrigin(r.Context(), req)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, resp)
}

// UpdateOrigin handles POST /auth/v1/origin/update
func (h *AuthHandler) UpdateOrigin(w http.ResponseWriter, r *http.Request) {
	var req api.OriginUpdateRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.service.UpdateOrigin(r.Context(), req)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, resp)
}

// Code handles POST /auth/v1/code
func (h *AuthHandler) Code(w http.ResponseWriter, r *http.Request) {
	var req api.CodeRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.service.IssueCode(r.Context(), req)
	if err != nil {
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, resp)
}

// Token handles POST /auth/v1/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req api.TokenRequest
	if err := h.validator.Decode(r, &req, false); err != nil {
		h.respond.Error(w, r, err)
		return
	}

	resp, err := h.service.ExchangeCode(r.Context(), req)
	if err != nil {
		h.logger.WarnContext(r.Context(), "token exchange rejected",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		h.respond.Error(w, r, err)
		return
	}
	h.respond.JSON(w, r, http.StatusOK, resp)
}
