package http

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"fastdls/internal/config"
	apierrors "fastdls/internal/errors"
	"fastdls/internal/pki"
)

// Responder writes protocol responses and problems.
type Responder struct {
	signer *pki.Signer
	errs   *apierrors.ErrorHandler
	logger *slog.Logger
}

// NewResponder creates a responder signing with signer.
func NewResponder(signer *pki.Signer, errs *apierrors.ErrorHandler, logger *slog.Logger) *Responder {
	return &Responder{signer: signer, errs: errs, logger: logger}
}

// JSON renders v with status.
func (rs *Responder) JSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// Signed writes v as compact JSON followed by a newline and signs the exact
// bytes written.
func (rs *Responder) Signed(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body, err := encodeCompact(v)
	if err != nil {
		rs.Error(w, r, err)
		return
	}

	sig, err := rs.signer.SignHex(body)
	if err != nil {
		rs.logger.ErrorContext(r.Context(), "failed to sign response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		rs.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(config.SignatureHeader, sig)
	w.WriteHeader(status)
	w.Write(body)
}

// Error renders err as a problem.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	rs.errs.HandleError(w, r, err)
}

// encodeCompact marshals v without HTML escaping and with a trailing
// newline.
func encodeCompact(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
