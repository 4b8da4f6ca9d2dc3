package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "fastdls/internal/errors"
	"fastdls/internal/infrastructure"
	"fastdls/internal/shared/testutil"
	api "fastdls/pkg/contracts/api/v1"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifyAccessToken(ctx context.Context, raw string) (string, error) {
	args := m.Called(ctx, raw)
	return args.String(0), args.Error(1)
}

func newErrorHandler(t *testing.T) *apierrors.ErrorHandler {
	logger, _ := testutil.NewTestLogger(t)
	return apierrors.NewErrorHandler(logger, false)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		setup      func(v *mockVerifier)
		wantStatus int
		wantOrigin string
		wantDetail string
	}{
		{
			name:       "valid token",
			header:     "Bearer good",
			setup:      func(v *mockVerifier) { v.On("VerifyAccessToken", mock.Anything, "good").Return("origin-1", nil) },
			wantStatus: http.StatusOK,
			wantOrigin: "origin-1",
		},
		{
			name:       "lowercase scheme",
			header:     "bearer good",
			setup:      func(v *mockVerifier) { v.On("VerifyAccessToken", mock.Anything, "good").Return("origin-1", nil) },
			wantStatus: http.StatusOK,
			wantOrigin: "origin-1",
		},
		{
			name:       "missing header",
			setup:      func(*mockVerifier) {},
			wantStatus: http.StatusUnauthorized,
			wantDetail: apierrors.ErrMissingToken.Error(),
		},
		{
			name:       "wrong scheme",
			header:     "Basic dXNlcjpwYXNz",
			setup:      func(*mockVerifier) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired token",
			header:     "Bearer old",
			setup:      func(v *mockVerifier) { v.On("VerifyAccessToken", mock.Anything, "old").Return("", apierrors.ErrExpiredToken) },
			wantStatus: http.StatusUnauthorized,
			wantDetail: apierrors.ErrExpiredToken.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testutil.NewTestLogger(t)
			v := &mockVerifier{}
			tt.setup(v)

			var gotOrigin string
			h := BearerAuth(logger, v, newErrorHandler(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOrigin = OriginRef(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/leasing/v1/lessor/leases", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, gotOrigin)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, decodeProblem(t, rec)["detail"])
			}
			v.AssertExpectations(t)
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	open := APIKeyAuth(logger, "", newErrorHandler(t))(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/origins", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	guarded := APIKeyAuth(logger, "s3cret", newErrorHandler(t))(ok)
	for key, want := range map[string]int{"": http.StatusUnauthorized, "nope": http.StatusUnauthorized, "s3cret": http.StatusNoContent} {
		req := httptest.NewRequest(http.MethodGet, "/-/origins", nil)
		if key != "" {
			req.Header.Set(APIKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "key %q", key)
	}
}

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "unquoted mac list",
			in:   "{\"mac_address_list\": [ab:cd:ef:01:02:03\"]}",
			want: `{"mac_address_list": ["ab:cd:ef:01:02:03"]}`,
		},
		{
			name: "tabs and newlines",
			in:   "{\n\t\"a\": 1\n}",
			want: `{"a": 1}`,
		},
		{
			name: "already valid",
			in:   `{"mac_address_list":["00:11"]}`,
			want: `{"mac_address_list":["00:11"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(RepairJSON([]byte(tt.in))))
		})
	}
}

func TestPatchMalformedJSON(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	malformed := "{\"environment\": {\"mac_address_list\": [ab:cd:ef:01:02:03\"]}}"

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})

	tests := []struct {
		name        string
		enabled     bool
		contentType string
		body        string
		want        string
	}{
		{name: "disabled", enabled: false, contentType: "application/json", body: malformed, want: malformed},
		{name: "repairs", enabled: true, contentType: "application/json; charset=utf-8", body: malformed,
			want: `{"environment": {"mac_address_list": ["ab:cd:ef:01:02:03"]}}`},
		{name: "valid untouched", enabled: true, contentType: "application/json", body: "{\n\"a\": 1}", want: "{\n\"a\": 1}"},
		{name: "other content type", enabled: true, contentType: "text/plain", body: malformed, want: malformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/v1/origin", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()

			PatchMalformedJSON(tt.enabled, logger)(echo).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Body.String())
		})
	}
	assert.True(t, handler.ContainsMessage("malformed json repaired"))
}

func TestCORSExposesHeaders(t *testing.T) {
	h := CORS(CORSConfig{
		AllowedOrigins: []string{"https://dls.example"},
		ExposedHeaders: []string{"X-NLS-Signature"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/leasing/v1/lessor/leases", nil)
	req.Header.Set("Origin", "https://dls.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dls.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-NLS-Signature", rec.Header().Get("Access-Control-Expose-Headers"))

	req = httptest.NewRequest(http.MethodOptions, "/auth/v1/origin", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDAndRecoverer(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestID, Recoverer(newErrorHandler(t)))
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetReqID(r.Context()) + "|" + infrastructure.GetTraceID(r.Context())))
	})

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "req-123|req-123", rec.Body.String())
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	problem := decodeProblem(t, rec)
	assert.Equal(t, float64(500), problem["status"])
	assert.NotEmpty(t, problem["trace_id"])
}

func TestRateLimiter(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	rl := NewRateLimiter(0.001, 1, newErrorHandler(t), logger)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestValidatorDecode(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		body       string
		allowEmpty bool
		wantCode   string
	}{
		{name: "valid", body: `{"origin_ref":"o","code_challenge":"c"}`},
		{name: "missing field", body: `{"origin_ref":"o"}`, wantCode: "VALIDATION_FAILED"},
		{name: "truncated json", body: `{"origin_ref":`, wantCode: "INVALID_JSON"},
		{name: "malformed json", body: `{"origin_ref" "o"}`, wantCode: "INVALID_JSON"},
		{name: "wrong type", body: `{"origin_ref":7,"code_challenge":"c"}`, wantCode: "INVALID_JSON"},
		{name: "empty body", body: "", wantCode: "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/v1/code", strings.NewReader(tt.body))
			var dst api.CodeRequest
			err := v.Decode(req, &dst, tt.allowEmpty)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "o", dst.OriginRef)
				return
			}
			var apiErr *apierrors.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
			assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		})
	}

	var optional api.ClientChallengeRequest
	req := httptest.NewRequest(http.MethodDelete, "/leasing/v1/lessor/leases", nil)
	assert.NoError(t, v.Decode(req, &optional, true))
}
