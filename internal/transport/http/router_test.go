package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastdls/internal/config"
	"fastdls/internal/pki"
	"fastdls/internal/products"
	"fastdls/internal/services"
	"fastdls/internal/shared/testutil"
	"fastdls/internal/store"
	"fastdls/internal/token"
)

const (
	testOrigin  = "4b6a9a3c-0c2e-4b1e-9a6f-2d5c3e7f0001"
	otherOrigin = "4b6a9a3c-0c2e-4b1e-9a6f-2d5c3e7f0002"
	verifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testKeyRef  = "00000000-0000-0000-0000-00000000abcd"
	productVWS  = "NVIDIA RTX Virtual Workstation"
)

var epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	clock   *testutil.Clock
	keys    *pki.KeyPair
	cfg     *config.Config
}

func newTestServer(t *testing.T, mutate ...func(cfg *config.Config, id *services.Identity)) *testServer {
	t.Helper()

	logger, _ := testutil.NewTestLogger(t)
	clock := testutil.NewClock(epoch)

	st, err := store.NewMemoryStore(logger)
	require.NoError(t, err)

	keys := pki.NewKeyPair(testutil.RSAKey(t))
	codec := token.NewCodec(keys, clock.Now)

	cfg := config.Default()
	cfg.Instance.URL = "dls.example.internal"
	cfg.Security.RateLimit.Enabled = false
	identity := services.Identity{Instance: cfg.Instance, KeyRef: testKeyRef, Keys: keys}
	for _, m := range mutate {
		m(cfg, &identity)
	}

	opts := services.Options{Logger: logger, Now: clock.Now}
	handshake := services.NewHandshakeService(st, codec, identity, opts)
	leases := services.NewLeaseService(st, products.Default(), codec, cfg.Instance, opts)
	admin := services.NewAdminService(st, codec, identity, cfg, opts)

	return &testServer{
		handler: NewRouter(RouterDeps{
			Config:    cfg,
			Logger:    logger,
			Handshake: handshake,
			Leases:    leases,
			Admin:     admin,
			Signer:    pki.NewSigner(keys.Private),
		}),
		clock: clock,
		keys:  keys,
		cfg:   cfg,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// requireSigned checks the signature header against the exact body bytes.
func (s *testServer) requireSigned(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	sig := rec.Header().Get(config.SignatureHeader)
	require.NotEmpty(t, sig)
	require.NoError(t, pki.VerifyHex(s.keys.Public, rec.Body.Bytes(), sig))
	assert.True(t, strings.HasSuffix(rec.Body.String(), "}\n"))
}

// handshake registers origin and returns its bearer token.
func (s *testServer) handshake(t *testing.T, origin string) string {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/auth/v1/origin", map[string]interface{}{
		"candidate_origin_ref": origin,
		"environment":          map[string]string{"hostname": "gpu-vm-01", "os_platform": "Ubuntu"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, origin, decodeBody(t, rec)["origin_ref"])

	rec = s.do(t, http.MethodPost, "/auth/v1/code", map[string]string{
		"origin_ref":     origin,
		"code_challenge": services.ChallengeFor(verifier),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code := decodeBody(t, rec)["auth_code"].(string)

	rec = s.do(t, http.MethodPost, "/auth/v1/token", map[string]string{
		"auth_code":     code,
		"code_verifier": verifier,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["auth_token"].(string)
}

func (s *testServer) borrow(t *testing.T, tok string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/leasing/v1/lessor", map[string]interface{}{
		"client_challenge": "c-1",
		"lease_proposal_list": []map[string]interface{}{
			{"license_type_qualifiers": map[string]int{"count": 1}, "product": map[string]string{"name": productVWS}},
		},
	}, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.requireSigned(t, rec)

	body := decodeBody(t, rec)
	assert.Equal(t, "SUCCESS", body["result_code"])
	assert.Equal(t, "c-1", body["client_challenge"])
	results := body["lease_result_list"].([]interface{})
	require.Len(t, results, 1)
	lease := results[0].(map[string]interface{})["lease"].(map[string]interface{})
	return lease["ref"].(string)
}

func TestHappyPath(t *testing.T) {
	s := newTestServer(t)
	tok := s.handshake(t, testOrigin)
	ref := s.borrow(t, tok)

	rec := s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{ref}, decodeBody(t, rec)["active_lease_list"])

	s.clock.Advance(time.Hour)
	rec = s.do(t, http.MethodPut, "/leasing/v1/lease/"+ref, map[string]string{"client_challenge": "c-2"}, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.requireSigned(t, rec)
	renewed := decodeBody(t, rec)
	assert.Equal(t, ref, renewed["lease_ref"])
	assert.Equal(t, "c-2", renewed["client_challenge"])
	assert.Equal(t, epoch.Add(time.Hour+s.cfg.Instance.LeaseExpire).Format("2006-01-02T15:04:05.000000-07:00"), renewed["expires"])

	rec = s.do(t, http.MethodDelete, "/leasing/v1/lease/"+ref, nil, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.requireSigned(t, rec)
	assert.Equal(t, ref, decodeBody(t, rec)["lease_ref"])

	rec = s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, bearer(tok))
	assert.Equal(t, []interface{}{}, decodeBody(t, rec)["active_lease_list"])
}

func TestWrongVerifierIsRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/auth/v1/code", map[string]string{
		"origin_ref":     testOrigin,
		"code_challenge": services.ChallengeFor(verifier),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := decodeBody(t, rec)["auth_code"].(string)

	rec = s.do(t, http.MethodPost, "/auth/v1/token", map[string]string{
		"auth_code":     code,
		"code_verifier": "not-the-verifier",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(401), body["status"])
	assert.Equal(t, "expected challenge did not match verifier", body["detail"])
	assert.NotContains(t, rec.Body.String(), "auth_token")
}

func TestTokenExchangeFailures(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantTitle  string
	}{
		{
			name:       "garbage code",
			body:       map[string]string{"auth_code": "not.a.token", "code_verifier": verifier},
			wantStatus: http.StatusBadRequest,
			wantTitle:  "invalid token",
		},
		{
			name:       "missing verifier",
			body:       map[string]string{"auth_code": "x"},
			wantStatus: http.StatusBadRequest,
			wantTitle:  "Bad Request",
		},
		{
			name:       "malformed json",
			body:       `{"auth_code":`,
			wantStatus: http.StatusBadRequest,
			wantTitle:  "Bad Request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/auth/v1/token", tt.body, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantTitle, decodeBody(t, rec)["title"])
		})
	}
}

func TestLeasingRequiresValidBearer(t *testing.T) {
	s := newTestServer(t)
	tok := s.handshake(t, testOrigin)

	rec := s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, bearer(tok+"x"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.clock.Advance(s.cfg.Instance.TokenExpire + time.Second)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/leasing/v1/lessor/leases"},
		{http.MethodPost, "/leasing/v1/lessor"},
		{http.MethodPut, "/leasing/v1/lease/anything"},
		{http.MethodDelete, "/leasing/v1/lease/anything"},
		{http.MethodDelete, "/leasing/v1/lessor/leases"},
	} {
		rec := s.do(t, tc.method, tc.path, nil, bearer(tok))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "/errors/auth/expired-token", decodeBody(t, rec)["type"])
	}
}

func TestAuthCodeIsNotABearer(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/auth/v1/origin", map[string]interface{}{
		"candidate_origin_ref": testOrigin,
		"environment":          map[string]string{"hostname": "gpu-vm-01"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the verifier behind this challenge is never sent
	rec = s.do(t, http.MethodPost, "/auth/v1/code", map[string]string{
		"origin_ref":     testOrigin,
		"code_challenge": services.ChallengeFor("never-disclosed-verifier"),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code := decodeBody(t, rec)["auth_code"].(string)

	rec = s.do(t, http.MethodPost, "/leasing/v1/lessor", map[string]interface{}{
		"client_challenge": "c-1",
		"lease_proposal_list": []map[string]interface{}{
			{"product": map[string]string{"name": productVWS}},
		},
	}, bearer(code))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "/errors/auth/invalid-token", decodeBody(t, rec)["type"])

	rec = s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, bearer(code))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/leasing/v1/lessor/shutdown", map[string]string{"token": code}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// nothing was granted on the strength of the code
	tok := s.handshake(t, testOrigin)
	rec = s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["active_lease_list"])
}

func TestBorrowBatchFailsPerItem(t *testing.T) {
	s := newTestServer(t)
	tok := s.handshake(t, testOrigin)

	rec := s.do(t, http.MethodPost, "/leasing/v1/lessor", map[string]interface{}{
		"client_challenge": "c-2",
		"lease_proposal_list": []map[string]interface{}{
			{"product": map[string]string{"name": productVWS}},
			{"product": map[string]string{"name": "Nope"}},
			{},
		},
	}, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.requireSigned(t, rec)

	body := decodeBody(t, rec)
	assert.Equal(t, "PARTIAL_SUCCESS", body["result_code"])
	results := body["lease_result_list"].([]interface{})
	require.Len(t, results, 3)

	for i, r := range results {
		item := r.(map[string]interface{})
		assert.Equal(t, float64(i), item["ordinal"])
		if i == 0 {
			assert.NotNil(t, item["lease"])
			assert.Nil(t, item["error"])
			continue
		}
		assert.Nil(t, item["lease"])
		assert.Equal(t, "UNKNOWN_PRODUCT", item["error"].(map[string]interface{})["code"])
	}
}

func TestForeignLeaseIsNotFound(t *testing.T) {
	s := newTestServer(t)
	owner := s.handshake(t, testOrigin)
	intruder := s.handshake(t, otherOrigin)
	ref := s.borrow(t, owner)

	rec := s.do(t, http.MethodPut, "/leasing/v1/lease/"+ref, nil, bearer(intruder))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(config.SignatureHeader))

	rec = s.do(t, http.MethodDelete, "/leasing/v1/lease/"+ref, nil, bearer(intruder))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/leasing/v1/lessor/leases", nil, bearer(owner))
	assert.Equal(t, []interface{}{ref}, decodeBody(t, rec)["active_lease_list"])
}

func TestReleaseAllAndShutdown(t *testing.T) {
	s := newTestServer(t)
	tok := s.handshake(t, testOrigin)
	first := s.borrow(t, tok)

	rec := s.do(t, http.MethodDelete, "/leasing/v1/lessor/leases", nil, bearer(tok))
	require.Equal(t, http.StatusOK, rec.Code)
	s.requireSigned(t, rec)
	body := decodeBody(t, rec)
	assert.Equal(t, []interface{}{first}, body["released_lease_list"])
	assert.Nil(t, body["release_failure_list"])

	second := s.borrow(t, tok)
	rec = s.do(t, http.MethodPost, "/leasing/v1/lessor/shutdown", map[string]string{"token": tok}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.requireSigned(t, rec)
	assert.Equal(t, []interface{}{second}, decodeBody(t, rec)["released_lease_list"])

	rec = s.do(t, http.MethodPost, "/leasing/v1/lessor/shutdown", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/leasing/v1/lessor/shutdown", map[string]string{"token": "bogus"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedMacListIsRepaired(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *services.Identity) {
		cfg.Security.PatchMalformedJSON = true
	})

	body := "{\"candidate_origin_ref\": \"" + testOrigin + "\",\n\t\"environment\": {\"mac_address_list\": [00:16:3e:12:34:56\"]}}"
	rec := s.do(t, http.MethodPost, "/auth/v1/origin", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env := decodeBody(t, rec)["environment"].(map[string]interface{})
	assert.Equal(t, []interface{}{"00:16:3e:12:34:56"}, env["mac_address_list"])
}

func TestClientTokenAttachment(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/-/client-token", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=client_configuration_token_10-03-25-09-00-00.tok",
		rec.Header().Get("Content-Disposition"))
	assert.Equal(t, 2, strings.Count(rec.Body.String(), "."))
}

func TestConfigToken(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, id *services.Identity) {
		chain, err := pki.EnsureChain(t.TempDir(), pki.ChainOptions{
			InstanceRef: cfg.Instance.InstanceRef,
			Instance:    id.Keys,
			CAKeyBits:   2048,
			Now:         epoch,
		})
		require.NoError(t, err)
		id.Chain = chain
	})

	rec := s.do(t, http.MethodPost, "/leasing/v1/config-token",
		map[string]string{"service_instance_ref": s.cfg.Instance.InstanceRef}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["configToken"])
	certs := body["certificateConfiguration"].(map[string]interface{})
	assert.Contains(t, certs["publicCert"], "BEGIN CERTIFICATE")
	assert.Len(t, certs["caChain"], 1)

	rec = s.do(t, http.MethodPost, "/leasing/v1/config-token", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)
	tok := s.handshake(t, testOrigin)
	ref := s.borrow(t, tok)

	rec := s.do(t, http.MethodGet, "/-/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", decodeBody(t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/-/origins?leases=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var origins []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &origins))
	require.Len(t, origins, 1)
	assert.Equal(t, "gpu-vm-01", origins[0]["hostname"])
	assert.Len(t, origins[0]["leases"], 1)

	rec = s.do(t, http.MethodGet, "/-/leases/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")

	rec = s.do(t, http.MethodDelete, "/-/lease/"+ref, nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodDelete, "/-/lease/"+ref, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/-/origins/"+otherOrigin, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/-/origins/"+testOrigin, nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSweepExpiredLeases(t *testing.T) {
	s := newTestServer(t)
	tok := s.handshake(t, testOrigin)
	ref := s.borrow(t, tok)

	rec := s.do(t, http.MethodDelete, "/-/leases/expired", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["removed"])

	s.clock.Advance(s.cfg.Instance.LeaseExpire)
	rec = s.do(t, http.MethodDelete, "/-/leases/expired", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["removed"])
	assert.Equal(t, []interface{}{ref}, body["lease_refs"])
}

func TestAdminAPIKeyGuard(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *services.Identity) {
		cfg.Security.AdminAPIKey = "admin-secret"
	})

	rec := s.do(t, http.MethodGet, "/-/leases", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/-/leases", nil, map[string]string{"X-API-Key": "admin-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	// Protocol and health endpoints stay open.
	rec = s.do(t, http.MethodGet, "/-/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/-/client-token", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutingFallbacks(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/-/health", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", decodeBody(t, rec)["title"])

	rec = s.do(t, http.MethodGet, "/auth/v1/token", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSExposesSignatureHeader(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *services.Identity) {
		cfg.Security.AllowedOrigins = []string{"https://portal.example"}
	})
	tok := s.handshake(t, testOrigin)

	rec := s.do(t, http.MethodDelete, "/leasing/v1/lessor/leases", nil, map[string]string{
		"Authorization": "Bearer " + tok,
		"Origin":        "https://portal.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://portal.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), config.SignatureHeader)
}
