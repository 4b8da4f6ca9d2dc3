package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastdls/internal/config"
	"fastdls/internal/pki"
	"fastdls/internal/shared/testutil"
)

// setupTestConfig writes an instance key pair into a temp dir and returns
// a config that uses it with an in-memory store.
func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Database.URL = "memory://"
	cfg.Telemetry.MetricsEnabled = false
	cfg.Instance.PrivateKeyFile = filepath.Join(dir, "instance.private.pem")
	cfg.Instance.PublicKeyFile = filepath.Join(dir, "instance.public.pem")
	cfg.Instance.CertDir = filepath.Join(dir, "chain")

	keys := pki.NewKeyPair(testutil.RSAKey(t))
	require.NoError(t, keys.WriteFiles(cfg.Instance.PrivateKeyFile, cfg.Instance.PublicKeyFile))
	return cfg
}

func TestLoadIdentity(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("site key xid is used as key ref", func(t *testing.T) {
		cfg := setupTestConfig(t)

		id, err := LoadIdentity(cfg, now)
		require.NoError(t, err)
		assert.Equal(t, cfg.Instance.SiteKeyXID, id.KeyRef)
		require.NotNil(t, id.Chain)
		assert.NoError(t, id.Chain.Verify(now))
		assert.FileExists(t, filepath.Join(cfg.Instance.CertDir, pki.LeafCertFile))
	})

	t.Run("key ref derived without site key xid", func(t *testing.T) {
		cfg := setupTestConfig(t)
		cfg.Instance.SiteKeyXID = ""

		id, err := LoadIdentity(cfg, now)
		require.NoError(t, err)

		want, err := pki.DeriveKeyRef(cfg.Instance.InstanceRef, id.Keys.Public)
		require.NoError(t, err)
		assert.Equal(t, want, id.KeyRef)
	})

	t.Run("no cert dir skips the chain", func(t *testing.T) {
		cfg := setupTestConfig(t)
		cfg.Instance.CertDir = ""

		id, err := LoadIdentity(cfg, now)
		require.NoError(t, err)
		assert.Nil(t, id.Chain)
	})

	t.Run("missing key is fatal", func(t *testing.T) {
		cfg := setupTestConfig(t)
		require.NoError(t, os.Remove(cfg.Instance.PrivateKeyFile))

		_, err := LoadIdentity(cfg, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load instance key")
	})
}

func TestNewApplication(t *testing.T) {
	cfg := setupTestConfig(t)
	logger, _ := testutil.NewTestLogger(t)

	app, err := NewApplication(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { app.Stop(context.Background()) })

	assert.NotNil(t, app.Handshake)
	assert.NotNil(t, app.Leases)
	assert.NotNil(t, app.Admin)
	assert.NotNil(t, app.EventHub)
	assert.Equal(t, "127.0.0.1:0", app.Server.Addr)
	assert.Equal(t, cfg.Server.ReadTimeout, app.Server.ReadTimeout)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/client-token", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApplicationBadDatabase(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Database.URL = "mysql://nope"
	logger, _ := testutil.NewTestLogger(t)

	_, err := NewApplication(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open database")
}

func TestApplication_Start(t *testing.T) {
	t.Run("stops when context is cancelled", func(t *testing.T) {
		cfg := setupTestConfig(t)
		cfg.Sweeper.Interval = 10 * time.Millisecond
		logger, handler := testutil.NewTestLogger(t)

		app, err := NewApplication(context.Background(), cfg, logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		startErr := make(chan error, 1)
		go func() {
			startErr <- app.Start(ctx)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-startErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("application did not shut down")
		}
		assert.True(t, handler.ContainsMessage("Application shutdown complete"))
	})

	t.Run("port already in use", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := setupTestConfig(t)
		cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
		logger, _ := testutil.NewTestLogger(t)

		app, err := NewApplication(context.Background(), cfg, logger)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = app.Start(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server error")
	})
}
