package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/backend/backendtest"
	"github.com/skobkin/gputune/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeBuilders(fakes map[string]*backendtest.Fake) map[string]builder {
	builders := make(map[string]builder, len(fakes))
	for name, fake := range fakes {
		builders[name] = func() backend.Backend { return fake }
	}
	return builders
}

func unavailable() *backendtest.Fake {
	f := backendtest.New()
	f.SetStatus(backend.StatusUnavailable)
	return f
}

func TestAutoPrefersFirstReadyBackendWithDevices(t *testing.T) {
	t.Parallel()

	nv := unavailable()
	amd := backendtest.New(backendtest.Device("a", "Radeon"))
	id := backendtest.New(backendtest.Device("b", "Radeon"))

	sel, err := open(context.Background(), config.BackendAuto, time.Second, fakeBuilders(map[string]*backendtest.Fake{
		config.BackendNVML:     nv,
		config.BackendSysfs:    amd,
		config.BackendIdentity: id,
	}), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, backend.StatusReady, sel.Status)
	assert.Same(t, amd, sel.Backend.Unwrap())
	assert.True(t, nv.Closed())
	assert.False(t, amd.Closed())
}

func TestAutoSkipsReadyBackendWithoutDevices(t *testing.T) {
	t.Parallel()

	nv := backendtest.New()
	sysfs := backendtest.New(backendtest.Device("a", "Radeon"))

	sel, err := open(context.Background(), config.BackendAuto, time.Second, fakeBuilders(map[string]*backendtest.Fake{
		config.BackendNVML:     nv,
		config.BackendSysfs:    sysfs,
		config.BackendIdentity: backendtest.New(),
	}), discardLogger())
	require.NoError(t, err)

	assert.Same(t, sysfs, sel.Backend.Unwrap())
	assert.True(t, nv.Closed())
}

func TestAutoFallsBackToDegraded(t *testing.T) {
	t.Parallel()

	id := unavailable()
	sel, err := open(context.Background(), config.BackendAuto, time.Second, fakeBuilders(map[string]*backendtest.Fake{
		config.BackendNVML:     unavailable(),
		config.BackendSysfs:    unavailable(),
		config.BackendIdentity: id,
	}), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, backend.StatusUnavailable, sel.Status)
	assert.Same(t, id, sel.Backend.Unwrap())
}

func TestExplicitKindKeepsUnavailableBackend(t *testing.T) {
	t.Parallel()

	nv := unavailable()
	sel, err := open(context.Background(), config.BackendNVML, time.Second, fakeBuilders(map[string]*backendtest.Fake{
		config.BackendNVML: nv,
	}), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, backend.StatusUnavailable, sel.Status)
	assert.Same(t, nv, sel.Backend.Unwrap())
	assert.False(t, nv.Closed())
}

func TestUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := open(context.Background(), "rocm", time.Second, fakeBuilders(nil), discardLogger())
	require.Error(t, err)
}

func TestOpenSysfsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.Backend.Kind = config.BackendSysfs
	cfg.SysfsRoot = t.TempDir()

	sel, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "sysfs", sel.Backend.Name())
	assert.Equal(t, backend.StatusUnavailable, sel.Status)
	ids, err := sel.Backend.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
