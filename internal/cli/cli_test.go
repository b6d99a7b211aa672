package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputune/internal/app"
	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/backend/backendtest"
	"github.com/skobkin/gputune/internal/config"
	"github.com/skobkin/gputune/internal/device"
	"github.com/skobkin/gputune/internal/platform"
	"github.com/skobkin/gputune/internal/sampler"
	"github.com/skobkin/gputune/internal/tuning"
)

func fakeFactory(fake *backendtest.Fake) CoreFactory {
	return func(ctx context.Context, logger *slog.Logger, cfg config.Config) (*app.Core, error) {
		selection := platform.Selection{
			Backend: backend.NewGuard(fake, time.Second, logger),
			Status:  backend.StatusReady,
		}
		return app.NewCoreFromSelection(ctx, logger, cfg, selection)
	}
}

func newFake() *backendtest.Fake {
	a := backendtest.Device("a", "Test GPU")
	fake := backendtest.New(a)
	fake.QueueSamples(a.Handle, backendtest.FullSample(64, 33, 120, 200, 1700, 7000, 45))
	return fake
}

func run(t *testing.T, fake *backendtest.Fake, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_CONFIG_FILE", "")

	cmd := NewRootCommand(fakeFactory(fake))
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDevicesTable(t *testing.T) {
	out, err := run(t, newFake(), "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "gpu0")
	assert.Contains(t, out, "Test GPU")
	assert.Contains(t, out, "fake")
}

func TestDevicesJSON(t *testing.T) {
	out, err := run(t, newFake(), "devices", "--json")
	require.NoError(t, err)

	var devices []device.Device
	require.NoError(t, json.Unmarshal([]byte(out), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "gpu0", devices[0].ID)
	assert.True(t, devices[0].VendorCapable)
}

func TestDevicesEmpty(t *testing.T) {
	out, err := run(t, backendtest.New(), "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "No GPUs detected")
}

func TestSampleJSON(t *testing.T) {
	out, err := run(t, newFake(), "sample", "--json")
	require.NoError(t, err)

	var sample sampler.Sample
	require.NoError(t, json.Unmarshal([]byte(out), &sample))
	assert.Equal(t, "gpu0", sample.DeviceID)
	assert.InDelta(t, 64, sample.TemperatureC, 0.001)
	assert.InDelta(t, 200, sample.PowerLimitW, 0.001)
}

func TestSampleWatchStopsAfterCount(t *testing.T) {
	fake := newFake()
	out, err := run(t, fake, "sample", "--watch", "--interval", "5ms", "--count", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, fake.ReadCalls(backendtest.Device("a", "").Handle))
	assert.Contains(t, out, "64°C")
}

func TestSampleUnknownDevice(t *testing.T) {
	_, err := run(t, newFake(), "sample", "--device", "gpu9")
	require.Error(t, err)
}

func TestApplyWritesAbsoluteValues(t *testing.T) {
	fake := newFake()
	out, err := run(t, fake, "apply", "--device", "gpu0", "--power-limit", "110", "--core-offset", "50", "--mem-offset", "-100")
	require.NoError(t, err)
	assert.Contains(t, out, tuning.ResultFullyApplied)

	writes := fake.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, backend.WriteRequest{PowerLimitW: 220, CoreClockMHz: 1750, MemClockMHz: 6900}, writes[0].Request)
}

func TestApplyDryRunDoesNotWrite(t *testing.T) {
	fake := newFake()
	out, err := run(t, fake, "apply", "--device", "gpu0", "--power-limit", "500", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "power 120%")
	assert.Empty(t, fake.Writes())
}

func TestApplyReportsFailure(t *testing.T) {
	fake := newFake()
	fake.SetWriteResult(backend.FailedWrites(backend.ErrPermissionDenied))

	out, err := run(t, fake, "apply", "--device", "gpu0", "--power-limit", "90")
	require.ErrorIs(t, err, errApplyFailed)
	assert.Contains(t, out, "hint:")
}

func TestApplyRequiresDevice(t *testing.T) {
	_, err := run(t, newFake(), "apply")
	require.Error(t, err)
}

func TestInvalidLogLevelIsAFlagError(t *testing.T) {
	fake := newFake()
	enumerated := false
	fake.EnumerateHook = func(context.Context) { enumerated = true }

	_, err := run(t, fake, "--log-level", "verbose", "devices")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid --log-level "verbose"`)
	assert.False(t, enumerated, "no backend work may start with a bad flag")

	_, err = run(t, newFake(), "--log-level", "DEBUG", "devices")
	require.NoError(t, err)
}

func TestStatusJSON(t *testing.T) {
	out, err := run(t, newFake(), "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"backend": "fake"`)
	assert.Contains(t, out, `"devices": 1`)
}
