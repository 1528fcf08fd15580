package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/model"
)

func TestStartupRunsPhasesInOrder(t *testing.T) {
	m := NewManager(time.Second, nil)
	var order []string
	add := func(name string) {
		m.AddPhase(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	add("config")
	add("database")
	add("axis_core")
	add("components")
	add("recovery")
	add("bridge")

	assert.False(t, m.Live())
	assert.False(t, m.Ready())

	require.NoError(t, m.Startup(context.Background()))
	assert.Equal(t, []string{"config", "database", "axis_core", "components", "recovery", "bridge"}, order)
	assert.True(t, m.Live())
	assert.True(t, m.Ready())
}

func TestStartupLiveAfterFirstPhase(t *testing.T) {
	m := NewManager(time.Second, nil)
	m.AddPhase("config", func(context.Context) error { return nil })

	var liveDuringSecond bool
	m.AddPhase("database", func(context.Context) error {
		liveDuringSecond = m.Live()
		return nil
	})

	require.NoError(t, m.Startup(context.Background()))
	assert.True(t, liveDuringSecond, "liveness set before later phases run")
}

func TestStartupFailureUnwindsTeardowns(t *testing.T) {
	m := NewManager(time.Second, nil)
	var torn []string

	m.AddPhase("config", func(context.Context) error {
		m.OnShutdown("config", func(context.Context) error {
			torn = append(torn, "config")
			return nil
		})
		return nil
	})
	m.AddPhase("database", func(context.Context) error {
		m.OnShutdown("database", func(context.Context) error {
			torn = append(torn, "database")
			return nil
		})
		return nil
	})
	m.AddPhase("axis_core", func(context.Context) error {
		return fmt.Errorf("port in use")
	})
	m.AddPhase("components", func(context.Context) error {
		t.Fatal("phase after failure must not run")
		return nil
	})

	err := m.Startup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "axis_core")
	assert.Equal(t, []string{"database", "config"}, torn, "teardowns run in reverse order")
	assert.False(t, m.Ready())
}

func TestShutdownReverseOrderAndIdempotent(t *testing.T) {
	m := NewManager(time.Second, nil)
	var torn []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		m.OnShutdown(name, func(context.Context) error {
			torn = append(torn, name)
			return nil
		})
	}
	require.NoError(t, m.Startup(context.Background()))

	m.Shutdown(context.Background())
	m.Shutdown(context.Background()) // second call is a no-op
	assert.Equal(t, []string{"c", "b", "a"}, torn)
	assert.False(t, m.Live())
	assert.False(t, m.Ready())
}

func TestShutdownSurvivesPanicAndError(t *testing.T) {
	m := NewManager(time.Second, nil)
	var last string
	m.OnShutdown("first", func(context.Context) error {
		last = "first"
		return nil
	})
	m.OnShutdown("failing", func(context.Context) error {
		return fmt.Errorf("close failed")
	})
	m.OnShutdown("panicking", func(context.Context) error {
		panic("boom")
	})

	m.Shutdown(context.Background())
	assert.Equal(t, "first", last, "later handlers still run")
}

func TestShutdownHonorsGracefulBudget(t *testing.T) {
	m := NewManager(50*time.Millisecond, nil)
	m.OnShutdown("stuck", func(context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})

	start := time.Now()
	m.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second, "shutdown does not wait out a stuck handler")
}

func testDiagConfig(t *testing.T) *model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestDiagnosticsHealthy(t *testing.T) {
	results := RunDiagnostics(testDiagConfig(t))
	assert.False(t, HasAbort(results))

	byName := make(map[string]CheckResult)
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.Equal(t, SeverityOK, byName["runtime_version"].Severity)
	assert.Equal(t, SeverityOK, byName["data_dir"].Severity)
	assert.Equal(t, SeverityOK, byName["port"].Severity)
	assert.Equal(t, "not created yet", byName["database_files"].Detail)
}

func TestDiagnosticsDataDirIsAFile(t *testing.T) {
	cfg := testDiagConfig(t)
	file := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg.DataDir = file

	results := RunDiagnostics(cfg)
	assert.True(t, HasAbort(results))
}

func TestDiagnosticsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testDiagConfig(t)
	cfg.MetricsAddr = ln.Addr().String()

	results := RunDiagnostics(cfg)
	assert.True(t, HasAbort(results))
}

func TestDiagnosticsExistingDatabaseFiles(t *testing.T) {
	cfg := testDiagConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.DataDir, "jetstream"), 0o755))

	results := RunDiagnostics(cfg)
	assert.False(t, HasAbort(results))
	for _, r := range results {
		if r.Name == "database_files" {
			assert.Equal(t, SeverityOK, r.Severity)
			assert.Contains(t, r.Detail, "jetstream")
		}
	}
}
