package backends

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/internal/storage"
)

func TestOpenKnownBackends(t *testing.T) {
	for _, name := range []string{"jsonfile", "sqlite", "bolt", "JSON", ""} {
		t.Run(name, func(t *testing.T) {
			e, err := Open(context.Background(), name, storage.EngineConfig{Root: t.TempDir()}, Options{})
			require.NoError(t, err)
			defer e.Close()
			assert.Equal(t, normalize(name), e.Name())
			assert.NoError(t, e.HealthCheck(context.Background()))
		})
	}
}

func TestOpenUnknownFallsBack(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	e, err := Open(context.Background(), "cassandra", storage.EngineConfig{Root: t.TempDir()}, Options{Logger: logger})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, Default, e.Name())
	assert.Contains(t, logs.String(), "falling back")
	assert.Contains(t, logs.String(), "cassandra")
}

func TestOpenFailingBackendFallsBack(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	// postgres without a DSN cannot initialise.
	e, err := Open(context.Background(), "postgres", storage.EngineConfig{Root: t.TempDir()}, Options{Logger: logger})
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Default, e.Name())
}

func TestOpenDefaultFailureIsReturned(t *testing.T) {
	_, err := Open(context.Background(), "jsonfile", storage.EngineConfig{}, Options{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestOpenWithGuard(t *testing.T) {
	e, err := Open(context.Background(), "jsonfile", storage.EngineConfig{Root: t.TempDir()},
		Options{Guard: &storage.GuardConfig{MaxFailures: 3}})
	require.NoError(t, err)
	defer e.Close()

	g, ok := e.(*storage.Guard)
	require.True(t, ok)
	assert.Equal(t, "closed", g.State())
	assert.NotEmpty(t, g.Path(storage.History("p").Key("0.json")))
}

func TestSanitizeDSN(t *testing.T) {
	url := sanitizeDSN("postgres://bob:secret@db/history")
	assert.NotContains(t, url, "secret")
	assert.Contains(t, url, "REDACTED")

	assert.Equal(t, "host=db password=[REDACTED] user=bob", sanitizeDSN("host=db password=secret user=bob"))
	assert.Equal(t, "/tmp/x.db", sanitizeDSN("/tmp/x.db"))
}
