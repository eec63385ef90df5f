package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/internal/fsutil"
	"github.com/scrypster/chathistory/internal/metrics"
	"github.com/scrypster/chathistory/pkg/types"
)

const legacyDoc = `{
  "title": "Fix crash",
  "timestamp": "2024-01-02 03:04:05",
  "entries": [
    {
      "timestamp": "2024-01-02 03:04:05",
      "provider": "openai",
      "model": "gpt-4o",
      "request": "why does it crash?",
      "response": "nil map write"
    }
  ]
}`

const hybridDoc = `{
  "schema_version": 2,
  "uuid": "conv-1",
  "title": "half migrated",
  "messages": [
    {"id": "m1", "role": "user", "content": "first", "state": "generated"},
    {"id": "m2", "role": "assistant", "content": "second", "state": "generated"}
  ],
  "entries": [
    {"timestamp": 1700000000, "request": "third", "response": "fourth"}
  ]
}`

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConverter() *format.Converter {
	var mu sync.Mutex
	n := 0
	return &format.Converter{
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		},
		Now: func() time.Time { return testEpoch },
	}
}

func newTestEngine(cfg Config, opts ...Option) *Engine {
	base := []Option{
		WithConverter(testConverter()),
		WithClock(func() time.Time { return testEpoch }),
	}
	return New(cfg, append(base, opts...)...)
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readDoc(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestMigrateFile_Legacy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects", "demo", "history", "0.json")
	writeDoc(t, path, legacyDoc)

	m := metrics.New(nil)
	e := newTestEngine(Config{KeepBackups: true}, WithMetrics(m))

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{ProjectKey: "demo"})
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, format.VariantLegacy, res.Detection.Variant)
	assert.Equal(t, 2, res.Messages)
	assert.Equal(t, 1, res.Stats.EntriesProcessed)

	conv, err := format.DecodeUnified([]byte(readDoc(t, path)))
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.CurrentSchemaVersion, conv.SchemaVersion)
	assert.Equal(t, "Fix crash", conv.Title)
	assert.Equal(t, "0.json", conv.Filename)
	assert.Equal(t, types.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "why does it crash?", conv.Messages[0].Content.String())
	assert.Equal(t, types.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, conv.Messages[0].TurnID, conv.Messages[1].TurnID)
	require.NotNil(t, conv.MigrationMetadata)
	assert.Equal(t, format.OriginalFormatLegacy, conv.MigrationMetadata.OriginalFormat)

	after := DetectFormat([]byte(readDoc(t, path)))
	assert.Equal(t, format.VariantUnified, after.Variant)
	assert.InDelta(t, 0.95, after.Confidence, 1e-9)

	require.NotEmpty(t, res.BackupPath)
	assert.Equal(t, filepath.Dir(path), filepath.Dir(res.BackupPath))
	assert.Equal(t, legacyDoc, readDoc(t, res.BackupPath))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MigrationFiles.WithLabelValues("migrated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MigratedMessages))
}

func TestMigrateFile_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.json")
	writeDoc(t, path, legacyDoc)
	e := newTestEngine(Config{})

	_, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.NoError(t, err)
	first := readDoc(t, path)

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.Equal(t, StageNotNeeded, res.Stage)
	assert.Equal(t, first, readDoc(t, path))
}

func TestMigrateFile_HybridAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "4.json")
	writeDoc(t, path, hybridDoc)
	e := newTestEngine(Config{})

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.NoError(t, err)
	assert.Equal(t, format.VariantHybrid, res.Detection.Variant)

	conv, err := format.DecodeUnified([]byte(readDoc(t, path)))
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "m1", conv.Messages[0].ID)
	assert.Equal(t, "m2", conv.Messages[1].ID)
	assert.Equal(t, "third", conv.Messages[2].Content.String())
	assert.Equal(t, "fourth", conv.Messages[3].Content.String())
	assert.Equal(t, 2, conv.MigrationMetadata.ConversionStats.MessagesRetained)
}

func TestMigrateFile_HybridWithoutMessageIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "5.json")
	writeDoc(t, path, `{
		"uuid": "conv-2",
		"messages": [
			{"role": "user", "content": "first", "visible": true},
			{"role": "assistant", "content": "second", "visible": true}
		],
		"entries": [{"timestamp": 1700000000, "request": "third", "response": "fourth"}]
	}`)
	e := newTestEngine(Config{})

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.NoError(t, err)
	assert.True(t, res.Migrated)

	conv, err := format.DecodeUnified([]byte(readDoc(t, path)))
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "first", conv.Messages[0].Content.String())
	assert.Equal(t, "second", conv.Messages[1].Content.String())
	for i, m := range conv.Messages {
		assert.NotEmpty(t, m.ID, "message %d", i)
	}
	assert.NotEqual(t, conv.Messages[0].ID, conv.Messages[1].ID)
}

func TestMigrateFile_UnknownLeftAlone(t *testing.T) {
	for name, doc := range map[string]string{
		"unrecognized": `{"foo": 1}`,
		"malformed":    `{"entries": [`,
		"old unified":  `{"schema_version": 1, "messages": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "0.json")
			writeDoc(t, path, doc)

			res, err := newTestEngine(Config{}).MigrateFile(context.Background(), path, types.ProjectInfo{})
			require.NoError(t, err)
			assert.Equal(t, StageNotNeeded, res.Stage)
			assert.Empty(t, res.BackupPath)
			assert.Equal(t, doc, readDoc(t, path))

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1, "no backup is written for files that are not migrated")
		})
	}
}

func TestMigrateFile_WriteFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "projects", "demo", "history", "3.json")
	writeDoc(t, path, legacyDoc)

	faulty := fsutil.NewFaulty(fsutil.OS{})
	faulty.Set(filepath.Join("history", "3.json"), "", "")
	e := newTestEngine(Config{BackupDir: filepath.Join(root, "backups"), KeepBackups: false}, WithFS(faulty))

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{ProjectKey: "demo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fsutil.ErrInjected)
	assert.Equal(t, StageRolledBack, res.Stage)
	assert.Equal(t, StageWrite, res.FailedAt)
	assert.True(t, res.RolledBack)
	assert.False(t, res.Migrated)

	assert.Equal(t, legacyDoc, readDoc(t, path), "original must be byte-identical")
	require.NotEmpty(t, res.BackupPath, "backups of failed migrations are kept")
	assert.Equal(t, filepath.Join(root, "backups", "demo"), filepath.Dir(res.BackupPath))
	assert.Equal(t, legacyDoc, readDoc(t, res.BackupPath))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestMigrateFile_ValidationFailureRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.json")
	writeDoc(t, path, legacyDoc)

	// Every message gets the same id, which the validator rejects.
	broken := &format.Converter{NewID: func() string { return "dup" }, Now: func() time.Time { return testEpoch }}
	e := New(Config{}, WithConverter(broken), WithClock(func() time.Time { return testEpoch }))

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StageValidate, res.FailedAt)
	assert.True(t, res.RolledBack)
	assert.Equal(t, legacyDoc, readDoc(t, path))
}

func TestMigrateFile_BackupFailureLeavesDiskUntouched(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "0.json")
	writeDoc(t, path, legacyDoc)

	faulty := fsutil.NewFaulty(fsutil.OS{})
	faulty.Set("", ".bak", "")
	e := newTestEngine(Config{}, WithFS(faulty))

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.Error(t, err)
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, StageBackup, res.FailedAt)
	assert.False(t, res.RolledBack)
	assert.Empty(t, res.BackupPath)
	assert.Equal(t, legacyDoc, readDoc(t, path))
}

func TestMigrateFile_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.json")
	writeDoc(t, path, legacyDoc)

	// Each clock read advances one second; the third stage check is past
	// the deadline.
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := testEpoch.Add(time.Duration(tick) * time.Second)
		tick++
		return now
	}
	e := New(Config{FileTimeout: 2500 * time.Millisecond}, WithConverter(testConverter()), WithClock(clock))

	res, err := e.MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, res.RolledBack)
	assert.False(t, res.Migrated)
	assert.Equal(t, legacyDoc, readDoc(t, path))
}

func TestMigrateFile_RunsToCompletionWhenCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.json")
	writeDoc(t, path, legacyDoc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestEngine(Config{}).MigrateFile(ctx, path, types.ProjectInfo{})
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Equal(t, format.VariantUnified, DetectFormat([]byte(readDoc(t, path))).Variant)
}

func TestMigrateFile_DiscardsBackupOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.json")
	writeDoc(t, path, legacyDoc)

	res, err := newTestEngine(Config{KeepBackups: false}).MigrateFile(context.Background(), path, types.ProjectInfo{})
	require.NoError(t, err)
	assert.Empty(t, res.BackupPath)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMigrateFile_MissingFile(t *testing.T) {
	res, err := newTestEngine(Config{}).MigrateFile(context.Background(), filepath.Join(t.TempDir(), "nope.json"), types.ProjectInfo{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, StageFailed, res.Stage)
}
