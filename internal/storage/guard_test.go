package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chathistory/pkg/types"
)

// flakyEngine fails every call with err.
type flakyEngine struct {
	err   error
	calls int
}

func (f *flakyEngine) Name() string { return "flaky" }
func (f *flakyEngine) Initialize(context.Context, EngineConfig) error {
	f.calls++
	return f.err
}
func (f *flakyEngine) Save(context.Context, *types.Conversation, Key) error {
	f.calls++
	return f.err
}
func (f *flakyEngine) Load(context.Context, Key) (*types.Conversation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.Conversation{ID: "ok"}, nil
}
func (f *flakyEngine) List(context.Context, Namespace, ListOptions) ([]ConversationSummary, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyEngine) Delete(context.Context, Key) error {
	f.calls++
	return f.err
}
func (f *flakyEngine) Archive(context.Context, Key, Key) error {
	f.calls++
	return f.err
}
func (f *flakyEngine) Search(context.Context, Namespace, SearchQuery) ([]SearchResult, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyEngine) Stats(context.Context, string) (*Stats, error) {
	f.calls++
	return &Stats{}, f.err
}
func (f *flakyEngine) HealthCheck(context.Context) error {
	f.calls++
	return f.err
}
func (f *flakyEngine) Projects(context.Context) ([]string, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyEngine) NextFilename(context.Context, Namespace) (string, error) {
	f.calls++
	return "0.json", f.err
}
func (f *flakyEngine) Latest(context.Context, Namespace) (string, error) {
	f.calls++
	return "", f.err
}
func (f *flakyEngine) SetLatest(context.Context, Namespace, string) error {
	f.calls++
	return f.err
}
func (f *flakyEngine) Close() error { return nil }

func TestGuard_TripsOnBackendFailures(t *testing.T) {
	inner := &flakyEngine{err: errors.New("disk on fire")}
	g := NewGuard(inner, GuardConfig{MaxFailures: 2, Timeout: time.Hour}, nil)
	ctx := context.Background()
	key := History("p").Key("0.json")

	require.Error(t, g.Save(ctx, &types.Conversation{}, key))
	require.Error(t, g.Save(ctx, &types.Conversation{}, key))
	assert.Equal(t, "open", g.State())

	err := g.Save(ctx, &types.Conversation{}, key)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the backend")
}

func TestGuard_ExpectedErrorsDoNotTrip(t *testing.T) {
	for _, sentinel := range []error{ErrNotFound, ErrDecode, ErrUnsupported, ErrInvalidInput} {
		inner := &flakyEngine{err: sentinel}
		g := NewGuard(inner, GuardConfig{MaxFailures: 1, Timeout: time.Hour}, nil)

		for i := 0; i < 3; i++ {
			_, err := g.Load(context.Background(), History("p").Key("0.json"))
			assert.ErrorIs(t, err, sentinel)
		}
		assert.Equal(t, "closed", g.State(), sentinel.Error())
		assert.Equal(t, 3, inner.calls)
	}
}

func TestGuard_PassesResults(t *testing.T) {
	g := NewGuard(&flakyEngine{}, GuardConfig{}, nil)

	conv, err := g.Load(context.Background(), History("p").Key("0.json"))
	require.NoError(t, err)
	assert.Equal(t, "ok", conv.ID)

	name, err := g.NextFilename(context.Background(), History("p"))
	require.NoError(t, err)
	assert.Equal(t, "0.json", name)
	assert.Equal(t, "", g.Path(History("p").Key("0.json")))
}

func TestGuardSnapshotUnsupported(t *testing.T) {
	g := NewGuard(&flakyEngine{}, GuardConfig{}, nil)
	err := g.Snapshot(context.Background(), t.TempDir()+"/copy.db")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, "closed", g.State(), "unsupported is not a backend failure")
}
