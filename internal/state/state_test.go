package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/session"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	cm := cleanup.New()
	t.Cleanup(cm.Dispose)
	return New(path, logger.Default(), cm), path
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Load())
	assert.Empty(t, s.Snapshot().Sessions)
}

func TestLoadCorruptFileFails(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	assert.Error(t, s.Load())
}

func TestRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Load())

	s.UpsertSession(SessionSnapshot{
		ID:         "sess-1",
		WorkingDir: "/work/project",
		Status:     session.StatusBusy,
		CreatedAt:  time.Now().UTC(),
		Tokens:     1234,
	})
	require.NoError(t, s.Flush())

	reloaded, _ := newTestStore(t)
	// point the fresh store at the same file
	reloaded.path = path
	require.NoError(t, reloaded.Load())

	snap, ok := reloaded.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, "/work/project", snap.WorkingDir)
	assert.Equal(t, int64(1234), snap.Tokens)
}

func TestTopLevelKeysAreContractual(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Load())
	s.UpsertSession(SessionSnapshot{ID: "sess-1"})
	require.NoError(t, s.Flush())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"sessions", "tasks", "ralphLoop", "config"} {
		assert.Contains(t, doc, key)
	}
}

func TestDebouncedWrite(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Load())

	s.UpsertSession(SessionSnapshot{ID: "sess-1"})

	// nothing on disk until the debounce window elapses
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRemoveSessionDropsLoopState(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Load())

	s.UpsertSession(SessionSnapshot{ID: "sess-1"})
	s.Update(func(doc *Document) {
		doc.RalphLoop["sess-1"] = doc.RalphLoop["sess-1"]
	})
	s.RemoveSession("sess-1")

	doc := s.Snapshot()
	assert.NotContains(t, doc.Sessions, "sess-1")
	assert.NotContains(t, doc.RalphLoop, "sess-1")
}

func TestFlushIsAtomicReplacement(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Load())

	s.UpsertSession(SessionSnapshot{ID: "first"})
	require.NoError(t, s.Flush())
	s.UpsertSession(SessionSnapshot{ID: "second"})
	require.NoError(t, s.Flush())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc.Sessions, 2)

	// no temp droppings left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
