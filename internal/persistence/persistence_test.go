package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/logging"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
)

type testStore struct {
	Items []string `json:"items"`
}

// countingCodec counts serializations so tests can observe how many writes
// were triggered.
type countingCodec struct {
	JSONCodec[*testStore]
	marshals atomic.Int32
}

func (c *countingCodec) Marshal(v *testStore) ([]byte, error) {
	c.marshals.Add(1)
	return c.JSONCodec.Marshal(v)
}

func newTestOrchestrator() (*Orchestrator, *loop.Manual) {
	sched := loop.NewManual(time.Unix(1_700_000_000, 0))
	return NewOrchestrator(sched, NewCorruptedFileCollector(), logging.Discard()), sched
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempFilePrefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestSource_Policies(t *testing.T) {
	tests := []struct {
		source   Source
		name     string
		backups  int
		delay    time.Duration
		flush    bool
	}{
		{SourceNetwork, "NETWORK", 1, 300 * time.Second, false},
		{SourcePrivate, "PRIVATE", 10, 200 * time.Millisecond, true},
		{SourcePrivateLowPrio, "PRIVATE_LOW_PRIO", 4, time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.source.String())
			assert.Equal(t, tt.backups, tt.source.NumMaxBackupFiles())
			assert.Equal(t, tt.delay, tt.source.Delay())
			assert.Equal(t, tt.flush, tt.source.FlushAtShutdown())
		})
	}
}

func TestManager_InitializeTwice(t *testing.T) {
	orch, _ := newTestOrchestrator()
	m := NewManager[*testStore](orch, t.TempDir(), nil)
	defer m.Shutdown()

	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))
	err := m.Initialize(&testStore{}, "Store", SourcePrivate)
	assert.True(t, errors.Is(err, ErrAlreadyInitialized))
}

func TestManager_DuplicateFileName(t *testing.T) {
	orch, _ := newTestOrchestrator()
	dir := t.TempDir()
	a := NewManager[*testStore](orch, dir, nil)
	b := NewManager[*testStore](orch, dir, nil)
	defer a.Shutdown()

	require.NoError(t, a.Initialize(&testStore{}, "Store", SourcePrivate))
	err := b.Initialize(&testStore{}, "Store", SourcePrivate)
	assert.True(t, errors.Is(err, ErrDuplicateFileName))
	assert.Equal(t, []string{"Store"}, orch.FileNames())
}

func TestManager_DefaultFileName(t *testing.T) {
	orch, _ := newTestOrchestrator()
	m := NewManager[*testStore](orch, t.TempDir(), nil)
	defer m.Shutdown()

	require.NoError(t, m.Initialize(&testStore{}, "", SourcePrivate))
	assert.Equal(t, "testStore", m.FileName())
}

func TestManager_RequestsAreDebounced(t *testing.T) {
	orch, sched := newTestOrchestrator()
	orch.OnAllServicesInitialized()
	dir := t.TempDir()
	codec := &countingCodec{}
	m := NewManager[*testStore](orch, dir, codec)
	defer m.Shutdown()

	store := &testStore{}
	require.NoError(t, m.Initialize(store, "Store", SourcePrivate))

	for i := 0; i < 5; i++ {
		store.Items = append(store.Items, "x")
		m.RequestPersistence()
		sched.Advance(50 * time.Millisecond)
	}
	// 250ms after the first request: one timer fired at 200ms, the request
	// at 200ms opened a second window.
	assert.Equal(t, int32(1), codec.marshals.Load())

	sched.Advance(time.Second)
	assert.Equal(t, int32(2), codec.marshals.Load())

	sched.Advance(10 * time.Second)
	assert.Equal(t, int32(2), codec.marshals.Load())
	assert.Equal(t, 0, sched.PendingTimers())
}

func TestManager_RequestsWithinWindowCollapse(t *testing.T) {
	orch, sched := newTestOrchestrator()
	orch.OnAllServicesInitialized()
	codec := &countingCodec{}
	m := NewManager[*testStore](orch, t.TempDir(), codec)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))

	for i := 0; i < 10; i++ {
		m.RequestPersistence()
	}
	assert.Equal(t, 1, sched.PendingTimers())

	sched.Advance(199 * time.Millisecond)
	assert.Equal(t, int32(0), codec.marshals.Load())

	sched.Advance(time.Millisecond)
	assert.Equal(t, int32(1), codec.marshals.Load())
}

func TestManager_RequestBeforeReadinessIsDeferred(t *testing.T) {
	orch, sched := newTestOrchestrator()
	codec := &countingCodec{}
	m := NewManager[*testStore](orch, t.TempDir(), codec)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))

	m.RequestPersistence()
	assert.Equal(t, 0, sched.PendingTimers())
	sched.Advance(time.Minute)
	assert.Equal(t, int32(0), codec.marshals.Load())

	orch.OnAllServicesInitialized()
	assert.Equal(t, 1, sched.PendingTimers())
	sched.Advance(200 * time.Millisecond)
	assert.Equal(t, int32(1), codec.marshals.Load())
}

func TestManager_PersistNowWritesAndRoundTrips(t *testing.T) {
	orch, sched := newTestOrchestrator()
	dir := t.TempDir()
	m := NewManager[*testStore](orch, dir, nil)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{Items: []string{"a", "b"}}, "Store", SourcePrivate))

	var done atomic.Bool
	m.PersistNow(func() { done.Store(true) })
	require.True(t, sched.Await(done.Load, 2*time.Second))

	got, ok := m.GetPersisted("")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got.Items)
	assert.Empty(t, tempFiles(t, dir))
}

func TestManager_FailedWriteKeepsPreviousFile(t *testing.T) {
	orch, sched := newTestOrchestrator()
	dir := t.TempDir()
	target := filepath.Join(dir, "Store")
	require.NoError(t, os.WriteFile(target, []byte(`{"items":["old"]}`), 0o600))

	m := NewManager[*testStore](orch, dir, nil)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{Items: []string{"new"}}, "Store", SourceNetwork))

	m.writer.writeFn = func(f *os.File, data []byte) error {
		_, _ = f.Write(data[:len(data)/2])
		return errors.New("disk full")
	}

	var done atomic.Bool
	m.PersistNow(func() { done.Store(true) })
	require.True(t, sched.Await(done.Load, 2*time.Second), "handler must run on failure")

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"items":["old"]}`, string(content))
	assert.Empty(t, tempFiles(t, dir), "poisoned temp file must be removed")

	m.writer.writeFn = func(f *os.File, data []byte) error {
		_, err := f.Write(data)
		return err
	}
	done.Store(false)
	m.PersistNow(func() { done.Store(true) })
	require.True(t, sched.Await(done.Load, 2*time.Second))

	content, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"items":["new"]}`, string(content))
}

func TestManager_RollingBackups(t *testing.T) {
	orch, sched := newTestOrchestrator()
	dir := t.TempDir()
	m := NewManager[*testStore](orch, dir, nil)
	defer m.Shutdown()
	store := &testStore{}
	require.NoError(t, m.Initialize(store, "Store", SourcePrivateLowPrio))

	var writes atomic.Int32
	for i := 0; i < 7; i++ {
		store.Items = append(store.Items, "x")
		m.PersistNow(func() { writes.Add(1) })
	}
	require.True(t, sched.Await(func() bool { return writes.Load() == 7 }, 2*time.Second))

	entries, err := os.ReadDir(filepath.Join(dir, backupDirName, "Store"))
	require.NoError(t, err)
	assert.Len(t, entries, SourcePrivateLowPrio.NumMaxBackupFiles())
}

func TestManager_CorruptedFileIsQuarantined(t *testing.T) {
	orch, _ := newTestOrchestrator()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Store"), []byte("\x00\x01not json"), 0o600))

	m := NewManager[*testStore](orch, dir, nil)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))

	_, ok := m.GetPersisted("")
	assert.False(t, ok)

	_, err := os.Stat(filepath.Join(dir, "Store"))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Join(dir, corruptedDirName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "Store_"))
	assert.Equal(t, []string{"Store"}, orch.Collector().Files())
}

func TestManager_MissingFile(t *testing.T) {
	orch, _ := newTestOrchestrator()
	m := NewManager[*testStore](orch, t.TempDir(), nil)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))

	_, ok := m.GetPersisted("")
	assert.False(t, ok)
	assert.Empty(t, orch.Collector().Files())
}

func TestManager_ReadPersistedDeliversOnLogicalThread(t *testing.T) {
	orch, sched := newTestOrchestrator()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Store"), []byte(`{"items":["a"]}`), 0o600))
	m := NewManager[*testStore](orch, dir, nil)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))

	var got *testStore
	m.ReadPersisted("", func(s *testStore) { got = s }, func() { t.Error("orElse called") })
	require.True(t, sched.Await(func() bool { return got != nil }, 2*time.Second))
	assert.Equal(t, []string{"a"}, got.Items)
}

func TestManager_ShutdownDrainsQueuedWrites(t *testing.T) {
	orch, _ := newTestOrchestrator()
	dir := t.TempDir()
	m := NewManager[*testStore](orch, dir, nil)
	require.NoError(t, m.Initialize(&testStore{Items: []string{"z"}}, "Store", SourcePrivate))

	m.PersistNow(nil)
	m.Shutdown()

	content, err := os.ReadFile(filepath.Join(dir, "Store"))
	require.NoError(t, err)
	assert.Equal(t, `{"items":["z"]}`, string(content))
	assert.Empty(t, orch.FileNames())
}

func TestOrchestrator_FlushSkipsUnreadManagers(t *testing.T) {
	orch, sched := newTestOrchestrator()
	orch.OnAllServicesInitialized()
	dir := t.TempDir()

	unreadCodec := &countingCodec{}
	unread := NewManager[*testStore](orch, dir, unreadCodec)
	require.NoError(t, unread.Initialize(&testStore{}, "Unread", SourcePrivate))

	idleCodec := &countingCodec{}
	idle := NewManager[*testStore](orch, dir, idleCodec)
	require.NoError(t, idle.Initialize(&testStore{}, "Idle", SourceNetwork))
	idle.GetPersisted("")

	dirtyCodec := &countingCodec{}
	dirty := NewManager[*testStore](orch, dir, dirtyCodec)
	require.NoError(t, dirty.Initialize(&testStore{}, "Dirty", SourcePrivateLowPrio))
	dirty.GetPersisted("")
	dirty.RequestPersistence()

	privCodec := &countingCodec{}
	priv := NewManager[*testStore](orch, dir, privCodec)
	require.NoError(t, priv.Initialize(&testStore{}, "Private", SourcePrivate))
	priv.GetPersisted("")

	var completed atomic.Int32
	orch.FlushAllDataToDisk(func() { completed.Add(1) }, true)
	require.True(t, sched.Await(func() bool { return completed.Load() == 1 }, 2*time.Second))

	assert.Equal(t, int32(0), unreadCodec.marshals.Load())
	assert.Equal(t, int32(0), idleCodec.marshals.Load())
	assert.Equal(t, int32(1), dirtyCodec.marshals.Load())
	assert.Equal(t, int32(1), privCodec.marshals.Load())

	_, err := os.Stat(filepath.Join(dir, "Unread"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, orch.FileNames(), "all managers shut down")

	orch.FlushAllDataToDisk(func() { completed.Add(1) }, true)
	sched.Flush()
	assert.Equal(t, int32(1), completed.Load(), "second shutdown flush is ignored")
}

func TestOrchestrator_PersistNowIgnoredAfterShutdownFlush(t *testing.T) {
	orch, sched := newTestOrchestrator()
	codec := &countingCodec{}
	m := NewManager[*testStore](orch, t.TempDir(), codec)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(&testStore{}, "Store", SourcePrivate))

	orch.flushAtShutdownCalled.Store(true)
	var done atomic.Bool
	m.PersistNow(func() { done.Store(true) })
	sched.Flush()
	assert.True(t, done.Load())
	assert.Equal(t, int32(0), codec.marshals.Load())
}

func TestOrchestrator_FlushWithoutManagers(t *testing.T) {
	orch, _ := newTestOrchestrator()
	called := 0
	orch.FlushAllDataToDisk(func() { called++ }, false)
	assert.Equal(t, 1, called)
}
