package resultstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/pkg/bundle"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(dir, Options{Retention: DefaultRetention})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
	return s
}

func testBundle(key string, v int64) *bundle.Bundle {
	b := bundle.New()
	b.PutLong(key, v)
	return b
}

func TestStore_InterimPutGet(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	assert.Nil(t, s.GetInterim("cfg"))

	b := testBundle("counter", 7)
	s.PutInterim("cfg", b)

	got := s.GetInterim("cfg")
	require.NotNil(t, got)
	assert.True(t, b.Equal(got))
	assert.Equal(t, 1, s.DirtyCount())
}

func TestStore_FlushPersistsAndColdReload(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	b := testBundle("distance_m", 12345)
	s.PutInterim("drive_stats", b)

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, s.DirtyCount())

	// Simulated cold restart: a fresh store over the same directory must
	// warm-load the interim record.
	require.NoError(t, s.Stop(2*time.Second))
	s2 := newTestStore(t, dir)

	got := s2.GetInterim("drive_stats")
	require.NotNil(t, got)
	assert.True(t, b.Equal(got))
	// Reloaded records are clean until written again.
	assert.Equal(t, 0, s2.DirtyCount())
}

func TestStore_DirtyClearedOnlyAfterFlush(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	s.PutInterim("cfg", testBundle("x", 1))
	assert.Equal(t, 1, s.DirtyCount())

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, s.DirtyCount())

	// A new put re-dirties the record.
	s.PutInterim("cfg", testBundle("x", 2))
	assert.Equal(t, 1, s.DirtyCount())
}

func TestStore_PutFinalClearsInterim(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.PutInterim("cfg", testBundle("partial", 1))
	require.NoError(t, s.Flush(context.Background()))
	require.FileExists(t, filepath.Join(dir, "interim", "cfg.json"))

	final := testBundle("total", 99)
	s.PutFinal("cfg", final)

	assert.Nil(t, s.GetInterim("cfg"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "final", "cfg.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "interim", "cfg.json"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.GetFinal(context.Background(), "cfg", false)
	require.NoError(t, err)
	assert.True(t, final.Equal(got))
}

func TestStore_GetFinalDeleteOnRead(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.PutFinal("cfg", testBundle("v", 1))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "final", "cfg.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := s.GetFinal(context.Background(), "cfg", true)
	require.NoError(t, err)

	_, err = s.GetFinal(context.Background(), "cfg", false)
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
}

func TestStore_ErrorRecords(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	s.PutInterim("cfg", testBundle("partial", 1))
	s.PutError("cfg", &ScriptError{
		Kind:    "runtime_error",
		Message: "attempt to index a nil value",
		Trace:   "handler:12",
	})

	assert.Nil(t, s.GetInterim("cfg"))

	var got *ScriptError
	require.Eventually(t, func() bool {
		e, err := s.GetError(context.Background(), "cfg", false)
		if err != nil {
			return false
		}
		got = e
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "runtime_error", got.Kind)
	assert.Equal(t, "attempt to index a nil value", got.Message)
	assert.Equal(t, "handler:12", got.Trace)
}

func TestStore_RemoveConfigPurgesEverything(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.PutInterim("cfg", testBundle("a", 1))
	require.NoError(t, s.Flush(context.Background()))
	s.PutFinal("other", testBundle("b", 2))
	s.PutFinal("cfg", testBundle("b", 2))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "final", "cfg.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	s.RemoveConfig("cfg")

	assert.Nil(t, s.GetInterim("cfg"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "final", "cfg.json"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	// Unrelated configs are untouched.
	_, err := s.GetFinal(context.Background(), "other", false)
	assert.NoError(t, err)
}

func TestStore_FlushEvictsStaleRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, Options{Retention: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(2 * time.Second) }()

	s.PutFinal("old", testBundle("v", 1))
	s.PutFinal("fresh", testBundle("v", 2))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "final", "old.json"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Age one record past the retention threshold.
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "final", "old.json"), stale, stale))

	require.NoError(t, s.Flush(context.Background()))

	_, err = s.GetFinal(context.Background(), "old", false)
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
	_, err = s.GetFinal(context.Background(), "fresh", false)
	assert.NoError(t, err)
}

func TestStore_StaleInterimEvictedFromMemory(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, Options{Retention: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(2 * time.Second) }()

	s.PutInterim("cfg", testBundle("x", 1))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Flush(context.Background()))
	assert.Nil(t, s.GetInterim("cfg"))
}

func TestStore_CorruptInterimSkippedOnLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "interim"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "interim", "bad.json"), []byte("{broken"), 0o644))

	s := newTestStore(t, dir)
	assert.Nil(t, s.GetInterim("bad"))
}

func TestStore_RejectsPathSeparatorNames(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.PutFinal("../escape", testBundle("v", 1))

	// The write must be refused; nothing may appear outside the store dirs.
	time.Sleep(50 * time.Millisecond)
	_, err := os.Stat(filepath.Join(dir, "escape.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New("", Options{})
	assert.Error(t, err)
}
