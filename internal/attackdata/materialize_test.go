package attackdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/dettest/internal/models"
)

func newMaterializer(t *testing.T, opts ...Option) *Materializer {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "attack_data"), opts...)
	require.NoError(t, err)
	return m
}

func TestMaterialize_LocalCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sample.log")
	require.NoError(t, os.WriteFile(src, []byte("user=alice action=login\n"), 0o644))

	m := newMaterializer(t)
	dir, err := m.TempDir("worker-0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "worker-0"), filepath.Dir(dir))

	got, err := m.Materialize(context.Background(), dir, models.AttackData{Data: src})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sample.log"), got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "user=alice action=login\n", string(data))
}

func TestMaterialize_RelativeToBaseDir(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "datasets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "datasets", "a.log"), []byte("x\n"), 0o644))

	m := newMaterializer(t, WithBaseDir(base))
	dir, err := m.TempDir("w")
	require.NoError(t, err)

	got, err := m.Materialize(context.Background(), dir, models.AttackData{Data: "datasets/a.log"})
	require.NoError(t, err)
	assert.FileExists(t, got)
}

func TestMaterialize_MissingLocalFile(t *testing.T) {
	m := newMaterializer(t)
	dir, err := m.TempDir("w")
	require.NoError(t, err)

	_, err = m.Materialize(context.Background(), dir, models.AttackData{Data: "/does/not/exist.log"})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMaterialize_DownloadIsCached(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("EventCode=4688 user=bob\n"))
	}))
	defer server.Close()

	m := newMaterializer(t)
	url := server.URL + "/datasets/attack_techniques/T1003/windows-security.log"

	var paths []string
	for _, worker := range []string{"w0", "w1"} {
		dir, err := m.TempDir(worker)
		require.NoError(t, err)
		got, err := m.Materialize(context.Background(), dir, models.AttackData{Data: url})
		require.NoError(t, err)
		assert.Equal(t, "windows-security.log", filepath.Base(got))
		paths = append(paths, got)
	}

	assert.Equal(t, int32(1), hits.Load())
	assert.NotEqual(t, paths[0], paths[1], "every test gets its own copy")
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "EventCode=4688 user=bob\n", string(data))
	}
}

func TestMaterialize_DownloadError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	m := newMaterializer(t)
	dir, err := m.TempDir("w")
	require.NoError(t, err)

	_, err = m.Materialize(context.Background(), dir, models.AttackData{Data: server.URL + "/missing.log"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestMaterialize_UpdateTimestamp(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sample.log")
	original := "2020-03-01T10:00:00Z first\n2020-03-01T10:01:00Z second\n"
	require.NoError(t, os.WriteFile(src, []byte(original), 0o644))

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	m := newMaterializer(t, WithClock(func() time.Time { return now }))
	dir, err := m.TempDir("w")
	require.NoError(t, err)

	got, err := m.Materialize(context.Background(), dir, models.AttackData{Data: src, UpdateTimestamp: true})
	require.NoError(t, err)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19T11:59:00Z first\n2026-10-19T12:00:00Z second\n", string(data))

	untouched, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, original, string(untouched), "the sample on disk is never modified")
}

func TestCleanup(t *testing.T) {
	m := newMaterializer(t)
	dir, err := m.TempDir("w")
	require.NoError(t, err)

	require.NoError(t, m.Cleanup())
	assert.NoDirExists(t, dir)
	assert.NoDirExists(t, m.Root())
}
