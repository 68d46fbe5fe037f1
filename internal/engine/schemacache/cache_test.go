package schemacache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// stubSource serves a fixed metadata set and counts loads
type stubSource struct {
	mu      sync.Mutex
	objects []*metadata.ObjectMetadata
	version int64
	loads   atomic.Int64
}

func (s *stubSource) GetObjectMetadata(ctx context.Context, workspaceID string) ([]*metadata.ObjectMetadata, int64, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects, s.version, nil
}

func (s *stubSource) WorkspaceVersion(ctx context.Context, workspaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *stubSource) bump(objects []*metadata.ObjectMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = objects
	s.version++
}

func newTestCache(t *testing.T, source *stubSource) (*Cache, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })
	return New(source, compile.NewCompiler(zap.NewNop()), backend, zap.NewNop()), backend
}

func testObjects(names ...string) []*metadata.ObjectMetadata {
	objs := make([]*metadata.ObjectMetadata, len(names))
	for i, name := range names {
		objs[i] = metadata.NewObjectMetadata("ws1", name, name+"s", true)
	}
	return objs
}

func TestGetCompiledSchemaCachesArtifact(t *testing.T) {
	source := &stubSource{objects: testObjects("company"), version: 1}
	cache, _ := newTestCache(t, source)
	ctx := context.Background()

	first, err := cache.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	second, err := cache.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)

	assert.Same(t, first, second, "repeat reads serve the cached artifact")
	assert.Equal(t, int64(1), source.loads.Load())
}

func TestInvalidateForcesRebuild(t *testing.T) {
	source := &stubSource{objects: testObjects("company"), version: 1}
	cache, _ := newTestCache(t, source)
	ctx := context.Background()

	first, err := cache.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)

	source.bump(testObjects("company", "person"))
	require.NoError(t, cache.Invalidate(ctx, "ws1"))

	rebuilt, err := cache.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, int64(2), rebuilt.Version)

	_, ok := rebuilt.Object("person")
	assert.True(t, ok)
}

func TestVersionMarkerCrossInstance(t *testing.T) {
	// Two caches sharing one backend model two engine instances.
	source := &stubSource{objects: testObjects("company"), version: 1}
	backend := NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })
	a := New(source, compile.NewCompiler(zap.NewNop()), backend, zap.NewNop())
	b := New(source, compile.NewCompiler(zap.NewNop()), backend, zap.NewNop())
	ctx := context.Background()

	_, err := a.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	stale, err := b.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale.Version)

	// A metadata write goes through instance a
	source.bump(testObjects("company", "person"))
	require.NoError(t, a.Invalidate(ctx, "ws1"))
	fresh, err := a.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Version)

	// Instance b sees the new marker and rebuilds instead of serving
	// its stale in-process artifact.
	got, err := b.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestConcurrentMissesCollapse(t *testing.T) {
	source := &stubSource{objects: testObjects("company"), version: 1}
	cache, _ := newTestCache(t, source)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetCompiledSchema(ctx, "ws1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, source.loads.Load(), int64(2),
		"concurrent misses collapse into at most one rebuild per flight")
}

func TestFailedCompileLeavesNoArtifact(t *testing.T) {
	bad := metadata.NewObjectMetadata("ws1", "person", "people", true)
	bad.Fields["stage"] = &metadata.FieldMetadata{Name: "stage", Type: metadata.FieldSelect}
	source := &stubSource{objects: []*metadata.ObjectMetadata{bad}, version: 1}
	cache, _ := newTestCache(t, source)
	ctx := context.Background()

	_, err := cache.GetCompiledSchema(ctx, "ws1")
	require.Error(t, err)

	// Correcting the metadata recovers on the next read
	source.bump(testObjects("person"))
	schema, err := cache.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), schema.Version)
}

func TestTeardownRemovesState(t *testing.T) {
	source := &stubSource{objects: testObjects("company"), version: 1}
	cache, backend := newTestCache(t, source)
	ctx := context.Background()

	_, err := cache.GetCompiledSchema(ctx, "ws1")
	require.NoError(t, err)
	require.NoError(t, cache.Teardown(ctx, "ws1"))

	_, err = backend.Get(ctx, versionKey("ws1"))
	assert.True(t, IsCacheMiss(err))
}
