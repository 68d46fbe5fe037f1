package schemacache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// MetadataSource supplies object definitions and the workspace
// version. The metadata store is the production implementation.
type MetadataSource interface {
	GetObjectMetadata(ctx context.Context, workspaceID string) ([]*metadata.ObjectMetadata, int64, error)
	WorkspaceVersion(ctx context.Context, workspaceID string) (int64, error)
}

// Cache hands out compiled schemas, building them on miss or on stale
// version. Concurrent misses for the same workspace collapse into one
// compile; every waiter receives the same artifact or the same error.
// A failed compile leaves the workspace's entry empty until the
// metadata is corrected.
type Cache struct {
	source   MetadataSource
	compiler *compile.Compiler
	backend  Backend
	log      *zap.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	schemas map[string]*compile.CompiledSchema
}

// New creates a schema cache on the given metadata source and backend
func New(source MetadataSource, compiler *compile.Compiler, backend Backend, log *zap.Logger) *Cache {
	return &Cache{
		source:   source,
		compiler: compiler,
		backend:  backend,
		log:      log,
		schemas:  make(map[string]*compile.CompiledSchema),
	}
}

func versionKey(workspaceID string) string {
	return "schemaversion:" + workspaceID
}

// GetCompiledSchema returns the workspace's compiled schema, compiling
// on miss. The version marker in the shared backend is consulted
// first, so a reader scheduled after a metadata write never observes
// the pre-write schema even when the compile ran on another instance.
func (c *Cache) GetCompiledSchema(ctx context.Context, workspaceID string) (*compile.CompiledSchema, error) {
	currentVersion, err := c.currentVersion(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	cached, ok := c.schemas[workspaceID]
	c.mu.RUnlock()
	if ok && cached.Version >= currentVersion {
		return cached, nil
	}

	// Collapse concurrent rebuilds of the same workspace
	result, err, _ := c.group.Do(workspaceID, func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.schemas[workspaceID]
		c.mu.RUnlock()
		if ok && cached.Version >= currentVersion {
			return cached, nil
		}
		return c.rebuild(ctx, workspaceID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*compile.CompiledSchema), nil
}

func (c *Cache) rebuild(ctx context.Context, workspaceID string) (*compile.CompiledSchema, error) {
	started := time.Now()
	objects, version, err := c.source.GetObjectMetadata(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	schema, err := c.compiler.Compile(workspaceID, version, objects)
	if err != nil {
		// A failed compile must not leave a stale artifact behind
		c.mu.Lock()
		delete(c.schemas, workspaceID)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.schemas[workspaceID] = schema
	c.mu.Unlock()

	if err := c.backend.Set(ctx, versionKey(workspaceID), []byte(strconv.FormatInt(version, 10)), 0); err != nil {
		c.log.Warn("failed to publish schema version marker",
			zap.String("workspace", workspaceID), zap.Error(err))
	}

	c.log.Debug("compiled schema rebuilt",
		zap.String("workspace", workspaceID),
		zap.Int64("version", version),
		zap.Duration("took", time.Since(started)))

	return schema, nil
}

// currentVersion reads the shared version marker, falling back to the
// metadata store when the marker is missing or stale-typed.
func (c *Cache) currentVersion(ctx context.Context, workspaceID string) (int64, error) {
	raw, err := c.backend.Get(ctx, versionKey(workspaceID))
	if err == nil {
		if v, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			return v, nil
		}
	} else if !IsCacheMiss(err) {
		c.log.Warn("schema version marker unavailable, using store version",
			zap.String("workspace", workspaceID), zap.Error(err))
	}
	return c.source.WorkspaceVersion(ctx, workspaceID)
}

// Invalidate evicts a workspace's compiled schema. Metadata mutators
// must call this before reporting success so no later reader observes
// the pre-write schema.
func (c *Cache) Invalidate(ctx context.Context, workspaceID string) error {
	c.mu.Lock()
	delete(c.schemas, workspaceID)
	c.mu.Unlock()

	if err := c.backend.Delete(ctx, versionKey(workspaceID)); err != nil {
		return err
	}
	c.log.Debug("compiled schema invalidated", zap.String("workspace", workspaceID))
	return nil
}

// Teardown removes everything the cache holds for a deleted workspace
func (c *Cache) Teardown(ctx context.Context, workspaceID string) error {
	c.mu.Lock()
	delete(c.schemas, workspaceID)
	c.mu.Unlock()
	return c.backend.DeletePrefix(ctx, "schemaversion:"+workspaceID)
}
