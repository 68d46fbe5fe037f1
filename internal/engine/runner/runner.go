package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/role"
	"github.com/ehconitin/twenty/internal/engine/schemacache"
	"github.com/ehconitin/twenty/internal/engine/transaction"
)

// Runner executes operation requests against compiled workspace
// schemas. It owns no state of its own; schemas come from the cache,
// permissions from the resolver, and durability from the transaction
// manager.
type Runner struct {
	schemas *schemacache.Cache
	roles   *role.Resolver
	tx      *transaction.Manager
	emitter *event.Emitter
	log     *zap.Logger

	readRetry transaction.RetryConfig
}

// New creates a runner. The emitter may be nil; writes then skip
// event emission.
func New(schemas *schemacache.Cache, roles *role.Resolver, tx *transaction.Manager, emitter *event.Emitter, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		schemas:   schemas,
		roles:     roles,
		tx:        tx,
		emitter:   emitter,
		log:       log,
		readRetry: transaction.DefaultRetryConfig(),
	}
}

// Execute validates and runs one operation request. Validation
// failures are reported in a fixed precedence: unknown object first,
// then permission denial, then value type mismatches and traversal
// violations as the filter tree is walked.
func (r *Runner) Execute(ctx context.Context, principal role.Principal, req *Request) (*Result, error) {
	schema, err := r.schemas.GetCompiledSchema(ctx, principal.WorkspaceID)
	if err != nil {
		return nil, err
	}

	obj, ok := schema.Object(req.ObjectName)
	if !ok {
		return nil, &enginerr.ObjectNotFoundError{WorkspaceID: principal.WorkspaceID, Object: req.ObjectName}
	}

	perms, err := r.roles.Resolve(ctx, principal)
	if err != nil {
		return nil, err
	}
	if err := checkObjectGrant(perms, obj, req.Operation); err != nil {
		return nil, err
	}

	start := time.Now()
	var result *Result
	switch req.Operation {
	case OpFindOne:
		result, err = r.withReadRetry(ctx, func() (*Result, error) {
			return r.findOne(ctx, schema, perms, obj, req)
		})
	case OpFindMany:
		result, err = r.withReadRetry(ctx, func() (*Result, error) {
			return r.findMany(ctx, schema, perms, obj, req)
		})
	case OpAggregate:
		result, err = r.withReadRetry(ctx, func() (*Result, error) {
			return r.aggregate(ctx, schema, perms, obj, req)
		})
	case OpCreateOne, OpCreateMany:
		result, err = r.create(ctx, schema, perms, obj, req)
	case OpUpdateOne, OpUpdateMany:
		result, err = r.update(ctx, schema, perms, obj, req)
	case OpDeleteOne, OpDeleteMany:
		result, err = r.softDelete(ctx, schema, perms, obj, req)
	case OpDestroyOne, OpDestroyMany:
		result, err = r.destroy(ctx, schema, perms, obj, req)
	case OpRestoreOne, OpRestoreMany:
		result, err = r.restore(ctx, schema, perms, obj, req)
	default:
		err = &enginerr.ValidationError{Fields: map[string][]string{
			"operation": {"unknown operation"},
		}}
	}

	if err != nil {
		return nil, err
	}
	r.log.Debug("operation executed",
		zap.String("workspace_id", principal.WorkspaceID),
		zap.String("object", obj.NameSingular),
		zap.String("operation", req.Operation.String()),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// withReadRetry retries transient backend failures on read paths.
// Writes never retry; a failed commit attempt must surface to the
// caller rather than risk running twice.
func (r *Runner) withReadRetry(ctx context.Context, fn func() (*Result, error)) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.readRetry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !enginerr.Retryable(err) {
			return nil, err
		}
		lastErr = err

		backoff := r.readRetry.BaseBackoff * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// emit publishes one event per affected row, after commit
func (r *Runner) emit(workspaceID string, obj *compile.CompiledObject, kind event.Kind, rows []rowChange) {
	if r.emitter == nil {
		return
	}
	for _, row := range rows {
		r.emitter.Emit(event.New(workspaceID, obj.NameSingular, row.id, kind, row.before, row.after))
	}
}

// rowChange pairs a record id with its before and after snapshots
type rowChange struct {
	id     string
	before map[string]any
	after  map[string]any
}
