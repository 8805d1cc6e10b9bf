package jobmanager

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// RegistrationHook is called around job creation and deletion, typically to
// provision or tear down a connection identity for the job.
//
// Hooks are best-effort: an error is logged and counted, never returned to
// the caller of the primary operation.
type RegistrationHook interface {
	// OnJobCreating may enrich job.JobConfiguration before the job is stored.
	OnJobCreating(ctx context.Context, job *types.Job) error
	OnJobCreated(ctx context.Context, job types.Job) error
	OnJobDeleting(ctx context.Context, job types.Job) error
	OnJobDeleted(ctx context.Context, job types.Job) error
}

// NopHook implements RegistrationHook with no-ops. Embed it to implement a
// subset of the callbacks.
type NopHook struct{}

func (NopHook) OnJobCreating(context.Context, *types.Job) error { return nil }
func (NopHook) OnJobCreated(context.Context, types.Job) error   { return nil }
func (NopHook) OnJobDeleting(context.Context, types.Job) error  { return nil }
func (NopHook) OnJobDeleted(context.Context, types.Job) error   { return nil }

const (
	hookCreating = "OnJobCreating"
	hookCreated  = "OnJobCreated"
	hookDeleting = "OnJobDeleting"
	hookDeleted  = "OnJobDeleted"
)

// runHooks calls fn for every hook in order. Each call is bounded by the hook
// timeout and a panic is converted to an error. Returns the first failure
// wrapped in types.ErrHookFailure, after logging and counting every failure.
func (m *Manager) runHooks(ctx context.Context, name, jobID string, fn func(context.Context, RegistrationHook) error) error {
	var first error
	for _, h := range m.hooks {
		if err := m.callHook(ctx, h, fn); err != nil {
			m.log.Warn("Registration hook failed",
				"hook", name,
				"jobID", jobID,
				"error", err)
			m.metrics.RecordHookFailure(name)
			if first == nil {
				first = fmt.Errorf("%w: %s: %v", types.ErrHookFailure, name, err)
			}
		}
	}
	return first
}

func (m *Manager) callHook(ctx context.Context, h RegistrationHook, fn func(context.Context, RegistrationHook) error) (err error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HookTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return fn(hctx, h)
}
