package jobconfig

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// IdentityProvider issues and revokes connection identities for writer
// group jobs.
type IdentityProvider interface {
	Issue(ctx context.Context, writerGroupID string) (string, error)
	Revoke(ctx context.Context, identity string) error
}

// IdentityHook attaches a connection identity to writer group jobs on
// creation and revokes it on deletion. Jobs of any other kind are ignored.
// It satisfies jobmanager.RegistrationHook.
type IdentityHook struct {
	Provider IdentityProvider
	Logger   *slog.Logger
}

// OnJobCreating implements the registration hook.
func (h IdentityHook) OnJobCreating(ctx context.Context, job *types.Job) error {
	if len(job.JobConfiguration) == 0 {
		return nil
	}
	cfg, err := Decode(job.JobConfiguration)
	if errors.Is(err, ErrNotWriterGroup) {
		return nil
	}
	if err != nil {
		return err
	}
	if cfg.ConnectionIdentity != "" {
		return nil
	}

	identity, err := h.Provider.Issue(ctx, cfg.WriterGroupID)
	if err != nil {
		return err
	}
	data, err := WithIdentity(job.JobConfiguration, identity)
	if err != nil {
		return err
	}
	job.JobConfiguration = data
	return nil
}

// OnJobCreated implements the registration hook.
func (h IdentityHook) OnJobCreated(ctx context.Context, job types.Job) error { return nil }

// OnJobDeleting implements the registration hook.
func (h IdentityHook) OnJobDeleting(ctx context.Context, job types.Job) error {
	cfg, err := Decode(job.JobConfiguration)
	if err != nil || cfg.ConnectionIdentity == "" {
		return nil
	}
	return h.Provider.Revoke(ctx, cfg.ConnectionIdentity)
}

// OnJobDeleted implements the registration hook.
func (h IdentityHook) OnJobDeleted(ctx context.Context, job types.Job) error {
	if h.Logger != nil {
		h.Logger.Debug("Writer group job removed", "jobID", job.ID)
	}
	return nil
}

// LocalIdentities issues random identities and keeps them in memory.
type LocalIdentities struct {
	mu     sync.Mutex
	issued map[string]string
}

// NewLocalIdentities returns an empty provider.
func NewLocalIdentities() *LocalIdentities {
	return &LocalIdentities{issued: make(map[string]string)}
}

// Issue implements IdentityProvider.
func (l *LocalIdentities) Issue(ctx context.Context, writerGroupID string) (string, error) {
	id := "edge-publisher-" + uuid.NewString()
	l.mu.Lock()
	l.issued[id] = writerGroupID
	l.mu.Unlock()
	return id, nil
}

// Revoke implements IdentityProvider.
func (l *LocalIdentities) Revoke(ctx context.Context, identity string) error {
	l.mu.Lock()
	delete(l.issued, identity)
	l.mu.Unlock()
	return nil
}

// Issued returns the number of identities currently outstanding.
func (l *LocalIdentities) Issued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.issued)
}
