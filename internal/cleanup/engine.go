package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrypster/chathistory/internal/metrics"
	"github.com/scrypster/chathistory/internal/notify"
	"github.com/scrypster/chathistory/internal/storage"
)

// Engine applies a retention Policy through a storage.Engine.
type Engine struct {
	store    storage.Engine
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	now      func() time.Time
}

// Notifier is told about conversations a run removed from or returned to a
// project's history, so caches in other processes drop their copies.
type Notifier interface {
	Notify(eventType, project, filename string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(e *Engine) { e.logger = logger } }

// WithMetrics records applied actions in m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithNotifier publishes history changes through n.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithClock replaces the clock conversation ages are measured against.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates a cleanup engine. The policy is validated.
func New(store storage.Engine, policy Policy, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("cleanup: %w: nil storage engine", storage.ErrInvalidInput)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Policy returns the policy the engine enforces.
func (e *Engine) Policy() Policy { return e.policy }

// plan decides an action for every conversation in summaries, which must be
// sorted newest first. Conversations without an action are kept.
func (e *Engine) plan(summaries []storage.ConversationSummary) (actions []PlannedAction, preserved, kept int) {
	p := e.policy
	now := e.now()
	limit := p.sizeLimit()
	var keptBytes int64

	for i, s := range summaries {
		if i < p.PreserveRecent {
			preserved++
			kept++
			keptBytes += s.SizeBytes
			continue
		}

		age := now.Sub(s.UpdatedAt)
		var (
			action Action
			rule   Rule
		)
		switch {
		case p.MaxAgeDays > 0 && age > days(p.MaxAgeDays):
			action, rule = ActionDelete, RuleAge
		case p.ArchiveThresholdDays > 0 && age > days(p.ArchiveThresholdDays):
			action, rule = ActionArchive, RuleAge
		case limit > 0 && keptBytes+s.SizeBytes > limit:
			action, rule = ActionArchive, RuleSize
		case p.MaxConversations > 0 && kept >= p.MaxConversations:
			action, rule = ActionArchive, RuleCount
			if p.DeleteOverLimit {
				action = ActionDelete
			}
		default:
			kept++
			keptBytes += s.SizeBytes
			continue
		}

		actions = append(actions, PlannedAction{
			Filename:  s.Key.Filename,
			ID:        s.ID,
			Title:     s.Title,
			Action:    action,
			Rule:      rule,
			UpdatedAt: s.UpdatedAt,
			SizeBytes: s.SizeBytes,
		})
	}
	return actions, preserved, kept
}

// CleanupProject applies the policy to project's history. With dryRun the
// same plan is computed and reported but nothing is changed. A failed action
// is recorded in the summary and the run continues.
func (e *Engine) CleanupProject(ctx context.Context, project string, dryRun bool) (*Summary, error) {
	ns := storage.History(project)
	summaries, err := e.store.List(ctx, ns, storage.ListOptions{
		SortBy:    storage.SortUpdatedAt,
		SortOrder: "desc",
		Filter:    storage.ListFilter{IncludeArchived: true},
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: list %s: %w", ns, err)
	}

	actions, preserved, kept := e.plan(summaries)
	sum := &Summary{
		Project:   project,
		DryRun:    dryRun,
		Examined:  len(summaries),
		Preserved: preserved,
		Kept:      kept,
	}

	for i := range actions {
		a := &actions[i]
		if !dryRun {
			if err := ctx.Err(); err != nil {
				sum.Actions = append(sum.Actions, actions[:i]...)
				return sum, fmt.Errorf("cleanup: %s interrupted: %w", project, err)
			}
			if err := e.apply(ctx, ns, a); err != nil {
				a.Err = err.Error()
				sum.Failed++
				e.logger.Error("cleanup: action failed",
					"project", project, "filename", a.Filename, "action", a.Action, "error", err)
				continue
			}
			e.publish(notify.EventDeleted, project, a.Filename)
		}
		switch a.Action {
		case ActionArchive:
			sum.Archived++
		case ActionDelete:
			sum.Deleted++
			sum.BytesFreed += a.SizeBytes
		}
	}
	sum.Actions = actions

	if !dryRun {
		e.metrics.CleanupAction(string(ActionArchive), sum.Archived)
		e.metrics.CleanupAction(string(ActionDelete), sum.Deleted)
	}
	e.logger.Info("cleanup: project processed",
		"project", project, "dry_run", dryRun, "examined", sum.Examined,
		"archived", sum.Archived, "deleted", sum.Deleted, "failed", sum.Failed)
	return sum, nil
}

func (e *Engine) apply(ctx context.Context, ns storage.Namespace, a *PlannedAction) error {
	src := ns.Key(a.Filename)
	switch a.Action {
	case ActionDelete:
		return e.store.Delete(ctx, src)
	case ActionArchive:
		dst, err := e.archiveTarget(ctx, ns.Project, a.Filename, a.ID)
		if err != nil {
			return err
		}
		if err := e.store.Archive(ctx, src, dst); err != nil {
			return err
		}
		a.ArchivedAs = dst.Filename
		return nil
	default:
		return fmt.Errorf("cleanup: unknown action %q", a.Action)
	}
}

// archiveTarget picks the archive key for a conversation. The same filename
// is reused when it is free or holds the same conversation, which makes a
// repeated archive of an interrupted run overwrite its own copy. A different
// conversation under that name pushes this one to the next free filename.
func (e *Engine) archiveTarget(ctx context.Context, project, filename, id string) (storage.Key, error) {
	archive := storage.Archived(project)
	dst := archive.Key(filename)

	existing, err := e.store.Load(ctx, dst)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return dst, nil
	case err != nil && !errors.Is(err, storage.ErrDecode):
		return storage.Key{}, fmt.Errorf("cleanup: check archive %s: %w", dst, err)
	case err == nil && existing.ID == id:
		return dst, nil
	}

	next, err := e.store.NextFilename(ctx, archive)
	if err != nil {
		return storage.Key{}, fmt.Errorf("cleanup: next archive filename: %w", err)
	}
	return archive.Key(next), nil
}

// CleanupAll runs CleanupProject for every stored project. One project's
// failure is logged and the sweep continues.
func (e *Engine) CleanupAll(ctx context.Context, dryRun bool) ([]*Summary, error) {
	projects, err := e.store.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: list projects: %w", err)
	}

	var (
		summaries []*Summary
		errs      []error
	)
	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			return summaries, fmt.Errorf("cleanup: sweep interrupted: %w", err)
		}
		sum, err := e.CleanupProject(ctx, project, dryRun)
		if err != nil {
			errs = append(errs, err)
			e.logger.Error("cleanup: project failed", "project", project, "error", err)
		}
		if sum != nil {
			summaries = append(summaries, sum)
		}
	}
	return summaries, errors.Join(errs...)
}

// RestoreFromArchive moves an archived conversation, named by uuid or
// archive filename, back into project's history under the next free
// filename, which it returns. The history copy is written before the
// archived copy is removed.
func (e *Engine) RestoreFromArchive(ctx context.Context, project, idOrFilename string) (string, error) {
	archive := storage.Archived(project)
	summaries, err := e.store.List(ctx, archive, storage.ListOptions{
		Filter: storage.ListFilter{IncludeArchived: true},
	})
	if err != nil {
		return "", fmt.Errorf("cleanup: list %s: %w", archive, err)
	}

	var src storage.Key
	for _, s := range summaries {
		if s.Key.Filename == idOrFilename || s.ID == idOrFilename {
			src = s.Key
			break
		}
	}
	if src.Filename == "" {
		return "", fmt.Errorf("cleanup: %q in %s: %w", idOrFilename, archive, storage.ErrNotFound)
	}

	conv, err := e.store.Load(ctx, src)
	if err != nil {
		return "", fmt.Errorf("cleanup: load %s: %w", src, err)
	}

	history := storage.History(project)
	name, err := e.store.NextFilename(ctx, history)
	if err != nil {
		return "", fmt.Errorf("cleanup: next filename in %s: %w", history, err)
	}
	dst := history.Key(name)

	if err := e.store.Save(ctx, conv, dst); err != nil {
		return "", fmt.Errorf("cleanup: restore %s to %s: %w", src, dst, err)
	}
	if err := e.store.Delete(ctx, src); err != nil {
		// Both copies exist now.
		return name, fmt.Errorf("cleanup: remove archived %s after restore: %w", src, err)
	}

	e.publish(notify.EventSaved, project, name)
	e.metrics.CleanupAction(string(ActionRestore), 1)
	e.logger.Info("cleanup: conversation restored", "project", project, "from", src.Filename, "to", name)
	return name, nil
}

func (e *Engine) publish(eventType, project, filename string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(eventType, project, filename); err != nil {
		e.logger.Warn("cleanup: publish change event", "project", project, "filename", filename, "error", err)
	}
}
