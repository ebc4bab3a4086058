// Package workerloop drives the session lifecycle poll loop: find
// idle sessions, claim one, run it through the pipeline, persist
// events and notifications, and mark it processed — logging every
// step as a structured event, matching worker/run_forever.py's
// iteration shape.
package workerloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scheduleingest/worker/internal/notify"
	"github.com/scheduleingest/worker/internal/objectstore"
	"github.com/scheduleingest/worker/internal/ocr"
	"github.com/scheduleingest/worker/internal/pipeline"
	"github.com/scheduleingest/worker/internal/store"
)

// errNotificationPersist marks a failure to persist already-built
// notifications. Per spec.md §4.8's failure semantics this leaves the
// session in `processing` rather than transitioning it to `failed`,
// so its lease expires and another worker's classifier can recover it.
var errNotificationPersist = errors.New("workerloop: notification persist failed")

// Config is the subset of internal/config.Config the loop consumes.
type Config struct {
	PollSeconds          float64
	IdleTimeoutSeconds   int
	OpenState            string
	ProcessingState      string
	ProcessedState       string
	FailedState          string
	SummaryThreshold     int
	IdleLogEvery         int
	TimeToleranceMinutes int
	OCRDefaultYear       *int
	WorkerID             string
	UseSkipLockedClaim   bool
}

// Loop owns one poll cycle's dependencies.
type Loop struct {
	store   *store.Store
	adapter ocr.Adapter
	objects objectstore.Client
	cfg     Config
	logger  *slog.Logger
}

// New builds a Loop. adapter/objects are the pipeline's OCR and
// object-store collaborators.
func New(s *store.Store, adapter ocr.Adapter, objects objectstore.Client, cfg Config, logger *slog.Logger) *Loop {
	if cfg.TimeToleranceMinutes == 0 {
		cfg.TimeToleranceMinutes = 20
	}
	return &Loop{store: s, adapter: adapter, objects: objects, cfg: cfg, logger: logger}
}

// IterationResult summarizes one poll cycle for logging/metrics.
type IterationResult struct {
	ProcessedSessions      int
	GeneratedNotifications int
	StoredNotifications    int
}

// RunForever polls every PollSeconds until ctx is cancelled.
func (l *Loop) RunForever(ctx context.Context) {
	l.logger.Info("worker loop started",
		"event", "worker.loop.started",
		"poll_seconds", l.cfg.PollSeconds,
		"idle_timeout_seconds", l.cfg.IdleTimeoutSeconds,
	)

	ticker := time.NewTicker(time.Duration(l.cfg.PollSeconds * float64(time.Second)))
	defer ticker.Stop()

	idleStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.logger.Info("lifecycle iteration started", "event", "worker.iteration.start")
		result, err := l.RunIteration(ctx)
		if err != nil {
			l.logger.Error("lifecycle iteration failed", "event", "worker.iteration.error", "error", err.Error())
		} else if result.ProcessedSessions == 0 {
			idleStreak++
			if l.cfg.IdleLogEvery > 0 && idleStreak%l.cfg.IdleLogEvery == 0 {
				l.logger.Info("worker idle", "event", "worker.loop.idle", "idle_iterations", idleStreak)
			}
		} else {
			idleStreak = 0
			l.logger.Info("lifecycle iteration finished",
				"event", "worker.iteration.finish",
				"processed_sessions", result.ProcessedSessions,
				"generated_notifications", result.GeneratedNotifications,
				"stored_notifications", result.StoredNotifications,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunIteration finds and processes every currently finalizable
// session once, claiming each with the loop's configured strategy.
func (l *Loop) RunIteration(ctx context.Context) (IterationResult, error) {
	if l.cfg.UseSkipLockedClaim {
		return l.runIterationSkipLocked(ctx)
	}
	return l.runIterationCAS(ctx)
}

// runIterationCAS enumerates candidates once via the idle-gating
// query, then CAS-claims each in turn — a claim lost to a concurrent
// worker is simply skipped.
func (l *Loop) runIterationCAS(ctx context.Context) (IterationResult, error) {
	now := time.Now().UTC()
	sessionIDs, err := l.store.FindFinalizableSessions(ctx, now, l.cfg.OpenState, l.cfg.IdleTimeoutSeconds)
	if err != nil {
		return IterationResult{}, err
	}

	var result IterationResult
	for _, sessionID := range sessionIDs {
		claimed, err := l.store.ClaimSessionCAS(ctx, sessionID, l.cfg.OpenState, l.cfg.ProcessingState)
		if err != nil {
			return result, err
		}
		if !claimed {
			continue
		}
		l.processOneSession(ctx, sessionID, &result)
	}
	return result, nil
}

// runIterationSkipLocked repeatedly claims the oldest idle candidate
// under SKIP LOCKED until none remain, since each claim call re-picks
// from the current candidate set rather than a point-in-time list.
func (l *Loop) runIterationSkipLocked(ctx context.Context) (IterationResult, error) {
	var result IterationResult
	for {
		now := time.Now().UTC()
		sessionID, ok, err := l.store.ClaimSessionSkipLocked(ctx, now, l.cfg.IdleTimeoutSeconds, l.cfg.OpenState, l.cfg.ProcessingState, l.cfg.WorkerID)
		if err != nil {
			return result, err
		}
		if !ok {
			return result, nil
		}
		l.processOneSession(ctx, sessionID, &result)
	}
}

func (l *Loop) processOneSession(ctx context.Context, sessionID string, result *IterationResult) {
	notifications, stored, err := l.processClaimedSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errNotificationPersist) {
			l.logger.Error("failed to persist notifications, session left in processing for lease recovery",
				"event", "worker.notifications.store_error", "session_id", sessionID, "error", err.Error())
			return
		}
		l.logger.Error("session processing failed",
			"event", "worker.session.failed", "session_id", sessionID, "error", err.Error())
		if _, markErr := l.store.MarkSessionFailed(ctx, sessionID, l.cfg.ProcessingState, l.cfg.FailedState, err.Error()); markErr != nil {
			l.logger.Error("failed to mark session failed",
				"event", "worker.session.mark_failed_error", "session_id", sessionID, "error", markErr.Error())
		}
		return
	}

	result.ProcessedSessions++
	result.GeneratedNotifications += len(notifications)
	result.StoredNotifications += stored
}

// processClaimedSession runs the full pipeline for a claimed session,
// persists events/snapshot and notifications, and only then
// transitions the session to its processed state — so a failure to
// persist notifications leaves the session `processing` rather than
// losing them silently behind a terminal state (spec.md §4.8).
func (l *Loop) processClaimedSession(ctx context.Context, sessionID string) ([]notify.UserNotification, int, error) {
	l.logger.Info("session claimed", "event", "worker.session.claimed", "session_id", sessionID)

	imageRefs, err := l.store.LoadSessionImages(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	userID, err := l.store.LoadSessionUserID(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	images := make([]pipeline.SessionImage, len(imageRefs))
	for i, ref := range imageRefs {
		images[i] = pipeline.SessionImage{Key: ref.Key, Sequence: ref.Sequence}
	}

	pipelineResult, err := pipeline.Run(ctx, l.adapter, l.objects, images, l.cfg.OCRDefaultYear, l.cfg.TimeToleranceMinutes)
	if err != nil {
		return nil, 0, err
	}
	l.logger.Info("pipeline payload prepared",
		"event", "worker.pipeline.prepared",
		"image_count", pipelineResult.ImageCount,
		"canonical_shift_count", len(pipelineResult.Shifts),
		"schedule_date", pipelineResult.ScheduleDate,
	)

	detectedAt := time.Now().UTC()
	if _, err := l.store.ProcessObservation(ctx, userID, pipelineResult.ScheduleDate, sessionID, pipelineResult.Shifts, detectedAt); err != nil {
		return nil, 0, err
	}

	notifyEvents, err := l.store.LoadSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	l.logger.Info("events loaded for session",
		"event", "worker.pipeline.events_loaded", "session_id", sessionID, "event_count", len(notifyEvents))

	notifications, err := notify.BuildNotifications(notifyEvents, l.cfg.SummaryThreshold, &pipelineResult.ScheduleDate, nil)
	if err != nil {
		return nil, 0, err
	}

	if err := l.store.PersistNotifications(ctx, notifications); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errNotificationPersist, err)
	}

	applied, err := l.store.MarkSessionProcessed(ctx, sessionID, l.cfg.ProcessingState, l.cfg.ProcessedState)
	if err != nil {
		return nil, 0, err
	}
	if !applied {
		l.logger.Warn("session lease lost before mark-processed",
			"event", "worker.session.lease_lost", "session_id", sessionID)
		return nil, 0, store.ErrLeaseLost
	}

	return notifications, len(notifications), nil
}
