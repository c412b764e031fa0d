package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quflux/publisher/internal/config"
	"github.com/quflux/publisher/internal/events"
	"github.com/quflux/publisher/internal/models"
	"github.com/quflux/publisher/internal/publisher"
	"github.com/quflux/publisher/internal/retry"
	"github.com/quflux/publisher/internal/store"
	"github.com/quflux/publisher/internal/telemetry"
)

// rateDeferDelay is how far a rate-limiter-denied claim is pushed back.
// The denial consumes no attempt; the bucket just needs time to refill.
const rateDeferDelay = 10 * time.Second

// Ledger is the persistence surface the dispatcher drives. *store.Store
// satisfies it; tests substitute fakes.
type Ledger interface {
	DueSchedules(ctx context.Context, limit int) ([]models.Schedule, error)
	EnsurePublications(ctx context.Context, sched models.Schedule) error
	ClaimDue(ctx context.Context, workerID string, leaseDuration time.Duration, limit int) ([]models.Publication, error)
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	MarkPublished(ctx context.Context, id, owner, remotePostID string, publishedAt time.Time) (bool, error)
	Requeue(ctx context.Context, id, owner string, attempts int, nextRetryAt time.Time, class models.Classification, message string) (bool, error)
	MarkFailed(ctx context.Context, id, owner string, attempts int, class models.Classification, message string) (bool, error)
	RecomputeCompletion(ctx context.Context, scheduleID string) error
	ConnectionFor(ctx context.Context, userID, platform string) (models.PlatformConnection, error)
	GetPostContent(ctx context.Context, postID string) (models.PostContent, error)
	DueBacklog(ctx context.Context) (int64, error)
}

// TokenSource is the credential vault surface the dispatcher needs.
type TokenSource interface {
	GetValidToken(ctx context.Context, connectionID string) (string, error)
	ForceRefresh(ctx context.Context, connectionID string) (string, error)
}

// Limiter bounds outbound calls per platform.
type Limiter interface {
	Allow(ctx context.Context, platform string) (bool, float64, error)
}

// MediaResolver turns media refs into fetchable URLs.
type MediaResolver interface {
	ResolveURL(ctx context.Context, ref string) (string, error)
}

// PublisherLookup resolves the adapter for a platform tag.
type PublisherLookup interface {
	Get(platform string) (publisher.Publisher, bool)
}

// Dispatcher runs the periodic poll-claim-execute loop. Any number of
// dispatcher processes may run concurrently; correctness rests entirely on
// the ledger's conditional writes.
type Dispatcher struct {
	cfg      config.Config
	ledger   Ledger
	vault    TokenSource
	registry PublisherLookup
	policy   *retry.Policy
	limiter  Limiter
	media    MediaResolver
	emitter  *events.Emitter
	workerID string
	log      *logrus.Entry
}

// New constructs a dispatcher. limiter and media may be nil; the loop then
// skips rate limiting and passes media refs through untouched.
func New(cfg config.Config, ledger Ledger, vault TokenSource, registry PublisherLookup, policy *retry.Policy, limiter Limiter, media MediaResolver, emitter *events.Emitter, workerID string) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		ledger:   ledger,
		vault:    vault,
		registry: registry,
		policy:   policy,
		limiter:  limiter,
		media:    media,
		emitter:  emitter,
		workerID: workerID,
		log:      logrus.WithField("worker_id", workerID),
	}
}

// Run ticks until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.log.WithFields(logrus.Fields{
		"tick":  d.cfg.TickInterval,
		"lease": d.cfg.LeaseDuration,
		"pool":  d.cfg.WorkerPoolSize,
	}).Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Warnf("tick: %v", err)
			}
		}
	}
}

// Tick performs one poll-claim-execute pass.
func (d *Dispatcher) Tick(ctx context.Context) error {
	due, err := d.ledger.DueSchedules(ctx, d.cfg.ClaimBatchSize)
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := d.ledger.EnsurePublications(ctx, sched); err != nil {
			d.log.WithField("schedule_id", sched.ID).Warnf("ensure publications: %v", err)
		}
	}

	claimed, err := d.ledger.ClaimDue(ctx, d.workerID, d.cfg.LeaseDuration, d.cfg.ClaimBatchSize)
	if err != nil {
		return err
	}
	telemetry.ClaimsWon.Add(float64(len(claimed)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.WorkerPoolSize)
	for _, pub := range claimed {
		pub := pub
		g.Go(func() error {
			d.execute(gctx, pub)
			return nil
		})
	}
	_ = g.Wait()

	if backlog, err := d.ledger.DueBacklog(ctx); err == nil {
		telemetry.DueBacklogGauge.Set(float64(backlog))
	}
	return nil
}

// execute drives one claimed publication through a single attempt, settling
// it per the retry policy's decision. The lease claimed in Tick is released
// by whichever conditional settle write runs.
func (d *Dispatcher) execute(ctx context.Context, pub models.Publication) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := d.log.WithFields(logrus.Fields{
		"publication_id": pub.ID,
		"schedule_id":    pub.ScheduleID,
		"platform":       pub.Platform,
	})

	sched, err := d.ledger.GetSchedule(ctx, pub.ScheduleID)
	if err != nil {
		log.Warnf("load schedule: %v", err)
		d.release(ctx, pub, time.Now())
		return
	}
	if !sched.IsActive {
		// Deactivated between claim query and execution; hand the row back.
		// The claim filter keeps it from being picked up again.
		d.release(ctx, pub, time.Now())
		return
	}

	if d.limiter != nil {
		allowed, _, err := d.limiter.Allow(ctx, pub.Platform)
		if err != nil {
			log.Warnf("rate limiter: %v", err)
		} else if !allowed {
			telemetry.RateLimitDeferred.Inc()
			d.release(ctx, pub, time.Now().Add(rateDeferDelay))
			return
		}
	}

	// A remote post id means an earlier attempt delivered but never settled.
	// Never publish again; confirm the delivery we already have.
	if pub.RemotePostID != nil {
		d.settleSuccess(ctx, pub, *pub.RemotePostID, log)
		return
	}

	content, err := d.ledger.GetPostContent(ctx, sched.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.settleFailure(ctx, pub, pub.AttemptCount+1, models.ClassPermanent, "post content missing", log)
		} else {
			d.requeue(ctx, pub, pub.AttemptCount+1, models.ClassTransient, err.Error(), d.policy.Backoff(pub.AttemptCount+1), log)
		}
		return
	}
	content.MediaURLs = d.resolveMedia(ctx, content.MediaRefs, log)

	conn, err := d.ledger.ConnectionFor(ctx, sched.UserID, pub.Platform)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.settleFailure(ctx, pub, pub.AttemptCount+1, models.ClassPermanent, "no active platform connection", log)
		} else {
			d.requeue(ctx, pub, pub.AttemptCount+1, models.ClassTransient, err.Error(), d.policy.Backoff(pub.AttemptCount+1), log)
		}
		return
	}

	adapter, ok := d.registry.Get(pub.Platform)
	if !ok {
		d.settleFailure(ctx, pub, pub.AttemptCount+1, models.ClassPermanent, "unknown platform "+pub.Platform, log)
		return
	}

	token, err := d.vault.GetValidToken(ctx, conn.ID)
	if err != nil {
		d.handleAuthFailure(ctx, pub, pub.AttemptCount+1, err.Error(), log)
		return
	}

	attempts := pub.AttemptCount
	prev := pub.ErrorClass
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
		result, err := adapter.Publish(attemptCtx, content, token)
		cancel()

		if err == nil {
			d.settleSuccess(ctx, pub, result.RemotePostID, log)
			return
		}

		class, retryAfter, reason := publisher.Classify(err)
		attempts++
		decision := d.policy.Decide(class, attempts, prev, retryAfter)

		switch decision.Action {
		case retry.ActionRefreshAndRetry:
			token, err = d.vault.ForceRefresh(ctx, conn.ID)
			if err != nil {
				d.settleFailure(ctx, pub, attempts, models.ClassAuth, "token refresh failed: "+err.Error(), log)
				return
			}
			// One immediate retry with the fresh token; a second auth
			// failure escalates to terminal inside Decide.
			prev = class
			continue
		case retry.ActionRetryAt:
			d.requeueAt(ctx, pub, attempts, class, reason, decision.At, log)
			return
		default:
			d.settleFailure(ctx, pub, attempts, class, reason, log)
			return
		}
	}
}

// handleAuthFailure applies the retry policy to a vault error, which always
// classifies as auth.
func (d *Dispatcher) handleAuthFailure(ctx context.Context, pub models.Publication, attempts int, reason string, log *logrus.Entry) {
	decision := d.policy.Decide(models.ClassAuth, attempts, pub.ErrorClass, 0)
	if decision.Action == retry.ActionRefreshAndRetry {
		// GetValidToken already tried to produce a usable token; a refusal
		// here means refreshing cannot help this attempt. Requeue once so
		// a transient vault hiccup recovers, carrying the auth mark.
		d.requeue(ctx, pub, attempts, models.ClassAuth, reason, d.policy.Backoff(attempts), log)
		return
	}
	d.settleFailure(ctx, pub, attempts, models.ClassAuth, reason, log)
}

func (d *Dispatcher) resolveMedia(ctx context.Context, refs []string, log *logrus.Entry) []string {
	if len(refs) == 0 {
		return nil
	}
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		if d.media == nil {
			urls = append(urls, ref)
			continue
		}
		u, err := d.media.ResolveURL(ctx, ref)
		if err != nil {
			log.Warnf("resolve media %s: %v", ref, err)
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// release hands a claimed row back to pending without consuming an attempt.
func (d *Dispatcher) release(ctx context.Context, pub models.Publication, at time.Time) {
	if _, err := d.ledger.Requeue(ctx, pub.ID, d.workerID, pub.AttemptCount, at, pub.ErrorClass, deref(pub.ErrorMessage)); err != nil {
		d.log.WithField("publication_id", pub.ID).Warnf("release claim: %v", err)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, pub models.Publication, attempts int, class models.Classification, reason string, delay time.Duration, log *logrus.Entry) {
	d.requeueAt(ctx, pub, attempts, class, reason, time.Now().Add(delay), log)
}

func (d *Dispatcher) requeueAt(ctx context.Context, pub models.Publication, attempts int, class models.Classification, reason string, at time.Time, log *logrus.Entry) {
	ok, err := d.ledger.Requeue(ctx, pub.ID, d.workerID, attempts, at, class, reason)
	if err != nil {
		log.Warnf("requeue: %v", err)
		return
	}
	if ok {
		telemetry.PublishRetries.Inc()
		log.WithFields(logrus.Fields{"attempts": attempts, "class": class, "next_retry_at": at.UTC().Format(time.RFC3339)}).Info("publication requeued")
	}
}

func (d *Dispatcher) settleSuccess(ctx context.Context, pub models.Publication, remotePostID string, log *logrus.Entry) {
	now := time.Now().UTC()
	ok, err := d.ledger.MarkPublished(ctx, pub.ID, d.workerID, remotePostID, now)
	if err != nil {
		log.Warnf("mark published: %v", err)
		return
	}
	if !ok {
		// Lost the settle race; whoever won emits the event.
		return
	}
	telemetry.PublishSuccess.Inc()
	log.WithField("remote_post_id", remotePostID).Info("publication published")

	d.emitter.Emit(ctx, models.PublicationEvent{
		ScheduleID:   pub.ScheduleID,
		Platform:     pub.Platform,
		Outcome:      models.StatusPublished,
		RemotePostID: remotePostID,
		OccurredAt:   now,
	})
	if err := d.ledger.RecomputeCompletion(ctx, pub.ScheduleID); err != nil {
		log.Warnf("recompute completion: %v", err)
	}
}

func (d *Dispatcher) settleFailure(ctx context.Context, pub models.Publication, attempts int, class models.Classification, reason string, log *logrus.Entry) {
	ok, err := d.ledger.MarkFailed(ctx, pub.ID, d.workerID, attempts, class, reason)
	if err != nil {
		log.Warnf("mark failed: %v", err)
		return
	}
	if !ok {
		return
	}
	telemetry.PublishFailures.Inc()
	log.WithFields(logrus.Fields{"attempts": attempts, "class": class}).Warn("publication failed terminally")

	d.emitter.Emit(ctx, models.PublicationEvent{
		ScheduleID:  pub.ScheduleID,
		Platform:    pub.Platform,
		Outcome:     models.StatusFailed,
		ErrorDetail: reason,
		OccurredAt:  time.Now().UTC(),
	})
	if err := d.ledger.RecomputeCompletion(ctx, pub.ScheduleID); err != nil {
		log.Warnf("recompute completion: %v", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
