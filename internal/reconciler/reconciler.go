package reconciler

import (
	"context"
	"errors"

	"github.com/aussrc/possum-coordinator/internal/config"
	"github.com/aussrc/possum-coordinator/internal/messaging"
	"github.com/aussrc/possum-coordinator/internal/scheduler"
	"github.com/aussrc/possum-coordinator/internal/store"
	"github.com/aussrc/possum-coordinator/internal/store/model"
	"github.com/aussrc/possum-coordinator/pkg/metrics"
	"go.uber.org/zap"
)

// Reconciler applies asynchronous workflow-state and archive-lifecycle
// messages to the store, and triggers the mosaic submission path when a
// per-observation pipeline completes.
type Reconciler struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	cfg       *config.Config
}

func New(s store.Store, sched *scheduler.Scheduler, cfg *config.Config) *Reconciler {
	return &Reconciler{
		store:     s,
		scheduler: sched,
		cfg:       cfg,
	}
}

// HandleStateMessage processes one workflow state-change message.
func (r *Reconciler) HandleStateMessage(ctx context.Context, body []byte) messaging.Disposition {
	log := zap.S().Named("reconciler")

	event, err := DecodeStateEvent(body, r.cfg.Pipeline.WorkflowRepo)
	if err != nil {
		return r.decodeDisposition("state", err)
	}

	switch {
	case event.Observation != nil:
		return r.applyObservationState(ctx, event.Observation)
	case event.Mosaic != nil:
		return r.applyMosaicState(ctx, event.Mosaic)
	default:
		log.Errorw("state event decoded to no variant", "body", string(body))
		return messaging.Drop
	}
}

func (r *Reconciler) applyObservationState(ctx context.Context, event *ObservationStateEvent) messaging.Disposition {
	log := zap.S().Named("reconciler")
	log.Infof("updating %s pipeline for sbid %d: state %s", event.Product, event.SBID, event.State)

	txCtx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		metrics.IncreaseEventsFailedMetric("state")
		log.Errorf("failed to open transaction: %v", err)
		return messaging.Requeue
	}

	if err := r.store.Observation().UpdateProductState(txCtx, event.Product, event.SBID, event.State, event.Updated); err != nil {
		_, _ = store.Rollback(txCtx)
		if errors.Is(err, store.ErrRecordNotFound) {
			// no row for this sbid; redelivery cannot help
			log.Errorf("no observation for sbid %d", event.SBID)
			return messaging.Drop
		}
		metrics.IncreaseEventsFailedMetric("state")
		log.Errorf("failed to update %s state for sbid %d: %v", event.Product, event.SBID, err)
		return messaging.Requeue
	}

	if disp, done := r.finish(txCtx, "state"); done {
		return disp
	}
	metrics.IncreaseEventsHandledMetric("state")

	// A completed per-observation pipeline may have finished the last
	// contribution to one or more tiles. Run the mosaic check here rather
	// than waiting for the next tick; the check is idempotent.
	if event.State == model.StateCompleted {
		if err := r.scheduler.SendMosaics(ctx); err != nil {
			log.Errorf("mosaic check after sbid %d completion failed: %v", event.SBID, err)
		}
	}

	return messaging.Ack
}

func (r *Reconciler) applyMosaicState(ctx context.Context, event *MosaicStateEvent) messaging.Disposition {
	log := zap.S().Named("reconciler")
	log.Infof("updating %s mosaic for tile %d band %d: state %s", event.Product, event.TileID, event.Band, event.State)

	txCtx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		metrics.IncreaseEventsFailedMetric("state")
		log.Errorf("failed to open transaction: %v", err)
		return messaging.Requeue
	}

	if err := r.store.Tile().UpdateProductState(txCtx, event.Product, event.Band, event.TileID, event.State); err != nil {
		_, _ = store.Rollback(txCtx)
		if errors.Is(err, store.ErrRecordNotFound) {
			log.Errorf("no tile %d", event.TileID)
			return messaging.Drop
		}
		metrics.IncreaseEventsFailedMetric("state")
		log.Errorf("failed to update tile %d state: %v", event.TileID, err)
		return messaging.Requeue
	}

	if disp, done := r.finish(txCtx, "state"); done {
		return disp
	}
	metrics.IncreaseEventsHandledMetric("state")
	return messaging.Ack
}

// HandleArchiveMessage processes one archive lifecycle message. All matched
// files of a message are applied in one transaction.
func (r *Reconciler) HandleArchiveMessage(ctx context.Context, body []byte) messaging.Disposition {
	log := zap.S().Named("reconciler")

	event, err := DecodeArchiveEvent(body)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			log.Errorf("dropping malformed archive message: %v", err)
			return messaging.Drop
		}
		// unparseable timestamps fail the whole message
		metrics.IncreaseEventsFailedMetric("archive")
		log.Errorf("archive message failed: %v", err)
		return messaging.Requeue
	}

	if event.ProjectCode != r.cfg.Pipeline.ProjectCode {
		return messaging.Ack
	}

	txCtx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		metrics.IncreaseEventsFailedMetric("archive")
		log.Errorf("failed to open transaction: %v", err)
		return messaging.Requeue
	}

	for _, file := range event.Files {
		name, ok := ExtractName(file.Filename)
		if !ok {
			continue
		}

		log.Infof("match: field %s, sbid %d, event %s, quality %s, file %s",
			name, event.SBID, event.EventType, file.Quality, file.Filename)

		if err := r.applyArchiveFile(txCtx, event, name, file.Quality); err != nil {
			_, _ = store.Rollback(txCtx)
			metrics.IncreaseEventsFailedMetric("archive")
			log.Errorf("failed to apply %s event for %s: %v", event.EventType, name, err)
			return messaging.Requeue
		}
	}

	if disp, done := r.finish(txCtx, "archive"); done {
		return disp
	}
	metrics.IncreaseEventsHandledMetric("archive")
	return messaging.Ack
}

func (r *Reconciler) applyArchiveFile(txCtx context.Context, event *ArchiveEvent, name, quality string) error {
	switch event.EventType {
	case EventRejected:
		return r.store.Observation().ApplyRejected(txCtx, name, quality)
	case EventDeposited:
		return r.store.Observation().ApplyDeposited(txCtx, name, event.SBID, event.ObsStart, event.EventDate, quality)
	case EventReleased, EventValidated:
		return r.store.Observation().ApplyValidated(txCtx, name, event.SBID, event.ObsStart, event.EventDate, quality)
	default:
		// other lifecycle events carry nothing for us
		return nil
	}
}

// decodeDisposition maps a decode error to a message disposition.
func (r *Reconciler) decodeDisposition(kind string, err error) messaging.Disposition {
	log := zap.S().Named("reconciler")

	switch {
	case errors.Is(err, ErrUnknownEvent):
		return messaging.Ack
	case errors.Is(err, ErrMissingCorrelation), errors.Is(err, ErrMalformed):
		log.Errorf("dropping %s message: %v", kind, err)
		return messaging.Drop
	case errors.Is(err, ErrInvalidBand):
		metrics.IncreaseEventsFailedMetric(kind)
		log.Errorf("%s message invalid: %v", kind, err)
		return messaging.Requeue
	default:
		metrics.IncreaseEventsFailedMetric(kind)
		log.Errorf("%s message failed: %v", kind, err)
		return messaging.Requeue
	}
}

// finish commits the transaction (or rolls it back in dry run mode) and
// reports whether the caller should return early with the disposition.
func (r *Reconciler) finish(txCtx context.Context, kind string) (messaging.Disposition, bool) {
	if r.cfg.Service.DryRun {
		_, _ = store.Rollback(txCtx)
		if r.cfg.Service.DryRunRequeue {
			return messaging.Requeue, true
		}
		return messaging.Ack, true
	}

	if _, err := store.Commit(txCtx); err != nil {
		metrics.IncreaseEventsFailedMetric(kind)
		zap.S().Named("reconciler").Errorf("failed to commit: %v", err)
		return messaging.Requeue, true
	}
	return messaging.Ack, false
}
