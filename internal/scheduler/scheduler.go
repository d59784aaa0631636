package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aussrc/possum-coordinator/internal/config"
	"github.com/aussrc/possum-coordinator/internal/messaging"
	"github.com/aussrc/possum-coordinator/internal/store"
	"github.com/aussrc/possum-coordinator/internal/store/model"
	"github.com/aussrc/possum-coordinator/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

// Scheduler periodically scans the store for unsubmitted work and publishes
// job-submission requests, holding the per-family in-flight count at or
// below the configured cap.
type Scheduler struct {
	store     store.Store
	publisher messaging.Publisher
	cfg       *config.Config
}

func New(s store.Store, publisher messaging.Publisher, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:     s,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run ticks until the context is cancelled. A failed tick is logged and
// retried after the longer failure interval; it never terminates the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log := zap.S().Named("scheduler")
	log.Infof("starting submission loop, interval %s", s.cfg.Service.TickInterval)

	ticker := jitterbug.New(s.cfg.Service.TickInterval, &jitterbug.Norm{Stdev: 500 * time.Millisecond})
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			log.Errorf("scheduling tick failed: %v", err)
			metrics.IncreaseTicksFailedMetric()

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Service.FailureInterval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("submission loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass: per-observation cube and mfs submissions,
// then tile mosaics.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.sendObservations(ctx, model.ProductCube, s.cfg.Pipeline.CubeKey); err != nil {
		return fmt.Errorf("cube send: %w", err)
	}
	if err := s.sendObservations(ctx, model.ProductMfs, s.cfg.Pipeline.MfsKey); err != nil {
		return fmt.Errorf("mfs send: %w", err)
	}
	if err := s.SendMosaics(ctx); err != nil {
		return fmt.Errorf("mosaic send: %w", err)
	}
	return nil
}

// sendObservations submits up to the remaining capacity of per-observation
// pipelines for one product. The eligible-row read and the sent-flag write
// share a transaction so concurrent passes cannot double-submit.
func (s *Scheduler) sendObservations(ctx context.Context, product model.ProductType, pipelineKey string) error {
	log := zap.S().Named("scheduler")

	txCtx, err := s.store.NewTransactionContext(ctx)
	if err != nil {
		return err
	}

	inflight, err := s.store.Observation().CountInFlight(txCtx, product)
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return err
	}

	capacity := s.cfg.Service.SubmitLimit - inflight
	if capacity <= 0 {
		log.Debugf("%s: submit limit reached (%d in flight)", product, inflight)
		_, _ = store.Rollback(txCtx)
		return nil
	}

	sbids, err := s.store.Observation().SelectUnsubmitted(txCtx, product, s.cfg.Pipeline.AcceptedStates, int(capacity))
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return err
	}
	if len(sbids) == 0 {
		_, _ = store.Rollback(txCtx)
		return nil
	}

	log.Infof("%s: submitting %d pipeline(s)", product, len(sbids))
	for _, sbid := range sbids {
		job := messaging.JobSubmission{
			PipelineKey: pipelineKey,
			Username:    s.cfg.Pipeline.Username,
			Params:      map[string]interface{}{"SBID": sbid},
		}
		if err := s.publish(txCtx, job); err != nil {
			_, _ = store.Rollback(txCtx)
			return err
		}
		log.Infof("submitted %s pipeline %s for sbid %d", product, pipelineKey, sbid)
		metrics.IncreaseJobsSubmittedMetric(string(product))
	}

	if err := s.store.Observation().MarkSent(txCtx, product, sbids); err != nil {
		_, _ = store.Rollback(txCtx)
		return err
	}

	return s.finish(txCtx)
}

func (s *Scheduler) publish(ctx context.Context, job messaging.JobSubmission) error {
	body, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encoding job request: %w", err)
	}
	if err := s.publisher.Publish(ctx, body); err != nil {
		return fmt.Errorf("publishing job request: %w", err)
	}
	return nil
}

// finish commits the transaction, or rolls it back in dry run mode so a dry
// run never mutates the store.
func (s *Scheduler) finish(txCtx context.Context) error {
	if s.cfg.Service.DryRun {
		_, err := store.Rollback(txCtx)
		return err
	}
	_, err := store.Commit(txCtx)
	return err
}
