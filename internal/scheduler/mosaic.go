package scheduler

import (
	"context"
	"strconv"
	"strings"

	"github.com/aussrc/possum-coordinator/internal/messaging"
	"github.com/aussrc/possum-coordinator/internal/store"
	"github.com/aussrc/possum-coordinator/internal/store/model"
	"github.com/aussrc/possum-coordinator/pkg/metrics"
	"go.uber.org/zap"
)

// mosaicPasses fixes the order in which band/product families are checked.
var mosaicPasses = []struct {
	product   model.ProductType
	band      int
	component string
}{
	{model.ProductMfs, 1, model.ComponentMfs},
	{model.ProductMfs, 2, model.ComponentMfs},
	{model.ProductCube, 1, model.ComponentSurvey},
	{model.ProductCube, 2, model.ComponentSurvey},
}

// surveyPrefixes are stripped from observation names when building the
// OBS_IDS mosaic parameter.
var surveyPrefixes = []string{"WALLABY_", "EMU_"}

// SendMosaics scans each band/product family for tiles whose contributing
// observations have all completed, and submits mosaic jobs up to the shared
// tile cap. It is called on every scheduling tick and again, synchronously,
// by the reconciler when a per-observation pipeline completes; the sent flag
// re-check inside the transaction makes the second call a no-op.
func (s *Scheduler) SendMosaics(ctx context.Context) error {
	txCtx, err := s.store.NewTransactionContext(ctx)
	if err != nil {
		return err
	}

	for _, pass := range mosaicPasses {
		if err := s.sendMosaicPass(txCtx, pass.product, pass.band, pass.component); err != nil {
			_, _ = store.Rollback(txCtx)
			return err
		}
	}

	return s.finish(txCtx)
}

func (s *Scheduler) sendMosaicPass(txCtx context.Context, product model.ProductType, band int, component string) error {
	log := zap.S().Named("scheduler")

	inflight, err := s.store.Tile().CountInFlight(txCtx)
	if err != nil {
		return err
	}
	if inflight >= s.cfg.Service.SubmitLimit {
		log.Debugf("mosaic: submit limit reached (%d in flight)", inflight)
		return nil
	}
	capacity := s.cfg.Service.SubmitLimit - inflight

	tiles, err := s.store.Tile().FindCompleted(txCtx, product, band)
	if err != nil {
		return err
	}
	if int64(len(tiles)) > capacity {
		tiles = tiles[:capacity]
	}

	for _, tile := range tiles {
		job := messaging.JobSubmission{
			PipelineKey: s.cfg.Pipeline.MosaicKey,
			Username:    s.cfg.Pipeline.Username,
			Params: map[string]interface{}{
				"TILE_ID":          strconv.FormatInt(tile.TileID, 10),
				"OBS_IDS":          obsIDs(tile.ObservationNames),
				"BAND":             tile.Band,
				"SURVEY_COMPONENT": component,
			},
		}
		log.Infof("submitting %s mosaic pipeline for tile %d band %d (%d contributing observations)",
			component, tile.TileID, tile.Band, len(tile.ObservationNames))

		if err := s.publish(txCtx, job); err != nil {
			return err
		}
		if err := s.store.Tile().MarkSent(txCtx, product, band, tile.TileID); err != nil {
			return err
		}
		metrics.IncreaseJobsSubmittedMetric("mosaic")
	}

	return nil
}

func obsIDs(names []string) string {
	joined := strings.Join(names, ",")
	for _, prefix := range surveyPrefixes {
		joined = strings.ReplaceAll(joined, prefix, "")
	}
	return joined
}
