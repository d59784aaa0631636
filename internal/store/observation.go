package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussrc/possum-coordinator/internal/store/model"
	"gorm.io/gorm"
)

type Observation interface {
	Get(ctx context.Context, name string) (*model.Observation, error)
	CountInFlight(ctx context.Context, product model.ProductType) (int64, error)
	SelectUnsubmitted(ctx context.Context, product model.ProductType, accepted []string, limit int) ([]int64, error)
	MarkSent(ctx context.Context, product model.ProductType, sbids []int64) error
	UpdateProductState(ctx context.Context, product model.ProductType, sbid int64, state string, updated time.Time) error
	ApplyDeposited(ctx context.Context, name string, sbid int64, obsStart, eventDate time.Time, quality string) error
	ApplyValidated(ctx context.Context, name string, sbid int64, obsStart, eventDate time.Time, quality string) error
	ApplyRejected(ctx context.Context, name string, quality string) error
	InitialMigration() error
}

type ObservationStore struct {
	db *gorm.DB
}

// Make sure we conform to Observation interface
var _ Observation = (*ObservationStore)(nil)

func NewObservationStore(db *gorm.DB) Observation {
	return &ObservationStore{db: db}
}

func (s *ObservationStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Observation{}, &model.AssociatedTile{})
}

func (s *ObservationStore) Get(ctx context.Context, name string) (*model.Observation, error) {
	var obs model.Observation
	result := s.getDB(ctx).First(&obs, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying observation: %w", result.Error)
	}
	return &obs, nil
}

func (s *ObservationStore) CountInFlight(ctx context.Context, product model.ProductType) (int64, error) {
	cols, err := productColumns(product)
	if err != nil {
		return 0, err
	}

	var count int64
	result := s.getDB(ctx).Model(&model.Observation{}).
		Where(cols.state+" IN ?", model.InFlightStates).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting in-flight %s jobs: %w", product, result.Error)
	}
	return count, nil
}

func (s *ObservationStore) SelectUnsubmitted(ctx context.Context, product model.ProductType, accepted []string, limit int) ([]int64, error) {
	cols, err := productColumns(product)
	if err != nil {
		return nil, err
	}

	var sbids []int64
	result := s.getDB(ctx).Model(&model.Observation{}).
		Where("sbid IS NOT NULL").
		Where("validated_state IN ?", accepted).
		Where(cols.sent+" = ?", false).
		Order("sbid").
		Limit(limit).
		Pluck("sbid", &sbids)
	if result.Error != nil {
		return nil, fmt.Errorf("selecting unsubmitted %s observations: %w", product, result.Error)
	}
	return sbids, nil
}

func (s *ObservationStore) MarkSent(ctx context.Context, product model.ProductType, sbids []int64) error {
	if len(sbids) == 0 {
		return nil
	}
	cols, err := productColumns(product)
	if err != nil {
		return err
	}

	result := s.getDB(ctx).Model(&model.Observation{}).
		Where("sbid IN ?", sbids).
		Updates(map[string]interface{}{
			cols.sent:  true,
			cols.state: model.StateSubmitted,
		})
	if result.Error != nil {
		return fmt.Errorf("marking %s observations sent: %w", product, result.Error)
	}
	return nil
}

func (s *ObservationStore) UpdateProductState(ctx context.Context, product model.ProductType, sbid int64, state string, updated time.Time) error {
	cols, err := productColumns(product)
	if err != nil {
		return err
	}

	result := s.getDB(ctx).Model(&model.Observation{}).
		Where("sbid = ?", sbid).
		Updates(map[string]interface{}{
			cols.state:  state,
			cols.update: updated,
		})
	if result.Error != nil {
		return fmt.Errorf("updating %s state for sbid %d: %w", product, sbid, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ObservationStore) ApplyDeposited(ctx context.Context, name string, sbid int64, obsStart, eventDate time.Time, quality string) error {
	result := s.getDB(ctx).Model(&model.Observation{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"sbid":            sbid,
			"obs_start":       obsStart,
			"processed_date":  eventDate,
			"validated_state": quality,
		})
	if result.Error != nil {
		return fmt.Errorf("applying deposited event for %s: %w", name, result.Error)
	}
	return nil
}

func (s *ObservationStore) ApplyValidated(ctx context.Context, name string, sbid int64, obsStart, eventDate time.Time, quality string) error {
	result := s.getDB(ctx).Model(&model.Observation{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"sbid":            sbid,
			"obs_start":       obsStart,
			"validated_date":  eventDate,
			"validated_state": quality,
		})
	if result.Error != nil {
		return fmt.Errorf("applying validated event for %s: %w", name, result.Error)
	}
	return nil
}

// ApplyRejected resets the observation to its pre-archival state. Rejection
// is the only path that ever clears a sent flag.
func (s *ObservationStore) ApplyRejected(ctx context.Context, name string, quality string) error {
	result := s.getDB(ctx).Model(&model.Observation{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"sbid":            nil,
			"obs_start":       nil,
			"processed_date":  nil,
			"validated_date":  nil,
			"validated_state": quality,
			"cube_state":      nil,
			"cube_update":     nil,
			"cube_sent":       false,
			"mfs_state":       nil,
			"mfs_update":      nil,
			"mfs_sent":        false,
		})
	if result.Error != nil {
		return fmt.Errorf("applying rejected event for %s: %w", name, result.Error)
	}
	return nil
}

func (s *ObservationStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}

type obsColumns struct {
	state  string
	update string
	sent   string
}

func productColumns(product model.ProductType) (obsColumns, error) {
	switch product {
	case model.ProductCube, model.ProductMfs:
		return obsColumns{
			state:  fmt.Sprintf("%s_state", product),
			update: fmt.Sprintf("%s_update", product),
			sent:   fmt.Sprintf("%s_sent", product),
		}, nil
	default:
		return obsColumns{}, fmt.Errorf("unknown product type %q", product)
	}
}
