package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/aussrc/possum-coordinator/internal/store/model"
	"gorm.io/gorm"
)

// excludedTileStates are tile aggregate states that disqualify a tile from
// mosaic submission even when every contributing observation has completed.
var excludedTileStates = []string{model.StateCompleted, model.StateSubmitted, model.StateQueued, model.StateRunning}

type Tile interface {
	Get(ctx context.Context, tileID int64) (*model.Tile, error)
	CountInFlight(ctx context.Context) (int64, error)
	FindCompleted(ctx context.Context, product model.ProductType, band int) ([]model.CompletedTile, error)
	MarkSent(ctx context.Context, product model.ProductType, band int, tileID int64) error
	UpdateProductState(ctx context.Context, product model.ProductType, band int, tileID int64, state string) error
	InitialMigration() error
}

type TileStore struct {
	db *gorm.DB
}

// Make sure we conform to Tile interface
var _ Tile = (*TileStore)(nil)

func NewTileStore(db *gorm.DB) Tile {
	return &TileStore{db: db}
}

func (s *TileStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Tile{})
}

func (s *TileStore) Get(ctx context.Context, tileID int64) (*model.Tile, error) {
	var tile model.Tile
	result := s.getDB(ctx).First(&tile, "tile = ?", tileID)
	if result.Error != nil {
		return nil, fmt.Errorf("querying tile %d: %w", tileID, result.Error)
	}
	return &tile, nil
}

// CountInFlight counts tiles with a mosaic job in flight for any band or
// product. All four mosaic families share one submission cap.
func (s *TileStore) CountInFlight(ctx context.Context) (int64, error) {
	var count int64
	result := s.getDB(ctx).Model(&model.Tile{}).
		Where("band1_cube_state IN ?", model.InFlightStates).
		Or("band2_cube_state IN ?", model.InFlightStates).
		Or("band1_mfs_state IN ?", model.InFlightStates).
		Or("band2_mfs_state IN ?", model.InFlightStates).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting in-flight mosaic jobs: %w", result.Error)
	}
	return count, nil
}

// FindCompleted returns tiles, in ascending tile order, whose associated
// observations for the given band have all reached COMPLETED for the given
// product, excluding tiles already sent or whose aggregate state is itself
// in flight or completed. Tiles without observations never qualify.
func (s *TileStore) FindCompleted(ctx context.Context, product model.ProductType, band int) ([]model.CompletedTile, error) {
	cols, err := productColumns(product)
	if err != nil {
		return nil, err
	}
	stateCol, err := model.ProductColumn(product, band)
	if err != nil {
		return nil, ErrInvalidBand
	}
	sentCol, err := model.SentColumn(product, band)
	if err != nil {
		return nil, ErrInvalidBand
	}

	type contribution struct {
		TileID int64
		Name   string
		State  *string
	}
	var rows []contribution
	result := s.getDB(ctx).Table("associated_tiles").
		Select("associated_tiles.tile AS tile_id, observations.name AS name, observations."+cols.state+" AS state").
		Joins("JOIN observations ON observations.name = associated_tiles.name").
		Where("observations.band = ?", band).
		Order("associated_tiles.tile, observations.name").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("querying tile contributions: %w", result.Error)
	}

	names := make(map[int64][]string)
	complete := make(map[int64]bool)
	for _, r := range rows {
		names[r.TileID] = append(names[r.TileID], r.Name)
		done := r.State != nil && *r.State == model.StateCompleted
		if _, seen := complete[r.TileID]; !seen {
			complete[r.TileID] = done
		} else {
			complete[r.TileID] = complete[r.TileID] && done
		}
	}

	candidates := make([]int64, 0, len(complete))
	for tileID, done := range complete {
		if done {
			candidates = append(candidates, tileID)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	// keep only tiles not yet sent and not already advanced externally
	var tiles []model.Tile
	db := s.getDB(ctx)
	result = db.
		Where("tile IN ?", candidates).
		Where(sentCol+" = ?", false).
		Where(db.Where(stateCol+" IS NULL").
			Or(stateCol+" = ''").
			Or(stateCol+" NOT IN ?", excludedTileStates)).
		Order("tile").
		Find(&tiles)
	if result.Error != nil {
		return nil, fmt.Errorf("filtering completed tiles: %w", result.Error)
	}

	completed := make([]model.CompletedTile, 0, len(tiles))
	for _, t := range tiles {
		completed = append(completed, model.CompletedTile{
			TileID:           t.TileID,
			ObservationNames: names[t.TileID],
			Band:             band,
		})
	}
	return completed, nil
}

func (s *TileStore) MarkSent(ctx context.Context, product model.ProductType, band int, tileID int64) error {
	stateCol, err := model.ProductColumn(product, band)
	if err != nil {
		return ErrInvalidBand
	}
	sentCol, err := model.SentColumn(product, band)
	if err != nil {
		return ErrInvalidBand
	}

	result := s.getDB(ctx).Model(&model.Tile{}).
		Where("tile = ?", tileID).
		Updates(map[string]interface{}{
			stateCol: model.StateSubmitted,
			sentCol:  true,
		})
	if result.Error != nil {
		return fmt.Errorf("marking tile %d sent: %w", tileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *TileStore) UpdateProductState(ctx context.Context, product model.ProductType, band int, tileID int64, state string) error {
	stateCol, err := model.ProductColumn(product, band)
	if err != nil {
		return ErrInvalidBand
	}

	result := s.getDB(ctx).Model(&model.Tile{}).
		Where("tile = ?", tileID).
		Update(stateCol, state)
	if result.Error != nil {
		return fmt.Errorf("updating tile %d %s state: %w", tileID, product, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *TileStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
