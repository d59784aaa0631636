package store

import (
	"context"

	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Observation() Observation
	Tile() Tile
	InitialMigration() error
	Close() error
}

type DataStore struct {
	db          *gorm.DB
	observation Observation
	tile        Tile
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:          db,
		observation: NewObservationStore(db),
		tile:        NewTileStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Observation() Observation {
	return s.observation
}

func (s *DataStore) Tile() Tile {
	return s.tile
}

func (s *DataStore) InitialMigration() error {
	if err := s.observation.InitialMigration(); err != nil {
		return err
	}
	return s.tile.InitialMigration()
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
