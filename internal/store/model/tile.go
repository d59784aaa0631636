package model

import (
	"encoding/json"
	"fmt"
)

// Tile is a fixed sky-projection cell. Each band/product pair carries the
// aggregate mosaic state and the one-way sent flag for tile-level jobs.
type Tile struct {
	TileID         int64    `gorm:"primaryKey;column:tile"`
	RADeg          *float64 `gorm:"column:ra_deg"`
	DecDeg         *float64 `gorm:"column:dec_deg"`
	Band1CubeState *string  `gorm:"column:band1_cube_state"`
	Band1CubeSent  bool     `gorm:"column:band1_cube_sent"`
	Band2CubeState *string  `gorm:"column:band2_cube_state"`
	Band2CubeSent  bool     `gorm:"column:band2_cube_sent"`
	Band1MfsState  *string  `gorm:"column:band1_mfs_state"`
	Band1MfsSent   bool     `gorm:"column:band1_mfs_sent"`
	Band2MfsState  *string  `gorm:"column:band2_mfs_state"`
	Band2MfsSent   bool     `gorm:"column:band2_mfs_sent"`
}

func (Tile) TableName() string {
	return "tiles"
}

func (t Tile) String() string {
	val, _ := json.Marshal(t)
	return string(val)
}

// CompletedTile is a tile whose associated observations have all reached
// COMPLETED for a product, together with the contributing observation names
// passed on to the mosaic job.
type CompletedTile struct {
	TileID           int64
	ObservationNames []string
	Band             int
}

// ProductColumn returns the tile state column name for a band/product pair.
func ProductColumn(product ProductType, band int) (string, error) {
	if band != 1 && band != 2 {
		return "", fmt.Errorf("band %d not in {1,2}", band)
	}
	return fmt.Sprintf("band%d_%s_state", band, product), nil
}

// SentColumn returns the tile sent-flag column name for a band/product pair.
func SentColumn(product ProductType, band int) (string, error) {
	if band != 1 && band != 2 {
		return "", fmt.Errorf("band %d not in {1,2}", band)
	}
	return fmt.Sprintf("band%d_%s_sent", band, product), nil
}
