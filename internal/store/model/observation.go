package model

import (
	"encoding/json"
	"time"
)

// ProductType selects one of the two per-observation pipeline products.
type ProductType string

const (
	ProductCube ProductType = "cube"
	ProductMfs  ProductType = "mfs"
)

// Survey component tag carried in mosaic job parameters and mosaic state
// events. The cube product is tagged "survey" on the wire.
const (
	ComponentSurvey = "survey"
	ComponentMfs    = "mfs"
)

// Pipeline state vocabulary as reported by the workflow system.
const (
	StatePending   = "PENDING"
	StateSubmitted = "SUBMITTED"
	StateQueued    = "QUEUED"
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// InFlightStates are the states counted against the submission cap.
var InFlightStates = []string{StatePending, StateSubmitted, StateQueued, StateRunning}

// Observation is a survey field. Rows are created by the ingestion path;
// the coordinator only transitions state fields.
type Observation struct {
	Name           string     `gorm:"primaryKey;column:name"`
	RADeg          *float64   `gorm:"column:ra_deg"`
	DecDeg         *float64   `gorm:"column:dec_deg"`
	Band           int        `gorm:"column:band"`
	SBID           *int64     `gorm:"column:sbid"`
	ObsStart       *time.Time `gorm:"column:obs_start"`
	ProcessedDate  *time.Time `gorm:"column:processed_date"`
	ValidatedDate  *time.Time `gorm:"column:validated_date"`
	ValidatedState *string    `gorm:"column:validated_state"`
	CubeState      *string    `gorm:"column:cube_state"`
	CubeUpdate     *time.Time `gorm:"column:cube_update"`
	CubeSent       bool       `gorm:"column:cube_sent"`
	MfsState       *string    `gorm:"column:mfs_state"`
	MfsUpdate      *time.Time `gorm:"column:mfs_update"`
	MfsSent        bool       `gorm:"column:mfs_sent"`
}

func (Observation) TableName() string {
	return "observations"
}

func (o Observation) String() string {
	val, _ := json.Marshal(o)
	return string(val)
}

// AssociatedTile maps an observation to a tile it spatially overlaps.
type AssociatedTile struct {
	ID     int64  `gorm:"primaryKey;autoIncrement;column:id"`
	Name   string `gorm:"column:name;uniqueIndex:associated_tile_name_tile"`
	TileID int64  `gorm:"column:tile;uniqueIndex:associated_tile_name_tile"`
}

func (AssociatedTile) TableName() string {
	return "associated_tiles"
}
