package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aussrc/possum-coordinator/internal/store/model"
)

var (
	// ErrUnknownEvent marks a message from a workflow this coordinator does
	// not track.
	ErrUnknownEvent = errors.New("event does not concern a tracked workflow")
	// ErrMissingCorrelation marks an event without an observation or tile
	// identifier. Redelivery cannot fix it.
	ErrMissingCorrelation = errors.New("event carries no correlation identifier")
	// ErrMalformed marks a permanently unprocessable message body.
	ErrMalformed = errors.New("malformed event")
	// ErrInvalidBand marks a band value outside {1,2}.
	ErrInvalidBand = errors.New("band not in {1,2}")
)

// Workflow script names used as state-event discriminators.
const (
	scriptCube   = "main.nf"
	scriptMfs    = "mfs.nf"
	scriptMosaic = "mosaic.nf"
)

// ObservationStateEvent reports a state change of a per-observation pipeline.
type ObservationStateEvent struct {
	Product model.ProductType
	SBID    int64
	State   string
	Updated time.Time
}

// MosaicStateEvent reports a state change of a tile mosaic pipeline.
type MosaicStateEvent struct {
	Product model.ProductType
	TileID  int64
	Band    int
	State   string
}

// StateEvent is the decoded variant of a workflow state message.
// Exactly one of Observation and Mosaic is set.
type StateEvent struct {
	Observation *ObservationStateEvent
	Mosaic      *MosaicStateEvent
}

type rawStateEvent struct {
	PipelineID json.Number `json:"pipeline_id"`
	Repository string      `json:"repository"`
	MainScript string      `json:"main_script"`
	State      string      `json:"state"`
	Updated    string      `json:"updated"`
	Params     string      `json:"params"`
}

// DecodeStateEvent parses a workflow state message into its tagged variant.
// Messages from other repositories or scripts return ErrUnknownEvent.
func DecodeStateEvent(body []byte, workflowRepo string) (*StateEvent, error) {
	var raw rawStateEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if raw.Repository != workflowRepo {
		return nil, ErrUnknownEvent
	}
	if raw.Params == "" || raw.Params == "null" {
		return nil, ErrMissingCorrelation
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw.Params), &params); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrMalformed, err)
	}

	switch raw.MainScript {
	case scriptCube:
		return decodeObservationEvent(raw, params, model.ProductCube)
	case scriptMfs:
		return decodeObservationEvent(raw, params, model.ProductMfs)
	case scriptMosaic:
		return decodeMosaicEvent(raw, params)
	default:
		return nil, ErrUnknownEvent
	}
}

func decodeObservationEvent(raw rawStateEvent, params map[string]interface{}, product model.ProductType) (*StateEvent, error) {
	sbid, ok := intParam(params, "SBID")
	if !ok {
		return nil, fmt.Errorf("%w: sbid missing for pipeline id %s", ErrMissingCorrelation, raw.PipelineID)
	}

	updated, err := parseTime(raw.Updated)
	if err != nil {
		return nil, fmt.Errorf("%w: updated: %v", ErrMalformed, err)
	}

	return &StateEvent{Observation: &ObservationStateEvent{
		Product: product,
		SBID:    sbid,
		State:   raw.State,
		Updated: updated,
	}}, nil
}

func decodeMosaicEvent(raw rawStateEvent, params map[string]interface{}) (*StateEvent, error) {
	tileID, okTile := intParam(params, "TILE_ID")
	band, okBand := intParam(params, "BAND")
	if !okTile || !okBand {
		return nil, fmt.Errorf("%w: tile or band missing for pipeline id %s", ErrMissingCorrelation, raw.PipelineID)
	}
	if band != 1 && band != 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBand, band)
	}

	component, _ := params["SURVEY_COMPONENT"].(string)
	var product model.ProductType
	switch component {
	case model.ComponentSurvey, "":
		product = model.ProductCube
	case model.ComponentMfs:
		product = model.ProductMfs
	default:
		return nil, fmt.Errorf("%w: unexpected survey component %q", ErrMalformed, component)
	}

	return &StateEvent{Mosaic: &MosaicStateEvent{
		Product: product,
		TileID:  tileID,
		Band:    int(band),
		State:   raw.State,
	}}, nil
}

// intParam reads an integer parameter that may arrive as a number, a numeric
// string, or a string with embedded quotes.
func intParam(params map[string]interface{}, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case string:
		trimmed := strings.ReplaceAll(v, `"`, "")
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}
