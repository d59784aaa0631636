package reconciler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Archive lifecycle event types.
const (
	EventDeposited = "DEPOSITED"
	EventValidated = "VALIDATED"
	EventReleased  = "RELEASED"
	EventRejected  = "REJECTED"
)

// ArchiveFile is one file manifest entry of an archive event. Entries arrive
// as 4-tuples [filename, _, _, quality].
type ArchiveFile struct {
	Filename string
	Quality  string
}

func (f *ArchiveFile) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) < 4 {
		return fmt.Errorf("file entry has %d fields, want 4", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &f.Filename); err != nil {
		return fmt.Errorf("file entry filename: %w", err)
	}
	if err := json.Unmarshal(tuple[3], &f.Quality); err != nil {
		return fmt.Errorf("file entry quality: %w", err)
	}
	return nil
}

// ArchiveEvent is a data-archive lifecycle notification.
type ArchiveEvent struct {
	ProjectCode string
	SBID        int64
	EventType   string
	EventDate   time.Time
	ObsStart    time.Time
	Files       []ArchiveFile
}

type rawArchiveEvent struct {
	ProjectCode string            `json:"project_code"`
	SBID        int64             `json:"sbid"`
	EventType   string            `json:"event_type"`
	EventDate   string            `json:"event_date"`
	ObsStart    string            `json:"obs_start"`
	Files       []json.RawMessage `json:"files"`
}

// DecodeArchiveEvent parses an archive lifecycle message. A malformed
// timestamp or file entry fails the whole message; only an unparseable
// body itself is treated as permanently unprocessable.
func DecodeArchiveEvent(body []byte) (*ArchiveEvent, error) {
	var raw rawArchiveEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	eventDate, err := parseTime(raw.EventDate)
	if err != nil {
		return nil, fmt.Errorf("event date: %w", err)
	}
	obsStart, err := parseTime(raw.ObsStart)
	if err != nil {
		return nil, fmt.Errorf("observation start: %w", err)
	}

	files := make([]ArchiveFile, len(raw.Files))
	for i, entry := range raw.Files {
		if err := json.Unmarshal(entry, &files[i]); err != nil {
			return nil, fmt.Errorf("file entry %d: %w", i, err)
		}
	}

	return &ArchiveEvent{
		ProjectCode: raw.ProjectCode,
		SBID:        raw.SBID,
		EventType:   raw.EventType,
		EventDate:   eventDate,
		ObsStart:    obsStart,
		Files:       files,
	}, nil
}

// excludedMarkers identify auxiliary products whose filenames embed a field
// name but do not represent the observation image itself.
var excludedMarkers = []string{
	"meanMap",
	"componentMap_image",
	"componentResidual_image",
	"selavy-image",
}

// surveyTokens are the survey prefixes a field name starts with.
var surveyTokens = []string{"WALLABY", "EMU"}

// ExtractName derives the observation field name from an archive filename.
// It returns false for auxiliary products and files without a survey token.
func ExtractName(filename string) (string, bool) {
	for _, marker := range excludedMarkers {
		if strings.Contains(filename, marker) {
			return "", false
		}
	}
	if !strings.Contains(filename, "image") {
		return "", false
	}

	index := -1
	for _, token := range surveyTokens {
		if i := strings.Index(filename, token); i != -1 {
			index = i
			break
		}
	}
	if index == -1 {
		return "", false
	}

	name := filename[index:]
	if dot := strings.Index(name, "."); dot != -1 {
		name = name[:dot]
	}
	return name, true
}
