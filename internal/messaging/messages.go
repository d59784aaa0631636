package messaging

import "encoding/json"

// JobSubmission is the job-request body published to the workflow submit
// exchange. Params carries either {"SBID": n} for per-observation pipelines
// or {"TILE_ID", "OBS_IDS", "BAND", "SURVEY_COMPONENT"} for mosaics.
type JobSubmission struct {
	PipelineKey string                 `json:"pipeline_key"`
	Username    string                 `json:"username"`
	Params      map[string]interface{} `json:"params"`
}

func (j JobSubmission) Encode() ([]byte, error) {
	return json.Marshal(j)
}
