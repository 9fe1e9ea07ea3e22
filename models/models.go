package models

import (
	"regexp"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// PipelineId identifies one firing of a trigger. Every job instantiated by
// that firing shares the pipeline id.
type PipelineId string

func NewPipelineId() PipelineId {
	return PipelineId(uuid.NewString())
}

type JobId struct {
	PipelineId
	// Name is the job's key within the pipeline, i.e. "<file>/<job>".
	Name string
}

func (jid JobId) String() string {
	return normalize(string(jid.PipelineId)) + "-" + normalize(jid.Name)
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}
