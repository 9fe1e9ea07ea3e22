package models

// LogLine is one entry in a job's log file. Data lines carry process
// output; control lines mark step transitions, so that consumers can
// reconstruct per-step logs from a flat file.
type LogLine struct {
	Kind    string     `json:"kind"` // "data" or "control"
	StepIdx int        `json:"step_idx"`
	Stream  string     `json:"stream,omitempty"` // data: "stdout" or "stderr"
	Content string     `json:"content,omitempty"`
	Step    string     `json:"step,omitempty"` // control: step name
	Status  StepStatus `json:"status,omitempty"`
}

func NewDataLogLine(idx int, line, stream string) LogLine {
	return LogLine{
		Kind:    "data",
		StepIdx: idx,
		Stream:  stream,
		Content: line,
	}
}

func NewControlLogLine(idx int, step Step, status StepStatus) LogLine {
	return LogLine{
		Kind:    "control",
		StepIdx: idx,
		Step:    step.Name(),
		Status:  status,
	}
}
