package pipeline

import (
	"fmt"
	"time"
)

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalFail    FinalStatus = "fail"
)

// FinalOutcome is the terminal record for a run, written once to final.json.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`
	RunID     string      `json:"run_id"`

	CompletedStages []string `json:"completed_stages"`
	FailureReason   string   `json:"failure_reason,omitempty"`
	Flags           []string `json:"flags,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return writeJSONAtomic(path, fo)
}
