package verify

import (
	"fmt"

	"agentmarket/negotiator/internal/market"
)

type Stage string

const (
	StageOwnership Stage = "ownership"
	StageBalance   Stage = "balance"
	StageConsensus Stage = "consensus"
	StageExecution Stage = "execution"
	StageCompleted Stage = "completed"
)

// Progress is the percentage broadcast when a stage starts, and again if
// the deal fails there.
func (s Stage) Progress() int {
	switch s {
	case StageOwnership:
		return 10
	case StageBalance:
		return 40
	case StageConsensus:
		return 60
	case StageExecution:
		return 85
	case StageCompleted:
		return 100
	}
	return 0
}

func (s Stage) label() string {
	switch s {
	case StageOwnership:
		return "Verifying asset ownership"
	case StageBalance:
		return "Checking buyer balance"
	case StageConsensus:
		return "Running verifier consensus"
	case StageExecution:
		return "Executing settlement"
	case StageCompleted:
		return "Deal settled"
	}
	return string(s)
}

// StageError records where an attempt stopped. Permanent errors are
// business rejections and end the job without retry.
type StageError struct {
	Stage     Stage
	Err       error
	Permanent bool
	Consensus *market.ConsensusResult
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
