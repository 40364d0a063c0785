package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput rejects an upload before a run is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrImageTooLarge is an ErrInvalidInput for uploads over the size limit.
	ErrImageTooLarge = fmt.Errorf("%w: image too large", ErrInvalidInput)
	// ErrBusy rejects an upload while another run is in flight.
	ErrBusy = errors.New("workflow already running")
	// ErrShutdown rejects uploads after Shutdown.
	ErrShutdown = errors.New("orchestrator shut down")
	// ErrRunNotFound is returned by Get for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindDiscovery    ErrorKind = "discovery_failure"
	KindAnalysis     ErrorKind = "analysis_failure"
	KindMatch        ErrorKind = "match_failure"
	KindOrder        ErrorKind = "order_failure"
	KindCancelled    ErrorKind = "cancelled"
)

// StageError records the failure of one stage.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// kindOf maps the stage that failed onto an error kind.
func kindOf(s Stage) ErrorKind {
	switch s {
	case StageDiscoveringVision, StageDiscoveringSupplier:
		return KindDiscovery
	case StageAnalyzingVision:
		return KindAnalysis
	case StageMatchingCatalog:
		return KindMatch
	case StagePlacingOrder:
		return KindOrder
	}
	return KindInvalidInput
}
