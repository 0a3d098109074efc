package pipeline

import "fmt"

// ErrorKind classifies a StageError: a closed set a caller can switch on
// without string matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindIOError
	KindUnsupportedFormat
	KindTruncatedFile
	KindAnalyserUnavailable
	KindAnalyserTimeout
	KindBoundaryClamp
	KindRuleOverlap
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindIOError:
		return "io_error"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindTruncatedFile:
		return "truncated_file"
	case KindAnalyserUnavailable:
		return "analyser_unavailable"
	case KindAnalyserTimeout:
		return "analyser_timeout"
	case KindBoundaryClamp:
		return "boundary_clamp"
	case KindRuleOverlap:
		return "rule_overlap"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StageError carries a classified failure plus the stage and, where
// known, the frame it occurred at. Fatal distinguishes conditions that
// must abort the run from ones that are logged, counted, and recovered.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Frame int
	Fatal bool
	Err   error
}

func (e *StageError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("pipeline: %s: %s at frame %d: %v", e.Stage, e.Kind, e.Frame, e.Err)
	}
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func newStageError(stage string, kind ErrorKind, frame int, fatal bool, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Frame: frame, Fatal: fatal, Err: err}
}

// IOError wraps a filesystem/network read-write failure.
func IOError(stage string, err error) *StageError {
	return newStageError(stage, KindIOError, -1, true, err)
}

// UnsupportedFormat signals a capture file whose format or link type
// this module doesn't decode.
func UnsupportedFormat(stage string, err error) *StageError {
	return newStageError(stage, KindUnsupportedFormat, -1, true, err)
}

// TruncatedFile signals a capture file that ends mid-record.
func TruncatedFile(stage string, frame int, err error) *StageError {
	return newStageError(stage, KindTruncatedFile, frame, true, err)
}

// AnalyserUnavailable signals the external TLS analyser process could
// not be started or exited abnormally; callers fall back to in-process
// analysis rather than aborting.
func AnalyserUnavailable(err error) *StageError {
	return newStageError("mask", KindAnalyserUnavailable, -1, false, err)
}

// AnalyserTimeout signals the external TLS analyser did not finish
// within its configured timeout; same fallback as AnalyserUnavailable.
func AnalyserTimeout(err error) *StageError {
	return newStageError("mask", KindAnalyserTimeout, -1, false, err)
}

// BoundaryClamp signals a mask rule's byte range was clamped to the
// frame's actual payload length. Non-fatal: logged and counted.
func BoundaryClamp(frame int) *StageError {
	return newStageError("mask", KindBoundaryClamp, frame, false, fmt.Errorf("mask range clamped to payload bounds"))
}

// RuleOverlap signals two generated mask rules overlap within the same
// frame — fatal, since masking can't proceed safely with ambiguous byte
// ranges.
func RuleOverlap(frame int, err error) *StageError {
	return newStageError("mask", KindRuleOverlap, frame, true, err)
}

// Cancelled signals a run was stopped by its cancellation token before
// completion: the current frame finishes, then the output is closed and
// removed.
func Cancelled(stage string) *StageError {
	return newStageError(stage, KindCancelled, -1, true, fmt.Errorf("run cancelled"))
}
