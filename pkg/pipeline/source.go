package pipeline

import (
	"io"
	"time"

	"github.com/podscope/pcapscrub/pkg/capture"
)

// instrumentedSource wraps a *capture.Reader so a single stage loop
// (dedup.Stage.Run, anonymize.Stage.Run) drives progress reporting and
// cooperative cancellation without either stage package knowing about
// it. It satisfies every stage package's FrameSource interface
// structurally — Next() (capture.Frame, error) plus LinkType() — none
// of them need an explicit implements-this-interface declaration.
type instrumentedSource struct {
	r        *capture.Reader
	fileSize int64

	stage    string
	observer Observer
	throttle *Throttle

	cancel    <-chan struct{}
	cancelled bool

	bytesRead uint64
	frames    uint64
}

func newInstrumentedSource(r *capture.Reader, fileSize int64, stage string, observer Observer, throttleInterval time.Duration, cancel <-chan struct{}) *instrumentedSource {
	return &instrumentedSource{
		r:        r,
		fileSize: fileSize,
		stage:    stage,
		observer: observer,
		throttle: NewThrottle(throttleInterval),
		cancel:   cancel,
	}
}

// Next reports progress before returning each frame and checks the
// cancellation signal between frames, so the current frame always
// finishes before the run stops: a signal observed here only takes
// effect after the caller's in-flight frame (if any) has already been
// emitted by the prior call.
func (s *instrumentedSource) Next() (capture.Frame, error) {
	if s.cancel != nil {
		select {
		case <-s.cancel:
			s.cancelled = true
			return capture.Frame{}, io.EOF
		default:
		}
	}

	f, err := s.r.Next()
	if err != nil {
		return f, err
	}
	s.frames++
	s.bytesRead += uint64(len(f.Bytes))

	percent := -1.0
	if s.fileSize > 0 {
		percent = float64(s.bytesRead) / float64(s.fileSize) * 100
		if percent > 100 {
			percent = 100
		}
	}
	if s.throttle.Allow(percent) {
		s.observer.OnProgress(Event{Stage: s.stage, FramesProcessed: s.frames, Percent: percent})
	}

	return f, nil
}

func (s *instrumentedSource) LinkType() capture.LinkType { return s.r.LinkType() }
