package pipeline

import (
	"errors"
	"sync"

	"github.com/AporiaLabs/echo/coreengine/logging"
)

// Response status values, also used as metric labels.
const (
	StatusSent       = "sent"
	StatusError      = "error"
	StatusNoResponse = "no_response"
)

// Sink receives the terminal output of a run.
type Sink interface {
	OnSend(content any)
	OnError(err error)
}

// SinkFuncs adapts two functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Send  func(content any)
	Error func(err error)
}

func (s SinkFuncs) OnSend(content any) {
	if s.Send != nil {
		s.Send(content)
	}
}

func (s SinkFuncs) OnError(err error) {
	if s.Error != nil {
		s.Error(err)
	}
}

// Response is the response sink handed to stages. The first Send or Error
// wins; later terminal calls are ignored and logged at debug, so a stage may
// send and still continue to let side-effect stages run.
type Response struct {
	mu      sync.Mutex
	sink    Sink
	logger  logging.Logger
	done    bool
	content any
	err     error
}

// NewResponse creates a Response delivering to sink (which may be nil).
func NewResponse(sink Sink, logger logging.Logger) *Response {
	return &Response{sink: sink, logger: logging.OrNop(logger)}
}

// Send finalizes the response with content.
func (r *Response) Send(content any) {
	if !r.finalize(content, nil) {
		return
	}
	if r.sink != nil {
		r.sink.OnSend(content)
	}
}

// Error finalizes the response with err.
func (r *Response) Error(err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	if !r.finalize(nil, err) {
		return
	}
	if r.sink != nil {
		r.sink.OnError(err)
	}
}

func (r *Response) finalize(content any, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		kind := "send"
		if err != nil {
			kind = "error"
		}
		r.logger.Debug("response_already_final", "ignored", kind)
		return false
	}
	r.done = true
	r.content = content
	r.err = err
	return true
}

// Done reports whether a terminal call has happened.
func (r *Response) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Content returns the sent content, if any.
func (r *Response) Content() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content
}

// Err returns the terminal error, if any.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Status returns sent, error or no_response.
func (r *Response) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.done:
		return StatusNoResponse
	case r.err != nil:
		return StatusError
	default:
		return StatusSent
	}
}
