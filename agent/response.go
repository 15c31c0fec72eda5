package agent

import (
	"strings"
	"sync"
)

// Response is a handle to a synthesized answer. For streaming turns the
// producer feeds chunks while the caller drains Chunks; the full text is
// committed to conversation memory only after the stream is fully drained,
// not when it starts.
type Response struct {
	ch   chan string
	done chan struct{}

	mu   sync.Mutex
	full strings.Builder
	err  error
}

func newResponse() *Response {
	return &Response{
		ch:   make(chan string),
		done: make(chan struct{}),
	}
}

// newCompleteResponse wraps an already-final answer.
func newCompleteResponse(text string) *Response {
	r := newResponse()
	r.full.WriteString(text)
	close(r.ch)
	close(r.done)
	return r
}

// Chunks returns the stream of text increments. The channel closes when the
// answer is complete or the stream failed (see Err).
func (r *Response) Chunks() <-chan string { return r.ch }

// FullText drains any unread chunks and returns the complete answer.
func (r *Response) FullText() string {
	for range r.ch {
	}
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full.String()
}

// Err reports a stream failure, if any. Only meaningful after the chunk
// channel has closed.
func (r *Response) Err() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// emit appends a chunk and forwards it to the consumer.
func (r *Response) emit(chunk string) {
	r.mu.Lock()
	r.full.WriteString(chunk)
	r.mu.Unlock()
	r.ch <- chunk
}

// finish closes the stream; err records a mid-stream failure.
func (r *Response) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.ch)
	close(r.done)
}
