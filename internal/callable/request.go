package callable

import (
	"sync"
	"time"

	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/respond"
	"github.com/austindbirch/fngate/internal/wire"
)

// Request is the single argument of a unified handler
type Request struct {
	*Context
	Data any

	function  string
	streaming bool
	w         *respond.Writer

	mu       sync.Mutex
	finished bool

	closeMu   sync.Mutex
	closed    bool
	closeFns  []func()
	closeOnce sync.Once
}

func newRequest(function string, data any, cc *Context, streaming bool, w *respond.Writer) *Request {
	return &Request{
		Context:   cc,
		Data:      data,
		function:  function,
		streaming: streaming,
		w:         w,
	}
}

// AcceptsStreaming reports whether SendChunk can reach the client
func (r *Request) AcceptsStreaming() bool {
	return r.streaming
}

// SendChunk encodes v and writes it as a stream frame. It returns false when the
// client does not stream, has gone away or the response already ended.
func (r *Request) SendChunk(v any) bool {
	if !r.streaming {
		return false
	}
	encoded, err := wire.Encode(v)
	if err != nil {
		logging.WithContext(r.RawRequest.Context()).WithError(err).Warn("dropping chunk that cannot be encoded")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	delivered := r.w.Event(map[string]any{"message": encoded}) == nil
	metrics.RecordStreamChunk(r.function, delivered)
	return delivered
}

// OnClose registers fn to run once when the client disconnects or the call
// completes, whichever comes first. A hook registered after that runs immediately.
func (r *Request) OnClose(fn func()) {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		fn()
		return
	}
	r.closeFns = append(r.closeFns, fn)
	r.closeMu.Unlock()
}

func (r *Request) close() {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		fns := r.closeFns
		r.closeFns = nil
		r.closeMu.Unlock()

		for _, fn := range fns {
			fn()
		}
	})
}

// finish writes the final frame, after which no chunk is accepted
func (r *Request) finish(final any) bool {
	r.mu.Lock()
	r.finished = true
	err := r.w.Event(final)
	r.mu.Unlock()

	r.close()
	return err == nil
}

// watch sends heartbeats and runs close hooks when the client goes away.
// The returned func stops both and waits for them.
func (r *Request) watch(heartbeat time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var tick <-chan time.Time
		if heartbeat > 0 {
			t := time.NewTicker(heartbeat)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-done:
				return
			case <-r.w.Done():
				r.close()
				return
			case <-tick:
				r.ping()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *Request) ping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	_ = r.w.Comment("ping")
}
