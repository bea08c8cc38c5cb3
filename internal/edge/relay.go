package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cwedge/cwedge/internal/core"
)

// ErrUpstreamUnavailable reports that the upstream did not accept the
// connection within the relay's connect timeout. It surfaces before any bytes
// reach the client, so callers can still send a structured 502.
var ErrUpstreamUnavailable = errors.New("upstream_unavailable")

// UpstreamStatusError reports a non-2xx upstream response received before
// streaming began.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// ChunkSource is the single capability the relay requires of an upstream:
// produce the next chunk, or report the end of the stream with io.EOF. Both
// pull-based readers and push-based emitters adapt to it at the boundary.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
}

type readerSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource adapts a pull-based reader. The returned chunk is only
// valid until the following Next call.
func NewReaderSource(r io.Reader) ChunkSource {
	return &readerSource{r: r, buf: make([]byte, 32*1024)}
}

func (s *readerSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Cancellation of an in-flight Read is the transport's job: closing the
	// underlying body unblocks it.
	n, err := s.r.Read(s.buf)
	if n > 0 {
		return s.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}

// Event is one emission from a push-shaped upstream. A nil-Err event carries
// data; Err == io.EOF signals normal completion; any other Err aborts.
type Event struct {
	Data []byte
	Err  error
}

type emitterSource struct {
	events <-chan Event
}

// NewEmitterSource adapts a push-based emitter delivering data/end/error
// events on a channel. A closed channel counts as normal completion.
func NewEmitterSource(events <-chan Event) ChunkSource {
	return &emitterSource{events: events}
}

func (s *emitterSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		if ev.Err != nil {
			return nil, ev.Err
		}
		return ev.Data, nil
	}
}

// DefaultConnectTimeout bounds how long the relay waits for an upstream to
// accept the connection.
const DefaultConnectTimeout = time.Second

// Relay bridges a live upstream event stream to the client connection
// without buffering the response. Each exchange owns exactly one upstream
// and one client connection; cancellation from either side releases both.
// The relay never retries a failed connect; the browser owns reconnects.
type Relay struct {
	client         *http.Client
	connectTimeout time.Duration
}

// NewRelay builds a relay. The supplied client must not impose an overall
// request timeout; streams are long-lived by design.
func NewRelay(client *http.Client, connectTimeout time.Duration) *Relay {
	if client == nil {
		client = &http.Client{}
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Relay{client: client, connectTimeout: connectTimeout}
}

// Proxy opens the upstream webhook and streams its body to the client as an
// event stream. Query params in forward are appended to the upstream URL; the
// endpoint's configured headers are forwarded verbatim.
//
// Errors are returned only while nothing has been written to the client.
// Once streaming has begun the status line is immutable, so any failure
// simply terminates the connection and Proxy returns nil.
func (rl *Relay) Proxy(w http.ResponseWriter, r *http.Request, endpoint core.UpstreamEndpoint, forward url.Values) error {
	target, err := url.Parse(endpoint.WebhookURL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	query := target.Query()
	for key, values := range forward {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	target.RawQuery = query.Encode()

	// One cancel signal covers the whole exchange: the connect timer, a
	// client disconnect, and stream teardown all funnel into it.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	for key, value := range endpoint.Headers {
		upReq.Header.Set(key, value)
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		upReq.Header.Set("User-Agent", ua)
	} else {
		upReq.Header.Set("User-Agent", "cwedge/relay")
	}

	connectTimer := time.AfterFunc(rl.connectTimeout, cancel)
	resp, err := rl.client.Do(upReq)
	connectTimer.Stop()
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away during connect; nothing left to report.
			return nil
		}
		return ErrUpstreamUnavailable
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return &UpstreamStatusError{Status: resp.StatusCode}
	}

	writeStreamHeaders(w)
	rl.stream(ctx, cancel, w, NewReaderSource(resp.Body), resp.Body)
	return nil
}

// Stream relays an already-connected chunk source to the client. It is the
// entry point for push-shaped upstreams that do not arrive over HTTP.
func (rl *Relay) Stream(ctx context.Context, w http.ResponseWriter, src ChunkSource) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	writeStreamHeaders(w)
	rl.stream(ctx, cancel, w, src, nil)
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// stream forwards chunks verbatim until either side closes. Teardown is
// idempotent: the first close wins, later ones are no-ops.
func (rl *Relay) stream(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, src ChunkSource, upstream io.Closer) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			cancel()
			if upstream != nil {
				_ = upstream.Close()
			}
		})
	}
	defer closeBoth()

	flusher, canFlush := w.(http.Flusher)

	for {
		chunk, err := src.Next(ctx)
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				// Client disconnected mid-stream; release the upstream
				// immediately so it sees the cancellation.
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			// io.EOF is normal upstream completion; anything else ends the
			// exchange the same way since the status line is already sent.
			return
		}
	}
}
