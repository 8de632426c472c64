package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamrelay/backend/internal/metrics"
	"github.com/streamrelay/backend/internal/session"
)

// ExitCause says why an engine's read loop finished.
type ExitCause int

const (
	// CauseOpenFailed means the upstream connection never opened: dial
	// error, header timeout or a non-2xx status.
	CauseOpenFailed ExitCause = iota
	// CauseEndOfStream is a clean upstream EOF.
	CauseEndOfStream
	// CauseReadError covers mid-stream failures, including the idle
	// timeout firing on a stalled upstream.
	CauseReadError
	// CauseStopRequested means RequestStop was observed.
	CauseStopRequested
	// CauseNoSubscribers means the loop found an empty subscriber set.
	CauseNoSubscribers
)

func (c ExitCause) String() string {
	switch c {
	case CauseOpenFailed:
		return "open_failed"
	case CauseEndOfStream:
		return "end_of_stream"
	case CauseReadError:
		return "read_error"
	case CauseStopRequested:
		return "stop_requested"
	case CauseNoSubscribers:
		return "no_subscribers"
	default:
		return "unknown"
	}
}

// Engine owns the single upstream read loop for one Active session. Each
// chunk read is broadcast to the session's subscribers in order; the loop
// re-checks its exit conditions after every broadcast.
type Engine struct {
	sess        *session.Session
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	bufSize     int
	idleTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	once    sync.Once
	exit    func(cause ExitCause, err error)
}

func newEngine(sess *session.Session, client *http.Client, bufSize int, idleTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics, exit func(ExitCause, error)) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sess:        sess,
		client:      client,
		logger:      logger,
		metrics:     m,
		bufSize:     bufSize,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		exit:        exit,
	}
}

// RequestStop asks the loop to terminate. Cancelling the request context
// also unblocks an in-flight upstream read, so the signal is observed
// within one iteration.
func (e *Engine) RequestStop() {
	e.stopped.Store(true)
	e.cancel()
}

// run executes the relay until the upstream ends, a stop is requested or
// the subscriber set empties. The teardown callback fires exactly once no
// matter how the loop exits.
func (e *Engine) run() {
	cause, err := e.relay()
	e.once.Do(func() {
		e.cancel()
		e.exit(cause, err)
	})
}

func (e *Engine) relay() (ExitCause, error) {
	req, err := http.NewRequestWithContext(e.ctx, http.MethodGet, e.sess.SourceURL(), nil)
	if err != nil {
		return CauseOpenFailed, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return CauseOpenFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return CauseOpenFailed, fmt.Errorf("upstream returned %s", resp.Status)
	}

	e.logger.Info("upstream connected",
		slog.String("session_id", e.sess.ID),
		slog.String("source_url", e.sess.SourceURL()),
	)

	// The idle timer cancels the request context, turning a stalled
	// upstream read into a read error.
	var idle *time.Timer
	if e.idleTimeout > 0 {
		idle = time.AfterFunc(e.idleTimeout, e.cancel)
		defer idle.Stop()
	}

	buf := make([]byte, e.bufSize)
	for {
		if e.stopped.Load() {
			return CauseStopRequested, nil
		}

		if idle != nil {
			idle.Reset(e.idleTimeout)
		}
		n, err := resp.Body.Read(buf)
		if idle != nil {
			idle.Stop()
		}

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			_, dropped := e.sess.Broadcast(chunk)
			e.metrics.ChunksRelayed.Inc()
			e.metrics.BytesRelayed.Add(float64(n))
			if dropped > 0 {
				e.metrics.SinksDropped.Add(float64(dropped))
				e.logger.Warn("dropped slow subscribers",
					slog.String("session_id", e.sess.ID),
					slog.Int("count", dropped),
				)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return CauseEndOfStream, nil
			}
			if e.stopped.Load() {
				return CauseStopRequested, nil
			}
			return CauseReadError, err
		}
		if e.stopped.Load() {
			return CauseStopRequested, nil
		}
		if e.sess.SubscriberCount() == 0 {
			return CauseNoSubscribers, nil
		}
	}
}
