package relay

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamrelay/backend/internal/metrics"
	"github.com/streamrelay/backend/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// testSink collects chunks; fail makes Send error.
type testSink struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	code   int
	fail   bool
}

func (s *testSink) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *testSink) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
}

func (s *testSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *testSink) chunk(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.chunks[i])
}

func (s *testSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *testSink) closeCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// upstream is a controllable chunked source: every value sent on feed is
// written and flushed as one chunk; closing feed ends the stream cleanly.
type upstream struct {
	srv  *httptest.Server
	feed chan []byte
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{feed: make(chan []byte)}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case chunk, ok := <-u.feed:
				if !ok {
					return
				}
				if _, err := w.Write(chunk); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				// Reader hung up; stop so server shutdown can proceed.
				return
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startEngineForTest(t *testing.T, sess *session.Session, idleTimeout time.Duration) chan ExitCause {
	t.Helper()
	exit := make(chan ExitCause, 1)
	eng := newEngine(sess, http.DefaultClient, 32*1024, idleTimeout, testLogger(), testMetrics(), func(cause ExitCause, err error) {
		exit <- cause
	})
	sess.AttachRelay(eng)
	go eng.run()
	return exit
}

func expectExit(t *testing.T, exit chan ExitCause, want ExitCause) {
	t.Helper()
	select {
	case cause := <-exit:
		if cause != want {
			t.Fatalf("exit cause = %v, want %v", cause, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never exited")
	}
}

func TestEngineFanOutInOrder(t *testing.T) {
	u := newUpstream(t)
	sess := session.New("s1", u.srv.URL)
	a, b, c := &testSink{}, &testSink{}, &testSink{}
	sess.AddSink(a, 0)
	sess.AddSink(b, 0)
	sess.AddSink(c, 0)

	exit := startEngineForTest(t, sess, time.Second)

	// Feed one chunk at a time and wait for delivery, so chunks cannot
	// coalesce in a single read.
	for i, payload := range []string{"c1", "c2", "c3"} {
		u.feed <- []byte(payload)
		want := i + 1
		waitFor(t, "chunk delivery", func() bool {
			return a.received() == want && b.received() == want && c.received() == want
		})
	}

	for _, sink := range []*testSink{a, b, c} {
		for i, payload := range []string{"c1", "c2", "c3"} {
			if sink.chunk(i) != payload {
				t.Errorf("chunk[%d] = %q, want %q", i, sink.chunk(i), payload)
			}
		}
	}

	close(u.feed)
	expectExit(t, exit, CauseEndOfStream)
}

func TestEngineLateLeaverGetsOnlyEarlyChunks(t *testing.T) {
	u := newUpstream(t)
	sess := session.New("s1", u.srv.URL)
	stayer, leaver := &testSink{}, &testSink{}
	sess.AddSink(stayer, 0)
	sess.AddSink(leaver, 0)

	exit := startEngineForTest(t, sess, time.Second)

	u.feed <- []byte("c1")
	waitFor(t, "first chunk", func() bool {
		return stayer.received() == 1 && leaver.received() == 1
	})

	sess.RemoveSink(leaver)

	u.feed <- []byte("c2")
	waitFor(t, "second chunk", func() bool { return stayer.received() == 2 })

	if leaver.received() != 1 {
		t.Errorf("departed sink received %d chunks, want 1", leaver.received())
	}

	close(u.feed)
	expectExit(t, exit, CauseEndOfStream)
}

func TestEngineStopsWhenSubscribersEmpty(t *testing.T) {
	u := newUpstream(t)
	sess := session.New("s1", u.srv.URL)
	sink := &testSink{}
	sess.AddSink(sink, 0)

	exit := startEngineForTest(t, sess, time.Second)

	u.feed <- []byte("c1")
	waitFor(t, "first chunk", func() bool { return sink.received() == 1 })

	sess.RemoveSink(sink)

	// The loop notices the empty set after at most one more read.
	u.feed <- []byte("c2")
	expectExit(t, exit, CauseNoSubscribers)
}

func TestEngineRequestStop(t *testing.T) {
	u := newUpstream(t)
	sess := session.New("s1", u.srv.URL)
	sink := &testSink{}
	sess.AddSink(sink, 0)

	exit := startEngineForTest(t, sess, time.Minute)

	u.feed <- []byte("c1")
	waitFor(t, "first chunk", func() bool { return sink.received() == 1 })

	// Stop while the engine is parked in a read; cancellation must
	// unblock it without another chunk arriving.
	sess.Relay().RequestStop()
	expectExit(t, exit, CauseStopRequested)
}

func TestEngineIsolatedSinkFailure(t *testing.T) {
	u := newUpstream(t)
	sess := session.New("s1", u.srv.URL)
	healthy := &testSink{}
	broken := &testSink{fail: true}
	sess.AddSink(healthy, 0)
	sess.AddSink(broken, 0)

	exit := startEngineForTest(t, sess, time.Second)

	u.feed <- []byte("c1")
	waitFor(t, "chunk despite broken sink", func() bool { return healthy.received() == 1 })

	waitFor(t, "broken sink eviction", func() bool { return sess.SubscriberCount() == 1 })

	u.feed <- []byte("c2")
	waitFor(t, "second chunk", func() bool { return healthy.received() == 2 })
	if broken.received() != 0 {
		t.Errorf("broken sink received %d chunks, want 0", broken.received())
	}

	close(u.feed)
	expectExit(t, exit, CauseEndOfStream)
}

func TestEngineOpenFailedOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such stream", http.StatusNotFound)
	}))
	defer srv.Close()

	sess := session.New("s1", srv.URL)
	sess.AddSink(&testSink{}, 0)

	exit := startEngineForTest(t, sess, time.Second)
	expectExit(t, exit, CauseOpenFailed)
}

func TestEngineOpenFailedOnConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sess := session.New("s1", url)
	sess.AddSink(&testSink{}, 0)

	exit := startEngineForTest(t, sess, time.Second)
	expectExit(t, exit, CauseOpenFailed)
}

func TestEngineIdleTimeoutIsReadError(t *testing.T) {
	u := newUpstream(t)
	sess := session.New("s1", u.srv.URL)
	sess.AddSink(&testSink{}, 0)

	// Upstream connects but never produces; the idle timer must turn the
	// stalled read into a read error.
	exit := startEngineForTest(t, sess, 30*time.Millisecond)
	expectExit(t, exit, CauseReadError)
	close(u.feed)
}
