package relay

import (
	"log/slog"
	"net/http"

	"github.com/streamrelay/backend/internal/config"
	"github.com/streamrelay/backend/internal/metrics"
	"github.com/streamrelay/backend/internal/session"
)

// Coordinator drives the session state machine: it starts the relay on the
// first subscriber, stops it when the last one leaves or the upstream ends,
// and schedules delayed eviction with resurrection on re-join. Sessions are
// independent; there is no cross-session locking.
type Coordinator struct {
	registry *session.Registry
	cfg      config.RelayConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	client   *http.Client
}

func NewCoordinator(registry *session.Registry, cfg config.RelayConfig, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.ConnectTimeout,
			},
		},
	}
}

func (c *Coordinator) Registry() *session.Registry {
	return c.registry
}

// CreateSession resolves or creates the session for id (generated when
// empty). Re-creating a Draining session resurrects it with the new URL;
// an Idle or Active session rejects a conflicting URL.
func (c *Coordinator) CreateSession(id, sourceURL string) (*session.Session, error) {
	if id == "" {
		generated, err := session.GenerateID()
		if err != nil {
			return nil, err
		}
		id = generated
	}

	sess, created, err := c.registry.GetOrCreate(id, sourceURL)
	if err != nil {
		return nil, err
	}
	if created {
		c.metrics.SessionsCreated.Inc()
		c.metrics.ActiveSessions.Inc()
		c.logger.Info("session created",
			slog.String("session_id", sess.ID),
			slog.String("source_url", sourceURL),
		)
	}
	return sess, nil
}

// Join attaches a sink to an existing session, resurrecting it from
// Draining if needed. The first subscriber of an Idle session triggers
// exactly one relay start.
func (c *Coordinator) Join(id string, sink session.Sink) (*session.Session, error) {
	sess, ok := c.registry.Get(id)
	if !ok {
		return nil, session.ErrNotFound
	}

	count, start, err := sess.AddSink(sink, c.cfg.MaxClientsPerSession)
	if err != nil {
		return nil, err
	}

	c.metrics.Subscribers.Inc()
	c.logger.Info("subscriber joined",
		slog.String("session_id", sess.ID),
		slog.Int("client_count", count),
	)

	if start {
		c.startEngine(sess)
	}
	return sess, nil
}

// Leave detaches a sink. The last subscriber leaving begins the drain: a
// running engine is asked to stop and the eviction timer is armed.
func (c *Coordinator) Leave(sess *session.Session, sink session.Sink) {
	count := sess.RemoveSink(sink)
	c.metrics.Subscribers.Dec()
	c.logger.Info("subscriber left",
		slog.String("session_id", sess.ID),
		slog.Int("client_count", count),
	)

	// An Idle session (after a failed upstream open) has no relay to stop
	// but must still be drained, or it would sit in the registry forever.
	if count == 0 && sess.State() != session.Draining {
		sess.BeginDrain(c.cfg.EvictionDelay, c.evict(sess))
	}
}

// Shutdown stops every running relay and closes all subscriber
// connections. Called once at server teardown.
func (c *Coordinator) Shutdown() {
	for _, sess := range c.registry.All() {
		if h := sess.Relay(); h != nil {
			// Detach so the engine's late teardown cannot arm a drain
			// timer for a session that is already gone.
			h.RequestStop()
			sess.DetachRelay(h)
		}
		sess.CloseAll(1000, "server shutting down")
		c.registry.Remove(sess.ID)
		c.metrics.ActiveSessions.Dec()
	}
}

func (c *Coordinator) startEngine(sess *session.Session) {
	var eng *Engine
	eng = newEngine(sess, c.client, c.cfg.ReadBufferSize, c.cfg.IdleTimeout, c.logger, c.metrics, func(cause ExitCause, err error) {
		c.engineExited(eng, sess, cause, err)
	})
	sess.AttachRelay(eng)
	c.metrics.RelayStarts.Inc()
	go eng.run()
}

// engineExited is the single teardown path for a relay, regardless of why
// the loop finished. Every step checks that eng is still the session's
// current relay: a rejoin during teardown may already have attached a
// successor, and a stale engine must not touch the successor's subscribers.
func (c *Coordinator) engineExited(eng *Engine, sess *session.Session, cause ExitCause, err error) {
	if cause == CauseOpenFailed {
		// The session stays joinable; the next join re-attempts the
		// start. Connected subscribers keep their sockets, the stream
		// just does not flow.
		c.metrics.UpstreamErrors.Inc()
		c.logger.Warn("upstream open failed",
			slog.String("session_id", sess.ID),
			slog.String("source_url", sess.SourceURL()),
			slog.String("error", err.Error()),
		)
		if !sess.DetachRelay(eng) {
			return
		}
		sess.ResetToIdle()
		if sess.SubscriberCount() == 0 {
			sess.BeginDrain(c.cfg.EvictionDelay, c.evict(sess))
		}
		return
	}

	if cause == CauseReadError {
		c.metrics.UpstreamErrors.Inc()
		c.logger.Warn("upstream read failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	} else {
		c.logger.Info("relay stopped",
			slog.String("session_id", sess.ID),
			slog.String("cause", cause.String()),
		)
	}

	orphans, finished := sess.FinishRelay(eng, c.cfg.EvictionDelay, c.evict(sess))
	if !finished {
		return
	}
	// From the subscriber's point of view the relay simply ended.
	for _, sink := range orphans {
		sink.Close(1000, "stream ended")
	}
}

func (c *Coordinator) evict(sess *session.Session) func() {
	return func() {
		c.registry.Remove(sess.ID)
		c.metrics.SessionsEvicted.Inc()
		c.metrics.ActiveSessions.Dec()
		c.logger.Info("session evicted",
			slog.String("session_id", sess.ID),
		)
	}
}
