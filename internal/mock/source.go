// Package mock provides a synthetic upstream source for local development:
// an HTTP endpoint that emits timestamped binary chunks at a fixed cadence,
// so the relay can be exercised without a real live stream.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type Source struct {
	interval  time.Duration
	chunkSize int
	logger    *slog.Logger
}

func NewSource(interval time.Duration, chunkSize int, logger *slog.Logger) *Source {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	return &Source{
		interval:  interval,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Handler streams chunks until the client goes away. Each chunk starts
// with an ASCII header carrying a sequence number and timestamp, padded
// with 0xAB filler bytes up to the configured chunk size.
func (s *Source) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		seq := 0
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := w.Write(s.chunk(seq)); err != nil {
					return
				}
				flusher.Flush()
				seq++
			}
		}
	})
}

func (s *Source) chunk(seq int) []byte {
	header := fmt.Sprintf("chunk %08d %d\n", seq, time.Now().UnixMilli())
	buf := make([]byte, s.chunkSize)
	copy(buf, header)
	for i := len(header); i < len(buf); i++ {
		buf[i] = 0xAB
	}
	return buf
}

// Serve runs the source on addr until ctx is cancelled. It returns the
// URL the source is reachable at.
func (s *Source) Serve(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mock source stopped", slog.String("error", err.Error()))
		}
	}()

	url := fmt.Sprintf("http://%s/stream", ln.Addr())
	s.logger.Info("mock source listening", slog.String("url", url))
	return url, nil
}
