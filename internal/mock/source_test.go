package mock

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandlerEmitsSizedChunks(t *testing.T) {
	src := NewSource(5*time.Millisecond, 256, testLogger())
	srv := httptest.NewServer(src.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	buf := make([]byte, 3*256)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := 0; i < 3; i++ {
		chunk := buf[i*256 : (i+1)*256]
		if !bytes.HasPrefix(chunk, []byte("chunk ")) {
			t.Errorf("chunk %d missing header: %q", i, chunk[:16])
		}
		if chunk[255] != 0xAB {
			t.Errorf("chunk %d missing filler byte", i)
		}
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	src := NewSource(5*time.Millisecond, 64, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	url, err := src.Serve(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	one := make([]byte, 64)
	if _, err := io.ReadFull(resp.Body, one); err != nil {
		t.Fatalf("read: %v", err)
	}
	resp.Body.Close()

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get(url); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("source still serving after cancel")
}
