package ws

import (
	"github.com/streamrelay/backend/internal/session"
	"github.com/streamrelay/backend/internal/stats"
)

// CreateRelayResponse is returned by GET /create-relay.
type CreateRelayResponse struct {
	SessionID   string `json:"sessionId"`
	RelayURL    string `json:"relayUrl"`
	HTTPURL     string `json:"httpUrl"`
	ClientCount int    `json:"clientCount"`
}

// StreamInfoResponse is returned by GET /stream/{sessionId}.
type StreamInfoResponse struct {
	SessionID     string `json:"sessionId"`
	SourceURL     string `json:"sourceUrl"`
	ClientCount   int    `json:"clientCount"`
	IsActive      bool   `json:"isActive"`
	HTTPStreamURL string `json:"httpStreamUrl"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ActiveSessions []session.Summary `json:"activeSessions"`
	TotalSessions  int               `json:"totalSessions"`
	System         *stats.Snapshot   `json:"system,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
