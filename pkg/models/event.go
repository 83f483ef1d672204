package models

import "time"

// EventType names a lifecycle or error notification
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventError             EventType = "error"
	EventReconnecting      EventType = "reconnecting"
	EventConnectionSuccess EventType = "connection_success"
	EventConnectionFailed  EventType = "connection_failed"
	EventDisconnected      EventType = "disconnected"
)

// Event is delivered to observers of a session
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"sessionId"`
	Handle    uint64        `json:"handle,omitempty"`
	RequestID int64         `json:"requestId,omitempty"`
	Old       *SessionState `json:"old,omitempty"`
	New       *SessionState `json:"new,omitempty"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Cause     Cause         `json:"cause,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Time      time.Time     `json:"time"`
}

// SessionStats is a point-in-time view of a session's counters
type SessionStats struct {
	State          SessionState      `json:"state"`
	FramesEncoded  uint64            `json:"framesEncoded"`
	FramesSent     uint64            `json:"framesSent"`
	BytesSent      uint64            `json:"bytesSent"`
	QueueDepth     int               `json:"queueDepth"`
	Dropped        map[string]uint64 `json:"dropped,omitempty"`
	Reconnects     int               `json:"reconnects"`
	Zoom           float64           `json:"zoom"`
	Bitrate        int               `json:"bitrate"`
	LastTimestamp  uint32            `json:"lastTimestamp"`
	StreamingSince time.Time         `json:"streamingSince,omitempty"`
}
