package subscription

import (
	"encoding/json"
	"strings"
	"time"
)

// Message types exchanged on the channel.
const (
	TypeSubscribe        = "subscribe"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeHeartbeat        = "heartbeat"
	TypeAck              = "ack"
	TypeConnected        = "connected"
	TypeExecutionCreated = "execution_created"
	TypeExecutionUpdated = "execution_updated"
	TypeTriggerActivated = "trigger_activated"
	TypeProjectCreated   = "project_created"
	TypeError            = "error"
)

// Close codes that mean the session is not authorised. The channel never
// reconnects after one of these.
const (
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
)

// frame is the flat JSON shape of every message in both directions.
type frame struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"sessionId,omitempty"`
	AuthToken    string          `json:"authToken,omitempty"`
	ExecutionID  string          `json:"executionId,omitempty"`
	TriggerID    string          `json:"triggerId,omitempty"`
	TriggerName  string          `json:"triggerName,omitempty"`
	TriggerType  string          `json:"triggerType,omitempty"`
	TaskPrompt   string          `json:"taskPrompt,omitempty"`
	ProjectID    string          `json:"projectId,omitempty"`
	InputPayload json.RawMessage `json:"inputPayload,omitempty"`
	Status       string          `json:"status,omitempty"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

// ExecutionCreated is a new trigger execution announced by the backend.
type ExecutionCreated struct {
	ExecutionID  string
	TriggerID    string
	TriggerName  string
	TriggerType  string
	TaskPrompt   string
	ProjectID    string
	InputPayload json.RawMessage
	Timestamp    time.Time
}

// ExecutionUpdated is a status change of a known execution.
type ExecutionUpdated struct {
	ExecutionID string
	Status      string
	Error       string
}

var authPhrases = []string{
	"unauthorized",
	"unauthorised",
	"authentication",
	"auth failed",
	"invalid token",
	"token expired",
	"expired token",
	"forbidden",
}

// isAuthText reports whether a close reason or error message describes an
// authentication failure.
func isAuthText(s string) bool {
	s = strings.ToLower(s)
	for _, p := range authPhrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isAuthClose reports whether a close must not be followed by a reconnect.
func isAuthClose(code int, reason string) bool {
	return code == ClosePolicyViolation || code == CloseUnauthorized || isAuthText(reason)
}
