package bus

import "time"

// Event kinds broadcast by the sync core. Subscribers filter by namespace
// prefix, e.g. "message." catches every transcript mutation.
const (
	KindMessageUpserted  = "message.upserted"
	KindMessageRemoved   = "message.removed"
	KindSendFailed       = "message.send_failed"
	KindHistoryLoaded    = "history.loaded"
	KindHistoryExhausted = "history.exhausted"
	KindUnreadChanged    = "chat.unread_changed"
	KindAgentUpdated     = "agent.updated"
	KindMediaFailed      = "media.upload_failed"
	KindSessionState     = "session.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a transcript row in message.* payloads. Either
// GlobalID or LocalID is set, matching the row's current identity.
type MessageRef struct {
	ChatID   string
	GlobalID int64
	LocalID  string
}

// UnreadChange is the payload for chat.unread_changed.
type UnreadChange struct {
	ChatID string
	Count  int
}

// HistoryLoad is the payload for history.loaded.
type HistoryLoad struct {
	ChatID   string
	Count    int
	Boundary int64 // new history-past boundary id, 0 if none
}

// SendFailure is the payload for message.send_failed.
type SendFailure struct {
	ChatID  string
	LocalID string
	Reason  string
}

// MediaFailure is the payload for media.upload_failed.
type MediaFailure struct {
	ChatID  string
	LocalID string
	Kind    string // closed taxonomy, see outgoing.FailureKind
}

// AgentChange is the payload for agent.updated.
type AgentChange struct {
	AgentID string
	Field   string
	Value   string
}
