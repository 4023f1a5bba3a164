package store

// Direction of a transcript row relative to the local client.
type Direction string

const (
	DirIncoming Direction = "in"
	DirOutgoing Direction = "out"
	DirSystem   Direction = "system"
)

// Kind is the content variant of a message.
type Kind string

const (
	KindText        Kind = "text"
	KindMedia       Kind = "media"
	KindSystem      Kind = "system"
	KindContactForm Kind = "contact_form"
	KindRateForm    Kind = "rate_form"
)

// Status of a message. The zero value means "composed, not yet dispatched".
type Status string

const (
	StatusNone      Status = ""
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusHistoric  Status = "historic"
	StatusFailed    Status = "failed"
)

// Rank orders statuses along the delivery progression so upgrades can be
// distinguished from downgrades. Queued/failed sit outside the progression.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered, StatusHistoric:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

// Identity is the lookup key for a transcript row: a server-assigned global
// id, a client-generated local id, or during promotion both.
type Identity struct {
	GlobalID int64
	LocalID  string
}

// Valid reports whether the key can address a row at all.
func (id Identity) Valid() bool {
	return id.GlobalID > 0 || id.LocalID != ""
}

// Message is one transcript row. A row acquires identity once GlobalID > 0
// or LocalID is non-empty; GlobalID, once set, never changes or clears.
type Message struct {
	GlobalID   int64
	LocalID    string
	ChatID     string
	Direction  Direction
	Status     Status
	Kind       Kind
	Text       string
	MediaRef   string
	MediaMime  string
	AuthorID   string
	TsMs       int64 // wall-clock date, milliseconds
	Frozen     bool  // frozen timing: date fixed at creation
	OrderTie   int   // 0 primary, 1 attached note, 2 attached form
	PastEdge   bool  // current oldest-known history boundary
	FutureEdge bool  // top of an older span with a newer gap above it

	rowID int64 // sqlite rowid, zero until persisted
}

// Identity returns the row's current lookup key.
func (m *Message) Identity() Identity {
	return Identity{GlobalID: m.GlobalID, LocalID: m.LocalID}
}

// HasIdentity reports whether the row is addressable.
func (m *Message) HasIdentity() bool {
	return m.Identity().Valid()
}

// AnchorMicros is the ordering anchor: the date plus a sub-second
// disambiguator derived from the global id, so same-timestamp siblings
// sort deterministically before the order tie applies.
func (m *Message) AnchorMicros() int64 {
	return m.TsMs*1000 + m.GlobalID%1000
}
