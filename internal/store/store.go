package store

import "errors"

var (
	// ErrInvalidChange is returned for a change that addresses no identity
	// (empty local id and zero global id). Fails fast, mutates nothing.
	ErrInvalidChange = errors.New("store: change carries no identity")

	// ErrIdentityConflict is returned when an update would alter an already
	// assigned global id. Promotion is monotonic: 0 -> n once, never n -> m.
	ErrIdentityConflict = errors.New("store: global id is permanent")
)

// Store is the transactional persistence collaborator consumed by the sync
// core. Implementations guarantee read-your-writes within a single Batch
// scope and never hold two rows for one identity.
type Store interface {
	// ByGlobalID returns the row with the given global id, or nil.
	ByGlobalID(chat string, id int64) (*Message, error)
	// ByLocalID returns the row with the given local id, or nil.
	ByLocalID(chat, localID string) (*Message, error)
	// Range returns up to limit rows dated strictly after afterMs, in anchor
	// order. afterMs <= 0 means from the beginning.
	Range(chat string, afterMs int64, limit int) ([]Message, error)
	// Pending returns every outgoing row still awaiting dispatch (queued
	// behind a gate or composed but not sent), in anchor order. Unbounded:
	// a gate release must reach all held sends.
	Pending(chat string) ([]Message, error)
	// Tail returns the most recent row by anchor order, or nil.
	Tail(chat string) (*Message, error)
	// KnownIDs returns all global ids present for the chat, ascending.
	KnownIDs(chat string) ([]int64, error)
	// IDRange returns the known global ids in [first, last], ascending.
	IDRange(chat string, first, last int64) ([]int64, error)

	// Upsert finds or creates the row keyed by key, applies fn to a copy and
	// persists it if anything changed. Reports whether a field actually
	// changed, which deduplicates downstream broadcasts.
	Upsert(chat string, key Identity, fn func(*Message)) (changed bool, msg *Message, err error)
	// Delete removes the rows keyed by keys. Missing rows are ignored.
	Delete(chat string, keys []Identity) error

	// SeenThrough upgrades every non-seen outgoing row with global id <= id
	// to seen and returns the ids that changed. Seen is never downgraded.
	SeenThrough(chat string, id int64) ([]int64, error)
	// PeerSeen returns the persisted peer-seen watermark: the highest global
	// id the remote side is known to have read.
	PeerSeen(chat string) (int64, error)
	// SetPeerSeen advances the peer-seen watermark. Lower values are ignored.
	SetPeerSeen(chat string, id int64) error
	// LocalRead returns the local read watermark driving the unread count.
	LocalRead(chat string) (int64, error)
	// SetLocalRead advances the local read watermark. Lower values are ignored.
	SetLocalRead(chat string, id int64) error
	// UnreadCount counts incoming rows above the local read watermark.
	UnreadCount(chat string) (int, error)

	// Batch runs fn inside a single transaction. The Store passed to fn sees
	// its own writes; the transaction commits iff fn returns nil.
	Batch(fn func(Store) error) error
}
