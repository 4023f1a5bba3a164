package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve plain calls and Batch scopes.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLite is the concrete transactional store backing the sync core.
type SQLite struct {
	db *sql.DB
	q  queryer
}

// Open creates a SQLite-backed store with WAL mode and recommended pragmas.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &SQLite{db: db, q: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) inTx() bool {
	_, plain := s.q.(*sql.DB)
	return !plain
}

// Batch runs fn inside a single transaction with read-your-writes.
func (s *SQLite) Batch(fn func(Store) error) error {
	if s.inTx() {
		return fn(s)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&SQLite{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

const msgCols = `rowid, global_id, local_id, chat_id, direction, status, kind,
	text, media_ref, media_mime, author_id, ts_ms, frozen, order_tie,
	past_edge, future_edge`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.rowID, &m.GlobalID, &m.LocalID, &m.ChatID, &m.Direction,
		&m.Status, &m.Kind, &m.Text, &m.MediaRef, &m.MediaMime, &m.AuthorID,
		&m.TsMs, &m.Frozen, &m.OrderTie, &m.PastEdge, &m.FutureEdge)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ByGlobalID returns the row with the given global id, or nil.
func (s *SQLite) ByGlobalID(chat string, id int64) (*Message, error) {
	if id <= 0 {
		return nil, nil
	}
	return scanMessage(s.q.QueryRow(
		`SELECT `+msgCols+` FROM messages WHERE chat_id = ? AND global_id = ?`, chat, id))
}

// ByLocalID returns the row with the given local id, or nil.
func (s *SQLite) ByLocalID(chat, localID string) (*Message, error) {
	if localID == "" {
		return nil, nil
	}
	return scanMessage(s.q.QueryRow(
		`SELECT `+msgCols+` FROM messages WHERE chat_id = ? AND local_id = ?`, chat, localID))
}

// anchorOrder sorts by date plus the sub-second disambiguator, then the
// sibling tie-break. Matches Message.AnchorMicros.
const anchorOrder = `(ts_ms*1000 + global_id%1000), order_tie, rowid`

// Range returns rows dated strictly after afterMs in anchor order.
func (s *SQLite) Range(chat string, afterMs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.msgQuery(
		`SELECT `+msgCols+` FROM messages WHERE chat_id = ? AND ts_ms > ?
		 ORDER BY `+anchorOrder+` LIMIT ?`, chat, afterMs, limit)
}

// Pending returns outgoing rows that have not been dispatched yet, in
// anchor order. No limit clause: releases must reach every held send.
func (s *SQLite) Pending(chat string) ([]Message, error) {
	return s.msgQuery(
		`SELECT `+msgCols+` FROM messages WHERE chat_id = ? AND direction = ?
		 AND status IN (?, ?) ORDER BY `+anchorOrder,
		chat, DirOutgoing, StatusQueued, StatusNone)
}

func (s *SQLite) msgQuery(query string, args ...any) ([]Message, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Tail returns the most recent row by anchor order, or nil.
func (s *SQLite) Tail(chat string) (*Message, error) {
	return scanMessage(s.q.QueryRow(
		`SELECT `+msgCols+` FROM messages WHERE chat_id = ?
		 ORDER BY (ts_ms*1000 + global_id%1000) DESC, order_tie DESC, rowid DESC LIMIT 1`, chat))
}

// KnownIDs returns all global ids present for the chat, ascending.
func (s *SQLite) KnownIDs(chat string) ([]int64, error) {
	return s.idQuery(
		`SELECT global_id FROM messages WHERE chat_id = ? AND global_id > 0 ORDER BY global_id`, chat)
}

// IDRange returns the known global ids in [first, last], ascending.
func (s *SQLite) IDRange(chat string, first, last int64) ([]int64, error) {
	return s.idQuery(
		`SELECT global_id FROM messages WHERE chat_id = ? AND global_id BETWEEN ? AND ?
		 ORDER BY global_id`, chat, first, last)
}

func (s *SQLite) idQuery(query string, args ...any) ([]int64, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert finds or creates the row keyed by key, applies fn, and persists the
// result if any field changed. Enforces identity invariants: a set global id
// never changes, a clear attempt is ignored, and a promotion that collides
// with an existing row for the same global id merges instead of duplicating.
func (s *SQLite) Upsert(chat string, key Identity, fn func(*Message)) (bool, *Message, error) {
	if !key.Valid() {
		return false, nil, ErrInvalidChange
	}
	if !s.inTx() {
		var (
			changed bool
			msg     *Message
		)
		err := s.Batch(func(st Store) error {
			var err error
			changed, msg, err = st.Upsert(chat, key, fn)
			return err
		})
		return changed, msg, err
	}

	m, err := s.ByGlobalID(chat, key.GlobalID)
	if err != nil {
		return false, nil, err
	}
	if m == nil {
		if m, err = s.ByLocalID(chat, key.LocalID); err != nil {
			return false, nil, err
		}
	}
	existed := m != nil
	if !existed {
		m = &Message{ChatID: chat, GlobalID: key.GlobalID, LocalID: key.LocalID}
	}

	before := *m
	fn(m)
	m.ChatID = chat
	m.rowID = before.rowID

	if existed && before.GlobalID > 0 {
		if m.GlobalID == 0 {
			m.GlobalID = before.GlobalID
		} else if m.GlobalID != before.GlobalID {
			return false, nil, ErrIdentityConflict
		}
	}
	if existed && before.LocalID != "" && m.LocalID == "" {
		m.LocalID = before.LocalID
	}
	if !m.HasIdentity() {
		return false, nil, ErrInvalidChange
	}

	// Promotion may collide with a row replayed from history under the same
	// global id. Fold the duplicate into the promoted row.
	if m.GlobalID > 0 && before.GlobalID == 0 {
		dup, err := s.ByGlobalID(chat, m.GlobalID)
		if err != nil {
			return false, nil, err
		}
		if dup != nil && dup.rowID != m.rowID {
			if dup.Status.Rank() > m.Status.Rank() {
				m.Status = dup.Status
			}
			if _, err := s.q.Exec(`DELETE FROM messages WHERE rowid = ?`, dup.rowID); err != nil {
				return false, nil, err
			}
		}
	}

	if existed && *m == before {
		return false, m, nil
	}

	now := time.Now().UnixMilli()
	if existed {
		_, err = s.q.Exec(`UPDATE messages SET global_id=?, local_id=?, direction=?,
			status=?, kind=?, text=?, media_ref=?, media_mime=?, author_id=?, ts_ms=?,
			frozen=?, order_tie=?, past_edge=?, future_edge=?, updated_at=?
			WHERE rowid = ?`,
			m.GlobalID, m.LocalID, m.Direction, m.Status, m.Kind, m.Text,
			m.MediaRef, m.MediaMime, m.AuthorID, m.TsMs, m.Frozen, m.OrderTie,
			m.PastEdge, m.FutureEdge, now, m.rowID)
	} else {
		var res sql.Result
		res, err = s.q.Exec(`INSERT INTO messages (global_id, local_id, chat_id,
			direction, status, kind, text, media_ref, media_mime, author_id, ts_ms,
			frozen, order_tie, past_edge, future_edge, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.GlobalID, m.LocalID, m.ChatID, m.Direction, m.Status, m.Kind, m.Text,
			m.MediaRef, m.MediaMime, m.AuthorID, m.TsMs, m.Frozen, m.OrderTie,
			m.PastEdge, m.FutureEdge, now, now)
		if err == nil {
			m.rowID, err = res.LastInsertId()
		}
	}
	if err != nil {
		return false, nil, fmt.Errorf("upsert message: %w", err)
	}
	return true, m, nil
}

// Delete removes the rows keyed by keys. Missing rows are ignored.
func (s *SQLite) Delete(chat string, keys []Identity) error {
	return s.Batch(func(st Store) error {
		inner := st.(*SQLite)
		for _, key := range keys {
			if key.GlobalID > 0 {
				if _, err := inner.q.Exec(
					`DELETE FROM messages WHERE chat_id = ? AND global_id = ?`, chat, key.GlobalID); err != nil {
					return err
				}
				continue
			}
			if key.LocalID == "" {
				continue
			}
			if _, err := inner.q.Exec(
				`DELETE FROM messages WHERE chat_id = ? AND local_id = ?`, chat, key.LocalID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeenThrough upgrades non-seen outgoing rows up to and including id.
func (s *SQLite) SeenThrough(chat string, id int64) ([]int64, error) {
	var changed []int64
	err := s.Batch(func(st Store) error {
		inner := st.(*SQLite)
		ids, err := inner.idQuery(
			`SELECT global_id FROM messages WHERE chat_id = ? AND direction = ?
			 AND global_id > 0 AND global_id <= ? AND status <> ? ORDER BY global_id`,
			chat, DirOutgoing, id, StatusSeen)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		now := time.Now().UnixMilli()
		if _, err := inner.q.Exec(
			`UPDATE messages SET status = ?, updated_at = ? WHERE chat_id = ? AND direction = ?
			 AND global_id > 0 AND global_id <= ? AND status <> ?`,
			StatusSeen, now, chat, DirOutgoing, id, StatusSeen); err != nil {
			return err
		}
		changed = ids
		return nil
	})
	return changed, err
}

func (s *SQLite) watermark(col, chat string) (int64, error) {
	var id int64
	err := s.q.QueryRow(
		`SELECT `+col+` FROM watermarks WHERE chat_id = ?`, chat).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (s *SQLite) advanceWatermark(col, chat string, id int64) error {
	now := time.Now().UnixMilli()
	_, err := s.q.Exec(`
		INSERT INTO watermarks (chat_id, `+col+`, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			`+col+` = MAX(watermarks.`+col+`, excluded.`+col+`),
			updated_at = excluded.updated_at`,
		chat, id, now)
	return err
}

// PeerSeen returns the peer-seen watermark for the chat.
func (s *SQLite) PeerSeen(chat string) (int64, error) {
	return s.watermark("peer_seen_id", chat)
}

// SetPeerSeen advances the peer-seen watermark; lower values are ignored.
func (s *SQLite) SetPeerSeen(chat string, id int64) error {
	return s.advanceWatermark("peer_seen_id", chat, id)
}

// LocalRead returns the local read watermark for the chat.
func (s *SQLite) LocalRead(chat string) (int64, error) {
	return s.watermark("local_read_id", chat)
}

// SetLocalRead advances the local read watermark; lower values are ignored.
func (s *SQLite) SetLocalRead(chat string, id int64) error {
	return s.advanceWatermark("local_read_id", chat, id)
}

// UnreadCount counts incoming rows above the local read watermark.
func (s *SQLite) UnreadCount(chat string) (int, error) {
	var n int
	err := s.q.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND direction = ? AND global_id >
			COALESCE((SELECT local_read_id FROM watermarks WHERE chat_id = ?), 0)`,
		chat, DirIncoming, chat).Scan(&n)
	return n, err
}
