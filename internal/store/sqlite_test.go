package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertRejectsEmptyIdentity(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Upsert("c1", Identity{}, func(m *Message) {})
	require.ErrorIs(t, err, ErrInvalidChange)

	ids, err := s.KnownIDs("c1")
	require.NoError(t, err)
	assert.Empty(t, ids, "failed change must not mutate the store")
}

func TestUpsertIdempotent(t *testing.T) {
	s := testStore(t)
	apply := func(m *Message) {
		m.Direction = DirIncoming
		m.Kind = KindText
		m.Text = "hello"
		m.Status = StatusHistoric
		m.TsMs = 1000
	}

	changed, msg, err := s.Upsert("c1", Identity{GlobalID: 10}, apply)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(10), msg.GlobalID)

	// Identical re-application is a no-op with no changed flag.
	changed, _, err = s.Upsert("c1", Identity{GlobalID: 10}, apply)
	require.NoError(t, err)
	assert.False(t, changed, "second identical upsert must not report a change")

	ids, err := s.KnownIDs("c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids, "no duplicate row for one identity")
}

func TestUpsertFindsByEitherKey(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Upsert("c1", Identity{LocalID: "l1"}, func(m *Message) {
		m.Direction = DirOutgoing
		m.Kind = KindText
		m.Text = "out"
		m.TsMs = 500
	})
	require.NoError(t, err)

	m, err := s.ByLocalID("c1", "l1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "out", m.Text)

	missing, err := s.ByGlobalID("c1", 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMonotonicPromotion(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Upsert("c1", Identity{LocalID: "l1"}, func(m *Message) {
		m.Direction = DirOutgoing
		m.Kind = KindText
		m.TsMs = 100
	})
	require.NoError(t, err)

	// Promote 0 -> 44.
	_, _, err = s.Upsert("c1", Identity{LocalID: "l1"}, func(m *Message) {
		m.GlobalID = 44
		m.Status = StatusDelivered
	})
	require.NoError(t, err)

	// Altering to a different global id is rejected.
	_, _, err = s.Upsert("c1", Identity{LocalID: "l1"}, func(m *Message) {
		m.GlobalID = 45
	})
	require.ErrorIs(t, err, ErrIdentityConflict)

	// Clearing is silently ignored.
	changed, m, err := s.Upsert("c1", Identity{LocalID: "l1"}, func(m *Message) {
		m.GlobalID = 0
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(44), m.GlobalID)
}

func TestPromotionMergesHistoryDuplicate(t *testing.T) {
	s := testStore(t)
	// History replay created a row for global id 7 before the ack arrived.
	_, _, err := s.Upsert("c1", Identity{GlobalID: 7}, func(m *Message) {
		m.Direction = DirOutgoing
		m.Kind = KindText
		m.Text = "dup"
		m.Status = StatusSeen
		m.TsMs = 900
	})
	require.NoError(t, err)

	_, _, err = s.Upsert("c1", Identity{LocalID: "l7"}, func(m *Message) {
		m.Direction = DirOutgoing
		m.Kind = KindText
		m.Text = "dup"
		m.Status = StatusSent
		m.TsMs = 900
	})
	require.NoError(t, err)

	// Promotion folds the replayed row into the local one.
	_, m, err := s.Upsert("c1", Identity{LocalID: "l7"}, func(m *Message) {
		m.GlobalID = 7
		m.Status = StatusDelivered
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.GlobalID)
	assert.Equal(t, StatusSeen, m.Status, "merge keeps the furthest delivery status")

	ids, err := s.KnownIDs("c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)

	got, err := s.ByLocalID("c1", "l7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.GlobalID)
}

func TestSeenThroughAndWatermarks(t *testing.T) {
	s := testStore(t)
	for i, id := range []int64{10, 11, 12} {
		_, _, err := s.Upsert("c1", Identity{GlobalID: id}, func(m *Message) {
			m.Direction = DirOutgoing
			m.Kind = KindText
			m.Status = StatusDelivered
			m.TsMs = int64(1000 + i)
		})
		require.NoError(t, err)
	}

	changed, err := s.SeenThrough("c1", 11)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, changed)

	require.NoError(t, s.SetPeerSeen("c1", 11))
	wm, err := s.PeerSeen("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), wm)

	// Watermarks never regress.
	require.NoError(t, s.SetPeerSeen("c1", 5))
	wm, err = s.PeerSeen("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), wm)

	// Already-seen rows do not show up as changed again.
	changed, err = s.SeenThrough("c1", 12)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, changed)
}

func TestUnreadCountAgainstLocalRead(t *testing.T) {
	s := testStore(t)
	for i, id := range []int64{20, 21, 22} {
		_, _, err := s.Upsert("c1", Identity{GlobalID: id}, func(m *Message) {
			m.Direction = DirIncoming
			m.Kind = KindText
			m.Status = StatusHistoric
			m.TsMs = int64(2000 + i)
		})
		require.NoError(t, err)
	}

	n, err := s.UnreadCount("c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.SetLocalRead("c1", 21))
	n, err = s.UnreadCount("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The peer-seen watermark is independent of the read watermark.
	wm, err := s.PeerSeen("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm)
}

func TestRangeAnchorOrder(t *testing.T) {
	s := testStore(t)
	// Same date: sub-second disambiguator from the global id, then order tie.
	rows := []struct {
		id  int64
		loc string
		tie int
		ts  int64
	}{
		{id: 200, ts: 1000},
		{id: 100, ts: 1000},
		{loc: "note", tie: 1, ts: 1000},
		{id: 300, ts: 2000},
	}
	for _, r := range rows {
		r := r
		_, _, err := s.Upsert("c1", Identity{GlobalID: r.id, LocalID: r.loc}, func(m *Message) {
			m.Direction = DirIncoming
			m.Kind = KindText
			m.TsMs = r.ts
			m.OrderTie = r.tie
		})
		require.NoError(t, err)
	}

	msgs, err := s.Range("c1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "note", msgs[0].LocalID, "zero-id note has no disambiguator, ties first then order_tie")
	assert.Equal(t, int64(100), msgs[1].GlobalID)
	assert.Equal(t, int64(200), msgs[2].GlobalID)
	assert.Equal(t, int64(300), msgs[3].GlobalID)

	tail, err := s.Tail("c1")
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, int64(300), tail.GlobalID)
}

func TestPendingUndispatchedOutgoing(t *testing.T) {
	s := testStore(t)
	rows := []struct {
		loc    string
		dir    Direction
		status Status
		ts     int64
	}{
		{loc: "q1", dir: DirOutgoing, status: StatusQueued, ts: 1000},
		{loc: "n1", dir: DirOutgoing, status: StatusNone, ts: 2000},
		{loc: "s1", dir: DirOutgoing, status: StatusSent, ts: 3000},
		{loc: "in1", dir: DirIncoming, status: StatusHistoric, ts: 4000},
	}
	for _, r := range rows {
		r := r
		_, _, err := s.Upsert("c1", Identity{LocalID: r.loc}, func(m *Message) {
			m.Direction = r.dir
			m.Kind = KindText
			m.Status = r.status
			m.TsMs = r.ts
		})
		require.NoError(t, err)
	}

	msgs, err := s.Pending("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "only undispatched outgoing rows are pending")
	assert.Equal(t, "q1", msgs[0].LocalID)
	assert.Equal(t, "n1", msgs[1].LocalID)
}

func TestIDRange(t *testing.T) {
	s := testStore(t)
	for _, id := range []int64{5, 8, 13, 21} {
		_, _, err := s.Upsert("c1", Identity{GlobalID: id}, func(m *Message) {
			m.Direction = DirIncoming
			m.Kind = KindText
			m.TsMs = id * 10
		})
		require.NoError(t, err)
	}
	ids, err := s.IDRange("c1", 8, 13)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 13}, ids)
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Upsert("c1", Identity{GlobalID: 1}, func(m *Message) {
		m.Direction = DirIncoming
		m.Kind = KindText
		m.TsMs = 10
	})
	require.NoError(t, err)
	_, _, err = s.Upsert("c1", Identity{LocalID: "l1"}, func(m *Message) {
		m.Direction = DirSystem
		m.Kind = KindSystem
		m.TsMs = 20
	})
	require.NoError(t, err)

	err = s.Delete("c1", []Identity{{GlobalID: 1}, {LocalID: "l1"}, {GlobalID: 999}})
	require.NoError(t, err)

	msgs, err := s.Range("c1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBatchRollsBackOnError(t *testing.T) {
	s := testStore(t)
	boom := errors.New("boom")
	err := s.Batch(func(st Store) error {
		if _, _, err := st.Upsert("c1", Identity{GlobalID: 1}, func(m *Message) {
			m.Direction = DirIncoming
			m.Kind = KindText
			m.TsMs = 10
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	ids, err := s.KnownIDs("c1")
	require.NoError(t, err)
	assert.Empty(t, ids, "failed batch must leave no rows behind")
}
