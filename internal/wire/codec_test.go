package wire

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransaction(t *testing.T) {
	frame := `{"subjects": [
		{"kind": "history_entry", "body": {"id": 42, "msg": {"id": 42, "chat_id": "c1", "direction": "in", "kind": "text", "text": "hi", "ts_ms": 1000}}},
		{"kind": "became_permanent", "body": {"client_id": "l1", "msg": {"id": 43, "chat_id": "c1", "direction": "out", "kind": "text", "ts_ms": 2000}}},
		{"kind": "already_seen", "body": {"id": 43, "timepoint": 2.5}},
		{"kind": "rate_form", "body": {"form_id": "f1"}},
		{"kind": "switching_data_mode"},
		{"kind": "agent_update", "body": {"agent_id": "a1", "field": "status", "value": "online"}},
		{"kind": "chat_state", "body": {"has_active_chat": true, "operator_active": true}}
	]}`

	tr, err := DecodeTransaction([]byte(frame), nil)
	require.NoError(t, err)
	require.Len(t, tr.Subjects, 7)

	he, ok := tr.Subjects[0].(HistoryEntry)
	require.True(t, ok)
	assert.Equal(t, int64(42), he.GlobalID)
	assert.Equal(t, "hi", he.Msg.Text)

	bp, ok := tr.Subjects[1].(BecamePermanent)
	require.True(t, ok)
	assert.Equal(t, "l1", bp.LocalID)
	assert.Equal(t, int64(43), bp.Msg.GlobalID)

	as, ok := tr.Subjects[2].(AlreadySeen)
	require.True(t, ok)
	assert.Equal(t, 2.5, as.Timepoint)

	_, ok = tr.Subjects[4].(SwitchingDataMode)
	assert.True(t, ok)

	cs, ok := tr.Subjects[6].(ChatState)
	require.True(t, ok)
	assert.True(t, cs.HasActiveChat)
	assert.True(t, cs.OperatorActive)
	assert.False(t, cs.InfoSubmitted)
}

func TestDecodeSkipsUnknownKinds(t *testing.T) {
	frame := `{"subjects": [
		{"kind": "hologram", "body": {"x": 1}},
		{"kind": "rate_form", "body": {"form_id": "f1"}}
	]}`
	tr, err := DecodeTransaction([]byte(frame), nil)
	require.NoError(t, err)
	require.Len(t, tr.Subjects, 1)
	_, ok := tr.Subjects[0].(RateForm)
	assert.True(t, ok)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := DecodeTransaction([]byte(`{"subjects": 5}`), nil)
	assert.Error(t, err)

	_, err = DecodeTransaction([]byte(`not json`), nil)
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tr := &Transaction{Subjects: []Subject{
		HistoryEntry{GlobalID: 7, Msg: MsgPayload{GlobalID: 7, ChatID: "c1", Direction: "in", Kind: "text", Text: "yo", TsMs: 500}},
		SwitchingDataMode{},
	}}
	raw, err := EncodeTransaction(tr)
	require.NoError(t, err)

	got, err := DecodeTransaction(raw, nil)
	require.NoError(t, err)
	require.Len(t, got.Subjects, 2)
	assert.Equal(t, tr.Subjects[0], got.Subjects[0])
}

func TestFileSourceReplaysLog(t *testing.T) {
	frames := [][]Subject{
		{HistoryEntry{GlobalID: 1, Msg: MsgPayload{GlobalID: 1, ChatID: "c1", Direction: "in", Kind: "text", TsMs: 100}}},
		{AlreadySeen{GlobalID: 1, Timepoint: 0.1}},
	}
	path := filepath.Join(t.TempDir(), "log.jsonl")
	var raw []byte
	for _, subjects := range frames {
		line, err := EncodeTransaction(&Transaction{Subjects: subjects})
		require.NoError(t, err)
		raw = append(raw, line...)
		raw = append(raw, '\n')
	}
	// A malformed line in the middle is skipped, not fatal.
	raw = append(raw, []byte("{broken\n")...)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	src := NewFileSource(path, nil, nil)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	var got []Transaction
	timeout := time.After(2 * time.Second)
	for {
		select {
		case tr, ok := <-src.Transactions():
			if !ok {
				require.Len(t, got, 2)
				assert.IsType(t, HistoryEntry{}, got[0].Subjects[0])
				assert.IsType(t, AlreadySeen{}, got[1].Subjects[0])
				return
			}
			got = append(got, tr)
		case <-timeout:
			t.Fatal("timeout waiting for replayed transactions")
		}
	}
}
