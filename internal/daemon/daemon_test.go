package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/lock"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/zap"
)

// TestReplayLifecycle composes the daemon components by hand and drives a
// session end to end from a recorded transaction log.
func TestReplayLifecycle(t *testing.T) {
	tmpDir := t.TempDir()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "parley.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	replayPath := filepath.Join(tmpDir, "replay.jsonl")
	frame, err := wire.EncodeTransaction(&wire.Transaction{Subjects: []wire.Subject{
		wire.HistoryEntry{GlobalID: 10, Msg: wire.MsgPayload{
			GlobalID: 10, ChatID: "c1", Direction: "in", Kind: "text", Text: "welcome", TsMs: 1000,
		}},
		wire.HistoryEntry{GlobalID: 11, Msg: wire.MsgPayload{
			GlobalID: 11, ChatID: "c1", Direction: "in", Kind: "text", Text: "again", TsMs: 2000,
		}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(replayPath, append(frame, '\n'), 0600); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	fs := wire.NewFileSource(replayPath, nil, logger)
	orch := session.New(session.Params{
		Chat:    "c1",
		Site:    "site-1",
		Channel: "web",
		Client:  "test",
		Store:   db,
		Actions: &logActions{log: logger},
		Source:  fs,
		Bus:     bus.New(),
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)
	defer orch.Stop()
	if err := orch.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fs.Stop()

	countIncoming := func() int {
		msgs, err := orch.Messages(0, 10)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, m := range msgs {
			if m.Direction == store.DirIncoming {
				n++
			}
		}
		return n
	}

	deadline := time.Now().Add(3 * time.Second)
	for countIncoming() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("replayed rows not ingested, have %d", countIncoming())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := orch.Teardown(); err != nil {
		t.Fatal(err)
	}
	if countIncoming() != 2 {
		t.Errorf("teardown deleted persisted rows: have %d", countIncoming())
	}
}
