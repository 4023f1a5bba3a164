package wire

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FileSource replays a recorded transaction log (one JSON frame per line)
// into a session, paced by a rate limiter so replays approximate live
// delivery instead of flooding the worker.
type FileSource struct {
	path    string
	limiter *rate.Limiter
	log     *zap.Logger
	ch      chan Transaction
	cancel  context.CancelFunc
}

// NewFileSource creates a replay source. limiter may be nil for full speed.
func NewFileSource(path string, limiter *rate.Limiter, log *zap.Logger) *FileSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSource{
		path:    path,
		limiter: limiter,
		log:     log,
		ch:      make(chan Transaction),
	}
}

// Transactions returns the delivery channel. Closed on EOF or Stop.
func (f *FileSource) Transactions() <-chan Transaction {
	return f.ch
}

// Start begins replaying the log in the background.
func (f *FileSource) Start(ctx context.Context) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open replay log: %w", err)
	}
	ctx, f.cancel = context.WithCancel(ctx)

	go func() {
		defer close(f.ch)
		defer func() { _ = file.Close() }()

		sc := bufio.NewScanner(file)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			raw := sc.Bytes()
			if len(raw) == 0 {
				continue
			}
			tr, err := DecodeTransaction(raw, f.log)
			if err != nil {
				f.log.Warn("skipping malformed replay frame",
					zap.Int("line", line), zap.Error(err))
				continue
			}
			if f.limiter != nil {
				if err := f.limiter.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case f.ch <- *tr:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			f.log.Error("replay log read failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop aborts the replay; the transactions channel closes.
func (f *FileSource) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}
