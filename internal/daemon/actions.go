package daemon

import (
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/zap"
)

// logActions is the outbound action sink used when no live transport is
// attached (replay and dry-run modes): every fire-and-forget action is
// logged and acknowledged.
type logActions struct {
	log *zap.Logger
}

var _ wire.Actions = (*logActions)(nil)

func (a *logActions) SendMessage(text, mediaRef, mime, localID string) error {
	a.log.Info("outbound message",
		zap.String("local_id", localID),
		zap.Int("text_len", len(text)),
		zap.String("media_ref", mediaRef),
		zap.String("mime", mime))
	return nil
}

func (a *logActions) SendAck(globalID int64, timepoint float64) error {
	a.log.Info("outbound ack", zap.Int64("id", globalID), zap.Float64("timepoint", timepoint))
	return nil
}

func (a *logActions) SendTyping(draft string) error {
	a.log.Debug("outbound typing", zap.Int("draft_len", len(draft)))
	return nil
}

func (a *logActions) RequestHistory(beforeID int64) error {
	a.log.Info("outbound history request", zap.Int64("before_id", beforeID))
	return nil
}

func (a *logActions) RequestRecentActivity(site, channel, client string) error {
	a.log.Info("outbound recent activity request",
		zap.String("site", site), zap.String("channel", channel), zap.String("client", client))
	return nil
}
