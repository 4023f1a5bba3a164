package wire

// Actions is the outbound fire-and-forget surface toward the transport.
// Implementations must not block on network round-trips; errors are for
// immediate dispatch failures only, delivery outcomes arrive as subjects.
type Actions interface {
	// SendMessage dispatches a text or media-pointer message under localID.
	SendMessage(text, mediaRef, mime, localID string) error
	// SendAck confirms receipt of a message. Timepoint is decimal seconds.
	SendAck(globalID int64, timepoint float64) error
	// SendTyping broadcasts the current draft; empty means typing stopped.
	SendTyping(draft string) error
	// RequestHistory asks for messages before the given global id;
	// 0 requests the most recent page.
	RequestHistory(beforeGlobalID int64) error
	// RequestRecentActivity asks for the live tail since the last connect.
	RequestRecentActivity(site, channel, client string) error
}

// Source delivers inbound transactions. The channel closes when the source
// is exhausted or torn down.
type Source interface {
	Transactions() <-chan Transaction
}
