// Package wire defines the protocol surface between the sync core and the
// remote event source: inbound transaction batches of typed subjects, and
// the outbound fire-and-forget action set.
package wire

// MsgPayload is the message body carried by history and promotion subjects.
type MsgPayload struct {
	GlobalID  int64  `json:"id"`
	LocalID   string `json:"client_id,omitempty"`
	ChatID    string `json:"chat_id"`
	Direction string `json:"direction"` // in | out | system
	Kind      string `json:"kind"`      // text | media | system | contact_form | rate_form
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
	MediaMime string `json:"media_mime,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`
	TsMs      int64  `json:"ts_ms"`
	Frozen    bool   `json:"frozen,omitempty"`
	OrderTie  int    `json:"order_tie,omitempty"`
}

// Subject is one typed entry of a protocol transaction. The set is closed;
// session routing matches it exhaustively.
type Subject interface{ subject() }

// HistoryEntry delivers one remote message, live or replayed.
type HistoryEntry struct {
	GlobalID int64      `json:"id"`
	Msg      MsgPayload `json:"msg"`
}

// BecamePermanent confirms an outgoing message: the local id is promoted to
// the server-assigned global id carried in the payload.
type BecamePermanent struct {
	LocalID string     `json:"client_id"`
	Msg     MsgPayload `json:"msg"`
}

// AlreadySeen reports that the peer has read messages up to GlobalID.
type AlreadySeen struct {
	GlobalID  int64   `json:"id"`
	Timepoint float64 `json:"timepoint"` // decimal seconds
}

// RateForm asks the client to surface a rating form.
type RateForm struct {
	FormID string `json:"form_id"`
}

// SwitchingDataMode announces a server-side change of the data receiving
// mode; volatile sync progress must be re-established.
type SwitchingDataMode struct{}

// AgentUpdate carries one changed attribute of an operator.
type AgentUpdate struct {
	AgentID string `json:"agent_id"`
	Field   string `json:"field"` // status | name | title | photo
	Value   string `json:"value"`
}

// ChatState carries the gating inputs for outgoing sends.
type ChatState struct {
	HasActiveChat  bool `json:"has_active_chat"`
	InfoRequested  bool `json:"info_requested"`
	InfoSubmitted  bool `json:"info_submitted"`
	OperatorActive bool `json:"operator_active"`
	PerChatMode    bool `json:"per_chat_mode"`
}

func (HistoryEntry) subject()      {}
func (BecamePermanent) subject()   {}
func (AlreadySeen) subject()       {}
func (RateForm) subject()          {}
func (SwitchingDataMode) subject() {}
func (AgentUpdate) subject()       {}
func (ChatState) subject()         {}

// Transaction is one unordered batch of subjects as delivered by the event
// source. Delivery is at-least-once and possibly reordered.
type Transaction struct {
	Subjects []Subject
}
