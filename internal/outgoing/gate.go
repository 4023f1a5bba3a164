package outgoing

// Gate classifies how a send interacts with the contact-form requirement.
type Gate int

const (
	// GateOmit: no form involvement, send plainly.
	GateOmit Gate = iota
	// GateRegular: send immediately and attach an informational note.
	GateRegular
	// GateBlocking: queue the send and disable replying until the contact
	// info is submitted.
	GateBlocking
)

func (g Gate) String() string {
	switch g {
	case GateRegular:
		return "regular"
	case GateBlocking:
		return "blocking"
	default:
		return "omit"
	}
}

// ChatState carries the inputs of the gate decision, as reported by the
// server's chat_state subject.
type ChatState struct {
	HasActiveChat  bool
	InfoRequested  bool
	InfoSubmitted  bool
	OperatorActive bool
	PerChatMode    bool
}

// GateFor evaluates the contact-form gating table.
func GateFor(cs ChatState) Gate {
	switch {
	case !cs.HasActiveChat:
		return GateOmit
	case cs.InfoSubmitted:
		return GateOmit
	case !cs.InfoRequested:
		return GateOmit
	case !cs.OperatorActive && !cs.PerChatMode:
		// Channel-wide mode with nobody on the line: hold the send.
		return GateBlocking
	default:
		return GateRegular
	}
}
