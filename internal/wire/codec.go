package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Subject kind discriminators on the wire.
const (
	kindHistoryEntry    = "history_entry"
	kindBecamePermanent = "became_permanent"
	kindAlreadySeen     = "already_seen"
	kindRateForm        = "rate_form"
	kindSwitchingMode   = "switching_data_mode"
	kindAgentUpdate     = "agent_update"
	kindChatState       = "chat_state"
)

// DecodeTransaction parses one wire frame of the form
//
//	{"subjects": [{"kind": "...", "body": {...}}, ...]}
//
// Unknown subject kinds are skipped, not errors: the protocol grows and old
// clients must keep reconciling what they understand.
func DecodeTransaction(data []byte, log *zap.Logger) (*Transaction, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode transaction: invalid json")
	}
	subjects := gjson.GetBytes(data, "subjects")
	if !subjects.Exists() || !subjects.IsArray() {
		return nil, fmt.Errorf("decode transaction: missing subjects array")
	}

	tr := &Transaction{}
	var firstErr error
	subjects.ForEach(func(_, entry gjson.Result) bool {
		kind := entry.Get("kind").String()
		body := []byte(entry.Get("body").Raw)
		if len(body) == 0 {
			body = []byte("{}")
		}

		var (
			s   Subject
			err error
		)
		switch kind {
		case kindHistoryEntry:
			var v HistoryEntry
			err = json.Unmarshal(body, &v)
			s = v
		case kindBecamePermanent:
			var v BecamePermanent
			err = json.Unmarshal(body, &v)
			s = v
		case kindAlreadySeen:
			var v AlreadySeen
			err = json.Unmarshal(body, &v)
			s = v
		case kindRateForm:
			var v RateForm
			err = json.Unmarshal(body, &v)
			s = v
		case kindSwitchingMode:
			s = SwitchingDataMode{}
		case kindAgentUpdate:
			var v AgentUpdate
			err = json.Unmarshal(body, &v)
			s = v
		case kindChatState:
			var v ChatState
			err = json.Unmarshal(body, &v)
			s = v
		default:
			log.Debug("skipping unknown subject kind", zap.String("kind", kind))
			return true
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode %s subject: %w", kind, err)
			}
			return true
		}
		tr.Subjects = append(tr.Subjects, s)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return tr, nil
}

// EncodeTransaction is the inverse of DecodeTransaction; the replay tooling
// uses it to record frames.
func EncodeTransaction(tr *Transaction) ([]byte, error) {
	type wireSubject struct {
		Kind string `json:"kind"`
		Body any    `json:"body,omitempty"`
	}
	frame := struct {
		Subjects []wireSubject `json:"subjects"`
	}{}
	for _, s := range tr.Subjects {
		var kind string
		switch s.(type) {
		case HistoryEntry:
			kind = kindHistoryEntry
		case BecamePermanent:
			kind = kindBecamePermanent
		case AlreadySeen:
			kind = kindAlreadySeen
		case RateForm:
			kind = kindRateForm
		case SwitchingDataMode:
			kind = kindSwitchingMode
		case AgentUpdate:
			kind = kindAgentUpdate
		case ChatState:
			kind = kindChatState
		default:
			return nil, fmt.Errorf("encode transaction: unknown subject %T", s)
		}
		frame.Subjects = append(frame.Subjects, wireSubject{Kind: kind, Body: s})
	}
	return json.Marshal(frame)
}
