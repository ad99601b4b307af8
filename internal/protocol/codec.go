package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	ErrMalformed   = errors.New("protocol: malformed message")
)

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message with its kind tag.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), Payload: payload})
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch env.Kind {
	case KindOpenNewDispute:
		m = &OpenNewDispute{}
	case KindPeerOpenedDispute:
		m = &PeerOpenedDispute{}
	case KindChat:
		m = &Chat{}
	case KindDisputeResult:
		m = &DisputeResult{}
	case KindPeerPublishedPayoutTx:
		m = &PeerPublishedPayoutTx{}
	case KindAck:
		m = &Ack{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Kind, err)
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func validate(m Message) error {
	switch m := m.(type) {
	case *OpenNewDispute:
		if m.Dispute == nil {
			return fmt.Errorf("%w: %s without dispute", ErrMalformed, m.Kind())
		}
	case *PeerOpenedDispute:
		if m.Dispute == nil {
			return fmt.Errorf("%w: %s without dispute", ErrMalformed, m.Kind())
		}
	case *Chat:
		if m.Message == nil {
			return fmt.Errorf("%w: %s without chat message", ErrMalformed, m.Kind())
		}
	case *DisputeResult:
		if m.Result == nil || m.Result.ChatMessage == nil {
			return fmt.Errorf("%w: %s without result or chat message", ErrMalformed, m.Kind())
		}
	case *PeerPublishedPayoutTx, *Ack:
	}
	return nil
}
