package boardsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// wire messages are JSON so that browser peers can produce and consume them
// directly. One envelope per transport frame.

type MessageType string

const (
	MessageTypeStateRequest MessageType = "state_request"
	MessageTypeFullState    MessageType = "full_state"
	MessageTypeUpdate       MessageType = "update"
	MessageTypePresence     MessageType = "presence"

	// rendezvous control frames, mesh variant only
	MessageTypeJoin    MessageType = "join"
	MessageTypeLeave   MessageType = "leave"
	MessageTypeMembers MessageType = "members"
)

var ErrMalformedMessage = errors.New("malformed message")

type Envelope struct {
	Type     MessageType     `json:"type"`
	FromPeer PeerId          `json:"fromPeer"`
	ToPeer   PeerId          `json:"toPeer"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// body shapes per message type:
//   state_request  (empty)
//   full_state     Snapshot
//   update         ChangeSet
//   presence       PresenceState
//   join/leave     (empty, peer in FromPeer)
//   members        MembersBody

type MembersBody struct {
	Peers []PeerId `json:"peers"`
}

func NewEnvelope(messageType MessageType, fromPeer PeerId, toPeer PeerId, body any) (*Envelope, error) {
	envelope := &Envelope{
		Type:     messageType,
		FromPeer: fromPeer,
		ToPeer:   toPeer,
	}
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		envelope.Body = bodyBytes
	}
	return envelope, nil
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return envelope, nil
}

func (self *Envelope) DecodeBody(out any) error {
	if len(self.Body) == 0 {
		return fmt.Errorf("%w: %s missing body", ErrMalformedMessage, self.Type)
	}
	if err := json.Unmarshal(self.Body, out); err != nil {
		return fmt.Errorf("%w: %s body: %s", ErrMalformedMessage, self.Type, err)
	}
	return nil
}
