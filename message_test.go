package boardsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeCodec(t *testing.T) {
	fromPeer := NewId()
	toPeer := NewId()

	changeSet := &ChangeSet{
		Added:   []Record{{Id: "shape:1", TypeName: TypeShape}},
		Removed: []RecordId{"page:1"},
	}

	envelope, err := NewEnvelope(MessageTypeUpdate, fromPeer, toPeer, changeSet)
	assert.Equal(t, err, nil)

	message, err := EncodeEnvelope(envelope)
	assert.Equal(t, err, nil)

	decoded, err := DecodeEnvelope(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Type, MessageTypeUpdate)
	assert.Equal(t, decoded.FromPeer, fromPeer)
	assert.Equal(t, decoded.ToPeer, toPeer)

	decodedChangeSet := &ChangeSet{}
	err = decoded.DecodeBody(decodedChangeSet)
	assert.Equal(t, err, nil)
	assert.Equal(t, decodedChangeSet, changeSet)
}

func TestEnvelopeZeroPeer(t *testing.T) {
	envelope, err := NewEnvelope(MessageTypeStateRequest, NewId(), PeerId{}, nil)
	assert.Equal(t, err, nil)

	message, err := EncodeEnvelope(envelope)
	assert.Equal(t, err, nil)

	decoded, err := DecodeEnvelope(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.ToPeer.IsZero(), true)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)

	// valid json, missing type
	_, err = DecodeEnvelope([]byte(`{"fromPeer":""}`))
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)

	// valid envelope, garbage body
	envelope := &Envelope{
		Type: MessageTypeUpdate,
		Body: []byte(`"nope"`),
	}
	err = envelope.DecodeBody(&ChangeSet{})
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)

	// missing body
	envelope = &Envelope{
		Type: MessageTypeFullState,
	}
	err = envelope.DecodeBody(&Snapshot{})
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)
}

func TestIdJsonCodec(t *testing.T) {
	type test struct {
		A PeerId `json:"a"`
		B PeerId `json:"b"`
	}

	value := &test{
		A: NewId(),
	}
	valueJson, err := json.Marshal(value)
	assert.Equal(t, err, nil)

	decoded := &test{}
	err = json.Unmarshal(valueJson, decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.A, value.A)
	assert.Equal(t, decoded.B.IsZero(), true)
}
