package boardsync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	if !self.IsZero() {
		buff.WriteString(self.String())
	}
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	idStr := string(src[1 : len(src)-1])
	if idStr == "" {
		*self = Id{}
		return nil
	}
	id, err := ParseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// PeerId identifies one connected participant for the lifetime of its session.
type PeerId = Id

// the relay membership mechanism cannot attribute a departure to a peer.
// leave events from that variant carry this sentinel.
var UnknownPeer = PeerId{}

// RecordId encodes the record type as a prefix, `<type>:<opaque>`.
// the prefix is the only type information available for removals.
type RecordId string

func NewRecordId(typeName string) RecordId {
	return RecordId(fmt.Sprintf("%s:%s", typeName, strings.ToLower(ulid.Make().String())))
}

func RecordIdOf(typeName string, suffix string) RecordId {
	return RecordId(fmt.Sprintf("%s:%s", typeName, suffix))
}

func (self RecordId) TypeName() string {
	i := strings.IndexByte(string(self), ':')
	if i < 0 {
		return ""
	}
	return string(self[0:i])
}

func (self RecordId) IsValid() bool {
	i := strings.IndexByte(string(self), ':')
	return 0 < i && i < len(self)-1
}
