package protocol

import (
	"errors"

	"github.com/Oligofornet/session-android/bencode"
	"github.com/Oligofornet/session-android/ids"
)

// Alias so envelopes decode with the canonical codec.
type EnvelopeType = uint8

const (
	// Direct message, source is the sender's account id.
	EnvelopeSessionMessage EnvelopeType = 6
	// Legacy closed group message, source is the group public key.
	EnvelopeClosedGroupMessage EnvelopeType = 7
)

// Envelope is the outer frame a message arrives in after swarm decryption or
// community retrieval. Timestamp is the sender-asserted sent time in
// milliseconds; ServerTimestamp is the storage server's receipt time.
type Envelope struct {
	Type            EnvelopeType  `bencode:"t"`
	Source          ids.AccountID `bencode:"s"`
	Timestamp       uint64        `bencode:"ts"`
	ServerTimestamp uint64        `bencode:"st"`
	Content         []byte        `bencode:"c"`
}

var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

func DecodeEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := bencode.Deserialize(b, e); err != nil {
		return nil, err
	}
	if e.Type != EnvelopeSessionMessage && e.Type != EnvelopeClosedGroupMessage {
		return nil, ErrInvalidEnvelope
	}
	if e.Timestamp == 0 || len(e.Content) == 0 {
		return nil, ErrInvalidEnvelope
	}
	return e, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return bencode.Serialize(e)
}
