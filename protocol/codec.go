package protocol

import (
	"fmt"

	"github.com/Oligofornet/session-android/bencode"
)

const (
	kindVisible uint8 = iota + 1
	kindReadReceipt
	kindTypingIndicator
	kindExpirationTimerUpdate
	kindDataExtraction
	kindConfiguration
	kindUnsendRequest
	kindMessageRequestResponse
	kindLegacyGroupControl
	kindGroupUpdated
	kindCall
)

// content is the wire wrapper pairing a variant discriminator with the
// variant's own encoding.
type content struct {
	Kind uint8  `bencode:"k"`
	Body []byte `bencode:"b"`
}

func EncodeContent(m Message) ([]byte, error) {
	body, err := bencode.Serialize(m)
	if err != nil {
		return nil, err
	}
	return bencode.Serialize(&content{Kind: m.wireKind(), Body: body})
}

// DecodeContent decodes an envelope payload into its concrete message type.
// Unknown discriminators are an error; the variant set is closed.
func DecodeContent(b []byte) (Message, error) {
	c := &content{}
	if err := bencode.Deserialize(b, c); err != nil {
		return nil, err
	}
	var m Message
	switch c.Kind {
	case kindVisible:
		m = &VisibleMessage{}
	case kindReadReceipt:
		m = &ReadReceipt{}
	case kindTypingIndicator:
		m = &TypingIndicator{}
	case kindExpirationTimerUpdate:
		m = &ExpirationTimerUpdate{}
	case kindDataExtraction:
		m = &DataExtractionNotification{}
	case kindConfiguration:
		m = &ConfigurationMessage{}
	case kindUnsendRequest:
		m = &UnsendRequest{}
	case kindMessageRequestResponse:
		m = &MessageRequestResponse{}
	case kindLegacyGroupControl:
		m = &LegacyGroupControlMessage{}
	case kindGroupUpdated:
		m = &GroupUpdated{}
	case kindCall:
		m = &CallMessage{}
	default:
		return nil, fmt.Errorf("protocol: unknown content kind %d", c.Kind)
	}
	if err := bencode.Deserialize(c.Body, m); err != nil {
		return nil, err
	}
	return m, nil
}
