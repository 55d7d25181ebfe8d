package protocol

import "github.com/Oligofornet/session-android/ids"

type ReadReceipt struct {
	meta Meta

	// Sent timestamps of the messages being acknowledged.
	Timestamps []uint64 `bencode:"t"`
}

func (m *ReadReceipt) Meta() *Meta { return &m.meta }
func (m *ReadReceipt) wireKind() uint8 { return kindReadReceipt }

func (m *ReadReceipt) Valid() bool { return len(m.Timestamps) > 0 }

type TypingKind = uint8

const (
	TypingStarted TypingKind = 1
	TypingStopped TypingKind = 2
)

type TypingIndicator struct {
	meta Meta

	Kind TypingKind `bencode:"k"`
}

func (m *TypingIndicator) Meta() *Meta { return &m.meta }
func (m *TypingIndicator) wireKind() uint8 { return kindTypingIndicator }

func (m *TypingIndicator) Valid() bool {
	return m.Kind == TypingStarted || m.Kind == TypingStopped
}

type ExpirationTimerUpdate struct {
	meta Meta

	SyncTarget   ids.AccountID `bencode:"y"`
	DurationSecs uint32        `bencode:"d"`
	ExpiryType   ExpiryType    `bencode:"k"`
}

func (m *ExpirationTimerUpdate) Meta() *Meta { return &m.meta }
func (m *ExpirationTimerUpdate) wireKind() uint8 { return kindExpirationTimerUpdate }

type DataExtractionKind = uint8

const (
	DataExtractionScreenshot DataExtractionKind = 1
	DataExtractionMediaSaved DataExtractionKind = 2
)

type DataExtractionNotification struct {
	meta Meta

	Kind DataExtractionKind `bencode:"k"`
}

func (m *DataExtractionNotification) Meta() *Meta { return &m.meta }
func (m *DataExtractionNotification) wireKind() uint8 { return kindDataExtraction }

// ConfiguredContact is a contact entry carried in a configuration message
// synced from another of the user's devices.
type ConfiguredContact struct {
	PublicKey         ids.AccountID `bencode:"p"`
	Name              string        `bencode:"n"`
	ProfilePictureURL string        `bencode:"u"`
	ProfileKey        []byte        `bencode:"k"`
	IsApproved        bool          `bencode:"a"`
	IsBlocked         bool          `bencode:"b"`
	DidApproveMe      bool          `bencode:"d"`
}

// ConfiguredGroup is a legacy closed group entry carried in a configuration
// message. Restoring it recreates the group locally without a round trip.
type ConfiguredGroup struct {
	PublicKey         string          `bencode:"p"`
	Name              string          `bencode:"n"`
	EncryptionKeyPair KeyPair         `bencode:"e"`
	Members           []ids.AccountID `bencode:"m"`
	Admins            []ids.AccountID `bencode:"a"`
	ExpirationSeconds uint32          `bencode:"x"`
}

type ConfigurationMessage struct {
	meta Meta

	DisplayName       string              `bencode:"n"`
	ProfilePictureURL string              `bencode:"u"`
	ProfileKey        []byte              `bencode:"k"`
	Contacts          []ConfiguredContact `bencode:"c"`
	ClosedGroups      []ConfiguredGroup   `bencode:"g"`
	OpenGroups        []string            `bencode:"o"`
}

func (m *ConfigurationMessage) Meta() *Meta { return &m.meta }
func (m *ConfigurationMessage) wireKind() uint8 { return kindConfiguration }

type UnsendRequest struct {
	meta Meta

	// Sent timestamp of the message to delete.
	Timestamp uint64 `bencode:"t"`
	// Original author of the message to delete.
	Author ids.AccountID `bencode:"a"`
}

func (m *UnsendRequest) Meta() *Meta { return &m.meta }
func (m *UnsendRequest) wireKind() uint8 { return kindUnsendRequest }

func (m *UnsendRequest) Valid() bool { return m.Timestamp != 0 && m.Author != "" }

type MessageRequestResponse struct {
	meta Meta

	IsApproved bool `bencode:"a"`
}

func (m *MessageRequestResponse) Meta() *Meta { return &m.meta }
func (m *MessageRequestResponse) wireKind() uint8 { return kindMessageRequestResponse }

type CallKind = uint8

const (
	CallPreOffer CallKind = iota + 1
	CallOffer
	CallAnswer
	CallProvisionalAnswer
	CallIceCandidates
	CallEndCall
)

type CallMessage struct {
	meta Meta

	Kind            CallKind `bencode:"k"`
	SDPs            []string `bencode:"s"`
	SDPMLineIndexes []uint32 `bencode:"i"`
	SDPMids         []string `bencode:"m"`
	CallID          string   `bencode:"c"`
}

func (m *CallMessage) Meta() *Meta { return &m.meta }
func (m *CallMessage) wireKind() uint8 { return kindCall }

func (m *CallMessage) Valid() bool { return m.Kind != 0 && m.CallID != "" }
