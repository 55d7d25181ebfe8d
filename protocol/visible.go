package protocol

import "github.com/Oligofornet/session-android/ids"

type Attachment struct {
	ID          uint64 `bencode:"i"`
	ContentType string `bencode:"c"`
	FileName    string `bencode:"f"`
	Size        uint64 `bencode:"s"`
	Key         []byte `bencode:"k"`
	Digest      []byte `bencode:"d"`
	URL         string `bencode:"u"`
}

func (a *Attachment) Valid() bool {
	return a.URL != "" && a.ContentType != ""
}

type Quote struct {
	Timestamp uint64        `bencode:"t"`
	Author    ids.AccountID `bencode:"a"`
	Text      string        `bencode:"x"`
}

type LinkPreview struct {
	URL          string     `bencode:"u"`
	Title        string     `bencode:"t"`
	HasThumbnail bool       `bencode:"h"`
	Thumbnail    Attachment `bencode:"i"`
}

// A preview is only worth persisting when it carries something renderable
// beyond the bare URL.
func (p *LinkPreview) Valid() bool {
	return p.URL != "" && (p.Title != "" || p.HasThumbnail)
}

type Reaction struct {
	// Sent timestamp of the message being reacted to.
	Timestamp uint64 `bencode:"t"`
	// Author of the message being reacted to.
	Author ids.AccountID `bencode:"a"`
	Emoji  string        `bencode:"e"`
	// True to add the reaction, false to remove it.
	React bool `bencode:"r"`
}

type ExpiryType = uint8

const (
	ExpiryNone ExpiryType = iota
	ExpiryAfterSend
	ExpiryAfterRead
)

type VisibleMessage struct {
	meta Meta

	Text        string        `bencode:"x"`
	Attachments []Attachment  `bencode:"a"`
	HasQuote    bool          `bencode:"hq"`
	Quote       Quote         `bencode:"q"`
	Previews    []LinkPreview `bencode:"l"`
	HasReaction bool          `bencode:"hr"`
	Reaction    Reaction      `bencode:"r"`
	HasProfile  bool          `bencode:"hp"`
	Profile     Profile       `bencode:"p"`
	// Set on messages synced from another of the sender's devices; names the
	// conversation the message belongs to.
	SyncTarget ids.AccountID `bencode:"y"`
	// Sending a message into a pending request conversation implicitly blocks
	// further message-request prompts from that sender.
	BlocksMessageRequests bool `bencode:"b"`
	// Disappearing-message state the sender believes is in effect. A non-zero
	// timer with ExpiryNone type is the legacy encoding.
	ExpiryTimerSeconds uint32     `bencode:"et"`
	ExpiryType         ExpiryType `bencode:"ek"`
}

func (m *VisibleMessage) Meta() *Meta { return &m.meta }
func (m *VisibleMessage) wireKind() uint8 { return kindVisible }

// A visible message with no text must carry at least one attachment or a
// reaction to be deliverable.
func (m *VisibleMessage) Valid() bool {
	if m.HasReaction {
		return true
	}
	if m.Text != "" {
		return true
	}
	return len(m.Attachments) > 0
}

// LegacyExpiry reports whether the sender used the pre-typed disappearing
// encoding, which pins expiry to after-read for one-to-one threads.
func (m *VisibleMessage) LegacyExpiry() bool {
	return m.ExpiryTimerSeconds > 0 && m.ExpiryType == ExpiryNone
}
