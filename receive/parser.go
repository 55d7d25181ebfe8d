// Package receive implements the message receive pipeline: parsing and
// validating envelopes, mapping messages to conversations, dispatching to
// per-kind handlers, and batching swarm polls into per-thread jobs.
package receive

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/metrics"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// ParseOptions carries per-delivery context the envelope itself lacks.
type ParseOptions struct {
	ServerHash string
	// Community server message id, NoServerMessageID outside communities.
	ServerMessageID int64
	// "server.room" id when the message came from a community poll.
	OpenGroupID string
	// Public key of the closed group the envelope was polled from.
	GroupPublicKey string
}

// Parser turns raw envelopes into validated, deduplicated messages.
type Parser struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	store storage.Storage
}

func NewParser(cfg *config.Config, cl clock.Clock, store storage.Storage) *Parser {
	return &Parser{
		log:   cfg.Logger("receive"),
		clock: cl,
		store: store,
	}
}

// ParseBytes decodes and validates a single serialized envelope.
func (p *Parser) ParseBytes(data []byte, opts ParseOptions) (protocol.Message, error) {
	e, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, discard(err)
	}
	return p.Parse(e, opts)
}

// Parse validates an envelope's content and returns the typed message with
// its delivery metadata populated. Failures are classified: malformed or
// duplicate input is discarded, storage trouble is retryable.
func (p *Parser) Parse(e *protocol.Envelope, opts ParseOptions) (protocol.Message, error) {
	m, err := protocol.DecodeContent(e.Content)
	if err != nil {
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonInvalid).Inc()
		return nil, discard(err)
	}

	meta := m.Meta()
	meta.Sender = e.Source
	meta.SentTimestamp = e.Timestamp
	meta.ReceivedTimestamp = p.clock.CurrentTimeMs()
	meta.ServerHash = opts.ServerHash
	meta.GroupPublicKey = opts.GroupPublicKey
	meta.OpenGroupServerMessageID = protocol.NoServerMessageID
	if opts.ServerMessageID != 0 {
		meta.OpenGroupServerMessageID = opts.ServerMessageID
	}
	meta.ThreadID = protocol.NoThread

	if !ids.Valid(meta.Sender) {
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonInvalid).Inc()
		return nil, discard(fmt.Errorf("%w: bad sender id %q", ErrInvalidMessage, meta.Sender))
	}
	if !valid(m) {
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonInvalid).Inc()
		return nil, discard(ErrInvalidMessage)
	}

	if err := p.checkBlocked(m); err != nil {
		return nil, err
	}

	if err := p.checkSelfSend(m, opts); err != nil {
		return nil, err
	}

	exists, err := p.store.MessageExists(meta.Sender, meta.SentTimestamp)
	if err != nil {
		return nil, retryable(err)
	}
	if exists {
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonDuplicate).Inc()
		return nil, discard(ErrDuplicateMessage)
	}
	return m, nil
}

// valid applies the per-kind structural checks. Kinds without one are always
// structurally acceptable.
func valid(m protocol.Message) bool {
	switch v := m.(type) {
	case *protocol.VisibleMessage:
		return v.Valid()
	case *protocol.ReadReceipt:
		return v.Valid()
	case *protocol.TypingIndicator:
		return v.Valid()
	case *protocol.UnsendRequest:
		return v.Valid()
	case *protocol.CallMessage:
		return v.Valid()
	case *protocol.LegacyGroupControlMessage:
		return v.Valid()
	case *protocol.GroupUpdated:
		return v.Valid()
	}
	return true
}

func (p *Parser) checkBlocked(m protocol.Message) error {
	contact, found, err := p.store.Contact(m.Meta().Sender)
	if err != nil {
		return retryable(err)
	}
	if !found || !contact.IsBlocked {
		return nil
	}
	// Control messages that undo the block relationship still get through.
	switch m.(type) {
	case *protocol.UnsendRequest, *protocol.MessageRequestResponse:
		return nil
	}
	metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonBlocked).Inc()
	return discard(ErrBlockedSender)
}

// checkSelfSend drops echoes of the user's own messages except for the kinds
// that deliberately sync across the user's devices.
func (p *Parser) checkSelfSend(m protocol.Message, opts ParseOptions) error {
	meta := m.Meta()
	self := meta.Sender == p.store.UserPublicKey()
	if !self && opts.OpenGroupID != "" && ids.IsBlinded(meta.Sender) {
		group, found, err := p.store.OpenGroupByID(opts.OpenGroupID)
		if err != nil {
			return retryable(err)
		}
		if found {
			blinded, err := p.store.BlindedIDs(group.PublicKey)
			if err != nil {
				return retryable(err)
			}
			for _, id := range blinded {
				if id == meta.Sender {
					self = true
					break
				}
			}
		}
	}
	if !self {
		return nil
	}
	meta.IsSenderSelf = true
	if selfSendValid(m) {
		return nil
	}
	metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonSelfSend).Inc()
	return discard(ErrSelfSend)
}

func selfSendValid(m protocol.Message) bool {
	switch m.(type) {
	case *protocol.VisibleMessage,
		*protocol.ExpirationTimerUpdate,
		*protocol.ConfigurationMessage,
		*protocol.UnsendRequest,
		*protocol.MessageRequestResponse:
		return true
	}
	return false
}
