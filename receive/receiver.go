package receive

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/groups"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/metrics"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// Notifier surfaces newly persisted messages to the UI layer. ThreadUpdated
// fires once per processed thread even when nothing was persisted, so the
// conversation list can refresh after control messages and deletions.
type Notifier interface {
	MessagePersisted(threadID int64, id storage.MessageID)
	ThreadUpdated(threadID int64)
}

// TypingIndicators tracks ephemeral typing state per thread.
type TypingIndicators interface {
	StartedTyping(threadID int64, sender ids.AccountID)
	StoppedTyping(threadID int64, sender ids.AccountID)
}

// ReadReceipts marks the user's outgoing messages as read by their
// recipients.
type ReadReceipts interface {
	Process(sender ids.AccountID, sentTimestamps []uint64, readAtMs uint64)
}

// SwarmAPI is the slice of the storage-server API the pipeline needs:
// removing the user's own messages from their swarm after an unsend.
type SwarmAPI interface {
	DeleteMessages(ctx context.Context, publicKey ids.AccountID, serverHashes []string) error
}

// AttachmentScheduler queues background downloads for attachments on
// persisted messages.
type AttachmentScheduler interface {
	ScheduleDownload(id storage.MessageID, threadID int64)
}

// Receiver dispatches parsed messages to their per-kind handlers.
type Receiver struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	store   storage.Storage
	legacy  *groups.LegacyHandler
	updated *groups.UpdatedHandler

	typing      TypingIndicators
	receipts    ReadReceipts
	notifier    Notifier
	attachments AttachmentScheduler
	swarm       SwarmAPI

	calls chan *protocol.CallMessage
}

func NewReceiver(
	cfg *config.Config,
	cl clock.Clock,
	store storage.Storage,
	legacy *groups.LegacyHandler,
	updated *groups.UpdatedHandler,
	typing TypingIndicators,
	receipts ReadReceipts,
	notifier Notifier,
	attachments AttachmentScheduler,
	swarm SwarmAPI,
) *Receiver {
	return &Receiver{
		cfg:         cfg,
		log:         cfg.Logger("receive"),
		clock:       cl,
		store:       store,
		legacy:      legacy,
		updated:     updated,
		typing:      typing,
		receipts:    receipts,
		notifier:    notifier,
		attachments: attachments,
		swarm:       swarm,
		calls:       make(chan *protocol.CallMessage, 64),
	}
}

// Calls delivers incoming call signaling messages in arrival order.
func (r *Receiver) Calls() <-chan *protocol.CallMessage {
	return r.calls
}

// Outcome reports what handling one message changed, so the batch
// coordinator can track read state and notifications per thread.
type Outcome struct {
	// Persisted is the stored row, zero when the message stored nothing.
	Persisted storage.MessageID
	// Removed is set when an unsend request deleted a message.
	Removed    storage.MessageID
	HasMention bool
	IsOwn      bool
}

// Handle applies one parsed message against the given thread. The thread id
// has already been resolved; NoThread is only acceptable for kinds that do
// not address a conversation.
func (r *Receiver) Handle(ctx context.Context, m protocol.Message, threadID int64, openGroupID string) (Outcome, error) {
	m.Meta().ThreadID = threadID

	outdated, err := r.messageIsOutdated(m, threadID, openGroupID)
	if err != nil {
		return Outcome{}, err
	}
	if outdated {
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonOutdated).Inc()
		return Outcome{}, discard(ErrOutdatedMessage)
	}

	out, err := r.dispatch(ctx, m, threadID, openGroupID)
	if err != nil {
		return Outcome{}, err
	}
	metrics.MessagesReceived.WithLabelValues(kindLabel(m)).Inc()
	return out, nil
}

func (r *Receiver) dispatch(ctx context.Context, m protocol.Message, threadID int64, openGroupID string) (Outcome, error) {
	switch v := m.(type) {
	case *protocol.ReadReceipt:
		return Outcome{}, r.handleReadReceipt(v)
	case *protocol.TypingIndicator:
		return Outcome{}, r.handleTypingIndicator(v, threadID)
	case *protocol.DataExtractionNotification:
		return Outcome{}, r.handleDataExtraction(v, threadID)
	case *protocol.ExpirationTimerUpdate:
		return Outcome{}, r.handleExpirationTimerUpdate(v, threadID)
	case *protocol.ConfigurationMessage:
		return Outcome{}, r.handleConfiguration(v)
	case *protocol.UnsendRequest:
		return r.handleUnsendRequest(ctx, v)
	case *protocol.MessageRequestResponse:
		return Outcome{}, r.handleMessageRequestResponse(v)
	case *protocol.CallMessage:
		return Outcome{}, r.handleCall(v, threadID)
	case *protocol.LegacyGroupControlMessage:
		if err := r.legacy.Handle(v); err != nil {
			return Outcome{}, r.classifyGroupError(m, err)
		}
		metrics.GroupControlApplied.WithLabelValues("legacy").Inc()
		return Outcome{}, nil
	case *protocol.GroupUpdated:
		if err := r.updated.Handle(v); err != nil {
			return Outcome{}, r.classifyGroupError(m, err)
		}
		metrics.GroupControlApplied.WithLabelValues("updated").Inc()
		return Outcome{}, nil
	case *protocol.VisibleMessage:
		return r.handleVisibleMessage(v, threadID, openGroupID)
	}
	return Outcome{}, discard(fmt.Errorf("%w: unhandled message type %T", ErrInvalidMessage, m))
}

// classifyGroupError separates adversarial group control input from real
// failures. Authorization and validity rejections are silent drops; anything
// else, storage errors mostly, keeps flowing so the batch retries.
func (r *Receiver) classifyGroupError(m protocol.Message, err error) error {
	switch {
	case errors.Is(err, groups.ErrGroupNotFound),
		errors.Is(err, groups.ErrStaleUpdate),
		errors.Is(err, groups.ErrNotMember),
		errors.Is(err, groups.ErrNotAdmin),
		errors.Is(err, groups.ErrBadAdminSignature),
		errors.Is(err, groups.ErrInvalidControl):
		r.log.Infof("dropping group control from %s: %v", m.Meta().Sender, err)
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonInvalid).Inc()
		return discard(err)
	}
	return err
}

func kindLabel(m protocol.Message) string {
	switch m.(type) {
	case *protocol.VisibleMessage:
		return "visible"
	case *protocol.ReadReceipt:
		return "read_receipt"
	case *protocol.TypingIndicator:
		return "typing"
	case *protocol.ExpirationTimerUpdate:
		return "expiration_update"
	case *protocol.DataExtractionNotification:
		return "data_extraction"
	case *protocol.ConfigurationMessage:
		return "configuration"
	case *protocol.UnsendRequest:
		return "unsend"
	case *protocol.MessageRequestResponse:
		return "message_request_response"
	case *protocol.CallMessage:
		return "call"
	case *protocol.LegacyGroupControlMessage:
		return "legacy_group_control"
	case *protocol.GroupUpdated:
		return "group_updated"
	}
	return "unknown"
}

// messageIsOutdated reports whether a newer synced config has removed the
// conversation this message belongs to. A message is only outdated when the
// conversation is not visible in the config AND the config can no longer be
// changed at the message's timestamp; either condition alone keeps it alive.
// Read receipts and unsend requests always apply, they reference messages
// rather than conversations.
func (r *Receiver) messageIsOutdated(m protocol.Message, threadID int64, openGroupID string) (bool, error) {
	switch m.(type) {
	case *protocol.ReadReceipt, *protocol.UnsendRequest:
		return false, nil
	}
	if threadID == protocol.NoThread {
		return false, nil
	}

	addr := addressFor(m, openGroupID)
	visible, err := r.store.ConversationVisibleInConfig(addr)
	if err != nil {
		return false, retryable(err)
	}
	canChange, err := r.store.CanPerformConfigChange(configKindFor(addr), m.Meta().SentTimestamp)
	if err != nil {
		return false, retryable(err)
	}
	return !visible && !canChange, nil
}

func (r *Receiver) handleReadReceipt(m *protocol.ReadReceipt) error {
	r.receipts.Process(m.Meta().Sender, m.Timestamps, m.Meta().ReceivedTimestamp)
	return nil
}

func (r *Receiver) handleTypingIndicator(m *protocol.TypingIndicator, threadID int64) error {
	if threadID == protocol.NoThread {
		return discard(ErrNoThread)
	}
	switch m.Kind {
	case protocol.TypingStarted:
		r.typing.StartedTyping(threadID, m.Meta().Sender)
	case protocol.TypingStopped:
		r.typing.StoppedTyping(threadID, m.Meta().Sender)
	}
	return nil
}

func (r *Receiver) handleDataExtraction(m *protocol.DataExtractionNotification, threadID int64) error {
	if threadID == protocol.NoThread {
		return discard(ErrNoThread)
	}
	typ := storage.InfoScreenshotTaken
	if m.Kind == protocol.DataExtractionMediaSaved {
		typ = storage.InfoMediaSaved
	}
	return r.store.InsertInfoMessage(threadID, typ, m.Meta().Sender, "", m.Meta().SentTimestamp)
}

func (r *Receiver) handleExpirationTimerUpdate(m *protocol.ExpirationTimerUpdate, threadID int64) error {
	if threadID == protocol.NoThread {
		return discard(ErrNoThread)
	}
	mode := storage.ExpiryMode{Type: m.ExpiryType, DurationSeconds: m.DurationSecs}
	if m.DurationSecs == 0 {
		mode = storage.ExpiryMode{Type: protocol.ExpiryNone}
	}
	err := r.store.SetExpirationConfig(&storage.ExpirationConfig{
		ThreadID:    threadID,
		Mode:        mode,
		UpdatedAtMs: m.Meta().SentTimestamp,
	})
	if err != nil {
		return retryable(err)
	}
	return r.store.InsertInfoMessage(threadID, storage.InfoDisappearingStateChange, m.Meta().Sender, "", m.Meta().SentTimestamp)
}

func (r *Receiver) handleCall(m *protocol.CallMessage, threadID int64) error {
	select {
	case r.calls <- m:
	default:
		r.log.Warnf("dropping call message %s from %s, signal queue full", m.CallID, m.Meta().Sender)
		return nil
	}
	if m.Kind == protocol.CallPreOffer && threadID != protocol.NoThread {
		return r.store.InsertInfoMessage(threadID, storage.InfoCallIncoming, m.Meta().Sender, "", m.Meta().SentTimestamp)
	}
	return nil
}

func (r *Receiver) handleMessageRequestResponse(m *protocol.MessageRequestResponse) error {
	if !m.IsApproved {
		return nil
	}
	sender := m.Meta().Sender
	contact, found, err := r.store.Contact(sender)
	if err != nil {
		return retryable(err)
	}
	if !found {
		contact = &storage.Contact{AccountID: sender}
	}
	contact.DidApproveMe = true
	if err := r.store.SaveContact(contact); err != nil {
		return retryable(err)
	}
	return nil
}

// handleConfiguration restores state synced from another of the user's
// devices. Only ever accepted from the user themselves.
func (r *Receiver) handleConfiguration(m *protocol.ConfigurationMessage) error {
	if !m.Meta().IsSenderSelf {
		return discard(fmt.Errorf("%w: configuration from %s", ErrInvalidMessage, m.Meta().Sender))
	}
	// Only the first configuration sync on this install is imported; later
	// ones are owned by the per-kind config messages.
	synced, err := r.store.ConfigurationSynced()
	if err != nil {
		return retryable(err)
	}
	if synced {
		r.log.Debugf("ignoring configuration message, already synced")
		return nil
	}
	if m.DisplayName != "" || m.ProfilePictureURL != "" || len(m.ProfileKey) > 0 {
		profile := &storage.UserProfile{
			Name:       m.DisplayName,
			PictureURL: m.ProfilePictureURL,
			Key:        m.ProfileKey,
		}
		if err := r.store.SetUserProfile(profile); err != nil {
			return retryable(err)
		}
	}
	for i := range m.Contacts {
		c := m.Contacts[i]
		existing, found, err := r.store.Contact(c.PublicKey)
		if err != nil {
			return retryable(err)
		}
		if !found {
			existing = &storage.Contact{AccountID: c.PublicKey}
		}
		existing.Name = c.Name
		existing.ProfilePictureURL = c.ProfilePictureURL
		if len(c.ProfileKey) > 0 {
			existing.ProfileKey = c.ProfileKey
		}
		existing.IsApproved = existing.IsApproved || c.IsApproved
		existing.IsBlocked = existing.IsBlocked || c.IsBlocked
		existing.DidApproveMe = existing.DidApproveMe || c.DidApproveMe
		if err := r.store.SaveContact(existing); err != nil {
			return retryable(err)
		}
	}
	for i := range m.ClosedGroups {
		g := m.ClosedGroups[i]
		_, found, err := r.store.Group(g.PublicKey)
		if err != nil {
			return retryable(err)
		}
		if found {
			continue
		}
		rec := &storage.GroupRecord{
			PublicKey:          g.PublicKey,
			Name:               g.Name,
			Members:            g.Members,
			Admins:             g.Admins,
			FormationTimestamp: m.Meta().SentTimestamp,
			ExpirationSeconds:  g.ExpirationSeconds,
			Active:             true,
		}
		if err := r.store.CreateGroup(rec); err != nil {
			return retryable(err)
		}
		if err := r.store.AddGroupKeyPair(g.PublicKey, g.EncryptionKeyPair, m.Meta().SentTimestamp); err != nil {
			return retryable(err)
		}
		if _, err := r.store.GetOrCreateThread(storage.Address{GroupID: ids.DoubleEncodeGroupID(g.PublicKey)}); err != nil {
			return retryable(err)
		}
	}
	for _, url := range m.OpenGroups {
		if err := r.store.AddOpenGroup(url, ""); err != nil {
			return retryable(err)
		}
	}
	if err := r.store.SetConfigurationSynced(true); err != nil {
		return retryable(err)
	}
	return nil
}

// handleUnsendRequest deletes a previously delivered message. The request is
// honored when the requester authored the message, or when the target is the
// user's own message (a self-sync of a deletion performed on another
// device).
func (r *Receiver) handleUnsendRequest(ctx context.Context, m *protocol.UnsendRequest) (Outcome, error) {
	sender := m.Meta().Sender
	userPublicKey := r.store.UserPublicKey()
	if sender != m.Author && m.Author != userPublicKey {
		// A legacy group admin may remove any member's messages.
		if !r.senderIsLegacyGroupAdmin(sender, m) {
			return Outcome{}, discard(fmt.Errorf("%w: unsend of %s's message requested by %s", ErrInvalidMessage, m.Author, sender))
		}
	}

	id, _, found, err := r.store.MessageByTimestamp(m.Timestamp, m.Author)
	if err != nil {
		return Outcome{}, retryable(err)
	}
	if !found {
		return Outcome{}, nil
	}

	if err := r.store.DeleteAllReactions(id); err != nil {
		return Outcome{}, retryable(err)
	}

	if m.Author == userPublicKey && m.Meta().IsSenderSelf {
		// Deleting our own message on our own account: purge the row and the
		// swarm copy.
		if err := r.store.DeleteMessage(id); err != nil {
			return Outcome{}, retryable(err)
		}
		if hash := m.Meta().ServerHash; hash != "" && r.swarm != nil {
			if err := r.swarm.DeleteMessages(ctx, userPublicKey, []string{hash}); err != nil {
				r.log.Warnf("unable to delete message from swarm: %v", err)
			}
		}
		return Outcome{Removed: id}, nil
	}
	if err := r.store.MarkMessageDeleted(id); err != nil {
		return Outcome{}, retryable(err)
	}
	return Outcome{Removed: id}, nil
}

func (r *Receiver) senderIsLegacyGroupAdmin(sender ids.AccountID, m *protocol.UnsendRequest) bool {
	groupPublicKey := m.Meta().GroupPublicKey
	if groupPublicKey == "" {
		return false
	}
	group, found, err := r.store.Group(groupPublicKey)
	if err != nil || !found {
		return false
	}
	return group.HasAdmin(sender)
}
