package receive

import (
	"fmt"
	"strings"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/metrics"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

func (r *Receiver) handleVisibleMessage(m *protocol.VisibleMessage, threadID int64, openGroupID string) (Outcome, error) {
	if threadID == protocol.NoThread {
		metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonNoThread).Inc()
		return Outcome{}, discard(ErrNoThread)
	}
	meta := m.Meta()

	if m.HasProfile && !meta.IsSenderSelf {
		if err := r.mergeProfile(meta.Sender, &m.Profile, m.BlocksMessageRequests); err != nil {
			return Outcome{}, retryable(err)
		}
	}

	if m.HasReaction {
		return Outcome{}, r.applyReaction(m, threadID)
	}

	rec := &storage.IncomingMessage{
		ThreadID:        threadID,
		Sender:          meta.Sender,
		Type:            storage.MessageIncoming,
		Body:            m.Text,
		SentAtMs:        meta.SentTimestamp,
		ReceivedAtMs:    meta.ReceivedTimestamp,
		ServerHash:      meta.ServerHash,
		ServerMessageID: meta.OpenGroupServerMessageID,
	}
	if meta.IsSenderSelf {
		rec.Type = storage.MessageOutgoing
	}

	for i := range m.Attachments {
		if m.Attachments[i].Valid() {
			rec.Attachments = append(rec.Attachments, m.Attachments[i])
		}
	}
	for i := range m.Previews {
		if m.Previews[i].Valid() {
			rec.PreviewURL = m.Previews[i].URL
			rec.PreviewTitle = m.Previews[i].Title
			break
		}
	}

	if m.HasQuote {
		rec.QuoteTimestamp = m.Quote.Timestamp
		rec.QuoteAuthor = m.Quote.Author
		_, _, found, err := r.store.MessageByTimestamp(m.Quote.Timestamp, m.Quote.Author)
		if err != nil {
			return Outcome{}, retryable(err)
		}
		if !found {
			// Keep the sender-supplied excerpt so the quote still renders.
			rec.QuoteMissing = true
			rec.QuoteText = m.Quote.Text
		}
	}

	mentioned, err := r.detectMention(m, openGroupID)
	if err != nil {
		return Outcome{}, retryable(err)
	}
	rec.HasMention = mentioned
	meta.HasMention = mentioned

	// Community messages never disappear regardless of what the sender's
	// client believes.
	if openGroupID == "" {
		rec.ExpiresIn = m.ExpiryTimerSeconds
		rec.ExpiryType = m.ExpiryType
		if m.LegacyExpiry() {
			rec.ExpiryType = protocol.ExpiryAfterRead
		}
	}

	id, err := r.store.PersistMessage(rec)
	if err != nil {
		return Outcome{}, retryable(err)
	}

	if len(rec.Attachments) > 0 && r.attachments != nil {
		r.attachments.ScheduleDownload(id, threadID)
	}
	// A real message supersedes any typing indicator from the same sender.
	if !meta.IsSenderSelf {
		r.typing.StoppedTyping(threadID, meta.Sender)
	}
	return Outcome{Persisted: id, HasMention: mentioned, IsOwn: meta.IsSenderSelf}, nil
}

func (r *Receiver) mergeProfile(sender ids.AccountID, p *protocol.Profile, blocksRequests bool) error {
	contact, found, err := r.store.Contact(sender)
	if err != nil {
		return err
	}
	if !found {
		contact = &storage.Contact{AccountID: sender}
	}
	if p.DisplayName != "" {
		contact.Name = p.DisplayName
	}
	if p.ProfilePictureURL != "" {
		contact.ProfilePictureURL = p.ProfilePictureURL
		contact.ProfileKey = p.ProfileKey
	}
	contact.BlocksCommunityRequests = blocksRequests
	// A message from the contact means they have our conversation open.
	contact.DidApproveMe = true
	return r.store.SaveContact(contact)
}

// applyReaction resolves the reacted-to message and adds or removes a single
// reaction row. Aggregated community reactions arrive through the poller and
// are reconciled separately.
func (r *Receiver) applyReaction(m *protocol.VisibleMessage, threadID int64) error {
	meta := m.Meta()
	react := &m.Reaction
	id, targetThread, found, err := r.store.MessageByTimestamp(react.Timestamp, react.Author)
	if err != nil {
		return retryable(err)
	}
	if !found || targetThread != threadID {
		return discard(fmt.Errorf("%w: reaction to unknown message at %d", ErrInvalidMessage, react.Timestamp))
	}
	if !react.React {
		if err := r.store.RemoveReaction(id, meta.Sender, react.Emoji); err != nil {
			return retryable(err)
		}
		return nil
	}
	err = r.store.AddReaction(&storage.Reaction{
		MessageID: id,
		Author:    meta.Sender,
		Emoji:     react.Emoji,
		Count:     1,
		SentAtMs:  meta.SentTimestamp,
	})
	if err != nil {
		return retryable(err)
	}
	return nil
}

// detectMention reports whether the message calls the user out: an @-mention
// of their account id (or a blinded id on the message's community), or a
// quote of one of their own messages.
func (r *Receiver) detectMention(m *protocol.VisibleMessage, openGroupID string) (bool, error) {
	userPublicKey := r.store.UserPublicKey()
	if m.HasQuote && m.Quote.Author == userPublicKey {
		return true, nil
	}
	if m.Text == "" {
		return false, nil
	}
	if strings.Contains(m.Text, "@"+userPublicKey) {
		return true, nil
	}
	if openGroupID != "" {
		og, found, err := r.store.OpenGroupByID(openGroupID)
		if err != nil {
			return false, err
		}
		if found {
			blinded, err := r.store.BlindedIDs(og.PublicKey)
			if err != nil {
				return false, err
			}
			for _, id := range blinded {
				if strings.Contains(m.Text, "@"+id) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}
