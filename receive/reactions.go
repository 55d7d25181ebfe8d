package receive

import (
	"golang.org/x/exp/slices"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/storage"
)

// MergeServerReactions replaces the locally persisted reactions for a
// community message with the server's aggregate view. Emojis with a pending
// unechoed local change are left untouched so the poller does not revert
// what the user just did.
func (r *Receiver) MergeServerReactions(og *storage.OpenGroup, id storage.MessageID, serverReactions []storage.ServerReaction) error {
	userPublicKey := r.store.UserPublicKey()
	blinded, err := r.store.BlindedIDs(og.PublicKey)
	if err != nil {
		return retryable(err)
	}
	selfIDs := append([]ids.AccountID{userPublicKey}, blinded...)

	existing, err := r.store.ReactionsForMessage(id)
	if err != nil {
		return retryable(err)
	}

	var rows []storage.Reaction
	var sortID int64
	for i := range serverReactions {
		sr := &serverReactions[i]
		for _, add := range []bool{true, false} {
			pending, err := r.store.TakePendingReaction(storage.PendingReaction{
				Server:          og.Server,
				Room:            og.Room,
				ServerMessageID: sr.ServerMessageID,
				Author:          userPublicKey,
				Emoji:           sr.Emoji,
				Add:             add,
			})
			if err != nil {
				return retryable(err)
			}
			if pending {
				// Keep whatever rows we already have for this emoji.
				rows = append(rows, keepEmoji(existing, sr.Emoji, &sortID)...)
				sr = nil
				break
			}
		}
		if sr == nil {
			continue
		}
		rows = append(rows, r.reactionRows(sr, id, selfIDs, &sortID)...)
	}
	if err := r.store.SetReactions(id, rows); err != nil {
		return retryable(err)
	}
	return nil
}

// reactionRows converts one server aggregate into persisted rows: the first
// row carries the server total, the user's own row goes last so the UI can
// highlight it, and the reactor list is capped.
func (r *Receiver) reactionRows(sr *storage.ServerReaction, id storage.MessageID, selfIDs []ids.AccountID, sortID *int64) []storage.Reaction {
	limit := r.cfg.MaxReactorsPerEmoji
	if limit <= 0 {
		limit = 5
	}

	self := sr.You
	var others []ids.AccountID
	for _, reactor := range sr.Reactors {
		if local, ok := sr.SessionIDs[reactor]; ok {
			reactor = local
		}
		if slices.Contains(selfIDs, reactor) {
			self = true
			continue
		}
		others = append(others, reactor)
	}
	if self && len(others) > limit-1 {
		others = others[:limit-1]
	} else if len(others) > limit {
		others = others[:limit]
	}

	var rows []storage.Reaction
	for _, reactor := range others {
		row := storage.Reaction{
			MessageID: id,
			Author:    reactor,
			Emoji:     sr.Emoji,
			SortID:    *sortID,
		}
		if len(rows) == 0 {
			row.Count = sr.Count
		}
		*sortID++
		rows = append(rows, row)
	}
	if self {
		row := storage.Reaction{
			MessageID: id,
			Author:    selfIDs[0],
			Emoji:     sr.Emoji,
			SortID:    *sortID,
		}
		if len(rows) == 0 {
			row.Count = sr.Count
		}
		*sortID++
		rows = append(rows, row)
	}
	return rows
}

func keepEmoji(existing []storage.Reaction, emoji string, sortID *int64) []storage.Reaction {
	var kept []storage.Reaction
	for _, row := range existing {
		if row.Emoji == emoji {
			row.SortID = *sortID
			*sortID++
			kept = append(kept, row)
		}
	}
	return kept
}

