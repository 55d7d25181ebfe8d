package store

import (
	"database/sql"

	"github.com/Oligofornet/session-android/bencode"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

type messageRow struct {
	ID           int64  `db:"id"`
	MMS          bool   `db:"mms"`
	ThreadID     int64  `db:"thread_id"`
	Sender       string `db:"sender"`
	Type         uint8  `db:"type"`
	Body         string `db:"body"`
	SentAt       uint64 `db:"sent_at"`
	ReceivedAt   uint64 `db:"received_at"`
	ServerHash   string `db:"server_hash"`
	ServerID     int64  `db:"server_id"`
	Attachments  []byte `db:"attachments"`
	QuoteAt      uint64 `db:"quote_at"`
	QuoteAuthor  string `db:"quote_author"`
	QuoteMissing bool   `db:"quote_missing"`
	QuoteText    string `db:"quote_text"`
	PreviewURL   string `db:"preview_url"`
	PreviewTitle string `db:"preview_title"`
	HasMention   bool   `db:"has_mention"`
	ExpiresIn    uint32 `db:"expires_in"`
	ExpiryType   uint8  `db:"expiry_type"`
	Deleted      bool   `db:"deleted"`
	InfoType     uint8  `db:"info_type"`
}

func (s *Store) MessageExists(sender ids.AccountID, sentAtMs uint64) (bool, error) {
	var n int
	err := s.db.RunReadOnly("message exists", func() error {
		return s.db.Tx.Get(&n,
			"SELECT count(*) FROM messages WHERE sender = ? AND sent_at = ? AND NOT deleted",
			sender, sentAtMs)
	})
	return n != 0, err
}

func (s *Store) PersistMessage(rec *storage.IncomingMessage) (storage.MessageID, error) {
	var id storage.MessageID
	id.MMS = len(rec.Attachments) > 0
	var attachments []byte
	if id.MMS {
		var err error
		attachments, err = bencode.Serialize(&rec.Attachments)
		if err != nil {
			return id, err
		}
	}
	err := s.db.Run("persist message", func() error {
		res, err := s.db.Tx.Exec(`
INSERT INTO messages (
	mms, thread_id, sender, type, body, sent_at, received_at, server_hash,
	server_id, attachments, quote_at, quote_author, quote_missing, quote_text,
	preview_url, preview_title, has_mention, expires_in, expiry_type
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.MMS, rec.ThreadID, rec.Sender, rec.Type, rec.Body, rec.SentAtMs,
			rec.ReceivedAtMs, rec.ServerHash, rec.ServerMessageID, attachments,
			rec.QuoteTimestamp, rec.QuoteAuthor, rec.QuoteMissing, rec.QuoteText,
			rec.PreviewURL, rec.PreviewTitle, rec.HasMention, rec.ExpiresIn,
			rec.ExpiryType)
		if err != nil {
			return err
		}
		id.ID, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *Store) MessageByTimestamp(sentAtMs uint64, author ids.AccountID) (storage.MessageID, int64, bool, error) {
	var row messageRow
	found := false
	err := s.db.RunReadOnly("message by timestamp", func() error {
		err := s.db.Tx.Get(&row,
			"SELECT id, mms, thread_id FROM messages WHERE sent_at = ? AND sender = ? AND NOT deleted",
			sentAtMs, author)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return storage.MessageID{}, protocol.NoThread, false, err
	}
	return storage.MessageID{ID: row.ID, MMS: row.MMS}, row.ThreadID, true, nil
}

func (s *Store) DeleteMessage(id storage.MessageID) error {
	return s.db.Run("delete message", func() error {
		if _, err := s.db.Tx.Exec(
			"DELETE FROM reactions WHERE message_id = ? AND mms = ?", id.ID, id.MMS); err != nil {
			return err
		}
		_, err := s.db.Tx.Exec("DELETE FROM messages WHERE id = ? AND mms = ?", id.ID, id.MMS)
		return err
	})
}

func (s *Store) MarkMessageDeleted(id storage.MessageID) error {
	return s.db.Run("mark message deleted", func() error {
		_, err := s.db.Tx.Exec(`
UPDATE messages SET deleted = true, body = '', attachments = NULL, preview_url = '', preview_title = ''
WHERE id = ? AND mms = ?`, id.ID, id.MMS)
		return err
	})
}

func (s *Store) DeleteMessagesByServerHashes(threadID int64, hashes []string) error {
	return s.db.Run("delete by server hashes", func() error {
		for _, hash := range hashes {
			if _, err := s.db.Tx.Exec(
				"DELETE FROM messages WHERE thread_id = ? AND server_hash = ?",
				threadID, hash); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteMessagesFrom(threadID int64, sender ids.AccountID) error {
	return s.db.Run("delete messages from", func() error {
		_, err := s.db.Tx.Exec(
			"DELETE FROM messages WHERE thread_id = ? AND sender = ?", threadID, sender)
		return err
	})
}

func (s *Store) ClearMessages(threadID int64) error {
	return s.db.Run("clear messages", func() error {
		if _, err := s.db.Tx.Exec(
			"DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE thread_id = ?)",
			threadID); err != nil {
			return err
		}
		_, err := s.db.Tx.Exec("DELETE FROM messages WHERE thread_id = ?", threadID)
		return err
	})
}

func (s *Store) InsertInfoMessage(threadID int64, typ storage.InfoMessageType, sender ids.AccountID, body string, timestampMs uint64) error {
	return s.db.Run("insert info message", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO messages (thread_id, sender, type, body, sent_at, received_at, info_type)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			threadID, sender, storage.MessageIncoming, body, timestampMs,
			s.clock.CurrentTimeMs(), typ)
		return err
	})
}

type reactionRow struct {
	MessageID int64  `db:"message_id"`
	MMS       bool   `db:"mms"`
	Author    string `db:"author"`
	Emoji     string `db:"emoji"`
	ServerID  string `db:"server_id"`
	Count     int64  `db:"count"`
	SortID    int64  `db:"sort_id"`
	SentAt    uint64 `db:"sent_at"`
}

func (s *Store) ReactionsForMessage(id storage.MessageID) ([]storage.Reaction, error) {
	var rows []reactionRow
	err := s.db.RunReadOnly("reactions for message", func() error {
		return s.db.Tx.Select(&rows,
			"SELECT * FROM reactions WHERE message_id = ? AND mms = ? ORDER BY sort_id",
			id.ID, id.MMS)
	})
	if err != nil {
		return nil, err
	}
	out := make([]storage.Reaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, storage.Reaction{
			MessageID: storage.MessageID{ID: row.MessageID, MMS: row.MMS},
			Author:    row.Author,
			Emoji:     row.Emoji,
			ServerID:  row.ServerID,
			Count:     row.Count,
			SortID:    row.SortID,
			SentAtMs:  row.SentAt,
		})
	}
	return out, nil
}

func (s *Store) AddReaction(r *storage.Reaction) error {
	return s.db.Run("add reaction", func() error {
		return s.insertReaction(r)
	})
}

func (s *Store) insertReaction(r *storage.Reaction) error {
	_, err := s.db.Tx.Exec(`
INSERT INTO reactions (message_id, mms, author, emoji, server_id, count, sort_id, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (message_id, mms, author, emoji) DO UPDATE SET
	server_id = excluded.server_id, count = excluded.count,
	sort_id = excluded.sort_id, sent_at = excluded.sent_at`,
		r.MessageID.ID, r.MessageID.MMS, r.Author, r.Emoji, r.ServerID,
		r.Count, r.SortID, r.SentAtMs)
	return err
}

func (s *Store) RemoveReaction(id storage.MessageID, author ids.AccountID, emoji string) error {
	return s.db.Run("remove reaction", func() error {
		_, err := s.db.Tx.Exec(
			"DELETE FROM reactions WHERE message_id = ? AND mms = ? AND author = ? AND emoji = ?",
			id.ID, id.MMS, author, emoji)
		return err
	})
}

func (s *Store) DeleteAllReactions(id storage.MessageID) error {
	return s.db.Run("delete all reactions", func() error {
		_, err := s.db.Tx.Exec(
			"DELETE FROM reactions WHERE message_id = ? AND mms = ?", id.ID, id.MMS)
		return err
	})
}

func (s *Store) SetReactions(id storage.MessageID, rs []storage.Reaction) error {
	return s.db.Run("set reactions", func() error {
		if _, err := s.db.Tx.Exec(
			"DELETE FROM reactions WHERE message_id = ? AND mms = ?", id.ID, id.MMS); err != nil {
			return err
		}
		for i := range rs {
			if err := s.insertReaction(&rs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AddPendingReaction(p storage.PendingReaction) error {
	return s.db.Run("add pending reaction", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO pending_reactions (server, room, server_id, author, emoji, is_add)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			p.Server, p.Room, p.ServerMessageID, p.Author, p.Emoji, p.Add)
		return err
	})
}

func (s *Store) TakePendingReaction(p storage.PendingReaction) (bool, error) {
	taken := false
	err := s.db.Run("take pending reaction", func() error {
		res, err := s.db.Tx.Exec(`
DELETE FROM pending_reactions
WHERE server = ? AND room = ? AND server_id = ? AND author = ? AND emoji = ? AND is_add = ?`,
			p.Server, p.Room, p.ServerMessageID, p.Author, p.Emoji, p.Add)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		taken = n != 0
		return nil
	})
	return taken, err
}
