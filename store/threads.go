package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// addrColumn flattens an address into the unique key the threads and
// config_visible tables index on.
func addrColumn(a storage.Address) string {
	return strings.Join([]string{a.AccountID, a.GroupID, a.CommunityID}, "|")
}

type threadRow struct {
	ID          int64  `db:"id"`
	AccountID   string `db:"account_id"`
	GroupID     string `db:"group_id"`
	CommunityID string `db:"community_id"`
	LastSeen    uint64 `db:"last_seen"`
}

func (s *Store) ThreadID(addr storage.Address) (int64, error) {
	id := protocol.NoThread
	err := s.db.RunReadOnly("thread id", func() error {
		err := s.db.Tx.Get(&id,
			"SELECT id FROM threads WHERE account_id = ? AND group_id = ? AND community_id = ?",
			addr.AccountID, addr.GroupID, addr.CommunityID)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	return id, err
}

func (s *Store) GetOrCreateThread(addr storage.Address) (int64, error) {
	var id int64
	err := s.db.Run("get or create thread", func() error {
		err := s.db.Tx.Get(&id,
			"SELECT id FROM threads WHERE account_id = ? AND group_id = ? AND community_id = ?",
			addr.AccountID, addr.GroupID, addr.CommunityID)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		res, err := s.db.Tx.Exec(
			"INSERT INTO threads (account_id, group_id, community_id) VALUES (?, ?, ?)",
			addr.AccountID, addr.GroupID, addr.CommunityID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *Store) ThreadAddress(threadID int64) (storage.Address, error) {
	var row threadRow
	err := s.db.RunReadOnly("thread address", func() error {
		err := s.db.Tx.Get(&row, "SELECT * FROM threads WHERE id = ?", threadID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: no thread %d", threadID)
		}
		return err
	})
	if err != nil {
		return storage.Address{}, err
	}
	return storage.Address{
		AccountID:   row.AccountID,
		GroupID:     row.GroupID,
		CommunityID: row.CommunityID,
	}, nil
}

func (s *Store) DeleteThread(threadID int64) error {
	return s.db.Run("delete thread", func() error {
		if _, err := s.db.Tx.Exec(
			"DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE thread_id = ?)",
			threadID); err != nil {
			return err
		}
		if _, err := s.db.Tx.Exec("DELETE FROM messages WHERE thread_id = ?", threadID); err != nil {
			return err
		}
		if _, err := s.db.Tx.Exec("DELETE FROM expiration_configs WHERE thread_id = ?", threadID); err != nil {
			return err
		}
		_, err := s.db.Tx.Exec("DELETE FROM threads WHERE id = ?", threadID)
		return err
	})
}

func (s *Store) LastSeen(threadID int64) (uint64, error) {
	var seen uint64
	err := s.db.RunReadOnly("last seen", func() error {
		err := s.db.Tx.Get(&seen, "SELECT last_seen FROM threads WHERE id = ?", threadID)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	return seen, err
}

func (s *Store) SetLastSeen(threadID int64, timestampMs uint64) error {
	return s.db.Run("set last seen", func() error {
		_, err := s.db.Tx.Exec("UPDATE threads SET last_seen = ? WHERE id = ?", timestampMs, threadID)
		return err
	})
}

func (s *Store) ExpirationConfig(threadID int64) (*storage.ExpirationConfig, bool, error) {
	var row struct {
		ExpiryType uint8  `db:"expiry_type"`
		Duration   uint32 `db:"duration"`
		UpdatedAt  uint64 `db:"updated_at"`
	}
	found := true
	err := s.db.RunReadOnly("expiration config", func() error {
		err := s.db.Tx.Get(&row,
			"SELECT expiry_type, duration, updated_at FROM expiration_configs WHERE thread_id = ?", threadID)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &storage.ExpirationConfig{
		ThreadID: threadID,
		Mode: storage.ExpiryMode{
			Type:            row.ExpiryType,
			DurationSeconds: row.Duration,
		},
		UpdatedAtMs: row.UpdatedAt,
	}, true, nil
}

func (s *Store) SetExpirationConfig(c *storage.ExpirationConfig) error {
	return s.db.Run("set expiration config", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO expiration_configs (thread_id, expiry_type, duration, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (thread_id) DO UPDATE SET expiry_type = excluded.expiry_type, duration = excluded.duration, updated_at = excluded.updated_at`,
			c.ThreadID, c.Mode.Type, c.Mode.DurationSeconds, c.UpdatedAtMs)
		return err
	})
}

func (s *Store) OpenGroupByID(id string) (*storage.OpenGroup, bool, error) {
	var row struct {
		Server    string `db:"server"`
		Room      string `db:"room"`
		PublicKey string `db:"public_key"`
	}
	found := false
	err := s.db.RunReadOnly("open group by id", func() error {
		err := s.db.Tx.Get(&row,
			"SELECT server, room, public_key FROM open_groups WHERE server || '.' || room = ?", id)
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
		return nil, false, err
	}
	return &storage.OpenGroup{Server: row.Server, Room: row.Room, PublicKey: row.PublicKey}, true, nil
}

func (s *Store) AddOpenGroup(server, room string) error {
	return s.db.Run("add open group", func() error {
		_, err := s.db.Tx.Exec(
			"INSERT INTO open_groups (server, room) VALUES (?, ?) ON CONFLICT DO NOTHING",
			server, room)
		return err
	})
}
