package store

import (
	"database/sql"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

type groupRow struct {
	PublicKey  string `db:"public_key"`
	Name       string `db:"name"`
	Members    []byte `db:"members"`
	Admins     []byte `db:"admins"`
	Zombies    []byte `db:"zombies"`
	FormedAt   uint64 `db:"formed_at"`
	Expiration uint32 `db:"expiration"`
	Active     bool   `db:"active"`
}

func (s *Store) Group(publicKey string) (*storage.GroupRecord, bool, error) {
	var row groupRow
	found := false
	err := s.db.RunReadOnly("group", func() error {
		err := s.db.Tx.Get(&row, "SELECT * FROM groups WHERE public_key = ?", publicKey)
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
	members, err := decodeIDs(row.Members)
	if err != nil {
		return nil, false, err
	}
	admins, err := decodeIDs(row.Admins)
	if err != nil {
		return nil, false, err
	}
	zombies, err := decodeIDs(row.Zombies)
	if err != nil {
		return nil, false, err
	}
	return &storage.GroupRecord{
		PublicKey:          row.PublicKey,
		Name:               row.Name,
		Members:            members,
		Admins:             admins,
		ZombieMembers:      zombies,
		FormationTimestamp: row.FormedAt,
		ExpirationSeconds:  row.Expiration,
		Active:             row.Active,
	}, true, nil
}

func (s *Store) CreateGroup(rec *storage.GroupRecord) error {
	members, err := encodeIDs(rec.Members)
	if err != nil {
		return err
	}
	admins, err := encodeIDs(rec.Admins)
	if err != nil {
		return err
	}
	zombies, err := encodeIDs(rec.ZombieMembers)
	if err != nil {
		return err
	}
	return s.db.Run("create group", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO groups (public_key, name, members, admins, zombies, formed_at, expiration, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (public_key) DO UPDATE SET
	name = excluded.name, members = excluded.members, admins = excluded.admins,
	zombies = excluded.zombies, formed_at = excluded.formed_at,
	expiration = excluded.expiration, active = excluded.active`,
			rec.PublicKey, rec.Name, members, admins, zombies,
			rec.FormationTimestamp, rec.ExpirationSeconds, rec.Active)
		return err
	})
}

func (s *Store) SetGroupName(publicKey, name string) error {
	return s.db.Run("set group name", func() error {
		_, err := s.db.Tx.Exec("UPDATE groups SET name = ? WHERE public_key = ?", name, publicKey)
		return err
	})
}

func (s *Store) setGroupIDList(label, column, publicKey string, list []ids.AccountID) error {
	buf, err := encodeIDs(list)
	if err != nil {
		return err
	}
	return s.db.Run(label, func() error {
		_, err := s.db.Tx.Exec("UPDATE groups SET "+column+" = ? WHERE public_key = ?", buf, publicKey)
		return err
	})
}

func (s *Store) SetGroupMembers(publicKey string, members []ids.AccountID) error {
	return s.setGroupIDList("set group members", "members", publicKey, members)
}

func (s *Store) SetGroupAdmins(publicKey string, admins []ids.AccountID) error {
	return s.setGroupIDList("set group admins", "admins", publicKey, admins)
}

func (s *Store) SetGroupZombieMembers(publicKey string, zombies []ids.AccountID) error {
	return s.setGroupIDList("set group zombies", "zombies", publicKey, zombies)
}

func (s *Store) SetGroupActive(publicKey string, active bool) error {
	return s.db.Run("set group active", func() error {
		_, err := s.db.Tx.Exec("UPDATE groups SET active = ? WHERE public_key = ?", active, publicKey)
		return err
	})
}

func (s *Store) AddGroupKeyPair(publicKey string, kp protocol.KeyPair, receivedAtMs uint64) error {
	return s.db.Run("add group key pair", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO group_key_pairs (group_public_key, public_key, private_key, received_at)
VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			publicKey, kp.PublicKey, kp.PrivateKey, receivedAtMs)
		return err
	})
}

func (s *Store) LatestGroupKeyPair(publicKey string) (protocol.KeyPair, bool, error) {
	var row struct {
		PublicKey  []byte `db:"public_key"`
		PrivateKey []byte `db:"private_key"`
	}
	found := false
	err := s.db.RunReadOnly("latest group key pair", func() error {
		err := s.db.Tx.Get(&row, `
SELECT public_key, private_key FROM group_key_pairs
WHERE group_public_key = ? ORDER BY received_at DESC, rowid DESC LIMIT 1`, publicKey)
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
		return protocol.KeyPair{}, false, err
	}
	return protocol.KeyPair{PublicKey: row.PublicKey, PrivateKey: row.PrivateKey}, true, nil
}

func (s *Store) HasGroupKeyPair(publicKey string, kp protocol.KeyPair) (bool, error) {
	var n int
	err := s.db.RunReadOnly("has group key pair", func() error {
		return s.db.Tx.Get(&n,
			"SELECT count(*) FROM group_key_pairs WHERE group_public_key = ? AND public_key = ?",
			publicKey, kp.PublicKey)
	})
	return n != 0, err
}

func (s *Store) AllGroupKeyPairs(publicKey string) ([]protocol.KeyPair, error) {
	var rows []struct {
		PublicKey  []byte `db:"public_key"`
		PrivateKey []byte `db:"private_key"`
	}
	err := s.db.RunReadOnly("all group key pairs", func() error {
		return s.db.Tx.Select(&rows, `
SELECT public_key, private_key FROM group_key_pairs
WHERE group_public_key = ? ORDER BY received_at`, publicKey)
	})
	if err != nil {
		return nil, err
	}
	out := make([]protocol.KeyPair, 0, len(rows))
	for _, row := range rows {
		out = append(out, protocol.KeyPair{PublicKey: row.PublicKey, PrivateKey: row.PrivateKey})
	}
	return out, nil
}

func (s *Store) DeleteGroupKeyPairs(publicKey string) error {
	return s.db.Run("delete group key pairs", func() error {
		_, err := s.db.Tx.Exec("DELETE FROM group_key_pairs WHERE group_public_key = ?", publicKey)
		return err
	})
}

type contactRow struct {
	AccountID               string `db:"account_id"`
	Name                    string `db:"name"`
	Nickname                string `db:"nickname"`
	PictureURL              string `db:"picture_url"`
	ProfileKey              []byte `db:"profile_key"`
	Approved                bool   `db:"approved"`
	Blocked                 bool   `db:"blocked"`
	DidApproveMe            bool   `db:"did_approve_me"`
	Hidden                  bool   `db:"hidden"`
	BlocksCommunityRequests bool   `db:"blocks_community_requests"`
}

func (s *Store) Contact(id ids.AccountID) (*storage.Contact, bool, error) {
	var row contactRow
	found := false
	err := s.db.RunReadOnly("contact", func() error {
		err := s.db.Tx.Get(&row, "SELECT * FROM contacts WHERE account_id = ?", id)
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
	return &storage.Contact{
		AccountID:               row.AccountID,
		Name:                    row.Name,
		Nickname:                row.Nickname,
		ProfilePictureURL:       row.PictureURL,
		ProfileKey:              row.ProfileKey,
		IsApproved:              row.Approved,
		IsBlocked:               row.Blocked,
		DidApproveMe:            row.DidApproveMe,
		IsHidden:                row.Hidden,
		BlocksCommunityRequests: row.BlocksCommunityRequests,
	}, true, nil
}

func (s *Store) SaveContact(c *storage.Contact) error {
	return s.db.Run("save contact", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO contacts (
	account_id, name, nickname, picture_url, profile_key, approved, blocked,
	did_approve_me, hidden, blocks_community_requests
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (account_id) DO UPDATE SET
	name = excluded.name, nickname = excluded.nickname,
	picture_url = excluded.picture_url, profile_key = excluded.profile_key,
	approved = excluded.approved, blocked = excluded.blocked,
	did_approve_me = excluded.did_approve_me, hidden = excluded.hidden,
	blocks_community_requests = excluded.blocks_community_requests`,
			c.AccountID, c.Name, c.Nickname, c.ProfilePictureURL, c.ProfileKey,
			c.IsApproved, c.IsBlocked, c.DidApproveMe, c.IsHidden,
			c.BlocksCommunityRequests)
		return err
	})
}

func (s *Store) ContactIsHidden(id ids.AccountID) (bool, error) {
	var hidden bool
	err := s.db.RunReadOnly("contact is hidden", func() error {
		err := s.db.Tx.Get(&hidden, "SELECT hidden FROM contacts WHERE account_id = ?", id)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	return hidden, err
}
