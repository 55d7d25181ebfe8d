// Package store is the sqlcipher-backed implementation of the storage
// contract. All access runs through the shared database lock so the receive
// pipeline, group managers and UI never interleave partial writes.
package store

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/bencode"
	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/db"
	"github.com/Oligofornet/session-android/migration"
	"github.com/Oligofornet/session-android/storage"
)

type Store struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	db    *db.Database
	clock clock.Clock
}

var _ storage.Storage = (*Store)(nil)

func New(cfg *config.Config, cl clock.Clock, database *db.Database) (*Store, error) {
	s := &Store{
		cfg:   cfg,
		log:   cfg.Logger("store"),
		db:    database,
		clock: cl,
	}
	if err := database.MigrateNoLock("store", migrations); err != nil {
		return nil, err
	}
	return s, nil
}

var migrations = []*migration.Migration{
	{
		Name: "initial-schema",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	public_key TEXT NOT NULL,
	x25519_priv BLOB NOT NULL,
	ed25519_priv BLOB NOT NULL
);

CREATE TABLE blinded_ids (
	server_public_key TEXT NOT NULL,
	blinded_id TEXT NOT NULL,
	PRIMARY KEY (server_public_key, blinded_id)
);

CREATE TABLE settings (
	name TEXT PRIMARY KEY,
	value INT8 NOT NULL
);

CREATE TABLE config_visible (
	addr TEXT PRIMARY KEY
);

CREATE TABLE config_timestamps (
	kind INTEGER PRIMARY KEY,
	last_applied INT8 NOT NULL
);

CREATE TABLE threads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	community_id TEXT NOT NULL DEFAULT '',
	last_seen INT8 NOT NULL DEFAULT 0,
	UNIQUE (account_id, group_id, community_id)
);

CREATE TABLE messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mms BOOLEAN NOT NULL DEFAULT false,
	thread_id INT8 NOT NULL,
	sender TEXT NOT NULL,
	type INTEGER NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	sent_at INT8 NOT NULL,
	received_at INT8 NOT NULL DEFAULT 0,
	server_hash TEXT NOT NULL DEFAULT '',
	server_id INT8 NOT NULL DEFAULT -1,
	attachments BLOB,
	quote_at INT8 NOT NULL DEFAULT 0,
	quote_author TEXT NOT NULL DEFAULT '',
	quote_missing BOOLEAN NOT NULL DEFAULT false,
	quote_text TEXT NOT NULL DEFAULT '',
	preview_url TEXT NOT NULL DEFAULT '',
	preview_title TEXT NOT NULL DEFAULT '',
	has_mention BOOLEAN NOT NULL DEFAULT false,
	expires_in INTEGER NOT NULL DEFAULT 0,
	expiry_type INTEGER NOT NULL DEFAULT 0,
	deleted BOOLEAN NOT NULL DEFAULT false,
	info_type INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX messages_thread ON messages (thread_id, sent_at);
CREATE INDEX messages_sender_sent ON messages (sender, sent_at);
CREATE INDEX messages_server_hash ON messages (thread_id, server_hash);

CREATE TABLE reactions (
	message_id INT8 NOT NULL,
	mms BOOLEAN NOT NULL,
	author TEXT NOT NULL,
	emoji TEXT NOT NULL,
	server_id TEXT NOT NULL DEFAULT '',
	count INT8 NOT NULL DEFAULT 0,
	sort_id INT8 NOT NULL DEFAULT 0,
	sent_at INT8 NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, mms, author, emoji)
);

CREATE TABLE pending_reactions (
	server TEXT NOT NULL,
	room TEXT NOT NULL,
	server_id INT8 NOT NULL,
	author TEXT NOT NULL,
	emoji TEXT NOT NULL,
	is_add BOOLEAN NOT NULL,
	PRIMARY KEY (server, room, server_id, author, emoji, is_add)
);

CREATE TABLE groups (
	public_key TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	members BLOB NOT NULL,
	admins BLOB NOT NULL,
	zombies BLOB NOT NULL,
	formed_at INT8 NOT NULL,
	expiration INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE group_key_pairs (
	group_public_key TEXT NOT NULL,
	public_key BLOB NOT NULL,
	private_key BLOB NOT NULL,
	received_at INT8 NOT NULL,
	PRIMARY KEY (group_public_key, public_key)
);

CREATE TABLE contacts (
	account_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	picture_url TEXT NOT NULL DEFAULT '',
	profile_key BLOB,
	approved BOOLEAN NOT NULL DEFAULT false,
	blocked BOOLEAN NOT NULL DEFAULT false,
	did_approve_me BOOLEAN NOT NULL DEFAULT false,
	hidden BOOLEAN NOT NULL DEFAULT false,
	blocks_community_requests BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE expiration_configs (
	thread_id INT8 PRIMARY KEY,
	expiry_type INTEGER NOT NULL,
	duration INTEGER NOT NULL,
	updated_at INT8 NOT NULL
);

CREATE TABLE open_groups (
	server TEXT NOT NULL,
	room TEXT NOT NULL,
	public_key TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (server, room)
);
`)
			return err
		},
	},
	{
		Name: "user-profile",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE user_profile (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	name TEXT NOT NULL DEFAULT '',
	picture_url TEXT NOT NULL DEFAULT '',
	profile_key BLOB
);
`)
			return err
		},
	},
}

// encodeIDs and decodeIDs carry account id lists in a single blob column.
func encodeIDs(list []ids.AccountID) ([]byte, error) {
	l := list
	if l == nil {
		l = []ids.AccountID{}
	}
	return bencode.Serialize(&l)
}

func decodeIDs(buf []byte) ([]ids.AccountID, error) {
	var l []ids.AccountID
	if err := bencode.Deserialize(buf, &l); err != nil {
		return nil, err
	}
	return l, nil
}

// SetIdentity seeds or replaces the user's key material.
func (s *Store) SetIdentity(publicKey ids.AccountID, x25519Priv, ed25519Priv []byte) error {
	return s.db.Run("set identity", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO identity (id, public_key, x25519_priv, ed25519_priv) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET public_key = excluded.public_key, x25519_priv = excluded.x25519_priv, ed25519_priv = excluded.ed25519_priv`,
			publicKey, x25519Priv, ed25519Priv)
		return err
	})
}

func (s *Store) UserPublicKey() ids.AccountID {
	var pk string
	err := s.db.RunReadOnly("user public key", func() error {
		return s.db.Tx.Get(&pk, "SELECT public_key FROM identity WHERE id = 1")
	})
	if err != nil {
		s.log.Warnf("unable to load identity: %v", err)
		return ""
	}
	return pk
}

func (s *Store) UserX25519PrivateKey() []byte {
	var k []byte
	err := s.db.RunReadOnly("user x25519 key", func() error {
		return s.db.Tx.Get(&k, "SELECT x25519_priv FROM identity WHERE id = 1")
	})
	if err != nil {
		s.log.Warnf("unable to load identity: %v", err)
		return nil
	}
	return k
}

func (s *Store) UserEd25519SecretKey() []byte {
	var k []byte
	err := s.db.RunReadOnly("user ed25519 key", func() error {
		return s.db.Tx.Get(&k, "SELECT ed25519_priv FROM identity WHERE id = 1")
	})
	if err != nil {
		s.log.Warnf("unable to load identity: %v", err)
		return nil
	}
	return k
}

func (s *Store) UserProfile() (*storage.UserProfile, error) {
	var row struct {
		Name       string `db:"name"`
		PictureURL string `db:"picture_url"`
		ProfileKey []byte `db:"profile_key"`
	}
	err := s.db.RunReadOnly("user profile", func() error {
		err := s.db.Tx.Get(&row, "SELECT name, picture_url, profile_key FROM user_profile WHERE id = 1")
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &storage.UserProfile{Name: row.Name, PictureURL: row.PictureURL, Key: row.ProfileKey}, nil
}

func (s *Store) SetUserProfile(p *storage.UserProfile) error {
	return s.db.Run("set user profile", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO user_profile (id, name, picture_url, profile_key) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, picture_url = excluded.picture_url, profile_key = excluded.profile_key`,
			p.Name, p.PictureURL, p.Key)
		return err
	})
}

func (s *Store) AddBlindedID(serverPublicKey string, id ids.AccountID) error {
	return s.db.Run("add blinded id", func() error {
		_, err := s.db.Tx.Exec(
			"INSERT INTO blinded_ids (server_public_key, blinded_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			serverPublicKey, id)
		return err
	})
}

func (s *Store) BlindedIDs(serverPublicKey string) ([]ids.AccountID, error) {
	var out []ids.AccountID
	err := s.db.RunReadOnly("blinded ids", func() error {
		return s.db.Tx.Select(&out,
			"SELECT blinded_id FROM blinded_ids WHERE server_public_key = ?", serverPublicKey)
	})
	return out, err
}

func (s *Store) SetConversationVisibleInConfig(addr storage.Address, visible bool) error {
	return s.db.Run("set conversation visible", func() error {
		if visible {
			_, err := s.db.Tx.Exec(
				"INSERT INTO config_visible (addr) VALUES (?) ON CONFLICT DO NOTHING", addrColumn(addr))
			return err
		}
		_, err := s.db.Tx.Exec("DELETE FROM config_visible WHERE addr = ?", addrColumn(addr))
		return err
	})
}

func (s *Store) ConversationVisibleInConfig(addr storage.Address) (bool, error) {
	var n int
	err := s.db.RunReadOnly("conversation visible", func() error {
		return s.db.Tx.Get(&n, "SELECT count(*) FROM config_visible WHERE addr = ?", addrColumn(addr))
	})
	return n != 0, err
}

// SetConfigApplied records that a synced config for the kind was applied at
// the given timestamp. Messages older than this lose the benefit of the
// doubt.
func (s *Store) SetConfigApplied(kind storage.ConfigKind, timestampMs uint64) error {
	return s.db.Run("set config applied", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO config_timestamps (kind, last_applied) VALUES (?, ?)
ON CONFLICT (kind) DO UPDATE SET last_applied = max(last_applied, excluded.last_applied)`,
			kind, timestampMs)
		return err
	})
}

func (s *Store) LastConfigTimestamp(kind storage.ConfigKind) (uint64, error) {
	var last uint64
	err := s.db.RunReadOnly("last config timestamp", func() error {
		err := s.db.Tx.Get(&last, "SELECT last_applied FROM config_timestamps WHERE kind = ?", kind)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	return last, err
}

func (s *Store) CanPerformConfigChange(kind storage.ConfigKind, timestampMs uint64) (bool, error) {
	last, err := s.LastConfigTimestamp(kind)
	if err != nil {
		return false, err
	}
	// Changes slightly older than the last applied config are still allowed;
	// clocks across the user's devices drift.
	return timestampMs+s.cfg.ConfigChangeBufferMs >= last, nil
}

func (s *Store) ConfigurationSynced() (bool, error) {
	var v int64
	err := s.db.RunReadOnly("configuration synced", func() error {
		err := s.db.Tx.Get(&v, "SELECT value FROM settings WHERE name = 'configuration_synced'")
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	return v != 0, err
}

func (s *Store) SetConfigurationSynced(synced bool) error {
	v := int64(0)
	if synced {
		v = 1
	}
	return s.db.Run("set configuration synced", func() error {
		_, err := s.db.Tx.Exec(`
INSERT INTO settings (name, value) VALUES ('configuration_synced', ?)
ON CONFLICT (name) DO UPDATE SET value = excluded.value`, v)
		return err
	})
}
