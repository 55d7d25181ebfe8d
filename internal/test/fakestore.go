package test

import (
	"strings"
	"sync"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// StoredMessage is a FakeStore row, exposed so tests can assert on what was
// persisted.
type StoredMessage struct {
	ID         storage.MessageID
	ThreadID   int64
	Sender     ids.AccountID
	Body       string
	SentAtMs   uint64
	ServerHash string
	ServerID   int64
	Deleted    bool
	Info       storage.InfoMessageType
	HasMention bool
	Record     *storage.IncomingMessage
}

// FakeStore is an in-memory storage.Storage used by handler tests.
type FakeStore struct {
	lock sync.Mutex

	UserPK       ids.AccountID
	X25519Priv   []byte
	Ed25519Priv  []byte
	Blinded      map[string][]ids.AccountID
	Hidden       map[ids.AccountID]bool
	VisibleAddrs map[string]bool
	// When false, CanPerformConfigChange denies every change.
	CanChange    bool
	ConfigSynced bool
	ConfigTimes  map[storage.ConfigKind]uint64
	Profile      *storage.UserProfile

	nextThread int64
	threads    map[string]int64
	addrs      map[int64]storage.Address
	lastSeen   map[int64]uint64

	nextMsg  int64
	Messages []*StoredMessage

	Reactions map[storage.MessageID][]storage.Reaction
	Pending   []storage.PendingReaction

	Groups    map[string]*storage.GroupRecord
	KeyPairs  map[string][]protocol.KeyPair
	Contacts  map[ids.AccountID]*storage.Contact
	Expiry    map[int64]*storage.ExpirationConfig
	OpenRooms map[string]*storage.OpenGroup
}

var _ storage.Storage = (*FakeStore)(nil)

func NewFakeStore(userPublicKey ids.AccountID) *FakeStore {
	return &FakeStore{
		UserPK:       userPublicKey,
		Blinded:      map[string][]ids.AccountID{},
		Hidden:       map[ids.AccountID]bool{},
		VisibleAddrs: map[string]bool{},
		CanChange:    true,
		ConfigTimes:  map[storage.ConfigKind]uint64{},
		threads:      map[string]int64{},
		addrs:        map[int64]storage.Address{},
		lastSeen:     map[int64]uint64{},
		Reactions:    map[storage.MessageID][]storage.Reaction{},
		Groups:       map[string]*storage.GroupRecord{},
		KeyPairs:     map[string][]protocol.KeyPair{},
		Contacts:     map[ids.AccountID]*storage.Contact{},
		Expiry:       map[int64]*storage.ExpirationConfig{},
		OpenRooms:    map[string]*storage.OpenGroup{},
	}
}

func addrKey(a storage.Address) string {
	return strings.Join([]string{a.AccountID, a.GroupID, a.CommunityID}, "|")
}

func (s *FakeStore) UserPublicKey() ids.AccountID { return s.UserPK }
func (s *FakeStore) UserX25519PrivateKey() []byte  { return s.X25519Priv }
func (s *FakeStore) UserEd25519SecretKey() []byte  { return s.Ed25519Priv }

func (s *FakeStore) BlindedIDs(serverPublicKey string) ([]ids.AccountID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.Blinded[serverPublicKey], nil
}

func (s *FakeStore) ConversationVisibleInConfig(addr storage.Address) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.VisibleAddrs[addrKey(addr)], nil
}

func (s *FakeStore) CanPerformConfigChange(kind storage.ConfigKind, timestampMs uint64) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.CanChange, nil
}

func (s *FakeStore) LastConfigTimestamp(kind storage.ConfigKind) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ConfigTimes[kind], nil
}

func (s *FakeStore) UserProfile() (*storage.UserProfile, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.Profile == nil {
		return &storage.UserProfile{}, nil
	}
	return s.Profile, nil
}

func (s *FakeStore) SetUserProfile(p *storage.UserProfile) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Profile = p
	return nil
}

func (s *FakeStore) ConfigurationSynced() (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ConfigSynced, nil
}

func (s *FakeStore) SetConfigurationSynced(synced bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ConfigSynced = synced
	return nil
}

func (s *FakeStore) ThreadID(addr storage.Address) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	id, ok := s.threads[addrKey(addr)]
	if !ok {
		return protocol.NoThread, nil
	}
	return id, nil
}

func (s *FakeStore) GetOrCreateThread(addr storage.Address) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if id, ok := s.threads[addrKey(addr)]; ok {
		return id, nil
	}
	s.nextThread++
	s.threads[addrKey(addr)] = s.nextThread
	s.addrs[s.nextThread] = addr
	return s.nextThread, nil
}

func (s *FakeStore) ThreadAddress(threadID int64) (storage.Address, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.addrs[threadID], nil
}

func (s *FakeStore) DeleteThread(threadID int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	addr, ok := s.addrs[threadID]
	if !ok {
		return nil
	}
	delete(s.addrs, threadID)
	delete(s.threads, addrKey(addr))
	delete(s.lastSeen, threadID)
	return nil
}

func (s *FakeStore) LastSeen(threadID int64) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastSeen[threadID], nil
}

func (s *FakeStore) SetLastSeen(threadID int64, timestampMs uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastSeen[threadID] = timestampMs
	return nil
}

func (s *FakeStore) MessageExists(sender ids.AccountID, sentAtMs uint64) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, m := range s.Messages {
		if m.Sender == sender && m.SentAtMs == sentAtMs && !m.Deleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) PersistMessage(rec *storage.IncomingMessage) (storage.MessageID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextMsg++
	id := storage.MessageID{ID: s.nextMsg, MMS: len(rec.Attachments) > 0}
	s.Messages = append(s.Messages, &StoredMessage{
		ID:         id,
		ThreadID:   rec.ThreadID,
		Sender:     rec.Sender,
		Body:       rec.Body,
		SentAtMs:   rec.SentAtMs,
		ServerHash: rec.ServerHash,
		ServerID:   rec.ServerMessageID,
		HasMention: rec.HasMention,
		Record:     rec,
	})
	return id, nil
}

func (s *FakeStore) MessageByTimestamp(sentAtMs uint64, author ids.AccountID) (storage.MessageID, int64, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, m := range s.Messages {
		if m.SentAtMs == sentAtMs && m.Sender == author && !m.Deleted {
			return m.ID, m.ThreadID, true, nil
		}
	}
	return storage.MessageID{}, protocol.NoThread, false, nil
}

func (s *FakeStore) DeleteMessage(id storage.MessageID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := s.Messages[:0]
	for _, m := range s.Messages {
		if m.ID != id {
			out = append(out, m)
		}
	}
	s.Messages = out
	delete(s.Reactions, id)
	return nil
}

func (s *FakeStore) MarkMessageDeleted(id storage.MessageID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, m := range s.Messages {
		if m.ID == id {
			m.Deleted = true
			m.Body = ""
		}
	}
	return nil
}

func (s *FakeStore) DeleteMessagesByServerHashes(threadID int64, hashes []string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	drop := map[string]bool{}
	for _, h := range hashes {
		drop[h] = true
	}
	out := s.Messages[:0]
	for _, m := range s.Messages {
		if m.ThreadID == threadID && drop[m.ServerHash] {
			continue
		}
		out = append(out, m)
	}
	s.Messages = out
	return nil
}

func (s *FakeStore) DeleteMessagesFrom(threadID int64, sender ids.AccountID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := s.Messages[:0]
	for _, m := range s.Messages {
		if m.ThreadID == threadID && m.Sender == sender {
			continue
		}
		out = append(out, m)
	}
	s.Messages = out
	return nil
}

func (s *FakeStore) ClearMessages(threadID int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := s.Messages[:0]
	for _, m := range s.Messages {
		if m.ThreadID != threadID {
			out = append(out, m)
		}
	}
	s.Messages = out
	return nil
}

func (s *FakeStore) InsertInfoMessage(threadID int64, typ storage.InfoMessageType, sender ids.AccountID, body string, timestampMs uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextMsg++
	s.Messages = append(s.Messages, &StoredMessage{
		ID:       storage.MessageID{ID: s.nextMsg},
		ThreadID: threadID,
		Sender:   sender,
		Body:     body,
		SentAtMs: timestampMs,
		Info:     typ,
	})
	return nil
}

// InfoMessages returns the info rows persisted for a thread, oldest first.
func (s *FakeStore) InfoMessages(threadID int64) []*StoredMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*StoredMessage
	for _, m := range s.Messages {
		if m.ThreadID == threadID && m.Info != 0 {
			out = append(out, m)
		}
	}
	return out
}

// MessagesInThread returns non-info rows for a thread, oldest first.
func (s *FakeStore) MessagesInThread(threadID int64) []*StoredMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*StoredMessage
	for _, m := range s.Messages {
		if m.ThreadID == threadID && m.Info == 0 {
			out = append(out, m)
		}
	}
	return out
}

func (s *FakeStore) ReactionsForMessage(id storage.MessageID) ([]storage.Reaction, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]storage.Reaction{}, s.Reactions[id]...), nil
}

func (s *FakeStore) AddReaction(r *storage.Reaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Reactions[r.MessageID] = append(s.Reactions[r.MessageID], *r)
	return nil
}

func (s *FakeStore) RemoveReaction(id storage.MessageID, author ids.AccountID, emoji string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	rs := s.Reactions[id][:0]
	for _, r := range s.Reactions[id] {
		if r.Author == author && r.Emoji == emoji {
			continue
		}
		rs = append(rs, r)
	}
	s.Reactions[id] = rs
	return nil
}

func (s *FakeStore) DeleteAllReactions(id storage.MessageID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.Reactions, id)
	return nil
}

func (s *FakeStore) SetReactions(id storage.MessageID, rs []storage.Reaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Reactions[id] = append([]storage.Reaction{}, rs...)
	return nil
}

func (s *FakeStore) AddPendingReaction(p storage.PendingReaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.Pending = append(s.Pending, p)
	return nil
}

func (s *FakeStore) TakePendingReaction(p storage.PendingReaction) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, q := range s.Pending {
		if q == p {
			s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) Group(publicKey string) (*storage.GroupRecord, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	g, ok := s.Groups[publicKey]
	if !ok {
		return nil, false, nil
	}
	cp := *g
	return &cp, true, nil
}

func (s *FakeStore) CreateGroup(rec *storage.GroupRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	cp := *rec
	s.Groups[rec.PublicKey] = &cp
	return nil
}

func (s *FakeStore) SetGroupName(publicKey, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.Groups[publicKey]; ok {
		g.Name = name
	}
	return nil
}

func (s *FakeStore) SetGroupMembers(publicKey string, members []ids.AccountID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.Groups[publicKey]; ok {
		g.Members = append([]ids.AccountID{}, members...)
	}
	return nil
}

func (s *FakeStore) SetGroupAdmins(publicKey string, admins []ids.AccountID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.Groups[publicKey]; ok {
		g.Admins = append([]ids.AccountID{}, admins...)
	}
	return nil
}

func (s *FakeStore) SetGroupZombieMembers(publicKey string, zombies []ids.AccountID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.Groups[publicKey]; ok {
		g.ZombieMembers = append([]ids.AccountID{}, zombies...)
	}
	return nil
}

func (s *FakeStore) SetGroupActive(publicKey string, active bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if g, ok := s.Groups[publicKey]; ok {
		g.Active = active
	}
	return nil
}

func (s *FakeStore) AddGroupKeyPair(publicKey string, kp protocol.KeyPair, receivedAtMs uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.KeyPairs[publicKey] = append(s.KeyPairs[publicKey], kp)
	return nil
}

func (s *FakeStore) LatestGroupKeyPair(publicKey string) (protocol.KeyPair, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	kps := s.KeyPairs[publicKey]
	if len(kps) == 0 {
		return protocol.KeyPair{}, false, nil
	}
	return kps[len(kps)-1], true, nil
}

func (s *FakeStore) HasGroupKeyPair(publicKey string, kp protocol.KeyPair) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, existing := range s.KeyPairs[publicKey] {
		if string(existing.PublicKey) == string(kp.PublicKey) && string(existing.PrivateKey) == string(kp.PrivateKey) {
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) AllGroupKeyPairs(publicKey string) ([]protocol.KeyPair, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]protocol.KeyPair{}, s.KeyPairs[publicKey]...), nil
}

func (s *FakeStore) DeleteGroupKeyPairs(publicKey string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.KeyPairs, publicKey)
	return nil
}

func (s *FakeStore) Contact(id ids.AccountID) (*storage.Contact, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.Contacts[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *FakeStore) SaveContact(c *storage.Contact) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	cp := *c
	s.Contacts[c.AccountID] = &cp
	return nil
}

func (s *FakeStore) ExpirationConfig(threadID int64) (*storage.ExpirationConfig, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.Expiry[threadID]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *FakeStore) SetExpirationConfig(c *storage.ExpirationConfig) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	cp := *c
	s.Expiry[c.ThreadID] = &cp
	return nil
}

func (s *FakeStore) OpenGroupByID(id string) (*storage.OpenGroup, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	o, ok := s.OpenRooms[id]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}

func (s *FakeStore) AddOpenGroup(server, room string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	o := &storage.OpenGroup{Server: server, Room: room}
	s.OpenRooms[o.ID()] = o
	return nil
}

// ContactIsHidden mirrors the hidden flag set by the config replica.
func (s *FakeStore) ContactIsHidden(id ids.AccountID) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.Hidden[id], nil
}
