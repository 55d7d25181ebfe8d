package groups

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/crypto"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// Sender performs the local user's group mutations: creating groups, editing
// membership, and rotating the shared encryption key. Local state is only
// persisted once the corresponding control message has been sent, so a
// transport failure never leaves the stores ahead of the other members.
type Sender struct {
	log    *zap.SugaredLogger
	clock  clock.Clock
	store  storage.Storage
	sender MessageSender
	push   PushRegistry

	// Key pairs generated but not yet distributed, keyed by group public key.
	// Entries move to the store only after the rotation message is sent.
	pending sync.Map
}

func NewSender(cfg *config.Config, cl clock.Clock, store storage.Storage, sender MessageSender, push PushRegistry) *Sender {
	return &Sender{
		log:    cfg.Logger("groups"),
		clock:  cl,
		store:  store,
		sender: sender,
		push:   push,
	}
}

// Create generates a new legacy closed group, invites every member, and
// activates the group locally. The user is always a member and the sole
// admin. If any invite fails the group is not persisted.
func (s *Sender) Create(ctx context.Context, name string, members []ids.AccountID) (string, error) {
	userPublicKey := s.store.UserPublicKey()
	allMembers := members
	if !slices.Contains(allMembers, userPublicKey) {
		allMembers = append(append([]ids.AccountID{}, members...), userPublicKey)
	}

	groupPub, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	groupPublicKey, err := ids.FromKey(ids.PrefixStandard, groupPub)
	if err != nil {
		return "", err
	}
	encPub, encPriv, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	encKeyPair := protocol.KeyPair{PublicKey: encPub, PrivateKey: encPriv}

	now := s.clock.CurrentTimeMs()
	rawKey, err := hex.DecodeString(groupPublicKey)
	if err != nil {
		return "", err
	}
	invite := &protocol.LegacyGroupControlMessage{
		Kind:              protocol.LegacyGroupNew,
		PublicKey:         rawKey,
		Name:              name,
		EncryptionKeyPair: encKeyPair,
		Members:           memberBytes(allMembers),
		Admins:            memberBytes([]ids.AccountID{userPublicKey}),
	}
	invite.Meta().SentTimestamp = now

	if err := s.sender.SendToMembers(ctx, allMembers, invite); err != nil {
		return "", fmt.Errorf("groups: unable to invite members: %w", err)
	}

	rec := &storage.GroupRecord{
		PublicKey:          groupPublicKey,
		Name:               name,
		Members:            allMembers,
		Admins:             []ids.AccountID{userPublicKey},
		FormationTimestamp: now,
		Active:             true,
	}
	if err := s.store.CreateGroup(rec); err != nil {
		return "", err
	}
	if err := s.store.AddGroupKeyPair(groupPublicKey, encKeyPair, now); err != nil {
		return "", err
	}
	threadID, err := s.store.GetOrCreateThread(storage.Address{GroupID: ids.DoubleEncodeGroupID(groupPublicKey)})
	if err != nil {
		return "", err
	}
	if err := s.store.InsertInfoMessage(threadID, storage.InfoGroupCreated, userPublicKey, name, now); err != nil {
		return "", err
	}
	if err := s.push.SubscribeGroup(groupPublicKey); err != nil {
		s.log.Warnf("unable to subscribe to group %s: %v", groupPublicKey, err)
	}
	return groupPublicKey, nil
}

func (s *Sender) SetName(ctx context.Context, groupPublicKey, name string) error {
	group, err := s.activeGroup(groupPublicKey)
	if err != nil {
		return err
	}
	m := &protocol.LegacyGroupControlMessage{Kind: protocol.LegacyGroupNameChange, Name: name}
	m.Meta().SentTimestamp = s.clock.CurrentTimeMs()
	if err := s.sender.SendToGroup(ctx, groupPublicKey, m); err != nil {
		return err
	}
	if group.Name == name {
		return nil
	}
	return s.store.SetGroupName(groupPublicKey, name)
}

// AddMembers invites the given accounts. The membership change goes to the
// existing group first; each new member then gets a New message carrying the
// current encryption key so they can participate immediately.
func (s *Sender) AddMembers(ctx context.Context, groupPublicKey string, added []ids.AccountID) error {
	group, err := s.activeGroup(groupPublicKey)
	if err != nil {
		return err
	}
	toAdd := make([]ids.AccountID, 0, len(added))
	for _, id := range added {
		if !group.HasMember(id) {
			toAdd = append(toAdd, id)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	kp, err := s.currentKeyPair(groupPublicKey)
	if err != nil {
		return err
	}
	now := s.clock.CurrentTimeMs()

	change := &protocol.LegacyGroupControlMessage{
		Kind:    protocol.LegacyGroupMembersAdded,
		Members: memberBytes(toAdd),
	}
	change.Meta().SentTimestamp = now
	if err := s.sender.SendToGroup(ctx, groupPublicKey, change); err != nil {
		return err
	}

	rawKey, err := hex.DecodeString(groupPublicKey)
	if err != nil {
		return err
	}
	// New members get a timestamp after the membership change so their copy
	// of the group postdates it.
	invite := &protocol.LegacyGroupControlMessage{
		Kind:              protocol.LegacyGroupNew,
		PublicKey:         rawKey,
		Name:              group.Name,
		EncryptionKeyPair: *kp,
		Members:           memberBytes(append(group.Members, toAdd...)),
		Admins:            memberBytes(group.Admins),
		ExpirationTimer:   group.ExpirationSeconds,
	}
	invite.Meta().SentTimestamp = now + 1
	if err := s.sender.SendToMembers(ctx, toAdd, invite); err != nil {
		return err
	}
	return s.store.SetGroupMembers(groupPublicKey, append(group.Members, toAdd...))
}

// RemoveMembers evicts the given accounts and, since they held the current
// encryption key, rotates it for everyone who remains. Only admins remove.
func (s *Sender) RemoveMembers(ctx context.Context, groupPublicKey string, removed []ids.AccountID) error {
	group, err := s.activeGroup(groupPublicKey)
	if err != nil {
		return err
	}
	userPublicKey := s.store.UserPublicKey()
	if !group.HasAdmin(userPublicKey) {
		return ErrNotAdmin
	}
	for _, id := range removed {
		if group.HasAdmin(id) {
			return fmt.Errorf("groups: admins cannot be removed from a group")
		}
	}

	change := &protocol.LegacyGroupControlMessage{
		Kind:    protocol.LegacyGroupMembersRemoved,
		Members: memberBytes(removed),
	}
	change.Meta().SentTimestamp = s.clock.CurrentTimeMs()
	if err := s.sender.SendToGroup(ctx, groupPublicKey, change); err != nil {
		return err
	}

	remaining := without(group.Members, removed)
	if err := s.store.SetGroupMembers(groupPublicKey, remaining); err != nil {
		return err
	}
	zombies := without(group.ZombieMembers, removed)
	if err := s.store.SetGroupZombieMembers(groupPublicKey, zombies); err != nil {
		return err
	}
	return s.RotateKeyPair(ctx, groupPublicKey)
}

func (s *Sender) Leave(ctx context.Context, groupPublicKey string) error {
	group, err := s.activeGroup(groupPublicKey)
	if err != nil {
		return err
	}
	userPublicKey := s.store.UserPublicKey()
	m := &protocol.LegacyGroupControlMessage{Kind: protocol.LegacyGroupMemberLeft}
	m.Meta().SentTimestamp = s.clock.CurrentTimeMs()
	if err := s.sender.SendToGroup(ctx, groupPublicKey, m); err != nil {
		return err
	}
	if err := s.store.SetGroupMembers(groupPublicKey, without(group.Members, []ids.AccountID{userPublicKey})); err != nil {
		return err
	}
	if err := s.store.SetGroupActive(groupPublicKey, false); err != nil {
		return err
	}
	if err := s.store.DeleteGroupKeyPairs(groupPublicKey); err != nil {
		return err
	}
	if err := s.push.UnsubscribeGroup(groupPublicKey); err != nil {
		s.log.Warnf("unable to unsubscribe from group %s: %v", groupPublicKey, err)
	}
	threadID, err := s.store.ThreadID(storage.Address{GroupID: ids.DoubleEncodeGroupID(groupPublicKey)})
	if err != nil {
		return err
	}
	if threadID != protocol.NoThread {
		return s.store.InsertInfoMessage(threadID, storage.InfoGroupCurrentUserLeft, userPublicKey, "", m.Meta().SentTimestamp)
	}
	return nil
}

// RotateKeyPair generates a fresh encryption key pair and distributes it,
// sealed per remaining member. The new pair is only persisted once the
// distribution message has been sent; until then decryptors keep using the
// previous pair. Zombie members never receive the new key.
func (s *Sender) RotateKeyPair(ctx context.Context, groupPublicKey string) error {
	group, err := s.activeGroup(groupPublicKey)
	if err != nil {
		return err
	}
	if !group.HasAdmin(s.store.UserPublicKey()) {
		return ErrNotAdmin
	}

	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	kp := &protocol.KeyPair{PublicKey: pub, PrivateKey: priv}
	s.setPending(groupPublicKey, kp)

	if err := s.distributeKeyPair(ctx, groupPublicKey, kp, group.Members); err != nil {
		// Leave the pending entry in place; the next rotation or resend will
		// supersede it.
		return err
	}

	now := s.clock.CurrentTimeMs()
	if err := s.store.AddGroupKeyPair(groupPublicKey, *kp, now); err != nil {
		return err
	}
	s.pending.CompareAndDelete(groupPublicKey, kp)
	return nil
}

// ResendLatestKeyPair sends the newest key pair, preferring one still pending
// distribution, to the given members only.
func (s *Sender) ResendLatestKeyPair(groupPublicKey string, members []ids.AccountID) error {
	kp, err := s.currentKeyPair(groupPublicKey)
	if err != nil {
		return err
	}
	return s.distributeKeyPair(context.Background(), groupPublicKey, kp, members)
}

func (s *Sender) distributeKeyPair(ctx context.Context, groupPublicKey string, kp *protocol.KeyPair, members []ids.AccountID) error {
	wrappers, err := wrapKeyPair(kp, members)
	if err != nil {
		return err
	}
	rawKey, err := hex.DecodeString(groupPublicKey)
	if err != nil {
		return err
	}
	m := &protocol.LegacyGroupControlMessage{
		Kind:      protocol.LegacyGroupEncryptionKeyPair,
		PublicKey: rawKey,
		Wrappers:  wrappers,
	}
	m.Meta().SentTimestamp = s.clock.CurrentTimeMs()
	return s.sender.SendToMembers(ctx, members, m)
}

// currentKeyPair prefers a pending, not-yet-persisted rotation over the
// stored pair.
func (s *Sender) currentKeyPair(groupPublicKey string) (*protocol.KeyPair, error) {
	if v, ok := s.pending.Load(groupPublicKey); ok {
		return v.(*protocol.KeyPair), nil
	}
	kp, found, err := s.store.LatestGroupKeyPair(groupPublicKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("groups: no encryption key pair for %s", groupPublicKey)
	}
	return &kp, nil
}

func (s *Sender) setPending(groupPublicKey string, kp *protocol.KeyPair) {
	for {
		old, loaded := s.pending.LoadOrStore(groupPublicKey, kp)
		if !loaded {
			return
		}
		if s.pending.CompareAndSwap(groupPublicKey, old, kp) {
			return
		}
	}
}

func (s *Sender) activeGroup(groupPublicKey string) (*storage.GroupRecord, error) {
	group, found, err := s.store.Group(groupPublicKey)
	if err != nil {
		return nil, err
	}
	if !found || !group.Active {
		return nil, ErrGroupNotFound
	}
	return group, nil
}

func memberBytes(members []ids.AccountID) [][]byte {
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		b, err := hex.DecodeString(m)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

