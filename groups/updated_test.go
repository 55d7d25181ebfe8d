package groups

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/test"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// inlineApplier runs queued mutations on the caller's goroutine so tests can
// assert storage state right after Handle returns.
type inlineApplier struct {
	ops  []string
	errs []error
}

func (a *inlineApplier) Apply(op, groupPublicKey string, fn func(ctx context.Context) error) error {
	a.ops = append(a.ops, op)
	a.errs = append(a.errs, fn(context.Background()))
	return nil
}

func newUpdatedHandler(t *testing.T, store *test.FakeStore) (*UpdatedHandler, *fakePush, *inlineApplier) {
	t.Helper()
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	push := &fakePush{}
	queue := &inlineApplier{}
	return NewUpdatedHandler(cfg, test.NewFixedClock(5000), store, push, queue), push, queue
}

func newGroupIdentity(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := ids.FromKey(ids.PrefixGroup, pub)
	require.NoError(t, err)
	return id, priv
}

func newUpdated(kind protocol.GroupUpdatedKind, sender ids.AccountID, group string, ts uint64) *protocol.GroupUpdated {
	m := &protocol.GroupUpdated{Kind: kind}
	m.Meta().Sender = sender
	m.Meta().GroupPublicKey = group
	m.Meta().SentTimestamp = ts
	return m
}

func seedUpdatedGroup(store *test.FakeStore, groupID string) {
	store.Groups[groupID] = &storage.GroupRecord{
		PublicKey:          groupID,
		Name:               "book club",
		Members:            []ids.AccountID{userID, adminID, peerID},
		Admins:             []ids.AccountID{adminID},
		FormationTimestamp: 1000,
		Active:             true,
	}
}

func TestInviteWithValidSignatureAccepted(t *testing.T) {
	groupID, secret := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	store.Contacts[adminID] = &storage.Contact{AccountID: adminID, IsApproved: true}
	h, push, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedInvite, adminID, "", 2000)
	m.Invite = protocol.GroupInvite{
		GroupSessionID: groupID,
		Name:           "book club",
		AdminSignature: SignInvite(secret, userID, 2000),
	}
	require.NoError(t, h.Handle(m))

	g, found, err := store.Group(groupID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, g.Active)
	require.Equal(t, []string{groupID}, push.subscribed)
}

func TestInviteWithBadSignatureDropped(t *testing.T) {
	groupID, _ := newGroupIdentity(t)
	_, wrongSecret, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	store := test.NewFakeStore(userID)
	h, push, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedInvite, adminID, "", 2000)
	m.Invite = protocol.GroupInvite{
		GroupSessionID: groupID,
		Name:           "book club",
		AdminSignature: SignInvite(wrongSecret, userID, 2000),
	}
	require.ErrorIs(t, h.Handle(m), ErrBadAdminSignature)
	require.Empty(t, store.Groups)
	require.Empty(t, push.subscribed)
}

func TestInviteFromUnapprovedSenderHeld(t *testing.T) {
	groupID, secret := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	h, push, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedInvite, adminID, "", 2000)
	m.Invite = protocol.GroupInvite{
		GroupSessionID: groupID,
		Name:           "book club",
		AdminSignature: SignInvite(secret, userID, 2000),
	}
	require.NoError(t, h.Handle(m))

	g, found, err := store.Group(groupID)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, g.Active)
	require.Empty(t, push.subscribed)
}

func TestInviteResponseForUnknownGroupConfinedToQueue(t *testing.T) {
	groupID, _ := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	h, _, queue := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedInviteResponse, peerID, groupID, 2000)
	m.InviteResponse = protocol.GroupInviteResponse{IsApproved: true}

	// The failure surfaces on the manager's queue, not to the caller.
	require.NoError(t, h.Handle(m))
	require.Equal(t, []string{"invite-response"}, queue.ops)
	require.ErrorIs(t, queue.errs[0], ErrGroupNotFound)
}

func TestInviteResponseAddsMemberThroughQueue(t *testing.T) {
	groupID, _ := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	h, _, queue := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedInviteResponse, otherID, groupID, 2000)
	m.InviteResponse = protocol.GroupInviteResponse{IsApproved: true}
	require.NoError(t, h.Handle(m))

	require.Equal(t, []string{"invite-response"}, queue.ops)
	require.NoError(t, queue.errs[0])
	g, _, _ := store.Group(groupID)
	require.Contains(t, g.Members, ids.AccountID(otherID))
}

func TestMemberChangeRequiresSignature(t *testing.T) {
	groupID, secret := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	h, _, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedMemberChange, adminID, groupID, 2000)
	m.MemberChange = protocol.GroupMemberChange{
		Type:           protocol.GroupMembersAdded,
		MemberIDs:      []string{otherID},
		AdminSignature: []byte("not a signature"),
	}
	require.ErrorIs(t, h.Handle(m), ErrBadAdminSignature)

	m.MemberChange.AdminSignature = SignMemberChange(secret, protocol.GroupMembersAdded, 2000)
	require.NoError(t, h.Handle(m))
	g, _, _ := store.Group(groupID)
	require.Contains(t, g.Members, ids.AccountID(otherID))
}

func TestMemberChangeRemovingUserDisables(t *testing.T) {
	groupID, secret := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	h, push, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedMemberChange, adminID, groupID, 2000)
	m.MemberChange = protocol.GroupMemberChange{
		Type:           protocol.GroupMembersRemoved,
		MemberIDs:      []string{userID},
		AdminSignature: SignMemberChange(secret, protocol.GroupMembersRemoved, 2000),
	}
	require.NoError(t, h.Handle(m))

	g, _, _ := store.Group(groupID)
	require.False(t, g.Active)
	require.Equal(t, []string{groupID}, push.unsubscribed)
}

func TestInfoChangeRenamesGroup(t *testing.T) {
	groupID, secret := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	h, _, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedInfoChange, adminID, groupID, 2000)
	m.InfoChange = protocol.GroupInfoChange{
		Type:           protocol.GroupInfoName,
		UpdatedName:    "renamed",
		AdminSignature: SignInfoChange(secret, protocol.GroupInfoName, 2000),
	}
	require.NoError(t, h.Handle(m))
	g, _, _ := store.Group(groupID)
	require.Equal(t, "renamed", g.Name)
}

func TestPromoteMakesUserAdmin(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	secret := ed25519.NewKeyFromSeed(seed)
	pub := secret.Public().(ed25519.PublicKey)
	groupID, err := ids.FromKey(ids.PrefixGroup, pub)
	require.NoError(t, err)

	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	h, _, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedPromote, adminID, groupID, 2000)
	m.Promote = protocol.GroupPromote{GroupIdentitySeed: seed, Name: "book club"}
	require.NoError(t, h.Handle(m))

	g, _, _ := store.Group(groupID)
	require.Contains(t, g.Admins, ids.AccountID(userID))
}

func TestDeleteMemberContentWithoutSignatureOnlyAffectsSender(t *testing.T) {
	groupID, _ := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	threadID, err := store.GetOrCreateThread(storage.Address{GroupID: groupID})
	require.NoError(t, err)
	store.PersistMessage(&storage.IncomingMessage{ThreadID: threadID, Sender: peerID, Body: "mine", SentAtMs: 10})
	store.PersistMessage(&storage.IncomingMessage{ThreadID: threadID, Sender: adminID, Body: "theirs", SentAtMs: 11})
	h, _, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedDeleteMemberContent, peerID, groupID, 2000)
	m.DeleteMemberContent = protocol.GroupDeleteMemberContent{MemberIDs: []string{adminID}}
	require.NoError(t, h.Handle(m))

	remaining := store.MessagesInThread(threadID)
	require.Len(t, remaining, 1)
	require.Equal(t, ids.AccountID(adminID), remaining[0].Sender)
}

func TestDeleteMemberContentWithSignatureDeletesNamedContent(t *testing.T) {
	groupID, secret := newGroupIdentity(t)
	store := test.NewFakeStore(userID)
	seedUpdatedGroup(store, groupID)
	threadID, err := store.GetOrCreateThread(storage.Address{GroupID: groupID})
	require.NoError(t, err)
	store.PersistMessage(&storage.IncomingMessage{ThreadID: threadID, Sender: peerID, Body: "a", SentAtMs: 10, ServerHash: "h1"})
	store.PersistMessage(&storage.IncomingMessage{ThreadID: threadID, Sender: otherID, Body: "b", SentAtMs: 11, ServerHash: "h2"})
	h, _, _ := newUpdatedHandler(t, store)

	m := newUpdated(protocol.GroupUpdatedDeleteMemberContent, adminID, groupID, 2000)
	m.DeleteMemberContent = protocol.GroupDeleteMemberContent{
		MemberIDs:      []string{peerID},
		MessageHashes:  []string{"h2"},
		AdminSignature: SignDeleteContent(secret, []string{peerID}, []string{"h2"}, 2000),
	}
	require.NoError(t, h.Handle(m))
	require.Empty(t, store.MessagesInThread(threadID))
}
