package receive

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/groups"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/test"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

const (
	userID    = "05aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	peerID    = "05bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	otherID   = "05cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	blindedID = "15ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
)

type fakeNotifier struct {
	lock      sync.Mutex
	persisted []storage.MessageID
	threads   []int64
	updated   []int64
}

func (n *fakeNotifier) MessagePersisted(threadID int64, id storage.MessageID) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.persisted = append(n.persisted, id)
	n.threads = append(n.threads, threadID)
}

func (n *fakeNotifier) ThreadUpdated(threadID int64) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.updated = append(n.updated, threadID)
}

type fakeTyping struct {
	started []int64
	stopped []int64
}

func (f *fakeTyping) StartedTyping(threadID int64, sender ids.AccountID) {
	f.started = append(f.started, threadID)
}

func (f *fakeTyping) StoppedTyping(threadID int64, sender ids.AccountID) {
	f.stopped = append(f.stopped, threadID)
}

type receiptCall struct {
	sender     ids.AccountID
	timestamps []uint64
}

type fakeReceipts struct {
	calls []receiptCall
}

func (f *fakeReceipts) Process(sender ids.AccountID, sentTimestamps []uint64, readAtMs uint64) {
	f.calls = append(f.calls, receiptCall{sender: sender, timestamps: sentTimestamps})
}

type fakeSwarm struct {
	deleted [][]string
}

func (f *fakeSwarm) DeleteMessages(ctx context.Context, publicKey ids.AccountID, serverHashes []string) error {
	f.deleted = append(f.deleted, serverHashes)
	return nil
}

type fakeAttachments struct {
	lock      sync.Mutex
	scheduled []storage.MessageID
}

func (f *fakeAttachments) ScheduleDownload(id storage.MessageID, threadID int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.scheduled = append(f.scheduled, id)
}

type receiverFixture struct {
	receiver    *Receiver
	store       *test.FakeStore
	clock       *test.FixedClock
	notifier    *fakeNotifier
	typing      *fakeTyping
	receipts    *fakeReceipts
	swarm       *fakeSwarm
	attachments *fakeAttachments
}

type nopDistributor struct{}

func (nopDistributor) ResendLatestKeyPair(groupPublicKey string, members []ids.AccountID) error {
	return nil
}

type nopPush struct{}

func (nopPush) SubscribeGroup(publicKey string) error   { return nil }
func (nopPush) UnsubscribeGroup(publicKey string) error { return nil }

// syncApplier runs group mutations inline so tests see their effects without
// a worker goroutine.
type syncApplier struct{}

func (syncApplier) Apply(op, groupPublicKey string, fn func(ctx context.Context) error) error {
	return fn(context.Background())
}

func newReceiverFixture(t *testing.T) *receiverFixture {
	t.Helper()
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	store := test.NewFakeStore(userID)
	cl := test.NewFixedClock(10_000)
	legacy := groups.NewLegacyHandler(cfg, cl, store, nopPush{}, nopDistributor{})
	updated := groups.NewUpdatedHandler(cfg, cl, store, nopPush{}, syncApplier{})
	f := &receiverFixture{
		store:       store,
		clock:       cl,
		notifier:    &fakeNotifier{},
		typing:      &fakeTyping{},
		receipts:    &fakeReceipts{},
		swarm:       &fakeSwarm{},
		attachments: &fakeAttachments{},
	}
	f.receiver = NewReceiver(cfg, cl, store, legacy, updated,
		f.typing, f.receipts, f.notifier, f.attachments, f.swarm)
	return f
}

func mustHandle(t *testing.T, f *receiverFixture, m protocol.Message, threadID int64, openGroupID string) Outcome {
	t.Helper()
	out, err := f.receiver.Handle(context.Background(), m, threadID, openGroupID)
	require.NoError(t, err)
	return out
}

func visibleFrom(sender ids.AccountID, text string, ts uint64) *protocol.VisibleMessage {
	m := &protocol.VisibleMessage{Text: text}
	m.Meta().Sender = sender
	m.Meta().SentTimestamp = ts
	m.Meta().ReceivedTimestamp = ts + 5
	m.Meta().OpenGroupServerMessageID = protocol.NoServerMessageID
	return m
}

func TestVisibleMessagePersisted(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := visibleFrom(peerID, "hello there", 9000)
	out := mustHandle(t, f, m, threadID, "")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello there", msgs[0].Body)
	require.Equal(t, peerID, string(msgs[0].Sender))
	require.Equal(t, storage.MessageIncoming, msgs[0].Record.Type)
	require.Equal(t, msgs[0].ID, out.Persisted)
	require.False(t, out.IsOwn)
	// The sender sending a real message clears their typing indicator.
	require.Equal(t, []int64{threadID}, f.typing.stopped)
}

func TestVisibleMessageMergesSenderProfile(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := visibleFrom(peerID, "hi", 9000)
	m.HasProfile = true
	m.Profile = protocol.Profile{
		DisplayName:       "Maya",
		ProfileKey:        []byte{9, 9, 9},
		ProfilePictureURL: "http://files.example/pic",
	}
	mustHandle(t, f, m, threadID, "")

	c := f.store.Contacts[peerID]
	require.NotNil(t, c)
	require.Equal(t, "Maya", c.Name)
	require.Equal(t, []byte{9, 9, 9}, c.ProfileKey)
	require.True(t, c.DidApproveMe)
}

func TestVisibleMessageQuoteFallsBackToSuppliedText(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := visibleFrom(peerID, "replying", 9000)
	m.HasQuote = true
	m.Quote = protocol.Quote{Timestamp: 100, Author: otherID, Text: "the original"}
	mustHandle(t, f, m, threadID, "")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Record.QuoteMissing)
	require.Equal(t, "the original", msgs[0].Record.QuoteText)
}

func TestVisibleMessageDetectsMention(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := visibleFrom(peerID, "hey @"+userID+" look at this", 9000)
	mustHandle(t, f, m, threadID, "")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].HasMention)
}

func TestVisibleMessageDetectsBlindedMentionInCommunity(t *testing.T) {
	f := newReceiverFixture(t)
	f.store.OpenRooms["chat.example.lobby"] = &storage.OpenGroup{
		Server: "chat.example", Room: "lobby", PublicKey: "serverpk",
	}
	f.store.Blinded["serverpk"] = []ids.AccountID{blindedID}
	threadID, err := f.store.GetOrCreateThread(storage.Address{CommunityID: "chat.example.lobby"})
	require.NoError(t, err)

	m := visibleFrom(peerID, "ping @"+blindedID, 9000)
	m.Meta().OpenGroupServerMessageID = 42
	mustHandle(t, f, m, threadID, "chat.example.lobby")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].HasMention)
}

func TestCommunityMessageNeverDisappears(t *testing.T) {
	f := newReceiverFixture(t)
	f.store.OpenRooms["chat.example.lobby"] = &storage.OpenGroup{
		Server: "chat.example", Room: "lobby", PublicKey: "serverpk",
	}
	threadID, err := f.store.GetOrCreateThread(storage.Address{CommunityID: "chat.example.lobby"})
	require.NoError(t, err)

	m := visibleFrom(peerID, "temporary?", 9000)
	m.ExpiryTimerSeconds = 60
	m.ExpiryType = protocol.ExpiryAfterSend
	mustHandle(t, f, m, threadID, "chat.example.lobby")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.Zero(t, msgs[0].Record.ExpiresIn)
}

func TestVisibleMessageSchedulesAttachmentDownloads(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := visibleFrom(peerID, "", 9000)
	m.Attachments = []protocol.Attachment{
		{URL: "http://files.example/a", ContentType: "image/png"},
		{URL: "", ContentType: "image/png"}, // unfetchable, dropped
	}
	mustHandle(t, f, m, threadID, "")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Record.Attachments, 1)
	require.Equal(t, []storage.MessageID{msgs[0].ID}, f.attachments.scheduled)
}

func TestReactionAddedToExistingMessage(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	orig := visibleFrom(peerID, "react to me", 9000)
	mustHandle(t, f, orig, threadID, "")
	target := f.store.MessagesInThread(threadID)[0]

	m := visibleFrom(peerID, "", 9100)
	m.HasReaction = true
	m.Reaction = protocol.Reaction{Timestamp: 9000, Author: peerID, Emoji: "🔥", React: true}
	mustHandle(t, f, m, threadID, "")

	rs, err := f.store.ReactionsForMessage(target.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, "🔥", rs[0].Emoji)

	m2 := visibleFrom(peerID, "", 9200)
	m2.HasReaction = true
	m2.Reaction = protocol.Reaction{Timestamp: 9000, Author: peerID, Emoji: "🔥", React: false}
	mustHandle(t, f, m2, threadID, "")

	rs, err = f.store.ReactionsForMessage(target.ID)
	require.NoError(t, err)
	require.Empty(t, rs)
}

func TestReactionToUnknownMessageDiscarded(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := visibleFrom(peerID, "", 9100)
	m.HasReaction = true
	m.Reaction = protocol.Reaction{Timestamp: 1, Author: otherID, Emoji: "🔥", React: true}
	_, err = f.receiver.Handle(context.Background(), m, threadID, "")
	require.Error(t, err)
	require.False(t, IsRetryable(err))
}

func TestTypingIndicatorRouted(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	start := &protocol.TypingIndicator{Kind: protocol.TypingStarted}
	start.Meta().Sender = peerID
	start.Meta().SentTimestamp = 9000
	mustHandle(t, f, start, threadID, "")

	stop := &protocol.TypingIndicator{Kind: protocol.TypingStopped}
	stop.Meta().Sender = peerID
	stop.Meta().SentTimestamp = 9001
	mustHandle(t, f, stop, threadID, "")

	require.Equal(t, []int64{threadID}, f.typing.started)
	require.Equal(t, []int64{threadID}, f.typing.stopped)
}

func TestReadReceiptForwarded(t *testing.T) {
	f := newReceiverFixture(t)

	m := &protocol.ReadReceipt{Timestamps: []uint64{100, 200}}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, protocol.NoThread, "")

	require.Len(t, f.receipts.calls, 1)
	require.Equal(t, peerID, string(f.receipts.calls[0].sender))
	require.Equal(t, []uint64{100, 200}, f.receipts.calls[0].timestamps)
}

func TestExpirationTimerUpdateAppliedWithInfoMessage(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := &protocol.ExpirationTimerUpdate{DurationSecs: 300, ExpiryType: protocol.ExpiryAfterRead}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, threadID, "")

	ec, found, err := f.store.ExpirationConfig(threadID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, ec.Enabled())
	require.Equal(t, uint32(300), ec.Mode.DurationSeconds)

	infos := f.store.InfoMessages(threadID)
	require.Len(t, infos, 1)
	require.Equal(t, storage.InfoDisappearingStateChange, infos[0].Info)
}

func TestExpirationTimerUpdateZeroDisables(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := &protocol.ExpirationTimerUpdate{DurationSecs: 0, ExpiryType: protocol.ExpiryAfterSend}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, threadID, "")

	ec, found, err := f.store.ExpirationConfig(threadID)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, ec.Enabled())
}

func TestDataExtractionInsertsInfoMessage(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := &protocol.DataExtractionNotification{Kind: protocol.DataExtractionScreenshot}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, threadID, "")

	infos := f.store.InfoMessages(threadID)
	require.Len(t, infos, 1)
	require.Equal(t, storage.InfoScreenshotTaken, infos[0].Info)
}

func TestUnsendByAuthorMarksMessageDeleted(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	orig := visibleFrom(peerID, "regret", 9000)
	mustHandle(t, f, orig, threadID, "")

	m := &protocol.UnsendRequest{Timestamp: 9000, Author: peerID}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9100
	mustHandle(t, f, m, threadID, "")

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Deleted)
}

func TestUnsendByImpostorRejected(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	orig := visibleFrom(peerID, "mine", 9000)
	mustHandle(t, f, orig, threadID, "")

	m := &protocol.UnsendRequest{Timestamp: 9000, Author: peerID}
	m.Meta().Sender = otherID
	m.Meta().SentTimestamp = 9100
	_, err = f.receiver.Handle(context.Background(), m, threadID, "")
	require.Error(t, err)
	require.False(t, IsRetryable(err))

	msgs := f.store.MessagesInThread(threadID)
	require.False(t, msgs[0].Deleted)
}

func TestSelfUnsendPurgesRowAndSwarmCopy(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	own := visibleFrom(userID, "sent from my other phone", 9000)
	own.Meta().IsSenderSelf = true
	own.Meta().ServerHash = "hash-1"
	mustHandle(t, f, own, threadID, "")

	m := &protocol.UnsendRequest{Timestamp: 9000, Author: userID}
	m.Meta().Sender = userID
	m.Meta().IsSenderSelf = true
	m.Meta().ServerHash = "hash-1"
	m.Meta().SentTimestamp = 9100
	mustHandle(t, f, m, threadID, "")

	require.Empty(t, f.store.MessagesInThread(threadID))
	require.Equal(t, [][]string{{"hash-1"}}, f.swarm.deleted)
}

func TestMessageRequestResponseApprovesContact(t *testing.T) {
	f := newReceiverFixture(t)

	m := &protocol.MessageRequestResponse{IsApproved: true}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, protocol.NoThread, "")

	c := f.store.Contacts[peerID]
	require.NotNil(t, c)
	require.True(t, c.DidApproveMe)
}

func TestGroupControlRejectionIsNotRetryable(t *testing.T) {
	f := newReceiverFixture(t)
	const grp = "05dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	f.store.Groups[grp] = &storage.GroupRecord{
		PublicKey:          grp,
		Name:               "book club",
		Members:            []ids.AccountID{userID, peerID},
		Admins:             []ids.AccountID{peerID},
		FormationTimestamp: 1000,
		Active:             true,
	}

	m := &protocol.LegacyGroupControlMessage{Kind: protocol.LegacyGroupNameChange, Name: "hijacked"}
	m.Meta().Sender = otherID
	m.Meta().GroupPublicKey = grp
	m.Meta().SentTimestamp = 9000
	_, err := f.receiver.Handle(context.Background(), m, protocol.NoThread, "")
	require.Error(t, err)
	require.False(t, IsRetryable(err))
	g, _, _ := f.store.Group(grp)
	require.Equal(t, "book club", g.Name)
}

func TestConfigurationFromAnotherAccountRejected(t *testing.T) {
	f := newReceiverFixture(t)

	m := &protocol.ConfigurationMessage{DisplayName: "evil"}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	_, err := f.receiver.Handle(context.Background(), m, protocol.NoThread, "")
	require.Error(t, err)
	require.False(t, IsRetryable(err))
}

func TestConfigurationRestoresContactsAndGroups(t *testing.T) {
	f := newReceiverFixture(t)

	m := &protocol.ConfigurationMessage{
		Contacts: []protocol.ConfiguredContact{
			{PublicKey: peerID, Name: "Maya", IsApproved: true},
		},
		ClosedGroups: []protocol.ConfiguredGroup{
			{
				PublicKey:         otherID,
				Name:              "book club",
				EncryptionKeyPair: protocol.KeyPair{PublicKey: []byte{1}, PrivateKey: []byte{2}},
				Members:           []ids.AccountID{userID, peerID},
				Admins:            []ids.AccountID{peerID},
			},
		},
		OpenGroups: []string{"http://chat.example/lobby"},
	}
	m.Meta().Sender = userID
	m.Meta().IsSenderSelf = true
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, protocol.NoThread, "")

	require.Equal(t, "Maya", f.store.Contacts[peerID].Name)
	g, found, err := f.store.Group(otherID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, g.Active)
	require.Equal(t, "book club", g.Name)
	kp, found, err := f.store.LatestGroupKeyPair(otherID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{1}, kp.PublicKey)
	synced, err := f.store.ConfigurationSynced()
	require.NoError(t, err)
	require.True(t, synced)
}

func TestConfigurationImportsOwnProfile(t *testing.T) {
	f := newReceiverFixture(t)

	m := &protocol.ConfigurationMessage{
		DisplayName:       "Maya",
		ProfilePictureURL: "http://files.example/p.jpg",
		ProfileKey:        []byte{7, 7},
	}
	m.Meta().Sender = userID
	m.Meta().IsSenderSelf = true
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, protocol.NoThread, "")

	p, err := f.store.UserProfile()
	require.NoError(t, err)
	require.Equal(t, "Maya", p.Name)
	require.Equal(t, "http://files.example/p.jpg", p.PictureURL)
	require.Equal(t, []byte{7, 7}, p.Key)
}

func TestConfigurationImportedOnlyOnce(t *testing.T) {
	f := newReceiverFixture(t)
	f.store.ConfigSynced = true

	m := &protocol.ConfigurationMessage{
		DisplayName: "Maya",
		Contacts: []protocol.ConfiguredContact{
			{PublicKey: peerID, Name: "Maya", IsApproved: true},
		},
	}
	m.Meta().Sender = userID
	m.Meta().IsSenderSelf = true
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, protocol.NoThread, "")

	require.Nil(t, f.store.Contacts[peerID])
	require.Nil(t, f.store.Profile)
}

func TestCallMessageDeliveredOnChannel(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	m := &protocol.CallMessage{Kind: protocol.CallPreOffer, CallID: "call-1"}
	m.Meta().Sender = peerID
	m.Meta().SentTimestamp = 9000
	mustHandle(t, f, m, threadID, "")

	select {
	case got := <-f.receiver.Calls():
		require.Equal(t, "call-1", got.CallID)
	default:
		t.Fatal("expected a call message on the channel")
	}
	infos := f.store.InfoMessages(threadID)
	require.Len(t, infos, 1)
	require.Equal(t, storage.InfoCallIncoming, infos[0].Info)
}

func TestMessageForConversationRemovedByConfigDiscarded(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	// Not visible in the synced config and the change window has closed.
	f.store.CanChange = false

	m := visibleFrom(peerID, "too late", 9000)
	_, err = f.receiver.Handle(context.Background(), m, threadID, "")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrOutdatedMessage)
	require.Empty(t, f.store.MessagesInThread(threadID))
}

func TestMessageKeptWhileConfigStillChangeable(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	// Not visible in config, but a local change could still be pending.
	f.store.CanChange = true

	m := visibleFrom(peerID, "still fine", 9000)
	mustHandle(t, f, m, threadID, "")
	require.Len(t, f.store.MessagesInThread(threadID), 1)
}
