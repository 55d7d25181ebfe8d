package receive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/jobs"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

var _ jobs.Job = (*BatchJob)(nil)

func rawEnvelope(t *testing.T, sender string, ts uint64, m protocol.Message) []byte {
	t.Helper()
	e := envelopeWith(t, sender, ts, m)
	buf, err := e.Encode()
	require.NoError(t, err)
	return buf
}

func newBatchJob(t *testing.T, f *receiverFixture, items []BatchItem) *BatchJob {
	t.Helper()
	return NewBatchJob(items, newParser(t, f.store), f.receiver, f.store)
}

func TestBatchPersistsMessagesAndCreatesThread(t *testing.T) {
	f := newReceiverFixture(t)
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "first"})},
		{Envelope: rawEnvelope(t, peerID, 9001, &protocol.VisibleMessage{Text: "second"})},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.NotEqual(t, protocol.NoThread, threadID)

	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Body)
	require.Equal(t, "second", msgs[1].Body)
	require.Equal(t, []storage.MessageID{msgs[0].ID, msgs[1].ID}, f.notifier.persisted)
}

func TestBatchUnsendRetractsEarlierMessageInSameBatch(t *testing.T) {
	f := newReceiverFixture(t)
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "oops"})},
		{Envelope: rawEnvelope(t, peerID, 9100, &protocol.UnsendRequest{Timestamp: 9000, Author: peerID})},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	msgs := f.store.MessagesInThread(threadID)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Deleted)
	// The deleted message never reaches the notifier.
	require.Empty(t, f.notifier.persisted)
}

func TestBatchSkipsHiddenSender(t *testing.T) {
	f := newReceiverFixture(t)
	f.store.Hidden[peerID] = true
	f.store.ConfigTimes[storage.ConfigContacts] = 9500
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "psst"})},
		{Envelope: rawEnvelope(t, otherID, 9001, &protocol.VisibleMessage{Text: "hello"})},
	})
	require.NoError(t, job.Execute(context.Background()))

	hiddenThread, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.Equal(t, protocol.NoThread, hiddenThread)

	otherThread, err := f.store.ThreadID(storage.Address{AccountID: otherID})
	require.NoError(t, err)
	require.Len(t, f.store.MessagesInThread(otherThread), 1)
}

func TestBatchKeepsHiddenSenderMessageNewerThanConfig(t *testing.T) {
	f := newReceiverFixture(t)
	f.store.Hidden[peerID] = true
	f.store.ConfigTimes[storage.ConfigContacts] = 8000
	// Hidden contacts who message after the hide was synced come back.
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "still here"})},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.Len(t, f.store.MessagesInThread(threadID), 1)
}

func TestBatchBucketsThreadsConcurrently(t *testing.T) {
	f := newReceiverFixture(t)
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "a first"})},
		{Envelope: rawEnvelope(t, otherID, 9001, &protocol.VisibleMessage{Text: "b only"})},
		{Envelope: rawEnvelope(t, peerID, 9002, &protocol.VisibleMessage{Text: "a second"})},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadA, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	threadB, err := f.store.ThreadID(storage.Address{AccountID: otherID})
	require.NoError(t, err)
	require.NotEqual(t, threadA, threadB)

	// Arrival order holds inside each thread regardless of how the buckets
	// interleave.
	msgsA := f.store.MessagesInThread(threadA)
	require.Len(t, msgsA, 2)
	require.Equal(t, "a first", msgsA[0].Body)
	require.Equal(t, "a second", msgsA[1].Body)
	require.Len(t, f.store.MessagesInThread(threadB), 1)
}

func TestBatchDropsUnauthorizedGroupControl(t *testing.T) {
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

	rename := &protocol.LegacyGroupControlMessage{Kind: protocol.LegacyGroupNameChange, Name: "hijacked"}
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, otherID, 9000, rename), GroupPublicKey: grp},
		{Envelope: rawEnvelope(t, peerID, 9001, &protocol.VisibleMessage{Text: "still fine"})},
	})

	// A control from a non-member is dropped; the rest of the batch lands.
	require.NoError(t, job.Execute(context.Background()))
	g, _, _ := f.store.Group(grp)
	require.Equal(t, "book club", g.Name)
	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.Len(t, f.store.MessagesInThread(threadID), 1)
}

func TestBatchRefreshesThreadWithoutPersistedMessages(t *testing.T) {
	f := newReceiverFixture(t)
	threadID, err := f.store.GetOrCreateThread(storage.Address{AccountID: peerID})
	require.NoError(t, err)

	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.UnsendRequest{Timestamp: 100, Author: peerID})},
	})
	require.NoError(t, job.Execute(context.Background()))

	require.Empty(t, f.notifier.persisted)
	require.Equal(t, []int64{threadID}, f.notifier.updated)
}

func TestBatchDoesNotCreateThreadForControlMessage(t *testing.T) {
	f := newReceiverFixture(t)
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.TypingIndicator{Kind: protocol.TypingStarted})},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.Equal(t, protocol.NoThread, threadID)
	require.Empty(t, f.typing.started)
}

func TestBatchMalformedEnvelopeDoesNotFailJob(t *testing.T) {
	f := newReceiverFixture(t)
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: []byte("garbage")},
		{Envelope: rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "fine"})},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.Len(t, f.store.MessagesInThread(threadID), 1)
}

func TestBatchAdvancesLastSeenFromOwnSyncedMessages(t *testing.T) {
	f := newReceiverFixture(t)
	m := &protocol.VisibleMessage{Text: "to maya", SyncTarget: peerID}
	job := newBatchJob(t, f, []BatchItem{
		{Envelope: rawEnvelope(t, userID, 9000, m)},
	})
	require.NoError(t, job.Execute(context.Background()))

	threadID, err := f.store.ThreadID(storage.Address{AccountID: peerID})
	require.NoError(t, err)
	require.NotEqual(t, protocol.NoThread, threadID)
	seen, err := f.store.LastSeen(threadID)
	require.NoError(t, err)
	require.Equal(t, uint64(9000), seen)
}

func TestBatchSerializeRoundTrips(t *testing.T) {
	f := newReceiverFixture(t)
	parser := newParser(t, f.store)
	items := []BatchItem{
		{
			Envelope:        rawEnvelope(t, peerID, 9000, &protocol.VisibleMessage{Text: "hi"}),
			ServerHash:      "hash-1",
			ServerMessageID: 7,
			OpenGroupID:     "chat.example.lobby",
		},
		{
			Envelope:       rawEnvelope(t, otherID, 9001, &protocol.VisibleMessage{Text: "yo"}),
			GroupPublicKey: otherID,
		},
	}
	job := NewBatchJob(items, parser, f.receiver, f.store)

	payload, err := job.Serialize()
	require.NoError(t, err)
	restored, err := DeserializeBatchJob(payload, parser, f.receiver, f.store)
	require.NoError(t, err)
	require.Equal(t, job.ID(), restored.ID())
	require.Equal(t, items, restored.items)
}
