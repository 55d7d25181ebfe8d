package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/receive"
	"github.com/Oligofornet/session-android/storage"
)

const (
	testUserID = "05aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testPeerID = "05bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type droppingSender struct{}

func (droppingSender) SendToMembers(ctx context.Context, members []ids.AccountID, m protocol.Message) error {
	return nil
}

func (droppingSender) SendToGroup(ctx context.Context, groupPublicKey string, m protocol.Message) error {
	return nil
}

type chanNotifier struct {
	persisted chan storage.MessageID
}

func (n *chanNotifier) MessagePersisted(threadID int64, id storage.MessageID) {
	n.persisted <- id
}

func (n *chanNotifier) ThreadUpdated(threadID int64) {}

func newTestClient(t *testing.T) (*Client, *chanNotifier) {
	t.Helper()
	cfg := config.NewConfig(config.WithRootDir(t.TempDir()))
	notifier := &chanNotifier{persisted: make(chan storage.MessageID, 16)}
	client, err := NewClient(cfg, Deps{
		MessageSender: droppingSender{},
		Notifier:      notifier,
	})
	require.NoError(t, err)
	return client, notifier
}

func TestClientLifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	require.True(t, client.New())

	key, err := client.NewKey("hunter2 is a bad password")
	require.NoError(t, err)
	require.Len(t, key, 32)

	require.NoError(t, client.Initialize(key))
	require.True(t, client.Running())
	require.NoError(t, client.Store().SetIdentity(testUserID, []byte{1}, []byte{2}))

	require.NoError(t, client.Shutdown())
	require.True(t, client.Initialized())

	require.NoError(t, client.Open(key))
	require.True(t, client.Running())
	require.Equal(t, testUserID, string(client.Store().UserPublicKey()))
	require.NoError(t, client.Shutdown())
}

func TestClientSaltIsStable(t *testing.T) {
	client, _ := newTestClient(t)
	key1, err := client.NewKey("same password")
	require.NoError(t, err)
	key2, err := client.NewKey("same password")
	require.NoError(t, err)
	require.Equal(t, key1, key2)

	other, err := client.NewKey("different password")
	require.NoError(t, err)
	require.NotEqual(t, key1, other)
}

func TestClientProcessesEnvelopeEndToEnd(t *testing.T) {
	client, notifier := newTestClient(t)
	key, err := client.NewKey("test password")
	require.NoError(t, err)
	require.NoError(t, client.Initialize(key))
	defer func() {
		require.NoError(t, client.Shutdown())
	}()
	require.NoError(t, client.Store().SetIdentity(testUserID, []byte{1}, []byte{2}))

	content, err := protocol.EncodeContent(&protocol.VisibleMessage{Text: "hello"})
	require.NoError(t, err)
	e := &protocol.Envelope{
		Type:      protocol.EnvelopeSessionMessage,
		Source:    testPeerID,
		Timestamp: 9000,
		Content:   content,
	}
	raw, err := e.Encode()
	require.NoError(t, err)

	require.NoError(t, client.ProcessEnvelopes("swarm", []receive.BatchItem{{Envelope: raw}}))

	select {
	case id := <-notifier.persisted:
		require.NotZero(t, id.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the message to persist")
	}

	threadID, err := client.Store().ThreadID(storage.Address{AccountID: testPeerID})
	require.NoError(t, err)
	require.NotEqual(t, protocol.NoThread, threadID)
}

func TestClientRejectsEnvelopesWhenStopped(t *testing.T) {
	client, _ := newTestClient(t)
	err := client.ProcessEnvelopes("swarm", nil)
	require.Error(t, err)
}
