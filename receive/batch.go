package receive

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Oligofornet/session-android/bencode"
	"github.com/Oligofornet/session-android/internal/metrics"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// BatchItem is one polled envelope together with its delivery context.
type BatchItem struct {
	Envelope        []byte
	ServerHash      string
	ServerMessageID int64
	OpenGroupID     string
	GroupPublicKey  string
}

// batchPayload is the serialized form of a batch job. Per-item context rides
// in parallel arrays so the payload survives restarts without losing which
// community or group each envelope came from.
type batchPayload struct {
	ID               string   `bencode:"i"`
	Envelopes        [][]byte `bencode:"e"`
	GroupPublicKeys  []string `bencode:"g"`
	OpenGroupIDs     []string `bencode:"o"`
	ServerHashes     []string `bencode:"h"`
	ServerMessageIDs []int64  `bencode:"s"`
}

// BatchJob processes one poll batch: parse every envelope, bucket the
// surviving messages by thread, and handle each thread's messages in arrival
// order while threads proceed concurrently.
type BatchJob struct {
	id       string
	items    []BatchItem
	parser   *Parser
	receiver *Receiver
	store    storage.Storage
}

func NewBatchJob(items []BatchItem, parser *Parser, receiver *Receiver, store storage.Storage) *BatchJob {
	return &BatchJob{
		id:       uuid.New().String(),
		items:    items,
		parser:   parser,
		receiver: receiver,
		store:    store,
	}
}

// DeserializeBatchJob rebuilds a batch job from a payload produced by
// Serialize.
func DeserializeBatchJob(payload []byte, parser *Parser, receiver *Receiver, store storage.Storage) (*BatchJob, error) {
	var p batchPayload
	if err := bencode.Deserialize(payload, &p); err != nil {
		return nil, err
	}
	items := make([]BatchItem, len(p.Envelopes))
	for i := range p.Envelopes {
		items[i] = BatchItem{
			Envelope:        p.Envelopes[i],
			ServerHash:      p.ServerHashes[i],
			ServerMessageID: p.ServerMessageIDs[i],
			OpenGroupID:     p.OpenGroupIDs[i],
			GroupPublicKey:  p.GroupPublicKeys[i],
		}
	}
	return &BatchJob{
		id:       p.ID,
		items:    items,
		parser:   parser,
		receiver: receiver,
		store:    store,
	}, nil
}

func (j *BatchJob) ID() string { return j.id }

// A batch is retried as a whole only once; individual messages that fail
// with a retryable error come back in the next poll.
func (j *BatchJob) MaxFailureCount() int { return 1 }

func (j *BatchJob) Serialize() ([]byte, error) {
	p := batchPayload{
		ID:               j.id,
		Envelopes:        make([][]byte, len(j.items)),
		GroupPublicKeys:  make([]string, len(j.items)),
		OpenGroupIDs:     make([]string, len(j.items)),
		ServerHashes:     make([]string, len(j.items)),
		ServerMessageIDs: make([]int64, len(j.items)),
	}
	for i, item := range j.items {
		p.Envelopes[i] = item.Envelope
		p.GroupPublicKeys[i] = item.GroupPublicKey
		p.OpenGroupIDs[i] = item.OpenGroupID
		p.ServerHashes[i] = item.ServerHash
		p.ServerMessageIDs[i] = item.ServerMessageID
	}
	return bencode.Serialize(&p)
}

type parsedItem struct {
	message     protocol.Message
	openGroupID string
	threadID    int64
}

func (j *BatchJob) Execute(ctx context.Context) error {
	metrics.BatchesProcessed.Inc()

	var parsed []parsedItem
	var retryableFailures []error
	for _, item := range j.items {
		m, err := j.parser.ParseBytes(item.Envelope, ParseOptions{
			ServerHash:      item.ServerHash,
			ServerMessageID: item.ServerMessageID,
			OpenGroupID:     item.OpenGroupID,
			GroupPublicKey:  item.GroupPublicKey,
		})
		if err != nil {
			if IsRetryable(err) {
				retryableFailures = append(retryableFailures, err)
			}
			continue
		}
		hidden, err := j.senderHidden(m, item.OpenGroupID)
		if err != nil {
			retryableFailures = append(retryableFailures, err)
			continue
		}
		if hidden {
			metrics.MessagesDiscarded.WithLabelValues(metrics.ReasonHiddenUser).Inc()
			continue
		}
		threadID, err := resolveThread(j.store, m, item.OpenGroupID)
		if err != nil {
			retryableFailures = append(retryableFailures, err)
			continue
		}
		parsed = append(parsed, parsedItem{message: m, openGroupID: item.OpenGroupID, threadID: threadID})
	}

	// Bucket by thread, preserving arrival order inside each bucket.
	buckets := make(map[int64][]parsedItem)
	var order []int64
	for _, item := range parsed {
		if _, seen := buckets[item.threadID]; !seen {
			order = append(order, item.threadID)
		}
		buckets[item.threadID] = append(buckets[item.threadID], item)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, threadID := range order {
		if threadID == protocol.NoThread {
			continue
		}
		wg.Add(1)
		go func(threadID int64, items []parsedItem) {
			defer wg.Done()
			errs := j.handleBucket(ctx, threadID, items)
			mu.Lock()
			retryableFailures = append(retryableFailures, errs...)
			mu.Unlock()
		}(threadID, buckets[threadID])
	}
	wg.Wait()

	// Messages without a thread (read receipts, configuration syncs,
	// controls for conversations we have yet to learn about) run last so a
	// thread-creating control in this batch has already landed.
	if items, ok := buckets[protocol.NoThread]; ok {
		errs := j.handleBucket(ctx, protocol.NoThread, items)
		retryableFailures = append(retryableFailures, errs...)
	}

	if len(retryableFailures) > 0 {
		return retryableFailures[0]
	}
	return nil
}

func (j *BatchJob) handleBucket(ctx context.Context, threadID int64, items []parsedItem) []error {
	var failures []error
	var latestOwnSent uint64
	// Persisted messages in processing order. An unsend request later in the
	// same batch retracts its target before any notification goes out.
	var persisted []Outcome
	for _, item := range items {
		out, err := j.receiver.Handle(ctx, item.message, threadID, item.openGroupID)
		if err != nil {
			metrics.MessagesFailed.Inc()
			if IsRetryable(err) {
				failures = append(failures, err)
			}
			continue
		}
		if out.Persisted != (storage.MessageID{}) {
			persisted = append(persisted, out)
		}
		if out.Removed != (storage.MessageID{}) {
			for i := range persisted {
				if persisted[i].Persisted == out.Removed {
					persisted = append(persisted[:i], persisted[i+1:]...)
					break
				}
			}
		}
		meta := item.message.Meta()
		if meta.IsSenderSelf && meta.SentTimestamp > latestOwnSent {
			latestOwnSent = meta.SentTimestamp
		}
	}

	// Messages synced from the user's other devices move the read marker:
	// anything they sent there they have also seen there.
	if threadID != protocol.NoThread && latestOwnSent > 0 {
		lastSeen, err := j.store.LastSeen(threadID)
		if err != nil {
			failures = append(failures, retryable(err))
			return failures
		}
		if latestOwnSent > lastSeen {
			if err := j.store.SetLastSeen(threadID, latestOwnSent); err != nil {
				failures = append(failures, retryable(err))
			}
		}
	}

	if threadID != protocol.NoThread && j.receiver.notifier != nil {
		for _, out := range persisted {
			j.receiver.notifier.MessagePersisted(threadID, out.Persisted)
		}
		// Control messages, reactions and deletions change the conversation
		// without persisting a row; the thread summary refreshes either way.
		j.receiver.notifier.ThreadUpdated(threadID)
	}
	return failures
}

// senderHidden reports whether a one-to-one message comes from a contact the
// user hid through the synced config. Group and community traffic is never
// hidden this way.
func (j *BatchJob) senderHidden(m protocol.Message, openGroupID string) (bool, error) {
	if openGroupID != "" || m.Meta().GroupPublicKey != "" {
		return false, nil
	}
	if _, ok := m.(*protocol.VisibleMessage); !ok {
		return false, nil
	}
	if m.Meta().IsSenderSelf {
		return false, nil
	}
	hidden, err := j.store.ContactIsHidden(m.Meta().Sender)
	if err != nil {
		return false, retryable(err)
	}
	if !hidden {
		return false, nil
	}
	// Only messages older than the config that hid the contact are dropped;
	// a newer message means the contact reached out after the hide.
	lastContacts, err := j.store.LastConfigTimestamp(storage.ConfigContacts)
	if err != nil {
		return false, retryable(err)
	}
	return m.Meta().SentTimestamp < lastContacts, nil
}
