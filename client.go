// This package provides the high-level client for the message receive
// pipeline. It owns the encrypted database, the parser and receiver, the
// closed group managers and the background job queue, and exposes a small
// surface for feeding polled envelopes in and getting conversation updates
// out.
package session

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/groups"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/internal/db"
	"github.com/Oligofornet/session-android/jobs"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/receive"
	"github.com/Oligofornet/session-android/store"
	"github.com/Oligofornet/session-android/storage"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// Deps are the network-facing collaborators the client cannot provide
// itself. Everything optional defaults to a no-op.
type Deps struct {
	// Sends protocol messages to individual accounts or a whole group.
	MessageSender groups.MessageSender
	// Tracks push subscriptions for closed groups.
	Push groups.PushRegistry
	// Deletes the user's own messages from their swarm.
	Swarm receive.SwarmAPI

	Typing      receive.TypingIndicators
	Receipts    receive.ReadReceipts
	Notifier    receive.Notifier
	Attachments receive.AttachmentScheduler
}

type nopTyping struct{}

func (nopTyping) StartedTyping(threadID int64, sender ids.AccountID) {}
func (nopTyping) StoppedTyping(threadID int64, sender ids.AccountID) {}

type nopReceipts struct{}

func (nopReceipts) Process(sender ids.AccountID, sentTimestamps []uint64, readAtMs uint64) {}

type nopNotifier struct{}

func (nopNotifier) MessagePersisted(threadID int64, id storage.MessageID) {}
func (nopNotifier) ThreadUpdated(threadID int64)                          {}

type nopPush struct{}

func (nopPush) SubscribeGroup(publicKey string) error   { return nil }
func (nopPush) UnsubscribeGroup(publicKey string) error { return nil }

func (d *Deps) fillDefaults() {
	if d.Push == nil {
		d.Push = nopPush{}
	}
	if d.Typing == nil {
		d.Typing = nopTyping{}
	}
	if d.Receipts == nil {
		d.Receipts = nopReceipts{}
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
}

type Client struct {
	DB *db.Database

	config *config.Config
	log    *zap.SugaredLogger
	clock  clock.Clock
	deps   Deps
	state  int

	store        *store.Store
	parser       *receive.Parser
	receiver     *receive.Receiver
	groupSender  *groups.Sender
	groupManager *groups.Manager
	queue        *jobs.Queue

	stateLock sync.Mutex
}

// Create a client instance rooted at the config's root directory. The
// database is not opened until Initialize or Open is called with a key.
func NewClient(c *config.Config, deps Deps) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	if deps.MessageSender == nil {
		return nil, errors.New("session: a message sender is required")
	}
	deps.fillDefaults()

	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, cl, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Client{
		DB:     database,
		config: c,
		log:    log,
		clock:  cl,
		deps:   deps,
		state:  state,
	}, nil
}

// Makes a key from a password.
func (c *Client) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

// Returns true if the client is in NEW state.
func (c *Client) New() bool {
	return c.state == StateNew
}

// Returns true if the client is in INITIALIZED state.
func (c *Client) Initialized() bool {
	return c.state == StateInitialized
}

// Returns true if the client is in RUNNING state.
func (c *Client) Running() bool {
	return c.state == StateRunning
}

// Initialize the client database with a given key and open it.
func (c *Client) Initialize(key []byte) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return c.open(key)
}

// Open an existing client database with a given key.
func (c *Client) Open(key []byte) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.open(key)
}

func (c *Client) open(key []byte) error {
	if c.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}

	st, err := store.New(c.config, c.clock, c.DB)
	if err != nil {
		return err
	}
	c.store = st

	c.groupSender = groups.NewSender(c.config, c.clock, st, c.deps.MessageSender, c.deps.Push)
	c.groupManager = groups.NewManager(c.config, c.groupSender)
	legacy := groups.NewLegacyHandler(c.config, c.clock, st, c.deps.Push, c.groupSender)
	updated := groups.NewUpdatedHandler(c.config, c.clock, st, c.deps.Push, c.groupManager)

	c.parser = receive.NewParser(c.config, c.clock, st)
	c.receiver = receive.NewReceiver(c.config, c.clock, st, legacy, updated,
		c.deps.Typing, c.deps.Receipts, c.deps.Notifier, c.deps.Attachments, c.deps.Swarm)
	c.queue = jobs.NewQueue(c.config, c)

	c.groupManager.Start()
	c.state = StateRunning
	return nil
}

// Store exposes the persistence layer while the client is running.
func (c *Client) Store() *store.Store {
	return c.store
}

// Groups exposes the closed group command manager.
func (c *Client) Groups() *groups.Manager {
	return c.groupManager
}

// Calls delivers incoming call signaling messages.
func (c *Client) Calls() <-chan *protocol.CallMessage {
	return c.receiver.Calls()
}

// GroupUpdates reports the outcome of group commands.
func (c *Client) GroupUpdates() <-chan groups.Result {
	return c.groupManager.Updates()
}

// ProcessEnvelopes queues one polled batch of envelopes for processing.
// Batches for the same source run in submission order.
func (c *Client) ProcessEnvelopes(sourceKey string, items []receive.BatchItem) error {
	if c.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, c.state)
	}
	job := receive.NewBatchJob(items, c.parser, c.receiver, c.store)
	return c.queue.Add(sourceKey, job)
}

// MergeServerReactions reconciles a community message's reactions with the
// server's aggregate view.
func (c *Client) MergeServerReactions(og *storage.OpenGroup, id storage.MessageID, rs []storage.ServerReaction) error {
	if c.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, c.state)
	}
	return c.receiver.MergeServerReactions(og, id, rs)
}

// JobSucceeded implements jobs.Delegate.
func (c *Client) JobSucceeded(job jobs.Job) {
	c.log.Debugf("job %s succeeded", job.ID())
}

// JobFailed implements jobs.Delegate.
func (c *Client) JobFailed(job jobs.Job, err error) {
	c.log.Infof("job %s failed, will retry: %v", job.ID(), err)
}

// JobFailedPermanently implements jobs.Delegate.
func (c *Client) JobFailedPermanently(job jobs.Job, err error) {
	c.log.Warnf("job %s failed permanently: %v", job.ID(), err)
}

// Gracefully stop a running client instance.
func (c *Client) Shutdown() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	c.queue.Shutdown()
	c.groupManager.Shutdown()
	if err := c.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	c.store = nil
	c.parser = nil
	c.receiver = nil
	c.queue = nil
	c.state = StateInitialized
	return nil
}
