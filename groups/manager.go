package groups

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/ids"
)

type commandKind uint8

const (
	cmdCreate commandKind = iota + 1
	cmdSetName
	cmdAddMembers
	cmdRemoveMembers
	cmdLeave
	cmdRotateKeyPair
	cmdApply
)

func (k commandKind) String() string {
	switch k {
	case cmdCreate:
		return "create"
	case cmdSetName:
		return "set-name"
	case cmdAddMembers:
		return "add-members"
	case cmdRemoveMembers:
		return "remove-members"
	case cmdLeave:
		return "leave"
	case cmdRotateKeyPair:
		return "rotate-key-pair"
	}
	return "unknown"
}

type command struct {
	kind           commandKind
	groupPublicKey string
	name           string
	members        []ids.AccountID
	op             string
	fn             func(ctx context.Context) error
}

// Result reports the outcome of one group mutation. Create results carry the
// new group's public key.
type Result struct {
	Op             string
	GroupPublicKey string
	Err            error
}

// Manager serializes group mutations through a single worker so concurrent
// callers cannot interleave two membership edits. Mutations are enqueued and
// their outcomes delivered on Updates.
type Manager struct {
	log      *zap.SugaredLogger
	sender   *Sender
	commands chan command
	updates  chan Result
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ Applier = (*Manager)(nil)

func NewManager(cfg *config.Config, sender *Sender) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:      cfg.Logger("groups"),
		sender:   sender,
		commands: make(chan command, cfg.GroupManagerQueueSize),
		updates:  make(chan Result, cfg.GroupManagerQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) Shutdown() {
	m.cancel()
	<-m.done
}

func (m *Manager) Updates() <-chan Result {
	return m.updates
}

var ErrManagerStopped = errors.New("groups: manager stopped")

func (m *Manager) Create(name string, members []ids.AccountID) error {
	return m.enqueue(command{kind: cmdCreate, name: name, members: members})
}

func (m *Manager) SetName(groupPublicKey, name string) error {
	return m.enqueue(command{kind: cmdSetName, groupPublicKey: groupPublicKey, name: name})
}

func (m *Manager) AddMembers(groupPublicKey string, members []ids.AccountID) error {
	return m.enqueue(command{kind: cmdAddMembers, groupPublicKey: groupPublicKey, members: members})
}

func (m *Manager) RemoveMembers(groupPublicKey string, members []ids.AccountID) error {
	return m.enqueue(command{kind: cmdRemoveMembers, groupPublicKey: groupPublicKey, members: members})
}

func (m *Manager) Leave(groupPublicKey string) error {
	return m.enqueue(command{kind: cmdLeave, groupPublicKey: groupPublicKey})
}

func (m *Manager) RotateKeyPair(groupPublicKey string) error {
	return m.enqueue(command{kind: cmdRotateKeyPair, groupPublicKey: groupPublicKey})
}

// Apply runs an already-authenticated mutation on the same worker as the
// user-initiated commands, so a received control message cannot interleave
// with a local membership edit.
func (m *Manager) Apply(op, groupPublicKey string, fn func(ctx context.Context) error) error {
	return m.enqueue(command{kind: cmdApply, groupPublicKey: groupPublicKey, op: op, fn: fn})
}

func (m *Manager) enqueue(c command) error {
	select {
	case m.commands <- c:
		return nil
	case <-m.ctx.Done():
		return ErrManagerStopped
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case c := <-m.commands:
			m.apply(c)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) apply(c command) {
	var err error
	groupPublicKey := c.groupPublicKey
	switch c.kind {
	case cmdCreate:
		groupPublicKey, err = m.sender.Create(m.ctx, c.name, c.members)
	case cmdSetName:
		err = m.sender.SetName(m.ctx, c.groupPublicKey, c.name)
	case cmdAddMembers:
		err = m.sender.AddMembers(m.ctx, c.groupPublicKey, c.members)
	case cmdRemoveMembers:
		err = m.sender.RemoveMembers(m.ctx, c.groupPublicKey, c.members)
	case cmdLeave:
		err = m.sender.Leave(m.ctx, c.groupPublicKey)
	case cmdRotateKeyPair:
		err = m.sender.RotateKeyPair(m.ctx, c.groupPublicKey)
	case cmdApply:
		err = c.fn(m.ctx)
	}
	op := c.kind.String()
	if c.kind == cmdApply {
		op = c.op
	}
	if err != nil {
		m.log.Warnf("group %s failed: %v", op, err)
	}
	select {
	case m.updates <- Result{Op: op, GroupPublicKey: groupPublicKey, Err: err}:
	case <-m.ctx.Done():
	}
}
