// Package groups implements closed group membership: the receive-side state
// machines for legacy and updated control messages, and the sending side that
// creates groups and distributes encryption key pairs.
package groups

import (
	"context"
	"errors"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
)

var (
	ErrGroupNotFound = errors.New("groups: group not found")
	ErrNotAdmin      = errors.New("groups: sender is not an admin")
	ErrNotMember     = errors.New("groups: sender is not a member")
	// Control message predates the group or arrived for an inactive group.
	ErrStaleUpdate = errors.New("groups: stale group update")
	// Control message is structurally broken and can never apply.
	ErrInvalidControl = errors.New("groups: invalid control message")
)

// Applier runs authenticated group mutations off the receive path, one at a
// time. The receive pipeline never waits on the result; failures are logged
// by the queue owner.
type Applier interface {
	Apply(op, groupPublicKey string, fn func(ctx context.Context) error) error
}

// MessageSender delivers a control message to recipients. Direct recipients
// get one sealed copy each; a group destination fans out through the group's
// encryption key.
type MessageSender interface {
	SendToMembers(ctx context.Context, members []ids.AccountID, m protocol.Message) error
	SendToGroup(ctx context.Context, groupPublicKey string, m protocol.Message) error
}

// PushRegistry tracks which group swarms the client polls and is notified
// for.
type PushRegistry interface {
	SubscribeGroup(publicKey string) error
	UnsubscribeGroup(publicKey string) error
}
