// Package core holds the interfaces the sync engines are written against.
// Implementations live in adapters; engines never import a transport.
package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mukstoo/vtt-client/internal/domain"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrBackpressure = errors.New("backpressure")
)

// ChannelState is the lifecycle of the room event channel.
type ChannelState int32

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventHandler receives the raw payload of one channel event.
// Handlers run on the channel's dispatch goroutine in server-send order,
// so they must not block.
type EventHandler func(data json.RawMessage)

// StateHandler observes channel state transitions. The channel pushes
// transitions to observers; consumers never poll a connection handle.
type StateHandler func(s ChannelState)

// Subscription is a comparable token returned by Subscribe. Callers keep it
// and hand it back to Unsubscribe; this keeps registration symmetric without
// comparing handler funcs.
type Subscription struct {
	Event string
	ID    string
}

// EventChannel is one persistent, authenticated, bidirectional event
// connection scoped to a room visit.
//
// Emit is best-effort: it returns ErrNotConnected when the channel is down
// and ErrBackpressure when the send buffer is full; in both cases the
// payload is dropped.
type EventChannel interface {
	Connect(ctx context.Context, roomID domain.RoomID, credential string)
	Disconnect()
	State() ChannelState

	Subscribe(event string, h EventHandler) Subscription
	Unsubscribe(sub Subscription)
	SubscribeState(h StateHandler) Subscription

	Emit(event string, payload any) error
}
