// Package notifier implements the best-effort pub/sub bus of §4.2. Delivery
// is at-most-once; every subscriber (the producer) must remain correct if
// every notification is silently dropped,
// since staging + polling is the system's actual safety net.
package notifier

import (
	"context"
	"encoding/json"
)

// Channel is one of the four logical channels the spec names.
type Channel string

const (
	ChannelInsert Channel = "insert"
	ChannelSignal Channel = "signal"
	ChannelLeader Channel = "leader"
	ChannelGossip Channel = "gossip"
)

// InsertEvent is published when one or more available jobs appear for Queue.
type InsertEvent struct {
	Queue string `json:"queue"`
}

// SignalAction is one of the four control-message actions.
type SignalAction string

const (
	ActionPause  SignalAction = "pause"
	ActionResume SignalAction = "resume"
	ActionScale  SignalAction = "scale"
	ActionCancel SignalAction = "cancel"
)

// SignalEvent is a control message addressed to a queue or a specific job.
type SignalEvent struct {
	Action SignalAction `json:"action"`
	Queue  string       `json:"queue,omitempty"`
	JobID  int64        `json:"job_id,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

// LeaderEvent is published when a leader relinquishes. Neither peer
// implementation subscribes to it; peers re-elect on their election interval.
type LeaderEvent struct {
	Down string `json:"down"`
}

// Handler receives a decoded channel payload. Handlers run on the notifier's
// delivery goroutine (for MemoryNotifier, the goroutine calling Notify) and
// must not block for long.
type Handler func(payload []byte)

// Notifier is the contract the rest of the system uses; the DB-backed and
// Cluster-backed implementations are interchangeable behind it.
type Notifier interface {
	// Listen registers handler for channel. Re-subscription after a
	// connection drop is the implementation's responsibility.
	Listen(ctx context.Context, channel Channel, handler Handler) error

	// Notify publishes payload (marshaled to JSON) on channel.
	Notify(ctx context.Context, channel Channel, payload any) error

	// Close stops delivery and releases the underlying connection.
	Close() error
}

// PublishInsert is a typed convenience wrapper around Notify for the insert
// channel, used by the stager after each stage_jobs call.
func PublishInsert(ctx context.Context, n Notifier, queue string) error {
	return n.Notify(ctx, ChannelInsert, InsertEvent{Queue: queue})
}

// PublishLeaderDown is a typed convenience wrapper for the leader channel.
func PublishLeaderDown(ctx context.Context, n Notifier, instanceName string) error {
	return n.Notify(ctx, ChannelLeader, LeaderEvent{Down: instanceName})
}

// DecodeInsert decodes an insert channel payload.
func DecodeInsert(payload []byte) (InsertEvent, error) {
	var ev InsertEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// DecodeSignal decodes a signal channel payload.
func DecodeSignal(payload []byte) (SignalEvent, error) {
	var ev SignalEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// DecodeLeader decodes a leader channel payload.
func DecodeLeader(payload []byte) (LeaderEvent, error) {
	var ev LeaderEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
