// Package livebus implements the Live Bus: the three pub/sub channel
// families used for advisory wake-ups and out-of-band permission
// decisions. It is never the sole communication path — every channel has
// a durable fallback (the Event Log Store, or a long-poll against the
// Permission Registry) that a subscriber can fall back to if a publish is
// missed.
package livebus

import (
	"context"
	"fmt"

	"github.com/ashureev/shsh-labs/internal/kv"
)

// Bus publishes and subscribes to the chat-scoped and permission-scoped
// channel families.
type Bus struct {
	kv kv.KV
}

// New builds a Bus over the given KV+PubSub collaborator.
func New(store kv.KV) *Bus {
	return &Bus{kv: store}
}

func streamChannel(chatID string) string     { return fmt.Sprintf("chat:%s:stream:live", chatID) }
func cancelChannel(chatID string) string     { return fmt.Sprintf("chat:%s:cancel", chatID) }
func permissionChannel(requestID string) string { return fmt.Sprintf("permission:%s:response", requestID) }

// NotifyStreamLive publishes an advisory "new data at or after some seq;
// pull the log" notice. Payload is an envelope for low-latency delivery;
// subscribers that only care about the wake-up may ignore its contents.
func (b *Bus) NotifyStreamLive(ctx context.Context, chatID, envelope string) error {
	return b.kv.Publish(ctx, streamChannel(chatID), envelope)
}

// SubscribeStreamLive subscribes to chat:{chatID}:stream:live.
func (b *Bus) SubscribeStreamLive(ctx context.Context, chatID string) kv.Subscription {
	return b.kv.Subscribe(ctx, streamChannel(chatID))
}

// NotifyCancel publishes the cancel signal for chatID's producer.
func (b *Bus) NotifyCancel(ctx context.Context, chatID string) error {
	return b.kv.Publish(ctx, cancelChannel(chatID), "cancel")
}

// SubscribeCancel subscribes to chat:{chatID}:cancel.
func (b *Bus) SubscribeCancel(ctx context.Context, chatID string) kv.Subscription {
	return b.kv.Subscribe(ctx, cancelChannel(chatID))
}

// NotifyPermissionResponse publishes the JSON decision body for a
// permission request, used as the fallback path when a waiter is attached
// only via pubsub (the in-process waker in the Permission Registry is
// unreachable, e.g. it lives in a different process).
func (b *Bus) NotifyPermissionResponse(ctx context.Context, requestID, decisionJSON string) error {
	return b.kv.Publish(ctx, permissionChannel(requestID), decisionJSON)
}

// SubscribePermissionResponse subscribes to permission:{requestID}:response.
func (b *Bus) SubscribePermissionResponse(ctx context.Context, requestID string) kv.Subscription {
	return b.kv.Subscribe(ctx, permissionChannel(requestID))
}
