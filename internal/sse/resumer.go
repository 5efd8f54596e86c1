// Package sse implements the SSE Resumer: a Last-Event-ID aware
// Server-Sent Events subscription that replays the durable event log
// from an arbitrary resume point and then tails new events via the
// Live Bus, falling back to polling when no pub/sub wake-up arrives.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/livebus"
	"github.com/ashureev/shsh-labs/internal/store"
)

// Config holds the resumer's tunables.
type Config struct {
	PageSize          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration // cadence for ": heartbeat" comment lines that keep idle proxies from closing the connection
}

// Resumer streams chat: message_events to an SSE client.
type Resumer struct {
	store store.EventLogStore
	snaps store.SnapshotStore
	bus   *livebus.Bus
	cfg   Config
}

// New builds a Resumer.
func New(eventLog store.EventLogStore, snaps store.SnapshotStore, bus *livebus.Bus, cfg Config) *Resumer {
	return &Resumer{store: eventLog, snaps: snaps, bus: bus, cfg: cfg}
}

// frame is the SSE JSON payload shape sent over the wire.
type frame struct {
	ChatID    string         `json:"chatId"`
	MessageID string         `json:"messageId"`
	StreamID  string         `json:"streamId"`
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	TS        int64          `json:"ts"`
}

// ResumePoint resolves the starting seq for a subscription: the larger of
// the Last-Event-ID header and any ?after_seq= query parameter.
func ResumePoint(r *http.Request) int64 {
	var fromHeader, fromQuery int64

	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if parsed, err := strconv.ParseInt(id, 10, 64); err == nil {
			fromHeader = parsed
		}
	}
	if q := r.URL.Query().Get("after_seq"); q != "" {
		if parsed, err := strconv.ParseInt(q, 10, 64); err == nil {
			fromQuery = parsed
		}
	}

	if fromHeader > fromQuery {
		return fromHeader
	}
	return fromQuery
}

// Serve streams chatID's event log starting after afterSeq, writing SSE
// frames to w until the assistant message reaches a terminal status with
// no pending rows, the connection closes, or ctx is cancelled. A client
// disconnect here only stops the writer; it never cancels the underlying
// stream.
func (res *Resumer) Serve(ctx context.Context, w http.ResponseWriter, chatID string, afterSeq int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := res.bus.SubscribeStreamLive(ctx, chatID)
	defer sub.Close()

	lastMessageID := ""
	heartbeat := time.NewTicker(res.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		rows, err := res.store.RangeByChat(ctx, chatID, afterSeq, res.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("range by chat: %w", err)
		}

		for _, row := range rows {
			if err := writeFrame(w, row); err != nil {
				return err
			}
			flusher.Flush()
			afterSeq = row.Seq
			lastMessageID = row.MessageID
		}

		if len(rows) < res.cfg.PageSize {
			if lastMessageID != "" {
				msg, err := res.snaps.GetMessage(ctx, lastMessageID)
				if err == nil && msg != nil && msg.StreamStatus.Terminal() && msg.LastSeq <= afterSeq {
					return nil
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-sub.Channel():
				if !ok {
					return nil
				}
			case <-heartbeat.C:
				if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
					return fmt.Errorf("write sse heartbeat: %w", err)
				}
				flusher.Flush()
			case <-time.After(res.cfg.PollInterval):
			}
		}
	}
}

func writeFrame(w io.Writer, ev *domain.MessageEvent) error {
	f := frame{
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		StreamID:  ev.StreamID,
		Seq:       ev.Seq,
		Kind:      string(ev.EventType),
		Payload:   ev.RenderPayload,
		TS:        ev.CreatedAt.Unix(),
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal sse frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, string(data)); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	return nil
}
