package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/paneld/internal/logx"
	"pkt.systems/paneld/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq         uint64                 `json:"seq"`
	Type        string                 `json:"type"`
	ConfigEvent schema.ConfigEventType `json:"config_event,omitempty"`
	DeviceType  schema.DeviceType      `json:"device_type,omitempty"`
	Source      schema.ConfigSource    `json:"source,omitempty"`
	Version     int64                  `json:"version,omitempty"`
	Unlocked    *bool                  `json:"unlocked,omitempty"`
	Snapshot    *SnapshotPayload       `json:"snapshot,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Config     schema.UserConfig   `json:"config"`
	Source     schema.ConfigSource `json:"source"`
	Stale      bool                `json:"stale,omitempty"`
	Unsaved    bool                `json:"unsaved,omitempty"`
	Tabs       []schema.Tab        `json:"tabs"`
	ActiveTab  schema.TabID        `json:"active_tab,omitempty"`
	Hidden     int                 `json:"hidden,omitempty"`
	Unlocked   bool                `json:"unlocked"`
	DeviceType schema.DeviceType   `json:"device_type"`
}

// Hub broadcasts events per user.
type Hub struct {
	mu          sync.Mutex
	users       map[schema.UserID]*userHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		users:       make(map[schema.UserID]*userHub),
		historySize: historySize,
	}
}

// OnConfigEvent implements core.EventSink.
func (h *Hub) OnConfigEvent(event schema.ConfigEvent) {
	log := logx.WithUser(context.Background(), event.UserID).With("device", event.DeviceType)
	log.Trace("hub config event", "type", event.Type, "version", event.Version)
	h.publish(event.UserID, StreamEvent{
		Type:        "config",
		ConfigEvent: event.Type,
		DeviceType:  event.DeviceType,
		Source:      event.Source,
		Version:     event.Version,
		Timestamp:   time.Now(),
	})
}

// Subscribe registers a subscriber for a user.
func (h *Hub) Subscribe(userID schema.UserID) (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.getOrCreateUserHubLocked(userID)
	ch := make(chan StreamEvent, 256)
	uh.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), uh.history...)
	seq := uh.seq
	log := logx.WithUser(context.Background(), userID)
	log.Info("hub subscribe", "subs", len(uh.subs), "history", len(history))
	// The channel stays open after unsubscribe; publish may still hold a
	// reference to it from its snapshot of the subscriber set.
	unsub := func() {
		h.mu.Lock()
		delete(uh.subs, ch)
		remaining := len(uh.subs)
		h.mu.Unlock()
		log.Info("hub unsubscribe", "subs", remaining)
	}
	return ch, unsub, seq, history
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(userID schema.UserID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	uh := h.users[userID]
	if uh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(uh.history))
	for _, event := range uh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithUser(context.Background(), userID).Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(userID schema.UserID, event StreamEvent) {
	h.mu.Lock()
	uh := h.getOrCreateUserHubLocked(userID)
	uh.seq++
	event.Seq = uh.seq
	uh.history = append(uh.history, event)
	if len(uh.history) > h.historySize {
		uh.history = uh.history[len(uh.history)-h.historySize:]
	}
	subs := make([]chan StreamEvent, 0, len(uh.subs))
	for sub := range uh.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		logx.WithUser(context.Background(), userID).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateUserHubLocked(userID schema.UserID) *userHub {
	uh := h.users[userID]
	if uh == nil {
		uh = &userHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.users[userID] = uh
	}
	return uh
}

type userHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
