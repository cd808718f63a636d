// Package lockbus coordinates the per-user edit lock. When a user's lock
// engages, every registered holder of pending edits is flushed so nothing is
// lost while the layout is frozen.
package lockbus

import (
	"context"
	"sync"

	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// FlushFunc saves a holder's pending edits. Implementations return nil when
// there is nothing pending.
type FlushFunc func(ctx context.Context) error

type holder struct {
	name  string
	flush FlushFunc
}

// Coordinator tracks edit lock state per user and fans out transitions.
type Coordinator struct {
	mu       sync.Mutex
	unlocked map[schema.UserID]bool
	holders  map[schema.UserID][]*holder
	subs     map[schema.UserID]map[chan schema.LockEvent]struct{}
	log      pslog.Logger
	depth    int
}

// New constructs a Coordinator.
func New(logger pslog.Logger) *Coordinator {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Coordinator{
		unlocked: make(map[schema.UserID]bool),
		holders:  make(map[schema.UserID][]*holder),
		subs:     make(map[schema.UserID]map[chan schema.LockEvent]struct{}),
		log:      logger,
		depth:    16,
	}
}

// Unlocked reports whether the user's layout is editable. Users start locked.
func (c *Coordinator) Unlocked(userID schema.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlocked[userID]
}

// RegisterHolder registers a pending-edit holder flushed when the user's lock
// engages. The returned func unregisters it.
func (c *Coordinator) RegisterHolder(userID schema.UserID, name string, flush FlushFunc) func() {
	if flush == nil {
		return func() {}
	}
	entry := &holder{name: name, flush: flush}
	c.mu.Lock()
	c.holders[userID] = append(c.holders[userID], entry)
	c.mu.Unlock()
	if c.log != nil {
		c.log.With("user", userID).Debug("lockbus holder registered", "holder", name)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		holders := c.holders[userID]
		for i := range holders {
			if holders[i] == entry {
				c.holders[userID] = append(holders[:i], holders[i+1:]...)
				break
			}
		}
		if len(c.holders[userID]) == 0 {
			delete(c.holders, userID)
		}
	}
}

// Subscribe registers a subscriber for the user's lock transitions and
// returns a channel + cancel. Cancel leaves the channel open: a concurrent
// publish may still hold a reference to it.
func (c *Coordinator) Subscribe(userID schema.UserID) (<-chan schema.LockEvent, func()) {
	if c == nil {
		return nil, func() {}
	}
	ch := make(chan schema.LockEvent, c.depth)
	c.mu.Lock()
	userSubs := c.subs[userID]
	if userSubs == nil {
		userSubs = make(map[chan schema.LockEvent]struct{})
		c.subs[userID] = userSubs
	}
	userSubs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if subs := c.subs[userID]; subs != nil {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(c.subs, userID)
			}
		}
		c.mu.Unlock()
	}
}

// SetUnlocked transitions the user's lock state. Setting the current state is
// a no-op: no flush runs and no event is published. Engaging the lock flushes
// every registered holder; flush errors are collected per holder and do not
// stop the transition.
func (c *Coordinator) SetUnlocked(ctx context.Context, userID schema.UserID, unlocked bool) []error {
	c.mu.Lock()
	if c.unlocked[userID] == unlocked {
		c.mu.Unlock()
		return nil
	}
	c.unlocked[userID] = unlocked
	holders := append([]*holder(nil), c.holders[userID]...)
	c.mu.Unlock()

	var errs []error
	if !unlocked {
		for _, h := range holders {
			if err := h.flush(ctx); err != nil {
				if c.log != nil {
					c.log.With("user", userID).Warn("lock flush failed", "holder", h.name, "err", err)
				}
				errs = append(errs, err)
			}
		}
	}
	if c.log != nil {
		c.log.With("user", userID).Debug("lock state changed", "unlocked", unlocked, "holders", len(holders))
	}
	c.publish(userID, schema.LockEvent{UserID: userID, Unlocked: unlocked})
	return errs
}

func (c *Coordinator) publish(userID schema.UserID, event schema.LockEvent) {
	c.mu.Lock()
	userSubs := c.subs[userID]
	subs := make([]chan schema.LockEvent, 0, len(userSubs))
	for sub := range userSubs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && c.log != nil {
		c.log.With("user", userID).Trace("lockbus dropped", "count", dropped)
	}
}
