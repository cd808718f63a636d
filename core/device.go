package core

import (
	"strings"
	"sync"
	"time"

	"pkt.systems/paneld/schema"
)

const (
	mobileMaxWidth = 768
	laptopMaxWidth = 1366
)

var mobileAgentMarkers = []string{"mobile", "iphone", "android"}

// Classify maps raw device signals to a device class. Width wins; the user
// agent only promotes narrow-reporting mobile browsers.
func Classify(info schema.DeviceInfo) schema.DeviceType {
	if info.ScreenWidth > 0 && info.ScreenWidth <= mobileMaxWidth {
		return schema.DeviceMobile
	}
	agent := strings.ToLower(info.UserAgent)
	for _, marker := range mobileAgentMarkers {
		if strings.Contains(agent, marker) {
			return schema.DeviceMobile
		}
	}
	if info.ScreenWidth == 0 {
		return schema.DeviceLaptop
	}
	if info.ScreenWidth <= laptopMaxWidth {
		return schema.DeviceLaptop
	}
	return schema.DeviceBigscreen
}

// deviceWatcher debounces per-user device signals. A classification change
// only takes effect after it has been stable for the quiet period; window
// resize storms that cross a breakpoint and come back are ignored.
type deviceWatcher struct {
	mu       sync.Mutex
	quiet    time.Duration
	current  map[schema.UserID]schema.DeviceType
	pending  map[schema.UserID]*pendingChange
	onChange func(userID schema.UserID, deviceType schema.DeviceType)

	// afterFunc is swappable in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

type pendingChange struct {
	timer  *time.Timer
	target schema.DeviceType
}

func newDeviceWatcher(quiet time.Duration, onChange func(schema.UserID, schema.DeviceType)) *deviceWatcher {
	return &deviceWatcher{
		quiet:     quiet,
		current:   make(map[schema.UserID]schema.DeviceType),
		pending:   make(map[schema.UserID]*pendingChange),
		onChange:  onChange,
		afterFunc: time.AfterFunc,
	}
}

// Observe feeds one signal sample. It returns the classification of the
// sample, which may not yet be the user's effective device type.
func (w *deviceWatcher) Observe(userID schema.UserID, info schema.DeviceInfo) schema.DeviceType {
	classified := Classify(info)
	w.mu.Lock()
	defer w.mu.Unlock()
	current, known := w.current[userID]
	if !known {
		w.current[userID] = classified
		return classified
	}
	if classified == current {
		if pending := w.pending[userID]; pending != nil {
			pending.timer.Stop()
			delete(w.pending, userID)
		}
		return classified
	}
	if pending := w.pending[userID]; pending != nil {
		pending.timer.Stop()
	}
	entry := &pendingChange{target: classified}
	entry.timer = w.afterFunc(w.quiet, func() {
		w.settle(userID, entry)
	})
	w.pending[userID] = entry
	return classified
}

// Current returns the user's effective device type, if observed.
func (w *deviceWatcher) Current(userID schema.UserID) (schema.DeviceType, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deviceType, ok := w.current[userID]
	return deviceType, ok
}

func (w *deviceWatcher) settle(userID schema.UserID, entry *pendingChange) {
	w.mu.Lock()
	if w.pending[userID] != entry {
		// Superseded or abandoned while the timer was firing.
		w.mu.Unlock()
		return
	}
	delete(w.pending, userID)
	if w.current[userID] == entry.target {
		w.mu.Unlock()
		return
	}
	w.current[userID] = entry.target
	onChange := w.onChange
	w.mu.Unlock()
	if onChange != nil {
		onChange(userID, entry.target)
	}
}
