package paneld

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
)

func TestNewRequiresAService(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{}); err == nil {
		t.Fatal("expected an error with no services enabled")
	}
	if _, err := New(ServerConfig{}, ServerDeps{}, WithWatch()); err == nil {
		t.Fatal("expected an error without a watcher dependency")
	}
}

func TestServerStopCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := &compositeServer{
		ctx:     ctx,
		cancel:  cancel,
		started: true,
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected server context to be canceled")
	}
}

func TestWatchForwardsExternalChanges(t *testing.T) {
	watcher := &fakeWatcher{changes: make(chan store.ExternalChange, 1)}
	notifier := &fakeNotifier{}
	server := &compositeServer{
		options:  serverOptions{enableWatch: true},
		watcher:  watcher,
		notifier: notifier,
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = server.Stop(nil) }()

	watcher.changes <- store.ExternalChange{UserID: "alice", DeviceType: schema.DeviceLaptop}
	deadline := time.After(time.Second)
	for {
		if user, device, n := notifier.last(); n == 1 {
			if user != "alice" || device != schema.DeviceLaptop {
				t.Fatalf("forwarded %q/%q", user, device)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("external change never forwarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeWatcher struct {
	changes chan store.ExternalChange
}

func (w *fakeWatcher) Watch(ctx context.Context) (<-chan store.ExternalChange, error) {
	out := make(chan store.ExternalChange)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-w.changes:
				out <- change
			}
		}
	}()
	return out, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	user   schema.UserID
	device schema.DeviceType
	calls  int
}

func (n *fakeNotifier) NoteExternalChange(userID schema.UserID, deviceType schema.DeviceType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.user = userID
	n.device = deviceType
	n.calls++
}

func (n *fakeNotifier) last() (schema.UserID, schema.DeviceType, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.user, n.device, n.calls
}
