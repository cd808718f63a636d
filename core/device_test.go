package core

import (
	"testing"
	"time"

	"pkt.systems/paneld/schema"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		info schema.DeviceInfo
		want schema.DeviceType
	}{
		{"phone", schema.DeviceInfo{ScreenWidth: 375, ScreenHeight: 667}, schema.DeviceMobile},
		{"breakpoint-mobile", schema.DeviceInfo{ScreenWidth: 768}, schema.DeviceMobile},
		{"laptop", schema.DeviceInfo{ScreenWidth: 1366, ScreenHeight: 768}, schema.DeviceLaptop},
		{"just-above-mobile", schema.DeviceInfo{ScreenWidth: 769}, schema.DeviceLaptop},
		{"bigscreen", schema.DeviceInfo{ScreenWidth: 1920, ScreenHeight: 1080}, schema.DeviceBigscreen},
		{"wide-mobile-agent", schema.DeviceInfo{ScreenWidth: 1024, UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile/15E148"}, schema.DeviceMobile},
		{"no-signals", schema.DeviceInfo{}, schema.DeviceLaptop},
	}
	for _, tc := range cases {
		if got := Classify(tc.info); got != tc.want {
			t.Fatalf("case %q expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestWatcherDebouncesFlapping(t *testing.T) {
	var fired []func()
	watcher := newDeviceWatcher(200*time.Millisecond, nil)
	watcher.afterFunc = func(d time.Duration, f func()) *time.Timer {
		fired = append(fired, f)
		return time.NewTimer(time.Hour)
	}

	changes := 0
	watcher.onChange = func(userID schema.UserID, deviceType schema.DeviceType) {
		changes++
	}

	// First observation seeds without firing a change.
	if got := watcher.Observe("alice", schema.DeviceInfo{ScreenWidth: 1400}); got != schema.DeviceBigscreen {
		t.Fatalf("unexpected classification %q", got)
	}
	if changes != 0 || len(fired) != 0 {
		t.Fatalf("seed observation must not schedule anything")
	}

	// Cross the breakpoint and come straight back: pending change abandoned.
	watcher.Observe("alice", schema.DeviceInfo{ScreenWidth: 1200})
	if len(fired) != 1 {
		t.Fatalf("expected a pending change")
	}
	watcher.Observe("alice", schema.DeviceInfo{ScreenWidth: 1400})
	fired[0]() // the stopped timer firing anyway must be a no-op
	if changes != 0 {
		t.Fatalf("flap must not change the device type")
	}
	if current, _ := watcher.Current("alice"); current != schema.DeviceBigscreen {
		t.Fatalf("expected bigscreen to stick, got %q", current)
	}

	// A stable change settles after the quiet period.
	watcher.Observe("alice", schema.DeviceInfo{ScreenWidth: 1200})
	fired[len(fired)-1]()
	if changes != 1 {
		t.Fatalf("expected one settled change, got %d", changes)
	}
	if current, _ := watcher.Current("alice"); current != schema.DeviceLaptop {
		t.Fatalf("expected laptop after settle, got %q", current)
	}
}
