package detector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClassify(t *testing.T) {
	cases := map[Signal]ViolationType{
		"app_background": AppBackground,
		"background":     AppBackground,
		"tab_switch":     TabSwitch,
		" BLUR ":         TabSwitch,
		"paste":          CopyPaste,
		"copy_paste":     CopyPaste,
		"screenshot":     Screenshot,
		"screen_record":  ScreenRecord,
		"screen_capture": ScreenRecord,
		"volume_up":      Unknown,
		"":               Unknown,
	}
	for sig, want := range cases {
		if got := Classify(sig); got != want {
			t.Errorf("Classify(%q) = %q, want %q", sig, got, want)
		}
	}
}

func TestDetectorOneSignalOneViolation(t *testing.T) {
	src := NewPushSource()
	d := New(zerolog.Nop(), Options{}, src)
	d.Start(context.Background())
	defer d.Close()

	src.Push("paste")
	src.Push("paste")
	src.Push("screenshot")

	want := []ViolationType{CopyPaste, CopyPaste, Screenshot}
	for i, w := range want {
		select {
		case ev := <-d.Events():
			if ev.Type != w {
				t.Fatalf("event %d: got %q, want %q", i, ev.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestDetectorDebounce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewPushSource()
	d := New(zerolog.Nop(), Options{
		Debounce: 500 * time.Millisecond,
		Now:      func() time.Time { return now },
	}, src)
	d.Start(context.Background())
	defer d.Close()

	src.Push("blur")
	src.Push("blur") // same instant, dropped
	now = now.Add(time.Second)
	src.Push("blur")

	if got := len(d.Events()); got != 2 {
		t.Fatalf("expected 2 buffered events, got %d", got)
	}
}

func TestDetectorCloseUnsubscribes(t *testing.T) {
	src := NewPushSource()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(zerolog.Nop(), Options{}, src)
	d.Start(ctx)

	cancel()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("detector not closed on context cancel")
	}
	d.Close()

	if n := src.Push("screenshot"); n != 0 {
		t.Fatalf("expected no subscribers after close, got %d", n)
	}
}
