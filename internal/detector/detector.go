package detector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one detected violation.
type Event struct {
	Type   ViolationType
	Signal Signal
	At     time.Time
}

// Options tune a Detector.
type Options struct {
	// Debounce drops a repeat of the same type inside the window.
	// Zero keeps the strict one-signal-one-violation contract.
	Debounce time.Duration
	Buffer   int
	Now      func() time.Time
}

// Detector turns signals from its sources into violation events delivered in
// arrival order. It is registered once per attempt session and released with Close.
type Detector struct {
	sources []Source
	opts    Options
	log     zerolog.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	unsubs    []func()
	lastByTyp map[ViolationType]time.Time
	closeOnce sync.Once
}

// New creates a Detector over the given sources.
func New(log zerolog.Logger, opts Options, sources ...Source) *Detector {
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		sources:   sources,
		opts:      opts,
		log:       log.With().Str("component", "violation_detector").Logger(),
		events:    make(chan Event, opts.Buffer),
		done:      make(chan struct{}),
		lastByTyp: make(map[ViolationType]time.Time),
	}
}

// Start subscribes to every source. The detector closes itself when ctx ends.
// Calling Start twice is a no-op.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	for _, src := range d.sources {
		d.unsubs = append(d.unsubs, src.Subscribe(d.emit))
	}
	d.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.done:
		}
	}()
}

// Events delivers detected violations. The channel is never closed; select on Done.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// Done is closed once the detector has been torn down.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Close unsubscribes from all sources. Safe to call more than once.
func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.mu.Lock()
		unsubs := d.unsubs
		d.unsubs = nil
		d.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
	})
}

func (d *Detector) emit(sig Signal) {
	ev := Event{Type: Classify(sig), Signal: sig, At: d.opts.Now()}

	if d.opts.Debounce > 0 {
		d.mu.Lock()
		last, seen := d.lastByTyp[ev.Type]
		if seen && ev.At.Sub(last) < d.opts.Debounce {
			d.mu.Unlock()
			d.log.Debug().Str("type", string(ev.Type)).Msg("Signal debounced")
			return
		}
		d.lastByTyp[ev.Type] = ev.At
		d.mu.Unlock()
	}

	select {
	case d.events <- ev:
	case <-d.done:
		d.log.Debug().Str("type", string(ev.Type)).Msg("Signal after close dropped")
	}
}
