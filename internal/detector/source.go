package detector

import "sync"

// Source is an environment listener. Subscribe registers emit and returns a
// func that tears the registration down.
type Source interface {
	Subscribe(emit func(Signal)) (unsubscribe func())
}

// PushSource is a Source fed by a transport (e.g. a WebSocket reader).
type PushSource struct {
	mu       sync.Mutex
	emitters map[int]func(Signal)
	nextID   int
}

// NewPushSource creates a PushSource with no subscribers.
func NewPushSource() *PushSource {
	return &PushSource{emitters: make(map[int]func(Signal))}
}

// Subscribe implements Source.
func (p *PushSource) Subscribe(emit func(Signal)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.emitters[id] = emit
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.emitters, id)
		p.mu.Unlock()
	}
}

// Push forwards sig to every current subscriber. It returns the number of
// subscribers that received it.
func (p *PushSource) Push(sig Signal) int {
	p.mu.Lock()
	emitters := make([]func(Signal), 0, len(p.emitters))
	for _, e := range p.emitters {
		emitters = append(emitters, e)
	}
	p.mu.Unlock()

	for _, e := range emitters {
		e(sig)
	}
	return len(emitters)
}
