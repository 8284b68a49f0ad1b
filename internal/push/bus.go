package push

import "sync"

// Bus is the in-process transport used by the mock backend. Envelopes for
// recipients with no live subscription queue in a mailbox and flush on
// subscribe, so offline delivery works in tests and single-host setups.
// Nodes that should see each other must share one Bus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]func(Envelope)
	mailbox     map[string][]Envelope
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]func(Envelope)),
		mailbox:     make(map[string][]Envelope),
	}
}

func (b *Bus) publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[env.Recipient]; ok {
		go handler(env)
		return
	}
	b.mailbox[env.Recipient] = append(b.mailbox[env.Recipient], env)
}

func (b *Bus) subscribe(recipient string, handler func(Envelope)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]Envelope(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (b *Bus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}
