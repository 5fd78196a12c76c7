package storage

import "sync"

// Watcher fans store change notifications out to subscribers. Notifications
// coalesce: a slow subscriber sees at most one pending signal.
type Watcher struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewWatcher() *Watcher {
	return &Watcher{subs: map[chan struct{}]struct{}{}}
}

// Subscribe returns a change channel and a function that unsubscribes and
// closes it.
func (w *Watcher) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, ch)
			w.mu.Unlock()

			close(ch)
		})
	}
}

func (w *Watcher) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
