package softaudio

import "sync"

// dispatcher delivers notifications on its own goroutine so handlers never
// run inside a caller's method or under the render lock. Notifications
// queued before the first handler is installed wait for it.
type dispatcher[T any] struct {
	mu    sync.Mutex
	fn    func(T)
	ch    chan T
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
	armed sync.Once
}

func newDispatcher[T any](size int) *dispatcher[T] {
	d := &dispatcher[T]{ch: make(chan T, size), ready: make(chan struct{}), done: make(chan struct{})}
	go d.loop()
	return d
}

func (d *dispatcher[T]) set(fn func(T)) {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
	if fn != nil {
		d.armed.Do(func() { close(d.ready) })
	}
}

// emit queues v. It never blocks; a full queue drops the notification.
func (d *dispatcher[T]) emit(v T) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.ch <- v:
		return true
	default:
		return false
	}
}

func (d *dispatcher[T]) loop() {
	select {
	case <-d.ready:
	case <-d.done:
		return
	}
	for {
		select {
		case v := <-d.ch:
			d.deliver(v)
		case <-d.done:
			for {
				select {
				case v := <-d.ch:
					d.deliver(v)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher[T]) deliver(v T) {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

// close stops accepting notifications; queued ones are still delivered.
func (d *dispatcher[T]) close() {
	d.once.Do(func() { close(d.done) })
}
