package msgbus

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/creachadair/mds/queue"
	"go.uber.org/zap"
)

// dispatcher runs callbacks one at a time, in order, on a dedicated
// goroutine.
//
// All user callbacks (method handlers, signal handlers, async replies,
// session and bus listeners) run on a Conn's dispatcher, so that they
// never run on the goroutine that triggered them, and a slow or
// panicking callback cannot stall the read loop.
type dispatcher struct {
	log *zap.Logger

	wake        chan struct{}
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	stopped bool
	queue   queue.Queue[func()]
}

func newDispatcher(log *zap.Logger) *dispatcher {
	d := &dispatcher{
		log:         log,
		wake:        make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	go d.pump()
	return d
}

// add queues fn for execution. It reports false if the dispatcher has
// been stopped.
func (d *dispatcher) add(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.queue.Add(fn)
	if d.queue.Len() == 1 {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// stopAsync shuts down the dispatcher once all callbacks queued so
// far have run. It does not wait, and is safe to call from a callback.
func (d *dispatcher) stopAsync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.stopPump)
}

func (d *dispatcher) pump() {
	defer close(d.pumpStopped)
	for {
		fn := func() func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			ret, _ := d.queue.Pop()
			return ret
		}()
		if fn != nil {
			d.run(fn)
			continue
		}
		select {
		case <-d.stopPump:
			d.mu.Lock()
			empty := d.queue.Len() == 0
			d.mu.Unlock()
			if empty {
				return
			}
		case <-d.wake:
		}
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("recovered panic in callback",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
