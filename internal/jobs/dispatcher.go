package jobs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Dispatcher bounds how many jobs run at once. Capacity workers drain a FIFO
// queue of job ids, so admission order is exactly submission order and at
// most capacity supervisors are live at any instant.
type Dispatcher struct {
	capacity int
	queue    chan string
	wg       sync.WaitGroup
	stopped  atomic.Bool
	started  atomic.Bool
}

func NewDispatcher(capacity, queueDepth int) (*Dispatcher, error) {
	if capacity <= 0 {
		return nil, errors.New("dispatcher capacity must be > 0")
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Dispatcher{
		capacity: capacity,
		queue:    make(chan string, queueDepth),
	}, nil
}

func (d *Dispatcher) Capacity() int { return d.capacity }

// Start launches the worker pool. run is invoked once per admitted job id.
func (d *Dispatcher) Start(run func(id string)) {
	if d.started.Swap(true) {
		return
	}
	for i := 0; i < d.capacity; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for id := range d.queue {
				run(id)
			}
		}()
	}
}

// Enqueue queues a job for admission. It fails when the dispatcher has been
// stopped or the queue is full.
func (d *Dispatcher) Enqueue(id string) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	select {
	case d.queue <- id:
		return nil
	default:
		return fmt.Errorf("submission queue full, cannot enqueue job %s", id)
	}
}

// Stop closes the queue and waits for in-flight workers to drain.
func (d *Dispatcher) Stop() {
	if d.stopped.Swap(true) {
		return
	}
	close(d.queue)
	d.wg.Wait()
}
