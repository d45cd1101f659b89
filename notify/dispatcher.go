package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindgarden/session-ledger/metrics"
)

// Dispatcher delivers events to Next on a background goroutine so a slow
// broker never holds a ledger call. When the buffer is full the event is
// dropped and counted.
type Dispatcher struct {
	Next    Notifier
	Log     *zap.Logger
	Timeout time.Duration

	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
	start bool
}

func NewDispatcher(next Notifier, buffer int, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		Next:    next,
		Log:     log,
		Timeout: 5 * time.Second,
		queue:   make(chan Event, buffer),
	}
}

// Start launches the delivery goroutine. Calling it twice is a no-op; a
// stopped dispatcher can be started again.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.start {
		return
	}
	d.start = true
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.run(d.stop)
}

// Stop delivers whatever is buffered, then returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.start {
		return
	}
	d.start = false
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) Notify(_ context.Context, e Event) error {
	select {
	case d.queue <- e:
	default:
		metrics.ObserveCollaboratorFailure("notifier", "dispatch_dropped")
		d.Log.Warn("notify: queue full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("mapping_id", e.MappingID),
		)
	}
	return nil
}

func (d *Dispatcher) run(stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-stop:
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()
	if err := d.Next.Notify(ctx, e); err != nil {
		metrics.ObserveCollaboratorFailure("notifier", string(e.Type))
		d.Log.Warn("notify: delivery failed",
			zap.String("type", string(e.Type)),
			zap.String("mapping_id", e.MappingID),
			zap.Error(err),
		)
	}
}
