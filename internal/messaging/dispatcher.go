package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/solyn-app/solyn/internal/models"
)

// DefaultScope is the conversation scope used for channel-originated turns.
const DefaultScope = "chat"

// senderQueueSize bounds each sender's pending inbound messages. A full queue
// blocks Run, applying backpressure to the transport instead of dropping.
const senderQueueSize = 16

// TurnProcessor is the engine capability the dispatcher needs.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResult, error)
}

// Dispatcher drains a Service's inbound channel, runs each message through
// the turn engine, and sends the reply back on the same channel. Each sender
// gets one serial worker, so that sender's turns process strictly in arrival
// order while different senders proceed concurrently.
type Dispatcher struct {
	svc       Service
	processor TurnProcessor

	mu     sync.Mutex
	queues map[string]chan Inbound
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher binding a transport to the engine.
func NewDispatcher(svc Service, processor TurnProcessor) *Dispatcher {
	return &Dispatcher{
		svc:       svc,
		processor: processor,
		queues:    make(map[string]chan Inbound),
	}
}

// Run consumes inbound messages until the context is canceled or the
// service's channel closes, then waits for the per-sender workers to finish
// what they already accepted.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: started")
	defer d.drain()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: context canceled")
			return
		case inbound, ok := <-d.svc.Inbounds():
			if !ok {
				slog.Info("Dispatcher.Run: inbound channel closed")
				return
			}
			d.enqueue(ctx, inbound)
		}
	}
}

// enqueue hands the message to its sender's serial worker, starting the
// worker on the sender's first message.
func (d *Dispatcher) enqueue(ctx context.Context, inbound Inbound) {
	d.mu.Lock()
	queue, ok := d.queues[inbound.From]
	if !ok {
		queue = make(chan Inbound, senderQueueSize)
		d.queues[inbound.From] = queue
		d.wg.Add(1)
		go d.worker(ctx, queue)
	}
	d.mu.Unlock()
	queue <- inbound
}

// worker processes one sender's messages in order until the queue closes.
func (d *Dispatcher) worker(ctx context.Context, queue chan Inbound) {
	defer d.wg.Done()
	for inbound := range queue {
		d.handle(ctx, inbound)
	}
}

// drain closes every sender queue and waits for the workers to empty them.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	for _, queue := range d.queues {
		close(queue)
	}
	d.queues = make(map[string]chan Inbound)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, inbound Inbound) {
	result, err := d.processor.ProcessTurn(ctx, models.TurnRequest{
		UserID:  inbound.From,
		Scope:   DefaultScope,
		Channel: inbound.Channel,
		Message: inbound.Body,
	})
	if err != nil {
		slog.Error("Dispatcher.handle: turn failed", "error", err, "from", inbound.From)
		return
	}
	if err := d.svc.SendMessage(ctx, inbound.From, result.ResponseText); err != nil {
		slog.Error("Dispatcher.handle: reply send failed", "error", err, "from", inbound.From)
	}
}
