package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/logging"
)

var (
	ErrInvalidHandler = errors.New("handler is not callable")
	ErrUnknownEvent   = errors.New("unknown event")
)

// ActivityProcessed is fired by the inbound processor after every processed activity.
const ActivityProcessed = "activity"

// Event is the payload handed to listeners.
type Event struct {
	Name       string
	ActivityID string
}

type Handler func(ctx context.Context, ev Event) error

type registration struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe registry. Construct one in main and pass it around.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64
	log      *zap.Logger
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]registration),
		log:      logging.WithComponent("events"),
	}
}

// Declare makes name a known event without attaching a handler.
func (b *Bus) Declare(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; !ok {
		b.handlers[name] = nil
	}
}

// Register appends handler to name's list and returns a token for Unregister.
func (b *Bus) Register(name string, handler Handler) (uint64, error) {
	if handler == nil {
		return 0, fmt.Errorf("register %q: %w", name, ErrInvalidHandler)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[name] = append(b.handlers[name], registration{id: b.nextID, handler: handler})
	return b.nextID, nil
}

// Unregister removes the handler registered under token. The event itself stays known.
func (b *Bus) Unregister(name string, token uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[name]
	for i, r := range regs {
		if r.id == token {
			b.handlers[name] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// Fire runs every handler for name in registration order on the caller's goroutine.
// Handler errors and panics are logged and never reach the caller.
func (b *Bus) Fire(ctx context.Context, name string, ev Event) error {
	b.mu.RLock()
	regs, ok := b.handlers[name]
	snapshot := append([]registration(nil), regs...)
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("fire %q: %w", name, ErrUnknownEvent)
	}

	ev.Name = name
	for _, r := range snapshot {
		b.call(ctx, r, ev)
	}
	return nil
}

func (b *Bus) call(ctx context.Context, r registration, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("Event handler panicked",
				zap.String("event", ev.Name),
				zap.String("activity_id", ev.ActivityID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := r.handler(ctx, ev); err != nil {
		b.log.Warn("Event handler failed",
			zap.String("event", ev.Name),
			zap.String("activity_id", ev.ActivityID),
			zap.Error(err))
	}
}
