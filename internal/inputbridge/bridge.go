// Package inputbridge receives raw device notifications from companion agents
// over WebSocket and delivers them to the recording session's input listener.
package inputbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/models"
)

// ErrClosed is returned by Listen once the bridge shuts down.
var ErrClosed = errors.New("input bridge closed")

// Status is pushed to agents whenever a listener attaches or detaches.
type Status struct {
	Listening bool             `json:"listening"`
	InputType models.InputType `json:"input_type,omitempty"`
}

// Bridge fans agent input into at most one active listener.
type Bridge struct {
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[string]*agent
	active *listener
	closed chan struct{}
	once   sync.Once
}

// New creates a bridge.
func New(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		logger: logger,
		agents: make(map[string]*agent),
		closed: make(chan struct{}),
	}
}

// OpenInput returns a listener that accepts the devices of inputType:
// keyboard sessions take keyboard and mouse, controller sessions take their
// controller only.
func (b *Bridge) OpenInput(_ context.Context, inputType models.InputType) (capture.InputListener, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}
	return &listener{bridge: b, inputType: inputType}, nil
}

// Agents is the number of connected agents.
func (b *Bridge) Agents() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents)
}

// Close detaches the listener and disconnects every agent.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.closed)
		b.mu.Lock()
		agents := make([]*agent, 0, len(b.agents))
		for _, a := range b.agents {
			agents = append(agents, a)
		}
		b.mu.Unlock()
		for _, a := range agents {
			a.close()
		}
	})
}

func (b *Bridge) status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active == nil {
		return Status{}
	}
	return Status{Listening: true, InputType: b.active.inputType}
}

// attach makes l the active listener delivering to handle.
func (b *Bridge) attach(l *listener, handle func(capture.RawInput)) {
	b.mu.Lock()
	prev := b.active
	l.handle = handle
	b.active = l
	b.mu.Unlock()
	if prev != nil {
		b.logger.Warn("Input listener replaced", zap.String("input_type", string(prev.inputType)))
	}
	b.broadcast(b.status())
}

func (b *Bridge) detach(l *listener) {
	b.mu.Lock()
	if b.active != l {
		b.mu.Unlock()
		return
	}
	b.active = nil
	b.mu.Unlock()
	b.broadcast(Status{})
}

func (b *Bridge) register(a *agent) {
	b.mu.Lock()
	b.agents[a.id] = a
	n := len(b.agents)
	b.mu.Unlock()
	b.logger.Info("Input agent connected", zap.String("agent_id", a.id), zap.String("name", a.name), zap.Int("agents", n))
	a.push(eventStatus, b.status())
}

func (b *Bridge) unregister(a *agent) {
	b.mu.Lock()
	delete(b.agents, a.id)
	n := len(b.agents)
	b.mu.Unlock()
	b.logger.Info("Input agent disconnected", zap.String("agent_id", a.id), zap.Int("agents", n))
}

func (b *Bridge) broadcast(s Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.agents {
		a.push(eventStatus, s)
	}
}

// dispatch hands raw to the active listener. It reports whether it was taken.
func (b *Bridge) dispatch(raw capture.RawInput) bool {
	b.mu.RLock()
	l := b.active
	var handle func(capture.RawInput)
	if l != nil {
		handle = l.handle
	}
	b.mu.RUnlock()
	if handle == nil || !accepts(l.inputType, raw.Device) {
		return false
	}
	handle(raw)
	return true
}

func accepts(t models.InputType, d models.InputDevice) bool {
	switch t {
	case models.InputTypeKeyboard:
		return d == models.DeviceKeyboard || d == models.DeviceMouse
	case models.InputTypeXbox:
		return d == models.DeviceXbox
	case models.InputTypePlayStation:
		return d == models.DevicePlayStation
	}
	return false
}

type listener struct {
	bridge    *Bridge
	inputType models.InputType
	handle    func(capture.RawInput) // guarded by bridge.mu
}

// Listen delivers agent input to handle until ctx ends or the bridge closes.
func (l *listener) Listen(ctx context.Context, handle func(capture.RawInput)) error {
	l.bridge.attach(l, handle)
	defer l.bridge.detach(l)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.bridge.closed:
		return ErrClosed
	}
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
