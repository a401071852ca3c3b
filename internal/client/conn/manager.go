// Package conn owns the persistent bidirectional channel to the server.
//
// A Manager wraps one websocket for the lifetime of the process. It supports
// named-event subscriptions, fire-and-forget emits and one-shot
// request/response exchanges. Disconnection is terminal: the channel is torn
// down, every further send fails with common.ErrDisconnected, and disconnect
// subscribers are notified exactly once. Reconnecting requires a fresh Dial,
// which is deliberate: a new, unauthenticated channel must never silently
// replay stale credential state.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/mkaverin/tether/internal/common"
	"github.com/mkaverin/tether/internal/logging"
	"github.com/mkaverin/tether/internal/wire"
	"golang.org/x/net/websocket"
)

// State of the channel. There is no reconnecting state; Disconnected is
// terminal for the current process lifetime.
type State int

const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler consumes the payload of a subscribed event. Handlers run on the
// channel's read goroutine and must not block.
type Handler = func(payload json.RawMessage)

// Manager is the single owner of the websocket. Safe for concurrent use.
type Manager struct {
	ws     *websocket.Conn
	logger logging.Logger

	wmu sync.Mutex // serializes writes to the socket

	mu          sync.Mutex
	state       State
	subscribers map[string][]Handler
	waiters     map[string][]chan json.RawMessage
	onDisc      []func()
	discDone    chan struct{}
	notified    bool
}

// Dial connects to the channel endpoint, presenting clientID so the server
// can address its challenge to this client. The read loop is not started:
// the caller registers its subscriptions first and then calls Run, so the
// server's greeting cannot arrive before anyone is listening for it.
func Dial(ctx context.Context, endpoint, origin, clientID string, logger logging.Logger) (*Manager, error) {
	cfg, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, fmt.Errorf("channel config: %w", err)
	}
	if clientID != "" {
		cfg.Header.Set(common.ClientIDHeaderName, clientID)
	}
	cfg.Dialer = &net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dialer.Deadline = deadline
	}

	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", common.ErrDisconnected, endpoint, err)
	}

	return New(ws, logger), nil
}

// New wraps an already-established websocket. The caller is responsible for
// running the read loop.
func New(ws *websocket.Conn, logger logging.Logger) *Manager {
	return &Manager{
		ws:          ws,
		logger:      logger.With("module", "conn"),
		state:       Connected,
		subscribers: make(map[string][]Handler),
		waiters:     make(map[string][]chan json.RawMessage),
		discDone:    make(chan struct{}),
	}
}

// Run reads frames until the socket fails or closes, then tears the channel
// down. Usually run on its own goroutine once subscriptions are in place.
func (m *Manager) Run() {
	m.readLoop()
}

func (m *Manager) readLoop() {
	for {
		var frame wire.Frame
		if err := websocket.JSON.Receive(m.ws, &frame); err != nil {
			m.teardown()
			return
		}
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame wire.Frame) {
	m.mu.Lock()
	if chans := m.waiters[frame.Event]; len(chans) > 0 {
		ch := chans[0]
		m.waiters[frame.Event] = chans[1:]
		m.mu.Unlock()
		ch <- frame.Payload
		return
	}
	handlers := append([]Handler(nil), m.subscribers[frame.Event]...)
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug(context.Background(), "unhandled event", "event", frame.Event)
		return
	}
	for _, h := range handlers {
		h(frame.Payload)
	}
}

// teardown closes the socket, flips the state and notifies disconnect
// subscribers. Runs its notification side exactly once.
func (m *Manager) teardown() {
	m.mu.Lock()
	if m.notified {
		m.mu.Unlock()
		return
	}
	m.notified = true
	m.state = Disconnected
	subs := append(([]func())(nil), m.onDisc...)
	waiters := m.waiters
	m.waiters = make(map[string][]chan json.RawMessage)
	m.mu.Unlock()

	_ = m.ws.Close()
	close(m.discDone)
	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, fn := range subs {
		fn()
	}
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a handler for a named event. Must be called before the
// event can arrive; there is no unsubscribe.
func (m *Manager) Subscribe(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[event] = append(m.subscribers[event], h)
}

// OnDisconnect registers fn to run exactly once when the channel goes down.
// If the channel is already down, fn runs immediately.
func (m *Manager) OnDisconnect(fn func()) {
	m.mu.Lock()
	if m.notified {
		m.mu.Unlock()
		fn()
		return
	}
	m.onDisc = append(m.onDisc, fn)
	m.mu.Unlock()
}

// Disconnected returns a channel closed when the connection is torn down.
func (m *Manager) Disconnected() <-chan struct{} {
	return m.discDone
}

// Emit sends a fire-and-forget frame. A send failure tears the channel down.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	frame, err := wire.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return common.ErrDisconnected
	}
	m.mu.Unlock()

	m.wmu.Lock()
	err = websocket.JSON.Send(m.ws, frame)
	m.wmu.Unlock()
	if err != nil {
		m.teardown()
		return fmt.Errorf("%w: send %s: %v", common.ErrDisconnected, event, err)
	}
	return nil
}

// Request emits a frame and waits for the next server frame carrying the
// same event name, unmarshalling its payload into out. Exchanges on the same
// event are answered in order.
func (m *Manager) Request(ctx context.Context, event string, in, out any) error {
	reply := make(chan json.RawMessage, 1)

	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return common.ErrDisconnected
	}
	m.waiters[event] = append(m.waiters[event], reply)
	m.mu.Unlock()

	if err := m.Emit(ctx, event, in); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case payload, ok := <-reply:
		if !ok {
			return common.ErrDisconnected
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
}

// Close tears the channel down locally. Subscribers observe it as a
// disconnect.
func (m *Manager) Close() error {
	m.teardown()
	return nil
}
