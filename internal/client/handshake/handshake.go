// Package handshake drives the client side of the authentication protocol:
// login, signup and silent session resumption over the persistent channel.
//
// The protocol is server-paced. The client never initiates: it waits for the
// server's challenge, answers with sealed credentials (stored ones when the
// challenge carries the session id it already holds), and then waits for
// exactly one terminal signal per submission. A submission lock is held from
// the moment credentials go out until that signal arrives, so a second
// credential message can never be outstanding at the same time.
package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mkaverin/tether/internal/client/session"
	"github.com/mkaverin/tether/internal/common"
	"github.com/mkaverin/tether/internal/cryptox"
	"github.com/mkaverin/tether/internal/logging"
	"github.com/mkaverin/tether/internal/wire"
)

// State of the handshake.
type State int

const (
	StateIdle State = iota
	StateAwaitingChallenge
	StateCredentialsSent
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateCredentialsSent:
		return "credentials-sent"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the terminal result of one credential submission. Exactly one
// Outcome is delivered per submission.
type Outcome struct {
	Pass      bool
	SessionID string // set when Pass
	Reason    int    // wire reason code when !Pass
}

// Notice returns a human-readable description of a failed outcome.
func (o Outcome) Notice() string {
	if o.Pass {
		return "authenticated"
	}
	return wire.FailureText(o.Reason)
}

// Channel is the subset of the connection manager the handshake needs.
type Channel interface {
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(event string, h func(payload json.RawMessage))
	OnDisconnect(fn func())
}

// Handshake is the authentication state machine. All transitions are
// serialized by an internal mutex; event handlers run on the channel's read
// goroutine, Submit on the caller's.
type Handshake struct {
	ch     Channel
	codec  cryptox.Codec
	store  session.Store
	logger logging.Logger

	// ctx given to Start; scopes store access from event handlers.
	ctx context.Context

	mu           sync.Mutex
	state        State
	disconnected bool
	pending      *session.Record // sealed pair awaiting a terminal signal

	outcomes chan Outcome
}

// New builds a Handshake in the Idle state. Nothing happens until Start.
func New(ch Channel, codec cryptox.Codec, store session.Store, logger logging.Logger) *Handshake {
	return &Handshake{
		ch:       ch,
		codec:    codec,
		store:    store,
		logger:   logger.With("module", "handshake"),
		state:    StateIdle,
		outcomes: make(chan Outcome, 1),
	}
}

// Start subscribes to the server's events and moves to AwaitingChallenge.
// ctx scopes the session-store access performed by event handlers and should
// live as long as the channel does.
func (h *Handshake) Start(ctx context.Context) {
	h.ctx = ctx
	h.ch.Subscribe(wire.EventChallenge, h.onChallenge)
	h.ch.Subscribe(wire.EventAuthPass, h.onPass)
	h.ch.Subscribe(wire.EventAuthFail, h.onFail)
	h.ch.OnDisconnect(h.onDisconnect)

	h.mu.Lock()
	if h.state == StateIdle {
		h.state = StateAwaitingChallenge
	}
	h.mu.Unlock()
}

// State returns the current handshake state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Outcomes delivers the terminal result of each submission.
func (h *Handshake) Outcomes() <-chan Outcome {
	return h.outcomes
}

// CurrentSession returns the stored session record, or nil when none exists.
func (h *Handshake) CurrentSession(ctx context.Context) (*session.Record, error) {
	return h.store.Load(ctx)
}

// Logout clears the stored session. The channel state is untouched; the
// caller decides whether to keep the connection.
func (h *Handshake) Logout(ctx context.Context) error {
	return h.store.Clear(ctx)
}

// Submit validates, seals and sends user-entered credentials with the given
// action. It returns common.ErrValidation for out-of-bounds input (no
// traffic is generated), a common.ErrEncoding-wrapped error when sealing
// fails (fatal to this attempt only), common.ErrSubmissionPending while an
// earlier submission is outstanding, and common.ErrDisconnected once the
// channel is down.
func (h *Handshake) Submit(ctx context.Context, action int, username string, password []byte) error {
	if err := common.ValidateUsername(username); err != nil {
		return err
	}
	if err := common.ValidatePassword(password); err != nil {
		return err
	}

	if err := h.checkSendable(); err != nil {
		return err
	}

	usernameCipher, err := h.codec.Encode(ctx, []byte(username))
	if err != nil {
		return fmt.Errorf("seal username: %w", err)
	}
	passwordCipher, err := h.codec.Encode(ctx, password)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkSendableLocked(); err != nil {
		return err
	}
	rec := &session.Record{UsernameCipher: usernameCipher, PasswordCipher: passwordCipher}
	return h.sendLocked(ctx, rec, action)
}

func (h *Handshake) checkSendable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkSendableLocked()
}

func (h *Handshake) checkSendableLocked() error {
	switch {
	case h.disconnected:
		return common.ErrDisconnected
	case h.state == StateCredentialsSent:
		return common.ErrSubmissionPending
	case h.state == StateAuthenticated:
		return fmt.Errorf("already authenticated")
	case h.state != StateAwaitingChallenge:
		return fmt.Errorf("no challenge received yet")
	}
	return nil
}

// sendLocked emits the credentials frame and takes the submission lock.
// On a transport failure nothing is recorded, so stored session state stays
// exactly as it was.
func (h *Handshake) sendLocked(ctx context.Context, rec *session.Record, action int) error {
	err := h.ch.Emit(ctx, wire.EventCredentials, &wire.Credentials{
		Action:   action,
		Username: rec.UsernameCipher,
		Password: rec.PasswordCipher,
	})
	if err != nil {
		return err
	}
	h.pending = rec
	h.state = StateCredentialsSent
	return nil
}

// onChallenge handles the server-initiated challenge. With a stored session
// whose id matches the challenge, the stored sealed pair is resent without
// user interaction and without re-sealing. Any other combination falls back
// to the interactive path; a stored session that does not match is cleared
// and never retried.
func (h *Handshake) onChallenge(payload json.RawMessage) {
	var c wire.Challenge
	if err := json.Unmarshal(payload, &c); err != nil {
		h.logger.Warn(h.ctx, "malformed challenge", "error", err)
		return
	}

	h.mu.Lock()
	if h.state != StateAwaitingChallenge || h.disconnected {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	rec, err := h.store.Load(h.ctx)
	if err != nil {
		h.logger.Warn(h.ctx, "session load failed, falling back to interactive login", "error", err)
		return
	}
	if rec == nil {
		return // no prior session; wait for user input
	}

	if c.SessionID == "" || c.SessionID != rec.SessionID {
		// The server no longer honors this session. Never retry stored
		// credentials against a mismatched session.
		if err := h.store.Clear(h.ctx); err != nil {
			h.logger.Warn(h.ctx, "session clear failed", "error", err)
		}
		h.logger.Info(h.ctx, "stored session invalid, interactive login required")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkSendableLocked(); err != nil {
		return
	}
	if err := h.sendLocked(h.ctx, rec, wire.ActionLogin); err != nil {
		h.logger.Warn(h.ctx, "silent resume send failed", "error", err)
		return
	}
	h.logger.Info(h.ctx, "resuming stored session", "session_id", c.SessionID)
}

// onPass handles the server's pass signal: persist the triple, then release
// control exactly once.
func (h *Handshake) onPass(payload json.RawMessage) {
	var p wire.AuthPass
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn(h.ctx, "malformed auth-pass", "error", err)
		return
	}

	h.mu.Lock()
	if h.state != StateCredentialsSent || h.disconnected {
		h.mu.Unlock()
		return
	}
	rec := h.pending
	h.pending = nil
	h.state = StateAuthenticated
	h.mu.Unlock()

	rec.SessionID = p.SessionID
	if err := h.store.Save(h.ctx, rec); err != nil {
		// Authentication stands; only resumption after restart is lost.
		h.logger.Error(h.ctx, "session save failed", "error", err)
	}

	h.deliver(Outcome{Pass: true, SessionID: p.SessionID})
}

// onFail handles the server's fail signal: the stored session is cleared
// whatever it contained, and the handshake returns to AwaitingChallenge so
// the user can retry.
func (h *Handshake) onFail(payload json.RawMessage) {
	var f wire.AuthFail
	if err := json.Unmarshal(payload, &f); err != nil {
		h.logger.Warn(h.ctx, "malformed auth-fail", "error", err)
		return
	}

	h.mu.Lock()
	if h.state != StateCredentialsSent || h.disconnected {
		h.mu.Unlock()
		return
	}
	h.pending = nil
	h.state = StateAwaitingChallenge // submission lock released for retry
	h.mu.Unlock()

	if err := h.store.Clear(h.ctx); err != nil {
		h.logger.Warn(h.ctx, "session clear failed", "error", err)
	}

	h.deliver(Outcome{Pass: false, Reason: f.Reason})
}

// onDisconnect freezes the state machine. An outstanding submission becomes
// indeterminate: the stored session is neither saved nor cleared, so a
// restart can still attempt silent resumption.
func (h *Handshake) onDisconnect() {
	h.mu.Lock()
	h.disconnected = true
	h.mu.Unlock()
	h.logger.Info(h.ctx, "channel disconnected, handshake frozen")
}

func (h *Handshake) deliver(o Outcome) {
	select {
	case h.outcomes <- o:
	default:
		// The buffer holds one outcome and at most one submission can be
		// outstanding, so this only triggers when the consumer abandoned
		// the channel.
		h.logger.Warn(h.ctx, "outcome dropped", "pass", o.Pass, "reason", o.Reason)
	}
}
