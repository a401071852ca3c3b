package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/mkaverin/tether/internal/client/session"
	"github.com/mkaverin/tether/internal/common"
	"github.com/mkaverin/tether/internal/logging"
	"github.com/mkaverin/tether/internal/wire"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type emitted struct {
	Event   string
	Payload wire.Credentials
}

// fakeChannel captures emits and lets tests fire server events synchronously.
type fakeChannel struct {
	EmitErr error

	Emits    []emitted
	handlers map[string]func(json.RawMessage)
	onDisc   []func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	if f.EmitErr != nil {
		return f.EmitErr
	}
	var creds wire.Credentials
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &creds); err != nil {
		return err
	}
	f.Emits = append(f.Emits, emitted{Event: event, Payload: creds})
	return nil
}

func (f *fakeChannel) Subscribe(event string, h func(payload json.RawMessage)) {
	f.handlers[event] = h
}

func (f *fakeChannel) OnDisconnect(fn func()) {
	f.onDisc = append(f.onDisc, fn)
}

func (f *fakeChannel) fire(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	h, ok := f.handlers[event]
	require.True(t, ok, "no handler for %s", event)
	h(b)
}

func (f *fakeChannel) disconnect() {
	for _, fn := range f.onDisc {
		fn()
	}
}

// fakeCodec seals deterministically so tests can assert on ciphertext.
type fakeCodec struct {
	Err   error
	Calls int
}

func (f *fakeCodec) Encode(_ context.Context, plaintext []byte) ([]byte, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]byte("sealed:"), plaintext...), nil
}

// fakeStore is an in-memory session.Store.
type fakeStore struct {
	rec      *session.Record
	LoadErr  error
	SaveErr  error
	ClearErr error
}

func (f *fakeStore) Save(_ context.Context, rec *session.Record) error {
	if f.SaveErr != nil {
		return f.SaveErr
	}
	c := *rec
	f.rec = &c
	return nil
}

func (f *fakeStore) Load(_ context.Context) (*session.Record, error) {
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	if f.rec == nil {
		return nil, nil
	}
	c := *f.rec
	return &c, nil
}

func (f *fakeStore) Clear(_ context.Context) error {
	if f.ClearErr != nil {
		return f.ClearErr
	}
	f.rec = nil
	return nil
}

func (f *fakeStore) ClientID(_ context.Context) (string, error) { return "client-1", nil }

// ---- setup ----

type fixture struct {
	ch    *fakeChannel
	codec *fakeCodec
	store *fakeStore
	h     *Handshake
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ch:    newFakeChannel(),
		codec: &fakeCodec{},
		store: &fakeStore{},
	}
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	f.h = New(f.ch, f.codec, f.store, logger)
	f.h.Start(context.Background())
	return f
}

func (f *fixture) requireNoOutcome(t *testing.T) {
	t.Helper()
	select {
	case o := <-f.h.Outcomes():
		t.Fatalf("unexpected outcome: %+v", o)
	default:
	}
}

func (f *fixture) requireOutcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-f.h.Outcomes():
		return o
	default:
		t.Fatal("no outcome delivered")
		return Outcome{}
	}
}

// ---- tests ----

func TestInteractiveLogin_EndToEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})
	require.Equal(t, StateAwaitingChallenge, f.h.State())

	require.NoError(t, f.h.Submit(ctx, wire.ActionLogin, "alice", []byte("hunter2")))
	require.Equal(t, StateCredentialsSent, f.h.State())

	require.Len(t, f.ch.Emits, 1)
	sent := f.ch.Emits[0]
	require.Equal(t, wire.EventCredentials, sent.Event)
	require.Equal(t, wire.ActionLogin, sent.Payload.Action)
	require.Equal(t, []byte("sealed:alice"), sent.Payload.Username)
	require.Equal(t, []byte("sealed:hunter2"), sent.Payload.Password)

	f.ch.fire(t, wire.EventAuthPass, wire.AuthPass{SessionID: "abc"})

	o := f.requireOutcome(t)
	require.True(t, o.Pass)
	require.Equal(t, "abc", o.SessionID)
	require.Equal(t, StateAuthenticated, f.h.State())

	require.Equal(t, &session.Record{
		UsernameCipher: []byte("sealed:alice"),
		PasswordCipher: []byte("sealed:hunter2"),
		SessionID:      "abc",
	}, f.store.rec)
}

func TestSubmit_ValidationRejectsBeforeAnyTraffic(t *testing.T) {
	f := setup(t)
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})

	err := f.h.Submit(context.Background(), wire.ActionLogin, "not valid!", []byte("x"))
	require.ErrorIs(t, err, common.ErrValidation)

	err = f.h.Submit(context.Background(), wire.ActionLogin, "alice", nil)
	require.ErrorIs(t, err, common.ErrValidation)

	require.Empty(t, f.ch.Emits, "invalid input must generate no traffic")
	require.Zero(t, f.codec.Calls, "invalid input must not reach the codec")
	require.Equal(t, StateAwaitingChallenge, f.h.State())
}

func TestSubmit_CodecFailureIsFatalToAttemptOnly(t *testing.T) {
	f := setup(t)
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})

	f.codec.Err = common.ErrEncoding
	err := f.h.Submit(context.Background(), wire.ActionLogin, "alice", []byte("hunter2"))
	require.ErrorIs(t, err, common.ErrEncoding)
	require.Empty(t, f.ch.Emits)
	require.Equal(t, StateAwaitingChallenge, f.h.State())

	// the user re-collects input and tries again
	f.codec.Err = nil
	require.NoError(t, f.h.Submit(context.Background(), wire.ActionLogin, "alice", []byte("hunter2")))
	require.Len(t, f.ch.Emits, 1)
}

func TestSubmit_TransportFailureLeavesSessionUntouched(t *testing.T) {
	f := setup(t)
	f.store.rec = &session.Record{SessionID: "old", UsernameCipher: []byte("u"), PasswordCipher: []byte("p")}
	f.ch.EmitErr = common.ErrDisconnected

	// the resume attempt fails to send; the machine stays in awaiting-challenge
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{SessionID: "old"})
	require.Equal(t, StateAwaitingChallenge, f.h.State())

	err := f.h.Submit(context.Background(), wire.ActionSignup, "bob", []byte("pw"))
	require.ErrorIs(t, err, common.ErrDisconnected)
	require.NotNil(t, f.store.rec, "transport failure must not clear the session")
}

func TestSilentResume_MatchingSessionID(t *testing.T) {
	f := setup(t)
	f.store.rec = &session.Record{
		UsernameCipher: []byte("sealed:alice"),
		PasswordCipher: []byte("sealed:hunter2"),
		SessionID:      "abc",
	}

	f.ch.fire(t, wire.EventChallenge, wire.Challenge{SessionID: "abc"})

	require.Len(t, f.ch.Emits, 1, "stored credentials must be resent automatically")
	sent := f.ch.Emits[0]
	require.Equal(t, wire.ActionLogin, sent.Payload.Action)
	require.Equal(t, []byte("sealed:alice"), sent.Payload.Username)
	require.Equal(t, []byte("sealed:hunter2"), sent.Payload.Password)
	require.Zero(t, f.codec.Calls, "resume must reuse stored ciphertext, not re-seal")
	require.Equal(t, StateCredentialsSent, f.h.State())

	f.ch.fire(t, wire.EventAuthPass, wire.AuthPass{SessionID: "abc"})
	o := f.requireOutcome(t)
	require.True(t, o.Pass)
	require.Equal(t, "abc", f.store.rec.SessionID)
}

func TestSilentResume_MismatchClearsAndStaysQuiet(t *testing.T) {
	f := setup(t)
	f.store.rec = &session.Record{SessionID: "abc", UsernameCipher: []byte("u"), PasswordCipher: []byte("p")}

	f.ch.fire(t, wire.EventChallenge, wire.Challenge{SessionID: "xyz"})

	require.Empty(t, f.ch.Emits, "mismatched session must never be retried")
	require.Nil(t, f.store.rec, "mismatched session must be cleared")
	require.Equal(t, StateAwaitingChallenge, f.h.State())
}

func TestSilentResume_ChallengeWithoutIDClearsStoredSession(t *testing.T) {
	f := setup(t)
	f.store.rec = &session.Record{SessionID: "abc", UsernameCipher: []byte("u"), PasswordCipher: []byte("p")}

	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})

	require.Empty(t, f.ch.Emits)
	require.Nil(t, f.store.rec)
}

func TestSubmissionLock(t *testing.T) {
	f := setup(t)
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})
	ctx := context.Background()

	require.NoError(t, f.h.Submit(ctx, wire.ActionLogin, "alice", []byte("hunter2")))
	err := f.h.Submit(ctx, wire.ActionLogin, "alice", []byte("hunter2"))
	require.ErrorIs(t, err, common.ErrSubmissionPending)
	require.Len(t, f.ch.Emits, 1, "no second emit while one is outstanding")

	// failure releases the lock for an interactive retry
	f.ch.fire(t, wire.EventAuthFail, wire.AuthFail{Reason: wire.ReasonWrongPassword})
	o := f.requireOutcome(t)
	require.False(t, o.Pass)
	require.Equal(t, wire.ReasonWrongPassword, o.Reason)
	require.Equal(t, "wrong password", o.Notice())

	require.NoError(t, f.h.Submit(ctx, wire.ActionLogin, "alice", []byte("hunter3")))
	require.Len(t, f.ch.Emits, 2)
}

func TestExactlyOneTerminalSignalPerSubmission(t *testing.T) {
	f := setup(t)
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})

	require.NoError(t, f.h.Submit(context.Background(), wire.ActionLogin, "alice", []byte("hunter2")))
	f.ch.fire(t, wire.EventAuthPass, wire.AuthPass{SessionID: "abc"})
	require.True(t, f.requireOutcome(t).Pass)

	// duplicates after the terminal signal are ignored
	f.ch.fire(t, wire.EventAuthPass, wire.AuthPass{SessionID: "other"})
	f.ch.fire(t, wire.EventAuthFail, wire.AuthFail{Reason: wire.ReasonServerError})
	f.requireNoOutcome(t)
	require.Equal(t, "abc", f.store.rec.SessionID)
}

func TestAuthFail_ClearsStoreRegardlessOfPriorContents(t *testing.T) {
	f := setup(t)
	f.store.rec = &session.Record{SessionID: "stale", UsernameCipher: []byte("u"), PasswordCipher: []byte("p")}
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{SessionID: "stale"})

	// the silent resume is answered with a failure
	f.ch.fire(t, wire.EventAuthFail, wire.AuthFail{Reason: wire.ReasonNotFound})

	o := f.requireOutcome(t)
	require.False(t, o.Pass)
	require.Nil(t, f.store.rec, "store must end up empty after auth-fail")
	require.Equal(t, StateAwaitingChallenge, f.h.State())
}

func TestDisconnectDuringCredentialsSent(t *testing.T) {
	f := setup(t)
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{})

	require.NoError(t, f.h.Submit(context.Background(), wire.ActionLogin, "alice", []byte("hunter2")))
	f.ch.disconnect()

	// terminal signals can no longer land
	f.ch.fire(t, wire.EventAuthPass, wire.AuthPass{SessionID: "abc"})
	f.ch.fire(t, wire.EventAuthFail, wire.AuthFail{Reason: wire.ReasonServerError})
	f.requireNoOutcome(t)
	require.Nil(t, f.store.rec, "outcome is indeterminate: nothing saved")

	err := f.h.Submit(context.Background(), wire.ActionLogin, "alice", []byte("hunter2"))
	require.ErrorIs(t, err, common.ErrDisconnected)
}

func TestDisconnect_KeepsStoredSessionForNextStart(t *testing.T) {
	f := setup(t)
	f.store.rec = &session.Record{SessionID: "abc", UsernameCipher: []byte("u"), PasswordCipher: []byte("p")}
	f.ch.fire(t, wire.EventChallenge, wire.Challenge{SessionID: "abc"})
	require.Len(t, f.ch.Emits, 1)

	f.ch.disconnect()

	require.NotNil(t, f.store.rec, "disconnect mid-handshake must leave the session for a later resume")
}

func TestSubmitBeforeStartRejected(t *testing.T) {
	// Idle never accepts input; only awaiting-challenge does.
	h := New(newFakeChannel(), &fakeCodec{}, &fakeStore{},
		logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	err := h.Submit(context.Background(), wire.ActionLogin, "alice", []byte("pw"))
	require.Error(t, err)
}

func TestCurrentSessionAndLogout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.store.rec = &session.Record{SessionID: "abc"}

	rec, err := f.h.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", rec.SessionID)

	require.NoError(t, f.h.Logout(ctx))
	rec, err = f.h.CurrentSession(ctx)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestStoreLoadErrorFallsBackToInteractive(t *testing.T) {
	f := setup(t)
	f.store.LoadErr = errors.New("disk on fire")

	f.ch.fire(t, wire.EventChallenge, wire.Challenge{SessionID: "abc"})

	require.Empty(t, f.ch.Emits)
	require.Equal(t, StateAwaitingChallenge, f.h.State())
}
