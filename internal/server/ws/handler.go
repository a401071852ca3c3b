// Package ws hosts the server side of the channel protocol. Each websocket
// connection is greeted with a challenge and then served frame by frame
// until the peer goes away.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"golang.org/x/net/websocket"

	"github.com/mkaverin/tether/internal/common"
	"github.com/mkaverin/tether/internal/cryptox"
	"github.com/mkaverin/tether/internal/logging"
	"github.com/mkaverin/tether/internal/server/auth"
	"github.com/mkaverin/tether/internal/server/sessions"
	"github.com/mkaverin/tether/internal/server/users"
	"github.com/mkaverin/tether/internal/wire"
)

// Handler serves the channel endpoint.
type Handler struct {
	users           *users.Service
	registry        *sessions.Registry
	opener          *cryptox.Opener
	secretKey       []byte
	sessionValidity time.Duration
	logger          logging.Logger
}

func NewHandler(users *users.Service, registry *sessions.Registry, opener *cryptox.Opener,
	secretKey []byte, sessionValidity time.Duration, logger logging.Logger) *Handler {
	return &Handler{
		users:           users,
		registry:        registry,
		opener:          opener,
		secretKey:       secretKey,
		sessionValidity: sessionValidity,
		logger:          logger,
	}
}

// WebsocketHandler returns the http.Handler to mount at the channel path.
func (h *Handler) WebsocketHandler() websocket.Handler {
	return websocket.Handler(h.serve)
}

// connState is the per-connection authentication state. A connection becomes
// authenticated at most once, when a credentials frame passes.
type connState struct {
	clientID string
	userID   string
	username string
}

func (h *Handler) serve(ws *websocket.Conn) {
	defer ws.Close()

	req := ws.Request()
	ctx := req.Context()

	state := &connState{clientID: req.Header.Get(common.ClientIDHeaderName)}
	log := h.logger.With("clientId", state.clientID)

	if err := h.sendChallenge(ctx, ws, state); err != nil {
		log.Warn(ctx, "sending challenge", "error", err)
		return
	}

	for {
		var frame wire.Frame
		if err := websocket.JSON.Receive(ws, &frame); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug(ctx, "channel closed", "error", err)
			}
			return
		}

		switch frame.Event {
		case wire.EventCredentials:
			h.handleCredentials(ctx, ws, state, frame, log)
		case wire.EventWhoAmI:
			h.handleWhoAmI(ctx, ws, state, log)
		default:
			log.Debug(ctx, "ignoring unknown event", "event", frame.Event)
		}
	}
}

// sendChallenge opens the conversation. The challenge carries the session id
// last issued to this client, if the registry still holds one, so the client
// can resume without prompting.
func (h *Handler) sendChallenge(ctx context.Context, ws *websocket.Conn, state *connState) error {
	sessionID := ""
	if state.clientID != "" {
		current, err := h.registry.Current(ctx, state.clientID)
		if err != nil {
			// degrade to a fresh challenge
			h.logger.Warn(ctx, "session registry lookup failed", "error", err)
		} else {
			sessionID = current
		}
	}
	return h.send(ws, wire.EventChallenge, wire.Challenge{SessionID: sessionID})
}

func (h *Handler) handleCredentials(ctx context.Context, ws *websocket.Conn, state *connState,
	frame wire.Frame, log logging.Logger) {

	var creds wire.Credentials
	if err := json.Unmarshal(frame.Payload, &creds); err != nil {
		log.Warn(ctx, "malformed credentials frame", "error", err)
		h.fail(ws, wire.ReasonServerError, log)
		return
	}

	username, password, err := h.openCredentials(creds)
	if err != nil {
		log.Warn(ctx, "opening credentials", "error", err)
		h.fail(ws, wire.ReasonServerError, log)
		return
	}
	defer common.WipeByteArray(password)

	if err := common.ValidateUsername(username); err != nil {
		h.fail(ws, wire.ReasonServerError, log)
		return
	}
	if err := common.ValidatePassword(password); err != nil {
		h.fail(ws, wire.ReasonServerError, log)
		return
	}

	var user *users.User
	switch creds.Action {
	case wire.ActionSignup:
		user, err = h.users.Register(ctx, username, password)
	case wire.ActionLogin:
		user, err = h.users.Login(ctx, username, password)
	default:
		log.Warn(ctx, "unknown credentials action", "action", creds.Action)
		h.fail(ws, wire.ReasonServerError, log)
		return
	}

	if err != nil {
		if state.clientID != "" {
			// a failed attempt invalidates whatever session the registry
			// still holds for this client
			if dropErr := h.registry.Drop(ctx, state.clientID); dropErr != nil {
				log.Warn(ctx, "dropping session", "error", dropErr)
			}
		}
		h.fail(ws, failureReason(err), log)
		return
	}

	sessionID, err := auth.GenerateToken(user.ID, h.secretKey, h.sessionValidity)
	if err != nil {
		log.Error(ctx, "issuing session id", "error", err)
		h.fail(ws, wire.ReasonServerError, log)
		return
	}

	if state.clientID != "" {
		// losing the registry entry only costs the client a silent resume
		if err := h.registry.Assign(ctx, state.clientID, sessionID); err != nil {
			log.Warn(ctx, "recording session", "error", err)
		}
	}

	state.userID = user.ID
	state.username = user.Username

	if err := h.send(ws, wire.EventAuthPass, wire.AuthPass{SessionID: sessionID}); err != nil {
		log.Warn(ctx, "sending auth-pass", "error", err)
	}
}

func (h *Handler) handleWhoAmI(ctx context.Context, ws *websocket.Conn, state *connState, log logging.Logger) {
	reply := wire.WhoAmI{}
	if state.userID != "" {
		reply.Username = state.username
		reply.UserID = state.userID
	}
	if err := h.send(ws, wire.EventWhoAmI, reply); err != nil {
		log.Warn(ctx, "sending whoami reply", "error", err)
	}
}

// openCredentials decrypts both sealed fields of a credentials frame.
func (h *Handler) openCredentials(creds wire.Credentials) (string, []byte, error) {
	username, err := h.opener.Open(creds.Username)
	if err != nil {
		return "", nil, err
	}
	password, err := h.opener.Open(creds.Password)
	if err != nil {
		return "", nil, err
	}
	return string(username), password, nil
}

func (h *Handler) fail(ws *websocket.Conn, reason int, log logging.Logger) {
	if err := h.send(ws, wire.EventAuthFail, wire.AuthFail{Reason: reason}); err != nil {
		log.Warn(context.Background(), "sending auth-fail", "error", err)
	}
}

func (h *Handler) send(ws *websocket.Conn, event string, payload any) error {
	frame, err := wire.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return websocket.JSON.Send(ws, frame)
}

// failureReason maps service errors to wire reason codes.
func failureReason(err error) int {
	switch {
	case errors.Is(err, common.ErrorAlreadyExists):
		return wire.ReasonUsernameTaken
	case errors.Is(err, common.ErrorNotFound):
		return wire.ReasonNotFound
	case errors.Is(err, common.ErrorUnauthorized):
		return wire.ReasonWrongPassword
	default:
		return wire.ReasonServerError
	}
}
