// Package wire defines the frame format and event payloads of the channel
// protocol spoken between client and server.
//
// Every message on the channel is a single JSON frame carrying a named event
// and an event-specific payload. The server controls pacing: it opens the
// conversation with a challenge, the client answers with sealed credentials,
// and the server closes the exchange with exactly one pass or fail signal.
package wire

import "encoding/json"

// Event names.
const (
	EventChallenge   = "challenge"
	EventCredentials = "credentials"
	EventAuthPass    = "auth-pass"
	EventAuthFail    = "auth-fail"
	EventWhoAmI      = "whoami"
)

// Handshake actions carried in a credentials frame.
const (
	ActionLogin  = 0
	ActionSignup = 1
)

// Failure reasons carried in an auth-fail frame. Values outside this set are
// reported as unknown.
const (
	ReasonUsernameTaken = 1
	ReasonNotFound      = 2
	ReasonWrongPassword = 3
	ReasonServerError   = 4
)

// Frame is the envelope of every channel message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload and wraps it in a Frame for the given event.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = b
	return f, nil
}

// Challenge is the server-initiated request for credentials. SessionID, when
// present, is the session the server last issued to this client; the client
// checks it against its stored record before resuming silently.
type Challenge struct {
	SessionID string `json:"sessionId,omitempty"`
}

// Credentials carries sealed credential material. Username and Password are
// ciphertext; base64 on the wire via encoding/json.
type Credentials struct {
	Action   int    `json:"action"`
	Username []byte `json:"username"`
	Password []byte `json:"password"`
}

// AuthPass signals successful authentication and carries the session id the
// client must store for later resumption.
type AuthPass struct {
	SessionID string `json:"sessionId"`
}

// AuthFail signals failed authentication with a reason code.
type AuthFail struct {
	Reason int `json:"reason"`
}

// WhoAmI is the reply payload of the whoami round-trip.
type WhoAmI struct {
	Username string `json:"username,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// FailureText maps a reason code to a human-readable notice.
func FailureText(reason int) string {
	switch reason {
	case ReasonUsernameTaken:
		return "username already taken"
	case ReasonNotFound:
		return "account not found"
	case ReasonWrongPassword:
		return "wrong password"
	case ReasonServerError:
		return "server error"
	default:
		return "unknown error"
	}
}
