// Package protocol implements the control-channel wire format: a JSON
// envelope carrying one of the gateway's eight message types, exchanged
// over any full-duplex framed transport (see internal/session).
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lobber-dev/lobber/internal/gwerrors"
)

// Type identifies the shape of an envelope's payload.
type Type string

const (
	TypeRegister     Type = "tunnel:register"
	TypeRegistered   Type = "tunnel:registered"
	TypeClose        Type = "tunnel:close"
	TypeHTTPRequest  Type = "http:request"
	TypeHTTPResponse Type = "http:response"
	TypeHTTPError    Type = "http:error"
	TypePing         Type = "ping"
	TypePong         Type = "pong"

	// TypeError is sent gateway->client only, in reply to a message that
	// failed to decode. It is not one of the seven request/response
	// message shapes and is never expected as input.
	TypeError Type = "error"
)

// knownTypes is the closed set the codec accepts on input.
var knownTypes = map[Type]bool{
	TypeRegister:     true,
	TypeRegistered:   true,
	TypeClose:        true,
	TypeHTTPRequest:  true,
	TypeHTTPResponse: true,
	TypeHTTPError:    true,
	TypePing:         true,
	TypePong:         true,
}

// Envelope is the single wire shape: a string type tag plus an opaque
// payload object. Every payload carries a millisecond Unix timestamp in
// addition to its type-specific fields.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload is sent client->gateway to request a new tunnel.
type RegisterPayload struct {
	Subdomain string `json:"subdomain,omitempty" validate:"omitempty,min=4,max=32"`
	LocalPort int    `json:"localPort" validate:"required,min=1,max=65535"`
	AuthToken string `json:"authToken,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RegisteredPayload is the success reply to a register request.
type RegisteredPayload struct {
	TunnelID  string `json:"tunnelId"`
	PublicURL string `json:"publicUrl"`
	Subdomain string `json:"subdomain"`
	Timestamp int64  `json:"timestamp"`
}

// ClosePayload may flow in either direction to tear down a tunnel.
type ClosePayload struct {
	TunnelID  string `json:"tunnelId"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HTTPRequestPayload carries one forwarded HTTP exchange gateway->client.
// Body is base64 of the raw request bytes, or nil when absent.
type HTTPRequestPayload struct {
	RequestID string              `json:"requestId"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string][]string `json:"headers"`
	Body      *string             `json:"body"`
	Query     map[string][]string `json:"query"`
	Timestamp int64               `json:"timestamp"`
}

// HTTPResponsePayload carries the client's reply client->gateway.
type HTTPResponsePayload struct {
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       *string             `json:"body"`
	Timestamp  int64               `json:"timestamp"`
}

// HTTPErrorPayload reports a failed local delivery client->gateway.
type HTTPErrorPayload struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// PingPayload / PongPayload are liveness probes, either direction.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type PongPayload struct {
	Timestamp     int64 `json:"timestamp"`
	PingTimestamp int64 `json:"pingTimestamp"`
}

// ErrorPayload is what the gateway replies with for a message it could
// not decode or dispatch. It never terminates the channel.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Encode marshals a typed payload into a full envelope.
func Encode(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode parses the envelope shell and validates the type tag. Callers
// then decode Payload into the concrete struct for Type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", gwerrors.ErrInvalidMessage, err)
	}
	if !knownTypes[env.Type] {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", gwerrors.ErrInvalidMessage, env.Type)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope's payload into target.
func (e Envelope) DecodePayload(target any) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrInvalidMessage, err)
	}
	return nil
}

// EncodeBody base64-encodes raw bytes for the wire, returning nil for
// an absent body (never an empty-string placeholder).
func EncodeBody(body []byte) *string {
	if body == nil {
		return nil
	}
	s := base64.StdEncoding.EncodeToString(body)
	return &s
}

// DecodeBody reverses EncodeBody. A nil pointer decodes to a nil slice.
func DecodeBody(body *string) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(*body)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode body: %w", err)
	}
	return raw, nil
}
