// pkg/control/message.go
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joeydtaylor/steeze-gateway/pkg/codec"
)

// Type is the closed set of control verbs exchanged between a coordinator and
// its workers.
type Type string

const (
	TypeRequestConnectionTags  Type = "requestConnectionTags"
	TypeResponseConnectionTags Type = "responseConnectionTags"
	TypeStartListen            Type = "startListen"
	TypeListenStarted          Type = "listenStarted"
	TypeNeedRefreshTags        Type = "needRefreshTags"
	TypeGatewayCreated         Type = "gatewayCreated"
	TypeAppStatusChanged       Type = "appStatusChanged"
	TypeWorkerError            Type = "workerError"
	TypeWorkerRestart          Type = "workerRestart"
	TypeWorkerExit             Type = "workerExit"
	TypePassCLIArgv            Type = "passCliArgv"
	TypeSuccess                Type = "success"
	TypeError                  Type = "error"
)

var (
	ErrUnknownType    = errors.New("control: unknown message type")
	ErrInvalidPayload = errors.New("control: invalid payload")
)

// Payload is implemented by every concrete message body.
type Payload interface {
	Kind() Type
}

// Message is one framed unit on a control channel.
type Message struct {
	Payload   Payload
	RequestID string
}

func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// New wraps a payload into a message without a request id.
func New(p Payload) Message { return Message{Payload: p} }

type ConnectionTagsRequest struct {
	ID      string         `json:"id"`
	URL     string         `json:"url"`
	Headers map[string]any `json:"headers,omitempty"`
}

type ConnectionTagsResponse struct {
	ConnectionID string   `json:"connectionId"`
	Tags         []string `json:"tags"`
}

type StartListen struct {
	Port int    `json:"port"`
	Host string `json:"host,omitempty"`
}

type ListenStarted struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type NeedRefreshTags struct{}
type GatewayCreated struct{}
type WorkerRestart struct{}
type WorkerExit struct{}

type AppStatusChanged struct {
	AppName        string `json:"appName"`
	WorkingMessage string `json:"workingMessage,omitempty"`
	Status         string `json:"status,omitempty"`
}

type WorkerError struct {
	ErrorMessage string `json:"errorMessage"`
}

type CLIArgv struct {
	Argv []string `json:"argv"`
}

// Success is the positive reply envelope.
type Success struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Failure is the negative reply envelope; it travels as type "error".
type Failure struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (ConnectionTagsRequest) Kind() Type  { return TypeRequestConnectionTags }
func (ConnectionTagsResponse) Kind() Type { return TypeResponseConnectionTags }
func (StartListen) Kind() Type            { return TypeStartListen }
func (ListenStarted) Kind() Type          { return TypeListenStarted }
func (NeedRefreshTags) Kind() Type        { return TypeNeedRefreshTags }
func (GatewayCreated) Kind() Type         { return TypeGatewayCreated }
func (WorkerRestart) Kind() Type          { return TypeWorkerRestart }
func (WorkerExit) Kind() Type             { return TypeWorkerExit }
func (AppStatusChanged) Kind() Type       { return TypeAppStatusChanged }
func (WorkerError) Kind() Type            { return TypeWorkerError }
func (CLIArgv) Kind() Type                { return TypePassCLIArgv }
func (Success) Kind() Type                { return TypeSuccess }
func (Failure) Kind() Type                { return TypeError }

func (f Failure) Error() string { return f.Message }

// HTTPHeader flattens the loosely typed header map carried on the wire.
func (r ConnectionTagsRequest) HTTPHeader() http.Header {
	h := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		switch vv := v.(type) {
		case string:
			h.Add(k, vv)
		case []string:
			for _, s := range vv {
				h.Add(k, s)
			}
		case []any:
			for _, s := range vv {
				h.Add(k, fmt.Sprint(s))
			}
		case nil:
		default:
			h.Add(k, fmt.Sprint(vv))
		}
	}
	return h
}

// HeaderMap converts an http.Header into the wire representation.
func HeaderMap(h http.Header) map[string]any {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, vs := range h {
		k = strings.ToLower(k)
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		arr := make([]any, len(vs))
		for i, v := range vs {
			arr[i] = v
		}
		out[k] = arr
	}
	return out
}

func (s StartListen) validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	return nil
}

func (a AppStatusChanged) validate() error {
	if a.AppName == "" {
		return errors.New("appName required")
	}
	return nil
}

var factories = map[Type]func() Payload{
	TypeRequestConnectionTags:  func() Payload { return &ConnectionTagsRequest{} },
	TypeResponseConnectionTags: func() Payload { return &ConnectionTagsResponse{} },
	TypeStartListen:            func() Payload { return &StartListen{} },
	TypeListenStarted:          func() Payload { return &ListenStarted{} },
	TypeNeedRefreshTags:        func() Payload { return &NeedRefreshTags{} },
	TypeGatewayCreated:         func() Payload { return &GatewayCreated{} },
	TypeWorkerRestart:          func() Payload { return &WorkerRestart{} },
	TypeWorkerExit:             func() Payload { return &WorkerExit{} },
	TypeAppStatusChanged:       func() Payload { return &AppStatusChanged{} },
	TypeWorkerError:            func() Payload { return &WorkerError{} },
	TypePassCLIArgv:            func() Payload { return &CLIArgv{} },
	TypeSuccess:                func() Payload { return &Success{} },
	TypeError:                  func() Payload { return &Failure{} },
}

type envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type outEnvelope struct {
	Type      Type    `json:"type"`
	Payload   Payload `json:"payload"`
	RequestID string  `json:"requestId,omitempty"`
}

// Encode frames m as a single newline-terminated JSON line.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if _, ok := factories[m.Payload.Kind()]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Payload.Kind())
	}
	return codec.AppendLine(codec.JSONLoose, outEnvelope{
		Type:      m.Payload.Kind(),
		Payload:   m.Payload,
		RequestID: m.RequestID,
	})
}

// Decode parses one line. Unknown types and malformed payloads are reported
// as errors the caller can skip past.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := codec.JSONLoose.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	mk, ok := factories[env.Type]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	p := mk()
	if raw := strings.TrimSpace(string(env.Payload)); raw != "" && raw != "null" {
		if err := codec.JSONStrict.Unmarshal(env.Payload, p); err != nil {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	if v, ok := p.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	return Message{Payload: deref(p), RequestID: env.RequestID}, nil
}

// deref hands out value payloads so type switches match on the plain struct.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ConnectionTagsRequest:
		return *v
	case *ConnectionTagsResponse:
		return *v
	case *StartListen:
		return *v
	case *ListenStarted:
		return *v
	case *NeedRefreshTags:
		return *v
	case *GatewayCreated:
		return *v
	case *WorkerRestart:
		return *v
	case *WorkerExit:
		return *v
	case *AppStatusChanged:
		return *v
	case *WorkerError:
		return *v
	case *CLIArgv:
		return *v
	case *Success:
		return *v
	case *Failure:
		return *v
	}
	return p
}
