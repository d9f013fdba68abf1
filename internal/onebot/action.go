package onebot

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Request is an action request. Self may arrive at the top level or nested in
// params; RequestFromMap normalizes both forms.
type Request struct {
	Action string
	Params Params
	Echo   any
	Self   *Self
}

func (r Request) ToMap() map[string]any {
	m := map[string]any{"action": r.Action}
	params := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		params[k] = v
	}
	if r.Self != nil {
		params["self"] = r.Self.toMap()
	}
	m["params"] = params
	if r.Echo != nil {
		m["echo"] = r.Echo
	}
	return m
}

// RequestFromMap validates the envelope. Malformed envelopes are BadRequest.
func RequestFromMap(m map[string]any) (Request, error) {
	var r Request
	action, ok := m["action"].(string)
	if !ok || action == "" {
		return r, BadRequest("Invalid data format")
	}
	r.Action = action
	r.Echo = m["echo"]
	r.Params = Params{}
	switch raw := m["params"].(type) {
	case nil:
	case map[string]any:
		for k, v := range raw {
			r.Params[k] = v
		}
	default:
		return r, BadRequest("Invalid data format")
	}
	if sm, ok := m["self"].(map[string]any); ok {
		s := selfFromMap(sm)
		r.Self = &s
	}
	if sm, ok := r.Params["self"].(map[string]any); ok {
		s := selfFromMap(sm)
		r.Self = &s
	}
	delete(r.Params, "self")
	return r, nil
}

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

type Response struct {
	Status  string
	Retcode int64
	Data    any
	Message string
	Echo    any
}

func OK(data any) Response {
	return Response{Status: StatusOK, Retcode: RetOK, Data: data}
}

// Failed converts any error into a failed response.
func Failed(err error) Response {
	ae := AsActionError(err)
	if ae == nil {
		ae = InternalHandler("unknown error")
	}
	return Response{Status: StatusFailed, Retcode: ae.Retcode, Data: ae.Data, Message: ae.Message}
}

func (r Response) WithEcho(echo any) Response {
	r.Echo = echo
	return r
}

func (r Response) ToMap() map[string]any {
	m := map[string]any{
		"status":  r.Status,
		"retcode": r.Retcode,
		"data":    r.Data,
		"message": r.Message,
	}
	if r.Echo != nil {
		m["echo"] = r.Echo
	}
	return m
}

func ResponseFromMap(m map[string]any) (Response, error) {
	var r Response
	status, ok := m["status"].(string)
	if !ok {
		return r, fmt.Errorf("response status missing")
	}
	r.Status = status
	r.Retcode, _ = AnyInt(m["retcode"])
	r.Data = m["data"]
	r.Message, _ = m["message"].(string)
	r.Echo = m["echo"]
	return r, nil
}

// Params is the named parameter bag of an action.
type Params map[string]any

// String returns the parameter as a string, formatting numeric ids.
func (p Params) String(key string) string {
	return AnyString(p[key])
}

// RequireString fails with BadParam when the key is missing or empty.
func (p Params) RequireString(key string) (string, error) {
	v := p.String(key)
	if v == "" {
		return "", BadParam("%s is required", key)
	}
	return v, nil
}

func (p Params) Int(key string, def int64) int64 {
	if v, ok := AnyInt(p[key]); ok {
		return v
	}
	if f, ok := AnyFloat(p[key]); ok {
		return int64(f)
	}
	return def
}

func (p Params) Float(key string, def float64) float64 {
	if v, ok := AnyFloat(p[key]); ok {
		return v
	}
	return def
}

func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Bytes accepts native binary (compact encoding) or base64 text (JSON encoding).
func (p Params) Bytes(key string) ([]byte, error) {
	switch v := p[key].(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, BadParam("%s must be base64 encoded", key)
		}
		return b, nil
	}
	return nil, BadParam("%s must be binary data", key)
}

func (p Params) StringMap(key string) map[string]string {
	raw, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = AnyString(v)
	}
	return out
}

// Message parses the message parameter.
func (p Params) Message(key string) (Message, error) {
	msg, err := ParseMessage(p[key])
	if err != nil {
		return nil, BadParam("%s: %s", key, err.Error())
	}
	if len(msg) == 0 {
		return nil, BadParam("%s is required", key)
	}
	return msg, nil
}

// Duration interprets a numeric parameter as seconds.
func (p Params) Duration(key string) time.Duration {
	f := p.Float(key, 0)
	if f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

// SentMessage is the common data payload of send_message.
func SentMessage(messageID string, at time.Time) map[string]any {
	return map[string]any{"message_id": messageID, "time": Timestamp(at)}
}
