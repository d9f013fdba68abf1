// Package codec encodes canonical events and action payloads as JSON or msgpack.
// Both encodings go through the same map shape so the field rules (epoch-second
// timestamps, binary as base64 text or native bin) are identical.
package codec

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/memohai/all4one/internal/onebot"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Format int

const (
	JSON Format = iota
	Msgpack
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

func FormatFor(useMsgpack bool) Format {
	if useMsgpack {
		return Msgpack
	}
	return JSON
}

// FormatFromContentType maps a Content-Type header to a format. Media type
// parameters such as charset are ignored.
func FormatFromContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}
	switch mediaType {
	case ContentTypeJSON:
		return JSON, true
	case ContentTypeMsgpack, "application/x-msgpack":
		return Msgpack, true
	}
	return JSON, false
}

func (f Format) ContentType() string {
	if f == Msgpack {
		return ContentTypeMsgpack
	}
	return ContentTypeJSON
}

func (f Format) String() string {
	if f == Msgpack {
		return "msgpack"
	}
	return "json"
}

func Marshal(f Format, v any) ([]byte, error) {
	if f == Msgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		enc.SetSortMapKeys(true)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(v)
}

func Unmarshal(f Format, data []byte, v any) error {
	if f == Msgpack {
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		dec.UseLooseInterfaceDecoding(true)
		return dec.Decode(v)
	}
	return json.Unmarshal(data, v)
}

func EncodeEvent(f Format, ev onebot.Event) ([]byte, error) {
	return Marshal(f, ev.ToMap())
}

func DecodeEvent(f Format, data []byte) (onebot.Event, error) {
	var m map[string]any
	if err := Unmarshal(f, data, &m); err != nil {
		return onebot.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return onebot.EventFromMap(m)
}

func EncodeRequest(f Format, req onebot.Request) ([]byte, error) {
	return Marshal(f, req.ToMap())
}

// DecodeRequest decodes one action request. Every failure is BadRequest so the
// caller can answer without reaching dispatch.
func DecodeRequest(f Format, data []byte) (onebot.Request, error) {
	var m map[string]any
	if err := Unmarshal(f, data, &m); err != nil || m == nil {
		return onebot.Request{}, onebot.BadRequest("Invalid data format")
	}
	return onebot.RequestFromMap(m)
}

// DecodeRequests accepts a list of requests or a single request object, as
// returned in webhook response bodies.
func DecodeRequests(f Format, data []byte) ([]onebot.Request, error) {
	var raw any
	if err := Unmarshal(f, data, &raw); err != nil {
		return nil, onebot.BadRequest("Invalid data format")
	}
	switch v := raw.(type) {
	case map[string]any:
		req, err := onebot.RequestFromMap(v)
		if err != nil {
			return nil, err
		}
		return []onebot.Request{req}, nil
	case []any:
		out := make([]onebot.Request, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, onebot.BadRequest("Invalid data format")
			}
			req, err := onebot.RequestFromMap(m)
			if err != nil {
				return nil, err
			}
			out = append(out, req)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, onebot.BadRequest("Invalid data format")
}

func EncodeResponse(f Format, resp onebot.Response) ([]byte, error) {
	return Marshal(f, resp.ToMap())
}

func DecodeResponse(f Format, data []byte) (onebot.Response, error) {
	var m map[string]any
	if err := Unmarshal(f, data, &m); err != nil {
		return onebot.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return onebot.ResponseFromMap(m)
}
