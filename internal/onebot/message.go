package onebot

import (
	"fmt"
	"strings"
)

// Segment types understood across adapters.
const (
	SegText       = "text"
	SegMention    = "mention"
	SegMentionAll = "mention_all"
	SegImage      = "image"
	SegVoice      = "voice"
	SegAudio      = "audio"
	SegVideo      = "video"
	SegFile       = "file"
	SegLocation   = "location"
	SegReply      = "reply"
)

type Segment struct {
	Type string
	Data map[string]any
}

type Message []Segment

func Text(text string) Segment {
	return Segment{Type: SegText, Data: map[string]any{"text": text}}
}

func Mention(userID string) Segment {
	return Segment{Type: SegMention, Data: map[string]any{"user_id": userID}}
}

func MentionAll() Segment {
	return Segment{Type: SegMentionAll, Data: map[string]any{}}
}

// FileSegment builds one of the file-backed segments (image, voice, audio, video, file).
func FileSegment(kind, fileID string) Segment {
	return Segment{Type: kind, Data: map[string]any{"file_id": fileID}}
}

func Image(fileID string) Segment { return FileSegment(SegImage, fileID) }
func Voice(fileID string) Segment { return FileSegment(SegVoice, fileID) }
func Audio(fileID string) Segment { return FileSegment(SegAudio, fileID) }
func Video(fileID string) Segment { return FileSegment(SegVideo, fileID) }
func File(fileID string) Segment  { return FileSegment(SegFile, fileID) }

func Location(lat, lon float64, title, content string) Segment {
	return Segment{Type: SegLocation, Data: map[string]any{
		"latitude": lat, "longitude": lon, "title": title, "content": content,
	}}
}

func Reply(messageID, userID string) Segment {
	data := map[string]any{"message_id": messageID}
	if userID != "" {
		data["user_id"] = userID
	}
	return Segment{Type: SegReply, Data: data}
}

// Str returns a string data field, tolerating numeric ids.
func (s Segment) Str(key string) string {
	return AnyString(s.Data[key])
}

// IsFile reports whether the segment references a blob by file_id.
func (s Segment) IsFile() bool {
	switch s.Type {
	case SegImage, SegVoice, SegAudio, SegVideo, SegFile:
		return true
	}
	return false
}

// ToList renders the message in its wire shape.
func (m Message) ToList() []any {
	out := make([]any, 0, len(m))
	for _, seg := range m {
		data := seg.Data
		if data == nil {
			data = map[string]any{}
		}
		out = append(out, map[string]any{"type": seg.Type, "data": data})
	}
	return out
}

// AltText renders a plain-text approximation for alt_message.
func (m Message) AltText() string {
	var b strings.Builder
	for _, seg := range m {
		switch seg.Type {
		case SegText:
			b.WriteString(seg.Str("text"))
		case SegMention:
			b.WriteString("@" + seg.Str("user_id"))
		case SegMentionAll:
			b.WriteString("@all")
		case SegReply:
		default:
			b.WriteString("[" + seg.Type + "]")
		}
	}
	return b.String()
}

// PlainText concatenates text segments only.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, seg := range m {
		if seg.Type == SegText {
			b.WriteString(seg.Str("text"))
		}
	}
	return b.String()
}

// First returns the first segment of the given type.
func (m Message) First(segType string) (Segment, bool) {
	for _, seg := range m {
		if seg.Type == segType {
			return seg, true
		}
	}
	return Segment{}, false
}

// ParseMessage accepts a segment list, a single segment object, or a bare string.
func ParseMessage(v any) (Message, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return Message{Text(val)}, nil
	case Message:
		return val, nil
	case []Segment:
		return Message(val), nil
	case map[string]any:
		seg, err := parseSegment(val)
		if err != nil {
			return nil, err
		}
		return Message{seg}, nil
	case []any:
		if len(val) == 0 {
			return nil, nil
		}
		out := make(Message, 0, len(val))
		for i, raw := range val {
			sm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("segment %d is not an object", i)
			}
			seg, err := parseSegment(sm)
			if err != nil {
				return nil, fmt.Errorf("segment %d: %w", i, err)
			}
			out = append(out, seg)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported message value %T", v)
}

func parseSegment(m map[string]any) (Segment, error) {
	typ, _ := m["type"].(string)
	if typ == "" {
		return Segment{}, fmt.Errorf("segment type is required")
	}
	data, _ := m["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	return Segment{Type: typ, Data: data}, nil
}
