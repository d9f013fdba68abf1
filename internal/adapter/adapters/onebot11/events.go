package onebot11

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/onebot"
)

// Native keys that map onto canonical fields; every other key is kept as a
// "qq." extension.
var mappedKeys = map[string]struct{}{
	"post_type": {}, "message_type": {}, "notice_type": {}, "request_type": {}, "meta_event_type": {},
	"self_id": {}, "time": {}, "sub_type": {}, "to_me": {}, "message": {}, "raw_message": {},
	"message_id": {}, "user_id": {}, "operator_id": {}, "group_id": {}, "guild_id": {}, "channel_id": {},
	"interval": {},
}

// ToEvents converts one v11 frame into canonical events. Upstream heartbeats
// become heartbeat meta events carrying the upstream interval.
func (b *Bot) ToEvents(ctx context.Context, frame map[string]any) []onebot.Event {
	postType, _ := frame["post_type"].(string)
	ev := onebot.Event{
		ID:         uuid.NewString(),
		Self:       b.Self(),
		SubType:    onebot.AnyString(frame["sub_type"]),
		MessageID:  onebot.AnyString(frame["message_id"]),
		UserID:     onebot.AnyString(frame["user_id"]),
		GroupID:    onebot.AnyString(frame["group_id"]),
		GuildID:    onebot.AnyString(frame["guild_id"]),
		ChannelID:  onebot.AnyString(frame["channel_id"]),
		OperatorID: onebot.AnyString(frame["operator_id"]),
	}
	if ts, ok := onebot.AnyFloat(frame["time"]); ok && ts > 0 {
		ev.Time = onebot.FromTimestamp(ts)
	} else {
		ev.Time = onebot.Now()
		ev.TimeEstimated = true
	}
	for k, v := range frame {
		if _, ok := mappedKeys[k]; !ok {
			ev.SetExtra(onebot.Namespaced(Platform, k), v)
		}
	}

	switch postType {
	case "message", "message_sent":
		ev.Type = onebot.EventMessage
		ev.DetailType = onebot.AnyString(frame["message_type"])
		ev.Message = b.toMessage(ctx, frame["message"])
		ev.AltMessage = onebot.AnyString(frame["raw_message"])
		if ev.AltMessage == "" {
			ev.AltMessage = ev.Message.AltText()
		}
	case "notice":
		ev.Type = onebot.EventNotice
		mapNotice(&ev, onebot.AnyString(frame["notice_type"]))
	case "request":
		ev.Type = onebot.EventRequest
		ev.DetailType = onebot.Namespaced(Platform, onebot.AnyString(frame["request_type"]))
	case "meta_event":
		metaType := onebot.AnyString(frame["meta_event_type"])
		ev.Type = onebot.EventMeta
		if metaType == "heartbeat" {
			ev.DetailType = onebot.DetailHeartbeat
			ev.Interval, _ = onebot.AnyInt(frame["interval"])
			break
		}
		ev.DetailType = onebot.Namespaced(Platform, metaType)
	default:
		b.Logger().Debug("unknown v11 frame", slog.String("post_type", postType))
		return nil
	}
	return []onebot.Event{ev}
}

func mapNotice(ev *onebot.Event, noticeType string) {
	switch noticeType {
	case "friend_recall":
		ev.DetailType = "private_message_delete"
	case "friend_add":
		ev.DetailType = "friend_increase"
	case "group_increase":
		ev.DetailType = "group_member_increase"
		switch ev.SubType {
		case "", "approve":
			ev.SubType = "join"
		case "invite":
		default:
			ev.SubType = onebot.Namespaced(Platform, ev.SubType)
		}
	case "group_decrease":
		ev.DetailType = "group_member_decrease"
		switch ev.SubType {
		case "leave":
		case "kick", "kick_me":
			ev.SubType = "kick"
		default:
			ev.SubType = onebot.Namespaced(Platform, ev.SubType)
		}
	case "group_recall":
		ev.DetailType = "group_message_delete"
		if ev.UserID == ev.OperatorID {
			ev.SubType = "recall"
		} else {
			ev.SubType = "delete"
		}
	default:
		ev.DetailType = onebot.Namespaced(Platform, noticeType)
	}
}

// toMessage converts array-format v11 segments. String-format messages are
// taken verbatim as text.
func (b *Bot) toMessage(ctx context.Context, raw any) onebot.Message {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return onebot.Message{}
		}
		return onebot.Message{onebot.Text(v)}
	case []any:
		out := make(onebot.Message, 0, len(v))
		for _, item := range v {
			seg, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, b.toSegment(ctx, seg))
		}
		return out
	}
	return onebot.Message{}
}

func (b *Bot) toSegment(ctx context.Context, seg map[string]any) onebot.Segment {
	typ := onebot.AnyString(seg["type"])
	data, _ := seg["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	switch typ {
	case "text":
		return onebot.Text(onebot.AnyString(data["text"]))
	case "at":
		qq := onebot.AnyString(data["qq"])
		if qq == "all" {
			return onebot.MentionAll()
		}
		return onebot.Mention(qq)
	case "reply":
		return onebot.Reply(onebot.AnyString(data["id"]), "")
	case "image", "record", "video":
		if fileID, ok := b.storeRemote(ctx, data); ok {
			switch typ {
			case "image":
				return onebot.Image(fileID)
			case "record":
				return onebot.Voice(fileID)
			default:
				return onebot.Video(fileID)
			}
		}
	}
	return onebot.Segment{Type: onebot.Namespaced(Platform, typ), Data: data}
}

// storeRemote copies a v11 media segment into the blob store so downstream
// consumers can fetch it with get_file.
func (b *Bot) storeRemote(ctx context.Context, data map[string]any) (string, bool) {
	url := onebot.AnyString(data["url"])
	if url == "" || b.Files() == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	id, err := b.StoreAttachment(ctx, blob.UploadInput{
		Type:  blob.KindURL,
		Name:  onebot.AnyString(data["file"]),
		URL:   url,
		SrcID: onebot.AnyString(data["file"]),
	})
	if err != nil {
		b.Logger().Warn("store v11 media failed", slog.String("url", url), slog.Any("error", err))
		return "", false
	}
	return id, true
}
