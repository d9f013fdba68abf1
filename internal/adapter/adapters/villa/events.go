package villa

import (
	"log/slog"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/tidwall/gjson"

	"github.com/memohai/all4one/internal/onebot"
)

// Callback event types.
const (
	eventJoinVilla   = 1
	eventSendMessage = 2
)

// ToEvents converts a callback body. SendMessage and JoinVilla are mapped;
// other event types are dropped.
func (b *Bot) ToEvents(body []byte) []onebot.Event {
	root := gjson.ParseBytes(body)
	ev := root.Get("event")
	switch ev.Get("type").Int() {
	case eventSendMessage:
		return b.messageEvents(ev)
	case eventJoinVilla:
		return b.joinEvents(ev)
	}
	b.Logger().Debug("unhandled villa event", slog.Int64("type", ev.Get("type").Int()))
	return nil
}

func eventTime(ms int64) (time.Time, bool) {
	if ms <= 0 {
		return onebot.Now(), false
	}
	return time.UnixMilli(ms), true
}

func (b *Bot) messageEvents(ev gjson.Result) []onebot.Event {
	data := ev.Get("extend_data.EventData.SendMessage")
	if !data.Exists() {
		return nil
	}
	at, ok := eventTime(data.Get("send_at").Int())
	villaID := data.Get("villa_id").String()
	if villaID == "" {
		villaID = ev.Get("robot.villa_id").String()
	}
	out := onebot.Event{
		ID:            ev.Get("id").String(),
		Time:          at,
		TimeEstimated: !ok,
		Type:          onebot.EventMessage,
		DetailType:    onebot.DetailChannel,
		Self:          b.Self(),
		MessageID:     data.Get("msg_uid").String(),
		UserID:        data.Get("from_user_id").String(),
		GuildID:       villaID,
		ChannelID:     data.Get("room_id").String(),
	}
	out.Message = contentSegments(gjson.Get(data.Get("content").String(), "content"))
	if len(out.Message) == 0 {
		return nil
	}
	out.AltMessage = out.Message.AltText()
	if nick := data.Get("nickname").String(); nick != "" {
		out.SetExtra(onebot.Namespaced(Platform, "nickname"), nick)
	}
	return []onebot.Event{out}
}

func (b *Bot) joinEvents(ev gjson.Result) []onebot.Event {
	data := ev.Get("extend_data.EventData.JoinVilla")
	if !data.Exists() {
		return nil
	}
	at, ok := eventTime(data.Get("join_at").Int() * 1000)
	return []onebot.Event{{
		ID:            ev.Get("id").String(),
		Time:          at,
		TimeEstimated: !ok,
		Type:          onebot.EventNotice,
		DetailType:    "guild_member_increase",
		SubType:       "join",
		Self:          b.Self(),
		GuildID:       ev.Get("robot.villa_id").String(),
		UserID:        strconv.FormatInt(data.Get("join_uid").Int(), 10),
	}}
}

// contentSegments splits MHY:Text content around its mention entities.
// Entity offsets count UTF-16 code units.
func contentSegments(content gjson.Result) onebot.Message {
	text := content.Get("text").String()
	if text == "" {
		return nil
	}
	units := utf16.Encode([]rune(text))
	var out onebot.Message
	cursor := 0
	for _, entity := range content.Get("entities").Array() {
		start := int(entity.Get("offset").Int())
		end := start + int(entity.Get("length").Int())
		if start < cursor || end > len(units) {
			continue
		}
		var seg onebot.Segment
		switch entity.Get("entity.type").String() {
		case "mentioned_user":
			seg = onebot.Mention(entity.Get("entity.user_id").String())
		case "mentioned_robot":
			seg = onebot.Mention(entity.Get("entity.bot_id").String())
		case "mention_all":
			seg = onebot.MentionAll()
		default:
			continue
		}
		if start > cursor {
			out = append(out, onebot.Text(string(utf16.Decode(units[cursor:start]))))
		}
		out = append(out, seg)
		cursor = end
	}
	if cursor < len(units) {
		out = append(out, onebot.Text(string(utf16.Decode(units[cursor:]))))
	}
	return out
}
