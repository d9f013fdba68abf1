package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/onebot"
)

// ToEvents converts one update into canonical events. Updates without a
// message or channel post produce nothing.
func (b *Bot) ToEvents(ctx context.Context, update tgbotapi.Update) []onebot.Event {
	switch {
	case update.Message != nil:
		return b.messageEvents(ctx, update.UpdateID, update.Message)
	case update.ChannelPost != nil:
		return b.channelPostEvents(ctx, update.UpdateID, update.ChannelPost)
	}
	return nil
}

func (b *Bot) baseEvent(updateID int, msg *tgbotapi.Message) onebot.Event {
	ev := onebot.Event{
		ID:   strconv.Itoa(updateID),
		Self: b.Self(),
	}
	if msg.Date > 0 {
		ev.Time = msg.Time()
	} else {
		ev.Time = onebot.Now()
		ev.TimeEstimated = true
	}
	return ev
}

func chatID(msg *tgbotapi.Message) string {
	if msg.Chat == nil {
		return ""
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

func userID(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

func messageID(msg *tgbotapi.Message) string {
	return chatID(msg) + "/" + strconv.Itoa(msg.MessageID)
}

func (b *Bot) messageEvents(ctx context.Context, updateID int, msg *tgbotapi.Message) []onebot.Event {
	if len(msg.NewChatMembers) > 0 {
		out := make([]onebot.Event, 0, len(msg.NewChatMembers))
		for i := range msg.NewChatMembers {
			member := msg.NewChatMembers[i]
			ev := b.baseEvent(updateID, msg)
			ev.Type = onebot.EventNotice
			ev.DetailType = "group_member_increase"
			ev.SubType = "join"
			ev.GroupID = chatID(msg)
			ev.UserID = userID(&member)
			ev.OperatorID = userID(msg.From)
			if ev.OperatorID != "" && ev.OperatorID != ev.UserID {
				ev.SubType = "invite"
			}
			if len(msg.NewChatMembers) > 1 {
				ev.ID += "-" + strconv.Itoa(i)
			}
			out = append(out, ev)
		}
		return out
	}
	if msg.LeftChatMember != nil {
		ev := b.baseEvent(updateID, msg)
		ev.Type = onebot.EventNotice
		ev.DetailType = "group_member_decrease"
		ev.SubType = "leave"
		ev.GroupID = chatID(msg)
		ev.UserID = userID(msg.LeftChatMember)
		ev.OperatorID = userID(msg.From)
		if ev.OperatorID != "" && ev.OperatorID != ev.UserID {
			ev.SubType = "kick"
		}
		return []onebot.Event{ev}
	}

	ev := b.baseEvent(updateID, msg)
	ev.Type = onebot.EventMessage
	ev.MessageID = messageID(msg)
	ev.UserID = userID(msg.From)
	if msg.Chat != nil && msg.Chat.IsPrivate() {
		ev.DetailType = onebot.DetailPrivate
	} else {
		ev.DetailType = onebot.DetailGroup
		ev.GroupID = chatID(msg)
	}
	ev.Message = b.toMessage(ctx, msg)
	if len(ev.Message) == 0 {
		return nil
	}
	ev.AltMessage = ev.Message.AltText()
	return []onebot.Event{ev}
}

func (b *Bot) channelPostEvents(ctx context.Context, updateID int, msg *tgbotapi.Message) []onebot.Event {
	ev := b.baseEvent(updateID, msg)
	ev.Type = onebot.EventMessage
	ev.DetailType = onebot.DetailChannel
	ev.MessageID = messageID(msg)
	ev.GuildID = chatID(msg)
	ev.ChannelID = ev.GuildID
	if msg.SenderChat != nil {
		ev.UserID = strconv.FormatInt(msg.SenderChat.ID, 10)
	} else {
		ev.UserID = userID(msg.From)
	}
	ev.Message = b.toMessage(ctx, msg)
	if len(ev.Message) == 0 {
		return nil
	}
	ev.AltMessage = ev.Message.AltText()
	return []onebot.Event{ev}
}

// toMessage builds segments for the text (or caption) entities, media and
// reply of a message. The reply segment always comes first.
func (b *Bot) toMessage(ctx context.Context, msg *tgbotapi.Message) onebot.Message {
	var out onebot.Message
	if reply := msg.ReplyToMessage; reply != nil {
		replyUser := userID(reply.From)
		if msg.Chat != nil && msg.Chat.IsChannel() {
			replyUser = ""
		}
		out = append(out, onebot.Reply(messageID(reply), replyUser))
	}

	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	out = append(out, textSegments(text, entities)...)

	if len(msg.Photo) > 0 {
		photo := pickPhoto(msg.Photo)
		out = b.appendFile(ctx, out, onebot.SegImage, photo.FileID, "")
	}
	if msg.Voice != nil {
		out = b.appendFile(ctx, out, onebot.SegVoice, msg.Voice.FileID, "")
	}
	if msg.Audio != nil {
		out = b.appendFile(ctx, out, onebot.SegAudio, msg.Audio.FileID, msg.Audio.FileName)
	}
	if msg.Video != nil {
		out = b.appendFile(ctx, out, onebot.SegVideo, msg.Video.FileID, msg.Video.FileName)
	}
	if msg.Document != nil {
		out = b.appendFile(ctx, out, onebot.SegFile, msg.Document.FileID, msg.Document.FileName)
	}
	if msg.Location != nil {
		out = append(out, onebot.Location(msg.Location.Latitude, msg.Location.Longitude, "", ""))
	}
	return out
}

// textSegments splits text around mention entities. Entity offsets count
// UTF-16 code units.
func textSegments(text string, entities []tgbotapi.MessageEntity) onebot.Message {
	if text == "" {
		return nil
	}
	units := utf16.Encode([]rune(text))
	var out onebot.Message
	cursor := 0
	for _, entity := range entities {
		if entity.Type != "mention" && entity.Type != "text_mention" {
			continue
		}
		start, end := entity.Offset, entity.Offset+entity.Length
		if start < cursor || end > len(units) {
			continue
		}
		if start > cursor {
			out = append(out, onebot.Text(string(utf16.Decode(units[cursor:start]))))
		}
		if entity.Type == "text_mention" && entity.User != nil {
			out = append(out, onebot.Mention(strconv.FormatInt(entity.User.ID, 10)))
		} else {
			name := string(utf16.Decode(units[start:end]))
			if len(name) > 0 && name[0] == '@' {
				name = name[1:]
			}
			out = append(out, onebot.Mention(name))
		}
		cursor = end
	}
	if cursor < len(units) {
		out = append(out, onebot.Text(string(utf16.Decode(units[cursor:]))))
	}
	return out
}

// appendFile copies a telegram file into the blob store. When that fails the
// segment is dropped and logged.
func (b *Bot) appendFile(ctx context.Context, msg onebot.Message, kind, fileID, name string) onebot.Message {
	if fileID == "" || b.Files() == nil {
		return msg
	}
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		b.Logger().Warn("resolve file url failed", slog.String("file_id", fileID), slog.Any("error", err))
		return msg
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	id, err := b.StoreAttachment(ctx, blob.UploadInput{
		Type:  blob.KindURL,
		Name:  name,
		URL:   url,
		SrcID: fileID,
	})
	if err != nil {
		b.Logger().Warn("store file failed", slog.String("file_id", fileID), slog.Any("error", err))
		return msg
	}
	return append(msg, onebot.FileSegment(kind, id))
}

func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(items) == 0 {
		return tgbotapi.PhotoSize{}
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize || item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}
