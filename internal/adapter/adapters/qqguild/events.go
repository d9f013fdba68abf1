package qqguild

import (
	"context"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tencent-connect/botgo/dto"

	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/onebot"
)

// SrcGuildKey carries the guild a direct message was started from.
var SrcGuildKey = onebot.Namespaced(Platform, "src_guild_id")

var mentionPattern = regexp.MustCompile(`<@!?(\w+)>|@everyone`)

func parseTime(ts dto.Timestamp) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, string(ts))
	if err != nil || t.IsZero() {
		return onebot.Now(), false
	}
	return t, true
}

func messageID(channelID, id string) string {
	return channelID + "/" + id
}

func (b *Bot) messageEvent(ctx context.Context, m *dto.Message) (onebot.Event, bool) {
	if m == nil || m.Author == nil || m.Author.ID == b.Self().UserID {
		return onebot.Event{}, false
	}
	at, ok := parseTime(m.Timestamp)
	ev := onebot.Event{
		ID:            m.ID,
		Time:          at,
		TimeEstimated: !ok,
		Type:          onebot.EventMessage,
		Self:          b.Self(),
		MessageID:     messageID(m.ChannelID, m.ID),
		UserID:        m.Author.ID,
	}
	ev.Message = b.toMessage(ctx, m)
	if len(ev.Message) == 0 {
		return onebot.Event{}, false
	}
	ev.AltMessage = ev.Message.AltText()
	return ev, true
}

// ChannelMessageEvents converts an AT_MESSAGE_CREATE payload.
func (b *Bot) ChannelMessageEvents(ctx context.Context, m *dto.Message) []onebot.Event {
	ev, ok := b.messageEvent(ctx, m)
	if !ok {
		return nil
	}
	ev.DetailType = onebot.DetailChannel
	ev.GuildID = m.GuildID
	ev.ChannelID = m.ChannelID
	return []onebot.Event{ev}
}

// DirectMessageEvents converts a DIRECT_MESSAGE_CREATE payload and remembers
// the direct session so replies need no guild id.
func (b *Bot) DirectMessageEvents(ctx context.Context, m *dto.Message) []onebot.Event {
	ev, ok := b.messageEvent(ctx, m)
	if !ok {
		return nil
	}
	ev.DetailType = onebot.DetailPrivate
	ev.SetExtra(SrcGuildKey, m.SrcGuildID)
	b.rememberDM(m.Author.ID, &dto.DirectMessage{GuildID: m.GuildID, ChannelID: m.ChannelID})
	return []onebot.Event{ev}
}

func (b *Bot) toMessage(ctx context.Context, m *dto.Message) onebot.Message {
	var out onebot.Message
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		out = append(out, onebot.Reply(messageID(m.ChannelID, ref.MessageID), ""))
	}
	content := m.Content
	cursor := 0
	for _, loc := range mentionPattern.FindAllStringSubmatchIndex(content, -1) {
		if loc[0] > cursor {
			out = append(out, onebot.Text(content[cursor:loc[0]]))
		}
		if loc[2] >= 0 {
			out = append(out, onebot.Mention(content[loc[2]:loc[3]]))
		} else {
			out = append(out, onebot.MentionAll())
		}
		cursor = loc[1]
	}
	if cursor < len(content) {
		out = append(out, onebot.Text(content[cursor:]))
	}
	for _, att := range m.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		if id, ok := b.storeImage(ctx, att.URL); ok {
			out = append(out, onebot.Image(id))
		}
	}
	return out
}

// storeImage copies an attachment into the blob store. Attachment urls often
// come without a scheme.
func (b *Bot) storeImage(ctx context.Context, url string) (string, bool) {
	if b.Files() == nil {
		return "", false
	}
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	id, err := b.StoreAttachment(ctx, blob.UploadInput{
		Type:  blob.KindURL,
		Name:  path.Base(url),
		URL:   url,
		SrcID: url,
	})
	if err != nil {
		b.Logger().Warn("store attachment failed", slog.String("url", url), slog.Any("error", err))
		return "", false
	}
	return id, true
}

// MemberEvents converts guild member add/remove payloads.
func (b *Bot) MemberEvents(typ dto.EventType, m *dto.Member) []onebot.Event {
	if m == nil || m.User == nil {
		return nil
	}
	ev := onebot.Event{
		ID:      uuid.NewString(),
		Type:    onebot.EventNotice,
		Self:    b.Self(),
		GuildID: m.GuildID,
		UserID:  m.User.ID,
	}
	switch typ {
	case dto.EventGuildMemberAdd:
		ev.DetailType = "guild_member_increase"
		ev.SubType = "join"
	case dto.EventGuildMemberRemove:
		ev.DetailType = "guild_member_decrease"
		ev.SubType = "leave"
	default:
		return nil
	}
	at, ok := parseTime(m.JoinedAt)
	if typ != dto.EventGuildMemberAdd || !ok {
		at = onebot.Now()
		ok = false
	}
	ev.Time, ev.TimeEstimated = at, !ok
	return []onebot.Event{ev}
}
