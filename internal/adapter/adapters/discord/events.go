package discord

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/memohai/all4one/internal/blob"
	"github.com/memohai/all4one/internal/onebot"
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>|@everyone|@here`)

func messageID(channelID, id string) string {
	return channelID + "/" + id
}

func (b *Bot) eventAt(at time.Time) onebot.Event {
	ev := onebot.Event{Self: b.Self(), Time: at}
	if at.IsZero() {
		ev.Time = onebot.Now()
		ev.TimeEstimated = true
	}
	return ev
}

// MessageEvents converts a created message. Messages the bot sent itself are
// skipped.
func (b *Bot) MessageEvents(ctx context.Context, m *discordgo.Message) []onebot.Event {
	if m == nil || m.Author == nil || m.Author.ID == b.Self().UserID {
		return nil
	}
	ev := b.eventAt(m.Timestamp)
	ev.ID = m.ID
	ev.Type = onebot.EventMessage
	ev.MessageID = messageID(m.ChannelID, m.ID)
	ev.UserID = m.Author.ID
	if m.GuildID != "" {
		ev.DetailType = onebot.DetailChannel
		ev.GuildID = m.GuildID
		ev.ChannelID = m.ChannelID
	} else {
		ev.DetailType = onebot.DetailPrivate
	}
	ev.Message = b.toMessage(ctx, m)
	if len(ev.Message) == 0 {
		return nil
	}
	ev.AltMessage = m.Content
	if ev.AltMessage == "" {
		ev.AltMessage = ev.Message.AltText()
	}
	return []onebot.Event{ev}
}

func (b *Bot) toMessage(ctx context.Context, m *discordgo.Message) onebot.Message {
	var out onebot.Message
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		replyUser := ""
		if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
			replyUser = m.ReferencedMessage.Author.ID
		}
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		out = append(out, onebot.Reply(messageID(channelID, ref.MessageID), replyUser))
	}
	out = append(out, contentSegments(m.Content)...)
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		id, ok := b.storeAttachment(ctx, att)
		if !ok {
			continue
		}
		if strings.HasPrefix(att.ContentType, "image") {
			out = append(out, onebot.Image(id))
		} else {
			out = append(out, onebot.File(id))
		}
	}
	return out
}

// contentSegments splits message content around user mentions and
// @everyone/@here.
func contentSegments(content string) onebot.Message {
	var out onebot.Message
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
	return out
}

func (b *Bot) storeAttachment(ctx context.Context, att *discordgo.MessageAttachment) (string, bool) {
	if b.Files() == nil || att.URL == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	id, err := b.StoreAttachment(ctx, blob.UploadInput{
		Type:  blob.KindURL,
		Name:  att.Filename,
		URL:   att.URL,
		SrcID: att.ID,
	})
	if err != nil {
		b.Logger().Warn("store attachment failed", slog.String("attachment_id", att.ID), slog.Any("error", err))
		return "", false
	}
	return id, true
}

// MessageDeleteEvents reports a deleted message in a guild channel or a DM.
func (b *Bot) MessageDeleteEvents(m *discordgo.MessageDelete) []onebot.Event {
	if m == nil || m.Message == nil {
		return nil
	}
	ev := b.eventAt(time.Time{})
	ev.ID = uuid.NewString()
	ev.Type = onebot.EventNotice
	ev.MessageID = messageID(m.ChannelID, m.ID)
	if m.BeforeDelete != nil && m.BeforeDelete.Author != nil {
		ev.UserID = m.BeforeDelete.Author.ID
	}
	if m.GuildID != "" {
		ev.DetailType = "channel_message_delete"
		ev.GuildID = m.GuildID
		ev.ChannelID = m.ChannelID
	} else {
		ev.DetailType = "private_message_delete"
	}
	return []onebot.Event{ev}
}

// MemberEvents reports a member joining (added) or leaving a guild.
func (b *Bot) MemberEvents(member *discordgo.Member, added bool) []onebot.Event {
	if member == nil || member.User == nil {
		return nil
	}
	ev := b.eventAt(time.Time{})
	if added {
		ev = b.eventAt(member.JoinedAt)
		ev.DetailType = "guild_member_increase"
		ev.SubType = "join"
	} else {
		ev.DetailType = "guild_member_decrease"
		ev.SubType = "leave"
	}
	ev.ID = uuid.NewString()
	ev.Type = onebot.EventNotice
	ev.GuildID = member.GuildID
	ev.UserID = member.User.ID
	return []onebot.Event{ev}
}
