package discord

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

// Session is the REST surface of *discordgo.Session the bot calls.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildEdit(guildID string, g *discordgo.GuildParams, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildLeave(guildID string, options ...discordgo.RequestOption) error
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Page sizes of the list endpoints.
const (
	memberPageSize = 1000
	guildPageSize  = 200
)

type Bot struct {
	*adapter.BaseBot
	api Session
}

func NewBot(api Session, self onebot.Self, files adapter.FileStore, log *slog.Logger) *Bot {
	b := &Bot{BaseBot: adapter.NewBaseBot(Type, self, files, log), api: api}
	b.Handle("send_message", b.sendMessage).
		Handle("delete_message", b.deleteMessage).
		Handle("get_self_info", b.getSelfInfo).
		Handle("get_user_info", b.getUserInfo).
		Handle("get_guild_info", b.getGuildInfo).
		Handle("get_guild_list", b.getGuildList).
		Handle("set_guild_name", b.setGuildName).
		Handle("get_guild_member_info", b.getGuildMemberInfo).
		Handle("get_guild_member_list", b.getGuildMemberList).
		Handle("leave_guild", b.leaveGuild).
		Handle("get_channel_info", b.getChannelInfo).
		Handle("get_channel_list", b.getChannelList).
		Handle("set_channel_name", b.setChannelName)
	return b
}

func platformError(action string, err error) error {
	return onebot.PlatformError("%s: %s", action, err.Error())
}

func splitMessageID(v string) (string, string, error) {
	channelID, id, ok := strings.Cut(v, "/")
	if !ok || channelID == "" || id == "" {
		return "", "", onebot.BadParam("message_id must look like channel/message")
	}
	return channelID, id, nil
}

func (b *Bot) sendMessage(ctx context.Context, params onebot.Params) (any, error) {
	req, err := adapter.BindSendMessage(params, onebot.DetailPrivate, onebot.DetailChannel)
	if err != nil {
		return nil, err
	}
	channelID := req.ChannelID
	if req.DetailType == onebot.DetailPrivate {
		dm, err := b.api.UserChannelCreate(req.UserID)
		if err != nil {
			return nil, platformError("create_dm", err)
		}
		channelID = dm.ID
	}
	data, err := b.fromMessage(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	sent, err := b.api.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return nil, platformError("send_message", err)
	}
	at := sent.Timestamp
	if at.IsZero() {
		at = onebot.Now()
	}
	return onebot.SentMessage(messageID(channelID, sent.ID), at), nil
}

func (b *Bot) fromMessage(ctx context.Context, msg onebot.Message) (*discordgo.MessageSend, error) {
	data := &discordgo.MessageSend{}
	var content strings.Builder
	for _, seg := range msg {
		switch seg.Type {
		case onebot.SegText:
			content.WriteString(seg.Str("text"))
		case onebot.SegMention:
			content.WriteString("<@" + seg.Str("user_id") + ">")
		case onebot.SegMentionAll:
			content.WriteString("@everyone")
		case onebot.SegReply:
			refChannel, id, err := splitMessageID(seg.Str("message_id"))
			if err != nil {
				return nil, err
			}
			data.Reference = &discordgo.MessageReference{MessageID: id, ChannelID: refChannel}
		case onebot.SegImage, onebot.SegFile:
			f, raw, err := b.LoadFile(ctx, seg.Str("file_id"))
			if err != nil {
				return nil, err
			}
			data.Files = append(data.Files, &discordgo.File{
				Name:        f.Name,
				ContentType: http.DetectContentType(raw),
				Reader:      bytes.NewReader(raw),
			})
		default:
			return nil, onebot.UnsupportedSegment(seg.Type)
		}
	}
	data.Content = content.String()
	if data.Content == "" && len(data.Files) == 0 {
		return nil, onebot.BadParam("message must not be empty")
	}
	return data, nil
}

func (b *Bot) deleteMessage(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.MessageRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	channelID, id, err := splitMessageID(p.MessageID)
	if err != nil {
		return nil, err
	}
	if err := b.api.ChannelMessageDelete(channelID, id); err != nil {
		return nil, platformError("delete_message", err)
	}
	return nil, nil
}

func userInfo(u *discordgo.User, nick string) map[string]any {
	if u == nil {
		u = &discordgo.User{}
	}
	display := nick
	if display == "" {
		display = u.GlobalName
	}
	return map[string]any{
		"user_id":          u.ID,
		"user_name":        u.Username,
		"user_displayname": display,
	}
}

func (b *Bot) getSelfInfo(_ context.Context, _ onebot.Params) (any, error) {
	me, err := b.api.User("@me")
	if err != nil {
		return nil, platformError("get_self_info", err)
	}
	return userInfo(me, ""), nil
}

func (b *Bot) getUserInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.UserRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	u, err := b.api.User(p.UserID)
	if err != nil {
		return nil, platformError("get_user_info", err)
	}
	info := userInfo(u, "")
	info["user_remark"] = ""
	return info, nil
}

func (b *Bot) getGuildInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	g, err := b.api.Guild(p.GuildID)
	if err != nil {
		return nil, platformError("get_guild_info", err)
	}
	return map[string]any{"guild_id": g.ID, "guild_name": g.Name}, nil
}

func (b *Bot) getGuildList(_ context.Context, _ onebot.Params) (any, error) {
	out := []map[string]any{}
	after := ""
	for {
		page, err := b.api.UserGuilds(guildPageSize, "", after, false)
		if err != nil {
			return nil, platformError("get_guild_list", err)
		}
		for _, g := range page {
			out = append(out, map[string]any{"guild_id": g.ID, "guild_name": g.Name})
		}
		if len(page) < guildPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

func (b *Bot) setGuildName(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := b.api.GuildEdit(p.GuildID, &discordgo.GuildParams{Name: p.GuildName}); err != nil {
		return nil, platformError("set_guild_name", err)
	}
	return nil, nil
}

func (b *Bot) getGuildMemberInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	m, err := b.api.GuildMember(p.GuildID, p.UserID)
	if err != nil {
		return nil, platformError("get_guild_member_info", err)
	}
	return userInfo(m.User, m.Nick), nil
}

func (b *Bot) getGuildMemberList(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	out := []map[string]any{}
	after := ""
	for {
		page, err := b.api.GuildMembers(p.GuildID, after, memberPageSize)
		if err != nil {
			return nil, platformError("get_guild_member_list", err)
		}
		for _, m := range page {
			out = append(out, userInfo(m.User, m.Nick))
		}
		if len(page) < memberPageSize || page[len(page)-1].User == nil {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (b *Bot) leaveGuild(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	if err := b.api.GuildLeave(p.GuildID); err != nil {
		return nil, platformError("leave_guild", err)
	}
	return nil, nil
}

func channelInfo(c *discordgo.Channel) map[string]any {
	return map[string]any{"channel_id": c.ID, "channel_name": c.Name}
}

func (b *Bot) getChannelInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	c, err := b.api.Channel(p.ChannelID)
	if err != nil {
		return nil, platformError("get_channel_info", err)
	}
	return channelInfo(c), nil
}

func (b *Bot) getChannelList(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	channels, err := b.api.GuildChannels(p.GuildID)
	if err != nil {
		return nil, platformError("get_channel_list", err)
	}
	out := make([]map[string]any, 0, len(channels))
	for _, c := range channels {
		out = append(out, channelInfo(c))
	}
	return out, nil
}

func (b *Bot) setChannelName(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := b.api.ChannelEdit(p.ChannelID, &discordgo.ChannelEdit{Name: p.ChannelName}); err != nil {
		return nil, platformError("set_channel_name", err)
	}
	return nil, nil
}
