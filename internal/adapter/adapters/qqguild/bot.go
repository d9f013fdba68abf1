package qqguild

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/openapi/options"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

// API is the part of openapi.OpenAPI the bot calls.
type API interface {
	Me(ctx context.Context) (*dto.User, error)
	MeGuilds(ctx context.Context, pager *dto.GuildPager) ([]*dto.Guild, error)
	Guild(ctx context.Context, guildID string) (*dto.Guild, error)
	GuildMember(ctx context.Context, guildID, userID string) (*dto.Member, error)
	GuildMembers(ctx context.Context, guildID string, pager *dto.GuildMembersPager) ([]*dto.Member, error)
	Channel(ctx context.Context, channelID string) (*dto.Channel, error)
	Channels(ctx context.Context, guildID string) ([]*dto.Channel, error)
	PatchChannel(ctx context.Context, channelID string, value *dto.ChannelValueObject) (*dto.Channel, error)
	PostMessage(ctx context.Context, channelID string, msg *dto.MessageToCreate, opt ...options.Option) (*dto.Message, error)
	RetractMessage(ctx context.Context, channelID, msgID string, opt ...options.Option) error
	CreateDirectMessage(ctx context.Context, dm *dto.DirectMessageToCreate, opt ...options.Option) (*dto.DirectMessage, error)
	PostDirectMessage(ctx context.Context, dm *dto.DirectMessage, msg *dto.MessageToCreate, opt ...options.Option) (*dto.Message, error)
}

// Page sizes of the list endpoints.
const (
	guildPageSize  = 100
	memberPageSize = 400
)

type Bot struct {
	*adapter.BaseBot
	api API

	mu  sync.Mutex
	dms map[string]*dto.DirectMessage
}

func NewBot(api API, self onebot.Self, files adapter.FileStore, log *slog.Logger) *Bot {
	b := &Bot{BaseBot: adapter.NewBaseBot(Type, self, files, log), api: api, dms: make(map[string]*dto.DirectMessage)}
	b.Handle("send_message", b.sendMessage).
		Handle("delete_message", b.deleteMessage).
		Handle("get_self_info", b.getSelfInfo).
		Handle("get_guild_info", b.getGuildInfo).
		Handle("get_guild_list", b.getGuildList).
		Handle("get_guild_member_info", b.getGuildMemberInfo).
		Handle("get_guild_member_list", b.getGuildMemberList).
		Handle("get_channel_info", b.getChannelInfo).
		Handle("get_channel_list", b.getChannelList).
		Handle("set_channel_name", b.setChannelName)
	return b
}

func (b *Bot) rememberDM(userID string, dm *dto.DirectMessage) {
	b.mu.Lock()
	b.dms[userID] = dm
	b.mu.Unlock()
}

// directSession returns the direct message session with a user, creating one
// from srcGuildID when none is known.
func (b *Bot) directSession(ctx context.Context, userID, srcGuildID string) (*dto.DirectMessage, error) {
	b.mu.Lock()
	dm, ok := b.dms[userID]
	b.mu.Unlock()
	if ok {
		return dm, nil
	}
	if srcGuildID == "" {
		return nil, onebot.BadParam("guild_id is required to open a direct message session")
	}
	dm, err := b.api.CreateDirectMessage(ctx, &dto.DirectMessageToCreate{SourceGuildID: srcGuildID, RecipientID: userID})
	if err != nil {
		return nil, platformError("create_direct_message", err)
	}
	b.rememberDM(userID, dm)
	return dm, nil
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
	msg, err := b.fromMessage(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	if msg.MsgID == "" {
		if eventID, ok := params["event_id"].(string); ok {
			msg.MsgID = eventID
		}
	}

	var (
		sent      *dto.Message
		channelID string
	)
	if req.DetailType == onebot.DetailPrivate {
		dm, err := b.directSession(ctx, req.UserID, req.GuildID)
		if err != nil {
			return nil, err
		}
		channelID = dm.ChannelID
		sent, err = b.api.PostDirectMessage(ctx, dm, msg)
		if err != nil {
			return nil, platformError("send_message", err)
		}
	} else {
		channelID = req.ChannelID
		sent, err = b.api.PostMessage(ctx, channelID, msg)
		if err != nil {
			return nil, platformError("send_message", err)
		}
	}
	at, _ := parseTime(sent.Timestamp)
	return onebot.SentMessage(messageID(channelID, sent.ID), at), nil
}

// fromMessage renders segments as message content. A reply doubles as the
// msg_id that marks the message as a passive reply.
func (b *Bot) fromMessage(ctx context.Context, message onebot.Message) (*dto.MessageToCreate, error) {
	msg := &dto.MessageToCreate{}
	var content strings.Builder
	for _, seg := range message {
		switch seg.Type {
		case onebot.SegText:
			content.WriteString(seg.Str("text"))
		case onebot.SegMention:
			content.WriteString("<@" + seg.Str("user_id") + ">")
		case onebot.SegMentionAll:
			content.WriteString("@everyone")
		case onebot.SegReply:
			_, id, err := splitMessageID(seg.Str("message_id"))
			if err != nil {
				return nil, err
			}
			msg.MsgID = id
			msg.MessageReference = &dto.MessageReference{MessageID: id, IgnoreGetMessageError: true}
		case onebot.SegImage:
			if msg.Image != "" {
				return nil, onebot.BadSegmentData("only one image can be sent per message")
			}
			f, _, err := b.LoadFile(ctx, seg.Str("file_id"))
			if err != nil {
				return nil, err
			}
			if f.URL == "" {
				return nil, onebot.BadSegmentData("image %s has no public url", f.ID)
			}
			msg.Image = f.URL
		default:
			return nil, onebot.UnsupportedSegment(seg.Type)
		}
	}
	msg.Content = content.String()
	if msg.Content == "" && msg.Image == "" {
		return nil, onebot.BadParam("message must not be empty")
	}
	return msg, nil
}

func (b *Bot) deleteMessage(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.MessageRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	channelID, id, err := splitMessageID(p.MessageID)
	if err != nil {
		return nil, err
	}
	if err := b.api.RetractMessage(ctx, channelID, id); err != nil {
		return nil, platformError("delete_message", err)
	}
	return nil, nil
}

func userInfo(u *dto.User, nick string) map[string]any {
	if u == nil {
		u = &dto.User{}
	}
	return map[string]any{
		"user_id":          u.ID,
		"user_name":        u.Username,
		"user_displayname": nick,
	}
}

func (b *Bot) getSelfInfo(ctx context.Context, _ onebot.Params) (any, error) {
	me, err := b.api.Me(ctx)
	if err != nil {
		return nil, platformError("get_self_info", err)
	}
	return userInfo(me, ""), nil
}

func guildInfo(g *dto.Guild) map[string]any {
	return map[string]any{"guild_id": g.ID, "guild_name": g.Name}
}

func (b *Bot) getGuildInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	g, err := b.api.Guild(ctx, p.GuildID)
	if err != nil {
		return nil, platformError("get_guild_info", err)
	}
	return guildInfo(g), nil
}

func (b *Bot) getGuildList(ctx context.Context, _ onebot.Params) (any, error) {
	out := []map[string]any{}
	after := ""
	for {
		page, err := b.api.MeGuilds(ctx, &dto.GuildPager{After: after, Limit: strconv.Itoa(guildPageSize)})
		if err != nil {
			return nil, platformError("get_guild_list", err)
		}
		for _, g := range page {
			out = append(out, guildInfo(g))
		}
		if len(page) < guildPageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

func (b *Bot) getGuildMemberInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	m, err := b.api.GuildMember(ctx, p.GuildID, p.UserID)
	if err != nil {
		return nil, platformError("get_guild_member_info", err)
	}
	return userInfo(m.User, m.Nick), nil
}

func (b *Bot) getGuildMemberList(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	out := []map[string]any{}
	after := "0"
	for {
		page, err := b.api.GuildMembers(ctx, p.GuildID, &dto.GuildMembersPager{After: after, Limit: strconv.Itoa(memberPageSize)})
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

func channelInfo(c *dto.Channel) map[string]any {
	return map[string]any{"channel_id": c.ID, "channel_name": c.Name}
}

func (b *Bot) getChannelInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	c, err := b.api.Channel(ctx, p.ChannelID)
	if err != nil {
		return nil, platformError("get_channel_info", err)
	}
	return channelInfo(c), nil
}

func (b *Bot) getChannelList(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	channels, err := b.api.Channels(ctx, p.GuildID)
	if err != nil {
		return nil, platformError("get_channel_list", err)
	}
	out := make([]map[string]any, 0, len(channels))
	for _, c := range channels {
		out = append(out, channelInfo(c))
	}
	return out, nil
}

func (b *Bot) setChannelName(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := b.api.PatchChannel(ctx, p.ChannelID, &dto.ChannelValueObject{Name: p.ChannelName}); err != nil {
		return nil, platformError("set_channel_name", err)
	}
	return nil, nil
}
