package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

// Client is the part of *tgbotapi.BotAPI the bot calls.
type Client interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetMe() (tgbotapi.User, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Bot struct {
	*adapter.BaseBot
	api Client
}

func NewBot(api Client, self onebot.Self, files adapter.FileStore, log *slog.Logger) *Bot {
	b := &Bot{BaseBot: adapter.NewBaseBot(Type, self, files, log), api: api}
	b.Handle("send_message", b.sendMessage).
		Handle("delete_message", b.deleteMessage).
		Handle("get_self_info", b.getSelfInfo).
		Handle("get_user_info", b.getUserInfo).
		Handle("get_group_info", b.getGroupInfo).
		Handle("get_group_member_info", b.getGroupMemberInfo).
		Handle("set_group_name", b.setGroupName).
		Handle("leave_group", b.leaveGroup).
		Handle("get_guild_info", b.getGuildInfo).
		Handle("set_guild_name", b.setGuildName).
		Handle("get_guild_member_info", b.getGuildMemberInfo).
		Handle("leave_guild", b.leaveGuild).
		Handle("get_channel_info", b.getChannelInfo).
		Handle("set_channel_name", b.setChannelName).
		Handle("get_channel_member_info", b.getChannelMemberInfo)
	return b
}

func platformError(action string, err error) error {
	return onebot.PlatformError("%s: %s", action, err.Error())
}

func parseChatID(field, v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, onebot.BadParam("%s must be numeric", field)
	}
	return id, nil
}

// splitMessageID parses the "chat/message" form used for message ids.
func splitMessageID(v string) (int64, int, error) {
	chat, msg, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, onebot.BadParam("message_id must look like chat/message")
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, onebot.BadParam("message_id must look like chat/message")
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, onebot.BadParam("message_id must look like chat/message")
	}
	return chatID, msgID, nil
}

func (b *Bot) sendMessage(ctx context.Context, params onebot.Params) (any, error) {
	req, err := adapter.BindSendMessage(params, onebot.DetailPrivate, onebot.DetailGroup, onebot.DetailChannel)
	if err != nil {
		return nil, err
	}
	var target string
	switch req.DetailType {
	case onebot.DetailPrivate:
		target = req.UserID
	case onebot.DetailGroup:
		target = req.GroupID
	default:
		target = req.GuildID
	}
	chat, err := parseChatID("chat id", target)
	if err != nil {
		return nil, err
	}
	outgoing, err := b.fromMessage(ctx, chat, req.Message)
	if err != nil {
		return nil, err
	}
	if len(outgoing) == 0 {
		return nil, onebot.BadParam("message must not be empty")
	}
	var first tgbotapi.Message
	for i, c := range outgoing {
		sent, err := b.api.Send(c)
		if err != nil {
			return nil, platformError("send_message", err)
		}
		if i == 0 {
			first = sent
		}
	}
	return onebot.SentMessage(messageID(&first), first.Time()), nil
}

// fromMessage turns segments into the requests that deliver them: one text
// message carrying text and mentions, then one request per media segment.
// A reply applies to the first request.
func (b *Bot) fromMessage(ctx context.Context, chat int64, msg onebot.Message) ([]tgbotapi.Chattable, error) {
	var (
		text     []uint16
		entities []tgbotapi.MessageEntity
		media    []func(reply int) tgbotapi.Chattable
		reply    int
	)
	for _, seg := range msg {
		switch seg.Type {
		case onebot.SegText:
			text = append(text, utf16.Encode([]rune(seg.Str("text")))...)
		case onebot.SegMention:
			uid, err := parseChatID("user_id", seg.Str("user_id"))
			if err != nil {
				return nil, err
			}
			member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
				ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chat, UserID: uid},
			})
			if err != nil {
				return nil, platformError("get_chat_member", err)
			}
			name := member.User.FirstName
			if member.User.UserName != "" {
				name = "@" + member.User.UserName
			}
			encoded := utf16.Encode([]rune(name))
			entities = append(entities, tgbotapi.MessageEntity{
				Type:   "text_mention",
				Offset: len(text),
				Length: len(encoded),
				User:   member.User,
			})
			text = append(text, encoded...)
		case onebot.SegReply:
			_, id, err := splitMessageID(seg.Str("message_id"))
			if err != nil {
				return nil, err
			}
			reply = id
		case onebot.SegImage, onebot.SegVoice, onebot.SegAudio, onebot.SegVideo, onebot.SegFile:
			file, err := b.requestFile(ctx, seg.Str("file_id"))
			if err != nil {
				return nil, err
			}
			kind := seg.Type
			media = append(media, func(reply int) tgbotapi.Chattable {
				return mediaConfig(kind, chat, file, reply)
			})
		case onebot.SegLocation:
			lat, _ := onebot.AnyFloat(seg.Data["latitude"])
			lon, _ := onebot.AnyFloat(seg.Data["longitude"])
			media = append(media, func(reply int) tgbotapi.Chattable {
				c := tgbotapi.NewLocation(chat, lat, lon)
				c.ReplyToMessageID = reply
				return c
			})
		default:
			return nil, onebot.UnsupportedSegment(seg.Type)
		}
	}
	out := make([]tgbotapi.Chattable, 0, len(media)+1)
	if len(text) > 0 {
		c := tgbotapi.NewMessage(chat, string(utf16.Decode(text)))
		c.Entities = entities
		c.ReplyToMessageID = reply
		out = append(out, c)
		reply = 0
	}
	for _, build := range media {
		out = append(out, build(reply))
		reply = 0
	}
	return out, nil
}

// requestFile reuses the telegram file id when the blob came from telegram
// and uploads the bytes otherwise.
func (b *Bot) requestFile(ctx context.Context, fileID string) (tgbotapi.RequestFileData, error) {
	f, data, err := b.LoadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.Src == Platform && f.SrcID != "" {
		return tgbotapi.FileID(f.SrcID), nil
	}
	return tgbotapi.FileBytes{Name: f.Name, Bytes: data}, nil
}

func mediaConfig(kind string, chat int64, file tgbotapi.RequestFileData, reply int) tgbotapi.Chattable {
	switch kind {
	case onebot.SegImage:
		c := tgbotapi.NewPhoto(chat, file)
		c.ReplyToMessageID = reply
		return c
	case onebot.SegVoice:
		c := tgbotapi.NewVoice(chat, file)
		c.ReplyToMessageID = reply
		return c
	case onebot.SegAudio:
		c := tgbotapi.NewAudio(chat, file)
		c.ReplyToMessageID = reply
		return c
	case onebot.SegVideo:
		c := tgbotapi.NewVideo(chat, file)
		c.ReplyToMessageID = reply
		return c
	default:
		c := tgbotapi.NewDocument(chat, file)
		c.ReplyToMessageID = reply
		return c
	}
}

func (b *Bot) deleteMessage(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.MessageRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	chat, msg, err := splitMessageID(p.MessageID)
	if err != nil {
		return nil, err
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chat, msg)); err != nil {
		return nil, platformError("delete_message", err)
	}
	return nil, nil
}

func userInfo(u *tgbotapi.User) map[string]any {
	if u == nil {
		return map[string]any{"user_id": "", "user_name": "", "user_displayname": ""}
	}
	return map[string]any{
		"user_id":          strconv.FormatInt(u.ID, 10),
		"user_name":        u.UserName,
		"user_displayname": strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}

func (b *Bot) getSelfInfo(_ context.Context, _ onebot.Params) (any, error) {
	me, err := b.api.GetMe()
	if err != nil {
		return nil, platformError("get_self_info", err)
	}
	info := userInfo(&me)
	info["user_displayname"] = me.FirstName
	return info, nil
}

func (b *Bot) chat(field, id string) (tgbotapi.Chat, error) {
	chatID, err := parseChatID(field, id)
	if err != nil {
		return tgbotapi.Chat{}, err
	}
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		return tgbotapi.Chat{}, platformError("get_chat", err)
	}
	return chat, nil
}

func (b *Bot) member(chatField, chat, user string) (map[string]any, error) {
	chatID, err := parseChatID(chatField, chat)
	if err != nil {
		return nil, err
	}
	uid, err := parseChatID("user_id", user)
	if err != nil {
		return nil, err
	}
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: uid},
	})
	if err != nil {
		return nil, platformError("get_chat_member", err)
	}
	return userInfo(member.User), nil
}

func (b *Bot) setTitle(field, id, title string) error {
	chatID, err := parseChatID(field, id)
	if err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewChatTitle(chatID, title)); err != nil {
		return platformError("set_chat_title", err)
	}
	return nil
}

func (b *Bot) leave(field, id string) error {
	chatID, err := parseChatID(field, id)
	if err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.LeaveChatConfig{ChatID: chatID}); err != nil {
		return platformError("leave_chat", err)
	}
	return nil
}

func (b *Bot) getUserInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.UserRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	chat, err := b.chat("user_id", p.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id":          strconv.FormatInt(chat.ID, 10),
		"user_name":        chat.UserName,
		"user_displayname": strings.TrimSpace(chat.FirstName + " " + chat.LastName),
		"user_remark":      "",
	}, nil
}

func (b *Bot) getGroupInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	chat, err := b.chat("group_id", p.GroupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group_id": strconv.FormatInt(chat.ID, 10), "group_name": chat.Title}, nil
}

func (b *Bot) getGroupMemberInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return b.member("group_id", p.GroupID, p.UserID)
}

func (b *Bot) setGroupName(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return nil, b.setTitle("group_id", p.GroupID, p.GroupName)
}

func (b *Bot) leaveGroup(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return nil, b.leave("group_id", p.GroupID)
}

// A telegram channel is exposed as a guild with a single channel of the same id.

func (b *Bot) getGuildInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	chat, err := b.chat("guild_id", p.GuildID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"guild_id": strconv.FormatInt(chat.ID, 10), "guild_name": chat.Title}, nil
}

func (b *Bot) setGuildName(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return nil, b.setTitle("guild_id", p.GuildID, p.GuildName)
}

func (b *Bot) getGuildMemberInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return b.member("guild_id", p.GuildID, p.UserID)
}

func (b *Bot) leaveGuild(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return nil, b.leave("guild_id", p.GuildID)
}

func (b *Bot) getChannelInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	chat, err := b.chat("channel_id", p.ChannelID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"channel_id": strconv.FormatInt(chat.ID, 10), "channel_name": chat.Title}, nil
}

func (b *Bot) setChannelName(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return nil, b.setTitle("channel_id", p.ChannelID, p.ChannelName)
}

func (b *Bot) getChannelMemberInfo(_ context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	return b.member("channel_id", p.ChannelID, p.UserID)
}
