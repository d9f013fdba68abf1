package villa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

const DefaultEndpoint = "https://bbs-api.miyoushe.com"

// Client calls the villa bot REST API with one bot's credentials.
type Client struct {
	http   *resty.Client
	botID  string
	secret string
}

// NewClient signs the secret with pubKey when one is configured.
func NewClient(endpoint, botID, secret, pubKey string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if pubKey != "" {
		mac := hmac.New(sha256.New, []byte(pubKey))
		mac.Write([]byte(secret))
		secret = hex.EncodeToString(mac.Sum(nil))
	}
	return &Client{
		http:   resty.New().SetBaseURL(endpoint).SetTimeout(10 * time.Second),
		botID:  botID,
		secret: secret,
	}
}

func (c *Client) request(ctx context.Context, villaID string) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("x-rpc-bot_id", c.botID).
		SetHeader("x-rpc-bot_secret", c.secret).
		SetHeader("x-rpc-bot_villa_id", villaID)
}

// Get issues a query and returns the data member of a successful reply.
func (c *Client) Get(ctx context.Context, villaID, path string, query map[string]string) (gjson.Result, error) {
	resp, err := c.request(ctx, villaID).SetQueryParams(query).Get(path)
	return decodeReply(path, resp, err)
}

// Post sends a JSON body and returns the data member of a successful reply.
func (c *Client) Post(ctx context.Context, villaID, path string, body any) (gjson.Result, error) {
	resp, err := c.request(ctx, villaID).SetBody(body).Post(path)
	return decodeReply(path, resp, err)
}

func decodeReply(path string, resp *resty.Response, err error) (gjson.Result, error) {
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.IsError() {
		return gjson.Result{}, fmt.Errorf("villa %s: http %d", path, resp.StatusCode())
	}
	reply := gjson.ParseBytes(resp.Body())
	if code := reply.Get("retcode").Int(); code != 0 {
		return gjson.Result{}, fmt.Errorf("villa %s: retcode %d: %s", path, code, reply.Get("message").String())
	}
	return reply.Get("data"), nil
}

// Caller is satisfied by *Client.
type Caller interface {
	Get(ctx context.Context, villaID, path string, query map[string]string) (gjson.Result, error)
	Post(ctx context.Context, villaID, path string, body any) (gjson.Result, error)
}

type Bot struct {
	*adapter.BaseBot
	api Caller
}

func NewBot(api Caller, self onebot.Self, files adapter.FileStore, log *slog.Logger) *Bot {
	b := &Bot{BaseBot: adapter.NewBaseBot(Type, self, files, log), api: api}
	b.Handle("send_message", b.sendMessage).
		Handle("get_guild_info", b.getGuildInfo).
		Handle("get_guild_member_info", b.getGuildMemberInfo).
		Handle("get_channel_info", b.getChannelInfo).
		Handle("get_channel_list", b.getChannelList)
	return b
}

func platformError(action string, err error) error {
	return onebot.PlatformError("%s: %s", action, err.Error())
}

type textEntity struct {
	Offset int            `json:"offset"`
	Length int            `json:"length"`
	Entity map[string]any `json:"entity"`
}

func (b *Bot) sendMessage(ctx context.Context, params onebot.Params) (any, error) {
	req, err := adapter.BindSendMessage(params, onebot.DetailChannel)
	if err != nil {
		return nil, err
	}
	if _, err := strconv.ParseUint(req.GuildID, 10, 64); err != nil {
		return nil, onebot.UnsupportedParam("guild_id must be a villa id")
	}
	roomID, err := strconv.ParseUint(req.ChannelID, 10, 64)
	if err != nil {
		return nil, onebot.UnsupportedParam("channel_id must be a room id")
	}
	content, err := textContent(req.Message)
	if err != nil {
		return nil, err
	}
	encoded, err := json.MarshalToString(content)
	if err != nil {
		return nil, onebot.InternalHandler("encode message: %s", err.Error())
	}
	data, err := b.api.Post(ctx, req.GuildID, "/vila/api/bot/platform/sendMessage", map[string]any{
		"room_id":     roomID,
		"object_name": "MHY:Text",
		"msg_content": encoded,
	})
	if err != nil {
		return nil, platformError("send_message", err)
	}
	return onebot.SentMessage(data.Get("bot_msg_id").String(), onebot.Now()), nil
}

// textContent builds an MHY:Text body. Mentions become "@id " spans with a
// matching entity.
func textContent(msg onebot.Message) (map[string]any, error) {
	var (
		text     []uint16
		entities = []textEntity{}
		users    []string
		all      bool
	)
	appendSpan := func(span string, entity map[string]any) {
		units := utf16.Encode([]rune(span))
		entities = append(entities, textEntity{Offset: len(text), Length: len(units), Entity: entity})
		text = append(text, units...)
	}
	for _, seg := range msg {
		switch seg.Type {
		case onebot.SegText:
			text = append(text, utf16.Encode([]rune(seg.Str("text")))...)
		case onebot.SegMention:
			uid := seg.Str("user_id")
			appendSpan("@"+uid+" ", map[string]any{"type": "mentioned_user", "user_id": uid})
			users = append(users, uid)
		case onebot.SegMentionAll:
			appendSpan("@全体成员 ", map[string]any{"type": "mention_all"})
			all = true
		default:
			return nil, onebot.UnsupportedSegment(seg.Type)
		}
	}
	if len(text) == 0 {
		return nil, onebot.BadParam("message must not be empty")
	}
	content := map[string]any{
		"content": map[string]any{"text": string(utf16.Decode(text)), "entities": entities},
	}
	switch {
	case all:
		content["mentionedInfo"] = map[string]any{"type": 1}
	case len(users) > 0:
		content["mentionedInfo"] = map[string]any{"type": 2, "userIdList": users}
	}
	return content, nil
}

func (b *Bot) getGuildInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	data, err := b.api.Get(ctx, p.GuildID, "/vila/api/bot/platform/getVilla", nil)
	if err != nil {
		return nil, platformError("get_guild_info", err)
	}
	return map[string]any{
		"guild_id":   data.Get("villa.villa_id").String(),
		"guild_name": data.Get("villa.name").String(),
	}, nil
}

func (b *Bot) getGuildMemberInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	data, err := b.api.Get(ctx, p.GuildID, "/vila/api/bot/platform/getMember", map[string]string{"uid": p.UserID})
	if err != nil {
		return nil, platformError("get_guild_member_info", err)
	}
	info := data.Get("member.basic")
	return map[string]any{
		"user_id":          info.Get("uid").String(),
		"user_name":        info.Get("nickname").String(),
		"user_displayname": info.Get("nickname").String(),
	}, nil
}

func (b *Bot) getChannelInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.ChannelRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	data, err := b.api.Get(ctx, p.GuildID, "/vila/api/bot/platform/getRoom", map[string]string{"room_id": p.ChannelID})
	if err != nil {
		return nil, platformError("get_channel_info", err)
	}
	return map[string]any{
		"channel_id":   data.Get("room.room_id").String(),
		"channel_name": data.Get("room.room_name").String(),
	}, nil
}

func (b *Bot) getChannelList(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GuildRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	data, err := b.api.Get(ctx, p.GuildID, "/vila/api/bot/platform/getVillaGroupRoomList", nil)
	if err != nil {
		return nil, platformError("get_channel_list", err)
	}
	out := []map[string]any{}
	for _, group := range data.Get("list").Array() {
		for _, room := range group.Get("room_list").Array() {
			out = append(out, map[string]any{
				"channel_id":   room.Get("room_id").String(),
				"channel_name": room.Get("room_name").String(),
			})
		}
	}
	return out, nil
}
