package onebot11

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/onebot"
)

// Caller invokes a v11 action on the upstream. *obws.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, action string, params map[string]any) (any, error)
}

type Bot struct {
	*adapter.BaseBot
	api Caller
}

func NewBot(api Caller, self onebot.Self, files adapter.FileStore, log *slog.Logger) *Bot {
	b := &Bot{BaseBot: adapter.NewBaseBot(Type, self, files, log), api: api}
	b.Handle("send_message", b.sendMessage).
		Handle("delete_message", b.deleteMessage).
		Handle("get_self_info", b.getSelfInfo).
		Handle("get_user_info", b.getUserInfo).
		Handle("get_friend_list", b.getFriendList).
		Handle("get_group_info", b.getGroupInfo).
		Handle("get_group_list", b.getGroupList).
		Handle("get_group_member_info", b.getGroupMemberInfo).
		Handle("get_group_member_list", b.getGroupMemberList).
		Handle("set_group_name", b.setGroupName).
		Handle("leave_group", b.leaveGroup)
	return b
}

// call invokes an upstream action. v11 retcodes do not share the v12 space,
// so every upstream failure surfaces as a platform error.
func (b *Bot) call(ctx context.Context, action string, params map[string]any) (any, error) {
	data, err := b.api.Call(ctx, action, params)
	if err != nil {
		return nil, onebot.PlatformError("%s: %s", action, err.Error())
	}
	return data, nil
}

func numericID(field, v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, onebot.BadParam("%s must be numeric", field)
	}
	return id, nil
}

func (b *Bot) sendMessage(ctx context.Context, params onebot.Params) (any, error) {
	req, err := adapter.BindSendMessage(params, onebot.DetailPrivate, onebot.DetailGroup)
	if err != nil {
		return nil, err
	}
	segments, err := b.fromMessage(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	native := map[string]any{"message": segments}
	if req.DetailType == onebot.DetailGroup {
		id, err := numericID("group_id", req.GroupID)
		if err != nil {
			return nil, err
		}
		native["message_type"] = "group"
		native["group_id"] = id
	} else {
		id, err := numericID("user_id", req.UserID)
		if err != nil {
			return nil, err
		}
		native["message_type"] = "private"
		native["user_id"] = id
	}
	data, err := b.call(ctx, "send_msg", native)
	if err != nil {
		return nil, err
	}
	res, _ := data.(map[string]any)
	return onebot.SentMessage(onebot.AnyString(res["message_id"]), onebot.Now()), nil
}

func (b *Bot) deleteMessage(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.MessageRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	id, err := numericID("message_id", p.MessageID)
	if err != nil {
		return nil, err
	}
	_, err = b.call(ctx, "delete_msg", map[string]any{"message_id": id})
	return nil, err
}

func (b *Bot) getSelfInfo(ctx context.Context, _ onebot.Params) (any, error) {
	data, err := b.call(ctx, "get_login_info", nil)
	if err != nil {
		return nil, err
	}
	info, _ := data.(map[string]any)
	return map[string]any{
		"user_id":          onebot.AnyString(info["user_id"]),
		"user_name":        onebot.AnyString(info["nickname"]),
		"user_displayname": "",
	}, nil
}

func userInfo(raw map[string]any) map[string]any {
	return map[string]any{
		"user_id":          onebot.AnyString(raw["user_id"]),
		"user_name":        onebot.AnyString(raw["nickname"]),
		"user_displayname": onebot.AnyString(raw["card"]),
		"user_remark":      onebot.AnyString(raw["remark"]),
	}
}

func groupInfo(raw map[string]any) map[string]any {
	return map[string]any{
		"group_id":   onebot.AnyString(raw["group_id"]),
		"group_name": onebot.AnyString(raw["group_name"]),
	}
}

func mapList(data any, fn func(map[string]any) map[string]any) []map[string]any {
	items, _ := data.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, fn(m))
		}
	}
	return out
}

func (b *Bot) getUserInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.UserRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	id, err := numericID("user_id", p.UserID)
	if err != nil {
		return nil, err
	}
	data, err := b.call(ctx, "get_stranger_info", map[string]any{"user_id": id})
	if err != nil {
		return nil, err
	}
	raw, _ := data.(map[string]any)
	return userInfo(raw), nil
}

func (b *Bot) getFriendList(ctx context.Context, _ onebot.Params) (any, error) {
	data, err := b.call(ctx, "get_friend_list", nil)
	if err != nil {
		return nil, err
	}
	return mapList(data, userInfo), nil
}

func (b *Bot) getGroupInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	id, err := numericID("group_id", p.GroupID)
	if err != nil {
		return nil, err
	}
	data, err := b.call(ctx, "get_group_info", map[string]any{"group_id": id})
	if err != nil {
		return nil, err
	}
	raw, _ := data.(map[string]any)
	return groupInfo(raw), nil
}

func (b *Bot) getGroupList(ctx context.Context, _ onebot.Params) (any, error) {
	data, err := b.call(ctx, "get_group_list", nil)
	if err != nil {
		return nil, err
	}
	return mapList(data, groupInfo), nil
}

func (b *Bot) getGroupMemberInfo(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupMemberRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	gid, err := numericID("group_id", p.GroupID)
	if err != nil {
		return nil, err
	}
	uid, err := numericID("user_id", p.UserID)
	if err != nil {
		return nil, err
	}
	data, err := b.call(ctx, "get_group_member_info", map[string]any{"group_id": gid, "user_id": uid})
	if err != nil {
		return nil, err
	}
	raw, _ := data.(map[string]any)
	return userInfo(raw), nil
}

func (b *Bot) getGroupMemberList(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	gid, err := numericID("group_id", p.GroupID)
	if err != nil {
		return nil, err
	}
	data, err := b.call(ctx, "get_group_member_list", map[string]any{"group_id": gid})
	if err != nil {
		return nil, err
	}
	return mapList(data, userInfo), nil
}

func (b *Bot) setGroupName(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupName
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	gid, err := numericID("group_id", p.GroupID)
	if err != nil {
		return nil, err
	}
	_, err = b.call(ctx, "set_group_name", map[string]any{"group_id": gid, "group_name": p.GroupName})
	return nil, err
}

func (b *Bot) leaveGroup(ctx context.Context, params onebot.Params) (any, error) {
	var p adapter.GroupRef
	if err := adapter.BindParams(params, &p); err != nil {
		return nil, err
	}
	gid, err := numericID("group_id", p.GroupID)
	if err != nil {
		return nil, err
	}
	_, err = b.call(ctx, "set_group_leave", map[string]any{"group_id": gid})
	return nil, err
}

// fromMessage converts canonical segments into v11 array-format segments.
func (b *Bot) fromMessage(ctx context.Context, msg onebot.Message) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(msg))
	for _, seg := range msg {
		switch seg.Type {
		case onebot.SegText:
			out = append(out, v11Segment("text", "text", seg.Str("text")))
		case onebot.SegMention:
			out = append(out, v11Segment("at", "qq", seg.Str("user_id")))
		case onebot.SegMentionAll:
			out = append(out, v11Segment("at", "qq", "all"))
		case onebot.SegReply:
			out = append(out, v11Segment("reply", "id", seg.Str("message_id")))
		case onebot.SegImage, onebot.SegVoice, onebot.SegVideo:
			_, data, err := b.LoadFile(ctx, seg.Str("file_id"))
			if err != nil {
				return nil, err
			}
			kind := seg.Type
			if kind == onebot.SegVoice {
				kind = "record"
			}
			out = append(out, v11Segment(kind, "file", "base64://"+base64.StdEncoding.EncodeToString(data)))
		case onebot.Namespaced(Platform, "face"):
			out = append(out, v11Segment("face", "id", seg.Str("id")))
		default:
			return nil, onebot.UnsupportedSegment(seg.Type)
		}
	}
	return out, nil
}

func v11Segment(typ, key, value string) map[string]any {
	return map[string]any{"type": typ, "data": map[string]any{key: value}}
}
