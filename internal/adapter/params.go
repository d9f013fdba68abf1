package adapter

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/json-iterator/go/extra"

	"github.com/memohai/all4one/internal/onebot"
)

var (
	json          = jsoniter.ConfigCompatibleWithStandardLibrary
	fuzzyOnce     sync.Once
	paramValidate = newParamValidator()
)

func newParamValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// BindParams decodes params into dst and validates its `validate` tags.
// Numeric ids are accepted for string fields. Failures are BadParam.
func BindParams(params onebot.Params, dst any) error {
	fuzzyOnce.Do(extra.RegisterFuzzyDecoders)
	raw, err := json.Marshal(map[string]any(params))
	if err != nil {
		return onebot.BadParam("params: %s", err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return onebot.BadParam("params: %s", err.Error())
	}
	if err := paramValidate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describeValidation(verrs[0])
		}
		return onebot.BadParam("%s", err.Error())
	}
	return nil
}

func describeValidation(fe validator.FieldError) error {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return onebot.BadParam("%s is required", field)
	case "required_if":
		cond := strings.Fields(fe.Param())
		if len(cond) == 2 {
			return onebot.BadParam("%s is required when %s is %s", field, toSnake(cond[0]), cond[1])
		}
		return onebot.BadParam("%s is required", field)
	case "oneof":
		return onebot.BadParam("%s must be one of %s", field, fe.Param())
	}
	return onebot.BadParam("%s is invalid (%s)", field, fe.Tag())
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Target is the addressing part shared by send_message and friends.
type Target struct {
	DetailType string `json:"detail_type" validate:"required"`
	UserID     string `json:"user_id" validate:"required_if=DetailType private"`
	GroupID    string `json:"group_id" validate:"required_if=DetailType group"`
	GuildID    string `json:"guild_id" validate:"required_if=DetailType channel"`
	ChannelID  string `json:"channel_id" validate:"required_if=DetailType channel"`
}

// SendMessage is the parameter set of send_message.
type SendMessage struct {
	Target
	Message onebot.Message `json:"-"`
}

// BindSendMessage parses send_message params and checks the detail type against
// the ones the platform supports.
func BindSendMessage(params onebot.Params, supported ...string) (SendMessage, error) {
	var out SendMessage
	if err := BindParams(params, &out.Target); err != nil {
		return out, err
	}
	if err := out.Target.Check(supported...); err != nil {
		return out, err
	}
	msg, err := params.Message("message")
	if err != nil {
		return out, err
	}
	out.Message = msg
	return out, nil
}

// Check fails with UnsupportedParam when the detail type is not in supported.
func (t Target) Check(supported ...string) error {
	if len(supported) == 0 {
		return nil
	}
	for _, s := range supported {
		if t.DetailType == s {
			return nil
		}
	}
	return onebot.UnsupportedParam("detail_type %s is not supported", t.DetailType)
}

// MessageRef is the parameter set of delete_message.
type MessageRef struct {
	MessageID string `json:"message_id" validate:"required"`
}

type UserRef struct {
	UserID string `json:"user_id" validate:"required"`
}

type GroupRef struct {
	GroupID string `json:"group_id" validate:"required"`
}

type GroupMemberRef struct {
	GroupID string `json:"group_id" validate:"required"`
	UserID  string `json:"user_id" validate:"required"`
}

type GroupName struct {
	GroupID   string `json:"group_id" validate:"required"`
	GroupName string `json:"group_name" validate:"required"`
}

type GuildRef struct {
	GuildID string `json:"guild_id" validate:"required"`
}

type GuildMemberRef struct {
	GuildID string `json:"guild_id" validate:"required"`
	UserID  string `json:"user_id" validate:"required"`
}

type GuildName struct {
	GuildID   string `json:"guild_id" validate:"required"`
	GuildName string `json:"guild_name" validate:"required"`
}

type ChannelRef struct {
	GuildID   string `json:"guild_id" validate:"required"`
	ChannelID string `json:"channel_id" validate:"required"`
}

type ChannelMemberRef struct {
	GuildID   string `json:"guild_id" validate:"required"`
	ChannelID string `json:"channel_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
}

type ChannelName struct {
	GuildID     string `json:"guild_id" validate:"required"`
	ChannelID   string `json:"channel_id" validate:"required"`
	ChannelName string `json:"channel_name" validate:"required"`
}
