package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/memohai/all4one/internal/codec"
	"github.com/memohai/all4one/internal/onebot"
	"github.com/memohai/all4one/internal/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type callOptions struct {
	URL        string
	Token      string
	UseMsgpack bool
	Platform   string
	SelfID     string
	Echo       string
	Timeout    time.Duration
}

func newCallCommand() *cobra.Command {
	opts := callOptions{}
	cmd := &cobra.Command{
		Use:   "call <action> [params-json]",
		Short: "Send one action to a running gateway over HTTP",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}
			req, err := buildCallRequest(args[0], raw, opts)
			if err != nil {
				return err
			}
			return runCall(cmd.Context(), opts, req, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.URL, "url", "http://127.0.0.1:8080/all4one/", "http binding endpoint")
	flags.StringVar(&opts.Token, "token", "", "access token")
	flags.BoolVar(&opts.UseMsgpack, "msgpack", false, "encode the request as msgpack")
	flags.StringVar(&opts.Platform, "platform", "", "self.platform of the target bot")
	flags.StringVar(&opts.SelfID, "self-id", "", "self.user_id of the target bot")
	flags.StringVar(&opts.Echo, "echo", "", "echo value copied into the response")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func buildCallRequest(action, rawParams string, opts callOptions) (onebot.Request, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return onebot.Request{}, fmt.Errorf("action is required")
	}
	params := onebot.Params{}
	if strings.TrimSpace(rawParams) != "" {
		if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
			return onebot.Request{}, fmt.Errorf("params: %w", err)
		}
	}
	req := onebot.Request{Action: action, Params: params}
	if opts.Echo != "" {
		req.Echo = opts.Echo
	}
	if opts.Platform != "" || opts.SelfID != "" {
		if opts.Platform == "" || opts.SelfID == "" {
			return onebot.Request{}, fmt.Errorf("--platform and --self-id must be set together")
		}
		req.Self = &onebot.Self{Platform: opts.Platform, UserID: opts.SelfID}
	}
	return req, nil
}

// runCall posts req and writes the decoded response to out as indented JSON.
// A failed action is reported as an error after the response is printed.
func runCall(ctx context.Context, opts callOptions, req onebot.Request, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	format := codec.FormatFor(opts.UseMsgpack)
	body, err := codec.EncodeRequest(format, req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", format.ContentType()).
		SetHeader("User-Agent", version.UserAgent())
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	resp, err := client.R().SetContext(ctx).SetBody(body).Post(opts.URL)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.Action, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("call %s: http %d: %s", req.Action, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	replyFormat, ok := codec.FormatFromContentType(resp.Header().Get("Content-Type"))
	if !ok {
		replyFormat = format
	}
	result, err := codec.DecodeResponse(replyFormat, resp.Body())
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, err := json.MarshalIndent(result.ToMap(), "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, string(pretty)); err != nil {
		return err
	}
	if result.Status != onebot.StatusOK {
		return fmt.Errorf("action %s failed: retcode %d", req.Action, result.Retcode)
	}
	return nil
}
