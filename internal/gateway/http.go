package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/all4one/internal/codec"
	"github.com/memohai/all4one/internal/config"
	"github.com/memohai/all4one/internal/onebot"
)

// Register mounts the http and websocket server bindings. Shared bindings
// answer on {path}/, per-account ones on {path}/:platform/:self_id/.
func (m *Manager) Register(e *echo.Echo) {
	for _, b := range m.bindings {
		var h echo.HandlerFunc
		switch b.cfg.Type {
		case config.BindingHTTP:
			h = m.handleHTTP(b)
		case config.BindingWebSocket:
			h = m.handleWebSocket(b)
		default:
			continue
		}
		method := http.MethodPost
		if b.cfg.Type == config.BindingWebSocket {
			method = http.MethodGet
		}
		for _, p := range routePaths(b.cfg) {
			e.Add(method, p, h)
		}
	}
}

func routePaths(cfg config.ConnectionConfig) []string {
	base := strings.TrimSuffix(cfg.Path, "/")
	if cfg.PerAccount {
		base += "/:platform/:self_id"
	}
	if base == "" {
		return []string{"/"}
	}
	return []string{base, base + "/"}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// checkToken answers 401 when the binding requires a token that the request
// does not carry.
func checkToken(c echo.Context, want string) error {
	if want == "" {
		return nil
	}
	got := bearerToken(c.Request())
	if got == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization Header")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "Authorization Header is invalid")
	}
	return nil
}

// pathSelf returns the account addressed by a per-account route.
func pathSelf(c echo.Context) onebot.Self {
	return onebot.Self{Platform: c.Param("platform"), UserID: c.Param("self_id")}
}

func (m *Manager) handleHTTP(b *binding) echo.HandlerFunc {
	log := m.logger.With(slog.String("binding", b.name()))
	return func(c echo.Context) error {
		if err := checkToken(c, b.cfg.AccessToken); err != nil {
			return err
		}
		format, ok := codec.FormatFromContentType(c.Request().Header.Get(echo.HeaderContentType))
		if !ok {
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, "Invalid Content-Type")
		}

		var self *onebot.Self
		if b.cfg.PerAccount {
			s := pathSelf(c)
			if _, ok := m.Bot(s); !ok {
				return echo.NewHTTPError(http.StatusNotFound, "unknown self")
			}
			self = &s
		}

		var resp onebot.Response
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, m.maxBody))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("request body over %d bytes", tooLarge.Limit))
		}
		if err != nil {
			resp = onebot.Failed(onebot.BadRequest("Invalid data format"))
		} else if req, err := codec.DecodeRequest(format, body); err != nil {
			resp = onebot.Failed(err)
		} else {
			if self != nil && req.Self == nil {
				req.Self = self
			}
			var queue *EventQueue
			if self != nil {
				queue = m.accountQueue(b, *self)
			} else {
				queue = b.queue
			}
			resp = m.CallAction(c.Request().Context(), req, queue)
		}

		out, err := codec.EncodeResponse(format, resp)
		if err != nil {
			log.Error("encode response failed", slog.Any("error", err))
			out, _ = codec.EncodeResponse(format, onebot.Failed(onebot.InternalHandler("%s", err.Error())).WithEcho(resp.Echo))
		}
		return c.Blob(http.StatusOK, format.ContentType(), out)
	}
}
