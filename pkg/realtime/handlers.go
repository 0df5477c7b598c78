package realtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

const (
	deniedMessage = "channel access denied"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxChannel = 200
)

var socketIDPattern = regexp.MustCompile(`^\d+\.\d+$`)

// HandlerConfig configures the broadcasting endpoints.
type HandlerConfig struct {
	// AppKey and AppSecret enable Pusher-compatible auth signatures.
	AppKey    string
	AppSecret string
	// AllowedOrigins restricts websocket handshakes; empty allows any origin.
	AllowedOrigins []string
}

// Handlers serves channel authorization and the websocket endpoint.
type Handlers struct {
	authorizer *ChannelAuthorizer
	transport  Transport
	metrics    *observability.Metrics
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
}

// NewHandlers creates the broadcasting handlers.
func NewHandlers(authorizer *ChannelAuthorizer, transport Transport, metrics *observability.Metrics, cfg HandlerConfig) *Handlers {
	h := &Handlers{authorizer: authorizer, transport: transport, metrics: metrics, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers the broadcasting routes. Both require an
// authenticated principal.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/broadcasting/auth", h.Auth).Methods(http.MethodPost)
	router.HandleFunc("/broadcasting/socket", h.Socket).Methods(http.MethodGet)
}

type authRequest struct {
	ChannelName string `json:"channel_name" validate:"required,max=200"`
	SocketID    string `json:"socket_id" validate:"omitempty,max=64"`
}

type authResponse struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// Auth handles POST /broadcasting/auth with a JSON or form body.
func (h *Handlers) Auth(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	req, err := parseAuthRequest(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	ch, allowed, err := h.authorizer.Authorize(r.Context(), caller, req.ChannelName)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !allowed {
		httputil.WriteForbidden(w, deniedMessage)
		return
	}

	resp := authResponse{Channel: ch.Name()}
	if h.cfg.AppKey != "" && h.cfg.AppSecret != "" {
		if !socketIDPattern.MatchString(req.SocketID) {
			httputil.WriteAppError(w, r, apperr.FieldError("socket_id", "must look like 1234.5678"))
			return
		}
		resp.Auth = h.cfg.AppKey + ":" + Sign(h.cfg.AppSecret, req.SocketID, req.ChannelName)
	}
	_ = httputil.WriteSuccess(w, resp)
}

func parseAuthRequest(r *http.Request) (*authRequest, error) {
	req := &authRequest{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := httputil.DecodeAndValidate(r, req); err != nil {
			return nil, err
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, apperr.Validation("invalid form body", nil)
	}
	req.ChannelName = r.PostForm.Get("channel_name")
	req.SocketID = r.PostForm.Get("socket_id")
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Sign returns hex(HMAC-SHA256(secret, socketID:channel)).
func Sign(secret, socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketID + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}

// Socket handles GET /broadcasting/socket?channel=a&channel=b. Every channel
// is authorized before the upgrade; one denial rejects the whole request.
func (h *Handlers) Socket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := CallerFromContext(ctx)
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	names := r.URL.Query()["channel"]
	if len(names) == 0 {
		httputil.WriteAppError(w, r, apperr.FieldError("channel", "is required"))
		return
	}

	channels := make([]string, 0, len(names))
	for _, name := range names {
		if len(name) > maxChannel {
			httputil.WriteForbidden(w, deniedMessage)
			return
		}
		ch, allowed, err := h.authorizer.Authorize(ctx, caller, name)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		if !allowed {
			httputil.WriteForbidden(w, deniedMessage)
			return
		}
		channels = append(channels, ch.Name())
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		observability.FromContext(ctx).WithError(err).Debug("websocket upgrade failed")
		return
	}

	// The request context ends when the handler returns; keep its values.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	sub, err := h.transport.Subscribe(streamCtx, channels...)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to subscribe")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.SocketSubscriptions.Add(float64(len(channels)))
		defer h.metrics.SocketSubscriptions.Sub(float64(len(channels)))
	}

	go h.readPump(conn, cancel)
	h.writePump(streamCtx, conn, sub)
}

// readPump discards client frames and cancels the stream when the peer goes
// away.
func (h *Handlers) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) writePump(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
