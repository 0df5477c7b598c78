package realtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

type handlerFixture struct {
	hub     *Hub
	metrics *observability.Metrics
	router  *mux.Router
}

// newHandlerFixture serves the broadcasting routes as caller 7 of tenant 1.
// Vehicle 10 belongs to tenant 1 and vehicle 20 to tenant 2.
func newHandlerFixture(t *testing.T, cfg HandlerConfig) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		hub:     NewHub(0),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		router:  mux.NewRouter(),
	}
	t.Cleanup(func() { _ = f.hub.Close() })

	authorizer := NewChannelAuthorizer(WithEntity(KindVehicle, entityTenants{10: 1, 20: 2}))
	h := NewHandlers(authorizer, f.hub, f.metrics, cfg)

	f.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Anonymous") == "" {
				r = r.WithContext(contextkeys.WithPrincipal(r.Context(), testCaller{id: 7, tenant: 1}))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.RegisterRoutes(f.router)
	return f
}

func (f *handlerFixture) postJSON(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAuth_JSON(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	rec := f.postJSON(`{"channel_name":"private-vehicle.10"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channel":"vehicle.10"}`, rec.Body.String())
}

func TestAuth_Form(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	form := url.Values{"channel_name": {"tenant.1"}, "socket_id": {"1.2"}}
	req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channel":"tenant.1"}`, rec.Body.String())
}

func TestAuth_DeniedLooksTheSame(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	foreign := f.postJSON(`{"channel_name":"vehicle.20"}`)
	missing := f.postJSON(`{"channel_name":"vehicle.999"}`)
	otherUser := f.postJSON(`{"channel_name":"user.8"}`)

	for _, rec := range []*httptest.ResponseRecorder{foreign, missing, otherUser} {
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
	assert.Equal(t, foreign.Body.String(), missing.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(foreign.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body["error"])
	assert.Equal(t, deniedMessage, body["message"])
}

func TestAuth_Validation(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	assert.Equal(t, http.StatusUnprocessableEntity, f.postJSON(`{}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.postJSON(`{"channel_name":"tenant.1","extra":1}`).Code)
}

func TestAuth_Unauthenticated(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/broadcasting/auth", strings.NewReader(`{"channel_name":"tenant.1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Anonymous", "1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_Signature(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{AppKey: "key", AppSecret: "secret"})

	rec := f.postJSON(`{"channel_name":"private-user.7","socket_id":"123.456"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user.7", body.Channel)
	assert.Equal(t, "key:"+Sign("secret", "123.456", "private-user.7"), body.Auth)

	rec = f.postJSON(`{"channel_name":"private-user.7","socket_id":"abc"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSign(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1.2:private-tenant.1"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), Sign("secret", "1.2", "private-tenant.1"))
	assert.NotEqual(t, Sign("secret", "1.2", "private-tenant.1"), Sign("other", "1.2", "private-tenant.1"))
}

func wsURL(server *httptest.Server, channels ...string) string {
	q := url.Values{"channel": channels}
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/broadcasting/socket?" + q.Encode()
}

func TestSocket_ReceivesBroadcasts(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})
	server := httptest.NewServer(f.router)
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "private-tenant.1", "vehicle.10"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return f.hub.Subscribers("vehicle.10") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return testutil.ToFloat64(f.metrics.SocketSubscriptions) == 2 }, 2*time.Second, 10*time.Millisecond)

	msgs, err := Event{Name: EventVehicleStatusUpdated, Channels: []string{"vehicle.10", "vehicle.20"}, Data: map[string]int{"id": 10}}.Messages()
	require.NoError(t, err)
	require.NoError(t, f.hub.Publish(context.Background(), msgs...))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventVehicleStatusUpdated, got.Event)
	assert.Equal(t, "vehicle.10", got.Channel)
	assert.JSONEq(t, `{"id":10}`, string(got.Data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Subscribers("vehicle.10") == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return testutil.ToFloat64(f.metrics.SocketSubscriptions) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_DeniedBeforeUpgrade(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{})
	server := httptest.NewServer(f.router)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "tenant.1", "vehicle.20"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, f.hub.Subscribers("tenant.1"))

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestSocket_CheckOrigin(t *testing.T) {
	f := newHandlerFixture(t, HandlerConfig{AllowedOrigins: []string{"https://app.example.com"}})
	server := httptest.NewServer(f.router)
	defer server.Close()

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "tenant.1"), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header = http.Header{"Origin": {"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "tenant.1"), header)
	require.NoError(t, err)
	conn.Close()
}
