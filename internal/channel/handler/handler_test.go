package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humanagencyorg/twilio-stub/pkg/dialog"
	"github.com/humanagencyorg/twilio-stub/pkg/media"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

const testSchema = `{"tasks":[
  {"uniqueName":"greeting","actions":[{"say":"hello"}]},
  {"uniqueName":"menu","actions":[{"show":{"body":"Menu","images":[{"url":"https://cdn.example.com/media/m1"}]}}]},
  {"uniqueName":"ask","actions":[{"collect":{"name":"c","questions":[{"name":"q","question":"Name?"}]}}]}
]}`

type testServer struct {
	t       *testing.T
	st      *store.Memory
	reg     *media.MemoryRegistry
	handler *Handler
	srv     *httptest.Server
}

func newTestServer(t *testing.T, doc string, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{t: t, st: store.NewMemory(), reg: media.NewMemoryRegistry()}
	if doc != "" {
		s, err := schema.Decode([]byte(doc))
		require.NoError(t, err)
		require.NoError(t, schema.Save(t.Context(), ts.st, s))
	}
	engine := dialog.NewEngine(ts.st, nil,
		dialog.WithMedia(ts.reg),
		dialog.WithPacer(dialog.PacerFunc(func(context.Context, time.Duration) error { return nil })),
	)
	opts = append([]Option{WithTurnDelay(0)}, opts...)
	ts.handler = NewHandler(ts.st, engine, ts.reg, opts...)
	ts.srv = httptest.NewServer(ts.handler.Routes())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) postForm(path string, form url.Values) *http.Response {
	ts.t.Helper()
	resp, err := http.PostForm(ts.srv.URL+path, form)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) do(method, path, contentType, body string) *http.Response {
	ts.t.Helper()
	req, err := http.NewRequestWithContext(ts.t.Context(), method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(ts.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func channelToken(t *testing.T, identity, chatSid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"grants": map[string]any{
			"identity": identity,
			"chat":     map[string]any{"service_sid": chatSid},
		},
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func TestCustomMessageRunsTurn(t *testing.T) {
	ts := newTestServer(t, testSchema)

	resp := ts.postForm("/v2/AC1/UA1/custom/sess1", url.Values{"Text": {"hi"}, "UserId": {"u-42"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[CustomResponse](t, resp)
	require.Len(t, body.Response.Says, 1)
	assert.Equal(t, "hello", body.Response.Says[0].Text)

	userID, err := store.GetString(t.Context(), ts.st, store.UserIDKey("sess1"))
	require.NoError(t, err)
	assert.Equal(t, "u-42", userID)

	msgs, err := dialog.History(t.Context(), ts.st, "sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "sess1", msgs[0].Author)
	assert.Equal(t, dialog.BotAuthor, msgs[1].Author)
}

func TestCustomMessageTargetTask(t *testing.T) {
	ts := newTestServer(t, testSchema)
	ts.reg.Set("m1", "https://origin.example.com/menu.png")

	resp := ts.postForm("/v2/AC1/UA1/custom/sess1", url.Values{"Text": {"hi"}, "TargetTask": {"menu"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Menu", decode[CustomResponse](t, resp).Response.Says[0].Text)

	last, ok, err := dialog.LastMessage(t.Context(), ts.st, "sess1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://origin.example.com/menu.png", last.MediaURL)
}

func TestCustomMessageFallback(t *testing.T) {
	ts := newTestServer(t, testSchema)

	resp := ts.postForm("/v2/AC1/UA1/custom/sess1", url.Values{"Text": {"fallback"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback", decode[FallbackResponse](t, resp).CurrentTask)

	msgs, err := dialog.History(t.Context(), ts.st, "sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "fallback must not run a turn")
}

func TestCustomMessageTurnErrors(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.postForm("/v2/AC1/UA1/custom/sess1", url.Values{"Text": {"hi"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, resp).Error, "no schema")
}

func TestJSAPIChannelFlow(t *testing.T) {
	ts := newTestServer(t, testSchema)

	token := channelToken(t, "visitor-1", "IS123")
	resp := ts.do(http.MethodGet, "/js_api/channels/web1?token="+url.QueryEscape(token), "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ch Channel
	ok, err := store.GetJSON(t.Context(), ts.st, store.ChannelKey("web1"), &ch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Channel{Name: "web1", CustomerID: "visitor-1", ChatID: "IS123"}, ch)

	resp = ts.postForm("/v2/Services/UA1/Channels/web1/Webhooks", url.Values{
		"Configuration.Url": {"https://bot.example.com/custom?TargetTask=ask"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/js_api/channels/web1/messages", "application/json", `{"message":"hey"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.handler.Wait()

	resp = ts.do(http.MethodGet, "/js_api/channels/web1/messages", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	last := decode[LastMessageResponse](t, resp)
	require.NotNil(t, last.Message)
	assert.Equal(t, "Name?", last.Message.Body)
	assert.Equal(t, dialog.BotAuthor, last.Message.Author)

	resp = ts.do(http.MethodPost, "/js_api/channels/web1/messages", "application/json", `{"message":"Ada"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.handler.Wait()

	state, err := dialog.LoadState(t.Context(), ts.st, "web1")
	require.NoError(t, err)
	assert.Equal(t, dialog.NotStarted, state.Phase())

	msgs, err := dialog.History(t.Context(), ts.st, "web1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "visitor-1", msgs[2].Author)
}

func TestJSAPIOpenResetsMessages(t *testing.T) {
	ts := newTestServer(t, testSchema)
	_, err := dialog.AppendCustomerMessage(t.Context(), ts.st, "web1", "x", "old")
	require.NoError(t, err)

	resp := ts.do(http.MethodGet, "/js_api/channels/web1?token="+channelToken(t, "v", ""), "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/js_api/channels/web1/messages", "", "")
	assert.Nil(t, decode[LastMessageResponse](t, resp).Message)
}

func TestJSAPIErrors(t *testing.T) {
	ts := newTestServer(t, testSchema)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "missing token", method: http.MethodGet, path: "/js_api/channels/c1", want: http.StatusBadRequest},
		{name: "garbage token", method: http.MethodGet, path: "/js_api/channels/c1?token=abc", want: http.StatusBadRequest},
		{name: "unopened channel", method: http.MethodPost, path: "/js_api/channels/c1/messages", body: `{"message":"x"}`, want: http.StatusNotFound},
		{name: "bad body", method: http.MethodPost, path: "/js_api/channels/c1/messages", body: `{`, want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(tc.method, tc.path, "application/json", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestChannelWebhookRequiresTargetTask(t *testing.T) {
	ts := newTestServer(t, testSchema)

	resp := ts.postForm("/v2/Services/UA1/Channels/c1/Webhooks", url.Values{"Configuration.Url": {"https://x.example.com/"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAssistantAdminFlow(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.postForm("/v1/Assistants", url.Values{"FriendlyName": {"Bot"}, "UniqueName": {"bot"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[SidResponse](t, resp)
	assert.True(t, strings.HasPrefix(created.Sid, assistantSidPrefix))
	assert.Equal(t, "bot", created.UniqueName)

	resp = ts.postForm("/v1/Assistants/"+created.Sid+"/Tasks", url.Values{
		"UniqueName": {"greeting"},
		"Actions":    {`{"actions":[{"say":"hi from admin"}]}`},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[SidResponse](t, resp)
	assert.True(t, strings.HasPrefix(task.Sid, taskSidPrefix))

	resp = ts.postForm("/v1/Assistants/"+created.Sid+"/Tasks/"+task.Sid+"/Samples", url.Values{
		"Language": {"en-US"}, "TaggedText": {"yo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sample := decode[SidResponse](t, resp)
	assert.True(t, strings.HasPrefix(sample.Sid, sampleSidPrefix))

	resp = ts.postForm("/v1/Assistants/"+created.Sid+"/StyleSheet", url.Values{
		"StyleSheet": {`{"style_sheet":{"collect":{"validate":{"on_failure":{"repeat_question":true}}}}}`},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.postForm("/v1/Assistants/"+created.Sid+"/Defaults", url.Values{
		"Defaults": {`{"defaults":{"assistant_initiation":"task://greeting"}}`},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s, err := schema.Load(t.Context(), ts.st)
	require.NoError(t, err)
	assert.Equal(t, "bot", s.UniqueName)
	assert.Equal(t, "Bot", s.FriendlyName)
	got, ok := s.FindTaskBySample("yo")
	require.True(t, ok)
	assert.Equal(t, "greeting", got.UniqueName)
	_, repeat := s.FailureDefaults()
	assert.True(t, repeat)
	assert.JSONEq(t, `{"defaults":{"assistant_initiation":"task://greeting"}}`, string(s.Defaults))

	resp = ts.postForm("/v2/AC1/"+created.Sid+"/custom/s1", url.Values{"Text": {"yo"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi from admin", decode[CustomResponse](t, resp).Response.Says[0].Text)

	resp = ts.do(http.MethodDelete, "/v1/Assistants/"+created.Sid+"/Tasks/"+task.Sid+"/Samples/"+sample.Sid, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s, err = schema.Load(t.Context(), ts.st)
	require.NoError(t, err)
	_, ok = s.FindTaskBySample("yo")
	assert.False(t, ok)

	resp = ts.do(http.MethodDelete, "/v1/Assistants/"+created.Sid+"/Tasks/"+task.Sid, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s, err = schema.Load(t.Context(), ts.st)
	require.NoError(t, err)
	assert.Empty(t, s.Tasks)

	resp = ts.postForm("/v1/Assistants/"+created.Sid, url.Values{"DevelopmentStage": {"in-production"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a Assistant
	_, err = store.GetJSON(t.Context(), ts.st, assistantKey, &a)
	require.NoError(t, err)
	assert.Equal(t, "in-production", a.DevelopmentStage)
}

func TestAssistantAdminErrors(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.postForm("/v1/Assistants/UA1/Tasks", url.Values{"UniqueName": {"x"}, "Actions": {`[]`}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no schema yet")

	resp = ts.postForm("/v1/Assistants", url.Values{"UniqueName": {"bot"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.postForm("/v1/Assistants/UA1/Tasks", url.Values{"UniqueName": {"x"}, "Actions": {`[{"dance":{}}]`}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.postForm("/v1/Assistants/UA1/Tasks/UDnope/Samples", url.Values{"TaggedText": {"x"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.postForm("/v1/Assistants/UA1/StyleSheet", url.Values{"StyleSheet": {"{"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateSchema(t *testing.T) {
	ts := newTestServer(t, "")

	payload, err := json.Marshal(UpdateSchemaRequest{Schema: testSchema})
	require.NoError(t, err)
	resp := ts.do(http.MethodPost, "/autopilot/update", "application/json", string(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s, err := schema.Load(t.Context(), ts.st)
	require.NoError(t, err)
	assert.Len(t, s.Tasks, 3)

	resp = ts.do(http.MethodPost, "/autopilot/update", "application/json", `{"schema":"{\"tasks\":[{\"uniqueName\":\"x\",\"actions\":[{}]}]}"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMediaAndReset(t *testing.T) {
	ts := newTestServer(t, testSchema)

	resp := ts.do(http.MethodPut, "/media/m1", "application/x-www-form-urlencoded", url.Values{"url": {"https://o.example.com/a.png"}}.Encode())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	origin, ok := ts.reg.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "https://o.example.com/a.png", origin)

	resp = ts.do(http.MethodDelete, "/store", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err := schema.Load(t.Context(), ts.st)
	assert.ErrorIs(t, err, schema.ErrNoSchema)
}

func TestAdminMiddleware(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	ts := newTestServer(t, testSchema, WithAdminMiddleware(deny))

	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodDelete, "/store", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", "", "").StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, testSchema, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})))
	resp := ts.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type countingResolver struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (c *countingResolver) Resolve(context.Context, dialog.Turn) error {
	if c.active.Add(1) > 1 {
		c.overlap.Store(true)
	}
	time.Sleep(5 * time.Millisecond)
	c.active.Add(-1)
	return nil
}

func TestTurnsSerializedPerChannel(t *testing.T) {
	res := &countingResolver{}
	h := NewHandler(store.NewMemory(), res, media.NewMemoryRegistry())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.runTurn(t.Context(), dialog.Turn{Channel: "same"})
		}()
	}
	wg.Wait()

	assert.False(t, res.overlap.Load(), "turns of one channel overlapped")
	assert.Empty(t, h.locks.locks, "channel locks leaked")
}
