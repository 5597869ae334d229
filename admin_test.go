package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aranachat/room/room"
	"github.com/aranachat/room/store"
	"github.com/aranachat/room/transport"
)

const testSecret = "secret"

func startAdmin(t *testing.T) (*httptest.Server, *room.Node) {
	t.Helper()
	node, err := room.New(room.Options{
		Room:      "ops",
		Name:      "operator",
		Transport: transport.NewNetwork(),
		Store:     store.NewMemory(),
		Presenter: logPresenter{log: zap.NewNop().Sugar()},
		Log:       zap.NewNop().Sugar(),
		Protocol:  room.Protocol{RetryDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-node.Done()
	})

	assert.Eventually(t, func() bool {
		s, err := node.Snapshot(ctx)
		return err == nil && s.Role == room.PrimaryLeader
	}, 2*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(NewAdmin(node, testSecret).Handler())
	t.Cleanup(srv.Close)
	return srv, node
}

type response struct {
	Status int
	Result struct {
		Code string          `json:"code"`
		Data json.RawMessage `json:"data"`
	}
}

func do(t *testing.T, srv *httptest.Server, method, path string, query url.Values, body []byte, ts time.Time) response {
	t.Helper()
	sec := strconv.FormatInt(ts.Unix(), 10)
	if query == nil {
		query = url.Values{}
	}
	query.Set("ts", sec)
	query.Set("sign", SignMD5(testSecret, string(body), sec))

	req, err := http.NewRequest(method, srv.URL+path+"?"+query.Encode(), bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := response{Status: resp.StatusCode}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r.Result))
	return r
}

func TestAdminSendAndHistory(t *testing.T) {
	srv, _ := startAdmin(t)
	now := time.Now()

	r := do(t, srv, http.MethodPost, "/send", nil, []byte(`{"content":"hello"}`), now)
	require.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, CodeOK, r.Result.Code)

	var sent room.Message
	require.NoError(t, json.Unmarshal(r.Result.Data, &sent))
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, room.StatusDelivered, sent.Status)

	r = do(t, srv, http.MethodGet, "/history", nil, nil, now)
	require.Equal(t, http.StatusOK, r.Status)
	var history []room.Message
	require.NoError(t, json.Unmarshal(r.Result.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)

	r = do(t, srv, http.MethodPost, "/react", nil, []byte(`{"messageId":"`+sent.ID+`","reaction":"like"}`), now)
	assert.Equal(t, http.StatusOK, r.Status)

	r = do(t, srv, http.MethodGet, "/status", nil, nil, now)
	require.Equal(t, http.StatusOK, r.Status)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Result.Data, &status))
	assert.Equal(t, "primary", status["role"])
	assert.Equal(t, "ops_admin1", status["identity"])
}

func TestAdminRejects(t *testing.T) {
	srv, _ := startAdmin(t)
	now := time.Now()

	t.Run("method", func(t *testing.T) {
		r := do(t, srv, http.MethodGet, "/send", nil, nil, now)
		assert.Equal(t, http.StatusMethodNotAllowed, r.Status)
		assert.Equal(t, CodeFail, r.Result.Code)
	})

	t.Run("stale ts", func(t *testing.T) {
		r := do(t, srv, http.MethodGet, "/status", nil, nil, now.Add(-10*time.Minute))
		assert.Equal(t, http.StatusUnauthorized, r.Status)
	})

	t.Run("bad sign", func(t *testing.T) {
		sec := strconv.FormatInt(now.Unix(), 10)
		resp, err := srv.Client().Get(srv.URL + "/status?ts=" + sec + "&sign=00")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad body", func(t *testing.T) {
		r := do(t, srv, http.MethodPost, "/send", nil, []byte(`not json`), now)
		assert.Equal(t, http.StatusBadRequest, r.Status)
	})

	t.Run("empty message", func(t *testing.T) {
		r := do(t, srv, http.MethodPost, "/send", nil, []byte(`{"content":""}`), now)
		assert.Equal(t, http.StatusBadRequest, r.Status)
	})

	t.Run("negative expiration", func(t *testing.T) {
		r := do(t, srv, http.MethodPost, "/expiration", nil, []byte(`{"minutes":-1}`), now)
		assert.Equal(t, http.StatusBadRequest, r.Status)
	})

	t.Run("upload not an image", func(t *testing.T) {
		r := do(t, srv, http.MethodPost, "/upload", url.Values{"mime": {"text/plain"}}, []byte("abc"), now)
		assert.Equal(t, http.StatusBadRequest, r.Status)
	})
}

func TestAdminUpload(t *testing.T) {
	srv, node := startAdmin(t)

	r := do(t, srv, http.MethodPost, "/upload", url.Values{"mime": {"image/png"}}, []byte("\x89PNG-data"), time.Now())
	require.Equal(t, http.StatusOK, r.Status)
	var id string
	require.NoError(t, json.Unmarshal(r.Result.Data, &id))

	img, ok, err := node.Image(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("\x89PNG-data"), img.Data)
}
