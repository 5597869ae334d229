package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aranachat/room/room"
)

const (
	CodeOK   = "ok"
	CodeFail = "fail"
)

// Requests older or newer than this are refused.
const signWindow = 5 * time.Minute

// Admin is the operator HTTP surface of one node.
type Admin struct {
	node   *room.Node
	secret string
	now    func() time.Time
}

func NewAdmin(node *room.Node, secret string) *Admin {
	return &Admin{node: node, secret: secret, now: time.Now}
}

func (a *Admin) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/send", a.signed(http.MethodPost, a.send))
	m.HandleFunc("/react", a.signed(http.MethodPost, a.react))
	m.HandleFunc("/read", a.signed(http.MethodPost, a.read))
	m.HandleFunc("/upload", a.signed(http.MethodPost, a.upload))
	m.HandleFunc("/clear", a.signed(http.MethodPost, a.clear))
	m.HandleFunc("/expiration", a.signed(http.MethodPost, a.expiration))
	m.HandleFunc("/status", a.signed(http.MethodGet, a.status))
	m.HandleFunc("/history", a.signed(http.MethodGet, a.history))
	m.HandleFunc("/users", a.signed(http.MethodGet, a.users))
	m.HandleFunc("/errors", a.signed(http.MethodGet, a.recentErrors))
	m.Handle("/metrics", promhttp.Handler())
	return m
}

type adminResult struct {
	Code string      `json:"code"`
	Data interface{} `json:"data"`
}

func adminresp(log *zap.SugaredLogger, w http.ResponseWriter, status int, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(adminResult{Code: code, Data: data}); err != nil {
		log.Error("[ADMINRESP] encode:", err)
		return
	}
	log.Info("[ADMINRESP]", code)
}

type adminHandler func(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error)

// signed checks the method and the md5 signature over body and ts before
// running h.
func (a *Admin) signed(method string, h adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := zap.S().With("method", "admin", "path", r.URL.Path)
		defer r.Body.Close()
		if r.Method != method {
			adminresp(log, w, http.StatusMethodNotAllowed, CodeFail, "method")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			adminresp(log, w, http.StatusBadRequest, CodeFail, "read body")
			return
		}

		s := r.URL.Query().Get("sign")
		if s == "" {
			adminresp(log, w, http.StatusUnauthorized, CodeFail, "sign")
			return
		}
		ts := r.URL.Query().Get("ts")
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			adminresp(log, w, http.StatusUnauthorized, CodeFail, "ts")
			return
		}
		if d := a.now().Sub(time.Unix(sec, 0)); d > signWindow || d < -signWindow {
			adminresp(log, w, http.StatusUnauthorized, CodeFail, "ts")
			return
		}
		if !CheckSignMD5(a.secret, string(body), ts, s) {
			adminresp(log, w, http.StatusUnauthorized, CodeFail, "sign")
			return
		}

		data, err := h(r.Context(), log, body, r)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, errBadRequest), errors.Is(err, room.ErrValidation), errors.Is(err, room.ErrEmptyMessage),
				errors.Is(err, room.ErrUnknownMessage), errors.Is(err, room.ErrTransferTooLarge), errors.Is(err, room.ErrInvalidChunk):
				status = http.StatusBadRequest
			case errors.Is(err, room.ErrRateLimited):
				status = http.StatusTooManyRequests
			case errors.Is(err, room.ErrNoLeader), errors.Is(err, room.ErrStopped):
				status = http.StatusServiceUnavailable
			}
			log.Warn("[Admin] request failed:", err)
			adminresp(log, w, status, CodeFail, err.Error())
			return
		}
		adminresp(log, w, http.StatusOK, CodeOK, data)
	}
}

var errBadRequest = errors.New("bad request")

func decodeBody(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

type sendRequest struct {
	Content string         `json:"content"`
	ReplyTo *room.ReplyRef `json:"replyTo"`
}

func (a *Admin) send(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	req := sendRequest{}
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	m, err := a.node.Send(ctx, req.Content, req.ReplyTo)
	if err != nil {
		return nil, err
	}
	log.Info("[Admin] sent:", m.ID)
	return m, nil
}

type reactRequest struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

func (a *Admin) react(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	req := reactRequest{}
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	kind, err := room.ParseReaction(req.Reaction)
	if err != nil {
		return nil, err
	}
	return req.MessageID, a.node.React(ctx, req.MessageID, kind)
}

func (a *Admin) read(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	req := reactRequest{}
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return req.MessageID, a.node.MarkRead(ctx, req.MessageID)
}

// upload takes the raw payload as body and the mime type from the query.
func (a *Admin) upload(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	return a.node.Upload(ctx, r.URL.Query().Get("mime"), body)
}

func (a *Admin) clear(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	return nil, a.node.ClearHistory(ctx)
}

type expirationRequest struct {
	Minutes int `json:"minutes"`
}

func (a *Admin) expiration(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	req := expirationRequest{}
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	return req.Minutes, a.node.SetExpiration(ctx, req.Minutes)
}

func (a *Admin) status(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	s, err := a.node.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.History = nil
	s.Users = nil
	return s, nil
}

func (a *Admin) history(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	s, err := a.node.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.History, nil
}

func (a *Admin) users(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	s, err := a.node.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Users, nil
}

func (a *Admin) recentErrors(ctx context.Context, log *zap.SugaredLogger, body []byte, r *http.Request) (interface{}, error) {
	return a.node.RecentErrors(ctx)
}
