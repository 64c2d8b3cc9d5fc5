// Package api is the client side of the transport: RPC calls over HTTP and
// the server push stream over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Client calls the server RPC surface
type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	timeout time.Duration
	log     *zap.SugaredLogger
}

type Option func(*Client)

// WithHTTPClient replaces the fasthttp client, e.g. to dial in-memory
func WithHTTPClient(hc *fasthttp.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout bounds calls whose context has no deadline
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Client) { c.log = logging.OrNop(l) } }

func New(serverURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(serverURL, "/") + "/api/v1",
		token:   token,
		http: &fasthttp.Client{
			Name:                "chatsync",
			MaxIdleConnDuration: time.Minute,
		},
		timeout: defaultTimeout,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SendMessage(ctx context.Context, in protocol.SendMessageInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodSendMessage, in)
}

func (c *Client) EditMessage(ctx context.Context, in protocol.EditMessageInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodEditMessage, in)
}

func (c *Client) DeleteMessages(ctx context.Context, in protocol.DeleteMessagesInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodDeleteMessages, in)
}

func (c *Client) AddReaction(ctx context.Context, in protocol.ReactionInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodAddReaction, in)
}

func (c *Client) DeleteReaction(ctx context.Context, in protocol.ReactionInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodDeleteReaction, in)
}

func (c *Client) SendComposeAction(ctx context.Context, in protocol.SendComposeActionInput) error {
	_, err := c.mutate(ctx, protocol.MethodSendComposeAction, in)
	return err
}

func (c *Client) AddParticipant(ctx context.Context, in protocol.ParticipantInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodAddParticipant, in)
}

func (c *Client) RemoveParticipant(ctx context.Context, in protocol.ParticipantInput) (protocol.UpdatesResult, error) {
	return c.mutate(ctx, protocol.MethodRemoveParticipant, in)
}

// History fetches one page of a chat, newest first. beforeID 0 means from
// the newest message; limit 0 uses the server default.
func (c *Client) History(ctx context.Context, peer protocol.Peer, beforeID int64, limit int) (protocol.HistoryResult, error) {
	q := url.Values{}
	q.Set("peer", peer.String())
	if beforeID > 0 {
		q.Set("before", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out protocol.HistoryResult
	err := c.do(ctx, fasthttp.MethodGet, "/history?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) mutate(ctx context.Context, method string, in any) (protocol.UpdatesResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return protocol.UpdatesResult{}, apperror.Validation("INVALID_INPUT", err.Error())
	}
	var out protocol.UpdatesResult
	err = c.do(ctx, fasthttp.MethodPost, "/rpc/"+method, body, &out)
	return out, err
}

// do performs one call. fasthttp only honours deadlines, so a cancelled
// context without a deadline stops the call from starting but not one
// already in flight.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return apperror.Network(err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return apperror.Timeout(err)
		}
		return apperror.Network(err)
	}

	c.log.Debugf("%s %s -> %d", method, path, resp.StatusCode())
	return decode(resp.StatusCode(), resp.Body(), out)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Kind    apperror.Kind   `json:"kind"`
}

// decode turns a response body back into data or an *apperror.Error
func decode(status int, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &apperror.Error{
			Kind:    kindForStatus(status),
			Code:    "BAD_RESPONSE",
			Message: fmt.Sprintf("unreadable response with status %d", status),
			Err:     err,
		}
	}

	if !env.Success || status >= http.StatusBadRequest {
		kind := env.Kind
		if kind == "" {
			kind = kindForStatus(status)
		}
		return &apperror.Error{Kind: kind, Code: env.Code, Message: env.Error}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperror.Internal(fmt.Errorf("decode response data: %w", err))
	}
	return nil
}

func kindForStatus(status int) apperror.Kind {
	switch {
	case status == http.StatusBadRequest:
		return apperror.KindValidation
	case status == http.StatusUnauthorized:
		return apperror.KindUnauthorized
	case status == http.StatusNotFound:
		return apperror.KindNotFound
	case status == http.StatusConflict:
		return apperror.KindConflict
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway:
		return apperror.KindInternal
	}
	// rate limits, gateways, proxies: try again later
	return apperror.KindNetwork
}
