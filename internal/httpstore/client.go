// Package httpstore talks to a roomchat server's REST API. Client serves
// as the store behind a remote feed; Files serves as its blob store.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"roomchat/internal/blob"
	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultRefreshBefore = 5 * time.Minute
	refreshRetry         = 10 * time.Second
)

var (
	// ErrUnsupported is returned for operations only the server performs.
	ErrUnsupported = errors.New("httpstore: not supported by the remote store")
	ErrNoToken     = errors.New("httpstore: not joined")
	ErrNameTaken   = errors.New("httpstore: name already in use")
)

// StatusError is a non-2xx reply the client could not map to a store error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpstore: server returned %d: %s", e.Code, e.Message)
}

type Client struct {
	base          string
	http          *fasthttp.Client
	timeout       time.Duration
	refreshBefore time.Duration
	log           *zap.Logger
	now           func() time.Time

	// refreshMu serializes token refreshes.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	room    string
	name    string
	token   string
	expires time.Time
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRefreshBefore sets how long before expiry the token is refreshed.
func WithRefreshBefore(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.refreshBefore = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a client for the server at baseURL, e.g.
// "http://localhost:3001".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:          strings.TrimRight(baseURL, "/"),
		http:          &fasthttp.Client{MaxResponseBodySize: blob.MaxSize * 2},
		timeout:       defaultTimeout,
		refreshBefore: defaultRefreshBefore,
		log:           zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ store.Store = (*Client)(nil)

// Token returns the current join token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// NewRoom asks the server to create a room and returns its code.
func (c *Client) NewRoom(ctx context.Context) (string, error) {
	var res models.CreateRoomResponse
	if err := c.exchange(ctx, http.MethodPost, "/api/rooms", "", "", nil, &res); err != nil {
		return "", err
	}
	return res.Code, nil
}

// Join enters a room and keeps the returned token for later calls. An empty
// name lets the server pick one.
func (c *Client) Join(ctx context.Context, code, name string) (*models.JoinRoomResponse, error) {
	body, err := json.Marshal(models.JoinRoomRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("httpstore: encode request: %w", err)
	}
	var res models.JoinRoomResponse
	path := "/api/rooms/" + url.PathEscape(code) + "/join"
	if err := c.exchange(ctx, http.MethodPost, path, "", "application/json", body, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.room = res.Room
	c.mu.Unlock()
	c.adopt(&res)
	return &res, nil
}

func (c *Client) adopt(res *models.JoinRoomResponse) {
	c.mu.Lock()
	c.name, c.token, c.expires = res.Name, res.Token, res.ExpiresAt
	c.mu.Unlock()
}

// FreshToken returns a token that is not about to expire, refreshing it
// first when needed. It suits wsclient.WithTokenSource.
func (c *Client) FreshToken(ctx context.Context) (string, error) {
	if c.Token() == "" {
		return "", ErrNoToken
	}
	return c.refresh(ctx, false)
}

// Refresh trades the current token for a fresh one on the same session.
// A token past the server's refresh grace is replaced by joining the room
// again under the same name.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.refresh(ctx, true)
}

func (c *Client) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.expires.IsZero() && !c.now().Add(c.refreshBefore).Before(c.expires)
}

func (c *Client) refresh(ctx context.Context, force bool) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	room, name, tok := c.room, c.name, c.token
	c.mu.RUnlock()
	if tok == "" {
		return "", ErrNoToken
	}
	if !force && !c.stale() {
		return tok, nil
	}

	var res models.JoinRoomResponse
	err := c.exchange(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(room)+"/token", tok, "", nil, &res)
	if errors.Is(err, ErrNoToken) {
		c.log.Info("token_rejoin", zap.String("room", room), zap.String("name", name))
		joined, jerr := c.Join(ctx, room, name)
		if jerr != nil {
			return "", fmt.Errorf("httpstore: rejoin: %w", jerr)
		}
		return joined.Token, nil
	}
	if err != nil {
		return "", err
	}
	c.adopt(&res)
	c.log.Debug("token_refreshed", zap.Time("expires_at", res.ExpiresAt))
	return res.Token, nil
}

// KeepFresh refreshes the token shortly before each expiry until ctx ends,
// so an idle session keeps a usable token.
func (c *Client) KeepFresh(ctx context.Context) {
	for {
		c.mu.RLock()
		exp := c.expires
		c.mu.RUnlock()

		wait := time.Minute
		if !exp.IsZero() {
			wait = exp.Sub(c.now()) - c.refreshBefore
		}
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := c.FreshToken(ctx); err != nil && !errors.Is(err, ErrNoToken) && ctx.Err() == nil {
			c.log.Warn("token_refresh_failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(refreshRetry):
			}
		}
	}
}

// Rename changes the caller's name on the server and swaps in the reissued
// token. The feed calls it before renaming its trackers.
func (c *Client) Rename(ctx context.Context, name string) error {
	var res models.JoinRoomResponse
	if err := c.do(ctx, http.MethodPut, c.roomPath("/name"), models.JoinRoomRequest{Name: name}, &res); err != nil {
		return err
	}
	c.adopt(&res)
	return nil
}

func (c *Client) CreateRoom(ctx context.Context, code string) error {
	return ErrUnsupported
}

func (c *Client) Room(ctx context.Context, code string) (*models.Room, error) {
	var r models.Room
	if err := c.exchange(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(code), "", "", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) RoomExists(ctx context.Context, code string) (bool, error) {
	_, err := c.Room(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) DeleteRoom(ctx context.Context, code string) error {
	return ErrUnsupported
}

func (c *Client) ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, ErrUnsupported
}

// InsertMessage posts a message. The server stamps the sender from the
// token, so msg.Sender is informational.
func (c *Client) InsertMessage(ctx context.Context, msg models.NewMessage) (*models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, c.roomPath("/messages"), msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, room string) ([]models.Message, error) {
	var out []models.Message
	err := c.do(ctx, http.MethodGet, c.roomPath("/messages"), nil, &out)
	return out, err
}

func (c *Client) AddReaction(ctx context.Context, r models.Reaction) error {
	return c.do(ctx, http.MethodPost, c.roomPath("/reactions"),
		models.ReactionRequest{MessageID: r.MessageID, Emoji: r.Emoji}, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, r models.Reaction) error {
	return c.do(ctx, http.MethodDelete, c.roomPath("/reactions"),
		models.ReactionRequest{MessageID: r.MessageID, Emoji: r.Emoji}, nil)
}

func (c *Client) ListReactions(ctx context.Context, room string) ([]models.Reaction, error) {
	var out []models.Reaction
	err := c.do(ctx, http.MethodGet, c.roomPath("/reactions"), nil, &out)
	return out, err
}

func (c *Client) UpsertRead(ctx context.Context, r models.ReadReceipt) (bool, error) {
	var res models.UpsertReadResponse
	if err := c.do(ctx, http.MethodPut, c.roomPath("/reads"), models.ReadRequest{MessageID: r.MessageID}, &res); err != nil {
		return false, err
	}
	return res.Created, nil
}

func (c *Client) ListReads(ctx context.Context, room string) ([]models.ReadReceipt, error) {
	var out []models.ReadReceipt
	err := c.do(ctx, http.MethodGet, c.roomPath("/reads"), nil, &out)
	return out, err
}

// Files returns the blob store backed by the upload endpoint.
func (c *Client) Files() blob.Store { return files{c} }

type files struct{ c *Client }

func (f files) Upload(ctx context.Context, room string, u blob.Upload) (*models.FileRef, error) {
	if err := blob.Validate(u); err != nil {
		return nil, err
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, u.Name))
	h.Set("Content-Type", u.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(u.Data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var ref models.FileRef
	if err := f.c.send(ctx, http.MethodPost, f.c.roomPath("/files"), w.FormDataContentType(), body.Bytes(), &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (f files) DeleteRoom(ctx context.Context, room string) (int, error) {
	return 0, ErrUnsupported
}

func (c *Client) roomPath(suffix string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "/api/rooms/" + url.PathEscape(c.room) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpstore: encode request: %w", err)
		}
		body = data
		contentType = "application/json"
	}
	return c.send(ctx, method, path, contentType, body, out)
}

// send makes an authenticated call. The token is refreshed when it is
// close to expiry, and once more if the server still rejects it.
func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	tok, err := c.refresh(ctx, false)
	if errors.Is(err, ErrNoToken) {
		tok = ""
	} else if err != nil {
		return err
	}
	err = c.exchange(ctx, method, path, tok, contentType, body, out)
	if tok == "" || !errors.Is(err, ErrNoToken) {
		return err
	}
	if tok, err = c.Refresh(ctx); err != nil {
		return err
	}
	return c.exchange(ctx, method, path, tok, contentType, body, out)
}

// exchange performs one request, presenting token when it is not empty.
func (c *Client) exchange(ctx context.Context, method, path, token, contentType string, body []byte, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	if contentType != "" {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("httpstore: %s %s: %w", method, path, err)
	}

	code := resp.StatusCode()
	if code >= 300 {
		return statusError(code, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("httpstore: decode response: %w", err)
	}
	return nil
}

// statusError maps the server's status codes back onto store and blob
// errors so callers can use errors.Is as with a local store.
func statusError(code int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error

	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, msg)
	case http.StatusConflict:
		if strings.Contains(msg, "name") {
			return fmt.Errorf("%w: %s", ErrNameTaken, msg)
		}
		return fmt.Errorf("%w: %s", store.ErrDuplicate, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", store.ErrInvalid, msg)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", blob.ErrTooLarge, msg)
	case http.StatusUnsupportedMediaType:
		return fmt.Errorf("%w: %s", blob.ErrType, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrNoToken, msg)
	}
	return &StatusError{Code: code, Message: msg}
}
