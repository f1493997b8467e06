package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// Transport carries requests to the sync server.
type Transport interface {
	Handshake(ctx context.Context, req types.HandshakeRequest) (types.HandshakeResponse, error)
	Pull(ctx context.Context, token string, req types.PullRequest) (types.PullResponse, error)
	Push(ctx context.Context, token string, req types.PushRequest) (types.PushResponse, error)
	Dial(ctx context.Context, token, workspaceID string) (Socket, error)
}

// Socket is the realtime duplex channel. Read blocks until a frame arrives
// or the socket closes.
type Socket interface {
	Read() (types.Frame, error)
	Send(frame types.Frame) error
	Close() error
}

// HTTPOptions configure an HTTPTransport.
type HTTPOptions struct {
	BaseURL string
	// UserID is forwarded in the user header on handshake, standing in for
	// the upstream authentication gateway.
	UserID     string
	UserHeader string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// HTTPTransport speaks JSON over HTTP and dials the realtime endpoint with
// gorilla/websocket.
type HTTPTransport struct {
	baseURL    string
	userID     string
	userHeader string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHTTPTransport creates a transport for the server at opts.BaseURL.
func NewHTTPTransport(opts HTTPOptions) (*HTTPTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.UserHeader == "" {
		opts.UserHeader = "X-User-Id"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &HTTPTransport{
		baseURL:    base,
		userID:     opts.UserID,
		userHeader: opts.UserHeader,
		httpClient: opts.HTTPClient,
		dialer:     opts.Dialer,
	}, nil
}

func (t *HTTPTransport) Handshake(ctx context.Context, req types.HandshakeRequest) (types.HandshakeResponse, error) {
	var resp types.HandshakeResponse
	headers := map[string]string{}
	if t.userID != "" {
		headers[t.userHeader] = t.userID
	}
	err := t.doRequest(ctx, http.MethodPost, "/sync/handshake", headers, req, &resp)
	return resp, err
}

func (t *HTTPTransport) Pull(ctx context.Context, token string, req types.PullRequest) (types.PullResponse, error) {
	var resp types.PullResponse
	err := t.doRequest(ctx, http.MethodPost, "/sync/pull", bearer(token), req, &resp)
	return resp, err
}

func (t *HTTPTransport) Push(ctx context.Context, token string, req types.PushRequest) (types.PushResponse, error) {
	var resp types.PushResponse
	err := t.doRequest(ctx, http.MethodPost, "/sync/push", bearer(token), req, &resp)
	return resp, err
}

// Presence fetches the presence list of a workspace.
func (t *HTTPTransport) Presence(ctx context.Context, token, workspaceID string) (types.PresenceList, error) {
	var resp types.PresenceList
	path := "/sync/presence?workspaceId=" + url.QueryEscape(workspaceID)
	err := t.doRequest(ctx, http.MethodGet, path, bearer(token), nil, &resp)
	return resp, err
}

func (t *HTTPTransport) Dial(ctx context.Context, token, workspaceID string) (Socket, error) {
	target := t.baseURL + "/sync/ws?" + url.Values{"token": {token}, "workspaceId": {workspaceID}}.Encode()
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, &syncerr.HTTPError{StatusCode: resp.StatusCode, Message: "realtime dial rejected"}
		}
		return nil, fmt.Errorf("%w: dial realtime: %v", syncerr.ErrTransientTransport, err)
	}
	return &wsSocket{conn: conn}, nil
}

func (t *HTTPTransport) doRequest(ctx context.Context, method, path string, headers map[string]string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", syncerr.ErrTransientTransport, method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", syncerr.ErrTransientTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &syncerr.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var errResp types.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			httpErr.Code = errResp.Code
			httpErr.Message = errResp.Error
			httpErr.Conflict = errResp.Conflict
		}
		return httpErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) Read() (types.Frame, error) {
	var frame types.Frame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return types.Frame{}, err
	}
	return frame, nil
}

func (s *wsSocket) Send(frame types.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(frame)
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
