package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/types"
)

const (
	// closeAuthFailed is sent by the server when the bearer token is wrong
	closeAuthFailed = 4003

	apiTimeout     = 10 * time.Second
	reconnectDelay = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

// MessageHandler receives every parsed inbound message
type MessageHandler func(*types.InboundMessage)

// Client is a OneBot v11 websocket client. It reconnects on drop and
// matches API responses to calls by echo id.
type Client struct {
	url     string
	token   string
	handler MessageHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	selfID  string

	pendingMu sync.Mutex
	pending   map[string]chan apiResponse

	stopChan chan struct{}
	running  bool
}

type apiResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

type apiCall struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo"`
}

// NewClient creates a client for a OneBot websocket endpoint
func NewClient(url, token string, handler MessageHandler) *Client {
	return &Client{
		url:     url,
		token:   token,
		handler: handler,
		pending: make(map[string]chan apiResponse),
	}
}

// Start connects and keeps reading until Stop. The first connect is
// synchronous so startup fails fast on a bad endpoint or token.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	if err := c.connect(); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

// Stop closes the connection and halts reconnects
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopChan)
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) connect() error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("onebot auth rejected: %w", err)
		}
		return fmt.Errorf("onebot dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	logging.Info("onebot", "connected to %s", c.url)
	return nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, closeAuthFailed) {
				logging.Warn("onebot", "closed 4003: authentication failed, not retrying")
				return
			}
			select {
			case <-c.stopChan:
				return
			default:
			}
			logging.Warn("onebot", "read failed, reconnecting in %v: %v", reconnectDelay, err)
			c.failPending()
			time.Sleep(reconnectDelay)
			if cerr := c.connect(); cerr != nil {
				logging.Warn("onebot", "reconnect failed: %v", cerr)
			}
			continue
		}
		c.dispatch(data)
	}
}

// dispatch routes a frame: echo responses to their waiters, events to
// the handler
func (c *Client) dispatch(data []byte) {
	var head struct {
		PostType string `json:"post_type"`
		Echo     string `json:"echo"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		logging.Debug("onebot", "unparseable frame: %v", err)
		return
	}

	if head.Echo != "" {
		var resp apiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.Echo]
		delete(c.pending, resp.Echo)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	switch head.PostType {
	case "message":
		c.handleMessageEvent(data)
	case "meta_event":
		c.handleMetaEvent(data)
	}
}

func (c *Client) handleMetaEvent(data []byte) {
	var ev struct {
		MetaEventType string `json:"meta_event_type"`
		SelfID        int64  `json:"self_id"`
	}
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	if ev.SelfID != 0 {
		c.mu.Lock()
		c.selfID = strconv.FormatInt(ev.SelfID, 10)
		c.mu.Unlock()
	}
}

func (c *Client) handleMessageEvent(data []byte) {
	var ev messageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logging.Debug("onebot", "bad message event: %v", err)
		return
	}
	if ev.SelfID != 0 {
		c.mu.Lock()
		c.selfID = strconv.FormatInt(ev.SelfID, 10)
		c.mu.Unlock()
	}

	msg := ev.toInbound(c.SelfID())
	if msg == nil || c.handler == nil {
		return
	}

	if msg.ReplyTo != "" || msg.UserName == "" {
		// Enrichment makes API calls whose responses arrive on this
		// same read loop, so it must run off it
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
			defer cancel()
			enrichInbound(ctx, c, msg)
			c.handler(msg)
		}()
		return
	}
	c.handler(msg)
}

// infoAPI is the slice of the OneBot API used to enrich inbound
// messages before they reach the handler
type infoAPI interface {
	GetMsg(ctx context.Context, messageID string) (string, error)
	GetGroupMemberInfo(ctx context.Context, groupID, userID string) (string, error)
	GetStrangerInfo(ctx context.Context, userID string) (string, error)
}

// enrichInbound inlines the quoted message a reply segment points at
// and fills a missing sender name from the member/stranger APIs
func enrichInbound(ctx context.Context, api infoAPI, msg *types.InboundMessage) {
	if msg.ReplyTo != "" {
		if quoted, err := api.GetMsg(ctx, msg.ReplyTo); err != nil {
			logging.Debug("onebot", "reply %s not resolved: %v", msg.ReplyTo, err)
		} else if quoted != "" {
			msg.Text = "[回复 " + quoted + "] " + msg.Text
		}
	}
	if msg.UserName == "" {
		var name string
		var err error
		if msg.IsGroup {
			name, err = api.GetGroupMemberInfo(ctx, msg.GroupID, msg.UserID)
		} else {
			name, err = api.GetStrangerInfo(ctx, msg.UserID)
		}
		if err != nil {
			logging.Debug("onebot", "name lookup for %s failed: %v", msg.UserID, err)
		} else if name != "" {
			msg.UserName = name
		}
	}
}

// SelfID returns the bot's own account id once known
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// call performs one echo-matched API request
func (c *Client) call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	echo := uuid.NewString()
	ch := make(chan apiResponse, 1)

	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(apiCall{Action: action, Params: params, Echo: echo})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s write: %w", action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", action, ctx.Err())
	case resp := <-ch:
		if resp.Status == "failed" {
			return nil, fmt.Errorf("%s failed: retcode %d", action, resp.RetCode)
		}
		return resp.Data, nil
	}
}

// failPending errors out all in-flight calls after a disconnect
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for echo, ch := range c.pending {
		select {
		case ch <- apiResponse{Status: "failed", RetCode: -1}:
		default:
		}
		delete(c.pending, echo)
	}
}

// Send delivers an outbound message via send_msg
func (c *Client) Send(ctx context.Context, msg types.OutboundMessage) error {
	params := map[string]interface{}{"message": msg.Content}
	if msg.IsGroup {
		params["message_type"] = "group"
		params["group_id"] = msg.TargetID
	} else {
		params["message_type"] = "private"
		params["user_id"] = msg.TargetID
	}
	_, err := c.call(ctx, "send_msg", params)
	return err
}

// GetMsg resolves a message id, used for reply references
func (c *Client) GetMsg(ctx context.Context, messageID string) (string, error) {
	data, err := c.call(ctx, "get_msg", map[string]interface{}{"message_id": messageID})
	if err != nil {
		return "", err
	}
	var out struct {
		Message []Segment `json:"message"`
		Sender  struct {
			Nickname string `json:"nickname"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	pc := parseSegments(out.Message, c.SelfID())
	return out.Sender.Nickname + ": " + pc.text, nil
}

// GetGroupMemberInfo fetches a member's card/nickname
func (c *Client) GetGroupMemberInfo(ctx context.Context, groupID, userID string) (string, error) {
	data, err := c.call(ctx, "get_group_member_info", map[string]interface{}{
		"group_id": groupID, "user_id": userID,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Card     string `json:"card"`
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	if out.Card != "" {
		return out.Card, nil
	}
	return out.Nickname, nil
}

// GetStrangerInfo fetches a user's nickname outside any group
func (c *Client) GetStrangerInfo(ctx context.Context, userID string) (string, error) {
	data, err := c.call(ctx, "get_stranger_info", map[string]interface{}{"user_id": userID})
	if err != nil {
		return "", err
	}
	var out struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.Nickname, nil
}
