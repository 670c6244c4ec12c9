package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kintree/kintree/internal/server"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Client carries a Session over a websocket connection. All outbound frames
// go through a single write path; the read loop feeds the session.
type Client struct {
	conn    *websocket.Conn
	session *Session
	log     *log.Logger

	writeMu sync.Mutex

	done    chan struct{}
	readErr error
}

// Dial connects, authenticates with the first frame, and starts the read
// loop. The returned client's session fills in as events arrive; wait on
// Ready for admission.
func Dial(ctx context.Context, url, token, roomId string, logger *log.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		session: NewSession(),
		log:     logger,
		done:    make(chan struct{}),
	}

	if err := c.send(server.TypeAuth, server.AuthPayload{Token: token, RoomId: roomId}); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) Session() *Session {
	return c.session
}

// Ready blocks until the server admits the connection, the connection drops,
// or the context expires.
func (c *Client) Ready(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.session.Ready() {
			return nil
		}
		if errText := c.session.LastError(); errText != "" {
			return fmt.Errorf("admission refused: %s", errText)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if c.readErr != nil {
				return c.readErr
			}
			return fmt.Errorf("connection closed before admission")
		case <-ticker.C:
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = err
				c.log.Println("read:", err)
			}
			return
		}

		if err := c.session.HandleEvent(ev); err != nil {
			c.log.Println("handle event:", err)
		}
	}
}

func (c *Client) send(msgType string, data any) error {
	frame := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: msgType, Data: data}

	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// SendChat sends a chat message optimistically and returns the temp id used
// to track the echo.
func (c *Client) SendChat(body, replyTo string) (string, error) {
	tempId, payload := c.session.TrackSend(body, replyTo)
	if err := c.send(server.TypeChatMessage, payload); err != nil {
		return tempId, err
	}
	return tempId, nil
}

func (c *Client) EditMessage(messageId, newBody string) error {
	return c.send(server.TypeEditMessage, server.EditMessagePayload{MessageId: messageId, NewMessage: newBody})
}

func (c *Client) DeleteMessage(messageId string) error {
	return c.send(server.TypeDeleteMessage, server.MessageIdPayload{MessageId: messageId})
}

func (c *Client) AddReaction(messageId, emoji string) error {
	return c.send(server.TypeAddReaction, server.AddReactionPayload{MessageId: messageId, Emoji: emoji})
}

func (c *Client) MarkMessageRead(messageId string) error {
	return c.send(server.TypeMarkMessageRead, server.MessageIdPayload{MessageId: messageId})
}

// RequestTree asks for a fresh full snapshot.
func (c *Client) RequestTree() error {
	return c.send(server.TypeGetTree, nil)
}

func (c *Client) RequestChatHistory() error {
	return c.send(server.TypeGetChatHistory, nil)
}

func (c *Client) StartTyping(userName string) error {
	return c.send(server.TypeTypingStart, server.TypingPayload{UserName: userName})
}

func (c *Client) StopTyping() error {
	return c.send(server.TypeTypingStop, nil)
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return err
}
