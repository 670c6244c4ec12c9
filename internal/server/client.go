package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kintree/kintree/internal/stats"
	"github.com/kintree/kintree/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	// authWait bounds how long a fresh connection may sit unauthenticated.
	authWait = 10 * time.Second
)

// Client is one admitted transport session. It belongs to exactly one room,
// assigned during the auth handshake, and is never reused across rooms.
type Client struct {
	conn   *websocket.Conn
	cs     *CollabServer
	log    *log.Logger
	stats  stats.StatsProvider
	user   types.User
	role   types.Role
	room   *Room
	authed bool
	send   chan *ServerMessage
	stop   chan struct{}
}

func NewClient(conn *websocket.Conn, cs *CollabServer, l *log.Logger, sp stats.StatsProvider) *Client {
	return &Client{
		conn:  conn,
		cs:    cs,
		log:   l,
		stats: sp,
		send:  make(chan *ServerMessage, 256),
		stop:  make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			if !c.writeFrame(msg) {
				return
			}
		case <-c.stop:
			// flush anything already queued, the auth error path
			// depends on it
			for {
				select {
				case msg := <-c.send:
					if !c.writeFrame(msg) {
						return
					}
				default:
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) writeFrame(msg *ServerMessage) bool {
	bytes, err := json.Marshal(msg)
	if err != nil {
		c.log.Println("failed to serialize message:", err)
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage())
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		if !c.authed {
			if msg.Type != TypeAuth {
				c.queueMessage(ErrUnauthorized())
				c.stopClient()
				return
			}
			if !c.handleAuth(&msg) {
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		switch msg.Type {
		case TypeAuth:
			// already admitted, a second handshake is a protocol error
			c.queueMessage(ErrInvalidMessage())
		case TypeGetTree, TypeChatMessage, TypeEditMessage, TypeDeleteMessage,
			TypeAddReaction, TypeMarkMessageRead, TypeGetChatHistory,
			TypeTypingStart, TypeTypingStop:
			select {
			case c.room.inboundChan <- &msg:
			default:
				c.queueMessage(ErrServiceUnavailable())
				c.log.Printf("inbound channel full for room %q", c.room.externalId)
			}
		default:
			c.queueMessage(ErrInvalidMessage())
		}
	}
}

// handleAuth is the connection gateway: it validates the credential, resolves
// the caller's role for the requested room and registers the connection. The
// client is observable to the room only after role resolution succeeds.
func (c *Client) handleAuth(msg *ClientMessage) bool {
	var p AuthPayload
	if err := msg.decode(&p); err != nil || p.Token == "" || p.RoomId == "" {
		return c.rejectAuth(ErrInvalidMessage())
	}

	userId, err := c.cs.tokens.VerifyToken(p.Token)
	if err != nil {
		c.log.Println("auth: verify token:", err)
		return c.rejectAuth(ErrUnauthorized())
	}

	account, err := c.cs.db.GetAccountById(userId)
	if err != nil {
		c.log.Println("auth: get account:", err)
		return c.rejectAuth(ErrUnauthorized())
	}

	tree, err := c.cs.db.GetTreeByExternalId(p.RoomId)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Println("auth: get tree:", err)
		}
		return c.rejectAuth(ErrRoomNotFound())
	}

	membership, err := c.cs.db.GetMembership(account.Id, tree.Id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.log.Println("auth: get membership:", err)
		}
		return c.rejectAuth(ErrForbidden())
	}

	c.user = types.User{
		Id:           account.Id,
		Username:     account.Username,
		EmailAddress: account.EmailAddress,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
	c.role = types.Role(membership.Role)

	done := make(chan *Room, 1)
	select {
	case c.cs.joinChan <- &joinRequest{client: c, tree: tree, done: done}:
	default:
		c.log.Println("auth: join channel full")
		return c.rejectAuth(ErrServiceUnavailable())
	}

	room := <-done
	if room == nil {
		return c.rejectAuth(ErrInternalError())
	}

	c.room = room
	c.authed = true
	return true
}

// rejectAuth queues an error frame and shuts the connection down. Always
// returns false so handleAuth callers can return its result directly.
func (c *Client) rejectAuth(msg *ServerMessage) bool {
	c.queueMessage(msg)
	c.stopClient()
	return false
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Client) cleanup() {
	c.cs.DeregisterClient(c)
	if c.room != nil {
		select {
		case c.room.leaveChan <- c:
		case <-c.room.exited:
		}
	}
	c.stopClient()
}
