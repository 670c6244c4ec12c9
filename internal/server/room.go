package server

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/kintree/kintree/internal/database"
	"github.com/kintree/kintree/internal/stats"
	"github.com/kintree/kintree/internal/types"
)

const (
	idleRoomTimeout = time.Second * 5
	// typingTimeout is the silence window after which a typing indicator is
	// expired and a stop event synthesized.
	typingTimeout = time.Second * 3
)

type exitReq struct {
	// force skips the occupancy check; used for server shutdown.
	force bool
	done  chan bool
}

type typingEntry struct {
	userName string
	timer    *time.Timer
	// gen distinguishes the live timer from any expiry an earlier one
	// already queued before a refresh.
	gen uint64
}

type typingExpiry struct {
	userId int
	gen    uint64
}

// Room owns all mutable state for one tree's collaboration session. Every
// command, broadcast and typing expiry funnels through its goroutine, so
// unrelated rooms never contend and room state needs no locking.
type Room struct {
	id                int
	externalId        string
	cs                *CollabServer
	joinChan          chan *joinRequest
	leaveChan         chan *Client
	inboundChan       chan *ClientMessage
	relayChan         chan string
	typingExpiredChan chan typingExpiry
	exit              chan exitReq
	exited            chan struct{}
	clients           map[*Client]struct{}
	userMap           map[int]map[*Client]struct{}
	typing            map[int]*typingEntry
	log               *log.Logger
	stats             stats.StatsProvider
	killTimer         *time.Timer
}

func newRoom(cs *CollabServer, tree database.Tree) *Room {
	return &Room{
		id:                tree.Id,
		externalId:        tree.ExternalId,
		cs:                cs,
		joinChan:          make(chan *joinRequest, 256),
		leaveChan:         make(chan *Client, 256),
		inboundChan:       make(chan *ClientMessage, 256),
		relayChan:         make(chan string, 256),
		typingExpiredChan: make(chan typingExpiry, 256),
		exit:              make(chan exitReq),
		exited:            make(chan struct{}),
		clients:           make(map[*Client]struct{}),
		userMap:           make(map[int]map[*Client]struct{}),
		typing:            make(map[int]*typingEntry),
		log:               cs.log,
		stats:             cs.stats,
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case client := <-r.leaveChan:
			r.handleLeave(client)
		case msg := <-r.inboundChan:
			r.dispatch(msg)
		case kind := <-r.relayChan:
			r.handleMutation(kind)
		case exp := <-r.typingExpiredChan:
			r.handleTypingExpired(exp)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

func (r *Room) dispatch(msg *ClientMessage) {
	switch msg.Type {
	case TypeGetTree:
		r.handleGetTree(msg)
	case TypeChatMessage:
		r.handleChatMessage(msg)
	case TypeEditMessage:
		r.handleEditMessage(msg)
	case TypeDeleteMessage:
		r.handleDeleteMessage(msg)
	case TypeAddReaction:
		r.handleAddReaction(msg)
	case TypeMarkMessageRead:
		r.handleMarkMessageRead(msg)
	case TypeGetChatHistory:
		r.handleGetChatHistory(msg)
	case TypeTypingStart:
		r.handleTypingStart(msg)
	case TypeTypingStop:
		r.handleTypingStop(msg)
	}
}

func (r *Room) handleJoin(join *joinRequest) {
	r.killTimer.Stop()

	c := join.client
	firstSession := r.userMap[c.user.Id] == nil
	r.addClient(c)

	c.queueMessage(NewServerMessage(TypeInit, InitData{
		RoomId: r.externalId,
		Role:   c.role,
		User:   c.user,
	}))

	if firstSession {
		r.broadcast(&ServerMessage{
			Type:       TypeSystemMessage,
			Data:       SystemMessageData{Text: fmt.Sprintf("%s joined", c.user.Username)},
			SkipClient: c,
		})
	}

	join.done <- r
}

func (r *Room) handleLeave(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}

	r.log.Printf("removing client %q from room %q", c.user.Username, r.externalId)
	delete(r.clients, c)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
			// a vanished user cannot still be typing
			r.stopTyping(c.user.Id, true)
			r.broadcast(&ServerMessage{
				Type: TypeSystemMessage,
				Data: SystemMessageData{Text: fmt.Sprintf("%s left", c.user.Username)},
			})
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) addClient(c *Client) {
	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- r.externalId:
	default:
		// registry busy, try again next cycle
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// handleRoomExit tears the room down, unless a client was admitted after the
// idle unload request was queued. A declined unload leaves the room running
// and the registry keeps it.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.force && len(r.clients) > 0 {
		r.log.Printf("room %q is occupied again, declining unload", r.externalId)
		if e.done != nil {
			e.done <- false
		}
		return false
	}

	r.log.Printf("room %q is exiting", r.externalId)
	for _, entry := range r.typing {
		entry.timer.Stop()
	}

	close(r.exited)

	if e.done != nil {
		e.done <- true
	}
	return true
}

// handleGetTree answers a snapshot request from a single client.
func (r *Room) handleGetTree(msg *ClientMessage) {
	snapshot, err := r.snapshot()
	if err != nil {
		r.log.Println("snapshot:", err)
		msg.client.queueMessage(ErrInternalError())
		return
	}

	msg.client.queueMessage(NewServerMessage(TypeAllPersons, snapshot))
}

// handleMutation republishes a committed tree mutation to every admitted
// connection, originator included, as a full replacement snapshot.
func (r *Room) handleMutation(kind string) {
	snapshot, err := r.snapshot()
	if err != nil {
		r.log.Println("snapshot:", err)
		return
	}

	r.broadcast(NewServerMessage(kind, snapshot))
}

func (r *Room) snapshot() (types.TreeSnapshot, error) {
	persons, err := r.cs.db.GetPersonsWithRelations(r.id)
	if err != nil {
		return types.TreeSnapshot{}, err
	}

	return types.TreeSnapshot{TreeId: r.externalId, Persons: persons}, nil
}

func (r *Room) handleChatMessage(msg *ClientMessage) {
	var p ChatMessagePayload
	if err := msg.decode(&p); err != nil || p.Message == "" {
		msg.client.queueMessage(ErrInvalidMessage())
		return
	}

	c := msg.client
	chat := types.ChatMessage{
		Id:        uuid.NewString(),
		RoomId:    r.externalId,
		Author:    types.User{Id: c.user.Id, Username: c.user.Username},
		Body:      p.Message,
		Kind:      types.MessageKindText,
		ReplyTo:   p.ReplyTo,
		ReadBy:    []int{c.user.Id},
		Reactions: []types.Reaction{},
		CreatedAt: msg.Timestamp,
	}

	err := r.cs.db.CreateChatMessage(database.ChatMessage{
		Id:        chat.Id,
		TreeId:    r.id,
		UserId:    c.user.Id,
		Body:      chat.Body,
		Kind:      chat.Kind,
		ReplyTo:   chat.ReplyTo,
		ReadBy:    chat.ReadBy,
		CreatedAt: chat.CreatedAt,
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		c.queueMessage(ErrInternalError())
		return
	}

	// sending a message ends the sender's typing state
	r.stopTyping(c.user.Id, true)

	// the echo carries the sender's correlation id so its client can
	// reconcile the optimistic entry
	chat.TempId = p.TempId
	r.broadcast(NewServerMessage(TypeChatMessage, chat))
	r.stats.Incr(StatChatMessages)
}

func (r *Room) handleEditMessage(msg *ClientMessage) {
	var p EditMessagePayload
	if err := msg.decode(&p); err != nil || p.MessageId == "" || p.NewMessage == "" {
		msg.client.queueMessage(ErrInvalidMessage())
		return
	}

	chat, ok := r.loadMessage(msg.client, p.MessageId)
	if !ok {
		return
	}

	if chat.Author.Id != msg.client.user.Id {
		msg.client.queueMessage(ErrForbidden())
		return
	}
	if chat.Deleted {
		msg.client.queueMessage(ErrMessageNotFound())
		return
	}

	chat.EditHistory = append(chat.EditHistory, types.EditRecord{
		PreviousBody: chat.Body,
		EditedAt:     msg.Timestamp,
	})
	chat.Body = p.NewMessage
	chat.Edited = true

	if !r.storeMessage(msg.client, &chat) {
		return
	}

	r.broadcast(NewServerMessage(TypeMessageEdited, sanitized(chat)))
}

func (r *Room) handleDeleteMessage(msg *ClientMessage) {
	var p MessageIdPayload
	if err := msg.decode(&p); err != nil || p.MessageId == "" {
		msg.client.queueMessage(ErrInvalidMessage())
		return
	}

	chat, ok := r.loadMessage(msg.client, p.MessageId)
	if !ok {
		return
	}

	if chat.Author.Id != msg.client.user.Id {
		msg.client.queueMessage(ErrForbidden())
		return
	}
	if chat.Deleted {
		// tombstoning twice is a no-op
		return
	}

	now := msg.Timestamp
	chat.Deleted = true
	chat.DeletedAt = &now
	chat.DeletedBy = msg.client.user.Id
	chat.Body = ""

	if !r.storeMessage(msg.client, &chat) {
		return
	}

	r.broadcast(NewServerMessage(TypeMessageDeleted, sanitized(chat)))
}

func (r *Room) handleAddReaction(msg *ClientMessage) {
	var p AddReactionPayload
	if err := msg.decode(&p); err != nil || p.MessageId == "" || p.Emoji == "" {
		msg.client.queueMessage(ErrInvalidMessage())
		return
	}

	chat, ok := r.loadMessage(msg.client, p.MessageId)
	if !ok {
		return
	}
	if chat.Deleted {
		msg.client.queueMessage(ErrMessageNotFound())
		return
	}

	userId := msg.client.user.Id
	if chat.HasReaction(userId, p.Emoji) {
		reactions := chat.Reactions[:0]
		for _, reaction := range chat.Reactions {
			if reaction.UserId == userId && reaction.Emoji == p.Emoji {
				continue
			}
			reactions = append(reactions, reaction)
		}
		chat.Reactions = reactions
	} else {
		chat.Reactions = append(chat.Reactions, types.Reaction{
			Emoji:  p.Emoji,
			UserId: userId,
			At:     msg.Timestamp,
		})
	}

	if !r.storeMessage(msg.client, &chat) {
		return
	}

	r.broadcast(NewServerMessage(TypeReactionUpdated, ReactionData{Message: sanitized(chat)}))
}

func (r *Room) handleMarkMessageRead(msg *ClientMessage) {
	var p MessageIdPayload
	if err := msg.decode(&p); err != nil || p.MessageId == "" {
		msg.client.queueMessage(ErrInvalidMessage())
		return
	}

	chat, ok := r.loadMessage(msg.client, p.MessageId)
	if !ok {
		return
	}
	if chat.Deleted {
		msg.client.queueMessage(ErrMessageNotFound())
		return
	}

	userId := msg.client.user.Id
	for _, id := range chat.ReadBy {
		if id == userId {
			return
		}
	}

	// readBy only grows
	chat.ReadBy = append(chat.ReadBy, userId)
	r.storeMessage(msg.client, &chat)
}

func (r *Room) handleGetChatHistory(msg *ClientMessage) {
	dbMsgs, err := r.cs.db.ListChatMessages(r.id)
	if err != nil {
		r.log.Println("list chat messages:", err)
		msg.client.queueMessage(ErrInternalError())
		return
	}

	messages := make([]types.ChatMessage, 0, len(dbMsgs))
	for _, dbMsg := range dbMsgs {
		chat, err := toChatMessage(dbMsg, r.externalId)
		if err != nil {
			r.log.Println("decode chat message:", err)
			msg.client.queueMessage(ErrInternalError())
			return
		}
		messages = append(messages, sanitized(chat))
	}

	msg.client.queueMessage(NewServerMessage(TypeChatHistory, messages))
}

func (r *Room) handleTypingStart(msg *ClientMessage) {
	userId := msg.client.user.Id
	userName := msg.client.user.Username

	if entry, ok := r.typing[userId]; ok {
		// a refresh supersedes whatever the old timer may have queued
		entry.timer.Stop()
		entry.gen++
		entry.timer = r.typingExpiryTimer(userId, entry.gen)
		return
	}

	entry := &typingEntry{userName: userName}
	entry.timer = r.typingExpiryTimer(userId, entry.gen)
	r.typing[userId] = entry

	r.broadcast(&ServerMessage{
		Type:       TypeTypingStart,
		Data:       TypingData{UserId: userId, UserName: userName},
		SkipClient: msg.client,
	})
}

func (r *Room) handleTypingStop(msg *ClientMessage) {
	r.stopTyping(msg.client.user.Id, true)
}

func (r *Room) typingExpiryTimer(userId int, gen uint64) *time.Timer {
	return time.AfterFunc(typingTimeout, func() {
		select {
		case r.typingExpiredChan <- typingExpiry{userId: userId, gen: gen}:
		case <-r.exited:
		}
	})
}

// handleTypingExpired synthesizes a stop broadcast when no refresh arrived
// within the inactivity window. An expiry from a superseded timer is stale
// and dropped.
func (r *Room) handleTypingExpired(exp typingExpiry) {
	entry, ok := r.typing[exp.userId]
	if !ok || entry.gen != exp.gen {
		return
	}

	r.stopTyping(exp.userId, true)
}

func (r *Room) stopTyping(userId int, notify bool) {
	entry, ok := r.typing[userId]
	if !ok {
		return
	}

	entry.timer.Stop()
	delete(r.typing, userId)

	if notify {
		r.broadcast(NewServerMessage(TypeTypingStop, TypingData{UserId: userId}))
	}
}

// loadMessage fetches a message and checks it belongs to this room. On any
// failure the requester is notified and ok is false.
func (r *Room) loadMessage(c *Client, id string) (types.ChatMessage, bool) {
	dbMsg, err := r.cs.db.GetChatMessage(id)
	if err != nil {
		c.queueMessage(ErrMessageNotFound())
		return types.ChatMessage{}, false
	}
	if dbMsg.TreeId != r.id {
		c.queueMessage(ErrMessageNotFound())
		return types.ChatMessage{}, false
	}

	chat, err := toChatMessage(dbMsg, r.externalId)
	if err != nil {
		r.log.Println("decode chat message:", err)
		c.queueMessage(ErrInternalError())
		return types.ChatMessage{}, false
	}

	return chat, true
}

// storeMessage persists a mutated message, stamping its update time so the
// broadcast and the stored row carry the same updated_at.
func (r *Room) storeMessage(c *Client, chat *types.ChatMessage) bool {
	now := Now()
	chat.UpdatedAt = &now

	dbMsg, err := toDBMessage(*chat, r.id)
	if err != nil {
		r.log.Println("encode chat message:", err)
		c.queueMessage(ErrInternalError())
		return false
	}

	if err := r.cs.db.UpdateChatMessage(dbMsg); err != nil {
		r.log.Println("update chat message:", err)
		c.queueMessage(ErrInternalError())
		return false
	}

	return true
}

func (r *Room) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
	r.stats.Incr(StatBroadcasts)
}

func toChatMessage(dbMsg database.ChatMessage, roomId string) (types.ChatMessage, error) {
	chat := types.ChatMessage{
		Id:        dbMsg.Id,
		RoomId:    roomId,
		Author:    types.User{Id: dbMsg.UserId, Username: dbMsg.Username},
		Body:      dbMsg.Body,
		Kind:      dbMsg.Kind,
		ReplyTo:   dbMsg.ReplyTo,
		ReadBy:    dbMsg.ReadBy,
		Edited:    dbMsg.Edited,
		Deleted:   dbMsg.Deleted,
		DeletedAt: dbMsg.DeletedAt,
		DeletedBy: dbMsg.DeletedBy,
		CreatedAt: dbMsg.CreatedAt,
		UpdatedAt: dbMsg.UpdatedAt,
	}

	if len(dbMsg.Reactions) > 0 {
		if err := json.Unmarshal(dbMsg.Reactions, &chat.Reactions); err != nil {
			return types.ChatMessage{}, fmt.Errorf("unmarshal reactions: %w", err)
		}
	}
	if chat.Reactions == nil {
		chat.Reactions = []types.Reaction{}
	}
	if len(dbMsg.EditHistory) > 0 {
		if err := json.Unmarshal(dbMsg.EditHistory, &chat.EditHistory); err != nil {
			return types.ChatMessage{}, fmt.Errorf("unmarshal edit history: %w", err)
		}
	}

	return chat, nil
}

func toDBMessage(chat types.ChatMessage, treeId int) (database.ChatMessage, error) {
	reactions, err := json.Marshal(chat.Reactions)
	if err != nil {
		return database.ChatMessage{}, fmt.Errorf("marshal reactions: %w", err)
	}
	editHistory, err := json.Marshal(chat.EditHistory)
	if err != nil {
		return database.ChatMessage{}, fmt.Errorf("marshal edit history: %w", err)
	}

	return database.ChatMessage{
		Id:          chat.Id,
		TreeId:      treeId,
		UserId:      chat.Author.Id,
		Body:        chat.Body,
		Kind:        chat.Kind,
		ReplyTo:     chat.ReplyTo,
		ReadBy:      chat.ReadBy,
		Reactions:   reactions,
		EditHistory: editHistory,
		Edited:      chat.Edited,
		Deleted:     chat.Deleted,
		DeletedAt:   chat.DeletedAt,
		DeletedBy:   chat.DeletedBy,
		CreatedAt:   chat.CreatedAt,
		UpdatedAt:   chat.UpdatedAt,
	}, nil
}

// sanitized strips everything a tombstoned message must not retransmit.
func sanitized(chat types.ChatMessage) types.ChatMessage {
	if chat.Deleted {
		chat.Body = ""
		chat.EditHistory = nil
	}
	return chat
}
