package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/kintree/kintree/internal/database"
	"github.com/kintree/kintree/internal/stats"
)

// Metric names registered with the stats provider.
const (
	StatActiveConnections = "ActiveConnections"
	StatActiveRooms       = "ActiveRooms"
	StatChatMessages      = "ChatMessages"
	StatBroadcasts        = "Broadcasts"
	StatUndoCommits       = "UndoCommits"
)

// TokenVerifier validates a bearer credential and resolves the user id it
// was issued for.
type TokenVerifier interface {
	VerifyToken(token string) (int, error)
}

type joinRequest struct {
	client *Client
	tree   database.Tree
	done   chan *Room
}

// CollabServer is the room registry: it maps tree ids to live rooms and owns
// room lifecycle. The rooms map is touched only by the Run goroutine.
type CollabServer struct {
	log            *log.Logger
	db             database.KintreeRepository
	tokens         TokenVerifier
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *joinRequest
	relayChan      chan relayRequest
	unloadRoomChan chan string
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
}

type relayRequest struct {
	roomId string
	kind   string
}

func NewCollabServer(logger *log.Logger, db database.KintreeRepository, tokens TokenVerifier, sp stats.StatsProvider) (*CollabServer, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token verifier is required")
	}

	for _, name := range []string{StatActiveConnections, StatActiveRooms, StatChatMessages, StatBroadcasts, StatUndoCommits} {
		sp.RegisterMetric(name)
	}

	return &CollabServer{
		log:            logger,
		db:             db,
		tokens:         tokens,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *joinRequest, 256),
		relayChan:      make(chan relayRequest, 256),
		unloadRoomChan: make(chan string, 256),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (cs *CollabServer) Run() {
	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case relay := <-cs.relayChan:
			if room, ok := cs.rooms[relay.roomId]; ok {
				select {
				case room.relayChan <- relay.kind:
				default:
					cs.log.Printf("relay channel full on room %q", relay.roomId)
				}
			}
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan bool, 1)
				r.exit <- exitReq{force: true, done: done}
				<-done
				cs.stats.Decr(StatActiveRooms)
			}

			close(cs.done)
			return
		}
	}
}

func (cs *CollabServer) handleJoin(join *joinRequest) {
	room, ok := cs.rooms[join.tree.ExternalId]
	if !ok {
		room = newRoom(cs, join.tree)
		cs.rooms[room.externalId] = room
		cs.stats.Incr(StatActiveRooms)
		go room.start()
	}

	select {
	case room.joinChan <- join:
	default:
		cs.log.Printf("join channel full on room %q", room.externalId)
		join.done <- nil
	}
}

func (cs *CollabServer) unloadRoom(roomId string) {
	room, ok := cs.rooms[roomId]
	if !ok {
		return
	}

	// the room declines if a join won the race against its idle timer
	done := make(chan bool, 1)
	room.exit <- exitReq{done: done}
	if !<-done {
		return
	}

	cs.log.Printf("removing room %q", roomId)
	delete(cs.rooms, roomId)
	cs.stats.Decr(StatActiveRooms)
}

// NotifyMutation republishes a committed tree mutation into the affected
// room's broadcast path. A tree with no live room has no one to notify.
func (cs *CollabServer) NotifyMutation(ctx context.Context, roomId, kind string) error {
	select {
	case cs.relayChan <- relayRequest{roomId: roomId, kind: kind}:
		return nil
	case <-cs.stop:
		return fmt.Errorf("server is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveRole returns the membership role of an account in a tree.
func (cs *CollabServer) ResolveRole(accountId int, treeId int) (string, error) {
	membership, err := cs.db.GetMembership(accountId, treeId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no membership for account %d in tree %d", accountId, treeId)
		}
		return "", err
	}

	return membership.Role, nil
}

func (cs *CollabServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(StatActiveConnections)
}

func (cs *CollabServer) DeregisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(StatActiveConnections)
}

func (cs *CollabServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
