package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kintree/kintree/internal/database"
	"github.com/kintree/kintree/internal/stats"
	"github.com/kintree/kintree/internal/testutil"
	"github.com/kintree/kintree/internal/types"
	"github.com/stretchr/testify/assert"
)

type stubVerifier struct {
	userId int
	err    error
}

func (s *stubVerifier) VerifyToken(token string) (int, error) {
	return s.userId, s.err
}

// newTestCollabServer creates a CollabServer instance for testing purposes
func newTestCollabServer(t *testing.T, db database.KintreeRepository, su *stats.MockStatsUpdater) *CollabServer {
	t.Helper()

	cs, err := NewCollabServer(testutil.TestLogger(t), db, &stubVerifier{userId: 1}, su)
	if err != nil {
		t.Fatalf("failed to create test CollabServer: %v", err)
	}
	return cs
}

func TestNewCollabServer(t *testing.T) {
	db := &database.MockKintreeRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	logger := testutil.TestLogger(t)

	cs, err := NewCollabServer(logger, db, &stubVerifier{}, su)
	assert.NoError(t, err, "expected no error creating CollabServer")
	assert.NotNil(t, cs, "expected CollabServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.relayChan, "expected relayChan to be initialized")
	assert.NotNil(t, cs.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")

	// every metric is pre-registered at zero
	for _, name := range []string{StatActiveConnections, StatActiveRooms, StatChatMessages, StatBroadcasts, StatUndoCommits} {
		assert.Equal(t, 0, su.Count(name), "expected metric %s to be registered at zero", name)
	}
}

func TestNewCollabServer_requiresVerifier(t *testing.T) {
	_, err := NewCollabServer(testutil.TestLogger(t), &database.MockKintreeRepository{}, nil, &stats.MockStatsUpdater{})
	assert.Error(t, err, "expected error when token verifier is nil")
}

func Test_handleJoin(t *testing.T) {
	t.Run("creates room on first join", func(t *testing.T) {
		db := &database.MockKintreeRepository{}
		su := &stats.MockStatsUpdater{}
		cs := newTestCollabServer(t, db, su)

		c := &Client{
			user: testUser(1),
			send: make(chan *ServerMessage, 256),
			log:  testutil.TestLogger(t),
		}

		done := make(chan *Room, 1)
		cs.handleJoin(&joinRequest{
			client: c,
			tree:   database.Tree{Id: 1, ExternalId: "tree-1"},
			done:   done,
		})

		assert.Len(t, cs.rooms, 1, "expected one room after join")
		assert.Contains(t, cs.rooms, "tree-1", "expected room keyed by external id")
		assert.Equal(t, 1, su.Count(StatActiveRooms), "expected active rooms metric to increment")

		select {
		case room := <-done:
			assert.NotNil(t, room, "expected join to resolve a room")
			assert.Equal(t, "tree-1", room.externalId, "expected room external id to match")
		case <-time.After(time.Second):
			t.Fatal("timeout: join was not answered")
		}

		// second join for the same tree reuses the room
		c2 := &Client{user: testUser(2), send: make(chan *ServerMessage, 256), log: testutil.TestLogger(t)}
		done2 := make(chan *Room, 1)
		cs.handleJoin(&joinRequest{client: c2, tree: database.Tree{Id: 1, ExternalId: "tree-1"}, done: done2})

		assert.Len(t, cs.rooms, 1, "expected room to be reused")
		select {
		case room := <-done2:
			assert.Equal(t, cs.rooms["tree-1"], room, "expected same room instance")
		case <-time.After(time.Second):
			t.Fatal("timeout: second join was not answered")
		}
	})

	t.Run("full join channel resolves nil", func(t *testing.T) {
		cs := newTestCollabServer(t, &database.MockKintreeRepository{}, &stats.MockStatsUpdater{})

		room := newRoom(cs, database.Tree{Id: 1, ExternalId: "tree-1"})
		cs.rooms[room.externalId] = room
		// fill the room's join channel without a goroutine to drain it
		for i := 0; i < cap(room.joinChan); i++ {
			room.joinChan <- &joinRequest{}
		}

		done := make(chan *Room, 1)
		cs.handleJoin(&joinRequest{client: &Client{}, tree: database.Tree{Id: 1, ExternalId: "tree-1"}, done: done})

		select {
		case r := <-done:
			assert.Nil(t, r, "expected nil room when join channel is full")
		default:
			t.Fatal("expected join to be answered immediately")
		}
	})
}

func Test_unloadRoom(t *testing.T) {
	t.Run("removes an idle room", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		cs := newTestCollabServer(t, &database.MockKintreeRepository{}, su)

		room := newRoom(cs, database.Tree{Id: 1, ExternalId: "tree-1"})
		cs.rooms[room.externalId] = room
		su.Incr(StatActiveRooms)
		go room.start()

		cs.unloadRoom("tree-1")
		assert.NotContains(t, cs.rooms, "tree-1", "expected room to be removed")
		assert.Equal(t, 0, su.Count(StatActiveRooms), "expected active rooms metric to decrement")

		select {
		case <-room.exited:
		case <-time.After(time.Second):
			t.Fatal("timeout: room goroutine did not exit")
		}

		// unloading an unknown room is a no-op
		cs.unloadRoom("nope")
	})

	t.Run("keeps a room whose idle timeout raced a join", func(t *testing.T) {
		db := &database.MockKintreeRepository{}
		defer db.AssertExpectations(t)
		db.On("ListChatMessages", 1).Return([]database.ChatMessage{}, nil)

		su := &stats.MockStatsUpdater{}
		cs := newTestCollabServer(t, db, su)

		room := newRoom(cs, database.Tree{Id: 1, ExternalId: "tree-1"})
		cs.rooms[room.externalId] = room
		su.Incr(StatActiveRooms)
		go room.start()

		c := &Client{
			user:   testUser(1),
			role:   types.RoleEditor,
			authed: true,
			send:   make(chan *ServerMessage, 256),
			log:    testutil.TestLogger(t),
		}
		done := make(chan *Room, 1)
		room.joinChan <- &joinRequest{client: c, tree: database.Tree{Id: 1, ExternalId: "tree-1"}, done: done}
		<-done
		recvMessage(t, c) // init

		// the unload the idle timer queued before the join was admitted
		cs.unloadRoom("tree-1")

		assert.Contains(t, cs.rooms, "tree-1", "expected occupied room kept in registry")
		assert.Equal(t, 1, su.Count(StatActiveRooms), "expected active rooms metric unchanged")
		select {
		case <-room.exited:
			t.Fatal("room exited despite an admitted client")
		default:
		}

		// the admitted client is still being served
		room.inboundChan <- &ClientMessage{Type: TypeGetChatHistory, client: c}
		msg := recvMessage(t, c)
		assert.Equal(t, TypeChatHistory, msg.Type, "expected command answered after declined unload")

		exited := make(chan bool, 1)
		room.exit <- exitReq{force: true, done: exited}
		<-exited
	})
}

func TestNotifyMutation(t *testing.T) {
	t.Run("queues relay request", func(t *testing.T) {
		cs := newTestCollabServer(t, &database.MockKintreeRepository{}, &stats.MockStatsUpdater{})

		err := cs.NotifyMutation(context.Background(), "tree-1", TypePersonUpdated)
		assert.NoError(t, err, "expected no error")

		select {
		case relay := <-cs.relayChan:
			assert.Equal(t, "tree-1", relay.roomId, "expected room id to match")
			assert.Equal(t, TypePersonUpdated, relay.kind, "expected mutation kind to match")
		default:
			t.Fatal("expected relay request to be queued")
		}
	})

	t.Run("fails after shutdown", func(t *testing.T) {
		cs := newTestCollabServer(t, &database.MockKintreeRepository{}, &stats.MockStatsUpdater{})
		close(cs.stop)
		// fill the channel so only the stop case can fire
		for i := 0; i < cap(cs.relayChan); i++ {
			cs.relayChan <- relayRequest{}
		}

		err := cs.NotifyMutation(context.Background(), "tree-1", TypePersonUpdated)
		assert.Error(t, err, "expected error after shutdown")
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cs := newTestCollabServer(t, &database.MockKintreeRepository{}, &stats.MockStatsUpdater{})
		for i := 0; i < cap(cs.relayChan); i++ {
			cs.relayChan <- relayRequest{}
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cs.NotifyMutation(ctx, "tree-1", TypePersonUpdated)
		assert.ErrorIs(t, err, context.Canceled, "expected context error")
	})
}

func TestRun_relayForwarding(t *testing.T) {
	db := &database.MockKintreeRepository{}
	cs := newTestCollabServer(t, db, &stats.MockStatsUpdater{})

	room := newRoom(cs, database.Tree{Id: 1, ExternalId: "tree-1"})
	cs.rooms[room.externalId] = room

	go cs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx), "expected clean shutdown")
	}()

	assert.NoError(t, cs.NotifyMutation(context.Background(), "tree-1", TypePersonDeleted))

	select {
	case kind := <-room.relayChan:
		assert.Equal(t, TypePersonDeleted, kind, "expected mutation kind forwarded to room")
	case <-time.After(time.Second):
		t.Fatal("timeout: relay was not forwarded")
	}

	// room goroutine is not running, handle the exit the registry will send
	go func() {
		e := <-room.exit
		room.handleRoomExit(e)
	}()
}

func TestResolveRole(t *testing.T) {
	t.Run("returns membership role", func(t *testing.T) {
		db := &database.MockKintreeRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMembership", 1, 2).Return(database.Membership{AccountId: 1, TreeId: 2, Role: "editor"}, nil)

		cs := newTestCollabServer(t, db, &stats.MockStatsUpdater{})

		role, err := cs.ResolveRole(1, 2)
		assert.NoError(t, err, "expected no error")
		assert.Equal(t, "editor", role, "expected editor role")
	})

	t.Run("no membership", func(t *testing.T) {
		db := &database.MockKintreeRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMembership", 1, 2).Return(database.Membership{}, fmt.Errorf("boom"))

		cs := newTestCollabServer(t, db, &stats.MockStatsUpdater{})

		_, err := cs.ResolveRole(1, 2)
		assert.Error(t, err, "expected error when membership lookup fails")
	})
}

func TestRegisterDeregisterClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestCollabServer(t, &database.MockKintreeRepository{}, su)

	c := &Client{user: testUser(1)}
	cs.RegisterClient(c)
	assert.Contains(t, cs.clients, c, "expected client to be registered")
	assert.Equal(t, 1, su.Count(StatActiveConnections), "expected active connections metric to increment")

	cs.DeregisterClient(c)
	assert.NotContains(t, cs.clients, c, "expected client to be deregistered")
	assert.Equal(t, 0, su.Count(StatActiveConnections), "expected active connections metric to decrement")

	// deregistering twice must not decrement again
	cs.DeregisterClient(c)
	assert.Equal(t, 0, su.Count(StatActiveConnections), "expected metric unchanged on double deregister")
}

func TestShutdown_exitsRooms(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestCollabServer(t, &database.MockKintreeRepository{}, su)

	room := newRoom(cs, database.Tree{Id: 1, ExternalId: "tree-1"})
	cs.rooms[room.externalId] = room
	su.Incr(StatActiveRooms)
	go room.start()

	go cs.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cs.Shutdown(ctx), "expected clean shutdown")

	select {
	case <-room.exited:
	case <-time.After(time.Second):
		t.Fatal("timeout: room did not exit on shutdown")
	}
	assert.Equal(t, 0, su.Count(StatActiveRooms), "expected active rooms metric back to zero")
}
