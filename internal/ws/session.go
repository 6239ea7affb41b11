package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"parley/internal/content"
	"parley/internal/models"
)

const outboundBuffer = 64

type wsConn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Session is the per-connection controller. It owns its connection handle
// exclusively, carries the verified identity bound at handshake, and walks
// Connecting -> Active -> Closed: activation registers presence and room
// subscriptions, the loops process events while active, and teardown on
// transport termination unwinds everything the session registered.
type Session struct {
	conn       wsConn
	hub        *Hub
	identity   models.Identity
	fromClient chan models.ClientEvent
	out        chan models.ServerEvent
	errorCh    chan error
	log        *slog.Logger
}

func NewSession(hub *Hub, conn wsConn, identity models.Identity) *Session {
	return &Session{
		conn:       conn,
		hub:        hub,
		identity:   identity,
		fromClient: make(chan models.ClientEvent),
		out:        make(chan models.ServerEvent, outboundBuffer),
		errorCh:    make(chan error, 2),
		log:        slog.With("user_id", identity.UserID, "username", identity.Username),
	}
}

func (s *Session) UserID() string { return s.identity.UserID }

// send queues an outbound event without blocking. A full buffer drops the
// event for this session only; durable state is unaffected.
func (s *Session) send(ev models.ServerEvent) {
	select {
	case s.out <- ev:
	default:
		s.log.Warn("outbound buffer full, dropping event", "event_type", ev.Type)
	}
}

// Run drives the session until the transport closes or ctx is cancelled.
// Client-initiated close and network failure are not distinguished.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.activate()
	defer s.teardown()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.errorCh <- s.pumpEvents(ctx)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.errorCh <- s.mainLoop(ctx)
		cancel()
	}()

	var err error
	select {
	case err = <-s.errorCh:
	case <-ctx.Done():
	}
	_ = s.conn.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (s *Session) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case s.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-s.fromClient:
			s.handleEvent(ev)
		case ev := <-s.out:
			if err := s.conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// activate registers the session in the presence registry, announces the
// user online, sends the full online snapshot to this client and subscribes
// the connection to every room the user is a durable member of.
func (s *Session) activate() {
	_, wasOnline := s.hub.registry.Register(s.identity.UserID, s)

	// A replaced handle means the user never appeared offline to anyone;
	// announcing them online again would be a duplicate.
	if !wasOnline {
		s.hub.BroadcastAll(models.ServerEvent{
			Type:     models.ServerEventUserStatus,
			UserID:   s.identity.UserID,
			Username: s.identity.Username,
			Online:   true,
		})
	}

	// Snapshot, not a diff.
	s.send(models.ServerEvent{
		Type:  models.ServerEventOnlineUsers,
		Users: s.hub.registry.Online(),
	})

	rooms, err := s.hub.store.ListRoomsForUser(s.identity.UserID)
	if err != nil {
		s.log.Error("failed to list rooms for user", "error", err)
	}
	for _, room := range rooms {
		s.hub.Subscribe(room.ID, s)
	}

	if err := s.hub.store.SetOnlineStatus(s.identity.UserID, true); err != nil {
		s.log.Error("failed to set durable online flag", "error", err)
	}
}

// teardown runs the Closed transition. The presence entry is removed only
// if this session is still the registered handle for the user; a session
// superseded by a faster reconnect unwinds nothing but its own
// broadcast-group subscriptions.
func (s *Session) teardown() {
	current := s.hub.registry.Unregister(s.identity.UserID, s)
	s.hub.UnsubscribeAll(s)

	if !current {
		return
	}

	s.hub.BroadcastAll(models.ServerEvent{
		Type:     models.ServerEventUserStatus,
		UserID:   s.identity.UserID,
		Username: s.identity.Username,
		Online:   false,
	})

	for _, key := range s.hub.typing.PurgeUser(s.identity.UserID) {
		s.broadcastTypingStopped(key)
	}

	// Best effort: live presence is authoritative for real-time UI
	// regardless of the durable flag.
	if err := s.hub.store.SetOnlineStatus(s.identity.UserID, false); err != nil {
		s.log.Error("failed to clear durable online flag", "error", err)
	}
}

func (s *Session) broadcastTypingStopped(key string) {
	if roomID, ok := models.RoomFromKey(key); ok {
		s.hub.DeliverToRoom(roomID, models.ServerEvent{
			Type:   models.ServerEventTypingUpdate,
			RoomID: roomID,
			Users:  s.hub.typing.Typing(key),
		})
		return
	}
	if peer, ok := models.PairPeer(key, s.identity.UserID); ok {
		s.hub.DeliverToUser(peer, models.ServerEvent{
			Type:     models.ServerEventTypingUpdatePrivate,
			UserID:   s.identity.UserID,
			Username: s.identity.Username,
			IsTyping: false,
		})
	}
}

func (s *Session) handleEvent(ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventJoinRoom:
		s.handleJoinRoom(ev.RoomID)
	case models.ClientEventLeaveRoom:
		s.handleLeaveRoom(ev.RoomID)
	case models.ClientEventSendMessage:
		s.handleSendMessage(ev)
	case models.ClientEventPrivateMessage:
		s.handlePrivateMessage(ev)
	case models.ClientEventTypingStart:
		s.handleRoomTyping(ev.RoomID, true)
	case models.ClientEventTypingStop:
		s.handleRoomTyping(ev.RoomID, false)
	case models.ClientEventTypingStartPrivate:
		s.handlePrivateTyping(ev.ReceiverID, true)
	case models.ClientEventTypingStopPrivate:
		s.handlePrivateTyping(ev.ReceiverID, false)
	default:
		s.log.Warn("unknown client event", "event_type", ev.Type)
	}
}

func (s *Session) sendError(msg string) {
	s.send(models.ServerEvent{
		Type:  models.ServerEventError,
		Error: msg,
	})
}

func (s *Session) handleJoinRoom(roomID string) {
	if roomID == "" {
		return
	}

	// Joins by non-members are ignored silently; no error is surfaced.
	member, err := s.hub.store.IsMember(s.identity.UserID, roomID)
	if err != nil {
		s.log.Error("membership check failed", "room_id", roomID, "error", err)
		return
	}
	if !member {
		return
	}

	s.hub.Subscribe(roomID, s)
	s.hub.DeliverToRoomExcept(roomID, models.ServerEvent{
		Type:     models.ServerEventUserJoinedRoom,
		RoomID:   roomID,
		UserID:   s.identity.UserID,
		Username: s.identity.Username,
	}, s)
}

func (s *Session) handleLeaveRoom(roomID string) {
	if roomID == "" {
		return
	}

	s.hub.Unsubscribe(roomID, s)
	s.hub.DeliverToRoomExcept(roomID, models.ServerEvent{
		Type:     models.ServerEventUserLeftRoom,
		RoomID:   roomID,
		UserID:   s.identity.UserID,
		Username: s.identity.Username,
	}, s)
}

func (s *Session) handleSendMessage(ev models.ClientEvent) {
	if ev.RoomID == "" {
		s.sendError("roomId is required")
		return
	}

	// Membership is re-derived at the point of the state-mutating action:
	// the join-time check may have gone stale while we were suspended.
	member, err := s.hub.store.IsMember(s.identity.UserID, ev.RoomID)
	if err != nil {
		s.log.Error("membership check failed", "room_id", ev.RoomID, "error", err)
		s.sendError("failed to send message")
		return
	}
	if !member {
		s.sendError("not a member of this room")
		return
	}

	body := content.Sanitize(ev.Content)
	if body == "" && ev.FileURL == "" {
		s.sendError("message content is required")
		return
	}

	msg, err := s.hub.store.SaveMessage(models.Message{
		SenderID:   s.identity.UserID,
		SenderName: s.identity.Username,
		RoomID:     ev.RoomID,
		Content:    body,
		Type:       ev.Message,
		FileURL:    ev.FileURL,
	})
	if err != nil {
		s.log.Error("failed to persist room message", "room_id", ev.RoomID, "error", err)
		s.sendError("failed to send message")
		return
	}

	s.hub.DeliverToRoom(ev.RoomID, models.ServerEvent{
		Type:    models.ServerEventNewMessage,
		RoomID:  ev.RoomID,
		Message: &msg,
	})

	key := models.RoomKey(ev.RoomID)
	if s.hub.typing.Stop(key, s.identity.UserID) {
		s.hub.DeliverToRoom(ev.RoomID, models.ServerEvent{
			Type:   models.ServerEventTypingUpdate,
			RoomID: ev.RoomID,
			Users:  s.hub.typing.Typing(key),
		})
	}
}

func (s *Session) handlePrivateMessage(ev models.ClientEvent) {
	if ev.ReceiverID == "" {
		s.sendError("receiverId is required")
		return
	}

	body := content.Sanitize(ev.Content)
	if body == "" && ev.FileURL == "" {
		s.sendError("message content is required")
		return
	}

	// Any two users may direct-message; receiver existence is not
	// validated, and an offline receiver still gets a durable record.
	msg, err := s.hub.store.SaveMessage(models.Message{
		SenderID:   s.identity.UserID,
		SenderName: s.identity.Username,
		ReceiverID: ev.ReceiverID,
		Content:    body,
		Type:       ev.Message,
		FileURL:    ev.FileURL,
	})
	if err != nil {
		s.log.Error("failed to persist private message", "receiver_id", ev.ReceiverID, "error", err)
		s.sendError("failed to send private message")
		return
	}

	event := models.ServerEvent{
		Type:    models.ServerEventNewPrivateMessage,
		Message: &msg,
	}
	delivered := s.hub.DeliverToUser(ev.ReceiverID, event)

	// The sender always gets the persisted record back as confirmation.
	s.send(event)

	key := models.PairKey(s.identity.UserID, ev.ReceiverID)
	if s.hub.typing.Stop(key, s.identity.UserID) && delivered {
		s.hub.DeliverToUser(ev.ReceiverID, models.ServerEvent{
			Type:     models.ServerEventTypingUpdatePrivate,
			UserID:   s.identity.UserID,
			Username: s.identity.Username,
			IsTyping: false,
		})
	}

	if !delivered && s.hub.notifier != nil {
		go s.hub.notifier.NotifyOffline(ev.ReceiverID, msg)
	}
}

// Room typing updates carry the aggregate typing set so clients can render
// several simultaneous typists.
func (s *Session) handleRoomTyping(roomID string, start bool) {
	if roomID == "" {
		return
	}

	key := models.RoomKey(roomID)
	if start {
		s.hub.typing.Start(key, s.identity.UserID)
	} else if !s.hub.typing.Stop(key, s.identity.UserID) {
		return
	}

	s.hub.DeliverToRoomExcept(roomID, models.ServerEvent{
		Type:   models.ServerEventTypingUpdate,
		RoomID: roomID,
		Users:  s.hub.typing.Typing(key),
	}, s)
}

// Direct typing updates carry a single counterpart: the UI only ever shows
// one peer typing.
func (s *Session) handlePrivateTyping(receiverID string, start bool) {
	if receiverID == "" {
		return
	}

	key := models.PairKey(s.identity.UserID, receiverID)
	if start {
		s.hub.typing.Start(key, s.identity.UserID)
	} else if !s.hub.typing.Stop(key, s.identity.UserID) {
		return
	}

	s.hub.DeliverToUser(receiverID, models.ServerEvent{
		Type:     models.ServerEventTypingUpdatePrivate,
		UserID:   s.identity.UserID,
		Username: s.identity.Username,
		IsTyping: start,
	})
}
