package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/router"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/pkg/protocol"
)

const (
	// sendQueueSize bounds the per-socket outbound queue; overflow closes
	// the socket with a Lagged reason.
	sendQueueSize = 256

	pingInterval = 30 * time.Second
	// pongWait allows two missed pongs before the read deadline trips.
	pongWait     = 2*pingInterval + 5*time.Second
	writeWait    = 10 * time.Second
	requestWait  = 30 * time.Second
)

// Client is one WebSocket connection: a read loop dispatching protocol
// frames and a write loop draining the bounded outbound queue.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan *protocol.ServerMessage

	mu   sync.Mutex
	subs map[uuid.UUID]*bus.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan *protocol.ServerMessage, sendQueueSize),
		subs:   make(map[uuid.UUID]*bus.Subscription),
		done:   make(chan struct{}),
	}
}

func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

// enqueue drops the connection with a Lagged close when the queue is
// full; the client must reconnect and request history by seq.
func (c *Client) enqueue(msg *protocol.ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		slog.Warn("client outbound queue overflow", "id", c.id)
		c.close("lagged")
	}
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if reason != "" {
			deadline := time.Now().Add(writeWait)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		}
		c.conn.Close()
		c.mu.Lock()
		for _, sub := range c.subs {
			sub.Close()
		}
		c.subs = nil
		c.mu.Unlock()
	})
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.server.limiter != nil && !c.server.limiter.Allow() {
			c.sendError("rate_limited", "slow down")
			continue
		}

		frame, err := protocol.DecodeClient(data)
		if err != nil {
			c.sendError("invalid_input", err.Error())
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := msg.Encode()
			if err != nil {
				slog.Error("encode server message", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close("")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close("")
				return
			}
		}
	}
}

func (c *Client) handle(frame *protocol.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), requestWait)
	defer cancel()

	switch frame.Type {
	case protocol.ClientPing:
		c.enqueue(protocol.NewServerMessage(protocol.ServerPong, "", nil))

	case protocol.ClientPong:
		// keep-alive only

	case protocol.ClientChatNew:
		m := frame.Msg.(*protocol.ChatNew)
		th, err := c.server.router.CreateThread(ctx, m.Channel, m.Topic, m.Tags)
		if err != nil {
			c.sendDispatchError(err)
			return
		}
		c.subscribe(th.ID)
		c.enqueue(protocol.NewServerMessage(protocol.ServerConversationUpdate, th.ID.String(),
			&protocol.ConversationUpdatePayload{Topic: th.Topic, Status: string(th.Status)}))

	case protocol.ClientChatSend:
		m := frame.Msg.(*protocol.ChatSend)
		in := router.Inbound{
			Channel: store.ChannelWeb,
			Message: m.Message,
			Tags:    m.Tags,
			Repo:    m.Repo,
		}
		if m.ConversationID != "" {
			tid, err := uuid.Parse(m.ConversationID)
			if err != nil {
				c.sendError("invalid_input", "bad conversation_id")
				return
			}
			in.ThreadID = tid
		} else {
			// Create the thread up front so the subscription is live before
			// the first segment is published.
			th, err := c.server.router.CreateThread(ctx, store.ChannelWeb, "", m.Tags)
			if err != nil {
				c.sendDispatchError(err)
				return
			}
			in.ThreadID = th.ID
		}
		c.subscribe(in.ThreadID)
		if _, err := c.server.router.Dispatch(ctx, in); err != nil {
			c.sendDispatchError(err)
			return
		}

	case protocol.ClientChatResume:
		m := frame.Msg.(*protocol.ChatResume)
		tid, err := uuid.Parse(m.ConversationID)
		if err != nil {
			c.sendError("invalid_input", "bad conversation_id")
			return
		}
		// History snapshot first, then the live stream.
		events, err := c.server.stores.Events.List(ctx, tid, store.EventListOpts{AfterSeq: m.AfterSeq})
		if err != nil {
			c.sendDispatchError(err)
			return
		}
		c.enqueue(protocol.NewServerMessage(protocol.ServerMessageHistory, tid.String(), events))
		c.subscribe(tid)

	case protocol.ClientChatStop:
		m := frame.Msg.(*protocol.ChatStop)
		tid, err := uuid.Parse(m.ConversationID)
		if err != nil {
			c.sendError("invalid_input", "bad conversation_id")
			return
		}
		c.server.router.Stop(tid)

	case protocol.ClientViewNavigate:
		m := frame.Msg.(*protocol.ViewNavigate)
		c.server.mirror(c, protocol.NewServerMessage(protocol.ServerViewCommand, "",
			&protocol.ViewCommandPayload{Target: m.Target, ID: m.ID}))

	case protocol.ClientTitleUpdate:
		m := frame.Msg.(*protocol.TitleUpdate)
		tid, err := uuid.Parse(m.ConversationID)
		if err != nil {
			c.sendError("invalid_input", "bad conversation_id")
			return
		}
		if err := c.server.stores.Threads.UpdateTopic(ctx, tid, m.Topic); err != nil {
			c.sendDispatchError(err)
			return
		}
		update := protocol.NewServerMessage(protocol.ServerTitleUpdate, tid.String(),
			&protocol.ConversationUpdatePayload{Topic: m.Topic})
		c.enqueue(update)
		c.server.mirror(c, update)
	}
}

// subscribe attaches the socket to a thread's live stream (idempotent).
func (c *Client) subscribe(threadID uuid.UUID) {
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[threadID]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.server.bus.Subscribe(threadID)
	c.subs[threadID] = sub
	c.mu.Unlock()

	go func() {
		for msg := range sub.C() {
			c.enqueue(msg)
		}
		if errors.Is(sub.Err(), bus.ErrLagged) {
			c.enqueue(protocol.NewServerMessage(protocol.ServerLagged, threadID.String(), nil))
		}
	}()
}

func (c *Client) sendError(kind, message string) {
	c.enqueue(protocol.NewServerMessage(protocol.ServerError, "",
		&protocol.ErrorPayload{Kind: kind, Message: message}))
}

func (c *Client) sendDispatchError(err error) {
	c.sendError(errorKind(err), err.Error())
}
