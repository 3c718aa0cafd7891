package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	WriteTimeout = 5 * time.Second
	PongWait     = 60 * time.Second
	PingInterval = (PongWait * 9) / 10
	maxFrameSize = 4096
)

var ErrConnClosed = errors.New("websocket connection closed")

// Conn serializes writes to a websocket through a single writer goroutine.
type Conn struct {
	ws        *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		writeCh: make(chan []byte, ClientBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	ws.SetReadLimit(maxFrameSize)
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(PingInterval)
	defer ping.Stop()
	defer c.Close()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues an event. A full queue drops the event, matching broker
// delivery semantics.
func (c *Conn) Send(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		return errors.New("websocket write queue full")
	}
}

// ReadJSON blocks for the next client frame. Pongs extend the read deadline.
func (c *Conn) ReadJSON(v any) error {
	c.ws.SetReadDeadline(time.Now().Add(PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(PongWait))
	})
	return c.ws.ReadJSON(v)
}

func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}
