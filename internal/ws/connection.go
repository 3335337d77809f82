package ws

import (
	"context"
	"errors"
	"sync"

	"ptchat/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(id models.Identity) (string, chan models.ServerFrame)
	Leave(connID string)
	Dispatch(ctx context.Context, connID string, frame models.ClientFrame) models.ServerFrame
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	identity   models.Identity
	connID     string
	fromClient chan models.ClientFrame
	fromServer chan models.ServerFrame
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	identity models.Identity,
) *Connection {
	connID, fromServer := hub.Join(identity)
	return &Connection{
		ws:         ws,
		hub:        hub,
		identity:   identity,
		connID:     connID,
		fromClient: make(chan models.ClientFrame),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
		// Both loops record their error before cancelling.
		select {
		case err = <-c.errorCh:
		default:
		}
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			reply := c.hub.Dispatch(ctx, c.connID, frame)
			if err := c.ws.WriteJSON(reply); err != nil {
				return err
			}
		case frame := <-c.fromServer:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
