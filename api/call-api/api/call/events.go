// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package call_api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_callsession "github.com/rapidaai/memorykeeper/api/call-api/internal/callsession"
)

const (
	eventsWriteWait  = 5 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = (eventsPongWait * 9) / 10
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Events streams state, notice and invitation updates over a websocket.
// The first frame is always the current state snapshot.
//
// @Router /v1/call/events [get]
// @Success 101 "Switching Protocols"
func (cApi *CallApi) Events(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cApi.logger.Errorf("events websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := cApi.calls.Subscribe()
	defer cancel()

	// read loop only observes close frames and pongs
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := cApi.calls.Snapshot()
	if err := cApi.writeUpdate(conn, internal_callsession.Update{Kind: internal_callsession.UpdateState, Snapshot: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "call manager closed"),
					time.Now().Add(eventsWriteWait))
				return
			}
			if err := cApi.writeUpdate(conn, u); err != nil {
				cApi.logger.Debugw("events websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (cApi *CallApi) writeUpdate(conn *websocket.Conn, u internal_callsession.Update) error {
	conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	return conn.WriteJSON(u)
}
