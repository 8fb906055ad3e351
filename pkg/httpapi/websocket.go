// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/safejson"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second

	// wsPongWait is how long a client may stay silent before the
	// connection is considered dead. Pings go out at a fraction of it.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds locally; clients are dashboards and scripts on the
	// same host or network, not browsers on arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the request and streams every fleet event (state
// transitions, task lifecycle, schedule changes) to the client as JSON
// text frames until either side closes.
func (s *Server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "event stream not enabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warnf("WebSocket upgrade failed: %s", err)
		return
	}

	eventCh, unsubscribe := s.bus.Subscribe()
	s.clientConnected()

	defer func() {
		unsubscribe()
		s.clientDisconnected()
		_ = conn.Close()
	}()

	// The read loop only consumes control frames and signals when the
	// client goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-eventCh:
			payload, err := safejson.Marshal(event)
			if err != nil {
				s.logger.Warnf("Failed to encode event: %s", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) clientConnected() {
	if s.wsClients.Add(1) == 1 && s.dog != nil {
		s.dog.SetHasSubscribers(true)
	}
}

func (s *Server) clientDisconnected() {
	if s.wsClients.Add(-1) == 0 && s.dog != nil {
		s.dog.SetHasSubscribers(false)
	}
}
