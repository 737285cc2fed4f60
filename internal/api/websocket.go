package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"broker-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are relayed to every dashboard websocket client.
var streamTopics = []events.Event{
	events.EventMarketData,
	events.EventOrderbook,
	events.EventTrade,
	events.EventBrokerStatus,
	events.EventBackendStatus,
	events.EventFeedError,
}

type wsFrame struct {
	Topic   events.Event `json:"topic"`
	Payload any          `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Merge all topics into one ordered stream for this client.
	merged := make(chan wsFrame, 256)
	stop := make(chan struct{})
	defer close(stop)

	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case merged <- wsFrame{Topic: topic, Payload: msg}:
				case <-stop:
					return
				default:
					// client too slow, drop
				}
			}
		}(topic, stream)
	}

	// Read pump exists only to notice the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-merged:
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-clientGone:
			return
		}
	}
}
