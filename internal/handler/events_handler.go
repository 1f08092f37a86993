package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/middleware"
	"github.com/examhub/examhub-go-api/internal/service"
)

// EventsHandler exposes the lifecycle event feed over SSE and websocket.
type EventsHandler struct {
	events    service.EventService
	keepAlive time.Duration
	logger    zerolog.Logger
}

// NewEventsHandler constructs the handler.
func NewEventsHandler(events service.EventService, keepAlive time.Duration, logger zerolog.Logger) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &EventsHandler{
		events:    events,
		keepAlive: keepAlive,
		logger:    logger.With().Str("component", "events_handler").Logger(),
	}
}

// Register attaches the stream endpoints to the router group.
func (h *EventsHandler) Register(router fiber.Router) {
	router.Get("/stream", h.stream)

	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("topic", resolveTopic(c.Query("topic")))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))
}

// resolveTopic maps the client-supplied topic to a known audience. Unknown
// values fall back to the jobs feed.
func resolveTopic(raw string) string {
	topic := strings.TrimSpace(raw)
	switch {
	case topic == service.TopicJobs, topic == service.TopicSubmissions:
		return topic
	case strings.HasPrefix(topic, "job:"), strings.HasPrefix(topic, "submission:"):
		return topic
	default:
		return service.TopicJobs
	}
}

func (h *EventsHandler) stream(c *fiber.Ctx) error {
	topic := resolveTopic(c.Query("topic"))

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
	ctx, cancel := context.WithCancel(ctx)

	stream, cleanup := h.events.Subscribe(topic)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		ticker := time.NewTicker(h.keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-stream:
				if !ok {
					return
				}
				if err := writeSSEEvent(w, event); err != nil {
					h.logger.Debug().Err(err).Str("topic", topic).Msg("failed to write event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Str("topic", topic).Msg("failed to write keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *EventsHandler) handleConnection(conn *websocket.Conn) {
	topic, _ := conn.Locals("topic").(string)
	if topic == "" {
		topic = service.TopicJobs
	}

	stream, cleanup := h.events.Subscribe(topic)
	defer cleanup()

	h.logger.Info().Str("topic", topic).Msg("event websocket connected")
	defer h.logger.Info().Str("topic", topic).Msg("event websocket disconnected")

	done := make(chan struct{})

	// Reader goroutine: the client never sends meaningful frames, but reading
	// is required to notice the close handshake.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeSSEEvent(w *bufio.Writer, event service.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
