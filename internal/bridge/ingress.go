package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/claraverse/tabrelay/internal/session"
	"github.com/gofiber/fiber/v2"
	"github.com/patrickmn/go-cache"
)

// ingressMessage is the /ws-message body. Unknown fields are ignored.
type ingressMessage struct {
	MessageID any             `json:"messageId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) ingress(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.Ingress.WithLabelValues(result).Inc()
	}
}

// handleIngress accepts an endpoint event for a session outside any request
// and pushes it, with anything else queued, to the session outbox.
func (s *Server) handleIngress(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodPost {
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "Method Not Allowed"})
	}
	id := sessionID(c)
	if id == "" {
		s.ingress("rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing X-Instance-ID header"})
	}
	ec, err := s.opts.Registry.Get(id)
	st, ok := s.state(id)
	if err != nil || !ok {
		s.ingress("rejected")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown MCP session"})
	}

	var msg ingressMessage
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &msg); err != nil {
			s.ingress("rejected")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid JSON payload"})
		}
	}
	msgID := messageKey(msg.MessageID)
	if msgID == "" {
		s.ingress("rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing messageId"})
	}
	if !st.limiter.Allow() {
		s.ingress("rejected")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many messages"})
	}

	accepted := fiber.Map{"status": "accepted", "messageId": msg.MessageID}
	if err := s.seen.Add(id+"/"+msgID, struct{}{}, cache.DefaultExpiration); err != nil {
		s.ingress("duplicate")
		return c.Status(fiber.StatusAccepted).JSON(accepted)
	}

	ec.Enqueue(session.QueuedEvent{
		TabID:   ingressTab(c, msg.Payload),
		Type:    msg.Type,
		Message: msg.Payload,
	})
	s.publish(ec.ID(), s.drain(ec))
	s.ingress("accepted")
	return c.Status(fiber.StatusAccepted).JSON(accepted)
}

func messageKey(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case float64:
		return fmt.Sprintf("%v", id)
	default:
		return ""
	}
}

// payloadTabKeys are the fields older extensions use to name a tab.
var payloadTabKeys = []string{"tabId", "tabID", "tab", "targetTabId", "target_tab_id"}

// ingressTab prefers a tab named in the payload over the tab header.
func ingressTab(c *fiber.Ctx, payload json.RawMessage) envelope.TabID {
	var fields map[string]json.RawMessage
	if len(payload) > 0 && json.Unmarshal(payload, &fields) == nil {
		for _, key := range payloadTabKeys {
			raw, ok := fields[key]
			if !ok {
				continue
			}
			var tab envelope.TabID
			if key == "tab" {
				var nested struct {
					ID envelope.TabID `json:"id"`
				}
				if json.Unmarshal(raw, &nested) != nil {
					continue
				}
				tab = nested.ID
			} else if json.Unmarshal(raw, &tab) != nil {
				continue
			}
			if tab != "" {
				return tab
			}
		}
	}
	return envelope.TabID(strings.TrimSpace(c.Get(HeaderTab)))
}
