package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/middleware/security"
	"github.com/classroom-assistant/backend/internal/middleware/validation"
	"github.com/classroom-assistant/backend/internal/rag"
	"github.com/classroom-assistant/backend/pkg/logger"
)

const (
	msgQuestion = "question"
	answerLimit = 30 * time.Second
)

type WebSocketHandler struct {
	engine Answerer
}

func NewWebSocketHandler(engine Answerer) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
	}
}

// Upgrade admits websocket upgrade requests and carries the caller id into
// the connection.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("user_id", utils.CopyString(security.UserID(c)))
	return c.Next()
}

// HandleConnection answers questions sent over the socket. Each answer is
// streamed one sentence per frame, followed by a "complete" frame carrying
// confidence, sources and explanation.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	logger.Info("WebSocket connection established", zap.String("user_id", userID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("user_id", userID))
	}()

	for {
		var msg struct {
			Type     string `json:"type"`
			Question string `json:"question"`
			CourseID string `json:"course_id"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != msgQuestion {
			h.sendError(c, "unsupported message type")
			continue
		}

		err := validation.CheckQuestion(msg.Question, validation.DefaultMinQuestionLength, validation.DefaultMaxQuestionLength)
		if errors.Is(err, validation.ErrQuestionLength) {
			h.sendError(c, "question must be between "+strconv.Itoa(validation.DefaultMinQuestionLength)+
				" and "+strconv.Itoa(validation.DefaultMaxQuestionLength)+" characters")
			continue
		}
		if err != nil {
			logger.Warn("Rejected question content", zap.String("user_id", userID))
			h.sendError(c, "Invalid question content")
			continue
		}

		q := rag.Question{Text: msg.Question, CourseID: msg.CourseID, UserID: userID}
		if err := h.streamAnswer(c, q); err != nil {
			if errors.Is(err, rag.ErrEmptyQuestion) {
				h.sendError(c, msgNoSearchableText)
				continue
			}
			logger.Error("Failed to stream answer", zap.Error(err))
			h.sendError(c, "The question could not be processed right now")
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, q rag.Question) error {
	ctx, cancel := context.WithTimeout(context.Background(), answerLimit)
	defer cancel()

	if err := h.send(c, "status", "Searching classroom content..."); err != nil {
		return err
	}

	answer, err := h.engine.Answer(ctx, q)
	if err != nil {
		return err
	}

	for _, sentence := range Sentences(answer.Answer) {
		if err := h.send(c, "sentence", sentence); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]any{
		"type":        "complete",
		"confidence":  answer.Confidence,
		"reason":      answer.Reason,
		"sources":     answer.Sources,
		"explanation": answer.Explanation,
		"answered_at": answer.AnsweredAt,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]any{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(map[string]any{
		"type":  "error",
		"error": errorMsg,
	}); err != nil {
		logger.Warn("Failed to send WebSocket error", zap.Error(err))
	}
}

// Sentences segments an answer for streaming. Paragraph breaks are kept as
// boundaries so the source header of an answer arrives on its own.
func Sentences(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		doc, err := prose.NewDocument(para,
			prose.WithTagging(false),
			prose.WithExtraction(false),
			prose.WithTokenization(false),
		)
		if err != nil {
			out = append(out, para)
			continue
		}
		for _, s := range doc.Sentences() {
			if s := strings.TrimSpace(s.Text); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
