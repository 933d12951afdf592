package validation

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/vector"
)

const (
	DefaultMinQuestionLength = 3
	DefaultMaxQuestionLength = 1000

	// Widths of the title and course name fields in the vector store.
	maxTitleBytes      = 1024
	maxCourseNameBytes = 512
)

var (
	xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
	idPattern  = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{1,128}$`)
)

var (
	ErrQuestionLength  = goerr.New("question length out of range")
	ErrQuestionContent = goerr.New("question contains markup or control characters")
)

// CheckQuestion applies the question rules shared by the HTTP and websocket
// entry points. Length is counted in runes after trimming.
func CheckQuestion(question string, minLen, maxLen int) error {
	question = strings.TrimSpace(question)
	n := utf8.RuneCountInString(question)
	if n < minLen || n > maxLen {
		return goerr.Wrap(ErrQuestionLength, "question must be between "+strconv.Itoa(minLen)+" and "+strconv.Itoa(maxLen)+" characters",
			goerr.V("length", n),
		)
	}
	if strings.ContainsRune(question, 0) || xssPattern.MatchString(question) {
		return ErrQuestionContent
	}
	return nil
}

type Config struct {
	MinQuestionLength   int
	MaxQuestionLength   int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware checks request shape before the handlers run: content type,
// question length and markup, document size and source type, and the
// characters allowed in path segments.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MinQuestionLength == 0 {
		cfg.MinQuestionLength = DefaultMinQuestionLength
	}
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowedContentType(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		for _, segment := range strings.Split(c.Path(), "/") {
			if segment != "" && !idPattern.MatchString(segment) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid path",
				})
			}
		}

		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		switch c.Path() {
		case "/api/v1/qa":
			return validateQuestion(c, cfg)
		case "/api/v1/documents":
			return validateDocument(c, cfg)
		}

		return c.Next()
	}
}

func validateQuestion(c *fiber.Ctx, cfg Config) error {
	var req struct {
		Question *string `json:"question"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	if req.Question == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "question is required and must be a string",
		})
	}

	err := CheckQuestion(*req.Question, cfg.MinQuestionLength, cfg.MaxQuestionLength)
	if errors.Is(err, ErrQuestionLength) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "question must be between " + strconv.Itoa(cfg.MinQuestionLength) + " and " + strconv.Itoa(cfg.MaxQuestionLength) + " characters",
		})
	}
	if err != nil {
		cfg.Logger.Warn("Rejected question content",
			zap.String("ip", c.IP()),
			zap.String("path", c.Path()),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid question content",
		})
	}

	return c.Next()
}

func validateDocument(c *fiber.Ctx, cfg Config) error {
	if len(c.Body()) > cfg.MaxDocumentSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Document content exceeds maximum size",
		})
	}

	var req struct {
		Text       string `json:"text"`
		SourceType string `json:"source_type"`
		SourceID   string `json:"source_id"`
		Title      string `json:"title"`
		CourseName string `json:"course_name"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	if strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "text is required",
		})
	}

	if req.SourceID != "" && !idPattern.MatchString(req.SourceID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid source_id",
		})
	}

	if len(req.Title) > maxTitleBytes || len(req.CourseName) > maxCourseNameBytes {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "title or course_name is too long",
		})
	}

	switch req.SourceType {
	case "", vector.SourceAssignment, vector.SourceAnnouncement, vector.SourceMaterial:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "source_type must be assignment, announcement or material",
		})
	}

	return c.Next()
}

func allowedContentType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
