// Package neo4j keeps a topic graph of course content: courses own content
// items, and content items mention keyword topics.
package neo4j

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/classroom-assistant/backend/internal/metrics"
	"github.com/classroom-assistant/backend/internal/vector"
	"github.com/classroom-assistant/backend/pkg/circuitbreaker"
	"github.com/classroom-assistant/backend/pkg/logger"
	"github.com/classroom-assistant/backend/pkg/retry"
)

const (
	defaultTopicLimit = 20
	maxTopicsPerItem  = 50
)

type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Topic struct {
	Name    string `json:"name"`
	Sources int    `json:"sources"`
}

type ContentRef struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Title      string `json:"title"`
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create neo4j driver", goerr.V("uri", cfg.URI))
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, goerr.Wrap(err, "failed to verify connectivity", goerr.V("uri", cfg.URI))
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.RecordBreakerState,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// RecordKeywords replaces the topics a content item mentions. It satisfies
// indexing.TopicRecorder.
func (c *Client) RecordKeywords(ctx context.Context, source vector.Metadata, keywords []string) error {
	if source.CourseID == "" {
		return nil
	}
	topics := NormalizeKeywords(keywords, maxTopicsPerItem)

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (course:Course {id: $course_id})
			SET course.name = $course_name
			MERGE (content:Content {id: $content_id})
			SET content.source_type = $source_type,
			    content.source_id = $source_id,
			    content.title = $title,
			    content.updated_at = timestamp()
			MERGE (course)-[:HAS_CONTENT]->(content)
			WITH content
			OPTIONAL MATCH (content)-[old:MENTIONS]->(:Topic)
			DELETE old
			WITH DISTINCT content
			UNWIND $topics AS name
			MERGE (topic:Topic {name: name})
			MERGE (content)-[:MENTIONS]->(topic)
		`

		_, err := session.Run(ctx, query, map[string]any{
			"course_id":   source.CourseID,
			"course_name": source.CourseName,
			"content_id":  source.SourceType + ":" + source.SourceID,
			"source_type": source.SourceType,
			"source_id":   source.SourceID,
			"title":       source.Title,
			"topics":      topics,
		})
		if err != nil {
			return goerr.Wrap(err, "failed to record topics")
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Topics recorded",
		zap.String("course_id", source.CourseID),
		zap.String("source_id", source.SourceID),
		zap.Int("topics", len(topics)),
	)
	return nil
}

// TopKeywords lists the topics mentioned by the most content items of a
// course.
func (c *Client) TopKeywords(ctx context.Context, courseID string, limit int) ([]Topic, error) {
	if limit <= 0 {
		limit = defaultTopicLimit
	}

	topics := make([]Topic, 0, limit)
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		topics = topics[:0]
		query := `
			MATCH (:Course {id: $course_id})-[:HAS_CONTENT]->(content:Content)-[:MENTIONS]->(topic:Topic)
			RETURN topic.name AS name, count(DISTINCT content) AS sources
			ORDER BY sources DESC, name ASC
			LIMIT $limit
		`

		result, err := session.Run(ctx, query, map[string]any{
			"course_id": courseID,
			"limit":     limit,
		})
		if err != nil {
			return goerr.Wrap(err, "failed to query topics", goerr.V("course_id", courseID))
		}

		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("name")
			sources, _ := record.Get("sources")

			topic := Topic{}
			if s, ok := name.(string); ok {
				topic.Name = s
			}
			if n, ok := sources.(int64); ok {
				topic.Sources = int(n)
			}
			topics = append(topics, topic)
		}
		if err := result.Err(); err != nil {
			return goerr.Wrap(err, "error iterating topics")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return topics, nil
}

// ContentForTopic lists the content items of a course that mention topic.
func (c *Client) ContentForTopic(ctx context.Context, courseID, topic string) ([]ContentRef, error) {
	refs := make([]ContentRef, 0)
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		refs = refs[:0]
		query := `
			MATCH (:Course {id: $course_id})-[:HAS_CONTENT]->(content:Content)-[:MENTIONS]->(:Topic {name: $topic})
			RETURN content.source_type AS source_type, content.source_id AS source_id, content.title AS title
			ORDER BY content.updated_at DESC
			LIMIT 50
		`

		result, err := session.Run(ctx, query, map[string]any{
			"course_id": courseID,
			"topic":     strings.ToLower(strings.TrimSpace(topic)),
		})
		if err != nil {
			return goerr.Wrap(err, "failed to query topic content", goerr.V("topic", topic))
		}

		for result.Next(ctx) {
			record := result.Record()
			refs = append(refs, ContentRef{
				SourceType: stringValue(record, "source_type"),
				SourceID:   stringValue(record, "source_id"),
				Title:      stringValue(record, "title"),
			})
		}
		if err := result.Err(); err != nil {
			return goerr.Wrap(err, "error iterating topic content")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// DeleteCourse removes a course and its content items. Topics shared with
// other courses stay.
func (c *Client) DeleteCourse(ctx context.Context, courseID string) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (course:Course {id: $course_id})
			OPTIONAL MATCH (course)-[:HAS_CONTENT]->(content:Content)
			DETACH DELETE content, course
		`
		if _, err := session.Run(ctx, query, map[string]any{"course_id": courseID}); err != nil {
			return goerr.Wrap(err, "failed to delete course topics", goerr.V("course_id", courseID))
		}
		return nil
	})
}

// NormalizeKeywords lower-cases, trims and de-duplicates keywords, keeping
// first-seen order, up to limit entries.
func NormalizeKeywords(keywords []string, limit int) []string {
	out := make([]string, 0, min(len(keywords), limit))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		if len(out) == limit {
			break
		}
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func stringValue(record *neo4j.Record, key string) string {
	v, _ := record.Get(key)
	s, _ := v.(string)
	return s
}
