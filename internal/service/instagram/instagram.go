// Package instagram fetches active stories through the RapidAPI Instagram
// gateway and normalizes its loosely shaped responses.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/config"
)

const component = "instagram"

type Service struct {
	config *config.InstagramConfig
	logger *zap.Logger
	client *http.Client
}

func NewService(cfg *config.InstagramConfig, logger *zap.Logger) *Service {
	tr := &http.Transport{
		IdleConnTimeout:       120 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &Service{
		config: cfg,
		logger: logger,
		client: &http.Client{
			Transport: tr,
			Timeout:   config.Duration(cfg.Timeout, 10*time.Second),
		},
	}
}

// FetchActiveStories returns the raw story payloads currently visible for
// account, in response order.
func (s *Service) FetchActiveStories(ctx context.Context, account string) ([]Payload, error) {
	s.logger.Info("Fetching stories", zap.String("account", account))

	var response any
	if err := s.post(ctx, "/api/instagram/stories", map[string]any{"username": account}, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch stories for %s: %w", account, err)
	}

	stories := ParseStoryItems(response)
	if len(stories) == 0 {
		s.logger.Info("No stories in response",
			zap.String("account", account),
			zap.String("shape", describe(response)))
	}

	for i, story := range stories {
		s.logger.Debug("Story found",
			zap.String("account", account),
			zap.Int("position", i+1),
			zap.String("story_id", story.ID()),
			zap.Int64("taken_at", story.TakenAt()))
	}

	s.logger.Info("Fetched stories", zap.String("account", account), zap.Int("count", len(stories)))
	return stories, nil
}

// FetchStory returns one story by id
func (s *Service) FetchStory(ctx context.Context, account, storyID string) (Payload, error) {
	s.logger.Info("Fetching story", zap.String("account", account), zap.String("story_id", storyID))

	var response any
	body := map[string]any{"username": account, "storyId": storyID}
	if err := s.post(ctx, "/api/instagram/story", body, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch story %s: %w", storyID, err)
	}

	items := ParseStoryItems(response)
	for _, item := range items {
		if item.ID() == storyID {
			return item, nil
		}
	}

	// single-story responses sometimes omit the id on the inner object
	if m, ok := response.(map[string]any); ok {
		if result, ok := m["result"].(map[string]any); ok {
			p := Payload(result)
			if p.ID() == "" {
				p["id"] = storyID
			}
			return p, nil
		}
	}
	if len(items) == 1 {
		return items[0], nil
	}

	return nil, apierr.New(component, apierr.KindNotFound, fmt.Sprintf("story %s not in response", storyID))
}

func (s *Service) post(ctx context.Context, path string, body map[string]any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	url := strings.TrimRight(s.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-rapidapi-key", s.config.APIKey)
	req.Header.Set("x-rapidapi-host", s.config.APIHost)

	resp, err := s.client.Do(req)
	if err != nil {
		return apierr.FromTransport(component, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return apierr.FromStatus(component, resp.StatusCode, string(body))
	}

	// ids exceed float64 precision, keep them as json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return apierr.Wrap(component, apierr.KindInvalidResponse, "failed to decode response", err)
	}

	return nil
}

func describe(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		return "object{" + strings.Join(keys, ",") + "}"
	case []any:
		return fmt.Sprintf("array[%d]", len(t))
	default:
		return fmt.Sprintf("%T", v)
	}
}
