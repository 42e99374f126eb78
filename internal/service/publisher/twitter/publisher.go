// Package twitter implements the destination port on the X API: v1.1 media
// upload and v2 post creation, signed with OAuth 1.0a user credentials.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/service/publisher"
	"github.com/ifuryst/storyrelay/pkg/util"
)

const component = "twitter"

var _ publisher.Poster = (*TwitterPublisher)(nil)

type TwitterPublisher struct {
	config *config.TwitterConfig
	logger *zap.Logger
	client *http.Client
	media  *TwitterMediaProcessor
}

// TweetResponse is the v2 create tweet response
type TweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// UserResponse is the v2 users/me response
type UserResponse struct {
	Data struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

func NewTwitterPublisher(cfg *config.TwitterConfig, logger *zap.Logger) *TwitterPublisher {
	base := &http.Client{Transport: http.DefaultTransport}
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, base)

	client := oauth1.NewConfig(cfg.APIKey, cfg.APISecret).
		Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret))
	client.Timeout = config.Duration(cfg.Timeout, 60*time.Second)

	return &TwitterPublisher{
		config: cfg,
		logger: logger,
		client: client,
		media:  NewTwitterMediaProcessor(cfg.UploadBaseURL, client, logger),
	}
}

func (p *TwitterPublisher) GetPlatformName() string {
	return "twitter"
}

func (p *TwitterPublisher) UploadMedia(ctx context.Context, path string) (string, error) {
	return p.media.Upload(ctx, path)
}

func (p *TwitterPublisher) CreatePost(ctx context.Context, text string, mediaIDs []string, replyTo string) (string, error) {
	if len(mediaIDs) > 4 {
		return "", apierr.New(component, apierr.KindInvalidResponse, fmt.Sprintf("too many media for one post: %d", len(mediaIDs)))
	}

	body := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		body.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	if replyTo != "" {
		body.Reply = &tweetReply{InReplyToTweetID: replyTo}
	}

	p.logger.Info("Posting tweet",
		zap.String("text", util.Truncate(text, 100)),
		zap.Int("media", len(mediaIDs)),
		zap.String("reply_to", replyTo))

	var response TweetResponse
	if err := p.doJSON(ctx, http.MethodPost, p.apiURL("/2/tweets"), body, &response); err != nil {
		return "", fmt.Errorf("failed to create tweet: %w", err)
	}
	if response.Data.ID == "" {
		return "", apierr.New(component, apierr.KindInvalidResponse, "tweet response carried no id")
	}

	p.logger.Info("Tweet posted", zap.String("tweet_id", response.Data.ID), zap.String("url", StatusURL(response.Data.ID)))
	return response.Data.ID, nil
}

func (p *TwitterPublisher) VerifyCredentials(ctx context.Context) error {
	var response UserResponse
	if err := p.doJSON(ctx, http.MethodGet, p.apiURL("/2/users/me"), nil, &response); err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}
	p.logger.Info("Authenticated with X",
		zap.String("user_id", response.Data.ID),
		zap.String("username", response.Data.Username))
	return nil
}

func (p *TwitterPublisher) apiURL(path string) string {
	return strings.TrimRight(p.config.APIBaseURL, "/") + path
}

func (p *TwitterPublisher) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return do(p.client, req, out)
}

// do sends req and decodes a 2xx JSON body into out
func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return apierr.FromTransport(component, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.FromTransport(component, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.FromStatus(component, resp.StatusCode, string(respBody))
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apierr.Wrap(component, apierr.KindInvalidResponse, "failed to parse response", err)
	}
	return nil
}

// StatusURL is the public link of a post
func StatusURL(id string) string {
	return "https://twitter.com/user/status/" + id
}
