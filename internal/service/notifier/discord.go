package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/service/publisher/twitter"
	"github.com/ifuryst/storyrelay/pkg/util"
)

const (
	colorGreen   = 0x00ff00
	colorOrange  = 0xffa500
	colorRed     = 0xff0000
	colorDarkRed = 0x8b0000
	colorGray    = 0x808080

	maxLinkedPosts = 5
)

type DiscordNotifier struct {
	webhookURL string
	logger     *zap.Logger
	client     *http.Client
	now        func() time.Time
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func NewDiscordNotifier(cfg *config.NotifierConfig, logger *zap.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.DiscordWebhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: config.Duration(cfg.Timeout, 10*time.Second)},
		now:        time.Now,
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, event Event) {
	embed, ok := d.embed(event)
	if !ok {
		return
	}
	embed.Timestamp = d.now().UTC().Format(time.RFC3339)

	if err := d.send(ctx, discordPayload{Embeds: []discordEmbed{embed}}); err != nil {
		d.logger.Error("Failed to send Discord notification",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

func (d *DiscordNotifier) send(ctx context.Context, payload discordPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (d *DiscordNotifier) embed(e Event) (discordEmbed, bool) {
	handle := "@" + e.Account

	switch e.Kind {
	case EventFetchSucceeded:
		return discordEmbed{
			Title:       "📸 Instagram Stories Fetched",
			Description: fmt.Sprintf("Successfully fetched %d stories from %s", e.Count, handle),
			Color:       colorGreen,
			Fields: []discordField{
				{Name: "Username", Value: handle, Inline: true},
				{Name: "Stories Count", Value: strconv.Itoa(e.Count), Inline: true},
			},
			Footer: &discordFooter{Text: "Instagram API"},
		}, true

	case EventFetchFailed:
		fields := []discordField{{Name: "Username", Value: handle, Inline: true}}
		if e.Body != "" {
			fields = append(fields, discordField{Name: "Response Data", Value: codeBlock("json", e.Body, 1000)})
		}
		return discordEmbed{
			Title:       "⚠️ Instagram Stories Fetch Failed",
			Description: fmt.Sprintf("Failed to fetch stories from %s\n%s", handle, codeBlock("", errText(e), 800)),
			Color:       colorOrange,
			Fields:      fields,
			Footer:      &discordFooter{Text: "Instagram API"},
		}, true

	case EventPostSucceeded:
		fields := []discordField{
			{Name: "Instagram User", Value: handle, Inline: true},
			{Name: "Stories Posted", Value: strconv.Itoa(e.Count), Inline: true},
			{Name: "Tweet Count", Value: strconv.Itoa(len(e.PostIDs)), Inline: true},
		}
		if len(e.PostIDs) > 0 {
			var links []string
			for i, id := range e.PostIDs {
				if i == maxLinkedPosts {
					break
				}
				links = append(links, fmt.Sprintf("[Tweet %d](%s)", i+1, twitter.StatusURL(id)))
			}
			fields = append(fields, discordField{Name: "Tweet Links", Value: strings.Join(links, "\n")})
		}
		return discordEmbed{
			Title:       "🐦 Twitter Post Success",
			Description: fmt.Sprintf("Successfully posted %d stories to Twitter", e.Count),
			Color:       colorGreen,
			Fields:      fields,
			Footer:      &discordFooter{Text: "Twitter API"},
		}, true

	case EventPostFailed:
		description := fmt.Sprintf("Failed to post stories from %s to Twitter", handle)
		fields := []discordField{{Name: "Username", Value: handle, Inline: true}}
		color := colorOrange
		if e.StatusCode != 0 {
			fields = append(fields, discordField{Name: "Status Code", Value: strconv.Itoa(e.StatusCode), Inline: true})
			if e.StatusCode == http.StatusForbidden {
				description += "\n**⚠️ Authorization Error (403)** - Check Twitter API permissions!"
				color = colorRed
			}
		}
		if e.Err != nil {
			fields = append(fields, discordField{Name: "Error", Value: codeBlock("", e.Err.Error(), 800)})
		}
		if e.Body != "" {
			fields = append(fields, discordField{Name: "Response", Value: codeBlock("json", e.Body, 1000)})
		}
		if e.Attempts > 0 {
			fields = append(fields, discordField{Name: "Tweet Attempts", Value: strconv.Itoa(e.Attempts), Inline: true})
		}
		return discordEmbed{
			Title:       "❌ Twitter Post Failed",
			Description: description,
			Color:       color,
			Fields:      fields,
			Footer:      &discordFooter{Text: "Twitter API"},
		}, true

	case EventError:
		component := e.Component
		if component == "" {
			component = "storyrelay"
		}
		fields := []discordField{{Name: "Component", Value: component, Inline: true}}
		if e.Account != "" {
			fields = append(fields, discordField{Name: "Account", Value: handle, Inline: true})
		}
		if e.Message != "" {
			fields = append(fields, discordField{Name: "Context", Value: util.Truncate(e.Message, 1000)})
		}
		return discordEmbed{
			Title:       "🔥 Application Error",
			Description: fmt.Sprintf("Error in %s: %s", component, codeBlock("", errText(e), 1000)),
			Color:       colorDarkRed,
			Fields:      fields,
			Footer:      &discordFooter{Text: "Application"},
		}, true

	case EventRunSummary:
		if e.Summary == nil {
			return discordEmbed{}, false
		}
		return summaryEmbed(e), true

	case EventInfo:
		return discordEmbed{
			Title:       "ℹ️ " + e.Title,
			Description: e.Message,
			Color:       colorGray,
		}, true
	}

	return discordEmbed{}, false
}

func summaryEmbed(e Event) discordEmbed {
	s := e.Summary
	totals := s.Totals()

	color := colorGreen
	title := "✅ Story Run Completed"
	if s.HasFailures() {
		color = colorRed
		title = "❌ Story Run Completed With Failures"
	}

	fields := []discordField{
		{Name: "Mode", Value: s.Mode, Inline: true},
		{Name: "Run", Value: s.RunID, Inline: true},
		{Name: "Duration", Value: s.Duration().Round(time.Second).String(), Inline: true},
	}
	for _, a := range s.Accounts {
		value := fmt.Sprintf("fetched %d, archived %d, posted %d in %d posts, failed %d",
			a.Fetched, a.NewlyArchived, a.StoriesPosted, a.PostsCreated, a.Failed)
		fields = append(fields, discordField{Name: "@" + a.Account, Value: value})
	}

	description := fmt.Sprintf("%d accounts, %d new stories archived, %d stories posted",
		len(s.Accounts), totals.NewlyArchived, totals.StoriesPosted)

	return discordEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields:      fields,
		Footer:      &discordFooter{Text: "storyrelay"},
	}
}

func errText(e Event) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func codeBlock(lang, s string, max int) string {
	return "```" + lang + "\n" + util.Truncate(s, max) + "\n```"
}
