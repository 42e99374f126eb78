package instagram

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ifuryst/storyrelay/internal/models"
)

// Payload is one raw story object as returned by the API
type Payload map[string]any

// MediaDescriptor is one downloadable item of a story
type MediaDescriptor struct {
	URL  string
	Type models.MediaType
}

// Story is a normalized payload
type Story struct {
	ID      string
	TakenAt int64
	Media   []MediaDescriptor
}

// containerKeys hold nested story collections in the various response shapes
var containerKeys = []string{"items", "stories", "reels_media", "tray", "media", "data", "story_items"}

// storyKeys mark an object as a story (or a media item of one)
var storyKeys = []string{"pk", "id", "image_versions2", "video_versions"}

// ParseStoryItems walks an arbitrary response tree and returns every object
// that looks like a story. A "result" wrapper takes precedence, then the
// container keys are aggregated, and only when they yield nothing is the
// object itself considered.
func ParseStoryItems(node any) []Payload {
	switch v := node.(type) {
	case Payload:
		return ParseStoryItems(map[string]any(v))
	case []any:
		var items []Payload
		for _, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if isStory(m) {
				items = append(items, Payload(m))
			} else {
				items = append(items, ParseStoryItems(m)...)
			}
		}
		return items
	case map[string]any:
		if result, ok := v["result"]; ok {
			return ParseStoryItems(result)
		}

		var aggregated []Payload
		for _, key := range containerKeys {
			if child, ok := v[key]; ok {
				aggregated = append(aggregated, ParseStoryItems(child)...)
			}
		}
		if len(aggregated) > 0 {
			return aggregated
		}

		if isStory(v) {
			return []Payload{Payload(v)}
		}
	}
	return nil
}

func isStory(m map[string]any) bool {
	for _, k := range storyKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// ID returns the first of pk or id as a string
func (p Payload) ID() string {
	for _, k := range []string{"pk", "id"} {
		if s := scalarString(p[k]); s != "" {
			return s
		}
	}
	return ""
}

// TakenAt returns the capture time in epoch seconds, 0 when absent or invalid
func (p Payload) TakenAt() int64 {
	switch v := p["taken_at"].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil && !math.IsNaN(f) {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Media extracts the downloadable items of a story. A story carrying nested
// items yields each of them, otherwise the story itself is the single item.
func (p Payload) Media() []MediaDescriptor {
	var media []MediaDescriptor
	for _, item := range ParseStoryItems(p) {
		if d, ok := item.mediaOf(); ok {
			media = append(media, d)
		}
	}
	return media
}

// mediaOf reads the single item of a story. A story with a video_versions
// key is a video even when no variant is listed.
func (p Payload) mediaOf() (MediaDescriptor, bool) {
	if raw, isVideo := p["video_versions"]; isVideo {
		versions, _ := raw.([]any)
		if len(versions) == 0 {
			return MediaDescriptor{}, false
		}
		if first, ok := versions[0].(map[string]any); ok {
			if url := scalarString(first["url"]); url != "" {
				return MediaDescriptor{URL: url, Type: models.MediaTypeVideo}, true
			}
		}
		return MediaDescriptor{}, false
	}

	if iv, ok := p["image_versions2"].(map[string]any); ok {
		if candidates, ok := iv["candidates"].([]any); ok {
			if url := bestCandidate(candidates); url != "" {
				return MediaDescriptor{URL: url, Type: models.MediaTypeImage}, true
			}
		}
	}
	return MediaDescriptor{}, false
}

// bestCandidate prefers a downloadable variant, else the largest listed one
// (first wins on ties)
func bestCandidate(candidates []any) string {
	for _, c := range candidates {
		if m, ok := c.(map[string]any); ok {
			if url := scalarString(m["url_downloadable"]); url != "" {
				return url
			}
		}
	}

	best := ""
	bestArea := int64(-1)
	for _, c := range candidates {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		url := scalarString(m["url"])
		if url == "" {
			continue
		}
		area := scalarInt(m["width"]) * scalarInt(m["height"])
		if area > bestArea {
			best, bestArea = url, area
		}
	}
	return best
}

// Normalize converts a payload into a Story. It reports false when the
// payload carries no identifier.
func Normalize(p Payload) (Story, bool) {
	id := p.ID()
	if id == "" {
		return Story{}, false
	}
	return Story{ID: id, TakenAt: p.TakenAt(), Media: p.Media()}, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func scalarInt(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		n, _ := t.Int64()
		return n
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	}
	return 0
}
