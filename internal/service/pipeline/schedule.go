package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
)

// Policy decides how pending stories are grouped into posting units
type Policy string

const (
	// PolicyImmediate posts every eligible story as its own unit
	PolicyImmediate Policy = "immediate"
	// PolicyDaily posts all eligible stories of one calendar day as one unit
	PolicyDaily Policy = "daily"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyImmediate:
		return PolicyImmediate, nil
	case PolicyDaily:
		return PolicyDaily, nil
	default:
		return "", fmt.Errorf("unknown post policy %q", s)
	}
}

// unit is a set of stories posted together as one contiguous run of posts
type unit struct {
	key     string
	day     time.Time
	stories []models.StoryRecord
}

func (u unit) storyIDs() []string {
	return lo.Map(u.stories, func(r models.StoryRecord, _ int) string { return r.StoryID })
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// eligible keeps the pending stories taken strictly before the start of the
// current day in loc, ordered by capture time
func eligible(pending []models.StoryRecord, now time.Time, loc *time.Location) []models.StoryRecord {
	cutoff := startOfDay(now, loc)
	out := lo.Filter(pending, func(r models.StoryRecord, _ int) bool {
		return r.TakenTime(loc).Before(cutoff)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt < out[j].TakenAt })
	return out
}

// buildUnits groups eligible stories per policy. Units come out in
// chronological order.
func buildUnits(stories []models.StoryRecord, policy Policy, loc *time.Location) []unit {
	if policy != PolicyDaily {
		return lo.Map(stories, func(r models.StoryRecord, _ int) unit {
			return unit{key: r.StoryID, day: startOfDay(r.TakenTime(loc), loc), stories: []models.StoryRecord{r}}
		})
	}

	var units []unit
	index := make(map[string]int)
	for _, r := range stories {
		day := startOfDay(r.TakenTime(loc), loc)
		key := day.Format("2006-01-02")
		i, ok := index[key]
		if !ok {
			i = len(units)
			index[key] = i
			units = append(units, unit{key: key, day: day})
		}
		units[i].stories = append(units[i].stories, r)
	}
	return units
}

// anchorText is the text of the first post of an account's thread
func anchorText(acc config.AccountConfig) string {
	if custom := strings.TrimSpace(acc.AnchorText); custom != "" {
		return custom
	}
	if tpl := strings.TrimSpace(acc.TemplateName); tpl != "" {
		if strings.Contains(strings.ToLower(acc.Handle), "jkt48") {
			return tpl + " JKT48 Instagram Story"
		}
		return tpl + " Instagram Story"
	}
	return acc.Handle + " Instagram Story"
}

// caption is the text of batch i (1-based) of n in a unit
func caption(acc config.AccountConfig, day time.Time, i, n int) string {
	name := acc.DisplayName
	if name == "" {
		name = acc.Handle
	}

	var b strings.Builder
	b.WriteString("Instagram Story ")
	b.WriteString(name)
	b.WriteString("\n")
	b.WriteString(day.Format("02/01/2006"))

	tags := lo.FilterMap(acc.Hashtags, func(tag string, _ int) (string, bool) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return "", false
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		return tag, true
	})
	if len(tags) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(tags, " "))
	}

	if n > 1 {
		fmt.Fprintf(&b, "\n(%d/%d)", i, n)
	}
	return b.String()
}
