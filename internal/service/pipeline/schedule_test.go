package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyImmediate, p)

	p, err = ParsePolicy(" Daily ")
	require.NoError(t, err)
	assert.Equal(t, PolicyDaily, p)

	_, err = ParsePolicy("hourly")
	assert.Error(t, err)
}

func TestAnchorText(t *testing.T) {
	tests := []struct {
		name string
		acc  config.AccountConfig
		want string
	}{
		{"custom text wins", config.AccountConfig{Handle: "jkt48.freya", TemplateName: "Freya", AnchorText: "Freya's stories"}, "Freya's stories"},
		{"template for group member", config.AccountConfig{Handle: "jkt48.freya", TemplateName: "Freya"}, "Freya JKT48 Instagram Story"},
		{"template", config.AccountConfig{Handle: "alice", TemplateName: "Alice"}, "Alice Instagram Story"},
		{"handle only", config.AccountConfig{Handle: "alice", DisplayName: "Alice A."}, "alice Instagram Story"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, anchorText(tt.acc))
		})
	}
}

func TestCaption(t *testing.T) {
	day := time.Date(2024, 1, 5, 0, 0, 0, 0, utc7)

	assert.Equal(t, "Instagram Story alice\n05/01/2024", caption(config.AccountConfig{Handle: "alice"}, day, 1, 1))
	assert.Equal(t, "Instagram Story Alice\n05/01/2024\n(3/4)",
		caption(config.AccountConfig{Handle: "alice", DisplayName: "Alice"}, day, 3, 4))
	assert.Equal(t, "Instagram Story alice\n05/01/2024\n\n#a #b",
		caption(config.AccountConfig{Handle: "alice", Hashtags: []string{"a", " ", "#b"}}, day, 1, 1))
}

func TestBuildUnits(t *testing.T) {
	stories := []models.StoryRecord{
		{StoryID: "a", TakenAt: time.Date(2024, 6, 8, 23, 59, 59, 0, utc7).Unix()},
		// 2024-06-08 17:30 UTC is already the 9th in UTC+7
		{StoryID: "b", TakenAt: time.Date(2024, 6, 8, 17, 30, 0, 0, time.UTC).Unix()},
		{StoryID: "c", TakenAt: time.Date(2024, 6, 9, 20, 0, 0, 0, utc7).Unix()},
	}

	immediate := buildUnits(stories, PolicyImmediate, utc7)
	require.Len(t, immediate, 3)
	for i, u := range immediate {
		assert.Equal(t, []string{stories[i].StoryID}, u.storyIDs())
	}

	daily := buildUnits(stories, PolicyDaily, utc7)
	require.Len(t, daily, 2)
	assert.Equal(t, "2024-06-08", daily[0].key)
	assert.Equal(t, []string{"a"}, daily[0].storyIDs())
	assert.Equal(t, "2024-06-09", daily[1].key)
	assert.Equal(t, []string{"b", "c"}, daily[1].storyIDs())
	assert.Equal(t, utc7, daily[1].day.Location())
}

func TestEligibleSortsByCaptureTime(t *testing.T) {
	pending := []models.StoryRecord{
		{StoryID: "late", TakenAt: 300},
		{StoryID: "early", TakenAt: 100},
		{StoryID: "tie-first", TakenAt: 200},
		{StoryID: "tie-second", TakenAt: 200},
	}
	got := eligible(pending, testNow, utc7)
	assert.Equal(t, []string{"early", "tie-first", "tie-second", "late"}, storyIDs(got))
}
