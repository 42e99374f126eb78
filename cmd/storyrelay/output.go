package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ifuryst/storyrelay/internal/models"
)

func printSummary(w io.Writer, s *models.RunSummary) {
	t := s.Totals()
	fmt.Fprintf(w, "Run %s (%s", s.RunID, s.Mode)
	if s.Policy != "" {
		fmt.Fprintf(w, ", %s", s.Policy)
	}
	fmt.Fprintf(w, ") finished in %s\n", s.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tFETCHED\tARCHIVED\tBACKFILLED\tPOSTED\tPOSTS\tEVICTED\tFAILED")
	for _, a := range s.Accounts {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			a.Account, a.Fetched, a.NewlyArchived, a.Backfilled, a.StoriesPosted, a.PostsCreated, a.Evicted, a.Failed)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		t.Fetched, t.NewlyArchived, t.Backfilled, t.StoriesPosted, t.PostsCreated, t.Evicted, t.Failed)
	tw.Flush()

	for _, a := range s.Accounts {
		for _, e := range a.Errors {
			fmt.Fprintf(w, "  @%s: %s\n", a.Account, e)
		}
	}
}

func printStatus(w io.Writer, stats models.LedgerStats, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(stats)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	fmt.Fprintf(w, "%d stories (%d pending, %d posted), %s media items\n",
		stats.TotalStories, stats.Pending, stats.Posted, humanize.Comma(int64(stats.TotalMedia)))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTORIES\tPENDING\tPOSTED\tLAST CHECK\tLAST POST")
	for _, a := range stats.Accounts {
		lastCheck := "never"
		if a.LastCheck != nil {
			lastCheck = humanize.Time(*a.LastCheck)
		}
		lastPost := a.LastPostID
		if lastPost == "" {
			lastPost = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", a.Account, a.TotalStories, a.Pending, a.Posted, lastCheck, lastPost)
	}
	return tw.Flush()
}
