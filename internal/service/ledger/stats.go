package ledger

import (
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/pkg/util"
)

// AccountStatistics reports the ledger of one account. An account never
// seen yields zero counts.
func (l *Ledger) AccountStatistics(handle string) models.AccountStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.accountStats(util.NormalizeHandle(handle))
}

// Statistics aggregates every account, iterated in sorted order
func (l *Ledger) Statistics() models.LedgerStats {
	accounts := l.Accounts()

	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := models.LedgerStats{Accounts: make([]models.AccountStats, 0, len(accounts))}
	for _, handle := range accounts {
		a := l.accountStats(handle)
		stats.TotalStories += a.TotalStories
		stats.TotalMedia += a.TotalMedia
		stats.Pending += a.Pending
		stats.Posted += a.Posted
		stats.Accounts = append(stats.Accounts, a)
	}
	return stats
}

func (l *Ledger) accountStats(handle string) models.AccountStats {
	stats := models.AccountStats{Account: handle, Stories: []models.StoryStat{}}

	acc, ok := l.doc.Accounts[handle]
	if !ok {
		return stats
	}

	stats.AnchorPostID = acc.AnchorPostID
	stats.LastPostID = acc.LastPostID
	if acc.LastCheck != nil {
		t := *acc.LastCheck
		stats.LastCheck = &t
	}

	for _, s := range acc.ArchivedStories {
		stats.TotalStories++
		stats.TotalMedia += s.MediaCount
		if s.Posted() {
			stats.Posted++
		} else {
			stats.Pending++
		}
		stats.Stories = append(stats.Stories, models.StoryStat{
			StoryID:    s.StoryID,
			TakenAt:    s.TakenAt,
			ArchivedAt: s.ArchivedAt,
			MediaCount: s.MediaCount,
			PostIDs:    append([]string{}, s.PostIDs...),
		})
	}
	return stats
}
