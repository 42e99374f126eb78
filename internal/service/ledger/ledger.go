// Package ledger persists which stories were archived and posted, per account,
// as a single JSON document that is replaced atomically on every change.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/pkg/util"
)

type Ledger struct {
	path           string
	defaultAccount string
	logger         *zap.Logger
	now            func() time.Time

	mu  sync.RWMutex
	doc *models.LedgerDocument
}

// Open loads the ledger at path. It never fails: a missing, unreadable or
// unrecognised file yields an empty ledger. defaultAccount receives the
// stories of a legacy single-account file.
func Open(path, defaultAccount string, logger *zap.Logger) *Ledger {
	l := &Ledger{
		path:           path,
		defaultAccount: util.NormalizeHandle(defaultAccount),
		logger:         logger,
		now:            time.Now,
	}
	l.Load()
	return l
}

func (l *Ledger) Path() string {
	return l.path
}

// Load (re)reads the file into memory
func (l *Ledger) Load() {
	doc := l.read()

	l.mu.Lock()
	l.doc = doc
	l.mu.Unlock()
}

func (l *Ledger) read() *models.LedgerDocument {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Info("Ledger file not found, starting empty", zap.String("path", l.path))
		} else {
			l.logger.Error("Failed to read ledger, starting empty", zap.String("path", l.path), zap.Error(err))
		}
		return models.NewLedgerDocument()
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return models.NewLedgerDocument()
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		l.logger.Error("Ledger file is corrupt, starting empty", zap.String("path", l.path), zap.Error(err))
		l.quarantine()
		return models.NewLedgerDocument()
	}

	if _, ok := top["accounts"]; ok {
		var doc models.LedgerDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			l.logger.Error("Ledger file is corrupt, starting empty", zap.String("path", l.path), zap.Error(err))
			l.quarantine()
			return models.NewLedgerDocument()
		}
		return l.normalize(&doc)
	}

	if _, ok := top["archived_stories"]; ok {
		return l.migrateLegacy(data)
	}

	l.logger.Warn("Unknown ledger format, starting empty", zap.String("path", l.path))
	return models.NewLedgerDocument()
}

// migrateLegacy moves a single-account document under the default account
func (l *Ledger) migrateLegacy(data []byte) *models.LedgerDocument {
	var legacy models.AccountLedger
	if err := json.Unmarshal(data, &legacy); err != nil {
		l.logger.Error("Failed to parse legacy ledger, starting empty", zap.String("path", l.path), zap.Error(err))
		l.quarantine()
		return models.NewLedgerDocument()
	}

	account := l.defaultAccount
	if account == "" {
		account = "default"
	}

	l.logger.Info("Migrating legacy ledger",
		zap.String("account", account),
		zap.Int("stories", len(legacy.ArchivedStories)))

	doc := models.NewLedgerDocument()
	doc.Accounts[account] = &legacy
	return doc
}

// normalize re-keys accounts by normalized handle, merging collisions in
// file order, and fills nil collections.
func (l *Ledger) normalize(doc *models.LedgerDocument) *models.LedgerDocument {
	out := models.NewLedgerDocument()
	if doc.SchemaVersion > models.LedgerSchemaVersion {
		l.logger.Warn("Ledger written by a newer schema",
			zap.Int("schema_version", doc.SchemaVersion),
			zap.Int("supported", models.LedgerSchemaVersion))
	}

	keys := make([]string, 0, len(doc.Accounts))
	for k := range doc.Accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		acc := doc.Accounts[k]
		if acc == nil {
			continue
		}
		handle := util.NormalizeHandle(k)
		if handle == "" {
			continue
		}
		existing, ok := out.Accounts[handle]
		if !ok {
			if acc.ArchivedStories == nil {
				acc.ArchivedStories = []models.StoryRecord{}
			}
			out.Accounts[handle] = acc
			continue
		}
		known := make(map[string]struct{}, len(existing.ArchivedStories))
		for _, s := range existing.ArchivedStories {
			known[s.StoryID] = struct{}{}
		}
		for _, s := range acc.ArchivedStories {
			if _, dup := known[s.StoryID]; !dup {
				existing.ArchivedStories = append(existing.ArchivedStories, s)
			}
		}
		if existing.AnchorPostID == "" {
			existing.AnchorPostID = acc.AnchorPostID
			existing.LastPostID = acc.LastPostID
		}
	}
	return out
}

// quarantine moves an unparseable file aside so the next save cannot destroy it
func (l *Ledger) quarantine() {
	target := fmt.Sprintf("%s.corrupt-%d", l.path, l.now().Unix())
	if err := os.Rename(l.path, target); err != nil {
		l.logger.Warn("Failed to move corrupt ledger aside", zap.String("path", l.path), zap.Error(err))
		return
	}
	l.logger.Warn("Moved corrupt ledger aside", zap.String("backup", target))
}

// mutate applies fn to a copy of the document, persists the copy and only
// then makes it current. A persist failure leaves memory and disk untouched.
func (l *Ledger) mutate(fn func(doc *models.LedgerDocument) (bool, error)) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.doc.Clone()
	next.SchemaVersion = models.LedgerSchemaVersion

	changed, err := fn(next)
	if err != nil || !changed {
		return false, err
	}

	if err := l.save(next); err != nil {
		return false, err
	}

	l.doc = next
	return true, nil
}

func (l *Ledger) save(doc *models.LedgerDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace ledger: %w", err)
	}

	return nil
}

func account(doc *models.LedgerDocument, handle string) *models.AccountLedger {
	acc, ok := doc.Accounts[handle]
	if !ok {
		acc = &models.AccountLedger{ArchivedStories: []models.StoryRecord{}}
		doc.Accounts[handle] = acc
	}
	return acc
}

func (l *Ledger) view(handle string) (*models.AccountLedger, bool) {
	acc, ok := l.doc.Accounts[util.NormalizeHandle(handle)]
	return acc, ok
}

// KnownIDs returns the ids of every archived story of an account
func (l *Ledger) KnownIDs(handle string) map[string]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make(map[string]struct{})
	if acc, ok := l.view(handle); ok {
		for _, s := range acc.ArchivedStories {
			ids[s.StoryID] = struct{}{}
		}
	}
	return ids
}

// InsertIfNew archives rec unless its id is already known. ArchivedAt is
// stamped when unset.
func (l *Ledger) InsertIfNew(handle string, rec models.StoryRecord) (bool, error) {
	handle = util.NormalizeHandle(handle)
	if rec.StoryID == "" {
		return false, errors.New("story id is required")
	}
	rec = rec.Clone()
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = l.now()
	}
	if rec.Username == "" {
		rec.Username = handle
	}
	if rec.PostIDs == nil {
		rec.PostIDs = []string{}
	}

	return l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		acc := account(doc, handle)
		for _, s := range acc.ArchivedStories {
			if s.StoryID == rec.StoryID {
				return false, nil
			}
		}
		acc.ArchivedStories = append(acc.ArchivedStories, rec)
		return true, nil
	})
}

func (l *Ledger) SetLastCheck(handle string, t time.Time) error {
	handle = util.NormalizeHandle(handle)
	_, err := l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		acc := account(doc, handle)
		acc.LastCheck = &t
		return true, nil
	})
	return err
}

func (l *Ledger) Anchor(handle string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if acc, ok := l.view(handle); ok && acc.AnchorPostID != "" {
		return acc.AnchorPostID, true
	}
	return "", false
}

func (l *Ledger) SetAnchor(handle, postID string) error {
	handle = util.NormalizeHandle(handle)
	_, err := l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		account(doc, handle).AnchorPostID = postID
		return true, nil
	})
	return err
}

func (l *Ledger) LastPost(handle string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if acc, ok := l.view(handle); ok && acc.LastPostID != "" {
		return acc.LastPostID, true
	}
	return "", false
}

func (l *Ledger) SetLastPost(handle, postID string) error {
	handle = util.NormalizeHandle(handle)
	_, err := l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		account(doc, handle).LastPostID = postID
		return true, nil
	})
	return err
}

// SetPostIDs marks a story posted. It returns false when the story is unknown.
func (l *Ledger) SetPostIDs(handle, storyID string, postIDs []string) (bool, error) {
	handle = util.NormalizeHandle(handle)
	ids := append([]string(nil), postIDs...)
	return l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		acc, ok := doc.Accounts[handle]
		if !ok {
			return false, nil
		}
		for i := range acc.ArchivedStories {
			if acc.ArchivedStories[i].StoryID == storyID {
				acc.ArchivedStories[i].PostIDs = ids
				return true, nil
			}
		}
		return false, nil
	})
}

// SetLocalPaths replaces the staging references of a story
func (l *Ledger) SetLocalPaths(handle, storyID string, paths []string) (bool, error) {
	handle = util.NormalizeHandle(handle)
	p := append([]string{}, paths...)
	return l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		acc, ok := doc.Accounts[handle]
		if !ok {
			return false, nil
		}
		for i := range acc.ArchivedStories {
			if acc.ArchivedStories[i].StoryID == storyID {
				acc.ArchivedStories[i].LocalMediaPaths = p
				return true, nil
			}
		}
		return false, nil
	})
}

// NotePrepareFailure increments the failed media preparations of a story and
// returns the new count. It returns 0 when the story is unknown.
func (l *Ledger) NotePrepareFailure(handle, storyID string) (int, error) {
	handle = util.NormalizeHandle(handle)
	count := 0
	_, err := l.mutate(func(doc *models.LedgerDocument) (bool, error) {
		acc, ok := doc.Accounts[handle]
		if !ok {
			return false, nil
		}
		for i := range acc.ArchivedStories {
			if acc.ArchivedStories[i].StoryID == storyID {
				acc.ArchivedStories[i].PrepareFailures++
				count = acc.ArchivedStories[i].PrepareFailures
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Story returns a copy of one record
func (l *Ledger) Story(handle, storyID string) (models.StoryRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if acc, ok := l.view(handle); ok {
		for _, s := range acc.ArchivedStories {
			if s.StoryID == storyID {
				return s.Clone(), true
			}
		}
	}
	return models.StoryRecord{}, false
}

// Stories returns copies of every record of an account in insertion order
func (l *Ledger) Stories(handle string) []models.StoryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.view(handle)
	if !ok {
		return nil
	}
	out := make([]models.StoryRecord, len(acc.ArchivedStories))
	for i, s := range acc.ArchivedStories {
		out[i] = s.Clone()
	}
	return out
}

// Pending returns the records without post ids in insertion order
func (l *Ledger) Pending(handle string) []models.StoryRecord {
	var out []models.StoryRecord
	for _, s := range l.Stories(handle) {
		if !s.Posted() {
			out = append(out, s)
		}
	}
	return out
}

// Accounts lists every account present in the ledger, sorted
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.doc.Accounts))
	for k := range l.doc.Accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
