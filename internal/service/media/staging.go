// Package media manages the local staging area for story media: downloads,
// size-bounded transcoding and eviction.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/pkg/util"
)

const (
	compressedSuffix = "_compressed"
	partialSuffix    = ".part"
	copyBufferSize   = 8192
)

// ErrDownloadFailed wraps every materialize failure
var ErrDownloadFailed = errors.New("download failed")

// MediaID identifies one media item of a story
type MediaID struct {
	Account string
	StoryID string
	Index   int
}

func (id MediaID) String() string {
	return fmt.Sprintf("%s_%s_%d", id.Account, id.StoryID, id.Index)
}

func (id MediaID) base() string {
	return fmt.Sprintf("%s_%d", id.StoryID, id.Index)
}

type Config struct {
	Dir             string
	MaxImageBytes   int64
	DownloadTimeout time.Duration
}

type Staging struct {
	config Config
	logger *zap.Logger
	client *http.Client
}

func NewStaging(cfg Config, logger *zap.Logger) *Staging {
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	return &Staging{
		config: cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.DownloadTimeout,
		},
	}
}

func (s *Staging) Dir() string {
	return s.config.Dir
}

func (s *Staging) accountDir(account string) string {
	return filepath.Join(s.config.Dir, util.NormalizeHandle(account))
}

// CanonicalPath is where the downloaded blob of id lives
func (s *Staging) CanonicalPath(id MediaID, t models.MediaType) string {
	return filepath.Join(s.accountDir(id.Account), id.base()+t.Extension())
}

func (s *Staging) transcodedPath(id MediaID) string {
	return filepath.Join(s.accountDir(id.Account), id.base()+compressedSuffix+".jpg")
}

// Locate finds an existing blob, preferring the transcoded variant
func (s *Staging) Locate(id MediaID) (string, bool) {
	candidates := []string{
		s.transcodedPath(id),
		s.CanonicalPath(id, models.MediaTypeImage),
		s.CanonicalPath(id, models.MediaTypeVideo),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Materialize downloads url into the canonical path of id. An existing
// complete blob is reused without touching the network.
func (s *Staging) Materialize(ctx context.Context, url string, id MediaID, t models.MediaType) (string, error) {
	target := s.CanonicalPath(id, t)
	if _, err := os.Stat(target); err == nil {
		s.logger.Debug("Media already staged", zap.String("media_id", id.String()), zap.String("path", target))
		return target, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create staging directory: %v", ErrDownloadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %v", ErrDownloadFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, apierr.FromTransport("staging", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, apierr.FromStatus("staging", resp.StatusCode, string(body)))
	}

	partial := target + partialSuffix
	written, err := writeStream(partial, resp.Body)
	if err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if written == 0 {
		_ = os.Remove(partial)
		return "", fmt.Errorf("%w: empty response body", ErrDownloadFailed)
	}

	if err := checkContent(partial, t); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("%w: failed to finalize download: %v", ErrDownloadFailed, err)
	}

	s.logger.Info("Downloaded media",
		zap.String("media_id", id.String()),
		zap.String("path", target),
		zap.String("size", humanize.Bytes(uint64(written))))

	return target, nil
}

func writeStream(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.CopyBuffer(f, r, make([]byte, copyBufferSize))
	if err != nil {
		_ = f.Close()
		return n, fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("failed to close file: %w", err)
	}
	return n, nil
}

// checkContent rejects error pages served with a 200 status
func checkContent(path string, t models.MediaType) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect content type: %w", err)
	}
	kind := mtype.String()
	switch {
	case strings.HasPrefix(kind, "image/"), strings.HasPrefix(kind, "video/"):
		return nil
	case t == models.MediaTypeVideo && kind == "application/octet-stream":
		return nil
	default:
		return fmt.Errorf("unexpected content type %s", kind)
	}
}

// Prepare returns a postable local path for one media item: an existing blob,
// or a fresh download transcoded to fit the size budget.
func (s *Staging) Prepare(ctx context.Context, url string, id MediaID, t models.MediaType) (string, error) {
	if p, ok := s.Locate(id); ok {
		// a crash between download and transcode leaves only the canonical image
		if p == s.CanonicalPath(id, models.MediaTypeImage) {
			p = s.TranscodeIfNeeded(p, s.config.MaxImageBytes)
		}
		return p, nil
	}
	if url == "" {
		return "", fmt.Errorf("%w: no source url for %s", ErrDownloadFailed, id)
	}
	p, err := s.Materialize(ctx, url, id, t)
	if err != nil {
		return "", err
	}
	if t == models.MediaTypeImage {
		p = s.TranscodeIfNeeded(p, s.config.MaxImageBytes)
	}
	return p, nil
}

// Evict removes a blob together with its canonical or transcoded sibling.
// It reports false when path did not exist.
func (s *Staging) Evict(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}

	for _, sibling := range siblings(path) {
		if err := os.Remove(sibling); err == nil {
			s.logger.Debug("Evicted sibling blob", zap.String("path", sibling))
		}
	}

	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to evict blob", zap.String("path", path), zap.Error(err))
		return false
	}
	s.logger.Debug("Evicted blob", zap.String("path", path))
	return true
}

func siblings(path string) []string {
	dir, name := filepath.Split(path)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	if strings.HasSuffix(stem, compressedSuffix) {
		base := strings.TrimSuffix(stem, compressedSuffix)
		return []string{filepath.Join(dir, base+".jpg")}
	}
	if ext == ".jpg" {
		return []string{filepath.Join(dir, stem+compressedSuffix+".jpg")}
	}
	return nil
}

type blob struct {
	path    string
	modTime time.Time
}

func (s *Staging) blobs(root string) []blob {
	var out []blob
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || strings.HasSuffix(path, partialSuffix) {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".jpg" && ext != ".mp4" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, blob{path: path, modTime: info.ModTime()})
		return nil
	})
	return out
}

// EvictOldest keeps the newest keep blobs and evicts the rest, returning
// the number of evictions.
func (s *Staging) EvictOldest(keep int) int {
	all := s.blobs(s.config.Dir)
	if len(all) <= keep {
		return 0
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].modTime.After(all[j].modTime)
	})

	evicted := 0
	for _, b := range all[keep:] {
		if s.Evict(b.path) {
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Info("Evicted old staged media", zap.Int("evicted", evicted), zap.Int("kept", keep))
	}
	return evicted
}

// StagedBlob is a blob parsed back into its identity
type StagedBlob struct {
	ID        MediaID
	Type      models.MediaType
	Path      string
	ModTime   time.Time
	Transcode bool
}

// Scan lists the blobs of one account whose name follows the staging
// convention. Each item index appears once, the transcoded variant winning.
func (s *Staging) Scan(account string) []StagedBlob {
	account = util.NormalizeHandle(account)
	byID := make(map[string]StagedBlob)

	for _, b := range s.blobs(s.accountDir(account)) {
		sb, ok := parseBlobName(account, b.path)
		if !ok {
			continue
		}
		sb.ModTime = b.modTime
		key := sb.ID.String()
		if existing, ok := byID[key]; ok && existing.Transcode {
			continue
		}
		byID[key] = sb
	}

	out := make([]StagedBlob, 0, len(byID))
	for _, sb := range byID {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.StoryID != out[j].ID.StoryID {
			return out[i].ID.StoryID < out[j].ID.StoryID
		}
		return out[i].ID.Index < out[j].ID.Index
	})
	return out
}

func parseBlobName(account, path string) (StagedBlob, bool) {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	sb := StagedBlob{Path: path, Type: models.MediaTypeImage}
	if ext == ".mp4" {
		sb.Type = models.MediaTypeVideo
	}
	if strings.HasSuffix(stem, compressedSuffix) {
		stem = strings.TrimSuffix(stem, compressedSuffix)
		sb.Transcode = true
	}

	cut := strings.LastIndex(stem, "_")
	if cut <= 0 || cut == len(stem)-1 {
		return StagedBlob{}, false
	}
	index, err := strconv.Atoi(stem[cut+1:])
	if err != nil || index < 0 {
		return StagedBlob{}, false
	}

	sb.ID = MediaID{Account: account, StoryID: stem[:cut], Index: index}
	return sb, true
}
