package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/models"
)

// JournalService keeps an audit trail of runs, failures and orphaned
// uploads next to the ledger. It never decides pipeline state.
type JournalService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewJournalService(db *gorm.DB, logger *zap.Logger) *JournalService {
	return &JournalService{
		db:     db,
		logger: logger,
	}
}

// RecordRun stores a finished run with its per-account counters
func (j *JournalService) RecordRun(summary *models.RunSummary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	record := &models.RunRecord{
		RunID:      summary.RunID,
		Mode:       summary.Mode,
		Policy:     summary.Policy,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Failures:   summary.Failures(),
		Summary:    string(encoded),
	}
	for _, a := range summary.Accounts {
		record.Accounts = append(record.Accounts, models.AccountRunStat{
			Account:         a.Account,
			Fetched:         a.Fetched,
			NewlyArchived:   a.NewlyArchived,
			AlreadyArchived: a.AlreadyArchived,
			AlreadyPosted:   a.AlreadyPosted,
			Backfilled:      a.Backfilled,
			StoriesPosted:   a.StoriesPosted,
			PostsCreated:    a.PostsCreated,
			Failed:          a.Failed,
		})
	}

	if err := j.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	j.logger.Debug("Run journaled", zap.String("run_id", summary.RunID), zap.Int("accounts", len(record.Accounts)))
	return nil
}

// RecordError 记录错误日志
func (j *JournalService) RecordError(level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	return j.db.Create(errorLog).Error
}

// RecordFailure journals a pipeline failure scoped to a run, account and
// optionally a story
func (j *JournalService) RecordFailure(runID, account, storyID, source string, err error) error {
	ctx := map[string]interface{}{}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		ctx["kind"] = apiErr.Kind
		if apiErr.StatusCode != 0 {
			ctx["status_code"] = apiErr.StatusCode
		}
	}

	title := fmt.Sprintf("%s failure for @%s", source, account)
	return j.RecordError("ERROR", source, title, err.Error(),
		WithRun(runID), WithAccount(account), WithStory(storyID), WithContext(ctx))
}

// ErrorLogOption 错误日志选项
type ErrorLogOption func(*models.ErrorLog)

func WithAccount(account string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Account = account
	}
}

func WithStory(storyID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.StoryID = storyID
	}
}

func WithRun(runID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.RunID = runID
	}
}

// WithStackTrace 设置堆栈信息
func WithStackTrace(stackTrace string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.StackTrace = stackTrace
	}
}

// WithContext 设置上下文信息
func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordOrphan remembers uploaded media whose post was never created
func (j *JournalService) RecordOrphan(orphan *models.OrphanUpload) error {
	if err := j.db.Create(orphan).Error; err != nil {
		return fmt.Errorf("failed to record orphan upload: %w", err)
	}
	return nil
}

// ResolveError marks an error log entry as handled
func (j *JournalService) ResolveError(id uint) error {
	now := time.Now()
	result := j.db.Model(&models.ErrorLog{}).Where("id = ?", id).Updates(map[string]interface{}{
		"resolved":    true,
		"resolved_at": now,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to resolve error log: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetRecentRuns 获取最近的运行记录
func (j *JournalService) GetRecentRuns(limit int) ([]models.RunRecord, error) {
	var runs []models.RunRecord
	err := j.db.Preload("Accounts").
		Order("started_at desc").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// GetRun returns one run by its id, nil when unknown
func (j *JournalService) GetRun(runID string) (*models.RunRecord, error) {
	var run models.RunRecord
	err := j.db.Preload("Accounts").Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRecentErrors 获取最近的错误日志
func (j *JournalService) GetRecentErrors(limit int, unresolvedOnly bool) ([]models.ErrorLog, error) {
	var logs []models.ErrorLog
	query := j.db.Order("created_at desc").Limit(limit)
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	err := query.Find(&logs).Error
	return logs, err
}

func (j *JournalService) GetOrphans(account string, limit int) ([]models.OrphanUpload, error) {
	var orphans []models.OrphanUpload
	query := j.db.Order("created_at desc").Limit(limit)
	if account != "" {
		query = query.Where("account = ?", account)
	}
	err := query.Find(&orphans).Error
	return orphans, err
}

// CleanupOldData 清理旧数据
func (j *JournalService) CleanupOldData(daysToKeep int) error {
	cutoffDate := time.Now().AddDate(0, 0, -daysToKeep)

	var staleRuns []uint
	if err := j.db.Model(&models.RunRecord{}).Where("started_at < ?", cutoffDate).Pluck("id", &staleRuns).Error; err != nil {
		return fmt.Errorf("failed to find old runs: %w", err)
	}
	if len(staleRuns) > 0 {
		if err := j.db.Where("run_record_id IN ?", staleRuns).Delete(&models.AccountRunStat{}).Error; err != nil {
			return fmt.Errorf("failed to cleanup account stats: %w", err)
		}
		if err := j.db.Where("id IN ?", staleRuns).Delete(&models.RunRecord{}).Error; err != nil {
			return fmt.Errorf("failed to cleanup runs: %w", err)
		}
	}

	// 清理已解决的旧错误日志
	if err := j.db.Where("created_at < ? AND resolved = ?", cutoffDate, true).Delete(&models.ErrorLog{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup resolved errors: %w", err)
	}

	if err := j.db.Where("created_at < ?", cutoffDate).Delete(&models.OrphanUpload{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup orphan uploads: %w", err)
	}

	j.logger.Info("Journal cleaned up", zap.Int("days_kept", daysToKeep), zap.Int("runs_removed", len(staleRuns)))
	return nil
}
