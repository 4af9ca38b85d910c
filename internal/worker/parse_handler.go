package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"tropl/internal/ai"
	"tropl/internal/database"
	"tropl/internal/errcode"
	"tropl/internal/resume"
	"tropl/internal/storage"
	"tropl/internal/tasks"
)

// Extractor 抽象简历解析所依赖的模型调用，便于测试替换。
type Extractor interface {
	ParseResume(ctx context.Context, pdf []byte) (*resume.ParsedData, error)
	AnalyzeResume(ctx context.Context, parsed *resume.ParsedData) (*resume.AIAnalysis, error)
}

// ObjectFetcher 抽象对象存储读取。
type ObjectFetcher interface {
	FetchObject(ctx context.Context, objectKey string) ([]byte, error)
}

// ParseTaskHandler 负责消费简历解析任务。
type ParseTaskHandler struct {
	db          *gorm.DB
	extractor   Extractor
	fetcher     ObjectFetcher
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewParseTaskHandler 创建任务处理器。
func NewParseTaskHandler(
	db *gorm.DB,
	extractor Extractor,
	fetcher ObjectFetcher,
	redisClient *redis.Client,
	logger *slog.Logger,
) *ParseTaskHandler {
	return &ParseTaskHandler{
		db:          db,
		extractor:   extractor,
		fetcher:     fetcher,
		redisClient: redisClient,
		logger:      logger,
	}
}

// ProcessTask 实现 asynq.Handler。
//
// Failure handling is split in two: extraction failures mark the version
// failed and are retried by asynq, analysis failures degrade to a stub so a
// flaky scorer never blocks the parsed data from landing.
func (h *ParseTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	log := h.logger

	var payload tasks.ResumeParsePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return err
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Int("resume_id", int(payload.ResumeID)),
		slog.Int("user_id", int(payload.UserID)),
	)
	log.Info("Starting resume parse task...")

	var version database.Resume
	if err := h.db.WithContext(ctx).First(&version, payload.ResumeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("resume version not found, skipping task")
			return nil
		}
		log.Error("query resume version failed", slog.Any("error", err))
		return err
	}
	if version.ParsingStatus == database.ParsingCompleted {
		log.Info("resume version already parsed, skipping task")
		return nil
	}

	defer func() {
		if retErr == nil {
			return
		}
		if !isFinalAsynqAttempt(ctx) {
			return
		}

		if err := h.markFailed(ctx, &version, retErr); err != nil {
			log.Error("mark resume version failed state failed", slog.Any("error", err))
		}
		notify := ParseNotifyMessage{
			Status:        "error",
			ResumeID:      version.ID,
			Version:       version.Version,
			CorrelationID: payload.CorrelationID,
			ErrorCode:     errcode.SystemError,
			ErrorMessage:  strings.TrimSpace(retErr.Error()),
		}
		if err := h.publishParseNotify(ctx, version.UserID, notify); err != nil {
			log.Error("publish parse error notification failed", slog.Any("error", err))
		}
	}()

	if err := h.db.WithContext(ctx).Model(&version).
		Update("parsing_status", database.ParsingProcessing).Error; err != nil {
		log.Error("mark resume version processing failed", slog.Any("error", err))
		return err
	}

	pdfBytes, err := h.fetcher.FetchObject(ctx, version.ObjectKey)
	if err != nil {
		log.Error("fetch resume pdf from storage failed", slog.Any("error", err))
		return err
	}

	parsed, err := h.extractor.ParseResume(ctx, pdfBytes)
	if err != nil {
		if errors.Is(err, ai.ErrEmptyExtraction) {
			// 文档本身不可解析，重试也不会有结果。
			log.Warn("resume document is unparseable")
			if markErr := h.markFailed(ctx, &version, err); markErr != nil {
				return markErr
			}
			notify := ParseNotifyMessage{
				Status:        "error",
				ResumeID:      version.ID,
				Version:       version.Version,
				CorrelationID: payload.CorrelationID,
				ErrorCode:     errcode.ParseRejected,
				ErrorMessage:  "无法从该文件中提取简历内容",
			}
			if pubErr := h.publishParseNotify(ctx, version.UserID, notify); pubErr != nil {
				log.Error("publish parse rejection failed", slog.Any("error", pubErr))
			}
			return nil
		}
		log.Error("extract resume data failed", slog.Any("error", err))
		return err
	}

	h.fillContactInfo(ctx, version.UserID, parsed)

	analysis, err := h.extractor.AnalyzeResume(ctx, parsed)
	if err != nil {
		log.Warn("analyze resume failed, storing degraded analysis", slog.Any("error", err))
		analysis = degradedAnalysis()
	}
	now := time.Now()
	analysis.AnalyzedAt = &now

	parsedJSON, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("encode parsed data: %w", err)
	}
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}

	update := map[string]any{
		"parsed_data":    parsedJSON,
		"ai_analysis":    analysisJSON,
		"parsing_status": database.ParsingCompleted,
		"parsing_error":  "",
		"parsed_at":      now,
	}
	if parsed.SocialLinks != nil {
		socialJSON, err := json.Marshal(parsed.SocialLinks)
		if err != nil {
			return fmt.Errorf("encode social links: %w", err)
		}
		update["social_links"] = socialJSON
	}
	if err := h.db.WithContext(ctx).Model(&version).Updates(update).Error; err != nil {
		log.Error("persist parsed resume failed", slog.Any("error", err))
		return err
	}

	notify := ParseNotifyMessage{
		Status:        "completed",
		ResumeID:      version.ID,
		Version:       version.Version,
		CorrelationID: payload.CorrelationID,
		ErrorCode:     errcode.OK,
	}
	if err := h.publishParseNotify(ctx, version.UserID, notify); err != nil {
		log.Error("publish redis notification failed", slog.Any("error", err))
		return err
	}

	log.Info("Resume parse task completed successfully.")
	return nil
}

// fillContactInfo 用账号资料补齐解析结果中缺失的联系方式。
func (h *ParseTaskHandler) fillContactInfo(ctx context.Context, userID uint, parsed *resume.ParsedData) {
	var user database.User
	if err := h.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return
	}
	if parsed.PersonalInfo.Name == "" {
		parsed.PersonalInfo.Name = user.Name
	}
	if parsed.PersonalInfo.Email == "" {
		parsed.PersonalInfo.Email = user.Email
	}
	if parsed.PersonalInfo.Phone == "" {
		parsed.PersonalInfo.Phone = user.Phone
	}
}

func (h *ParseTaskHandler) markFailed(ctx context.Context, version *database.Resume, cause error) error {
	msg := strings.TrimSpace(cause.Error())
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return h.db.WithContext(ctx).Model(version).Updates(map[string]any{
		"parsing_status": database.ParsingFailed,
		"parsing_error":  msg,
	}).Error
}

func (h *ParseTaskHandler) publishParseNotify(ctx context.Context, userID uint, notify ParseNotifyMessage) error {
	data, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := fmt.Sprintf("user_notify:%d", userID)
	if err := h.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}

func degradedAnalysis() *resume.AIAnalysis {
	return &resume.AIAnalysis{
		Suggestions: []string{"自动评估暂时不可用，稍后可在简历详情页重新触发。"},
	}
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}

// StorageFetcher adapts the MinIO client to ObjectFetcher.
type StorageFetcher struct {
	Client *storage.Client
}

// FetchObject 读取对象的全部内容。
func (f StorageFetcher) FetchObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := f.Client.GetObject(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", objectKey, err)
	}
	return data, nil
}
