package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tropl/internal/api/middleware"
	"tropl/internal/database"
	"tropl/internal/resume"
	"tropl/internal/tasks"
)

// ObjectStore 抽象简历文件所需的对象存储操作。
type ObjectStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// ResumeHandler 负责处理简历版本相关的 API 请求。
type ResumeHandler struct {
	db        *gorm.DB
	store     *resume.Store
	enqueuer  TaskEnqueuer
	storage   ObjectStore
	logger    *slog.Logger
	maxBytes  int64
	clamdAddr string
}

// NewResumeHandler 构造 ResumeHandler。
func NewResumeHandler(
	db *gorm.DB,
	store *resume.Store,
	enqueuer TaskEnqueuer,
	objectStore ObjectStore,
	logger *slog.Logger,
	maxBytes int64,
	clamdAddr string,
) *ResumeHandler {
	return &ResumeHandler{
		db:        db,
		store:     store,
		enqueuer:  enqueuer,
		storage:   objectStore,
		logger:    logger,
		maxBytes:  maxBytes,
		clamdAddr: clamdAddr,
	}
}

var errInvalidResumeID = errors.New("invalid resume id")

type versionResponse struct {
	ID                uint           `json:"id"`
	Version           uint           `json:"version"`
	IsActive          bool           `json:"is_active"`
	PreviousVersionID *uint          `json:"previous_version_id,omitempty"`
	FileName          string         `json:"file_name"`
	FileURL           string         `json:"file_url,omitempty"`
	FileSize          int64          `json:"file_size"`
	FileType          string         `json:"file_type,omitempty"`
	ParsedData        datatypes.JSON `json:"parsed_data,omitempty"`
	AIAnalysis        datatypes.JSON `json:"ai_analysis,omitempty"`
	SocialLinks       datatypes.JSON `json:"social_links,omitempty"`
	ParsingStatus     string         `json:"parsing_status"`
	ParsingError      string         `json:"parsing_error,omitempty"`
	ParsedAt          *time.Time     `json:"parsed_at,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// UploadResume 接收一份 PDF 简历，创建新的激活版本并触发异步解析。
// 返回 202：解析结果通过 WebSocket 通知或轮询获得。
func (h *ResumeHandler) UploadResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	logger := h.loggerFromContext(c).With(slog.Uint64("user_id", uint64(userID)))

	file, err := c.FormFile("resume")
	if err != nil {
		BadRequest(c, "missing resume file")
		return
	}

	if h.maxBytes > 0 && file.Size > h.maxBytes {
		Error(c, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d MB limit", h.maxBytes/(1024*1024)))
		return
	}
	if !isPDFUpload(file.Filename, file.Header.Get("Content-Type")) {
		BadRequest(c, "only PDF files are accepted")
		return
	}

	if h.clamdAddr != "" {
		clean, err := h.scanUpload(file)
		if err != nil {
			logger.Error("scan resume failed", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return
		}
		if !clean {
			BadRequest(c, "malicious file detected")
			return
		}
	}

	fileReader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	defer fileReader.Close()

	ctx := c.Request.Context()
	objectKey := fmt.Sprintf("resumes/%d/%s.pdf", userID, uuid.NewString())
	if _, err := h.storage.UploadFile(ctx, objectKey, fileReader, file.Size, "application/pdf"); err != nil {
		logger.Error("upload resume to storage failed", slog.Any("error", err))
		Internal(c, "failed to store file")
		return
	}

	created, err := h.store.CreateVersion(ctx, userID, resume.CreateInput{
		FileName:  file.Filename,
		ObjectKey: objectKey,
		FileSize:  file.Size,
		FileType:  "application/pdf",
		Status:    database.ParsingPending,
	})
	if err != nil {
		if errors.Is(err, resume.ErrNotFound) {
			NotFound(c, "account not found")
			return
		}
		logger.Error("create resume version failed", slog.Any("error", err))
		Internal(c, "failed to create resume version")
		return
	}

	correlationID := middleware.GetCorrelationID(c)
	task, err := tasks.NewResumeParseTask(created.ID, userID, correlationID)
	if err != nil {
		Internal(c, "failed to create task")
		return
	}
	if _, err := h.enqueuer.Enqueue(task, asynq.MaxRetry(3)); err != nil {
		logger.Error("enqueue resume parse failed", slog.Any("error", err))
		Internal(c, "failed to enqueue parsing")
		return
	}

	logger.Info("resume version created",
		slog.Uint64("resume_id", uint64(created.ID)),
		slog.Uint64("version", uint64(created.Version)),
	)
	c.JSON(http.StatusAccepted, newVersionResponse(*created))
}

// GetResume 默认返回当前激活版本；`?action=history` 返回版本历史摘要。
func (h *ResumeHandler) GetResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()

	if c.Query("action") == "history" {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		summaries, err := h.store.ListHistory(ctx, userID, limit)
		if err != nil {
			Internal(c, "failed to list history")
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": summaries, "count": len(summaries)})
		return
	}

	active, err := h.store.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, resume.ErrNoActiveVersion) {
			NotFound(c, "no active resume")
			return
		}
		Internal(c, "failed to query active resume")
		return
	}

	c.JSON(http.StatusOK, newVersionResponse(*active))
}

// GetResumeByID 返回指定版本，所有权不符一律按不存在处理。
func (h *ResumeHandler) GetResumeByID(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	target, err := h.getOwnedVersion(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.replyVersionError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVersionResponse(*target))
}

type updateResumeRequest struct {
	ParsedData  datatypes.JSON `json:"parsed_data"`
	AIAnalysis  datatypes.JSON `json:"ai_analysis"`
	SocialLinks datatypes.JSON `json:"social_links"`
	Notes       *string        `json:"notes"`
}

// UpdateResume 合并更新解析内容与备注。
// 版本号与激活状态不在可编辑范围内。
func (h *ResumeHandler) UpdateResume(c *gin.Context) {
	var req updateResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	target, err := h.getOwnedVersion(ctx, c.Param("id"), userID)
	if err != nil {
		h.replyVersionError(c, err)
		return
	}

	updates := map[string]any{}
	if len(req.ParsedData) > 0 {
		updates["parsed_data"] = req.ParsedData
	}
	if len(req.AIAnalysis) > 0 {
		updates["ai_analysis"] = req.AIAnalysis
	}
	if len(req.SocialLinks) > 0 {
		updates["social_links"] = req.SocialLinks
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}
	if len(updates) == 0 {
		BadRequest(c, "nothing to update")
		return
	}

	if err := h.db.WithContext(ctx).Model(target).Updates(updates).Error; err != nil {
		Internal(c, "failed to update resume")
		return
	}
	if err := h.db.WithContext(ctx).First(target, target.ID).Error; err != nil {
		Internal(c, "failed to reload resume")
		return
	}

	c.JSON(http.StatusOK, newVersionResponse(*target))
}

// ActivateResume 将指定历史版本恢复为当前激活版本。
func (h *ResumeHandler) ActivateResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resumeID, err := parseResumeID(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid resume id")
		return
	}

	activated, err := h.store.ActivateVersion(c.Request.Context(), resumeID, userID)
	if err != nil {
		h.replyVersionError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVersionResponse(*activated))
}

// DeactivateResume 将版本软移除：保留在历史中但不再处于激活态。
func (h *ResumeHandler) DeactivateResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resumeID, err := parseResumeID(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid resume id")
		return
	}

	if err := h.store.Deactivate(c.Request.Context(), resumeID, userID); err != nil {
		h.replyVersionError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteResume 彻底删除一个版本，并尽力清理对象存储。
// 删除激活版本后不会自动提升旧版本。
func (h *ResumeHandler) DeleteResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	target, err := h.getOwnedVersion(ctx, c.Param("id"), userID)
	if err != nil {
		h.replyVersionError(c, err)
		return
	}

	if err := h.store.DeleteVersion(ctx, target.ID, userID); err != nil {
		h.replyVersionError(c, err)
		return
	}

	if target.ObjectKey != "" {
		if err := h.storage.DeleteObject(ctx, target.ObjectKey); err != nil {
			h.loggerFromContext(c).Warn("delete resume object failed",
				slog.String("object_key", target.ObjectKey),
				slog.Any("error", err),
			)
		}
	}

	c.Status(http.StatusNoContent)
}

// GetDownloadLink 生成原始 PDF 的预签名下载链接。
func (h *ResumeHandler) GetDownloadLink(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	target, err := h.getOwnedVersion(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.replyVersionError(c, err)
		return
	}
	if target.ObjectKey == "" {
		Conflict(c, "file not available")
		return
	}

	signedURL, err := h.storage.GeneratePresignedURL(c.Request.Context(), target.ObjectKey, 5*time.Minute)
	if err != nil {
		Internal(c, "failed to generate download link")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

// GetStats 返回账号的版本统计。
func (h *ResumeHandler) GetStats(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()

	var total int64
	if err := h.db.WithContext(ctx).Model(&database.Resume{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		Internal(c, "failed to count versions")
		return
	}

	type statusCount struct {
		ParsingStatus string
		Count         int64
	}
	var byStatus []statusCount
	if err := h.db.WithContext(ctx).Model(&database.Resume{}).
		Select("parsing_status, count(*) as count").
		Where("user_id = ?", userID).
		Group("parsing_status").
		Scan(&byStatus).Error; err != nil {
		Internal(c, "failed to aggregate versions")
		return
	}
	statuses := make(map[string]int64, len(byStatus))
	for _, s := range byStatus {
		statuses[s.ParsingStatus] = s.Count
	}

	hasActive := false
	if _, err := h.store.GetActive(ctx, userID); err == nil {
		hasActive = true
	}

	c.JSON(http.StatusOK, gin.H{
		"total_versions": total,
		"by_status":      statuses,
		"has_active":     hasActive,
	})
}

// scanUpload 将上传内容送入 clamd 流式扫描。
func (h *ResumeHandler) scanUpload(file *multipart.FileHeader) (bool, error) {
	clamdClient := clamd.NewClamd(h.clamdAddr)

	fileReader, err := file.Open()
	if err != nil {
		return false, fmt.Errorf("open upload: %w", err)
	}

	abortChan := make(chan bool)
	scanChan, err := clamdClient.ScanStream(fileReader, abortChan)
	fileReader.Close()
	if err != nil {
		return false, fmt.Errorf("scan stream: %w", err)
	}
	defer close(abortChan)

	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			return false, nil
		}
	}
	return true, nil
}

func (h *ResumeHandler) getOwnedVersion(ctx context.Context, idParam string, userID uint) (*database.Resume, error) {
	resumeID, err := parseResumeID(idParam)
	if err != nil {
		return nil, errInvalidResumeID
	}
	return h.store.GetOwned(ctx, resumeID, userID)
}

func (h *ResumeHandler) replyVersionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidResumeID):
		BadRequest(c, "invalid resume id")
	case errors.Is(err, resume.ErrNotFound):
		NotFound(c, "resume not found")
	default:
		h.loggerFromContext(c).Error("resume operation failed", slog.Any("error", err))
		Internal(c, "internal error")
	}
}

func (h *ResumeHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

func parseResumeID(idParam string) (uint, error) {
	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil || id == 0 {
		return 0, errInvalidResumeID
	}
	return uint(id), nil
}

func isPDFUpload(filename, contentType string) bool {
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return false
	}
	if contentType == "" {
		return true
	}
	return strings.EqualFold(contentType, "application/pdf")
}

func userIDFromContext(c *gin.Context) (uint, bool) {
	value, exists := c.Get("userID")
	if !exists {
		return 0, false
	}

	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case uint64:
		return uint(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}

func newVersionResponse(r database.Resume) versionResponse {
	return versionResponse{
		ID:                r.ID,
		Version:           r.Version,
		IsActive:          r.IsActive,
		PreviousVersionID: r.PreviousVersionID,
		FileName:          r.FileName,
		FileURL:           r.FileURL,
		FileSize:          r.FileSize,
		FileType:          r.FileType,
		ParsedData:        r.ParsedData,
		AIAnalysis:        r.AIAnalysis,
		SocialLinks:       r.SocialLinks,
		ParsingStatus:     r.ParsingStatus,
		ParsingError:      r.ParsingError,
		ParsedAt:          r.ParsedAt,
		Notes:             r.Notes,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
