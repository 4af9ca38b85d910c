package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"tropl/internal/api/middleware"
	"tropl/internal/auth"
	"tropl/internal/database"
)

// PrefixDeleter 抽象按前缀清理对象存储的能力。
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// AdminHandler 处理管理员的账号管理操作。
type AdminHandler struct {
	db      *gorm.DB
	storage PrefixDeleter
	logger  *slog.Logger
}

// NewAdminHandler 构造 AdminHandler。
func NewAdminHandler(db *gorm.DB, storageClient PrefixDeleter, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{db: db, storage: storageClient, logger: logger}
}

type adminUserItem struct {
	ID              uint   `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone,omitempty"`
	Role            string `json:"role"`
	EmailVerified   bool   `json:"email_verified"`
	HasActiveResume bool   `json:"has_active_resume"`
	CompanyName     string `json:"company_name,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// ListUsers 分页列出账号，管理员账号不在结果中。
// 支持 role / verified / search 过滤。
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	ctx := c.Request.Context()
	query := h.db.WithContext(ctx).Model(&database.User{}).
		Where("role <> ?", database.RoleAdmin)

	if role := strings.TrimSpace(c.Query("role")); role != "" {
		query = query.Where("role = ?", role)
	}
	if verified := strings.TrimSpace(c.Query("verified")); verified != "" {
		v, err := strconv.ParseBool(verified)
		if err != nil {
			BadRequest(c, "invalid verified filter")
			return
		}
		query = query.Where("email_verified = ?", v)
	}
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		Internal(c, "failed to count users")
		return
	}

	var users []database.User
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&users).Error; err != nil {
		Internal(c, "failed to list users")
		return
	}

	items := make([]adminUserItem, 0, len(users))
	for _, u := range users {
		items = append(items, adminUserItem{
			ID:              u.ID,
			Name:            u.Name,
			Email:           u.Email,
			Phone:           u.Phone,
			Role:            u.Role,
			EmailVerified:   u.EmailVerified,
			HasActiveResume: u.HasActiveResume,
			CompanyName:     u.CompanyName,
			CreatedAt:       u.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"users": items,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

type adminCreateUserRequest struct {
	Name           string `json:"name" binding:"required,min=2,max=128"`
	Email          string `json:"email" binding:"required,email"`
	Password       string `json:"password" binding:"required,min=8,max=72"`
	Phone          string `json:"phone" binding:"max=32"`
	Role           string `json:"role" binding:"required,oneof=user company"`
	CompanyName    string `json:"company_name" binding:"max=255"`
	CompanyWebsite string `json:"company_website" binding:"max=255"`
}

// CreateUser 由管理员直接创建账号，跳过邮箱验证流程。
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req adminCreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	logger := h.loggerFromContext(c).With(slog.String("email", email))

	var existing database.User
	if err := h.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; err == nil {
		Conflict(c, "email already registered")
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("create user lookup failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		logger.Error("hash password failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	user := database.User{
		Name:           strings.TrimSpace(req.Name),
		Email:          email,
		PasswordHash:   hashed,
		Phone:          strings.TrimSpace(req.Phone),
		Role:           req.Role,
		EmailVerified:  true,
		CompanyName:    strings.TrimSpace(req.CompanyName),
		CompanyWebsite: strings.TrimSpace(req.CompanyWebsite),
	}
	if err := h.db.WithContext(ctx).Create(&user).Error; err != nil {
		logger.Error("create user failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	logger.Info("user created by admin", slog.Uint64("user_id", uint64(user.ID)))
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "email": user.Email})
}

type adminUpdateUserRequest struct {
	Name           *string `json:"name"`
	Phone          *string `json:"phone"`
	Role           *string `json:"role"`
	EmailVerified  *bool   `json:"email_verified"`
	CompanyName    *string `json:"company_name"`
	CompanyWebsite *string `json:"company_website"`
}

// UpdateUser 部分更新账号字段。不允许把账号提升为管理员。
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	var req adminUpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.Role != nil && *req.Role != database.RoleUser && *req.Role != database.RoleCompany {
		BadRequest(c, "invalid role")
		return
	}

	target, ok := h.findManagedUser(c)
	if !ok {
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Phone != nil {
		updates["phone"] = strings.TrimSpace(*req.Phone)
	}
	if req.Role != nil {
		updates["role"] = *req.Role
	}
	if req.EmailVerified != nil {
		updates["email_verified"] = *req.EmailVerified
	}
	if req.CompanyName != nil {
		updates["company_name"] = strings.TrimSpace(*req.CompanyName)
	}
	if req.CompanyWebsite != nil {
		updates["company_website"] = strings.TrimSpace(*req.CompanyWebsite)
	}
	if len(updates) == 0 {
		BadRequest(c, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	if err := h.db.WithContext(ctx).Model(target).Updates(updates).Error; err != nil {
		Internal(c, "failed to update user")
		return
	}

	c.Status(http.StatusOK)
}

// DeleteUser 彻底删除账号及其全部简历版本，并清理对象存储。
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	target, ok := h.findManagedUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.Uint64("user_id", uint64(target.ID)))

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("user_id = ?", target.ID).
			Delete(&database.Resume{}).Error; err != nil {
			return fmt.Errorf("delete resumes: %w", err)
		}
		if err := tx.Unscoped().Delete(&database.User{}, target.ID).Error; err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error("delete user failed", slog.Any("error", err))
		Internal(c, "failed to delete user")
		return
	}

	prefix := fmt.Sprintf("resumes/%d/", target.ID)
	if err := h.storage.DeletePrefix(ctx, prefix); err != nil {
		logger.Warn("delete user objects failed",
			slog.String("prefix", prefix),
			slog.Any("error", err),
		)
	}

	logger.Info("user deleted by admin")
	c.Status(http.StatusNoContent)
}

// GetStats 返回平台级统计。
func (h *AdminHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	type roleCount struct {
		Role  string
		Count int64
	}
	var byRole []roleCount
	if err := h.db.WithContext(ctx).Model(&database.User{}).
		Select("role, count(*) as count").
		Where("role <> ?", database.RoleAdmin).
		Group("role").
		Scan(&byRole).Error; err != nil {
		Internal(c, "failed to aggregate users")
		return
	}
	roles := make(map[string]int64, len(byRole))
	var totalUsers int64
	for _, r := range byRole {
		roles[r.Role] = r.Count
		totalUsers += r.Count
	}

	var verified int64
	if err := h.db.WithContext(ctx).Model(&database.User{}).
		Where("role <> ? AND email_verified = ?", database.RoleAdmin, true).
		Count(&verified).Error; err != nil {
		Internal(c, "failed to count verified users")
		return
	}

	type statusCount struct {
		ParsingStatus string
		Count         int64
	}
	var byStatus []statusCount
	if err := h.db.WithContext(ctx).Model(&database.Resume{}).
		Select("parsing_status, count(*) as count").
		Group("parsing_status").
		Scan(&byStatus).Error; err != nil {
		Internal(c, "failed to aggregate resumes")
		return
	}
	statuses := make(map[string]int64, len(byStatus))
	var totalResumes int64
	for _, s := range byStatus {
		statuses[s.ParsingStatus] = s.Count
		totalResumes += s.Count
	}

	c.JSON(http.StatusOK, gin.H{
		"total_users":       totalUsers,
		"users_by_role":     roles,
		"verified_users":    verified,
		"total_resumes":     totalResumes,
		"resumes_by_status": statuses,
	})
}

// findManagedUser 加载路径参数指定的账号；管理员账号不可被管理接口操作。
func (h *AdminHandler) findManagedUser(c *gin.Context) (*database.User, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, "invalid user id")
		return nil, false
	}

	var user database.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "user not found")
			return nil, false
		}
		Internal(c, "internal error")
		return nil, false
	}
	if user.Role == database.RoleAdmin {
		Forbidden(c, "cannot manage admin accounts")
		return nil, false
	}
	return &user, true
}

func (h *AdminHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
