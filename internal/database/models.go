package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 账号角色。自助注册只能得到 RoleUser，其余由管理员分配。
const (
	RoleUser    = "user"
	RoleCompany = "company"
	RoleAdmin   = "admin"
)

// 简历解析状态。
const (
	ParsingPending    = "pending"
	ParsingProcessing = "processing"
	ParsingCompleted  = "completed"
	ParsingFailed     = "failed"
)

// User 表示系统中的账号信息。
//
// ActiveResumeID/HasActiveResume are a denormalized convenience pointer at
// the active resume; the authoritative state is Resume.IsActive. Write paths
// in the resume store keep them in sync, readers may recompute when in doubt.
//
// ResumeVersionSeq is the per-account version counter. It only ever grows,
// so version numbers stay strictly increasing even after the highest
// version row has been deleted.
type User struct {
	gorm.Model
	Name             string `gorm:"size:128"`
	Email            string `gorm:"uniqueIndex;size:255"`
	PasswordHash     string `gorm:"size:255"`
	Phone            string `gorm:"size:32"`
	Role             string `gorm:"size:16;default:user;index"`
	EmailVerified    bool   `gorm:"default:false"`
	OTPCode          *string
	OTPExpiresAt     *time.Time
	ActiveResumeID   *uint
	HasActiveResume  bool `gorm:"default:false"`
	ResumeVersionSeq uint `gorm:"default:0"`
	ProfileCompleted bool `gorm:"default:false"`
	// 公司账号附加信息。
	CompanyName    string   `gorm:"size:255"`
	CompanyWebsite string   `gorm:"size:255"`
	Resumes        []Resume `gorm:"constraint:OnDelete:CASCADE"`
}

// Resume 表示用户上传简历的一个版本快照。
//
// Version is unique per account and assigned once at creation. At most one
// row per account carries IsActive=true; the store enforces that inside a
// per-account transaction. PreviousVersionID is a lookup-only back reference
// forming the linear history chain.
type Resume struct {
	gorm.Model
	UserID            uint `gorm:"index;index:idx_resumes_user_active,priority:1;index:idx_resumes_user_version,priority:1"`
	User              User `gorm:"constraint:OnDelete:CASCADE"`
	Version           uint `gorm:"index:idx_resumes_user_version,priority:2"`
	IsActive          bool `gorm:"index:idx_resumes_user_active,priority:2"`
	PreviousVersionID *uint

	FileName  string `gorm:"size:255"`
	ObjectKey string `gorm:"size:512"`
	FileURL   string `gorm:"size:512"`
	FileSize  int64
	FileType  string `gorm:"size:64"`

	ParsedData  datatypes.JSON `gorm:"type:jsonb"`
	AIAnalysis  datatypes.JSON `gorm:"type:jsonb"`
	SocialLinks datatypes.JSON `gorm:"type:jsonb"`

	ParsingStatus string `gorm:"size:32;default:pending"`
	ParsingError  string `gorm:"size:1024"`
	ParsedAt      *time.Time
	Notes         string `gorm:"size:2048"`
}
