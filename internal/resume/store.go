package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tropl/internal/database"
)

// Store 维护每个账号的简历版本历史。
//
// Invariants it enforces, per account:
//   - at most one version carries IsActive=true at any committed state;
//   - version numbers are assigned once, strictly increasing by 1.
//
// Every mutating operation runs in a transaction that first locks the
// owning user row FOR UPDATE, so two concurrent calls for the same account
// are serialized while different accounts proceed in parallel.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore 构造 Store。
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// ErrNotFound covers both a missing version and a version owned by a
// different account; callers must not be able to tell the two apart.
var ErrNotFound = errors.New("resume version not found")

// ErrNoActiveVersion is returned by GetActive when the account has no
// currently active version.
var ErrNoActiveVersion = errors.New("no active resume version")

// CreateInput carries the file metadata and payload for a new version.
// The payload is stored as-is; validating it is the caller's job.
type CreateInput struct {
	FileName    string
	ObjectKey   string
	FileURL     string
	FileSize    int64
	FileType    string
	ParsedData  datatypes.JSON
	AIAnalysis  datatypes.JSON
	SocialLinks datatypes.JSON
	Status      string
}

// Summary is the history projection: everything except the large payloads.
type Summary struct {
	ID                uint       `json:"id"`
	Version           uint       `json:"version"`
	IsActive          bool       `json:"is_active"`
	PreviousVersionID *uint      `json:"previous_version_id,omitempty"`
	FileName          string     `json:"file_name"`
	FileSize          int64      `json:"file_size"`
	ParsingStatus     string     `json:"parsing_status"`
	ParsedAt          *time.Time `json:"parsed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// CreateVersion inserts a new version for the account, deactivates every
// other version, and points the account's denormalized reference at it.
// The new version number is the account's sequence counter plus one; the
// counter never rewinds, so deletes cannot cause a number to be reused.
func (s *Store) CreateVersion(ctx context.Context, userID uint, input CreateInput) (*database.Resume, error) {
	var created database.Resume

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, userID)
		if err != nil {
			return err
		}

		// The version that was active before this create becomes the
		// back reference of the new one.
		var previousID *uint
		if active, err := findActive(tx, userID); err == nil {
			previousID = &active.ID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find active version: %w", err)
		}

		if err := tx.Model(&database.Resume{}).
			Where("user_id = ? AND is_active = ?", userID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivate versions: %w", err)
		}

		status := input.Status
		if status == "" {
			status = database.ParsingPending
		}

		created = database.Resume{
			UserID:            userID,
			Version:           user.ResumeVersionSeq + 1,
			IsActive:          true,
			PreviousVersionID: previousID,
			FileName:          input.FileName,
			ObjectKey:         input.ObjectKey,
			FileURL:           input.FileURL,
			FileSize:          input.FileSize,
			FileType:          input.FileType,
			ParsedData:        input.ParsedData,
			AIAnalysis:        input.AIAnalysis,
			SocialLinks:       input.SocialLinks,
			ParsingStatus:     status,
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("insert version: %w", err)
		}

		return tx.Model(&database.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"resume_version_seq": created.Version,
				"active_resume_id":   created.ID,
				"has_active_resume":  true,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ActivateVersion makes an older version the active one. Activating the
// already-active version is a no-op beyond re-syncing the denormalized
// reference. Cross-account activation fails with ErrNotFound.
func (s *Store) ActivateVersion(ctx context.Context, resumeID, userID uint) (*database.Resume, error) {
	var target database.Resume

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockUser(tx, userID); err != nil {
			return err
		}

		if err := tx.Where("id = ? AND user_id = ?", resumeID, userID).
			First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("find version: %w", err)
		}

		if err := tx.Model(&database.Resume{}).
			Where("user_id = ? AND is_active = ?", userID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivate versions: %w", err)
		}

		if err := tx.Model(&database.Resume{}).
			Where("id = ?", target.ID).
			Update("is_active", true).Error; err != nil {
			return fmt.Errorf("activate version: %w", err)
		}
		target.IsActive = true

		return tx.Model(&database.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"active_resume_id":  target.ID,
				"has_active_resume": true,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// GetActive returns the account's single active version, or
// ErrNoActiveVersion. More than one active row means the single-active
// invariant was violated elsewhere; that is logged loudly and the
// highest version wins so reads stay deterministic.
func (s *Store) GetActive(ctx context.Context, userID uint) (*database.Resume, error) {
	var actives []database.Resume
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("version DESC").
		Find(&actives).Error; err != nil {
		return nil, fmt.Errorf("query active version: %w", err)
	}

	switch len(actives) {
	case 0:
		return nil, ErrNoActiveVersion
	case 1:
	default:
		s.logger.Error("single-active invariant violated",
			slog.Uint64("user_id", uint64(userID)),
			slog.Int("active_rows", len(actives)),
		)
	}
	return &actives[0], nil
}

// ListHistory returns version summaries ordered newest first, truncated to
// limit. The large payload columns are never selected.
func (s *Store) ListHistory(ctx context.Context, userID uint, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []database.Resume
	if err := s.db.WithContext(ctx).
		Select("id", "version", "is_active", "previous_version_id",
			"file_name", "file_size", "parsing_status", "parsed_at", "created_at").
		Where("user_id = ?", userID).
		Order("version DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	summaries := make([]Summary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, Summary{
			ID:                r.ID,
			Version:           r.Version,
			IsActive:          r.IsActive,
			PreviousVersionID: r.PreviousVersionID,
			FileName:          r.FileName,
			FileSize:          r.FileSize,
			ParsingStatus:     r.ParsingStatus,
			ParsedAt:          r.ParsedAt,
			CreatedAt:         r.CreatedAt,
		})
	}
	return summaries, nil
}

// DeleteVersion permanently removes a version. When the active version is
// deleted the account is left with no active version; promoting an older
// one back is always an explicit ActivateVersion call, never automatic.
func (s *Store) DeleteVersion(ctx context.Context, resumeID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockUser(tx, userID); err != nil {
			return err
		}

		var target database.Resume
		if err := tx.Where("id = ? AND user_id = ?", resumeID, userID).
			First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("find version: %w", err)
		}

		if err := tx.Unscoped().Delete(&database.Resume{}, target.ID).Error; err != nil {
			return fmt.Errorf("delete version: %w", err)
		}

		if target.IsActive {
			return clearActiveRef(tx, userID)
		}
		return nil
	})
}

// Deactivate soft-removes a version: the row stays in history but no
// version is active afterwards if it was the active one.
func (s *Store) Deactivate(ctx context.Context, resumeID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockUser(tx, userID); err != nil {
			return err
		}

		var target database.Resume
		if err := tx.Where("id = ? AND user_id = ?", resumeID, userID).
			First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("find version: %w", err)
		}

		if !target.IsActive {
			return nil
		}

		if err := tx.Model(&database.Resume{}).
			Where("id = ?", target.ID).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivate version: %w", err)
		}
		return clearActiveRef(tx, userID)
	})
}

// GetOwned fetches a single version with ownership enforced.
func (s *Store) GetOwned(ctx context.Context, resumeID, userID uint) (*database.Resume, error) {
	var r database.Resume
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", resumeID, userID).
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find version: %w", err)
	}
	return &r, nil
}

// lockUser acquires the per-account write lock. A missing (or soft-deleted)
// user surfaces as ErrNotFound so ownership violations and non-existence
// are indistinguishable to callers.
func lockUser(tx *gorm.DB, userID uint) (*database.User, error) {
	q := tx
	// SQLite has no row locks and serializes writers on its own.
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var user database.User
	if err := q.
		Select("id", "resume_version_seq", "active_resume_id", "has_active_resume").
		First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return &user, nil
}

func findActive(tx *gorm.DB, userID uint) (*database.Resume, error) {
	var active database.Resume
	if err := tx.Select("id").
		Where("user_id = ? AND is_active = ?", userID, true).
		First(&active).Error; err != nil {
		return nil, err
	}
	return &active, nil
}

func clearActiveRef(tx *gorm.DB, userID uint) error {
	return tx.Model(&database.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"active_resume_id":  nil,
			"has_active_resume": false,
		}).Error
}
