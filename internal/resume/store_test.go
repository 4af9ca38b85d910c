package resume

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tropl/internal/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}, &database.Resume{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, email string) *database.User {
	t.Helper()
	user := database.User{Name: "Test", Email: email, PasswordHash: "x", EmailVerified: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &user
}

func countActive(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&database.Resume{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&n).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	return n
}

func reloadUser(t *testing.T, db *gorm.DB, userID uint) *database.User {
	t.Helper()
	var user database.User
	if err := db.First(&user, userID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	return &user
}

func TestCreateVersionNumbersAndHistoryChain(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	first, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Version != 1 || !first.IsActive {
		t.Fatalf("first version = %d active=%v, want 1/true", first.Version, first.IsActive)
	}
	if first.PreviousVersionID != nil {
		t.Fatalf("first version has previous reference %v", *first.PreviousVersionID)
	}

	second, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "b.pdf"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Version != 2 || !second.IsActive {
		t.Fatalf("second version = %d active=%v, want 2/true", second.Version, second.IsActive)
	}
	if second.PreviousVersionID == nil || *second.PreviousVersionID != first.ID {
		t.Fatalf("second previous reference = %v, want %d", second.PreviousVersionID, first.ID)
	}

	var reloadedFirst database.Resume
	if err := db.First(&reloadedFirst, first.ID).Error; err != nil {
		t.Fatalf("reload first: %v", err)
	}
	if reloadedFirst.IsActive {
		t.Fatal("first version still active after second create")
	}
	if n := countActive(t, db, user.ID); n != 1 {
		t.Fatalf("active rows = %d, want 1", n)
	}

	owner := reloadUser(t, db, user.ID)
	if owner.ActiveResumeID == nil || *owner.ActiveResumeID != second.ID {
		t.Fatalf("denormalized active ref = %v, want %d", owner.ActiveResumeID, second.ID)
	}
	if !owner.HasActiveResume {
		t.Fatal("has_active_resume not set")
	}
}

func TestCreateVersionDoesNotReuseNumbersAfterDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	if _, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"}); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	v2, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "b.pdf"})
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if err := store.DeleteVersion(ctx, v2.ID, user.ID); err != nil {
		t.Fatalf("delete v2: %v", err)
	}

	v3, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "c.pdf"})
	if err != nil {
		t.Fatalf("create v3: %v", err)
	}
	if v3.Version != 3 {
		t.Fatalf("version after delete = %d, want 3", v3.Version)
	}
}

func TestCreateVersionMissingAccount(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)

	if _, err := store.CreateVersion(context.Background(), 999, CreateInput{FileName: "a.pdf"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestActivateVersionRestoresOldVersion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	v1, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"})
	v2, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "b.pdf"})

	restored, err := store.ActivateVersion(ctx, v1.ID, user.ID)
	if err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	if !restored.IsActive || restored.Version != 1 {
		t.Fatalf("restored version=%d active=%v", restored.Version, restored.IsActive)
	}

	var reloadedV2 database.Resume
	if err := db.First(&reloadedV2, v2.ID).Error; err != nil {
		t.Fatalf("reload v2: %v", err)
	}
	if reloadedV2.IsActive {
		t.Fatal("v2 still active after restoring v1")
	}
	if n := countActive(t, db, user.ID); n != 1 {
		t.Fatalf("active rows = %d, want 1", n)
	}

	owner := reloadUser(t, db, user.ID)
	if owner.ActiveResumeID == nil || *owner.ActiveResumeID != v1.ID {
		t.Fatalf("denormalized active ref = %v, want %d", owner.ActiveResumeID, v1.ID)
	}
}

func TestActivateVersionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	v1, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"})

	for i := 0; i < 2; i++ {
		if _, err := store.ActivateVersion(ctx, v1.ID, user.ID); err != nil {
			t.Fatalf("activate round %d: %v", i, err)
		}
	}

	if n := countActive(t, db, user.ID); n != 1 {
		t.Fatalf("active rows = %d, want 1", n)
	}
	var reloaded database.Resume
	if err := db.First(&reloaded, v1.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Version != 1 {
		t.Fatalf("version renumbered to %d", reloaded.Version)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	owner := seedUser(t, db, "owner@example.com")
	intruder := seedUser(t, db, "intruder@example.com")

	v1, _ := store.CreateVersion(ctx, owner.ID, CreateInput{FileName: "a.pdf"})

	if _, err := store.ActivateVersion(ctx, v1.ID, intruder.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("activate err = %v, want ErrNotFound", err)
	}
	if err := store.DeleteVersion(ctx, v1.ID, intruder.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
	if err := store.Deactivate(ctx, v1.ID, intruder.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deactivate err = %v, want ErrNotFound", err)
	}

	// No state change for the real owner.
	var reloaded database.Resume
	if err := db.First(&reloaded, v1.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.IsActive {
		t.Fatal("owner's active version was touched")
	}
}

func TestDeleteActiveClearsReferenceWithoutPromotion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	v1, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"})
	v2, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "b.pdf"})

	if err := store.DeleteVersion(ctx, v2.ID, user.ID); err != nil {
		t.Fatalf("delete active: %v", err)
	}

	if _, err := store.GetActive(ctx, user.ID); !errors.Is(err, ErrNoActiveVersion) {
		t.Fatalf("GetActive err = %v, want ErrNoActiveVersion", err)
	}

	owner := reloadUser(t, db, user.ID)
	if owner.ActiveResumeID != nil || owner.HasActiveResume {
		t.Fatalf("denormalized ref not cleared: id=%v has=%v", owner.ActiveResumeID, owner.HasActiveResume)
	}

	// v1 must not be auto-promoted; restoring it stays an explicit call.
	var reloadedV1 database.Resume
	if err := db.First(&reloadedV1, v1.ID).Error; err != nil {
		t.Fatalf("reload v1: %v", err)
	}
	if reloadedV1.IsActive {
		t.Fatal("older version was auto-promoted")
	}
}

func TestDeactivateKeepsRowInHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	v1, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"})

	if err := store.Deactivate(ctx, v1.ID, user.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := store.GetActive(ctx, user.ID); !errors.Is(err, ErrNoActiveVersion) {
		t.Fatalf("GetActive err = %v, want ErrNoActiveVersion", err)
	}

	history, err := store.ListHistory(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].ID != v1.ID {
		t.Fatalf("history = %+v, want the deactivated row", history)
	}

	owner := reloadUser(t, db, user.ID)
	if owner.ActiveResumeID != nil || owner.HasActiveResume {
		t.Fatal("denormalized ref not cleared after deactivate")
	}
}

func TestListHistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	for i := 0; i < 5; i++ {
		if _, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: fmt.Sprintf("v%d.pdf", i+1)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	history, err := store.ListHistory(ctx, user.ID, 3)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, want := range []uint{5, 4, 3} {
		if history[i].Version != want {
			t.Fatalf("history[%d].Version = %d, want %d", i, history[i].Version, want)
		}
	}
	if !history[0].IsActive || history[1].IsActive {
		t.Fatal("active flags wrong in history projection")
	}
}

func TestSingleActiveInvariantAcrossMixedOperations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db, nil)
	user := seedUser(t, db, "u1@example.com")

	v1, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "a.pdf"})
	v2, _ := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "b.pdf"})
	if _, err := store.ActivateVersion(ctx, v1.ID, user.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := store.Deactivate(ctx, v1.ID, user.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := store.ActivateVersion(ctx, v2.ID, user.ID); err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	v3, err := store.CreateVersion(ctx, user.ID, CreateInput{FileName: "c.pdf"})
	if err != nil {
		t.Fatalf("create v3: %v", err)
	}

	if n := countActive(t, db, user.ID); n != 1 {
		t.Fatalf("active rows = %d, want at most 1", n)
	}
	active, err := store.GetActive(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.ID != v3.ID {
		t.Fatalf("active = %d, want %d", active.ID, v3.ID)
	}
}
