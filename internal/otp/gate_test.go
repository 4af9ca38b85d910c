package otp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tropl/internal/database"
)

const (
	testExpiry = 10 * time.Minute
	testGuard  = 2 * time.Minute
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUnverified(t *testing.T, db *gorm.DB) *database.User {
	t.Helper()
	user := database.User{Name: "Test", Email: "u@example.com", PasswordHash: "x"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &user
}

// fixedClock returns a gate whose clock starts at a known instant and can
// be advanced by the test.
func fixedClock() (func() time.Time, func(d time.Duration)) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func TestIssueCodeProducesSixDigits(t *testing.T) {
	db := newTestDB(t)
	user := seedUnverified(t, db)
	gate := NewGate(db, testExpiry, testGuard)

	code, err := gate.IssueCode(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !validFormat(code) {
		t.Fatalf("code %q is not six digits", code)
	}

	var reloaded database.User
	if err := db.First(&reloaded, user.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.OTPCode == nil || *reloaded.OTPCode != code {
		t.Fatalf("stored code = %v, want %q", reloaded.OTPCode, code)
	}
	if reloaded.OTPExpiresAt == nil {
		t.Fatal("expiry not stored")
	}
}

func TestVerifyCodeLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := seedUnverified(t, db)
	now, _ := fixedClock()
	gate := NewGate(db, testExpiry, testGuard).WithClock(now)

	code, err := gate.IssueCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if err := gate.VerifyCode(ctx, user.ID, wrong); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("wrong code err = %v, want ErrInvalidOrExpired", err)
	}

	if err := gate.VerifyCode(ctx, user.ID, code); err != nil {
		t.Fatalf("correct code: %v", err)
	}

	var reloaded database.User
	if err := db.First(&reloaded, user.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.EmailVerified {
		t.Fatal("email not marked verified")
	}
	if reloaded.OTPCode != nil || reloaded.OTPExpiresAt != nil {
		t.Fatal("otp columns not cleared after success")
	}

	// Exactly-once: the same correct code must not verify twice.
	if err := gate.VerifyCode(ctx, user.ID, code); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("resubmit err = %v, want ErrAlreadyVerified", err)
	}
}

func TestVerifyCodeExpired(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := seedUnverified(t, db)
	now, advance := fixedClock()
	gate := NewGate(db, testExpiry, testGuard).WithClock(now)

	code, err := gate.IssueCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	advance(testExpiry + time.Second)

	if err := gate.VerifyCode(ctx, user.ID, code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expired code err = %v, want ErrInvalidOrExpired", err)
	}

	var reloaded database.User
	if err := db.First(&reloaded, user.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.EmailVerified {
		t.Fatal("expired code still verified the account")
	}
}

func TestVerifyCodeFormat(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := seedUnverified(t, db)
	gate := NewGate(db, testExpiry, testGuard)

	code, err := gate.IssueCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for _, bad := range []string{"", "12345", "1234567", "12a456", "12345x"} {
		if err := gate.VerifyCode(ctx, user.ID, bad); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("VerifyCode(%q) err = %v, want ErrInvalidFormat", bad, err)
		}
	}

	// Format rejections consume nothing; the real code still works.
	if err := gate.VerifyCode(ctx, user.ID, code); err != nil {
		t.Fatalf("correct code after format rejections: %v", err)
	}
}

func TestResendCooldown(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := seedUnverified(t, db)
	now, advance := fixedClock()
	gate := NewGate(db, testExpiry, testGuard).WithClock(now)

	// No outstanding code: resend is free.
	if err := gate.CanResend(ctx, user.ID); err != nil {
		t.Fatalf("CanResend before issue: %v", err)
	}

	if _, err := gate.IssueCode(ctx, user.ID); err != nil {
		t.Fatalf("issue: %v", err)
	}

	var rateErr *RateLimitedError
	if err := gate.CanResend(ctx, user.ID); !errors.As(err, &rateErr) {
		t.Fatalf("CanResend right after issue = %v, want RateLimitedError", err)
	} else if rateErr.WaitMinutes != 8 {
		t.Fatalf("wait = %d minutes, want 8", rateErr.WaitMinutes)
	}

	// Once the remaining validity drops to expiry-guard, resend opens up.
	advance(testGuard)
	if err := gate.CanResend(ctx, user.ID); err != nil {
		t.Fatalf("CanResend after cooldown: %v", err)
	}
}

func TestIssueCodeOverwritesOutstandingCode(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := seedUnverified(t, db)
	now, _ := fixedClock()
	gate := NewGate(db, testExpiry, testGuard).WithClock(now)

	first, err := gate.IssueCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, err := gate.IssueCode(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}

	if first != second {
		if err := gate.VerifyCode(ctx, user.ID, first); !errors.Is(err, ErrInvalidOrExpired) {
			t.Fatalf("stale code err = %v, want ErrInvalidOrExpired", err)
		}
	}
	if err := gate.VerifyCode(ctx, user.ID, second); err != nil {
		t.Fatalf("current code: %v", err)
	}
}

func TestIssueCodeOnVerifiedAccount(t *testing.T) {
	db := newTestDB(t)
	user := seedUnverified(t, db)
	if err := db.Model(user).Update("email_verified", true).Error; err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	gate := NewGate(db, testExpiry, testGuard)

	if _, err := gate.IssueCode(context.Background(), user.ID); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("issue err = %v, want ErrAlreadyVerified", err)
	}
	if err := gate.CanResend(context.Background(), user.ID); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("resend err = %v, want ErrAlreadyVerified", err)
	}
}

func TestGateMissingAccount(t *testing.T) {
	db := newTestDB(t)
	gate := NewGate(db, testExpiry, testGuard)

	if _, err := gate.IssueCode(context.Background(), 999); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("issue err = %v, want ErrAccountNotFound", err)
	}
	if err := gate.VerifyCode(context.Background(), 999, "123456"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("verify err = %v, want ErrAccountNotFound", err)
	}
}
