// Package otp gates account activation behind a time-boxed, single-use
// numeric code with resend throttling.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"gorm.io/gorm"

	"tropl/internal/database"
)

// CodeLength 验证码固定为 6 位数字，允许前导零。
const CodeLength = 6

var (
	// ErrAccountNotFound covers a missing or soft-deleted account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAlreadyVerified guards terminal-state accounts: once verified, no
	// code is ever issued or accepted again.
	ErrAlreadyVerified = errors.New("email already verified")
	// ErrInvalidFormat rejects submissions that are not exactly six digits.
	ErrInvalidFormat = errors.New("code must be 6 digits")
	// ErrInvalidOrExpired deliberately merges wrong, absent and expired
	// codes into one class so responses cannot leak which it was.
	ErrInvalidOrExpired = errors.New("invalid or expired code")
)

// RateLimitedError reports how long a caller has to wait before the next
// resend, in whole minutes rounded up.
type RateLimitedError struct {
	WaitMinutes int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("please wait %d minutes before requesting a new code", e.WaitMinutes)
}

// Gate issues, throttles and consumes email verification codes. State lives
// on the account row; per-account serialization between IssueCode and
// VerifyCode comes from running each operation in its own transaction with
// last-writer-wins on issue and verify always reading the current code.
type Gate struct {
	db          *gorm.DB
	expiry      time.Duration
	resendGuard time.Duration
	now         func() time.Time
}

// NewGate 构造 Gate。expiry 为验证码有效期，resendGuard 为重发冷却窗口。
func NewGate(db *gorm.DB, expiry, resendGuard time.Duration) *Gate {
	return &Gate{
		db:          db,
		expiry:      expiry,
		resendGuard: resendGuard,
		now:         time.Now,
	}
}

// WithClock overrides the gate's clock. Tests only.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// IssueCode generates a fresh six-digit code, stores it with its expiry and
// returns it for delivery. Any previously outstanding code is overwritten.
// Delivery is the caller's job; a failed delivery leaves the code valid.
func (g *Gate) IssueCode(ctx context.Context, userID uint) (string, error) {
	code, err := generateCode()
	if err != nil {
		// No fallback: a predictable code is worse than a failed issue.
		return "", fmt.Errorf("generate code: %w", err)
	}

	expiresAt := g.now().Add(g.expiry)

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := findUser(tx, userID)
		if err != nil {
			return err
		}
		if user.EmailVerified {
			return ErrAlreadyVerified
		}
		return tx.Model(&database.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"otp_code":       code,
				"otp_expires_at": expiresAt,
			}).Error
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// CanResend reports whether a new code may be issued now. A resend is
// blocked while the outstanding code still has more than
// (expiry − resendGuard) of life left; the returned error then carries the
// remaining wait in whole minutes, rounded up.
func (g *Gate) CanResend(ctx context.Context, userID uint) error {
	user, err := findUser(g.db.WithContext(ctx), userID)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return ErrAlreadyVerified
	}
	if user.OTPExpiresAt == nil {
		return nil
	}

	remaining := user.OTPExpiresAt.Sub(g.now())
	if remaining <= g.expiry-g.resendGuard {
		return nil
	}

	guardMinutes := int(g.resendGuard / time.Minute)
	wait := int(math.Ceil(remaining.Minutes())) - guardMinutes
	if wait < 1 {
		wait = 1
	}
	return &RateLimitedError{WaitMinutes: wait}
}

// VerifyCode validates a submitted code and, on success, marks the account
// verified and clears the stored code. The transition is exactly-once:
// resubmitting the same code afterwards fails with ErrAlreadyVerified.
func (g *Gate) VerifyCode(ctx context.Context, userID uint, submitted string) error {
	if !validFormat(submitted) {
		return ErrInvalidFormat
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := findUser(tx, userID)
		if err != nil {
			return err
		}
		if user.EmailVerified {
			return ErrAlreadyVerified
		}
		if user.OTPCode == nil || user.OTPExpiresAt == nil {
			return ErrInvalidOrExpired
		}
		if subtle.ConstantTimeCompare([]byte(*user.OTPCode), []byte(submitted)) != 1 {
			return ErrInvalidOrExpired
		}
		if g.now().After(*user.OTPExpiresAt) {
			return ErrInvalidOrExpired
		}

		return tx.Model(&database.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"email_verified": true,
				"otp_code":       nil,
				"otp_expires_at": nil,
			}).Error
	})
}

// generateCode draws each digit independently from crypto/rand, so leading
// zeros are as likely as any other digit.
func generateCode() (string, error) {
	digits := make([]byte, CodeLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

func validFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func findUser(tx *gorm.DB, userID uint) (*database.User, error) {
	var user database.User
	if err := tx.Select("id", "email_verified", "otp_code", "otp_expires_at").
		First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &user, nil
}
