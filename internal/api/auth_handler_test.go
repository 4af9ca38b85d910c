package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tropl/internal/database"
	"tropl/internal/otp"
	"tropl/internal/tasks"
)

const (
	testOTPExpiry = 10 * time.Minute
	testOTPGuard  = 2 * time.Minute
)

func jsonRequest(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return w, c
}

func TestRegisterIssuesCodeAndQueuesEmail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	gate := otp.NewGate(db, testOTPExpiry, testOTPGuard)
	enqueuer := &fakeEnqueuer{}
	h := NewAuthHandler(db, nil, gate, enqueuer, nil, nil, 10, 10, 5, 15*time.Minute, "")

	w, c := jsonRequest(t, http.MethodPost, "/v1/auth/register",
		`{"name":"Ada Lovelace","email":"Ada@Example.com","password":"secret-pass-123"}`)
	h.Register(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d body=%s", w.Code, w.Body.String())
	}

	var user database.User
	if err := db.Where("email = ?", "ada@example.com").First(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.EmailVerified {
		t.Fatal("new account must start unverified")
	}
	if user.OTPCode == nil || len(*user.OTPCode) != otp.CodeLength {
		t.Fatalf("expected issued code, got %v", user.OTPCode)
	}
	if len(enqueuer.enqueued) != 1 || enqueuer.enqueued[0].Type() != tasks.TypeEmailOTP {
		t.Fatalf("expected one otp email task, got %+v", enqueuer.enqueued)
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	seedUser(t, db, "taken@example.com")
	gate := otp.NewGate(db, testOTPExpiry, testOTPGuard)
	h := NewAuthHandler(db, nil, gate, &fakeEnqueuer{}, nil, nil, 10, 10, 5, 15*time.Minute, "")

	w, c := jsonRequest(t, http.MethodPost, "/v1/auth/register",
		`{"name":"Someone","email":"taken@example.com","password":"secret-pass-123"}`)
	h.Register(c)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestResendOTPCooldownCarriesWaitMinutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	user := database.User{Name: "Pending", Email: "pending@example.com", Role: database.RoleUser}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	gate := otp.NewGate(db, testOTPExpiry, testOTPGuard)
	enqueuer := &fakeEnqueuer{}
	h := NewAuthHandler(db, nil, gate, enqueuer, nil, nil, 10, 10, 5, 15*time.Minute, "")

	if _, err := gate.IssueCode(context.Background(), user.ID); err != nil {
		t.Fatalf("issue code: %v", err)
	}

	w, c := jsonRequest(t, http.MethodPost, "/v1/auth/resend-otp",
		`{"email":"pending@example.com"}`)
	h.ResendOTP(c)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		WaitMinutes int `json:"wait_minutes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.WaitMinutes != 8 {
		t.Fatalf("expected wait_minutes 8 right after issuing, got %d", body.WaitMinutes)
	}
	if len(enqueuer.enqueued) != 0 {
		t.Fatal("blocked resend must not queue a new email")
	}
}

func TestVerifyOTPWrongCodeRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	user := database.User{Name: "Pending", Email: "verify@example.com", Role: database.RoleUser}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	gate := otp.NewGate(db, testOTPExpiry, testOTPGuard)
	h := NewAuthHandler(db, nil, gate, &fakeEnqueuer{}, nil, nil, 10, 10, 5, 15*time.Minute, "")

	code, err := gate.IssueCode(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	w, c := jsonRequest(t, http.MethodPost, "/v1/auth/verify-otp",
		`{"email":"verify@example.com","code":"`+wrong+`"}`)
	h.VerifyOTP(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}

	var reloaded database.User
	if err := db.First(&reloaded, user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if reloaded.EmailVerified {
		t.Fatal("wrong code must not verify the account")
	}
}

func TestResendOTPUnknownEmail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	gate := otp.NewGate(db, testOTPExpiry, testOTPGuard)
	h := NewAuthHandler(db, nil, gate, &fakeEnqueuer{}, nil, nil, 10, 10, 5, 15*time.Minute, "")

	w, c := jsonRequest(t, http.MethodPost, "/v1/auth/resend-otp",
		`{"email":"ghost@example.com"}`)
	h.ResendOTP(c)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d body=%s", w.Code, w.Body.String())
	}
}
