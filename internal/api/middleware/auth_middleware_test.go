package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequireAdminBlocksNonAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		role     any
		wantCode int
	}{
		{"admin passes", "admin", http.StatusOK},
		{"user blocked", "user", http.StatusForbidden},
		{"company blocked", "company", http.StatusForbidden},
		{"missing role blocked", nil, http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/v1/admin/users", nil)
			if tc.role != nil {
				c.Set("userRole", tc.role)
			}

			RequireAdmin()(c)
			if !c.IsAborted() {
				c.Status(http.StatusOK)
			}

			if w.Code != tc.wantCode {
				t.Fatalf("role %v: expected %d got %d", tc.role, tc.wantCode, w.Code)
			}
		})
	}
}
