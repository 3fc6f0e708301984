package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/clinic-portal/internal/authority"
)

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("k"))

	assert.Equal(t, 1, rl.Evict(now.Add(time.Second)))
}

func TestRateLimitKeysBySubject(t *testing.T) {
	mw := RateLimit(NewRateLimiter(0.001, 1))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req = req.WithContext(authority.WithIdentity(req.Context(), authority.Identity{SubjectID: subject, Role: authority.RolePatient}))
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("p1"))
	assert.Equal(t, http.StatusTooManyRequests, do("p1"))
	assert.Equal(t, http.StatusOK, do("p2"), "same IP, different subject")
}
