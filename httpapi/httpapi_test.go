package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
	"github.com/kengibson1111/go-tenant-cache/service"
	"github.com/kengibson1111/go-tenant-cache/store"
)

var testSecret = []byte("test-secret")

type countingVerifier struct {
	Verifier
	calls int32
}

func (v *countingVerifier) Verify(raw string) (*models.ValidatedToken, error) {
	atomic.AddInt32(&v.calls, 1)
	return v.Verifier.Verify(raw)
}

type apiFixture struct {
	router   *gin.Engine
	issuer   *HMACVerifier
	verifier *countingVerifier
	mr       *miniredis.Miniredis
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cfg := internal.DefaultConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.Resilience.Cache.Retry.InitialDelay = time.Millisecond
	cfg.Resilience.Cache.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Tiers["tiny"] = models.Tier{Name: "tiny", BaseLimit: 2, WindowSeconds: 60, BurstFraction: 0.5}

	// A frozen clock keeps every request inside one rate-limit window
	frozen := time.Now()
	rc, err := cache.NewRedisCache(cfg, cache.WithClock(func() time.Time { return frozen }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	db, err := store.Open(store.MemoryDSN, false)
	require.NoError(t, err)
	repo := store.NewTaskRepository(db, rc.Executor(), zap.NewNop())

	issuer := NewHMACVerifier(testSecret, "tenant-cache-test")
	verifier := &countingVerifier{Verifier: issuer}

	router := NewRouter(RouterConfig{
		Service:  service.NewTaskService(repo, rc.Entities, zap.NewNop()),
		Tokens:   rc.Tokens,
		Limiter:  rc.Limiter,
		Verifier: verifier,
		Tiers:    NewStaticTierResolver(cfg, map[string]string{"limited": "tiny"}),

		CacheHealth: rc.Entities.IsAvailable,
	})

	return &apiFixture{router: router, issuer: issuer, verifier: verifier, mr: mr}
}

func (f *apiFixture) token(t *testing.T, tenantID string) string {
	t.Helper()
	token, err := f.issuer.Issue(tenantID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&payload).Encode(body)
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestTokenAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	f := setupAPI(t)

	w := f.do(http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/tasks", "not.a.jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := NewHMACVerifier([]byte("other-secret"), "tenant-cache-test").Issue("T1", time.Hour)
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/api/tasks", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := f.issuer.Issue("T1", -time.Minute)
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/api/tasks", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Rejected tokens are never cached
	assert.Empty(t, f.mr.Keys())
}

func TestTokenAuth_CachesValidation(t *testing.T) {
	f := setupAPI(t)
	token := f.token(t, "T1")
	hash := cache.HashToken(token)

	for i := 0; i < 3; i++ {
		w := f.do(http.MethodGet, "/api/tasks", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.verifier.calls))
	assert.True(t, f.mr.Exists("taskapi:t:T1:jwt:"+hash))
	assert.True(t, f.mr.Exists("taskapi:idx:jwt:"+hash))

	w := f.do(http.MethodPost, "/api/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, f.mr.Exists("taskapi:t:T1:jwt:"+hash))

	// The next request verifies again
	w = f.do(http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.verifier.calls))
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier(testSecret, "issuer")
	token, err := v.Issue("T1", time.Hour)
	require.NoError(t, err)

	validated, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "T1", validated.TenantID)
	assert.Greater(t, validated.ExpiresAt, time.Now().Unix())
	assert.Contains(t, string(validated.RawClaims), `"tenant_id":"T1"`)

	_, err = NewHMACVerifier(testSecret, "someone-else").Verify(token)
	assert.Error(t, err)

	noTenant, err := v.Issue("", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(noTenant)
	assert.Error(t, err)
}

func TestRateLimit_HeadersBurstAndRejection(t *testing.T) {
	f := setupAPI(t)
	token := f.token(t, "limited")

	// tiny tier: limit 2, burst ceiling 3
	w := f.do(http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(HeaderRemaining))
	assert.NotEmpty(t, w.Header().Get(HeaderReset))
	assert.Empty(t, w.Header().Get(HeaderBurst))

	w = f.do(http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))

	w = f.do(http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderBurst))

	w = f.do(http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter, err := strconv.Atoi(w.Header().Get(HeaderRetryAfter))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	var rejection struct {
		Error          string `json:"error"`
		Limit          int    `json:"limit"`
		Remaining      int    `json:"remaining"`
		OperationClass string `json:"operation_class"`
		RetryAfter     int    `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rejection))
	assert.Equal(t, "rate limit exceeded", rejection.Error)
	assert.Equal(t, 2, rejection.Limit)
	assert.Zero(t, rejection.Remaining)
	assert.Equal(t, string(models.OperationRead), rejection.OperationClass)
	assert.Equal(t, retryAfter, rejection.RetryAfter)

	// Writes draw on their own quota
	w = f.do(http.MethodPost, "/api/tasks", token, map[string]any{"title": "still allowed"})
	assert.Equal(t, http.StatusCreated, w.Code)

	// Other tenants are unaffected
	w = f.do(http.MethodGet, "/api/tasks", f.token(t, "T2"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get(HeaderLimit))
}

func TestOperationClassFor(t *testing.T) {
	assert.Equal(t, models.OperationRead, OperationClassFor(http.MethodGet))
	assert.Equal(t, models.OperationRead, OperationClassFor(http.MethodHead))
	assert.Equal(t, models.OperationWrite, OperationClassFor(http.MethodPost))
	assert.Equal(t, models.OperationWrite, OperationClassFor(http.MethodDelete))
}

func TestStaticTierResolver(t *testing.T) {
	cfg := internal.DefaultConfig()
	r := NewStaticTierResolver(cfg, map[string]string{"big": "enterprise", "broken": "missing"})

	tier, err := r.ResolveTier(context.Background(), "big")
	require.NoError(t, err)
	assert.Equal(t, "enterprise", tier.Name)

	tier, err = r.ResolveTier(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, "free", tier.Name)

	_, err = r.ResolveTier(context.Background(), "broken")
	assert.True(t, internal.IsValidationError(err))
}

func TestTaskRoutes(t *testing.T) {
	f := setupAPI(t)
	t1 := f.token(t, "T1")
	t2 := f.token(t, "T2")

	w := f.do(http.MethodPost, "/api/tasks", t1, map[string]any{"title": "Write docs", "priority": "high"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "T1", created.TenantID)
	assert.Equal(t, models.PriorityHigh, created.Priority)
	assert.Empty(t, w.Header().Get(HeaderCacheStale))

	w = f.do(http.MethodGet, "/api/tasks/"+created.ID, t1, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/tasks/"+created.ID, t2, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPatch, "/api/tasks/"+created.ID+"/status", t1, map[string]any{"status": "done"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/tasks?status=done", t1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var done []models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	require.Len(t, done, 1)
	assert.Equal(t, created.ID, done[0].ID)

	w = f.do(http.MethodPut, "/api/tasks/"+created.ID, t1, map[string]any{"title": "Write better docs"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "Write better docs", updated.Title)
	assert.Equal(t, models.StatusDone, updated.Status)

	w = f.do(http.MethodGet, "/api/stats", t1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.TaskStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total)

	w = f.do(http.MethodGet, "/api/overdue", t1, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodDelete, "/api/tasks/"+created.ID, t1, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodGet, "/api/tasks/"+created.ID, t1, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskRoutes_RejectBadInput(t *testing.T) {
	f := setupAPI(t)
	token := f.token(t, "T1")

	w := f.do(http.MethodPost, "/api/tasks", token, map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/tasks", token, map[string]any{"title": "x", "status": "archived"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/tasks?status=archived", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_SurvivesCacheOutage(t *testing.T) {
	f := setupAPI(t)
	token := f.token(t, "T1")

	w := f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, map[string]string{"status": "ok", "cache": "available"}, health)

	f.mr.Close()

	w = f.do(http.MethodPost, "/api/tasks", token, map[string]any{"title": "written while cache is down"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderCacheStale))

	w = f.do(http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)

	w = f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, map[string]string{"status": "degraded", "cache": "unavailable"}, health)
}
