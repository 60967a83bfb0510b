package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mailscope/backend/internal/models"
	"github.com/mailscope/backend/internal/repository"
	"github.com/mailscope/backend/internal/service"
)

const testJWTSecret = "test-secret"

type stubVault struct{}

func (stubVault) GetValidToken(ctx context.Context, userID, provider string) (string, error) {
	return "stub-access", nil
}

type stubFetcher struct{}

func (stubFetcher) FetchBatches(ctx context.Context, accessToken string, since time.Time, pageToken string, maxResults int, cancelled func(ctx context.Context) bool, onBatch service.BatchFunc) (int, error) {
	return 0, nil
}

type stubSnapshots struct {
	cached *models.AnalyticsSnapshot
	stored *models.AnalyticsSnapshot
}

func (s *stubSnapshots) Get(ctx context.Context, userID string, lastSyncAt *time.Time) (*models.AnalyticsSnapshot, error) {
	return s.cached, nil
}

func (s *stubSnapshots) Set(ctx context.Context, userID string, lastSyncAt *time.Time, snapshot models.AnalyticsSnapshot) error {
	s.stored = &snapshot
	return nil
}

type apiFixture struct {
	router   *Router
	jobs     *repository.JobRepository
	messages *repository.MessageRepository
	snaps    *stubSnapshots
}

func newAPIFixture(t *testing.T) *apiFixture {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Job{}, &models.CachedMessage{}, &models.SyncState{}))
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
		ON jobs (user_id, job_type)
		WHERE status IN ('pending', 'processing')`).Error)

	jobs := repository.NewJobRepository(db)
	messages := repository.NewMessageRepository(db)
	snaps := &stubSnapshots{}

	log := zap.NewNop()
	orch := service.NewOrchestrator(jobs, messages, stubVault{}, stubFetcher{}, snaps, 3, log)

	router := NewRouter(
		NewJobHandler(orch, log),
		NewMessageHandler(messages, snaps, log),
		testJWTSecret,
	)
	return &apiFixture{router: router, jobs: jobs, messages: messages, snaps: snaps}
}

func bearerFor(t *testing.T, userID, email string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"email":   email,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.Engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs", "Bearer not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_RejectsWrongSigningSecret(t *testing.T) {
	f := newAPIFixture(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "user-1"})
	signed, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/jobs", "Bearer "+signed, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_Healthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_CreateJob(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "me@example.com")

	rec := f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{
		"job_type": "fetch_messages",
		"metadata": gin.H{"days_back": 90, "max_results": 500},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	var job models.Job
	require.NoError(t, json.Unmarshal(body["job"], &job))
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 90, job.Metadata.DaysBack)
	assert.Equal(t, "me@example.com", job.Metadata.UserEmail)
}

func TestAPI_CreateJob_InvalidType(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "mystery"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CreateJob_DuplicateReturnsConflictWithExisting(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "fetch_messages"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var first models.Job
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["job"], &first))

	rec = f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "fetch_messages"})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	var existing models.Job
	require.NoError(t, json.Unmarshal(body["existing_job"], &existing))
	assert.Equal(t, first.ID, existing.ID, "conflict response carries the active job")
}

func TestAPI_GetJob_ProgressView(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{
		"job_type": "fetch_messages",
		"metadata": gin.H{"max_results": 200},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["job"], &job))

	ctx := context.Background()
	_, err := f.jobs.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, f.jobs.AdvanceProgress(ctx, job.ID, 50, nil))

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var progress struct {
		Current    int    `json:"current"`
		Total      int    `json:"total"`
		Percentage int    `json:"percentage"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["progress"], &progress))
	assert.Equal(t, 50, progress.Current)
	assert.Equal(t, 200, progress.Total)
	assert.Equal(t, 25, progress.Percentage)
	assert.Equal(t, "processing", progress.Status)
}

func TestAPI_GetJob_NotFoundAndForbidden(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")

	rec := f.do(t, http.MethodGet, "/api/jobs/"+uuid.New().String(), bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "fetch_messages"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["job"], &job))

	// Another user cannot read it.
	other := bearerFor(t, "user-2", "")
	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_ListJobs_StatusFilter(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "fetch_messages"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "compute_analytics"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs?status=pending", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []models.Job
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["jobs"], &jobs))
	assert.Len(t, jobs, 2)

	rec = f.do(t, http.MethodGet, "/api/jobs?status=completed", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["jobs"], &jobs))
	assert.Empty(t, jobs)
}

func TestAPI_DeleteJob(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")

	rec := f.do(t, http.MethodPost, "/api/jobs", bearer, gin.H{"job_type": "fetch_messages"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["job"], &job))

	// Deleting an active job requests cancellation.
	rec = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, bearer, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	ctx := context.Background()
	claimed, err := f.jobs.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Complete(ctx, claimed.ID))

	// Terminal now: delete removes it.
	rec = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, bearer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID, bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ListMessages(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "")
	ctx := context.Background()

	_, err := f.messages.UpsertBatch(ctx, []models.CachedMessage{
		{ID: uuid.New().String(), UserID: "user-1", Provider: service.Provider,
			MessageID: "m1", FromEmail: "alice@example.com", InternalDate: time.Now(), CacheVersion: 1},
		{ID: uuid.New().String(), UserID: "user-2", Provider: service.Provider,
			MessageID: "m2", FromEmail: "bob@example.com", InternalDate: time.Now(), CacheVersion: 1},
	})
	require.NoError(t, err)
	require.NoError(t, f.messages.TouchSyncState(ctx, "user-1", service.Provider, 1))

	rec := f.do(t, http.MethodGet, "/api/messages", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	var msgs []models.CachedMessage
	require.NoError(t, json.Unmarshal(body["messages"], &msgs))
	require.Len(t, msgs, 1, "only the caller's messages")
	assert.Equal(t, "m1", msgs[0].MessageID)

	var state models.SyncState
	require.NoError(t, json.Unmarshal(body["sync_state"], &state))
	assert.Equal(t, 1, state.TotalMessagesSynced)
}

func TestAPI_Analytics_ComputeThenCached(t *testing.T) {
	f := newAPIFixture(t)
	bearer := bearerFor(t, "user-1", "me@example.com")
	ctx := context.Background()

	_, err := f.messages.UpsertBatch(ctx, []models.CachedMessage{
		{ID: uuid.New().String(), UserID: "user-1", Provider: service.Provider,
			MessageID: "m1", FromEmail: "alice@example.com", InternalDate: time.Now(), CacheVersion: 1},
		{ID: uuid.New().String(), UserID: "user-1", Provider: service.Provider,
			MessageID: "m2", FromEmail: "me@example.com", InternalDate: time.Now(), CacheVersion: 1},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/analytics", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	var cached bool
	require.NoError(t, json.Unmarshal(body["cached"], &cached))
	assert.False(t, cached)

	var snapshot models.AnalyticsSnapshot
	require.NoError(t, json.Unmarshal(body["analytics"], &snapshot))
	assert.Equal(t, 2, snapshot.TotalMessages)
	assert.Equal(t, 1, snapshot.Outbound)
	require.NotNil(t, f.snaps.stored, "computed snapshot written back to the cache")

	// Second call is served from the snapshot cache.
	f.snaps.cached = f.snaps.stored
	rec = f.do(t, http.MethodGet, "/api/analytics", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decodeBody(t, rec)["cached"], &cached))
	assert.True(t, cached)
}
