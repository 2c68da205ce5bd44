package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/cascadeops/davmigrate/internal/store"
	"github.com/cascadeops/davmigrate/internal/worker"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := log.New(io.Discard)
	w := worker.New(st, logger) // not started; queued jobs stay queued
	handlers := NewHandlers(st, w, logger)

	router := gin.New()
	SetupRoutes(router, handlers, 1000, 1000)
	return router, st
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createServerViaAPI(t *testing.T, router *gin.Engine, name string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/servers", map[string]any{
		"name":        name,
		"url":         "https://dav.example.com",
		"server_type": "carbonio",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create server: status %d: %s", rec.Code, rec.Body.String())
	}
	var server store.Server
	decodeJSON(t, rec, &server)
	return server.ID
}

func createAccountViaAPI(t *testing.T, router *gin.Engine, serverID, name string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/accounts", map[string]any{
		"name":      name,
		"server_id": serverID,
		"username":  "alice",
		"password":  "secret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: status %d: %s", rec.Code, rec.Body.String())
	}
	var account store.Account
	decodeJSON(t, rec, &account)
	return account.ID
}

func createJobViaAPI(t *testing.T, router *gin.Engine, srcID, dstID string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"name":                   "test job",
		"source_account_id":      srcID,
		"destination_account_id": dstID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: status %d: %s", rec.Code, rec.Body.String())
	}
	var job struct {
		ID string `json:"id"`
	}
	decodeJSON(t, rec, &job)
	return job.ID
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateServerValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	testCases := []struct {
		name string
		body map[string]any
		want int
	}{
		{name: "missing name", body: map[string]any{"url": "https://x"}, want: http.StatusBadRequest},
		{name: "missing url", body: map[string]any{"name": "x"}, want: http.StatusBadRequest},
		{name: "valid", body: map[string]any{"name": "x", "url": "https://x"}, want: http.StatusCreated},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/servers", tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, expected %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestCreateServerDuplicateName(t *testing.T) {
	router, _ := setupTestRouter(t)
	createServerViaAPI(t, router, "prod")

	rec := doJSON(t, router, http.MethodPost, "/api/servers", map[string]any{
		"name": "prod",
		"url":  "https://other.example.com",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, expected 409", rec.Code)
	}
}

func TestAccountResponseNeverLeaksPassword(t *testing.T) {
	router, _ := setupTestRouter(t)
	serverID := createServerViaAPI(t, router, "prod")
	createAccountViaAPI(t, router, serverID, "alice@prod")

	rec := doJSON(t, router, http.MethodGet, "/api/accounts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("account listing contains the password")
	}
}

func TestCreateAccountUnknownServer(t *testing.T) {
	router, _ := setupTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/accounts", map[string]any{
		"name":      "x",
		"server_id": "nope",
		"username":  "alice",
		"password":  "secret",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, expected 400", rec.Code)
	}
}

func TestCreateJobRejectsSameAccounts(t *testing.T) {
	router, _ := setupTestRouter(t)
	serverID := createServerViaAPI(t, router, "prod")
	accountID := createAccountViaAPI(t, router, serverID, "alice@prod")

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"name":                   "self copy",
		"source_account_id":      accountID,
		"destination_account_id": accountID,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, expected 400", rec.Code)
	}
}

func TestCreateJobDefaultsAndSelections(t *testing.T) {
	router, st := setupTestRouter(t)
	serverID := createServerViaAPI(t, router, "prod")
	srcID := createAccountViaAPI(t, router, serverID, "src")
	dstID := createAccountViaAPI(t, router, serverID, "dst")

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"name":                   "selective",
		"source_account_id":      srcID,
		"destination_account_id": dstID,
		"selected_calendars":     []string{},
		"calendar_mapping":       map[string]string{"Work": "Imported-Work"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeJSON(t, rec, &created)

	job, err := st.GetJobByID(created.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if !job.MigrateCalendars || !job.MigrateContacts || !job.CreateCollections {
		t.Errorf("defaults not applied: %+v", job)
	}
	if job.SelectedCalendars == nil || len(job.SelectedCalendars) != 0 {
		t.Errorf("empty selection not preserved: %v", job.SelectedCalendars)
	}
	if job.SelectedAddressBooks != nil {
		t.Errorf("absent selection should stay nil: %v", job.SelectedAddressBooks)
	}
	if job.CalendarMapping["Work"] != "Imported-Work" {
		t.Errorf("mapping = %v", job.CalendarMapping)
	}
}

func TestStartJobFlow(t *testing.T) {
	router, st := setupTestRouter(t)
	serverID := createServerViaAPI(t, router, "prod")
	srcID := createAccountViaAPI(t, router, serverID, "src")
	dstID := createAccountViaAPI(t, router, serverID, "dst")
	jobID := createJobViaAPI(t, router, srcID, dstID)

	t.Run("mutually exclusive overrides rejected", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/start", map[string]any{
			"calendars_only": true,
			"contacts_only":  true,
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("chunked body still carries overrides", func(t *testing.T) {
		body := strings.NewReader(`{"calendars_only":true,"contacts_only":true}`)
		req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+jobID+"/start", body)
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, expected the overrides to be read and rejected", rec.Code)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/jobs/nope/start", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("start queues the job", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/start", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		job, _ := st.GetJobByID(jobID)
		if job.Status != store.StatusQueued {
			t.Errorf("job status = %q", job.Status)
		}
	})

	t.Run("starting a queued job conflicts", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/start", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("queued job cannot be deleted", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodDelete, "/api/jobs/"+jobID, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("cancel queued job", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		job, _ := st.GetJobByID(jobID)
		if job.Status != store.StatusCancelled {
			t.Errorf("job status = %q", job.Status)
		}
	})

	t.Run("cancelling a terminal job conflicts", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestJobLogsEndpoint(t *testing.T) {
	router, st := setupTestRouter(t)
	serverID := createServerViaAPI(t, router, "prod")
	srcID := createAccountViaAPI(t, router, serverID, "src")
	dstID := createAccountViaAPI(t, router, serverID, "dst")
	jobID := createJobViaAPI(t, router, srcID, dstID)

	if err := st.AppendJobLog(jobID, "info", "migration started"); err != nil {
		t.Fatalf("AppendJobLog: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var logs []store.JobLog
	decodeJSON(t, rec, &logs)
	if len(logs) != 1 || logs[0].Message != "migration started" {
		t.Errorf("logs = %+v", logs)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/nope/logs", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/worker/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	var status worker.Status
	decodeJSON(t, rec, &status)
	if !status.Paused {
		t.Error("pause did not report paused")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/worker/resume", nil)
	decodeJSON(t, rec, &status)
	if status.Paused {
		t.Error("resume did not clear paused")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/worker/status", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status endpoint = %d", rec.Code)
	}
}

func TestRequireJSONContentType(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/servers", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, expected 415", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/limited", RateLimiter(1, 1), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK {
		t.Errorf("first request = %d", codes[0])
	}
	limited := false
	for _, code := range codes[1:] {
		if code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Errorf("no request was rate limited: %v", codes)
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, expected %q", header, got, want)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set on plain HTTP request")
	}
}
