package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/trillionclues/chronicle-backend/internal/events"
	"github.com/trillionclues/chronicle-backend/internal/models"
	"github.com/trillionclues/chronicle-backend/internal/users"
)

func newTestRouter(t *testing.T) (http.Handler, *App) {
	t.Helper()
	app := NewApp(NewMemoryRepository(), users.NewStaticDirectory(), events.NopPublisher{}, DefaultPolicy())
	app.BindTimers(&fakeTimers{})

	r := chi.NewRouter()
	r.Route("/api", NewHandler(app).Routes)
	return r, app
}

func doRequest(t *testing.T, router http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"title":"ghost story","max_rounds":3,"round_duration_sec":60,"vote_duration_sec":30,"max_participants":6}`
	rec := doRequest(t, router, http.MethodPost, "/api/sessions", "creator", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var resp struct {
		SessionID string `json:"session_id"`
		JoinCode  string `json:"join_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" || len(resp.JoinCode) != joinCodeLen {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateSessionEndpointRejectsBadInput(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/sessions", "creator", `{"title":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid config: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/sessions", "", `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing identity: status = %d, want 403", rec.Code)
	}
}

func TestGetSessionEndpoint(t *testing.T) {
	router, app := newTestRouter(t)
	ctx := context.Background()

	s, err := app.CreateSession(ctx, defaultConfig(), "creator")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/sessions/"+s.ID.String(), "creator", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var view View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Phase != models.PhaseWaiting || view.JoinCode != s.JoinCode {
		t.Fatalf("unexpected view: %+v", view)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/sessions/not-a-uuid", "creator", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bad id: status = %d, want 404", rec.Code)
	}
}

func TestGetSessionByCodeOnlyWhileWaiting(t *testing.T) {
	router, app := newTestRouter(t)
	ctx := context.Background()

	s, err := app.CreateSession(ctx, defaultConfig(), "creator")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/sessions/code/"+s.JoinCode, "creator", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	if _, err := app.StartSession(ctx, s.ID, "creator"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	rec = doRequest(t, router, http.MethodGet, "/api/sessions/code/"+s.JoinCode, "creator", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("started session by code: status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/sessions/code/ZZZZZZ", "creator", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown code: status = %d, want 404", rec.Code)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	router, app := newTestRouter(t)
	ctx := context.Background()

	active, err := app.CreateSession(ctx, defaultConfig(), "creator")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	done, err := app.CreateSession(ctx, defaultConfig(), "creator")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := app.CancelSession(ctx, done.ID, "creator"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}

	decode := func(rec *httptest.ResponseRecorder) []View {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		var views []View
		if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
			t.Fatalf("decode views: %v", err)
		}
		return views
	}

	views := decode(doRequest(t, router, http.MethodGet, "/api/sessions", "creator", ""))
	if len(views) != 2 {
		t.Fatalf("all sessions = %d, want 2", len(views))
	}

	views = decode(doRequest(t, router, http.MethodGet, "/api/sessions?active=true", "creator", ""))
	if len(views) != 1 || views[0].ID != active.ID.String() {
		t.Fatalf("active filter returned %+v", views)
	}

	views = decode(doRequest(t, router, http.MethodGet, "/api/sessions", "stranger", ""))
	if len(views) != 0 {
		t.Fatalf("stranger sees %d sessions, want 0", len(views))
	}
}
