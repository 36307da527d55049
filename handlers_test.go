package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T) (*App, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	app := &App{
		cfg: &Config{
			Env:              "test",
			AppSigningSecret: "0123456789abcdef",
			AlertEmailTo:     "ops@example.com",
		},
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		mailer:  NewMailer(&recordingMailProvider{}, "noreply@example.com"),
		reviews: make(map[string]*ReviewSession),
	}
	app.listPendingProtests = func(ctx context.Context) ([]PendingProtest, error) {
		return []PendingProtest{}, nil
	}
	app.findNearbyProtests = func(ctx context.Context, center [2]float64, radiusKm float64) ([]NearbyProtest, error) {
		return []NearbyProtest{}, nil
	}

	router := gin.New()
	app.registerRoutes(router)
	return app, router
}

func authenticatedRequest(t *testing.T, app *App, method string, target string, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("content-type", "application/json")
	}
	token, err := app.createOperatorSessionToken(OperatorSession{Email: "operator@example.com"})
	if err != nil {
		t.Fatalf("create session token: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: operatorCookieName, Value: token, Path: "/"})
	return req
}

func findResponseCookie(response *http.Response, name string) *http.Cookie {
	for _, cookie := range response.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestOperatorLoginSuccessSetsSessionCookie(t *testing.T) {
	app, router := newTestServer(t)
	app.authenticateOperator = func(ctx context.Context, email, password string) error {
		if email != "operator@example.com" || password != "secret" {
			t.Fatalf("unexpected credentials: %s / %s", email, password)
		}
		return nil
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operator/auth/login", strings.NewReader(`{"email":"operator@example.com","password":"secret"}`))
	req.Header.Set("content-type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	cookie := findResponseCookie(rec.Result(), operatorCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected operator session cookie")
	}
}

func TestOperatorLoginInvalidCredentials(t *testing.T) {
	app, router := newTestServer(t)
	app.authenticateOperator = func(ctx context.Context, email, password string) error {
		return &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operator/auth/login", strings.NewReader(`{"email":"operator@example.com","password":"wrong"}`))
	req.Header.Set("content-type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if findResponseCookie(rec.Result(), operatorCookieName) != nil {
		t.Fatal("did not expect session cookie on failed login")
	}
}

func TestPendingQueueRequiresSession(t *testing.T) {
	_, router := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/pending", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestPendingQueueReturnsSnapshot(t *testing.T) {
	app, router := newTestServer(t)
	app.listPendingProtests = func(ctx context.Context) ([]PendingProtest, error) {
		return []PendingProtest{{ID: "1", DisplayName: strPtr("Balfour")}}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/pending", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var snapshot ReviewSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Queue) != 1 || snapshot.Queue[0].ID != "1" {
		t.Fatalf("unexpected queue: %+v", snapshot.Queue)
	}
	if snapshot.Position != defaultMapCenter {
		t.Fatalf("unexpected default position: %v", snapshot.Position)
	}
}

func TestSelectThenSubmitFlow(t *testing.T) {
	app, router := newTestServer(t)
	app.listPendingProtests = func(ctx context.Context) ([]PendingProtest, error) {
		return []PendingProtest{pendingWithCoords("1", 31.77, 35.22)}, nil
	}
	var createdParams *ProtestParams
	app.createProtest = func(ctx context.Context, params ProtestParams) error {
		createdParams = &params
		return nil
	}
	app.archivePendingProtest = func(ctx context.Context, id string) (bool, error) {
		return true, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/pending", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("load queue: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/1/select", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("select: %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/submit", `{"displayName":"edited"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d: %s", rec.Code, rec.Body.String())
	}
	if createdParams == nil || createdParams.DisplayName != "edited" {
		t.Fatalf("unexpected create params: %+v", createdParams)
	}
	if createdParams.Coords != [2]float64{31.77, 35.22} {
		t.Fatalf("expected map position attached as coords, got %v", createdParams.Coords)
	}
}

func TestSubmitPartialFailureGetsDistinctError(t *testing.T) {
	app, router := newTestServer(t)
	app.listPendingProtests = func(ctx context.Context) ([]PendingProtest, error) {
		return []PendingProtest{pendingWithCoords("1", 1, 1)}, nil
	}
	app.createProtest = func(ctx context.Context, params ProtestParams) error { return nil }
	app.archivePendingProtest = func(ctx context.Context, id string) (bool, error) { return false, nil }

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/pending", ""))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/1/select", ""))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/submit", `{}`))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected %d, got %d", http.StatusBadGateway, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "partial_submission") {
		t.Fatalf("expected partial_submission error, got %s", rec.Body.String())
	}
}

func TestArchivePendingAcknowledgesResult(t *testing.T) {
	app, router := newTestServer(t)
	app.archivePendingProtest = func(ctx context.Context, id string) (bool, error) {
		return id == "known", nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/known/archive", ""))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"archived":true`) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/missing/archive", ""))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"archived":false`) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUpdatePositionAndNearby(t *testing.T) {
	app, router := newTestServer(t)
	var gotCenter [2]float64
	app.findNearbyProtests = func(ctx context.Context, center [2]float64, radiusKm float64) ([]NearbyProtest, error) {
		gotCenter = center
		return []NearbyProtest{{ID: "pub-1", LatLng: center}}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/position", `{"position":[32.08,34.78]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("position: %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/nearby", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: %d: %s", rec.Code, rec.Body.String())
	}
	if gotCenter != [2]float64{32.08, 34.78} {
		t.Fatalf("expected nearby query at panned position, got %v", gotCenter)
	}
	if !strings.Contains(rec.Body.String(), "pub-1") {
		t.Fatalf("expected nearby protest in response: %s", rec.Body.String())
	}
}

func TestUpdatePositionAcceptsOrigin(t *testing.T) {
	app, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/position", `{"position":[0,0]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("pan to [0,0] must be accepted: %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/position", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing position must be rejected: %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogoutEvictsReviewSession(t *testing.T) {
	app, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/pending", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("load queue: %d", rec.Code)
	}
	if len(app.reviews) != 1 {
		t.Fatalf("expected one review session, got %d", len(app.reviews))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/auth/logout", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if len(app.reviews) != 0 {
		t.Fatalf("expected review session evicted on logout, got %d", len(app.reviews))
	}
}

func TestGeocodePendingRecentersMap(t *testing.T) {
	app, router := newTestServer(t)
	app.geocoder = geocoderFunc(func(ctx context.Context, address string) (*GeocodeResult, error) {
		if address != "Balfour St 1, Jerusalem" {
			t.Fatalf("unexpected address: %q", address)
		}
		return &GeocodeResult{Lat: 31.77, Lng: 35.22, Address: "Balfour St 1, Jerusalem"}, nil
	})
	app.listPendingProtests = func(ctx context.Context) ([]PendingProtest, error) {
		return []PendingProtest{{ID: "1", StreetAddress: strPtr("Balfour St 1, Jerusalem")}}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodGet, "/api/v1/operator/pending", ""))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/pending/1/geocode", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("geocode: %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "31.77") {
		t.Fatalf("expected geocoded coordinates in response: %s", rec.Body.String())
	}
}

type geocoderFunc func(ctx context.Context, address string) (*GeocodeResult, error)

func (f geocoderFunc) Geocode(ctx context.Context, address string) (*GeocodeResult, error) {
	return f(ctx, address)
}
