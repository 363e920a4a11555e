package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/ncbridge/ncbridge/internal/config"
	"github.com/ncbridge/ncbridge/internal/db/models"
	"github.com/ncbridge/ncbridge/internal/delivery"
	"github.com/ncbridge/ncbridge/internal/vault"
	"gorm.io/gorm"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Installation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return vault.New(db)
}

type recordingChannel struct {
	sent []delivery.Message
	err  error
}

func (c *recordingChannel) Send(ctx context.Context, target delivery.Target, msg delivery.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.PublicBaseURL = "https://bridge.example.com"
	cfg.Nextcloud.BaseURL = baseURL
	cfg.Nextcloud.OAuth.ClientID = "client-id"
	cfg.Nextcloud.OAuth.ClientSecret = "client-secret"
	cfg.Nextcloud.OAuth.RedirectPath = "/auth/callback"
	return cfg
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestRegisterInstallationHandler(t *testing.T) {
	v := newTestVault(t)
	handler := RegisterInstallationHandler(v)

	body := `{
		"kind": "personal",
		"tenant_id": "tenant-1",
		"service_url": "https://smba.example.com",
		"conversation": {"id": "conv-1"},
		"preferences": {"calendar": false}
	}`
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/installations", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp installationResponse
	decodeBody(t, rec, &resp)
	if resp.ID == "" {
		t.Fatal("response carries no installation id")
	}
	if resp.ConversationID != "conv-1" || resp.Kind != "personal" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Connected {
		t.Fatal("fresh installation must not report connected")
	}
	if resp.Preferences["calendar"] || !resp.Preferences["mail"] || !resp.Preferences["talk"] {
		t.Fatalf("preferences = %v", resp.Preferences)
	}

	// Registering the same conversation again updates, not duplicates.
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/installations",
		strings.NewReader(`{"conversation": {"id": "conv-1"}, "team_id": "team-9"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("second register status = %d", rec.Code)
	}
	var again installationResponse
	decodeBody(t, rec, &again)
	if again.ID != resp.ID {
		t.Fatalf("second register created a new installation: %s != %s", again.ID, resp.ID)
	}

	all, err := v.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("installations = %d, want 1", len(all))
	}
	if all[0].Identity.TeamID != "team-9" || all[0].Identity.TenantID != "tenant-1" {
		t.Fatalf("identity not merged: %+v", all[0].Identity)
	}
}

func TestRegisterInstallationHandlerRejectsBadInput(t *testing.T) {
	handler := RegisterInstallationHandler(newTestVault(t))

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{nope"},
		{"no conversation", `{"kind": "personal"}`},
		{"unknown id without conversation", `{"id": "ghost"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodPost, "/api/installations", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestUpdatePreferencesHandler(t *testing.T) {
	v := newTestVault(t)
	inst, err := v.Upsert(vault.UpsertParams{Conversation: vault.Conversation{ID: "conv-1"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	router := chi.NewRouter()
	router.Put("/api/installations/{id}/preferences", UpdatePreferencesHandler(v))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut,
		"/api/installations/"+inst.ID+"/preferences", strings.NewReader(`{"talk": false}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Preferences map[string]bool `json:"preferences"`
	}
	decodeBody(t, rec, &resp)
	if resp.Preferences["talk"] || !resp.Preferences["mail"] || !resp.Preferences["calendar"] {
		t.Fatalf("preferences = %v", resp.Preferences)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut,
		"/api/installations/no-such-id/preferences", strings.NewReader(`{"talk": true}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestRemoveInstallationHandler(t *testing.T) {
	v := newTestVault(t)
	inst, err := v.Upsert(vault.UpsertParams{Conversation: vault.Conversation{ID: "conv-1"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	router := chi.NewRouter()
	router.Delete("/api/installations/conversations/{conversationId}", RemoveInstallationHandler(v))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/installations/conversations/conv-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["removed"] != inst.ID {
		t.Fatalf("removed = %q, want %q", resp["removed"], inst.ID)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/installations/conversations/conv-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAuthStartHandler(t *testing.T) {
	v := newTestVault(t)
	inst, err := v.Upsert(vault.UpsertParams{Conversation: vault.Conversation{ID: "conv-1"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	handler := AuthStartHandler(testConfig("https://cloud.example.com"), v)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/auth/start?installationId="+inst.ID, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "https://cloud.example.com/apps/oauth2/authorize") {
		t.Fatalf("redirect = %q", location)
	}
	if !strings.Contains(location, "state="+EncodeState(inst.ID)) {
		t.Fatalf("redirect misses state: %q", location)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/auth/start", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing installationId status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/auth/start?installationId=no-such-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown installation status = %d, want 404", rec.Code)
	}
}

func TestAuthCallbackHandler(t *testing.T) {
	v := newTestVault(t)
	inst, err := v.Upsert(vault.UpsertParams{
		Conversation: vault.Conversation{ID: "conv-1"},
		Identity:     vault.Identity{ServiceURL: "https://smba.example.com"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// The cloud test server plays Nextcloud's token endpoint.
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apps/oauth2/api/v1/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "the-code" {
			t.Errorf("code = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer cloud.Close()

	channel := &recordingChannel{}
	handler := AuthCallbackHandler(testConfig(cloud.URL), v, channel)

	rec := httptest.NewRecorder()
	url := "/auth/callback?code=the-code&state=" + EncodeState(inst.ID)
	handler(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "Sign-in complete") {
		t.Fatalf("body = %s", rec.Body)
	}

	stored, err := v.ByID(inst.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if stored.Credential == nil {
		t.Fatal("credential not attached")
	}
	if stored.Credential.AccessToken != "new-access" || stored.Credential.RefreshToken != "new-refresh" {
		t.Fatalf("credential = %+v", stored.Credential)
	}
	if stored.Credential.BaseURL != cloud.URL {
		t.Fatalf("baseURL = %q, want %q", stored.Credential.BaseURL, cloud.URL)
	}
	if stored.Credential.ClientID != "client-id" || stored.Credential.ClientSecret != "client-secret" {
		t.Fatalf("oauth client not captured: %+v", stored.Credential)
	}
	if stored.Credential.ExpiresAt == nil {
		t.Fatal("expiry not captured")
	}

	if len(channel.sent) != 1 {
		t.Fatalf("confirmation messages = %d, want 1", len(channel.sent))
	}
}

func TestAuthCallbackHandlerRejections(t *testing.T) {
	v := newTestVault(t)
	handler := AuthCallbackHandler(testConfig("https://cloud.example.com"), v, &recordingChannel{})

	cases := []struct {
		name string
		url  string
		want int
	}{
		{"remote error", "/auth/callback?error=access_denied", http.StatusBadRequest},
		{"missing code", "/auth/callback?state=" + EncodeState("x"), http.StatusBadRequest},
		{"missing state", "/auth/callback?code=abc", http.StatusBadRequest},
		{"garbage state", "/auth/callback?code=abc&state=%21%21", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, tc.url, nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestAuthCallbackHandlerConfirmationFailureIsNotFatal(t *testing.T) {
	v := newTestVault(t)
	inst, err := v.Upsert(vault.UpsertParams{Conversation: vault.Conversation{ID: "conv-1"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer"}`)
	}))
	defer cloud.Close()

	channel := &recordingChannel{err: &delivery.Error{StatusCode: 502, Body: "down"}}
	handler := AuthCallbackHandler(testConfig(cloud.URL), v, channel)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state="+EncodeState(inst.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; a failed confirmation must not fail the flow", rec.Code)
	}
	stored, err := v.ByID(inst.ID)
	if err != nil || stored.Credential == nil {
		t.Fatalf("credential missing after callback: %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Fatalf("body = %v", resp)
	}
}
