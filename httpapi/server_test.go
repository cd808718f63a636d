package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/paneld/internal/lockbus"
	"pkt.systems/paneld/schema"
)

type stubService struct {
	resolveConfig func(context.Context, schema.ResolveConfigRequest) (schema.ResolveConfigResponse, error)
	saveConfig    func(context.Context, schema.SaveConfigRequest) (schema.SaveConfigResponse, error)
	listTabs      func(context.Context, schema.ListTabsRequest) (schema.ListTabsResponse, error)
	createTab     func(context.Context, schema.CreateTabRequest) (schema.CreateTabResponse, error)
	setEditLock   func(context.Context, schema.SetEditLockRequest) (schema.SetEditLockResponse, error)
}

func (s *stubService) ResolveConfig(ctx context.Context, req schema.ResolveConfigRequest) (schema.ResolveConfigResponse, error) {
	if s.resolveConfig != nil {
		return s.resolveConfig(ctx, req)
	}
	return schema.ResolveConfigResponse{}, nil
}

func (s *stubService) ResolveDevice(ctx context.Context, req schema.ResolveDeviceRequest) (schema.ResolveConfigResponse, error) {
	return schema.ResolveConfigResponse{}, nil
}

func (s *stubService) SaveConfig(ctx context.Context, req schema.SaveConfigRequest) (schema.SaveConfigResponse, error) {
	if s.saveConfig != nil {
		return s.saveConfig(ctx, req)
	}
	return schema.SaveConfigResponse{}, nil
}

func (s *stubService) CleanupHistory(ctx context.Context, req schema.CleanupHistoryRequest) (schema.CleanupHistoryResponse, error) {
	return schema.CleanupHistoryResponse{}, nil
}

func (s *stubService) ResetConfig(ctx context.Context, req schema.ResetConfigRequest) (schema.ResetConfigResponse, error) {
	return schema.ResetConfigResponse{}, nil
}

func (s *stubService) ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	if s.listTabs != nil {
		return s.listTabs(ctx, req)
	}
	return schema.ListTabsResponse{}, nil
}

func (s *stubService) CreateTab(ctx context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error) {
	if s.createTab != nil {
		return s.createTab(ctx, req)
	}
	return schema.CreateTabResponse{}, nil
}

func (s *stubService) UpdateTab(ctx context.Context, req schema.UpdateTabRequest) (schema.UpdateTabResponse, error) {
	return schema.UpdateTabResponse{}, nil
}

func (s *stubService) DeleteTab(ctx context.Context, req schema.DeleteTabRequest) (schema.DeleteTabResponse, error) {
	return schema.DeleteTabResponse{}, nil
}

func (s *stubService) ReorderTabs(ctx context.Context, req schema.ReorderTabsRequest) (schema.ReorderTabsResponse, error) {
	return schema.ReorderTabsResponse{Order: req.Order}, nil
}

func (s *stubService) ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error) {
	return schema.ActivateTabResponse{ActiveTab: req.TabID}, nil
}

func (s *stubService) AddComponent(ctx context.Context, req schema.AddComponentRequest) (schema.AddComponentResponse, error) {
	return schema.AddComponentResponse{}, nil
}

func (s *stubService) MoveComponent(ctx context.Context, req schema.MoveComponentRequest) (schema.MoveComponentResponse, error) {
	return schema.MoveComponentResponse{}, nil
}

func (s *stubService) ResizeComponent(ctx context.Context, req schema.ResizeComponentRequest) (schema.ResizeComponentResponse, error) {
	return schema.ResizeComponentResponse{}, nil
}

func (s *stubService) RemoveComponent(ctx context.Context, req schema.RemoveComponentRequest) (schema.RemoveComponentResponse, error) {
	return schema.RemoveComponentResponse{}, nil
}

func (s *stubService) SaveWidgetDraft(ctx context.Context, req schema.SaveWidgetDraftRequest) (schema.SaveWidgetDraftResponse, error) {
	return schema.SaveWidgetDraftResponse{}, nil
}

func (s *stubService) SetEditLock(ctx context.Context, req schema.SetEditLockRequest) (schema.SetEditLockResponse, error) {
	if s.setEditLock != nil {
		return s.setEditLock(ctx, req)
	}
	return schema.SetEditLockResponse{Unlocked: req.Unlocked}, nil
}

func (s *stubService) GetEditLock(ctx context.Context, req schema.GetEditLockRequest) (schema.GetEditLockResponse, error) {
	return schema.GetEditLockResponse{}, nil
}

func (s *stubService) ObserveDevice(ctx context.Context, req schema.ObserveDeviceRequest) (schema.ObserveDeviceResponse, error) {
	return schema.ObserveDeviceResponse{DeviceType: schema.DeviceLaptop}, nil
}

type stubAuth struct {
	password string
	totp     string
}

func (a *stubAuth) Authenticate(username, password, totp string) error {
	if password != a.password {
		return errors.New("invalid credentials")
	}
	if a.totp != "" && totp != a.totp {
		return errors.New("invalid totp")
	}
	return nil
}

func (a *stubAuth) ChangePassword(username, currentPassword, totp, newPassword string) error {
	if err := a.Authenticate(username, currentPassword, totp); err != nil {
		return err
	}
	a.password = newPassword
	return nil
}

func newTestServer(t *testing.T, service *stubService) *Server {
	t.Helper()
	cfg := Config{
		SessionCookie:   "paneld_session",
		SessionTTLHours: 1,
	}
	auth := &stubAuth{password: "hunter2", totp: "123456"}
	server := NewServer(cfg, service, auth, NewHub(16), lockbus.New(nil))
	server.SetBaseContext(context.Background())
	return server
}

func login(t *testing.T, handler http.Handler) *http.Cookie {
	t.Helper()
	body := `{"username":"alice","password":"hunter2","totp":"123456"}`
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body %s", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "paneld_session" && cookie.Value != "" {
			return cookie
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func TestLoginIssuesCookieAndBadCredentialsRejected(t *testing.T) {
	server := newTestServer(t, &stubService{})
	handler := server.Handler()
	cookie := login(t, handler)
	if !cookie.HttpOnly {
		t.Fatal("session cookie not HttpOnly")
	}

	body := `{"username":"alice","password":"wrong","totp":"123456"}`
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", rec.Code)
	}
}

func TestRequireSession(t *testing.T) {
	server := newTestServer(t, &stubService{})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	cookie := login(t, handler)
	req = httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestConfigResolveUsesSessionIdentity(t *testing.T) {
	var gotUser schema.UserID
	var gotDevice schema.DeviceType
	service := &stubService{
		resolveConfig: func(_ context.Context, req schema.ResolveConfigRequest) (schema.ResolveConfigResponse, error) {
			gotUser = req.UserID
			gotDevice = req.DeviceType
			return schema.ResolveConfigResponse{
				Config: schema.UserConfig{ID: "cfg-1", UserID: req.UserID, DeviceType: req.DeviceType, Version: 3},
				Source: schema.SourcePrimary,
			}, nil
		},
	}
	server := newTestServer(t, service)
	handler := server.Handler()
	cookie := login(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/api/config?type=mobile", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if gotUser != "alice" {
		t.Fatalf("service saw user %q, want alice", gotUser)
	}
	if gotDevice != schema.DeviceMobile {
		t.Fatalf("service saw device %q, want mobile", gotDevice)
	}
	var payload struct {
		Config schema.UserConfig `json:"config"`
		Source string            `json:"source"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Config.Version != 3 || payload.Source != string(schema.SourcePrimary) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSaveConfigReportsConflict(t *testing.T) {
	service := &stubService{
		saveConfig: func(_ context.Context, req schema.SaveConfigRequest) (schema.SaveConfigResponse, error) {
			cfg := req.Config
			cfg.Version = req.BaseVersion + 2
			return schema.SaveConfigResponse{Config: cfg, Conflict: true}, nil
		},
	}
	server := newTestServer(t, service)
	handler := server.Handler()
	cookie := login(t, handler)

	body := `{"device_type":"laptop","config":{"id":"cfg-1","user_id":"alice","device_type":"laptop","tabs":[],"updated_at":"2026-08-30T00:00:00Z","version":1},"base_version":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/config/save", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Conflict bool `json:"conflict"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Conflict {
		t.Fatal("conflict flag not reported")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.ErrNotFound, http.StatusNotFound},
		{schema.ErrTabNotFound, http.StatusNotFound},
		{schema.ErrLocked, http.StatusConflict},
		{schema.ErrUnavailable, http.StatusServiceUnavailable},
		{schema.ErrInvalidTabName, http.StatusBadRequest},
		{errors.New("boom"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Errorf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestTabCreateEndpoint(t *testing.T) {
	service := &stubService{
		createTab: func(_ context.Context, req schema.CreateTabRequest) (schema.CreateTabResponse, error) {
			return schema.CreateTabResponse{Tab: schema.Tab{ID: "tab-1", Name: req.Name, Kind: schema.TabDynamic, Closable: req.Closable}}, nil
		},
	}
	server := newTestServer(t, service)
	handler := server.Handler()
	cookie := login(t, handler)

	body := `{"device_type":"laptop","name":"Research","closable":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/tabs/create", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Tab schema.Tab `json:"tab"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Tab.Name != "Research" || !payload.Tab.Closable {
		t.Fatalf("unexpected tab %+v", payload.Tab)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	server := newTestServer(t, &stubService{})
	handler := server.Handler()
	cookie := login(t, handler)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d", rec.Code)
	}
}

func TestBasePathMounting(t *testing.T) {
	service := &stubService{}
	cfg := Config{
		SessionCookie:   "paneld_session",
		SessionTTLHours: 1,
		BasePath:        "/dash",
	}
	auth := &stubAuth{password: "hunter2"}
	server := NewServer(cfg, service, auth, NewHub(16), lockbus.New(nil))
	server.SetBaseContext(context.Background())
	handler := server.Handler()

	body := `{"username":"alice","password":"hunter2","totp":""}`
	req := httptest.NewRequest(http.MethodPost, "/dash/api/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("prefixed login status = %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed status = %d", rec.Code)
	}
}
