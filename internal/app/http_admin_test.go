package app

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"heirloom/api/internal/backup"
	"heirloom/api/internal/store"
)

// adminStore returns a fake store whose users all carry the platform
// admin role.
func adminStore() *fakeStore {
	return &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Sam Ops", Email: "sam@heirloom.app", Role: "admin", IsEmailVerified: true}, nil
		},
	}
}

func TestAdminSurfaceForbiddenForMembers(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})

	paths := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/admin/summary"},
		{http.MethodGet, "/api/admin/backups"},
		{http.MethodPost, "/api/admin/backups"},
		{http.MethodPost, "/api/admin/switch/est_1/force-trigger"},
	}
	for _, p := range paths {
		req := authedRequest(t, svc, p.method, p.target, nil)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d body=%s", p.method, p.target, rr.Code, rr.Body.String())
		}
	}
}

func TestAdminSummaryCounters(t *testing.T) {
	fs := adminStore()
	fs.adminSummaryFn = func(context.Context) (store.AdminSummary, error) {
		return store.AdminSummary{
			Users:            12,
			Estates:          9,
			Wills:            4,
			VaultItems:       31,
			SwitchesByStatus: map[string]int{"ACTIVE": 7, "TRIGGERED": 2},
			OpenTickets:      3,
			Snapshots:        5,
		}, nil
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodGet, "/api/admin/summary", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["users"] != float64(12) || payload["vaultItems"] != float64(31) {
		t.Fatalf("unexpected counters: %v", payload)
	}
	byStatus, _ := payload["switchesByStatus"].(map[string]any)
	if byStatus["TRIGGERED"] != float64(2) {
		t.Fatalf("expected switch breakdown, got %v", payload["switchesByStatus"])
	}
}

func TestAdminCreateBackup(t *testing.T) {
	server, svc := newTestServer(t, adminStore())

	var gotNote, gotCreator string
	svc.backups = &fakeBackups{
		createFn: func(_ context.Context, note, createdBy string) (store.Snapshot, error) {
			gotNote, gotCreator = note, createdBy
			completed := time.Now()
			return store.Snapshot{
				ID: "snap_9", Kind: "full", Status: "COMPLETE",
				SizeBytes: 2048, SHA256: "ab12", Note: note,
				RowCounts: map[string]int{"users": 12},
				CreatedBy: createdBy, CreatedAt: time.Now(), CompletedAt: &completed,
			}, nil
		},
	}

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/backups",
		strings.NewReader(`{"note":"before migration 12"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["id"] != "snap_9" || payload["status"] != "COMPLETE" {
		t.Fatalf("unexpected snapshot payload: %v", payload)
	}
	counts, _ := payload["rowCounts"].(map[string]any)
	if counts["users"] != float64(12) {
		t.Fatalf("expected row counts, got %v", payload["rowCounts"])
	}
	if gotNote != "before migration 12" || gotCreator != "usr_owner" {
		t.Fatalf("expected note and creator recorded, got %q by %q", gotNote, gotCreator)
	}
}

func TestAdminListBackups(t *testing.T) {
	fs := adminStore()
	fs.listSnapshotsFn = func(context.Context) ([]store.Snapshot, error) {
		return []store.Snapshot{
			{ID: "snap_2", Kind: "full", Status: "VERIFIED", CreatedAt: time.Now()},
			{ID: "snap_1", Kind: "full", Status: "COMPLETE", CreatedAt: time.Now().Add(-time.Hour)},
		}, nil
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodGet, "/api/admin/backups", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	snaps, _ := payload["snapshots"].([]any)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %v", payload)
	}
}

func TestAdminVerifyBackup(t *testing.T) {
	server, svc := newTestServer(t, adminStore())
	svc.backups = &fakeBackups{
		verifyFn: func(_ context.Context, snapshotID string) (backup.VerifyResult, error) {
			return backup.VerifyResult{
				SnapshotID: snapshotID,
				SizeBytes:  2048,
				Digest:     "ab12",
				RowCounts:  map[string]int{"users": 12},
			}, nil
		},
	}

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/backups/snap_9/verify", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["ok"] != true {
		t.Fatalf("expected a clean verify, got %v", payload)
	}
	if _, present := payload["problems"]; present {
		t.Fatalf("expected no problems key, got %v", payload)
	}
}

func TestAdminVerifyBackupReportsProblems(t *testing.T) {
	server, svc := newTestServer(t, adminStore())
	svc.backups = &fakeBackups{
		verifyFn: func(_ context.Context, snapshotID string) (backup.VerifyResult, error) {
			return backup.VerifyResult{
				SnapshotID: snapshotID,
				Problems:   []string{"digest mismatch: stored ab12, archive cd34"},
			}, nil
		},
	}

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/backups/snap_9/verify", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["ok"] != false {
		t.Fatalf("expected ok=false, got %v", payload)
	}
	problems, _ := payload["problems"].([]any)
	if len(problems) != 1 {
		t.Fatalf("expected the digest problem, got %v", payload)
	}
}

func TestAdminForceTriggerSwitch(t *testing.T) {
	fs := adminStore()
	var eventType string
	fs.insertSwitchEventFn = func(_ context.Context, _ string, event string, _ string, _ map[string]any) error {
		eventType = event
		return nil
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/switch/est_7/force-trigger", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "TRIGGERED" {
		t.Fatalf("expected TRIGGERED, got %v", payload)
	}
	if payload["triggeredAt"] == nil {
		t.Fatalf("expected a trigger timestamp, got %v", payload)
	}
	if eventType != "FORCE_TRIGGERED" {
		t.Fatalf("expected a FORCE_TRIGGERED event, got %q", eventType)
	}
}

func TestAdminForceTriggerAlreadyTriggered(t *testing.T) {
	fs := adminStore()
	fs.forceTriggerSwitchFn = func(context.Context, string) (store.SwitchState, error) {
		return store.SwitchState{}, sql.ErrNoRows
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/switch/est_7/force-trigger", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "SWITCH_TRIGGERED")
}

func TestAdminResetSwitch(t *testing.T) {
	fs := adminStore()
	fs.getSwitchStateFn = func(_ context.Context, estateID string) (store.SwitchState, error) {
		now := time.Now().Add(-90 * 24 * time.Hour)
		return store.SwitchState{EstateID: estateID, Status: "TRIGGERED", IntervalDays: 30, GraceDays: 7, TriggeredAt: &now}, nil
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/switch/est_7/reset", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "ACTIVE" {
		t.Fatalf("expected ACTIVE after reset, got %v", payload)
	}
}

func TestAdminResetSwitchNotTriggered(t *testing.T) {
	fs := adminStore()
	fs.resetSwitchFn = func(context.Context, string) (store.SwitchState, error) {
		return store.SwitchState{}, sql.ErrNoRows
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/admin/switch/est_7/reset", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "SWITCH_NOT_TRIGGERED")
}
