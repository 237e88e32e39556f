package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"heirloom/api/internal/export"
	"heirloom/api/internal/store"
	"heirloom/api/internal/willdoc"
	"heirloom/api/internal/willrepo"
)

func draftWill(id string) store.Will {
	return store.Will{
		ID:        id,
		EstateID:  "est_1",
		Title:     "My Last Will",
		Status:    "DRAFT",
		SealLevel: "provisional",
		UpdatedBy: "usr_owner",
	}
}

// readyContent scores 75 as a draft and 85 once the finalize stamp
// fills the signature block.
func readyContent() willdoc.Content {
	return willdoc.Content{
		Testator: willdoc.Testator{
			FullName:    "Rosa Vale",
			DateOfBirth: "1957-03-14",
			Address:     "12 Harbor Lane, Porto",
		},
		Executors:     []willdoc.Executor{{Name: "Iris Vale", Email: "iris@example.com"}},
		Beneficiaries: []willdoc.Beneficiary{{Name: "Milo Vale", Relationship: "son", SharePercent: 100}},
		Witnesses:     []willdoc.Witness{{Name: "Ana Ruiz"}, {Name: "Tom Chen"}},
	}
}

func TestCreateWill(t *testing.T) {
	var created store.Will
	fs := &fakeStore{
		createWillFn: func(_ context.Context, will store.Will) error {
			created = will
			return nil
		},
	}
	server, svc := newTestServer(t, fs)
	initAuthor := ""
	svc.wills = &fakeWillRepo{
		initFn: func(_, author string) error {
			initAuthor = author
			return nil
		},
	}

	req := authedRequest(t, svc, http.MethodPost, "/api/wills",
		strings.NewReader(`{"title":"My Last Will"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "DRAFT" {
		t.Fatalf("expected DRAFT, got %v", payload["status"])
	}
	if payload["sealLevel"] != "provisional" {
		t.Fatalf("expected provisional seal, got %v", payload["sealLevel"])
	}
	if created.EstateID != "est_1" {
		t.Fatalf("expected will in est_1, got %q", created.EstateID)
	}
	if initAuthor != "Rosa Vale" {
		t.Fatalf("expected repo authored by the caller, got %q", initAuthor)
	}
}

func TestCreateWillBlankTitle(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})

	req := authedRequest(t, svc, http.MethodPost, "/api/wills", strings.NewReader(`{"title":" "}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func saveWillBody(t *testing.T, content willdoc.Content, message string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{"content": content, "message": message})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(body)
}

func TestSaveWillCommitsAndReseals(t *testing.T) {
	var sealScore int
	var sealLevel string
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
		updateWillSealFn: func(_ context.Context, _, _ string, score int, level, _ string) error {
			sealScore = score
			sealLevel = level
			return nil
		},
	}
	server, svc := newTestServer(t, fs)

	var savedMessage string
	svc.wills = &fakeWillRepo{
		saveFn: func(_ string, _ willdoc.Content, author, message string) (store.CommitInfo, error) {
			savedMessage = message
			return store.CommitInfo{Hash: "c0ffee1234567890", Author: author, Message: message, CreatedAt: time.Now()}, nil
		},
	}

	content := readyContent()
	content.Witnesses = nil // witnesses sign at finalization

	req := authedRequest(t, svc, http.MethodPut, "/api/wills/will_1",
		saveWillBody(t, content, "Name beneficiaries"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	version, _ := payload["version"].(map[string]any)
	if version["hash"] != "c0ffee1234567890" {
		t.Fatalf("expected commit hash in payload, got %v", version)
	}
	seal, _ := payload["seal"].(map[string]any)
	if seal["score"] != float64(60) || seal["level"] != "bronze" {
		t.Fatalf("expected seal 60/bronze, got %v", seal)
	}
	if sealScore != 60 || sealLevel != "bronze" {
		t.Fatalf("expected stored seal 60/bronze, got %d/%s", sealScore, sealLevel)
	}
	if savedMessage != "Name beneficiaries" {
		t.Fatalf("expected commit message to pass through, got %q", savedMessage)
	}
}

func TestSaveWillNonDraft(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			will := draftWill(willID)
			will.Status = "FINAL"
			return will, nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPut, "/api/wills/will_1",
		saveWillBody(t, readyContent(), "too late"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "WILL_NOT_DRAFT")
}

func TestSaveWillRejectsContradictions(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
	}
	server, svc := newTestServer(t, fs)

	content := willdoc.Content{
		Beneficiaries: []willdoc.Beneficiary{{Name: "Milo Vale", SharePercent: 150}},
	}
	req := authedRequest(t, svc, http.MethodPut, "/api/wills/will_1",
		saveWillBody(t, content, "overshare"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	payload := decodeResponse(t, rr)
	details, _ := payload["details"].([]any)
	if len(details) != 2 {
		t.Fatalf("expected the share and sum problems, got %v", details)
	}
}

func TestSaveWillViewerForbidden(t *testing.T) {
	fs := &fakeStore{
		getEstateRoleFn: func(context.Context, string, string) (string, error) {
			return "viewer", nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPut, "/api/wills/will_1",
		saveWillBody(t, readyContent(), "sneaky edit"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestGetWillDetail(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
	}
	server, svc := newTestServer(t, fs)
	svc.wills = &fakeWillRepo{
		headFn: func(string) (willdoc.Content, store.CommitInfo, error) {
			return readyContent(), store.CommitInfo{Hash: "head1234abcd", Message: "Create will", Author: "Rosa Vale", CreatedAt: time.Now()}, nil
		},
	}

	req := authedRequest(t, svc, http.MethodGet, "/api/wills/will_1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	content, _ := payload["content"].(map[string]any)
	testator, _ := content["testator"].(map[string]any)
	if testator["fullName"] != "Rosa Vale" {
		t.Fatalf("expected head content, got %v", content)
	}
	seal, _ := payload["seal"].(map[string]any)
	if seal["score"] != float64(75) {
		t.Fatalf("expected a 75 seal for the unsigned draft, got %v", seal["score"])
	}
}

func TestFinalizeWill(t *testing.T) {
	var finalizedRef string
	var finalizedScore int
	var finalizedLevel string
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
		finalizeWillFn: func(_ context.Context, _, _, ref string, score int, level, _ string) (bool, error) {
			finalizedRef = ref
			finalizedScore = score
			finalizedLevel = level
			return true, nil
		},
	}
	server, svc := newTestServer(t, fs)

	var stamped willdoc.Content
	var taggedName string
	svc.wills = &fakeWillRepo{
		headFn: func(string) (willdoc.Content, store.CommitInfo, error) {
			return readyContent(), store.CommitInfo{Hash: "head1234abcd"}, nil
		},
		saveFn: func(_ string, content willdoc.Content, author, message string) (store.CommitInfo, error) {
			stamped = content
			return store.CommitInfo{Hash: "fina1c0mmit12345", Author: author, Message: message, CreatedAt: time.Now()}, nil
		},
		tagFn: func(_, hash, name string) error {
			if hash != "fina1c0mmit12345" {
				t.Fatalf("expected tag on the finalize commit, got %q", hash)
			}
			taggedName = name
			return nil
		},
	}

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/finalize",
		strings.NewReader(`{"signedPlace":"Porto"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "FINAL" {
		t.Fatalf("expected FINAL, got %v", payload["status"])
	}
	if payload["tag"] != "final-v1" {
		t.Fatalf("expected tag final-v1, got %v", payload["tag"])
	}
	if taggedName != "final-v1" {
		t.Fatalf("expected the repo tag final-v1, got %q", taggedName)
	}
	if payload["ref"] != "fina1c0mmit12345" || finalizedRef != "fina1c0mmit12345" {
		t.Fatalf("expected the pinned ref, got payload=%v store=%q", payload["ref"], finalizedRef)
	}
	if finalizedScore != 85 || finalizedLevel != "silver" {
		t.Fatalf("expected stored seal 85/silver, got %d/%s", finalizedScore, finalizedLevel)
	}
	if stamped.SignedAt == "" || stamped.SignedPlace != "Porto" {
		t.Fatalf("expected the signature stamp, got at=%q place=%q", stamped.SignedAt, stamped.SignedPlace)
	}
}

func TestFinalizeWillSealTooLow(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
	}
	server, svc := newTestServer(t, fs)
	// HEAD is an empty document; even stamped it grades far below 50.

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/finalize",
		strings.NewReader(`{"signedPlace":"Porto"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "SEAL_TOO_LOW")
	payload := decodeResponse(t, rr)
	details, _ := payload["details"].([]any)
	if len(details) == 0 {
		t.Fatal("expected the findings to come back as details")
	}
}

func TestFinalizeWillNeedsWitnesses(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
	}
	server, svc := newTestServer(t, fs)
	svc.wills = &fakeWillRepo{
		headFn: func(string) (willdoc.Content, store.CommitInfo, error) {
			content := readyContent()
			content.Witnesses = []willdoc.Witness{{Name: "Ana Ruiz"}}
			// Residuary pushes the score past the floor so the witness
			// rule is what trips.
			content.ResiduaryClause = "Everything else to Milo Vale."
			return content, store.CommitInfo{Hash: "head1234abcd"}, nil
		},
	}

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/finalize",
		strings.NewReader(`{"signedPlace":"Porto"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "WITNESSES_REQUIRED")
}

func TestFinalizeWillNonDraft(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			will := draftWill(willID)
			will.Status = "REVOKED"
			return will, nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/finalize",
		strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "WILL_NOT_DRAFT")
}

func TestFinalizeContributorForbidden(t *testing.T) {
	fs := &fakeStore{
		getEstateRoleFn: func(context.Context, string, string) (string, error) {
			return "contributor", nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/finalize",
		strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestReviseWill(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			will := draftWill(willID)
			will.Status = "FINAL"
			return will, nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/revise", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "DRAFT" {
		t.Fatalf("expected DRAFT after revise, got %v", payload["status"])
	}
}

func TestReviseWillNotFinal(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
		reviseWillFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/revise", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "WILL_NOT_FINAL")
}

func TestRevokeWillTwice(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			will := draftWill(willID)
			will.Status = "REVOKED"
			return will, nil
		},
		revokeWillFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
	}
	server, svc := newTestServer(t, fs)

	req := authedRequest(t, svc, http.MethodPost, "/api/wills/will_1/revoke", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "WILL_REVOKED")
}

func TestWillVersionContentUnknownHash(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
	}
	server, svc := newTestServer(t, fs)
	svc.wills = &fakeWillRepo{
		contentAtFn: func(string, string) (willdoc.Content, error) {
			return willdoc.Content{}, willrepo.ErrNotFound
		},
	}

	req := authedRequest(t, svc, http.MethodGet, "/api/wills/will_1/versions/deadbeef", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestExportWillUnknownFormat(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})

	req := authedRequest(t, svc, http.MethodGet, "/api/wills/will_1/export?format=rtf", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestExportWillDownloadsPDF(t *testing.T) {
	fs := &fakeStore{
		getWillFn: func(_ context.Context, _, willID string) (store.Will, error) {
			return draftWill(willID), nil
		},
	}
	server, svc := newTestServer(t, fs)

	var gotReq export.Request
	svc.exporter = &fakeExporter{
		exportFn: func(req export.Request) (*export.Result, error) {
			gotReq = req
			return &export.Result{Data: []byte("%PDF-1.7 test"), Filename: "my-last-will.pdf", MimeType: "application/pdf"}, nil
		},
	}

	req := authedRequest(t, svc, http.MethodGet, "/api/wills/will_1/export?format=pdf", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("expected PDF content type, got %q", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "my-last-will.pdf") {
		t.Fatalf("expected attachment disposition, got %q", got)
	}
	if rr.Body.String() != "%PDF-1.7 test" {
		t.Fatalf("expected the rendered bytes, got %q", rr.Body.String())
	}
	if gotReq.Format != export.FormatPDF {
		t.Fatalf("expected pdf format, got %v", gotReq.Format)
	}
	if gotReq.Title != "My Last Will" {
		t.Fatalf("expected the will title, got %q", gotReq.Title)
	}
	// HEAD hash trimmed to the short ref.
	if gotReq.Version != "head1234" {
		t.Fatalf("expected short version ref, got %q", gotReq.Version)
	}
}
