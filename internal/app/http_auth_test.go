package app

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"heirloom/api/internal/store"
)

func TestSignUpCreatesAccountAndEstate(t *testing.T) {
	var createdUser store.User
	var createdEstate store.Estate
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			createdUser = user
			return nil
		},
		createEstateFn: func(_ context.Context, estate store.Estate, _ string) error {
			createdEstate = estate
			return nil
		},
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup",
		strings.NewReader(`{"email":"rosa@example.com","password":"hunter2hunter2","displayName":"Rosa Vale"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["userId"] == "" || payload["userId"] == nil {
		t.Fatalf("expected a userId, got %v", payload["userId"])
	}
	// Mail is not configured in tests, so the dev bypass token shows up.
	if payload["devVerificationToken"] == "" || payload["devVerificationToken"] == nil {
		t.Fatal("expected devVerificationToken without SMTP")
	}
	if payload["message"] != "Account created. Verify your email to continue." {
		t.Fatalf("unexpected message %v", payload["message"])
	}

	if createdUser.Role != "member" {
		t.Fatalf("expected member role, got %q", createdUser.Role)
	}
	if createdUser.IsEmailVerified {
		t.Fatal("new accounts must start unverified")
	}
	if createdUser.PasswordHash == "hunter2hunter2" {
		t.Fatal("password must be stored hashed")
	}
	if createdEstate.OwnerID != createdUser.ID {
		t.Fatalf("expected personal estate owned by %q, got %q", createdUser.ID, createdEstate.OwnerID)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_taken", Email: email}, nil
		},
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup",
		strings.NewReader(`{"email":"rosa@example.com","password":"hunter2hunter2","displayName":"Rosa Vale"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusConflict, "EMAIL_EXISTS")
}

func TestSignUpShortPassword(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup",
		strings.NewReader(`{"email":"rosa@example.com","password":"short","displayName":"Rosa Vale"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusBadRequest, "SIGNUP_FAILED")
}

func TestSignUpInvalidBody(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader("not-json"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusBadRequest, "INVALID_BODY")
}

// verifiedUserStore returns a fake store holding one verified account
// with the given password.
func verifiedUserStore(t *testing.T, password string) *fakeStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{
				ID:              "usr_owner",
				DisplayName:     "Rosa Vale",
				Email:           email,
				PasswordHash:    string(hash),
				Role:            "member",
				IsEmailVerified: true,
			}, nil
		},
	}
}

func TestSignInWrongPassword(t *testing.T) {
	server, _ := newTestServer(t, verifiedUserStore(t, "correct-password"))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin",
		strings.NewReader(`{"email":"rosa@example.com","password":"wrong-password"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestSignInUnverifiedEmail(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_owner", Email: email, PasswordHash: string(hash)}, nil
		},
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin",
		strings.NewReader(`{"email":"rosa@example.com","password":"correct-password"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusForbidden, "EMAIL_NOT_VERIFIED")
}

func TestSignInIssuesSession(t *testing.T) {
	server, _ := newTestServer(t, verifiedUserStore(t, "correct-password"))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signin",
		strings.NewReader(`{"email":"rosa@example.com","password":"correct-password"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	access, _ := payload["accessToken"].(string)
	refresh, _ := payload["refreshToken"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("expected both tokens, got access=%q refresh=%q", access, refresh)
	}
	if payload["userId"] != "usr_owner" {
		t.Fatalf("expected userId usr_owner, got %v", payload["userId"])
	}
	if payload["userName"] != "Rosa Vale" {
		t.Fatalf("expected userName Rosa Vale, got %v", payload["userName"])
	}
	expiresAt, _ := payload["expiresAt"].(float64)
	if int64(expiresAt) <= time.Now().Unix() {
		t.Fatalf("expected a future expiry, got %v", payload["expiresAt"])
	}
}

func TestSessionEndpointUnauthenticated(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["authenticated"] != false {
		t.Fatalf("expected authenticated=false, got %v", payload["authenticated"])
	}
	if payload["userName"] != nil {
		t.Fatalf("expected null userName, got %v", payload["userName"])
	}
}

func TestSessionEndpointAuthenticated(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})

	req := authedRequest(t, svc, http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated=true, got %v", payload["authenticated"])
	}
	if payload["userId"] != "usr_owner" {
		t.Fatalf("expected userId usr_owner, got %v", payload["userId"])
	}
	if payload["userName"] != "Rosa Vale" {
		t.Fatalf("expected userName Rosa Vale, got %v", payload["userName"])
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	paths := []string{
		"/api/me",
		"/api/estates",
		"/api/estate/summary",
		"/api/contacts",
		"/api/switch",
		"/api/wills",
		"/api/vault",
		"/api/support/tickets",
		"/api/search?q=deed",
		"/api/audit",
		"/api/admin/summary",
	}

	for _, path := range paths {
		t.Run(strings.TrimPrefix(path, "/api/"), func(t *testing.T) {
			server, _ := newTestServer(t, &fakeStore{})

			req := httptest.NewRequest(http.MethodGet, path, nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
		})
	}
}

func TestVerifyEmailEndpoint(t *testing.T) {
	verified := ""
	fs := &fakeStore{
		verifyUserEmailFn: func(_ context.Context, token string) error {
			verified = token
			return nil
		},
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/verify-email",
		strings.NewReader(`{"token":"tok-123"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if verified != "tok-123" {
		t.Fatalf("expected token tok-123 verified, got %q", verified)
	}
	payload := decodeResponse(t, rr)
	if payload["message"] != "Email verified successfully" {
		t.Fatalf("unexpected message %v", payload["message"])
	}
}

func TestVerifyEmailBadToken(t *testing.T) {
	fs := &fakeStore{
		verifyUserEmailFn: func(context.Context, string) error {
			return sql.ErrNoRows
		},
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/verify-email",
		strings.NewReader(`{"token":"stale"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusBadRequest, "VERIFICATION_FAILED")
}

func TestPasswordResetFlow(t *testing.T) {
	resetToken := ""
	var newHash string
	fs := verifiedUserStore(t, "old-password")
	fs.createPasswordResetFn = func(_ context.Context, userID, token string, _ time.Time) error {
		if userID != "usr_owner" {
			t.Fatalf("expected reset for usr_owner, got %q", userID)
		}
		resetToken = token
		return nil
	}
	fs.getPasswordResetFn = func(_ context.Context, token string) (string, error) {
		if token != resetToken {
			return "", sql.ErrNoRows
		}
		return "usr_owner", nil
	}
	fs.updateUserPasswordFn = func(_ context.Context, _, passwordHash string) error {
		newHash = passwordHash
		return nil
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/reset-password/request",
		strings.NewReader(`{"email":"rosa@example.com"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	devToken, _ := payload["devResetToken"].(string)
	if devToken == "" || devToken != resetToken {
		t.Fatalf("expected dev token %q, got %q", resetToken, devToken)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/reset-password",
		strings.NewReader(`{"token":"`+devToken+`","newPassword":"fresh-password"}`))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if err := bcrypt.CompareHashAndPassword([]byte(newHash), []byte("fresh-password")); err != nil {
		t.Fatalf("stored hash does not match the new password: %v", err)
	}
}

func TestResetPasswordBadToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/reset-password",
		strings.NewReader(`{"token":"never-issued","newPassword":"fresh-password"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusBadRequest, "RESET_FAILED")
}

func TestRefreshEndpoint(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})
	sess, err := svc.CreateSession(context.Background(), "usr_owner")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/session/refresh",
		strings.NewReader(`{"refreshToken":"`+sess.RefreshToken+`"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	rotated, _ := payload["refreshToken"].(string)
	if rotated == "" || rotated == sess.RefreshToken {
		t.Fatalf("expected a rotated refresh token, got %q", rotated)
	}
}

func TestRefreshEndpointUnknownToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/session/refresh",
		strings.NewReader(`{"refreshToken":"never-issued"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLogoutEndpoint(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})
	sess, err := svc.CreateSession(context.Background(), "usr_owner")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/session/logout",
		strings.NewReader(`{"refreshToken":"`+sess.RefreshToken+`"}`))
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if _, err := svc.Refresh(context.Background(), sess.RefreshToken); err == nil {
		t.Fatal("expected refresh token to be revoked after logout")
	}
}
