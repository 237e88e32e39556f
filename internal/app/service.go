package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/auth"
	"heirloom/api/internal/authpw"
	"heirloom/api/internal/backup"
	"heirloom/api/internal/blob"
	"heirloom/api/internal/config"
	"heirloom/api/internal/export"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/search"
	"heirloom/api/internal/session"
	"heirloom/api/internal/store"
	"heirloom/api/internal/support"
	"heirloom/api/internal/util"
	"heirloom/api/internal/willdoc"
	"heirloom/api/internal/willrepo"
)

// Session is an authenticated caller. Role is the platform role
// (member or admin); estate roles are resolved per request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// EstateAccess is the estate a request resolved to and the caller's
// role in it. Handlers gate on the role via rbac.Can.
type EstateAccess struct {
	EstateID   string
	EstateName string
	Role       rbac.Role
}

// dataStore is everything the service needs from Postgres.
type dataStore interface {
	// users & auth
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UpdateUserProfile(ctx context.Context, userID, displayName string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	// estates & membership
	CreateEstate(ctx context.Context, estate store.Estate, memberID string) error
	GetEstate(ctx context.Context, estateID string) (store.Estate, error)
	GetDefaultEstateForUser(ctx context.Context, userID string) (store.Estate, error)
	UpdateEstateName(ctx context.Context, estateID, name string) error
	GetEstateRole(ctx context.Context, estateID, userID string) (string, error)
	ListEstateMembers(ctx context.Context, estateID string) ([]store.EstateMember, error)
	ListMemberships(ctx context.Context, userID string) ([]store.EstateMember, error)
	UpdateEstateMemberRole(ctx context.Context, estateID, memberID, role string) (bool, error)
	RemoveEstateMember(ctx context.Context, estateID, memberID string) (bool, error)
	CreateEstateInvite(ctx context.Context, invite store.EstateInvite) error
	ListEstateInvites(ctx context.Context, estateID string) ([]store.EstateInvite, error)
	RevokeEstateInvite(ctx context.Context, estateID, inviteID string) (bool, error)
	AcceptEstateInvite(ctx context.Context, token, userID, memberID string) (store.EstateInvite, error)

	// emergency contacts
	ListEmergencyContacts(ctx context.Context, estateID string) ([]store.EmergencyContact, error)
	CountEmergencyContacts(ctx context.Context, estateID string) (int, error)
	CreateEmergencyContact(ctx context.Context, contact store.EmergencyContact) error
	UpdateEmergencyContact(ctx context.Context, contact store.EmergencyContact) (bool, error)
	DeleteEmergencyContact(ctx context.Context, estateID, contactID string) (bool, error)
	VerifyEmergencyContact(ctx context.Context, token string) (store.EmergencyContact, error)

	// dead man's switch
	GetSwitchState(ctx context.Context, estateID string) (store.SwitchState, error)
	UpdateSwitchPolicy(ctx context.Context, estateID string, intervalDays, graceDays int) (store.SwitchState, error)
	CheckinSwitch(ctx context.Context, estateID string) (store.SwitchState, error)
	PauseSwitch(ctx context.Context, estateID string) (store.SwitchState, error)
	ResumeSwitch(ctx context.Context, estateID string) (store.SwitchState, error)
	ForceTriggerSwitch(ctx context.Context, estateID string) (store.SwitchState, error)
	ResetSwitch(ctx context.Context, estateID string) (store.SwitchState, error)
	CountActiveEscalationSteps(ctx context.Context, estateID string) (int, error)
	InsertSwitchEvent(ctx context.Context, estateID, eventType, actor string, detail map[string]any) error
	ListSwitchEvents(ctx context.Context, estateID string, limit int) ([]store.SwitchEvent, error)

	// wills
	CreateWill(ctx context.Context, will store.Will) error
	GetWill(ctx context.Context, estateID, willID string) (store.Will, error)
	ListWills(ctx context.Context, estateID string) ([]store.Will, error)
	UpdateWillTitle(ctx context.Context, estateID, willID, title, updatedBy string) (bool, error)
	UpdateWillSeal(ctx context.Context, estateID, willID string, score int, level, updatedBy string) error
	FinalizeWill(ctx context.Context, estateID, willID, ref string, score int, level, updatedBy string) (bool, error)
	ReviseWill(ctx context.Context, estateID, willID, updatedBy string) (bool, error)
	RevokeWill(ctx context.Context, estateID, willID, updatedBy string) (bool, error)
	CountWills(ctx context.Context, estateID string) (int, error)

	// vault
	CreateRecoveryKit(ctx context.Context, kit store.RecoveryKit) error
	GetRecoveryKit(ctx context.Context, estateID string) (store.RecoveryKit, error)
	RotateRecoveryKit(ctx context.Context, estateID string, encPrivateKey, salt []byte, codeHash string) (bool, error)
	MarkRecoveryCodeUsed(ctx context.Context, estateID string) error
	InsertVaultItem(ctx context.Context, item store.VaultItem) error
	GetVaultItem(ctx context.Context, estateID, itemID string) (store.VaultItem, error)
	ListVaultItems(ctx context.Context, estateID string) ([]store.VaultItem, error)
	SoftDeleteVaultItem(ctx context.Context, estateID, itemID string) (string, error)
	CountVaultItems(ctx context.Context, estateID string) (int, error)

	// support desk
	CreateTicket(ctx context.Context, ticket store.Ticket) error
	GetTicket(ctx context.Context, ticketID string) (store.Ticket, error)
	ListTickets(ctx context.Context, userID string) ([]store.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticketID, status string) (bool, error)
	InsertTicketMessage(ctx context.Context, message store.TicketMessage) error
	ListTicketMessages(ctx context.Context, ticketID string) ([]store.TicketMessage, error)

	// audit & admin
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
	ListAuditEvents(ctx context.Context, estateID, eventType string, limit int, includeDownloads bool) ([]store.AuditEvent, error)
	AdminSummary(ctx context.Context) (store.AdminSummary, error)
	ListSnapshots(ctx context.Context) ([]store.Snapshot, error)
	GetSnapshot(ctx context.Context, snapshotID string) (store.Snapshot, error)

	Ping(ctx context.Context) error
}

// refreshStore holds refresh tokens: Redis in production, the Postgres
// refresh_sessions table when Redis is unconfigured.
type refreshStore interface {
	Save(ctx context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.TokenData, error)
	Revoke(ctx context.Context, tokenHash string) error
}

// willRepo is the per-will version history.
type willRepo interface {
	Init(willID, author string) error
	Save(willID string, content willdoc.Content, author, message string) (store.CommitInfo, error)
	Head(willID string) (willdoc.Content, store.CommitInfo, error)
	ContentAt(willID, hash string) (willdoc.Content, error)
	History(willID string, limit int) ([]store.CommitInfo, error)
	Tag(willID, hash, name string) error
}

// notifier sends the transactional mail triggered by API calls. Engine
// mail (reminders, escalation alerts) goes through the engine's sender.
type notifier interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendEstateInviteEmail(to, inviterName, estateName, role, inviteURL string) error
	SendContactVerifyEmail(to, contactName, ownerName, verifyURL string) error
	SendTicketReplyEmail(to, userName, ticketSubject, reply, ticketURL string) error
}

// searchIndex is the search facade; indexing is fire-and-forget.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexTicket(t search.TicketRecord)
	DeleteDocument(id string)
	DeleteTicket(id string)
}

// backupRunner runs and verifies snapshots. Restore and prune stay on
// the CLI.
type backupRunner interface {
	Create(ctx context.Context, note, createdBy string) (store.Snapshot, error)
	Verify(ctx context.Context, snapshotID string) (backup.VerifyResult, error)
}

// switchDriller sends drill notices without touching switch state.
type switchDriller interface {
	Drill(ctx context.Context, estateID, actor string) (int, error)
}

type willExporter interface {
	Export(req export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	pw       *authpw.Service
	sessions refreshStore
	blobs    blob.Store
	wills    willRepo
	exporter willExporter
	search   searchIndex
	notify   notifier
	rules    []support.Rule
	backups  backupRunner
	engine   switchDriller
	logger   *zap.Logger
}

// Deps carries the infrastructure the service runs on. cmd/api wires
// the production implementations; tests build a Service literal with
// fakes instead.
type Deps struct {
	Sessions refreshStore
	Blobs    blob.Store
	Wills    *willrepo.Service
	Exporter *export.Service
	Search   *search.Service
	Notify   notifier
	Rules    []support.Rule
	Backups  *backup.Service
	Engine   switchDriller
	Logger   *zap.Logger
}

func New(cfg config.Config, st *store.PostgresStore, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		pw:       authpw.NewService(st),
		sessions: deps.Sessions,
		blobs:    deps.Blobs,
		wills:    deps.Wills,
		exporter: deps.Exporter,
		search:   deps.Search,
		notify:   deps.Notify,
		rules:    deps.Rules,
		backups:  deps.Backups,
		engine:   deps.Engine,
		logger:   deps.Logger,
	}
}

// AuthPasswordService exposes the email/password flows to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.pw
}

// SMTPConfigured reports whether outbound mail is wired up. When it is
// not, auth endpoints return dev-bypass tokens instead of sending.
func (s *Service) SMTPConfigured() bool {
	return s.notify != nil && s.notify.IsConfigured()
}

// CompleteSignUp runs the post-signup work: the personal estate (with
// its owner membership and switch row), the verification email, and
// the audit trail. Called after authpw.SignUp succeeds.
func (s *Service) CompleteSignUp(ctx context.Context, userID, verificationToken string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load new user: %w", err)
	}

	estate := store.Estate{
		ID:      util.NewID("est"),
		OwnerID: user.ID,
		Name:    user.DisplayName + "'s Estate",
		Plan:    "free",
	}
	if err := s.store.CreateEstate(ctx, estate, util.NewID("mem")); err != nil {
		return fmt.Errorf("create personal estate: %w", err)
	}

	if s.SMTPConfigured() {
		verifyURL := s.cfg.PublicURL + "/verify-email?token=" + verificationToken
		if err := s.notify.SendVerificationEmail(user.Email, user.DisplayName, verifyURL); err != nil {
			s.logger.Warn("send verification email", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.audit(ctx, estate.ID, Session{UserID: user.ID, UserName: user.DisplayName},
		"auth.signup", "user", user.ID, nil)
	return nil
}

// ResendVerification re-issues a verification token. When mail is
// configured the token travels by email only and the return is empty.
func (s *Service) ResendVerification(ctx context.Context, email string) (string, error) {
	token, err := s.pw.ResendVerification(ctx, email)
	if err != nil || token == "" {
		return "", err
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		verifyURL := s.cfg.PublicURL + "/verify-email?token=" + token
		if err := s.notify.SendVerificationEmail(user.Email, user.DisplayName, verifyURL); err != nil {
			s.logger.Warn("send verification email", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return "", nil
}

// RequestPasswordReset issues a reset token and mails the link. Same
// dev-bypass contract as ResendVerification.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	token, err := s.pw.RequestPasswordReset(ctx, email)
	if err != nil || token == "" {
		return "", err
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		resetURL := s.cfg.PublicURL + "/reset-password?token=" + token
		if err := s.notify.SendPasswordResetEmail(user.Email, user.DisplayName, resetURL); err != nil {
			s.logger.Warn("send password reset email", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return "", nil
}

// CreateSession issues tokens for a signed-in user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	sess, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, "", sess, "auth.signin", "user", user.ID, nil)
	return sess, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	data := session.TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
	}
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), data, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token. The old token is revoked before the
// new session is issued; an unknown or expired token reads as 401.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	// Checkin-scoped tokens open exactly one door; they are not sessions.
	if claims.Scope != auth.ScopeAccess {
		return Session{}, auth.ErrInvalidToken
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// UpdateProfile renames the caller.
func (s *Service) UpdateProfile(ctx context.Context, sess Session, displayName string) (map[string]any, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, errValidation("Display name is required", nil)
	}
	if err := s.store.UpdateUserProfile(ctx, sess.UserID, name); err != nil {
		return nil, err
	}
	return map[string]any{"userId": sess.UserID, "displayName": name}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// ResolveEstate finds the estate a request addresses: the X-Estate-ID
// header when present, the caller's own estate otherwise. The caller
// must be an accepted member either way. Non-members get 403 rather
// than 404 so estate IDs stay unguessable.
func (s *Service) ResolveEstate(ctx context.Context, sess Session, requestedID string) (EstateAccess, error) {
	estateID := strings.TrimSpace(requestedID)
	if estateID == "" {
		estate, err := s.store.GetDefaultEstateForUser(ctx, sess.UserID)
		if err != nil {
			return EstateAccess{}, err
		}
		role, err := s.store.GetEstateRole(ctx, estate.ID, sess.UserID)
		if err != nil {
			return EstateAccess{}, err
		}
		return EstateAccess{EstateID: estate.ID, EstateName: estate.Name, Role: rbac.Normalize(role)}, nil
	}

	role, err := s.store.GetEstateRole(ctx, estateID, sess.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EstateAccess{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return EstateAccess{}, err
	}
	estate, err := s.store.GetEstate(ctx, estateID)
	if err != nil {
		return EstateAccess{}, err
	}
	return EstateAccess{EstateID: estate.ID, EstateName: estate.Name, Role: rbac.Normalize(role)}, nil
}

// CheckinByToken performs the one-click check-in from a reminder email.
// The token's subject is the estate, and its scope must be checkin.
func (s *Service) CheckinByToken(ctx context.Context, token string) (map[string]any, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return nil, err
	}
	if claims.Scope != auth.ScopeCheckin || claims.Sub == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.checkin(ctx, claims.Sub, "checkin-link")
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingBlobs checks object storage for the readiness probe.
func (s *Service) PingBlobs(ctx context.Context) error {
	if s.blobs == nil {
		return errors.New("blob store not configured")
	}
	return s.blobs.Ping(ctx)
}

// audit records an event without ever failing the calling operation.
func (s *Service) audit(ctx context.Context, estateID string, sess Session, eventType, resourceType, resourceID string, payload map[string]any) {
	event := store.AuditEvent{
		EstateID:     estateID,
		EventType:    eventType,
		ActorID:      sess.UserID,
		ActorName:    sess.UserName,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	}
	if err := s.store.InsertAuditEvent(ctx, event); err != nil {
		s.logger.Error("write audit event",
			zap.String("event_type", eventType),
			zap.String("estate_id", estateID),
			zap.Error(err))
	}
}
