package switchguard

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/auth"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
)

// Switch event types, written to switch_events by the engine and by the
// API handlers.
const (
	EventCheckin           = "CHECKIN"
	EventPolicyUpdated     = "POLICY_UPDATED"
	EventPaused            = "PAUSED"
	EventResumed           = "RESUMED"
	EventDeadlineMissed    = "DEADLINE_MISSED"
	EventEscalationStarted = "ESCALATION_STARTED"
	EventTierAdvanced      = "TIER_ADVANCED"
	EventNotifySent        = "NOTIFY_SENT"
	EventNotifyFailed      = "NOTIFY_FAILED"
	EventTriggered         = "TRIGGERED"
	EventForceTriggered    = "FORCE_TRIGGERED"
	EventReset             = "RESET"
	EventDrill             = "DRILL"
)

// actorEngine marks events written by the background loop rather than a
// request handler.
const actorEngine = "engine"

const maxTier = 3

// dataStore is the slice of the store the engine drives. The claim
// methods are what make multiple engine instances safe: each row
// transition is a guarded UPDATE, and zero affected rows means another
// instance won.
type dataStore interface {
	ClaimOverdueSwitches(ctx context.Context, limit int) ([]store.SwitchState, error)
	ClaimEscalatingSwitches(ctx context.Context, limit int) ([]store.SwitchState, error)
	ListDueEscalationSteps(ctx context.Context, limit int) ([]store.EscalationStep, error)
	ClaimEscalationStep(ctx context.Context, stepID string) (bool, error)
	MarkEscalationStepSent(ctx context.Context, stepID string) error
	MarkEscalationStepFailed(ctx context.Context, stepID, lastError string, retryAt time.Time, maxAttempts int) error
	ListExhaustedEscalations(ctx context.Context, limit int) ([]string, error)
	ListEscalationSteps(ctx context.Context, estateID string) ([]store.EscalationStep, error)
	InsertEscalationSteps(ctx context.Context, steps []store.EscalationStep) error
	ListEmergencyContacts(ctx context.Context, estateID string) ([]store.EmergencyContact, error)
	ListEstateMembers(ctx context.Context, estateID string) ([]store.EstateMember, error)
	TriggerSwitch(ctx context.Context, estateID string) (store.SwitchState, error)
	InsertSwitchEvent(ctx context.Context, estateID, eventType, actor string, detail map[string]any) error
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
}

// sender delivers the engine's outbound mail. Escalation alerts must
// report failure so the step can be retried; the rest are best-effort.
type sender interface {
	SendCheckinReminderEmail(to, userName string, graceDays int, checkinURL string) error
	SendEscalationAlertEmail(to, contactName, ownerName string) error
	SendUnsealNoticeEmail(to, executorName, ownerName, vaultURL string) error
	SendDrillNoticeEmail(to, contactName, ownerName string) error
}

type Config struct {
	Tick        time.Duration
	MaxAttempts int
	ClaimLimit  int
	PublicURL   string
	// TokenSecret signs the one-click check-in links embedded in
	// reminder emails. Empty means plain links without a token.
	TokenSecret string
}

// Engine is the background loop behind the dead man's switch. All state
// lives in switch_states and escalation_steps; a restart resumes from
// the rows alone.
type Engine struct {
	store  dataStore
	sender sender
	logger *zap.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st dataStore, snd sender, logger *zap.Logger, cfg Config) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 50
	}
	return &Engine{store: st, sender: snd, logger: logger, cfg: cfg}
}

// Start launches the tick loop. Call Stop to shut it down.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.run()
	e.logger.Info("switch engine started", zap.Duration("tick", e.cfg.Tick))
}

// Stop cancels in-flight work and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("switch engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Tick(e.ctx)
		}
	}
}

// Tick runs one full engine pass. Exported so tests and the ops CLI can
// step the engine without waiting on the timer.
func (e *Engine) Tick(ctx context.Context) {
	e.markOverdue(ctx)
	e.startEscalations(ctx)
	e.deliverDueSteps(ctx)
	e.advanceExhausted(ctx)
}

// markOverdue claims ACTIVE switches past their deadline and reminds the
// owner. The reminder is best-effort; the state change is what counts.
func (e *Engine) markOverdue(ctx context.Context) {
	states, err := e.store.ClaimOverdueSwitches(ctx, e.cfg.ClaimLimit)
	if err != nil {
		e.logger.Error("claim overdue switches", zap.Error(err))
		return
	}
	for _, state := range states {
		e.logger.Info("switch overdue",
			zap.String("estate_id", state.EstateID),
			zap.Time("deadline", state.NextDeadlineAt))
		e.recordEvent(ctx, state.EstateID, EventDeadlineMissed, map[string]any{
			"deadline":  state.NextDeadlineAt,
			"graceDays": state.GraceDays,
		})

		owner, ok := e.estateOwner(ctx, state.EstateID)
		if !ok {
			continue
		}
		if err := e.sender.SendCheckinReminderEmail(owner.UserEmail, owner.UserName, state.GraceDays, e.checkinURL(state)); err != nil {
			e.logger.Warn("send checkin reminder",
				zap.String("estate_id", state.EstateID), zap.Error(err))
		}
	}
}

// startEscalations claims OVERDUE switches past their grace window and
// queues tier-1 steps. An estate with no verified tier-1 contacts gets
// zero steps and shows up as exhausted on the next pass.
func (e *Engine) startEscalations(ctx context.Context) {
	states, err := e.store.ClaimEscalatingSwitches(ctx, e.cfg.ClaimLimit)
	if err != nil {
		e.logger.Error("claim escalating switches", zap.Error(err))
		return
	}
	for _, state := range states {
		inserted, err := e.queueTierSteps(ctx, state.EstateID, 1)
		if err != nil {
			e.logger.Error("queue tier 1 steps",
				zap.String("estate_id", state.EstateID), zap.Error(err))
			continue
		}
		e.logger.Info("escalation started",
			zap.String("estate_id", state.EstateID), zap.Int("steps", inserted))
		e.recordEvent(ctx, state.EstateID, EventEscalationStarted, map[string]any{
			"tier":  1,
			"steps": inserted,
		})
	}
}

// deliverDueSteps claims due PENDING steps one at a time and sends the
// escalation alert. The claim persists SENDING before any mail goes out,
// so a crash mid-send is retried rather than double-acknowledged.
func (e *Engine) deliverDueSteps(ctx context.Context) {
	steps, err := e.store.ListDueEscalationSteps(ctx, e.cfg.ClaimLimit)
	if err != nil {
		e.logger.Error("list due escalation steps", zap.Error(err))
		return
	}

	owners := map[string]string{}
	for _, step := range steps {
		claimed, err := e.store.ClaimEscalationStep(ctx, step.ID)
		if err != nil {
			e.logger.Error("claim escalation step", zap.String("step_id", step.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		attempt := step.Attempts + 1

		ownerName, ok := owners[step.EstateID]
		if !ok {
			if owner, found := e.estateOwner(ctx, step.EstateID); found {
				ownerName = owner.UserName
			} else {
				ownerName = step.EstateName
			}
			owners[step.EstateID] = ownerName
		}

		sendErr := e.sender.SendEscalationAlertEmail(step.ContactEmail, step.ContactName, ownerName)
		if sendErr == nil {
			if err := e.store.MarkEscalationStepSent(ctx, step.ID); err != nil {
				e.logger.Error("mark step sent", zap.String("step_id", step.ID), zap.Error(err))
				continue
			}
			e.recordEvent(ctx, step.EstateID, EventNotifySent, map[string]any{
				"stepId":    step.ID,
				"contactId": step.ContactID,
				"tier":      step.Tier,
				"attempt":   attempt,
			})
			continue
		}

		retryAt := time.Now().Add(backoff(attempt))
		if err := e.store.MarkEscalationStepFailed(ctx, step.ID, sendErr.Error(), retryAt, e.cfg.MaxAttempts); err != nil {
			e.logger.Error("mark step failed", zap.String("step_id", step.ID), zap.Error(err))
			continue
		}
		if attempt >= e.cfg.MaxAttempts {
			e.logger.Warn("escalation step gave up",
				zap.String("step_id", step.ID), zap.Int("attempts", attempt), zap.Error(sendErr))
			e.recordEvent(ctx, step.EstateID, EventNotifyFailed, map[string]any{
				"stepId":    step.ID,
				"contactId": step.ContactID,
				"tier":      step.Tier,
				"attempts":  attempt,
				"error":     sendErr.Error(),
			})
		} else {
			e.logger.Warn("escalation step requeued",
				zap.String("step_id", step.ID), zap.Int("attempt", attempt),
				zap.Time("retry_at", retryAt), zap.Error(sendErr))
		}
	}
}

// advanceExhausted moves ESCALATING estates whose queue drained to the
// next tier that has verified contacts, or to TRIGGERED when none is
// left.
func (e *Engine) advanceExhausted(ctx context.Context) {
	estateIDs, err := e.store.ListExhaustedEscalations(ctx, e.cfg.ClaimLimit)
	if err != nil {
		e.logger.Error("list exhausted escalations", zap.Error(err))
		return
	}
	for _, estateID := range estateIDs {
		steps, err := e.store.ListEscalationSteps(ctx, estateID)
		if err != nil {
			e.logger.Error("list escalation steps", zap.String("estate_id", estateID), zap.Error(err))
			continue
		}
		highest := 0
		for _, step := range steps {
			if step.Tier > highest {
				highest = step.Tier
			}
		}

		advanced := false
		for tier := highest + 1; tier <= maxTier; tier++ {
			inserted, err := e.queueTierSteps(ctx, estateID, tier)
			if err != nil {
				e.logger.Error("queue tier steps",
					zap.String("estate_id", estateID), zap.Int("tier", tier), zap.Error(err))
				advanced = true // retry next tick instead of triggering
				break
			}
			if inserted > 0 {
				e.logger.Info("escalation tier advanced",
					zap.String("estate_id", estateID), zap.Int("tier", tier), zap.Int("steps", inserted))
				e.recordEvent(ctx, estateID, EventTierAdvanced, map[string]any{
					"tier":  tier,
					"steps": inserted,
				})
				advanced = true
				break
			}
		}
		if advanced {
			continue
		}
		e.trigger(ctx, estateID)
	}
}

// trigger is the end of the line: every tier exhausted, nobody checked
// in. Executors get the unseal notice.
func (e *Engine) trigger(ctx context.Context, estateID string) {
	state, err := e.store.TriggerSwitch(ctx, estateID)
	if errors.Is(err, sql.ErrNoRows) {
		return // someone checked in or another instance won
	}
	if err != nil {
		e.logger.Error("trigger switch", zap.String("estate_id", estateID), zap.Error(err))
		return
	}
	e.logger.Info("switch triggered", zap.String("estate_id", estateID))
	e.recordEvent(ctx, estateID, EventTriggered, map[string]any{
		"triggeredAt": state.TriggeredAt,
	})
	if err := e.store.InsertAuditEvent(ctx, store.AuditEvent{
		EstateID:     estateID,
		EventType:    "switch.triggered",
		ActorID:      actorEngine,
		ActorName:    actorEngine,
		ResourceType: "switch",
		ResourceID:   estateID,
	}); err != nil {
		e.logger.Error("audit switch trigger", zap.String("estate_id", estateID), zap.Error(err))
	}

	members, err := e.store.ListEstateMembers(ctx, estateID)
	if err != nil {
		e.logger.Error("list members for unseal notice", zap.String("estate_id", estateID), zap.Error(err))
		return
	}
	ownerName := ""
	for _, m := range members {
		if m.Role == "owner" {
			ownerName = m.UserName
			break
		}
	}
	vaultURL := e.cfg.PublicURL + "/vault"
	for _, m := range members {
		if m.Role != "executor" || m.AcceptedAt == nil {
			continue
		}
		if err := e.sender.SendUnsealNoticeEmail(m.UserEmail, m.UserName, ownerName, vaultURL); err != nil {
			e.logger.Warn("send unseal notice",
				zap.String("estate_id", estateID), zap.String("to", m.UserEmail), zap.Error(err))
		}
	}
}

// ErrNoContacts means a drill found no verified tier-1 contact to notify.
var ErrNoContacts = errors.New("no verified tier-1 contacts")

// Drill sends a test notification to every verified tier-1 contact
// without touching switch state. Returns how many notices went out.
func (e *Engine) Drill(ctx context.Context, estateID, actor string) (int, error) {
	contacts, err := e.store.ListEmergencyContacts(ctx, estateID)
	if err != nil {
		return 0, err
	}
	owner, _ := e.estateOwner(ctx, estateID)

	eligible := 0
	sent := 0
	for _, c := range contacts {
		if c.Tier != 1 || c.VerifiedAt == nil {
			continue
		}
		eligible++
		if err := e.sender.SendDrillNoticeEmail(c.Email, c.Name, owner.UserName); err != nil {
			e.logger.Warn("send drill notice",
				zap.String("estate_id", estateID), zap.String("contact_id", c.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if eligible == 0 {
		return 0, ErrNoContacts
	}
	if actor == "" {
		actor = actorEngine
	}
	e.recordEvent(ctx, estateID, EventDrill, map[string]any{"notified": sent})
	if err := e.store.InsertAuditEvent(ctx, store.AuditEvent{
		EstateID:     estateID,
		EventType:    "switch.drill",
		ActorID:      actor,
		ActorName:    actor,
		ResourceType: "switch",
		ResourceID:   estateID,
		Payload:      map[string]any{"notified": sent},
	}); err != nil {
		e.logger.Error("audit drill", zap.String("estate_id", estateID), zap.Error(err))
	}
	return sent, nil
}

// queueTierSteps inserts immediately-due PENDING steps for the verified
// contacts at the given tier.
func (e *Engine) queueTierSteps(ctx context.Context, estateID string, tier int) (int, error) {
	contacts, err := e.store.ListEmergencyContacts(ctx, estateID)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var steps []store.EscalationStep
	for _, c := range contacts {
		if c.Tier != tier || c.VerifiedAt == nil {
			continue
		}
		steps = append(steps, store.EscalationStep{
			ID:        util.NewID("stp"),
			EstateID:  estateID,
			ContactID: c.ID,
			Tier:      tier,
			DueAt:     now,
		})
	}
	if len(steps) == 0 {
		return 0, nil
	}
	if err := e.store.InsertEscalationSteps(ctx, steps); err != nil {
		return 0, err
	}
	return len(steps), nil
}

// checkinURL builds the link for a reminder email. With a signing secret
// configured the link carries a checkin-scoped token so the owner can
// check in without logging in first; the token stays valid through the
// grace window plus a week of escalation.
func (e *Engine) checkinURL(state store.SwitchState) string {
	if e.cfg.TokenSecret == "" {
		return e.cfg.PublicURL + "/switch"
	}
	ttl := time.Duration(state.GraceDays)*24*time.Hour + 7*24*time.Hour
	token, err := auth.IssueToken([]byte(e.cfg.TokenSecret), auth.Claims{
		Sub:   state.EstateID,
		Scope: auth.ScopeCheckin,
		JTI:   util.NewID("chk"),
		Exp:   time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		e.logger.Error("issue checkin token", zap.String("estate_id", state.EstateID), zap.Error(err))
		return e.cfg.PublicURL + "/switch"
	}
	return e.cfg.PublicURL + "/checkin?token=" + token
}

func (e *Engine) estateOwner(ctx context.Context, estateID string) (store.EstateMember, bool) {
	members, err := e.store.ListEstateMembers(ctx, estateID)
	if err != nil {
		e.logger.Error("list estate members", zap.String("estate_id", estateID), zap.Error(err))
		return store.EstateMember{}, false
	}
	for _, m := range members {
		if m.Role == "owner" {
			return m, true
		}
	}
	return store.EstateMember{}, false
}

func (e *Engine) recordEvent(ctx context.Context, estateID, eventType string, detail map[string]any) {
	if err := e.store.InsertSwitchEvent(ctx, estateID, eventType, actorEngine, detail); err != nil {
		e.logger.Error("record switch event",
			zap.String("estate_id", estateID), zap.String("event", eventType), zap.Error(err))
	}
}

// backoff returns the retry delay after the given attempt number:
// 1m, 5m, 25m, then capped at two hours.
func backoff(attempt int) time.Duration {
	d := time.Minute
	for i := 1; i < attempt; i++ {
		d *= 5
		if d >= 2*time.Hour {
			return 2 * time.Hour
		}
	}
	return d
}
