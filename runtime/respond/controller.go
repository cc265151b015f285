package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/expr"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/quota"
	"canvass.dev/canvass/runtime/resolve"
	"canvass.dev/canvass/runtime/route"
	"canvass.dev/canvass/runtime/settings"
	"canvass.dev/canvass/runtime/survey"
	"canvass.dev/canvass/runtime/validate"
)

type (
	// ControllerOptions configures the session controller.
	ControllerOptions struct {
		// Surveys loads survey configuration, collectors and invites.
		// Required.
		Surveys survey.Store
		// Sessions persists sessions, answers and outbox rows. Required.
		Sessions Store
		// Quota applies quota policy. Required.
		Quota *quota.Manager
		// Settings applies phase policy. Required.
		Settings *settings.Engine
		// Notifier receives completion side effects. Optional.
		Notifier Notifier
		// VPNCheck flags VPN/proxy addresses. Optional; nil means never
		// flagged.
		VPNCheck func(ctx context.Context, ip string) bool
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Controller drives the session lifecycle. Safe for concurrent use.
	Controller struct {
		surveys  survey.Store
		sessions Store
		quota    *quota.Manager
		settings *settings.Engine
		notifier Notifier
		vpnCheck func(ctx context.Context, ip string) bool
		now      func() time.Time
	}

	// Notifier receives side effects of session completion, such as
	// thank-you emails. Calls happen outside the session transaction.
	Notifier interface {
		SessionCompleted(ctx context.Context, s Session, policy settings.Completion)
	}

	// StartInput admits a new respondent.
	StartInput struct {
		Slug string
		// Token is the single-use invite token, when the collector
		// requires one.
		Token    string
		Password string
		Meta     Meta
	}

	// StartResult is the outcome of a successful start.
	StartResult struct {
		SessionID   string `json:"sessionId"`
		FirstPageID string `json:"firstPageId"`
		IsResume    bool   `json:"isResume,omitempty"`
		// ClosingSoon signals that the survey is close to its response
		// target so clients can warn the respondent.
		ClosingSoon bool `json:"closingSoon,omitempty"`
	}

	// SubmitInput carries one page's answers.
	SubmitInput struct {
		SessionID string
		PageID    string
		Answers   []answer.Answer
	}

	// NextStep points the client at the next page.
	NextStep struct {
		PageID     string `json:"pageId"`
		QuestionID string `json:"questionId,omitempty"`
	}

	// SubmitResult is exactly one of: violations, terminated, complete,
	// or next.
	SubmitResult struct {
		Violations []validate.Violation `json:"violations,omitempty"`
		Terminated bool                 `json:"terminated,omitempty"`
		Reason     string               `json:"reason,omitempty"`
		Complete   bool                 `json:"complete,omitempty"`
		Next       *NextStep            `json:"next,omitempty"`
		Completion *settings.Completion `json:"completion,omitempty"`
	}

	// Layout is a resolved page plus the UI policy.
	Layout struct {
		Page       resolve.ResolvedPage `json:"page"`
		Navigation settings.Navigation  `json:"navigation"`
	}

	// ResumeResult is the reloaded layout plus the respondent's
	// recorded progress.
	ResumeResult struct {
		Layout   Layout   `json:"layout"`
		Progress Progress `json:"progressData"`
	}

	// StatusResult summarizes a session.
	StatusResult struct {
		Status      Status     `json:"status"`
		StartedAt   time.Time  `json:"startedAt"`
		FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
		FirstPageID string     `json:"firstPageId,omitempty"`
		Collector   string     `json:"collector"`
	}

	// AdmissionError blocks a session start with a typed reason.
	AdmissionError struct {
		Reason string
	}
)

// Error implements error.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused: %s", e.Reason)
}

// Additional admission reasons raised by the controller itself.
const (
	ReasonCollectorClosed = "COLLECTOR_CLOSED"
	ReasonInviteRequired  = "INVITE_REQUIRED"
	ReasonInviteInvalid   = "INVITE_INVALID"
	ReasonInviteConsumed  = "INVITE_CONSUMED"
	ReasonQuotaFull       = "OVERQUOTA"
)

// NewController builds a Controller from options.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Surveys == nil {
		return nil, fmt.Errorf("survey store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Quota == nil {
		return nil, fmt.Errorf("quota manager is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings engine is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		surveys:  opts.Surveys,
		sessions: opts.Sessions,
		quota:    opts.Quota,
		settings: opts.Settings,
		notifier: opts.Notifier,
		vpnCheck: opts.VPNCheck,
		now:      now,
	}, nil
}

// Start admits a respondent: collector and invite checks, the admission
// phase, session reuse, and creation of the session record together
// with its session.started outbox row in one transaction.
func (c *Controller) Start(ctx context.Context, in StartInput) (StartResult, error) {
	now := c.now().UTC()
	col, err := c.surveys.CollectorBySlug(ctx, in.Slug)
	if err != nil {
		return StartResult{}, err
	}
	if !col.AcceptsAt(now) {
		return StartResult{}, &AdmissionError{Reason: ReasonCollectorClosed}
	}

	s, err := c.surveys.Survey(ctx, col.TenantID, col.SurveyID)
	if err != nil {
		return StartResult{}, err
	}

	visitor := settings.Visitor{
		Password:    in.Password,
		ReferrerURL: in.Meta.Referrer,
		DeviceID:    in.Meta.DeviceID,
		IP:          in.Meta.IP,
	}
	if c.vpnCheck != nil {
		visitor.IsVPN = c.vpnCheck(ctx, in.Meta.IP)
	}
	adm := c.settings.Admit(ctx, s.Settings, visitor, c.submissionChecker(col.TenantID, col.SurveyID))
	if !adm.CanProceed {
		return StartResult{}, &AdmissionError{Reason: adm.Reason}
	}

	var invite survey.Invite
	if col.Type == survey.CollectorSingleUse {
		if in.Token == "" {
			return StartResult{}, &AdmissionError{Reason: ReasonInviteRequired}
		}
		invite, err = c.surveys.Invite(ctx, in.Token)
		if err != nil || invite.CollectorID != col.ID {
			return StartResult{}, &AdmissionError{Reason: ReasonInviteInvalid}
		}
		if !invite.Usable(now) {
			return StartResult{}, &AdmissionError{Reason: ReasonInviteConsumed}
		}
	}

	// Reuse an in-flight session from the same device when the collector
	// does not require a fresh one per visit.
	if in.Meta.DeviceID != "" && !col.AllowMultiplePerDevice {
		existing, err := c.sessions.ActiveSessionByDevice(ctx, col.ID, in.Meta.DeviceID)
		if err == nil {
			return StartResult{
				SessionID:   existing.ID,
				FirstPageID: existing.CurrentPageID,
				IsResume:    true,
				ClosingSoon: c.closingSoon(ctx, col, s),
			}, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return StartResult{}, err
		}
	}

	ectx := expr.Context{QuestionIDs: s.QuestionIDMap()}
	sessionID := uuid.NewString()
	first, loop, err := route.FirstVisiblePage(s, sessionID, ectx)
	if err != nil {
		return StartResult{}, err
	}

	sess := Session{
		ID:             sessionID,
		TenantID:       col.TenantID,
		SurveyID:       col.SurveyID,
		SurveyVersion:  s.Version,
		CollectorID:    col.ID,
		Status:         StatusInProgress,
		StartedAt:      now,
		CurrentPageID:  first.ID,
		LastActivityAt: now,
		Meta:           in.Meta,
		Render:         RenderState{Loop: loop},
		Progress:       Progress{PageHistory: []string{first.ID}},
	}

	err = c.sessions.InTx(ctx, func(ctx context.Context) error {
		if col.Type == survey.CollectorSingleUse {
			if err := c.surveys.ConsumeInvite(ctx, invite.Token, now); err != nil {
				if errors.Is(err, survey.ErrInviteConsumed) {
					return &AdmissionError{Reason: ReasonInviteConsumed}
				}
				return err
			}
		}
		if err := c.sessions.InsertSession(ctx, sess); err != nil {
			return err
		}
		return c.sessions.InsertOutbox(ctx, c.event(sess, outbox.EventSessionStarted, map[string]any{
			"collectorId": col.ID,
			"deviceId":    in.Meta.DeviceID,
		}))
	})
	if err != nil {
		return StartResult{}, err
	}

	return StartResult{
		SessionID:   sess.ID,
		FirstPageID: first.ID,
		ClosingSoon: c.closingSoon(ctx, col, s),
	}, nil
}

// PageLayout resolves a page for rendering. Requires an IN_PROGRESS
// session; the resolved layout is cached in the render state so
// refreshes return identical content.
func (c *Controller) PageLayout(ctx context.Context, sessionID, pageID string) (Layout, error) {
	sess, err := c.sessions.Session(ctx, sessionID)
	if err != nil {
		return Layout{}, err
	}
	if sess.Status != StatusInProgress {
		return Layout{}, ErrSessionNotActive
	}
	s, err := c.surveys.Survey(ctx, sess.TenantID, sess.SurveyID)
	if err != nil {
		return Layout{}, err
	}
	page, ok := s.PageByID(pageID)
	if !ok {
		return Layout{}, fmt.Errorf("page %s: not part of survey %s", pageID, s.ID)
	}

	ectx, err := c.exprContext(ctx, s, sess)
	if err != nil {
		return Layout{}, err
	}
	rp, err := resolve.Page(s, sess.ID, page, ectx)
	if err != nil {
		return Layout{}, err
	}

	if sess.Render.Pages == nil {
		sess.Render.Pages = make(map[string]resolve.ResolvedPage)
	}
	sess.Render.Pages[pageID] = rp
	sess.LastActivityAt = c.now().UTC()
	if err := c.sessions.UpdateSession(ctx, sess); err != nil {
		return Layout{}, err
	}

	return Layout{Page: rp, Navigation: c.settings.Navigate(ctx, s.Settings)}, nil
}

// Submit validates and persists one page's answers, applies quota, and
// routes to the next step. All state mutations and outbox rows commit
// in one transaction.
func (c *Controller) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	sess, err := c.sessions.Session(ctx, in.SessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess.Status != StatusInProgress {
		return SubmitResult{}, ErrSessionNotActive
	}
	s, err := c.surveys.Survey(ctx, sess.TenantID, sess.SurveyID)
	if err != nil {
		return SubmitResult{}, err
	}
	page, ok := s.PageByID(in.PageID)
	if !ok {
		return SubmitResult{}, fmt.Errorf("page %s: not part of survey %s", in.PageID, s.ID)
	}

	// Validation runs against the questions resolved as visible for this
	// submission. The incoming answers overlay the stored ones the same
	// way ReplacePageAnswers will persist them, so visibility rules see
	// the post-submit state and hidden questions are never validated.
	submitted := make(map[string]answer.Value, len(in.Answers))
	for _, a := range in.Answers {
		submitted[a.QuestionID] = a.Value
	}
	ectx, err := c.submitContext(ctx, s, sess, in.PageID, submitted)
	if err != nil {
		return SubmitResult{}, err
	}
	rp, err := resolve.Page(s, sess.ID, page, ectx)
	if err != nil {
		return SubmitResult{}, err
	}
	violations := validate.Page(visibleQuestions(page, rp), submitted)
	if len(violations) > 0 {
		pol := c.settings.Validate(ctx, s.Settings)
		if pol.CustomErrorMessage != "" {
			for i := range violations {
				violations[i].Message = pol.CustomErrorMessage
			}
		}
		return SubmitResult{Violations: violations}, nil
	}

	now := c.now().UTC()
	var result SubmitResult
	err = c.sessions.InTx(ctx, func(ctx context.Context) error {
		// Delete-then-insert keeps one answer row per (session, question).
		if err := c.sessions.ReplacePageAnswers(ctx, sess.ID, in.PageID, stamp(in.Answers, sess.ID, in.PageID, now)); err != nil {
			return err
		}
		if err := c.sessions.InsertOutbox(ctx, c.event(sess, outbox.EventAnswerUpserted, map[string]any{
			"pageId":    in.PageID,
			"questions": questionIDs(in.Answers),
		})); err != nil {
			return err
		}

		qin := quota.Input{
			TenantID:         sess.TenantID,
			SurveyID:         sess.SurveyID,
			SessionID:        sess.ID,
			Answers:          ectx.Answers,
			ExprContext:      ectx,
			ExpressionSource: s.ExpressionSource,
		}
		dec, err := c.quota.Reserve(ctx, qin)
		if err != nil {
			return err
		}
		if !dec.Proceed {
			result, err = c.finalizeTerminal(ctx, &sess, s, ReasonQuotaFull, now)
			return err
		}
		if dec.ReservationID != "" {
			if err := c.sessions.InsertOutbox(ctx, c.event(sess, outbox.EventQuotaReserved, map[string]any{
				"bucketId": dec.ReservedBucketID,
			})); err != nil {
				return err
			}
		}

		step, err := route.Next(route.Input{
			Survey:              s,
			SessionID:           sess.ID,
			PageID:              in.PageID,
			AnsweredQuestionIDs: questionIDs(in.Answers),
			ExprContext:         ectx,
			Loop:                sess.Render.Loop,
		})
		if err != nil {
			return err
		}

		sess.Progress.LastSubmittedPageID = in.PageID
		sess.LastActivityAt = now

		switch step.Kind {
		case route.StepTerminate:
			result, err = c.finalizeTerminal(ctx, &sess, s, step.Reason, now)
			return err
		case route.StepComplete:
			result, err = c.finalizeComplete(ctx, &sess, s, now)
			return err
		default:
			sess.Render.Loop = step.Loop
			sess.CurrentPageID = step.PageID
			sess.Progress.PageHistory = append(sess.Progress.PageHistory, step.PageID)
			if err := c.sessions.UpdateSession(ctx, sess); err != nil {
				return err
			}
			result = SubmitResult{Next: &NextStep{PageID: step.PageID, QuestionID: step.QuestionID}}
			return nil
		}
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if result.Complete {
		c.notifyCompleted(ctx, sess, result.Completion)
	}
	return result, nil
}

// Complete finalizes the session from the client side: quota becomes
// permanent, the session transitions to COMPLETED and the
// session.completed event is written.
func (c *Controller) Complete(ctx context.Context, sessionID string) (SubmitResult, error) {
	sess, err := c.sessions.Session(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess.Status != StatusInProgress {
		return SubmitResult{}, ErrSessionNotActive
	}
	s, err := c.surveys.Survey(ctx, sess.TenantID, sess.SurveyID)
	if err != nil {
		return SubmitResult{}, err
	}
	var result SubmitResult
	err = c.sessions.InTx(ctx, func(ctx context.Context) error {
		result, err = c.finalizeComplete(ctx, &sess, s, c.now().UTC())
		return err
	})
	if err != nil {
		return SubmitResult{}, err
	}
	c.notifyCompleted(ctx, sess, result.Completion)
	return result, nil
}

// Terminate ends the session by rule or client abort: quota is
// released and the session transitions to TERMINATED.
func (c *Controller) Terminate(ctx context.Context, sessionID, reason string) error {
	sess, err := c.sessions.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusInProgress {
		return ErrSessionNotActive
	}
	s, err := c.surveys.Survey(ctx, sess.TenantID, sess.SurveyID)
	if err != nil {
		return err
	}
	return c.sessions.InTx(ctx, func(ctx context.Context) error {
		_, err := c.finalizeTerminal(ctx, &sess, s, reason, c.now().UTC())
		return err
	})
}

// Resume reloads the current page layout plus the respondent's recorded
// progress for an IN_PROGRESS session still inside its validity windows.
func (c *Controller) Resume(ctx context.Context, sessionID string) (ResumeResult, error) {
	sess, err := c.sessions.Session(ctx, sessionID)
	if err != nil {
		return ResumeResult{}, err
	}
	if sess.Status != StatusInProgress {
		return ResumeResult{}, ErrSessionNotActive
	}
	s, err := c.surveys.Survey(ctx, sess.TenantID, sess.SurveyID)
	if err != nil {
		return ResumeResult{}, err
	}
	if ttl := s.Settings.Responses.IncompleteTTL; ttl > 0 {
		if c.now().UTC().Sub(sess.LastActivityAt) > ttl {
			return ResumeResult{}, ErrSessionNotActive
		}
	}
	lay, err := c.PageLayout(ctx, sessionID, sess.CurrentPageID)
	if err != nil {
		return ResumeResult{}, err
	}
	return ResumeResult{Layout: lay, Progress: sess.Progress}, nil
}

// SessionStatus summarizes a session for polling clients.
func (c *Controller) SessionStatus(ctx context.Context, sessionID string) (StatusResult, error) {
	sess, err := c.sessions.Session(ctx, sessionID)
	if err != nil {
		return StatusResult{}, err
	}
	first := ""
	if len(sess.Progress.PageHistory) > 0 {
		first = sess.Progress.PageHistory[0]
	}
	return StatusResult{
		Status:      sess.Status,
		StartedAt:   sess.StartedAt,
		FinalizedAt: sess.FinalizedAt,
		FirstPageID: first,
		Collector:   sess.CollectorID,
	}, nil
}

// AbandonIdle transitions idle IN_PROGRESS sessions to ABANDONED,
// releasing their quota. Driven by a periodic sweeper; idempotent.
func (c *Controller) AbandonIdle(ctx context.Context, idleFor time.Duration, limit int) (int, error) {
	cutoff := c.now().UTC().Add(-idleFor)
	idle, err := c.sessions.IdleSessions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, sess := range idle {
		sess := sess
		err := c.sessions.InTx(ctx, func(ctx context.Context) error {
			released, err := c.quota.Release(ctx, sess.ID)
			if err != nil {
				return err
			}
			if released > 0 {
				if err := c.sessions.InsertOutbox(ctx, c.event(sess, outbox.EventQuotaReleased, nil)); err != nil {
					return err
				}
			}
			now := c.now().UTC()
			sess.Status = StatusAbandoned
			sess.FinalizedAt = &now
			if err := c.sessions.UpdateSession(ctx, sess); err != nil {
				return err
			}
			return c.sessions.InsertOutbox(ctx, c.event(sess, outbox.EventSessionAbandoned, nil))
		})
		if err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// finalizeComplete transitions the session to COMPLETED inside the
// caller's transaction. The quota.finalized event appears only when the
// session actually held a reservation.
func (c *Controller) finalizeComplete(ctx context.Context, sess *Session, s *survey.Survey, now time.Time) (SubmitResult, error) {
	finalized, err := c.quota.Finalize(ctx, sess.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	if finalized > 0 {
		if err := c.sessions.InsertOutbox(ctx, c.event(*sess, outbox.EventQuotaFinalized, nil)); err != nil {
			return SubmitResult{}, err
		}
	}
	sess.Status = StatusCompleted
	sess.FinalizedAt = &now
	sess.LastActivityAt = now
	if err := c.sessions.UpdateSession(ctx, *sess); err != nil {
		return SubmitResult{}, err
	}
	if err := c.sessions.InsertOutbox(ctx, c.event(*sess, outbox.EventSessionCompleted, nil)); err != nil {
		return SubmitResult{}, err
	}
	visitor := settings.Visitor{DeviceID: sess.Meta.DeviceID, IP: sess.Meta.IP}
	pol := c.settings.Complete(ctx, s.Settings, visitor, nil)
	return SubmitResult{Complete: true, Completion: &pol}, nil
}

// finalizeTerminal releases any held quota and transitions the session
// to TERMINATED inside the caller's transaction. The quota.released
// event appears only when a reservation was actually returned.
func (c *Controller) finalizeTerminal(ctx context.Context, sess *Session, s *survey.Survey, reason string, now time.Time) (SubmitResult, error) {
	released, err := c.quota.Release(ctx, sess.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	if released > 0 {
		if err := c.sessions.InsertOutbox(ctx, c.event(*sess, outbox.EventQuotaReleased, nil)); err != nil {
			return SubmitResult{}, err
		}
	}
	sess.Status = StatusTerminated
	sess.TerminationReason = reason
	sess.FinalizedAt = &now
	sess.LastActivityAt = now
	if err := c.sessions.UpdateSession(ctx, *sess); err != nil {
		return SubmitResult{}, err
	}
	if err := c.sessions.InsertOutbox(ctx, c.event(*sess, outbox.EventSessionTerminated, map[string]any{
		"reason": reason,
	})); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Terminated: true, Reason: reason}, nil
}

// exprContext builds the DSL evaluation context from the session's
// persisted answers and loop state.
func (c *Controller) exprContext(ctx context.Context, s *survey.Survey, sess Session) (expr.Context, error) {
	stored, err := c.sessions.Answers(ctx, sess.ID)
	if err != nil {
		return expr.Context{}, err
	}
	answers := make(map[string]answer.Value, len(stored))
	for _, a := range stored {
		answers[a.QuestionID] = a.Value
	}
	return expr.Context{
		Answers:     answers,
		Loop:        sess.Render.LoopContext(),
		QuestionIDs: s.QuestionIDMap(),
	}, nil
}

// submitContext builds the DSL evaluation context for one submission:
// the incoming answers replace the stored ones for the submitted page,
// mirroring the delete-then-insert the transaction performs.
func (c *Controller) submitContext(ctx context.Context, s *survey.Survey, sess Session, pageID string, submitted map[string]answer.Value) (expr.Context, error) {
	stored, err := c.sessions.Answers(ctx, sess.ID)
	if err != nil {
		return expr.Context{}, err
	}
	answers := make(map[string]answer.Value, len(stored)+len(submitted))
	for _, a := range stored {
		if a.PageID == pageID {
			continue
		}
		answers[a.QuestionID] = a.Value
	}
	for qid, v := range submitted {
		answers[qid] = v
	}
	return expr.Context{
		Answers:     answers,
		Loop:        sess.Render.LoopContext(),
		QuestionIDs: s.QuestionIDMap(),
	}, nil
}

// visibleQuestions maps the resolved page's visible questions back to
// their survey configuration, preserving render order. A page resolved
// invisible yields no questions.
func visibleQuestions(page survey.Page, rp resolve.ResolvedPage) []survey.Question {
	byID := make(map[string]survey.Question, len(page.Questions))
	for _, q := range page.Questions {
		byID[q.ID] = q
	}
	resolved := rp.VisibleQuestions()
	out := make([]survey.Question, 0, len(resolved))
	for _, rq := range resolved {
		if q, ok := byID[rq.QuestionID]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (c *Controller) submissionChecker(tenantID, surveyID string) settings.SubmissionChecker {
	return func(ctx context.Context, deviceID, ip string) (bool, error) {
		return c.sessions.HasCompletedSubmission(ctx, tenantID, surveyID, deviceID, ip)
	}
}

// closingSoon reports whether the survey approaches its response cap so
// clients can warn respondents. Advisory only.
func (c *Controller) closingSoon(ctx context.Context, col survey.Collector, s *survey.Survey) bool {
	if col.ClosesAt != nil && col.ClosesAt.Sub(c.now().UTC()) <= time.Hour {
		return true
	}
	target := col.MaxResponses
	if t := s.Settings.Responses.HardCloseTarget; target == 0 || (t > 0 && t < target) {
		target = t
	}
	if target <= 0 {
		return false
	}
	closed, err := c.quota.ShouldClose(ctx, col.TenantID, col.SurveyID, (target*9+9)/10)
	if err != nil {
		log.Errorf(ctx, err, "closing-soon check failed")
		return false
	}
	return closed
}

func (c *Controller) notifyCompleted(ctx context.Context, sess Session, pol *settings.Completion) {
	if c.notifier == nil || pol == nil {
		return
	}
	c.notifier.SessionCompleted(ctx, sess, *pol)
}

func (c *Controller) event(sess Session, typ outbox.EventType, payload map[string]any) outbox.Event {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return outbox.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TenantID:  sess.TenantID,
		SurveyID:  sess.SurveyID,
		SessionID: sess.ID,
		Payload:   raw,
		CreatedAt: c.now().UTC(),
	}
}

func stamp(answers []answer.Answer, sessionID, pageID string, at time.Time) []answer.Answer {
	out := make([]answer.Answer, len(answers))
	for i, a := range answers {
		a.SessionID = sessionID
		a.PageID = pageID
		a.SubmittedAt = at
		out[i] = a
	}
	return out
}

func questionIDs(answers []answer.Answer) []string {
	out := make([]string, len(answers))
	for i, a := range answers {
		out[i] = a.QuestionID
	}
	return out
}
