package respond_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/quota"
	quotamem "canvass.dev/canvass/runtime/quota/inmem"
	"canvass.dev/canvass/runtime/respond"
	"canvass.dev/canvass/runtime/respond/inmem"
	"canvass.dev/canvass/runtime/settings"
	"canvass.dev/canvass/runtime/survey"
	surveymem "canvass.dev/canvass/runtime/survey/inmem"
	"canvass.dev/canvass/runtime/validate"
)

type fixture struct {
	surveys    *surveymem.Store
	sessions   *inmem.Store
	quotaStore *quotamem.Store
	ctrl       *respond.Controller
	notified   []respond.Session
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		surveys:    surveymem.NewStore(),
		sessions:   inmem.NewStore(),
		quotaStore: quotamem.NewStore(),
	}
	qm, err := quota.NewManager(quota.ManagerOptions{Store: f.quotaStore})
	require.NoError(t, err)
	f.ctrl, err = respond.NewController(respond.ControllerOptions{
		Surveys:  f.surveys,
		Sessions: f.sessions,
		Quota:    qm,
		Settings: settings.NewEngine(nil),
		Notifier: f,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) SessionCompleted(_ context.Context, s respond.Session, _ settings.Completion) {
	f.notified = append(f.notified, s)
}

func (f *fixture) seedSurvey(sv *survey.Survey) {
	f.surveys.PutSurvey(sv)
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: sv.TenantID, SurveyID: sv.ID,
		Slug: "take-survey", Type: survey.CollectorPublic, Status: survey.CollectorOpen,
	})
}

func threePageSurvey() *survey.Survey {
	return &survey.Survey{
		TenantID: "t1", ID: "s1", Version: 1, Status: survey.StatusPublished,
		Expressions: map[string]survey.Expression{
			"e-no": {ID: "e-no", Source: "equals(answer(Q1), 'No')"},
		},
		Pages: []survey.Page{
			{ID: "p1", Index: 0, Questions: []survey.Question{
				{ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeText, Required: true},
			}},
			{ID: "p2", Index: 1, Questions: []survey.Question{
				{ID: "q2", PageID: "p2", VariableName: "Q2", Type: survey.TypeText},
			}},
			{ID: "p3", Index: 2, Questions: []survey.Question{
				{ID: "q3", PageID: "p3", VariableName: "Q3", Type: survey.TypeText},
			}},
		},
	}
}

func textAnswer(qid, text string) answer.Answer {
	return answer.Answer{QuestionID: qid, Value: answer.Value{Text: strPtr(text)}}
}

func eventTypes(events []outbox.Event) []outbox.EventType {
	out := make([]outbox.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(threePageSurvey())
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	require.Equal(t, "p1", started.FirstPageID)
	require.False(t, started.IsResume)

	// Required question unanswered: violations, no state change.
	res, err := f.ctrl.Submit(ctx, respond.SubmitInput{SessionID: started.SessionID, PageID: "p1"})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, validate.CodeRequired, res.Violations[0].Code)

	res, err = f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{textAnswer("q1", "x")},
	})
	require.NoError(t, err)
	require.Equal(t, "p2", res.Next.PageID)

	res, err = f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p2",
		Answers: []answer.Answer{textAnswer("q2", "y")},
	})
	require.NoError(t, err)
	require.Equal(t, "p3", res.Next.PageID)

	res, err = f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p3",
		Answers: []answer.Answer{textAnswer("q3", "z")},
	})
	require.NoError(t, err)
	require.True(t, res.Complete)

	sess, err := f.sessions.Session(ctx, started.SessionID)
	require.NoError(t, err)
	require.Equal(t, respond.StatusCompleted, sess.Status)
	require.NotNil(t, sess.FinalizedAt)

	// No quota plan: the stream carries no quota events.
	require.Equal(t, []outbox.EventType{
		outbox.EventSessionStarted,
		outbox.EventAnswerUpserted,
		outbox.EventAnswerUpserted,
		outbox.EventAnswerUpserted,
		outbox.EventSessionCompleted,
	}, eventTypes(f.sessions.Events()))

	require.Len(t, f.notified, 1)
}

// conditionalRequiredSurvey adds a required question to p1 that is
// visible only once Q1 was answered 'show'.
func conditionalRequiredSurvey() *survey.Survey {
	sv := threePageSurvey()
	sv.Expressions["e-show"] = survey.Expression{ID: "e-show", Source: "equals(answer(Q1), 'show')"}
	sv.Pages[0].Questions = append(sv.Pages[0].Questions, survey.Question{
		ID: "q1b", PageID: "p1", VariableName: "Q1B", Type: survey.TypeText,
		Required: true, VisibleIfExpressionID: "e-show",
	})
	return sv
}

func TestHiddenRequiredQuestionNotValidated(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(conditionalRequiredSurvey())
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	// Q1B stays hidden, so its required rule must not fire.
	res, err := f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{textAnswer("q1", "x")},
	})
	require.NoError(t, err)
	require.Empty(t, res.Violations)
	require.Equal(t, "p2", res.Next.PageID)
}

func TestVisibleRequiredQuestionStillValidated(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(conditionalRequiredSurvey())
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	// Answering 'show' reveals Q1B on the same submission, so leaving it
	// blank is a violation.
	res, err := f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{textAnswer("q1", "show")},
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	require.Equal(t, "q1b", res.Violations[0].QuestionID)
	require.Equal(t, validate.CodeRequired, res.Violations[0].Code)

	res, err = f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{textAnswer("q1", "show"), textAnswer("q1b", "here")},
	})
	require.NoError(t, err)
	require.Empty(t, res.Violations)
	require.Equal(t, "p2", res.Next.PageID)
}

func TestTerminateByAnswer(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Pages[0].Questions[0].TerminateIfExpressionID = "e-no"
	f.seedSurvey(sv)
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	res, err := f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{textAnswer("q1", "No")},
	})
	require.NoError(t, err)
	require.True(t, res.Terminated)
	require.Equal(t, "Q1", res.Reason)

	sess, _ := f.sessions.Session(ctx, started.SessionID)
	require.Equal(t, respond.StatusTerminated, sess.Status)

	types := eventTypes(f.sessions.Events())
	require.Contains(t, types, outbox.EventSessionTerminated)
	require.NotContains(t, types, outbox.EventSessionCompleted)
}

func TestOverquotaTerminatesWithoutMovingCounters(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Pages[0].Questions[0] = survey.Question{
		ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeSingleChoice,
		Options: []survey.Option{{Value: "A", Index: 0}, {Value: "B", Index: 1}},
	}
	f.seedSurvey(sv)
	f.quotaStore.PutPlan(quota.Plan{
		ID: "plan-1", TenantID: "t1", SurveyID: "s1", State: quota.PlanOpen,
		Buckets: []quota.Bucket{{
			ID: "b-a", PlanID: "plan-1", TargetN: 1, FilledN: 1,
			QuestionID: "q1", OptionValue: "A",
		}},
	})
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	res, err := f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{{QuestionID: "q1", Value: answer.Value{Choices: []string{"A"}}}},
	})
	require.NoError(t, err)
	require.True(t, res.Terminated)
	require.Equal(t, respond.ReasonQuotaFull, res.Reason)

	sess, _ := f.sessions.Session(ctx, started.SessionID)
	require.Equal(t, respond.StatusTerminated, sess.Status)

	b, _ := f.quotaStore.Bucket("b-a")
	require.Equal(t, 1, b.FilledN)
	require.Zero(t, b.ReservedN)

	// Nothing was reserved, so no quota event is written.
	types := eventTypes(f.sessions.Events())
	require.NotContains(t, types, outbox.EventQuotaReserved)
	require.NotContains(t, types, outbox.EventQuotaReleased)
}

func TestQuotaEventsFollowReservations(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Pages[0].Questions[0] = survey.Question{
		ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeSingleChoice,
		Options: []survey.Option{{Value: "A", Index: 0}},
	}
	f.seedSurvey(sv)
	f.quotaStore.PutPlan(quota.Plan{
		ID: "plan-1", TenantID: "t1", SurveyID: "s1", State: quota.PlanOpen,
		Buckets: []quota.Bucket{{
			ID: "b-a", PlanID: "plan-1", TargetN: 5,
			QuestionID: "q1", OptionValue: "A",
		}},
	})
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	_, err = f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{{QuestionID: "q1", Value: answer.Value{Choices: []string{"A"}}}},
	})
	require.NoError(t, err)
	res, err := f.ctrl.Complete(ctx, started.SessionID)
	require.NoError(t, err)
	require.True(t, res.Complete)

	// The reservation was held, so finalization is recorded right before
	// the completion event.
	require.Equal(t, []outbox.EventType{
		outbox.EventSessionStarted,
		outbox.EventAnswerUpserted,
		outbox.EventQuotaReserved,
		outbox.EventQuotaFinalized,
		outbox.EventSessionCompleted,
	}, eventTypes(f.sessions.Events()))
}

func TestReserveThenReleaseFreesBucketForNextSession(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Pages[0].Questions[0] = survey.Question{
		ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeSingleChoice,
		Options: []survey.Option{{Value: "A", Index: 0}},
	}
	f.seedSurvey(sv)
	f.quotaStore.PutPlan(quota.Plan{
		ID: "plan-1", TenantID: "t1", SurveyID: "s1", State: quota.PlanOpen,
		Buckets: []quota.Bucket{{
			ID: "b-a", PlanID: "plan-1", TargetN: 1,
			QuestionID: "q1", OptionValue: "A",
		}},
	})
	ctx := context.Background()
	choiceA := []answer.Answer{{QuestionID: "q1", Value: answer.Value{Choices: []string{"A"}}}}

	a, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	res, err := f.ctrl.Submit(ctx, respond.SubmitInput{SessionID: a.SessionID, PageID: "p1", Answers: choiceA})
	require.NoError(t, err)
	require.NotNil(t, res.Next)

	b, _ := f.quotaStore.Bucket("b-a")
	require.Equal(t, 1, b.ReservedN)

	// User aborts session A; the reservation returns to the pool and the
	// release is recorded.
	require.NoError(t, f.ctrl.Terminate(ctx, a.SessionID, "user_abort"))
	b, _ = f.quotaStore.Bucket("b-a")
	require.Zero(t, b.ReservedN)
	require.Contains(t, eventTypes(f.sessions.Events()), outbox.EventQuotaReleased)

	bStart, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	res, err = f.ctrl.Submit(ctx, respond.SubmitInput{SessionID: bStart.SessionID, PageID: "p1", Answers: choiceA})
	require.NoError(t, err)
	require.NotNil(t, res.Next)
}

func TestIdempotentResubmit(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(threePageSurvey())
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	in := respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{textAnswer("q1", "x")},
	}
	first, err := f.ctrl.Submit(ctx, in)
	require.NoError(t, err)
	second, err := f.ctrl.Submit(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.Next, second.Next)

	// Delete-then-insert: still exactly one answer row for q1.
	answers, err := f.sessions.Answers(ctx, started.SessionID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, "q1", answers[0].QuestionID)
}

func TestAdmissionFailures(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Settings.Security = survey.SecuritySettings{Password: "secret", PasswordRequired: true}
	f.seedSurvey(sv)
	ctx := context.Background()

	_, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	var adm *respond.AdmissionError
	require.ErrorAs(t, err, &adm)
	require.Equal(t, settings.ReasonPasswordRequired, adm.Reason)

	_, err = f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey", Password: "secret"})
	require.NoError(t, err)
}

func TestClosedCollectorRefusesStart(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	f.surveys.PutSurvey(sv)
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: "t1", SurveyID: "s1",
		Slug: "take-survey", Type: survey.CollectorPublic, Status: survey.CollectorClosed,
	})
	_, err := f.ctrl.Start(context.Background(), respond.StartInput{Slug: "take-survey"})
	var adm *respond.AdmissionError
	require.ErrorAs(t, err, &adm)
	require.Equal(t, respond.ReasonCollectorClosed, adm.Reason)
}

func TestSingleUseInviteConsumedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	f.surveys.PutSurvey(sv)
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: "t1", SurveyID: "s1",
		Slug: "take-survey", Type: survey.CollectorSingleUse, Status: survey.CollectorOpen,
		AllowMultiplePerDevice: true,
	})
	f.surveys.PutInvite(survey.Invite{Token: "tok-1", CollectorID: "col-1"})
	ctx := context.Background()

	_, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey", Token: "tok-1"})
	require.NoError(t, err)

	_, err = f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey", Token: "tok-1"})
	var adm *respond.AdmissionError
	require.ErrorAs(t, err, &adm)
	require.Equal(t, respond.ReasonInviteConsumed, adm.Reason)

	_, err = f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.ErrorAs(t, err, &adm)
	require.Equal(t, respond.ReasonInviteRequired, adm.Reason)
}

func TestSessionReuseSameDevice(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(threePageSurvey())
	ctx := context.Background()
	meta := respond.Meta{DeviceID: "device-1"}

	first, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey", Meta: meta})
	require.NoError(t, err)
	second, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey", Meta: meta})
	require.NoError(t, err)
	require.True(t, second.IsResume)
	require.Equal(t, first.SessionID, second.SessionID)
}

func TestPageLayoutRequiresInProgress(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(threePageSurvey())
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	layout, err := f.ctrl.PageLayout(ctx, started.SessionID, "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", layout.Page.PageID)

	require.NoError(t, f.ctrl.Terminate(ctx, started.SessionID, "user_abort"))
	_, err = f.ctrl.PageLayout(ctx, started.SessionID, "p1")
	require.ErrorIs(t, err, respond.ErrSessionNotActive)
}

func TestResumeHonorsIncompleteTTL(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Settings.Responses.IncompleteTTL = time.Hour
	f.seedSurvey(sv)
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	_, err = f.ctrl.Resume(ctx, started.SessionID)
	require.NoError(t, err)

	sess, _ := f.sessions.Session(ctx, started.SessionID)
	sess.LastActivityAt = sess.LastActivityAt.Add(-2 * time.Hour)
	require.NoError(t, f.sessions.UpdateSession(ctx, sess))

	_, err = f.ctrl.Resume(ctx, started.SessionID)
	require.ErrorIs(t, err, respond.ErrSessionNotActive)
}

func TestSessionStatus(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey(threePageSurvey())
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)

	st, err := f.ctrl.SessionStatus(ctx, started.SessionID)
	require.NoError(t, err)
	require.Equal(t, respond.StatusInProgress, st.Status)
	require.Equal(t, "p1", st.FirstPageID)
	require.Equal(t, "col-1", st.Collector)

	_, err = f.ctrl.SessionStatus(ctx, "missing")
	require.True(t, errors.Is(err, respond.ErrSessionNotFound))
}

func TestAbandonIdleReleasesQuota(t *testing.T) {
	f := newFixture(t)
	sv := threePageSurvey()
	sv.Pages[0].Questions[0] = survey.Question{
		ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeSingleChoice,
		Options: []survey.Option{{Value: "A", Index: 0}},
	}
	f.seedSurvey(sv)
	f.quotaStore.PutPlan(quota.Plan{
		ID: "plan-1", TenantID: "t1", SurveyID: "s1", State: quota.PlanOpen,
		Buckets: []quota.Bucket{{
			ID: "b-a", PlanID: "plan-1", TargetN: 5,
			QuestionID: "q1", OptionValue: "A",
		}},
	})
	ctx := context.Background()

	started, err := f.ctrl.Start(ctx, respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	_, err = f.ctrl.Submit(ctx, respond.SubmitInput{
		SessionID: started.SessionID, PageID: "p1",
		Answers: []answer.Answer{{QuestionID: "q1", Value: answer.Value{Choices: []string{"A"}}}},
	})
	require.NoError(t, err)

	sess, _ := f.sessions.Session(ctx, started.SessionID)
	sess.LastActivityAt = sess.LastActivityAt.Add(-48 * time.Hour)
	require.NoError(t, f.sessions.UpdateSession(ctx, sess))

	n, err := f.ctrl.AbandonIdle(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sess, _ = f.sessions.Session(ctx, started.SessionID)
	require.Equal(t, respond.StatusAbandoned, sess.Status)
	b, _ := f.quotaStore.Bucket("b-a")
	require.Zero(t, b.ReservedN)
	require.Contains(t, eventTypes(f.sessions.Events()), outbox.EventSessionAbandoned)
}

func TestClosingSoonNearCloseWindow(t *testing.T) {
	f := newFixture(t)
	f.surveys.PutSurvey(threePageSurvey())
	closesAt := time.Now().UTC().Add(30 * time.Minute)
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: "t1", SurveyID: "s1",
		Slug: "take-survey", Type: survey.CollectorPublic, Status: survey.CollectorOpen,
		ClosesAt: &closesAt,
	})

	started, err := f.ctrl.Start(context.Background(), respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	require.True(t, started.ClosingSoon)
}

func TestClosingSoonNearResponseTarget(t *testing.T) {
	f := newFixture(t)
	f.surveys.PutSurvey(threePageSurvey())
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: "t1", SurveyID: "s1",
		Slug: "take-survey", Type: survey.CollectorPublic, Status: survey.CollectorOpen,
		MaxResponses: 10,
	})
	f.quotaStore.SetCompletedSessions("t1", "s1", 9)

	started, err := f.ctrl.Start(context.Background(), respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	require.True(t, started.ClosingSoon)

	f.quotaStore.SetCompletedSessions("t1", "s1", 3)
	f.sessions.Reset()
	started, err = f.ctrl.Start(context.Background(), respond.StartInput{Slug: "take-survey"})
	require.NoError(t, err)
	require.False(t, started.ClosingSoon)
}
