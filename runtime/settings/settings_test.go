package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canvass.dev/canvass/runtime/survey"
)

func fixedEngine(t time.Time) *Engine {
	return NewEngine(func() time.Time { return t })
}

func TestAdmitPassword(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Security: survey.SecuritySettings{
		Password: "hunter2", PasswordRequired: true,
	}}
	ctx := context.Background()

	res := e.Admit(ctx, s, Visitor{}, nil)
	require.False(t, res.CanProceed)
	require.Equal(t, ReasonPasswordRequired, res.Reason)

	res = e.Admit(ctx, s, Visitor{Password: "wrong"}, nil)
	require.Equal(t, ReasonInvalidPassword, res.Reason)

	res = e.Admit(ctx, s, Visitor{Password: "hunter2"}, nil)
	require.True(t, res.CanProceed)
}

func TestAdmitReferrerDomain(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Security: survey.SecuritySettings{
		AllowedReferrerDomains: []string{"Example.COM"},
	}}
	ctx := context.Background()

	// Hosts compare lowercased; subdomains of an allowed domain pass.
	require.True(t, e.Admit(ctx, s, Visitor{ReferrerURL: "https://EXAMPLE.com/page"}, nil).CanProceed)
	require.True(t, e.Admit(ctx, s, Visitor{ReferrerURL: "https://www.example.com"}, nil).CanProceed)

	res := e.Admit(ctx, s, Visitor{ReferrerURL: "https://evil.org"}, nil)
	require.Equal(t, ReasonReferrerBlocked, res.Reason)

	res = e.Admit(ctx, s, Visitor{}, nil)
	require.Equal(t, ReasonReferrerBlocked, res.Reason)
}

func TestAdmitScheduleWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 17, 0, 0, 0, time.UTC)
	s := survey.Settings{Schedule: survey.ScheduleSettings{StartAt: &start, EndAt: &end}}
	ctx := context.Background()

	res := fixedEngine(start.Add(-time.Hour)).Admit(ctx, s, Visitor{}, nil)
	require.Equal(t, ReasonNotYetOpen, res.Reason)

	res = fixedEngine(end.Add(time.Hour)).Admit(ctx, s, Visitor{}, nil)
	require.Equal(t, ReasonClosed, res.Reason)

	require.True(t, fixedEngine(start.Add(time.Hour)).Admit(ctx, s, Visitor{}, nil).CanProceed)
}

func TestAdmitVPNBlock(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Security: survey.SecuritySettings{BlockVPN: true}}
	res := e.Admit(context.Background(), s, Visitor{IsVPN: true}, nil)
	require.Equal(t, ReasonVPNBlocked, res.Reason)
	require.True(t, e.Admit(context.Background(), s, Visitor{}, nil).CanProceed)
}

func TestAdmitMultipleSubmissionUnion(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	prior := func(context.Context, string, string) (bool, error) { return true, nil }

	// Either the security or the responses flag enables the check.
	sec := survey.Settings{Security: survey.SecuritySettings{PreventMultipleSubmissions: true}}
	res := e.Admit(ctx, sec, Visitor{DeviceID: "d1"}, prior)
	require.Equal(t, ReasonAlreadyResponded, res.Reason)

	resp := survey.Settings{Responses: survey.ResponseSettings{MultipleSubmissionPrevention: true}}
	res = e.Admit(ctx, resp, Visitor{DeviceID: "d1"}, prior)
	require.Equal(t, ReasonAlreadyResponded, res.Reason)

	// Check disabled: prior submission does not matter.
	require.True(t, e.Admit(ctx, survey.Settings{}, Visitor{}, prior).CanProceed)
}

func TestAdmitCheckerErrorIsPermissive(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Security: survey.SecuritySettings{PreventMultipleSubmissions: true}}
	failing := func(context.Context, string, string) (bool, error) {
		return false, context.DeadlineExceeded
	}
	require.True(t, e.Admit(context.Background(), s, Visitor{}, failing).CanProceed)
}

func TestAdmitPanicDegradesToProceed(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Security: survey.SecuritySettings{PreventMultipleSubmissions: true}}
	panicking := func(context.Context, string, string) (bool, error) { panic("boom") }
	res := e.Admit(context.Background(), s, Visitor{}, panicking)
	require.True(t, res.CanProceed)
}

func TestNavigatePolicy(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Navigation: survey.NavigationSettings{
		AllowBack: true, ShowProgressBar: true,
	}}
	nav := e.Navigate(context.Background(), s)
	require.True(t, nav.AllowBack)
	require.True(t, nav.ShowProgressBar)
	require.False(t, nav.ShowQuestionNumbers)
}

func TestValidatePolicy(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{
		Validation: survey.ValidationSettings{CustomErrorMessage: "Please fix this."},
		Responses:  survey.ResponseSettings{MultipleSubmissionPrevention: true},
	}
	v := e.Validate(context.Background(), s)
	require.Equal(t, "Please fix this.", v.CustomErrorMessage)
	require.True(t, v.PreventMultipleSubmissions)
}

func TestCompletePolicy(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Completion: survey.CompletionSettings{
		RedirectURL: "https://example.com/thanks", ShowResults: true,
	}}
	c := e.Complete(context.Background(), s, Visitor{}, nil)
	require.True(t, c.CanProceed)
	require.Equal(t, "https://example.com/thanks", c.RedirectURL)
	require.True(t, c.ShowResults)
}

func TestCompleteReChecksMultipleSubmission(t *testing.T) {
	e := NewEngine(nil)
	s := survey.Settings{Security: survey.SecuritySettings{PreventMultipleSubmissions: true}}
	prior := func(context.Context, string, string) (bool, error) { return true, nil }
	c := e.Complete(context.Background(), s, Visitor{DeviceID: "d1"}, prior)
	require.False(t, c.CanProceed)
	require.Equal(t, ReasonAlreadyResponded, c.Reason)
}
