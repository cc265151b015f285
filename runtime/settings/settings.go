// Package settings applies survey policy at four phases of the session
// lifecycle: admission, navigation, validation and completion.
//
// Every phase is defensive: an internal panic degrades to a permissive
// result instead of failing the respondent's session.
package settings

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"goa.design/clue/log"

	"canvass.dev/canvass/runtime/survey"
)

type (
	// Engine evaluates phase policies. Stateless; one per process.
	Engine struct {
		now func() time.Time
	}

	// Visitor describes the respondent attempting admission.
	Visitor struct {
		// Password is the password supplied by the respondent, if any.
		Password string
		// ReferrerURL is the raw Referer header value.
		ReferrerURL string
		// DeviceID fingerprints the client device.
		DeviceID string
		// IP is the client address.
		IP string
		// IsVPN is the result of the VPN/proxy lookup.
		IsVPN bool
	}

	// SubmissionChecker reports whether the device or IP already
	// submitted a response for the survey.
	SubmissionChecker func(ctx context.Context, deviceID, ip string) (bool, error)

	// Admission is the outcome of the admission phase.
	Admission struct {
		CanProceed bool
		// Reason names the typed block cause when CanProceed is false.
		Reason string
	}

	// Navigation is the computed respondent UI policy.
	Navigation struct {
		AllowBack           bool `json:"allowBack"`
		ShowProgressBar     bool `json:"showProgressBar"`
		ShowQuestionNumbers bool `json:"showQuestionNumbers"`
		ShowPageNumbers     bool `json:"showPageNumbers"`
		AllowFinishLater    bool `json:"allowFinishLater"`
	}

	// Validation is the policy applied while checking answers.
	Validation struct {
		// CustomErrorMessage overrides violation messages when non-empty.
		CustomErrorMessage string
		// PreventMultipleSubmissions is the union of the security and
		// responses flags.
		PreventMultipleSubmissions bool
	}

	// Completion is the post-survey policy.
	Completion struct {
		CanProceed        bool   `json:"canProceed"`
		Reason            string `json:"reason,omitempty"`
		RedirectURL       string `json:"redirectUrl,omitempty"`
		SendThankYouEmail bool   `json:"sendThankYouEmail"`
		ThankYouMessage   string `json:"thankYouMessage,omitempty"`
		CompletionMessage string `json:"completionMessage,omitempty"`
		ShowResults       bool   `json:"showResults"`
	}
)

// Typed admission/completion block reasons.
const (
	ReasonPasswordRequired = "PASSWORD_REQUIRED"
	ReasonInvalidPassword  = "INVALID_PASSWORD"
	ReasonReferrerBlocked  = "REFERRER_BLOCKED"
	ReasonNotYetOpen       = "NOT_YET_OPEN"
	ReasonClosed           = "CLOSED"
	ReasonAlreadyResponded = "ALREADY_RESPONDED"
	ReasonVPNBlocked       = "VPN_BLOCKED"
)

// NewEngine returns a settings engine using the given clock; a nil
// clock means time.Now.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// Admit runs the admission phase. checker may be nil when
// multiple-submission prevention is off.
func (e *Engine) Admit(ctx context.Context, s survey.Settings, v Visitor, checker SubmissionChecker) (res Admission) {
	defer permissive(ctx, "admission", &res.CanProceed)

	if s.Security.PasswordRequired && s.Security.Password != "" {
		if v.Password == "" {
			return Admission{Reason: ReasonPasswordRequired}
		}
		if v.Password != s.Security.Password {
			return Admission{Reason: ReasonInvalidPassword}
		}
	}

	if len(s.Security.AllowedReferrerDomains) > 0 && !referrerAllowed(v.ReferrerURL, s.Security.AllowedReferrerDomains) {
		return Admission{Reason: ReasonReferrerBlocked}
	}

	now := e.now()
	if s.Schedule.StartAt != nil && now.Before(*s.Schedule.StartAt) {
		return Admission{Reason: ReasonNotYetOpen}
	}
	if s.Schedule.EndAt != nil && now.After(*s.Schedule.EndAt) {
		return Admission{Reason: ReasonClosed}
	}

	if s.Security.BlockVPN && v.IsVPN {
		return Admission{Reason: ReasonVPNBlocked}
	}

	if s.PreventsMultipleSubmissions() && checker != nil {
		prior, err := checker(ctx, v.DeviceID, v.IP)
		if err != nil {
			// Lookup failure is not the respondent's fault.
			log.Errorf(ctx, err, "admission: submission check failed")
		} else if prior {
			return Admission{Reason: ReasonAlreadyResponded}
		}
	}

	return Admission{CanProceed: true}
}

// Navigate returns the UI policy for the respondent.
func (e *Engine) Navigate(ctx context.Context, s survey.Settings) (res Navigation) {
	ok := true
	defer permissive(ctx, "navigation", &ok)
	return Navigation{
		AllowBack:           s.Navigation.AllowBack,
		ShowProgressBar:     s.Navigation.ShowProgressBar,
		ShowQuestionNumbers: s.Navigation.ShowQuestionNumbers,
		ShowPageNumbers:     s.Navigation.ShowPageNumbers,
		AllowFinishLater:    s.Navigation.AllowFinishLater,
	}
}

// Validate returns the policy applied while checking answers.
func (e *Engine) Validate(ctx context.Context, s survey.Settings) (res Validation) {
	ok := true
	defer permissive(ctx, "validation", &ok)
	return Validation{
		CustomErrorMessage:         s.Validation.CustomErrorMessage,
		PreventMultipleSubmissions: s.PreventsMultipleSubmissions(),
	}
}

// Complete runs the completion phase, re-checking the post-survey
// multiple-submission policy.
func (e *Engine) Complete(ctx context.Context, s survey.Settings, v Visitor, checker SubmissionChecker) (res Completion) {
	defer permissive(ctx, "completion", &res.CanProceed)

	res = Completion{
		CanProceed:        true,
		RedirectURL:       s.Completion.RedirectURL,
		SendThankYouEmail: s.Completion.SendThankYouEmail,
		ThankYouMessage:   s.Completion.ThankYouMessage,
		CompletionMessage: s.Completion.CompletionMessage,
		ShowResults:       s.Completion.ShowResults,
	}
	if s.PreventsMultipleSubmissions() && checker != nil {
		prior, err := checker(ctx, v.DeviceID, v.IP)
		if err != nil {
			log.Errorf(ctx, err, "completion: submission check failed")
		} else if prior {
			res.CanProceed = false
			res.Reason = ReasonAlreadyResponded
		}
	}
	return res
}

// permissive converts a phase panic into a permissive outcome.
func permissive(ctx context.Context, phase string, canProceed *bool) {
	if r := recover(); r != nil {
		log.Errorf(ctx, fmt.Errorf("%v", r), "settings: %s phase panicked", phase)
		*canProceed = true
	}
}

// referrerAllowed compares the Referer host, lowercased, against the
// allowed domains. A malformed Referer never passes.
func referrerAllowed(raw string, domains []string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
