package survey

import "time"

type (
	// Settings is the survey policy bag consumed by the settings engine.
	// Zero values mean "feature off" throughout.
	Settings struct {
		Security   SecuritySettings
		Schedule   ScheduleSettings
		Navigation NavigationSettings
		Validation ValidationSettings
		Completion CompletionSettings
		Responses  ResponseSettings
	}

	// SecuritySettings gate admission.
	SecuritySettings struct {
		// Password must match when PasswordRequired is set.
		Password         string
		PasswordRequired bool
		// AllowedReferrerDomains restricts the Referer host; empty allows
		// any. Hosts compare lowercased.
		AllowedReferrerDomains []string
		// BlockVPN rejects sessions flagged by the VPN lookup.
		BlockVPN bool
		// PreventMultipleSubmissions rejects a device/IP that already
		// submitted. Overlaps ResponseSettings.MultipleSubmissionPrevention;
		// either field enables the behavior.
		PreventMultipleSubmissions bool
	}

	// ScheduleSettings bound survey availability.
	ScheduleSettings struct {
		StartAt *time.Time
		EndAt   *time.Time
	}

	// NavigationSettings shape the respondent UI policy.
	NavigationSettings struct {
		AllowBack           bool
		ShowProgressBar     bool
		ShowQuestionNumbers bool
		ShowPageNumbers     bool
		AllowFinishLater    bool
	}

	// ValidationSettings tune validation presentation.
	ValidationSettings struct {
		// CustomErrorMessage overrides violation messages when set.
		CustomErrorMessage string
	}

	// CompletionSettings shape the post-survey experience.
	CompletionSettings struct {
		RedirectURL       string
		SendThankYouEmail bool
		ThankYouMessage   string
		CompletionMessage string
		ShowResults       bool
	}

	// ResponseSettings govern response lifecycle.
	ResponseSettings struct {
		// MultipleSubmissionPrevention mirrors the security-phase flag;
		// the union of both enables the check.
		MultipleSubmissionPrevention bool
		// IncompleteTTL bounds how long an IN_PROGRESS session may stay
		// idle before the abandonment sweeper closes it. Zero disables.
		IncompleteTTL time.Duration
		// HardCloseTarget closes the survey once this many sessions
		// completed. Zero disables.
		HardCloseTarget int
	}
)

// PreventsMultipleSubmissions reports whether either the security or the
// responses section enables multiple-submission prevention.
func (s Settings) PreventsMultipleSubmissions() bool {
	return s.Security.PreventMultipleSubmissions || s.Responses.MultipleSubmissionPrevention
}
