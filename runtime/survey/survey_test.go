package survey_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canvass.dev/canvass/runtime/survey"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestCollectorAcceptsAt(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	open := survey.Collector{Status: survey.CollectorOpen}
	require.True(t, open.AcceptsAt(now))

	closed := survey.Collector{Status: survey.CollectorClosed}
	require.False(t, closed.AcceptsAt(now))

	windowed := survey.Collector{
		Status:   survey.CollectorOpen,
		OpensAt:  timePtr(now.Add(-time.Hour)),
		ClosesAt: timePtr(now.Add(time.Hour)),
	}
	require.True(t, windowed.AcceptsAt(now))
	require.False(t, windowed.AcceptsAt(now.Add(-2*time.Hour)))
	// The close bound is exclusive.
	require.False(t, windowed.AcceptsAt(now.Add(time.Hour)))
}

func TestInviteUsable(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, survey.Invite{Token: "tok"}.Usable(now))
	require.False(t, survey.Invite{Token: "tok", ConsumedAt: timePtr(now)}.Usable(now))
	require.False(t, survey.Invite{Token: "tok", ExpiresAt: timePtr(now)}.Usable(now))
	require.True(t, survey.Invite{Token: "tok", ExpiresAt: timePtr(now.Add(time.Minute))}.Usable(now))
}

func TestQuestionIDMapAndLookups(t *testing.T) {
	s := &survey.Survey{
		Pages: []survey.Page{
			{ID: "p1", Questions: []survey.Question{
				{ID: "q1", PageID: "p1", VariableName: "AGE"},
				{ID: "q2", PageID: "p1", VariableName: "NAME"},
			}},
			{ID: "p2", Questions: []survey.Question{
				{ID: "q3", PageID: "p2", VariableName: "CITY"},
			}},
		},
	}

	m := s.QuestionIDMap()
	require.Equal(t, map[string]string{"AGE": "q1", "NAME": "q2", "CITY": "q3"}, m)

	p, ok := s.PageByID("p2")
	require.True(t, ok)
	require.Equal(t, "p2", p.ID)
	_, ok = s.PageByID("missing")
	require.False(t, ok)

	q, ok := s.QuestionByID("q3")
	require.True(t, ok)
	require.Equal(t, "CITY", q.VariableName)
}
