package validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/survey"
)

func strPtr(s string) *string   { return &s }
func numPtr(f float64) *float64 { return &f }
func intPtr(i int) *int         { return &i }
func boolPtr(b bool) *bool      { return &b }

func codesOf(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Code
	}
	return out
}

func TestRequiredEmitsOnEmptyAnswer(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypeText, Required: true}
	vs := Page([]survey.Question{q}, nil)
	require.Equal(t, []string{CodeRequired}, codesOf(vs))

	q.Required = false
	require.Empty(t, Page([]survey.Question{q}, nil))
}

func TestSingleChoiceWantsExactlyOne(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypeSingleChoice}
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {Choices: []string{"a", "b"}},
	})
	require.Equal(t, []string{CodeInvalidChoice}, codesOf(vs))

	require.Empty(t, Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {Choices: []string{"a"}},
	}))
}

func TestMultipleChoiceMaxSelections(t *testing.T) {
	q := survey.Question{
		ID: "q1", Type: survey.TypeMultipleChoice,
		Config: survey.Config{MaxSelections: intPtr(2)},
	}
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {Choices: []string{"a", "b", "c"}},
	})
	require.Equal(t, []string{CodeTooManyChoices}, codesOf(vs))
}

func TestTextLengthAndPattern(t *testing.T) {
	q := survey.Question{
		ID: "q1", Type: survey.TypeText,
		Config: survey.Config{MinLength: intPtr(3), MaxLength: intPtr(5), Pattern: `^[a-z]+$`},
	}
	ans := func(s string) map[string]answer.Value {
		return map[string]answer.Value{"q1": {Text: strPtr(s)}}
	}
	require.Equal(t, []string{CodeTooShort}, codesOf(Page([]survey.Question{q}, ans("ab"))))
	require.Equal(t, []string{CodeTooLong}, codesOf(Page([]survey.Question{q}, ans("abcdef"))))
	require.Equal(t, []string{CodePatternMismatch}, codesOf(Page([]survey.Question{q}, ans("AbC"))))
	require.Empty(t, Page([]survey.Question{q}, ans("abcd")))
}

func TestInvalidPatternTreatedAsUnmatched(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypeText, Config: survey.Config{Pattern: `([`}}
	vs := Page([]survey.Question{q}, map[string]answer.Value{"q1": {Text: strPtr("x")}})
	require.Equal(t, []string{CodePatternMismatch}, codesOf(vs))
}

func TestEmailPhoneURL(t *testing.T) {
	email := survey.Question{ID: "e", Type: survey.TypeEmail}
	phone := survey.Question{ID: "p", Type: survey.TypePhone}
	link := survey.Question{ID: "u", Type: survey.TypeURL, Config: survey.Config{URLProtocol: "https"}}

	vs := Page([]survey.Question{email, phone, link}, map[string]answer.Value{
		"e": {Email: strPtr("not-an-email")},
		"p": {Phone: strPtr("abc")},
		"u": {URL: strPtr("http://example.com")},
	})
	require.ElementsMatch(t, []string{CodeInvalidEmail, CodeInvalidPhone, CodeInvalidProtocol}, codesOf(vs))

	require.Empty(t, Page([]survey.Question{email, phone, link}, map[string]answer.Value{
		"e": {Email: strPtr("a@b.co")},
		"p": {Phone: strPtr("+1 415 555-0100")},
		"u": {URL: strPtr("https://example.com/x")},
	}))
}

func TestNumericBounds(t *testing.T) {
	q := survey.Question{
		ID: "q1", Type: survey.TypeNumber,
		Config: survey.Config{MinValue: numPtr(1), MaxValue: numPtr(10)},
	}
	ans := func(f float64) map[string]answer.Value {
		return map[string]answer.Value{"q1": {Numeric: numPtr(f)}}
	}
	require.Equal(t, []string{CodeTooSmall}, codesOf(Page([]survey.Question{q}, ans(0))))
	require.Equal(t, []string{CodeTooLarge}, codesOf(Page([]survey.Question{q}, ans(11))))
	require.Empty(t, Page([]survey.Question{q}, ans(5)))
}

func TestConstantSum(t *testing.T) {
	q := survey.Question{
		ID: "q1", Type: survey.TypeConstantSum,
		Config: survey.Config{TotalPoints: numPtr(100), AllowZero: boolPtr(false)},
	}
	ans := func(raw string) map[string]answer.Value {
		return map[string]answer.Value{"q1": {JSON: json.RawMessage(raw)}}
	}
	require.Empty(t, Page([]survey.Question{q}, ans(`[40, 60]`)))
	require.Equal(t, []string{CodeInvalidSum}, codesOf(Page([]survey.Question{q}, ans(`[40, 50]`))))
	require.Equal(t, []string{CodeZeroNotAllowed}, codesOf(Page([]survey.Question{q}, ans(`[0, 100]`))))
	require.Equal(t, []string{CodeNegativeValue}, codesOf(Page([]survey.Question{q}, ans(`[-1, 101]`))))
}

func TestDateBounds(t *testing.T) {
	q := survey.Question{
		ID: "q1", Type: survey.TypeDate,
		Config: survey.Config{MinDate: "2026-01-01", MaxDate: "2026-12-31"},
	}
	ans := func(s string) map[string]answer.Value {
		return map[string]answer.Value{"q1": {Date: strPtr(s)}}
	}
	require.Empty(t, Page([]survey.Question{q}, ans("2026-06-15")))
	require.Equal(t, []string{CodeDateTooEarly}, codesOf(Page([]survey.Question{q}, ans("2025-12-31"))))
	require.Equal(t, []string{CodeDateTooLate}, codesOf(Page([]survey.Question{q}, ans("2027-01-01"))))
	require.Equal(t, []string{CodeInvalidDate}, codesOf(Page([]survey.Question{q}, ans("June 15"))))
}

func TestFileUpload(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypeFileUpload, Config: survey.Config{MaxFiles: 2}}
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {FileURLs: []string{"a", "b", "c"}},
	})
	require.Equal(t, []string{CodeTooManyFiles}, codesOf(vs))
}

func TestMatrixSchemas(t *testing.T) {
	single := survey.Question{ID: "m1", Type: survey.TypeMatrixSingle}
	multiple := survey.Question{ID: "m2", Type: survey.TypeMatrixMultiple}
	bipolar := survey.Question{ID: "m3", Type: survey.TypeBipolarMatrix}

	require.Empty(t, Page([]survey.Question{single}, map[string]answer.Value{
		"m1": {JSON: json.RawMessage(`{"row1": "agree"}`)},
	}))
	require.Empty(t, Page([]survey.Question{multiple}, map[string]answer.Value{
		"m2": {JSON: json.RawMessage(`{"row1": ["a", "b"]}`)},
	}))
	require.Empty(t, Page([]survey.Question{bipolar}, map[string]answer.Value{
		"m3": {JSON: json.RawMessage(`{"row1": -2}`)},
	}))

	// Wrong shapes are rejected by the per-kind schema.
	require.Equal(t, []string{CodeInvalidMatrix}, codesOf(Page([]survey.Question{single}, map[string]answer.Value{
		"m1": {JSON: json.RawMessage(`{"row1": ["agree"]}`)},
	})))
	require.Equal(t, []string{CodeInvalidMatrix}, codesOf(Page([]survey.Question{multiple}, map[string]answer.Value{
		"m2": {JSON: json.RawMessage(`{"row1": "a"}`)},
	})))
	require.Equal(t, []string{CodeInvalidMatrix}, codesOf(Page([]survey.Question{bipolar}, map[string]answer.Value{
		"m3": {JSON: json.RawMessage(`{}`)},
	})))
}

func TestRankUniqueness(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypeRank}
	require.Empty(t, Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {JSON: json.RawMessage(`["a", "b", "c"]`)},
	}))
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {JSON: json.RawMessage(`["a", "b", "a"]`)},
	})
	require.Equal(t, []string{CodeDuplicateRanks}, codesOf(vs))
}

func TestPayment(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypePayment}
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {PaymentID: strPtr("pay_1"), PaymentStatus: strPtr("pending")},
	})
	require.Equal(t, []string{CodeInvalidPayment}, codesOf(vs))
	require.Empty(t, Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {PaymentID: strPtr("pay_1"), PaymentStatus: strPtr("completed")},
	}))
}

func TestConsentRequiresTrue(t *testing.T) {
	q := survey.Question{ID: "q1", Type: survey.TypeConsent, Required: true}
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {Boolean: boolPtr(false)},
	})
	require.Equal(t, []string{CodeRequired}, codesOf(vs))
}

func TestContactForm(t *testing.T) {
	q := survey.Question{
		ID: "q1", Type: survey.TypeContactForm,
		Config: survey.Config{Contact: survey.ContactConfig{
			Name:  survey.ContactField{Enabled: true, Required: true},
			Email: survey.ContactField{Enabled: true, Required: true},
			Phone: survey.ContactField{Enabled: true},
		}},
	}
	vs := Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {JSON: json.RawMessage(`{"email": "bad", "phone": "+1 415 555 0100"}`)},
	})
	require.ElementsMatch(t, []string{CodeRequired, CodeInvalidEmail}, codesOf(vs))

	require.Empty(t, Page([]survey.Question{q}, map[string]answer.Value{
		"q1": {JSON: json.RawMessage(`{"name": "Ada", "email": "ada@example.com"}`)},
	}))
}
