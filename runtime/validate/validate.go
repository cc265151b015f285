// Package validate implements per-question-kind constraint checking for
// one submitted page. The validator is pure: it receives the page's
// question configurations and the submitted answers and returns a list
// of violations, empty meaning valid. Presentation concerns (message
// overrides) belong to the settings engine.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/survey"
)

// Violation identifies one failed constraint.
type Violation struct {
	QuestionID string `json:"questionId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	// Field narrows the violation to a sub-field (contact forms).
	Field string `json:"field,omitempty"`
}

// Violation codes.
const (
	CodeRequired        = "REQUIRED"
	CodeInvalidChoice   = "INVALID_CHOICE_COUNT"
	CodeTooManyChoices  = "TOO_MANY_SELECTIONS"
	CodeTooShort        = "TOO_SHORT"
	CodeTooLong         = "TOO_LONG"
	CodePatternMismatch = "PATTERN_MISMATCH"
	CodeInvalidEmail    = "INVALID_EMAIL"
	CodeInvalidPhone    = "INVALID_PHONE"
	CodeInvalidURL      = "INVALID_URL"
	CodeInvalidProtocol = "INVALID_PROTOCOL"
	CodeTooSmall        = "TOO_SMALL"
	CodeTooLarge        = "TOO_LARGE"
	CodeInvalidSum      = "INVALID_SUM"
	CodeZeroNotAllowed  = "ZERO_NOT_ALLOWED"
	CodeNegativeValue   = "NEGATIVE_VALUE"
	CodeInvalidDate     = "INVALID_DATE"
	CodeDateTooEarly    = "DATE_TOO_EARLY"
	CodeDateTooLate     = "DATE_TOO_LATE"
	CodeTooManyFiles    = "TOO_MANY_FILES"
	CodeInvalidMatrix   = "INVALID_MATRIX"
	CodeDuplicateRanks  = "DUPLICATE_RANKS"
	CodeInvalidRank     = "INVALID_RANK"
	CodeInvalidPayment  = "INVALID_PAYMENT"
	CodeInvalidJSON     = "INVALID_JSON"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,19}$`)
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04"
	datetimeLayout = time.RFC3339
)

// Page validates the submitted answers against the question
// configurations of one page. Questions absent from answers are treated
// as empty; the caller passes only the questions resolved as visible.
func Page(questions []survey.Question, answers map[string]answer.Value) []Violation {
	var out []Violation
	for _, q := range questions {
		out = append(out, question(q, answers[q.ID])...)
	}
	return out
}

func question(q survey.Question, v answer.Value) []Violation {
	if q.Type == survey.TypeDescriptive {
		return nil
	}
	if v.IsEmpty() {
		if q.Required {
			return []Violation{{QuestionID: q.ID, Code: CodeRequired, Message: "An answer is required."}}
		}
		return nil
	}

	switch q.Type {
	case survey.TypeSingleChoice, survey.TypeDropdown, survey.TypePictureChoice:
		if len(v.Choices) != 1 {
			return vio(q, CodeInvalidChoice, "Exactly one choice must be selected.")
		}
	case survey.TypeMultipleChoice:
		if len(v.Choices) < 1 {
			return vio(q, CodeInvalidChoice, "At least one choice must be selected.")
		}
		if q.Config.MaxSelections != nil && len(v.Choices) > *q.Config.MaxSelections {
			return vio(q, CodeTooManyChoices, fmt.Sprintf("At most %d choices may be selected.", *q.Config.MaxSelections))
		}
	case survey.TypeText, survey.TypeTextarea:
		return text(q, v)
	case survey.TypeEmail:
		if v.Email == nil || !emailPattern.MatchString(*v.Email) {
			return vio(q, CodeInvalidEmail, "A valid email address is required.")
		}
	case survey.TypePhone:
		if v.Phone == nil || !phonePattern.MatchString(*v.Phone) {
			return vio(q, CodeInvalidPhone, "A valid phone number is required.")
		}
	case survey.TypeURL:
		return checkURL(q, v)
	case survey.TypeNumber, survey.TypeDecimal, survey.TypeSlider, survey.TypeOpinionScale:
		return numeric(q, v)
	case survey.TypeConstantSum:
		return constantSum(q, v)
	case survey.TypeDate:
		return dateBound(q, v.Date, dateLayout)
	case survey.TypeTime:
		return dateBound(q, v.Time, timeLayout)
	case survey.TypeDateTime:
		return dateBound(q, v.DateTime, datetimeLayout)
	case survey.TypeFileUpload:
		if len(v.FileURLs) == 0 {
			return vio(q, CodeRequired, "At least one file is required.")
		}
		if q.Config.MaxFiles > 0 && len(v.FileURLs) > q.Config.MaxFiles {
			return vio(q, CodeTooManyFiles, fmt.Sprintf("At most %d files may be uploaded.", q.Config.MaxFiles))
		}
	case survey.TypeMatrixSingle, survey.TypeMatrixMultiple, survey.TypeBipolarMatrix:
		return matrix(q, v)
	case survey.TypeRank, survey.TypeGroupRank:
		return rank(q, v)
	case survey.TypePayment:
		if v.PaymentID == nil || *v.PaymentID == "" ||
			v.PaymentStatus == nil || *v.PaymentStatus != "completed" {
			return vio(q, CodeInvalidPayment, "Payment must be completed.")
		}
	case survey.TypeSignature:
		if (v.Boolean == nil || !*v.Boolean) && (v.SignatureURL == nil || *v.SignatureURL == "") {
			return vio(q, CodeRequired, "A signature is required.")
		}
	case survey.TypeConsent:
		if q.Required && (v.Boolean == nil || !*v.Boolean) {
			return vio(q, CodeRequired, "Consent is required.")
		}
	case survey.TypeContactForm:
		return contactForm(q, v)
	}
	return nil
}

func vio(q survey.Question, code, msg string) []Violation {
	return []Violation{{QuestionID: q.ID, Code: code, Message: msg}}
}

func text(q survey.Question, v answer.Value) []Violation {
	if v.Text == nil {
		return vio(q, CodeRequired, "An answer is required.")
	}
	s := *v.Text
	if q.Config.MinLength != nil && len(s) < *q.Config.MinLength {
		return vio(q, CodeTooShort, fmt.Sprintf("Must be at least %d characters.", *q.Config.MinLength))
	}
	if q.Config.MaxLength != nil && len(s) > *q.Config.MaxLength {
		return vio(q, CodeTooLong, fmt.Sprintf("Must be at most %d characters.", *q.Config.MaxLength))
	}
	if q.Config.Pattern != "" {
		// An invalid pattern is treated as unmatched, not as its own
		// violation kind.
		re, err := regexp.Compile(q.Config.Pattern)
		if err != nil || !re.MatchString(s) {
			return vio(q, CodePatternMismatch, "The answer does not match the required format.")
		}
	}
	return nil
}

func checkURL(q survey.Question, v answer.Value) []Violation {
	if v.URL == nil {
		return vio(q, CodeInvalidURL, "A valid URL is required.")
	}
	u, err := url.Parse(*v.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return vio(q, CodeInvalidURL, "A valid URL is required.")
	}
	if p := q.Config.URLProtocol; p != "" && !strings.EqualFold(u.Scheme, p) {
		return vio(q, CodeInvalidProtocol, fmt.Sprintf("The URL must use the %s protocol.", p))
	}
	return nil
}

func numeric(q survey.Question, v answer.Value) []Violation {
	var n float64
	switch {
	case v.Numeric != nil:
		n = *v.Numeric
	case v.Decimal != nil:
		n = *v.Decimal
	default:
		return vio(q, CodeRequired, "A numeric answer is required.")
	}
	if q.Config.MinValue != nil && n < *q.Config.MinValue {
		return vio(q, CodeTooSmall, fmt.Sprintf("Must be at least %v.", *q.Config.MinValue))
	}
	if q.Config.MaxValue != nil && n > *q.Config.MaxValue {
		return vio(q, CodeTooLarge, fmt.Sprintf("Must be at most %v.", *q.Config.MaxValue))
	}
	return nil
}

func constantSum(q survey.Question, v answer.Value) []Violation {
	var entries []float64
	if err := json.Unmarshal(v.JSON, &entries); err != nil {
		return vio(q, CodeInvalidJSON, "The answer payload is malformed.")
	}
	allowZero := q.Config.AllowZero == nil || *q.Config.AllowZero
	var total float64
	for _, e := range entries {
		if e < 0 {
			return vio(q, CodeNegativeValue, "Entries must be non-negative.")
		}
		if e == 0 && !allowZero {
			return vio(q, CodeZeroNotAllowed, "Zero entries are not allowed.")
		}
		total += e
	}
	if q.Config.TotalPoints != nil && math.Abs(total-*q.Config.TotalPoints) > 0.01 {
		return vio(q, CodeInvalidSum, fmt.Sprintf("Entries must sum to %v.", *q.Config.TotalPoints))
	}
	return nil
}

func dateBound(q survey.Question, raw *string, layout string) []Violation {
	if raw == nil {
		return vio(q, CodeInvalidDate, "A valid date is required.")
	}
	t, err := time.Parse(layout, *raw)
	if err != nil {
		return vio(q, CodeInvalidDate, "A valid date is required.")
	}
	if q.Config.MinDate != "" {
		if lo, err := time.Parse(layout, q.Config.MinDate); err == nil && t.Before(lo) {
			return vio(q, CodeDateTooEarly, fmt.Sprintf("Must be on or after %s.", q.Config.MinDate))
		}
	}
	if q.Config.MaxDate != "" {
		if hi, err := time.Parse(layout, q.Config.MaxDate); err == nil && t.After(hi) {
			return vio(q, CodeDateTooLate, fmt.Sprintf("Must be on or before %s.", q.Config.MaxDate))
		}
	}
	return nil
}

func rank(q survey.Question, v answer.Value) []Violation {
	var entries []any
	if err := json.Unmarshal(v.JSON, &entries); err != nil {
		return vio(q, CodeInvalidRank, "The ranking payload is malformed.")
	}
	if len(entries) == 0 {
		return vio(q, CodeRequired, "A ranking is required.")
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := fmt.Sprintf("%v", e)
		if _, dup := seen[key]; dup {
			return vio(q, CodeDuplicateRanks, "Each rank may be used only once.")
		}
		seen[key] = struct{}{}
	}
	return nil
}

func contactForm(q survey.Question, v answer.Value) []Violation {
	var form struct {
		Name    string `json:"name"`
		Email   string `json:"email"`
		Phone   string `json:"phone"`
		Company string `json:"company"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(v.JSON, &form); err != nil {
		return vio(q, CodeInvalidJSON, "The contact form payload is malformed.")
	}
	var out []Violation
	field := func(f survey.ContactField, name, value string) {
		if !f.Enabled {
			return
		}
		if f.Required && value == "" {
			out = append(out, Violation{QuestionID: q.ID, Code: CodeRequired, Message: "This field is required.", Field: name})
		}
	}
	field(q.Config.Contact.Name, "name", form.Name)
	field(q.Config.Contact.Email, "email", form.Email)
	field(q.Config.Contact.Phone, "phone", form.Phone)
	field(q.Config.Contact.Company, "company", form.Company)
	field(q.Config.Contact.Address, "address", form.Address)
	if q.Config.Contact.Email.Enabled && form.Email != "" && !emailPattern.MatchString(form.Email) {
		out = append(out, Violation{QuestionID: q.ID, Code: CodeInvalidEmail, Message: "A valid email address is required.", Field: "email"})
	}
	if q.Config.Contact.Phone.Enabled && form.Phone != "" && !phonePattern.MatchString(form.Phone) {
		out = append(out, Violation{QuestionID: q.ID, Code: CodeInvalidPhone, Message: "A valid phone number is required.", Field: "phone"})
	}
	return out
}
