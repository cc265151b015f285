package survey

// Config carries the per-kind constraint knobs of a question. Only the
// fields relevant to the question's Type are consulted; pointer fields
// distinguish "unset" from zero.
type Config struct {
	// MaxSelections caps multiple-choice selections.
	MaxSelections *int
	// MinLength / MaxLength bound text and textarea input.
	MinLength *int
	MaxLength *int
	// Pattern is an optional regex text inputs must match. An invalid
	// pattern is treated as unmatched, never as a violation by itself.
	Pattern string
	// MinValue / MaxValue bound numeric kinds (number, decimal, slider,
	// opinion scale).
	MinValue *float64
	MaxValue *float64
	// TotalPoints is the required sum for constant-sum questions.
	TotalPoints *float64
	// AllowZero permits zero entries in constant-sum answers. Nil means
	// allowed.
	AllowZero *bool
	// MinDate / MaxDate bound date kinds, in the same layout as the
	// answer (RFC 3339 date, "15:04" time, RFC 3339 datetime).
	MinDate string
	MaxDate string
	// MaxFiles caps file-upload answers; zero means unlimited.
	MaxFiles int
	// URLProtocol, when set, is the scheme URL answers must use.
	URLProtocol string
	// Contact selects the enabled contact-form fields.
	Contact ContactConfig
}

// ContactConfig enables and requires individual contact-form fields.
type ContactConfig struct {
	Name    ContactField
	Email   ContactField
	Phone   ContactField
	Company ContactField
	Address ContactField
}

// ContactField is one field of a contact form.
type ContactField struct {
	Enabled  bool
	Required bool
}

// IsChoice reports whether the kind stores its answer as choices.
func (t QuestionType) IsChoice() bool {
	switch t {
	case TypeSingleChoice, TypeMultipleChoice, TypeDropdown, TypePictureChoice:
		return true
	}
	return false
}

// IsMatrix reports whether the kind stores its answer as a matrix JSON
// object.
func (t QuestionType) IsMatrix() bool {
	switch t {
	case TypeMatrixSingle, TypeMatrixMultiple, TypeBipolarMatrix:
		return true
	}
	return false
}

// IsNumeric reports whether the kind stores a numeric answer.
func (t QuestionType) IsNumeric() bool {
	switch t {
	case TypeNumber, TypeDecimal, TypeSlider, TypeOpinionScale:
		return true
	}
	return false
}
