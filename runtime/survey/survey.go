// Package survey defines the published questionnaire model the runtime
// executes: surveys, pages, groups, questions, options, logic expressions,
// jumps, loop batteries and the collectors that distribute them.
//
// The model is read-only at runtime. A Survey is identified by
// (TenantID, ID) and immutable once published except through explicit
// versioning; the runtime may therefore cache it per (ID, Version).
package survey

import (
	"context"
	"errors"
	"regexp"
	"time"
)

type (
	// Survey is a published questionnaire definition.
	Survey struct {
		// TenantID scopes the survey to an owning tenant.
		TenantID string
		// ID is the durable survey identifier.
		ID string
		// Title is the display title (not piped).
		Title string
		// DefaultLanguage is the BCP-47 tag used when no translation applies.
		DefaultLanguage string
		// Version increments on every published revision.
		Version int
		// Status is the lifecycle state of the survey.
		Status Status
		// Pages holds the ordered pages. Index fields are zero-based and
		// authoritative; slice order is not.
		Pages []Page
		// Expressions holds all logic expressions keyed by ID. Pages,
		// groups, questions, options, jumps and quota buckets reference
		// them by ID only.
		Expressions map[string]Expression
		// Jumps holds page- and question-level jump rules.
		Jumps []Jump
		// Loops holds the loop batteries defined on this survey.
		Loops []LoopBattery
		// Settings is the policy bag applied by the settings engine.
		Settings Settings
	}

	// Status is the survey lifecycle state.
	Status string

	// Page is one screen of the questionnaire.
	Page struct {
		ID string
		// Index is the zero-based position within the survey.
		Index int
		// TitleTemplate and DescriptionTemplate are piping-capable.
		TitleTemplate       string
		DescriptionTemplate string
		// VisibleIfExpressionID gates the page; empty means always visible.
		VisibleIfExpressionID string
		// GroupOrderMode orders the groups of this page.
		GroupOrderMode OrderMode
		// QuestionOrderMode orders standalone questions and, for groups
		// without their own InnerOrderMode, questions within groups.
		QuestionOrderMode OrderMode
		Groups            []Group
		Questions         []Question
	}

	// Group is a titled block of questions within a page.
	Group struct {
		ID                    string
		Index                 int
		Key                   string
		TitleTemplate         string
		DescriptionTemplate   string
		VisibleIfExpressionID string
		// InnerOrderMode orders the group's questions; empty falls back to
		// the page's QuestionOrderMode.
		InnerOrderMode OrderMode
	}

	// Question is a single prompt on a page, optionally inside a group.
	Question struct {
		ID     string
		PageID string
		// GroupID is empty for standalone questions.
		GroupID string
		Index   int
		// VariableName is unique within the survey and referenced by the
		// logic DSL and piping. Must match VariableNamePattern.
		VariableName        string
		Type                QuestionType
		TitleTemplate       string
		DescriptionTemplate string
		Required            bool
		// VisibleIfExpressionID gates the question.
		VisibleIfExpressionID string
		// TerminateIfExpressionID ends the session when it evaluates true
		// after this question is answered.
		TerminateIfExpressionID string
		// OptionsSource selects between the question's own options and
		// carry-forward from a prior question.
		OptionsSource OptionsSource
		// CarryForwardQuestionID names the source question when
		// OptionsSource is OptionsCarryForward.
		CarryForwardQuestionID string
		// CarryForwardFilterExpressionID optionally filters carried
		// options; evaluated with loop context key "option".
		CarryForwardFilterExpressionID string
		// OptionOrderMode orders the resolved options.
		OptionOrderMode OrderMode
		Options         []Option
		// Items are matrix rows, Scales are matrix columns. Empty for
		// non-matrix kinds.
		Items  []Item
		Scales []Scale
		Config Config
	}

	// Option is an ordered choice of a choice-type question.
	Option struct {
		Value                 string
		LabelTemplate         string
		Index                 int
		VisibleIfExpressionID string
		// Exclusive clears other selections when picked (e.g. "None of
		// the above").
		Exclusive bool
		// GroupKey partitions options for GROUP_RANDOM ordering.
		GroupKey string
		// Weight drives WEIGHTED ordering; missing weights sort as zero.
		Weight   float64
		ImageURL string
	}

	// Item is a matrix row.
	Item struct {
		Value                 string
		LabelTemplate         string
		Index                 int
		VisibleIfExpressionID string
	}

	// Scale is a matrix column.
	Scale struct {
		Value                 string
		LabelTemplate         string
		Index                 int
		VisibleIfExpressionID string
	}

	// Expression is a logic DSL source shared by reference from many
	// owners. Deleting an expression while referrers exist is forbidden by
	// the authoring layer; the runtime treats a dangling reference as a
	// configuration error.
	Expression struct {
		ID          string
		Source      string
		Description string
	}

	// Jump routes the respondent after a submit. Page-level jumps set
	// FromPageID; question-level jumps set FromQuestionID. Lower Priority
	// wins; an empty ConditionExpressionID matches unconditionally.
	Jump struct {
		ID                    string
		FromPageID            string
		FromQuestionID        string
		ToPageID              string
		ToQuestionID          string
		Priority              int
		ConditionExpressionID string
	}

	// LoopBattery repeats the pages [StartPageID, EndPageID] once per item.
	LoopBattery struct {
		ID          string
		StartPageID string
		EndPageID   string
		Source      LoopSource
		// SourceQuestionID names the multi-choice question when Source is
		// LoopSourceAnswer.
		SourceQuestionID string
		// Dataset holds the items when Source is LoopSourceDataset.
		Dataset []string
		// MaxItems caps iterations; zero means unlimited.
		MaxItems int
		// Randomize shuffles items deterministically per session.
		Randomize bool
		// SampleWithoutReplacement draws MaxItems distinct items instead
		// of truncating.
		SampleWithoutReplacement bool
	}

	// OrderMode selects how sibling elements are ordered at render time.
	OrderMode string

	// OptionsSource selects where a question's options come from.
	OptionsSource string

	// LoopSource selects where loop items come from.
	LoopSource string

	// QuestionType enumerates the supported question kinds.
	QuestionType string
)

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
	StatusClosed    Status = "CLOSED"
)

const (
	OrderSequential  OrderMode = "SEQUENTIAL"
	OrderRandom      OrderMode = "RANDOM"
	OrderGroupRandom OrderMode = "GROUP_RANDOM"
	OrderWeighted    OrderMode = "WEIGHTED"
)

const (
	OptionsOwn          OptionsSource = "OWN"
	OptionsCarryForward OptionsSource = "CARRY_FORWARD"
)

const (
	LoopSourceAnswer  LoopSource = "ANSWER"
	LoopSourceDataset LoopSource = "DATASET"
)

const (
	TypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	TypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	TypeDropdown       QuestionType = "DROPDOWN"
	TypeText           QuestionType = "TEXT"
	TypeTextarea       QuestionType = "TEXTAREA"
	TypeNumber         QuestionType = "NUMBER"
	TypeDecimal        QuestionType = "DECIMAL"
	TypeSlider         QuestionType = "SLIDER"
	TypeOpinionScale   QuestionType = "OPINION_SCALE"
	TypeDate           QuestionType = "DATE"
	TypeTime           QuestionType = "TIME"
	TypeDateTime       QuestionType = "DATETIME"
	TypeEmail          QuestionType = "EMAIL"
	TypePhone          QuestionType = "PHONE"
	TypeURL            QuestionType = "URL"
	TypeFileUpload     QuestionType = "FILE_UPLOAD"
	TypeSignature      QuestionType = "SIGNATURE"
	TypeConsent        QuestionType = "CONSENT"
	TypeContactForm    QuestionType = "CONTACT_FORM"
	TypeMatrixSingle   QuestionType = "MATRIX_SINGLE"
	TypeMatrixMultiple QuestionType = "MATRIX_MULTIPLE"
	TypeBipolarMatrix  QuestionType = "BIPOLAR_MATRIX"
	TypeRank           QuestionType = "RANK"
	TypeGroupRank      QuestionType = "GROUP_RANK"
	TypePictureChoice  QuestionType = "PICTURE_CHOICE"
	TypeConstantSum    QuestionType = "CONSTANT_SUM"
	TypePayment        QuestionType = "PAYMENT"
	TypeDescriptive    QuestionType = "DESCRIPTIVE"
)

// VariableNamePattern constrains question variable names.
var VariableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

var (
	// ErrSurveyNotFound indicates the survey does not exist or is not
	// published.
	ErrSurveyNotFound = errors.New("survey not found")
	// ErrCollectorNotFound indicates no collector matches the slug.
	ErrCollectorNotFound = errors.New("collector not found")
	// ErrInviteNotFound indicates the token does not exist.
	ErrInviteNotFound = errors.New("invite not found")
	// ErrInviteConsumed indicates the single-use token was already used.
	ErrInviteConsumed = errors.New("invite already consumed")
	// ErrExpressionNotFound indicates a dangling expression reference.
	ErrExpressionNotFound = errors.New("expression not found")
)

// Store loads published survey configuration and collector state. It is
// read-mostly; implementations may cache per (ID, Version).
type Store interface {
	// Survey loads a published survey by tenant and id. Returns
	// ErrSurveyNotFound when missing.
	Survey(ctx context.Context, tenantID, surveyID string) (*Survey, error)
	// CollectorBySlug resolves a distribution slug. Returns
	// ErrCollectorNotFound when missing.
	CollectorBySlug(ctx context.Context, slug string) (Collector, error)
	// Invite loads a single-use token. Returns ErrInviteNotFound when
	// missing.
	Invite(ctx context.Context, token string) (Invite, error)
	// ConsumeInvite atomically marks the token consumed. Returns
	// ErrInviteConsumed when already consumed.
	ConsumeInvite(ctx context.Context, token string, at time.Time) error
}

// QuestionIDMap builds the variableName → questionID map over all pages.
// The logic DSL and piping resolve references through it.
func (s *Survey) QuestionIDMap() map[string]string {
	m := make(map[string]string)
	for _, p := range s.Pages {
		for _, q := range p.Questions {
			m[q.VariableName] = q.ID
		}
	}
	return m
}

// PageByID finds a page. The second return is false when missing.
func (s *Survey) PageByID(id string) (Page, bool) {
	for _, p := range s.Pages {
		if p.ID == id {
			return p, true
		}
	}
	return Page{}, false
}

// QuestionByID scans all pages for a question.
func (s *Survey) QuestionByID(id string) (Question, bool) {
	for _, p := range s.Pages {
		for _, q := range p.Questions {
			if q.ID == id {
				return q, true
			}
		}
	}
	return Question{}, false
}

// ExpressionSource resolves an expression reference to its DSL source.
// Returns ErrExpressionNotFound for dangling references.
func (s *Survey) ExpressionSource(id string) (string, error) {
	e, ok := s.Expressions[id]
	if !ok {
		return "", ErrExpressionNotFound
	}
	return e.Source, nil
}

// PagesAfter returns the pages with Index strictly greater than idx in
// ascending index order.
func (s *Survey) PagesAfter(idx int) []Page {
	var out []Page
	for _, p := range s.Pages {
		if p.Index > idx {
			out = append(out, p)
		}
	}
	sortPagesByIndex(out)
	return out
}

// FirstPage returns the page with the lowest index. The second return is
// false for surveys without pages (a configuration error at runtime).
func (s *Survey) FirstPage() (Page, bool) {
	if len(s.Pages) == 0 {
		return Page{}, false
	}
	first := s.Pages[0]
	for _, p := range s.Pages[1:] {
		if p.Index < first.Index {
			first = p
		}
	}
	return first, true
}

func sortPagesByIndex(pages []Page) {
	for i := 1; i < len(pages); i++ {
		for j := i; j > 0 && pages[j].Index < pages[j-1].Index; j-- {
			pages[j], pages[j-1] = pages[j-1], pages[j]
		}
	}
}
