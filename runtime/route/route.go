// Package route picks the respondent's next step after a submit:
// loop continuation, termination, jump rules, or sequential order.
package route

import (
	"fmt"
	"sort"

	"canvass.dev/canvass/runtime/expr"
	"canvass.dev/canvass/runtime/shuffle"
	"canvass.dev/canvass/runtime/survey"
)

type (
	// StepKind classifies the routing outcome.
	StepKind string

	// Step is the routing outcome for one submit.
	Step struct {
		Kind StepKind
		// PageID is the next page when Kind is StepPage.
		PageID string
		// QuestionID is set when a question-level jump targets a specific
		// question on the next page.
		QuestionID string
		// Reason names the termination cause when Kind is StepTerminate.
		Reason string
		// Loop is the loop state after this step; nil when no loop is
		// active.
		Loop *LoopState
	}

	// LoopState tracks an in-flight loop battery. Persisted in the
	// session render state and rewritten by each loop step.
	LoopState struct {
		BatteryID        string   `json:"batteryId"`
		StartPageID      string   `json:"startPageId"`
		EndPageID        string   `json:"endPageId"`
		CurrentIteration int      `json:"currentIteration"`
		TotalItems       int      `json:"totalItems"`
		CurrentItem      string   `json:"currentItem"`
		Items            []string `json:"items"`
	}

	// Input carries everything one routing decision needs.
	Input struct {
		Survey *survey.Survey
		// SessionID seeds loop item ordering.
		SessionID string
		// PageID is the page just submitted.
		PageID string
		// AnsweredQuestionIDs lists the questions answered on this page,
		// in page order.
		AnsweredQuestionIDs []string
		// ExprContext evaluates jump and termination conditions.
		ExprContext expr.Context
		// Loop is the active loop state, or nil.
		Loop *LoopState
	}
)

const (
	// StepPage routes to another page.
	StepPage StepKind = "PAGE"
	// StepComplete ends the survey successfully.
	StepComplete StepKind = "COMPLETE"
	// StepTerminate ends the survey by termination rule.
	StepTerminate StepKind = "TERMINATE"
)

// Next resolves the step after submitting in.PageID. Priority: loop
// continuation, then question-level terminations, then question-level
// jumps, then page-level jumps, then the next visible page in index
// order, else complete.
func Next(in Input) (Step, error) {
	s := in.Survey
	page, ok := s.PageByID(in.PageID)
	if !ok {
		return Step{}, fmt.Errorf("page %s: not part of survey %s", in.PageID, s.ID)
	}

	// Loop continuation. Exhausted iterations clear the state and fall
	// through to normal routing.
	loop := in.Loop
	if loop != nil && loop.EndPageID == in.PageID {
		if loop.CurrentIteration+1 < loop.TotalItems {
			next := *loop
			next.CurrentIteration++
			next.CurrentItem = next.Items[next.CurrentIteration]
			return Step{Kind: StepPage, PageID: next.StartPageID, Loop: &next}, nil
		}
		loop = nil
	}

	// Question-level terminations dominate jumps.
	for _, qid := range in.AnsweredQuestionIDs {
		q, ok := s.QuestionByID(qid)
		if !ok || q.TerminateIfExpressionID == "" {
			continue
		}
		src, err := s.ExpressionSource(q.TerminateIfExpressionID)
		if err != nil {
			return Step{}, err
		}
		if expr.Eval(src, in.ExprContext) {
			return Step{Kind: StepTerminate, Reason: q.VariableName}, nil
		}
	}

	// Question-level jumps, per answered question, ascending priority.
	for _, qid := range in.AnsweredQuestionIDs {
		step, hit, err := firstJump(s, in.ExprContext, func(j survey.Jump) bool {
			return j.FromQuestionID == qid
		})
		if err != nil {
			return Step{}, err
		}
		if hit {
			step.Loop = loop
			return enterLoopIfBoundary(in, step)
		}
	}

	// Page-level jumps.
	step, hit, err := firstJump(s, in.ExprContext, func(j survey.Jump) bool {
		return j.FromPageID == in.PageID
	})
	if err != nil {
		return Step{}, err
	}
	if hit {
		step.Loop = loop
		return enterLoopIfBoundary(in, step)
	}

	// Sequential: first visible page after this one.
	for _, p := range s.PagesAfter(page.Index) {
		visible, err := pageVisible(s, p, in.ExprContext)
		if err != nil {
			return Step{}, err
		}
		if visible {
			return enterLoopIfBoundary(in, Step{Kind: StepPage, PageID: p.ID, Loop: loop})
		}
	}
	return Step{Kind: StepComplete}, nil
}

// firstJump evaluates the matching jump rules in ascending priority and
// returns the first whose condition holds. A jump without a target
// falls through to the next rule.
func firstJump(s *survey.Survey, ectx expr.Context, match func(survey.Jump) bool) (Step, bool, error) {
	var rules []survey.Jump
	for _, j := range s.Jumps {
		if match(j) {
			rules = append(rules, j)
		}
	}
	sort.SliceStable(rules, func(i, k int) bool { return rules[i].Priority < rules[k].Priority })
	for _, j := range rules {
		if j.ConditionExpressionID != "" {
			src, err := s.ExpressionSource(j.ConditionExpressionID)
			if err != nil {
				return Step{}, false, err
			}
			if !expr.Eval(src, ectx) {
				continue
			}
		}
		if j.ToPageID == "" && j.ToQuestionID == "" {
			continue
		}
		target := j.ToPageID
		if target == "" {
			// Question target: route to the page owning the question.
			q, ok := s.QuestionByID(j.ToQuestionID)
			if !ok {
				continue
			}
			target = q.PageID
		}
		return Step{Kind: StepPage, PageID: target, QuestionID: j.ToQuestionID}, true, nil
	}
	return Step{}, false, nil
}

// enterLoopIfBoundary starts a loop battery when the step lands on a
// battery's start page and no loop is already active.
func enterLoopIfBoundary(in Input, step Step) (Step, error) {
	if step.Kind != StepPage || step.Loop != nil {
		return step, nil
	}
	for _, b := range in.Survey.Loops {
		if b.StartPageID != step.PageID {
			continue
		}
		ls, err := StartLoop(in.Survey, b, in.SessionID, in.ExprContext)
		if err != nil {
			return Step{}, err
		}
		if ls == nil {
			// No items: skip the battery's pages entirely.
			end, ok := in.Survey.PageByID(b.EndPageID)
			if !ok {
				return Step{}, fmt.Errorf("loop %s: end page %s not found", b.ID, b.EndPageID)
			}
			return Next(Input{
				Survey:      in.Survey,
				SessionID:   in.SessionID,
				PageID:      end.ID,
				ExprContext: in.ExprContext,
			})
		}
		step.Loop = ls
		return step, nil
	}
	return step, nil
}

// StartLoop materializes the item list for a battery and returns the
// initial loop state, or nil when the source yields no items. Item
// order is deterministic per session.
func StartLoop(s *survey.Survey, b survey.LoopBattery, sessionID string, ectx expr.Context) (*LoopState, error) {
	var items []string
	switch b.Source {
	case survey.LoopSourceAnswer:
		if v, ok := ectx.Answers[b.SourceQuestionID]; ok {
			items = append(items, v.Choices...)
		}
	case survey.LoopSourceDataset:
		items = append(items, b.Dataset...)
	default:
		return nil, fmt.Errorf("loop %s: unknown source %q", b.ID, b.Source)
	}
	if len(items) == 0 {
		return nil, nil
	}

	src := shuffle.FromParts(sessionID, b.ID, "loop")
	switch {
	case b.SampleWithoutReplacement && b.MaxItems > 0 && b.MaxItems < len(items):
		items = shuffle.Sample(src, items, b.MaxItems)
	case b.Randomize:
		shuffle.Shuffle(src, items)
		if b.MaxItems > 0 && b.MaxItems < len(items) {
			items = items[:b.MaxItems]
		}
	case b.MaxItems > 0 && b.MaxItems < len(items):
		items = items[:b.MaxItems]
	}

	return &LoopState{
		BatteryID:        b.ID,
		StartPageID:      b.StartPageID,
		EndPageID:        b.EndPageID,
		CurrentIteration: 0,
		TotalItems:       len(items),
		CurrentItem:      items[0],
		Items:            items,
	}, nil
}

func pageVisible(s *survey.Survey, p survey.Page, ectx expr.Context) (bool, error) {
	if p.VisibleIfExpressionID == "" {
		return true, nil
	}
	src, err := s.ExpressionSource(p.VisibleIfExpressionID)
	if err != nil {
		return false, err
	}
	return expr.Eval(src, ectx), nil
}

// FirstVisiblePage returns the entry page for a new session: the lowest
// index page whose visibility holds, plus initial loop state when that
// page opens a battery.
func FirstVisiblePage(s *survey.Survey, sessionID string, ectx expr.Context) (survey.Page, *LoopState, error) {
	pages := append([]survey.Page(nil), s.Pages...)
	sort.SliceStable(pages, func(i, k int) bool { return pages[i].Index < pages[k].Index })
	for _, p := range pages {
		visible, err := pageVisible(s, p, ectx)
		if err != nil {
			return survey.Page{}, nil, err
		}
		if !visible {
			continue
		}
		for _, b := range s.Loops {
			if b.StartPageID == p.ID {
				ls, err := StartLoop(s, b, sessionID, ectx)
				if err != nil {
					return survey.Page{}, nil, err
				}
				return p, ls, nil
			}
		}
		return p, nil, nil
	}
	return survey.Page{}, nil, fmt.Errorf("survey %s: no visible page", s.ID)
}
