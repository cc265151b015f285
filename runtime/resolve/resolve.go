// Package resolve compiles a survey page into the rendered layout served
// to the respondent: visibility expressions evaluated, templates piped,
// carry-forward options computed and sibling order applied.
//
// Resolution is deterministic: random orderings derive from the
// (session, page, group, question, bucket) seed, so resolving the same
// page twice for the same session yields byte-identical layouts. The
// session controller caches resolved pages in render state, but the
// determinism makes the cache a redundancy rather than a correctness
// requirement.
package resolve

import (
	"fmt"
	"sort"

	"canvass.dev/canvass/runtime/expr"
	"canvass.dev/canvass/runtime/shuffle"
	"canvass.dev/canvass/runtime/survey"
)

type (
	// ResolvedPage is the rendered layout of one page.
	ResolvedPage struct {
		PageID string `json:"pageId"`
		// IsVisible is false when the page's visibleIf evaluated false;
		// the router skips such pages.
		IsVisible   bool            `json:"isVisible"`
		Title       string          `json:"title,omitempty"`
		Description string          `json:"description,omitempty"`
		Groups      []ResolvedGroup `json:"groups"`
	}

	// ResolvedGroup is a rendered question block. The standalone
	// pseudo-group holding groupless questions has an empty GroupID.
	ResolvedGroup struct {
		GroupID     string             `json:"groupId,omitempty"`
		Key         string             `json:"key,omitempty"`
		Title       string             `json:"title,omitempty"`
		Description string             `json:"description,omitempty"`
		Questions   []ResolvedQuestion `json:"questions"`
	}

	// ResolvedQuestion is a rendered question with its final options.
	ResolvedQuestion struct {
		QuestionID   string              `json:"questionId"`
		VariableName string              `json:"variableName"`
		Type         survey.QuestionType `json:"type"`
		Title        string              `json:"title,omitempty"`
		Description  string              `json:"description,omitempty"`
		Required     bool                `json:"required"`
		Options      []ResolvedOption    `json:"options,omitempty"`
		Items        []ResolvedItem      `json:"items,omitempty"`
		Scales       []ResolvedScale     `json:"scales,omitempty"`
	}

	// ResolvedOption is a rendered choice.
	ResolvedOption struct {
		Value     string `json:"value"`
		Label     string `json:"label"`
		Exclusive bool   `json:"exclusive,omitempty"`
		ImageURL  string `json:"imageUrl,omitempty"`
	}

	// ResolvedItem is a rendered matrix row.
	ResolvedItem struct {
		Value string `json:"value"`
		Label string `json:"label"`
	}

	// ResolvedScale is a rendered matrix column.
	ResolvedScale struct {
		Value string `json:"value"`
		Label string `json:"label"`
	}
)

// VisibleQuestions returns the questions on the resolved page in render
// order. The validator runs against exactly this set.
func (p ResolvedPage) VisibleQuestions() []ResolvedQuestion {
	var out []ResolvedQuestion
	for _, g := range p.Groups {
		out = append(out, g.Questions...)
	}
	return out
}

// Page resolves one page for a session. The expression context must hold
// the session's answers, the survey-wide question ID map and any active
// loop variables. Dangling expression references are configuration
// errors and fail the resolution.
func Page(s *survey.Survey, sessionID string, page survey.Page, ectx expr.Context) (ResolvedPage, error) {
	vis, err := visible(s, page.VisibleIfExpressionID, ectx)
	if err != nil {
		return ResolvedPage{}, fmt.Errorf("page %s: %w", page.ID, err)
	}
	out := ResolvedPage{PageID: page.ID, IsVisible: vis}
	if !vis {
		return out, nil
	}
	out.Title = expr.Interpolate(page.TitleTemplate, ectx)
	out.Description = expr.Interpolate(page.DescriptionTemplate, ectx)

	// Partition questions by group; groupless questions form the
	// standalone pseudo-group rendered first.
	byGroup := make(map[string][]survey.Question)
	for _, q := range page.Questions {
		byGroup[q.GroupID] = append(byGroup[q.GroupID], q)
	}

	groups := append([]survey.Group(nil), page.Groups...)
	orderGroups(page.GroupOrderMode, groups, sessionID, page.ID)

	if qs := byGroup[""]; len(qs) > 0 {
		rg, err := resolveGroup(s, sessionID, page, survey.Group{}, qs, page.QuestionOrderMode, ectx)
		if err != nil {
			return ResolvedPage{}, err
		}
		if rg != nil {
			out.Groups = append(out.Groups, *rg)
		}
	}
	for _, g := range groups {
		mode := g.InnerOrderMode
		if mode == "" {
			mode = page.QuestionOrderMode
		}
		rg, err := resolveGroup(s, sessionID, page, g, byGroup[g.ID], mode, ectx)
		if err != nil {
			return ResolvedPage{}, err
		}
		if rg != nil {
			out.Groups = append(out.Groups, *rg)
		}
	}
	return out, nil
}

func resolveGroup(s *survey.Survey, sessionID string, page survey.Page, g survey.Group, qs []survey.Question, mode survey.OrderMode, ectx expr.Context) (*ResolvedGroup, error) {
	if g.ID != "" {
		vis, err := visible(s, g.VisibleIfExpressionID, ectx)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.ID, err)
		}
		if !vis {
			return nil, nil
		}
	}
	rg := ResolvedGroup{
		GroupID:     g.ID,
		Key:         g.Key,
		Title:       expr.Interpolate(g.TitleTemplate, ectx),
		Description: expr.Interpolate(g.DescriptionTemplate, ectx),
	}
	qs = append([]survey.Question(nil), qs...)
	sortByIndex(qs, func(q survey.Question) int { return q.Index })
	applyOrder(mode, qs,
		shuffle.FromParts(sessionID, page.ID, g.ID, "questions"),
		func(q survey.Question) float64 { return 0 },
		func(q survey.Question) string { return "" })

	for _, q := range qs {
		rq, err := resolveQuestion(s, sessionID, page, q, ectx)
		if err != nil {
			return nil, err
		}
		if rq != nil {
			rg.Questions = append(rg.Questions, *rq)
		}
	}
	if len(rg.Questions) == 0 {
		return nil, nil
	}
	return &rg, nil
}

func resolveQuestion(s *survey.Survey, sessionID string, page survey.Page, q survey.Question, ectx expr.Context) (*ResolvedQuestion, error) {
	vis, err := visible(s, q.VisibleIfExpressionID, ectx)
	if err != nil {
		return nil, fmt.Errorf("question %s: %w", q.ID, err)
	}
	if !vis {
		return nil, nil
	}
	rq := ResolvedQuestion{
		QuestionID:   q.ID,
		VariableName: q.VariableName,
		Type:         q.Type,
		Title:        expr.Interpolate(q.TitleTemplate, ectx),
		Description:  expr.Interpolate(q.DescriptionTemplate, ectx),
		Required:     q.Required,
	}

	opts, err := questionOptions(s, q, ectx)
	if err != nil {
		return nil, err
	}
	var visOpts []survey.Option
	for _, o := range opts {
		ov, err := visible(s, o.VisibleIfExpressionID, ectx)
		if err != nil {
			return nil, fmt.Errorf("question %s option %s: %w", q.ID, o.Value, err)
		}
		if ov {
			visOpts = append(visOpts, o)
		}
	}
	applyOrder(q.OptionOrderMode, visOpts,
		shuffle.FromParts(sessionID, page.ID, q.GroupID, q.ID, "options"),
		func(o survey.Option) float64 { return o.Weight },
		func(o survey.Option) string { return o.GroupKey })
	for _, o := range visOpts {
		rq.Options = append(rq.Options, ResolvedOption{
			Value:     o.Value,
			Label:     expr.Interpolate(o.LabelTemplate, ectx),
			Exclusive: o.Exclusive,
			ImageURL:  o.ImageURL,
		})
	}

	for _, it := range sortedVisibleItems(s, q.Items, ectx) {
		rq.Items = append(rq.Items, ResolvedItem{Value: it.Value, Label: expr.Interpolate(it.LabelTemplate, ectx)})
	}
	for _, sc := range sortedVisibleScales(s, q.Scales, ectx) {
		rq.Scales = append(rq.Scales, ResolvedScale{Value: sc.Value, Label: expr.Interpolate(sc.LabelTemplate, ectx)})
	}
	return &rq, nil
}

// questionOptions computes the option set before visibility and
// ordering. Carry-forward keeps the source options whose value the
// source answer selected, in source index order, optionally filtered,
// then merges the question's own options ahead of them, deduplicating
// by value.
func questionOptions(s *survey.Survey, q survey.Question, ectx expr.Context) ([]survey.Option, error) {
	if q.OptionsSource != survey.OptionsCarryForward {
		out := append([]survey.Option(nil), q.Options...)
		sortByIndex(out, func(o survey.Option) int { return o.Index })
		return out, nil
	}

	src, ok := s.QuestionByID(q.CarryForwardQuestionID)
	if !ok {
		return nil, fmt.Errorf("question %s: carry-forward source %s not found", q.ID, q.CarryForwardQuestionID)
	}
	chosen := make(map[string]struct{})
	if av, ok := ectx.Answers[src.ID]; ok {
		for _, c := range av.Choices {
			chosen[c] = struct{}{}
		}
	}
	var filterSrc string
	if q.CarryForwardFilterExpressionID != "" {
		fs, err := s.ExpressionSource(q.CarryForwardFilterExpressionID)
		if err != nil {
			return nil, fmt.Errorf("question %s: %w", q.ID, err)
		}
		filterSrc = fs
	}

	carried := append([]survey.Option(nil), src.Options...)
	sortByIndex(carried, func(o survey.Option) int { return o.Index })
	var kept []survey.Option
	for _, o := range carried {
		if _, ok := chosen[o.Value]; !ok {
			continue
		}
		if filterSrc != "" {
			fctx := ectx
			fctx.Additional = map[string]any{"option": o.Value}
			if !expr.Eval(filterSrc, fctx) {
				continue
			}
		}
		kept = append(kept, o)
	}

	own := append([]survey.Option(nil), q.Options...)
	sortByIndex(own, func(o survey.Option) int { return o.Index })
	seen := make(map[string]struct{}, len(own))
	for _, o := range own {
		seen[o.Value] = struct{}{}
	}
	out := own
	for _, o := range kept {
		if _, dup := seen[o.Value]; dup {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func sortedVisibleItems(s *survey.Survey, items []survey.Item, ectx expr.Context) []survey.Item {
	out := append([]survey.Item(nil), items...)
	sortByIndex(out, func(i survey.Item) int { return i.Index })
	var vis []survey.Item
	for _, it := range out {
		if it.VisibleIfExpressionID == "" {
			vis = append(vis, it)
			continue
		}
		if src, err := s.ExpressionSource(it.VisibleIfExpressionID); err == nil && expr.Eval(src, ectx) {
			vis = append(vis, it)
		}
	}
	return vis
}

func sortedVisibleScales(s *survey.Survey, scales []survey.Scale, ectx expr.Context) []survey.Scale {
	out := append([]survey.Scale(nil), scales...)
	sortByIndex(out, func(sc survey.Scale) int { return sc.Index })
	var vis []survey.Scale
	for _, sc := range out {
		if sc.VisibleIfExpressionID == "" {
			vis = append(vis, sc)
			continue
		}
		if src, err := s.ExpressionSource(sc.VisibleIfExpressionID); err == nil && expr.Eval(src, ectx) {
			vis = append(vis, sc)
		}
	}
	return vis
}

func visible(s *survey.Survey, exprID string, ectx expr.Context) (bool, error) {
	if exprID == "" {
		return true, nil
	}
	src, err := s.ExpressionSource(exprID)
	if err != nil {
		return false, err
	}
	return expr.Eval(src, ectx), nil
}

func orderGroups(mode survey.OrderMode, groups []survey.Group, sessionID, pageID string) {
	sortByIndex(groups, func(g survey.Group) int { return g.Index })
	applyOrder(mode, groups,
		shuffle.FromParts(sessionID, pageID, "groups"),
		func(g survey.Group) float64 { return 0 },
		func(g survey.Group) string { return g.Key })
}

// applyOrder rearranges items already sorted by index according to mode.
func applyOrder[T any](mode survey.OrderMode, items []T, src *shuffle.Source, weight func(T) float64, groupKey func(T) string) {
	switch mode {
	case survey.OrderRandom:
		shuffle.Shuffle(src, items)
	case survey.OrderGroupRandom:
		groupRandom(items, src, groupKey)
	case survey.OrderWeighted:
		sort.SliceStable(items, func(i, j int) bool { return weight(items[i]) > weight(items[j]) })
	default:
		// SEQUENTIAL: index order already applied.
	}
}

// groupRandom partitions by key (first-seen order), shuffles within each
// partition, then shuffles the partition order.
func groupRandom[T any](items []T, src *shuffle.Source, groupKey func(T) string) {
	var keys []string
	parts := make(map[string][]T)
	for _, it := range items {
		k := groupKey(it)
		if _, ok := parts[k]; !ok {
			keys = append(keys, k)
		}
		parts[k] = append(parts[k], it)
	}
	for _, k := range keys {
		shuffle.Shuffle(src.Split(), parts[k])
	}
	shuffle.Shuffle(src.Split(), keys)
	i := 0
	for _, k := range keys {
		for _, it := range parts[k] {
			items[i] = it
			i++
		}
	}
}

func sortByIndex[T any](items []T, idx func(T) int) {
	sort.SliceStable(items, func(i, j int) bool { return idx(items[i]) < idx(items[j]) })
}
