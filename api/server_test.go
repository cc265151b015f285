package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"canvass.dev/canvass/runtime/quota"
	quotamem "canvass.dev/canvass/runtime/quota/inmem"
	"canvass.dev/canvass/runtime/respond"
	"canvass.dev/canvass/runtime/respond/inmem"
	"canvass.dev/canvass/runtime/settings"
	"canvass.dev/canvass/runtime/survey"
	surveymem "canvass.dev/canvass/runtime/survey/inmem"
)

type fixture struct {
	surveys    *surveymem.Store
	quotaStore *quotamem.Store
	mux        goahttp.Muxer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		surveys:    surveymem.NewStore(),
		quotaStore: quotamem.NewStore(),
	}
	qm, err := quota.NewManager(quota.ManagerOptions{Store: f.quotaStore})
	require.NoError(t, err)
	ctrl, err := respond.NewController(respond.ControllerOptions{
		Surveys:  f.surveys,
		Sessions: inmem.NewStore(),
		Quota:    qm,
		Settings: settings.NewEngine(nil),
	})
	require.NoError(t, err)
	srv, err := New(Options{Controller: ctrl})
	require.NoError(t, err)
	f.mux = goahttp.NewMuxer()
	srv.Mount(f.mux)
	return f
}

func (f *fixture) seedSurvey() {
	f.surveys.PutSurvey(&survey.Survey{
		TenantID: "t1", ID: "s1", Version: 1, Status: survey.StatusPublished,
		Pages: []survey.Page{
			{ID: "p1", Index: 0, Questions: []survey.Question{
				{ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeText, Required: true},
			}},
			{ID: "p2", Index: 1, Questions: []survey.Question{
				{ID: "q2", PageID: "p2", VariableName: "Q2", Type: survey.TypeText},
			}},
		},
	})
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: "t1", SurveyID: "s1",
		Slug: "take-survey", Type: survey.CollectorPublic, Status: survey.CollectorOpen,
	})
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	out := make(map[string]any)
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	w, body := f.do(t, "POST", "/runtime/start?slug=take-survey", "")
	require.Equal(t, http.StatusOK, w.Code)
	return body["sessionId"].(string)
}

func TestStartReturnsSessionAndFirstPage(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()

	w, body := f.do(t, "POST", "/runtime/start?slug=take-survey", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, body["sessionId"])
	require.Equal(t, "p1", body["firstPageId"])
}

func TestStartUnknownSlugIs404(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()

	w, _ := f.do(t, "POST", "/runtime/start?slug=nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartAdmissionFailureIs403(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	f.surveys.PutCollector(survey.Collector{
		ID: "col-closed", TenantID: "t1", SurveyID: "s1",
		Slug: "closed", Type: survey.CollectorPublic, Status: survey.CollectorClosed,
	})

	w, body := f.do(t, "POST", "/runtime/start?slug=closed", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, respond.ReasonCollectorClosed, body["reason"])
}

func TestSubmitValidationIs400(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, body := f.do(t, "POST", "/runtime/"+sid+"/answers", `{"pageId":"p1","answers":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotEmpty(t, body["violations"])
}

func TestSubmitAdvancesAndCompletes(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, body := f.do(t, "POST", "/runtime/"+sid+"/answers",
		`{"pageId":"p1","answers":[{"questionId":"q1","textValue":"x"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	next := body["next"].(map[string]any)
	require.Equal(t, "p2", next["pageId"])

	w, body = f.do(t, "POST", "/runtime/"+sid+"/answers",
		`{"pageId":"p2","answers":[{"questionId":"q2","textValue":"y"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["complete"])
}

func TestSubmitOverquotaIs403(t *testing.T) {
	f := newFixture(t)
	f.surveys.PutSurvey(&survey.Survey{
		TenantID: "t1", ID: "s1", Version: 1, Status: survey.StatusPublished,
		Pages: []survey.Page{
			{ID: "p1", Index: 0, Questions: []survey.Question{{
				ID: "q1", PageID: "p1", VariableName: "Q1", Type: survey.TypeSingleChoice,
				Options: []survey.Option{{Value: "A", Index: 0}},
			}}},
		},
	})
	f.surveys.PutCollector(survey.Collector{
		ID: "col-1", TenantID: "t1", SurveyID: "s1",
		Slug: "take-survey", Type: survey.CollectorPublic, Status: survey.CollectorOpen,
	})
	f.quotaStore.PutPlan(quota.Plan{
		ID: "plan-1", TenantID: "t1", SurveyID: "s1", State: quota.PlanOpen,
		Buckets: []quota.Bucket{{
			ID: "b-a", PlanID: "plan-1", TargetN: 1, FilledN: 1,
			QuestionID: "q1", OptionValue: "A",
		}},
	})
	sid := f.start(t)

	w, body := f.do(t, "POST", "/runtime/"+sid+"/answers",
		`{"pageId":"p1","answers":[{"questionId":"q1","choices":["A"]}]}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, respond.ReasonQuotaFull, body["reason"])
}

func TestLayoutRequiresActiveSession(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, body := f.do(t, "GET", "/runtime/"+sid+"/pages/p1/layout", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := body["page"].(map[string]any)
	require.Equal(t, "p1", page["pageId"])

	w, _ = f.do(t, "GET", "/runtime/unknown/pages/p1/layout", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTerminateThenStatus(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, _ := f.do(t, "POST", "/runtime/"+sid+"/terminate", `{"reason":"changed_my_mind"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w, body := f.do(t, "GET", "/runtime/"+sid+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(respond.StatusTerminated), body["status"])

	// A finished session is no longer active.
	w, _ = f.do(t, "POST", "/runtime/"+sid+"/answers", `{"pageId":"p1","answers":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompleteReturnsPostSurveySettings(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, body := f.do(t, "POST", "/runtime/"+sid+"/complete", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["success"])
	require.Contains(t, body, "postSurveySettings")
}

func TestResumeReturnsCurrentPageAndProgress(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, body := f.do(t, "POST", "/runtime/"+sid+"/answers",
		`{"pageId":"p1","answers":[{"questionId":"q1","textValue":"x"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = f.do(t, "GET", "/runtime/"+sid+"/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sid, body["sessionId"])
	require.Equal(t, "p2", body["currentPageId"])
	require.Contains(t, body, "pageData")

	progress := body["progressData"].(map[string]any)
	require.Equal(t, []any{"p1", "p2"}, progress["pageHistory"])
	require.Equal(t, "p1", progress["lastSubmittedPageId"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMalformedBodyIs400(t *testing.T) {
	f := newFixture(t)
	f.seedSurvey()
	sid := f.start(t)

	w, _ := f.do(t, "POST", fmt.Sprintf("/runtime/%s/answers", sid), `{"pageId":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
