package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanoform/engine"
	"github.com/micromdm/nanoform/engine/storage/inmem"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T) *client {
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, engine.New(inmem.New()), HeaderIdentity)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

// do makes a request as user (if set) and decodes a JSON response into out (if set).
func (c *client) do(method, path, user, body string, out interface{}, headers ...string) int {
	c.t.Helper()
	req, err := http.NewRequest(method, c.srv.URL+path, strings.NewReader(body))
	if err != nil {
		c.t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserPermissions, "admin, forms:edit")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("%s %s: decoding: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
}

const testForm = `{
	"title": "Request",
	"status": "published",
	"fields": [
		{"key": "name", "label": "Name", "type": "text", "sort_order": 1},
		{"key": "color", "label": "Color", "type": "option", "sort_order": 2,
		 "options": [{"value": "blue", "label": "Blue"}]}
	]
}`

func TestHeaderIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if HeaderIdentity(r) != nil {
		t.Error("identity without user header")
	}
	r.Header.Set(HeaderUserID, "u1")
	r.Header.Set(HeaderUserPermissions, " admin ,, forms:edit")
	r.Header.Set(HeaderUserEmail, "u1@example.com")
	id := HeaderIdentity(r)
	if have, want := id.UserID, "u1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := strings.Join(id.Permissions, "|"), "admin|forms:edit"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := id.Profile["email"], "u1@example.com"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestFormFlow(t *testing.T) {
	c := newClient(t)

	f := new(form.Form)
	if have, want := c.do("PUT", "/v1/form/req", "", testForm, f), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if f.ID == "" || f.Key != "req" || len(f.Fields) != 2 {
		t.Fatalf("stored form: %+v", f)
	}
	var nameID string
	for _, field := range f.Fields {
		if field.Key == "name" {
			nameID = field.ID
		}
	}

	eb := new(errorBody)
	if have, want := c.do("GET", "/v1/form/missing", "", "", eb), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := eb.Error, "Form not found"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// not anonymous: a user and a grant are required
	if have, want := c.do("POST", "/v1/form/req/session", "", "", nil), http.StatusUnauthorized; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := c.do("POST", "/v1/form/req/session", "u1", "", nil), http.StatusForbidden; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := c.do("PUT", "/v1/form/req/access/u1", "", "", nil), http.StatusNoContent; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	sess := new(form.Session)
	if have, want := c.do("POST", "/v1/form/req/session?mode=fill", "u1", "", sess), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	draft := `{"form_id": "` + f.ID + `", "current_step": 2, "values": [{"field_id": "` + nameID + `", "value": "Ann"}]}`
	saved := new(struct {
		ResponseID string `json:"response_id"`
	})
	if have, want := c.do("PUT", "/v1/session/"+sess.Token+"/draft", "u1", draft, saved), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if saved.ResponseID == "" {
		t.Error("no response id")
	}

	if have, want := c.do("PUT", "/v1/session/"+sess.Token+"/draft", "u1", `{"values": [`, nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	eb = new(errorBody)
	if have, want := c.do("PUT", "/v1/session/"+sess.Token+"/draft", "u1", `{}`, eb), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if len(eb.Problems) != 1 {
		t.Errorf("problems: %v", eb.Problems)
	}

	res := new(engine.SubmitResult)
	submit := `{"session_token": "` + sess.Token + `"}`
	if have, want := c.do("POST", "/v1/form/req/submit", "u1", submit, res), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if res.ResponseID != saved.ResponseID || !res.SessionCompleted {
		t.Errorf("submit result: %+v", res)
	}

	deleted := new(struct {
		Deactivated bool `json:"deactivated"`
	})
	if have, want := c.do("DELETE", "/v1/form/req/field/"+nameID, "", "", deleted), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if !deleted.Deactivated {
		t.Error("field with values not deactivated")
	}
}

func TestOptionJobCallback(t *testing.T) {
	c := newClient(t)
	f := new(form.Form)
	if have, want := c.do("PUT", "/v1/form/req", "", testForm, f), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	var colorID string
	for _, field := range f.Fields {
		if field.Key == "color" {
			colorID = field.ID
		}
	}

	job := new(struct {
		JobID         string `json:"job_id"`
		CallbackToken string `json:"callback_token"`
	})
	if have, want := c.do("POST", "/v1/form/req/field/"+colorID+"/optionjob", "", "", job), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	body := `{"formKey": "req", "fieldId": "` + colorID + `", "options": [{"value": "green", "label": "Green"}]}`
	if have, want := c.do("POST", "/v1/optionjobs/callback", "", body, nil, HeaderJobID, job.JobID, HeaderCallbackToken, "wrong"), http.StatusForbidden; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := c.do("POST", "/v1/optionjobs/callback", "", body, nil, HeaderJobID, job.JobID, HeaderCallbackToken, job.CallbackToken), http.StatusNoContent; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := c.do("POST", "/v1/optionjobs/callback", "", body, nil, HeaderJobID, job.JobID, HeaderCallbackToken, job.CallbackToken), http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	stored := new(form.Form)
	c.do("GET", "/v1/form/req", "", "", stored)
	for _, field := range stored.Fields {
		if field.ID == colorID && (len(field.Options) != 1 || field.Options[0].Value != "green") {
			t.Errorf("options: %+v", field.Options)
		}
	}
}

func TestRunFlow(t *testing.T) {
	c := newClient(t)
	f := new(form.Form)
	if have, want := c.do("PUT", "/v1/form/req", "", testForm, f), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	wfBody := `{"name": "Onboarding", "status": "active", "rules": [
		{"form_id": "` + f.ID + `", "required": true, "allow_multiple": true, "sort_order": 1}
	]}`
	wf := new(workflow.Workflow)
	if have, want := c.do("PUT", "/v1/workflow/onboard", "", wfBody, wf), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	if have, want := c.do("POST", "/v1/workflow/onboard/run", "", `{"display_name": "R"}`, nil), http.StatusUnauthorized; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	eb := new(errorBody)
	if have, want := c.do("POST", "/v1/workflow/onboard/run", "admin", `{}`, eb), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := eb.Error, "Display name is required"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	created := new(runResponse)
	if have, want := c.do("POST", "/v1/workflow/onboard/run", "admin", `{"display_name": "Run1"}`, created), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(created.Items), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	runID, itemID := created.Run.ID, created.Items[0].ID

	start := new(engine.ItemStart)
	if have, want := c.do("POST", "/v1/item/"+itemID+"/start", "u1", "", start), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if start.Session == nil || start.Session.WorkflowItemID != itemID {
		t.Errorf("start: %+v", start)
	}

	eb = new(errorBody)
	if have, want := c.do("POST", "/v1/item/"+itemID+"/skip", "u1", `{"reason": " "}`, eb), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := eb.Error, "Skip reason is required"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := c.do("POST", "/v1/run/"+runID+"/item", "", `{"assigned_user_id": "u2"}`, nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	item := new(workflow.Item)
	addBody := `{"workflow_form_id": "` + wf.Rules[0].ID + `", "assigned_user_id": "u2"}`
	if have, want := c.do("POST", "/v1/run/"+runID+"/item", "", addBody, item), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := item.SequenceNum, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := c.do("POST", "/v1/run/"+runID+"/cancel", "admin", `{"reason": "dup"}`, nil), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	eb = new(errorBody)
	if have, want := c.do("POST", "/v1/item/"+itemID+"/start", "u1", "", eb), http.StatusConflict; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := eb.Error, "Workflow run is cancelled"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	got := new(runResponse)
	if have, want := c.do("GET", "/v1/run/"+runID, "", "", got), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := got.Run.Status, workflow.RunCancelled; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(got.Items), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
