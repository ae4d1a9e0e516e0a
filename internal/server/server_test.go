package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"caseline/internal/agents"
	"caseline/internal/blob"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/docs"
	"caseline/internal/migrate"
	"caseline/internal/orchestrator"
	"caseline/internal/reasoning"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func testScript() *reasoning.Script {
	s := reasoning.NewScript()
	s.On(docs.TagSuggest, reasoning.Response{Completion: `[
		{"label": "Contract", "essential": true}
	]`})
	s.On("agent."+agents.IDPrognosis, reasoning.Response{Completion: `{
		"summary": "likely settlement",
		"scenarios": [
			{"label": "settlement", "probability": 0.7},
			{"label": "dismissal", "probability": 0.3}
		]
	}`})
	s.On("agent."+agents.IDStrategist, reasoning.Response{Completion: `{
		"summary": "viable", "next_steps": ["file motion"]
	}`})
	return s
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Analysis.Backoff = config.Duration(time.Millisecond)
	cfg.Agents.Specialties = nil
	script := testScript()
	analyzer := docs.Analyzer{Client: script, Retries: cfg.Analysis.Retries, Backoff: cfg.Analysis.Backoff.Std()}
	o := orchestrator.New(conn, cfg, agents.Catalog(cfg, script), analyzer, blob.New(workspace))
	handler, err := New(Config{Orchestrator: o, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestPetitionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/petitions", map[string]any{
		"text": "tenant seeks damages for breach of lease",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create petition status %d: %s", res.StatusCode, string(data))
	}
	var petition PetitionResponse
	if err := json.Unmarshal(data, &petition); err != nil {
		t.Fatalf("unmarshal petition: %v", err)
	}
	base := srv.URL + "/v0/petitions/" + petition.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/documents/suggest", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggest status %d: %s", res.StatusCode, string(data))
	}
	var reqs []RequirementResponse
	if err := json.Unmarshal(data, &reqs); err != nil {
		t.Fatalf("unmarshal requirements: %v", err)
	}
	if len(reqs) != 1 || !reqs[0].Essential {
		t.Fatalf("unexpected requirements: %+v", reqs)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/specialists", map[string]any{
		"agents": []string{agents.IDPrognosis, agents.IDStrategist},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select specialists status %d: %s", res.StatusCode, string(data))
	}

	// analysis before documents is an invalid state
	res, data = doJSON(t, client, http.MethodPost, base+"/analysis", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before documents, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/documents/"+reqs[0].ID, map[string]any{
		"data":       []byte("signed lease agreement"),
		"media_type": "text/plain",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var upload UploadResponse
	_ = json.Unmarshal(data, &upload)
	if upload.Status != "ready_for_analysis" {
		t.Fatalf("expected ready after essential upload, got %s", upload.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/analysis", nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start analysis status %d: %s", res.StatusCode, string(data))
	}
	var admission StartAnalysisResponse
	if err := json.Unmarshal(data, &admission); err != nil {
		t.Fatalf("unmarshal admission: %v", err)
	}
	if !admission.Started || admission.RunID == "" {
		t.Fatalf("expected started run, got %+v", admission)
	}

	// re-admission is idempotent
	res, data = doJSON(t, client, http.MethodPost, base+"/analysis", nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("second start status %d: %s", res.StatusCode, string(data))
	}
	var second StartAnalysisResponse
	_ = json.Unmarshal(data, &second)
	if second.Started || second.RunID != admission.RunID {
		t.Fatalf("expected idempotent admission, got %+v", second)
	}

	// poll until the background run settles
	deadline := time.Now().Add(10 * time.Second)
	var status StatusResponse
	for {
		res, data = doJSON(t, client, http.MethodGet, base+"/status", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status endpoint %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &status); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if status.Status == "completed" || status.Status == "partially_completed" || status.Status == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not settle, last status %s", status.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status.Status != "completed" {
		t.Fatalf("expected completed, got %+v", status)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/result", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result status %d: %s", res.StatusCode, string(data))
	}
	var result ResultResponse
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Scenarios) != 2 || result.Document == "" || result.DocumentIncomplete {
		t.Fatalf("unexpected result: %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?limit=50", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected audit events")
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/petitions/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/petitions", map[string]any{"text": "  "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d: %s", res.StatusCode, string(data))
	}
}

func TestResultBeforeTerminalIsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/petitions", map[string]any{"text": "petition"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var petition PetitionResponse
	_ = json.Unmarshal(data, &petition)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/petitions/"+petition.ID+"/result", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 not_ready, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_ready" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
}

func TestListSpecialists(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/specialists", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("specialists status %d: %s", res.StatusCode, string(data))
	}
	var specialists []SpecialistResponse
	if err := json.Unmarshal(data, &specialists); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// coordinator, prognosis, strategist with no experts configured
	if len(specialists) != 3 {
		t.Fatalf("unexpected catalog: %+v", specialists)
	}
}
