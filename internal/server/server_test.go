package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"obcatalog/internal/db"
	"obcatalog/internal/domain"
	"obcatalog/internal/events"
	"obcatalog/internal/migrate"
	"obcatalog/internal/repo"
)

const (
	testSecret = "test-secret"
	testAPIKey = "obc_test_key"
)

type testServer struct {
	*httptest.Server
	repo repo.Repo
	task domain.Task
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	task := seedCatalog(t, r)
	if err := r.InsertAPIKey(context.Background(), domain.APIKey{ID: "k1", Name: "pipeline", KeyHash: repo.HashAPIKey(testAPIKey)}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	handler, err := New(Config{Repo: r, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, repo: r, task: task}
}

func seedCatalog(t *testing.T, r repo.Repo) domain.Task {
	t.Helper()
	ctx := context.Background()
	uow, err := r.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_, err = uow.FindInstrument(ctx, "TEST1")
	must(err)
	_, err = uow.CreateObservingBlock(ctx, domain.ObservingBlock{ID: "night", Instrument: "TEST1", Mode: "SEQ"})
	must(err)
	parent := "night"
	_, err = uow.CreateObservingBlock(ctx, domain.ObservingBlock{ID: "ob1", Instrument: "TEST1", Mode: "BIAS", ParentID: &parent})
	must(err)
	_, err = uow.CreateFrame(ctx, domain.Frame{Name: "r0001.fits", OBID: "ob1", ExposureTime: 0})
	must(err)
	must(uow.ObservingBlockFacts("ob1").Set(ctx, "exposure_time", 0.0))
	task, err := uow.CreateTask(ctx, "ob1")
	must(err)
	res, err := uow.CreateReductionResult(ctx, domain.ReductionResult{
		Instrument: "TEST1", Pipeline: "default", Mode: "BIAS", Recipe: "bias_image",
		TaskID: task.ID, OBID: "ob1", QC: domain.QCGood,
		Values: []domain.ReductionResultValue{{Name: "master_bias", Datatype: "MasterBias", Path: "master_bias.fits"}},
	})
	must(err)
	p, err := uow.CreateDataProduct(ctx, domain.DataProduct{
		Instrument: "TEST1", Datatype: "MasterBias", TaskID: task.ID, ResultID: res.ID,
		UUID: "9f1c-bias", QC: domain.QCGood, Path: "task_x/results/master_bias.fits",
	})
	must(err)
	must(uow.ProductFacts(p.ID).SetAll(ctx, map[string]any{
		"uuid":            "9f1c-bias",
		"quality_control": "GOOD",
		"ccd_temp":        -120.5,
		"nsigma":          3,
	}))
	must(events.Writer{}.Append(ctx, uow.Tx(), events.TypeOBIngested, "ob", "night", events.EventPayload{"blocks": 2}))
	must(events.Writer{}.Append(ctx, uow.Tx(), events.TypeResultRecorded, "task", task.ID, events.EventPayload{"products": 1}))
	must(uow.Commit())
	return task
}

func (s *testServer) get(t *testing.T, path string, headers map[string]string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && res.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v: %s", path, err, data)
		}
	}
	return res.StatusCode
}

var apiKey = map[string]string{"X-Api-Key": testAPIKey}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	if status := srv.get(t, "/v0/health", nil, &body); status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	if status := srv.get(t, "/v0/products", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", status)
	}
	if status := srv.get(t, "/v0/products", map[string]string{"X-Api-Key": "wrong"}, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", status)
	}
	if status := srv.get(t, "/v0/products", map[string]string{"Authorization": "Bearer nope"}, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", status)
	}

	var me MeResponse
	if status := srv.get(t, "/v0/me", apiKey, &me); status != http.StatusOK {
		t.Fatalf("me with api key: %d", status)
	}
	if me.Subject != "pipeline" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	token, err := SignToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if status := srv.get(t, "/v0/me", map[string]string{"Authorization": "Bearer " + token}, &me); status != http.StatusOK {
		t.Fatalf("me with jwt: %d", status)
	}
	if me.Subject != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	other, err := SignToken("other-secret", "mallory", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if status := srv.get(t, "/v0/me", map[string]string{"Authorization": "Bearer " + other}, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for token signed with another secret, got %d", status)
	}
}

func TestProductQueries(t *testing.T) {
	srv := newTestServer(t)

	var found []domain.DataProduct
	if status := srv.get(t, "/v0/products/search?key=uuid&value=9f1c-bias", apiKey, &found); status != http.StatusOK {
		t.Fatalf("search status %d", status)
	}
	if len(found) != 1 || found[0].UUID != "9f1c-bias" {
		t.Fatalf("unexpected search result %+v", found)
	}

	if status := srv.get(t, "/v0/products/search?key=nsigma&value=3&type=int", apiKey, &found); status != http.StatusOK {
		t.Fatalf("search int status %d", status)
	}
	if len(found) != 1 {
		t.Fatalf("expected int fact match, got %+v", found)
	}
	// a float 3 is not the int 3
	if status := srv.get(t, "/v0/products/search?key=nsigma&value=3&type=float", apiKey, &found); status != http.StatusOK {
		t.Fatalf("search float status %d", status)
	}
	if len(found) != 0 {
		t.Fatalf("expected no match across types, got %+v", found)
	}
	if status := srv.get(t, "/v0/products/search?key=nsigma&value=abc&type=int", apiKey, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unparsable value, got %d", status)
	}

	var product ProductResponse
	if status := srv.get(t, "/v0/products/9f1c-bias", apiKey, &product); status != http.StatusOK {
		t.Fatalf("get product status %d", status)
	}
	if product.Product.QC != domain.QCGood || product.Product.Datatype != "MasterBias" {
		t.Fatalf("unexpected product %+v", product.Product)
	}
	if f := product.Facts["ccd_temp"]; f.Type != "float" || f.Value != -120.5 {
		t.Fatalf("unexpected ccd_temp fact %+v", f)
	}
	if f := product.Facts["quality_control"]; f.Type != "string" || f.Value != "GOOD" {
		t.Fatalf("unexpected quality_control fact %+v", f)
	}
	if status := srv.get(t, "/v0/products/missing", apiKey, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	var list []domain.DataProduct
	if status := srv.get(t, "/v0/products?instrument=TEST1&datatype=MasterBias", apiKey, &list); status != http.StatusOK {
		t.Fatalf("list status %d", status)
	}
	if len(list) != 1 {
		t.Fatalf("expected one product, got %d", len(list))
	}
}

func TestObservingBlockAndResultQueries(t *testing.T) {
	srv := newTestServer(t)

	var root ObservingBlockResponse
	if status := srv.get(t, "/v0/obs/night", apiKey, &root); status != http.StatusOK {
		t.Fatalf("get root status %d", status)
	}
	if len(root.Children) != 1 || root.Children[0] != "ob1" || len(root.Frames) != 0 {
		t.Fatalf("unexpected root %+v", root)
	}

	var leaf ObservingBlockResponse
	if status := srv.get(t, "/v0/obs/ob1", apiKey, &leaf); status != http.StatusOK {
		t.Fatalf("get leaf status %d", status)
	}
	if leaf.Block.ParentID == nil || *leaf.Block.ParentID != "night" {
		t.Fatalf("unexpected parent %+v", leaf.Block)
	}
	if len(leaf.Frames) != 1 || leaf.Frames[0].Name != "r0001.fits" {
		t.Fatalf("unexpected frames %+v", leaf.Frames)
	}
	if f := leaf.Facts["exposure_time"]; f.Type != "float" {
		t.Fatalf("unexpected exposure_time fact %+v", f)
	}

	var roots []domain.ObservingBlock
	if status := srv.get(t, "/v0/obs?roots=true", apiKey, &roots); status != http.StatusOK {
		t.Fatalf("list roots status %d", status)
	}
	if len(roots) != 1 || roots[0].ID != "night" {
		t.Fatalf("unexpected roots %+v", roots)
	}

	var result ResultResponse
	if status := srv.get(t, "/v0/tasks/"+srv.task.ID+"/result", apiKey, &result); status != http.StatusOK {
		t.Fatalf("get result status %d", status)
	}
	if result.Result.Recipe != "bias_image" || len(result.Result.Values) != 1 || len(result.Products) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if status := srv.get(t, "/v0/tasks/unknown/result", apiKey, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status := srv.get(t, "/v0/tasks?state=bogus", apiKey, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad state, got %d", status)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	var page paginatedEvents
	if status := srv.get(t, "/v0/events?limit=1", apiKey, &page); status != http.StatusOK {
		t.Fatalf("events status %d", status)
	}
	if len(page.Items) != 1 || page.Items[0].Type != events.TypeOBIngested || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Items[0].Payload["blocks"] != float64(2) {
		t.Fatalf("unexpected payload %+v", page.Items[0].Payload)
	}
	var next paginatedEvents
	if status := srv.get(t, "/v0/events?limit=1&cursor="+page.NextCursor, apiKey, &next); status != http.StatusOK {
		t.Fatalf("events page 2 status %d", status)
	}
	if len(next.Items) != 1 || next.Items[0].Type != events.TypeResultRecorded || next.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", next)
	}
	if status := srv.get(t, "/v0/events?cursor=x", apiKey, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", status)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err == nil && res.StatusCode != http.StatusOK {
				err = fmt.Errorf("status %d", res.StatusCode)
			}
			bodies[i], errs[i] = string(data), err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if bodies[i] != bodies[0] {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(bodies[0]), &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("openapi document has no paths")
	}
}
