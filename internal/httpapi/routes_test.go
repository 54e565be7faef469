package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anfivewer/an5wer-sub001/internal/collections"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := newTestStore(t)
	registry := prometheus.NewRegistry()
	server := NewServer(store, quietLogger(), registry)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)
	return httpServer
}

func newTestStore(t *testing.T) *collections.Store {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.OpenSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := engine.Init(t.Context()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	store, err := collections.Open(t.Context(), engine, collections.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postJSON(t *testing.T, url string, body any, target any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func createCollection(t *testing.T, baseURL string, body map[string]any) {
	t.Helper()
	if status := postJSON(t, baseURL+"/collections/create", body, nil); status != http.StatusOK {
		t.Fatalf("create collection %v: status %d", body["name"], status)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "events"})

	var put struct {
		GenerationID string `json:"generationId"`
	}
	status := postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "events",
		"items":      []map[string]any{{"key": map[string]string{"value": "k1"}, "value": map[string]string{"value": "v1"}}},
	}, &put)
	if status != http.StatusOK || put.GenerationID != "1" {
		t.Fatalf("put: status %d generation %q", status, put.GenerationID)
	}

	var page pageJSON
	if status := postJSON(t, server.URL+"/query", map[string]any{"collection": "events"}, &page); status != http.StatusOK {
		t.Fatalf("query status: %d", status)
	}
	if page.GenerationID != "1" || len(page.Items) != 1 {
		t.Fatalf("query page: %+v", page)
	}
	item := page.Items[0]
	if item.Key.Value != "k1" || item.Value == nil || item.Value.Value != "v1" || item.GenerationID != "1" {
		t.Fatalf("item: %+v", item)
	}

	status = postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "events",
		"items":      []map[string]any{{"key": map[string]string{"value": "k1"}, "value": nil}},
	}, &put)
	if status != http.StatusOK || put.GenerationID != "2" {
		t.Fatalf("delete put: status %d generation %q", status, put.GenerationID)
	}

	postJSON(t, server.URL+"/query", map[string]any{"collection": "events"}, &page)
	if len(page.Items) != 0 {
		t.Fatalf("tombstones must not appear in a snapshot: %+v", page.Items)
	}

	postJSON(t, server.URL+"/query", map[string]any{"collection": "events", "sinceGenerationId": "1"}, &page)
	if len(page.Items) != 1 || page.Items[0].Value != nil {
		t.Fatalf("diff should carry the tombstone: %+v", page.Items)
	}
}

func TestBase64Encoding(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "bin"})

	status := postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "bin",
		"items": []map[string]any{{
			"key":   map[string]string{"encoding": "base64", "value": "azE="},
			"value": map[string]string{"encoding": "utf8", "value": "v1"},
		}},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("put status: %d", status)
	}

	var page pageJSON
	postJSON(t, server.URL+"/query", map[string]any{"collection": "bin", "valueEncoding": "base64"}, &page)
	if len(page.Items) != 1 {
		t.Fatalf("items: %+v", page.Items)
	}
	if page.Items[0].Key.Encoding != "base64" || page.Items[0].Key.Value != "azE=" {
		t.Fatalf("key: %+v", page.Items[0].Key)
	}
	if page.Items[0].Value.Value != "djE=" {
		t.Fatalf("value: %+v", page.Items[0].Value)
	}

	var errResp errorResponse
	status = postJSON(t, server.URL+"/query", map[string]any{"collection": "bin", "valueEncoding": "hex"}, &errResp)
	if status != http.StatusBadRequest || errResp.Type != "InvalidEncodingError" {
		t.Fatalf("bad encoding: %d %+v", status, errResp)
	}
	status = postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "bin",
		"items":      []map[string]any{{"key": map[string]string{"encoding": "base64", "value": "!!"}}},
	}, &errResp)
	if status != http.StatusBadRequest || errResp.Type != "InvalidEncodingError" {
		t.Fatalf("bad base64: %d %+v", status, errResp)
	}
}

func TestErrorStatuses(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "m", "isManual": true, "generationId": "10"})

	var errResp errorResponse
	status := getJSON(t, server.URL+"/collections/get?name=missing", &errResp)
	if status != http.StatusNotFound || errResp.Type != "NoSuchCollectionError" {
		t.Fatalf("missing collection: %d %+v", status, errResp)
	}

	status = postJSON(t, server.URL+"/collections/create", map[string]any{"name": "m"}, &errResp)
	if status != http.StatusConflict || errResp.Type != "CollectionAlreadyExistsError" {
		t.Fatalf("duplicate: %d %+v", status, errResp)
	}

	status = postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "m",
		"items":      []map[string]any{{"key": map[string]string{"value": "k"}}},
	}, &errResp)
	if status != http.StatusConflict || errResp.Type != "CannotPutInManualCollectionError" {
		t.Fatalf("put without open generation: %d %+v", status, errResp)
	}

	status = postJSON(t, server.URL+"/query/cursor", map[string]any{"cursorId": "nope"}, &errResp)
	if status != http.StatusNotFound || errResp.Type != "NoSuchCursorError" {
		t.Fatalf("missing cursor: %d %+v", status, errResp)
	}

	status = postJSON(t, server.URL+"/collections/create", map[string]any{"name": "x", "bogus": 1}, &errResp)
	if status != http.StatusBadRequest || errResp.Type != "InvalidArgumentError" {
		t.Fatalf("unknown field: %d %+v", status, errResp)
	}

	resp, err := http.Get(server.URL + "/items/put")
	if err != nil {
		t.Fatalf("get put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("method: got %d", resp.StatusCode)
	}
}

func TestManualGenerationLifecycle(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "m", "isManual": true, "generationId": "10"})

	if status := postJSON(t, server.URL+"/generations/start", map[string]any{"collection": "m", "generationId": "11"}, nil); status != http.StatusOK {
		t.Fatalf("start: %d", status)
	}
	var put struct {
		GenerationID string `json:"generationId"`
	}
	postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "m",
		"items":      []map[string]any{{"key": map[string]string{"value": "a"}, "value": map[string]string{"value": "1"}}},
	}, &put)
	if put.GenerationID != "11" {
		t.Fatalf("put generation: %q", put.GenerationID)
	}

	var c collectionJSON
	getJSON(t, server.URL+"/collections/get?name=m", &c)
	if c.NextGenerationID == nil || *c.NextGenerationID != "11" || len(c.NextGenerationKeys) != 1 || c.NextGenerationKeys[0].Value != "a" {
		t.Fatalf("open generation: %+v", c)
	}

	var page pageJSON
	postJSON(t, server.URL+"/query", map[string]any{"collection": "m"}, &page)
	if page.GenerationID != "10" || len(page.Items) != 0 {
		t.Fatalf("uncommitted items leaked: %+v", page)
	}

	if status := postJSON(t, server.URL+"/generations/commit", map[string]any{"collection": "m", "generationId": "11"}, nil); status != http.StatusOK {
		t.Fatalf("commit: %d", status)
	}
	postJSON(t, server.URL+"/query", map[string]any{"collection": "m"}, &page)
	if page.GenerationID != "11" || len(page.Items) != 1 {
		t.Fatalf("committed page: %+v", page)
	}

	var errResp errorResponse
	status := postJSON(t, server.URL+"/generations/abort", map[string]any{"collection": "m"}, &errResp)
	if status != http.StatusConflict || errResp.Type != "NextGenerationIsNotStartedError" {
		t.Fatalf("abort without open generation: %d %+v", status, errResp)
	}
}

func TestCursorPagination(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "c"})
	items := make([]map[string]any, 0, 5)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		items = append(items, map[string]any{"key": map[string]string{"value": k}, "value": map[string]string{"value": k}})
	}
	postJSON(t, server.URL+"/items/put", map[string]any{"collection": "c", "items": items}, nil)

	var page pageJSON
	postJSON(t, server.URL+"/query", map[string]any{"collection": "c", "pageSize": 2}, &page)
	var keys []string
	for {
		for _, item := range page.Items {
			keys = append(keys, item.Key.Value)
		}
		if page.CursorID == "" {
			break
		}
		if status := postJSON(t, server.URL+"/query/cursor", map[string]any{"cursorId": page.CursorID}, &page); status != http.StatusOK {
			t.Fatalf("cursor status: %d", status)
		}
	}
	if strings.Join(keys, ",") != "a,b,c,d,e" {
		t.Fatalf("keys: %v", keys)
	}

	postJSON(t, server.URL+"/query", map[string]any{"collection": "c", "pageSize": 2}, &page)
	if status := postJSON(t, server.URL+"/query/cursor/close", map[string]any{"cursorId": page.CursorID}, nil); status != http.StatusOK {
		t.Fatalf("close: %d", status)
	}
	var errResp errorResponse
	status := postJSON(t, server.URL+"/query/cursor", map[string]any{"cursorId": page.CursorID}, &errResp)
	if status != http.StatusNotFound {
		t.Fatalf("closed cursor: %d %+v", status, errResp)
	}
}

func TestStreamNDJSON(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "s"})
	items := make([]map[string]any, 0, 3)
	for _, k := range []string{"x", "y", "z"} {
		items = append(items, map[string]any{"key": map[string]string{"value": k}, "value": map[string]string{"value": k}})
	}
	postJSON(t, server.URL+"/items/put", map[string]any{"collection": "s", "items": items}, nil)

	resp, err := http.Get(server.URL + "/query/stream?collection=s&pageSize=1")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type: %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)
	var keys []string
	for scanner.Scan() {
		var page pageJSON
		if err := json.Unmarshal(scanner.Bytes(), &page); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		for _, item := range page.Items {
			keys = append(keys, item.Key.Value)
		}
	}
	if strings.Join(keys, ",") != "x,y,z" {
		t.Fatalf("streamed keys: %v", keys)
	}

	var errResp errorResponse
	if status := getJSON(t, server.URL+"/query/stream?collection=nope", &errResp); status != http.StatusNotFound {
		t.Fatalf("missing collection stream: %d", status)
	}
}

func TestReaders(t *testing.T) {
	server := newTestServer(t)
	createCollection(t, server.URL, map[string]any{"name": "src"})
	createCollection(t, server.URL, map[string]any{"name": "dst"})

	var reader readerJSON
	status := postJSON(t, server.URL+"/readers/create", map[string]any{
		"collection": "dst", "readerId": "r1", "followedCollection": "src",
	}, &reader)
	if status != http.StatusOK || reader.FollowedCollection != "src" || reader.GenerationID != nil {
		t.Fatalf("create reader: %d %+v", status, reader)
	}

	postJSON(t, server.URL+"/items/put", map[string]any{
		"collection": "src",
		"items":      []map[string]any{{"key": map[string]string{"value": "k"}, "value": map[string]string{"value": "v"}}},
	}, nil)
	status = postJSON(t, server.URL+"/readers/update", map[string]any{
		"collection": "dst", "readerId": "r1", "generationId": "1",
	}, &reader)
	if status != http.StatusOK || reader.GenerationID == nil || *reader.GenerationID != "1" {
		t.Fatalf("update reader: %d %+v", status, reader)
	}

	var errResp errorResponse
	status = postJSON(t, server.URL+"/readers/update", map[string]any{
		"collection": "dst", "readerId": "r1", "generationId": "5",
	}, &errResp)
	if status != http.StatusConflict || errResp.Type != "OutdatedGenerationError" {
		t.Fatalf("future generation: %d %+v", status, errResp)
	}

	var list struct {
		Readers []readerJSON `json:"readers"`
	}
	getJSON(t, server.URL+"/readers/list?collection=dst", &list)
	if len(list.Readers) != 1 || list.Readers[0].ReaderID != "r1" {
		t.Fatalf("list: %+v", list)
	}

	var phantom phantomJSON
	status = postJSON(t, server.URL+"/readers/probe", map[string]any{"collection": "dst", "readerId": "r2"}, &phantom)
	if status != http.StatusOK || phantom.PhantomID == "" {
		t.Fatalf("probe: %d %+v", status, phantom)
	}
	status = postJSON(t, server.URL+"/readers/confirm", map[string]any{"collection": "dst", "phantomId": phantom.PhantomID}, &reader)
	if status != http.StatusOK || reader.ReaderID != "r2" || reader.FollowedCollection != "dst" {
		t.Fatalf("confirm: %d %+v", status, reader)
	}
	status = postJSON(t, server.URL+"/readers/discard", map[string]any{"collection": "dst", "phantomId": phantom.PhantomID}, &errResp)
	if status != http.StatusNotFound || errResp.Type != "NoSuchPhantomError" {
		t.Fatalf("discard consumed phantom: %d %+v", status, errResp)
	}

	if status := postJSON(t, server.URL+"/readers/delete", map[string]any{"collection": "dst", "readerId": "r1"}, nil); status != http.StatusOK {
		t.Fatalf("delete reader: %d", status)
	}
	status = getJSON(t, server.URL+"/readers/get?collection=dst&readerId=r1", &errResp)
	if status != http.StatusNotFound || errResp.Type != "NoSuchReaderError" {
		t.Fatalf("deleted reader: %d %+v", status, errResp)
	}
}

func TestDumpRestoreOverHTTP(t *testing.T) {
	source := newTestServer(t)
	createCollection(t, source.URL, map[string]any{"name": "d"})
	postJSON(t, source.URL+"/items/put", map[string]any{
		"collection": "d",
		"items":      []map[string]any{{"key": map[string]string{"value": "k"}, "value": map[string]string{"value": "v"}}},
	}, nil)

	resp, err := http.Get(source.URL + "/dump")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	dump, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !bytes.HasPrefix(dump, []byte(`{"type":"header"`)) {
		t.Fatalf("dump should start with a header: %s", dump)
	}

	target := newTestServer(t)
	resp, err = http.Post(target.URL+"/restore", "application/x-ndjson", bytes.NewReader(dump))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status: %d", resp.StatusCode)
	}

	var page pageJSON
	postJSON(t, target.URL+"/query", map[string]any{"collection": "d"}, &page)
	if page.GenerationID != "1" || len(page.Items) != 1 || page.Items[0].Value.Value != "v" {
		t.Fatalf("restored page: %+v", page)
	}

	var errResp errorResponse
	resp, err = http.Post(target.URL+"/restore", "application/x-ndjson", strings.NewReader("not json\n"))
	if err != nil {
		t.Fatalf("restore garbage: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage restore: %d %+v", resp.StatusCode, errResp)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	server := newTestServer(t)

	var health struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}
	if status := getJSON(t, server.URL+"/healthz", &health); status != http.StatusOK {
		t.Fatalf("healthz status: %d", status)
	}
	if health.Status != "ok" || health.Time == "" {
		t.Fatalf("healthz payload: %+v", health)
	}

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status: %d", resp.StatusCode)
	}
}
