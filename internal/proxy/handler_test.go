package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/atomic"

	"github.com/hylde/hylde/internal/backend"
	"github.com/hylde/hylde/internal/cache"
	"github.com/hylde/hylde/internal/fetch"
	"github.com/hylde/hylde/internal/logging"
	"github.com/hylde/hylde/internal/normalize"
	"github.com/hylde/hylde/internal/server"
	"github.com/hylde/hylde/internal/urlkey"
)

const fileURL = "https://media.example.com/clips/cat.mp4"

func TestDecide(t *testing.T) {
	ready := cache.Entry{State: cache.StateReady, Path: "k/f"}
	cases := []struct {
		name     string
		inFlight bool
		entry    cache.Entry
		exists   bool
		want     decision
	}{
		{"in flight wins over ready", true, ready, true, decisionRetryInFlight},
		{"in flight wins over failed", true, cache.Entry{State: cache.StateFailed}, false, decisionRetryInFlight},
		{"absent launches", false, cache.Absent("k"), false, decisionLaunch},
		{"failed", false, cache.Entry{State: cache.StateFailed}, false, decisionFailed},
		{"ready with file", false, ready, true, decisionServe},
		{"ready without file", false, ready, false, decisionHealMissing},
	}
	for _, tc := range cases {
		if got := decide(tc.inFlight, tc.entry, tc.exists); got != tc.want {
			t.Fatalf("%s: expected %s got %s", tc.name, tc.want, got)
		}
	}
}

func TestSingleFileLifecycle(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	src := writeWorkFile(t, "cat.mp4", "meow")
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		<-release
		return backend.Files(src), nil
	}))

	resp := env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After=2, got %q", resp.Header.Get("Retry-After"))
	}
	_, key, _ := urlkey.Parse(fileURL)
	if resp.Header.Get("X-Hylde-Key") != key {
		t.Fatalf("expected key header %s, got %s", key, resp.Header.Get("X-Hylde-Key"))
	}

	// 下载进行中，重复请求不会触发新的下载。
	for i := 0; i < 3; i++ {
		assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	}

	close(release)
	env.orch.Wait()

	resp = env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "meow" {
		t.Fatalf("unexpected body %q", body)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "cat.mp4") {
		t.Fatalf("expected attachment name, got %q", resp.Header.Get("Content-Disposition"))
	}
	if resp.Header.Get("X-Hylde-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit header")
	}

	// 就绪后重复请求保持 200 且不再调用后端。
	assertStatus(t, env.get(t, fileURL), fiber.StatusOK)
	if calls.Load() != 1 {
		t.Fatalf("backend should run once, got %d", calls.Load())
	}
}

func TestEquivalentURLsShareKey(t *testing.T) {
	var calls atomic.Int32
	src := writeWorkFile(t, "a.bin", "x")
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		return backend.Files(src), nil
	}))

	assertStatus(t, env.get(t, "HTTPS://Media.Example.com:443/clips/cat.mp4#t=1"), fiber.StatusTooManyRequests)
	env.orch.Wait()
	assertStatus(t, env.get(t, fileURL), fiber.StatusOK)
	if calls.Load() != 1 {
		t.Fatalf("equivalent URLs should share one download, got %d", calls.Load())
	}
}

func TestMultiFileResultServesArchive(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFileAt(t, filepath.Join(dir, "set", "1.jpg"), "one"),
		writeFileAt(t, filepath.Join(dir, "set", "2.jpg"), "two"),
	}
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		return backend.Files(files...), nil
	}))

	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	env.orch.Wait()

	resp := env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusOK)
	_, key, _ := urlkey.Parse(fileURL)
	if !strings.Contains(resp.Header.Get("Content-Disposition"), key+".zip") {
		t.Fatalf("expected zip attachment, got %q", resp.Header.Get("Content-Disposition"))
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) < 4 || string(body[:2]) != "PK" {
		t.Fatalf("expected zip payload")
	}
}

func TestConcurrentRequestsLaunchSingleFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	src := writeWorkFile(t, "cat.mp4", "meow")
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		<-release
		return backend.Files(src), nil
	}))

	const callers = 16
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		statuses = make(chan int, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req := httptest.NewRequest(http.MethodGet, "/file?url="+url.QueryEscape(fileURL), nil)
			resp, err := env.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
			if err != nil {
				statuses <- -1
				return
			}
			statuses <- resp.StatusCode
		}()
	}
	close(start)
	wg.Wait()
	close(statuses)

	for status := range statuses {
		if status != fiber.StatusTooManyRequests {
			t.Fatalf("every concurrent caller should get 429, got %d", status)
		}
	}
	close(release)
	env.orch.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one fetch, got %d", calls.Load())
	}
	assertStatus(t, env.get(t, fileURL), fiber.StatusOK)
}

func TestRequestsDuringFetchDoNotTouchIndex(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		close(entered)
		<-release
		return backend.Failure(), nil
	}))

	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	<-entered
	// 索引已关闭：若处理器在下载期间读取索引会得到 500。
	if err := env.store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	resp := env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", resp.Header.Get("Retry-After"))
	}
	close(release)
}

func TestFailureIsSticky(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		return backend.Failure(), nil
	}))

	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	env.orch.Wait()

	for i := 0; i < 3; i++ {
		resp := env.get(t, fileURL)
		assertStatus(t, resp, fiber.StatusInternalServerError)
		assertErrorCode(t, resp, "download_failed")
	}
	if calls.Load() != 1 {
		t.Fatalf("failed entries must not trigger new downloads, got %d", calls.Load())
	}
}

func TestEmptyResultRetriesOnNextRequest(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		return backend.Empty(), nil
	}))

	for i := 0; i < 2; i++ {
		assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
		env.orch.Wait()
	}
	if calls.Load() != 2 {
		t.Fatalf("empty results should be retried, got %d calls", calls.Load())
	}
}

func TestMissingArtifactSelfHeals(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		return backend.Failure(), nil
	}))
	_, key, _ := urlkey.Parse(fileURL)
	if err := env.store.Set(context.Background(), cache.Entry{Key: key, State: cache.StateReady, Path: key + "/gone.mp4"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusServiceUnavailable)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("503 should carry Retry-After")
	}
	entry, err := env.store.Get(context.Background(), key)
	if err != nil || entry.State != cache.StateAbsent {
		t.Fatalf("entry should be deleted, got %+v err=%v", entry, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("self-heal must not launch a download in the same request")
	}

	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	env.orch.Wait()
	if calls.Load() != 1 {
		t.Fatalf("next request should launch a download")
	}
}

func TestInvalidURLReturns400(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, raw := range []string{"", "not a url", "/relative/path", "mailto:someone"} {
		resp := env.get(t, raw)
		assertStatus(t, resp, fiber.StatusBadRequest)
		assertErrorCode(t, resp, "invalid_url")
	}
}

func TestUnmatchedURLReturns422(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusUnprocessableEntity)
	assertErrorCode(t, resp, "backend_unmatched")

	_, key, _ := urlkey.Parse(fileURL)
	if env.orch.Active(key) {
		t.Fatalf("unmatched URL must not be admitted")
	}
}

func TestStoreErrorReturns500(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	resp := env.get(t, fileURL)
	assertStatus(t, resp, fiber.StatusInternalServerError)
	assertErrorCode(t, resp, "cache_unavailable")
}

func TestDeleteInvalidatesEntry(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		calls.Inc()
		<-release
		return backend.Failure(), nil
	}))

	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	resp := env.do(t, http.MethodDelete, fileURL)
	assertStatus(t, resp, fiber.StatusConflict)
	assertErrorCode(t, resp, "in_flight")

	close(release)
	env.orch.Wait()
	assertStatus(t, env.get(t, fileURL), fiber.StatusInternalServerError)

	assertStatus(t, env.do(t, http.MethodDelete, fileURL), fiber.StatusNoContent)
	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	env.orch.Wait()
	if calls.Load() != 2 {
		t.Fatalf("invalidation should allow a new download, got %d", calls.Load())
	}
}

func TestHeadReturnsHeadersOnly(t *testing.T) {
	src := writeWorkFile(t, "doc.pdf", "pdfdata")
	env := newTestEnv(t, backend.Func(func(ctx context.Context, u, key string) (backend.Result, error) {
		return backend.Files(src), nil
	}))
	assertStatus(t, env.get(t, fileURL), fiber.StatusTooManyRequests)
	env.orch.Wait()

	resp := env.do(t, http.MethodHead, fileURL)
	assertStatus(t, resp, fiber.StatusOK)
	if resp.ContentLength != 7 {
		t.Fatalf("expected content length 7, got %d", resp.ContentLength)
	}
}

type testEnv struct {
	app   *fiber.App
	store cache.Store
	orch  *fetch.Orchestrator
}

func (e *testEnv) get(t *testing.T, raw string) *http.Response {
	return e.do(t, http.MethodGet, raw)
}

func (e *testEnv) do(t *testing.T, method, raw string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "/file?url="+url.QueryEscape(raw), nil)
	resp, err := e.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

type stubResolver struct {
	b backend.Backend
}

func (s stubResolver) Resolve(string) (backend.Match, error) {
	if s.b == nil {
		return backend.Match{}, backend.ErrNoRoute
	}
	return backend.Match{Name: "stub", Pattern: ".*", Backend: s.b}, nil
}

func newTestEnv(t *testing.T, b backend.Backend) *testEnv {
	t.Helper()
	logger := logging.Discard()

	store, err := cache.NewStore(cache.Options{Root: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	orch, err := fetch.New(fetch.Options{
		Store:      store,
		Resolver:   stubResolver{b: b},
		Normalizer: normalize.New(store.Root(), logger),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	t.Cleanup(orch.Wait)

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Files:  NewHandler(store, orch, logger, 2*time.Second),
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &testEnv{app: app, store: store, orch: orch}
}

func writeWorkFile(t *testing.T, name, content string) string {
	t.Helper()
	return writeFileAt(t, filepath.Join(t.TempDir(), name), content)
}

func writeFileAt(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d (body=%s)", want, resp.StatusCode, body)
	}
}

func assertErrorCode(t *testing.T, resp *http.Response, code string) {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %q", code, payload["error"])
	}
}
