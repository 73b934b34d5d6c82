package admission

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"admission-gateway/middleware/admission/domain"
	"admission-gateway/middleware/admission/infra"
)

// recordingFacility envolve a facility real e registra a ordem dos eventos.
type recordingFacility struct {
	domain.Facility

	mu     sync.Mutex
	events []string

	panicOnExitContext bool
}

func (f *recordingFacility) log(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *recordingFacility) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *recordingFacility) Enter(ctx context.Context, resource string, typ domain.EntryType) (domain.Entry, error) {
	e, err := f.Facility.Enter(ctx, resource, typ)
	if err != nil {
		f.log("blocked:" + resource)
		return nil, err
	}
	f.log("enter:" + resource)
	return &recordingEntry{Entry: e, f: f}, nil
}

func (f *recordingFacility) ExitContext(ctx context.Context) {
	f.log("exitContext")
	if f.panicOnExitContext {
		panic("exit context failed")
	}
	f.Facility.ExitContext(ctx)
}

type recordingEntry struct {
	domain.Entry
	f *recordingFacility
}

func (e *recordingEntry) Trace(err error) {
	e.f.log("trace:" + e.Resource())
	e.Entry.Trace(err)
}

func (e *recordingEntry) Exit() {
	e.f.log("exit:" + e.Resource())
	e.Entry.Exit()
}

func (e *recordingEntry) Discard() {
	e.f.log("discard:" + e.Resource())
	e.Entry.(domain.Discarder).Discard()
}

func newFacility(t *testing.T, rules domain.Rules, stats *infra.MemoryStatsStore) *recordingFacility {
	t.Helper()
	opts := []infra.Option{infra.WithRules(rules)}
	if stats != nil {
		opts = append(opts, infra.WithStats(stats))
	}
	f, err := infra.NewFacility(opts...)
	if err != nil {
		t.Fatalf("new facility: %v", err)
	}
	return &recordingFacility{Facility: f}
}

func assertEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestMiddleware_SingleEntryLifecycle(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	f := newFacility(t, domain.Rules{}, stats)

	var seen *domain.EntryContainer
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = EntriesFrom(r, "")
		_, _ = io.WriteString(w, "ok")
	})
	h := Middleware(Options{Facility: f, ResourceFn: PathResource})(next)

	r := httptest.NewRequest(http.MethodGet, "http://example/orders", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if seen == nil || seen.URLEntry == nil || seen.URLEntry.Resource() != "/orders" {
		t.Fatalf("expected handler to see the /orders entry, got %+v", seen)
	}
	if seen.HTTPMethodEntry != nil {
		t.Fatalf("expected no method entry")
	}
	assertEvents(t, f.Events(), "enter:/orders", "exit:/orders", "exitContext")

	c := stats.ByResource()["/orders"]
	if c.Pass != 1 || c.Complete != 1 || c.Exception != 0 {
		t.Fatalf("unexpected stats %+v", c)
	}
}

func TestMiddlewareFunc_MethodEntryClosedFirstWithError(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	f := newFacility(t, domain.Rules{}, stats)
	boom := errors.New("boom")

	var handled error
	h := MiddlewareFunc(Options{
		Facility:          f,
		ResourceFn:        PathResource,
		HTTPMethodSpecify: true,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			handled = err
			http.Error(w, "failed", http.StatusBadGateway)
		},
	})(func(w http.ResponseWriter, r *http.Request) error {
		return boom
	})

	r := httptest.NewRequest(http.MethodGet, "http://example/orders", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected error handler response 502, got %d", w.Code)
	}
	if !errors.Is(handled, boom) {
		t.Fatalf("expected handler error to reach ErrorHandler, got %v", handled)
	}
	assertEvents(t, f.Events(),
		"enter:/orders", "enter:GET:/orders",
		"trace:GET:/orders", "exit:GET:/orders",
		"trace:/orders", "exit:/orders",
		"exitContext")

	if got := stats.ByResource()["GET:/orders"].Exception; got != 1 {
		t.Fatalf("expected exception on method entry, got %d", got)
	}
}

func TestMiddleware_BlockedRequestUsesDefaultHandlers(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	f := newFacility(t, domain.Rules{Flow: []domain.FlowRule{{Resource: "/orders", QPS: 0.02, Burst: 1}}}, stats)

	calls := 0
	h := Middleware(Options{Facility: f, ResourceFn: PathResource})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	// 1) primeira passa
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}

	// 2) segunda deve bloquear (burst=1 e qps bem baixo)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Fatalf("expected Retry-After header, got %q", got)
	}
	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}

	assertEvents(t, f.Events(),
		"enter:/orders", "exit:/orders", "exitContext",
		"blocked:/orders", "exitContext")
	if got := stats.BlocksByReason()[domain.ReasonFlow]; got != 1 {
		t.Fatalf("expected one flow block, got %d", got)
	}
}

func TestMiddleware_MethodEntryBlockedClosesURLEntry(t *testing.T) {
	f := newFacility(t, domain.Rules{Authority: []domain.AuthorityRule{
		{Resource: "POST:/orders", Strategy: domain.AuthorityWhite, Origins: []string{"ops"}},
	}}, nil)

	var blocked *domain.BlockError
	h := Middleware(Options{
		Facility:          f,
		ResourceFn:        PathResource,
		OriginParser:      HeaderOriginParser("X-Caller", false),
		HTTPMethodSpecify: true,
		BlockHandler: func(w http.ResponseWriter, r *http.Request, be *domain.BlockError) error {
			blocked = be
			return DefaultBlockHandler(w, r, be)
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))

	r := httptest.NewRequest(http.MethodPost, "http://example/orders", nil)
	r.Header.Set("X-Caller", "guest")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if blocked == nil || blocked.Resource != "POST:/orders" || blocked.Origin != "guest" {
		t.Fatalf("unexpected block error %+v", blocked)
	}
	assertEvents(t, f.Events(), "enter:/orders", "blocked:POST:/orders", "discard:/orders", "exitContext")
}

func TestMiddleware_RejectionWithoutBlockHandlerGoesToErrorHandler(t *testing.T) {
	f := newFacility(t, domain.Rules{Flow: []domain.FlowRule{{Resource: "/orders", QPS: 0.02, Burst: 1}}}, nil)

	var handled error
	h := Middleware(Options{
		Facility:   f,
		ResourceFn: PathResource,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusTeapot)
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	if w1.Code != http.StatusOK || handled != nil {
		t.Fatalf("expected first request to pass, got %d %v", w1.Code, handled)
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	be, ok := domain.AsBlockError(handled)
	if !ok || be.Reason != domain.ReasonFlow {
		t.Fatalf("expected ErrorHandler to receive the flow rejection, got %v", handled)
	}
	if w2.Code != http.StatusTeapot {
		t.Fatalf("expected ErrorHandler response, got %d", w2.Code)
	}
}

func TestMiddleware_MethodRejectionDoesNotCloseHalfOpenCircuit(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	f := newFacility(t, domain.Rules{
		Circuit: []domain.CircuitRule{{Resource: "/orders", ConsecutiveFailures: 1, Timeout: 50 * time.Millisecond}},
		Flow:    []domain.FlowRule{{Resource: "GET:/orders", QPS: 0.02, Burst: 1}},
	}, stats)
	facility := f.Facility.(*infra.Facility)

	ran := 0
	h := MiddlewareFunc(Options{
		Facility:          f,
		ResourceFn:        PathResource,
		HTTPMethodSpecify: true,
	})(func(w http.ResponseWriter, r *http.Request) error {
		ran++
		return errors.New("upstream failed")
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	if state, _ := facility.BreakerState("/orders"); state != "open" {
		t.Fatalf("expected circuit open after failure, got %q", state)
	}

	time.Sleep(60 * time.Millisecond)
	if state, _ := facility.BreakerState("/orders"); state != "half-open" {
		t.Fatalf("expected circuit half-open after timeout, got %q", state)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected method-level flow rejection 429, got %d", w.Code)
	}
	if ran != 1 {
		t.Fatalf("expected handler to run once, got %d", ran)
	}
	if state, _ := facility.BreakerState("/orders"); state != "half-open" {
		t.Fatalf("expected circuit to stay half-open, got %q", state)
	}
	if got := stats.ByResource()["/orders"].Complete; got != 1 {
		t.Fatalf("expected only the first request completed, got %d", got)
	}
}

func TestMiddleware_PanicAfterCompletionIsNotTracedAsHandlerPanic(t *testing.T) {
	f := newFacility(t, domain.Rules{}, nil)
	f.panicOnExitContext = true

	h := Middleware(Options{Facility: f, ResourceFn: PathResource})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	func() {
		defer func() {
			if p := recover(); p != "exit context failed" {
				t.Fatalf("expected facility panic to propagate, got %v", p)
			}
		}()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	}()

	// AfterCompletion roda uma vez só, sem registrar o pânico como erro do handler
	assertEvents(t, f.Events(), "enter:/orders", "exit:/orders", "exitContext")
}

func TestMiddleware_BlockHandlerErrorGoesToErrorHandler(t *testing.T) {
	f := newFacility(t, domain.Rules{Concurrency: []domain.ConcurrencyRule{{Resource: "/orders", MaxConcurrency: 1}}}, nil)
	hold, _ := f.Enter(context.Background(), "/orders", domain.EntryIn)
	defer hold.Exit()

	boom := errors.New("block handler failed")
	var handled error
	h := Middleware(Options{
		Facility:   f,
		ResourceFn: PathResource,
		BlockHandler: func(http.ResponseWriter, *http.Request, *domain.BlockError) error {
			return boom
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusTeapot)
		},
	})(http.NotFoundHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/orders", nil))

	if w.Code != http.StatusTeapot || !errors.Is(handled, boom) {
		t.Fatalf("expected block handler error to reach ErrorHandler, got %d %v", w.Code, handled)
	}
}

func TestMiddleware_PanicIsTracedAndReraised(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	f := newFacility(t, domain.Rules{}, stats)

	h := Middleware(Options{Facility: f, ResourceFn: PathResource})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	func() {
		defer func() {
			if p := recover(); p != "kaboom" {
				t.Fatalf("expected panic to be re-raised, got %v", p)
			}
		}()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/orders", nil))
	}()

	assertEvents(t, f.Events(), "enter:/orders", "trace:/orders", "exit:/orders", "exitContext")
	if got := stats.ByResource()["/orders"].Exception; got != 1 {
		t.Fatalf("expected panic recorded as exception, got %d", got)
	}
}

func TestMiddleware_TraceServerErrors(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	f := newFacility(t, domain.Rules{}, stats)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(Options{Facility: f, ResourceFn: PathResource, TraceServerErrors: true})(next)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/fail", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/missing", nil))

	if got := stats.ByResource()["/fail"].Exception; got != 1 {
		t.Fatalf("expected 5xx traced, got %d", got)
	}
	if got := stats.ByResource()["/missing"].Exception; got != 0 {
		t.Fatalf("expected 4xx not traced, got %d", got)
	}
}

func TestMiddleware_EmptyResourceSkipsTracking(t *testing.T) {
	f := newFacility(t, domain.Rules{}, nil)

	called := false
	h := Middleware(Options{Facility: f, ResourceFn: StaticResource("")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := EntriesFrom(r, ""); ok {
			t.Errorf("expected no entries for untracked request")
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/", nil))

	if !called {
		t.Fatalf("expected handler to run")
	}
	assertEvents(t, f.Events(), "exitContext")
}

func TestMiddleware_NestedSameAttributeKeepsOuterContainer(t *testing.T) {
	f := newFacility(t, domain.Rules{}, nil)

	var seen *domain.EntryContainer
	inner := Middleware(Options{Facility: f, ResourceFn: StaticResource("inner")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = EntriesFrom(r, "")
	}))
	outer := Middleware(Options{Facility: f, ResourceFn: StaticResource("outer")})(inner)

	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	outer.ServeHTTP(httptest.NewRecorder(), r)

	if seen == nil || seen.URLEntry.Resource() != "outer" {
		t.Fatalf("expected outer container to survive, got %+v", seen)
	}
	// as entries do interno continuam sendo fechadas
	assertEvents(t, f.Events(),
		"enter:outer", "enter:inner", "exit:inner", "exitContext", "exit:outer", "exitContext")
}

func TestMiddleware_NestedDistinctAttributeNames(t *testing.T) {
	f := newFacility(t, domain.Rules{}, nil)

	var outerSeen, innerSeen *domain.EntryContainer
	inner := Middleware(Options{Facility: f, ResourceFn: StaticResource("inner"), RequestAttributeName: "inner"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outerSeen, _ = EntriesFrom(r, "")
			innerSeen, _ = EntriesFrom(r, "inner")
		}))
	outer := Middleware(Options{Facility: f, ResourceFn: StaticResource("outer")})(inner)

	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	outer.ServeHTTP(httptest.NewRecorder(), r)

	if outerSeen == nil || outerSeen.URLEntry.Resource() != "outer" {
		t.Fatalf("expected outer container, got %+v", outerSeen)
	}
	if innerSeen == nil || innerSeen.URLEntry.Resource() != "inner" {
		t.Fatalf("expected inner container, got %+v", innerSeen)
	}
}

func TestMiddleware_ConcurrencyRejectsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	f := newFacility(t, domain.Rules{Concurrency: []domain.ConcurrencyRule{
		{Resource: "/slow", MaxConcurrency: 1, AcquireTimeout: 25 * time.Millisecond},
	}}, nil)

	// handler que segura a vaga até liberarmos.
	h := Middleware(Options{Facility: f, ResourceFn: PathResource})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedOnce.Do(func() { close(started) })
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "http://example/slow", nil))
		if w1.Code != http.StatusOK {
			t.Errorf("expected first request 200, got %d", w1.Code)
		}
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		close(release)
		wg.Wait()
		t.Fatalf("timeout waiting first request to start")
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "http://example/slow", nil))
	if w2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected second request 503, got %d", w2.Code)
	}

	close(release)
	wg.Wait()

	w3 := httptest.NewRecorder()
	h.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "http://example/slow", nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("expected slot to be released, got %d", w3.Code)
	}
}

func TestDefaultBlockHandler_StatusByReason(t *testing.T) {
	cases := []struct {
		reason     domain.BlockReason
		retryAfter time.Duration
		status     int
		header     string
	}{
		{domain.ReasonFlow, 1500 * time.Millisecond, http.StatusTooManyRequests, "2"},
		{domain.ReasonQuota, 0, http.StatusTooManyRequests, "1"},
		{domain.ReasonConcurrency, 0, http.StatusServiceUnavailable, ""},
		{domain.ReasonCircuit, 30 * time.Second, http.StatusServiceUnavailable, "30"},
		{domain.ReasonSystem, 0, http.StatusServiceUnavailable, ""},
		{domain.ReasonAuthority, 0, http.StatusForbidden, ""},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		_ = DefaultBlockHandler(w, r, &domain.BlockError{Resource: "/", Reason: tc.reason, RetryAfter: tc.retryAfter})
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.reason, tc.status, w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != tc.header {
			t.Fatalf("%s: expected Retry-After %q, got %q", tc.reason, tc.header, got)
		}
	}
}

func TestDefaultErrorHandler(t *testing.T) {
	w := httptest.NewRecorder()
	DefaultErrorHandler(w, httptest.NewRequest(http.MethodGet, "http://example/", nil), errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	DefaultErrorHandler(w, httptest.NewRequest(http.MethodGet, "http://example/", nil),
		&domain.BlockError{Reason: domain.ReasonFlow, RetryAfter: time.Second})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}
