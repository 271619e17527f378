package layercache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	c "github.com/unkn0wn-root/layercache/codec"
	"github.com/unkn0wn-root/layercache/internal/keys"
	"github.com/unkn0wn-root/layercache/layer"
	"github.com/unkn0wn-root/layercache/layer/memory"
	"github.com/unkn0wn-root/layercache/layer/origin"
)

type call struct {
	op  string
	key string
}

// spyLayer is an in-memory layer that records every call and can be told to
// fail.
type spyLayer struct {
	name string

	mu    sync.Mutex
	m     map[string][]byte
	calls []call

	retrieveErr error // returned by Retrieve when set
	writeErr    error // returned by Store/Remove/RemoveAll when set
	onRetrieve  func()
	storeCtxErr []error
}

var _ layer.Layer = (*spyLayer)(nil)

func newSpy(name string) *spyLayer { return &spyLayer{name: name, m: make(map[string][]byte)} }

func (s *spyLayer) Name() string { return s.name }

func (s *spyLayer) record(op, key string) {
	s.mu.Lock()
	s.calls = append(s.calls, call{op, key})
	s.mu.Unlock()
}

func (s *spyLayer) Store(ctx context.Context, key string, payload []byte) error {
	s.record("store", key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeCtxErr = append(s.storeCtxErr, ctx.Err())
	if s.writeErr != nil {
		return s.writeErr
	}
	s.m[key] = append([]byte(nil), payload...)
	return nil
}

func (s *spyLayer) Retrieve(_ context.Context, key string) ([]byte, error) {
	s.record("retrieve", key)
	if s.onRetrieve != nil {
		s.onRetrieve()
	}
	if s.retrieveErr != nil {
		return nil, s.retrieveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[key]
	if !ok {
		return nil, &layer.MissError{Key: key}
	}
	return append([]byte(nil), b...), nil
}

func (s *spyLayer) Remove(ctx context.Context, key string) error {
	s.record("remove", key)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return s.writeErr
}

func (s *spyLayer) RemoveAll(context.Context) error {
	s.record("remove_all", "")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string][]byte)
	return s.writeErr
}

func (s *spyLayer) put(key string, b []byte) {
	s.mu.Lock()
	s.m[key] = b
	s.mu.Unlock()
}

func (s *spyLayer) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

func (s *spyLayer) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func encodeUser(t *testing.T, u user) []byte {
	t.Helper()
	b, err := c.JSON[user]{}.Encode(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func newTestCache(t *testing.T, layers []layer.Layer, optsOpt func(*Options[user])) Cache[user] {
	t.Helper()
	opts := Options[user]{
		Layers: layers,
		Codec:  c.JSON[user]{},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cc
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestNewValidation(t *testing.T) {
	if _, err := New[user](Options[user]{Layers: []layer.Layer{newSpy("a")}}); err == nil {
		t.Fatalf("expected error without codec")
	}
	if _, err := New[user](Options[user]{Codec: c.JSON[user]{}}); err == nil {
		t.Fatalf("expected error without layers or stack namespace")
	}
	if _, err := New[user](Options[user]{Codec: c.JSON[user]{}, Layers: []layer.Layer{newSpy("a"), nil}}); err == nil {
		t.Fatalf("expected error for nil layer")
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := newSpy("a"), newSpy("b")
	cc := newTestCache(t, []layer.Layer{a, b}, nil)

	in := user{ID: "1", Name: "Ada"}
	if err := cc.Store(ctx, "u:1", in); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !a.has("u:1") || !b.has("u:1") {
		t.Fatalf("store must reach every layer")
	}

	got, err := cc.Retrieve(ctx, "u:1")
	if err != nil || got != in {
		t.Fatalf("Retrieve: got=%+v err=%v", got, err)
	}
	if b.count("retrieve") != 0 {
		t.Fatalf("hit at layer 0 must not query layer 1")
	}
}

func TestStoreSwallowsLayerErrors(t *testing.T) {
	ctx := context.Background()
	a, b := newSpy("a"), newSpy("b")
	a.writeErr = errors.New("disk full")
	rec := &recorder{}
	cc := newTestCache(t, []layer.Layer{a, b}, func(o *Options[user]) { o.Observer = rec })

	if err := cc.Store(ctx, "k", user{ID: "k"}); err != nil {
		t.Fatalf("Store must not surface layer errors: %v", err)
	}
	if !b.has("k") {
		t.Fatalf("later layers must still be written after an earlier failure")
	}

	var failed int
	for _, e := range rec.events {
		if e.Op == OpStore && e.Outcome == OutcomeError && e.LayerName == "a" {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected one store error event, got %d (%+v)", failed, rec.events)
	}
}

type failingCodec struct{ c.JSON[user] }

var errEncode = errors.New("cannot encode")

func (failingCodec) Encode(user) ([]byte, error) { return nil, errEncode }

func TestStoreReturnsEncodeError(t *testing.T) {
	a := newSpy("a")
	cc := newTestCache(t, []layer.Layer{a}, func(o *Options[user]) { o.Codec = failingCodec{} })

	if err := cc.Store(context.Background(), "k", user{}); !errors.Is(err, errEncode) {
		t.Fatalf("expected encode error, got %v", err)
	}
	if a.count("store") != 0 {
		t.Fatalf("nothing must be written when encoding fails")
	}
}

func TestPromotionIntoFasterLayers(t *testing.T) {
	ctx := context.Background()
	a, b, o := newSpy("a"), newSpy("b"), newSpy("origin")
	want := user{ID: "9", Name: "Grace"}
	o.put("u:9", encodeUser(t, want))
	rec := &recorder{}
	cc := newTestCache(t, []layer.Layer{a, b, o}, func(opt *Options[user]) { opt.Observer = rec })

	got, err := cc.Retrieve(ctx, "u:9")
	if err != nil || got != want {
		t.Fatalf("Retrieve: got=%+v err=%v", got, err)
	}
	if !a.has("u:9") || !b.has("u:9") {
		t.Fatalf("hit at layer 2 must be promoted into layers 0 and 1")
	}
	if o.count("store") != 0 {
		t.Fatalf("the hit layer itself must not be rewritten")
	}

	// second read is served by layer 0
	if _, err := cc.Retrieve(ctx, "u:9"); err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if o.count("retrieve") != 1 || b.count("retrieve") != 1 {
		t.Fatalf("second read should stop at layer 0: b=%d origin=%d", b.count("retrieve"), o.count("retrieve"))
	}

	var seq []string
	for _, e := range rec.events[:4] {
		seq = append(seq, string(e.Op)+"/"+string(e.Outcome)+"/"+e.LayerName)
	}
	wantSeq := []string{"retrieve/miss/a", "retrieve/miss/b", "retrieve/hit/origin", "promote/ok/a"}
	for i := range wantSeq {
		if seq[i] != wantSeq[i] {
			t.Fatalf("events=%v want prefix %v", seq, wantSeq)
		}
	}
}

func TestPromotionScenario(t *testing.T) {
	ctx := context.Background()
	memA, memB := memory.New("a"), memory.New("b")
	x := user{ID: "x", Name: "image"}
	payload := encodeUser(t, x)
	_ = memB.Store(ctx, "img.png", payload)

	cc := newTestCache(t, []layer.Layer{memA, memB}, nil)
	got, err := cc.Retrieve(ctx, "img.png")
	if err != nil || got != x {
		t.Fatalf("Retrieve: got=%+v err=%v", got, err)
	}
	raw, err := memA.Retrieve(ctx, "img.png")
	if err != nil || !bytes.Equal(raw, payload) {
		t.Fatalf("promoted bytes differ: %q err=%v", raw, err)
	}
}

func TestExhaustiveMiss(t *testing.T) {
	a, b := newSpy("a"), newSpy("b")
	rec := &recorder{}
	cc := newTestCache(t, []layer.Layer{a, b}, func(o *Options[user]) { o.Observer = rec })

	_, err := cc.Retrieve(context.Background(), "nope")
	if !IsMiss(err) || !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	var me *MissError
	if !errors.As(err, &me) || me.Key != "nope" {
		t.Fatalf("expected *MissError for key, got %#v", err)
	}
	if a.count("retrieve") != 1 || b.count("retrieve") != 1 {
		t.Fatalf("every layer must be asked exactly once")
	}
	if a.count("store")+b.count("store")+a.count("remove")+b.count("remove") != 0 {
		t.Fatalf("a miss must not write or remove")
	}
	last := rec.events[len(rec.events)-1]
	if last.Layer != -1 || last.Outcome != OutcomeMiss {
		t.Fatalf("expected final stack-wide miss event, got %+v", last)
	}
}

func TestOtherErrorShortCircuits(t *testing.T) {
	a, b, o := newSpy("a"), newSpy("b"), newSpy("origin")
	boom := errors.New("connection reset")
	b.retrieveErr = boom
	o.put("k", encodeUser(t, user{ID: "k"}))
	cc := newTestCache(t, []layer.Layer{a, b, o}, nil)

	_, err := cc.Retrieve(context.Background(), "k")
	if err != boom {
		t.Fatalf("layer error must be returned unchanged, got %v", err)
	}
	if o.count("retrieve") != 0 {
		t.Fatalf("layers after a failure must not be queried")
	}
	if a.count("store") != 0 {
		t.Fatalf("no promotion on failure")
	}
}

func TestTypedLayerErrorsShortCircuit(t *testing.T) {
	a, o := newSpy("a"), newSpy("origin")
	o.retrieveErr = &UnsupportedContentTypeError{Key: "k", ContentType: "text/html"}
	cc := newTestCache(t, []layer.Layer{a, o}, nil)

	_, err := cc.Retrieve(context.Background(), "k")
	var ct *UnsupportedContentTypeError
	if !errors.As(err, &ct) || IsMiss(err) {
		t.Fatalf("expected UnsupportedContentTypeError, got %v", err)
	}
}

func TestCorruptPayloadInvalidatesDownward(t *testing.T) {
	a, b, o := newSpy("a"), newSpy("b"), newSpy("origin")
	b.put("k", []byte("{garbage"))
	o.put("k", encodeUser(t, user{ID: "k"}))
	cc := newTestCache(t, []layer.Layer{a, b, o}, nil)

	_, err := cc.Retrieve(context.Background(), "k")
	var de *DeserializeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeserializeError, got %v", err)
	}
	if de.Key != "k" || de.Layer != 1 || de.Err == nil {
		t.Fatalf("unexpected error detail: %+v", de)
	}
	if IsMiss(err) {
		t.Fatalf("corruption must not classify as miss")
	}

	if a.count("remove") != 0 {
		t.Fatalf("faster layers must not be invalidated")
	}
	if b.count("remove") != 1 || o.count("remove") != 1 {
		t.Fatalf("hit layer and every slower layer must be invalidated")
	}
	if o.count("retrieve") != 0 {
		t.Fatalf("no fallback past a corrupt layer")
	}
	if a.count("store") != 0 {
		t.Fatalf("corrupt payload must not be promoted")
	}
}

func TestCorruptionScenario(t *testing.T) {
	ctx := context.Background()
	memA, memB := memory.New("a"), memory.New("b")
	_ = memA.Store(ctx, "k1", []byte("not json"))
	_ = memB.Store(ctx, "k1", encodeUser(t, user{ID: "k1"}))

	cc := newTestCache(t, []layer.Layer{memA, memB}, nil)
	_, err := cc.Retrieve(ctx, "k1")
	var de *DeserializeError
	if !errors.As(err, &de) || de.Layer != 0 {
		t.Fatalf("expected DeserializeError at layer 0, got %v", err)
	}
	if _, err := memA.Retrieve(ctx, "k1"); !layer.IsMiss(err) {
		t.Fatalf("MemA should miss after invalidation, got %v", err)
	}
	if _, err := memB.Retrieve(ctx, "k1"); !layer.IsMiss(err) {
		t.Fatalf("MemB should miss after invalidation, got %v", err)
	}
}

func TestRemoveIsUnconditional(t *testing.T) {
	ctx := context.Background()
	a, b, o := newSpy("a"), newSpy("b"), newSpy("origin")
	a.writeErr = errors.New("unavailable")
	cc := newTestCache(t, []layer.Layer{a, b, o}, nil)
	_ = cc.Store(ctx, "k", user{ID: "k"})

	if err := cc.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove must always succeed, got %v", err)
	}
	for _, l := range []*spyLayer{a, b, o} {
		if l.count("remove") != 1 {
			t.Fatalf("layer %s: remove calls=%d", l.name, l.count("remove"))
		}
	}
	if _, err := cc.Retrieve(ctx, "k"); !IsMiss(err) {
		t.Fatalf("expected miss after remove, got %v", err)
	}

	if err := cc.RemoveAll(ctx); err != nil {
		t.Fatalf("RemoveAll must always succeed, got %v", err)
	}
	for _, l := range []*spyLayer{a, b, o} {
		if l.count("remove_all") != 1 {
			t.Fatalf("layer %s: remove_all calls=%d", l.name, l.count("remove_all"))
		}
	}
}

func TestCancelledContextStopsWalk(t *testing.T) {
	a, b := newSpy("a"), newSpy("b")
	cc := newTestCache(t, []layer.Layer{a, b}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cc.Retrieve(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.count("retrieve") != 0 {
		t.Fatalf("no layer should be queried with a dead context")
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	a.onRetrieve = cancel
	if _, err := cc.Retrieve(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after layer 0, got %v", err)
	}
	if b.count("retrieve") != 0 {
		t.Fatalf("walk must stop once the context is cancelled")
	}
}

func TestAsyncWritesDetachedAndDrainedByClose(t *testing.T) {
	a, b := newSpy("a"), newSpy("b")
	var finished atomic.Int32
	slow := &slowLayer{spyLayer: newSpy("slow"), delay: 20 * time.Millisecond, done: &finished}
	cc := newTestCache(t, []layer.Layer{a, b, slow}, func(o *Options[user]) { o.AsyncWrites = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cc.Store(ctx, "k", user{ID: "k"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := cc.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if finished.Load() != 1 {
		t.Fatalf("Close must wait for in-flight writes")
	}
	for _, l := range []*spyLayer{a, b, slow.spyLayer} {
		if !l.has("k") {
			t.Fatalf("layer %s missing async write", l.name)
		}
		if err := l.storeCtxErr[0]; err != nil {
			t.Fatalf("layer %s saw caller cancellation: %v", l.name, err)
		}
	}
}

type slowLayer struct {
	*spyLayer
	delay time.Duration
	done  *atomic.Int32
}

func (s *slowLayer) Store(ctx context.Context, key string, payload []byte) error {
	time.Sleep(s.delay)
	defer s.done.Add(1)
	return s.spyLayer.Store(ctx, key, payload)
}

func TestCoalesceReads(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	o := newSpy("origin")
	o.put("k", encodeUser(t, user{ID: "k"}))
	o.onRetrieve = func() {
		once.Do(func() { close(entered) })
		<-release
	}
	cc := newTestCache(t, []layer.Layer{o}, func(opt *Options[user]) { opt.CoalesceReads = true })

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cc.Retrieve(context.Background(), "k")
			if err == nil && v.ID != "k" {
				err = errors.New("wrong value")
			}
			errs <- err
		}()
	}
	start()
	<-entered
	for i := 1; i < n; i++ {
		start()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
	}
	if got := o.count("retrieve"); got != 1 {
		t.Fatalf("expected one shared walk, got %d", got)
	}
}

func TestRetrieveSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	a, b := newSpy("a"), newSpy("b")
	b.retrieveErr = errors.New("down")
	cc := newTestCache(t, []layer.Layer{a, b}, func(o *Options[user]) { o.Tracer = tp.Tracer("test") })

	_, _ = cc.Retrieve(context.Background(), "secret-key")

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans=%d want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "layercache.Retrieve" || s.Status().Code != codes.Error {
		t.Fatalf("unexpected span %q status=%v", s.Name(), s.Status())
	}
	for _, kv := range s.Attributes() {
		if kv.Value.AsString() == "secret-key" {
			t.Fatalf("raw key leaked into span attribute %s", kv.Key)
		}
	}
}

func TestCloseClosesLayers(t *testing.T) {
	cl := &closingLayer{spyLayer: newSpy("c"), err: errors.New("close failed")}
	cc := newTestCache(t, []layer.Layer{newSpy("a"), cl}, nil)
	if err := cc.Close(context.Background()); err == nil || !cl.closed {
		t.Fatalf("expected close to reach layer and return its error, got %v", err)
	}
}

type closingLayer struct {
	*spyLayer
	closed bool
	err    error
}

func (l *closingLayer) Close(context.Context) error { l.closed = true; return l.err }

func TestLayersReturnsCopy(t *testing.T) {
	a := newSpy("a")
	cc := newTestCache(t, []layer.Layer{a}, nil)
	ls := cc.Layers()
	ls[0] = nil
	if cc.Layers()[0] != layer.Layer(a) {
		t.Fatalf("Layers must return a copy")
	}
}

func TestBuildStack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("from origin"))
	}))
	defer srv.Close()

	if _, err := BuildStack(StackOptions{}); err == nil {
		t.Fatalf("expected namespace error")
	}

	cc, err := New[string](Options[string]{
		Stack: StackOptions{
			Namespace:     "docs",
			Dir:           t.TempDir(),
			SizeLimit:     1 << 20,
			IncludeOrigin: true,
			Origin:        origin.Config{BaseURL: srv.URL},
		},
		Codec: c.String{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cc.Close(context.Background())

	ls := cc.Layers()
	if len(ls) != 3 {
		t.Fatalf("layers=%d want 3", len(ls))
	}
	names := []string{"volatile", "disk", "origin"}
	for i, l := range ls {
		if got := layer.NameOf(l, ""); got != names[i] {
			t.Fatalf("layer %d name=%q want %q", i, got, names[i])
		}
	}

	ctx := context.Background()
	got, err := cc.Retrieve(ctx, "/readme")
	if err != nil || got != "from origin" {
		t.Fatalf("Retrieve: got=%q err=%v", got, err)
	}
	if raw, err := ls[1].Retrieve(ctx, "/readme"); err != nil || string(raw) != "from origin" {
		t.Fatalf("origin hit should be promoted to disk: %q %v", raw, err)
	}
}

func TestInvalidationOutlivesCallerContext(t *testing.T) {
	a, b := newSpy("a"), newSpy("b")
	a.put("k", []byte("{garbage"))
	b.put("k", encodeUser(t, user{ID: "k"}))
	cc := newTestCache(t, []layer.Layer{a, b}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.onRetrieve = cancel // caller gives up while the corrupt payload is in flight

	_, err := cc.Retrieve(ctx, "k")
	var de *DeserializeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeserializeError, got %v", err)
	}
	if a.has("k") || b.has("k") {
		t.Fatalf("corrupt entry survived a cancelled caller: a=%v b=%v", a.has("k"), b.has("k"))
	}
}

type fieldLogger struct {
	mu     sync.Mutex
	fields []Fields
}

func (l *fieldLogger) add(f Fields) {
	l.mu.Lock()
	l.fields = append(l.fields, f)
	l.mu.Unlock()
}

func (l *fieldLogger) Debug(_ string, f Fields) { l.add(f) }
func (l *fieldLogger) Info(_ string, f Fields)  { l.add(f) }
func (l *fieldLogger) Warn(_ string, f Fields)  { l.add(f) }
func (l *fieldLogger) Error(_ string, f Fields) { l.add(f) }

func TestLoggerNeverSeesRawKeys(t *testing.T) {
	const key = "user:ada@example.com"
	a, b, o := newSpy("a"), newSpy("b"), newSpy("origin")
	a.writeErr = errors.New("read only")
	b.put(key, []byte("{garbage"))
	log := &fieldLogger{}
	cc := newTestCache(t, []layer.Layer{a, b, o}, func(opt *Options[user]) { opt.Logger = log })

	_ = cc.Store(context.Background(), "other", user{})
	_, _ = cc.Retrieve(context.Background(), key)
	o.retrieveErr = errors.New("down")
	_, _ = cc.Retrieve(context.Background(), "other2")

	if len(log.fields) < 3 {
		t.Fatalf("expected write, corrupt and retrieve failures to be logged, got %d", len(log.fields))
	}
	for _, f := range log.fields {
		k, ok := f["key"].(string)
		if !ok {
			continue
		}
		for _, raw := range []string{key, "other", "other2"} {
			if k == raw {
				t.Fatalf("raw key %q logged", raw)
			}
		}
	}
	want := keys.Redact(key)
	var found bool
	for _, f := range log.fields {
		if f["key"] == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected redacted key %q in log fields %v", want, log.fields)
	}
}
