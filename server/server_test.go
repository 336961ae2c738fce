package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"

	"remoting/codec"
	"remoting/event"
	"remoting/message"
	"remoting/registry"
	"remoting/transport"
)

type Calc struct {
	event.Hub
}

func (c *Calc) Add(a, b int) int { return a + b }

func (c *Calc) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (c *Calc) Explode() { panic("boom") }

func (c *Calc) Sleep(ms int) { time.Sleep(time.Duration(ms) * time.Millisecond) }

func (c *Calc) TraceOf(ctx context.Context) string {
	return trace.SpanContextFromContext(ctx).TraceID().String()
}

// Fire raises Tick with v as payload.
func (c *Calc) Fire(ctx context.Context, v int) error {
	args, err := message.NewEventArgs(v)
	if err != nil {
		return err
	}
	return c.RaiseEvent(ctx, "Tick", args)
}

// Echo has no events of its own.
type Echo struct{}

func (Echo) Echo(s string) string { return s }

func startServer(t *testing.T, target any, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	svr, err := New(target, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

// rawClient speaks the wire protocol directly so tests control handshakes and replies.
type rawClient struct {
	t    *testing.T
	id   string
	conn net.Conn
	in   chan message.Message

	writeMu  sync.Mutex
	compute  func(args *message.EventArgs) bool // answers compute requests when set; false ignores
	computes atomic.Int32
}

func dialRaw(t *testing.T, addr string, version int, id string) *rawClient {
	return dialDelegate(t, addr, version, id, nil)
}

// dialDelegate connects a client that answers compute requests with compute.
func dialDelegate(t *testing.T, addr string, version int, id string, compute func(*message.EventArgs) bool) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := &rawClient{t: t, id: id, conn: conn, in: make(chan message.Message, 64), compute: compute}
	t.Cleanup(func() { conn.Close() })
	go func() {
		for {
			msg, _, err := transport.ReadMessage(conn)
			if err != nil {
				close(c.in)
				return
			}
			if m, ok := msg.(*message.EventMessage); ok && m.Flag == message.ComputeArgs && c.compute != nil {
				c.computes.Add(1)
				if c.compute(m.Args) {
					c.write(m)
				}
				continue
			}
			if msg != nil {
				c.in <- msg
			}
		}
	}()
	c.send(&message.MetadataMessage{EventVersion: version, ClientID: id})
	return c
}

func (c *rawClient) write(msg message.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteMessage(c.conn, codec.CodecTypeJSON, msg)
}

func (c *rawClient) send(msg message.Message) {
	c.t.Helper()
	if err := c.write(msg); err != nil {
		c.t.Fatal(err)
	}
}

func (c *rawClient) next() message.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.in:
		if !ok {
			c.t.Fatalf("%s: connection closed", c.id)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("%s: no message received", c.id)
	}
	return nil
}

func (c *rawClient) nextEvent() *message.EventMessage {
	c.t.Helper()
	m, ok := c.next().(*message.EventMessage)
	if !ok {
		c.t.Fatalf("%s: expect event message", c.id)
	}
	return m
}

func (c *rawClient) expectNothing(d time.Duration) {
	c.t.Helper()
	select {
	case msg, ok := <-c.in:
		if ok {
			c.t.Fatalf("%s: unexpected message %+v", c.id, msg)
		}
	case <-time.After(d):
	}
}

func (c *rawClient) call(id uint64, method string, args ...any) *message.MethodMessage {
	c.t.Helper()
	req := &message.MethodMessage{ID: id, Method: method}
	for _, a := range args {
		data, _ := json.Marshal(a)
		req.Parameters = append(req.Parameters, data)
	}
	c.send(req)
	resp, ok := c.next().(*message.MethodMessage)
	if !ok {
		c.t.Fatalf("%s: expect method response", c.id)
	}
	return resp
}

func subscribe(t *testing.T, svr *Server, name string, clients ...*rawClient) {
	t.Helper()
	for _, c := range clients {
		c.send(&message.EventMessage{EventName: name, Flag: message.Subscribe})
	}
	eventually(t, func() bool { return len(svr.Subscribers(name)) == len(clients) }, "subscriptions registered")
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", what)
}

func payload(t *testing.T, args *message.EventArgs) int {
	t.Helper()
	var v int
	if err := args.Bind(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestServiceMethods(t *testing.T) {
	svc, err := newService(&Calc{})
	if err != nil {
		t.Fatal(err)
	}
	if svc.name != "Calc" {
		t.Fatalf("expect service name Calc, got %s", svc.name)
	}
	for _, name := range []string{"Add", "Div", "Explode", "TraceOf", "Fire"} {
		if _, ok := svc.method[name]; !ok {
			t.Errorf("expect method %s to be exposed", name)
		}
	}
	for _, name := range []string{"AttachEvent", "DetachEvent", "RaiseEvent", "Count", "Events"} {
		if _, ok := svc.method[name]; ok {
			t.Errorf("method %s must not be exposed", name)
		}
	}
	if !svc.method["TraceOf"].hasCtx || len(svc.method["TraceOf"].argTypes) != 0 {
		t.Error("TraceOf takes only a context")
	}
}

// Inventory has no events; its Count and Events are ordinary methods.
type Inventory struct{}

func (Inventory) Count() int { return 7 }

func (Inventory) Events() []string { return []string{"restock"} }

// Store embeds a hub one level down.
type Store struct {
	Calc
}

func TestPlainTargetExposesHubNames(t *testing.T) {
	svc, err := newService(Inventory{})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Count", "Events"} {
		if _, ok := svc.method[name]; !ok {
			t.Errorf("expect method %s to be exposed", name)
		}
	}

	nested, err := newService(&Store{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := nested.method["Count"]; ok {
		t.Error("Count promoted from a nested hub must not be exposed")
	}
	if _, ok := nested.method["Add"]; !ok {
		t.Error("expect Add to be exposed through Store")
	}

	svr := startServer(t, Inventory{}, Config{})
	c := dialRaw(t, svr.Addr(), 1, "c1")
	resp := c.call(1, "Count")
	if resp.ErrorMessage != "" || string(resp.ReturnValue) != "7" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestErrorMessage(t *testing.T) {
	got := errorMessage(fmt.Errorf("read config: %w", io.EOF))
	if got != "*errors.errorString EOF" {
		t.Fatalf("got %q", got)
	}
}

func TestServerCall(t *testing.T) {
	svr := startServer(t, &Calc{}, Config{})
	c := dialRaw(t, svr.Addr(), 1, "c1")

	resp := c.call(123, "Add", 1, 2)
	if resp.ID != 123 || string(resp.ReturnValue) != "3" || resp.ErrorMessage != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Parameters != nil {
		t.Fatal("parameters must be cleared on the response")
	}

	resp = c.call(124, "Div", 1, 0)
	if resp.ErrorMessage != "*errors.errorString division by zero" {
		t.Fatalf("unexpected error message %q", resp.ErrorMessage)
	}

	resp = c.call(125, "Explode")
	if resp.ErrorMessage != "*server.PanicError boom" {
		t.Fatalf("unexpected error message %q", resp.ErrorMessage)
	}

	resp = c.call(126, "Missing")
	if !strings.Contains(resp.ErrorMessage, "unknown method Calc.Missing") {
		t.Fatalf("unexpected error message %q", resp.ErrorMessage)
	}

	resp = c.call(127, "Add", 1)
	if !strings.Contains(resp.ErrorMessage, "expects 2 parameters") {
		t.Fatalf("unexpected error message %q", resp.ErrorMessage)
	}
}

func TestServerTracePropagation(t *testing.T) {
	svr := startServer(t, &Calc{}, Config{})
	c := dialRaw(t, svr.Addr(), 1, "c1")

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	c.send(&message.MethodMessage{ID: 1, Method: "TraceOf", TraceID: traceID})
	resp := c.next().(*message.MethodMessage)
	var got string
	if err := json.Unmarshal(resp.ReturnValue, &got); err != nil {
		t.Fatal(err)
	}
	if got != traceID {
		t.Fatalf("expect trace id %s, got %s", traceID, got)
	}
}

func TestBroadcastAllowList(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{})
	v1 := dialRaw(t, svr.Addr(), 1, "v1")
	v2 := dialRaw(t, svr.Addr(), 2, "v2")
	subscribe(t, svr, "Tick", v1, v2)

	args, _ := message.NewEventArgs(7)
	args.Versions = []int{2}
	if err := calc.RaiseEvent(context.Background(), "Tick", args); err != nil {
		t.Fatal(err)
	}

	got := v2.nextEvent()
	if got.Flag != message.Broadcast || payload(t, got.Args) != 7 {
		t.Fatalf("unexpected broadcast %+v", got)
	}
	v1.expectNothing(100 * time.Millisecond)
}

func TestBroadcastServerVersions(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{BroadcastVersions: []int{1}})
	v1 := dialRaw(t, svr.Addr(), 1, "v1")
	v2 := dialRaw(t, svr.Addr(), 2, "v2")
	subscribe(t, svr, "Tick", v1, v2)

	if err := calc.Fire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if got := v1.nextEvent(); got.Flag != message.Broadcast {
		t.Fatalf("unexpected frame %+v", got)
	}
	v2.expectNothing(100 * time.Millisecond)
}

// addTo returns a compute function that adds delta to an int payload.
func addTo(delta int) func(*message.EventArgs) bool {
	return func(args *message.EventArgs) bool {
		var v int
		args.Bind(&v)
		args.Set(v + delta)
		return true
	}
}

func TestComputeLatest(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{Compute: ComputeLatest})
	old := dialDelegate(t, svr.Addr(), 1, "old", addTo(1000))
	newA := dialDelegate(t, svr.Addr(), 3, "newA", addTo(100))
	newB := dialDelegate(t, svr.Addr(), 3, "newB", addTo(100))
	subscribe(t, svr, "Tick", old, newA, newB)

	if err := calc.Fire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	if old.computes.Load() != 0 {
		t.Fatal("an older version must not be chosen as delegate")
	}
	if n := newA.computes.Load() + newB.computes.Load(); n != 1 {
		t.Fatalf("expect exactly one compute request, got %d", n)
	}
	delegate, other := newA, newB
	if newB.computes.Load() == 1 {
		delegate, other = newB, newA
	}
	for _, c := range []*rawClient{old, other} {
		got := c.nextEvent()
		if got.Flag != message.Broadcast || payload(t, got.Args) != 101 {
			t.Fatalf("%s: expect computed broadcast 101, got %+v", c.id, got)
		}
	}
	delegate.expectNothing(100 * time.Millisecond)
	if v := testutil.ToFloat64(svr.metrics.computes.WithLabelValues("Tick", "computed")); v != 1 {
		t.Fatalf("expect 1 computed, got %v", v)
	}
}

func TestComputeLatestSpreadsLoad(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{Compute: ComputeLatest})
	a := dialDelegate(t, svr.Addr(), 2, "a", addTo(1))
	b := dialDelegate(t, svr.Addr(), 2, "b", addTo(1))
	subscribe(t, svr, "Tick", a, b)

	for i := 0; i < 40; i++ {
		if err := calc.Fire(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}
	if a.computes.Load() == 0 || b.computes.Load() == 0 {
		t.Fatalf("expect both delegates chosen at least once, got a=%d b=%d", a.computes.Load(), b.computes.Load())
	}
}

func TestComputeFixedVersion(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{Compute: ComputeFixedVersion, ComputeVersion: 1})
	v1 := dialDelegate(t, svr.Addr(), 1, "v1", addTo(10))
	v2 := dialDelegate(t, svr.Addr(), 2, "v2", addTo(20))
	subscribe(t, svr, "Tick", v1, v2)

	if err := calc.Fire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if v1.computes.Load() != 1 || v2.computes.Load() != 0 {
		t.Fatalf("expect v1 to compute, got v1=%d v2=%d", v1.computes.Load(), v2.computes.Load())
	}
	if got := v2.nextEvent(); payload(t, got.Args) != 11 {
		t.Fatalf("expect computed broadcast 11, got %+v", got)
	}
	v1.expectNothing(100 * time.Millisecond)
}

func TestComputeDelegateUnavailable(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{Compute: ComputeFixedVersion, ComputeVersion: 5})
	v1 := dialDelegate(t, svr.Addr(), 1, "v1", addTo(10))
	v2 := dialDelegate(t, svr.Addr(), 2, "v2", addTo(20))
	subscribe(t, svr, "Tick", v1, v2)

	if err := calc.Fire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*rawClient{v1, v2} {
		if got := c.nextEvent(); payload(t, got.Args) != 1 {
			t.Fatalf("%s: expect original args, got %+v", c.id, got)
		}
	}
	if v := testutil.ToFloat64(svr.metrics.computes.WithLabelValues("Tick", "unavailable")); v != 1 {
		t.Fatalf("expect 1 unavailable, got %v", v)
	}
}

func TestComputeTimeout(t *testing.T) {
	calc := &Calc{}
	timeout := 100 * time.Millisecond
	svr := startServer(t, calc, Config{Compute: ComputeLatest, Timeout: timeout})
	silent := dialDelegate(t, svr.Addr(), 2, "silent", func(*message.EventArgs) bool { return false })
	other := dialRaw(t, svr.Addr(), 1, "other")
	subscribe(t, svr, "Tick", silent, other)

	start := time.Now()
	if err := calc.Fire(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("firing returned before the compute timeout: %v", elapsed)
	}
	if got := other.nextEvent(); payload(t, got.Args) != 5 {
		t.Fatalf("expect original args after timeout, got %+v", got)
	}

	b := svr.bean("Tick", false)
	eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.contexts) == 0
	}, "compute context removed")
}

func TestPublishSkipsPublisher(t *testing.T) {
	svr := startServer(t, &Calc{}, Config{Compute: ComputeLatest})
	pub := dialDelegate(t, svr.Addr(), 9, "pub", addTo(1))
	sub := dialDelegate(t, svr.Addr(), 9, "sub", addTo(1))
	subscribe(t, svr, "Chat", pub, sub)

	args, _ := message.NewEventArgs(42)
	pub.send(&message.EventMessage{EventName: "Chat", Flag: message.Publish, Args: args})

	got := sub.nextEvent()
	if got.Flag != message.Broadcast || payload(t, got.Args) != 42 {
		t.Fatalf("unexpected broadcast %+v", got)
	}
	pub.expectNothing(100 * time.Millisecond)
	if pub.computes.Load()+sub.computes.Load() != 0 {
		t.Fatal("published events are not computed")
	}
}

func TestPlainTargetGetsPrivateHub(t *testing.T) {
	svr := startServer(t, &Echo{}, Config{})
	a := dialRaw(t, svr.Addr(), 1, "a")
	b := dialRaw(t, svr.Addr(), 1, "b")
	subscribe(t, svr, "Chat", a, b)

	a.send(&message.EventMessage{EventName: "Chat", Flag: message.Publish, Args: &message.EventArgs{}})
	if got := b.nextEvent(); got.EventName != "Chat" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestCanceledEventNotBroadcast(t *testing.T) {
	calc := &Calc{}
	calc.AttachEvent("Tick", func(ctx context.Context, args *message.EventArgs) error {
		var v int
		args.Bind(&v)
		args.Cancel = v < 0
		return nil
	})
	svr := startServer(t, calc, Config{})
	c := dialRaw(t, svr.Addr(), 1, "c")
	subscribe(t, svr, "Tick", c)

	if err := calc.Fire(context.Background(), -1); err != nil {
		t.Fatal(err)
	}
	c.expectNothing(100 * time.Millisecond)

	if err := calc.Fire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if got := c.nextEvent(); payload(t, got.Args) != 1 {
		t.Fatalf("unexpected broadcast %+v", got)
	}
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	calc := &Calc{}
	svr := startServer(t, calc, Config{})
	a := dialRaw(t, svr.Addr(), 1, "a")
	b := dialRaw(t, svr.Addr(), 1, "b")
	subscribe(t, svr, "Tick", a, b)
	eventually(t, func() bool { return svr.Sessions() == 2 }, "two sessions")

	a.send(&message.EventMessage{EventName: "Tick", Flag: message.Unsubscribe})
	eventually(t, func() bool { return len(svr.Subscribers("Tick")) == 1 }, "a unsubscribed")
	if got := svr.Subscribers("Tick"); got[0] != "b" {
		t.Fatalf("expect b to remain, got %v", got)
	}

	b.conn.Close()
	eventually(t, func() bool { return len(svr.Subscribers("Tick")) == 0 }, "b removed on disconnect")
	eventually(t, func() bool { return svr.Sessions() == 1 }, "b session dropped")

	// A firing with no subscribers is a no-op.
	if err := calc.Fire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	a.expectNothing(50 * time.Millisecond)
}

func TestCallMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svr := startServer(t, &Calc{}, Config{Metrics: reg})
	c := dialRaw(t, svr.Addr(), 1, "c")

	c.call(1, "Add", 1, 2)
	c.call(2, "Div", 1, 0)
	if v := testutil.ToFloat64(svr.metrics.calls.WithLabelValues("Add", "ok")); v != 1 {
		t.Fatalf("expect 1 ok Add, got %v", v)
	}
	if v := testutil.ToFloat64(svr.metrics.calls.WithLabelValues("Div", "error")); v != 1 {
		t.Fatalf("expect 1 failed Div, got %v", v)
	}
	if n, err := testutil.GatherAndCount(reg, "remoting_server_calls_total"); err != nil || n != 2 {
		t.Fatalf("expect 2 call series, got %d (%v)", n, err)
	}
	if v := testutil.ToFloat64(svr.metrics.sessions); v != 1 {
		t.Fatalf("expect 1 session, got %v", v)
	}
}

func TestCallTimeout(t *testing.T) {
	svr := startServer(t, &Calc{}, Config{CallTimeout: 50 * time.Millisecond})
	c := dialRaw(t, svr.Addr(), 1, "c")
	if resp := c.call(1, "Sleep", 200); !strings.HasSuffix(resp.ErrorMessage, "request timed out") {
		t.Fatalf("expect a timeout, got %+v", resp)
	}
	if resp := c.call(2, "Add", 1, 1); string(resp.ReturnValue) != "2" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	svr := startServer(t, &Calc{}, Config{RateLimit: 1, RateBurst: 1})
	c := dialRaw(t, svr.Addr(), 1, "c")
	if resp := c.call(1, "Add", 1, 1); resp.ErrorMessage != "" {
		t.Fatalf("first call should pass: %s", resp.ErrorMessage)
	}
	if resp := c.call(2, "Add", 1, 1); !strings.HasSuffix(resp.ErrorMessage, "rate limit exceeded") {
		t.Fatalf("second call should be limited, got %q", resp.ErrorMessage)
	}
}

func TestShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr, err := New(&Calc{}, Config{Addr: "127.0.0.1:0", Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()

	var instances []registry.ServiceInstance
	eventually(t, func() bool {
		instances, _ = reg.Discover(context.Background(), "Calc")
		return len(instances) == 1
	}, "service registered")
	c := dialRaw(t, instances[0].Addr, 1, "c")
	if resp := c.call(1, "Add", 2, 2); string(resp.ReturnValue) != "4" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve should return nil after Shutdown, got %v", err)
	}
	if instances, _ := reg.Discover(context.Background(), "Calc"); len(instances) != 0 {
		t.Fatalf("expect deregistration, got %v", instances)
	}
	if _, ok := <-c.in; ok {
		t.Fatal("expect the client connection to be closed")
	}
}
