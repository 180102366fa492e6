package proxy_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/proxy"
)

type addReq struct {
	A int `msgpack:"a"`
	B int `msgpack:"b"`
}

type addResp struct {
	Sum int `msgpack:"sum"`
}

func newMathService() *proxy.Service {
	svc := proxy.NewService("math")
	svc.Handle("Add", proxy.Method(func(_ context.Context, req addReq) (addResp, error) {
		return addResp{Sum: req.A + req.B}, nil
	}))
	return svc
}

// ──────────────────────────────────────────────────
// Registry / Handle
// ──────────────────────────────────────────────────

func TestRegistry_HandleBeforeRegister(t *testing.T) {
	r := proxy.NewRegistry()

	// Handle always succeeds, even for an unregistered name.
	h := r.Handle("math")
	if h == nil {
		t.Fatal("expected non-nil handle")
	}
	if h.Resolved() {
		t.Error("handle should not be resolved before registration")
	}

	// Resolution fails while unregistered, but the handle stays usable.
	if err := h.Resolve(context.Background()); !errors.Is(err, txflow.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}

	// After registration the same handle resolves.
	r.Register("math", newMathService())
	if err := h.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve after register: %v", err)
	}
	if !h.Resolved() {
		t.Error("handle should be resolved")
	}
}

func TestRegistry_HandleIsShared(t *testing.T) {
	r := proxy.NewRegistry()
	h1 := r.Handle("svc")
	h2 := r.Handle("svc")
	if h1 != h2 {
		t.Error("expected the same handle for repeated Handle calls")
	}
}

func TestHandle_ResolveCachedAfterSuccess(t *testing.T) {
	r := proxy.NewRegistry()
	r.Register("math", newMathService())

	h := r.Handle("math")
	if err := h.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Even if the registration is replaced, the handle keeps its cached
	// invoker — resolution is permanent for the handle's lifetime.
	r.Register("math", proxy.NewService("math"))
	if err := h.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve after re-register: %v", err)
	}
}

func TestHandle_ConcurrentResolve(t *testing.T) {
	r := proxy.NewRegistry()
	r.Register("math", newMathService())
	h := r.Handle("math")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.Resolve(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Resolve: %v", err)
		}
	}
}

func TestRegistry_MutualDependencies(t *testing.T) {
	r := proxy.NewRegistry()
	caller := proxy.NewCaller(slog.Default(), time.Second)

	// Each service obtains a handle to the other before either is
	// registered — the arena breaks the initialization cycle.
	handleToB := r.Handle("svc-b")
	handleToA := r.Handle("svc-a")

	svcA := proxy.NewService("svc-a")
	svcA.Handle("Ping", proxy.Method(func(ctx context.Context, _ struct{}) (string, error) {
		var reply string
		if err := caller.Call(ctx, handleToB, "Pong", struct{}{}, &reply); err != nil {
			return "", err
		}
		return "a:" + reply, nil
	}))

	svcB := proxy.NewService("svc-b")
	svcB.Handle("Pong", proxy.Method(func(_ context.Context, _ struct{}) (string, error) {
		return "b", nil
	}))

	r.Register("svc-a", svcA)
	r.Register("svc-b", svcB)

	var out string
	if err := caller.Call(context.Background(), handleToA, "Ping", struct{}{}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "a:b" {
		t.Errorf("reply = %q, want %q", out, "a:b")
	}
}

// ──────────────────────────────────────────────────
// Caller
// ──────────────────────────────────────────────────

func TestCaller_CallRoundTrip(t *testing.T) {
	r := proxy.NewRegistry()
	r.Register("math", newMathService())
	caller := proxy.NewCaller(slog.Default(), time.Second)

	var resp addResp
	err := caller.Call(context.Background(), r.Handle("math"), "Add", addReq{A: 2, B: 40}, &resp)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Sum != 42 {
		t.Errorf("Sum = %d, want 42", resp.Sum)
	}
}

func TestCaller_Timeout(t *testing.T) {
	r := proxy.NewRegistry()
	svc := proxy.NewService("slow")
	svc.Handle("Hang", func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	r.Register("slow", svc)

	caller := proxy.NewCaller(slog.Default(), time.Second)

	start := time.Now()
	err := caller.Call(context.Background(), r.Handle("slow"), "Hang", nil, nil, proxy.WithTimeout(100*time.Millisecond))
	elapsed := time.Since(start)

	if !errors.Is(err, txflow.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("call took %v, should be bounded by the 100ms timeout", elapsed)
	}
}

func TestCaller_RemoteErrorPassthrough(t *testing.T) {
	r := proxy.NewRegistry()
	svc := proxy.NewService("billing")
	svc.Handle("Charge", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, &proxy.RemoteError{Code: "insufficient_funds", Message: "balance too low"}
	})
	r.Register("billing", svc)

	caller := proxy.NewCaller(slog.Default(), time.Second)

	err := caller.Call(context.Background(), r.Handle("billing"), "Charge", nil, nil)
	var remote *proxy.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Code != "insufficient_funds" {
		t.Errorf("Code = %q, want %q", remote.Code, "insufficient_funds")
	}
}

func TestCaller_MethodNotFound(t *testing.T) {
	r := proxy.NewRegistry()
	r.Register("math", newMathService())
	caller := proxy.NewCaller(slog.Default(), time.Second)

	err := caller.Call(context.Background(), r.Handle("math"), "Divide", addReq{}, nil)
	var remote *proxy.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Code != proxy.CodeMethodNotFound {
		t.Errorf("Code = %q, want %q", remote.Code, proxy.CodeMethodNotFound)
	}
}

func TestCaller_UnresolvedServiceNotFound(t *testing.T) {
	r := proxy.NewRegistry()
	caller := proxy.NewCaller(slog.Default(), time.Second)

	err := caller.Call(context.Background(), r.Handle("ghost"), "Do", nil, nil)
	if !errors.Is(err, txflow.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestCaller_TransportFailureIsUnreachable(t *testing.T) {
	r := proxy.NewRegistry()
	svc := proxy.NewService("flaky")
	svc.Handle("Do", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("connection refused")
	})
	r.Register("flaky", svc)

	caller := proxy.NewCaller(slog.Default(), time.Second)

	err := caller.Call(context.Background(), r.Handle("flaky"), "Do", nil, nil)
	if !errors.Is(err, txflow.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
