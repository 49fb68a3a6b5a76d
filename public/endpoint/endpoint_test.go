package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tenzoki/meshwire/internal/mux"
)

func pipePair() (*mux.Pipe, *mux.Pipe) {
	a, b := net.Pipe()
	pa := mux.NewPipe(a)
	pb := mux.NewPipe(b)
	pa.Start()
	pb.Start()
	return pa, pb
}

func TestRouteDispatch(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	ep := New(WrapPipe(pb), WithWorkers(2))
	called := make(chan string, 1)
	ep.Request("ping", func(req *Request) *Response {
		called <- req.String()
		return nil
	}, "respond to ping")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	if _, err := pa.CreateMission([]byte("hello"), map[string]interface{}{"route": "ping"}, 0); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	select {
	case got := <-called:
		if got != "hello" {
			t.Fatalf("expected body %q, got %q", "hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestDefaultHandlerFallback(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	ep := New(WrapPipe(pb), WithWorkers(1))
	hit := make(chan string, 1)
	ep.Default(func(req *Request) *Response {
		hit <- req.Route()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	pa.CreateMission([]byte("x"), map[string]interface{}{"route": "unknown/route"}, 0)

	select {
	case got := <-hit:
		if got != "unknown/route" {
			t.Fatalf("unexpected route in default handler: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("default handler was not invoked")
	}
}

func TestMiddlewareOrdering(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	ep := New(WrapPipe(pb), WithWorkers(1))
	var order []string
	mkmw := func(tag string) MiddlewareFunc {
		return func(next HandlerFunc) HandlerFunc {
			return func(req *Request) *Response {
				order = append(order, tag)
				return next(req)
			}
		}
	}
	ep.Middleware(mkmw("outer"))
	ep.Middleware(mkmw("inner"))

	done := make(chan struct{})
	ep.Request("m", func(req *Request) *Response {
		order = append(order, "handler")
		close(done)
		return nil
	}, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	pa.CreateMission(nil, map[string]interface{}{"route": "m"}, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Fatalf("unexpected middleware order: %v", order)
	}
}

func TestBeforeHookShortCircuits(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	ep := New(WrapPipe(pb), WithWorkers(1))
	handlerRan := false
	ep.BeforeRequest(func(req *Request) *Response {
		return &Response{Data: "short-circuited"}
	})
	ep.Request("r", func(req *Request) *Response {
		handlerRan = true
		return nil
	}, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	pa.CreateMission(nil, map[string]interface{}{"route": "r", "message_id": "m1"}, 0)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	msg, err := pa.Recv(ctx2)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Data) != "short-circuited" {
		t.Fatalf("unexpected reply body: %s", msg.Data)
	}
	if handlerRan {
		t.Fatal("handler should not have run; before hook short-circuited")
	}
}

func TestAfterHookReplacesResponse(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	ep := New(WrapPipe(pb), WithWorkers(1))
	ep.AfterRequest(func(req *Request, resp *Response) *Response {
		return &Response{Data: "replaced"}
	})
	ep.Request("r", func(req *Request) *Response {
		return &Response{Data: "original"}
	}, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	pa.CreateMission(nil, map[string]interface{}{"route": "r", "message_id": "m2"}, 0)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	msg, err := pa.Recv(ctx2)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Data) != "replaced" {
		t.Fatalf("unexpected reply body: %s", msg.Data)
	}
}

func TestBlueprintPrecedence(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	ep := New(WrapPipe(pb), WithWorkers(1))
	var stamps []string
	ep.Middleware(func(next HandlerFunc) HandlerFunc {
		return func(req *Request) *Response {
			stamps = append(stamps, "endpoint-mw")
			return next(req)
		}
	})

	bp := NewBlueprint("user/")
	bp.Middleware(func(next HandlerFunc) HandlerFunc {
		return func(req *Request) *Response {
			stamps = append(stamps, "blueprint-mw")
			return next(req)
		}
	})
	done := make(chan struct{})
	bp.Request("list", func(req *Request) *Response {
		close(done)
		return nil
	}, "list users")
	ep.RegisterBlueprint(bp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	pa.CreateMission(nil, map[string]interface{}{"route": "user/list"}, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blueprint handler never ran")
	}

	if len(stamps) != 2 || stamps[0] != "endpoint-mw" || stamps[1] != "blueprint-mw" {
		t.Fatalf("expected endpoint middleware before blueprint middleware, got %v", stamps)
	}
}

func TestSendBlockingRoundTrip(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)

	epA := New(WrapPipe(pa), WithWorkers(1))
	epB := New(WrapPipe(pb), WithWorkers(1))

	epB.Default(func(req *Request) *Response {
		return &Response{Data: map[string]interface{}{"echo": req.String()}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	epA.Start(ctx)
	epB.Start(ctx)
	defer epA.Stop()
	defer epB.Stop()

	_, _, reply, err := epA.Send("greet", "hi", nil, true, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a blocking reply")
	}
	if !reply.IsResponse() {
		t.Fatal("expected IsResponse to be true on reply")
	}
}

func TestCancelMissionWakesPendingCallback(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)
	_ = pb

	ep := New(WrapPipe(pa), WithWorkers(1), WithChunkSize(64))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	fired := make(chan *Request, 1)
	big := make([]byte, 100_000)
	_, ext, _, err := ep.Send("sink", big, func(req *Request) { fired <- req }, false, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ext == "" {
		t.Fatal("expected a mission extension for a payload larger than the chunk size")
	}

	ep.CancelMission(ext, "")

	select {
	case req := <-fired:
		if !req.IsCancel() {
			t.Fatal("expected the woken callback to carry is_cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending callback never woken after CancelMission")
	}
}

func TestSendWithTimeoutExpires(t *testing.T) {
	pa, pb := pipePair()
	defer pa.Close(nil)
	defer pb.Close(nil)
	_ = pb

	epA := New(WrapPipe(pa), WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	epA.Start(ctx)
	defer epA.Stop()

	_, err := epA.SendWithTimeout("nobody/listens", "hi", "", 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
