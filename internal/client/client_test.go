package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tenzoki/meshwire/internal/broker"
)

func startTestBroker(t *testing.T) string {
	t.Helper()
	svc := broker.NewService()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	port, err := svc.Listen(ctx, "127.0.0.1:0", broker.PortConfig{
		Token:  "tok",
		Groups: map[string]string{"g": "secret"},
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return port.Addr()
}

func TestDialAndActivities(t *testing.T) {
	addr := startTestBroker(t)

	conn, err := Dial(addr, Credentials{Group: "g", Secret: "secret", Token: "tok", Mac: "c1"}, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Cmd("activities", map[string]interface{}{"_add": "cc11"}); err != nil {
		t.Fatalf("Cmd: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := conn.Pipe.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var reply map[string]interface{}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply["_add"] != "cc11" {
		t.Fatalf("expected _add echoed, got %+v", reply)
	}
}

func TestCallCorrelatesReply(t *testing.T) {
	addr := startTestBroker(t)

	conn, err := Dial(addr, Credentials{Group: "g", Secret: "secret", Token: "tok", Mac: "c3"}, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.StartServ(ctx)

	reply, err := conn.Call(ctx, "alive", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply["_data"] != "OK" {
		t.Fatalf("expected alive to reply OK, got %+v", reply)
	}
	if reply["sender"] != "_server" {
		t.Fatalf("expected sender _server, got %+v", reply)
	}
}

func TestForwardLandsOnServQueue(t *testing.T) {
	addr := startTestBroker(t)

	a, err := Dial(addr, Credentials{Group: "g", Secret: "secret", Token: "tok", Mac: "fa"}, time.Second)
	if err != nil {
		t.Fatalf("Dial a: %v", err)
	}
	defer a.Close()
	b, err := Dial(addr, Credentials{Group: "g", Secret: "secret", Token: "tok", Mac: "fb"}, time.Second)
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartServ(ctx)

	if _, err := a.Forward("fb", "ping", "zz11"); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	select {
	case msg := <-b.Serv():
		var env map[string]interface{}
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Fatalf("unmarshal forwarded envelope: %v", err)
		}
		if env["sender"] != "fa" || env["_data"] != "ping" {
			t.Fatalf("unexpected forwarded envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded envelope never reached the serv queue")
	}
}

func TestDialBadCredentialsFails(t *testing.T) {
	addr := startTestBroker(t)
	_, err := Dial(addr, Credentials{Group: "g", Secret: "wrong", Token: "tok", Mac: "c2"}, time.Second)
	if err == nil {
		t.Fatal("expected Dial to fail with bad credentials")
	}
}
