package mux

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func newConnectedPipes(t *testing.T) (*Pipe, *Pipe) {
	t.Helper()
	a, b := net.Pipe()
	pa := NewPipe(a)
	pb := NewPipe(b)
	pa.Start()
	pb.Start()
	t.Cleanup(func() {
		pa.Close(nil)
		pb.Close(nil)
	})
	return pa, pb
}

func TestMissionReassemblySmall(t *testing.T) {
	pa, pb := newConnectedPipes(t)

	payload := []byte("hello, mission")
	if _, err := pa.CreateMission(payload, map[string]interface{}{"route": "sink"}, 4); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := pb.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(msg.Data, payload) {
		t.Fatalf("got %q want %q", msg.Data, payload)
	}
	if msg.Info["route"] != "sink" {
		t.Fatalf("info not carried through: %+v", msg.Info)
	}
}

func TestMissionReassemblyChunkSizes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 10000)
	for _, c := range []int{1, 2, 4096, len(payload) + 1} {
		pa, pb := newConnectedPipes(t)
		if _, err := pa.CreateMission(payload, nil, c); err != nil {
			t.Fatalf("chunk %d: CreateMission: %v", c, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		msg, err := pb.Recv(ctx)
		cancel()
		if err != nil {
			t.Fatalf("chunk %d: Recv: %v", c, err)
		}
		if !bytes.Equal(msg.Data, payload) {
			t.Fatalf("chunk %d: payload mismatch, got %d bytes want %d", c, len(msg.Data), len(payload))
		}
	}
}

func TestEmptyMission(t *testing.T) {
	pa, pb := newConnectedPipes(t)
	if _, err := pa.CreateMission(nil, map[string]interface{}{"k": "v"}, 4096); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := pb.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(msg.Data) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(msg.Data))
	}
}

func TestMultipleMissionsInterleave(t *testing.T) {
	pa, pb := newConnectedPipes(t)

	big := bytes.Repeat([]byte("A"), 40000)
	small := []byte("small")

	if _, err := pa.CreateMission(big, map[string]interface{}{"which": "big"}, 256); err != nil {
		t.Fatalf("CreateMission big: %v", err)
	}
	if _, err := pa.CreateMission(small, map[string]interface{}{"which": "small"}, 256); err != nil {
		t.Fatalf("CreateMission small: %v", err)
	}

	seen := map[string][]byte{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(seen) < 2 {
		msg, err := pb.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		which, _ := msg.Info["which"].(string)
		seen[which] = msg.Data
	}

	if !bytes.Equal(seen["big"], big) {
		t.Fatalf("big mission payload mismatch")
	}
	if !bytes.Equal(seen["small"], small) {
		t.Fatalf("small mission payload mismatch")
	}
}

func TestCancelMissionDiscardsOnReceiver(t *testing.T) {
	a, b := net.Pipe()
	cancelled := make(chan string, 1)
	pa := NewPipe(a)
	pb := NewPipe(b, WithCancelHandler(func(ext string) {
		select {
		case cancelled <- ext:
		default:
		}
	}))
	pa.Start()
	pb.Start()
	t.Cleanup(func() {
		pa.Close(nil)
		pb.Close(nil)
	})

	big := bytes.Repeat([]byte("z"), 1_000_000)
	ext, err := pa.CreateMission(big, nil, 64)
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if !pa.CancelMission(ext) {
		t.Fatalf("CancelMission returned false")
	}

	select {
	case got := <-cancelled:
		if got != ext {
			t.Fatalf("cancel handler fired for %q, want %q", got, ext)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver cancel handler never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	msg, err := pb.Recv(ctx)
	if err == nil {
		t.Fatalf("expected no completed mission to surface, got %+v", msg)
	}
}

func TestCancelUnknownMissionReturnsFalse(t *testing.T) {
	pa, _ := newConnectedPipes(t)
	if pa.CancelMission("zzzz") {
		t.Fatal("expected false for unknown mission")
	}
}
