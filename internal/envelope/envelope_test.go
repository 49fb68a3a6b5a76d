package envelope

import "testing"

func TestNewAssignsUUIDAndFields(t *testing.T) {
	e := New("user/list", "m1", []byte("body"))
	if e.ID == "" {
		t.Fatal("expected a generated ID")
	}
	if e.Route != "user/list" || e.MessageID != "m1" || string(e.Body) != "body" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
}

func TestFromInfoLiftsKnownKeysAndHeaders(t *testing.T) {
	info := map[string]interface{}{
		"route":          "ping",
		"message_id":     "m1",
		"is_response":    true,
		"pipe_safe_code": "ab12",
		"custom":         "value",
		"count":          float64(3),
	}
	e := FromInfo(info, []byte("hi"))

	if e.Route != "ping" || e.MessageID != "m1" || !e.IsResponse || e.PipeSafeCode != "ab12" {
		t.Fatalf("known keys not lifted correctly: %+v", e)
	}
	if e.Headers["custom"] != "value" {
		t.Fatalf("expected custom header preserved, got %v", e.Headers)
	}
	if e.Headers["count"] != "3" {
		t.Fatalf("expected numeric header JSON-encoded, got %v", e.Headers["count"])
	}
}

func TestToInfoRoundTrip(t *testing.T) {
	e := New("route1", "m2", nil)
	e.IsCancel = true
	e.Headers["x"] = "y"

	info := e.ToInfo()
	if info["route"] != "route1" || info["message_id"] != "m2" || info["is_cancel"] != true || info["x"] != "y" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, ok := info["is_response"]; ok {
		t.Fatal("is_response should be omitted when false")
	}
}

func TestValidateRequiresMessageIDOnResponseOrCancel(t *testing.T) {
	e := &Envelope{IsResponse: true}
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for response without message_id")
	}

	e2 := &Envelope{IsCancel: true, MessageID: "m3"}
	if err := e2.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestEncodeBodyVariants(t *testing.T) {
	if b, err := EncodeBody(nil); err != nil || b != nil {
		t.Fatalf("expected nil body for nil input, got %v, %v", b, err)
	}
	if b, err := EncodeBody("text"); err != nil || string(b) != "text" {
		t.Fatalf("expected raw string bytes, got %v, %v", b, err)
	}
	if b, err := EncodeBody([]byte{1, 2, 3}); err != nil || len(b) != 3 {
		t.Fatalf("expected byte slice passthrough, got %v, %v", b, err)
	}
	b, err := EncodeBody(map[string]int{"a": 1})
	if err != nil || string(b) != `{"a":1}` {
		t.Fatalf("expected JSON-encoded map, got %s, %v", b, err)
	}
}
