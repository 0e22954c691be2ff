//go:build windows

package ipc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequest_JSONRoundTrip(t *testing.T) {
	req := Request{Op: OpSetTargets, Targets: []string{`C:\a.exe`, `C:\b.exe`}}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Op != req.Op || len(got.Targets) != 2 {
		t.Errorf("round-tripped Request = %+v, want %+v", got, req)
	}
}

func TestRequest_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Request{Op: OpStats})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if want := `"op":"stats"`; !strings.Contains(s, want) {
		t.Errorf("marshaled Request = %s, want to contain %s", s, want)
	}
	if strings.Contains(s, `"mode"`) || strings.Contains(s, `"targets"`) {
		t.Errorf("marshaled Request = %s, expected mode/targets omitted when empty", s)
	}
}

func TestResponse_JSONRoundTrip(t *testing.T) {
	resp := Response{OK: true, BytesOut: 1024, FlowsActive: 5}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Response
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != resp {
		t.Errorf("round-tripped Response = %+v, want %+v", got, resp)
	}
}
