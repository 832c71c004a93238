package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":" decrypt ","request_id":"r1","task_id":"task-1"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionDecrypt || control.TaskID != "task-1" {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.RequestID != "r1" {
		t.Fatalf("RequestID = %q, want %q", control.RequestID, "r1")
	}
}

func TestParseClientMessageUpdateForm(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"update_form","form":{"name":"n","compute_value":"12","description":"d"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control := msg.(ClientControl)
	if control.Form == nil || control.Form.ComputeValue != "12" {
		t.Fatalf("Form = %+v, want compute_value 12", control.Form)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"approve_task_step"}`))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("error = %v, want ErrUnsupportedAction", err)
	}
}

func TestParseClientMessageRequiresTaskID(t *testing.T) {
	for _, raw := range []string{
		`{"type":"client_control","action":"decrypt"}`,
		`{"type":"client_control","action":"select","task_id":"  "}`,
		`{"type":"client_control","action":"update_form"}`,
		`{"type":"client_control"}`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want validation error", raw)
		}
	}
}

func TestParseClientMessageInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func BenchmarkParseClientMessageControl(b *testing.B) {
	raw := []byte(`{"type":"client_control","action":"decrypt","request_id":"r7","task_id":"task-0190"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientControl); !ok {
			b.Fatalf("message type = %T, want ClientControl", msg)
		}
	}
}
