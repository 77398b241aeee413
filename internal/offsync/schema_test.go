package offsync

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidatorBuiltinSchemas(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}

	cases := []struct {
		name    string
		opType  OperationType
		payload string
		wantErr bool
	}{
		{"send ok", OpSendMessage, `{"conversationId":"c1","body":"hi"}`, false},
		{"send with client id", OpSendMessage, `{"conversationId":"c1","body":"hi","clientMessageId":"cl_1"}`, false},
		{"send missing body", OpSendMessage, `{"conversationId":"c1"}`, true},
		{"send empty body", OpSendMessage, `{"conversationId":"c1","body":""}`, true},
		{"delete ok", OpDeleteMessage, `{"messageId":"m1"}`, false},
		{"delete missing id", OpDeleteMessage, `{}`, true},
		{"update ok", OpUpdateMessage, `{"messageId":"m1","body":"edited"}`, false},
		{"update missing body", OpUpdateMessage, `{"messageId":"m1"}`, true},
		{"not json", OpSendMessage, `{"conversationId":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.opType, json.RawMessage(tc.payload))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatorUnknownTypePasses(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	if err := v.Validate(OperationType("custom_op"), json.RawMessage(`{"anything":1}`)); err != nil {
		t.Fatalf("type without a schema should pass, got %v", err)
	}
}

func TestValidatorRegisterOverride(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	stricter := []byte(`{
		"type": "object",
		"required": ["conversationId", "body", "clientMessageId"]
	}`)
	if err := v.Register(OpSendMessage, stricter); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	err = v.Validate(OpSendMessage, json.RawMessage(`{"conversationId":"c1","body":"hi"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("override should now require clientMessageId, got %v", err)
	}
}

func TestValidatorRejectsBadSchema(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	if err := v.Register(OpSendMessage, []byte(`{"type": 42`)); err == nil {
		t.Fatalf("expected error for malformed schema document")
	}
}
