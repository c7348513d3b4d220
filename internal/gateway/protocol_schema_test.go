package gateway

import (
	"testing"

	"github.com/haasonsaas/canvasd/internal/canvas"
)

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    canvas.Opcode
		wantErr bool
	}{
		{name: "switch", raw: `{"opcode":0,"payload":{"canvas_id":"c1","resume_token":"t"}}`, want: canvas.OpSwitchCanvas},
		{name: "unsubscribe without payload", raw: `{"opcode":1}`, want: canvas.OpUnsubscribeCanvas},
		{name: "clear with null payload", raw: `{"opcode":2,"payload":null}`, want: canvas.OpClearCanvas},
		{name: "ping", raw: `{"opcode":3,"payload":{}}`, want: canvas.OpPing},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "missing opcode", raw: `{"payload":{}}`, wantErr: true},
		{name: "unknown opcode", raw: `{"opcode":7}`, wantErr: true},
		{name: "fractional opcode", raw: `{"opcode":1.5}`, wantErr: true},
		{name: "payload not object", raw: `{"opcode":3,"payload":[1]}`, wantErr: true},
		{name: "switch without canvas", raw: `{"opcode":0,"payload":{}}`, wantErr: true},
		{name: "switch with numeric canvas", raw: `{"opcode":0,"payload":{"canvas_id":5}}`, wantErr: true},
		{name: "switch with empty canvas", raw: `{"opcode":0,"payload":{"canvas_id":""}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeControl([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeControl() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && env.Opcode != tt.want {
				t.Errorf("opcode = %d, want %d", env.Opcode, tt.want)
			}
		})
	}
}

func TestDecodeControlPayload(t *testing.T) {
	env, err := decodeControl([]byte(`{"opcode":0,"payload":{"canvas_id":"board-1","resume_token":"abc"}}`))
	if err != nil {
		t.Fatalf("decodeControl() error = %v", err)
	}
	var req canvas.SwitchCanvas
	if err := env.DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if req.CanvasID != "board-1" || req.ResumeToken != "abc" {
		t.Errorf("payload = %+v", req)
	}
}
