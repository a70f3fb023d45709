package commsutil

import (
	"testing"

	"github.com/mustergrid/muster/pkg/protocol"
)

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    string
		wantErr bool
	}{
		{
			name:  "simple map",
			input: map[string]string{"key": "value"},
			want:  `{"key":"value"}`,
		},
		{
			name:  "slice",
			input: []int{1, 2, 3},
			want:  "[1,2,3]",
		},
		{
			name:  "nil",
			input: nil,
			want:  "null",
		},
		{
			name:    "channel is not serializable",
			input:   make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}

			got := string(data)
			if got != tt.want {
				t.Errorf("commsutil:codec_test - EncodePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	var m map[string]string
	if err := DecodePayload([]byte(`{invalid}`), &m); err == nil {
		t.Error("commsutil:codec_test - expected error for invalid json")
	}
	if err := DecodePayload(nil, &m); err == nil {
		t.Error("commsutil:codec_test - expected error for empty data")
	}
}

func TestEncodeDecodeCallEnvelope(t *testing.T) {
	args, err := protocol.EncodeArgs([]interface{}{27})
	if err != nil {
		t.Fatalf("commsutil:codec_test - EncodeArgs failed: %v", err)
	}
	original := protocol.CallRequest{
		RequestID: "01J5REQUEST",
		ClientID:  "01J5CLIENT",
		Op:        protocol.OpApply,
		Func:      "f",
		Args:      args,
	}

	data, err := EncodePayload(original)
	if err != nil {
		t.Fatalf("commsutil:codec_test - encode failed: %v", err)
	}

	var decoded protocol.CallRequest
	if err := DecodePayload(data, &decoded); err != nil {
		t.Fatalf("commsutil:codec_test - decode failed: %v", err)
	}

	if decoded.RequestID != original.RequestID {
		t.Errorf("commsutil:codec_test - RequestID = %q, want %q", decoded.RequestID, original.RequestID)
	}
	if decoded.Op != protocol.OpApply {
		t.Errorf("commsutil:codec_test - Op = %q, want %q", decoded.Op, protocol.OpApply)
	}
	if string(decoded.Args) != string(args) {
		t.Errorf("commsutil:codec_test - Args = %s, want %s", decoded.Args, args)
	}
}
