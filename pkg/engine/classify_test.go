package engine

import (
	"testing"

	"github.com/mustergrid/muster/pkg/protocol"
)

func TestKindForMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"integer division by zero", protocol.KindZeroDivision},
		{"floating-point division by zero", protocol.KindZeroDivision},
		{"integer modulo by zero", protocol.KindZeroDivision},
		{"name 'x' is not defined", protocol.KindName},
		{"undefined: foo", protocol.KindName},
		{"global variable x referenced before assignment", protocol.KindName},
		{"unknown binary op: string + int", protocol.KindType},
		{"invalid call of non-function (int)", protocol.KindType},
		{"'g' of type int is not callable", protocol.KindType},
		{"index 5 out of range", protocol.KindIndex},
		{`key "k" not in dict`, protocol.KindKey},
		{"int: invalid literal with base 10", protocol.KindValue},
		{"value of type function is not serializable", protocol.KindSerialization},
		{"fail: something broke", protocol.KindRuntime},
		{"anything else entirely", protocol.KindRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := kindForMessage(tt.msg); got != tt.want {
				t.Errorf("engine:classify_test - kindForMessage(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassifyCompile(t *testing.T) {
	e := NewExecutor("uuid-test")

	reply := runExecute(t, e, "def (")
	if reply.Fault == nil || reply.Fault.Kind != protocol.KindSyntax {
		t.Errorf("engine:classify_test - parse fault = %+v, want SyntaxError", reply.Fault)
	}

	reply = runExecute(t, e, "y = missing_name")
	if reply.Fault == nil || reply.Fault.Kind != protocol.KindName {
		t.Errorf("engine:classify_test - resolve fault = %+v, want NameError", reply.Fault)
	}
}
