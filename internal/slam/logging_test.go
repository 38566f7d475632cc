package slam

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})
	t.Cleanup(func() { SetLogWriters(LogWriters{}) })

	Opsf("loop %d -> %d", 40, 3)
	Diagf("candidate distance %.2f", 0.05)
	Tracef("dropped")

	if !strings.Contains(ops.String(), "[slam] ") || !strings.Contains(ops.String(), "loop 40 -> 3") {
		t.Errorf("ops stream = %q", ops.String())
	}
	if !strings.Contains(diag.String(), "candidate distance 0.05") {
		t.Errorf("diag stream = %q", diag.String())
	}
	if strings.Contains(ops.String()+diag.String(), "dropped") {
		t.Error("trace output leaked into another stream")
	}
}

func TestSetLogWriters_NilDisables(t *testing.T) {
	SetLogWriters(LogWriters{})
	// Must not panic with every stream disabled.
	Opsf("x")
	Diagf("x")
	Tracef("x")
}

func TestSetLogWriters_ReplacesPreviousWriters(t *testing.T) {
	var first, second bytes.Buffer
	SetLogWriters(LogWriters{Trace: &first})
	SetLogWriters(LogWriters{Trace: &second})
	t.Cleanup(func() { SetLogWriters(LogWriters{}) })

	Tracef("icp iterations %d", 7)
	Opsf("nowhere")

	if first.Len() != 0 {
		t.Errorf("old trace writer still receives output: %q", first.String())
	}
	if !strings.Contains(second.String(), "icp iterations 7") {
		t.Errorf("trace stream = %q", second.String())
	}
}
