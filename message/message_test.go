package message

import (
	"testing"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestNewByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want Kind
	}{
		{KindMethod, KindMethod},
		{KindEvent, KindEvent},
		{KindMetadata, KindMetadata},
	}
	for _, tc := range cases {
		msg, err := New(tc.kind)
		if err != nil {
			t.Fatalf("New(%v) failed: %v", tc.kind, err)
		}
		if msg.Kind() != tc.want {
			t.Errorf("New(%v).Kind() = %v", tc.kind, msg.Kind())
		}
	}

	if _, err := New(Kind(9)); err == nil {
		t.Fatal("expect error for unknown kind")
	}
}

func TestEventArgsBindSet(t *testing.T) {
	args, err := NewEventArgs(Point{X: 1, Y: 2})
	if err != nil {
		t.Fatal(err)
	}

	var p Point
	if err := args.Bind(&p); err != nil {
		t.Fatal(err)
	}
	if p.X != 1 || p.Y != 2 {
		t.Fatalf("expect {1 2}, got %+v", p)
	}

	// Empty payload binds to the zero value
	var empty Point
	if err := (&EventArgs{}).Bind(&empty); err != nil {
		t.Fatal(err)
	}
}

func TestEventArgsCopyFrom(t *testing.T) {
	original := &EventArgs{Data: []byte(`1`)}
	computed := &EventArgs{Cancel: true, Versions: []int{2}, Data: []byte(`42`)}

	original.CopyFrom(computed)
	if !original.Cancel || string(original.Data) != "42" || len(original.Versions) != 1 {
		t.Fatalf("computed fields not copied: %+v", original)
	}

	// The copy must not alias the source
	computed.Data[0] = '9'
	if string(original.Data) != "42" {
		t.Fatalf("CopyFrom aliased Data: %s", original.Data)
	}

	original.CopyFrom(nil)
	if string(original.Data) != "42" {
		t.Fatal("CopyFrom(nil) must be a no-op")
	}
}

func TestEventFlagString(t *testing.T) {
	if ComputeArgs.String() != "COMPUTE_ARGS" {
		t.Errorf("got %s", ComputeArgs.String())
	}
	if EventFlag(77).String() != "EventFlag(77)" {
		t.Errorf("got %s", EventFlag(77).String())
	}
}
