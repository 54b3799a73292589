package saga

import (
	"context"
	"errors"
	"testing"
)

func TestCompensate_RunsInReverseOrder(t *testing.T) {
	t.Parallel()

	inst := New("1")
	var order []string
	inst.RegisterCompensation("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	inst.RegisterCompensation("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	inst.RegisterCompensation("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	failures := inst.Compensate(context.Background())
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %v", failures)
	}
	want := []string{"third", "second", "first"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("compensation order %v, want %v", order, want)
		}
	}
}

func TestCompensate_CollectsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	boom := errors.New("refund failed")
	inst := New("1")
	ran := false
	inst.RegisterCompensation("release_stock", func(context.Context) error {
		ran = true
		return nil
	})
	inst.RegisterCompensation("refund_payment", func(context.Context) error {
		return boom
	})

	failures := inst.Compensate(context.Background())
	if !ran {
		t.Fatal("a failed compensation must not stop the remaining ones")
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if failures[0].Name != "refund_payment" {
		t.Fatalf("unexpected failure name %q", failures[0].Name)
	}
	if !errors.Is(failures[0], boom) {
		t.Fatalf("expected wrapped cause, got %v", failures[0].Err)
	}
}

func TestCompensate_EmptyInstance(t *testing.T) {
	t.Parallel()

	if failures := New("1").Compensate(context.Background()); failures != nil {
		t.Fatalf("expected nil failures, got %v", failures)
	}
}

func TestInstance_Lifecycle(t *testing.T) {
	t.Parallel()

	inst := New("42")
	if inst.Status != StatusStarted {
		t.Fatalf("new instance status %q, want %q", inst.Status, StatusStarted)
	}

	inst.RecordStep("fetch_user", StepSucceeded, "")
	inst.RecordStep("charge_payment", StepFailed, "declined")
	if len(inst.Steps) != 2 {
		t.Fatalf("expected 2 recorded steps, got %d", len(inst.Steps))
	}
	if inst.Steps[1].Outcome != StepFailed || inst.Steps[1].Detail != "declined" {
		t.Fatalf("unexpected step record %+v", inst.Steps[1])
	}

	inst.Fail()
	if inst.Status != StatusFailed {
		t.Fatalf("status %q, want %q", inst.Status, StatusFailed)
	}

	complete := New("43")
	complete.Complete()
	if complete.Status != StatusCompleted {
		t.Fatalf("status %q, want %q", complete.Status, StatusCompleted)
	}
}
