package outcome

import (
	"errors"
	"fmt"
	"testing"
)

func TestFromClassifiesWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("scan: %w", Conflict(CodeDuplicateScan))
	got := From(wrapped)
	if got.Kind != KindConflict || got.Code != CodeDuplicateScan {
		t.Fatalf("expected conflict DuplicateScan, got %s %s", got.Kind, got.Code)
	}

	plain := From(errors.New("connection reset"))
	if plain.Kind != KindSystem || plain.Code != CodeSystemError {
		t.Fatalf("expected system error, got %s %s", plain.Kind, plain.Code)
	}

	if From(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestKindOf(t *testing.T) {
	cases := map[Kind]error{
		KindSuccess:    nil,
		KindValidation: Validation(CodeInvalidRequest, "cardCode required"),
		KindNotFound:   NotFound(CodeCardNotFound),
		KindConflict:   Conflict(CodeInvalidTransition),
		KindSystem:     System("load card", errors.New("timeout")),
	}
	for expected, err := range cases {
		if got := KindOf(err); got != expected {
			t.Fatalf("expected %s, got %s", expected, got)
		}
	}
}

func TestSystemKeepsCause(t *testing.T) {
	cause := errors.New("pool closed")
	err := System("insert event", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if err.Error() != "SystemError: insert event: pool closed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !IsCode(err, CodeSystemError) {
		t.Fatalf("expected SystemError code")
	}
}
