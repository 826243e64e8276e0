package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
)

func TestErrorClassesMapToErrdefs(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")

	cases := []struct {
		name  string
		err   error
		class func(error) bool
	}{
		{"validation", Validation("showStockPurchase", "quantity", "must be > 0"), errdefs.IsInvalidArgument},
		{"provider", Provider("exa", "search", cause), errdefs.IsUnavailable},
		{"persistence", &PersistenceError{SessionID: "s1", Err: cause}, errdefs.IsDataLoss},
		{"protocol", &ProtocolError{Tool: "sellStock", Reason: "unknown tool"}, errdefs.IsNotImplemented},
	}

	for _, tc := range cases {
		wrapped := fmt.Errorf("turn: %w", tc.err)
		if !tc.class(wrapped) {
			t.Errorf("%s: expected errdefs class to match %v", tc.name, wrapped)
		}
	}
}

func TestProviderKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("timeout")
	err := Provider("wolfram", "query", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable from %v", err)
	}
	if !IsProvider(err) {
		t.Fatal("expected IsProvider to be true")
	}
	if again := Provider("other", "op", err); again != err {
		t.Fatalf("expected already-wrapped error to be returned as is, got %v", again)
	}
	if Provider("x", "y", nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}
}

func TestValidationMessage(t *testing.T) {
	t.Parallel()

	err := Validation("showStockPurchase", "quantity", "must be in (0, %d]", 1000)
	want := "validate showStockPurchase.quantity: must be in (0, 1000]"
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !IsValidation(err) || IsProtocol(err) || IsPersistence(err) {
		t.Fatal("unexpected classification")
	}
}
