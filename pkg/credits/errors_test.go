package credits

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "account"
	codeName         = "invariant"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestOperationErrorUnwrapsSentinel(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError(operationName, subjectName, codeName, ErrInvalidTransition)
	if !errors.Is(wrappedError, ErrInvalidTransition) {
		test.Fatalf("expected wrapped error to match sentinel")
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected fields: %s.%s.%s",
			operationError.Operation(), operationError.Subject(), operationError.Code())
	}
}

func TestInsufficientCreditsErrorMatchesSentinel(test *testing.T) {
	test.Parallel()
	shortfall := InsufficientCreditsError{Required: 60, Available: 25}
	if !errors.Is(shortfall, ErrInsufficientCredits) {
		test.Fatalf("expected shortfall to match ErrInsufficientCredits")
	}
	if shortfall.Error() == "" {
		test.Fatalf("expected shortfall message")
	}
}
