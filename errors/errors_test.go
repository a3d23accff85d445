package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"consumer unreachable", ErrConsumerUnreachable, true},
		{"delivery timeout", ErrDeliveryTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"lock unavailable", ErrLockUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"validation rejected", ErrValidationRejected, false},
		{"invalid config", ErrInvalidConfig, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"cluster down", ErrClusterDown, true},
		{"stale rejected", ErrStaleRejected, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"validation rejected", ErrValidationRejected, true},
		{"stale rejected", ErrStaleRejected, true},
		{"expired rejected", ErrExpiredRejected, true},
		{"wrapped stale rejected", fmt.Errorf("put: %w", ErrStaleRejected), true},
		{"decode failed", ErrDecodeFailed, true},
		{"consumer unreachable", ErrConsumerUnreachable, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(ErrDeliveryTimeout); got != ErrorTransient {
		t.Errorf("expected transient, got %s", got)
	}
	if got := Classify(ErrInvalidConfig); got != ErrorFatal {
		t.Errorf("expected fatal, got %s", got)
	}
	if got := Classify(ErrValidationRejected); got != ErrorInvalid {
		t.Errorf("expected invalid, got %s", got)
	}
	if got := Classify(nil); got != ErrorTransient {
		t.Errorf("expected transient default for nil, got %s", got)
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	wrapped := Wrap(base, "VehicleStore", "Put", "key derivation")
	if wrapped == nil {
		t.Fatal("expected non-nil wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	if !strings.Contains(wrapped.Error(), "VehicleStore.Put") {
		t.Errorf("wrapped error missing component context: %s", wrapped.Error())
	}

	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Dispatcher", "deliver", "http post")
	if !IsTransient(transient) {
		t.Error("WrapTransient result should classify transient")
	}
	if !errors.Is(transient, base) {
		t.Error("classified error should unwrap to base")
	}

	fatal := WrapFatal(base, "Coordinator", "Run", "kv bucket setup")
	if !IsFatal(fatal) {
		t.Error("WrapFatal result should classify fatal")
	}

	invalid := WrapInvalid(base, "Config", "Validate", "parse")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid result should classify invalid")
	}

	if WrapTransient(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}
}
