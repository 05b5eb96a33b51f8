package errors

import (
	"errors"
	"fmt"
	"testing"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// BusError Tests
// -----------------------------------------------------------------------------

func TestNewBusError(t *testing.T) {
	err := NewBusError("connect producer", ErrBusUnreachable)

	if err.message != "connect producer" {
		t.Errorf("message = %q, want %q", err.message, "connect producer")
	}
	if err.Severity() != SeverityError {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityError)
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
}

func TestBusError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *BusError
		want string
	}{
		{
			name: "no context",
			err:  NewBusError("publish", nil),
			want: "bus error: publish",
		},
		{
			name: "backend and topic",
			err:  NewBusError("publish", ErrNotConnected).WithBackend("redis").WithTopic("hocuspocus.doc1"),
			want: "bus error [backend=redis, topic=hocuspocus.doc1]: publish: bus binding not connected",
		},
		{
			name: "backend only",
			err:  NewBusError("ping", ErrBusUnreachable).WithBackend("kafka"),
			want: "bus error [backend=kafka]: ping: bus unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBusError_Is(t *testing.T) {
	err := NewBusError("connect", ErrBusUnreachable)

	if !errors.Is(err, ErrBusUnreachable) {
		t.Error("errors.Is(err, ErrBusUnreachable) = false, want true")
	}
	if !errors.Is(err, &BusError{}) {
		t.Error("errors.Is(err, &BusError{}) = false, want true")
	}
	if errors.Is(err, ErrShortFrame) {
		t.Error("errors.Is(err, ErrShortFrame) = true, want false")
	}

	wrapped := fmt.Errorf("on configure: %w", err)
	var busErr *BusError
	if !errors.As(wrapped, &busErr) {
		t.Fatal("errors.As should find BusError in chain")
	}
	if busErr.message != "connect" {
		t.Errorf("message = %q, want %q", busErr.message, "connect")
	}
}

// -----------------------------------------------------------------------------
// CodecError Tests
// -----------------------------------------------------------------------------

func TestCodecError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *CodecError
		want string
	}{
		{
			name: "with length",
			err:  NewCodecError("envelope", "decode", ErrShortFrame).WithLen(3),
			want: "codec error [codec=envelope, len=3]: decode: frame too short",
		},
		{
			name: "without length",
			err:  NewCodecError("control", "unmarshal", ErrMalformedControl),
			want: "codec error [codec=control]: unmarshal: malformed control message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodecError_NotRetryable(t *testing.T) {
	err := NewCodecError("sync", "read name", ErrMalformedMessage)
	if err.IsRetryable() {
		t.Error("codec errors must not be retryable")
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityWarning)
	}
	if !errors.Is(err, ErrMalformedMessage) {
		t.Error("errors.Is(err, ErrMalformedMessage) = false, want true")
	}
	if !errors.Is(err, &CodecError{}) {
		t.Error("errors.Is(err, &CodecError{}) = false, want true")
	}
}

// -----------------------------------------------------------------------------
// ValidationError Tests
// -----------------------------------------------------------------------------

func TestValidationError(t *testing.T) {
	err := NewValidationError("must be positive").WithField("lock_timeout_ms").WithValue(-1)

	want := "validation error [field=lock_timeout_ms, value=-1]: must be positive"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("validation errors should match ErrInvalidInput")
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Error("errors.Is(err, &ValidationError{}) = false, want true")
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"bus error", NewBusError("publish", nil), true},
		{"bus error not retryable", NewBusError("publish", nil).WithRetryable(false), false},
		{"wrapped bus error", fmt.Errorf("hook: %w", NewBusError("publish", nil)), true},
		{"codec error", NewCodecError("envelope", "decode", ErrShortFrame), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityDebug},
		{"plain", errors.New("x"), SeverityError},
		{"codec", NewCodecError("sync", "x", nil), SeverityWarning},
		{"bus critical", NewBusError("x", nil).WithSeverity(SeverityCritical), SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSeverity(tt.err); got != tt.want {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	base := errors.New("base")
	err := Wrap(base, "ctx")
	if err.Error() != "ctx: base" {
		t.Errorf("Wrap() = %q, want %q", err.Error(), "ctx: base")
	}
	if !errors.Is(err, base) {
		t.Error("Wrap should preserve the chain")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
	err := Wrapf(ErrClosed, "topic %s", "a.b")
	if err.Error() != "topic a.b: closed" {
		t.Errorf("Wrapf() = %q, want %q", err.Error(), "topic a.b: closed")
	}
	if !Is(err, ErrClosed) {
		t.Error("Wrapf should preserve the chain")
	}
}
