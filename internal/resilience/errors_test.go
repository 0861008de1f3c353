package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	if !IsTransient(NewTransientError(errors.New("pool exhausted"))) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedPgError(t *testing.T) {
	wrapped := fmt.Errorf("insert match: %w", &pgconn.PgError{Code: "40P01"})
	if !IsTransient(wrapped) {
		t.Error("expected wrapped deadlock to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_ConstraintViolation(t *testing.T) {
	for _, code := range []string{"23505", "23503", "22P02", "42P01"} {
		if IsTransient(&pgconn.PgError{Code: code}) {
			t.Errorf("SQLSTATE %s should not be transient", code)
		}
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	if !IsTransient(fmt.Errorf("write tcp: %w", syscall.ECONNRESET)) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	if !IsTransient(&net.DNSError{IsTimeout: true, Err: "timeout"}) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"database is locked (5) (SQLITE_BUSY)",
	} {
		if !IsTransient(errors.New(p)) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientSQLState(t *testing.T) {
	transient := []string{"40001", "40P01", "53300", "57P01", "57P03", "08006", "08001"}
	for _, code := range transient {
		if !IsTransientSQLState(code) {
			t.Errorf("expected SQLSTATE %s to be transient", code)
		}
	}

	permanent := []string{"23505", "23502", "42601", "22003"}
	for _, code := range permanent {
		if IsTransientSQLState(code) {
			t.Errorf("expected SQLSTATE %s to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner)
	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
	if te.Error() != "root cause" {
		t.Errorf("expected error message %q, got %q", "root cause", te.Error())
	}
}
