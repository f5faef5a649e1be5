package pgdb

import (
	"errors"
	"io"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// TestErrorKindStringer tests the stringized output for the ErrorKind type.
func TestErrorKindStringer(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrConnFailed, "ErrConnFailed"},
		{ErrBeginTx, "ErrBeginTx"},
		{ErrCommitTx, "ErrCommitTx"},
		{ErrQueryFailed, "ErrQueryFailed"},
		{ErrMissingTable, "ErrMissingTable"},
		{ErrOldDatabase, "ErrOldDatabase"},
		{ErrTooManyRetries, "ErrTooManyRetries"},
		{ErrReadOnlyTx, "ErrReadOnlyTx"},
	}

	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d: got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestContextErrorIs ensures both the kind and the raw error of a ContextError
// are matched by errors.Is.
func TestContextErrorIs(t *testing.T) {
	err := contextError(ErrQueryFailed, "query failed", io.EOF)
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("kind not matched")
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("raw error not matched")
	}
	if errors.Is(err, ErrCommitTx) {
		t.Fatalf("unexpected kind matched")
	}
	if err.Error() != "query failed" {
		t.Fatalf("unexpected description %q", err.Error())
	}
}

// TestIsSerializationFailure ensures wrapped serialization failures are
// detected as retryable.
func TestIsSerializationFailure(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", io.EOF, false},
		{"serialization failure", pgErr, true},
		{"wrapped", contextError(ErrCommitTx, "commit", pgErr), true},
		{"other pg error", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
	}
	for _, tc := range tests {
		if got := isSerializationFailure(tc.err); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("s/"), []byte("s0")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{nil, nil},
	}
	for i, tc := range tests {
		got := prefixEnd(tc.prefix)
		if string(got) != string(tc.want) || (got == nil) != (tc.want == nil) {
			t.Errorf("#%d: got %x, want %x", i, got, tc.want)
		}
	}
}
