package apperrors_test

import (
	"net/http"
	"testing"

	"github.com/ekintkara/njback/internal/infra/apperrors"

	"github.com/go-faster/errors"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	base := apperrors.E(apperrors.CodeSenderNotFound, "sender does not exist")
	wrapped := errors.Wrap(base, "validate users")

	cases := []struct {
		name string
		err  error
		want apperrors.Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "direct", err: base, want: apperrors.CodeSenderNotFound},
		{name: "wrapped", err: wrapped, want: apperrors.CodeSenderNotFound},
		{name: "foreign", err: errors.New("boom"), want: apperrors.CodeInternal},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := apperrors.CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code apperrors.Code
		want int
	}{
		{apperrors.CodeValidation, http.StatusBadRequest},
		{apperrors.CodeContentTooLong, http.StatusBadRequest},
		{apperrors.CodeSenderNotFound, http.StatusNotFound},
		{apperrors.CodeConflict, http.StatusConflict},
		{apperrors.CodeForbidden, http.StatusForbidden},
		{apperrors.CodeQueueProcessing, http.StatusInternalServerError},
		{apperrors.CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.code), func(t *testing.T) {
			t.Parallel()
			if got := apperrors.HTTPStatus(tc.code); got != tc.want {
				t.Fatalf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := apperrors.Wrap(cause, apperrors.CodeQueueConnection, "broker unavailable")

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is() lost the cause through apperrors.Wrap")
	}
	if err.Error() != "broker unavailable: connection refused" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
