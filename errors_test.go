package livesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"context canceled", context.Canceled, KindCanceled},
		{"deadline", fmt.Errorf("list: %w", context.DeadlineExceeded), KindTimeout},
		{"connection refused", errConnRefused, KindNetwork},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: io.EOF}, KindNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, KindNetwork},
		{"pg unique", errUniqueKey, KindDuplicate},
		{"pg undefined table", errNoTable, KindSchemaMissing},
		{"pg privilege", &pgconn.PgError{Code: "42501"}, KindPermission},
		{"pg bad password", &pgconn.PgError{Code: "28P01"}, KindAuthToken},
		{"pg shutting down", &pgconn.PgError{Code: "57P01"}, KindNetwork},
		{"jwt expired", fmt.Errorf("session token: %w", jwt.ErrTokenExpired), KindAuthToken},
		{"postgrest jwt expired", errJWTExpired, KindAuthToken},
		{"postgrest missing table", &APIError{Status: 404, Code: "PGRST205"}, KindSchemaMissing},
		{"postgrest unique", &APIError{Status: 409, Code: "23505"}, KindDuplicate},
		{"refresh token message", &APIError{Status: 400, AuthError: "invalid_grant", AuthDescription: "Invalid Refresh Token: Refresh Token Not Found"}, KindAuthToken},
		{"forbidden", &APIError{Status: 403}, KindPermission},
		{"bad gateway", &APIError{Status: 502}, KindNetwork},
		{"gateway timeout", &APIError{Status: 504}, KindTimeout},
		{"plain error", errors.New("boom"), KindRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify("op", tt.err)
			require.NotNil(t, e)
			assert.Equal(t, tt.want, e.Kind, "got %s", e.Kind)
			assert.Equal(t, "op", e.Op)
			assert.ErrorIs(t, e, tt.err)
		})
	}
}

func TestClassifyKeepsClassifiedErrors(t *testing.T) {
	orig := newError(KindPermission, "", errNotCreator)
	e := Classify("delete event", orig)
	assert.Equal(t, KindPermission, e.Kind)
	assert.Equal(t, "delete event", e.Op)

	named := newError(KindTimeout, "fetch", context.DeadlineExceeded)
	assert.Same(t, named, Classify("other", fmt.Errorf("wrapped: %w", named)))

	assert.Nil(t, Classify("op", nil))
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("create: %w", Classify("insert event", errUniqueKey))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Equal(t, KindDuplicate, KindOf(err))
	assert.True(t, strings.HasPrefix(errors.Unwrap(err).Error(), "insert event: duplicate_key: "))
}

func TestTransient(t *testing.T) {
	assert.True(t, KindNetwork.Transient())
	assert.True(t, KindTimeout.Transient())
	for _, k := range []ErrorKind{KindRejected, KindAuthToken, KindSchemaMissing, KindDuplicate, KindPermission, KindNotFound, KindCanceled} {
		assert.False(t, k.Transient(), k.String())
	}
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Empty(t, UserMessage(errConnRefused))
	assert.Empty(t, UserMessage(context.DeadlineExceeded))
	assert.Contains(t, UserMessage(errNoTable), "not set up")
	assert.Equal(t, SessionExpiredMessage, UserMessage(errJWTExpired))
	assert.NotEmpty(t, UserMessage(&pgconn.PgError{Code: "42501"}))
}

func TestAPIErrorText(t *testing.T) {
	assert.Equal(t, "401 PGRST301: JWT expired", errJWTExpired.Error())
	assert.Equal(t, "400 invalid_grant: bad token", (&APIError{Status: 400, AuthError: "invalid_grant", AuthDescription: "bad token"}).Error())
	assert.Equal(t, "503: Service Unavailable", (&APIError{Status: 503}).Error())
}
