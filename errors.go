package livesync

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// ============================================================================
// Error kinds
// ============================================================================

// ErrorKind is the closed set of failure classes consumers branch on.
type ErrorKind int

const (
	KindRejected ErrorKind = iota
	KindNetwork
	KindTimeout
	KindAuthToken
	KindSchemaMissing
	KindDuplicate
	KindPermission
	KindNotFound
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindRejected:      "rejected",
	KindNetwork:       "network_unavailable",
	KindTimeout:       "timeout",
	KindAuthToken:     "auth_token_invalid",
	KindSchemaMissing: "schema_missing",
	KindDuplicate:     "duplicate_key",
	KindPermission:    "permission_denied",
	KindNotFound:      "not_found",
	KindCanceled:      "canceled",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transient reports whether retrying may succeed.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork || k == KindTimeout
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout) works
// regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrRejected      = &Error{Kind: KindRejected}
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrAuthToken     = &Error{Kind: KindAuthToken}
	ErrSchemaMissing = &Error{Kind: KindSchemaMissing}
	ErrDuplicate     = &Error{Kind: KindDuplicate}
	ErrPermission    = &Error{Kind: KindPermission}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrCanceled      = &Error{Kind: KindCanceled}
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, classifying it first when
// needed. A nil error has no kind and reports KindRejected.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindRejected
	}
	return Classify("", err).Kind
}

// ============================================================================
// Backend API errors
// ============================================================================

// APIError is an error response decoded from the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`

	// auth endpoint shape
	AuthError       string `json:"error,omitempty"`
	AuthDescription string `json:"error_description,omitempty"`
	Msg             string `json:"msg,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Msg
	}
	if msg == "" {
		msg = e.AuthDescription
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	code := e.Code
	if code == "" {
		code = e.AuthError
	}
	if code == "" {
		return fmt.Sprintf("%d: %s", e.Status, msg)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, code, msg)
}

// ============================================================================
// Classification
// ============================================================================

// SQLSTATE and PostgREST codes the classifier recognises.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateUndefinedTable      = "42P01"
	sqlstateInvalidSchemaName   = "3F000"
	sqlstateInsufficientPrivile = "42501"
	sqlstateInvalidAuthSpec     = "28000"
	sqlstateInvalidPassword     = "28P01"
	sqlstateQueryCanceled       = "57014"
	sqlstateAdminShutdown       = "57P01"
	sqlstateCannotConnectNow    = "57P03"

	pgrstJWTExpired    = "PGRST301"
	pgrstJWTInvalid    = "PGRST302"
	pgrstJWTClaims     = "PGRST303"
	pgrstTableNotFound = "PGRST205"
	pgrstNoRows        = "PGRST116"
)

// Token-failure signatures emitted by the auth endpoint.
var authSignatures = []string{
	"jwt expired",
	"invalid refresh token",
	"refresh token not found",
	"refresh_token_not_found",
	"session_not_found",
	"token is expired",
	"invalid jwt",
}

// Classify maps any error to a *Error. It is the only place in the module that
// knows backend-specific error codes and messages. Already-classified errors
// are returned as they are, with Op filled in if missing.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.Op == "" && op != "" {
			return &Error{Kind: classified.Kind, Op: op, Err: classified.Err}
		}
		return classified
	}

	return newError(classifyKind(err), op, err)
}

func classifyKind(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return KindAuthToken
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return KindNetwork
	}
	if pgconn.Timeout(err) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr), errors.As(err, &urlErr):
		return KindNetwork
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return KindNetwork
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF):
		return KindNetwork
	}

	return KindRejected
}

func classifyAPIError(e *APIError) ErrorKind {
	switch e.Code {
	case sqlstateUniqueViolation:
		return KindDuplicate
	case sqlstateUndefinedTable, sqlstateInvalidSchemaName, pgrstTableNotFound:
		return KindSchemaMissing
	case sqlstateInsufficientPrivile:
		return KindPermission
	case pgrstJWTExpired, pgrstJWTInvalid, pgrstJWTClaims:
		return KindAuthToken
	case pgrstNoRows:
		return KindNotFound
	}

	text := strings.ToLower(strings.Join([]string{e.Message, e.Msg, e.AuthError, e.AuthDescription}, " "))
	for _, sig := range authSignatures {
		if strings.Contains(text, sig) {
			return KindAuthToken
		}
	}

	switch {
	case e.Status == http.StatusUnauthorized:
		return KindAuthToken
	case e.Status == http.StatusForbidden:
		return KindPermission
	case e.Status == http.StatusNotFound:
		return KindNotFound
	case e.Status == http.StatusConflict:
		return KindDuplicate
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusGatewayTimeout:
		return KindTimeout
	case e.Status == http.StatusBadGateway, e.Status == http.StatusServiceUnavailable:
		return KindNetwork
	}
	return KindRejected
}

func classifySQLState(code string) ErrorKind {
	switch code {
	case sqlstateUniqueViolation:
		return KindDuplicate
	case sqlstateUndefinedTable, sqlstateInvalidSchemaName:
		return KindSchemaMissing
	case sqlstateInsufficientPrivile:
		return KindPermission
	case sqlstateInvalidAuthSpec, sqlstateInvalidPassword:
		return KindAuthToken
	case sqlstateQueryCanceled:
		return KindTimeout
	case sqlstateAdminShutdown, sqlstateCannotConnectNow:
		return KindNetwork
	}
	return KindRejected
}

// ============================================================================
// User-facing messages
// ============================================================================

// UserMessage returns text the host should show, or "" when the failure must
// degrade quietly to cached data.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindSchemaMissing:
		return "The live database is not set up yet. Ask the administrator to create the users, lives and live_attendees tables."
	case KindPermission:
		return "You don't have permission to do that."
	case KindAuthToken:
		return "Your session has expired. Please sign in again."
	}
	return ""
}
