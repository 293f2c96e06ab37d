package livesync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Database webhooks
// ============================================================================

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// VerifyWebhookSignature verifies an HMAC-SHA256 signature over body, with or
// without a "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseChange decodes a database webhook body.
func ParseChange(body string) (*Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	switch c.Type {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return nil, fmt.Errorf("unknown change type: %q", c.Type)
	}
	if c.Table == "" {
		return nil, fmt.Errorf("missing table in webhook payload")
	}
	return &c, nil
}

// WebhookHandler verifies, parses and dispatches database webhooks.
type WebhookHandler struct {
	secret   string
	onChange func(Change)
}

func NewWebhookHandler(secret string, onChange func(Change)) (*WebhookHandler, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookHandler{secret: secret, onChange: onChange}, nil
}

// Handle processes one delivery and returns the status code and response body.
func (w *WebhookHandler) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	change, err := ParseChange(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if w.onChange != nil {
		w.onChange(*change)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP makes WebhookHandler an http.Handler.
func (w *WebhookHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
