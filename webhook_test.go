package livesync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"type":   "INSERT",
		"table":  "live_attendees",
		"schema": "public",
		"record": map[string]any{
			"live_id":   "live-001",
			"user_id":   "user-001",
			"joined_at": "2024-05-01T10:00:00Z",
		},
		"old_record": nil,
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseChange
// ============================================================================

func TestParseChange(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		c, err := ParseChange(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Type != ChangeInsert {
			t.Fatalf("expected INSERT, got %s", c.Type)
		}
		if c.EventID() != "live-001" {
			t.Fatalf("expected live id live-001, got %s", c.EventID())
		}
		if c.UserID() != "user-001" {
			t.Fatalf("expected user id user-001, got %s", c.UserID())
		}
	})

	t.Run("delete falls back to old record", func(t *testing.T) {
		body := `{"type":"DELETE","table":"lives","record":null,"old_record":{"id":"live-009"}}`
		c, err := ParseChange(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.EventID() != "live-009" {
			t.Fatalf("expected live-009, got %q", c.EventID())
		}
		if c.UserID() != "" {
			t.Fatalf("lives changes carry no attendee, got %q", c.UserID())
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseChange("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		data := makeTestPayload()
		data["type"] = "TRUNCATE"
		b, _ := json.Marshal(data)
		_, err := ParseChange(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown change type") {
			t.Fatalf("expected unknown type error, got: %v", err)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		data := makeTestPayload()
		data["table"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseChange(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing table") {
			t.Fatalf("expected missing table error, got: %v", err)
		}
	})
}

// ============================================================================
// WebhookHandler
// ============================================================================

func TestNewWebhookHandler(t *testing.T) {
	if _, err := NewWebhookHandler("", func(Change) {}); err == nil {
		t.Fatal("expected error for empty secret")
	}
	wh, err := NewWebhookHandler(testSecret, func(Change) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wh == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestWebhookHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		called := false
		wh, _ := NewWebhookHandler(testSecret, func(Change) { called = true })
		status, data := wh.Handle(makeTestPayloadString(), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if m := data.(map[string]string); m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
		if called {
			t.Fatal("handler must not run for a bad signature")
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhookHandler(testSecret, func(Change) {})
		body := `{"type": "NOPE"}`
		status, _ := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success", func(t *testing.T) {
		var got Change
		wh, _ := NewWebhookHandler(testSecret, func(c Change) { got = c })
		body := makeTestPayloadString()
		status, data := wh.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if !data.(map[string]bool)["ok"] {
			t.Fatal("expected ok:true")
		}
		if got.Table != TableAttendees {
			t.Fatalf("expected change to reach the callback, got %+v", got)
		}
	})
}

func TestWebhookServeHTTP(t *testing.T) {
	changes := make(chan Change, 1)
	wh, _ := NewWebhookHandler(testSecret, func(c Change) { changes <- c })
	srv := httptest.NewServer(wh)
	defer srv.Close()

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})

	t.Run("signed delivery", func(t *testing.T) {
		body := makeTestPayloadString()
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		req.Header.Set(WebhookSignatureHeader, makeTestSignature(body, testSecret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected JSON response, got %q", ct)
		}
		c := <-changes
		if c.EventID() != "live-001" {
			t.Fatalf("unexpected change: %+v", c)
		}
	})

	t.Run("unsigned delivery", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(makeTestPayloadString()))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})
}
