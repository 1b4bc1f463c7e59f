package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, keyed by
// the hook secret, as "sha256=<hex>".
const SignatureHeader = "X-Sprintline-Signature"

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Webhook is one HTTP endpoint subscribed to notification kinds.
type Webhook struct {
	URL            string
	Kinds          []string
	Secret         string
	TimeoutSeconds int
	Enabled        *bool
}

// WebhookSink POSTs each message as JSON to every matching endpoint.
type WebhookSink struct {
	Hooks  []Webhook
	Client *http.Client
	Log    *zap.Logger
}

func (s WebhookSink) Notify(ctx context.Context, msg Message) {
	for _, hook := range s.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newKindFilter(hook.Kinds).match(string(msg.Kind)) {
			continue
		}
		if err := s.post(ctx, hook, msg); err != nil && s.Log != nil {
			s.Log.Warn("webhook: deliver failed", zap.String("url", hook.URL), zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}
}

func (s WebhookSink) post(ctx context.Context, hook Webhook, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	timeout := DefaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sprintline-Event", string(msg.Kind))
	req.Header.Set("X-Sprintline-Epic", msg.EpicID)
	if msg.IssueID != "" {
		req.Header.Set("X-Sprintline-Issue", msg.IssueID)
	}
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
