package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sprintline/internal/domain"
)

func escalation() Message {
	card := domain.Scorecard{Dimensions: domain.Dimensions{ScopeControl: 1, BehaviorFidelity: 1}}
	is := domain.Issue{
		ID:           "I-1",
		ReviewCycles: 3,
		LatestScore:  &card,
		CycleHistory: []domain.CycleRecord{{Seq: 1, FromRole: "engineer", ToRole: "reviewer", Action: "submit", Result: "patch"}},
	}
	return EscalationMessage("E.1", is, "review limit reached", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func runNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSSinkPublishesOnKindSubject(t *testing.T) {
	srv := runNATS(t)
	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	s, err := sub.SubscribeSync("sprintline.escalation.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink, err := NewNATSSink(srv.ClientURL(), "", zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()
	msg := escalation()
	assert.Equal(t, "sprintline.escalation.E_1", sink.Subject(msg))
	sink.Notify(context.Background(), msg)

	got, err := s.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	assert.Equal(t, "I-1", decoded.IssueID)
	assert.Len(t, decoded.History, 1)
	require.NotNil(t, decoded.Score)
	assert.Equal(t, 2, decoded.Score.Total())
}

func TestWebhookSinkFiltersAndPosts(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		sig := r.Header.Get(SignatureHeader)
		mu.Lock()
		got = append(got, fmt.Sprintf("%s|%t", r.Header.Get("X-Sprintline-Event"), sig != "" && VerifySignature("s3", body, sig)))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	disabled := false
	sink := WebhookSink{Hooks: []Webhook{
		{URL: srv.URL, Kinds: []string{"escalation"}, Secret: "s3"},
		{URL: srv.URL, Kinds: []string{"complete"}},
		{URL: srv.URL, Enabled: &disabled},
	}}
	sink.Notify(context.Background(), escalation())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"escalation|true"}, got)
}

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"kind":"escalation"}`)
	sig := Sign("s3", body)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
	assert.True(t, VerifySignature("s3", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3", []byte(`{"kind":"complete"}`), sig))
}

func TestWebhookWithoutSecretIsUnsigned(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()
	WebhookSink{Hooks: []Webhook{{URL: srv.URL}}}.Notify(context.Background(), escalation())
	h := <-headers
	assert.Empty(t, h.Get(SignatureHeader))
	assert.Equal(t, "E.1", h.Get("X-Sprintline-Epic"))
}

func TestWebhookFailureIsLoggedNotReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	core, logs := observer.New(zap.WarnLevel)
	sink := WebhookSink{Hooks: []Webhook{{URL: srv.URL}}, Log: zap.New(core)}
	sink.Notify(context.Background(), escalation())
	assert.Equal(t, 1, logs.FilterMessage("webhook: deliver failed").Len())
}

type blockingSink struct{}

func (blockingSink) Notify(ctx context.Context, msg Message) { <-ctx.Done() }

func TestMultiDoesNotBlockCaller(t *testing.T) {
	rec := &Recorder{}
	m := &Multi{Sinks: []Sink{rec, blockingSink{}, nil}, Timeout: 200 * time.Millisecond}
	start := time.Now()
	m.Notify(context.Background(), escalation())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "delivery runs in the background")

	m.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "blocking sink is cut off at the timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, rec.Messages(), 1)
}

func TestMultiDeliveryOutlivesCallerCancel(t *testing.T) {
	rec := &Recorder{}
	m := &Multi{Sinks: []Sink{rec}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Notify(ctx, escalation())
	m.Wait()
	assert.Len(t, rec.Messages(), 1)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	LogSink{Log: zap.New(core)}.Notify(context.Background(), escalation())
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "E.1", entries[0].ContextMap()["epic_id"])
}
