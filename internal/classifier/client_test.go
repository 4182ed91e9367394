package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + jsonString(content) + `}}]}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestClientClassify(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(completion(" Urgente.\n")))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "m", MaxTurns: 20, MaxChars: 4000})
	p, err := c.Classify(context.Background(), []model.Turn{
		{Role: model.SenderUser, Text: "my card was charged twice"},
		{Role: model.SenderAI, Text: "let me check"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityUrgent, p)

	assert.Equal(t, "m", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user: my card was charged twice\nai: let me check", got.Messages[1].Content)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`},
		{"api error", http.StatusOK, `{"error":{"message":"quota"}}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"garbage", http.StatusOK, `not json`},
		{"unknown label", http.StatusOK, completion("critical")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(Options{BaseURL: srv.URL}).Classify(context.Background(), nil)
			assert.Error(t, err)
		})
	}
}

func TestClientDisabled(t *testing.T) {
	_, err := NewClient(Options{}).Classify(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}).Classify(context.Background(), nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestParseLabel(t *testing.T) {
	for in, want := range map[string]model.Priority{
		"baixo":       model.PriorityLow,
		" MODERADO ":  model.PriorityMedium,
		"urgente.":    model.PriorityUrgent,
		"\"urgente\"": model.PriorityUrgent,
	} {
		got, err := ParseLabel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "high", "urgent", "baixo moderado"} {
		_, err := ParseLabel(in)
		assert.Error(t, err, in)
	}
}

func TestTranscriptCaps(t *testing.T) {
	turns := []model.Turn{
		{Role: model.SenderUser, Text: "one"},
		{Role: model.SenderAI, Text: "two"},
		{Role: model.SenderUser, Text: "three"},
	}
	assert.Equal(t, "ai: two\nuser: three", Transcript(turns, 2, 0))
	assert.Equal(t, "three", Transcript(turns, 0, 5))
	full := Transcript(turns, 0, 0)
	assert.Equal(t, 3, strings.Count(full, "\n")+1)
	assert.Empty(t, Transcript(nil, 20, 4000))
}
