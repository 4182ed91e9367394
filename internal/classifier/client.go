// Package classifier оценивает срочность диалога. Client ходит во внешнюю
// модель по OpenAI-совместимому API, Policy гарантирует ответ даже при её отказе.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psds-microservice/escalation-service/internal/model"
)

// Classifier — источник приоритета. Реализации могут ошибаться и зависать, Policy это гасит.
type Classifier interface {
	Classify(ctx context.Context, turns []model.Turn) (model.Priority, error)
}

// ErrDisabled — URL классификатора не настроен.
var ErrDisabled = errors.New("classifier: disabled")

const systemPrompt = "You triage customer support conversations. " +
	"Reply with exactly one word describing how urgently a human must step in: " +
	"baixo (low), moderado (medium) or urgente (urgent)."

// Client — классификатор поверх chat completions.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTurns   int
	maxChars   int
	httpClient *http.Client
}

type Options struct {
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
	MaxTurns int
	MaxChars int
}

// NewClient возвращает клиент. Если BaseURL пустой, Classify всегда возвращает ErrDisabled.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		model:    opts.Model,
		maxTurns: opts.MaxTurns,
		maxChars: opts.MaxChars,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) Classify(ctx context.Context, turns []model.Turn) (model.Priority, error) {
	if c.baseURL == "" {
		return "", ErrDisabled
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Transcript(turns, c.maxTurns, c.maxChars)},
		},
		MaxTokens: 5,
	})
	if err != nil {
		return "", fmt.Errorf("classifier: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("classifier: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("classifier: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("classifier: decode: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("classifier: api error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("classifier: empty response")
	}
	return ParseLabel(out.Choices[0].Message.Content)
}

// ParseLabel приводит ответ модели к одному из трёх уровней. Регистр, пробелы и
// завершающая пунктуация игнорируются; всё остальное — ошибка.
func ParseLabel(s string) (model.Priority, error) {
	label := strings.ToLower(strings.TrimSpace(s))
	label = strings.Trim(label, " .!\"'`")
	p := model.Priority(label)
	if !p.Valid() {
		return "", fmt.Errorf("classifier: unknown label %q", s)
	}
	return p, nil
}

// Transcript рендерит последние maxTurns реплик как "role: text" построчно и
// оставляет хвост не длиннее maxChars символов. Нулевые лимиты не ограничивают.
func Transcript(turns []model.Turn, maxTurns, maxChars int) string {
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	out := []rune(b.String())
	if maxChars > 0 && len(out) > maxChars {
		out = out[len(out)-maxChars:]
	}
	return string(out)
}
