package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/psds-microservice/escalation-service/internal/model"
)

// DefaultTimeout — жёсткий лимит на один вызов классификатора.
const DefaultTimeout = 3 * time.Second

// Policy оборачивает Classifier: ответ не позже timeout, при любой проблеме — baixo.
type Policy struct {
	inner      Classifier
	timeout    time.Duration
	log        *slog.Logger
	onFallback func(reason string)
}

func NewPolicy(inner Classifier, timeout time.Duration, log *slog.Logger) *Policy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Policy{inner: inner, timeout: timeout, log: log}
}

// OnFallback регистрирует хук на каждый откат к baixo (метрики).
func (p *Policy) OnFallback(fn func(reason string)) *Policy {
	p.onFallback = fn
	return p
}

// Classify никогда не возвращает ошибку. Зависший классификатор бросается по
// таймауту: его горутина доживает сама, вызывающий не ждёт.
func (p *Policy) Classify(ctx context.Context, turns []model.Turn) (model.Priority, error) {
	if p.inner == nil {
		return p.fallback("disabled", nil), nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		priority model.Priority
		err      error
	}
	done := make(chan result, 1)
	go func() {
		pr, err := p.inner.Classify(ctx, turns)
		done <- result{pr, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, ErrDisabled) {
			return p.fallback("disabled", nil), nil
		}
		if r.err != nil {
			return p.fallback("error", r.err), nil
		}
		if !r.priority.Valid() {
			return p.fallback("invalid_label", nil), nil
		}
		return r.priority, nil
	case <-ctx.Done():
		return p.fallback("timeout", ctx.Err()), nil
	}
}

func (p *Policy) fallback(reason string, err error) model.Priority {
	if reason == "disabled" {
		p.log.Debug("classifier: disabled, using baixo")
	} else {
		p.log.Warn("classifier: fallback to baixo", "reason", reason, "error", err)
	}
	if p.onFallback != nil {
		p.onFallback(reason)
	}
	return model.PriorityLow
}
