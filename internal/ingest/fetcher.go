package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
)

// DefaultEndpoint страница проверки баланса карты.
const DefaultEndpoint = "https://balance.breezecard.com/breezeWeb/cardnumber_qa.do"

const maxDocumentSize = 2 << 20

var nonDigits = regexp.MustCompile(`[^0-9]`)

// NormalizeNumber оставляет в номере карты только цифры.
func NormalizeNumber(number string) string {
	return nonDigits.ReplaceAllString(number, "")
}

// StatusError сервис баланса ответил неуспешным HTTP-статусом.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.Code, http.StatusText(e.Code))
}

// Retryable сообщает, имеет ли смысл повторять запрос.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// FetcherConfig настройки загрузки страницы баланса.
type FetcherConfig struct {
	Endpoint      string
	Timeout       time.Duration
	MaxRetries    uint64
	InitialDelay  time.Duration
	RatePerMinute int
	// MockFile подменяет сеть содержимым файла, используется при разработке.
	MockFile string
}

// Fetcher загружает страницу баланса с ограничением частоты и повторами.
type Fetcher struct {
	cfg     FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewFetcher создаёт Fetcher. Нулевые поля конфигурации заменяются значениями по умолчанию.
func NewFetcher(cfg FetcherConfig, log *slog.Logger) *Fetcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 10
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
		log:     log,
	}
}

// Fetch возвращает сырой документ страницы баланса для номера карты.
func (f *Fetcher) Fetch(ctx context.Context, number string) ([]byte, error) {
	const op = "ingest.Fetcher.Fetch"

	if f.cfg.MockFile != "" {
		doc, err := os.ReadFile(f.cfg.MockFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return doc, nil
	}

	var doc []byte
	attempt := 0
	operation := func() error {
		attempt++
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		body, err := f.post(ctx, number)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		doc = body
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.cfg.MaxRetries), ctx)

	notify := func(err error, next time.Duration) {
		f.log.Warn("card fetch failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("next", next),
			sl.Err(err),
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return doc, nil
}

func (f *Fetcher) post(ctx context.Context, number string) ([]byte, error) {
	form := url.Values{}
	form.Set("cardnumber", NormalizeNumber(number))
	form.Set("submitButton.x", "0")
	form.Set("submitButton.y", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.log.Error("failed to close response body", sl.Err(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(body))), nil
}
