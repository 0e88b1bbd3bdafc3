package notify

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mdnsync/mdnsync/internal/logging"
)

// DefaultCooldown suppresses the same event on the same service for this
// long, so a container flapping between polls does not flood a channel.
var DefaultCooldown = 30 * time.Second

// RetryPolicy controls redelivery of a failed send. The wait before attempt
// n+1 is Base*2^(n-1) plus up to Jitter.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Jitter   time.Duration
}

// DefaultRetryPolicy is used by NewMultiNotifier.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 100 * time.Millisecond}

// Service is the interface all notifiers must implement
type Service interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// eventKey identifies one event on one service for cooldown purposes.
type eventKey struct {
	service string
	title   string
	message string
}

// MultiNotifier fans events out to every configured service. Each service is
// sent to on its own goroutine; Wait blocks until they are done.
type MultiNotifier struct {
	services []Service

	// minSeverity and enabled come from the configured notification level
	minSeverity Severity
	enabled     bool

	retry    RetryPolicy
	cooldown time.Duration
	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	lastSent map[eventKey]time.Time
	wg       sync.WaitGroup
}

func NewMultiNotifier() *MultiNotifier {
	return &MultiNotifier{
		enabled:  true,
		retry:    DefaultRetryPolicy,
		cooldown: DefaultCooldown,
		sleep:    sleepCtx,
		now:      time.Now,
		lastSent: make(map[eventKey]time.Time),
	}
}

func (m *MultiNotifier) Add(s Service) {
	if s != nil {
		m.services = append(m.services, s)
	}
}

func (m *MultiNotifier) Len() int {
	return len(m.services)
}

// SetLevel applies a notification level ("all", "failure", "none").
func (m *MultiNotifier) SetLevel(level string) {
	m.minSeverity, m.enabled = ParseLevel(level)
}

// SetCooldown changes how long a repeated event is suppressed; 0 disables it.
func (m *MultiNotifier) SetCooldown(d time.Duration) {
	m.cooldown = d
}

// SetRetryPolicy replaces the redelivery policy.
func (m *MultiNotifier) SetRetryPolicy(p RetryPolicy) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	m.retry = p
}

// Notify sends the event to every service when its severity passes the
// configured level. Delivery is asynchronous.
func (m *MultiNotifier) Notify(ctx context.Context, sev Severity, title, message string) {
	if m == nil || !m.enabled || sev < m.minSeverity {
		return
	}
	for _, s := range m.services {
		key := eventKey{service: s.Name(), title: title, message: message}
		if !m.claim(key) {
			logging.Get().Debug().Str("service", key.service).Str("title", title).Msg("suppressing repeated notification")
			continue
		}
		m.wg.Add(1)
		go func(svc Service) {
			defer m.wg.Done()
			if err := m.deliver(ctx, svc, title, message); err != nil {
				m.release(key)
				logging.Get().Error().Err(err).Str("service", key.service).Msg("all notification retries failed")
			}
		}(s)
	}
}

// Wait waits for pending notification sends to complete or until the provided
// context is cancelled.
func (m *MultiNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim marks key as sent unless it was sent within the cooldown.
func (m *MultiNotifier) claim(key eventKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && m.cooldown > 0 && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

// release forgets a claim whose delivery failed, so the next occurrence of
// the event is attempted again.
func (m *MultiNotifier) release(key eventKey) {
	m.mu.Lock()
	delete(m.lastSent, key)
	m.mu.Unlock()
}

// deliver sends with retries and backoff. Returns the last error if any.
func (m *MultiNotifier) deliver(ctx context.Context, s Service, title, message string) error {
	var lastErr error
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		lastErr = s.Send(ctx, title, message)
		if lastErr == nil {
			logging.Get().Debug().Str("service", s.Name()).Str("title", title).Msg("notification sent")
			return nil
		}
		logging.Get().Warn().Err(lastErr).Str("service", s.Name()).Int("attempt", attempt).Msg("notification attempt failed")
		if attempt == m.retry.Attempts {
			break
		}
		if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func (m *MultiNotifier) backoff(attempt int) time.Duration {
	d := m.retry.Base << uint(attempt-1)
	if m.retry.Jitter > 0 {
		d += rand.N(m.retry.Jitter)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
