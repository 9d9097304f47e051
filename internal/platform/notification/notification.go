// Package notification delivers subject notices about emergency access
// through a bounded background queue with retry, status tracking and an
// admin HTTP surface.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notice statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no room. The
	// notice is kept as failed and can be retried.
	ErrQueueFull = errors.New("notification queue is full")

	// ErrNotFound is returned for unknown notice ids.
	ErrNotFound = errors.New("notification not found")

	// ErrNotRetryable is returned when retrying a notice that has not failed.
	ErrNotRetryable = errors.New("notification is not in failed status")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notification dispatcher is closed")
)

// Notice tells a subject that an organization used emergency access to
// their records.
type Notice struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subject_id"`
	OrganizationID string     `json:"organization_id"`
	ResourceType   string     `json:"resource_type"`
	Justification  string     `json:"justification"`
	OccurredAt     time.Time  `json:"occurred_at"`
	AccessExpires  time.Time  `json:"access_expires"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

// Message is the rendered form handed to a Sender.
type Message struct {
	NoticeID  string `json:"notice_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Template is a {{key}} substitution template.
type Template struct {
	Subject string
	Body    string
}

// EmergencyAccessTemplate is the notice sent after emergency access.
var EmergencyAccessTemplate = Template{
	Subject: "Emergency access to your health records",
	Body: "{{organization}} used emergency access to your {{resource_type}} records at {{occurred_at}}. " +
		"Stated reason: {{justification}}. Access ends at {{access_expires}}. " +
		"If you did not expect this, contact your care provider.",
}

// Render replaces {{key}} placeholders. Unknown keys are left as-is.
func (t Template) Render(data map[string]string) (subject, body string) {
	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body
}

func renderNotice(n *Notice) Message {
	subject, body := EmergencyAccessTemplate.Render(map[string]string{
		"organization":   n.OrganizationID,
		"resource_type":  n.ResourceType,
		"occurred_at":    n.OccurredAt.UTC().Format(time.RFC3339),
		"justification":  n.Justification,
		"access_expires": n.AccessExpires.UTC().Format(time.RFC3339),
	})
	return Message{NoticeID: n.ID, Recipient: n.SubjectID, Subject: subject, Body: body}
}

// Config tunes a Dispatcher. Zero values take the defaults below.
type Config struct {
	QueueSize    int
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
	// RatePerSecond paces outbound sends across all workers.
	RatePerSecond float64
	Burst         int
	// MaxTracked bounds the status map; the oldest sent notices are
	// dropped first.
	MaxTracked int
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = 10000
	}
}

// Dispatcher queues notices and delivers them on background workers.
// Enqueue never blocks.
type Dispatcher struct {
	sender  Sender
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger
	nowFn   func() time.Time

	queue chan string

	mu      sync.RWMutex
	notices map[string]*Notice
	closed  bool

	quit    chan struct{}
	workers sync.WaitGroup
	retries sync.WaitGroup
}

// NewDispatcher starts cfg.Workers workers delivering through sender.
func NewDispatcher(sender Sender, cfg Config, logger zerolog.Logger) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.With().Str("component", "notification").Logger(),
		nowFn:   time.Now,
		queue:   make(chan string, cfg.QueueSize),
		notices: make(map[string]*Notice),
		quit:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workers.Add(1)
		go d.work()
	}
	return d
}

// Enqueue records the notice as pending and queues it for delivery. When the
// queue is full the notice is stored as failed and ErrQueueFull is returned
// along with its id.
func (d *Dispatcher) Enqueue(n Notice) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = d.nowFn()
	n.Status = StatusPending
	n.Attempts = 0
	stored := n
	d.notices[n.ID] = &stored
	d.pruneLocked()
	d.mu.Unlock()

	if !d.offer(n.ID) {
		d.markFailed(n.ID, ErrQueueFull)
		d.logger.Warn().Str("notice_id", n.ID).Str("subject_id", n.SubjectID).Msg("notification queue full")
		return n.ID, ErrQueueFull
	}
	return n.ID, nil
}

func (d *Dispatcher) offer(id string) bool {
	select {
	case d.queue <- id:
		return true
	default:
		return false
	}
}

// pruneLocked drops the oldest sent notices once MaxTracked is exceeded.
func (d *Dispatcher) pruneLocked() {
	excess := len(d.notices) - d.cfg.MaxTracked
	if excess <= 0 {
		return
	}
	var sent []*Notice
	for _, n := range d.notices {
		if n.Status == StatusSent {
			sent = append(sent, n)
		}
	}
	sort.Slice(sent, func(i, j int) bool { return sent[i].CreatedAt.Before(sent[j].CreatedAt) })
	for i := 0; i < excess && i < len(sent); i++ {
		delete(d.notices, sent[i].ID)
	}
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for {
		select {
		case <-d.quit:
			return
		case id := <-d.queue:
			d.deliver(id)
		}
	}
}

func (d *Dispatcher) deliver(id string) {
	d.mu.Lock()
	n, ok := d.notices[id]
	if !ok || n.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	n.Attempts++
	attempt := n.Attempts
	msg := renderNotice(n)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	go func() {
		select {
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := d.limiter.Wait(ctx)
	if err == nil {
		err = d.sender.Send(ctx, msg)
	}
	if err == nil {
		d.mu.Lock()
		now := d.nowFn()
		n.Status = StatusSent
		n.SentAt = &now
		n.LastError = ""
		d.mu.Unlock()
		d.logger.Info().Str("notice_id", id).Int("attempt", attempt).Msg("emergency access notice sent")
		return
	}

	if attempt < d.cfg.MaxAttempts {
		d.mu.Lock()
		n.LastError = err.Error()
		d.mu.Unlock()
		d.logger.Warn().Err(err).Str("notice_id", id).Int("attempt", attempt).Msg("notice delivery failed, retrying")
		d.scheduleRetry(id, d.cfg.RetryBackoff*time.Duration(attempt))
		return
	}

	d.markFailed(id, err)
	d.logger.Error().Err(err).Str("notice_id", id).Int("attempts", attempt).Msg("notice delivery failed")
}

func (d *Dispatcher) scheduleRetry(id string, after time.Duration) {
	d.retries.Add(1)
	go func() {
		defer d.retries.Done()
		t := time.NewTimer(after)
		defer t.Stop()
		select {
		case <-d.quit:
			return
		case <-t.C:
		}
		if !d.offer(id) {
			d.markFailed(id, ErrQueueFull)
		}
	}()
}

func (d *Dispatcher) markFailed(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.notices[id]; ok {
		n.Status = StatusFailed
		n.LastError = err.Error()
	}
}

// Retry re-queues a failed notice with a fresh attempt budget.
func (d *Dispatcher) Retry(id string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	n, ok := d.notices[id]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	if n.Status != StatusFailed {
		d.mu.Unlock()
		return fmt.Errorf("%w (current: %s)", ErrNotRetryable, n.Status)
	}
	n.Status = StatusPending
	n.Attempts = 0
	d.mu.Unlock()

	if !d.offer(id) {
		d.markFailed(id, ErrQueueFull)
		return ErrQueueFull
	}
	return nil
}

// Get returns a copy of the notice.
func (d *Dispatcher) Get(id string) (*Notice, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.notices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// Stats counts tracked notices by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := map[string]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for _, n := range d.notices {
		stats[n.Status]++
	}
	stats["queued"] = len(d.queue)
	return stats
}

// Close stops the workers. Notices still queued stay pending and are logged.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.quit)
	d.workers.Wait()
	d.retries.Wait()

	if left := len(d.queue); left > 0 {
		d.logger.Warn().Int("pending", left).Msg("notification dispatcher closed with undelivered notices")
	}
}
