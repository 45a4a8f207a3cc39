package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/topdeckio/topdeck-diagnostics/internal/metrics"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// DispatcherOptions configures notification delivery.
type DispatcherOptions struct {
	HTTPTimeout  time.Duration
	RateLimit    float64
	RateBurst    int
	SMTP         SMTPSettings
	PagerDutyURL string
}

// Dispatcher fans an alert out to destinations. Each destination has its own circuit breaker
// and all deliveries share one token bucket.
type Dispatcher struct {
	notifiers map[models.DestinationType]Notifier
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher registers the email, Slack, PagerDuty and webhook notifiers.
func NewDispatcher(opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 5 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	client := &http.Client{Timeout: opts.HTTPTimeout}
	d := &Dispatcher{
		notifiers: map[models.DestinationType]Notifier{},
		limiter:   rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		logger:    utils.Component(logger, "dispatcher"),
		breakers:  map[string]*gobreaker.CircuitBreaker{},
	}
	d.Register(models.DestinationEmail, NewEmailNotifier(opts.SMTP))
	d.Register(models.DestinationSlack, SlackNotifier{Client: client})
	d.Register(models.DestinationPagerDuty, PagerDutyNotifier{Client: client, URL: opts.PagerDutyURL})
	d.Register(models.DestinationWebhook, WebhookNotifier{Client: client})
	return d
}

// Register replaces the notifier for a destination type.
func (d *Dispatcher) Register(t models.DestinationType, n Notifier) {
	d.notifiers[t] = n
}

// Dispatch delivers to every destination. Failures are logged per destination and never stop
// the remaining deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.Alert, destinations []models.AlertDestination) {
	for _, dest := range destinations {
		if !dest.Enabled {
			continue
		}
		if err := d.Send(ctx, dest, alert); err != nil {
			d.logger.Warn("notification failed",
				slog.String("alert_id", alert.ID),
				slog.String("destination_id", dest.ID),
				slog.String("destination_type", string(dest.Type)),
				slog.Any("error", err))
			continue
		}
		d.logger.Info("notification sent",
			slog.String("alert_id", alert.ID),
			slog.String("destination_id", dest.ID))
	}
}

// Send delivers to one destination through its breaker and the shared limiter.
func (d *Dispatcher) Send(ctx context.Context, dest models.AlertDestination, alert models.Alert) (err error) {
	defer func() { metrics.ObserveNotification(string(dest.Type), err) }()

	notifier, ok := d.notifiers[dest.Type]
	if !ok {
		return fmt.Errorf("no notifier for destination type %q", dest.Type)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limited: %w", err)
	}
	_, err = d.breaker(dest.ID).Execute(func() (any, error) {
		return nil, notifier.Notify(ctx, dest, alert)
	})
	return err
}

func (d *Dispatcher) breaker(destinationID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[destinationID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "destination-" + destinationID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("destination breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	d.breakers[destinationID] = cb
	return cb
}
