package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mdnsync/mdnsync/internal/advertise"
	"github.com/mdnsync/mdnsync/internal/config"
	"github.com/mdnsync/mdnsync/internal/logging"
	"github.com/mdnsync/mdnsync/internal/metrics"
	"github.com/mdnsync/mdnsync/internal/notify"
	"github.com/mdnsync/mdnsync/internal/reconcile"
	"github.com/mdnsync/mdnsync/internal/snapshot"
)

// Source lists the containers known to the container daemon.
type Source interface {
	Fetch(ctx context.Context) ([]snapshot.Container, error)
	Close() error
}

// Advertiser carries out reconcile actions against mDNS.
type Advertiser interface {
	Apply(act reconcile.Action) error
	Close() error
}

// Daemon is the polling loop: fetch a snapshot, diff it against the previous
// one and apply the resulting actions in order. Everything runs on the
// goroutine calling Run.
type Daemon struct {
	cfg        *config.Config
	source     Source
	advertiser Advertiser
	reconciler *reconcile.Reconciler
	notifier   *notify.MultiNotifier
	Now        func() time.Time // injectable clock for testing
	// wait blocks for d or until ctx is done; replaced in tests
	wait func(ctx context.Context, d time.Duration) error
	// consecutive failed polls, drives the retry policy
	failures int
}

// New creates a daemon polling src and applying actions through adv
func New(cfg *config.Config, src Source, adv Advertiser) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		source:     src,
		advertiser: adv,
		reconciler: reconcile.New(),
		Now:        time.Now,
		wait:       sleepCtx,
	}

	// Initialize notifiers
	d.initNotifiers()

	// Log config validation warnings
	for _, w := range cfg.Validate() {
		logging.Get().Warn().Str("warning", w).Msg("config validation")
	}

	return d
}

// initNotifiers initializes all configured notifiers for the daemon
func (d *Daemon) initNotifiers() {
	d.notifier = notify.NewMultiNotifier()
	d.notifier.SetLevel(d.cfg.NotificationLevel)
	cfg := d.cfg
	entries := []struct {
		enabled bool
		add     func()
	}{
		{cfg.DiscordWebhook != "", func() { d.notifier.Add(&notify.Discord{WebhookURL: cfg.DiscordWebhook}) }},
		{cfg.SlackWebhook != "", func() { d.notifier.Add(&notify.Slack{WebhookURL: cfg.SlackWebhook}) }},
		{cfg.GenericWebhookURL != "", func() { d.notifier.Add(&notify.Generic{WebhookURL: cfg.GenericWebhookURL}) }},
	}
	for _, e := range entries {
		if e.enabled {
			e.add()
		}
	}
}

// Run polls until ctx is cancelled, then withdraws every advertised service.
// Cancellation interrupts the wait between polls and any in-flight fetch.
func (d *Daemon) Run(ctx context.Context) error {
	logging.Get().Info().Dur("interval", d.cfg.PollInterval).Str("retry_policy", d.cfg.RetryPolicy).Msg("starting mdnsync daemon")
	for {
		// errors are logged and reported inside cycle
		_ = d.cycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err := d.wait(ctx, d.nextDelay()); err != nil {
			break
		}
	}
	logging.Get().Info().Msg("stopping daemon")
	d.shutdown()
	return nil
}

// RunOnce runs a single poll
func (d *Daemon) RunOnce(ctx context.Context) error {
	return d.cycle(ctx)
}

// Plan fetches one snapshot from src and returns the actions a first poll
// would apply, without touching mDNS.
func Plan(ctx context.Context, cfg *config.Config, src Source) ([]reconcile.Action, error) {
	fetchCtx, cancel := withFetchTimeout(ctx, cfg.FetchTimeout)
	defer cancel()
	list, err := src.Fetch(fetchCtx)
	if err != nil {
		return nil, err
	}
	return reconcile.New().Reconcile(list)
}

func withFetchTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// cycle runs one fetch, reconcile, apply pass. A failed fetch or an invalid
// snapshot leaves the reconciler untouched.
func (d *Daemon) cycle(ctx context.Context) error {
	fetchCtx, cancel := withFetchTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	list, err := d.source.Fetch(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down, not a daemon failure
			return ctx.Err()
		}
		d.failures++
		metrics.IncPollFailure()
		logging.Get().Error().Err(err).Int("consecutive_failures", d.failures).Msg("failed to fetch container status")
		if d.failures == 1 {
			d.notify(ctx, notify.Failure, "mdnsync: container daemon unreachable", err.Error())
		}
		return err
	}
	if d.failures > 0 {
		logging.Get().Info().Int("failed_polls", d.failures).Msg("container daemon reachable again")
		d.failures = 0
	}

	actions, err := d.reconciler.Reconcile(list)
	if err != nil {
		metrics.IncInvalidSnapshot()
		logging.Get().Error().Err(err).Msg("discarding container snapshot")
		d.notify(ctx, notify.Failure, "mdnsync: invalid container snapshot", err.Error())
		return err
	}
	metrics.IncPoll()
	metrics.SetTracked(d.reconciler.Len())
	metrics.SetLastPoll(d.Now())

	for _, act := range actions {
		d.apply(ctx, act)
	}
	return nil
}

func (d *Daemon) apply(ctx context.Context, act reconcile.Action) {
	c := act.Container
	err := d.advertiser.Apply(act)
	switch {
	case errors.Is(err, advertise.ErrNameCollision):
		// already logged by the advertiser
		d.notify(ctx, notify.Failure, "mdnsync: service name collision",
			fmt.Sprintf("Container %s (%s) was not advertised: %v", c.Name, c.ID, err))
	case err != nil:
		logging.Get().Error().Err(err).Str("container", c.ID).Str("intent", act.Intent.String()).Msg("failed to apply action")
		d.notify(ctx, notify.Failure, "mdnsync: advertising failed", fmt.Sprintf("Container %s (%s): %v", c.Name, c.ID, err))
	case !c.HasPorts():
		// nothing was or is announced for this container
	case act.Intent == reconcile.Publish:
		d.notify(ctx, notify.Info, "mdnsync: service published", fmt.Sprintf("Container %s (%s) advertised on %s", c.Name, c.ID, c.Ports[0]))
	default:
		d.notify(ctx, notify.Info, "mdnsync: service withdrawn", fmt.Sprintf("Container %s (%s) is no longer advertised", c.Name, c.ID))
	}
}

// shutdown closes the source, unpublishes every tracked container, clears
// the reconciler and closes the advertiser.
func (d *Daemon) shutdown() {
	if err := d.source.Close(); err != nil {
		logging.Get().Warn().Err(err).Msg("failed to close status source")
	}
	for _, id := range d.reconciler.Tracked() {
		c, _ := d.reconciler.Lookup(id)
		if err := d.advertiser.Apply(reconcile.Action{Container: c, Intent: reconcile.Unpublish}); err != nil {
			logging.Get().Debug().Err(err).Str("container", id).Msg("unpublish during shutdown failed")
		}
	}
	d.reconciler.Reset()
	metrics.SetTracked(0)
	if err := d.advertiser.Close(); err != nil {
		logging.Get().Warn().Err(err).Msg("failed to close advertiser")
	}

	// Allow some time for pending notifications to finish (best-effort)
	notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.notifier.Wait(notifyCtx); err != nil {
		logging.Get().Warn().Err(err).Msg("timed out waiting for notifiers to finish")
	}
}

// notify sends a notification if the configured level allows it. Sends are
// detached from ctx so a shutdown does not drop the last report.
func (d *Daemon) notify(ctx context.Context, sev notify.Severity, title, message string) {
	d.notifier.Notify(context.WithoutCancel(ctx), sev, title, message)
}
