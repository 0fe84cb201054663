// Package daemon runs the long-lived boxkite sync process.
//
// The daemon:
//  1. Recovers actions left in flight by a previous process
//  2. Watches the spool directory for actions dropped by other processes
//  3. Watches connectivity and triggers a drain when the device comes online
//  4. Re-triggers drains on a periodic ticker so deferred transient
//     failures are retried
//  5. Optionally broadcasts status over the local dashboard
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/boxkite-io/boxkite/internal/dashboard"
	"github.com/boxkite-io/boxkite/internal/netmon"
	"github.com/boxkite-io/boxkite/internal/queue"
	"github.com/boxkite-io/boxkite/internal/spool"
	"github.com/boxkite-io/boxkite/internal/syncer"
)

// Config holds daemon configuration.
type Config struct {
	// SyncInterval is how often a drain is triggered regardless of
	// connectivity transitions, providing the retry cadence for
	// deferred transient failures (default: 1m).
	SyncInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: time.Minute,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the queue, connectivity monitor, spool watcher,
// sync engine, and dashboard.
type Daemon struct {
	store   *queue.Store
	monitor *netmon.Monitor
	engine  *syncer.Engine
	spool   *spool.Watcher
	dash    *dashboard.Server // may be nil
	config  *Config

	wg sync.WaitGroup
}

// New creates a daemon. The dashboard server is optional and may be nil.
func New(store *queue.Store, monitor *netmon.Monitor, engine *syncer.Engine, spoolWatcher *spool.Watcher, dash *dashboard.Server, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if spoolWatcher == nil {
		return nil, fmt.Errorf("spool watcher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	return &Daemon{
		store:   store,
		monitor: monitor,
		engine:  engine,
		spool:   spoolWatcher,
		dash:    dash,
		config:  config,
	}, nil
}

// Start runs the daemon. It blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// Crash recovery: the daemon owns the queue, so anything in flight at
	// startup was abandoned by a dead process and goes back to pending.
	recovered, err := d.store.RecoverInFlight(ctx, 0)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered > 0 {
		d.config.Logger.Printf("Recovered %d interrupted action(s)", recovered)
	}

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	if err := d.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	if err := d.spool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start spool watcher: %w", err)
	}

	d.wg.Add(2)
	go d.watchConnectivity(ctx)
	go d.periodicSync(ctx)

	// Opportunistic first drain; a no-op if we started offline.
	d.engine.Trigger()

	<-ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.stop()
}

// stop tears down the daemon components in reverse start order.
func (d *Daemon) stop() error {
	d.config.Logger.Println("Stopping daemon")

	if err := d.spool.Stop(); err != nil {
		d.config.Logger.Printf("Error stopping spool watcher: %v", err)
	}

	d.monitor.Stop()
	d.wg.Wait()

	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchConnectivity triggers drains on online transitions and broadcasts
// every transition to the dashboard.
func (d *Daemon) watchConnectivity(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-d.monitor.Transitions():
			if !ok {
				return
			}
			d.config.Logger.Printf("Connectivity: went %s", t)

			if t == netmon.WentOnline {
				d.engine.Trigger()
			}
			if d.dash != nil {
				d.dash.BroadcastStatus(ctx)
			}
		}
	}
}

// periodicSync provides the retry cadence for deferred transient failures.
func (d *Daemon) periodicSync(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.engine.Trigger()
		}
	}
}
