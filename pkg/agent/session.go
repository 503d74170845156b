package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/studioclass/codesync/pkg/client"
	"github.com/studioclass/codesync/pkg/errdefs"
	"github.com/studioclass/codesync/pkg/protocol"
)

// Run starts the watcher and drives the connect-serve-reconnect loop until
// ctx is cancelled or Stop is called. The only error it returns before then
// is an unrecoverable handshake rejection on the very first attempt, which
// means the service token is wrong and retrying cannot fix it.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.WorkspacePath); err != nil {
		return fmt.Errorf("workspace %s: %w", a.cfg.WorkspacePath, err)
	}
	// A marker left by a previous container life would lie to supervisors.
	_ = os.Remove(a.abs(MarkerFile))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	go a.watchWorkspace(watcher)

	syncTimeout := time.AfterFunc(a.cfg.InitialSyncTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.initialSyncedLocked() {
			a.completeInitialSyncLocked("timeout")
		}
	})
	defer syncTimeout.Stop()

	a.logger.Info().
		Str("workspace", a.cfg.WorkspacePath).
		Str("backend", a.cfg.BackendURL).
		Msg("Agent starting")

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = a.cfg.ReconnectMaxInterval
	connected := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopCh:
			return nil
		default:
		}

		c, err := client.Dial(ctx, a.cfg.BackendURL, a.cfg.Token)
		if err != nil {
			if errdefs.IsUnauthorized(err) && !connected {
				return fmt.Errorf("handshake rejected: %w", err)
			}
			wait := bo.NextBackOff()
			a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Connect failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			case <-a.stopCh:
				return nil
			}
		}

		connected = true
		bo.Reset()
		a.runSession(ctx, c)
	}
}

// runSession drives one live connection: startup discovery, the inbound
// frame loop, and the periodic re-subscribe sweep. Returns when the
// connection dies or the agent stops.
func (a *Agent) runSession(ctx context.Context, c *client.Client) {
	a.setConn(c)
	defer func() {
		a.setConn(nil)
		c.Close()
	}()
	a.logger.Info().Msg("Connected")

	a.startSession()

	frames := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.Recv()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-a.stopCh:
				return
			}
		}
	}()

	sweep := time.NewTicker(a.cfg.ResubscribeInterval)
	defer sweep.Stop()

	for {
		select {
		case msg := <-frames:
			a.HandleFrame(msg)
		case err := <-readErr:
			a.logger.Warn().Err(err).Msg("Connection lost")
			return
		case <-sweep.C:
			a.resubscribeAll()
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// startSession kicks off discovery on a fresh connection: request the
// server's file list and immediately subscribe to everything already known,
// so reconnects re-enter their rooms without waiting for the list.
func (a *Agent) startSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendLocked(protocol.Message{Kind: protocol.KindListFiles, BucketID: a.cfg.BucketID})
	for rel := range a.paths {
		a.subscribeLocked(rel)
	}
}

// resubscribeAll re-subscribes to every path that currently exists locally
// or is known from the server, guarding against rooms silently losing this
// agent.
func (a *Agent) resubscribeAll() {
	local := a.localFiles()

	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(a.paths)+len(local))
	for rel := range a.paths {
		seen[rel] = struct{}{}
		a.subscribeLocked(rel)
	}
	for _, rel := range local {
		if _, ok := seen[rel]; ok {
			continue
		}
		a.subscribeLocked(rel)
	}
}
