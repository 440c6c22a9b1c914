package device

import (
	"context"
	"fmt"

	"i4.energy/across/shortrange/at"
)

// stationConfigID is the module-side WiFi station configuration slot the
// driver manages.
const stationConfigID = 0

// JoinNetwork configures and activates the WiFi station toward the given
// SSID and waits for the network-up URC. An empty passphrase selects open
// authentication. On failure the configuration is deactivated best-effort
// and the state reverts to EdmMode; the join is not retried automatically.
//
// Only one join may be in flight at a time; a second call fails with
// ErrBusy.
func (d *Device) JoinNetwork(ctx context.Context, ssid, passphrase string) error {
	if !d.config.Family.HasWiFi() {
		return fmt.Errorf("%w: %s", ErrNotSupported, d.config.Family)
	}

	d.mu.Lock()
	if d.state != StateEdmMode {
		s := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, s)
	}
	if d.joinWait != nil {
		d.mu.Unlock()
		return ErrBusy
	}
	joined := make(chan error, 1)
	d.joinWait = joined
	d.state = StateJoining
	d.mu.Unlock()

	fail := func(err error) error {
		d.mu.Lock()
		if d.joinWait == joined {
			d.joinWait = nil
		}
		if d.state == StateJoining {
			d.state = StateEdmMode
		}
		d.mu.Unlock()
		return err
	}

	cmds := []string{
		at.StationSetSSID(stationConfigID, ssid),
	}
	if passphrase == "" {
		cmds = append(cmds, at.StationSetAuth(stationConfigID, at.AuthOpen))
	} else {
		cmds = append(cmds,
			at.StationSetAuth(stationConfigID, at.AuthWpaWpa2Psk),
			at.StationSetPassphrase(stationConfigID, passphrase),
		)
	}
	cmds = append(cmds, at.StationActivate(stationConfigID))

	for _, cmd := range cmds {
		if _, err := d.exec(ctx, cmd); err != nil {
			return fail(fmt.Errorf("join network: %w", err))
		}
	}

	select {
	case err := <-joined:
		if err != nil {
			return fail(fmt.Errorf("join network: %w", err))
		}
		return nil
	case <-ctx.Done():
		// Deactivate best-effort so the module stops trying.
		if _, err := d.exec(context.WithoutCancel(ctx), at.StationDeactivate(stationConfigID)); err != nil {
			d.log.Warn("station deactivate failed", "error", err)
		}
		return fail(fmt.Errorf("join network: %w", ctx.Err()))
	}
}

// LeaveNetwork deactivates the station configuration and drops back to
// EdmMode.
func (d *Device) LeaveNetwork(ctx context.Context) error {
	if !d.config.Family.HasWiFi() {
		return fmt.Errorf("%w: %s", ErrNotSupported, d.config.Family)
	}
	if _, err := d.exec(ctx, at.StationDeactivate(stationConfigID)); err != nil {
		return fmt.Errorf("leave network: %w", err)
	}
	d.mu.Lock()
	if d.state == StateJoined || d.state == StateJoining {
		d.state = StateEdmMode
	}
	d.mu.Unlock()
	return nil
}
