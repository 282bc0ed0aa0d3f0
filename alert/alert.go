// Package alert provides the host-side notification capabilities: desktop
// popups and audible cues. Implementations degrade to no-ops on hosts
// without the underlying tools so headless deployments stay quiet.
package alert

import (
	"context"

	"pulsefeed/models"
)

// Desktop shows operating-system notifications. RequestPermission is called
// once when desktop alerts are first enabled; Show is only called after a
// successful permission grant.
type Desktop interface {
	RequestPermission(ctx context.Context) (bool, error)
	Show(ctx context.Context, n models.Notification) error
}

// Sound plays a short audible cue for an incoming notification.
type Sound interface {
	Play(ctx context.Context, priority models.NotificationPriority) error
}

// NoopDesktop grants permission and discards every popup.
type NoopDesktop struct{}

func (NoopDesktop) RequestPermission(ctx context.Context) (bool, error) { return true, nil }

func (NoopDesktop) Show(ctx context.Context, n models.Notification) error { return nil }

// NoopSound discards every cue.
type NoopSound struct{}

func (NoopSound) Play(ctx context.Context, priority models.NotificationPriority) error { return nil }
