// Package notify implements the notification center: it filters incoming
// notification envelopes against user preferences, stores the accepted
// ones newest first, tracks read state, and fires desktop and sound side
// effects without ever letting them disturb storage.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pulsefeed/alert"
	appconfig "pulsefeed/config"
	"pulsefeed/logger"
	"pulsefeed/models"
)

const sideEffectTimeout = 5 * time.Second

// Center is the notification engine. All exported methods are safe for
// concurrent use; storage mutations never block on side effects.
type Center struct {
	log     *logger.Log
	desktop alert.Desktop
	sound   alert.Sound
	limiter *rate.Limiter

	maxStored int

	mu      sync.RWMutex
	prefs   models.Preferences
	stored  []models.Notification
	granted bool
}

// NewCenter builds a center with preferences seeded from configuration and
// the given side-effect capabilities. Nil capabilities default to no-ops.
func NewCenter(cfg *appconfig.Config, desktop alert.Desktop, sound alert.Sound) *Center {
	if desktop == nil {
		desktop = alert.NoopDesktop{}
	}
	if sound == nil {
		sound = alert.NoopSound{}
	}

	nc := cfg.Notifications
	maxStored := nc.MaxStored
	if maxStored <= 0 {
		maxStored = 200
	}
	perSecond := nc.AlertsPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := nc.AlertBurst
	if burst <= 0 {
		burst = 1
	}

	prefs := models.DefaultPreferences()
	prefs.Enabled = nc.Enabled
	prefs.Sound = nc.Sound
	prefs.Desktop = false
	for kind, enabled := range nc.Filters {
		prefs.Filters[models.NotificationKind(kind)] = enabled
	}

	c := &Center{
		log:       logger.GetLogger(),
		desktop:   desktop,
		sound:     sound,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		maxStored: maxStored,
		prefs:     prefs,
	}
	if nc.Desktop {
		// Desktop alerts need a permission grant before they take effect.
		c.UpdatePreferences(models.PreferencesPatch{Desktop: boolPtr(true)})
	}
	return c
}

// HandleEnvelope ingests one notification envelope. Malformed payloads and
// notifications rejected by preferences are dropped without error.
func (c *Center) HandleEnvelope(env models.InboundEnvelope) {
	log := c.log.WithComponent("notify_center")

	var payload models.NotificationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.WithError(err).Debug("dropping undecodable notification payload")
		return
	}
	if payload.Kind == "" || payload.Title == "" {
		log.Debug("dropping notification without kind or title")
		return
	}
	if payload.Priority == "" {
		payload.Priority = models.PriorityMedium
	}

	c.mu.Lock()
	if !c.prefs.Enabled {
		c.mu.Unlock()
		log.WithFields(logger.Fields{"kind": payload.Kind}).Debug("notifications disabled, dropping")
		return
	}
	if enabled, known := c.prefs.Filters[payload.Kind]; known && !enabled {
		c.mu.Unlock()
		log.WithFields(logger.Fields{"kind": payload.Kind}).Debug("kind filtered out, dropping")
		return
	}

	n := models.Notification{
		ID:        uuid.New().String(),
		Kind:      payload.Kind,
		Title:     payload.Title,
		Message:   payload.Message,
		Priority:  payload.Priority,
		CreatedAt: time.Now().UTC(),
		Data:      payload.Data,
	}
	c.stored = append([]models.Notification{n}, c.stored...)
	c.evictLocked()

	playSound := c.prefs.Sound
	showDesktop := c.prefs.Desktop && c.granted
	c.mu.Unlock()

	logger.IncrementNotificationStored()

	if (playSound || showDesktop) && c.limiter.Allow() {
		go c.fireSideEffects(n, playSound, showDesktop)
	}
}

// evictLocked enforces the retention cap: read entries go first, oldest
// first, then the oldest unread. Caller holds c.mu.
func (c *Center) evictLocked() {
	for len(c.stored) > c.maxStored {
		evicted := false
		for i := len(c.stored) - 1; i >= 0; i-- {
			if c.stored[i].Read {
				c.stored = append(c.stored[:i], c.stored[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			c.stored = c.stored[:len(c.stored)-1]
		}
	}
}

func (c *Center) fireSideEffects(n models.Notification, playSound, showDesktop bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	log := c.log.WithComponent("notify_center")
	if playSound {
		if err := c.sound.Play(ctx, n.Priority); err != nil {
			log.WithError(err).Warn("failed to play notification sound")
		}
	}
	if showDesktop {
		if err := c.desktop.Show(ctx, n); err != nil {
			log.WithError(err).Warn("failed to show desktop notification")
		}
	}
}

// Notifications returns the stored notifications, newest first.
func (c *Center) Notifications() []models.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Notification, len(c.stored))
	copy(out, c.stored)
	return out
}

// UnreadCount reports how many stored notifications are unread.
func (c *Center) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, n := range c.stored {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkAsRead marks one notification read. Unknown ids are a no-op.
func (c *Center) MarkAsRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.stored {
		if c.stored[i].ID == id {
			c.stored[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllAsRead marks every stored notification read.
func (c *Center) MarkAllAsRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.stored {
		c.stored[i].Read = true
	}
}

// Clear removes one notification by id. Unknown ids are a no-op.
func (c *Center) Clear(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.stored {
		if c.stored[i].ID == id {
			c.stored = append(c.stored[:i], c.stored[i+1:]...)
			return true
		}
	}
	return false
}

// ClearAll removes every stored notification.
func (c *Center) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = nil
}

// Preferences returns a copy of the current preferences.
func (c *Center) Preferences() models.Preferences {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyPreferences(c.prefs)
}

// UpdatePreferences applies a partial update. Unset fields keep their
// current value and filter entries merge key-wise, so toggling one kind
// never resets the others. Enabling desktop alerts requests permission
// first; a denied grant leaves desktop alerts off.
func (c *Center) UpdatePreferences(patch models.PreferencesPatch) models.Preferences {
	log := c.log.WithComponent("notify_center")

	c.mu.Lock()
	if patch.Enabled != nil {
		c.prefs.Enabled = *patch.Enabled
	}
	if patch.Sound != nil {
		c.prefs.Sound = *patch.Sound
	}
	for kind, enabled := range patch.Filters {
		c.prefs.Filters[kind] = enabled
	}

	wantDesktop := patch.Desktop != nil && *patch.Desktop && !c.prefs.Desktop
	if patch.Desktop != nil && !*patch.Desktop {
		c.prefs.Desktop = false
	}
	granted := c.granted
	c.mu.Unlock()

	if wantDesktop {
		if !granted {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			ok, err := c.desktop.RequestPermission(ctx)
			cancel()
			if err != nil {
				log.WithError(err).Warn("desktop notification permission request failed")
			}
			granted = ok && err == nil
		}

		c.mu.Lock()
		c.granted = granted
		if granted {
			c.prefs.Desktop = true
		} else {
			c.prefs.Desktop = false
			log.Warn("desktop notifications requested but permission not granted")
		}
		c.mu.Unlock()
	}

	return c.Preferences()
}

func copyPreferences(p models.Preferences) models.Preferences {
	out := p
	out.Filters = make(map[models.NotificationKind]bool, len(p.Filters))
	for k, v := range p.Filters {
		out.Filters[k] = v
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
