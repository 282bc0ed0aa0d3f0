package models

import (
	"time"
)

// NotificationKind classifies a notification for filtering purposes.
type NotificationKind string

const (
	KindTrade  NotificationKind = "trade"
	KindPrice  NotificationKind = "price"
	KindSystem NotificationKind = "system"
	KindAI     NotificationKind = "ai"
)

// NotificationKinds lists every kind the engine knows about.
func NotificationKinds() []NotificationKind {
	return []NotificationKind{KindTrade, KindPrice, KindSystem, KindAI}
}

// NotificationPriority mirrors the priority levels used by the backend
// alert services.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
)

// NotificationPayload is the payload carried by a notification envelope:
// the Notification shape minus the locally stamped id/read/createdAt.
type NotificationPayload struct {
	Kind     NotificationKind     `json:"kind"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Priority NotificationPriority `json:"priority"`
	Data     map[string]any       `json:"data,omitempty"`
}

// Notification is one stored entry in the notification center. Identity is
// generated locally on receipt; Read is the only mutable field.
type Notification struct {
	ID        string               `json:"id"`
	Kind      NotificationKind     `json:"kind"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Priority  NotificationPriority `json:"priority"`
	Read      bool                 `json:"read"`
	CreatedAt time.Time            `json:"created_at"`
	Data      map[string]any       `json:"data,omitempty"`
}

// Preferences controls which notifications are accepted and which side
// effects fire. Mutated only through explicit preference updates.
type Preferences struct {
	Enabled bool                      `json:"enabled"`
	Sound   bool                      `json:"sound"`
	Desktop bool                      `json:"desktop"`
	Filters map[NotificationKind]bool `json:"filters"`
}

// DefaultPreferences returns the documented initial preferences: engine on,
// sound on, desktop off, every kind accepted.
func DefaultPreferences() Preferences {
	filters := make(map[NotificationKind]bool, len(NotificationKinds()))
	for _, k := range NotificationKinds() {
		filters[k] = true
	}
	return Preferences{
		Enabled: true,
		Sound:   true,
		Desktop: false,
		Filters: filters,
	}
}

// PreferencesPatch is a partial preference update. Nil fields leave the
// current value untouched; filter entries merge key-wise.
type PreferencesPatch struct {
	Enabled *bool                     `json:"enabled,omitempty"`
	Sound   *bool                     `json:"sound,omitempty"`
	Desktop *bool                     `json:"desktop,omitempty"`
	Filters map[NotificationKind]bool `json:"filters,omitempty"`
}
