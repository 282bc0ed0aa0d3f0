package alert

import (
	"context"
	"os/exec"
	"sync"

	"pulsefeed/models"
)

// ExecDesktop shows popups through notify-send. Permission means the binary
// is present on PATH; the lookup result is cached for the process lifetime.
type ExecDesktop struct {
	once    sync.Once
	binary  string
	granted bool
}

func NewExecDesktop() *ExecDesktop {
	return &ExecDesktop{}
}

func (d *ExecDesktop) RequestPermission(ctx context.Context) (bool, error) {
	d.once.Do(func() {
		path, err := exec.LookPath("notify-send")
		if err != nil {
			return
		}
		d.binary = path
		d.granted = true
	})
	return d.granted, nil
}

func (d *ExecDesktop) Show(ctx context.Context, n models.Notification) error {
	if granted, _ := d.RequestPermission(ctx); !granted {
		return nil
	}
	urgency := "normal"
	switch n.Priority {
	case models.PriorityHigh:
		urgency = "critical"
	case models.PriorityLow:
		urgency = "low"
	}
	cmd := exec.CommandContext(ctx, d.binary, "--urgency", urgency, "--app-name", "pulsefeed", n.Title, n.Message)
	return cmd.Run()
}

// ExecSound plays a cue through paplay. Missing binary or sound file means
// silence, not failure.
type ExecSound struct {
	once   sync.Once
	binary string
	sample string
}

// NewExecSound plays the given sample file for every cue. An empty sample
// falls back to the freedesktop message tone.
func NewExecSound(sample string) *ExecSound {
	if sample == "" {
		sample = "/usr/share/sounds/freedesktop/stereo/message.oga"
	}
	return &ExecSound{sample: sample}
}

func (s *ExecSound) Play(ctx context.Context, priority models.NotificationPriority) error {
	s.once.Do(func() {
		if path, err := exec.LookPath("paplay"); err == nil {
			s.binary = path
		}
	})
	if s.binary == "" {
		return nil
	}
	return exec.CommandContext(ctx, s.binary, s.sample).Run()
}
