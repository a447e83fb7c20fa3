// Package blocking holds the global blocking state machine: enabled,
// disabled, or paused until a deadline.
package blocking

import (
	"fmt"
	"log"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/policy"
	"github.com/powerblockade/powerblockade/internal/store"
)

// State is the operator-visible blocking mode.
type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StatePaused   State = "paused"
)

// Pause bounds, in minutes.
const (
	MinPauseMinutes = 1
	MaxPauseMinutes = 1440
)

// Status is a snapshot of the state machine.
type Status struct {
	State       State
	Active      bool
	PausedUntil *time.Time
}

// Controller reads and mutates the blocking state. Disable and pause write
// the empty override zone before returning, so the caller observes the zone
// replaced on disk.
type Controller struct {
	Store     *store.Store
	SharedDir string
	Now       func() time.Time

	// RequestCompile asks the scheduler for a recompile on its next cycle.
	// May be nil in tests.
	RequestCompile func()
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Current returns the state machine snapshot. A paused deadline in the past
// reads as active, even before the resume job has flipped the stored state.
func (c *Controller) Current() (Status, error) {
	disabled, err := c.Store.SettingBool(store.SettingBlockingDisabled)
	if err != nil {
		return Status{}, err
	}
	if disabled {
		return Status{State: StateDisabled}, nil
	}

	raw, err := c.Store.Setting(store.SettingBlockingPausedUntil)
	if err != nil {
		return Status{}, err
	}
	if raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Status{}, fmt.Errorf("blocking: bad paused_until %q: %w", raw, err)
		}
		if c.now().Before(until) {
			return Status{State: StatePaused, PausedUntil: &until}, nil
		}
		return Status{State: StatePaused, Active: true, PausedUntil: &until}, nil
	}
	return Status{State: StateEnabled, Active: true}, nil
}

// Disable stops blocking: state is persisted and the empty combined zone is
// written synchronously.
func (c *Controller) Disable() error {
	if err := c.Store.SetSetting(store.SettingBlockingDisabled, "true"); err != nil {
		return err
	}
	if err := c.Store.DeleteSetting(store.SettingBlockingPausedUntil); err != nil {
		return err
	}
	if err := policy.WriteCombinedOverride(c.SharedDir, c.now().Unix()); err != nil {
		return err
	}
	c.audit("disable", "Blocking disabled")
	log.Printf("[blocking] disabled")
	return nil
}

// Enable resumes blocking and requests a recompile; the combined zone is
// rebuilt on the next compiler cycle, not synchronously.
func (c *Controller) Enable() error {
	if err := c.Store.SetSetting(store.SettingBlockingDisabled, "false"); err != nil {
		return err
	}
	if err := c.Store.DeleteSetting(store.SettingBlockingPausedUntil); err != nil {
		return err
	}
	c.audit("enable", "Blocking enabled")
	if c.RequestCompile != nil {
		c.RequestCompile()
	}
	log.Printf("[blocking] enabled")
	return nil
}

// Pause suspends blocking for the given number of minutes and writes the
// empty combined zone synchronously.
func (c *Controller) Pause(minutes int) (time.Time, error) {
	if minutes < MinPauseMinutes || minutes > MaxPauseMinutes {
		return time.Time{}, fmt.Errorf("blocking: pause minutes %d out of range [%d,%d]",
			minutes, MinPauseMinutes, MaxPauseMinutes)
	}
	until := c.now().Add(time.Duration(minutes) * time.Minute)
	if err := c.Store.SetSetting(store.SettingBlockingDisabled, "false"); err != nil {
		return time.Time{}, err
	}
	if err := c.Store.SetSetting(store.SettingBlockingPausedUntil, until.UTC().Format(time.RFC3339)); err != nil {
		return time.Time{}, err
	}
	if err := policy.WriteCombinedOverride(c.SharedDir, c.now().Unix()); err != nil {
		return time.Time{}, err
	}
	c.audit("pause", fmt.Sprintf("Blocking paused for %d minutes", minutes))
	log.Printf("[blocking] paused until %s", until.Format(time.RFC3339))
	return until, nil
}

// ResumeIfExpired flips an elapsed pause back to enabled and requests a
// recompile. Returns true when a transition happened. Run every minute by
// the scheduler.
func (c *Controller) ResumeIfExpired() (bool, error) {
	st, err := c.Current()
	if err != nil {
		return false, err
	}
	if st.State != StatePaused || !st.Active {
		return false, nil
	}
	if err := c.Store.DeleteSetting(store.SettingBlockingPausedUntil); err != nil {
		return false, err
	}
	c.audit("resume", "Blocking pause elapsed")
	if c.RequestCompile != nil {
		c.RequestCompile()
	}
	log.Printf("[blocking] pause elapsed, resumed")
	return true, nil
}

func (c *Controller) audit(action, comment string) {
	err := c.Store.RecordChange(&model.ConfigChange{
		EntityType: "blocking",
		Action:     action,
		Comment:    comment,
	})
	if err != nil {
		log.Printf("[blocking] audit write failed: %v", err)
	}
}
