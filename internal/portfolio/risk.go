package portfolio

import (
	"time"

	"optiontrader/internal/model"
)

// Rules are the entry constraints.
type Rules struct {
	// OneAtATime blocks any entry while another position is Long.
	OneAtATime bool

	// CooldownAfterExit is the wait after an exit before the same
	// instrument may be entered again.
	CooldownAfterExit time.Duration

	// MaxConcurrentPerGroup caps Long positions sharing a group tag. <=0 disables.
	MaxConcurrentPerGroup int

	// TrailMult is the ATR multiple for the trailing stop.
	TrailMult float64
}

// DefaultRules returns one-at-a-time, 10 minute cooldown, one per group, 2x ATR trail.
func DefaultRules() Rules {
	return Rules{
		OneAtATime:            true,
		CooldownAfterExit:     10 * time.Minute,
		MaxConcurrentPerGroup: 1,
		TrailMult:             2.0,
	}
}

// Entry rejection reasons.
const (
	ReasonNotFlat    = "not flat"
	ReasonCooldown   = "cooldown"
	ReasonOneAtATime = "another position open"
	ReasonGroupCap   = "group cap reached"
)

// CanEnter checks whether token may be entered at now.
// Returns true if allowed, false with a reason if not.
func (m *Manager) CanEnter(token uint32, now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.get(token)
	if p.State != model.Flat {
		return false, ReasonNotFlat
	}
	if m.coolingDown(p, now) {
		return false, ReasonCooldown
	}

	if m.rules.OneAtATime {
		for _, o := range m.positions {
			if o.State == model.Long {
				return false, ReasonOneAtATime
			}
		}
	}

	if p.Group != "" && m.rules.MaxConcurrentPerGroup > 0 {
		open := 0
		for _, o := range m.positions {
			if o.State == model.Long && o.Group == p.Group {
				open++
			}
		}
		if open >= m.rules.MaxConcurrentPerGroup {
			return false, ReasonGroupCap
		}
	}
	return true, ""
}

// InCooldown reports whether token exited less than CooldownAfterExit
// before now.
func (m *Manager) InCooldown(token uint32, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[token]
	return ok && m.coolingDown(p, now)
}

func (m *Manager) coolingDown(p *model.PositionInfo, now time.Time) bool {
	return !p.LastExitTime.IsZero() && now.Sub(p.LastExitTime) < m.rules.CooldownAfterExit
}
