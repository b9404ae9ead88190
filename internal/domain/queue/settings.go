package queue

import "time"

// System limits. These are not overridable per clinic.
const (
	MaxDisruptionBuffer = 10
	RecalcDebounce      = 2 * time.Second
	EstimateCacheTTL    = 30 * time.Second
	BatchSize           = 50
)

// Settings are the tunables a clinic may override.
type Settings struct {
	LateArrivalThreshold time.Duration
	RunOverThreshold     time.Duration
	DefaultDuration      time.Duration
	HistoryLookback      time.Duration
	ConfidenceThreshold  float64
	CheckInterval        time.Duration
}

// DefaultSettings returns the system defaults.
func DefaultSettings() Settings {
	return Settings{
		LateArrivalThreshold: 15 * time.Minute,
		RunOverThreshold:     10 * time.Minute,
		DefaultDuration:      15 * time.Minute,
		HistoryLookback:      30 * 24 * time.Hour,
		ConfidenceThreshold:  0.3,
		CheckInterval:        5 * time.Minute,
	}
}

// ForClinic applies the clinic's overrides on top of s.
func (s Settings) ForClinic(c *ClinicConfig) Settings {
	if c == nil {
		return s
	}
	out := s
	if c.LateArrivalThresholdMinutes != nil {
		out.LateArrivalThreshold = minutes(*c.LateArrivalThresholdMinutes)
	}
	if c.RunOverThresholdMinutes != nil {
		out.RunOverThreshold = minutes(*c.RunOverThresholdMinutes)
	}
	if c.DefaultAppointmentMinutes != nil && *c.DefaultAppointmentMinutes > 0 {
		out.DefaultDuration = minutes(*c.DefaultAppointmentMinutes)
	}
	if c.HistoryLookbackDays != nil && *c.HistoryLookbackDays > 0 {
		out.HistoryLookback = time.Duration(*c.HistoryLookbackDays) * 24 * time.Hour
	}
	if c.ConfidenceThreshold != nil && *c.ConfidenceThreshold >= 0 && *c.ConfidenceThreshold <= 1 {
		out.ConfidenceThreshold = *c.ConfidenceThreshold
	}
	if c.CheckIntervalMinutes != nil && *c.CheckIntervalMinutes > 0 {
		out.CheckInterval = minutes(*c.CheckIntervalMinutes)
	}
	return out
}

// RuleDuration is the fallback length of an appointment of type t at clinic c,
// buffer included.
func (s Settings) RuleDuration(c *ClinicConfig, t AppointmentType) time.Duration {
	var d time.Duration
	switch {
	case c != nil && c.AverageAppointmentMinutes > 0:
		d = minutes(c.AverageAppointmentMinutes)
	case typeMinutes[t] > 0:
		d = minutes(typeMinutes[t])
	default:
		d = s.DefaultDuration
	}
	if c != nil && c.BufferMinutes > 0 {
		d += minutes(c.BufferMinutes)
	}
	return d
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// Clock is the engine's source of time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
