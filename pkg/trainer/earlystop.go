package trainer

import (
	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

// Monitor selects the scalar watched by early stopping
type Monitor int

const (
	MonitorLoss Monitor = iota
	MonitorMeanRank
	MonitorFilteredMeanRank
	MonitorMRR
	MonitorFilteredMRR
	MonitorHit1
	MonitorFilteredHit1
	MonitorHit3
	MonitorFilteredHit3
	MonitorHit5
	MonitorFilteredHit5
	MonitorHit10
	MonitorFilteredHit10
)

var monitorNames = []string{
	MonitorLoss:             "loss",
	MonitorMeanRank:         "mr",
	MonitorFilteredMeanRank: "fmr",
	MonitorMRR:              "mrr",
	MonitorFilteredMRR:      "fmrr",
	MonitorHit1:             "hit1",
	MonitorFilteredHit1:     "fhit1",
	MonitorHit3:             "hit3",
	MonitorFilteredHit3:     "fhit3",
	MonitorHit5:             "hit5",
	MonitorFilteredHit5:     "fhit5",
	MonitorHit10:            "hit10",
	MonitorFilteredHit10:    "fhit10",
}

func (m Monitor) String() string {
	if m < 0 || int(m) >= len(monitorNames) {
		return "unknown"
	}
	return monitorNames[m]
}

// ParseMonitor resolves a monitor by name
func ParseMonitor(name string) (Monitor, error) {
	for m, n := range monitorNames {
		if n == name {
			return Monitor(m), nil
		}
	}
	return 0, kgerrors.ConfigErrorf(kgerrors.ErrUnknownMonitor, "Unknown monitor %s", name).
		WithSuggestion("Use one of loss, mr, fmr, mrr, fmrr, hit{1,3,5,10} or fhit{1,3,5,10}")
}

// Minimize reports whether lower values of the monitor are better
func (m Monitor) Minimize() bool {
	switch m {
	case MonitorLoss, MonitorMeanRank, MonitorFilteredMeanRank:
		return true
	}
	return false
}

// EarlyStopper tracks consecutive worsenings of one monitor
type EarlyStopper struct {
	monitor    Monitor
	patience   int
	startEpoch int

	patienceLeft int
	previous     float64
	seen         bool
}

// NewEarlyStopper returns a stopper that tolerates patience consecutive
// worsenings, counted from startEpoch. A negative patience never stops.
func NewEarlyStopper(monitor Monitor, patience, startEpoch int) *EarlyStopper {
	s := &EarlyStopper{monitor: monitor, patience: patience, startEpoch: startEpoch}
	s.Reset()
	return s
}

// Monitor returns the watched monitor
func (s *EarlyStopper) Monitor() Monitor {
	return s.monitor
}

// PatienceLeft returns the remaining tolerated worsenings
func (s *EarlyStopper) PatienceLeft() int {
	return s.patienceLeft
}

// Reset restores the full patience budget and forgets the previous value
func (s *EarlyStopper) Reset() {
	s.patienceLeft = s.patience
	s.previous = 0
	s.seen = false
}

// Evaluate compares current against previous. A worsening spends one unit
// of patience, or requests a stop once none is left; an improvement
// restores the full budget.
func (s *EarlyStopper) Evaluate(previous, current float64) (patienceLeft int, stop bool) {
	if s.patience < 0 {
		return s.patienceLeft, false
	}

	worse := current <= previous
	if s.monitor.Minimize() {
		worse = current >= previous
	}

	switch {
	case !worse:
		s.patienceLeft = s.patience
	case s.patienceLeft > 0:
		s.patienceLeft--
	default:
		return s.patienceLeft, true
	}
	return s.patienceLeft, false
}

// Observe records the monitor value of epoch and reports whether training
// should stop. Decisions are taken only from startEpoch on; the previous
// value is updated on every observation.
func (s *EarlyStopper) Observe(epoch int, value float64) bool {
	stop := false
	if s.seen && epoch >= s.startEpoch {
		_, stop = s.Evaluate(s.previous, value)
	}
	s.previous = value
	s.seen = true
	return stop
}
