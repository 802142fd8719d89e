package tune

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinel is the objective value of a failed trial. It is worse than any value a design
// produces.
const Sentinel = 9999999.0

// Mode is the optimization direction of an objective.
type Mode string

const (
	Minimize Mode = "min"
	Maximize Mode = "max"
)

// Objective is a reported value the tuner optimizes.
type Objective struct {
	Name string
	Mode Mode
}

// DefaultObjectives minimize area and power.
var DefaultObjectives = []Objective{
	{Name: "area", Mode: Minimize},
	{Name: "power", Mode: Minimize},
}

// Better reports whether a is a better value than b.
func (o Objective) Better(a, b float64) bool {
	if o.Mode == Maximize {
		return a > b
	}
	return a < b
}

// Worst returns the sentinel value of the objective.
func (o Objective) Worst() float64 {
	if o.Mode == Maximize {
		return -Sentinel
	}
	return Sentinel
}

// ParseObjective parses 'name' or 'name:min' or 'name:max'.
func ParseObjective(s string) (Objective, error) {
	name, mode := s, Minimize
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		name, mode = s[:i], Mode(s[i+1:])
	}
	if name == "" {
		return Objective{}, fmt.Errorf("invalid objective '%s'", s)
	}
	if mode != Minimize && mode != Maximize {
		return Objective{}, fmt.Errorf("invalid mode '%s' of objective '%s'", mode, name)
	}
	return Objective{Name: name, Mode: mode}, nil
}

// Status is the outcome of a trial.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusCancelled marks trials interrupted by the end of the campaign.
	StatusCancelled Status = "cancelled"
)

// Trial is one evaluation of a configuration.
type Trial struct {
	ID     string
	Number int
	Config Config
	// Objectives holds the value of every objective. Failed trials hold the sentinel values.
	Objectives map[string]float64
	// Metrics holds everything the trial reported.
	Metrics  map[string]float64
	Status   Status
	Err      string
	Start    time.Time
	Duration time.Duration
}

// Session is the channel through which a running trial reports its results.
type Session struct {
	number int
	mu     sync.Mutex
	values map[string]float64
}

func newSession(number int) *Session {
	return &Session{number: number, values: map[string]float64{}}
}

// Trial returns the number of the trial, starting at 0.
func (s *Session) Trial() int {
	return s.number
}

// Report records values. Later reports replace earlier values of the same name.
func (s *Session) Report(values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

// Values returns a copy of everything reported so far.
func (s *Session) Values() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return values
}
