package tune

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/daedaleanai/edaflow/util"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

var validate = validator.New()

// Range is a closed interval sampled at a fixed step: min, min+step, min+2*step, ... up to max.
type Range struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max" validate:"gtefield=Min"`
	Step float64 `yaml:"step" validate:"gt=0"`
}

// UnmarshalYAML accepts both the 'min'/'max' keys and a two element 'minmax' list.
func (r *Range) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Min    *float64  `yaml:"min"`
		Max    *float64  `yaml:"max"`
		MinMax []float64 `yaml:"minmax"`
		Step   float64   `yaml:"step"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch {
	case raw.MinMax != nil:
		if len(raw.MinMax) != 2 || raw.Min != nil || raw.Max != nil {
			return errors.New("'minmax' must be a list of two values and excludes 'min' and 'max'")
		}
		r.Min, r.Max = raw.MinMax[0], raw.MinMax[1]
	case raw.Min != nil && raw.Max != nil:
		r.Min, r.Max = *raw.Min, *raw.Max
	default:
		return errors.New("a range needs either 'minmax' or both 'min' and 'max'")
	}
	r.Step = raw.Step
	return nil
}

// Validate checks that the step is positive and the interval not empty.
func (r Range) Validate() error {
	return validate.Struct(r)
}

// Count returns the number of values in the range.
func (r Range) Count() int {
	return int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
}

// decimals is the number of decimal places of min and step, used to round away float noise.
// Every value min+k*step has at most that many.
func (r Range) decimals() int {
	return max(decimalPlaces(r.Min), decimalPlaces(r.Step))
}

func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// Value returns the k-th value of the range, clamped to the interval.
func (r Range) Value(k int) float64 {
	scale := math.Pow(10, float64(r.decimals()))
	v := math.Round((r.Min+float64(k)*r.Step)*scale) / scale
	return math.Max(r.Min, math.Min(r.Max, v))
}

// Index returns the position of the range value closest to v.
func (r Range) Index(v float64) int {
	k := int(math.Round((v - r.Min) / r.Step))
	if k < 0 {
		return 0
	}
	if n := r.Count(); k >= n {
		return n - 1
	}
	return k
}

// Values returns every value of the range in ascending order.
func (r Range) Values() []float64 {
	values := make([]float64, 0, r.Count())
	for k := 0; k < r.Count(); k++ {
		values = append(values, r.Value(k))
	}
	return values
}

// Sample draws a value uniformly from the range.
func (r Range) Sample(rng *rand.Rand) float64 {
	return r.Value(rng.Intn(r.Count()))
}

// Space maps parameter names to their ranges.
type Space map[string]Range

// Names returns the parameter names in sorted order.
func (s Space) Names() []string {
	return util.OrderedKeys(s)
}

// Validate checks every range of the space.
func (s Space) Validate() error {
	if len(s) == 0 {
		return errors.New("the parameter space is empty")
	}
	for _, name := range s.Names() {
		if err := s[name].Validate(); err != nil {
			return fmt.Errorf("parameter '%s': %w", name, err)
		}
	}
	return nil
}

// Sample draws a configuration uniformly from the space.
func (s Space) Sample(rng *rand.Rand) Config {
	cfg := Config{}
	for _, name := range s.Names() {
		cfg[name] = s[name].Sample(rng)
	}
	return cfg
}

// Contains reports whether every parameter of cfg is a value of its range.
func (s Space) Contains(cfg Config) bool {
	for name, r := range s {
		v, ok := cfg[name]
		if !ok || v < r.Min || v > r.Max || v != r.Value(r.Index(v)) {
			return false
		}
	}
	return true
}

// ParseSpace decodes a yaml parameter space.
func ParseSpace(data []byte) (Space, error) {
	space := Space{}
	if err := yaml.UnmarshalStrict(data, &space); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	return space, nil
}

// LoadSpace reads a yaml parameter space from filePath.
func LoadSpace(filePath string) (Space, error) {
	space := Space{}
	if err := util.ReadYaml(filePath, &space); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("'%s': %w", filePath, err)
	}
	return space, nil
}

// Config is one sampled point of a space.
type Config map[string]float64

// Lookup returns a pointer to the value of name, or nil if it is not part of the configuration.
func (c Config) Lookup(name string) *float64 {
	v, ok := c[name]
	if !ok {
		return nil
	}
	return &v
}

// Clone returns a copy of the configuration.
func (c Config) Clone() Config {
	clone := make(Config, len(c))
	for k, v := range c {
		clone[k] = v
	}
	return clone
}

func (c Config) String() string {
	parts := []string{}
	for _, e := range util.OrderedEntries(c) {
		parts = append(parts, e.Key+"="+strconv.FormatFloat(e.Value, 'f', -1, 64))
	}
	return strings.Join(parts, " ")
}
