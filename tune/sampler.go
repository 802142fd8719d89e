package tune

import (
	"math/rand"
)

// Sampler proposes the configuration of the next trial from the space and the trials finished so
// far.
type Sampler interface {
	Sample(rng *rand.Rand, space Space, history []Trial) Config
}

// RandomSampler samples uniformly from the space.
type RandomSampler struct{}

func (RandomSampler) Sample(rng *rand.Rand, space Space, history []Trial) Config {
	return space.Sample(rng)
}

// LocalSampler alternates between uniform sampling and perturbing the best configuration found
// so far for a randomly chosen objective. Every parameter of the perturbed configuration moves by
// at most one step.
type LocalSampler struct {
	Objectives []Objective
	// Exploration is the probability of sampling uniformly. Defaults to 0.5.
	Exploration float64
}

func (s LocalSampler) Sample(rng *rand.Rand, space Space, history []Trial) Config {
	exploration := s.Exploration
	if exploration <= 0 {
		exploration = 0.5
	}
	if len(s.Objectives) == 0 || rng.Float64() < exploration {
		return space.Sample(rng)
	}

	objective := s.Objectives[rng.Intn(len(s.Objectives))]
	best, ok := bestTrial(history, objective)
	if !ok {
		return space.Sample(rng)
	}

	cfg := Config{}
	for _, name := range space.Names() {
		r := space[name]
		v, ok := best.Config[name]
		if !ok {
			cfg[name] = r.Sample(rng)
			continue
		}
		k := r.Index(v) + rng.Intn(3) - 1
		if k < 0 {
			k = 0
		}
		if k >= r.Count() {
			k = r.Count() - 1
		}
		cfg[name] = r.Value(k)
	}
	return cfg
}

// bestTrial returns the succeeded trial with the best value of objective. Ties go to the earlier
// trial.
func bestTrial(trials []Trial, objective Objective) (Trial, bool) {
	var best Trial
	found := false
	for _, trial := range trials {
		if trial.Status != StatusSucceeded {
			continue
		}
		v := trial.Objectives[objective.Name]
		if !found || objective.Better(v, best.Objectives[objective.Name]) ||
			(v == best.Objectives[objective.Name] && trial.Number < best.Number) {
			best = trial
			found = true
		}
	}
	return best, found
}
