// Package tune searches a quantized parameter space for the configurations that minimize the
// objectives a trial function reports.
package tune

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/daedaleanai/edaflow/log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxTrials   = 20
	DefaultMaxDuration = 600 * time.Second
)

// ErrNoSuccessfulTrial is returned when a campaign ends without any trial that succeeded.
var ErrNoSuccessfulTrial = errors.New("no trial succeeded")

// TrialFunc evaluates one configuration and reports its objectives through the session. A
// returned error marks the trial as failed; the campaign continues.
type TrialFunc func(ctx context.Context, cfg Config, session *Session) error

// Tuner runs a tuning campaign. Zero values select the defaults.
type Tuner struct {
	Space Space
	// Objectives default to DefaultObjectives.
	Objectives []Objective
	// MaxTrials caps the number of trials. Defaults to DefaultMaxTrials.
	MaxTrials int
	// MaxDuration caps the wall-clock time of the campaign. No trial starts after it has passed
	// and running trials are cancelled. Defaults to DefaultMaxDuration.
	MaxDuration time.Duration
	// Concurrency is the number of trials running at the same time. Defaults to 1.
	Concurrency int
	// Seed of the sampler. Campaigns with a concurrency of 1 and the same seed sample the same
	// configurations.
	Seed int64
	// Sampler defaults to a LocalSampler over the objectives.
	Sampler Sampler
	// Store defaults to a MemoryStore.
	Store Store
}

// Result is the outcome of a campaign.
type Result struct {
	Campaign string
	// Trials are ordered by number.
	Trials []Trial
	// Best holds the best succeeded trial of every objective, chosen independently.
	Best map[string]Trial
}

func (t *Tuner) withDefaults() Tuner {
	tuner := *t
	if len(tuner.Objectives) == 0 {
		tuner.Objectives = DefaultObjectives
	}
	if tuner.MaxTrials <= 0 {
		tuner.MaxTrials = DefaultMaxTrials
	}
	if tuner.MaxDuration <= 0 {
		tuner.MaxDuration = DefaultMaxDuration
	}
	if tuner.Concurrency <= 0 {
		tuner.Concurrency = 1
	}
	if tuner.Sampler == nil {
		tuner.Sampler = LocalSampler{Objectives: tuner.Objectives}
	}
	if tuner.Store == nil {
		tuner.Store = NewMemoryStore()
	}
	return tuner
}

// Tune runs trials of fn until the trial or time budget is exhausted. Running out of time is not
// an error; cancelling ctx is.
func (t *Tuner) Tune(ctx context.Context, fn TrialFunc) (Result, error) {
	if fn == nil {
		return Result{}, errors.New("trial function is required")
	}
	if err := t.Space.Validate(); err != nil {
		return Result{}, err
	}
	tuner := t.withDefaults()
	if err := tuner.Store.Init(ctx); err != nil {
		return Result{}, fmt.Errorf("initializing trial store: %w", err)
	}

	result := Result{Campaign: uuid.NewString(), Best: map[string]Trial{}}
	log.Log("Starting campaign %s: %d trials, %d at a time, %s budget.\n", result.Campaign, tuner.MaxTrials, tuner.Concurrency, tuner.MaxDuration)

	campaignCtx, cancel := context.WithTimeout(ctx, tuner.MaxDuration)
	defer cancel()

	rng := rand.New(rand.NewSource(tuner.Seed))
	var mu sync.Mutex
	trials := []Trial{}

	g, gctx := errgroup.WithContext(campaignCtx)
	g.SetLimit(tuner.Concurrency)
	for number := 0; number < tuner.MaxTrials; number++ {
		if gctx.Err() != nil {
			break
		}
		// Sample after a slot is free, so the sampler sees every trial finished so far.
		g.Go(func() error {
			mu.Lock()
			cfg := tuner.Sampler.Sample(rng, tuner.Space, append([]Trial{}, trials...))
			mu.Unlock()

			trial := tuner.runTrial(gctx, number, cfg, fn)

			mu.Lock()
			trials = append(trials, trial)
			mu.Unlock()
			if err := tuner.Store.SaveTrial(ctx, result.Campaign, trial); err != nil {
				return fmt.Errorf("saving trial %d: %w", number, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	sort.Slice(trials, func(i, j int) bool { return trials[i].Number < trials[j].Number })
	result.Trials = trials
	for _, objective := range tuner.Objectives {
		if best, ok := bestTrial(trials, objective); ok {
			result.Best[objective.Name] = best
		}
	}
	if len(result.Best) == 0 {
		return result, ErrNoSuccessfulTrial
	}
	return result, nil
}

func (t *Tuner) runTrial(ctx context.Context, number int, cfg Config, fn TrialFunc) Trial {
	trial := Trial{
		ID:         uuid.NewString(),
		Number:     number,
		Config:     cfg,
		Objectives: map[string]float64{},
		Status:     StatusSucceeded,
		Start:      time.Now(),
	}
	if ctx.Err() != nil {
		trial.Status = StatusCancelled
		trial.Err = ctx.Err().Error()
		for _, objective := range t.Objectives {
			trial.Objectives[objective.Name] = objective.Worst()
		}
		return trial
	}

	log.Log("Trial %d: %s\n", number, cfg)
	session := newSession(number)
	err := fn(ctx, cfg.Clone(), session)
	trial.Duration = time.Since(trial.Start)
	trial.Metrics = session.Values()

	switch {
	case err != nil && ctx.Err() != nil:
		trial.Status = StatusCancelled
		trial.Err = err.Error()
	case err != nil:
		trial.Status = StatusFailed
		trial.Err = err.Error()
	}
	for _, objective := range t.Objectives {
		if _, ok := trial.Metrics[objective.Name]; !ok && trial.Status == StatusSucceeded {
			trial.Status = StatusFailed
			trial.Err = fmt.Sprintf("objective '%s' was not reported", objective.Name)
		}
	}
	for _, objective := range t.Objectives {
		if trial.Status == StatusSucceeded {
			trial.Objectives[objective.Name] = trial.Metrics[objective.Name]
		} else {
			trial.Objectives[objective.Name] = objective.Worst()
		}
	}
	if trial.Status != StatusSucceeded {
		log.Warning("Trial %d %s: %s\n", number, trial.Status, trial.Err)
	} else {
		log.Success("Trial %d finished in %s: %v\n", number, trial.Duration.Round(time.Second), trial.Objectives)
	}
	return trial
}
