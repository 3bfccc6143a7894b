package optim

import "math"

// Schedule maps a step count to a multiplier on a base learning rate.
type Schedule interface {
	Factor(step int) float64
}

// Exponential decays by Gamma every step.
type Exponential struct {
	Gamma float64
}

// ExponentialTo returns the schedule that reaches final (e.g. 0.01) after
// steps steps.
func ExponentialTo(final float64, steps int) Exponential {
	if steps <= 0 {
		return Exponential{Gamma: 1}
	}
	return Exponential{Gamma: math.Pow(final, 1/float64(steps))}
}

func (e Exponential) Factor(step int) float64 {
	return math.Pow(e.Gamma, float64(step))
}

// LinearWarmup ramps linearly from Start to 1 over Iters steps and holds.
type LinearWarmup struct {
	Start float64
	Iters int
}

func (w LinearWarmup) Factor(step int) float64 {
	if w.Iters <= 0 || step >= w.Iters {
		return 1
	}
	return w.Start + (1-w.Start)*float64(step)/float64(w.Iters)
}

// Chain multiplies the factors of its schedules.
type Chain []Schedule

func (c Chain) Factor(step int) float64 {
	f := 1.0
	for _, s := range c {
		f *= s.Factor(step)
	}
	return f
}

// Scheduler drives one optimizer's learning rate from a base rate.
type Scheduler struct {
	opt   *Adam
	base  float64
	sched Schedule
	step  int
}

// NewScheduler binds sched to opt, using opt's current LR as the base rate,
// and applies the step-0 factor.
func NewScheduler(opt *Adam, sched Schedule) *Scheduler {
	s := &Scheduler{opt: opt, base: opt.LR, sched: sched}
	opt.LR = s.base * sched.Factor(0)
	return s
}

// Step advances the schedule by one and updates the optimizer's LR.
func (s *Scheduler) Step() {
	s.step++
	s.opt.LR = s.base * s.sched.Factor(s.step)
}

// LR returns the learning rate currently in effect.
func (s *Scheduler) LR() float64 { return s.opt.LR }

// Count returns the number of Step calls so far.
func (s *Scheduler) Count() int { return s.step }

// Seek jumps the schedule to step, used when resuming from a checkpoint.
func (s *Scheduler) Seek(step int) {
	s.step = step
	s.opt.LR = s.base * s.sched.Factor(step)
}
