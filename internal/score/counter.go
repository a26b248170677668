package score

import (
	"math"

	"github.com/surplusnet/surplusnet/internal/entropy"
)

// MaxRounds is how many full counter-offer rounds a thread runs before the
// convergence check.
const MaxRounds = 3

// ConvergenceThreshold is the relative first/last price gap below which a
// thread converges into a deal.
const ConvergenceThreshold = 0.10

// Jitter band applied to counter-offer prices for human-like variance.
const (
	counterJitterLo = 0.97
	counterJitterHi = 1.03
)

// PercentToClose returns how far toward the target price a counter-offer
// moves in the given round. It increases strictly with the round number, so
// positions tighten as the thread ages.
func PercentToClose(round int) float64 {
	return 0.33 + float64(round)/float64(MaxRounds)*0.34
}

// CounterOffer computes the next counter-offer price: the original price
// moved PercentToClose of the way toward the target, then jittered.
func CounterOffer(original, target float64, round int, src entropy.Source) float64 {
	price := original + (target-original)*PercentToClose(round)
	return price * entropy.Jitter(src, counterJitterLo, counterJitterHi)
}

// Converged reports whether the first and last counter-offer prices are
// within the convergence threshold of each other.
func Converged(first, last float64) bool {
	if first == 0 {
		return false
	}
	return math.Abs(first-last)/math.Abs(first) < ConvergenceThreshold
}
