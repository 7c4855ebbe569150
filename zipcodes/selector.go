package zipcodes

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "zipcodes")

// AlgorithmVersion tags the selection algorithm persisted with each epoch.
const AlgorithmVersion = "v1.0"

// Params are the selection inputs beyond the eligible set itself.
type Params struct {
	Target              int
	Tolerance           float64
	Randomness          float64
	TierWeights         map[MarketTier]float64
	StatePriorities     map[string]int
	Cooldown            time.Duration
	HoneypotProbability float64
	HoneypotThreshold   int
	Secret              []byte
}

// Seed derives the epoch PRNG seed from the shared secret, the epoch id,
// and the UTC date. Deterministic given those inputs, unpredictable without
// the secret.
func Seed(secret []byte, epochID string, day time.Time) uint64 {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(epochID))
	mac.Write([]byte(day.UTC().Format("2006-01-02")))
	return binary.BigEndian.Uint64(mac.Sum(nil)[:8])
}

// Nonce derives the published per-epoch nonce. It commits to the selected
// set: recomputing it from the stored row must reproduce the stored value
// byte for byte.
func Nonce(secret []byte, epochID string, start time.Time, selected []string) string {
	sorted := append([]string{}, selected...)
	sort.Strings(sorted)
	setHash := sha256.Sum256([]byte(strings.Join(sorted, "")))

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(epochID))
	mac.Write([]byte(fmt.Sprintf("%d", start.UTC().Unix())))
	mac.Write(setHash[:])
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// cooldownFactor decays the weight of recently assigned zipcodes, ramping
// linearly from 0.1 right after assignment back to 1.0 at the end of the
// cooldown window.
func cooldownFactor(lastAssigned *time.Time, now time.Time, cooldown time.Duration) float64 {
	if lastAssigned == nil || cooldown <= 0 {
		return 1.0
	}
	elapsed := now.Sub(*lastAssigned)
	if elapsed >= cooldown {
		return 1.0
	}
	return 0.1 + 0.9*elapsed.Seconds()/cooldown.Seconds()
}

// Weight computes the selection weight of a zipcode under the given params.
func Weight(z *Zipcode, p *Params, now time.Time) float64 {
	tierWeight, ok := p.TierWeights[z.MarketTier]
	if !ok {
		tierWeight = 1.0
	}
	statePriority, ok := p.StatePriorities[z.State]
	if !ok || statePriority <= 0 {
		statePriority = 10
	}
	base := z.BaseWeight
	if base <= 0 {
		base = 1.0
	}
	w := float64(z.ExpectedListings) *
		tierWeight *
		(1.0 / float64(statePriority)) *
		cooldownFactor(z.LastAssigned, now, p.Cooldown) *
		base
	return math.Max(w, 0.1)
}

// Selection is the output of one epoch's draw.
type Selection struct {
	Assignments   []Assignment
	TotalExpected int
	Degraded      bool
	Seed          uint64
}

// Select draws an assignment set from the eligible rows. The honeypot pool
// is disjoint from the eligible set (rows below the activity floor); a
// honeypot, when drawn, is flagged and excluded from the listings budget.
func Select(eligible, honeypotPool []Zipcode, epochID string, now time.Time, p *Params) (*Selection, error) {
	if len(eligible) == 0 {
		return nil, errors.New("no eligible zipcodes for selection")
	}

	seed := Seed(p.Secret, epochID, now)
	rng := rand.New(rand.NewSource(int64(seed)))

	minTarget := float64(p.Target) * (1 - p.Tolerance)
	maxTarget := float64(p.Target) * (1 + p.Tolerance)

	// Candidates are kept in lexicographic zipcode order so ties and the
	// per-round PRNG consumption are reproducible.
	remaining := append([]Zipcode{}, eligible...)
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].Zipcode < remaining[j].Zipcode
	})

	sel := &Selection{Seed: seed}
	total := 0
	for total < int(math.Ceil(minTarget)) && len(remaining) > 0 {
		idx := drawOne(rng, remaining, p, now)
		cand := remaining[idx]

		if overshoot := float64(total+cand.ExpectedListings) - maxTarget; overshoot > 0 {
			if overshoot > float64(smallestExpected(remaining)) {
				break
			}
		}

		sel.Assignments = append(sel.Assignments, toAssignment(epochID, &cand, Weight(&cand, p, now), false))
		total += cand.ExpectedListings
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	sel.TotalExpected = total
	sel.Degraded = float64(total) < minTarget || float64(total) > maxTarget

	if rng.Float64() < p.HoneypotProbability {
		if hp := pickHoneypot(rng, honeypotPool, sel.Assignments, p.HoneypotThreshold); hp != nil {
			sel.Assignments = append(sel.Assignments, toAssignment(epochID, hp, Weight(hp, p, now), true))
			log.WithFields(logrus.Fields{
				"epoch":   epochID,
				"zipcode": hp.Zipcode,
			}).Info("Included honeypot zipcode")
		}
	}

	log.WithFields(logrus.Fields{
		"epoch":    epochID,
		"zipcodes": len(sel.Assignments),
		"expected": sel.TotalExpected,
		"target":   p.Target,
		"degraded": sel.Degraded,
	}).Info("Selected zipcodes for epoch")
	return sel, nil
}

// drawOne performs a single weighted draw: each candidate scores
// w^(1-alpha) * u^alpha and the highest score wins. Alpha interpolates from
// fully weighted (0) to fully uniform (1). Equal scores break toward the
// lexicographically smaller zipcode, which the sorted candidate order gives
// us for free.
func drawOne(rng *rand.Rand, candidates []Zipcode, p *Params, now time.Time) int {
	best := 0
	bestScore := -1.0
	alpha := p.Randomness
	for i := range candidates {
		u := rng.Float64()
		score := math.Pow(Weight(&candidates[i], p, now), 1-alpha) * math.Pow(u, alpha)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

func smallestExpected(candidates []Zipcode) int {
	smallest := candidates[0].ExpectedListings
	for _, c := range candidates[1:] {
		if c.ExpectedListings < smallest {
			smallest = c.ExpectedListings
		}
	}
	return smallest
}

func pickHoneypot(rng *rand.Rand, pool []Zipcode, selected []Assignment, threshold int) *Zipcode {
	chosen := make(map[string]bool, len(selected))
	for _, a := range selected {
		chosen[a.Zipcode] = true
	}
	var candidates []Zipcode
	for _, z := range pool {
		if !chosen[z.Zipcode] && z.ExpectedListings < threshold {
			candidates = append(candidates, z)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Zipcode < candidates[j].Zipcode
	})
	pick := candidates[rng.Intn(len(candidates))]
	return &pick
}

func toAssignment(epochID string, z *Zipcode, weight float64, honeypot bool) Assignment {
	return Assignment{
		EpochID:          epochID,
		Zipcode:          z.Zipcode,
		ExpectedListings: z.ExpectedListings,
		State:            z.State,
		City:             z.City,
		County:           z.County,
		MarketTier:       z.MarketTier,
		SelectionWeight:  weight,
		IsHoneypot:       honeypot,
		LastAssigned:     z.LastAssigned,
	}
}

// BudgetExpected sums the expected listings of non-honeypot assignments.
func BudgetExpected(assignments []Assignment) int {
	total := 0
	for _, a := range assignments {
		if !a.IsHoneypot {
			total += a.ExpectedListings
		}
	}
	return total
}
