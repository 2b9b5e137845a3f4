// Package selector implements the variant-selection policy: bootstrap
// round-robin first, then one of UCB1, explore-then-commit, or
// round-robin-with-elimination. Selection is fully deterministic given the
// policy, the stats bucket, and the sorted variant id list.
package selector

import (
	"math"
	"sort"

	"github.com/BayesianSociety/orchestrator/internal/policystore"
)

// Select picks a variant id for (agent, epoch) from the sorted candidate
// list, given the current policy. The sort order of variantIDs is the
// primary tie-break throughout, so behavior is fully deterministic.
func Select(policy *policystore.Policy, agent, epoch string, variantIDs []string) string {
	ids := append([]string(nil), variantIDs...)
	sort.Strings(ids)

	bucket := policy.StatsBucket(agent, epoch)
	for _, v := range ids {
		if _, ok := bucket.Attempts[v]; !ok {
			bucket.Attempts[v] = 0
		}
		if _, ok := bucket.Passes[v]; !ok {
			bucket.Passes[v] = 0
		}
		if _, ok := bucket.CleanPasses[v]; !ok {
			bucket.CleanPasses[v] = 0
		}
	}

	needsBootstrap := false
	for _, v := range ids {
		if bucket.Attempts[v] < policy.BootstrapMinTrialsPerVariant {
			needsBootstrap = true
			break
		}
	}
	if needsBootstrap {
		rr := (bucket.LastRRIndex + 1) % len(ids)
		bucket.LastRRIndex = rr
		return ids[rr]
	}

	strategy := policy.SelectionStrategy
	switch strategy {
	case "ucb1", "explore_then_commit", "rr_elimination":
	default:
		strategy = "ucb1"
	}
	bucket.SelectionStrategy = strategy

	meanClean := func(v string) float64 {
		return float64(bucket.CleanPasses[v]) / float64(max1(bucket.Attempts[v]))
	}

	switch strategy {
	case "ucb1":
		totalAttempts := 0
		for _, v := range ids {
			totalAttempts += bucket.Attempts[v]
		}
		best := ids[0]
		bestScore := math.Inf(-1)
		for _, v := range ids {
			score := meanClean(v) + policy.UCBConstant*math.Sqrt(math.Log(float64(max1(totalAttempts)))/float64(max1(bucket.Attempts[v])))
			if score > bestScore {
				bestScore = score
				best = v
			}
		}
		return best

	case "explore_then_commit":
		commit := &bucket.Commit
		if commit.Active {
			if commit.Remaining > 0 && contains(ids, commit.Best) {
				commit.Remaining--
				return commit.Best
			}
		}
		best := ids[0]
		bestMean := -1.0
		for _, v := range ids {
			mc := meanClean(v)
			if mc > bestMean {
				bestMean = mc
				best = v
			}
		}
		commit.Active = true
		commit.Best = best
		commit.Remaining = policy.CommitWindowRuns - 1
		commit.ConsecutiveNotCleanBest = 0
		return best

	default: // rr_elimination
		eliminated := map[string]bool{}
		for _, e := range bucket.Eliminated {
			eliminated[e] = true
		}
		var active []string
		for _, v := range ids {
			if !eliminated[v] {
				active = append(active, v)
			}
		}
		if len(active) == 0 {
			bucket.Eliminated = nil
			rr := (bucket.LastRRIndex + 1) % len(ids)
			bucket.LastRRIndex = rr
			return ids[rr]
		}

		activeIdx := (bucket.LastRRIndex + 1) % len(active)
		chosen := active[activeIdx]

		for _, v := range active {
			a := bucket.Attempts[v]
			p := bucket.Passes[v]
			mc := meanClean(v)
			failureRate := 1.0 - float64(p)/float64(max1(a))
			if a >= policy.ElimMinTrials && (mc < policy.ElimMinMeanClean || failureRate > policy.ElimMaxFailureRate) {
				eliminated[v] = true
			}
		}
		var newElim []string
		for v := range eliminated {
			newElim = append(newElim, v)
		}
		sort.Strings(newElim)
		bucket.Eliminated = newElim
		bucket.LastRRIndex = indexOf(ids, chosen)
		return chosen
	}
}

// Update records the outcome of one step attempt against the chosen
// variant, and drives the explore-then-commit release rule.
func Update(policy *policystore.Policy, agent, epoch, variantID string, passed, cleanPass bool) {
	bucket := policy.StatsBucket(agent, epoch)
	bucket.Attempts[variantID]++
	if passed {
		bucket.Passes[variantID]++
	}
	if cleanPass {
		bucket.CleanPasses[variantID]++
	}

	if policy.SelectionStrategy != "explore_then_commit" {
		return
	}
	commit := &bucket.Commit
	if !commit.Active || commit.Best != variantID {
		return
	}
	if cleanPass {
		commit.ConsecutiveNotCleanBest = 0
		return
	}
	commit.ConsecutiveNotCleanBest++
	a := bucket.Attempts[variantID]
	mc := float64(bucket.CleanPasses[variantID]) / float64(max1(a))
	if commit.ConsecutiveNotCleanBest >= 2 || (a >= 10 && mc < 0.3) {
		commit.Active = false
		commit.Remaining = 0
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}
