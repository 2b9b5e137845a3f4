// Package policystore persists the per-(agent, prompt-epoch) variant
// statistics and selection-strategy knobs. Saves are atomic: temp file in
// the same directory, then rename.
package policystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CommitState is the explore-then-commit strategy's per-bucket state.
type CommitState struct {
	Active                    bool   `json:"active"`
	Best                      string `json:"best"`
	Remaining                 int    `json:"remaining"`
	ConsecutiveNotCleanBest   int    `json:"consecutive_not_clean_best"`
}

// VariantBucket holds one (agent, epoch) pair's selection statistics.
type VariantBucket struct {
	Attempts           map[string]int `json:"attempts"`
	Passes             map[string]int `json:"passes"`
	CleanPasses        map[string]int `json:"clean_passes"`
	LastRRIndex        int            `json:"last_rr_index"`
	Commit             CommitState    `json:"commit"`
	Eliminated         []string       `json:"eliminated"`
	SelectionStrategy  string         `json:"selection_strategy"`
}

func newBucket() *VariantBucket {
	return &VariantBucket{
		Attempts:    map[string]int{},
		Passes:      map[string]int{},
		CleanPasses: map[string]int{},
		LastRRIndex: -1,
		Commit:      CommitState{},
		Eliminated:  []string{},
	}
}

// Policy is the persisted .orchestrator/policy.json document.
type Policy struct {
	SelectionStrategy           string                    `json:"selection_strategy"`
	BootstrapMinTrialsPerVariant int                      `json:"bootstrap_min_trials_per_variant"`
	UCBConstant                 float64                  `json:"ucb_c"`
	CommitWindowRuns             int                      `json:"commit_window_runs"`
	ElimMinTrials                int                      `json:"elim_min_trials"`
	ElimMinMeanClean             float64                  `json:"elim_min_mean_clean"`
	ElimMaxFailureRate           float64                  `json:"elim_max_failure_rate"`
	StepLimitsOverrides          map[string]map[string]int `json:"step_limits_overrides"`
	ConstraintPatches            map[string]string         `json:"constraint_patches"`
	Stats                        map[string]*VariantBucket `json:"stats"`

	// Extra preserves unknown keys across a load/save round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownPolicyKeys lists every field Policy decodes explicitly; anything else
// in a document is stashed in Extra and re-emitted verbatim on save.
var knownPolicyKeys = map[string]bool{
	"selection_strategy":              true,
	"bootstrap_min_trials_per_variant": true,
	"ucb_c":                           true,
	"commit_window_runs":              true,
	"elim_min_trials":                 true,
	"elim_min_mean_clean":             true,
	"elim_max_failure_rate":           true,
	"step_limits_overrides":           true,
	"constraint_patches":              true,
	"stats":                           true,
}

// policyAlias lets UnmarshalJSON/MarshalJSON decode/encode the known fields
// without recursing back into Policy's own custom methods.
type policyAlias Policy

// UnmarshalJSON decodes known fields normally and stashes every unrecognized
// top-level key in Extra, so a round trip through Load/Save preserves keys
// this version of the orchestrator doesn't understand.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var a policyAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Policy(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownPolicyKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		p.Extra = extra
	}
	return nil
}

// MarshalJSON encodes known fields then merges in any preserved unknown
// keys from Extra.
func (p Policy) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(policyAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Default returns the documented default policy.
func Default() Policy {
	return Policy{
		SelectionStrategy:            "ucb1",
		BootstrapMinTrialsPerVariant: 3,
		UCBConstant:                  1.0,
		CommitWindowRuns:             10,
		ElimMinTrials:                6,
		ElimMinMeanClean:             0.1,
		ElimMaxFailureRate:           0.9,
		StepLimitsOverrides:          map[string]map[string]int{},
		ConstraintPatches:            map[string]string{},
		Stats:                        map[string]*VariantBucket{},
	}
}

// ensureShape fills zero-valued fields with defaults so callers never see
// a nil map panic.
func (p *Policy) ensureShape() {
	def := Default()
	if p.SelectionStrategy == "" {
		p.SelectionStrategy = def.SelectionStrategy
	}
	if p.BootstrapMinTrialsPerVariant == 0 {
		p.BootstrapMinTrialsPerVariant = def.BootstrapMinTrialsPerVariant
	}
	if p.UCBConstant == 0 {
		p.UCBConstant = def.UCBConstant
	}
	if p.CommitWindowRuns == 0 {
		p.CommitWindowRuns = def.CommitWindowRuns
	}
	if p.ElimMinTrials == 0 {
		p.ElimMinTrials = def.ElimMinTrials
	}
	if p.ElimMinMeanClean == 0 {
		p.ElimMinMeanClean = def.ElimMinMeanClean
	}
	if p.ElimMaxFailureRate == 0 {
		p.ElimMaxFailureRate = def.ElimMaxFailureRate
	}
	if p.StepLimitsOverrides == nil {
		p.StepLimitsOverrides = map[string]map[string]int{}
	}
	if p.ConstraintPatches == nil {
		p.ConstraintPatches = map[string]string{}
	}
	if p.Stats == nil {
		p.Stats = map[string]*VariantBucket{}
	}
}

// PolicyKey joins an agent key and epoch id the way the policy document
// indexes its stats map.
func PolicyKey(agent, epoch string) string {
	return agent + "::" + epoch
}

// StatsBucket lazily zero-initializes and returns the bucket for
// (agent, epoch).
func (p *Policy) StatsBucket(agent, epoch string) *VariantBucket {
	key := PolicyKey(agent, epoch)
	b, ok := p.Stats[key]
	if !ok {
		b = newBucket()
		p.Stats[key] = b
	}
	if b.Attempts == nil {
		b.Attempts = map[string]int{}
	}
	if b.Passes == nil {
		b.Passes = map[string]int{}
	}
	if b.CleanPasses == nil {
		b.CleanPasses = map[string]int{}
	}
	if b.Eliminated == nil {
		b.Eliminated = []string{}
	}
	return b
}

// Load reads the policy document at path, defaulting every missing field.
// A missing file yields the default policy rather than an error.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policystore: read: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("policystore: parse: %w", err)
	}
	p.ensureShape()
	return p, nil
}

// Save writes the policy document atomically: a temp file in the same
// directory, fsync, then rename over the destination.
func Save(path string, p Policy) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("policystore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("policystore: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("policystore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("policystore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("policystore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("policystore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("policystore: rename: %w", err)
	}
	return nil
}
