package usecase

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
)

var (
	slugPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})?$`)
	paramPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var knownAspects = []string{"9:16", "16:9", "1:1", "4:5"}

const (
	maxIntentRunes  = 1000
	maxBriefRunes   = 20000
	minDurationSec  = 5
	maxDurationSec  = 600
	maxGateMinutes  = 7 * 24 * 60
	defaultDuration = 60
	defaultAspect   = "9:16"
	defaultLanguage = "en"
	testingSeed     = 1
)

// JobDefaults is what Submit fills in when the caller leaves it out.
type JobDefaults struct {
	// Plan is every registered stage in execution order.
	Plan  []string
	Gates map[string]model.GatePolicy
}

// resolveConfig validates in and returns the snapshot a job will run
// with. Every violation is reported, not just the first.
func resolveConfig(in model.JobConfig, d JobDefaults) (model.JobConfig, error) {
	var bad []string
	add := func(format string, args ...any) { bad = append(bad, fmt.Sprintf(format, args...)) }

	cfg := in
	cfg.Slug = strings.TrimSpace(in.Slug)
	switch {
	case cfg.Slug == "":
		add("slug is required")
	case !slugPattern.MatchString(cfg.Slug):
		add("slug %q must be lowercase letters, digits and dashes (max 63)", cfg.Slug)
	}

	cfg.Intent = strings.TrimSpace(in.Intent)
	if n := utf8.RuneCountInString(cfg.Intent); n > maxIntentRunes {
		add("intent is %d characters, max %d", n, maxIntentRunes)
	}
	if strings.ContainsFunc(cfg.Intent, func(r rune) bool { return unicode.IsControl(r) && r != '\n' && r != '\t' }) {
		add("intent contains control characters")
	}
	if n := utf8.RuneCountInString(in.Brief); n > maxBriefRunes {
		add("brief is %d characters, max %d", n, maxBriefRunes)
	}

	t := &cfg.Target
	if t.DurationSec == 0 {
		t.DurationSec = defaultDuration
	} else if t.DurationSec < minDurationSec || t.DurationSec > maxDurationSec {
		add("target.duration_sec must be between %d and %d, got %d", minDurationSec, maxDurationSec, t.DurationSec)
	}
	if t.Aspect == "" {
		t.Aspect = defaultAspect
	} else if !slices.Contains(knownAspects, t.Aspect) {
		add("target.aspect %q is not one of %s", t.Aspect, strings.Join(knownAspects, ", "))
	}
	if t.Language == "" {
		t.Language = defaultLanguage
	} else if !languagePattern.MatchString(t.Language) {
		add("target.language %q is not a language tag", t.Language)
	}

	if in.Seed < 0 {
		add("seed must not be negative")
	}
	// Test runs are reproducible: they always carry a seed.
	if cfg.Testing && cfg.Seed == 0 {
		cfg.Seed = testingSeed
	}
	for k := range in.Params {
		if !paramPattern.MatchString(k) {
			add("params key %q must be an identifier", k)
		}
	}

	cfg.Plan = resolvePlan(in.Plan, d.Plan, add)
	cfg.Gates = resolveGates(in.Gates, d.Gates, cfg.Plan, add)

	if len(bad) > 0 {
		sort.Strings(bad)
		return model.JobConfig{}, &domain.ConfigError{Violations: bad}
	}
	return cfg, nil
}

// resolvePlan keeps a caller subset in registry order; an empty request
// means every stage.
func resolvePlan(req, all []string, add func(string, ...any)) []string {
	if len(req) == 0 {
		return slices.Clone(all)
	}
	want := make(map[string]bool, len(req))
	for _, s := range req {
		switch {
		case !slices.Contains(all, s):
			add("plan stage %q is not registered", s)
		case want[s]:
			add("plan lists stage %q twice", s)
		}
		want[s] = true
	}
	plan := make([]string, 0, len(req))
	for _, s := range all {
		if want[s] {
			plan = append(plan, s)
		}
	}
	return plan
}

// resolveGates overlays the job's gates on the service defaults. Defaults
// for stages outside the plan are dropped; job gates outside it are errors.
func resolveGates(req, defaults map[string]model.GatePolicy, plan []string, add func(string, ...any)) map[string]model.GatePolicy {
	out := make(map[string]model.GatePolicy, len(defaults)+len(req))
	for stage, p := range defaults {
		if slices.Contains(plan, stage) {
			out[stage] = p
		}
	}
	for stage, p := range req {
		if !slices.Contains(plan, stage) {
			add("gate stage %q is not in the plan", stage)
			continue
		}
		out[stage] = p
	}
	for stage, p := range out {
		switch {
		case p.TimeoutMinutes < 0:
			add("gate %q: timeout_minutes must not be negative", stage)
		case p.TimeoutMinutes > maxGateMinutes:
			add("gate %q: timeout_minutes above %d", stage, maxGateMinutes)
		}
		if p.AutoApprove && p.TimeoutMinutes <= 0 {
			add("gate %q: auto_approve needs timeout_minutes > 0", stage)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
