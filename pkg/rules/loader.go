// Package rules loads the three immutable rule catalogs — detection,
// correlation, promotion policy — from a filesystem directory and serves them
// from a frozen in-memory map for the lifetime of the process. Catalogs are
// loaded once at startup and never mutated afterward: the only legitimate
// process-wide state in the core, per the replay-determinism contract.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// filenamePattern matches "{id}.v{semver}.{ext}", e.g.
// "lambda-error-rate.v1.0.0.json" or "same-service.v2.1.0-rc.1.yaml".
var filenamePattern = regexp.MustCompile(`^(.+)\.v([0-9]+\.[0-9]+\.[0-9]+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?)\.(json|yaml|yml)$`)

// ParsedFilename is the {id, version, ext} triple encoded in a rule catalog
// filename.
type ParsedFilename struct {
	ID      string
	Version string
	Ext     string
}

// ParseFilename decodes "{id}.v{version}.{ext}" and validates the version as
// semver. Returns an error (fail fast) on any deviation from the convention.
func ParseFilename(name string) (ParsedFilename, error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return ParsedFilename{}, fmt.Errorf("rules: filename %q does not match {id}.v{semver}.{ext}", name)
	}
	if _, err := semver.NewVersion(m[2]); err != nil {
		return ParsedFilename{}, fmt.Errorf("rules: filename %q has invalid semver version %q: %w", name, m[2], err)
	}
	return ParsedFilename{ID: m[1], Version: m[2], Ext: m[3]}, nil
}

// decodeFile unmarshals a rule file of either JSON or YAML into dst,
// inferring the format from the file extension.
func decodeFile(path, ext string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rules: read %s: %w", path, err)
	}
	switch ext {
	case "json":
		if err := json.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("rules: parse json %s: %w", path, err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("rules: parse yaml %s: %w", path, err)
		}
	default:
		return fmt.Errorf("rules: unsupported extension %q for %s", ext, path)
	}
	return nil
}

func catalogKey(id, version string) string {
	return id + "@" + version
}

// listCatalogFiles returns the catalog directory's entries sorted by name
// (deterministic load order — not that load order affects anything stored,
// but it makes fail-fast error messages reproducible).
func listCatalogFiles(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// DetectionCatalog is the frozen, in-memory store of detection rules, keyed
// by ruleId@version, with a signalType pre-index used only to narrow the
// candidate set of rules considered for a signal — never to decide
// applicability outright (that still requires evaluating the full
// SignalMatcher).
type DetectionCatalog struct {
	mu           sync.RWMutex
	rules        map[string]*DetectionRule
	byID         map[string][]*DetectionRule // all versions, for LoadLatest
	bySignalType map[string][]*DetectionRule
	frozen       bool
}

// NewDetectionCatalog returns an empty, not-yet-loaded catalog.
func NewDetectionCatalog() *DetectionCatalog {
	return &DetectionCatalog{
		rules:        make(map[string]*DetectionRule),
		byID:         make(map[string][]*DetectionRule),
		bySignalType: make(map[string][]*DetectionRule),
	}
}

// LoadAll scans dir for detection rule files and loads them all. Fails fast
// and leaves the catalog unchanged (not partially loaded) on any schema
// violation. Calling LoadAll more than once is a programmer error once the
// catalog has been frozen for evaluation.
func (c *DetectionCatalog) LoadAll(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("rules: detection catalog already frozen, cannot reload")
	}

	entries, err := listCatalogFiles(dir)
	if err != nil {
		return err
	}

	rules := make(map[string]*DetectionRule, len(entries))
	byID := make(map[string][]*DetectionRule, len(entries))
	bySignalType := make(map[string][]*DetectionRule)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parsed, err := ParseFilename(entry.Name())
		if err != nil {
			continue // not a rule file, e.g. a README
		}

		var r DetectionRule
		if err := decodeFile(filepath.Join(dir, entry.Name()), parsed.Ext, &r); err != nil {
			return err
		}
		if r.RuleID == "" {
			r.RuleID = parsed.ID
		}
		if r.RuleVersion == "" {
			r.RuleVersion = parsed.Version
		}
		if r.RuleID != parsed.ID || r.RuleVersion != parsed.Version {
			return fmt.Errorf("rules: %s: filename encodes %s@%s but body declares %s@%s",
				entry.Name(), parsed.ID, parsed.Version, r.RuleID, r.RuleVersion)
		}

		key := catalogKey(r.RuleID, r.RuleVersion)
		if _, dup := rules[key]; dup {
			return fmt.Errorf("rules: duplicate detection rule %s", key)
		}
		rules[key] = &r
		byID[r.RuleID] = append(byID[r.RuleID], &r)
		for _, st := range r.SignalMatcher.SignalTypes {
			bySignalType[st] = append(bySignalType[st], &r)
		}
	}

	c.rules = rules
	c.byID = byID
	c.bySignalType = bySignalType
	c.frozen = true
	return nil
}

// LoadRule returns the exact ruleId@version. This is the only lookup
// permitted inside an evaluation path.
func (c *DetectionCatalog) LoadRule(id, version string) (*DetectionRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[catalogKey(id, version)]
	if !ok {
		return nil, fmt.Errorf("rules: detection rule %s@%s not found", id, version)
	}
	return r, nil
}

// LoadLatest returns the highest semver version of ruleId. Tooling-only:
// calling this inside an evaluation path breaks replay determinism, since the
// "latest" version can change between runs.
func (c *DetectionCatalog) LoadLatest(id string) (*DetectionRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.byID[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("rules: no detection rule found for id %s", id)
	}
	latest := versions[0]
	latestVer := semver.MustParse(latest.RuleVersion)
	for _, r := range versions[1:] {
		v := semver.MustParse(r.RuleVersion)
		if v.GreaterThan(latestVer) {
			latest, latestVer = r, v
		}
	}
	return latest, nil
}

// RulesForSignalType returns the pre-index bucket for signalType. Callers
// must still evaluate each candidate rule's full SignalMatcher: this is a
// filter, never a decision.
func (c *DetectionCatalog) RulesForSignalType(signalType string) []*DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket := c.bySignalType[signalType]
	out := make([]*DetectionRule, len(bucket))
	copy(out, bucket)
	return out
}

// All returns every loaded detection rule across all signal types, used by
// rule-catalog tooling (e.g. the doctor subcommand) rather than evaluation.
func (c *DetectionCatalog) All() []*DetectionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*DetectionRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	return out
}

// CorrelationCatalog is the frozen, in-memory store of correlation rules.
type CorrelationCatalog struct {
	mu     sync.RWMutex
	rules  map[string]*CorrelationRule
	byID   map[string][]*CorrelationRule
	frozen bool
}

func NewCorrelationCatalog() *CorrelationCatalog {
	return &CorrelationCatalog{
		rules: make(map[string]*CorrelationRule),
		byID:  make(map[string][]*CorrelationRule),
	}
}

func (c *CorrelationCatalog) LoadAll(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("rules: correlation catalog already frozen, cannot reload")
	}

	entries, err := listCatalogFiles(dir)
	if err != nil {
		return err
	}

	rules := make(map[string]*CorrelationRule, len(entries))
	byID := make(map[string][]*CorrelationRule, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parsed, err := ParseFilename(entry.Name())
		if err != nil {
			continue
		}

		var r CorrelationRule
		if err := decodeFile(filepath.Join(dir, entry.Name()), parsed.Ext, &r); err != nil {
			return err
		}
		if r.RuleID == "" {
			r.RuleID = parsed.ID
		}
		if r.RuleVersion == "" {
			r.RuleVersion = parsed.Version
		}
		if r.RuleID != parsed.ID || r.RuleVersion != parsed.Version {
			return fmt.Errorf("rules: %s: filename encodes %s@%s but body declares %s@%s",
				entry.Name(), parsed.ID, parsed.Version, r.RuleID, r.RuleVersion)
		}
		if r.Matcher.WindowMinutes > 1440 {
			return fmt.Errorf("rules: %s: windowMinutes %d exceeds maximum 1440", entry.Name(), r.Matcher.WindowMinutes)
		}
		if r.Matcher.MinDetections < 1 {
			return fmt.Errorf("rules: %s: minDetections must be >= 1", entry.Name())
		}
		if r.Matcher.MaxDetections > 100 {
			return fmt.Errorf("rules: %s: maxDetections %d exceeds maximum 100", entry.Name(), r.Matcher.MaxDetections)
		}
		if r.Matcher.WindowTruncation != TruncateMinute && r.Matcher.WindowTruncation != TruncateHour {
			return fmt.Errorf("rules: %s: windowTruncation must be 'minute' or 'hour', got %q", entry.Name(), r.Matcher.WindowTruncation)
		}

		key := catalogKey(r.RuleID, r.RuleVersion)
		if _, dup := rules[key]; dup {
			return fmt.Errorf("rules: duplicate correlation rule %s", key)
		}
		rules[key] = &r
		byID[r.RuleID] = append(byID[r.RuleID], &r)
	}

	c.rules = rules
	c.byID = byID
	c.frozen = true
	return nil
}

func (c *CorrelationCatalog) LoadRule(id, version string) (*CorrelationRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[catalogKey(id, version)]
	if !ok {
		return nil, fmt.Errorf("rules: correlation rule %s@%s not found", id, version)
	}
	return r, nil
}

// All returns every loaded correlation rule — the generator
// evaluates each against every new detection.
func (c *CorrelationCatalog) All() []*CorrelationRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*CorrelationRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	return out
}

// PromotionCatalog is the frozen, in-memory store of promotion policies.
type PromotionCatalog struct {
	mu     sync.RWMutex
	policies map[string]*PromotionPolicy
	frozen bool
}

func NewPromotionCatalog() *PromotionCatalog {
	return &PromotionCatalog{policies: make(map[string]*PromotionPolicy)}
}

func (c *PromotionCatalog) LoadAll(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("rules: promotion catalog already frozen, cannot reload")
	}

	entries, err := listCatalogFiles(dir)
	if err != nil {
		return err
	}

	policies := make(map[string]*PromotionPolicy, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parsed, err := ParseFilename(entry.Name())
		if err != nil {
			continue
		}

		var p PromotionPolicy
		if err := decodeFile(filepath.Join(dir, entry.Name()), parsed.Ext, &p); err != nil {
			return err
		}
		if p.PolicyID == "" {
			p.PolicyID = parsed.ID
		}
		if p.PolicyVersion == "" {
			p.PolicyVersion = parsed.Version
		}
		if p.PolicyID != parsed.ID || p.PolicyVersion != parsed.Version {
			return fmt.Errorf("rules: %s: filename encodes %s@%s but body declares %s@%s",
				entry.Name(), parsed.ID, parsed.Version, p.PolicyID, p.PolicyVersion)
		}

		key := catalogKey(p.PolicyID, p.PolicyVersion)
		if _, dup := policies[key]; dup {
			return fmt.Errorf("rules: duplicate promotion policy %s", key)
		}
		policies[key] = &p
	}

	c.policies = policies
	c.frozen = true
	return nil
}

// LoadPolicy returns the exact policyId@version. Production promotion paths
// must never resolve "latest" — only this exact lookup is permitted.
func (c *PromotionCatalog) LoadPolicy(id, version string) (*PromotionPolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[catalogKey(id, version)]
	if !ok {
		return nil, fmt.Errorf("rules: promotion policy %s@%s not found", id, version)
	}
	return p, nil
}
