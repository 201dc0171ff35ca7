package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	GroupSedative   = "sedative"
	GroupVasoactive = "vasoactive"
)

// TimeRule maps a time denominator (".../hr") onto per-minute rates.
type TimeRule struct {
	Pattern        string  `yaml:"pattern" json:"pattern"`
	MinutesPerUnit float64 `yaml:"minutes_per_unit" json:"minutes_per_unit"`

	re *regexp.Regexp
}

func (r TimeRule) Matches(unit string) bool {
	return r.re != nil && r.re.MatchString(unit)
}

// MassRule maps a mass numerator onto micrograms (or units).
type MassRule struct {
	Contains   string  `yaml:"contains" json:"contains"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	Unit       string  `yaml:"unit" json:"unit"`
}

type UnitRules struct {
	Time        []TimeRule `yaml:"time" json:"time"`
	Mass        []MassRule `yaml:"mass" json:"mass"`
	PerKgMarker string     `yaml:"per_kg_marker" json:"per_kg_marker"`
}

// Limit is a dose rate expressed per minute or per hour, optionally per kg of body weight.
type Limit struct {
	Amount float64 `yaml:"amount" json:"amount"`
	Per    string  `yaml:"per" json:"per"`
	PerKg  bool    `yaml:"per_kg" json:"per_kg"`
}

// PerMinute resolves the limit to a per-minute rate. ok is false when the limit is
// weight-scaled and no weight is known.
func (l Limit) PerMinute(weightKg *float64) (value float64, ok bool) {
	value = l.Amount
	if l.Per == "hour" {
		value = value / 60.0
	}
	if l.PerKg {
		if weightKg == nil {
			return 0, false
		}
		value = value * *weightKg
	}
	return value, true
}

// PerHour resolves the limit to an amount per hour.
func (l Limit) PerHour(weightKg *float64) (float64, bool) {
	value := l.Amount
	if l.Per != "hour" {
		value = value * 60.0
	}
	if l.PerKg {
		if weightKg == nil {
			return 0, false
		}
		value = value * *weightKg
	}
	return value, true
}

type Drug struct {
	Group         string     `yaml:"group" json:"group"`
	CanonicalUnit string     `yaml:"canonical_unit" json:"canonical_unit"`
	Ceiling       Limit      `yaml:"ceiling" json:"ceiling"`
	HourlyCap     *Limit     `yaml:"hourly_cap,omitempty" json:"hourly_cap,omitempty"`
	Units         *UnitRules `yaml:"units,omitempty" json:"units,omitempty"`
}

// TotalUnit is the unit of a dose integrated over time, e.g. "mcg" for "mcg/min".
func (d Drug) TotalUnit() string {
	if idx := strings.Index(d.CanonicalUnit, "/"); idx > 0 {
		return d.CanonicalUnit[:idx]
	}
	return d.CanonicalUnit
}

type Catalog struct {
	Units           UnitRules                     `yaml:"units" json:"units"`
	Drugs           map[string]Drug               `yaml:"drugs" json:"drugs"`
	Equivalents     map[string]map[string]float64 `yaml:"equivalents" json:"equivalents"`
	PriorityMarkers []string                      `yaml:"priority_markers" json:"priority_markers"`
	ExcludedActions []string                      `yaml:"excluded_actions" json:"excluded_actions"`
}

func Load(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading drug catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, fmt.Errorf("parsing drug catalog: %w", err)
	}
	if len(cat.Drugs) == 0 {
		return nil, fmt.Errorf("drug catalog empty")
	}
	if err := cat.compile(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) compile() error {
	normalized := make(map[string]Drug, len(c.Drugs))
	for name, drug := range c.Drugs {
		if drug.CanonicalUnit == "" {
			return fmt.Errorf("drug %s: canonical_unit required", name)
		}
		if drug.Units != nil {
			if err := compileTimeRules(drug.Units.Time); err != nil {
				return fmt.Errorf("drug %s: %w", name, err)
			}
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = drug
	}
	c.Drugs = normalized
	return compileTimeRules(c.Units.Time)
}

func compileTimeRules(rules []TimeRule) error {
	for i := range rules {
		re, err := regexp.Compile(rules[i].Pattern)
		if err != nil {
			return fmt.Errorf("time pattern %q: %w", rules[i].Pattern, err)
		}
		if rules[i].MinutesPerUnit <= 0 {
			return fmt.Errorf("time pattern %q: minutes_per_unit must be positive", rules[i].Pattern)
		}
		rules[i].re = re
	}
	return nil
}

func (c *Catalog) Drug(category string) (Drug, bool) {
	if c == nil || c.Drugs == nil {
		return Drug{}, false
	}
	drug, ok := c.Drugs[strings.ToLower(strings.TrimSpace(category))]
	return drug, ok
}

// RulesFor returns the unit rules for a drug, falling back to the catalog defaults.
func (c *Catalog) RulesFor(category string) UnitRules {
	if drug, ok := c.Drug(category); ok && drug.Units != nil {
		return *drug.Units
	}
	return c.Units
}

// DrugsInGroup lists the drug categories of a group in name order.
func (c *Catalog) DrugsInGroup(group string) []string {
	var names []string
	for name, drug := range c.Drugs {
		if drug.Group == group {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func DefaultCatalog() *Catalog {
	perHour := func(amount float64, perKg bool) Limit {
		return Limit{Amount: amount, Per: "hour", PerKg: perKg}
	}
	perMinute := func(amount float64, perKg bool) Limit {
		return Limit{Amount: amount, Per: "minute", PerKg: perKg}
	}
	capOf := func(l Limit) *Limit { return &l }

	cat := &Catalog{
		Units: UnitRules{
			Time: []TimeRule{
				{Pattern: `/h(r|our)?\b`, MinutesPerUnit: 60},
				{Pattern: `/m(in|inute)?\b`, MinutesPerUnit: 1},
			},
			Mass: []MassRule{
				{Contains: "mcg/", Multiplier: 1, Unit: "mcg"},
				{Contains: "mg/", Multiplier: 1000, Unit: "mcg"},
				{Contains: "ng/", Multiplier: 0.001, Unit: "mcg"},
				{Contains: "milli", Multiplier: 0.001, Unit: "units"},
				{Contains: "units/", Multiplier: 1, Unit: "units"},
			},
			PerKgMarker: "/kg/",
		},
		Drugs: map[string]Drug{
			"midazolam":       {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(10000, false), HourlyCap: capOf(perHour(10000, false))},
			"lorazepam":       {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(10000, false), HourlyCap: capOf(perHour(10000, false))},
			"hydromorphone":   {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(4000, false), HourlyCap: capOf(perHour(4000, false))},
			"fentanyl":        {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(700, false), HourlyCap: capOf(perHour(700, false))},
			"propofol":        {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(4000, true), HourlyCap: capOf(perHour(6000, true))},
			"dexmedetomidine": {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(1.5, true), HourlyCap: capOf(perHour(1.5, true))},
			"ketamine":        {Group: GroupSedative, CanonicalUnit: "mcg/min", Ceiling: perHour(6000, true), HourlyCap: capOf(perHour(6000, true))},
			"norepinephrine":  {Group: GroupVasoactive, CanonicalUnit: "mcg/min", Ceiling: perMinute(1, true), HourlyCap: capOf(perMinute(1, true))},
			"epinephrine":     {Group: GroupVasoactive, CanonicalUnit: "mcg/min", Ceiling: perMinute(1, true), HourlyCap: capOf(perMinute(1, true))},
			"phenylephrine":   {Group: GroupVasoactive, CanonicalUnit: "mcg/min", Ceiling: perMinute(5, true), HourlyCap: capOf(perMinute(5, true))},
			"dopamine":        {Group: GroupVasoactive, CanonicalUnit: "mcg/min", Ceiling: perMinute(20, true), HourlyCap: capOf(perMinute(20, true))},
			"dobutamine":      {Group: GroupVasoactive, CanonicalUnit: "mcg/min", Ceiling: perMinute(40, true), HourlyCap: capOf(perMinute(40, true))},
			"vasopressin":     {Group: GroupVasoactive, CanonicalUnit: "units/min", Ceiling: perMinute(0.05, false), HourlyCap: capOf(perMinute(0.05, false))},
			"angiotensin":     {Group: GroupVasoactive, CanonicalUnit: "mcg/min", Ceiling: perMinute(0.04, true), HourlyCap: capOf(perMinute(0.04, true))},
		},
		Equivalents: map[string]map[string]float64{
			"fentanyl_eq":  {"fentanyl": 1, "hydromorphone": 0.05},
			"midazolam_eq": {"midazolam": 1, "lorazepam": 2},
			"ne_eq": {
				"norepinephrine": 1,
				"epinephrine":    1,
				"phenylephrine":  0.1,
				"dopamine":       0.01,
				"vasopressin":    2.5,
				"angiotensin":    10,
			},
		},
		PriorityMarkers: []string{"verif"},
		ExcludedActions: []string{"bolus"},
	}
	if err := cat.compile(); err != nil {
		panic(err)
	}
	return cat
}
