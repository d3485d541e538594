package types

import (
	"fmt"
	"strings"
	"time"
)

// RangeMode selects which ends of a StartAfter/StartBefore window are
// inclusive. The zero value is RangeInclusiveExclusive.
type RangeMode int

const (
	RangeInclusiveExclusive RangeMode = iota // [after, before)
	RangeInclusiveInclusive                  // [after, before]
	RangeExclusiveExclusive                  // (after, before)
	RangeExclusiveInclusive                  // (after, before]
)

var rangeModeNames = map[RangeMode]string{
	RangeInclusiveExclusive: "[)",
	RangeInclusiveInclusive: "[]",
	RangeExclusiveExclusive: "()",
	RangeExclusiveInclusive: "(]",
}

func (m RangeMode) String() string {
	if s, ok := rangeModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("RangeMode(%d)", int(m))
}

// ParseRangeMode parses the bracket notation used in configuration.
// An empty string yields the default mode.
func ParseRangeMode(s string) (RangeMode, error) {
	if s == "" {
		return RangeInclusiveExclusive, nil
	}
	for m, name := range rangeModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown range mode %q", ErrInvalidPredicate, s)
}

// DefaultTolerance is the window used by StartNear when Tolerance is zero.
const DefaultTolerance = 2 * time.Hour

// Predicate selects manifest entries. Every set field must match (logical
// AND); the zero Predicate matches everything.
type Predicate struct {
	DeviceID           *int64     // exact
	Project            string     // exact, when non-empty
	Tags               []string   // each must equal or be a substring of some record tag
	NameContains       string     // substring of Name
	DeviceNameContains string     // substring of DeviceName
	StartAfter         *time.Time // lower bound of StartTime
	StartBefore        *time.Time // upper bound of StartTime
	Range              RangeMode  // inclusivity of StartAfter/StartBefore
	StartNear          *time.Time // StartTime within Tolerance of this instant
	Tolerance          time.Duration
}

// Validate rejects windows that can never match.
func (p *Predicate) Validate() error {
	if p.StartAfter != nil && p.StartBefore != nil && p.StartBefore.Before(*p.StartAfter) {
		return fmt.Errorf("%w: start_before %s precedes start_after %s",
			ErrInvalidPredicate, p.StartBefore.Format(StartTimeLayout), p.StartAfter.Format(StartTimeLayout))
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("%w: negative tolerance", ErrInvalidPredicate)
	}
	if _, ok := rangeModeNames[p.Range]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidPredicate, p.Range)
	}
	return nil
}

// IsEmpty reports whether p matches every entry.
func (p *Predicate) IsEmpty() bool {
	return p.DeviceID == nil && p.Project == "" && len(p.Tags) == 0 &&
		p.NameContains == "" && p.DeviceNameContains == "" &&
		p.StartAfter == nil && p.StartBefore == nil && p.StartNear == nil
}

// Matches evaluates p against one record's metadata.
func (p *Predicate) Matches(r *TestRecord) bool {
	if p.DeviceID != nil && r.DeviceID != *p.DeviceID {
		return false
	}
	if p.Project != "" && r.Project != p.Project {
		return false
	}
	if p.NameContains != "" && !strings.Contains(r.Name, p.NameContains) {
		return false
	}
	if p.DeviceNameContains != "" && !strings.Contains(r.DeviceName, p.DeviceNameContains) {
		return false
	}
	for _, want := range p.Tags {
		if !hasTag(r.Tags, want) {
			return false
		}
	}
	if !p.inRange(r.StartTime) {
		return false
	}
	if p.StartNear != nil {
		tol := p.Tolerance
		if tol == 0 {
			tol = DefaultTolerance
		}
		d := r.StartTime.Sub(*p.StartNear)
		if d < 0 {
			d = -d
		}
		if d > tol {
			return false
		}
	}
	return true
}

func (p *Predicate) inRange(t time.Time) bool {
	if p.StartAfter != nil {
		switch p.Range {
		case RangeExclusiveExclusive, RangeExclusiveInclusive:
			if !t.After(*p.StartAfter) {
				return false
			}
		default:
			if t.Before(*p.StartAfter) {
				return false
			}
		}
	}
	if p.StartBefore != nil {
		switch p.Range {
		case RangeInclusiveInclusive, RangeExclusiveInclusive:
			if t.After(*p.StartBefore) {
				return false
			}
		default:
			if !t.Before(*p.StartBefore) {
				return false
			}
		}
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want || strings.Contains(tag, want) {
			return true
		}
	}
	return false
}
