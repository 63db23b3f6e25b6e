package cache

import (
	"fmt"
	"strings"
	"time"
)

// PartitionClass is the closed set of partition kinds.
// Each class has its own TTL and eviction cap.
type PartitionClass string

const (
	ClassStatic   PartitionClass = "static"
	ClassDynamic  PartitionClass = "dynamic"
	ClassDocument PartitionClass = "document"
	ClassFont     PartitionClass = "font"
	ClassAPI      PartitionClass = "api"
)

// Classes lists every partition class in manifest order.
var Classes = []PartitionClass{ClassStatic, ClassDynamic, ClassDocument, ClassFont, ClassAPI}

// Valid reports whether c is one of the known classes.
func (c PartitionClass) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

const partitionSeparator = "-"

// PartitionName builds the partition name for a class in a generation,
// e.g. site-static-v3.
func PartitionName(prefix string, class PartitionClass, generation string) string {
	return prefix + partitionSeparator + string(class) + partitionSeparator + generation
}

// ParsePartitionName splits a partition name created by PartitionName.
// It returns false for names that do not start with the prefix
// or do not name a known class.
func ParsePartitionName(prefix, name string) (PartitionClass, string, bool) {
	rest, found := strings.CutPrefix(name, prefix+partitionSeparator)
	if !found {
		return "", "", false
	}
	class, generation, found := strings.Cut(rest, partitionSeparator)
	if !found || generation == "" {
		return "", "", false
	}
	if !PartitionClass(class).Valid() {
		return "", "", false
	}
	return PartitionClass(class), generation, true
}

// Policy is the expiration and eviction policy of one partition class.
type Policy struct {
	// Entries older than TTL are stale.
	TTL time.Duration `yaml:"ttl"`
	// Maximum number of entries kept in the partition.
	// Zero in a table entry means unbounded; use DefaultTable for the default cap.
	MaxEntries int `yaml:"maxEntries"`
}

// Table holds the policy for each partition class.
type Table map[PartitionClass]Policy

// DefaultMaxEntries is the eviction cap applied to every class
// that does not set its own.
const DefaultMaxEntries = 100

// DefaultTable returns the default policies, each capped at maxEntries
// or DefaultMaxEntries if maxEntries is zero:
// fonts longest, documents long, static assets medium, dynamic content short, API shortest.
func DefaultTable(maxEntries int) Table {
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}
	return Table{
		ClassFont:     {TTL: 365 * 24 * time.Hour, MaxEntries: maxEntries},
		ClassDocument: {TTL: 30 * 24 * time.Hour, MaxEntries: maxEntries},
		ClassStatic:   {TTL: 7 * 24 * time.Hour, MaxEntries: maxEntries},
		ClassDynamic:  {TTL: 24 * time.Hour, MaxEntries: maxEntries},
		ClassAPI:      {TTL: 5 * time.Minute, MaxEntries: maxEntries},
	}
}

// Policy returns the policy of the class.
// Classes missing from the table fall back to the defaults.
func (t Table) Policy(class PartitionClass) Policy {
	if p, ok := t[class]; ok {
		return p
	}
	return DefaultTable(0)[class]
}

// Validate checks that every known class has a usable policy.
func (t Table) Validate() error {
	for class, p := range t {
		if !class.Valid() {
			return fmt.Errorf("unknown partition class %q", class)
		}
		if p.TTL <= 0 {
			return fmt.Errorf("partition class %s needs a positive ttl", class)
		}
		if p.MaxEntries < 0 {
			return fmt.Errorf("partition class %s has negative maxEntries", class)
		}
	}
	return nil
}
