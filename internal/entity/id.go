package entity

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ID identifies one entity instance.
//
// Name is case-insensitive and stored lower-cased; Key is case-sensitive.
// IDs are values: compare them with == or Compare.
type ID struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// NewID returns the ID for the given entity name and key.
// The name is lower-cased using Unicode case folding rules.
func NewID(name, key string) ID {
	return ID{Name: normalizeName(name), Key: key}
}

// normalizeName lower-cases an entity name.
// A Caser is stateful, so one is created per call.
func normalizeName(name string) string {
	return cases.Lower(language.Und).String(name)
}

// Validate reports whether the ID can be used as an address.
func (id ID) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("entity name must not be empty")
	}
	if strings.Contains(id.Name, "@") {
		return fmt.Errorf("entity name %q must not contain '@'", id.Name)
	}
	if id.Name != normalizeName(id.Name) {
		return fmt.Errorf("entity name %q is not normalized", id.Name)
	}
	return nil
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id.Name == "" && id.Key == ""
}

// SchedulerID returns the instance id of the entity's scheduler: "@name@key".
func (id ID) SchedulerID() string {
	return "@" + id.Name + "@" + id.Key
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.SchedulerID()
}

// Compare orders IDs by key, then by name.
//
// Lock sets are sorted with Compare; every participant must use the same
// order or lock acquisition could deadlock.
func (id ID) Compare(other ID) int {
	if c := strings.Compare(id.Key, other.Key); c != 0 {
		return c
	}
	return strings.Compare(id.Name, other.Name)
}

// IsSchedulerID reports whether an instance id addresses an entity.
func IsSchedulerID(instanceID string) bool {
	return strings.HasPrefix(instanceID, "@") && strings.Index(instanceID[1:], "@") >= 0
}

// ParseSchedulerID is the inverse of ID.SchedulerID.
func ParseSchedulerID(instanceID string) (ID, error) {
	if !strings.HasPrefix(instanceID, "@") {
		return ID{}, fmt.Errorf("invalid scheduler id %q: missing '@' prefix", instanceID)
	}
	rest := instanceID[1:]
	pos := strings.Index(rest, "@")
	if pos < 0 {
		return ID{}, fmt.Errorf("invalid scheduler id %q: missing key separator", instanceID)
	}
	id := ID{Name: rest[:pos], Key: rest[pos+1:]}
	if err := id.Validate(); err != nil {
		return ID{}, fmt.Errorf("invalid scheduler id %q: %w", instanceID, err)
	}
	return id, nil
}
