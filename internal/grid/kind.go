package grid

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of collection shapes a store can take.
type Kind int

// Collection kinds.
const (
	KindMap Kind = iota + 1
	KindQueue
	KindSet
)

// String returns the lower-case kind label used in the catalog.
func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindQueue:
		return "queue"
	case KindSet:
		return "set"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a catalog label back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "map":
		return KindMap, nil
	case "queue":
		return KindQueue, nil
	case "set":
		return KindSet, nil
	default:
		return 0, fmt.Errorf("unknown store kind %q", s)
	}
}

// MarshalJSON encodes the kind as its label.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind label.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode kind: %w", err)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// StoreDescriptor identifies a collection. Once a name is catalogued its Kind
// and ValueType never change.
type StoreDescriptor struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	ValueType string `json:"type,omitempty"`
}

// Validate checks the descriptor is usable.
func (d StoreDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: store name is required", ErrConfig)
	}
	switch d.Kind {
	case KindMap, KindQueue:
		if d.ValueType == "" {
			return fmt.Errorf("%w: store %q needs a value type", ErrConfig, d.Name)
		}
	case KindSet:
		if d.ValueType != "" {
			return fmt.Errorf("%w: set %q cannot carry a value type", ErrConfig, d.Name)
		}
	default:
		return fmt.Errorf("%w: store %q has invalid kind %s", ErrConfig, d.Name, d.Kind)
	}
	return nil
}

// Compatible returns ErrStoreMismatch when req names the same store as d
// with another kind or value type.
func (d StoreDescriptor) Compatible(req StoreDescriptor) error {
	if d.Kind != req.Kind || d.ValueType != req.ValueType {
		return fmt.Errorf("%w: %q is a %s of %q, requested %s of %q",
			ErrStoreMismatch, d.Name, d.Kind, d.ValueType, req.Kind, req.ValueType)
	}
	return nil
}

// Store is the tagged result of reopening a collection by name. Exactly one of
// Map, Queue or Set is set, matching Descriptor.Kind.
type Store struct {
	Descriptor StoreDescriptor
	Map        RawMap
	Queue      RawQueue
	Set        RawSet
}

// Collection returns the non-nil collection held by the store.
func (s Store) Collection() Collection {
	switch s.Descriptor.Kind {
	case KindMap:
		return s.Map
	case KindQueue:
		return s.Queue
	case KindSet:
		return s.Set
	default:
		return nil
	}
}
