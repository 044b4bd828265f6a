package grid

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec converts values of T to and from their stored JSON form. TypeName is
// persisted in the catalog and used to find a decoder when a store is
// reopened without its Go type.
type Codec[T any] interface {
	TypeName() string
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type jsonCodec[T any] struct {
	name string
}

// JSON returns a Codec that stores T as JSON under typeName.
func JSON[T any](typeName string) Codec[T] {
	return jsonCodec[T]{name: typeName}
}

func (c jsonCodec[T]) TypeName() string { return c.name }

func (c jsonCodec[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.name, err)
	}
	return data, nil
}

func (c jsonCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return v, nil
}

// Built-in codecs.
var (
	String = JSON[string]("string")
	Int    = JSON[int]("int")
	Int64  = JSON[int64]("int64")
	Bool   = JSON[bool]("bool")
	Raw    = JSON[json.RawMessage]("json")
)

// TypeRegistry maps catalogued type names to decoders so values of a
// reopened store can be decoded without naming their Go type.
type TypeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]func([]byte) (any, error)
}

// NewTypeRegistry returns a registry preloaded with the built-in codecs.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{decoders: make(map[string]func([]byte) (any, error))}
	Register(r, String)
	Register(r, Int)
	Register(r, Int64)
	Register(r, Bool)
	Register(r, Raw)
	return r
}

// Register adds (or replaces) the decoder for c's type name.
func Register[T any](r *TypeRegistry, c Codec[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[c.TypeName()] = func(data []byte) (any, error) {
		return c.Decode(data)
	}
}

// Decode decodes data as the value type registered under typeName.
func (r *TypeRegistry) Decode(typeName string, data []byte) (any, error) {
	r.mu.RLock()
	dec, ok := r.decoders[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return dec(data)
}

// Known reports whether typeName has a decoder.
func (r *TypeRegistry) Known(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[typeName]
	return ok
}
