package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Catalog records the descriptor of every store by name. It is kept in a
// RawMap so it lives in the same storage as the stores it describes.
type Catalog struct {
	raw RawMap
}

// NewCatalog wraps raw as a catalog.
func NewCatalog(raw RawMap) *Catalog {
	return &Catalog{raw: raw}
}

// Register records d unless its name is already catalogued. An existing
// entry must match d exactly, otherwise ErrStoreMismatch is returned. The
// stored descriptor is returned together with whether this call created it.
func (c *Catalog) Register(ctx context.Context, d StoreDescriptor) (StoreDescriptor, bool, error) {
	if err := d.Validate(); err != nil {
		return StoreDescriptor{}, false, err
	}
	var (
		existing StoreDescriptor
		created  bool
	)
	_, err := c.raw.Update(ctx, d.Name, func(cur []byte, found bool) ([]byte, error) {
		if !found {
			created = true
			existing = d
			return json.Marshal(d)
		}
		if err := json.Unmarshal(cur, &existing); err != nil {
			return nil, fmt.Errorf("decode descriptor %q: %w", d.Name, err)
		}
		if err := existing.Compatible(d); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return StoreDescriptor{}, false, err
	}
	return existing, created, nil
}

// Lookup returns the descriptor catalogued under name.
func (c *Catalog) Lookup(ctx context.Context, name string) (StoreDescriptor, error) {
	data, ok, err := c.raw.Get(ctx, name)
	if err != nil {
		return StoreDescriptor{}, err
	}
	if !ok {
		return StoreDescriptor{}, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	var d StoreDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return StoreDescriptor{}, fmt.Errorf("decode descriptor %q: %w", name, err)
	}
	return d, nil
}

// Descriptors returns every catalogued descriptor sorted by name.
func (c *Catalog) Descriptors(ctx context.Context) ([]StoreDescriptor, error) {
	var out []StoreDescriptor
	_, err := c.raw.ForEach(ctx, func(name string, data []byte) (bool, error) {
		var d StoreDescriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return false, fmt.Errorf("decode descriptor %q: %w", name, err)
		}
		out = append(out, d)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Forget removes name from the catalog.
func (c *Catalog) Forget(ctx context.Context, name string) error {
	_, err := c.raw.Delete(ctx, name)
	return err
}

// Reset removes every entry.
func (c *Catalog) Reset(ctx context.Context) error {
	return c.raw.Clear(ctx)
}
