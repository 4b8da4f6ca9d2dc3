// Package products maps licensed product names to the feature names a lease
// grants. The table ships embedded in the binary.
package products

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v2"

	apierrors "fastdls/internal/errors"
)

//go:embed products.yaml
var defaultTable []byte

// Product is one row of the mapping table.
type Product struct {
	Name    string `yaml:"name" json:"product_name"`
	Feature string `yaml:"feature" json:"feature_name"`
}

// Catalog is an immutable product -> feature lookup.
type Catalog struct {
	byName map[string]Product
}

// Default returns the embedded catalog. It panics if the embedded table is
// malformed, which can only happen at build time.
func Default() *Catalog {
	c, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded product table: %v", err))
	}
	return c
}

// Parse builds a catalog from a YAML document.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Products []Product `yaml:"products"`
	}
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("parse product table: %w", err)
	}

	c := &Catalog{byName: make(map[string]Product, len(doc.Products))}
	for i, p := range doc.Products {
		if p.Name == "" || p.Feature == "" {
			return nil, fmt.Errorf("product table row %d: name and feature are required", i)
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("product table row %d: duplicate product %q", i, p.Name)
		}
		c.byName[p.Name] = p
	}
	return c, nil
}

// Lookup resolves a product name. Unknown names yield ErrUnknownProduct.
func (c *Catalog) Lookup(name string) (Product, error) {
	p, ok := c.byName[name]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", apierrors.ErrUnknownProduct, name)
	}
	return p, nil
}

// All returns every product ordered by name.
func (c *Catalog) All() []Product {
	out := make([]Product, 0, len(c.byName))
	for _, p := range c.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
