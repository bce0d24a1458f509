package catalog

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// Product is one sellable item the bot can talk about and show.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
}

// Catalog maps product ids to products. Lookups are safe for concurrent use
// with Reload.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

// Load reads a product catalog file. A missing path yields an empty catalog
// so the bot still runs, just without image directives resolving.
func Load(path string) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product)}
	if path == "" {
		return c, nil
	}
	if err := c.Reload(path); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the catalog contents from the file at path.
func (c *Catalog) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var items []Product
	if err := json5.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	products := make(map[string]Product, len(items))
	for _, p := range items {
		if p.ID == "" {
			return fmt.Errorf("catalog entry %q has no id", p.Name)
		}
		if !validImageURL(p.ImageURL) {
			return fmt.Errorf("catalog entry %q has invalid image url %q", p.ID, p.ImageURL)
		}
		products[p.ID] = p
	}

	c.mu.Lock()
	c.products = products
	c.mu.Unlock()
	return nil
}

// Lookup returns the product for id.
func (c *Catalog) Lookup(id string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	return p, ok
}

// ImageURL resolves a product id to its image URL.
func (c *Catalog) ImageURL(id string) (string, bool) {
	p, ok := c.Lookup(id)
	if !ok {
		return "", false
	}
	return p.ImageURL, true
}

// Len reports how many products are loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products)
}

func validImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" &&
		!strings.ContainsAny(raw, " \n")
}
