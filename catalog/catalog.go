/*
Package catalog provides JSON-defined consultation packages.

PURPOSE:
  Session packages (how many sessions for what price) are configuration,
  not code. Mapping creation and extension requests may name a package id
  instead of spelling out sessions and price.

JSON SCHEMA:
  [
    {"id": "basic-10", "name": "기본 10회기", "sessions": 10, "price": 500000},
    {"id": "extension-4", "name": "추가 4회기", "sessions": 4, "price": 200000}
  ]

USAGE:
  cat := catalog.Default()
  if err := cat.LoadFile("packages.json"); err != nil { ... }
  pkg, err := cat.Lookup("basic-10")
*/
package catalog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/mindgarden/session-ledger/ledger"
)

// ErrUnknownPackage is returned by Lookup. It is a client error.
var ErrUnknownPackage = fmt.Errorf("unknown session package: %w", ledger.ErrInvalidInput)

// Package is one purchasable bundle of sessions. Price is in KRW.
type Package struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
	Price    int64  `json:"price"`
}

func (p Package) validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("package without id: %w", ledger.ErrInvalidInput)
	case p.Sessions <= 0:
		return fmt.Errorf("package %s: %w", p.ID, ledger.ErrInvalidSessionCount)
	case p.Price < 0:
		return fmt.Errorf("package %s: negative price: %w", p.ID, ledger.ErrInvalidInput)
	}
	return nil
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	packages map[string]Package
}

func New(pkgs ...Package) (*Catalog, error) {
	c := &Catalog{packages: make(map[string]Package)}
	for _, p := range pkgs {
		if err := c.Put(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Default returns a catalog with the built-in packages.
func Default() *Catalog {
	c, err := New(defaults...)
	if err != nil {
		panic(err)
	}
	return c
}

var defaults = []Package{
	{ID: "basic-5", Name: "기본 5회기", Sessions: 5, Price: 250000},
	{ID: "basic-10", Name: "기본 10회기", Sessions: 10, Price: 500000},
	{ID: "intensive-20", Name: "집중 20회기", Sessions: 20, Price: 900000},
	{ID: "extension-4", Name: "추가 4회기", Sessions: 4, Price: 200000},
	{ID: "extension-5", Name: "추가패키지", Sessions: 5, Price: 250000},
}

// Put adds or replaces a package.
func (c *Catalog) Put(p Package) error {
	if err := p.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages[p.ID] = p
	return nil
}

func (c *Catalog) Lookup(id string) (Package, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.packages[id]
	if !ok {
		return Package{}, fmt.Errorf("%q: %w", id, ErrUnknownPackage)
	}
	return p, nil
}

// List returns packages sorted by id.
func (c *Catalog) List() []Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load reads a JSON array of packages and merges it into the catalog.
// Nothing is merged if any entry is invalid.
func (c *Catalog) Load(r io.Reader) error {
	var pkgs []Package
	if err := json.NewDecoder(r).Decode(&pkgs); err != nil {
		return fmt.Errorf("failed to parse package JSON: %w", err)
	}
	for _, p := range pkgs {
		if err := p.validate(); err != nil {
			return err
		}
	}
	for _, p := range pkgs {
		c.Put(p)
	}
	return nil
}

func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Load(f)
}
