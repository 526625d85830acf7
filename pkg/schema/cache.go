// ABOUTME: Caching registry over a slow schema source
// ABOUTME: Concurrent lookups of the same type share one load via singleflight

package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader fetches one type definition. A nil schema with a nil error means
// the type does not exist.
type Loader func(resourceType string) (*TypeSchema, error)

// CachingRegistry resolves types lazily through a Loader and keeps the
// results, including negative ones. Load errors are not cached.
type CachingRegistry struct {
	load  Loader
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]map[string]Param // nil value: known missing
}

// NewCachingRegistry wraps a loader
func NewCachingRegistry(load Loader) *CachingRegistry {
	return &CachingRegistry{
		load:  load,
		cache: make(map[string]map[string]Param),
	}
}

func (c *CachingRegistry) resolve(resourceType string) (map[string]Param, bool) {
	c.mu.RLock()
	params, ok := c.cache[resourceType]
	c.mu.RUnlock()
	if ok {
		return params, params != nil
	}

	v, err, _ := c.group.Do(resourceType, func() (any, error) {
		s, err := c.load(resourceType)
		if err != nil {
			return nil, err
		}

		var params map[string]Param
		if s != nil {
			params = make(map[string]Param, len(s.Params))
			for _, p := range s.Params {
				if p.Type == "" {
					p.Type = TypeString
				}
				params[p.Code] = p
			}
		}

		c.mu.Lock()
		c.cache[resourceType] = params
		c.mu.Unlock()
		return params, nil
	})
	if err != nil {
		return nil, false
	}

	params, _ = v.(map[string]Param)
	return params, params != nil
}

// HasType reports whether the loader knows the type
func (c *CachingRegistry) HasType(resourceType string) bool {
	_, ok := c.resolve(resourceType)
	return ok
}

// SearchParam looks up a parameter, loading the type on first use
func (c *CachingRegistry) SearchParam(resourceType, code string) (Param, bool) {
	params, ok := c.resolve(resourceType)
	if !ok {
		return Param{}, false
	}
	if p, ok := builtinParams[code]; ok {
		return p, true
	}
	p, ok := params[code]
	return p, ok
}

// Invalidate drops a cached type so the next lookup reloads it
func (c *CachingRegistry) Invalidate(resourceType string) {
	c.mu.Lock()
	delete(c.cache, resourceType)
	c.mu.Unlock()
	c.group.Forget(resourceType)
}

// DirLoader reads "<dir>/<Type>.yaml" on demand. Types without a file are
// resolved through fallback when it is non-nil.
func DirLoader(dir string, fallback Loader) Loader {
	return func(resourceType string) (*TypeSchema, error) {
		if resourceType == "" || strings.ContainsAny(resourceType, `/\.`) {
			return nil, nil
		}

		schemas, err := LoadFile(filepath.Join(dir, resourceType+".yaml"))
		if errors.Is(err, fs.ErrNotExist) {
			if fallback == nil {
				return nil, nil
			}
			return fallback(resourceType)
		}
		if err != nil {
			return nil, err
		}

		for i := range schemas {
			if schemas[i].Name == resourceType {
				s := schemas[i]
				return &s, nil
			}
		}
		return nil, fmt.Errorf("schema file for %s does not define it", resourceType)
	}
}
