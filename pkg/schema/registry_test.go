// ABOUTME: Tests for the static and caching type registries
// ABOUTME: Verifies YAML loading, built-in params and load deduplication

package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.True(t, r.HasType("Patient"))
	assert.True(t, r.HasType("Project"))
	assert.False(t, r.HasType("Spaceship"))

	p, ok := r.SearchParam("Project", "recaptcha-site-key")
	require.True(t, ok)
	assert.Equal(t, "site.recaptchaSiteKey", p.Path)

	p, ok = r.SearchParam("Patient", "_id")
	require.True(t, ok)
	assert.Equal(t, "id", p.Path)

	_, ok = r.SearchParam("Patient", "shoe-size")
	assert.False(t, ok)

	_, ok = r.SearchParam("Spaceship", "_id")
	assert.False(t, ok, "built-ins only apply to known types")

	assert.Contains(t, r.Types(), "User")
}

func TestLoadYAML(t *testing.T) {
	doc := `
types:
  - name: Device
    params:
      - code: model
        path: modelNumber
`
	schemas, err := LoadYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, schemas, 1)

	r := NewStaticRegistry(schemas...)
	p, ok := r.SearchParam("Device", "model")
	require.True(t, ok)
	assert.Equal(t, TypeString, p.Type, "type defaults to string")
}

func TestLoadYAMLRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field": "types:\n  - name: A\n    colour: red\n",
		"missing name":  "types:\n  - params: []\n",
		"missing path":  "types:\n  - name: A\n    params:\n      - code: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadYAML(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("types:\n  - name: Device\n    params: []\n"), 0o644))

	schemas, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Device", schemas[0].Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCachingRegistryDeduplicatesLoads(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	c := NewCachingRegistry(func(resourceType string) (*TypeSchema, error) {
		calls.Add(1)
		<-release
		if resourceType != "Patient" {
			return nil, nil
		}
		return &TypeSchema{Name: "Patient", Params: []Param{{Code: "name", Path: "name"}}}, nil
	})

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.HasType("Patient")
		}(i)
	}

	// Let the goroutines pile up on the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, calls.Load(), int32(10))

	before := calls.Load()
	_, ok := c.SearchParam("Patient", "name")
	assert.True(t, ok)
	assert.Equal(t, before, calls.Load(), "cached lookup must not reload")

	assert.False(t, c.HasType("Unknown"))
	assert.False(t, c.HasType("Unknown"))
	assert.Equal(t, before+1, calls.Load(), "negative results are cached")
}

func TestCachingRegistryErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := NewCachingRegistry(func(resourceType string) (*TypeSchema, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("unavailable")
		}
		return &TypeSchema{Name: resourceType}, nil
	})

	assert.False(t, c.HasType("Patient"))
	assert.True(t, c.HasType("Patient"))

	c.Invalidate("Patient")
	assert.True(t, c.HasType("Patient"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDirLoaderWithFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Device.yaml"), []byte(`
types:
  - name: Device
    params:
      - {code: serial, path: serialNumber}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Broken.yaml"), []byte(`
types:
  - name: SomethingElse
`), 0o600))

	c := NewCachingRegistry(DirLoader(dir, DefaultRegistry().Lookup))

	p, ok := c.SearchParam("Device", "serial")
	require.True(t, ok)
	assert.Equal(t, Param{Code: "serial", Path: "serialNumber", Type: TypeString}, p)

	p, ok = c.SearchParam("Patient", "family")
	require.True(t, ok)
	assert.Equal(t, "name.family", p.Path)

	_, ok = c.SearchParam("Patient", "_id")
	assert.True(t, ok)

	assert.False(t, c.HasType("Broken"))
	assert.False(t, c.HasType("Nothing"))
	assert.False(t, c.HasType("../Device"))
}

func TestStaticLookup(t *testing.T) {
	r := NewStaticRegistry(TypeSchema{Name: "Device", Params: []Param{{Code: "b", Path: "b"}, {Code: "a", Path: "a"}}})

	s, err := r.Lookup("Device")
	require.NoError(t, err)
	require.Len(t, s.Params, 2)
	assert.Equal(t, "a", s.Params[0].Code)

	s, err = r.Lookup("Missing")
	assert.NoError(t, err)
	assert.Nil(t, s)
}
