package flow

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/daedaleanai/edaflow/util"

	"github.com/joho/godotenv"
)

const snapshotFileName = "flow.env"

// Context holds the resolved configuration of one pipeline: design and platform, directory
// layout, tool flags and per-stage overrides. It is rendered as the environment of every tool
// invocation.
//
// Values can be added or replaced but never removed, so every key resolved by Setup stays
// available to later stages.
type Context struct {
	vars util.OrderedMap[string, string]
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{vars: util.NewOrderedMap[string, string]()}
}

// Lookup returns the value of key and whether it is set.
func (c *Context) Lookup(key string) (string, bool) {
	return c.vars.Lookup(key)
}

// Get returns the value of key or the empty string.
func (c *Context) Get(key string) string {
	v, _ := c.vars.Lookup(key)
	return v
}

// Set stores a value, replacing any previous one.
func (c *Context) Set(key, value string) {
	c.vars.Set(key, value)
}

// SetDefault stores a value only if key is not set yet and reports whether it did.
func (c *Context) SetDefault(key, value string) bool {
	return c.vars.Insert(key, value)
}

// Keys returns all keys in sorted order.
func (c *Context) Keys() []string {
	return c.vars.Keys()
}

// Map returns a copy of all values.
func (c *Context) Map() map[string]string {
	return c.vars.ToMap()
}

// Clone returns an independent copy of the context.
func (c *Context) Clone() *Context {
	return &Context{vars: c.vars.Clone()}
}

// Environ renders the context as KEY=VALUE pairs in sorted key order.
func (c *Context) Environ() []string {
	env := make([]string, 0, c.vars.Len())
	for _, e := range c.vars.Entries() {
		env = append(env, e.Key+"="+e.Value)
	}
	return env
}

// Changed returns the sorted keys whose values differ between c and other, including keys set in
// only one of them.
func (c *Context) Changed(other *Context) []string {
	changed := util.FilteredSlice(c.Keys(), func(key string) bool {
		v, ok := other.Lookup(key)
		return !ok || v != c.Get(key)
	})
	for _, key := range other.Keys() {
		if _, ok := c.Lookup(key); !ok {
			changed = append(changed, key)
		}
	}
	return util.OrderedSlice(changed)
}

// Require fails with a ConfigError naming the first of keys that is not set.
func (c *Context) Require(keys ...string) error {
	for _, key := range keys {
		if _, ok := c.vars.Lookup(key); !ok {
			return &ConfigError{Key: key, Msg: "required variable is not set"}
		}
	}
	return nil
}

// Fields returns the whitespace separated words of a list valued key.
func (c *Context) Fields(key string) []string {
	return strings.Fields(c.Get(key))
}

// Enabled reports whether a flag valued key is set to "1".
func (c *Context) Enabled(key string) bool {
	return c.Get(key) == "1"
}

func (c *Context) LogDir() string     { return c.Get("LOG_DIR") }
func (c *Context) ResultsDir() string { return c.Get("RESULTS_DIR") }
func (c *Context) ObjectsDir() string { return c.Get("OBJECTS_DIR") }
func (c *Context) ReportsDir() string { return c.Get("REPORTS_DIR") }
func (c *Context) ScriptsDir() string { return c.Get("SCRIPTS_DIR") }

// Result returns the path of a file in the results directory.
func (c *Context) Result(name string) string {
	return filepath.Join(c.ResultsDir(), name)
}

// Snapshot writes the context as an env file into the log directory, so that a single stage can
// be reproduced by hand. It returns the path of the file.
func (c *Context) Snapshot() (string, error) {
	if c.LogDir() == "" {
		return "", &ConfigError{Key: "LOG_DIR", Msg: "required variable is not set"}
	}
	snapshotPath := filepath.Join(c.LogDir(), snapshotFileName)
	if err := util.MkdirAll(c.LogDir()); err != nil {
		return "", err
	}
	if err := godotenv.Write(c.vars.ToMap(), snapshotPath); err != nil {
		return "", fmt.Errorf("writing context snapshot: %w", err)
	}
	return snapshotPath, nil
}

// LoadSnapshot reads a context written by Snapshot.
func LoadSnapshot(snapshotPath string) (*Context, error) {
	vars, err := godotenv.Read(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("reading context snapshot: %w", err)
	}
	return &Context{vars: util.NewOrderedMapFrom(vars)}, nil
}
