package executor

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Env is a case-sensitive environment variable mapping with insertion
// order preserved. The harness derives a run-specific copy via Clone so
// mutation never leaks between concurrent runs.
type Env struct {
	order  []string
	values map[string]string
}

// NewEnv returns an empty environment mapping.
func NewEnv() *Env {
	return &Env{
		order:  []string{},
		values: map[string]string{},
	}
}

// EnvFromMap builds an environment from a plain map with deterministic
// (sorted) insertion order.
func EnvFromMap(values map[string]string) *Env {
	env := NewEnv()
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env.Insert(key, values[key])
	}
	return env
}

// Clone returns an independent copy of the environment.
func (e *Env) Clone() *Env {
	if e == nil {
		return NewEnv()
	}
	clone := &Env{
		order:  make([]string, len(e.order)),
		values: make(map[string]string, len(e.values)),
	}
	copy(clone.order, e.order)
	for key, value := range e.values {
		clone.values[key] = value
	}
	return clone
}

// ContainsKey reports whether name is present.
func (e *Env) ContainsKey(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.values[name]
	return ok
}

// Insert sets name to value with last-write-wins semantics.
func (e *Env) Insert(name, value string) {
	if e == nil || strings.TrimSpace(name) == "" {
		return
	}
	if _, exists := e.values[name]; !exists {
		e.order = append(e.order, name)
	}
	e.values[name] = value
}

// Get returns the value for name and whether it is present.
func (e *Env) Get(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	value, ok := e.values[name]
	return value, ok
}

// Keys returns entry names in insertion order.
func (e *Env) Keys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, len(e.order))
	copy(keys, e.order)
	return keys
}

// Len returns the number of entries.
func (e *Env) Len() int {
	if e == nil {
		return 0
	}
	return len(e.order)
}

// Environ renders the process environment for exec: the parent process
// environment layered under this mapping, each entry as "key=value".
func (e *Env) Environ() []string {
	base := os.Environ()
	if e == nil || len(e.order) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(e.order))
	for _, entry := range base {
		name, _, ok := strings.Cut(entry, "=")
		if ok && e.ContainsKey(name) {
			continue
		}
		merged = append(merged, entry)
	}
	for _, name := range e.order {
		merged = append(merged, fmt.Sprintf("%s=%s", name, e.values[name]))
	}
	return merged
}

// SetupApprovalEnv derives the run environment for one spawn. When
// autoApprove is disabled and the caller has not already set the agent's
// permission-policy variable, the fixed default value is injected so the
// agent's own policy prompts for every sensitive action category. Caller
// intent always wins over the default.
func SetupApprovalEnv(env *Env, autoApprove bool, policyVar, policyDefault string) *Env {
	derived := env.Clone()
	if !autoApprove && !derived.ContainsKey(policyVar) {
		derived.Insert(policyVar, policyDefault)
	}
	return derived
}
