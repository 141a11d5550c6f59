// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package catalog holds the registry of external-system tools the agent may
// invoke. Each turn receives an immutable catalog snapshot; changes take
// effect on the next turn via Refresh, never by mutating a live snapshot.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// RiskLevel classifies a tool's potential impact.
type RiskLevel string

const (
	RiskRead        RiskLevel = "read"
	RiskLowWrite    RiskLevel = "low_write"
	RiskHighWrite   RiskLevel = "high_write"
	RiskDestructive RiskLevel = "destructive"
)

// Valid reports whether the risk level is one of the four defined values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskRead, RiskLowWrite, RiskHighWrite, RiskDestructive:
		return true
	}
	return false
}

// RequiresConfirmation reports whether calls at this risk level are gated
// behind human approval. high_write may be bypassed by the wildcard
// permission; destructive never is. The caller enforces that distinction.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHighWrite || r == RiskDestructive
}

// Duration parses "10s"-style YAML scalars into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeCatalogParseInvalid, "parsing duration %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryPolicy bounds retries for transient failures of one tool.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
}

// ToolDescriptor describes one registered tool. Immutable per snapshot.
type ToolDescriptor struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	RiskLevel   RiskLevel      `yaml:"risk_level"`
	Permissions []string       `yaml:"permissions"`
	Endpoint    string         `yaml:"endpoint"` // empty for builtin tools
	Builtin     bool           `yaml:"builtin"`
	Timeout     Duration       `yaml:"timeout"`
	Retry       RetryPolicy    `yaml:"retry"`
	InputSchema map[string]any `yaml:"input_schema"`

	schema *jsonschema.Schema
}

// ValidateArgs checks a JSON argument payload against the descriptor's input
// schema. Model output is untrusted input; this is the validation boundary.
func (d *ToolDescriptor) ValidateArgs(raw string) error {
	if d.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return bderr.Wrapf(err, bderr.CodeExecutorArgsInvalid, "tool %q arguments are not valid JSON", d.Name)
	}
	if err := d.schema.Validate(v); err != nil {
		return bderr.Wrapf(err, bderr.CodeExecutorArgsInvalid, "tool %q arguments rejected by schema", d.Name)
	}
	return nil
}

// Snapshot is an immutable view of the catalog at a point in time.
type Snapshot struct {
	version int64
	tools   map[string]*ToolDescriptor
}

// Version identifies the snapshot; strictly increasing across refreshes.
func (s *Snapshot) Version() int64 { return s.version }

// Lookup returns the descriptor for name, or false if not registered.
// The model's tool-call output is looked up here by name, never dispatched
// via reflection or any open-ended mechanism.
func (s *Snapshot) Lookup(name string) (*ToolDescriptor, bool) {
	d, ok := s.tools[name]
	return d, ok
}

// All returns every descriptor in stable name order.
func (s *Snapshot) All() []*ToolDescriptor {
	out := make([]*ToolDescriptor, 0, len(s.tools))
	for _, d := range s.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog produces snapshots from a YAML tool registry file.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	current *Snapshot
}

// fileFormat is the on-disk shape of the registry file.
type fileFormat struct {
	Tools []*ToolDescriptor `yaml:"tools"`
}

// Load reads the registry file at path and returns a Catalog holding its
// first snapshot.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromDescriptors builds a Catalog directly from descriptors, bypassing
// the file. Used by tests and embedded deployments.
func NewFromDescriptors(tools []*ToolDescriptor) (*Catalog, error) {
	snap, err := buildSnapshot(1, tools)
	if err != nil {
		return nil, err
	}
	return &Catalog{current: snap}, nil
}

// Snapshot returns the current immutable snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh re-reads the registry file and installs a new snapshot. Turns
// already in flight keep the snapshot they started with.
func (c *Catalog) Refresh() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeCatalogLoadReadFailure, "reading tool registry %s", c.path)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return bderr.Wrapf(err, bderr.CodeCatalogParseInvalid, "parsing tool registry %s", c.path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var next int64 = 1
	if c.current != nil {
		next = c.current.version + 1
	}
	snap, err := buildSnapshot(next, ff.Tools)
	if err != nil {
		return err
	}
	c.current = snap
	return nil
}

func buildSnapshot(version int64, tools []*ToolDescriptor) (*Snapshot, error) {
	m := make(map[string]*ToolDescriptor, len(tools))
	for _, d := range tools {
		if d.Name == "" {
			return nil, bderr.New(bderr.CodeCatalogParseInvalid, "tool descriptor with empty name")
		}
		if !d.RiskLevel.Valid() {
			return nil, bderr.Errorf(bderr.CodeCatalogRiskLevelInvalid,
				"tool %q has invalid risk level %q", d.Name, d.RiskLevel)
		}
		if _, dup := m[d.Name]; dup {
			return nil, bderr.Errorf(bderr.CodeCatalogParseInvalid, "duplicate tool name %q", d.Name)
		}
		if err := compileSchema(d); err != nil {
			return nil, err
		}
		m[d.Name] = d
	}
	return &Snapshot{version: version, tools: m}, nil
}

// compileSchema compiles the descriptor's input schema once at load time so
// per-call validation does not re-parse it.
func compileSchema(d *ToolDescriptor) error {
	if len(d.InputSchema) == 0 {
		return nil
	}

	raw, err := json.Marshal(normalizeYAML(d.InputSchema))
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeCatalogSchemaInvalid, "marshalling schema for tool %q", d.Name)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("backdesk:///tools/%s.json", d.Name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return bderr.Wrapf(err, bderr.CodeCatalogSchemaInvalid, "adding schema resource for tool %q", d.Name)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeCatalogSchemaInvalid, "compiling schema for tool %q", d.Name)
	}
	d.schema = schema
	return nil
}

// normalizeYAML converts map[any]any values produced by YAML decoding into
// map[string]any so the schema compiler and JSON marshalling accept them.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
