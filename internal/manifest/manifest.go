// Package manifest describes the trigger metadata the gateway publishes for its
// registered functions, served as YAML at /__/functions.yaml.
package manifest

import (
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

const (
	SpecVersion     = "v1alpha1"
	DefaultPlatform = "gcfv2"
	CloudTasksAPI   = "cloudtasks.googleapis.com"
)

// RetryConfig controls how the queue retries a failed task
type RetryConfig struct {
	MaxAttempts       Field[int] `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitzero"`
	MaxRetrySeconds   Field[int] `yaml:"maxRetrySeconds,omitempty" json:"maxRetrySeconds,omitzero"`
	MaxBackoffSeconds Field[int] `yaml:"maxBackoffSeconds,omitempty" json:"maxBackoffSeconds,omitzero"`
	MaxDoublings      Field[int] `yaml:"maxDoublings,omitempty" json:"maxDoublings,omitzero"`
	MinBackoffSeconds Field[int] `yaml:"minBackoffSeconds,omitempty" json:"minBackoffSeconds,omitzero"`
}

func (c *RetryConfig) UnmarshalYAML(node *yaml.Node) error {
	return decodeMapping(node, map[string]nodeDecoder{
		"maxAttempts":       &c.MaxAttempts,
		"maxRetrySeconds":   &c.MaxRetrySeconds,
		"maxBackoffSeconds": &c.MaxBackoffSeconds,
		"maxDoublings":      &c.MaxDoublings,
		"minBackoffSeconds": &c.MinBackoffSeconds,
	})
}

// RateLimits caps how fast the queue dispatches tasks
type RateLimits struct {
	MaxConcurrentDispatches Field[int]     `yaml:"maxConcurrentDispatches,omitempty" json:"maxConcurrentDispatches,omitzero"`
	MaxDispatchesPerSecond  Field[float64] `yaml:"maxDispatchesPerSecond,omitempty" json:"maxDispatchesPerSecond,omitzero"`
}

func (l *RateLimits) UnmarshalYAML(node *yaml.Node) error {
	return decodeMapping(node, map[string]nodeDecoder{
		"maxConcurrentDispatches": &l.MaxConcurrentDispatches,
		"maxDispatchesPerSecond":  &l.MaxDispatchesPerSecond,
	})
}

type TaskQueueTrigger struct {
	RetryConfig *RetryConfig `yaml:"retryConfig,omitempty" json:"retryConfig,omitempty"`
	RateLimits  *RateLimits  `yaml:"rateLimits,omitempty" json:"rateLimits,omitempty"`
	Invoker     []string     `yaml:"invoker,omitempty" json:"invoker,omitempty"`
}

type CallableTrigger struct{}

type Endpoint struct {
	Platform         string            `yaml:"platform" json:"platform"`
	EntryPoint       string            `yaml:"entryPoint" json:"entryPoint"`
	Region           []string          `yaml:"region,omitempty" json:"region,omitempty"`
	Labels           map[string]string `yaml:"labels" json:"labels"`
	CallableTrigger  *CallableTrigger  `yaml:"callableTrigger,omitempty" json:"callableTrigger,omitempty"`
	TaskQueueTrigger *TaskQueueTrigger `yaml:"taskQueueTrigger,omitempty" json:"taskQueueTrigger,omitempty"`
}

type RequiredAPI struct {
	API    string `yaml:"api" json:"api"`
	Reason string `yaml:"reason" json:"reason"`
}

type Manifest struct {
	SpecVersion  string              `yaml:"specVersion" json:"specVersion"`
	Endpoints    map[string]Endpoint `yaml:"endpoints" json:"endpoints"`
	RequiredAPIs []RequiredAPI       `yaml:"requiredAPIs,omitempty" json:"requiredAPIs,omitempty"`
}

func New() *Manifest {
	return &Manifest{SpecVersion: SpecVersion, Endpoints: map[string]Endpoint{}}
}

// AddCallable records a callable function
func (m *Manifest) AddCallable(name string, ep Endpoint) {
	ep.CallableTrigger = &CallableTrigger{}
	ep.TaskQueueTrigger = nil
	m.add(name, ep)
}

// AddTaskQueue records a task queue function and requires the tasks API
func (m *Manifest) AddTaskQueue(name string, ep Endpoint, trigger TaskQueueTrigger) {
	ep.CallableTrigger = nil
	ep.TaskQueueTrigger = &trigger
	m.add(name, ep)
	m.requireAPI(CloudTasksAPI, "Needed for task queue functions")
}

func (m *Manifest) add(name string, ep Endpoint) {
	if ep.Platform == "" {
		ep.Platform = DefaultPlatform
	}
	if ep.EntryPoint == "" {
		ep.EntryPoint = name
	}
	if ep.Labels == nil {
		ep.Labels = map[string]string{}
	}
	m.Endpoints[name] = ep
}

func (m *Manifest) requireAPI(api, reason string) {
	for _, r := range m.RequiredAPIs {
		if r.API == api {
			return
		}
	}
	m.RequiredAPIs = append(m.RequiredAPIs, RequiredAPI{API: api, Reason: reason})
}

// Names returns endpoint names in sorted order
func (m *Manifest) Names() []string {
	return slices.Sorted(maps.Keys(m.Endpoints))
}

// TaskQueue returns the trigger of a task queue endpoint
func (m *Manifest) TaskQueue(name string) (*TaskQueueTrigger, bool) {
	ep, ok := m.Endpoints[name]
	if !ok || ep.TaskQueueTrigger == nil {
		return nil, false
	}
	return ep.TaskQueueTrigger, true
}

// YAML renders the manifest document
func (m *Manifest) YAML() ([]byte, error) {
	b, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return b, nil
}

// Parse reads a manifest document
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.SpecVersion != SpecVersion {
		return nil, fmt.Errorf("unsupported manifest specVersion %q", m.SpecVersion)
	}
	if m.Endpoints == nil {
		m.Endpoints = map[string]Endpoint{}
	}
	return &m, nil
}
