package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Defaults applied to templates that leave a field unset
const (
	DefaultMemoryLimit            = "512m"
	DefaultCPULimit               = 0.5
	DefaultTTLSeconds             = 3600
	DefaultMaxConcurrentInstances = 10
	DefaultProtocol               = "http"
)

// ChallengeTemplate describes how to build a sandbox for one challenge key
type ChallengeTemplate struct {
	Image                  string            `yaml:"image" mapstructure:"image" json:"image"`
	InternalPort           int               `yaml:"internal_port" mapstructure:"internal_port" json:"internal_port"`
	Protocol               string            `yaml:"protocol" mapstructure:"protocol" json:"protocol"`
	CPULimit               float64           `yaml:"cpu_limit" mapstructure:"cpu_limit" json:"cpu_limit"`
	CPUShares              int64             `yaml:"cpu_shares" mapstructure:"cpu_shares" json:"cpu_shares,omitempty"`
	MemoryLimit            string            `yaml:"memory_limit" mapstructure:"memory_limit" json:"memory_limit"`
	PidsLimit              int64             `yaml:"pids_limit" mapstructure:"pids_limit" json:"pids_limit,omitempty"`
	Environment            map[string]string `yaml:"environment" mapstructure:"environment" json:"environment,omitempty"`
	Volumes                []string          `yaml:"volumes" mapstructure:"volumes" json:"volumes,omitempty"`
	CapAdd                 []string          `yaml:"cap_add" mapstructure:"cap_add" json:"cap_add,omitempty"`
	Network                string            `yaml:"network" mapstructure:"network" json:"network,omitempty"`
	MaxConcurrentInstances int               `yaml:"max_concurrent_instances" mapstructure:"max_concurrent_instances" json:"max_concurrent_instances"`
	TTLSeconds             int               `yaml:"ttl_seconds" mapstructure:"ttl_seconds" json:"ttl_seconds"`
}

// TTL returns the template lifetime as a duration
func (t ChallengeTemplate) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// MemoryBytes parses the memory ceiling ("512m", "1g") into bytes
func (t ChallengeTemplate) MemoryBytes() (int64, error) {
	if t.MemoryLimit == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(t.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", t.MemoryLimit, err)
	}
	return bytes, nil
}

// NanoCPUs converts the fractional CPU limit into the engine's unit
func (t ChallengeTemplate) NanoCPUs() int64 {
	return int64(t.CPULimit * 1e9)
}

// WithDefaults returns a copy with unset fields filled in
func (t ChallengeTemplate) WithDefaults(defaultTTL time.Duration) ChallengeTemplate {
	if t.MemoryLimit == "" {
		t.MemoryLimit = DefaultMemoryLimit
	}
	if t.CPULimit <= 0 {
		t.CPULimit = DefaultCPULimit
	}
	if t.TTLSeconds <= 0 {
		t.TTLSeconds = int(defaultTTL / time.Second)
		if t.TTLSeconds <= 0 {
			t.TTLSeconds = DefaultTTLSeconds
		}
	}
	if t.MaxConcurrentInstances <= 0 {
		t.MaxConcurrentInstances = DefaultMaxConcurrentInstances
	}
	if t.Protocol == "" {
		t.Protocol = DefaultProtocol
	}
	return t
}

// Validate checks a single template
func (t ChallengeTemplate) Validate() error {
	if t.Image == "" {
		return fmt.Errorf("image cannot be empty")
	}
	if t.InternalPort < 1 || t.InternalPort > 65535 {
		return fmt.Errorf("invalid internal port: %d", t.InternalPort)
	}
	if _, err := t.MemoryBytes(); err != nil {
		return err
	}
	if t.Protocol != "" && t.Protocol != "http" && t.Protocol != "tcp" {
		return fmt.Errorf("invalid protocol: %s (must be 'http' or 'tcp')", t.Protocol)
	}
	for _, v := range t.Volumes {
		if len(strings.Split(v, ":")) < 2 {
			return fmt.Errorf("invalid volume spec %q (expected src:dst[:mode])", v)
		}
	}
	return nil
}

// Summary is the public view of a template, without image or environment
type Summary struct {
	Key                    string `json:"key"`
	Protocol               string `json:"protocol"`
	TTLSeconds             int    `json:"ttl_seconds"`
	MaxConcurrentInstances int    `json:"max_concurrent_instances"`
}

// Catalog is the read-only mapping from challenge key to template
type Catalog struct {
	templates map[string]ChallengeTemplate
	denylist  []string
}

// New builds a catalog, applying defaults and validating every template
func New(templates map[string]ChallengeTemplate, denylist []string, defaultTTL time.Duration) (*Catalog, error) {
	c := &Catalog{
		templates: make(map[string]ChallengeTemplate, len(templates)),
		denylist:  make([]string, 0, len(denylist)),
	}

	for key, tmpl := range templates {
		if key == "" {
			return nil, fmt.Errorf("challenge key cannot be empty")
		}
		tmpl = tmpl.WithDefaults(defaultTTL)
		if err := tmpl.Validate(); err != nil {
			return nil, fmt.Errorf("invalid challenge %q: %w", key, err)
		}
		c.templates[key] = tmpl
	}

	for _, entry := range denylist {
		if entry = strings.TrimSpace(entry); entry != "" {
			c.denylist = append(c.denylist, entry)
		}
	}

	return c, nil
}

// Lookup returns the template for key
func (c *Catalog) Lookup(key string) (ChallengeTemplate, bool) {
	tmpl, ok := c.templates[key]
	return tmpl, ok
}

// IsDenied reports whether key matches a denylist entry (substring match)
func (c *Catalog) IsDenied(key string) bool {
	for _, entry := range c.denylist {
		if strings.Contains(key, entry) {
			return true
		}
	}
	return false
}

// Keys returns the sorted challenge keys
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.templates))
	for key := range c.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Summaries returns the public view of every template, sorted by key
func (c *Catalog) Summaries() []Summary {
	keys := c.Keys()
	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		tmpl := c.templates[key]
		summaries = append(summaries, Summary{
			Key:                    key,
			Protocol:               tmpl.Protocol,
			TTLSeconds:             tmpl.TTLSeconds,
			MaxConcurrentInstances: tmpl.MaxConcurrentInstances,
		})
	}
	return summaries
}

// Len returns the number of templates
func (c *Catalog) Len() int {
	return len(c.templates)
}
