package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoints throttled by the default rule table.
const (
	EndpointLogin         = "login"
	EndpointRegister      = "register"
	EndpointRedeemCode    = "redeem_code"
	EndpointCheckin       = "checkin"
	EndpointCreateMailbox = "create_mailbox"
)

type RateLimitRule struct {
	Endpoint         string `yaml:"endpoint"`
	WindowMs         int64  `yaml:"window_ms"`
	MaxRequests      int64  `yaml:"max_requests"`
	RequireAuth      bool   `yaml:"require_auth"`
	RequireTurnstile bool   `yaml:"require_turnstile"`
}

type RateLimitConfig struct {
	Rules    map[string]RateLimitRule
	FailOpen bool
}

func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Rules: map[string]RateLimitRule{
			EndpointLogin:         {Endpoint: EndpointLogin, WindowMs: 60_000, MaxRequests: 5, RequireTurnstile: true},
			EndpointRegister:      {Endpoint: EndpointRegister, WindowMs: 3_600_000, MaxRequests: 3, RequireTurnstile: true},
			EndpointRedeemCode:    {Endpoint: EndpointRedeemCode, WindowMs: 60_000, MaxRequests: 10, RequireAuth: true},
			EndpointCheckin:       {Endpoint: EndpointCheckin, WindowMs: 60_000, MaxRequests: 5, RequireAuth: true},
			EndpointCreateMailbox: {Endpoint: EndpointCreateMailbox, WindowMs: 60_000, MaxRequests: 20, RequireAuth: true},
		},
	}
}

// Rule returns the rule configured for endpoint.
func (c *RateLimitConfig) Rule(endpoint string) (RateLimitRule, bool) {
	if c == nil {
		return RateLimitRule{}, false
	}
	rule, ok := c.Rules[endpoint]
	return rule, ok
}

// TurnstileEndpoints returns the sorted endpoints whose rule requires human
// verification.
func (c *RateLimitConfig) TurnstileEndpoints() []string {
	if c == nil {
		return nil
	}
	var endpoints []string
	for endpoint, rule := range c.Rules {
		if rule.RequireTurnstile {
			endpoints = append(endpoints, endpoint)
		}
	}
	sort.Strings(endpoints)
	return endpoints
}

type rateLimitFile struct {
	FailOpen *bool           `yaml:"fail_open"`
	Rules    []RateLimitRule `yaml:"rules"`
}

// LoadRateLimitConfig replaces the default rule table with the rules in the
// YAML file at path. An empty path returns the defaults.
func LoadRateLimitConfig(path string, failOpen bool) (*RateLimitConfig, error) {
	cfg := NewRateLimitConfig()
	cfg.FailOpen = failOpen
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit rules: %w", err)
	}
	return ParseRateLimitConfig(data, failOpen)
}

func ParseRateLimitConfig(data []byte, failOpen bool) (*RateLimitConfig, error) {
	var file rateLimitFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rate limit rules: %w", err)
	}

	cfg := &RateLimitConfig{
		Rules:    make(map[string]RateLimitRule, len(file.Rules)),
		FailOpen: failOpen,
	}
	if file.FailOpen != nil {
		cfg.FailOpen = *file.FailOpen
	}
	for i, rule := range file.Rules {
		rule.Endpoint = strings.TrimSpace(rule.Endpoint)
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, dup := cfg.Rules[rule.Endpoint]; dup {
			return nil, fmt.Errorf("rule %d: duplicate endpoint %q", i, rule.Endpoint)
		}
		cfg.Rules[rule.Endpoint] = rule
	}
	return cfg, nil
}

func (r RateLimitRule) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if r.WindowMs <= 0 {
		return fmt.Errorf("endpoint %q: window_ms must be positive", r.Endpoint)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("endpoint %q: max_requests must be positive", r.Endpoint)
	}
	return nil
}
