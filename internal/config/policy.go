// Package config loads the optional YAML policy file. Policy settings are
// merged over the environment configuration by the entry point: lists are
// additive, per-tool TTLs override cache defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the parsed, validated policy file.
type Policy struct {
	// DeniedHosts are host globs refused by outbound URL validation, on
	// top of the built-in private/metadata denials.
	DeniedHosts []string

	// CriticalStreams are event-store streams persisted synchronously.
	CriticalStreams []string

	// AllowedOrigins extends the CORS allowlist.
	AllowedOrigins []string

	// ToolTTL overrides the cache TTL per tool name.
	ToolTTL map[string]time.Duration
}

// filePolicy is the raw YAML shape.
type filePolicy struct {
	DeniedHosts     []string          `yaml:"denied_hosts"`
	CriticalStreams []string          `yaml:"critical_streams"`
	AllowedOrigins  []string          `yaml:"allowed_origins"`
	ToolTTL         map[string]string `yaml:"tool_ttl_overrides"`
}

// ValidationError holds all validation failures for a policy file.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy validation failed: %s", strings.Join(e.Errors, "; "))
}

// LoadFile reads, parses, and validates a YAML policy file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML policy data.
func Parse(data []byte) (*Policy, error) {
	var raw filePolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return validate(&raw)
}

func validate(raw *filePolicy) (*Policy, error) {
	var errs []string

	for i, host := range raw.DeniedHosts {
		if strings.TrimSpace(host) == "" {
			errs = append(errs, fmt.Sprintf("denied_hosts[%d]: empty pattern", i))
		}
	}
	for i, stream := range raw.CriticalStreams {
		if stream == "" {
			errs = append(errs, fmt.Sprintf("critical_streams[%d]: empty stream id", i))
		}
		if strings.Contains(stream, "_") {
			errs = append(errs, fmt.Sprintf("critical_streams[%d]: stream id %q must not contain underscores", i, stream))
		}
	}
	for i, origin := range raw.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Sprintf("allowed_origins[%d]: origin %q must be a scheme://host", i, origin))
		}
	}

	p := &Policy{
		DeniedHosts:     raw.DeniedHosts,
		CriticalStreams: raw.CriticalStreams,
		AllowedOrigins:  raw.AllowedOrigins,
	}
	if len(raw.ToolTTL) > 0 {
		p.ToolTTL = make(map[string]time.Duration, len(raw.ToolTTL))
		for tool, val := range raw.ToolTTL {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("tool_ttl_overrides[%s]: %v", tool, err))
				continue
			}
			if d <= 0 {
				errs = append(errs, fmt.Sprintf("tool_ttl_overrides[%s]: must be positive", tool))
				continue
			}
			p.ToolTTL[tool] = d
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return p, nil
}
