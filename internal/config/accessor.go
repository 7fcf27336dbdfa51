package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toMap returns the config as a generic JSON tree keyed by json tag names.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// lookup walks path and returns the map holding the last key.
func lookup(m map[string]any, path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}
	last := parts[len(parts)-1]
	if _, ok := parent[last]; !ok {
		return nil, "", fmt.Errorf("key not found: %s", path)
	}
	return parent, last, nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "nlu.lang").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	parent, key, err := lookup(m, path)
	if err != nil {
		return nil, err
	}
	return parent[key], nil
}

// SetByPath sets an existing config value by dot-notation path. String
// values are parsed as bool or number when they look like one; list fields
// take a comma-separated string.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	parent, key, err := lookup(m, path)
	if err != nil {
		return err
	}
	switch parent[key].(type) {
	case []any, nil: // only list fields can be null
		parent[key] = parseList(value)
	case string:
		parent[key] = value
	default:
		parent[key] = parseValue(value)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func parseList(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	items := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseValue tries to convert string values to bool or number.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	masked.Slack.BotToken = MaskSecret(cfg.Slack.BotToken)
	masked.Slack.AppToken = MaskSecret(cfg.Slack.AppToken)
	masked.NLU.AccessToken = MaskSecret(cfg.NLU.AccessToken)
	masked.Analytics.APIKey = MaskSecret(cfg.Analytics.APIKey)
	masked.Control.CORSOrigins = append([]string(nil), cfg.Control.CORSOrigins...)
	return &masked
}

// MaskSecret shows the first and last 4 characters of s. Short values are
// fully masked; empty values and ssm: references are returned unchanged.
func MaskSecret(s string) string {
	if s == "" || strings.HasPrefix(s, "ssm:") {
		return s
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(cfg *Config) []string {
	paths := ListPaths(cfg)
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenMap(path, child, result)
			continue
		}
		result[path] = v
	}
}
