// Package featureflags provides feature flag management for runtime configuration.
package featureflags

import (
	"encoding/json"
	"time"
)

// Well-known feature flag keys.
const (
	// FlagSplitPointEnabled allows the graph builder to reuse an
	// existing path plus a last-mile fetch instead of a full route.
	FlagSplitPointEnabled = "split_point_enabled"

	// FlagStaleWeatherEnabled allows serving expired weather entries
	// within the stale window when the forecast provider is down.
	FlagStaleWeatherEnabled = "stale_weather_enabled"

	// FlagSeederEnabled allows creating unknown places from OSM
	// boundary data on demand.
	FlagSeederEnabled = "seeder_enabled"
)

// Flag represents a feature flag with its current value. Reason records
// why the last change was made and travels with the flag for audit.
type Flag struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Reason    string      `json:"reason,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// FlagList represents a list of feature flags.
type FlagList struct {
	Items []Flag `json:"items"`
}

// FlagUpdate represents a single flag update request.
type FlagUpdate struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// FlagUpdateRequest represents a request to update feature flags.
type FlagUpdateRequest struct {
	Updates []FlagUpdate `json:"updates"`
	Reason  string       `json:"reason"`
}

// BoolValue returns the flag value as a boolean.
// Returns the default value if the flag is nil, not found, or not a boolean.
func (f *Flag) BoolValue(defaultValue bool) bool {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case bool:
		return v
	case float64:
		// JSON unmarshals numbers as float64
		return v != 0
	default:
		return defaultValue
	}
}

// StringValue returns the flag value as a string.
// Returns the default value if the flag is nil, not found, or not a string.
func (f *Flag) StringValue(defaultValue string) string {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case string:
		return v
	default:
		return defaultValue
	}
}

// IntValue returns the flag value as an integer.
// Returns the default value if the flag is nil, not found, or not a number.
func (f *Flag) IntValue(defaultValue int) int {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case float64:
		// JSON unmarshals numbers as float64
		return int(v)
	case int:
		return v
	default:
		return defaultValue
	}
}

// Float64Value returns the flag value as a float64.
// Returns the default value if the flag is nil, not found, or not a number.
func (f *Flag) Float64Value(defaultValue float64) float64 {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return defaultValue
	}
}

// JSONValue unmarshals the flag value into the target struct.
// Returns an error if unmarshaling fails.
func (f *Flag) JSONValue(target interface{}) error {
	if f == nil {
		return nil
	}
	data, err := json.Marshal(f.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// DefaultFlags returns the default feature flags for the application.
// Every behavior flag ships enabled; flags exist to switch features off
// under incident conditions.
func DefaultFlags() map[string]*Flag {
	now := time.Now()
	return map[string]*Flag{
		FlagSplitPointEnabled: {
			Key:       FlagSplitPointEnabled,
			Value:     true,
			UpdatedAt: now,
		},
		FlagStaleWeatherEnabled: {
			Key:       FlagStaleWeatherEnabled,
			Value:     true,
			UpdatedAt: now,
		},
		FlagSeederEnabled: {
			Key:       FlagSeederEnabled,
			Value:     true,
			UpdatedAt: now,
		},
	}
}
