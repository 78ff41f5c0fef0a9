package routing

import "strings"

// DefaultRoadClass names the fallback speed bucket.
const DefaultRoadClass = "default"

// roadSpeeds maps a road class to its assumed max speed in km/h. Edge
// durations derive from these, so they must stay stable: changing a
// value silently reprices every future edge while stored ones keep the
// old durations.
var roadSpeeds = map[string]float64{
	"motorway":    100,
	"trunk":       90,
	"primary":     80,
	"secondary":   60,
	"tertiary":    50,
	"residential": 30,
	"service":     20,
	DefaultRoadClass: 50,
}

// SpeedFor resolves a step to (speed km/h, matched class). An explicit
// road-class annotation wins when it names a known class; otherwise the
// step name is substring-matched against the classes, longest class
// first so "motorway_link" never lands on a shorter accidental match.
func SpeedFor(name, roadClass string) (float64, string) {
	if roadClass != "" {
		if kmh, ok := roadSpeeds[roadClass]; ok {
			return kmh, roadClass
		}
	}

	lower := strings.ToLower(name)
	best := ""
	for class := range roadSpeeds {
		if class == DefaultRoadClass {
			continue
		}
		if strings.Contains(lower, class) && len(class) > len(best) {
			best = class
		}
	}
	if best != "" {
		return roadSpeeds[best], best
	}
	return roadSpeeds[DefaultRoadClass], DefaultRoadClass
}
