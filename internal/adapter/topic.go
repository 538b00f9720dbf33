package adapter

import "strings"

// TopicMatches implements MQTT filter matching: "+" spans one level, "#"
// must be the final token and spans the rest.
func TopicMatches(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, token := range patternParts {
		if token == "#" {
			return i == len(patternParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if token == "+" {
			continue
		}
		if token != topicParts[i] {
			return false
		}
	}
	return len(topicParts) == len(patternParts)
}

// DeviceIDFromTopic resolves the device id segment of an inbound topic. It
// first binds the "+" wildcard of each known pattern, then falls back to the
// "device/<id>/..." convention.
func DeviceIDFromTopic(topic string, patterns ...string) string {
	for _, pattern := range patterns {
		if id := deviceIDByPattern(pattern, topic); id != "" {
			return id
		}
	}
	parts := []string{}
	for _, p := range strings.Split(topic, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) >= 2 && strings.EqualFold(parts[0], "device") {
		return parts[1]
	}
	return ""
}

func deviceIDByPattern(pattern, topic string) string {
	if !TopicMatches(pattern, topic) {
		return ""
	}
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, token := range patternParts {
		if token == "+" && i < len(topicParts) {
			return topicParts[i]
		}
	}
	return ""
}

// RenderTopic substitutes the device id into a downlink topic template.
func RenderTopic(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}
