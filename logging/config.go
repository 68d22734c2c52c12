package logging

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Config tunes a Router.
type Config struct {
	// BufferSize bounds the queue between Publish and the sinks.
	BufferSize int
	// MinimumSeverity applies to every category without an override.
	MinimumSeverity Severity
	// Categories raises or lowers the threshold for one event category,
	// e.g. debug for migration while ownership stays at warn.
	Categories map[string]Severity
	// Fields are stamped onto every event that does not set them itself.
	Fields map[string]any
	// JSONPath enables the JSON sink when non-empty.
	JSONPath          string
	JSONFlushInterval time.Duration
	ConsolePrefix     string
	// OnDrop observes events lost to a full queue.
	OnDrop func(Event)
}

func DefaultConfig() Config {
	return Config{
		BufferSize:        512,
		MinimumSeverity:   SeverityInfo,
		JSONFlushInterval: 2 * time.Second,
	}
}

// Threshold returns the lowest severity forwarded for category.
func (c Config) Threshold(category string) Severity {
	if severity, ok := c.Categories[category]; ok {
		return severity
	}
	return c.MinimumSeverity
}

// CategoryOf returns the event's category, falling back to the prefix of its
// type ("migration.resumed" is in "migration").
func CategoryOf(event Event) string {
	if event.Category != "" {
		return event.Category
	}
	category, _, _ := strings.Cut(string(event.Type), ".")
	return category
}

// ParseCategories turns category=severity pairs into overrides.
func ParseCategories(raw map[string]string) (map[string]Severity, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]Severity, len(raw))
	var errs []error
	for category, level := range raw {
		category = strings.TrimSpace(category)
		if category == "" {
			errs = append(errs, errors.New("empty log category"))
			continue
		}
		severity, err := ParseSeverity(level)
		if err != nil {
			errs = append(errs, fmt.Errorf("category %s: %w", category, err))
			continue
		}
		out[category] = severity
	}
	return out, errors.Join(errs...)
}

func (c Config) cloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	return maps.Clone(c.Fields)
}
