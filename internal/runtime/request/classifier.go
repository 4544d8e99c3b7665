package request

import "strings"

// Class is the resource class that selects a caching strategy.
type Class string

const (
	ClassAPI         Class = "api"
	ClassStaticAsset Class = "static_asset"
	ClassNavigation  Class = "navigation"
	ClassOther       Class = "other"
)

// Rules configure the classifier.
type Rules struct {
	APIPrefixes        []string
	StaticDestinations []string
	Navigation         bool
}

// Classifier maps descriptors to resource classes. It holds no mutable state
// and is safe for concurrent use.
type Classifier struct {
	apiPrefixes  []string
	destinations map[string]struct{}
	navigation   bool
}

// NewClassifier compiles the rules into lookup tables.
func NewClassifier(rules Rules) *Classifier {
	c := &Classifier{
		destinations: make(map[string]struct{}, len(rules.StaticDestinations)),
		navigation:   rules.Navigation,
	}
	for _, prefix := range rules.APIPrefixes {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			c.apiPrefixes = append(c.apiPrefixes, trimmed)
		}
	}
	for _, dest := range rules.StaticDestinations {
		if trimmed := strings.ToLower(strings.TrimSpace(dest)); trimmed != "" {
			c.destinations[trimmed] = struct{}{}
		}
	}
	return c
}

// Classify applies, in order: API prefix, static destination, navigation.
// Anything else is ClassOther.
func (c *Classifier) Classify(desc Descriptor) Class {
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(desc.Path, prefix) {
			return ClassAPI
		}
	}
	if _, ok := c.destinations[desc.Destination]; ok {
		return ClassStaticAsset
	}
	if c.navigation && desc.Mode == ModeNavigate {
		return ClassNavigation
	}
	return ClassOther
}
