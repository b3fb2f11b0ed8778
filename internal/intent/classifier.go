// Package intent classifies raw user input for special handling before
// the streaming path is opened. Trigger phrases live in an embedded YAML
// file rather than scattered literals, so adding a locale is a data
// change.
package intent

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed phrases.yaml
var phrasesYAML []byte

type localeTriggers struct {
	Prefixes []string `yaml:"prefixes"`
	Phrases  []string `yaml:"phrases"`
}

type phraseFile struct {
	Locales map[string]localeTriggers `yaml:"locales"`
}

// Classifier is a pure predicate over normalized input text.
type Classifier struct {
	prefixes []string
	phrases  []string
}

// NewClassifier loads the embedded trigger data for all locales.
func NewClassifier() (*Classifier, error) {
	return NewClassifierFromYAML(phrasesYAML)
}

// NewClassifierFromYAML builds a classifier from explicit trigger data.
func NewClassifierFromYAML(data []byte) (*Classifier, error) {
	var file phraseFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse intent phrases: %w", err)
	}
	if len(file.Locales) == 0 {
		return nil, fmt.Errorf("intent phrases: no locales defined")
	}

	c := &Classifier{}
	for _, triggers := range file.Locales {
		for _, p := range triggers.Prefixes {
			c.prefixes = append(c.prefixes, normalize(p))
		}
		for _, p := range triggers.Phrases {
			c.phrases = append(c.phrases, normalize(p))
		}
	}
	return c, nil
}

// ImagePrompt reports whether text expresses an image-generation intent.
// On a match the full original text is returned as the generation
// prompt.
func (c *Classifier) ImagePrompt(text string) (string, bool) {
	normalized := normalize(text)
	if normalized == "" {
		return "", false
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(normalized, prefix) {
			return strings.TrimSpace(text), true
		}
	}
	for _, phrase := range c.phrases {
		if strings.Contains(normalized, phrase) {
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
