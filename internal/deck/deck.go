package deck

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Slide is one immutable entry of a lecture deck.
type Slide struct {
	Title   string `yaml:"title" json:"title"`
	Content string `yaml:"content" json:"content"`
	Image   string `yaml:"image,omitempty" json:"image,omitempty"`
}

// Deck is the preloaded, ordered slide sequence of a lecture.
type Deck struct {
	Title  string  `yaml:"title"`
	Slides []Slide `yaml:"slides"`
}

// Load reads a deck from disk.
func Load(path string) (Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Deck{}, err
	}
	return Parse(data)
}

// Parse decodes a YAML deck document.
func Parse(data []byte) (Deck, error) {
	var d Deck
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Deck{}, fmt.Errorf("parse deck: %w", err)
	}
	return d, nil
}

// Validate ensures the deck can back a session.
func Validate(d Deck) error {
	if len(d.Slides) == 0 {
		return fmt.Errorf("slides must contain at least one entry")
	}
	for i, s := range d.Slides {
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("slides[%d].title is required", i)
		}
	}
	return nil
}

// Len returns the slide count.
func (d Deck) Len() int { return len(d.Slides) }

// At returns the slide at index, or false when index is out of range.
func (d Deck) At(index int) (Slide, bool) {
	if index < 0 || index >= len(d.Slides) {
		return Slide{}, false
	}
	return d.Slides[index], true
}

// HasNarration reports whether the slide has speakable content.
func (s Slide) HasNarration() bool {
	return strings.TrimSpace(s.Content) != ""
}

// Digest fingerprints slide titles and content so participants can detect
// that they loaded different decks. Images are references and are excluded.
func (d Deck) Digest() string {
	h := sha256.New()
	for _, s := range d.Slides {
		h.Write([]byte(s.Title))
		h.Write([]byte{0})
		h.Write([]byte(s.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
