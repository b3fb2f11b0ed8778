package intent

import "testing"

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier()
	if err != nil {
		t.Fatalf("load embedded phrases: %v", err)
	}
	return c
}

func TestImagePrompt_PrefixMatch(t *testing.T) {
	c := newTestClassifier(t)

	prompt, ok := c.ImagePrompt("Draw a cat on a bicycle")
	if !ok {
		t.Fatal("expected prefix match")
	}
	if prompt != "Draw a cat on a bicycle" {
		t.Fatalf("prompt must be the full original text, got %q", prompt)
	}
}

func TestImagePrompt_PhraseMatch(t *testing.T) {
	c := newTestClassifier(t)

	if _, ok := c.ImagePrompt("can you generate an image of a sunset?"); !ok {
		t.Fatal("expected phrase match")
	}
}

func TestImagePrompt_VietnameseLocale(t *testing.T) {
	c := newTestClassifier(t)

	if _, ok := c.ImagePrompt("Vẽ một con mèo"); !ok {
		t.Fatal("expected Vietnamese prefix match")
	}
	if _, ok := c.ImagePrompt("hãy tạo ảnh hoàng hôn"); !ok {
		t.Fatal("expected Vietnamese phrase match")
	}
}

func TestImagePrompt_NoMatch(t *testing.T) {
	c := newTestClassifier(t)

	for _, text := range []string{
		"what's the weather like",
		"tell me about drawing techniques", // "drawing" is not the "draw " prefix
		"",
		"   ",
	} {
		if _, ok := c.ImagePrompt(text); ok {
			t.Fatalf("%q must not match image intent", text)
		}
	}
}

func TestImagePrompt_CaseInsensitive(t *testing.T) {
	c := newTestClassifier(t)

	if _, ok := c.ImagePrompt("DRAW a dragon"); !ok {
		t.Fatal("matching must ignore case")
	}
}

func TestNewClassifierFromYAML_Invalid(t *testing.T) {
	if _, err := NewClassifierFromYAML([]byte("locales: {}")); err == nil {
		t.Fatal("empty locales must be rejected")
	}
	if _, err := NewClassifierFromYAML([]byte("{{not yaml")); err == nil {
		t.Fatal("malformed yaml must be rejected")
	}
}
