package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("sec")
	if !strings.HasPrefix(id, "sec_") || len(id) != len("sec_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("sec") == id {
		t.Fatal("ids should be unique")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("bare ids carry no prefix")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Intro to Go!":      "intro-to-go",
		"  --Hello  World ": "hello-world",
		"Ünïcode Title":     "ünïcode-title",
		"***":               "untitled",
	}
	for in, want := range cases {
		if got := Slugify(in, "untitled"); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
