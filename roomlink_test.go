package roomlink

import (
	"net/url"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

// TestMergeTextures tests dedup and ordering of merged appearance options
func TestMergeTextures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		have        []CharacterTexture
		offered     []CharacterTexture
		want        []int
		wantChanged bool
	}{
		{
			name:        "empty user takes room order",
			offered:     []CharacterTexture{{ID: 3}, {ID: 1}},
			want:        []int{3, 1},
			wantChanged: true,
		},
		{
			name:        "existing order kept, new appended",
			have:        []CharacterTexture{{ID: 5}, {ID: 2}},
			offered:     []CharacterTexture{{ID: 2}, {ID: 7}, {ID: 5}, {ID: 1}},
			want:        []int{5, 2, 7, 1},
			wantChanged: true,
		},
		{
			name:    "nothing new",
			have:    []CharacterTexture{{ID: 1}},
			offered: []CharacterTexture{{ID: 1}},
			want:    []int{1},
		},
		{
			name:        "duplicates in offer collapse",
			offered:     []CharacterTexture{{ID: 4}, {ID: 4}},
			want:        []int{4},
			wantChanged: true,
		},
		{
			name: "no offer",
			have: []CharacterTexture{{ID: 9}},
			want: []int{9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := &LocalUser{UUID: "u", Textures: tt.have}
			changed := u.MergeTextures(tt.offered)
			if changed != tt.wantChanged {
				t.Errorf("MergeTextures() changed = %v, want %v", changed, tt.wantChanged)
			}

			var got []int
			for _, tex := range u.Textures {
				got = append(got, tex.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("textures = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestMergeTexturesKeepsExistingEntry tests that a known ID is not overwritten
func TestMergeTexturesKeepsExistingEntry(t *testing.T) {
	t.Parallel()

	u := &LocalUser{Textures: []CharacterTexture{{ID: 1, URL: "/old.png"}}}
	u.MergeTextures([]CharacterTexture{{ID: 1, URL: "/new.png"}})

	if u.Textures[0].URL != "/old.png" {
		t.Errorf("URL = %q, want /old.png", u.Textures[0].URL)
	}
}

// TestRoomKey tests that query and fragment do not change room identity
func TestRoomKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"http://play.test/_/global/maps.test/office.json", "http://play.test/_/global/maps.test/office.json"},
		{"http://play.test/_/global/maps.test/office.json?x=1&y=2", "http://play.test/_/global/maps.test/office.json"},
		{"http://play.test/@/acme/world/hall#spawn", "http://play.test/@/acme/world/hall"},
		{"http://play.test/@/acme/world/hall?#", "http://play.test/@/acme/world/hall"},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("url.Parse(%q) failed: %v", tt.raw, err)
		}
		if got := RoomKey(u); got != tt.want {
			t.Errorf("RoomKey(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	u, _ := url.Parse("http://play.test/_/a?x=1#f")
	RoomKey(u)
	if u.RawQuery != "x=1" || u.Fragment != "f" {
		t.Errorf("RoomKey mutated its argument: %s", u)
	}
}

// TestAttemptParamsClone tests that clones share no mutable state
func TestAttemptParamsClone(t *testing.T) {
	t.Parallel()

	companion := "dog1"
	p := AttemptParams{CharacterLayers: []string{"male1"}, Companion: &companion}
	clone := p.Clone()

	p.CharacterLayers[0] = "changed"
	*p.Companion = "cat2"

	if clone.CharacterLayers[0] != "male1" {
		t.Errorf("clone layers = %v", clone.CharacterLayers)
	}
	if *clone.Companion != "dog1" {
		t.Errorf("clone companion = %q", *clone.Companion)
	}

	if empty := (AttemptParams{}).Clone(); empty.CharacterLayers != nil || empty.Companion != nil {
		t.Errorf("clone of zero params = %+v", empty)
	}
}

// TestRedirectRequiredError tests matching through a wrapped chain
func TestRedirectRequiredError(t *testing.T) {
	t.Parallel()

	err := errors.Wrap(&RedirectRequiredError{URL: "http://auth.test/login?state=s"}, "establish session")

	if !errors.Is(err, ErrRedirectRequired) {
		t.Fatalf("errors.Is(%v, ErrRedirectRequired) = false", err)
	}

	var redirect *RedirectRequiredError
	if !errors.As(err, &redirect) {
		t.Fatalf("errors.As failed for %v", err)
	}
	if redirect.URL != "http://auth.test/login?state=s" {
		t.Errorf("URL = %q", redirect.URL)
	}
	if errors.Is(err, ErrInvalidTarget) {
		t.Errorf("redirect must not match ErrInvalidTarget")
	}
}
