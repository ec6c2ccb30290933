package pathutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_TrailingSeparator(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/merged/Title", Normalize("/merged/Title/"))
	assert.Equal(t, "/merged/Title", Normalize("/merged//Title"))
	assert.Equal(t, "/", Normalize("/"))
	assert.Equal(t, "", Normalize(""))
}

func TestEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, Equal("/a/b/", "/a/b"))
	assert.False(t, Equal("/a/b", "/a/c"))
}

func TestIsStrictChild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		parent string
		child  string
		want   bool
	}{
		{"direct child", "/links/g1", "/links/g1/00_override_primary", true},
		{"nested child", "/links", "/links/g1/10_source_a_000", true},
		{"equal paths", "/links/g1", "/links/g1", false},
		{"dotdot escape", "/links/g1", "/links/g1/../g2", false},
		{"sibling", "/links/g1", "/links/g2", false},
		{"unrelated absolute", "/links/g1", "/etc/passwd", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, IsStrictChild(tc.parent, tc.child))
		})
	}
}

func TestEscapeSegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain", "Blue Exorcist", "Blue Exorcist"},
		{"slash", "Fate/Stay Night", "Fate⧸Stay Night"},
		{"empty", "", "_"},
		{"whitespace only", "   ", "_"},
		{"single dot", ".", "_."},
		{"double dot", "..", "_.."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, EscapeSegment(tc.title))
		})
	}
}

func TestSanitizeLabel_Basic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Weekly_Shonen", SanitizeLabel("Weekly Shonen"))
	assert.Equal(t, "x", SanitizeLabel(""))
	assert.Equal(t, "___", SanitizeLabel("日??"))
	assert.Equal(t, "vol_01", SanitizeLabel("vol-01"))
}

func TestSanitizeLabel_LongLabelFitsComponent(t *testing.T) {
	t.Parallel()

	label := strings.Repeat("a", 16384)

	name := SanitizeLabel(label)

	// Worst-case full link name: longest prefix plus index suffix.
	full := "01_override_" + name + "_005"

	require.LessOrEqual(t, len(full), 255)
	assert.Equal(t, name, SanitizeLabel(label), "must be deterministic")
}

func TestSanitizeLabel_SharedPrefixDiffers(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("p", 4096)

	a := SanitizeLabel(prefix + "tail-one")
	b := SanitizeLabel(prefix + "tail-two")

	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), 255)
	assert.LessOrEqual(t, len(b), 255)
}

func TestShortHash_StableLength(t *testing.T) {
	t.Parallel()

	h := ShortHash("group|spec")

	assert.Len(t, h, 12)
	assert.Equal(t, h, ShortHash("group|spec"))
	assert.NotEqual(t, h, ShortHash("group|spec2"))
}
