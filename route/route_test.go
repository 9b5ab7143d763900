package route

import (
	"errors"
	"testing"
)

func okHandler(tag string) HandlerFunc {
	return func(params map[string]string) (interface{}, error) { return tag, nil }
}

func TestRegisterAndMatchLiteral(t *testing.T) {
	t.Parallel()
	tree := New()
	if err := tree.Register("echo", okHandler("echo"), RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	matches := tree.MatchAll("echo")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	v, err := matches[0].Handler(matches[0].Params)
	if err != nil || v != "echo" {
		t.Fatalf("unexpected handler result: %v, %v", v, err)
	}
}

func TestMatchAllEmptyIsUnroutable(t *testing.T) {
	t.Parallel()
	tree := New()
	tree.Register("echo", okHandler("echo"), RegisterOptions{})
	if matches := tree.MatchAll("unknown"); len(matches) != 0 {
		t.Fatalf("expected no matches, got %d", len(matches))
	}
}

func TestDuplicatePatternRejectedUnlessOverwrite(t *testing.T) {
	t.Parallel()
	tree := New()
	if err := tree.Register("echo", okHandler("v1"), RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := tree.Register("echo", okHandler("v2"), RegisterOptions{})
	if !errors.Is(err, ErrDuplicatePattern) {
		t.Fatalf("expected ErrDuplicatePattern, got %v", err)
	}
	if err := tree.Register("echo", okHandler("v2"), RegisterOptions{Overwrite: true}); err != nil {
		t.Fatalf("expected overwrite to succeed, got %v", err)
	}
	matches := tree.MatchAll("echo")
	v, _ := matches[0].Handler(nil)
	if v != "v2" {
		t.Fatalf("expected overwritten handler v2, got %v", v)
	}
}

func TestWildcardAndParamSegments(t *testing.T) {
	t.Parallel()
	tree := New()
	tree.Register("{id}/update", okHandler("update"), RegisterOptions{})
	tree.Register("*/delete", okHandler("delete"), RegisterOptions{})

	matches := tree.MatchAll("42/update")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Params["id"] != "42" {
		t.Fatalf("expected param id=42, got %+v", matches[0].Params)
	}

	matches = tree.MatchAll("42/delete")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

func TestTailWildcardMatchesAnyDepth(t *testing.T) {
	t.Parallel()
	tree := New()
	tree.Register("logs/**", okHandler("logs"), RegisterOptions{})

	for _, path := range []string{"logs/a", "logs/a/b/c"} {
		matches := tree.MatchAll(path)
		if len(matches) != 1 {
			t.Fatalf("path %q: expected 1 match, got %d", path, len(matches))
		}
	}
}

func TestLongestLiteralPrefixWinsOverWildcard(t *testing.T) {
	t.Parallel()
	tree := New()
	tree.Register("*", okHandler("wild"), RegisterOptions{})
	tree.Register("echo", okHandler("literal"), RegisterOptions{})

	matches := tree.MatchAll("echo")
	if len(matches) != 2 {
		t.Fatalf("expected both patterns to match, got %d", len(matches))
	}
	v, _ := matches[0].Handler(nil)
	if v != "literal" {
		t.Fatalf("expected literal match to sort first, got %v", v)
	}
}

func TestPriorityBreaksTiesAmongEqualDepth(t *testing.T) {
	t.Parallel()
	tree := New()
	tree.Register("*/a", okHandler("low"), RegisterOptions{Priority: 1})
	tree.Register("{id}/a", okHandler("high"), RegisterOptions{Priority: 5})

	matches := tree.MatchAll("x/a")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	v, _ := matches[0].Handler(matches[0].Params)
	if v != "high" {
		t.Fatalf("expected higher priority handler first, got %v", v)
	}
}

func TestRegisterAfterFreezeFails(t *testing.T) {
	t.Parallel()
	tree := New()
	tree.Freeze()
	err := tree.Register("echo", okHandler("echo"), RegisterOptions{})
	if !errors.Is(err, ErrTreeFrozen) {
		t.Fatalf("expected ErrTreeFrozen, got %v", err)
	}
}

func TestCaseFoldingUnifiesLiteralSegments(t *testing.T) {
	t.Parallel()
	tree := New()
	if err := tree.Register("Echo", okHandler("echo"), RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if matches := tree.MatchAll("echo"); len(matches) != 1 {
		t.Fatalf("expected case-folded match, got %d matches", len(matches))
	}
}
