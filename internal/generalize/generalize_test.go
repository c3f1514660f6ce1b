package generalize

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func repeat(path string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = path
	}
	return out
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Suggest Tests
// =============================================================================

func TestSuggest_EmptySample(t *testing.T) {
	got := Suggest(nil, DefaultConfig())
	if got == nil || len(got) != 0 {
		t.Errorf("Suggest(nil) = %v, want empty non-nil result", got)
	}
}

func TestSuggest_IdenticalPathsUnchanged(t *testing.T) {
	for _, n := range []int{1, 7, 250} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			got := Suggest(repeat("/users/42/orders", n), DefaultConfig())
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].Template != "/users/42/orders" || !approx(got[0].Confidence, 1.0) {
				t.Errorf("Suggest() = %+v, want literal path at confidence 1.0", got[0])
			}
		})
	}
}

func TestSuggest_ThresholdBoundary(t *testing.T) {
	t.Run("one of ten varies", func(t *testing.T) {
		paths := append(repeat("/users/1", 9), "/users/2")
		got := Suggest(paths, DefaultConfig())

		templates := Templates(got)
		want := []string{"/users/1", "/users/{param1}"}
		if diff := cmp.Diff(want, templates); diff != "" {
			t.Errorf("templates mismatch (-want +got):\n%s", diff)
		}
		if !approx(got[0].Confidence, 0.95) || !approx(got[1].Confidence, 0.55) {
			t.Errorf("confidences = %v, %v", got[0].Confidence, got[1].Confidence)
		}
	})

	t.Run("identical in all ten", func(t *testing.T) {
		got := Suggest(repeat("/users/1", 10), DefaultConfig())
		if diff := cmp.Diff([]string{"/users/1"}, Templates(got)); diff != "" {
			t.Errorf("templates mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("eleven percent stays literal", func(t *testing.T) {
		var paths []string
		paths = append(paths, repeat("/users/a", 11)...)
		for i := 0; i < 89; i++ {
			paths = append(paths, fmt.Sprintf("/users/%d", i))
		}
		got := Suggest(paths, DefaultConfig())
		templates := Templates(got)
		if len(templates) != 2 || templates[0] != "/users/a" || templates[1] != "/users/{param1}" {
			t.Errorf("templates = %v", templates)
		}
	})
}

func TestSuggest_HighCardinalitySegment(t *testing.T) {
	var paths []string
	for i := 0; i < 50; i++ {
		paths = append(paths, fmt.Sprintf("/accounts/%d/invoices/%d", i, i*7))
	}

	got := Suggest(paths, DefaultConfig())
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1: %v", len(got), got)
	}
	if got[0].Template != "/accounts/{param1}/invoices/{param2}" {
		t.Errorf("Template = %q", got[0].Template)
	}
	if !approx(got[0].Confidence, (1+0.02+1+0.02)/4) {
		t.Errorf("Confidence = %v", got[0].Confidence)
	}
}

func TestSuggest_DifferentDepthsNeverMixed(t *testing.T) {
	paths := append(repeat("/a/b", 5), repeat("/a/b/c", 5)...)
	got := Templates(Suggest(paths, DefaultConfig()))

	want := []string{"/a/b", "/a/b/c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("templates mismatch (-want +got):\n%s", diff)
	}
}

func TestSuggest_SortedAndTruncated(t *testing.T) {
	var paths []string
	for i := 0; i < 300; i++ {
		paths = append(paths, fmt.Sprintf("/p%d", i))
	}
	cfg := DefaultConfig()
	cfg.Threshold = 0.0

	got := Suggest(paths, cfg)
	if len(got) != cfg.MaxResults {
		t.Fatalf("len = %d, want %d", len(got), cfg.MaxResults)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Confidence < got[i].Confidence {
			t.Fatalf("not sorted by descending confidence at %d", i)
		}
		if got[i-1].Confidence == got[i].Confidence && got[i-1].Template > got[i].Template {
			t.Fatalf("ties not ordered by template at %d", i)
		}
	}
}

func TestSuggest_SampleSizeCap(t *testing.T) {
	paths := append(repeat("/new/1", 3), repeat("/old/1", 10)...)
	cfg := DefaultConfig()
	cfg.SampleSize = 3

	got := Templates(Suggest(paths, cfg))
	if diff := cmp.Diff([]string{"/new/1"}, got); diff != "" {
		t.Errorf("only the most recent sample should count (-want +got):\n%s", diff)
	}
}

func TestSuggest_SkipsInvalidPaths(t *testing.T) {
	got := Templates(Suggest([]string{"", "relative", "/ok"}, DefaultConfig()))
	if diff := cmp.Diff([]string{"/ok"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
