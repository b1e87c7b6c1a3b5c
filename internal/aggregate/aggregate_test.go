package aggregate

import (
	"strings"
	"testing"

	"github.com/posturelab/posture-pipeline/internal/inference"
)

func viewResult(view string, overall float64) *inference.ViewResult {
	return &inference.ViewResult{
		View:         view,
		OverallScore: overall,
		Scores:       map[string]float64{"knee_angle": overall},
		FrameCount:   12,
		FileType:     inference.FileTypeVideo,
	}
}

func TestAggregate_AllViewsPresent(t *testing.T) {
	views := map[string]*inference.ViewResult{
		"front": viewResult("front", 0.95),
		"left":  viewResult("left", 0.85),
		"right": viewResult("right", 0.75),
		"back":  viewResult("back", 0.60),
	}

	combined := Aggregate("cx", views)
	if combined.Model != "cx" {
		t.Errorf("model = %q", combined.Model)
	}
	if len(combined.Views) != 4 {
		t.Fatalf("views = %d, want 4", len(combined.Views))
	}
	if combined.Views["front"].OverallScore != 0.95 {
		t.Errorf("front overall = %v", combined.Views["front"].OverallScore)
	}
	if combined.Views["left"].FrameCount != 12 {
		t.Errorf("frame count not carried over")
	}
}

func TestFeedback_FixedOrderAndThresholds(t *testing.T) {
	views := map[string]*inference.ViewResult{
		"back":  viewResult("back", 0.60),
		"front": viewResult("front", 0.95),
		"right": viewResult("right", 0.75),
		"left":  viewResult("left", 0.85),
	}

	got := Feedback(views)
	want := "Front view: Excellent posture! " +
		"Left view: Good posture with minor improvements needed. " +
		"Right view: Fair posture, consider adjustments. " +
		"Back view: Poor posture, significant improvements needed."
	if got != want {
		t.Errorf("feedback =\n%q\nwant\n%q", got, want)
	}
}

func TestFeedback_Deterministic(t *testing.T) {
	views := map[string]*inference.ViewResult{
		"front": viewResult("front", 0.9),
		"back":  viewResult("back", 0.9),
	}
	first := Feedback(views)
	for i := 0; i < 20; i++ {
		if Feedback(views) != first {
			t.Fatal("feedback not deterministic across map iterations")
		}
	}
}

func TestFeedback_SingleView(t *testing.T) {
	views := map[string]*inference.ViewResult{
		"single": viewResult("single", 0.92),
	}
	got := Feedback(views)
	if got != "Single view: Excellent posture!" {
		t.Errorf("feedback = %q", got)
	}
	if strings.Contains(got, "Front") {
		t.Error("single-view feedback must not mention camera angles")
	}
}

func TestFeedback_Empty(t *testing.T) {
	if got := Feedback(nil); !strings.Contains(got, "no feedback") {
		t.Errorf("empty feedback = %q", got)
	}
}

func TestFeedback_ThresholdBoundaries(t *testing.T) {
	cases := []struct {
		overall float64
		want    string
	}{
		{0.90, "Excellent"},
		{0.8999, "Good"},
		{0.80, "Good"},
		{0.7999, "Fair"},
		{0.70, "Fair"},
		{0.6999, "Poor"},
	}
	for _, tc := range cases {
		got := viewPhrase("front", tc.overall)
		if !strings.Contains(got, tc.want) {
			t.Errorf("overall %v: phrase %q, want %q", tc.overall, got, tc.want)
		}
	}
}
