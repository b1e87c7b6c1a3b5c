// Package aggregate merges per-view inference results into the combined
// session result and its feedback summary.
//
// Everything here is deterministic and side-effect-free: the same received
// views always produce the same combined document and the same feedback
// string, with views emitted in the fixed front, left, right, back order.
package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/posturelab/posture-pipeline/internal/event"
	"github.com/posturelab/posture-pipeline/internal/inference"
)

// ViewSummary is the per-view slice of the combined result.
type ViewSummary struct {
	OverallScore float64            `json:"overall_score" dynamodbav:"overallScore"`
	Scores       map[string]float64 `json:"scores" dynamodbav:"scores"`
	Measurements map[string]float64 `json:"measurements,omitempty" dynamodbav:"measurements,omitempty"`
	Keypoints    json.RawMessage    `json:"keypoints,omitempty" dynamodbav:"keypoints,omitempty"`
	FrameCount   int                `json:"frame_count" dynamodbav:"frameCount"`
	FileType     string             `json:"file_type,omitempty" dynamodbav:"fileType,omitempty"`
}

// CombinedResult maps view name to its summary. Present only on completed
// sessions.
type CombinedResult struct {
	Model string                 `json:"model" dynamodbav:"model"`
	Views map[string]ViewSummary `json:"views" dynamodbav:"views"`
}

// Feedback score thresholds (percent). Matches the phrasing users already
// see in their reports.
const (
	excellentThreshold = 90
	goodThreshold      = 80
	fairThreshold      = 70
)

// Aggregate builds the combined result document from the received views.
func Aggregate(model string, views map[string]*inference.ViewResult) CombinedResult {
	combined := CombinedResult{
		Model: model,
		Views: make(map[string]ViewSummary, len(views)),
	}
	for name, res := range views {
		combined.Views[name] = ViewSummary{
			OverallScore: res.OverallScore,
			Scores:       res.Scores,
			Measurements: res.Measurements,
			Keypoints:    res.Keypoints,
			FrameCount:   res.FrameCount,
			FileType:     res.FileType,
		}
	}
	return combined
}

// Feedback derives the textual summary: one phrase per view, concatenated
// in the fixed multi-view order. A single-view session yields just its own
// phrase.
func Feedback(views map[string]*inference.ViewResult) string {
	var parts []string

	if res, ok := views[event.ViewSingle]; ok {
		parts = append(parts, viewPhrase(event.ViewSingle, res.OverallScore))
	}
	for _, name := range event.MultiViewOrder {
		if res, ok := views[name]; ok {
			parts = append(parts, viewPhrase(name, res.OverallScore))
		}
	}

	if len(parts) == 0 {
		return "Analysis completed but no feedback could be generated."
	}
	return strings.Join(parts, " ")
}

// viewPhrase maps a 0..1 overall score to its qualitative phrase.
func viewPhrase(view string, overall float64) string {
	percent := overall * 100
	title := strings.ToUpper(view[:1]) + view[1:]

	switch {
	case percent >= excellentThreshold:
		return fmt.Sprintf("%s view: Excellent posture!", title)
	case percent >= goodThreshold:
		return fmt.Sprintf("%s view: Good posture with minor improvements needed.", title)
	case percent >= fairThreshold:
		return fmt.Sprintf("%s view: Fair posture, consider adjustments.", title)
	default:
		return fmt.Sprintf("%s view: Poor posture, significant improvements needed.", title)
	}
}
