package event

import (
	"errors"
	"testing"
)

func TestParseObjectKey_SingleView(t *testing.T) {
	ev, err := ParseObjectKey("u1/cx_morning-run.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.OwnerID != "u1" {
		t.Errorf("owner = %q, want u1", ev.OwnerID)
	}
	if ev.SessionID != "morning-run" {
		t.Errorf("session = %q, want morning-run", ev.SessionID)
	}
	if ev.View != ViewSingle {
		t.Errorf("view = %q, want single", ev.View)
	}
	if ev.ModelName != "cx" {
		t.Errorf("model = %q, want cx", ev.ModelName)
	}
}

func TestParseObjectKey_MultiView(t *testing.T) {
	for _, view := range []string{"front", "left", "right", "back"} {
		ev, err := ParseObjectKey("u1/sess42/gy_" + view + ".mov")
		if err != nil {
			t.Fatalf("view %s: unexpected error: %v", view, err)
		}
		if ev.SessionID != "sess42" {
			t.Errorf("session = %q, want sess42", ev.SessionID)
		}
		if ev.View != view {
			t.Errorf("view = %q, want %s", ev.View, view)
		}
		if ev.ModelName != "gy" {
			t.Errorf("model = %q, want gy", ev.ModelName)
		}
	}
}

func TestParseObjectKey_URLEncoded(t *testing.T) {
	ev, err := ParseObjectKey("u1%2Fsess42%2Fcx_front.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ObjectKey != "u1/sess42/cx_front.mp4" {
		t.Errorf("object key = %q, not decoded", ev.ObjectKey)
	}
}

func TestParseObjectKey_Malformed(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"one segment", "cx_front.mp4"},
		{"four segments", "u1/sess42/extra/cx_front.mp4"},
		{"no underscore", "u1/sess42/front.mp4"},
		{"unknown view", "u1/sess42/cx_top.mp4"},
		{"empty view token", "u1/sess42/cx_.mp4"},
		{"empty owner", "/cx_name.mp4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseObjectKey(tc.key)
			var malformed *MalformedEventError
			if !errors.As(err, &malformed) {
				t.Fatalf("key %q: expected MalformedEventError, got %v", tc.key, err)
			}
		})
	}
}

func TestDefaultExpectedViews(t *testing.T) {
	single := NormalizedEvent{View: ViewSingle}
	if got := single.DefaultExpectedViews(); len(got) != 1 || got[0] != ViewSingle {
		t.Errorf("single default = %v", got)
	}

	multi := NormalizedEvent{View: ViewLeft}
	if got := multi.DefaultExpectedViews(); len(got) != 4 {
		t.Errorf("multi default = %v, want all four views", got)
	}

	declared := NormalizedEvent{View: ViewLeft, ExpectedViews: []string{"front", "left"}}
	if got := declared.DefaultExpectedViews(); len(got) != 2 {
		t.Errorf("declared set = %v, want the declared pair", got)
	}
}

func TestNormalize_FiltersAndCollectsMalformed(t *testing.T) {
	n := Notification{}
	n.Records = make([]Record, 4)

	n.Records[0].EventName = "s3:ObjectCreated:Put"
	n.Records[0].S3.Bucket.Name = "videos"
	n.Records[0].S3.Object.Key = "u1/sess42/cx_front.mp4"

	// Wrong bucket: skipped, not an error.
	n.Records[1].EventName = "s3:ObjectCreated:Put"
	n.Records[1].S3.Bucket.Name = "thumbnails"
	n.Records[1].S3.Object.Key = "u1/sess42/cx_left.mp4"

	// Deletion event: skipped.
	n.Records[2].EventName = "s3:ObjectRemoved:Delete"
	n.Records[2].S3.Bucket.Name = "videos"
	n.Records[2].S3.Object.Key = "u1/sess42/cx_left.mp4"

	// Bad key: reported.
	n.Records[3].EventName = "s3:ObjectCreated:Put"
	n.Records[3].S3.Bucket.Name = "videos"
	n.Records[3].S3.Object.Key = "garbage.mp4"

	events, malformed := Normalize(n, "videos")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].View != ViewFront {
		t.Errorf("view = %q, want front", events[0].View)
	}
	if len(malformed) != 1 {
		t.Errorf("malformed = %d, want 1", len(malformed))
	}
}

func TestNormalize_DeclaredViews(t *testing.T) {
	n := Notification{Records: make([]Record, 1)}
	n.Records[0].EventName = "s3:ObjectCreated:Put"
	n.Records[0].S3.Bucket.Name = "videos"
	n.Records[0].S3.Object.Key = "u1/sess42/cx_front.mp4"
	n.Records[0].S3.Object.UserMetadata = map[string]string{
		"X-Amz-Meta-Views": "front, back",
	}

	events, malformed := Normalize(n, "videos")
	if len(malformed) != 0 {
		t.Fatalf("unexpected malformed records: %v", malformed)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	got := events[0].ExpectedViews
	if len(got) != 2 || got[0] != "front" || got[1] != "back" {
		t.Errorf("expected views = %v, want [front back]", got)
	}

	// A single-view upload cannot declare camera angles.
	n.Records[0].S3.Object.Key = "u1/cx_alone.mp4"
	_, malformed = Normalize(n, "videos")
	if len(malformed) != 1 {
		t.Errorf("declared angles on single-view upload should be malformed")
	}
}
