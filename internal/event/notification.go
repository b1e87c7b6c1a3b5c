package event

import (
	"strings"
)

// Notification mirrors the S3-style bucket notification body that MinIO
// delivers to webhook targets. Only the fields the pipeline reads are
// declared.
type Notification struct {
	Records []Record `json:"Records"`
}

// Record is one object event inside a notification.
type Record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key          string            `json:"key"`
			Size         int64             `json:"size"`
			UserMetadata map[string]string `json:"userMetadata"`
		} `json:"object"`
	} `json:"s3"`
}

// viewsMetadataKey is the object metadata header the upload collaborator
// may set to declare a session's expected view set, comma-separated.
const viewsMetadataKey = "X-Amz-Meta-Views"

// Normalize converts a notification into the events the coordinator should
// process. Records for other buckets or non-PUT events are skipped silently;
// records with unparseable keys are returned as errors so the caller can log
// them. A bad record never aborts the rest of the batch.
func Normalize(n Notification, bucket string) ([]NormalizedEvent, []error) {
	var events []NormalizedEvent
	var malformed []error

	for _, rec := range n.Records {
		if rec.S3.Bucket.Name != bucket {
			continue
		}
		// MinIO event names look like "s3:ObjectCreated:Put".
		if !strings.Contains(rec.EventName, "ObjectCreated") && rec.EventName != "PUT" {
			continue
		}

		ev, err := ParseObjectKey(rec.S3.Object.Key)
		if err != nil {
			malformed = append(malformed, err)
			continue
		}
		ev.Bucket = rec.S3.Bucket.Name
		if declared := rec.S3.Object.UserMetadata[viewsMetadataKey]; declared != "" {
			if views, ok := parseDeclaredViews(declared, ev.View); ok {
				ev.ExpectedViews = views
			} else {
				malformed = append(malformed, &MalformedEventError{
					Key:    rec.S3.Object.Key,
					Reason: "invalid declared view set " + declared,
				})
				continue
			}
		}
		events = append(events, ev)
	}

	return events, malformed
}

// parseDeclaredViews validates a comma-separated declared view set. A
// single-view upload may only declare {single}; a multi-view upload may
// declare any non-empty subset of the four camera angles.
func parseDeclaredViews(declared, eventView string) ([]string, bool) {
	tokens := strings.Split(declared, ",")
	seen := make(map[string]bool, len(tokens))
	var views []string
	for _, tok := range tokens {
		v := strings.TrimSpace(strings.ToLower(tok))
		if v == "" || seen[v] {
			continue
		}
		if eventView == ViewSingle {
			if v != ViewSingle {
				return nil, false
			}
		} else if !IsMultiView(v) {
			return nil, false
		}
		seen[v] = true
		views = append(views, v)
	}
	if len(views) == 0 {
		return nil, false
	}
	return views, true
}
