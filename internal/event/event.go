// Package event normalizes bucket upload notifications into per-view
// analysis events.
//
// Object keys follow one of two layouts:
//
//	{owner}/{model}_{name}.ext           single-view, session = name
//	{owner}/{session}/{model}_{view}.ext multi-view, view in front|left|right|back
//
// Parsing is pure: no I/O, no logging. Callers decide what to do with
// malformed records.
package event

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// View names. ViewSingle is the sentinel for one-file sessions.
const (
	ViewSingle = "single"
	ViewFront  = "front"
	ViewLeft   = "left"
	ViewRight  = "right"
	ViewBack   = "back"
)

// MultiViewOrder is the canonical ordering of multi-view camera angles,
// used for deterministic aggregation output.
var MultiViewOrder = []string{ViewFront, ViewLeft, ViewRight, ViewBack}

// AllMultiViews returns a fresh copy of the full four-view set.
func AllMultiViews() []string {
	return append([]string(nil), MultiViewOrder...)
}

// IsMultiView reports whether name is a recognized multi-view camera angle.
func IsMultiView(name string) bool {
	switch name {
	case ViewFront, ViewLeft, ViewRight, ViewBack:
		return true
	}
	return false
}

// NormalizedEvent is one upload, resolved to the session and view it
// belongs to.
type NormalizedEvent struct {
	OwnerID   string
	SessionID string
	View      string
	ModelName string
	ObjectKey string
	Bucket    string

	// ExpectedViews is the view set declared by the uploader via object
	// metadata, if any. Empty means "use the default for this layout".
	ExpectedViews []string
}

// MalformedEventError describes a notification record that cannot be
// mapped to a session. Malformed events are dropped and logged; they never
// mutate session state.
type MalformedEventError struct {
	Key    string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed upload event %q: %s", e.Key, e.Reason)
}

// ParseObjectKey maps an object key to its owner, session, view, and model.
// The key is URL-decoded first; bucket notifications percent-encode keys.
func ParseObjectKey(key string) (NormalizedEvent, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return NormalizedEvent{}, &MalformedEventError{Key: key, Reason: "key is not URL-decodable"}
	}

	parts := strings.Split(decoded, "/")
	switch len(parts) {
	case 2:
		owner, filename := parts[0], parts[1]
		model, name, err := splitModelToken(key, filename)
		if err != nil {
			return NormalizedEvent{}, err
		}
		if owner == "" || name == "" {
			return NormalizedEvent{}, &MalformedEventError{Key: key, Reason: "empty owner or session segment"}
		}
		return NormalizedEvent{
			OwnerID:   owner,
			SessionID: name,
			View:      ViewSingle,
			ModelName: model,
			ObjectKey: decoded,
		}, nil

	case 3:
		owner, session, filename := parts[0], parts[1], parts[2]
		model, view, err := splitModelToken(key, filename)
		if err != nil {
			return NormalizedEvent{}, err
		}
		if owner == "" || session == "" {
			return NormalizedEvent{}, &MalformedEventError{Key: key, Reason: "empty owner or session segment"}
		}
		if !IsMultiView(view) {
			return NormalizedEvent{}, &MalformedEventError{Key: key, Reason: fmt.Sprintf("unrecognized view token %q", view)}
		}
		return NormalizedEvent{
			OwnerID:   owner,
			SessionID: session,
			View:      view,
			ModelName: model,
			ObjectKey: decoded,
		}, nil

	default:
		return NormalizedEvent{}, &MalformedEventError{Key: key, Reason: fmt.Sprintf("expected 2 or 3 path segments, got %d", len(parts))}
	}
}

// splitModelToken splits a filename of the form {model}_{token}.ext into its
// model name and trailing token (session name or view).
func splitModelToken(key, filename string) (model, token string, err error) {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	model, token, found := strings.Cut(base, "_")
	if !found || model == "" || token == "" {
		return "", "", &MalformedEventError{Key: key, Reason: fmt.Sprintf("filename %q is not {model}_{token}.ext", filename)}
	}
	return model, token, nil
}

// DefaultExpectedViews returns the expected view set for an event that did
// not declare one: the singleton {single} for single-view uploads, all four
// camera angles otherwise.
func (e NormalizedEvent) DefaultExpectedViews() []string {
	if len(e.ExpectedViews) > 0 {
		return e.ExpectedViews
	}
	if e.View == ViewSingle {
		return []string{ViewSingle}
	}
	return AllMultiViews()
}
