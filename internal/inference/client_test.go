package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posturelab/posture-pipeline/internal/registry"
)

var upgrader = websocket.Upgrader{}

// fakeBackend runs a websocket inference backend whose per-connection
// behavior is scripted by handle.
func fakeBackend(t *testing.T, handle func(conn *websocket.Conn)) (*registry.Registry, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))

	host, portStr, found := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	if !found {
		t.Fatalf("unexpected test server URL %s", srv.URL)
	}
	var port int
	if _, err := parsePort(portStr, &port); err != nil {
		t.Fatalf("parse port: %v", err)
	}

	reg := registry.NewStatic(registry.Model{Name: "cx", Host: host, Port: port, MaxFrames: 5})
	return reg, srv.Close
}

func parsePort(s string, out *int) (int, error) {
	n, err := json.Number(s).Int64()
	*out = int(n)
	return int(n), err
}

// writeTestImage creates a PNG-suffixed stand-in frame file.
func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.png")
	if err := os.WriteFile(path, []byte("not-a-real-png-but-good-enough"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func authenticate(conn *websocket.Conn) {
	_ = conn.WriteJSON(map[string]string{"status": "authenticated", "user_id": "pipeline"})
}

func TestInfer_ImageSuccess(t *testing.T) {
	reg, stop := fakeBackend(t, func(conn *websocket.Conn) {
		authenticate(conn)
		var req frameRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{
			"keypoints": [][]float64{{1, 2, 0.9}},
			"posture_score": map[string]interface{}{
				"side":       "front",
				"knee_angle": 0.9,
				"back_angle": 0.7,
			},
			"measurements": map[string]float64{"knee_angle": 172.4},
		})
	})
	defer stop()

	c := NewClient(reg, "token", 5*time.Second)
	res, err := c.Infer(context.Background(), "cx", "front", writeTestImage(t))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if res.View != "front" || res.FileType != FileTypeImage {
		t.Errorf("result header = %+v", res)
	}
	if res.FrameCount != 1 || res.TotalFrames != 1 {
		t.Errorf("frame counts = %d/%d", res.FrameCount, res.TotalFrames)
	}
	if got := res.Scores["knee_angle"]; got != 0.9 {
		t.Errorf("knee_angle = %v", got)
	}
	// Overall is the mean of the numeric metrics; "side" must not count.
	if want := (0.9 + 0.7) / 2; res.OverallScore != want {
		t.Errorf("overall = %v, want %v", res.OverallScore, want)
	}
	if len(res.Keypoints) == 0 {
		t.Error("image result should retain keypoints")
	}
	if res.Measurements["knee_angle"] != 172.4 {
		t.Errorf("measurements = %v", res.Measurements)
	}
}

func TestInfer_UnknownModelIsConfigError(t *testing.T) {
	reg := registry.NewStatic()
	c := NewClient(reg, "token", time.Second)

	_, err := c.Infer(context.Background(), "nope", "front", writeTestImage(t))
	f := AsFailure(err)
	if f.Kind != KindConfig {
		t.Fatalf("kind = %s, want config", f.Kind)
	}
	if f.Retryable() {
		t.Error("config failures must not be retryable")
	}
}

func TestInfer_AuthRejectedIsConfigError(t *testing.T) {
	reg, stop := fakeBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"status": "denied", "error": "bad token"})
	})
	defer stop()

	c := NewClient(reg, "wrong", 5*time.Second)
	_, err := c.Infer(context.Background(), "cx", "front", writeTestImage(t))
	if f := AsFailure(err); f.Kind != KindConfig {
		t.Fatalf("kind = %s, want config", f.Kind)
	}
}

func TestInfer_ErrorFrameIsProtocolError(t *testing.T) {
	reg, stop := fakeBackend(t, func(conn *websocket.Conn) {
		authenticate(conn)
		var req frameRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]string{"error": "model crashed"})
	})
	defer stop()

	c := NewClient(reg, "token", 5*time.Second)
	_, err := c.Infer(context.Background(), "cx", "front", writeTestImage(t))
	f := AsFailure(err)
	if f.Kind != KindProtocol {
		t.Fatalf("kind = %s, want protocol", f.Kind)
	}
	if !f.Retryable() {
		t.Error("protocol failures are retryable up to the bound")
	}
}

func TestInfer_NoDetectionsIsProtocolError(t *testing.T) {
	reg, stop := fakeBackend(t, func(conn *websocket.Conn) {
		authenticate(conn)
		var req frameRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// Frame answered, but with no keypoints or score.
		_ = conn.WriteJSON(map[string]interface{}{"measurements": map[string]float64{}})
	})
	defer stop()

	c := NewClient(reg, "token", 5*time.Second)
	_, err := c.Infer(context.Background(), "cx", "front", writeTestImage(t))
	if f := AsFailure(err); f.Kind != KindProtocol {
		t.Fatalf("kind = %s, want protocol", f.Kind)
	}
}

func TestInfer_DeadlineSurfacesAsTimeout(t *testing.T) {
	reg, stop := fakeBackend(t, func(conn *websocket.Conn) {
		authenticate(conn)
		// Swallow the frame and never answer.
		var req frameRequest
		_ = conn.ReadJSON(&req)
		time.Sleep(2 * time.Second)
	})
	defer stop()

	c := NewClient(reg, "token", 300*time.Millisecond)
	start := time.Now()
	_, err := c.Infer(context.Background(), "cx", "front", writeTestImage(t))
	if f := AsFailure(err); f.Kind != KindTimeout {
		t.Fatalf("kind = %s, want timeout (err=%v)", f.Kind, err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("timeout took %s, deadline not enforced", elapsed)
	}
}

func TestInfer_CancelAbandonsCall(t *testing.T) {
	reg, stop := fakeBackend(t, func(conn *websocket.Conn) {
		authenticate(conn)
		var req frameRequest
		_ = conn.ReadJSON(&req)
		time.Sleep(2 * time.Second)
	})
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	c := NewClient(reg, "token", 10*time.Second)
	start := time.Now()
	_, err := c.Infer(ctx, "cx", "front", writeTestImage(t))
	if f := AsFailure(err); f.Kind != KindCancelled {
		t.Fatalf("kind = %s, want cancelled (err=%v)", f.Kind, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %s, not prompt", elapsed)
	}
}

func TestConnectFailure(t *testing.T) {
	// Nothing listens on this port.
	reg := registry.NewStatic(registry.Model{Name: "cx", Host: "127.0.0.1", Port: 1, MaxFrames: 5})
	c := NewClient(reg, "token", time.Second)

	_, err := c.Infer(context.Background(), "cx", "front", writeTestImage(t))
	f := AsFailure(err)
	if f.Kind != KindConnect && f.Kind != KindTimeout {
		t.Fatalf("kind = %s, want connect or timeout", f.Kind)
	}
	if !f.Retryable() {
		t.Error("connect failures are retryable")
	}
}

func TestSampleFrames_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := SampleFrames(context.Background(), path, 5)
	if f := AsFailure(err); f.Kind != KindConfig {
		t.Fatalf("kind = %s, want config", f.Kind)
	}
}

func TestFailureKinds(t *testing.T) {
	if (&Failure{Kind: KindCancelled}).Retryable() {
		t.Error("cancelled is not retryable")
	}
	wrapped := failure(KindConnect, "dial", context.Canceled)
	if wrapped.Kind != KindCancelled {
		t.Errorf("context.Canceled should map to cancelled, got %s", wrapped.Kind)
	}
	deadline := failure(KindConnect, "dial", context.DeadlineExceeded)
	if deadline.Kind != KindTimeout {
		t.Errorf("DeadlineExceeded should map to timeout, got %s", deadline.Kind)
	}
	if !errors.Is(wrapped, context.Canceled) {
		t.Error("failure should unwrap to its cause")
	}
}
