// Package inference is the client adapter for the model-specific pose
// inference backends.
//
// Each backend is a websocket service: the client connects with a service
// token, waits for the authentication acknowledgement, then streams sampled
// frames as base64 JPEG messages and reads back per-frame keypoints and
// posture scores. One Infer call is one connection.
//
// Failures are classified into the Kind taxonomy so the dispatch
// coordinator can decide what is worth retrying.
package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/posturelab/posture-pipeline/internal/registry"
)

// DefaultTimeout bounds one Infer call, connection included.
const DefaultTimeout = 60 * time.Second

// handshakeTimeout bounds the websocket dial alone.
const handshakeTimeout = 10 * time.Second

// ViewResult is the structured outcome of analyzing one view's media file.
// Scores and measurements are per-metric averages over the sampled frames;
// OverallScore is the mean of the averaged score metrics (0..1).
type ViewResult struct {
	View         string             `json:"view" dynamodbav:"view"`
	OverallScore float64            `json:"overallScore" dynamodbav:"overallScore"`
	Scores       map[string]float64 `json:"scores" dynamodbav:"scores"`
	Measurements map[string]float64 `json:"measurements,omitempty" dynamodbav:"measurements,omitempty"`
	Keypoints    json.RawMessage    `json:"keypoints,omitempty" dynamodbav:"keypoints,omitempty"`
	FrameCount   int                `json:"frameCount" dynamodbav:"frameCount"`
	TotalFrames  int                `json:"totalFrames" dynamodbav:"totalFrames"`
	FileType     string             `json:"fileType" dynamodbav:"fileType"`
}

// Client streams frames to inference backends resolved via the registry.
type Client struct {
	registry     *registry.Registry
	serviceToken string
	timeout      time.Duration
	dialer       *websocket.Dialer
}

// NewClient creates an adapter. serviceToken authenticates the pipeline to
// the backends. timeout <= 0 uses DefaultTimeout.
func NewClient(reg *registry.Registry, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		registry:     reg,
		serviceToken: serviceToken,
		timeout:      timeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// --- Wire types ---

// authAck is the first frame the backend sends after the handshake.
type authAck struct {
	Status string `json:"status"`
	UserID string `json:"user_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// frameRequest carries one base64-encoded JPEG frame.
type frameRequest struct {
	Image string `json:"image"`
}

// frameResponse is the backend's per-frame answer. PostureScore mixes
// numeric metrics with the detected "side" string, so it decodes loosely.
type frameResponse struct {
	Keypoints    json.RawMessage        `json:"keypoints"`
	PostureScore map[string]interface{} `json:"posture_score"`
	Measurements map[string]float64     `json:"measurements"`
	Error        string                 `json:"error,omitempty"`
}

// Infer analyzes one view's media file against the named model's backend.
// The call honors ctx cancellation promptly: the connection is torn down
// and a cancelled Failure is returned instead of a partial result.
func (c *Client) Infer(ctx context.Context, modelName, view, localPath string) (*ViewResult, error) {
	model, err := c.registry.Lookup(modelName)
	if err != nil {
		return nil, &Failure{Kind: KindConfig, Op: "lookup", Err: err}
	}

	frames, err := SampleFrames(ctx, localPath, model.MaxFrames)
	if err != nil {
		return nil, err
	}
	defer frames.Cleanup()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := url.URL{
		Scheme:   "ws",
		Host:     model.Addr(),
		RawQuery: url.Values{"token": {c.serviceToken}}.Encode(),
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, classify(ctx, KindConnect, "dial", err)
	}
	defer conn.Close()

	// Tear down the connection as soon as ctx fires so blocked reads and
	// writes return instead of waiting out their deadlines.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var ack authAck
	if err := conn.ReadJSON(&ack); err != nil {
		return nil, classify(ctx, KindProtocol, "auth", err)
	}
	if ack.Status != "authenticated" {
		return nil, &Failure{Kind: KindConfig, Op: "auth",
			Err: fmt.Errorf("backend rejected service token: %s", ack.Error)}
	}

	log.Debug().
		Str("model", modelName).
		Str("view", view).
		Str("addr", model.Addr()).
		Int("frames", len(frames.Paths)).
		Msg("Streaming frames to inference backend")

	agg := newScoreAccumulator()
	var keypoints json.RawMessage
	processed := 0

	for _, framePath := range frames.Paths {
		if ctx.Err() != nil {
			return nil, failure(KindCancelled, "stream", ctx.Err())
		}

		data, err := os.ReadFile(framePath)
		if err != nil {
			return nil, &Failure{Kind: KindConfig, Op: "stream", Err: err}
		}
		req := frameRequest{Image: base64.StdEncoding.EncodeToString(data)}
		if err := conn.WriteJSON(req); err != nil {
			return nil, classify(ctx, KindConnect, "stream", err)
		}

		var resp frameResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, classify(ctx, KindProtocol, "stream", err)
		}
		if resp.Error != "" {
			return nil, &Failure{Kind: KindProtocol, Op: "stream",
				Err: fmt.Errorf("backend error frame: %s", resp.Error)}
		}
		if resp.Keypoints == nil || resp.PostureScore == nil {
			// Frames without detections are skipped the way the original
			// service skips them; only an all-miss run is an error.
			continue
		}

		agg.add(resp.PostureScore, resp.Measurements)
		keypoints = resp.Keypoints
		processed++
	}

	if processed == 0 {
		return nil, &Failure{Kind: KindProtocol, Op: "stream",
			Err: fmt.Errorf("no usable responses for %d frames", len(frames.Paths))}
	}

	result := &ViewResult{
		View:         view,
		Scores:       agg.scoreMeans(),
		Measurements: agg.measurementMeans(),
		FrameCount:   processed,
		TotalFrames:  frames.TotalFrames,
		FileType:     frames.FileType,
	}
	result.OverallScore = mean(result.Scores)
	if frames.FileType == FileTypeImage {
		result.Keypoints = keypoints
	}

	log.Info().
		Str("model", modelName).
		Str("view", view).
		Int("frames", processed).
		Float64("overallScore", result.OverallScore).
		Msg("Inference complete")

	return result, nil
}

// --- Score accumulation ---

// scoreAccumulator averages numeric metrics across frames. The backend's
// posture_score carries a "side" string alongside the numbers; non-numeric
// values are ignored during averaging.
type scoreAccumulator struct {
	scores       map[string][]float64
	measurements map[string][]float64
}

func newScoreAccumulator() *scoreAccumulator {
	return &scoreAccumulator{
		scores:       make(map[string][]float64),
		measurements: make(map[string][]float64),
	}
}

func (a *scoreAccumulator) add(postureScore map[string]interface{}, measurements map[string]float64) {
	for metric, v := range postureScore {
		if metric == "side" {
			continue
		}
		if n, ok := v.(float64); ok {
			a.scores[metric] = append(a.scores[metric], n)
		}
	}
	for metric, v := range measurements {
		a.measurements[metric] = append(a.measurements[metric], v)
	}
}

func (a *scoreAccumulator) scoreMeans() map[string]float64 {
	return meansOf(a.scores)
}

func (a *scoreAccumulator) measurementMeans() map[string]float64 {
	return meansOf(a.measurements)
}

func meansOf(series map[string][]float64) map[string]float64 {
	out := make(map[string]float64, len(series))
	for metric, values := range series {
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		out[metric] = sum / float64(len(values))
	}
	return out
}

func mean(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}
