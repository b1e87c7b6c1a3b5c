package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// frames.go turns an uploaded object into the sampled JPEG frames the
// backend is fed. Images pass through as a single frame; videos are sampled
// down to at most the model's frame budget using ffmpeg.

// File types reported in view results.
const (
	FileTypeImage = "image"
	FileTypeVideo = "video"
)

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".tiff": true, ".tif": true, ".webp": true,
}

// frameJPEGQuality is ffmpeg's -qscale:v for extracted frames. 2 is high
// quality, keeping keypoint detection accurate.
const frameJPEGQuality = 2

// FrameSet is the sampled frame sequence for one object, plus the counts
// the aggregator reports. Cleanup removes any temporary frame directory and
// must be called once the frames have been streamed.
type FrameSet struct {
	Paths       []string
	TotalFrames int
	FileType    string
	Cleanup     func()
}

// SampleFrames prepares the frames for one local media file. maxFrames caps
// video sampling; images always produce exactly one frame. Unsupported or
// undecodable files are config-class failures: retrying cannot fix the file.
func SampleFrames(ctx context.Context, localPath string, maxFrames int) (*FrameSet, error) {
	ext := strings.ToLower(filepath.Ext(localPath))
	switch {
	case imageExtensions[ext]:
		return imageFrame(localPath)
	case videoExtensions[ext]:
		return sampleVideoFrames(ctx, localPath, maxFrames)
	default:
		return nil, &Failure{Kind: KindConfig, Op: "sample", Err: fmt.Errorf("unsupported file type %q", ext)}
	}
}

// imageFrame validates the image and returns it as a one-frame set.
func imageFrame(localPath string) (*FrameSet, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, &Failure{Kind: KindConfig, Op: "sample", Err: err}
	}
	defer f.Close()

	// Probe the metadata to reject files that only look like images by
	// extension. Dimensions are logged when present; PNG/WebP carry little
	// metadata and decode errors there are not disqualifying.
	if meta, err := imagemeta.Decode(f); err == nil {
		log.Debug().
			Str("file", filepath.Base(localPath)).
			Uint32("width", uint32(meta.ImageWidth)).
			Uint32("height", uint32(meta.ImageHeight)).
			Msg("Image probed for single-frame inference")
	} else if ext := strings.ToLower(filepath.Ext(localPath)); ext == ".jpg" || ext == ".jpeg" {
		return nil, &Failure{Kind: KindConfig, Op: "sample", Err: fmt.Errorf("undecodable image: %w", err)}
	}

	return &FrameSet{
		Paths:       []string{localPath},
		TotalFrames: 1,
		FileType:    FileTypeImage,
		Cleanup:     func() {},
	}, nil
}

// sampleVideoFrames extracts at most maxFrames evenly spaced JPEG frames.
func sampleVideoFrames(ctx context.Context, videoPath string, maxFrames int) (*FrameSet, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, &Failure{Kind: KindConfig, Op: "sample", Err: fmt.Errorf("ffmpeg not found: %w", err)}
	}

	totalFrames := probeFrameCount(videoPath)

	frameDir, err := os.MkdirTemp("", "posture-frames-*")
	if err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(frameDir); err != nil {
			log.Warn().Err(err).Str("dir", frameDir).Msg("Failed to remove frame directory")
		}
	}

	// Every stride-th frame, capped at maxFrames. Unknown totals fall back
	// to the cap alone.
	stride := 1
	if totalFrames > maxFrames && maxFrames > 0 {
		stride = totalFrames / maxFrames
	}

	framePattern := filepath.Join(frameDir, "frame_%06d.jpg")
	args := []string{
		"-i", videoPath,
		"-qscale:v", strconv.Itoa(frameJPEGQuality),
	}
	if stride > 1 {
		args = append(args, "-vf", fmt.Sprintf("select=not(mod(n\\,%d))", stride))
	}
	if maxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(maxFrames))
	}
	args = append(args, "-vsync", "0", "-y", framePattern)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		cleanup()
		if ctx.Err() != nil {
			return nil, failure(KindCancelled, "sample", ctx.Err())
		}
		return nil, &Failure{Kind: KindConfig, Op: "sample",
			Err: fmt.Errorf("frame extraction failed: %w: %s", err, string(output))}
	}

	paths, err := collectFramePaths(frameDir)
	if err != nil {
		cleanup()
		return nil, err
	}
	if len(paths) == 0 {
		cleanup()
		return nil, &Failure{Kind: KindConfig, Op: "sample",
			Err: fmt.Errorf("no frames extracted from %s", filepath.Base(videoPath))}
	}
	if totalFrames == 0 {
		totalFrames = len(paths)
	}

	log.Debug().
		Str("video", filepath.Base(videoPath)).
		Int("sampled", len(paths)).
		Int("total", totalFrames).
		Int("stride", stride).
		Msg("Video frames sampled")

	return &FrameSet{
		Paths:       paths,
		TotalFrames: totalFrames,
		FileType:    FileTypeVideo,
		Cleanup:     cleanup,
	}, nil
}

// probeFrameCount asks ffprobe for the video stream's frame count. Zero
// means unknown; sampling then relies on the frame cap alone.
func probeFrameCount(videoPath string) int {
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return 0
	}

	cmd := exec.Command(ffprobePath,
		"-v", "quiet",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-print_format", "json",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	var probe struct {
		Streams []struct {
			NBReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil || len(probe.Streams) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(probe.Streams[0].NBReadPackets)
	return n
}

// collectFramePaths returns sorted paths to all frame files in a directory.
func collectFramePaths(frameDir string) ([]string, error) {
	entries, err := os.ReadDir(frameDir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".jpg") {
			paths = append(paths, filepath.Join(frameDir, name))
		}
	}

	sort.Strings(paths)
	return paths, nil
}
