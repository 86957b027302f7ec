package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"mediaforge/internal/models"
)

// outputPlan is one resolved ffmpeg invocation for a profile.
type outputPlan struct {
	args        []string
	outputPath  string
	filename    string
	contentType string
}

// buildOutputPlan translates a profile config into ffmpeg arguments. Defaults
// follow what the config schema leaves optional: mp4/h264 for video, jpg for
// stills, sensible fps caps for animated outputs.
func buildOutputPlan(profile models.Profile, source, dir string) (outputPlan, error) {
	base := sanitizeName(profile.ID)
	if base == "" {
		base = "output"
	}

	switch profile.OutputType {
	case models.OutputVideo:
		cfg := models.VideoConfig{}
		if profile.VideoConfig != nil {
			cfg = *profile.VideoConfig
		}
		format := strings.ToLower(strings.TrimSpace(cfg.Format))
		if format == "" {
			format = "mp4"
		}
		codec := strings.TrimSpace(cfg.Codec)
		if codec == "" {
			codec = "libx264"
		}
		args := []string{"-y", "-i", source}
		if filter := scaleFilter(cfg.Width, cfg.Height); filter != "" {
			args = append(args, "-vf", filter)
		}
		if cfg.FPS > 0 {
			args = append(args, "-r", strconv.Itoa(cfg.FPS))
		}
		args = append(args, "-c:v", codec)
		if cfg.Bitrate > 0 {
			args = append(args, "-b:v", strconv.Itoa(cfg.Bitrate))
		} else if cfg.Quality > 0 {
			args = append(args, "-crf", strconv.Itoa(cfg.Quality))
		}
		args = append(args, "-movflags", "+faststart")
		filename := base + "." + format
		path := filepath.Join(dir, filename)
		args = append(args, path)
		return outputPlan{args: args, outputPath: path, filename: filename, contentType: videoContentType(format)}, nil

	case models.OutputImage:
		cfg := models.ImageConfig{}
		if profile.ImageConfig != nil {
			cfg = *profile.ImageConfig
		}
		format := strings.ToLower(strings.TrimSpace(cfg.Format))
		if format == "" {
			format = "jpg"
		}
		args := []string{"-y", "-i", source, "-frames:v", "1"}
		if filter := scaleFilter(cfg.Width, cfg.Height); filter != "" {
			args = append(args, "-vf", filter)
		}
		if cfg.Quality > 0 {
			args = append(args, "-q:v", strconv.Itoa(cfg.Quality))
		}
		filename := base + "." + format
		path := filepath.Join(dir, filename)
		args = append(args, path)
		return outputPlan{args: args, outputPath: path, filename: filename, contentType: imageContentType(format)}, nil

	case models.OutputGif:
		cfg := models.GifConfig{}
		if profile.GifConfig != nil {
			cfg = *profile.GifConfig
		}
		fps := cfg.FPS
		if fps <= 0 {
			fps = 10
		}
		args := []string{"-y"}
		if cfg.StartSeconds > 0 {
			args = append(args, "-ss", formatSeconds(cfg.StartSeconds))
		}
		if cfg.DurationSeconds > 0 {
			args = append(args, "-t", formatSeconds(cfg.DurationSeconds))
		}
		args = append(args, "-i", source)
		filters := []string{fmt.Sprintf("fps=%d", fps)}
		if filter := scaleFilter(cfg.Width, cfg.Height); filter != "" {
			filters = append(filters, filter+":flags=lanczos")
		}
		args = append(args, "-vf", strings.Join(filters, ","))
		filename := base + ".gif"
		path := filepath.Join(dir, filename)
		args = append(args, path)
		return outputPlan{args: args, outputPath: path, filename: filename, contentType: "image/gif"}, nil

	case models.OutputWebp:
		cfg := models.WebpConfig{}
		if profile.WebpConfig != nil {
			cfg = *profile.WebpConfig
		}
		fps := cfg.FPS
		if fps <= 0 {
			fps = 15
		}
		args := []string{"-y", "-i", source}
		if cfg.DurationSeconds > 0 {
			args = append(args, "-t", formatSeconds(cfg.DurationSeconds))
		}
		filters := []string{fmt.Sprintf("fps=%d", fps)}
		if filter := scaleFilter(cfg.Width, cfg.Height); filter != "" {
			filters = append(filters, filter)
		}
		args = append(args, "-vf", strings.Join(filters, ","), "-c:v", "libwebp", "-loop", "0")
		if cfg.Quality > 0 {
			args = append(args, "-quality", strconv.Itoa(cfg.Quality))
		}
		filename := base + ".webp"
		path := filepath.Join(dir, filename)
		args = append(args, path)
		return outputPlan{args: args, outputPath: path, filename: filename, contentType: "image/webp"}, nil
	}

	return outputPlan{}, fmt.Errorf("unsupported output type %q", profile.OutputType)
}

// scaleFilter builds the ffmpeg scale expression. A single dimension keeps the
// aspect ratio via -2 so codecs that need even dimensions stay happy.
func scaleFilter(width, height int) string {
	switch {
	case width > 0 && height > 0:
		return fmt.Sprintf("scale=%d:%d", width, height)
	case width > 0:
		return fmt.Sprintf("scale=%d:-2", width)
	case height > 0:
		return fmt.Sprintf("scale=-2:%d", height)
	}
	return ""
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func videoContentType(format string) string {
	switch format {
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	default:
		return "video/mp4"
	}
}

func imageContentType(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func (w *worker) runFFmpeg(ctx context.Context, plan outputPlan, logger *slog.Logger) error {
	cmd := exec.CommandContext(ctx, w.ffmpeg, plan.args...)
	writer := &logWriter{logger: logger}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Run(); err != nil {
		writer.flush()
		return fmt.Errorf("%s %s: %w", w.ffmpeg, strings.Join(plan.args, " "), err)
	}
	writer.flush()
	return nil
}

// ffprobe JSON output, trimmed to the fields the artifact metadata needs.
type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func (w *worker) probe(ctx context.Context, path string) (models.ArtifactMetadata, error) {
	cmd := exec.CommandContext(ctx, w.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	raw, err := cmd.Output()
	if err != nil {
		return models.ArtifactMetadata{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var probed probeOutput
	if err := json.Unmarshal(raw, &probed); err != nil {
		return models.ArtifactMetadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	metadata := models.ArtifactMetadata{}
	if name := strings.TrimSpace(probed.Format.FormatName); name != "" {
		// format_name can be a comma separated list of demuxer aliases.
		metadata.Format = strings.SplitN(name, ",", 2)[0]
	}
	if probed.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(probed.Format.Duration, 64); err == nil {
			metadata.DurationSeconds = seconds
		}
	}
	for _, stream := range probed.Streams {
		if stream.CodecType != "video" {
			continue
		}
		metadata.Width = stream.Width
		metadata.Height = stream.Height
		metadata.Codec = stream.CodecName
		metadata.FPS = parseFrameRate(stream.AvgFrameRate)
		break
	}
	return metadata, nil
}

// parseFrameRate converts ffprobe's "num/den" rational into a float.
func parseFrameRate(raw string) float64 {
	num, den, found := strings.Cut(raw, "/")
	if !found {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0
		}
		return value
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// sanitizeName keeps object keys shell and URL friendly.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

// logWriter forwards process output to the logger one line at a time.
type logWriter struct {
	logger *slog.Logger
	buf    bytes.Buffer
}

func (lw *logWriter) Write(p []byte) (int, error) {
	lw.buf.Write(p)
	for {
		line, err := lw.buf.ReadString('\n')
		if err != nil {
			lw.buf.WriteString(line)
			break
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lw.logger.Debug("ffmpeg", "line", trimmed)
		}
	}
	return len(p), nil
}

func (lw *logWriter) flush() {
	if trimmed := strings.TrimSpace(lw.buf.String()); trimmed != "" {
		lw.logger.Debug("ffmpeg", "line", trimmed)
	}
	lw.buf.Reset()
}
