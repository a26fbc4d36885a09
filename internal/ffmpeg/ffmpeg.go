// Package ffmpeg locates the ffmpeg/ffprobe binaries and runs them with
// bounded stderr capture. The Runner interface is what the assembly pipeline
// programs against; tests substitute a fake.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"reelforge/internal/apperr"
)

// maxStderrBytes bounds how much tool output is retained for error messages.
const maxStderrBytes = 16 * 1024

// Tools holds the resolved binary paths.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

// Discover resolves the ffmpeg and ffprobe binaries. Explicit paths win, then
// PATH lookup, then the bare binary name (with .exe on Windows).
func Discover(ffmpegPath, ffprobePath string) (Tools, error) {
	ffmpeg, err := resolve(ffmpegPath, "ffmpeg")
	if err != nil {
		return Tools{}, err
	}
	ffprobe, err := resolve(ffprobePath, "ffprobe")
	if err != nil {
		return Tools{}, err
	}
	slog.Info("media tools resolved", "ffmpeg", ffmpeg, "ffprobe", ffprobe)
	return Tools{FFmpeg: ffmpeg, FFprobe: ffprobe}, nil
}

func resolve(explicit, name string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", apperr.System(fmt.Sprintf("%s not found at %s", name, explicit), err)
		}
		return explicit, nil
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", apperr.System(fmt.Sprintf("%s not found on PATH; install it or set its path explicitly", name), nil)
}

// RunResult reports one tool invocation.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

// Runner executes media tool commands.
type Runner interface {
	// Run invokes ffmpeg with the given arguments.
	Run(ctx context.Context, args ...string) (RunResult, error)
	// Probe returns stream metadata for a media file.
	Probe(ctx context.Context, path string) (ProbeInfo, error)
}

// SubprocessRunner shells out to the resolved binaries.
type SubprocessRunner struct {
	tools Tools
}

// NewRunner wraps the discovered tools.
func NewRunner(tools Tools) *SubprocessRunner {
	return &SubprocessRunner{tools: tools}
}

// Run executes ffmpeg. A non-zero exit code is returned as an error carrying
// the stderr tail.
func (r *SubprocessRunner) Run(ctx context.Context, args ...string) (RunResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.tools.FFmpeg, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = io.Discard

	slog.Debug("running ffmpeg", "args", strings.Join(args, " "))
	err := cmd.Run()
	res := RunResult{
		ExitCode:   cmd.ProcessState.ExitCode(),
		StderrTail: stderrBuf.String(),
		Duration:   time.Since(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, apperr.System(
			fmt.Sprintf("ffmpeg exited with code %d: %s", res.ExitCode, tail(res.StderrTail, 512)),
			err)
	}
	return res, nil
}

// ProbeInfo is the metadata extracted from an ffprobe run.
type ProbeInfo struct {
	DurationS  float64 `json:"duration_s"`
	SizeBytes  int64   `json:"size_bytes"`
	BitrateBPS int64   `json:"bitrate_bps"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	VideoCodec string  `json:"video_codec,omitempty"`
	HasAudio   bool    `json:"has_audio"`
	AudioCodec string  `json:"audio_codec,omitempty"`
}

// ffprobe's JSON shape, strings where you'd expect numbers.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe runs ffprobe against a media file and flattens its report.
func (r *SubprocessRunner) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, r.tools.FFprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)

	var stdout bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ProbeInfo{}, ctx.Err()
		}
		return ProbeInfo{}, apperr.System(
			fmt.Sprintf("ffprobe failed for %s: %s", path, tail(stderrBuf.String(), 512)), err)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return ProbeInfo{}, apperr.System(fmt.Sprintf("cannot parse ffprobe output for %s", path), err)
	}

	info := ProbeInfo{
		DurationS:  parseFloat(out.Format.Duration),
		SizeBytes:  parseInt(out.Format.Size),
		BitrateBPS: parseInt(out.Format.BitRate),
	}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			info.Width = s.Width
			info.Height = s.Height
			info.VideoCodec = s.CodecName
			info.FPS = parseFrameRate(s.AvgFrameRate)
		case "audio":
			info.HasAudio = true
			info.AudioCodec = s.CodecName
		}
	}
	return info, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// parseFrameRate converts ffprobe's "num/den" rate into frames per second.
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	if !found {
		return parseFloat(s)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last `limit` bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		keep := lw.w.Bytes()[lw.w.Len()-lw.limit:]
		trimmed := make([]byte, lw.limit)
		copy(trimmed, keep)
		lw.w.Reset()
		lw.w.Write(trimmed)
	}
	return n, nil
}
