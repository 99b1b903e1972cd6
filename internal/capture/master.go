package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Concat joins the segments into one master artifact at outPath. ffmpeg's
// concat demuxer is tried first; plain WAV concatenation is the fallback.
// When outPath ends in .mp3 the joined WAV is encoded with ffmpeg, then lame,
// and the WAV is kept if neither encoder works. The returned path is the
// artifact actually written.
func (f *FFmpeg) Concat(ctx context.Context, segments []string, outPath string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("concat: no segments")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("create master directory: %w", err)
	}

	wavPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".wav"
	if err := f.concatWithFFmpeg(ctx, segments, wavPath); err != nil {
		slog.Warn("ffmpeg concat failed, joining wav files directly", "error", err)
		if err := concatWAV(segments, wavPath); err != nil {
			return "", fmt.Errorf("concat wav fallback: %w", err)
		}
	}

	if strings.EqualFold(filepath.Ext(outPath), ".mp3") {
		sampleRate := f.SampleRate
		if sampleRate <= 0 {
			sampleRate = defaultSampleRate
		}
		if err := f.encodeMP3(ctx, wavPath, outPath, sampleRate); err != nil {
			slog.Warn("mp3 encode failed, keeping wav master", "error", err)
			return wavPath, nil
		}
		_ = os.Remove(wavPath)
		return outPath, nil
	}
	return wavPath, nil
}

func (f *FFmpeg) concatWithFFmpeg(ctx context.Context, segments []string, outPath string) error {
	listPath := outPath + ".txt"
	var b strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer func() { _ = os.Remove(listPath) }()

	cmd := exec.CommandContext(ctx, f.Binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (f *FFmpeg) encodeMP3(ctx context.Context, wavPath, mp3Path string, sampleRate int) error {
	if err := exec.CommandContext(ctx, f.Binary, "-y", "-loglevel", "error", "-i", wavPath, mp3Path).Run(); err == nil {
		return nil
	}

	khz := strconv.FormatFloat(float64(sampleRate)/1000.0, 'f', -1, 64)
	cmd := exec.CommandContext(ctx, "lame", "--resample", khz, "-m", "m", wavPath, mp3Path)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("lame encode: %w", err)
	}
	return nil
}

// Duration measures an artifact with ffprobe, falling back to the WAV header.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, f.Probe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err == nil {
		if secs, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64); perr == nil && secs >= 0 {
			return secs, nil
		}
	}

	info, werr := readWAVInfo(path)
	if werr != nil {
		if err == nil {
			err = fmt.Errorf("unparseable ffprobe output %q", strings.TrimSpace(string(out)))
		}
		return 0, fmt.Errorf("measure duration of %s: ffprobe: %v; wav header: %w", path, err, werr)
	}
	return info.seconds(), nil
}
