package capture

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	EnhanceOff     = "off"
	EnhanceSpeech  = "speech"
	EnhanceDenoise = "denoise"
)

var enhanceFilters = map[string]string{
	EnhanceSpeech:  "highpass=f=80,lowpass=f=8000,loudnorm=I=-16:TP=-1.5:LRA=11",
	EnhanceDenoise: "afftdn=nf=-25,loudnorm=I=-16:TP=-1.5:LRA=11",
}

// ValidEnhanceProfile reports whether profile names a known enhancement profile.
func ValidEnhanceProfile(profile string) bool {
	if profile == "" || profile == EnhanceOff {
		return true
	}
	_, ok := enhanceFilters[profile]
	return ok
}

// Enhance writes a filtered copy of inPath next to it and returns that path.
// With profile off (or empty) it returns inPath unchanged. The caller owns
// cleanup of the returned file when it differs from inPath.
func (f *FFmpeg) Enhance(ctx context.Context, profile, inPath string) (string, error) {
	if profile == "" || profile == EnhanceOff {
		return inPath, nil
	}
	filter, ok := enhanceFilters[profile]
	if !ok {
		return "", fmt.Errorf("unknown enhancement profile %q", profile)
	}

	sampleRate := f.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	ext := filepath.Ext(inPath)
	outPath := strings.TrimSuffix(inPath, ext) + "." + profile + ext
	cmd := exec.CommandContext(ctx, f.Binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", inPath,
		"-af", filter,
		"-ac", strconv.Itoa(pcmChannels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("enhance %s with %s: %w: %s", inPath, profile, err, strings.TrimSpace(string(out)))
	}
	return outPath, nil
}
