package server

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// Fetcher downloads the audio of a remote URL into dir and returns the path
// of the downloaded file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir, name string) (string, error)
}

// YTDLP fetches audio with the yt-dlp command line tool, extracting an mp3.
type YTDLP struct {
	Bin string // defaults to yt-dlp on PATH
}

func (y YTDLP) Fetch(ctx context.Context, rawURL, dir, name string) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}
	bin := y.Bin
	if bin == "" {
		bin = "yt-dlp"
	}

	out := filepath.Join(dir, name+".mp3")
	cmd := exec.CommandContext(ctx, bin,
		"--no-playlist",
		"--format", "bestaudio/best",
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"--output", filepath.Join(dir, name+".%(ext)s"),
		rawURL,
	)
	if msg, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("yt-dlp %s: %w: %s", rawURL, err, msg)
	}
	if _, err := os.Stat(out); err != nil {
		return "", errs.FromFS("fetch", out, err)
	}
	return out, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid url %q: want an http or https address", rawURL)
	}
	return nil
}
