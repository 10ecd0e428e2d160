package renderer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/manimcat/api/internal/model"
)

var ErrNoOutput = errors.New("render produced no output file")

// Resolution maps a quality tier to the output frame size.
func Resolution(q model.Quality) (int, int) {
	switch q {
	case model.QualityMedium:
		return 1280, 720
	case model.QualityHigh:
		return 1920, 1080
	default:
		return 854, 480
	}
}

// BuildArgs assembles the renderer command line.
func BuildArgs(opts Options, codeFile, mediaDir string) []string {
	w, h := Resolution(opts.Quality)
	args := []string{
		"render",
		"--format", string(opts.Format),
		"--fps", strconv.Itoa(opts.FrameRate),
		"--resolution", fmt.Sprintf("%d,%d", w, h),
		"--media_dir", mediaDir,
	}
	if opts.Format == FormatPNG {
		args = append(args, "-s")
	}
	return append(args, codeFile, opts.SceneName)
}

// findOutput locates the rendered artifact. The renderer writes videos to
// videos/<module>/<height>p<fps>/<Scene>.mp4; anything else is found by walking
// the media dir, skipping partial movie segments.
func findOutput(mediaDir, codeFile string, opts Options) (string, error) {
	ext := "." + string(opts.Format)
	_, h := Resolution(opts.Quality)
	module := strings.TrimSuffix(filepath.Base(codeFile), filepath.Ext(codeFile))

	if opts.Format == FormatMP4 {
		expected := filepath.Join(mediaDir, "videos", module, fmt.Sprintf("%dp%d", h, opts.FrameRate), opts.SceneName+ext)
		if info, err := os.Stat(expected); err == nil && !info.IsDir() {
			return expected, nil
		}
	}

	var named, first string
	err := filepath.WalkDir(mediaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "partial_movie_files" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		if named == "" && strings.HasPrefix(d.Name(), opts.SceneName) {
			named = path
		}
		if first == "" {
			first = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if named != "" {
		return named, nil
	}
	if first != "" {
		return first, nil
	}
	return "", ErrNoOutput
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
