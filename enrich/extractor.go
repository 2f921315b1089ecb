package enrich

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Extractor reads the text visible in an image file.
type Extractor interface {
	ExtractText(ctx context.Context, imagePath string) (string, error)
}

// Func adapts a plain function to Extractor.
type Func func(ctx context.Context, imagePath string) (string, error)

func (f Func) ExtractText(ctx context.Context, imagePath string) (string, error) {
	return f(ctx, imagePath)
}

// Tesseract runs the tesseract CLI installed on the device.
type Tesseract struct {
	Binary   string
	Language string
}

func (t Tesseract) ExtractText(ctx context.Context, imagePath string) (string, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	args := []string{imagePath, "stdout"}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("tesseract: %w: %s", err, msg)
		}
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
