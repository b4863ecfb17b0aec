package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newCaptureCmd() *cobra.Command {
	var (
		outDir   string
		sanitize string
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record the raw call event stream to a file for test fixtures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sanitize != "" {
				if err := sanitizeFile(sanitize); err != nil {
					return fmt.Errorf("sanitize: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "sanitized:", sanitize)
				return nil
			}

			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newCTIClient(cfg, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := client.Login(ctx); err != nil {
				return fmt.Errorf("pbx login: %w", err)
			}
			body, err := client.OpenCallStream(ctx)
			if err != nil {
				return err
			}
			defer body.Close()
			return capture(ctx, body, outDir, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&outDir, "outdir", "testdata/captures", "Output directory for captures")
	cmd.Flags().StringVar(&sanitize, "sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	return cmd
}

// capture copies the stream line by line into a timestamped file until the
// stream ends or ctx is cancelled.
func capture(ctx context.Context, body io.Reader, outDir string, status io.Writer) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".sse")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(status, "writing to %s (ctrl+c to stop)\n", filename)

	w := bufio.NewWriter(f)
	defer w.Flush()
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if _, werr := w.WriteString(line); werr != nil {
				return werr
			}
			// flush per line so an interrupted capture keeps what it saw
			if werr := w.Flush(); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

var (
	numberFieldPattern = regexp.MustCompile(`("(?:caller|callee)"\s*:\s*")([^"]*)(")`)
	tokenFieldPattern  = regexp.MustCompile(`("(?:access-token|refresh-token|password)"\s*:\s*")[^"]*(")`)
	bearerPattern      = regexp.MustCompile(`(?i)(Bearer\s+)\S+`)
	digitPattern       = regexp.MustCompile(`\d`)
)

// Numbers up to this many digits are internal extensions and stay readable.
const maxExtensionDigits = 4

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitize(string(data))), 0o644)
}

func sanitize(data string) string {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		line = tokenFieldPattern.ReplaceAllString(line, "${1}REDACTED${2}")
		line = bearerPattern.ReplaceAllString(line, "${1}REDACTED")
		line = numberFieldPattern.ReplaceAllStringFunc(line, func(field string) string {
			m := numberFieldPattern.FindStringSubmatch(field)
			return m[1] + redactNumber(m[2]) + m[3]
		})
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// redactNumber keeps the first four characters (country or area prefix) and
// replaces the remaining digits with 5s, preserving length and separators.
func redactNumber(n string) string {
	if len(digitPattern.FindAllString(n, -1)) <= maxExtensionDigits {
		return n
	}
	const keep = 4
	if len(n) <= keep {
		return n
	}
	return n[:keep] + digitPattern.ReplaceAllString(n[keep:], "5")
}
