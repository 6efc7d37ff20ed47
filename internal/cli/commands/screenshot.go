package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

func NewScreenshotCommand() *cobra.Command {
	var (
		flags    pageCommandFlags
		selector string
		quality  float64
		output   string
		hooks    []string
	)

	cmd := &cobra.Command{
		Use:   "screenshot <session>",
		Short: "Capture the page or one element",
		Example: `  sweetlink screenshot calm-heron
  sweetlink screenshot calm-heron --selector '#chart' --quality 0.8 -o chart.jpg
  sweetlink screenshot calm-heron --selector '#chart' --hook scrollIntoView --hook waitForIdle`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &protocol.Screenshot{Mode: protocol.ScreenshotFull}
			if selector != "" {
				c.Mode = protocol.ScreenshotElement
				c.Selector = selector
			}
			if cmd.Flags().Changed("quality") {
				c.Quality = &quality
			}
			for _, h := range hooks {
				c.Hooks = append(c.Hooks, protocol.ScreenshotHook{Type: h, Selector: selector})
			}

			result, err := dispatchCommand(cmd, args[0], c, flags)
			if err != nil {
				return err
			}
			if !result.OK || flags.json {
				return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), result, flags.json)
			}

			shot, err := decodeScreenshot(result.Data)
			if err != nil {
				return err
			}
			img, err := base64.StdEncoding.DecodeString(shot.Base64)
			if err != nil {
				return fmt.Errorf("decode screenshot: %w", err)
			}
			if output == "" {
				output = fmt.Sprintf("sweetlink-%s%s", time.Now().Format("20060102-150405"), extensionFor(shot.MimeType))
			}
			if err := os.WriteFile(output, img, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %dx%d %s to %s\n", shot.Width, shot.Height, shot.MimeType, output)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&selector, "selector", "s", "", "Capture only the element matching this selector")
	cmd.Flags().Float64VarP(&quality, "quality", "q", 0.92, "JPEG quality between 0 and 1")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: sweetlink-<time>.<ext>)")
	cmd.Flags().StringSliceVar(&hooks, "hook", nil, "Pre-capture hook: scrollIntoView, waitForSelector, waitForIdle")
	return cmd
}

// decodeScreenshot converts the generic result payload back into its type.
func decodeScreenshot(data any) (protocol.ScreenshotData, error) {
	var shot protocol.ScreenshotData
	raw, err := json.Marshal(data)
	if err != nil {
		return shot, err
	}
	if err := json.Unmarshal(raw, &shot); err != nil {
		return shot, fmt.Errorf("unexpected screenshot payload: %w", err)
	}
	if shot.Base64 == "" {
		return shot, fmt.Errorf("screenshot result carried no image")
	}
	return shot, nil
}

func extensionFor(mime string) string {
	switch {
	case strings.Contains(mime, "jpeg"):
		return ".jpg"
	case strings.Contains(mime, "webp"):
		return ".webp"
	default:
		return ".png"
	}
}
