package main

import (
	"fmt"
	"io"
	"time"

	"flux_backend/predictor"
	"flux_backend/shutdown"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPredictCmd() *cobra.Command {
	defaults := predictor.DefaultRequest()

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run one prediction and print the artifact paths",
		Example: `  flux_backend predict -p "a lighthouse at dusk" --aspect-ratio 16:9
  flux_backend predict -p "same scene, winter" --image ./seed.png --prompt-strength 0.6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := requestFromFlags(cmd)
			if err := req.Validate(); err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = uuid.NewString()
			} else if err := predictor.ValidateID(id); err != nil {
				return err
			}

			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}

			mgr := shutdown.NewManager(logger)
			mgr.Start()
			mgr.Register("log sync", shutdown.PriorityLogSync, shutdown.LogSync(logger))
			defer mgr.Shutdown()

			p, err := predictor.Setup(mgr.Context(), cfg, logger, predictor.SetupOptions{})
			if err != nil {
				return setupFailed(err)
			}
			mgr.Register("predictor", shutdown.PriorityPredictor, shutdown.Predictor(p))

			res, err := p.Predict(mgr.Context(), id, req)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringP("prompt", "p", "", "Prompt for the generated image")
	f.String("aspect-ratio", defaults.AspectRatio, "Aspect ratio, ignored when --image is set")
	f.String("image", "", "Seed image path, URL or data URI for image-to-image")
	f.Float64("prompt-strength", defaults.PromptStrength, "How far the result may move from the seed image (0-1)")
	f.IntP("num-outputs", "n", defaults.NumOutputs, "Number of images (1-4)")
	f.Int("steps", defaults.NumInferenceSteps, "Denoising steps (1-50)")
	f.Float64("guidance", defaults.GuidanceScale, "Guidance scale (0-10)")
	f.Int64("seed", -1, "Random seed, negative picks one")
	f.String("output-format", defaults.OutputFormat, "webp, jpg or png")
	f.Int("output-quality", defaults.OutputQuality, "Encoder quality (0-100), ignored for png")
	f.StringSlice("lora", defaults.HFLoras, "Adapter weights files or URLs")
	f.Float64Slice("lora-scale", nil, "Scale per adapter; one value applies to all")
	f.Bool("disable-safety-checker", false, "Skip the safety filter")
	f.Int("target-width", defaults.TargetWidth, "Final output width")
	f.Int("target-height", defaults.TargetHeight, "Final output height")
	f.String("id", "", "Prediction id, generated when empty")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

// requestFromFlags layers the command's flags over DefaultRequest.
func requestFromFlags(cmd *cobra.Command) predictor.Request {
	f := cmd.Flags()
	req := predictor.DefaultRequest()

	req.Prompt, _ = f.GetString("prompt")
	req.AspectRatio, _ = f.GetString("aspect-ratio")
	req.Image, _ = f.GetString("image")
	req.PromptStrength, _ = f.GetFloat64("prompt-strength")
	req.NumOutputs, _ = f.GetInt("num-outputs")
	req.NumInferenceSteps, _ = f.GetInt("steps")
	req.GuidanceScale, _ = f.GetFloat64("guidance")
	req.OutputFormat, _ = f.GetString("output-format")
	req.OutputQuality, _ = f.GetInt("output-quality")
	req.HFLoras, _ = f.GetStringSlice("lora")
	req.DisableSafetyChecker, _ = f.GetBool("disable-safety-checker")
	req.TargetWidth, _ = f.GetInt("target-width")
	req.TargetHeight, _ = f.GetInt("target-height")

	if scales, _ := f.GetFloat64Slice("lora-scale"); len(scales) > 0 {
		req.LoraScales = scales
	}
	if seed, _ := f.GetInt64("seed"); seed >= 0 {
		req.Seed = &seed
	}
	return req
}

func printResult(w io.Writer, res *predictor.Result) {
	green := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.FgHiBlack)

	green.Fprintf(w, "✓ %s", res.ID)
	dim.Fprintf(w, " (%s, %dx%d, seed %d, %v)\n",
		res.Mode, res.Width, res.Height, res.Seed, res.PredictTime.Round(time.Millisecond))
	for _, out := range res.Outputs {
		fmt.Fprintf(w, "  output   %s\n", out)
	}
	for _, orig := range res.Originals {
		dim.Fprintf(w, "  original %s\n", orig)
	}
	if res.Rejected > 0 {
		color.New(color.FgYellow).Fprintf(w, "  ! %d image(s) rejected by the safety filter\n", res.Rejected)
	}
}
