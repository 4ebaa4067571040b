package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-pagedattn/internal/config"
	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/paged"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
	"github.com/23skdu/longbow-pagedattn/internal/tensorio"
)

// Summary is the machine readable result of run, verify and client.
type Summary struct {
	RunID      string  `json:"run_id"`
	Input      string  `json:"input"`
	Batch      int     `json:"batch"`
	Heads      int     `json:"heads"`
	HeadDim    int     `json:"head_dim"`
	DType      string  `json:"dtype"`
	Megacore   string  `json:"megacore"`
	Inline     bool    `json:"inline_seq_dim"`
	Chain      bool    `json:"chain_cells"`
	DurationMs float64 `json:"duration_ms"`
	Checksum   float64 `json:"checksum"`
	MaxAbsDiff float64 `json:"max_abs_diff,omitempty"`
	Tolerance  float64 `json:"tolerance,omitempty"`
	Passed     *bool   `json:"passed,omitempty"`
}

func newSummary(input string, cfg config.Config, out *tensor.Tensor, elapsed time.Duration) Summary {
	sum := 0.0
	for _, v := range out.ToFloat32() {
		sum += float64(v)
	}
	return Summary{
		RunID:      uuid.NewString(),
		Input:      input,
		Batch:      out.Dim(0),
		Heads:      out.Dim(1),
		HeadDim:    out.Dim(2),
		DType:      out.DType().String(),
		Megacore:   cfg.Options().Megacore.String(),
		Inline:     cfg.InlineSeqDim,
		Chain:      cfg.ChainCells,
		DurationMs: float64(elapsed.Nanoseconds()) / 1e6,
		Checksum:   sum,
	}
}

func printSummary(s Summary, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	}
	fmt.Printf("run %s: batch=%d heads=%d head_dim=%d dtype=%s megacore=%s in %.3f ms (checksum %.6f)\n",
		s.RunID, s.Batch, s.Heads, s.HeadDim, s.DType, s.Megacore, s.DurationMs, s.Checksum)
	if s.Passed != nil {
		fmt.Printf("max |kernel - reference| = %.3g (tolerance %.3g): passed=%v\n", s.MaxAbsDiff, s.Tolerance, *s.Passed)
	}
	return nil
}

// loadInputs reads a problem file and checks its page ids.
func loadInputs(path string) (paged.Inputs, error) {
	frame, err := tensorio.LoadFile(path)
	if err != nil {
		return paged.Inputs{}, err
	}
	in := frame.Inputs()
	if err := paged.ValidatePageIndices(in); err != nil {
		return paged.Inputs{}, err
	}
	return in, nil
}

func runCmd() *cli.Command {
	var (
		input, output string
		asJSON        bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run paged attention on a problem file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "problem file", Value: "problem.arrow", Destination: &input},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the output tensor to this file", Destination: &output},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON summary", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			in, err := loadInputs(input)
			if err != nil {
				return err
			}

			start := time.Now()
			out, err := paged.Attention(ctx, in, cfg.Options())
			if err != nil {
				return err
			}
			summary := newSummary(input, cfg, out, time.Since(start))

			if output != "" {
				if err := tensorio.SaveFile(output, tensorio.NewFrame().Add(tensorio.NameOut, out)); err != nil {
					return err
				}
				logger.Log.Info("output written", "path", output, "run_id", summary.RunID)
			}
			return printSummary(summary, asJSON)
		},
	}
}

func verifyCmd() *cli.Command {
	var (
		input     string
		tolerance float64
		asJSON    bool
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Compare the streaming kernel with dense attention on a problem file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "problem file", Value: "problem.arrow", Destination: &input},
			&cli.Float64Flag{Name: "tolerance", Usage: "maximum absolute difference", Value: 1e-4, Destination: &tolerance},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON summary", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			in, err := loadInputs(input)
			if err != nil {
				return err
			}

			start := time.Now()
			out, err := paged.Attention(ctx, in, cfg.Options())
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			ref, err := paged.Reference(in, cfg.PagesPerComputeBlock)
			if err != nil {
				return err
			}

			got, want := out.ToFloat32(), ref.Float32s()
			maxDiff := 0.0
			for i := range want {
				maxDiff = math.Max(maxDiff, math.Abs(float64(got[i]-want[i])))
			}
			passed := maxDiff <= tolerance

			summary := newSummary(input, cfg, out, elapsed)
			summary.MaxAbsDiff = maxDiff
			summary.Tolerance = tolerance
			summary.Passed = &passed
			if err := printSummary(summary, asJSON); err != nil {
				return err
			}
			if !passed {
				return fmt.Errorf("kernel differs from reference by %.3g (tolerance %.3g)", maxDiff, tolerance)
			}
			return nil
		},
	}
}
