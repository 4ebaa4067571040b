package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/paged"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
	"github.com/23skdu/longbow-pagedattn/internal/tensorio"
)

func genCmd() *cli.Command {
	var (
		out                         string
		batch, heads, kvHeads       int64
		headDim, pageSize, pagesSeq int64
		totalPages, seed            int64
		lengths, dtype              string
	)

	return &cli.Command{
		Name:  "gen",
		Usage: "Generate a random paged attention problem as an Arrow IPC file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path", Value: "problem.arrow", Destination: &out},
			&cli.Int64Flag{Name: "batch", Usage: "number of sequences", Value: 2, Destination: &batch},
			&cli.Int64Flag{Name: "heads", Usage: "query heads", Value: 8, Destination: &heads},
			&cli.Int64Flag{Name: "kv-heads", Usage: "key/value heads", Value: 2, Destination: &kvHeads},
			&cli.Int64Flag{Name: "head-dim", Usage: "head dimension", Value: 64, Destination: &headDim},
			&cli.Int64Flag{Name: "page-size", Usage: "positions per page", Value: 16, Destination: &pageSize},
			&cli.Int64Flag{Name: "pages-per-seq", Usage: "page table width", Value: 8, Destination: &pagesSeq},
			&cli.Int64Flag{Name: "total-pages", Usage: "arena size in pages (default batch*pages-per-seq)", Destination: &totalPages},
			&cli.StringFlag{Name: "lengths", Usage: "comma separated sequence lengths (default random)", Destination: &lengths},
			&cli.StringFlag{Name: "dtype", Usage: "float32 or float16", Value: "float32", Destination: &dtype},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			dt, err := tensor.ParseDType(dtype)
			if err != nil || !dt.IsFloat() {
				return fmt.Errorf("dtype must be float32 or float16, got %q", dtype)
			}
			lens, err := parseLengths(lengths)
			if err != nil {
				return err
			}

			in, err := paged.GenerateProblem(paged.ProblemSpec{
				Batch:            int(batch),
				QueryHeads:       int(heads),
				KVHeads:          int(kvHeads),
				HeadDim:          int(headDim),
				PageSize:         int(pageSize),
				PagesPerSequence: int(pagesSeq),
				TotalPages:       int(totalPages),
				Lengths:          lens,
				DType:            dt,
			}, rand.New(rand.NewSource(seed)))
			if err != nil {
				return err
			}
			if err := tensorio.SaveFile(out, tensorio.FromInputs(in)); err != nil {
				return err
			}
			logger.Log.Info("problem written", "path", out, "batch", batch, "lengths", in.Lengths.Int32s())
			return nil
		},
	}
}

// parseLengths parses "3,0,17". An empty string yields nil.
func parseLengths(s string) ([]int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid length %q: %w", p, err)
		}
		out = append(out, int32(v))
	}
	return out, nil
}
