package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basekick-labs/lpdecode/internal/ingest"
	"github.com/basekick-labs/lpdecode/internal/logger"
	"github.com/basekick-labs/lpdecode/internal/output"
	"github.com/basekick-labs/lpdecode/pkg/models"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [line...]",
	Short: "Decode line protocol points",
	Long: `Decode line protocol points into records.

Points are read from the arguments (one point per argument), from the
files given with --file, or from stdin when neither is given. Files may
be gzip or zstd compressed.

Entries that cannot be decoded are left out of their record. --strict
only rejects empty points; add --require-fields to also reject lines
without a measurement or fields.

Examples:
  # Decode one point
  lpdecode decode 'cpu,host=a usage=0.5,count=3i 1700000000000000000'

  # Decode several files, one JSON line per record
  lpdecode decode -f day1.lp -f day2.lp.gz --format jsonl

  # Reject the whole input on the first line without fields
  cat metrics.lp | lpdecode decode --strict --require-fields

  # Follow a file as points are appended
  lpdecode decode -f /var/log/metrics.lp --follow --format pretty`,
	RunE: runDecode,
}

var (
	decodeFiles        []string
	decodeFollow       bool
	decodeStrict       bool
	decodeFormat       string
	decodeSkipComments bool
	decodeRequire      bool
	decodeWorkers      int
)

func init() {
	decodeCmd.Flags().StringArrayVarP(&decodeFiles, "file", "f", nil, "file to decode (repeatable)")
	decodeCmd.Flags().BoolVar(&decodeFollow, "follow", false, "follow the file given with --file and decode appended lines")
	decodeCmd.Flags().BoolVar(&decodeStrict, "strict", false, "fail on empty points instead of printing empty records")
	decodeCmd.Flags().BoolVar(&decodeRequire, "require-fields", false, "treat lines without a measurement or fields as invalid")
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "o", "", "output format: "+strings.Join(output.FormatNames(), ", "))
	decodeCmd.Flags().BoolVar(&decodeSkipComments, "skip-comments", true, "skip lines starting with '#'")
	decodeCmd.Flags().IntVarP(&decodeWorkers, "workers", "w", 0, "files decoded concurrently (default: decoder.workers)")

	rootCmd.AddCommand(decodeCmd)
}

// decodeSettings is the config file merged with the flags the user set
type decodeSettings struct {
	strict        bool
	skipComments  bool
	requireFields bool
	format        output.Format
	workers       int
}

func resolveDecodeSettings(cmd *cobra.Command) (decodeSettings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return decodeSettings{}, err
	}

	s := decodeSettings{
		strict:        cfg.Decoder.Strict,
		skipComments:  cfg.Decoder.SkipComments,
		requireFields: cfg.Decoder.RequireFields,
		workers:       cfg.Decoder.Workers,
	}
	formatName := cfg.Output.Format

	flags := cmd.Flags()
	if flags.Changed("strict") {
		s.strict = decodeStrict
	}
	if flags.Changed("skip-comments") {
		s.skipComments = decodeSkipComments
	}
	if flags.Changed("require-fields") {
		s.requireFields = decodeRequire
	}
	if flags.Changed("workers") {
		if decodeWorkers < 1 {
			return decodeSettings{}, fmt.Errorf("invalid --workers: %d", decodeWorkers)
		}
		s.workers = decodeWorkers
	}
	if flags.Changed("format") {
		formatName = decodeFormat
	}

	s.format, err = output.ParseFormat(formatName)
	if err != nil {
		return decodeSettings{}, err
	}
	return s, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	settings, err := resolveDecodeSettings(cmd)
	if err != nil {
		return err
	}

	batch := ingest.NewBatchDecoder(ingest.BatchOptions{
		Strict:        settings.strict,
		SkipComments:  settings.skipComments,
		RequireFields: settings.requireFields,
	}, logger.Get("decode"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	if decodeFollow {
		if len(decodeFiles) != 1 || len(args) > 0 {
			return errors.New("--follow needs exactly one --file and no arguments")
		}
		return followFile(ctx, out, decodeFiles[0], batch, settings.format)
	}

	if len(args) > 0 && len(decodeFiles) > 0 {
		return errors.New("pass points as arguments or --file, not both")
	}
	if len(args) > 0 {
		return decodeArgs(out, batch, args, settings.format)
	}

	var inputs []decodeInput
	switch {
	case len(decodeFiles) > 0:
		for _, path := range decodeFiles {
			inputs = append(inputs, fileInput(path))
		}
	default:
		inputs = []decodeInput{readerInput("stdin", cmd.InOrStdin())}
	}

	results, err := decodeInputs(ctx, batch, inputs, settings.workers)
	if err != nil {
		return err
	}

	var records []models.Record
	for _, r := range results {
		records = append(records, r...)
	}
	return output.WriteRecords(out, settings.format, records)
}

// decodeArgs decodes each argument as exactly one point with the single-point decoder.
// require-fields does not apply: every argument prints its record, empty or not.
// One argument prints one record rather than a one-element list.
func decodeArgs(w io.Writer, batch *ingest.BatchDecoder, args []string, f output.Format) error {
	records := make([]models.Record, 0, len(args))
	for i, arg := range args {
		rec, err := batch.Decoder().DecodeString(arg)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		records = append(records, rec)
	}

	if len(records) == 1 {
		return output.WriteRecord(w, f, records[0])
	}
	return output.WriteRecords(w, f, records)
}

// decodeInput is one named source of line protocol
type decodeInput struct {
	name string
	read func() ([]byte, error)
}

func fileInput(path string) decodeInput {
	return decodeInput{
		name: path,
		read: func() ([]byte, error) { return os.ReadFile(path) },
	}
}

func readerInput(name string, r io.Reader) decodeInput {
	return decodeInput{
		name: name,
		read: func() ([]byte, error) { return io.ReadAll(r) },
	}
}

// decodeInputs decodes inputs with at most workers running at once.
// Results are returned in input order.
func decodeInputs(ctx context.Context, batch *ingest.BatchDecoder, inputs []decodeInput, workers int) ([][]models.Record, error) {
	if workers < 1 {
		workers = 1
	}
	log := logger.Get("decode")
	results := make([][]models.Record, len(inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			raw, err := in.read()
			if err != nil {
				return fmt.Errorf("%s: %w", in.name, err)
			}
			data, err := ingest.Decompress(raw, "")
			if err != nil {
				return fmt.Errorf("%s: %w", in.name, err)
			}

			records, stats, err := batch.DecodeBatch(data)
			if err != nil {
				return fmt.Errorf("%s: %w", in.name, err)
			}

			ev := log.Debug()
			if stats.Invalid > 0 {
				ev = log.Warn()
			}
			ev.Str("input", in.name).
				Int("lines", stats.Lines).
				Int("records", stats.Records).
				Int("skipped", stats.Skipped).
				Int("invalid", stats.Invalid).
				Msg("Decoded input")

			results[i] = records
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// followFile decodes lines appended to path until ctx is cancelled
func followFile(ctx context.Context, w io.Writer, path string, batch *ingest.BatchDecoder, f output.Format) error {
	if !output.Streamable(f) {
		return fmt.Errorf("format %s cannot be streamed, use jsonl, flat, pretty or msgpack", f)
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer t.Cleanup()

	log := logger.Get("decode").With().Str("file", path).Logger()
	lineNo := 0

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return fmt.Errorf("%s: %w", path, line.Err)
			}
			lineNo++

			records, _, err := batch.DecodeBatch([]byte(line.Text))
			if err != nil {
				var lineErr *ingest.LineError
				if errors.As(err, &lineErr) {
					err = lineErr.Err
				}
				t.Stop()
				return fmt.Errorf("%s:%d: %w", path, lineNo, err)
			}
			if len(records) == 0 {
				log.Debug().Int("line", lineNo).Msg("No record decoded")
				continue
			}

			for _, rec := range records {
				if err := output.WriteRecord(w, f, rec); err != nil {
					t.Stop()
					return err
				}
			}
		}
	}
}
