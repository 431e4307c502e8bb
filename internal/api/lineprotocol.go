package api

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/basekick-labs/lpdecode/internal/ingest"
	"github.com/basekick-labs/lpdecode/internal/output"
	"github.com/basekick-labs/lpdecode/pkg/lineprotocol"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Batch summary headers set on every successful decode response
const (
	HeaderLines        = "X-Lines"
	HeaderRecords      = "X-Records"
	HeaderSkippedLines = "X-Skipped-Lines"
	HeaderInvalidLines = "X-Invalid-Lines"
)

// DecodeConfig holds the defaults a request can override with query parameters
type DecodeConfig struct {
	Strict        bool
	SkipComments  bool
	RequireFields bool
	Format        output.Format
}

// DecodeHandler decodes line protocol request bodies and returns the records
type DecodeHandler struct {
	strict        bool
	requireFields bool
	skipComments  bool
	format        output.Format
	batches       map[ingest.BatchOptions]*ingest.BatchDecoder // every strict/require_fields pair
	logger        zerolog.Logger

	// Stats
	totalRequests        atomic.Int64
	totalRecords         atomic.Int64
	totalBytes           atomic.Int64
	totalBytesCompressed atomic.Int64
	totalErrors          atomic.Int64
	totalInvalidLines    atomic.Int64
}

// NewDecodeHandler creates a new decode handler
func NewDecodeHandler(cfg DecodeConfig, logger zerolog.Logger) *DecodeHandler {
	format := cfg.Format
	if format == "" {
		format = output.FormatJSON
	}
	batches := make(map[ingest.BatchOptions]*ingest.BatchDecoder, 4)
	for _, strict := range []bool{false, true} {
		for _, needFields := range []bool{false, true} {
			opts := ingest.BatchOptions{Strict: strict, SkipComments: cfg.SkipComments, RequireFields: needFields}
			batches[opts] = ingest.NewBatchDecoder(opts, logger)
		}
	}
	return &DecodeHandler{
		strict:        cfg.Strict,
		requireFields: cfg.RequireFields,
		skipComments:  cfg.SkipComments,
		format:        format,
		batches:       batches,
		logger:        logger,
	}
}

// RegisterRoutes registers decode routes
func (h *DecodeHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/decode", h.Decode)
	app.Post("/api/v1/decode/line", h.DecodeLine)
	app.Post("/api/v1/cast", h.Cast)

	app.Get("/api/v1/decode/stats", h.Stats)
	app.Get("/api/v1/decode/health", h.Health)

	h.logger.Info().Msg("Decode routes registered")
}

// Decode decodes a payload of newline-separated points
// POST /api/v1/decode?strict=true&require_fields=true&format=jsonl
func (h *DecodeHandler) Decode(c *fiber.Ctx) error {
	h.totalRequests.Add(1)

	batch, f, err := h.requestOptions(c)
	if err != nil {
		return h.badRequest(c, err.Error())
	}

	data, status, err := h.readBody(c)
	if err != nil {
		h.totalErrors.Add(1)
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	records, stats, err := batch.DecodeBatch(data)
	h.totalInvalidLines.Add(int64(stats.Invalid))
	if err != nil {
		h.totalErrors.Add(1)
		resp := fiber.Map{"error": err.Error(), "stats": stats}
		var lineErr *ingest.LineError
		if errors.As(err, &lineErr) {
			resp["line"] = lineErr.Line
		}
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	h.totalRecords.Add(int64(len(records)))

	var buf bytes.Buffer
	if err := output.WriteRecords(&buf, f, records); err != nil {
		h.totalErrors.Add(1)
		h.logger.Error().Err(err).Str("format", string(f)).Msg("Failed to encode records")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode records: " + err.Error(),
		})
	}

	c.Set(HeaderLines, strconv.Itoa(stats.Lines))
	c.Set(HeaderRecords, strconv.Itoa(stats.Records))
	c.Set(HeaderSkippedLines, strconv.Itoa(stats.Skipped))
	c.Set(HeaderInvalidLines, strconv.Itoa(stats.Invalid))
	c.Set(fiber.HeaderContentType, output.ContentType(f))
	return c.Send(buf.Bytes())
}

// DecodeLine decodes exactly one point. With diagnostics=true the response also lists
// every entry dropped while decoding.
// POST /api/v1/decode/line?strict=true&diagnostics=true
func (h *DecodeHandler) DecodeLine(c *fiber.Ctx) error {
	h.totalRequests.Add(1)

	batch, f, err := h.requestOptions(c)
	if err != nil {
		return h.badRequest(c, err.Error())
	}

	data, status, err := h.readBody(c)
	if err != nil {
		h.totalErrors.Add(1)
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	line := strings.TrimRight(string(data), "\r\n")
	rec, err := batch.Decoder().DecodeString(line)
	if err != nil {
		return h.badRequest(c, err.Error())
	}
	if !rec.IsEmpty() {
		h.totalRecords.Add(1)
	}

	if c.QueryBool("diagnostics") {
		clean, _ := lineprotocol.SanitizeUTF8(line)
		_, dropped := lineprotocol.Split(clean)
		entries := make([]fiber.Map, 0, len(dropped))
		for _, d := range dropped {
			entry := fiber.Map{"error": d.Error()}
			var ee *lineprotocol.EntryError
			if errors.As(d, &ee) {
				entry["segment"] = ee.Segment
				entry["entry"] = ee.Entry
				entry["error"] = ee.Err.Error()
			}
			entries = append(entries, entry)
		}
		return c.JSON(fiber.Map{
			"record":  rec.AsMap(),
			"dropped": entries,
		})
	}

	var buf bytes.Buffer
	if err := output.WriteRecord(&buf, f, rec); err != nil {
		h.totalErrors.Add(1)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode record: " + err.Error(),
		})
	}

	c.Set(fiber.HeaderContentType, output.ContentType(f))
	return c.Send(buf.Bytes())
}

// Cast types one raw field value
// POST /api/v1/cast
func (h *DecodeHandler) Cast(c *fiber.Ctx) error {
	h.totalRequests.Add(1)

	raw := strings.TrimRight(string(c.Request().Body()), "\r\n")
	v, err := lineprotocol.Cast(raw)
	if err != nil {
		h.totalErrors.Add(1)
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
			"input": raw,
		})
	}

	return c.JSON(fiber.Map{
		"type":  v.Kind().String(),
		"value": v,
	})
}

// Stats returns decode handler statistics
func (h *DecodeHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "success",
		"stats":  h.GetStats(),
	})
}

// Health returns health status
func (h *DecodeHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"service":        "line_protocol_decoder",
		"strict":         h.strict,
		"require_fields": h.requireFields,
		"format":         h.format,
	})
}

// GetStats returns stats as a map (for programmatic access)
func (h *DecodeHandler) GetStats() map[string]int64 {
	return map[string]int64{
		"total_requests":         h.totalRequests.Load(),
		"total_records":          h.totalRecords.Load(),
		"total_bytes":            h.totalBytes.Load(),
		"total_bytes_compressed": h.totalBytesCompressed.Load(),
		"total_errors":           h.totalErrors.Load(),
		"total_invalid_lines":    h.totalInvalidLines.Load(),
	}
}

// requestOptions resolves the strict, require_fields and format query parameters against
// the defaults
func (h *DecodeHandler) requestOptions(c *fiber.Ctx) (*ingest.BatchDecoder, output.Format, error) {
	strict, err := queryBool(c, "strict", h.strict)
	if err != nil {
		return nil, "", err
	}
	needFields, err := queryBool(c, "require_fields", h.requireFields)
	if err != nil {
		return nil, "", err
	}

	f := h.format
	if name := c.Query("format"); name != "" {
		parsed, err := output.ParseFormat(name)
		if err != nil {
			return nil, "", err
		}
		f = parsed
	}

	opts := ingest.BatchOptions{Strict: strict, SkipComments: h.skipComments, RequireFields: needFields}
	return h.batches[opts], f, nil
}

func queryBool(c *fiber.Ctx, key string, def bool) (bool, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.New("invalid " + key + " parameter: " + s)
	}
	return v, nil
}

// readBody returns the decompressed request body, or the status to reply with
func (h *DecodeHandler) readBody(c *fiber.Ctx) ([]byte, int, error) {
	// Request().Body() returns the raw bytes; c.Body() would decompress gzip on its own
	body := c.Request().Body()
	h.totalBytes.Add(int64(len(body)))

	if len(body) == 0 {
		return nil, fiber.StatusBadRequest, errors.New("Empty request body")
	}

	encoding := c.Get(fiber.HeaderContentEncoding)
	if encoding != "" || ingest.IsGzip(body) || ingest.IsZstd(body) {
		h.totalBytesCompressed.Add(int64(len(body)))
	}

	data, err := ingest.Decompress(body, encoding)
	if err != nil {
		if errors.Is(err, ingest.ErrPayloadTooLarge) {
			return nil, fiber.StatusRequestEntityTooLarge, err
		}
		h.logger.Error().Err(err).Str("content_encoding", encoding).Msg("Failed to decompress request body")
		return nil, fiber.StatusBadRequest, errors.New("Failed to decompress payload: " + err.Error())
	}

	if len(data) == 0 {
		return nil, fiber.StatusBadRequest, errors.New("Empty request body")
	}
	return data, 0, nil
}

func (h *DecodeHandler) badRequest(c *fiber.Ctx, msg string) error {
	h.totalErrors.Add(1)
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
