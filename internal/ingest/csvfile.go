package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/config"
	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/normalize"
	"github.com/kasparro/coinetl/internal/persistence"
)

// csvNumericColumns are parsed into numbers when the cell is non-empty.
var csvNumericColumns = map[string]bool{
	"price_usd":          true,
	"market_cap_usd":     true,
	"volume_24h_usd":     true,
	"percent_change_24h": true,
}

// CSVFile ingests a local CSV file incrementally. The checkpoint value is
// the count of data rows already consumed; each fetch resumes past it and
// never rereads earlier rows, even when the file shrinks.
type CSVFile struct {
	path        string
	batchSize   int
	raw         persistence.RawRepo
	checkpoints persistence.CheckpointsRepo
	logger      zerolog.Logger

	mu        sync.Mutex
	fetchBase int
}

// NewCSVFile builds the CSV source from runtime configuration.
func NewCSVFile(cfg *config.Config, raw persistence.RawRepo, checkpoints persistence.CheckpointsRepo) *CSVFile {
	return &CSVFile{
		path:        cfg.CSVDataPath,
		batchSize:   cfg.BatchSize,
		raw:         raw,
		checkpoints: checkpoints,
		logger:      logpkg.Component("source").With().Str("source", persistence.SourceCSV).Logger(),
	}
}

func (s *CSVFile) Name() string { return persistence.SourceCSV }

// lastRow reads the consumed-row cursor, treating a missing or unparsable
// checkpoint as zero.
func (s *CSVFile) lastRow(ctx context.Context) (int, error) {
	cp, err := s.checkpoints.Get(ctx, persistence.SourceCSV)
	if err != nil {
		return 0, fmt.Errorf("read csv checkpoint: %w", err)
	}
	if cp == nil || !cp.CheckpointValue.Valid {
		return 0, nil
	}
	value := strings.TrimSpace(cp.CheckpointValue.String)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		s.logger.Warn().Str("checkpoint_value", value).Msg("ignoring unparsable csv checkpoint")
		return 0, nil
	}
	return n, nil
}

// Fetch reads the data rows past the checkpoint, up to the batch size. A
// missing file is an empty batch, not an error.
func (s *CSVFile) Fetch(ctx context.Context) ([]map[string]interface{}, error) {
	s.logger.Info().Str("path", s.path).Msg("reading data from CSV")

	last, err := s.lastRow(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.fetchBase = last
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("path", s.path).Msg("CSV file not found")
			return []map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("open csv %s: %w", s.path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	records := make([]map[string]interface{}, 0)
	rowIdx := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rowIdx++
		if rowIdx <= last {
			continue
		}
		if s.batchSize > 0 && len(records) >= s.batchSize {
			break
		}
		records = append(records, csvRecord(header, row))
	}

	s.logger.Info().Int("count", len(records)).Int("last_row", last).Msg("read data from CSV")
	return records, nil
}

// csvRecord zips one row against the header. Known numeric columns are
// parsed; an empty cell leaves the key absent so downstream sees a null.
func csvRecord(header, row []string) map[string]interface{} {
	record := make(map[string]interface{}, len(header))
	for i, column := range header {
		if i >= len(row) || column == "" {
			continue
		}
		cell := strings.TrimSpace(row[i])
		if cell == "" {
			continue
		}
		if csvNumericColumns[column] {
			if f, err := strconv.ParseFloat(cell, 64); err == nil {
				record[column] = f
				continue
			}
			// Unparsable numerics stay strings so validation can reject
			// the record instead of silently dropping the value.
		}
		record[column] = cell
	}
	return record
}

// Validate applies the structural rules for a CSV row.
func (s *CSVFile) Validate(record map[string]interface{}) bool {
	if _, ok := requiredString(record, "symbol"); !ok {
		s.logger.Warn().Interface("record", record).Msg("validation failed: missing symbol")
		return false
	}
	if _, ok := requiredString(record, "name"); !ok {
		s.logger.Warn().Interface("record", record).Msg("validation failed: missing name")
		return false
	}
	return numericFieldsValid(s.logger, record,
		"price_usd", "market_cap_usd", "volume_24h_usd", "percent_change_24h")
}

// SaveRaw archives the valid rows of a batch into raw_csv. Row numbers
// continue from the checkpoint captured at fetch time so the (source_file,
// row_number) key stays stable across reruns.
func (s *CSVFile) SaveRaw(ctx context.Context, records []map[string]interface{}, ts time.Time) (int, error) {
	s.mu.Lock()
	base := s.fetchBase
	s.mu.Unlock()

	rows := make([]persistence.RawCSVRow, 0, len(records))
	for idx, record := range records {
		if !s.Validate(record) {
			continue
		}
		rawJSON, err := json.Marshal(record)
		if err != nil {
			s.logger.Warn().Err(err).Int("row_number", base+idx+1).Msg("failed to encode raw record")
			continue
		}
		symbol, _ := requiredString(record, "symbol")
		name, _ := requiredString(record, "name")
		rows = append(rows, persistence.RawCSVRow{
			Symbol:           symbol,
			Name:             name,
			PriceUSD:         numberOrNull(record["price_usd"]),
			MarketCapUSD:     numberOrNull(record["market_cap_usd"]),
			Volume24hUSD:     numberOrNull(record["volume_24h_usd"]),
			PercentChange24h: numberOrNull(record["percent_change_24h"]),
			RawData:          rawJSON,
			SourceFile:       s.path,
			RowNumber:        base + idx + 1,
			DataTimestamp:    ts,
		})
	}

	saved, err := s.raw.InsertCSVBatch(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("save raw csv data: %w", err)
	}
	s.logger.Info().Int("saved_count", saved).Int("total", len(records)).Msg("saved raw CSV data")
	return saved, nil
}

// Normalize converts one row into the unified form.
func (s *CSVFile) Normalize(record map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error) {
	return normalize.CSV(record, ts)
}

// NextCheckpoint advances the consumed-row cursor by the fetched count.
func (s *CSVFile) NextCheckpoint(ctx context.Context, _ time.Time, fetched int) (string, error) {
	last, err := s.lastRow(ctx)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(last + fetched), nil
}
