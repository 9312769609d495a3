// Package export renders series points as CSV and parses them back. The
// format is stable: a header row, RFC3339 UTC timestamps, rows ascending by
// timestamp.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rewired-gh/marketledger/internal/models"
)

// WriteSeries writes points for one series with the header
// "timestamp_utc,value".
func WriteSeries(w io.Writer, points []models.Point) error {
	sorted := make([]models.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp_utc", "value"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range sorted {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(p.Value, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write point: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSeriesAll writes points for one variable across characters with the
// header "timestamp_utc,value,character_id".
func WriteSeriesAll(w io.Writer, rows []models.SeriesPoint) error {
	sorted := make([]models.SeriesPoint, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp_utc", "value", "character_id"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range sorted {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(p.Value, 10),
			strconv.FormatUint(p.CharacterID, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write point: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadSeries parses CSV produced by WriteSeries. The header row is required;
// extra columns (such as character_id) are ignored.
func ReadSeries(r io.Reader) ([]models.Point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 || header[0] != "timestamp_utc" || header[1] != "value" {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	var points []models.Point
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: want at least 2 fields, got %d", line, len(record))
		}

		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp: %w", line, err)
		}
		value, err := strconv.ParseInt(record[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad value: %w", line, err)
		}
		points = append(points, models.Point{Timestamp: ts.UTC(), Value: value})
	}
	return points, nil
}
