package replay

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// MinRows is the minimum history a backtest accepts.
const MinRows = 200

var (
	// ErrInvalidData marks input that cannot be backtested. Callers return an
	// empty result rather than failing.
	ErrInvalidData   = errors.New("invalid backtest data")
	ErrMissingColumn = fmt.Errorf("%w: missing column", ErrInvalidData)
	ErrTooFewRows    = fmt.Errorf("%w: too few rows", ErrInvalidData)
)

var requiredColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// columnAliases maps accepted header spellings to canonical names.
var columnAliases = map[string]string{
	"time":      "timestamp",
	"open time": "timestamp",
	"open_time": "timestamp",
	"date":      "timestamp",
	"datetime":  "timestamp",
}

// LoadCSVFile opens path and parses it with LoadCSV.
func LoadCSVFile(path, symbol, interval string) ([]model.Candle, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer fh.Close()
	return LoadCSV(fh, symbol, interval)
}

// LoadCSV parses OHLCV rows. Header names are matched case-insensitively;
// rows are sorted by timestamp and duplicate timestamps keep the first row.
// Fewer than MinRows valid rows yields ErrTooFewRows.
func LoadCSV(r io.Reader, symbol, interval string) ([]model.Candle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidData, err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}

	var out []model.Candle
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidData, line, err)
		}
		c, err := parseRow(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidData, line, err)
		}
		c.Symbol, c.Interval = symbol, interval
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	dedup := out[:0]
	for _, c := range out {
		if len(dedup) > 0 && c.TS.Equal(dedup[len(dedup)-1].TS) {
			continue
		}
		dedup = append(dedup, c)
	}

	if len(dedup) < MinRows {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewRows, len(dedup), MinRows)
	}
	return dedup, nil
}

func parseRow(rec []string, idx map[string]int) (model.Candle, error) {
	field := func(name string) (string, error) {
		i := idx[name]
		if i >= len(rec) {
			return "", fmt.Errorf("missing %s", name)
		}
		return strings.TrimSpace(rec[i]), nil
	}

	var c model.Candle
	ts, err := field("timestamp")
	if err != nil {
		return c, err
	}
	if c.TS, err = parseTime(ts); err != nil {
		return c, err
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"volume", &c.Volume}} {
		s, err := field(f.name)
		if err != nil {
			return c, err
		}
		if *f.dst, err = strconv.ParseFloat(s, 64); err != nil {
			return c, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if c.High < c.Low {
		return c, fmt.Errorf("high %.8g below low %.8g", c.High, c.Low)
	}
	return c, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime accepts unix seconds, unix milliseconds or common date layouts (UTC).
func parseTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
