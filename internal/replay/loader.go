package replay

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/market"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// barSchema accepts numbers either as JSON numbers or numeric strings, and
// times as epoch milliseconds or RFC3339 strings.
const barSchema = `{
  "type": "object",
  "required": ["instrument", "close_time", "open", "high", "low", "close", "volume"],
  "properties": {
    "instrument": {"type": "string", "minLength": 1},
    "interval":   {"type": "string"},
    "open_time":  {"type": ["integer", "string"]},
    "close_time": {"type": ["integer", "string"]},
    "open":   {"type": ["number", "string"]},
    "high":   {"type": ["number", "string"]},
    "low":    {"type": ["number", "string"]},
    "close":  {"type": ["number", "string"]},
    "volume": {"type": ["number", "string"]}
  }
}`

var compiledBarSchema = mustCompileSchema(barSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bar.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("bar.json")
}

// LoadJSONL reads one bar per line. Blank lines and lines starting with #
// are skipped.
func LoadJSONL(path string) ([]market.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var bars []market.Bar
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		bar, err := ParseBar(raw)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		bars = append(bars, bar)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return bars, nil
}

// LoadFiles loads several JSONL files concurrently and returns all bars in
// replay order.
func LoadFiles(ctx context.Context, paths []string) ([]market.Bar, error) {
	results := make([][]market.Bar, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bars, err := LoadJSONL(p)
			if err != nil {
				return err
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []market.Bar
	for _, r := range results {
		all = append(all, r...)
	}
	return SortBars(all), nil
}

// ParseBar decodes one JSON bar.
func ParseBar(raw string) (market.Bar, error) {
	if !gjson.Valid(raw) {
		return market.Bar{}, fmt.Errorf("invalid json")
	}
	doc := gjson.Parse(raw)
	if err := compiledBarSchema.Validate(doc.Value()); err != nil {
		return market.Bar{}, fmt.Errorf("bar schema: %w", err)
	}
	closeTime, err := parseTime(doc.Get("close_time"))
	if err != nil {
		return market.Bar{}, fmt.Errorf("close_time: %w", err)
	}
	var openTime time.Time
	if v := doc.Get("open_time"); v.Exists() {
		if openTime, err = parseTime(v); err != nil {
			return market.Bar{}, fmt.Errorf("open_time: %w", err)
		}
	}
	bar := market.Bar{
		Instrument: market.NormalizeInstrument(doc.Get("instrument").String()),
		Interval:   doc.Get("interval").String(),
		OpenTime:   openTime,
		CloseTime:  closeTime,
	}
	fields := []struct {
		key string
		dst *float64
	}{
		{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low}, {"close", &bar.Close}, {"volume", &bar.Volume},
	}
	for _, f := range fields {
		v, err := parseNumber(doc.Get(f.key))
		if err != nil {
			return market.Bar{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}
	return bar, nil
}

func parseNumber(v gjson.Result) (float64, error) {
	if v.Type == gjson.Number {
		return v.Float(), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
}

func parseTime(v gjson.Result) (time.Time, error) {
	if v.Type == gjson.Number {
		return time.UnixMilli(v.Int()).UTC(), nil
	}
	s := strings.TrimSpace(v.String())
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
