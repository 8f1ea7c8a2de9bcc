package publisher

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
	"github.com/c360/cartelemetry/pkg/bundle"
)

// DefaultMemInfoPath is read when the subscriber spec leaves path unset.
const DefaultMemInfoPath = "/proc/meminfo"

// meminfoFields maps /proc/meminfo row names to payload keys. Rows not
// listed here are skipped.
var meminfoFields = map[string]string{
	"MemTotal":     "mem_total_kb",
	"MemFree":      "mem_free_kb",
	"MemAvailable": "mem_available_kb",
	"Buffers":      "buffers_kb",
	"Cached":       "cached_kb",
	"SwapTotal":    "swap_total_kb",
	"SwapFree":     "swap_free_kb",
	"Dirty":        "dirty_kb",
	"Slab":         "slab_kb",
}

// newMemInfoPublisher builds the periodic memory pressure publisher. Each
// file path is one stream; values are gauges so no baseline is kept.
func newMemInfoPublisher(deps Deps) Publisher {
	p := newPullPublisher(config.PublisherMemInfo, deps)

	p.keyFor = func(spec config.PublisherSpec) string {
		if spec.Path == "" {
			return DefaultMemInfoPath
		}
		return spec.Path
	}
	p.newPull = func(spec config.PublisherSpec) pullFunc {
		path := spec.Path
		if path == "" {
			path = DefaultMemInfoPath
		}
		return func(ctx context.Context) (*bundle.Bundle, error) {
			return readMemInfo(path)
		}
	}
	return p
}

// readMemInfo parses a meminfo-format file ("MemTotal:  16314728 kB") into
// a payload of gauge values.
func readMemInfo(path string) (*bundle.Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "meminfoPublisher", "readMemInfo", "read "+path)
	}

	b := bundle.New()
	b.PutLong(KeyCollectedAtMillis, nowMillis())

	found := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key, ok := meminfoFields[name]
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		b.PutLong(key, kb)
		found++
	}
	if found == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "meminfoPublisher", "readMemInfo",
			"no recognized rows in "+path)
	}
	return b, nil
}
