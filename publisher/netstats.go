package publisher

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/cartelemetry/config"
	"github.com/c360/cartelemetry/errors"
)

// DefaultQTaguidPath is the kernel's per-UID, per-tag traffic accounting
// table.
const DefaultQTaguidPath = "/proc/net/xt_qtaguid/stats"

// oemManagedTagBit marks traffic tagged by OEM-managed network stacks.
const oemManagedTagBit = int32(1) << 30

// QTaguidSource is the production NetstatsSource, reading per-UID, per-tag
// counter rows from a qtaguid accounting file. Rows are bucketed by
// transport through the interface name and by OEM management through the
// tag's high bit.
type QTaguidSource struct {
	path string
}

// NewQTaguidSource creates a source reading from path ("" means the
// default accounting table).
func NewQTaguidSource(path string) *QTaguidSource {
	if path == "" {
		path = DefaultQTaguidPath
	}
	return &QTaguidSource{path: path}
}

// Summary reads one snapshot for the given transport and OEM bucket.
func (s *QTaguidSource) Summary(_ context.Context, transport, oemType string) (*NetstatsSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.WrapTransient(err, "QTaguidSource", "Summary", "read "+s.path)
	}

	snap := &NetstatsSnapshot{CollectedAt: time.Now()}
	agg := make(map[netstatsKey]int)
	for i, line := range strings.Split(string(data), "\n") {
		if i == 0 || line == "" {
			// Header row.
			continue
		}
		entry, iface, ok := parseQTaguidRow(line)
		if !ok {
			continue
		}
		if transportForInterface(iface) != transport {
			continue
		}
		managed := entry.Tag&oemManagedTagBit != 0
		if managed != (oemType == config.OEMManaged) {
			continue
		}
		key := netstatsKey{entry.UID, entry.Tag}
		if at, seen := agg[key]; seen {
			snap.Entries[at].RxBytes += entry.RxBytes
			snap.Entries[at].TxBytes += entry.TxBytes
			continue
		}
		agg[key] = len(snap.Entries)
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, nil
}

// parseQTaguidRow decodes one accounting row:
//
//	idx iface acct_tag_hex uid_tag_int cnt_set rx_bytes rx_packets tx_bytes tx_packets ...
func parseQTaguidRow(line string) (NetstatsEntry, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return NetstatsEntry{}, "", false
	}
	tag, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
	if err != nil {
		return NetstatsEntry{}, "", false
	}
	uid, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return NetstatsEntry{}, "", false
	}
	rx, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return NetstatsEntry{}, "", false
	}
	tx, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return NetstatsEntry{}, "", false
	}
	return NetstatsEntry{
		UID: int32(uid),
		// The socket tag sits in the upper 32 bits of acct_tag_hex.
		Tag:     int32(uint32(tag >> 32)),
		RxBytes: rx,
		TxBytes: tx,
	}, fields[1], true
}

// transportForInterface maps a kernel interface name onto a transport
// bucket by its conventional prefix.
func transportForInterface(iface string) string {
	switch {
	case strings.HasPrefix(iface, "wlan") || strings.HasPrefix(iface, "wl"):
		return config.TransportWifi
	case strings.HasPrefix(iface, "rmnet") || strings.HasPrefix(iface, "ccmni") ||
		strings.HasPrefix(iface, "wwan"):
		return config.TransportCellular
	case strings.HasPrefix(iface, "eth") || strings.HasPrefix(iface, "en"):
		return config.TransportEthernet
	case strings.HasPrefix(iface, "bt-") || strings.HasPrefix(iface, "bnep"):
		return config.TransportBluetooth
	default:
		return ""
	}
}
