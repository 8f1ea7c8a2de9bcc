package publisher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cartelemetry/config"
)

func writeQTaguidStats(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const qtaguidFixture = `idx iface acct_tag_hex uid_tag_int cnt_set rx_bytes rx_packets tx_bytes tx_packets rx_tcp_bytes rx_tcp_packets
2 wlan0 0x0 1000 0 500 8 120 4 0 0
3 wlan0 0x0 1000 1 250 3 30 1 0 0
4 wlan0 0x100000000 10045 0 900 12 400 6 0 0
5 rmnet0 0x0 1000 0 77 2 11 1 0 0
6 wlan0 0x4000000000000000 10088 0 64 1 16 1 0 0
`

func TestQTaguidSource_SummaryFiltersByTransport(t *testing.T) {
	src := NewQTaguidSource(writeQTaguidStats(t, qtaguidFixture))

	snap, err := src.Summary(context.Background(), config.TransportWifi, config.OEMNone)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)

	// Both counter sets of uid 1000 collapse into one row.
	assert.Equal(t, int32(1000), snap.Entries[0].UID)
	assert.Equal(t, int64(750), snap.Entries[0].RxBytes)
	assert.Equal(t, int64(150), snap.Entries[0].TxBytes)

	assert.Equal(t, int32(10045), snap.Entries[1].UID)
	assert.Equal(t, int32(1), snap.Entries[1].Tag)
	assert.Equal(t, int64(900), snap.Entries[1].RxBytes)
}

func TestQTaguidSource_SummaryCellular(t *testing.T) {
	src := NewQTaguidSource(writeQTaguidStats(t, qtaguidFixture))

	snap, err := src.Summary(context.Background(), config.TransportCellular, config.OEMNone)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, int64(77), snap.Entries[0].RxBytes)
}

func TestQTaguidSource_SummaryOEMManaged(t *testing.T) {
	src := NewQTaguidSource(writeQTaguidStats(t, qtaguidFixture))

	snap, err := src.Summary(context.Background(), config.TransportWifi, config.OEMManaged)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, int32(10088), snap.Entries[0].UID)
}

func TestQTaguidSource_MissingFile(t *testing.T) {
	src := NewQTaguidSource(filepath.Join(t.TempDir(), "absent"))

	_, err := src.Summary(context.Background(), config.TransportWifi, config.OEMNone)
	assert.Error(t, err)
}
