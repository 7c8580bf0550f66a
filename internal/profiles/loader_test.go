package profiles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

const validProfileJSON = `{
  "supply_profile": {
    "id": "qf-01",
    "name": "QF-01",
    "topology": "fbp",
    "description": "Quadrupole focusing magnet supply"
  },
  "control": {
    "freq_sampling_hz": 5000,
    "freq_timebase_hz": 5000,
    "poll_interval_ms": 10,
    "decimation_controller": 1,
    "decimation_buffer": 1,
    "scope_frame_size": 64,
    "scope_signal": "i_load",
    "max_ref": 10.0,
    "min_ref": -10.0,
    "max_duty": 0.9,
    "min_duty": -0.9,
    "max_duty_openloop": 0.4,
    "min_duty_openloop": -0.4,
    "slewrate_slowref": 50,
    "gains": {"kp_i_load": 0.05, "ki_i_load": 5}
  },
  "limits": {"i_load_max": 10.5, "v_load_max": 50, "v_dclink_max": 120, "v_dclink_min": 80},
  "interlocks": {
    "hard_debounce_time_us": [0, 0, 0, 0, 100000],
    "hard_reset_time_us": [0, 0, 0, 0, 200000]
  },
  "timeouts": {"contactor_closed_ms": 50, "contactor_opened_ms": 50},
  "channels": {
    "analog": {"i_load": 0, "v_load": 1, "v_dclink": 2},
    "pwm": {"main": 0},
    "digital_in": {"dclink_contactor_status": 0},
    "digital_out": {"dclink_contactor": 0}
  },
  "wfmref": {"gain": 1.0, "sync_mode": "sample_by_sample"}
}`

func writeProfile(t *testing.T, dir, name, doc string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadDirValidProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "qf-01.json", validProfileJSON)

	store, err := LoadDir(dir)
	require.NoError(t, err)

	require.Equal(t, []string{"qf-01"}, store.Names())

	p, err := store.Get("qf-01")
	require.NoError(t, err)
	assert.Equal(t, "fbp", p.SupplyProfile.Topology)
	assert.Equal(t, 5000.0, p.Control.FreqSamplingHz)
	assert.Equal(t, 0.05, p.Control.Gains["kp_i_load"])
	assert.Equal(t, 10.5, p.Limits["i_load_max"])
	assert.Equal(t, []uint32{0, 0, 0, 0, 100000}, p.Interlocks.HardDebounceTimeUs)
	assert.Equal(t, 2, p.Channels.Analog["v_dclink"])
	require.NotNil(t, p.WfmRef)
	assert.Equal(t, "sample_by_sample", p.WfmRef.SyncMode)

	list := store.List()
	require.Len(t, list, 1)
	assert.Same(t, p, list[0])
}

func TestLoadDirEmptyDirectory(t *testing.T) {
	store, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, store.Names())
	assert.Empty(t, store.List())
}

func TestLoadDirRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.json", validProfileJSON)
	writeProfile(t, dir, "b.json", validProfileJSON)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "duplicate profile id")
	assert.ErrorContains(t, err, "b.json")
}

func TestLoadDirRejectsUnknownTopology(t *testing.T) {
	dir := t.TempDir()
	doc := strings.Replace(validProfileJSON, `"topology": "fbp"`, `"topology": "warp"`, 1)
	writeProfile(t, dir, "qf-01.json", doc)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown topology "warp"`)
	assert.ErrorContains(t, err, "qf-01.json")
}

func TestLoadDirRejectsSchemaViolation(t *testing.T) {
	dir := t.TempDir()

	// poll_interval_ms below the schema minimum
	doc := strings.Replace(validProfileJSON, `"poll_interval_ms": 10`, `"poll_interval_ms": 0`, 1)
	writeProfile(t, dir, "qf-01.json", doc)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "validation failed")
	assert.ErrorContains(t, err, "qf-01.json")
}

func TestLoadDirRejectsMissingSection(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bare.json", `{"supply_profile": {"id": "x", "name": "X", "topology": "fbp"}}`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "validation failed")
}

func TestLoadDirRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken.json", `{"supply_profile":`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "broken.json")
}

func TestStoreGetUnknown(t *testing.T) {
	store, err := LoadDir(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLoadDirBadSyncModeRejected(t *testing.T) {
	dir := t.TempDir()
	doc := strings.Replace(validProfileJSON, `"sync_mode": "sample_by_sample"`, `"sync_mode": "sideways"`, 1)
	writeProfile(t, dir, "qf-01.json", doc)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "validation failed")
}
