package config

import (
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminHex = "0x00000000000000000000000000000000000000a1"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DERIV_ADMIN", adminHex)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 50, cfg.Pipeline.PersistBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Pipeline.PersistFlushTimeout)
	assert.Equal(t, int64(100_000), cfg.Pipeline.SnapshotInterval)
	assert.Empty(t, cfg.Synthetic.Raw)

	g, err := cfg.CoreGenesis()
	require.NoError(t, err)
	admin := common.HexToAddress(adminHex)
	assert.Equal(t, admin, g.Admin)
	assert.Equal(t, admin, g.Governor, "governor defaults to admin")
	assert.Equal(t, admin, g.ExecutionReserveClaimer)
	assert.Equal(t, uint64(86_400), g.SpenderTimelock)
	assert.NoError(t, g.Parameters.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DERIV_ADMIN", adminHex)
	t.Setenv("DERIV_GOVERNOR", "0x00000000000000000000000000000000000000b2")
	t.Setenv("DERIV_PERSIST_BATCH_SIZE", "200")
	t.Setenv("DERIV_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("DERIV_PROTOCOL_EXECUTION_RESERVE_PART", "500")
	t.Setenv("DERIV_SYNTHETICS",
		"option_call:0x00000000000000000000000000000000000000c1:0x00000000000000000000000000000000000000c2:100, "+
			"pooled_option_call:0x00000000000000000000000000000000000000c3:0x00000000000000000000000000000000000000c2:50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Pipeline.PersistBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.Pipeline.PersistFlushTimeout)
	assert.Equal(t, uint32(500), cfg.Parameters().ProtocolExecutionReservePart)

	g, err := cfg.CoreGenesis()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000b2"), g.Governor)

	specs, err := cfg.Synthetics()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, KindOptionCall, specs[0].Kind)
	assert.Equal(t, uint32(100), specs[0].Commission)
	assert.Equal(t, KindPooledOptionCall, specs[1].Kind)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000c3"), specs[1].ID)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing admin", map[string]string{}, "DERIV_ADMIN is required"},
		{"bad governor", map[string]string{"DERIV_ADMIN": adminHex, "DERIV_GOVERNOR": "nope"}, "not a hex address"},
		{"zero batch", map[string]string{"DERIV_ADMIN": adminHex, "DERIV_PERSIST_BATCH_SIZE": "0"}, "DERIV_PERSIST_BATCH_SIZE"},
		{"unknown synthetic kind", map[string]string{
			"DERIV_ADMIN":      adminHex,
			"DERIV_SYNTHETICS": "future:0x00000000000000000000000000000000000000c1:0x00000000000000000000000000000000000000c2:1",
		}, "unknown kind"},
		{"duplicate synthetic", map[string]string{
			"DERIV_ADMIN": adminHex,
			"DERIV_SYNTHETICS": "option_call:0x00000000000000000000000000000000000000c1:0x00000000000000000000000000000000000000c2:1," +
				"option_call:0x00000000000000000000000000000000000000c1:0x00000000000000000000000000000000000000c2:1",
		}, "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DERIV_ADMIN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDatabaseSkipsGenesis(t *testing.T) {
	t.Setenv("DERIV_ADMIN", "")
	t.Setenv("DERIV_MIGRATIONS_DIR", "/srv/migrations")

	_, err := Load()
	require.Error(t, err, "the service needs an admin")

	db, err := LoadDatabase()
	require.NoError(t, err)
	assert.Equal(t, "/srv/migrations", db.MigrationsDir)
	assert.Equal(t, 20, db.MaxOpenConns)
}
