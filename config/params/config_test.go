package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatePriorities(t *testing.T) {
	got, err := ParseStatePriorities("PA:1, NJ:2 ,ny:3")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"PA": 1, "NJ": 2, "NY": 3}, got)

	_, err = ParseStatePriorities("")
	require.Error(t, err)

	_, err = ParseStatePriorities("PA")
	require.Error(t, err)

	_, err = ParseStatePriorities("PA:x")
	require.Error(t, err)
}

func TestTierWeight(t *testing.T) {
	cfg := DefaultBrokerConfig()
	assert.Equal(t, cfg.PremiumWeight, cfg.TierWeight("premium"))
	assert.Equal(t, cfg.EmergingWeight, cfg.TierWeight("emerging"))
	assert.Equal(t, cfg.StandardWeight, cfg.TierWeight("standard"))
	assert.Equal(t, cfg.StandardWeight, cfg.TierWeight("unknown"))
}

func TestTolerance(t *testing.T) {
	cfg := DefaultBrokerConfig()
	cfg.TolerancePercent = 10
	assert.InDelta(t, 0.1, cfg.Tolerance(), 1e-9)
}

func TestOverrideBrokerConfig(t *testing.T) {
	prev := BrokerCfg()
	defer OverrideBrokerConfig(prev)

	custom := DefaultBrokerConfig()
	custom.NetUID = 99
	OverrideBrokerConfig(custom)
	assert.Equal(t, 99, BrokerCfg().NetUID)
}
