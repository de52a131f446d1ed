package domain_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

func TestDelayRange_Draw(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	var nilRange *domain.DelayRange
	assert.Zero(t, nilRange.Draw(rng))

	exact := &domain.DelayRange{Min: 3, Max: 3}
	assert.Equal(t, 3*time.Second, exact.Draw(rng))

	r := &domain.DelayRange{Min: 1, Max: 2}
	for range 200 {
		d := r.Draw(rng)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}

	inverted := &domain.DelayRange{Min: 2, Max: 1}
	d := inverted.Draw(rng)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)
}

func TestParseJobConfig_Defaults(t *testing.T) {
	cfg, err := domain.ParseJobConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultJobConfig(), cfg)

	cfg, err = domain.ParseJobConfig([]byte(`{"max_task_worker_count": 0, "save_item_ids": true, "task_delay": {"min": 1, "max": 4}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxTaskWorkerCount)
	assert.True(t, cfg.DownloadData, "omitted keys keep their defaults")
	assert.True(t, cfg.SaveItemIDs)
	assert.Equal(t, 10, cfg.MaxFailures)
	assert.Equal(t, &domain.DelayRange{Min: 1, Max: 4}, cfg.TaskDelay)

	_, err = domain.ParseJobConfig([]byte(`{`))
	assert.Error(t, err)
}

func TestJobConfig_MergesGlobalGroup(t *testing.T) {
	cfg := domain.DefaultJobConfig()
	cfg.Extractors = map[string]map[string]any{
		domain.GlobalConfigGroup: {"user_agent": "global", "timeout": 5},
		"direct":                 {"user_agent": "direct"},
	}

	merged := cfg.ExtractorConfig("direct")
	assert.Equal(t, "direct", merged["user_agent"])
	assert.Equal(t, 5, merged["timeout"])

	other := cfg.ExtractorConfig("other")
	assert.Equal(t, "global", other["user_agent"])

	assert.Empty(t, cfg.DownloaderConfig("direct"))
}
