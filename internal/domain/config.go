package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"time"
)

// GlobalConfigGroup is the reserved extractor/downloader config group merged
// beneath every named group.
const GlobalConfigGroup = "global"

// DelayRange is a delay in seconds. Equal bounds mean an exact delay.
type DelayRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Draw returns Min when the bounds are equal, otherwise a value drawn
// uniformly from [Min, Max). A nil range draws zero.
func (r *DelayRange) Draw(rng *rand.Rand) time.Duration {
	if r == nil {
		return 0
	}
	lo, hi := r.Min, r.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	secs := lo
	if hi > lo {
		var f float64
		if rng != nil {
			f = rng.Float64()
		} else {
			f = rand.Float64()
		}
		secs = lo + f*(hi-lo)
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func (r *DelayRange) clone() *DelayRange {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// JobConfig is the per-job configuration stored as one serialized blob.
type JobConfig struct {
	MaxTaskWorkerCount       int    `json:"max_task_worker_count"`
	DownloadFilenameTemplate string `json:"download_filename_template,omitempty"`
	DownloadData             bool   `json:"download_data"`
	MetadataFilenameTemplate string `json:"metadata_filename_template,omitempty"`
	SaveMetadata             bool   `json:"save_metadata"`
	// ItemIDPath locates the item-id set: a file path, or redis://<key>.
	ItemIDPath           string `json:"item_id_path,omitempty"`
	SaveItemIDs          bool   `json:"save_item_ids"`
	StopWithNoNewItemIDs bool   `json:"stop_with_no_new_item_ids"`
	MaxFailures          int    `json:"max_failures"`

	TaskDelay            *DelayRange `json:"task_delay,omitempty"`
	TaskFailedDelay      *DelayRange `json:"task_failed_delay,omitempty"`
	TooManyRequestsDelay *DelayRange `json:"too_many_requests_delay,omitempty"`

	Extractors  map[string]map[string]any `json:"extractors,omitempty"`
	Downloaders map[string]map[string]any `json:"downloaders,omitempty"`
}

// DefaultJobConfig returns the values assumed for keys a job config omits.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		MaxTaskWorkerCount: 1,
		DownloadData:       true,
		MaxFailures:        10,
	}
}

// ParseJobConfig decodes a serialized config over DefaultJobConfig.
func ParseJobConfig(raw []byte) (JobConfig, error) {
	cfg := DefaultJobConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return JobConfig{}, fmt.Errorf("decode job config: %w", err)
	}
	if cfg.MaxTaskWorkerCount < 1 {
		cfg.MaxTaskWorkerCount = 1
	}
	return cfg, nil
}

// UseItemIDs reports whether the job deduplicates against an item-id set.
func (c JobConfig) UseItemIDs() bool { return c.ItemIDPath != "" }

// ExtractorConfig merges the global group with the group named after the
// extractor. Keys of the named group win.
func (c JobConfig) ExtractorConfig(name string) map[string]any {
	return mergeGroups(c.Extractors, name)
}

// DownloaderConfig is ExtractorConfig for downloaders.
func (c JobConfig) DownloaderConfig(name string) map[string]any {
	return mergeGroups(c.Downloaders, name)
}

func mergeGroups(groups map[string]map[string]any, name string) map[string]any {
	out := make(map[string]any)
	maps.Copy(out, groups[GlobalConfigGroup])
	if name != GlobalConfigGroup {
		maps.Copy(out, groups[name])
	}
	return out
}

func (c JobConfig) Clone() JobConfig {
	out := c
	out.TaskDelay = c.TaskDelay.clone()
	out.TaskFailedDelay = c.TaskFailedDelay.clone()
	out.TooManyRequestsDelay = c.TooManyRequestsDelay.clone()
	out.Extractors = cloneGroups(c.Extractors)
	out.Downloaders = cloneGroups(c.Downloaders)
	return out
}

func cloneGroups(groups map[string]map[string]any) map[string]map[string]any {
	if groups == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(groups))
	for k, v := range groups {
		out[k] = maps.Clone(v)
	}
	return out
}
