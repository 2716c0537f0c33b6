package taskrouter

import "encoding/json"

// Config is the static routing table. All fields are data; routing has
// no I/O and no clock.
type Config struct {
	DefaultQueue string
	LongQueue    string
	// LongTaskTypes always route to the long queue.
	LongTaskTypes map[string]bool
	// SizeThresholdBytes: encoded task parameters above this go long.
	// Zero disables size-based routing.
	SizeThresholdBytes int
	// DefaultByJobType overrides DefaultQueue per job_type.
	DefaultByJobType map[string]string
}

type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Route picks the destination queue for one task. Rules in order:
// job-level processing_mode override, task-type allowlist, estimated
// payload size, per-job-type default, global default.
func (r *Router) Route(jobType, taskType string, taskParams, jobParams map[string]any) string {
	if mode, _ := jobParams["processing_mode"].(string); mode == "long" && r.cfg.LongQueue != "" {
		return r.cfg.LongQueue
	}
	if r.cfg.LongTaskTypes[taskType] && r.cfg.LongQueue != "" {
		return r.cfg.LongQueue
	}
	if r.cfg.SizeThresholdBytes > 0 && r.cfg.LongQueue != "" {
		if encoded, err := json.Marshal(taskParams); err == nil && len(encoded) > r.cfg.SizeThresholdBytes {
			return r.cfg.LongQueue
		}
	}
	if q, ok := r.cfg.DefaultByJobType[jobType]; ok && q != "" {
		return q
	}
	return r.cfg.DefaultQueue
}
