package models

// BatchConfig carries the upscaler tuning parameters for one batch.
// Defaults are derived from the worker's capability descriptor and may
// be overridden per batch by the coordinator.
type BatchConfig struct {
	Model string `json:"model"`
	Scale int    `json:"scale"`

	// TileSize bounds GPU memory use. 0 lets the upscaler choose.
	TileSize int `json:"tile_size,omitempty"`

	// GPUID selects the device. -1 means unset (upscaler default).
	GPUID int `json:"gpu_id,omitempty"`

	// Threads is the load:proc:save triple passed via -j, empty for
	// the upscaler default.
	Threads string `json:"threads,omitempty"`
}

// DefaultBatchConfig returns the coordinator's baseline configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Model:    "realesrgan-x4plus",
		Scale:    4,
		TileSize: 0,
		GPUID:    -1,
	}
}

// Conservative returns the fallback configuration used after a first
// failed attempt: smaller tiles, single-threaded pipeline, GPU 0.
func (c BatchConfig) Conservative() BatchConfig {
	fallback := c
	fallback.TileSize = 32
	fallback.Threads = "1:1:1"
	fallback.GPUID = 0
	return fallback
}
