package config

import (
	"fmt"
	"os"
)

const defaultTemplate = `# meshboard gateway configuration

[gateway]
name = "meshboard"

[device]
port = "/dev/ttyUSB0"
baud_rate = 115200
# "length-prefix" for wired serial, "slip" for delimiter-escaped transports
framing = "length-prefix"
read_timeout_ms = 500
node_cache_path = "data/node_cache.json"
node_max_age_days = 7

[pacing]
min_send_gap_ms = 2000
post_direct_broadcast_gap_ms = 3000
direct_to_direct_gap_ms = 1000
broadcast_delay_ms = 5000
resend_backoff_s = [4, 8, 16]

[scheduler]
tick_ms = 50
max_queue_depth = 256
age_threshold_ms = 30000
stats_interval_s = 60

[admin]
listen = ""
# listen = ":9080"
cors_origins = ["http://localhost:3000"]
`

// WriteDefault creates a starter config file, refusing to clobber one that
// already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}
