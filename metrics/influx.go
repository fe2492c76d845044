package metrics

import (
	"time"

	influxdb "github.com/vrischmann/go-metrics-influxdb"
)

// InfluxConfig names the InfluxDB instance metrics are pushed to.
type InfluxConfig struct {
	Host     string `mapstructure:"host"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Export begins pushing the registry to InfluxDB. This blocks indefinitely,
// so it should be run inside a goroutine.
func (m *Metrics) Export(cfg InfluxConfig) {
	influxdb.InfluxDB(
		m.metricsRegistry, // metrics registry
		time.Second*10,    // interval
		cfg.Host,          // the InfluxDB url
		cfg.Database,      // your InfluxDB database
		cfg.Username,      // your InfluxDB user
		cfg.Password,      // your InfluxDB password
	)
}
