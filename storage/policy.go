package storage

import (
	"regexp"
	"time"

	"github.com/hexaline/weighbridge/models"
)

// Canonical backend names used by the default policies. Deployments
// register repositories under these names (or adjust the policies).
const (
	BackendRelational = "relational"
	BackendTimeSeries = "time_series"
)

// BackendRef is one entry in a policy's ordered backend list.
type BackendRef struct {
	Name     string `json:"name" yaml:"name"`
	Priority int    `json:"priority" yaml:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

// PerformanceRequirements bound what the classification tolerates.
type PerformanceRequirements struct {
	MaxWriteLatency time.Duration `json:"max_write_latency" yaml:"max_write_latency"`
	MinThroughput   float64       `json:"min_throughput" yaml:"min_throughput"`
}

// Policy describes where one classification of reading goes. Backends is
// ordered: index 0 is primary, the rest are fallbacks in priority order.
type Policy struct {
	Classification models.DataClassification `json:"classification" yaml:"classification"`
	Backends       []BackendRef              `json:"backends" yaml:"backends"`
	Retention      time.Duration             `json:"retention" yaml:"retention"`
	BatchSize      int                       `json:"batch_size" yaml:"batch_size"`
	FlushInterval  time.Duration             `json:"flush_interval" yaml:"flush_interval"`
	Requirements   PerformanceRequirements   `json:"requirements" yaml:"requirements"`
}

// DefaultPolicies maps every classification to its backend ordering:
// discrete readings and configuration-shaped data go relational first,
// everything continuous goes to the time-series store first.
func DefaultPolicies() map[models.DataClassification]Policy {
	return map[models.DataClassification]Policy{
		models.ClassDiscreteReading: {
			Classification: models.ClassDiscreteReading,
			Backends: []BackendRef{
				{Name: BackendRelational, Priority: 1, Enabled: true},
				{Name: BackendTimeSeries, Priority: 2, Enabled: true},
			},
			Retention:     0, // keep forever
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		models.ClassTimeSeries: {
			Classification: models.ClassTimeSeries,
			Backends: []BackendRef{
				{Name: BackendTimeSeries, Priority: 1, Enabled: true},
				{Name: BackendRelational, Priority: 2, Enabled: true},
			},
			Retention:     90 * 24 * time.Hour,
			BatchSize:     500,
			FlushInterval: time.Second,
		},
		models.ClassConfiguration: {
			Classification: models.ClassConfiguration,
			Backends:       []BackendRef{{Name: BackendRelational, Priority: 1, Enabled: true}},
			BatchSize:      10,
			FlushInterval:  10 * time.Second,
		},
		models.ClassProtocolTemplate: {
			Classification: models.ClassProtocolTemplate,
			Backends:       []BackendRef{{Name: BackendRelational, Priority: 1, Enabled: true}},
			BatchSize:      10,
			FlushInterval:  10 * time.Second,
		},
		models.ClassSystemLog: {
			Classification: models.ClassSystemLog,
			Backends:       []BackendRef{{Name: BackendTimeSeries, Priority: 1, Enabled: true}},
			Retention:      30 * 24 * time.Hour,
			BatchSize:      1000,
			FlushInterval:  time.Second,
		},
		models.ClassUnknown: {
			Classification: models.ClassUnknown,
			Backends:       []BackendRef{{Name: BackendTimeSeries, Priority: 1, Enabled: true}},
			BatchSize:      100,
			FlushInterval:  5 * time.Second,
		},
	}
}

var counterDeviceRE = regexp.MustCompile(`6051`)

// Classify buckets a reading by its metadata tags, first match wins:
// scale readings are discrete, counter-family devices are time series,
// configuration-tagged payloads are configuration, default time series.
func Classify(r *models.Reading) models.DataClassification {
	if r == nil {
		return models.ClassUnknown
	}
	switch {
	case r.Tag("device_type") == "scale":
		return models.ClassDiscreteReading
	case counterDeviceRE.MatchString(r.Tag("device_type")):
		return models.ClassTimeSeries
	case r.Tag("data_type") == "configuration":
		return models.ClassConfiguration
	case r.Tag("data_type") == "protocol_template":
		return models.ClassProtocolTemplate
	default:
		return models.ClassTimeSeries
	}
}
