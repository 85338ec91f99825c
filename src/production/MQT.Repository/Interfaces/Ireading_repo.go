package interfaces

import (
	"context"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
)

type ReadingRepository interface {
	// InsertReading appends a reading. It returns false without error when a
	// reading with the same device, sensor type and timestamp already exists.
	InsertReading(ctx context.Context, reading *mqtmodels.SensorReading) (bool, error)

	// AnnotateAlert writes the alert annotation of a stored reading
	AnnotateAlert(ctx context.Context, readingID string, ts time.Time, alert mqtmodels.AlertAnnotation) error

	// QueryReadings returns readings newest first
	QueryReadings(ctx context.Context, query mqtmodels.ReadingQuery) ([]mqtmodels.SensorReading, error)
}

// PartitionManager is implemented by reading stores with time partitions
type PartitionManager interface {
	// EnsurePartitions creates the partitions covering from and the next ahead months
	EnsurePartitions(ctx context.Context, from time.Time, ahead int) ([]string, error)

	// DropPartitionsBefore removes partitions that end at or before cutoff
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
