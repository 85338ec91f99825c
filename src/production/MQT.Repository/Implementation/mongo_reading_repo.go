package implementation

import (
	"context"
	"fmt"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoReadingRepository stores readings as documents keyed by reading id.
// A unique index on (device_id, sensor_type, ts) drops redelivered samples.
type MongoReadingRepository struct {
	coll      *mongo.Collection
	retention time.Duration
}

func NewMongoReadingRepository(coll *mongo.Collection, retention time.Duration) *MongoReadingRepository {
	return &MongoReadingRepository{coll: coll, retention: retention}
}

// EnsureIndexes creates the dedup index, the query index and, with a retention, the TTL index
func (r *MongoReadingRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: "sensor_type", Value: 1}, {Key: "ts", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_device_sensor_ts"),
		},
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: "ts", Value: -1}},
			Options: options.Index().SetName("device_ts_desc"),
		},
	}
	if r.retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "ts", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(r.retention / time.Second)).SetName("ts_ttl"),
		})
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create reading indexes: %w", err)
	}
	return nil
}

func (r *MongoReadingRepository) InsertReading(ctx context.Context, reading *mqtmodels.SensorReading) (bool, error) {
	doc := *reading
	doc.Timestamp = doc.Timestamp.UTC()
	doc.ReceivedAt = doc.ReceivedAt.UTC()

	_, err := r.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *MongoReadingRepository) AnnotateAlert(ctx context.Context, readingID string, ts time.Time, alert mqtmodels.AlertAnnotation) error {
	result, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": readingID},
		bson.M{"$set": bson.M{"alerts": alert}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("reading %s not found", readingID)
	}
	return nil
}

func (r *MongoReadingRepository) QueryReadings(ctx context.Context, q mqtmodels.ReadingQuery) ([]mqtmodels.SensorReading, error) {
	filter := bson.M{"device_id": q.DeviceID}
	if q.SensorType != "" {
		filter["sensor_type"] = q.SensorType
	}
	if q.From != nil || q.To != nil {
		window := bson.M{}
		if q.From != nil {
			window["$gte"] = q.From.UTC()
		}
		if q.To != nil {
			window["$lte"] = q.To.UTC()
		}
		filter["ts"] = window
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}}).
		SetLimit(int64(clampLimit(q.Limit)))

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	readings := []mqtmodels.SensorReading{}
	if err := cursor.All(ctx, &readings); err != nil {
		return nil, err
	}
	for i := range readings {
		readings[i].Timestamp = readings[i].Timestamp.UTC()
		readings[i].ReceivedAt = readings[i].ReceivedAt.UTC()
	}
	return readings, nil
}
