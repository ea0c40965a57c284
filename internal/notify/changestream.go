package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/markjakearzadon/notipay-reconciler/internal/models"
)

const (
	minWatchBackoff = time.Second
	maxWatchBackoff = 30 * time.Second
)

// WatchOrders publishes every status update on the order collection into
// pub, whichever process made it. A failed stream is reopened after a
// backoff, resuming after the last event seen. It returns when ctx is done.
// Requires a replica set.
func WatchOrders(ctx context.Context, orders *mongo.Collection, pub Publisher) {
	var resume bson.Raw
	keepWatching(ctx, minWatchBackoff, maxWatchBackoff, func(ctx context.Context) error {
		var err error
		resume, err = watchOnce(ctx, orders, pub, resume)
		return err
	})
}

// keepWatching reruns watch until ctx is done. The wait between runs
// doubles up to maxDelay and starts over after a run that lasted longer
// than maxDelay.
func keepWatching(ctx context.Context, minDelay, maxDelay time.Duration, watch func(context.Context) error) {
	delay := minDelay
	for {
		started := time.Now()
		err := watch(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxDelay {
			delay = minDelay
		}
		log.Errorf("[Notify] %v; reopening in %s", err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// watchOnce runs one change stream until it fails and returns the token to
// resume from. A stream that cannot be opened returns no token so the next
// attempt starts fresh.
func watchOnce(ctx context.Context, orders *mongo.Collection, pub Publisher, resume bson.Raw) (bson.Raw, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "update"},
			{Key: "updateDescription.updatedFields.status", Value: bson.D{{Key: "$exists", Value: true}}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resume != nil {
		opts.SetResumeAfter(resume)
	}

	stream, err := orders.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open order change stream: %w", err)
	}
	defer stream.Close(context.Background())

	log.Infof("[Notify] Watching %s for status changes", orders.Name())
	for stream.Next(ctx) {
		var change struct {
			FullDocument *models.PendingOrder `bson:"fullDocument"`
		}
		if err := stream.Decode(&change); err != nil {
			log.Warnf("[Notify] Undecodable change event: %v", err)
			continue
		}
		if change.FullDocument == nil {
			continue
		}
		log.Debugf("[Notify] Order %s is now %s", change.FullDocument.OrderID, change.FullDocument.Status)
		pub.Publish(change.FullDocument.OrderID, change.FullDocument.Status)
	}

	token := stream.ResumeToken()
	if err := stream.Err(); err != nil {
		return token, fmt.Errorf("order change stream failed: %w", err)
	}
	return token, errors.New("order change stream closed")
}
