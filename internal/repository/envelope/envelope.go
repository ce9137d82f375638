package envelope

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"collabsync/internal/model"
)

type (
	// Repo archives the encrypted envelopes flowing through the relay. The
	// relay never holds keys, so the archive is opaque ciphertext; clients
	// replay it at join time through their own session keys.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("envelopes"),
	}
}

func (r *Repo) Append(ctx context.Context, env *model.Envelope) error {
	if _, err := r.collection.InsertOne(ctx, env); err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

// ListSince returns up to limit envelopes for a document with Timestamp
// strictly after since, oldest first.
func (r *Repo) ListSince(ctx context.Context, documentID string, since int64, limit int64) ([]*model.Envelope, error) {
	filter := bson.M{
		"documentId": documentID,
		"timestamp":  bson.M{"$gt": since},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit)

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find envelopes: %w", err)
	}
	defer cur.Close(ctx)

	var out []*model.Envelope
	for cur.Next(ctx) {
		var env model.Envelope
		if err := cur.Decode(&env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		out = append(out, &env)
	}
	return out, cur.Err()
}
