package participant

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"collabsync/internal/model"
)

type (
	// Repo is the public-key directory: participants register their public
	// halves so peers can wrap session keys for them. Private keys never
	// reach the relay.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("participants"),
	}
}

func (r *Repo) GetByID(ctx context.Context, participantID string) (*model.ParticipantKey, error) {
	filter := bson.M{
		"participantId": participantID,
	}

	var pk model.ParticipantKey
	err := r.collection.FindOne(ctx, filter).Decode(&pk)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pk, nil
}

func (r *Repo) Upsert(ctx context.Context, pk *model.ParticipantKey) error {
	filter := bson.M{
		"participantId": pk.ParticipantID,
	}
	update := bson.M{
		"$set": pk,
	}
	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
