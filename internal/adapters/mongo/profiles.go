package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/observability"
)

// ProfileRepository reads the externally owned profile records. Identity and
// session handling live elsewhere; this service only needs the role gate and
// contact fields.
type ProfileRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewProfileRepository(db *mongo.Database, logger observability.Logger) *ProfileRepository {
	return &ProfileRepository{
		coll:   db.Collection("profiles"),
		logger: logger,
	}
}

type profileDoc struct {
	ID         uuid.UUID `bson:"_id"`
	TelegramID string    `bson:"telegram_id"`
	Role       string    `bson:"role"`
	Phone      string    `bson:"phone,omitempty"`
	FullName   string    `bson:"full_name,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d profileDoc) toDomain() *domain.Profile {
	return &domain.Profile{
		ID:         d.ID,
		TelegramID: d.TelegramID,
		Role:       domain.Role(d.Role),
		Phone:      d.Phone,
		FullName:   d.FullName,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func (p *ProfileRepository) GetProfile(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	var doc profileDoc
	err := p.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		p.logger.WithError(err).Error("failed to get profile")
		return nil, err
	}
	return doc.toDomain(), nil
}

func (p *ProfileRepository) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Profile, error) {
	cur, err := p.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		p.logger.WithError(err).Error("failed to list profiles")
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[uuid.UUID]*domain.Profile, len(ids))
	for cur.Next(ctx) {
		var doc profileDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.ID] = doc.toDomain()
	}
	return out, cur.Err()
}

// UpsertPhone updates the contact phone a requester typed into the order
// form, mirroring it onto their profile.
func (p *ProfileRepository) UpsertPhone(ctx context.Context, id uuid.UUID, phone string) error {
	_, err := p.coll.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"phone": phone, "updated_at": time.Now()}},
		options.Update().SetUpsert(false),
	)
	if err != nil {
		p.logger.WithError(err).Error("failed to update profile phone")
	}
	return err
}
