package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tisayama/allstars-sub003/internal/game"
)

const gamesCollection = "games"

// gameDoc is the persisted shape of the GameState document.
type gameDoc struct {
	ID    string         `bson:"_id"`
	State game.GameState `bson:"state"`
}

// MongoStore implements Store on a MongoDB database. Change streams
// provide the subscribe/notify interface and FindOneAndUpdate with a
// phase precondition provides the compare-and-set writer guard.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore connects to the database at uri and pings it.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetTimeout(30 * time.Second).
		SetConnectTimeout(30 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	log.Info().Str("database", database).Msg("connected to mongo")
	return &MongoStore{db: client.Database(database)}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *MongoStore) games() *mongo.Collection {
	return s.db.Collection(gamesCollection)
}

// answers returns the per-question submission collection.
func (s *MongoStore) answers(questionID string) *mongo.Collection {
	return s.db.Collection("answers_" + questionID)
}

func (s *MongoStore) EnsureGame(ctx context.Context, gameID string, initial game.GameState) error {
	filter := bson.M{"_id": gameID}
	update := bson.M{"$setOnInsert": gameDoc{ID: gameID, State: initial}}
	_, err := s.games().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ensure game %s: %w", gameID, err)
	}
	return nil
}

func (s *MongoStore) LoadGameState(ctx context.Context, gameID string) (game.GameState, error) {
	var doc gameDoc
	err := s.games().FindOne(ctx, bson.M{"_id": gameID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return game.GameState{}, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	if err != nil {
		return game.GameState{}, fmt.Errorf("load game %s: %w", gameID, err)
	}
	return doc.State, nil
}

func (s *MongoStore) CommitTransition(ctx context.Context, gameID string, expectedPhase game.Phase, next game.GameState) error {
	filter := bson.M{
		"_id":                 gameID,
		"state.current_phase": expectedPhase,
	}
	update := bson.M{"$set": bson.M{"state": next}}

	err := s.games().FindOneAndUpdate(ctx, filter, update).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the game is missing or another writer moved the phase
		// first. Distinguish for the caller.
		if _, loadErr := s.LoadGameState(ctx, gameID); loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("commit %s from %s: %w", gameID, expectedPhase, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("commit game %s: %w", gameID, err)
	}
	return nil
}

func (s *MongoStore) WatchGameState(ctx context.Context, gameID string) (<-chan game.GameState, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"documentKey._id": gameID}}},
	}
	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.games().Watch(ctx, pipeline, csOpts)
	if err != nil {
		return nil, fmt.Errorf("watch game %s: %w", gameID, err)
	}

	out := make(chan game.GameState, 16)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var change struct {
				FullDocument gameDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&change); err != nil {
				log.Error().Err(err).Str("game_id", gameID).Msg("decode game change event")
				continue
			}
			select {
			case out <- change.FullDocument.State:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("game_id", gameID).Msg("game change stream ended")
		}
	}()

	return out, nil
}

func (s *MongoStore) SubmitAnswer(ctx context.Context, a game.Answer) error {
	_, err := s.answers(a.QuestionID).InsertOne(ctx, a)
	if err != nil {
		return fmt.Errorf("submit answer %s/%s: %w", a.QuestionID, a.AnswerID, err)
	}
	return nil
}

func (s *MongoStore) Answers(ctx context.Context, questionID string) ([]game.Answer, error) {
	cur, err := s.answers(questionID).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list answers %s: %w", questionID, err)
	}
	defer cur.Close(ctx)

	var out []game.Answer
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode answers %s: %w", questionID, err)
	}
	return out, nil
}

func (s *MongoStore) DeleteAnswer(ctx context.Context, questionID, answerID string) error {
	res, err := s.answers(questionID).DeleteOne(ctx, bson.M{"answer_id": answerID})
	if err != nil {
		return fmt.Errorf("delete answer %s/%s: %w", questionID, answerID, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("answer %s/%s: %w", questionID, answerID, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) WatchAnswers(ctx context.Context, questionID string) (<-chan struct{}, error) {
	stream, err := s.answers(questionID).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("watch answers %s: %w", questionID, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			// Coalescing notify: receivers re-read the full snapshot, so
			// a pending signal already covers this change.
			select {
			case out <- struct{}{}:
			default:
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("question_id", questionID).Msg("answer change stream ended")
		}
	}()

	return out, nil
}
