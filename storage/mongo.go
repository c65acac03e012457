package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"kanban-api/domain"
)

const titleIndex = "title_unique"

// MongoStore keeps each project as one document with its tasks embedded. A
// revision counter on the document guards replaces.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type projectDoc struct {
	domain.Project `bson:",inline"`
	Revision       int64 `bson:"revision"`
}

// NewMongoStore connects to uri and uses db.collection for projects.
func NewMongoStore(ctx context.Context, uri, db, collection string) (*MongoStore, error) {
	if uri == "" || db == "" {
		return nil, errors.New("missing mongo config")
	}
	if collection == "" {
		collection = "projects"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &MongoStore{client: client, coll: client.Database(db).Collection(collection)}, nil
}

// EnsureIndexes creates the unique title index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "title", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(titleIndex),
	})
	return err
}

func (s *MongoStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	opts := options.Find().
		SetProjection(bson.M{"tasks": 0}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	projects := []domain.Project{}
	for cur.Next(ctx) {
		var doc projectDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		projects = append(projects, *fromDoc(doc))
	}
	return projects, cur.Err()
}

func (s *MongoStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var doc projectDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(doc), nil
}

func (s *MongoStore) InsertProject(ctx context.Context, p domain.Project) (string, error) {
	if _, err := s.coll.InsertOne(ctx, toDoc(p, 1)); err != nil {
		return "", mongoWriteErr(err)
	}
	return "1", nil
}

func (s *MongoStore) ReplaceProject(ctx context.Context, p domain.Project, expected string) (string, error) {
	rev, err := strconv.ParseInt(expected, 10, 64)
	if err != nil {
		return "", domain.ErrConcurrencyConflict
	}
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": p.ID, "revision": rev}, toDoc(p, rev+1))
	if err != nil {
		return "", mongoWriteErr(err)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": p.ID})
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", domain.ErrNotFound
		}
		return "", domain.ErrConcurrencyConflict
	}
	return strconv.FormatInt(rev+1, 10), nil
}

func (s *MongoStore) DeleteProject(ctx context.Context, id string) (int64, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDoc(p domain.Project, rev int64) projectDoc {
	if p.Tasks == nil {
		p.Tasks = []domain.Task{}
	}
	p.Revision = ""
	return projectDoc{Project: p, Revision: rev}
}

func fromDoc(doc projectDoc) *domain.Project {
	p := doc.Project
	if p.Tasks == nil {
		p.Tasks = []domain.Task{}
	}
	p.Revision = strconv.FormatInt(doc.Revision, 10)
	return &p
}

// mongoWriteErr tells a title clash from an id clash by the index named in
// the duplicate key message.
func mongoWriteErr(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	if strings.Contains(err.Error(), titleIndex) {
		return domain.ErrDuplicateTitle
	}
	return domain.ErrConcurrencyConflict
}
