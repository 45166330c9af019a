package recordstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/vinayprograms/taskhub/query"
)

// mongoRename maps record fields to document keys.
var mongoRename = map[string]string{FieldMsgID: "_id"}

// mongoAdded orders documents by insertion.
const mongoAdded = "_added"

// MongoStore keeps one document per record. Unset fields are left out of
// the document so that $exists behaves like the other backends.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects and ensures the submission index.
func OpenMongo(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storeErr(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, storeErr(err, "ping mongo")
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: FieldSubmitted, Value: 1}, {Key: mongoAdded, Value: 1}}},
		{Keys: bson.D{{Key: mongoAdded, Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, storeErr(err, "create mongo indexes")
	}
	return &MongoStore{client: client, coll: coll}, nil
}

// Add inserts a record.
func (s *MongoStore) Add(ctx context.Context, rec *Record) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	doc := toDocument(rec)
	doc = append(doc, bson.E{Key: mongoAdded, Value: time.Now().UnixNano()})
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return duplicate(rec.MsgID)
		}
		return storeErr(err, "add")
	}
	return nil
}

// Get loads a record.
func (s *MongoStore) Get(ctx context.Context, msgID string) (*Record, error) {
	var doc bson.M
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: msgID}}).Decode(&doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(msgID)
	}
	if err != nil {
		return nil, storeErr(err, "get")
	}
	return fromDocument(doc)
}

// Update sets the fields present in partial.
func (s *MongoStore) Update(ctx context.Context, msgID string, partial *Record) error {
	set := toDocument(partial)
	// _id is immutable
	set = set[1:]
	if len(set) == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: msgID}})
		if err != nil {
			return storeErr(err, "update")
		}
		if n == 0 {
			return notFound(msgID)
		}
		return nil
	}
	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: msgID}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return storeErr(err, "update")
	}
	if res.MatchedCount == 0 {
		return notFound(msgID)
	}
	return nil
}

// Drop deletes a record.
func (s *MongoStore) Drop(ctx context.Context, msgID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: msgID}}); err != nil {
		return storeErr(err, "drop")
	}
	return nil
}

// DropMatching deletes every matching record.
func (s *MongoStore) DropMatching(ctx context.Context, q query.Query) (int, error) {
	res, err := s.coll.DeleteMany(ctx, query.CompileBSON(q, mongoRename))
	if err != nil {
		return 0, storeErr(err, "drop matching")
	}
	return int(res.DeletedCount), nil
}

// Find returns the matching records in insertion order.
func (s *MongoStore) Find(ctx context.Context, q query.Query, keys []string) ([]*Record, error) {
	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: mongoAdded, Value: 1}})
	if len(keys) > 0 {
		proj := bson.D{{Key: "_id", Value: 1}}
		for _, k := range keys {
			if k != FieldMsgID {
				proj = append(proj, bson.E{Key: k, Value: 1})
			}
		}
		opts.SetProjection(proj)
	}
	cur, err := s.coll.Find(ctx, query.CompileBSON(q, mongoRename), opts)
	if err != nil {
		return nil, storeErr(err, "find")
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr(err, "find")
	}
	out := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// History returns submitted msg_ids by submission time.
func (s *MongoStore) History(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: FieldSubmitted, Value: 1}, {Key: mongoAdded, Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.D{{Key: FieldSubmitted, Value: bson.D{{Key: "$exists", Value: true}}}}, opts)
	if err != nil {
		return nil, storeErr(err, "history")
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr(err, "history")
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// toDocument renders the set fields of rec, _id first.
func toDocument(rec *Record) bson.D {
	doc := bson.D{{Key: "_id", Value: rec.MsgID}}
	for _, fd := range fields {
		if fd.name == FieldMsgID {
			continue
		}
		v := fd.get(rec)
		if v == nil {
			continue
		}
		switch x := v.(type) {
		case time.Time:
			v = x.UnixNano()
		case []byte:
			v = bson.Binary{Data: x}
		case [][]byte:
			arr := bson.A{}
			for _, b := range x {
				arr = append(arr, bson.Binary{Data: b})
			}
			v = arr
		case []string:
			arr := bson.A{}
			for _, s := range x {
				arr = append(arr, s)
			}
			v = arr
		}
		doc = append(doc, bson.E{Key: fd.name, Value: v})
	}
	return doc
}

func fromDocument(doc bson.M) (*Record, error) {
	rec := &Record{}
	for key, raw := range doc {
		name := key
		if key == "_id" {
			name = FieldMsgID
		}
		fd, ok := fieldsByName[name]
		if !ok {
			continue
		}
		v, err := fromBSON(fd.kind, raw)
		if err != nil {
			return nil, storeErr(fmt.Errorf("field %s: %w", name, err), "decode")
		}
		if v != nil {
			fd.set(rec, v)
		}
	}
	return rec, nil
}

func fromBSON(kind query.Kind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch kind {
	case query.KindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case query.KindTime:
		if n, ok := toInt64(raw); ok {
			return time.Unix(0, n).UTC(), nil
		}
	case query.KindNumber:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case query.KindBytes:
		if b, ok := toBytes(raw); ok {
			return b, nil
		}
	case query.KindStrings:
		list, ok := toArray(raw)
		if !ok {
			break
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("array item %T is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	case kindBuffers:
		list, ok := toArray(raw)
		if !ok {
			break
		}
		out := make([][]byte, 0, len(list))
		for _, item := range list {
			b, ok := toBytes(item)
			if !ok {
				return nil, fmt.Errorf("buffer %T is not binary", item)
			}
			out = append(out, b)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected %T", raw)
}

func toInt64(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toBytes(raw any) ([]byte, bool) {
	switch b := raw.(type) {
	case []byte:
		return b, true
	case bson.Binary:
		return b.Data, true
	}
	return nil, false
}

func toArray(raw any) ([]any, bool) {
	switch a := raw.(type) {
	case bson.A:
		return a, true
	case []any:
		return a, true
	}
	return nil, false
}
