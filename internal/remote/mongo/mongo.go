// Package mongo adapts a MongoDB deployment to remote.Client.
//
// Documents cross the boundary as relaxed Extended JSON, so ObjectIDs surface
// locally as {"$oid": "..."} and dates as {"$date": "..."} and convert back on upsert.
// Numeric BSON types survive the round trip: int32 and double are plain numbers
// (doubles always carry a fraction or exponent) and small int64 values are wrapped.
package mongo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/rage-js/rage/internal/mirror"
	"github.com/rage-js/rage/internal/remote"
)

// Client implements remote.Client with the official driver.
type Client struct {
	remote.StateHolder
	uri  string
	conn *mongo.Client
}

var _ remote.Client = (*Client)(nil)

// New returns a client for the connection string uri. No connection is made until Connect.
func New(uri string) (*Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb connection string is required")
	}
	return &Client{uri: uri}, nil
}

// Connect opens the connection pool and pings the primary.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := mongo.Connect(options.Client().ApplyURI(c.uri))
	if err != nil {
		c.SetState(remote.Failed)
		return fmt.Errorf("failed to configure mongodb client: %w", err)
	}
	if err := conn.Ping(ctx, readpref.Primary()); err != nil {
		_ = conn.Disconnect(context.Background())
		c.SetState(remote.Failed)
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	c.conn = conn
	c.SetState(remote.Connected)
	return nil
}

// ListCollections implements remote.Client.
func (c *Client) ListCollections(ctx context.Context, db string) ([]string, error) {
	if c.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}
	names, err := c.conn.Database(db).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections of %s: %w", db, err)
	}
	return names, nil
}

// Fetch implements remote.Client.
func (c *Client) Fetch(ctx context.Context, db, collection string) ([]mirror.Document, error) {
	if c.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}

	cursor, err := c.conn.Database(db).Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s/%s: %w", db, collection, err)
	}
	var raw []bson.D
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", db, collection, err)
	}

	docs := make([]mirror.Document, 0, len(raw))
	for _, r := range raw {
		doc, err := toDocument(r)
		if err != nil {
			return nil, fmt.Errorf("failed to convert document of %s/%s: %w", db, collection, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Upsert replaces each document by _id, inserting the missing ones, in one unordered bulk write.
func (c *Client) Upsert(ctx context.Context, db, collection string, docs []mirror.Document) error {
	if c.State() != remote.Connected {
		return remote.ErrNotConnected
	}
	if len(docs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		d, id, err := fromDocument(doc)
		if err != nil {
			return fmt.Errorf("failed to convert document for %s/%s: %w", db, collection, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: mirror.IDField, Value: id}}).
			SetReplacement(d).
			SetUpsert(true))
	}

	_, err := c.conn.Database(db).Collection(collection).
		BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("bulk upsert into %s/%s failed: %w", db, collection, err)
	}
	return nil
}

// Close disconnects the pool.
func (c *Client) Close(ctx context.Context) error {
	c.SetState(remote.Disconnected)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect(ctx)
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}

// toDocument converts a BSON document into its relaxed Extended JSON form.
// Relaxed mode prints int64 like int32, so 64-bit integers that would parse
// back as int32 keep the canonical {"$numberLong": "..."} wrapper.
func toDocument(d bson.D) (mirror.Document, error) {
	v, err := toValue(d)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func toValue(v any) (any, error) {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			ev, err := toValue(e.Value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", e.Key, err)
			}
			out[e.Key] = ev
		}
		return out, nil
	case bson.M:
		out := make(map[string]any, len(t))
		for k, item := range t {
			iv, err := toValue(item)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = iv
		}
		return out, nil
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			iv, err := toValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		if t >= math.MinInt32 && t <= math.MaxInt32 {
			return map[string]any{"$numberLong": strconv.FormatInt(t, 10)}, nil
		}
		return json.Number(strconv.FormatInt(t, 10)), nil
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			break
		}
		n := strconv.FormatFloat(t, 'g', -1, 64)
		if !strings.ContainsAny(n, ".e") {
			n += ".0"
		}
		return json.Number(n), nil
	}

	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, false, false)
	if err != nil {
		return nil, err
	}
	doc, err := mirror.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return doc["v"], nil
}

// fromDocument parses a local document back into BSON and returns its typed _id.
func fromDocument(doc mirror.Document) (bson.D, any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}

	var d bson.D
	if err := bson.UnmarshalExtJSON(bytes.TrimSpace(data), false, &d); err != nil {
		return nil, nil, err
	}
	for _, e := range d {
		if e.Key == mirror.IDField {
			return d, e.Value, nil
		}
	}
	return nil, nil, mirror.ErrMissingID
}
