// Package mongo implements the low-level MongoDB client used by the event
// store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/turnpipe/turnpipe/store"
)

type (
	// Client exposes Mongo-backed operations for the event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, rec *store.Record) error
		List(ctx context.Context, sessionID string, cursor int64, limit int) (store.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	recordDocument struct {
		ID              primitive.ObjectID `bson:"_id,omitempty"`
		SessionID       string             `bson:"session_id"`
		Seq             int64              `bson:"seq"`
		Kind            string             `bson:"kind"`
		Content         string             `bson:"content,omitempty"`
		AgentID         string             `bson:"agent_id,omitempty"`
		Internal        bool               `bson:"internal"`
		InputTokens     int                `bson:"input_tokens,omitempty"`
		OutputTokens    int                `bson:"output_tokens,omitempty"`
		ReasoningTokens int                `bson:"reasoning_tokens,omitempty"`
		Model           string             `bson:"model,omitempty"`
		StopReason      string             `bson:"stop_reason,omitempty"`
		ToolUseID       string             `bson:"tool_use_id,omitempty"`
		ToolName        string             `bson:"tool_name,omitempty"`
		ToolArgs        []byte             `bson:"tool_args,omitempty"`
		ToolResult      []byte             `bson:"tool_result,omitempty"`
		Success         *bool              `bson:"success,omitempty"`
		Error           string             `bson:"error,omitempty"`
		Signature       string             `bson:"signature,omitempty"`
		Citations       []byte             `bson:"citations,omitempty"`
		MessageID       string             `bson:"message_id,omitempty"`
		OriginalIndex   int                `bson:"original_index"`
		CreatedAt       time.Time          `bson:"created_at"`
	}
)

const (
	defaultCollection = "turn_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "events-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, rec *store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.InsertOne(ctx, documentOf(rec))
	return err
}

func (c *client) List(ctx context.Context, sessionID string, cursor int64, limit int) (page store.Page, err error) {
	if sessionID == "" {
		return store.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return store.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{
		"session_id": sessionID,
		"seq":        bson.M{"$gt": cursor},
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return store.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var records []*store.Record
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return store.Page{}, err
		}
		records = append(records, recordOf(doc))
	}
	if err := cur.Err(); err != nil {
		return store.Page{}, err
	}

	page = store.Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.NextCursor = records[limit-1].Seq
		page.More = true
	}
	return page, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ensureIndexes creates the unique (session_id, seq) index the row key
// depends on. Replaying a write can then never produce two rows for one
// sequence number.
func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

func documentOf(rec *store.Record) recordDocument {
	var success *bool
	if rec.Success != nil {
		v := *rec.Success
		success = &v
	}
	return recordDocument{
		SessionID:       rec.SessionID,
		Seq:             rec.Seq,
		Kind:            rec.Kind,
		Content:         rec.Content,
		AgentID:         rec.AgentID,
		Internal:        rec.Internal,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		ReasoningTokens: rec.ReasoningTokens,
		Model:           rec.Model,
		StopReason:      rec.StopReason,
		ToolUseID:       rec.ToolUseID,
		ToolName:        rec.ToolName,
		ToolArgs:        append([]byte(nil), rec.ToolArgs...),
		ToolResult:      append([]byte(nil), rec.ToolResult...),
		Success:         success,
		Error:           rec.Error,
		Signature:       rec.Signature,
		Citations:       append([]byte(nil), rec.Citations...),
		MessageID:       rec.MessageID,
		OriginalIndex:   rec.OriginalIndex,
		CreatedAt:       rec.CreatedAt.UTC(),
	}
}

func recordOf(doc recordDocument) *store.Record {
	var success *bool
	if doc.Success != nil {
		v := *doc.Success
		success = &v
	}
	return &store.Record{
		SessionID:       doc.SessionID,
		Seq:             doc.Seq,
		Kind:            doc.Kind,
		Content:         doc.Content,
		AgentID:         doc.AgentID,
		Internal:        doc.Internal,
		InputTokens:     doc.InputTokens,
		OutputTokens:    doc.OutputTokens,
		ReasoningTokens: doc.ReasoningTokens,
		Model:           doc.Model,
		StopReason:      doc.StopReason,
		ToolUseID:       doc.ToolUseID,
		ToolName:        doc.ToolName,
		ToolArgs:        append([]byte(nil), doc.ToolArgs...),
		ToolResult:      append([]byte(nil), doc.ToolResult...),
		Success:         success,
		Error:           doc.Error,
		Signature:       doc.Signature,
		Citations:       append([]byte(nil), doc.Citations...),
		MessageID:       doc.MessageID,
		OriginalIndex:   doc.OriginalIndex,
		CreatedAt:       doc.CreatedAt.UTC(),
	}
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
