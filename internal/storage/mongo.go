package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/domain"
)

// Index names
const (
	IndexTicketOpenKey  = "idx_ticket_open_key"
	IndexTicketQueue    = "idx_ticket_tenant_status_esc"
	IndexMessageHistory = "idx_message_session_ts"
	IndexAgentTenant    = "idx_agent_tenant"
)

// MongoConfig selects the database used by MongoStore.
type MongoConfig struct {
	URI      string
	Database string
}

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	messages *mongo.Collection
	tickets  *mongo.Collection
	agents   *mongo.Collection
	logger   zerolog.Logger
	retry    retryConfig
}

type sessionDocument struct {
	ID        string    `bson:"_id"`
	TenantID  string    `bson:"tid"`
	SessionID string    `bson:"sid"`
	VisitorID string    `bson:"vid,omitempty"`
	Status    string    `bson:"st"`
	CreatedAt time.Time `bson:"ts"`
	UpdatedAt time.Time `bson:"upd"`
}

type messageDocument struct {
	ID          string              `bson:"_id"`
	TenantID    string              `bson:"tid"`
	SessionID   string              `bson:"sid"`
	SenderRole  string              `bson:"role"`
	SenderID    string              `bson:"sndr,omitempty"`
	SenderName  string              `bson:"nm,omitempty"`
	Content     string              `bson:"c,omitempty"`
	Attachments []domain.Attachment `bson:"att,omitempty"`
	Extensions  *domain.Extensions  `bson:"ext,omitempty"`
	Timestamp   time.Time           `bson:"ts"`
}

type ticketDocument struct {
	ID            string            `bson:"_id"`
	TenantID      string            `bson:"tid"`
	SessionID     string            `bson:"sid"`
	Reason        string            `bson:"reason"`
	Priority      string            `bson:"pri"`
	Status        string            `bson:"st"`
	AssignedAgent string            `bson:"aid,omitempty"`
	EscalatedAt   time.Time         `bson:"esc"`
	AssignedAt    *time.Time        `bson:"asg,omitempty"`
	ResolvedAt    *time.Time        `bson:"res,omitempty"`
	Notes         string            `bson:"notes,omitempty"`
	Transfers     []domain.Transfer `bson:"xfer,omitempty"`
	// OpenKey is present only while the ticket is open; a unique partial
	// index on it enforces one open ticket per session.
	OpenKey *string `bson:"ok,omitempty"`
}

type agentDocument struct {
	ID              string    `bson:"_id"`
	TenantID        string    `bson:"tid"`
	Name            string    `bson:"nm,omitempty"`
	Status          string    `bson:"st"`
	LoginState      string    `bson:"login"`
	Max             int       `bson:"max"`
	Current         int       `bson:"cur"`
	LastHeartbeatAt time.Time `bson:"hb"`
	Specializations []string  `bson:"spec,omitempty"`
	TotalHandled    int       `bson:"handled"`
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger zerolog.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		cfg.URI = constants.DefaultMongoURI
	}
	if cfg.Database == "" {
		cfg.Database = constants.DefaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return NewMongoStoreFromClient(client, cfg.Database, logger), nil
}

// NewMongoStoreFromClient wraps an existing client.
func NewMongoStoreFromClient(client *mongo.Client, database string, logger zerolog.Logger) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		sessions: db.Collection(constants.CollectionSessions),
		messages: db.Collection(constants.CollectionMessages),
		tickets:  db.Collection(constants.CollectionTickets),
		agents:   db.Collection(constants.CollectionAgents),
		logger:   logger.With().Str("component", "storage").Logger(),
		retry:    defaultRetryConfig,
	}
}

// EnsureIndexes creates the indexes the store relies on, including the
// unique partial index that backs escalation idempotency.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.MongoIndexTimeout)
	defer cancel()

	_, err := s.tickets.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: constants.MongoFieldOpenKey, Value: 1}},
			Options: options.Index().
				SetName(IndexTicketOpenKey).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{constants.MongoFieldOpenKey: bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{
				{Key: constants.MongoFieldTenant, Value: 1},
				{Key: constants.MongoFieldStatus, Value: 1},
				{Key: constants.MongoFieldEscalated, Value: 1},
			},
			Options: options.Index().SetName(IndexTicketQueue),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create ticket indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldTenant, Value: 1},
			{Key: constants.MongoFieldSession, Value: 1},
			{Key: constants.MongoFieldTimestamp, Value: 1},
		},
		Options: options.Index().SetName(IndexMessageHistory),
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	_, err = s.agents.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldTenant, Value: 1}},
		Options: options.Index().SetName(IndexAgentTenant),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent indexes: %w", err)
	}

	s.logger.Info().
		Strs("indexes", []string{IndexTicketOpenKey, IndexTicketQueue, IndexMessageHistory, IndexAgentTenant}).
		Msg("MongoDB indexes created successfully")
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) do(ctx context.Context, op string, fn func() error) error {
	return retryOperation(ctx, s.logger, s.retry, op, fn)
}

// doOnce runs a write that must not be replayed: a transient error may hide
// an applied write, and a second attempt would apply it twice or report a
// spurious conflict.
func (s *MongoStore) doOnce(ctx context.Context, op string, fn func() error) error {
	return retryOperation(ctx, s.logger, s.retry.once(), op, fn)
}

func sessionKey(ref domain.SessionRef) string {
	return ref.TenantID + "/" + ref.SessionID
}

// Sessions

func (s *MongoStore) CreateSession(ctx context.Context, sess *domain.ChatSession) (*domain.ChatSession, bool, error) {
	if sess == nil {
		return nil, false, fmt.Errorf("%w: session is nil", ErrInvalidInput)
	}
	ref := sess.Ref()
	if err := validRef(ref); err != nil {
		return nil, false, err
	}

	doc := sessionDocument{
		ID:        sessionKey(ref),
		TenantID:  sess.TenantID,
		SessionID: sess.SessionID,
		VisitorID: sess.VisitorID,
		Status:    string(sess.Status),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	err := s.do(ctx, "CreateSession", func() error {
		_, err := s.sessions.InsertOne(ctx, doc)
		return err
	})
	if err == nil {
		c := *sess
		return &c, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("failed to insert session: %w", err)
	}

	existing, err := s.GetSession(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *MongoStore) GetSession(ctx context.Context, ref domain.SessionRef) (*domain.ChatSession, error) {
	var doc sessionDocument
	err := s.do(ctx, "GetSession", func() error {
		return s.sessions.FindOne(ctx, bson.M{constants.MongoFieldID: sessionKey(ref)}).Decode(&doc)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &domain.ChatSession{
		TenantID:  doc.TenantID,
		SessionID: doc.SessionID,
		VisitorID: doc.VisitorID,
		Status:    domain.SessionStatus(doc.Status),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) SetSessionStatus(ctx context.Context, ref domain.SessionRef, status domain.SessionStatus) error {
	var res *mongo.UpdateResult
	err := s.do(ctx, "SetSessionStatus", func() error {
		var err error
		res, err = s.sessions.UpdateOne(ctx,
			bson.M{constants.MongoFieldID: sessionKey(ref)},
			bson.M{"$set": bson.M{constants.MongoFieldStatus: string(status), constants.MongoFieldUpdated: time.Now().UTC()}},
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Messages

func (s *MongoStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidInput)
	}
	if err := validRef(msg.Session); err != nil {
		return err
	}

	doc := messageDocument{
		ID:          msg.ID,
		TenantID:    msg.Session.TenantID,
		SessionID:   msg.Session.SessionID,
		SenderRole:  string(msg.SenderRole),
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		Timestamp:   msg.Timestamp,
	}
	if !msg.Extensions.IsZero() {
		ext := msg.Extensions
		doc.Extensions = &ext
	}

	// Message ids are unique, so a duplicate on a later attempt is our own
	// earlier insert whose acknowledgement was lost.
	attempts := 0
	err := s.do(ctx, "AppendMessage", func() error {
		attempts++
		_, err := s.messages.InsertOne(ctx, doc)
		if attempts > 1 && mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *MongoStore) ListMessages(ctx context.Context, ref domain.SessionRef, limit int) ([]*domain.ChatMessage, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: constants.MongoFieldTimestamp, Value: -1},
		{Key: constants.MongoFieldID, Value: -1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	var docs []messageDocument
	err := s.do(ctx, "ListMessages", func() error {
		cur, err := s.messages.Find(ctx, bson.M{
			constants.MongoFieldTenant:  ref.TenantID,
			constants.MongoFieldSession: ref.SessionID,
		}, opts)
		if err != nil {
			return err
		}
		docs = docs[:0]
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]*domain.ChatMessage, len(docs))
	for i, d := range docs {
		m := &domain.ChatMessage{
			ID:          d.ID,
			Session:     domain.SessionRef{TenantID: d.TenantID, SessionID: d.SessionID},
			SenderRole:  domain.SenderRole(d.SenderRole),
			SenderID:    d.SenderID,
			SenderName:  d.SenderName,
			Content:     d.Content,
			Attachments: d.Attachments,
			Timestamp:   d.Timestamp,
		}
		if d.Extensions != nil {
			m.Extensions = *d.Extensions
		}
		// newest first from the query; history is returned oldest first
		out[len(docs)-1-i] = m
	}
	return out, nil
}

// Tickets

func ticketToDocument(t *domain.HandoffTicket) ticketDocument {
	doc := ticketDocument{
		ID:            t.ID,
		TenantID:      t.Session.TenantID,
		SessionID:     t.Session.SessionID,
		Reason:        t.EscalationReason,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		AssignedAgent: t.AssignedAgent,
		EscalatedAt:   t.EscalatedAt,
		AssignedAt:    t.AssignedAt,
		ResolvedAt:    t.ResolvedAt,
		Notes:         t.Notes,
		Transfers:     t.Transfers,
	}
	if t.Status.Open() {
		key := sessionKey(t.Session)
		doc.OpenKey = &key
	}
	return doc
}

func documentToTicket(d *ticketDocument) *domain.HandoffTicket {
	return &domain.HandoffTicket{
		ID:               d.ID,
		Session:          domain.SessionRef{TenantID: d.TenantID, SessionID: d.SessionID},
		EscalationReason: d.Reason,
		Priority:         domain.Priority(d.Priority),
		Status:           domain.TicketStatus(d.Status),
		AssignedAgent:    d.AssignedAgent,
		EscalatedAt:      d.EscalatedAt,
		AssignedAt:       d.AssignedAt,
		ResolvedAt:       d.ResolvedAt,
		Notes:            d.Notes,
		Transfers:        d.Transfers,
	}
}

func (s *MongoStore) OpenTicket(ctx context.Context, t *domain.HandoffTicket) (*domain.HandoffTicket, bool, error) {
	if t == nil || t.ID == "" {
		return nil, false, fmt.Errorf("%w: ticket and ticket id are required", ErrInvalidInput)
	}
	if err := validRef(t.Session); err != nil {
		return nil, false, err
	}

	c := t.Clone()
	c.Status = domain.TicketPending
	doc := ticketToDocument(c)

	// The open ticket may be resolved between our failed insert and the read;
	// in that case the insert is attempted again.
	for attempt := 0; attempt < constants.MaxRetryAttempts; attempt++ {
		err := s.do(ctx, "OpenTicket", func() error {
			_, err := s.tickets.InsertOne(ctx, doc)
			return err
		})
		if err == nil {
			return c, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("failed to insert ticket: %w", err)
		}

		existing, err := s.OpenTicketForSession(ctx, t.Session)
		if err == nil {
			return existing, existing.ID == c.ID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("%w: open ticket churned during escalation", ErrConflict)
}

func (s *MongoStore) findTicket(ctx context.Context, op string, filter bson.M) (*domain.HandoffTicket, error) {
	var doc ticketDocument
	err := s.do(ctx, op, func() error {
		return s.tickets.FindOne(ctx, filter).Decode(&doc)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return documentToTicket(&doc), nil
}

func (s *MongoStore) GetTicket(ctx context.Context, tenantID, ticketID string) (*domain.HandoffTicket, error) {
	return s.findTicket(ctx, "GetTicket", bson.M{
		constants.MongoFieldID:     ticketID,
		constants.MongoFieldTenant: tenantID,
	})
}

func (s *MongoStore) OpenTicketForSession(ctx context.Context, ref domain.SessionRef) (*domain.HandoffTicket, error) {
	return s.findTicket(ctx, "OpenTicketForSession", bson.M{constants.MongoFieldOpenKey: sessionKey(ref)})
}

// casTicket applies update to the ticket matching filter and returns the
// document as selected by returnDoc. A miss is classified as ErrNotFound
// or ErrConflict by re-reading the ticket.
func (s *MongoStore) casTicket(ctx context.Context, op, tenantID, ticketID string, filter, update bson.M, returnDoc options.ReturnDocument) (*domain.HandoffTicket, error) {
	filter[constants.MongoFieldID] = ticketID
	filter[constants.MongoFieldTenant] = tenantID

	var doc ticketDocument
	err := s.doOnce(ctx, op, func() error {
		return s.tickets.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(returnDoc)).Decode(&doc)
	})
	if err == nil {
		return documentToTicket(&doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	if _, gerr := s.GetTicket(ctx, tenantID, ticketID); gerr != nil {
		return nil, gerr
	}
	return nil, ErrConflict
}

func (s *MongoStore) ClaimTicket(ctx context.Context, tenantID, ticketID, agentID string, at time.Time) (*domain.HandoffTicket, error) {
	return s.casTicket(ctx, "ClaimTicket", tenantID, ticketID,
		bson.M{constants.MongoFieldStatus: string(domain.TicketPending)},
		bson.M{"$set": bson.M{
			constants.MongoFieldStatus:   string(domain.TicketAssigned),
			constants.MongoFieldAgent:    agentID,
			constants.MongoFieldAssigned: at,
		}},
		options.After)
}

func (s *MongoStore) TransferTicket(ctx context.Context, tenantID, ticketID, from, to string, at time.Time) (*domain.HandoffTicket, error) {
	return s.casTicket(ctx, "TransferTicket", tenantID, ticketID,
		bson.M{
			constants.MongoFieldStatus: string(domain.TicketAssigned),
			constants.MongoFieldAgent:  from,
		},
		bson.M{
			"$set":  bson.M{constants.MongoFieldAgent: to},
			"$push": bson.M{constants.MongoFieldTransfers: domain.Transfer{From: from, To: to, At: at}},
		},
		options.After)
}

func (s *MongoStore) ResolveTicket(ctx context.Context, tenantID, ticketID, notes string, at time.Time) (*domain.HandoffTicket, *domain.HandoffTicket, error) {
	set := bson.M{
		constants.MongoFieldStatus:   string(domain.TicketResolved),
		constants.MongoFieldResolved: at,
	}
	if notes != "" {
		set[constants.MongoFieldNotes] = notes
	}

	before, err := s.casTicket(ctx, "ResolveTicket", tenantID, ticketID,
		bson.M{constants.MongoFieldStatus: bson.M{"$in": []string{
			string(domain.TicketPending), string(domain.TicketAssigned),
		}}},
		bson.M{"$set": set, "$unset": bson.M{constants.MongoFieldOpenKey: ""}},
		options.Before)
	if err != nil {
		return nil, nil, err
	}

	after := before.Clone()
	after.Status = domain.TicketResolved
	resolvedAt := at
	after.ResolvedAt = &resolvedAt
	if notes != "" {
		after.Notes = notes
	}
	return before, after, nil
}

func (s *MongoStore) ListTickets(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.HandoffTicket, error) {
	filter := bson.M{constants.MongoFieldTenant: tenantID}
	if status != "" {
		filter[constants.MongoFieldStatus] = string(status)
	}
	opts := options.Find().SetSort(bson.D{
		{Key: constants.MongoFieldEscalated, Value: 1},
		{Key: constants.MongoFieldID, Value: 1},
	})

	var docs []ticketDocument
	err := s.do(ctx, "ListTickets", func() error {
		cur, err := s.tickets.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		docs = docs[:0]
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}

	out := make([]*domain.HandoffTicket, len(docs))
	for i := range docs {
		out[i] = documentToTicket(&docs[i])
	}
	return out, nil
}

func (s *MongoStore) CountPendingBefore(ctx context.Context, tenantID string, escalatedAt time.Time, ticketID string) (int, error) {
	filter := bson.M{
		constants.MongoFieldTenant: tenantID,
		constants.MongoFieldStatus: string(domain.TicketPending),
		"$or": bson.A{
			bson.M{constants.MongoFieldEscalated: bson.M{"$lt": escalatedAt}},
			bson.M{
				constants.MongoFieldEscalated: escalatedAt,
				constants.MongoFieldID:        bson.M{"$lt": ticketID},
			},
		},
	}

	var n int64
	err := s.do(ctx, "CountPendingBefore", func() error {
		var err error
		n, err = s.tickets.CountDocuments(ctx, filter)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return int(n), nil
}

// Agents

func documentToAgent(d *agentDocument) *domain.Agent {
	return &domain.Agent{
		ID:                    d.ID,
		TenantID:              d.TenantID,
		Name:                  d.Name,
		Status:                domain.AgentStatus(d.Status),
		LoginState:            domain.LoginState(d.LoginState),
		MaxConcurrentSessions: d.Max,
		CurrentSessions:       d.Current,
		LastHeartbeatAt:       d.LastHeartbeatAt,
		Specializations:       d.Specializations,
		TotalHandled:          d.TotalHandled,
	}
}

func (s *MongoStore) UpsertAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	if a == nil || a.ID == "" || a.TenantID == "" {
		return nil, fmt.Errorf("%w: agent id and tenant are required", ErrInvalidInput)
	}

	err := s.do(ctx, "UpsertAgent", func() error {
		// The $expr guard keeps an existing agent's capacity at or above its
		// live load; a miss falls through to the duplicate-key branch below.
		_, err := s.agents.UpdateOne(ctx,
			bson.M{
				constants.MongoFieldID:     a.ID,
				constants.MongoFieldTenant: a.TenantID,
				"$expr":                    bson.M{"$lte": bson.A{"$" + constants.MongoFieldCurrent, a.MaxConcurrentSessions}},
			},
			bson.M{
				"$set": bson.M{
					constants.MongoFieldName:  a.Name,
					constants.MongoFieldMax:   a.MaxConcurrentSessions,
					constants.MongoFieldSpecs: a.Specializations,
				},
				"$setOnInsert": bson.M{
					constants.MongoFieldStatus:    string(domain.AgentOffline),
					constants.MongoFieldLogin:     string(domain.LoginOffline),
					constants.MongoFieldCurrent:   0,
					constants.MongoFieldHeartbeat: a.LastHeartbeatAt,
					constants.MongoFieldHandled:   a.TotalHandled,
				},
			},
			options.Update().SetUpsert(true),
		)
		return err
	})
	if err != nil {
		// The upsert collides on _id when the agent exists under another
		// tenant or carries more sessions than the new capacity.
		if mongo.IsDuplicateKeyError(err) {
			existing, getErr := s.GetAgent(ctx, a.ID)
			if getErr == nil && existing.TenantID == a.TenantID {
				return nil, fmt.Errorf("%w: %d sessions exceed capacity %d", ErrCapacity, existing.CurrentSessions, a.MaxConcurrentSessions)
			}
			return nil, fmt.Errorf("%w: agent belongs to another tenant", ErrConflict)
		}
		return nil, fmt.Errorf("failed to upsert agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *MongoStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	var doc agentDocument
	err := s.do(ctx, "GetAgent", func() error {
		return s.agents.FindOne(ctx, bson.M{constants.MongoFieldID: agentID}).Decode(&doc)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return documentToAgent(&doc), nil
}

func (s *MongoStore) ListAgents(ctx context.Context, tenantID string) ([]*domain.Agent, error) {
	filter := bson.M{}
	if tenantID != "" {
		filter[constants.MongoFieldTenant] = tenantID
	}

	var docs []agentDocument
	err := s.do(ctx, "ListAgents", func() error {
		cur, err := s.agents.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: constants.MongoFieldID, Value: 1}}))
		if err != nil {
			return err
		}
		docs = docs[:0]
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	out := make([]*domain.Agent, len(docs))
	for i := range docs {
		out[i] = documentToAgent(&docs[i])
	}
	return out, nil
}

// updateAgent applies update to the agent matching filter through run,
// which is s.do for idempotent updates and s.doOnce for counters.
func (s *MongoStore) updateAgent(ctx context.Context, run func(context.Context, string, func() error) error, op, agentID string, filter, update bson.M) (*domain.Agent, error) {
	filter[constants.MongoFieldID] = agentID

	var doc agentDocument
	err := run(ctx, op, func() error {
		return s.agents.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return documentToAgent(&doc), nil
}

func (s *MongoStore) TouchAgent(ctx context.Context, agentID string, at time.Time) (*domain.Agent, error) {
	return s.updateAgent(ctx, s.do, "TouchAgent", agentID, bson.M{},
		bson.M{"$max": bson.M{constants.MongoFieldHeartbeat: at}})
}

func (s *MongoStore) SetLoginState(ctx context.Context, agentID string, state domain.LoginState, at time.Time) (*domain.Agent, error) {
	update := bson.M{"$set": bson.M{constants.MongoFieldLogin: string(state)}}
	if state == domain.LoginOnline {
		update["$max"] = bson.M{constants.MongoFieldHeartbeat: at}
	}
	return s.updateAgent(ctx, s.do, "SetLoginState", agentID, bson.M{}, update)
}

func (s *MongoStore) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, guard AgentGuard) (bool, error) {
	var res *mongo.UpdateResult
	err := s.do(ctx, "SetAgentStatus", func() error {
		var err error
		res, err = s.agents.UpdateOne(ctx,
			bson.M{
				constants.MongoFieldID:        agentID,
				constants.MongoFieldCurrent:   guard.CurrentSessions,
				constants.MongoFieldLogin:     string(guard.LoginState),
				constants.MongoFieldHeartbeat: guard.LastHeartbeatAt,
			},
			bson.M{"$set": bson.M{constants.MongoFieldStatus: string(status)}},
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to set agent status: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) ReserveSlot(ctx context.Context, agentID string) (*domain.Agent, error) {
	a, err := s.updateAgent(ctx, s.doOnce, "ReserveSlot", agentID,
		bson.M{"$expr": bson.M{"$lt": bson.A{"$" + constants.MongoFieldCurrent, "$" + constants.MongoFieldMax}}},
		bson.M{"$inc": bson.M{constants.MongoFieldCurrent: 1}})
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, gerr := s.GetAgent(ctx, agentID); gerr != nil {
		return nil, gerr
	}
	return nil, ErrCapacity
}

func (s *MongoStore) ReleaseSlot(ctx context.Context, agentID string) (*domain.Agent, error) {
	a, err := s.updateAgent(ctx, s.doOnce, "ReleaseSlot", agentID,
		bson.M{constants.MongoFieldCurrent: bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{constants.MongoFieldCurrent: -1}})
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Already at zero.
	return s.GetAgent(ctx, agentID)
}

func (s *MongoStore) IncrementHandled(ctx context.Context, agentID string) error {
	_, err := s.updateAgent(ctx, s.doOnce, "IncrementHandled", agentID, bson.M{},
		bson.M{"$inc": bson.M{constants.MongoFieldHandled: 1}})
	return err
}

// notFound maps the driver's no-document error onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
