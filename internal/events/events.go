// Package events implements the subscription table and notification bus
// (spec.md §4.4): a commit-synchronous outbox insert, fanned out after
// commit to the per-node in-process dispatcher that owns the matching
// subscriptions' SSE sessions. No real Postgres LISTEN/NOTIFY is used —
// see SPEC_FULL.md's DOMAIN STACK section for why this pack's teacher
// provides no grounding for that wire protocol, and how the outbox
// pattern it does use satisfies the same ordering guarantee.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/logger"
)

// Scope is the unsubscribe granularity (spec.md §4.4).
type Scope string

const (
	ScopeSubscription Scope = "subscription"
	ScopeSession      Scope = "session"
	ScopeNode         Scope = "node"
)

// Action is the change kind carried in an SSE envelope (spec.md §6).
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Message is the payload handed to a session's SSE sink.
type Message struct {
	Subscription struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
		NodeID    string `json:"nodeId"`
	} `json:"subscription"`
	Action Action `json:"action"`
	Data   any    `json:"data"`
}

// Subscription identifies who is asking to be notified (spec.md §3).
type Subscription struct {
	NodeID         string
	SessionID      string
	SubscriptionID string
}

// Service owns the subscription table, the notification outbox, and one
// in-process dispatcher per node.
type Service struct {
	db *csql.DB

	mu    sync.Mutex
	nodes map[string]*nodeDispatcher
}

type nodeDispatcher struct {
	mu       sync.Mutex
	sessions map[string]chan Message
	wake     chan struct{}
}

// New bootstraps the $subscription and _notification_ tables.
func New(db *csql.DB) (*Service, error) {
	s := &Service{db: db, nodes: map[string]*nodeDispatcher{}}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."$subscription" (
			node_id varchar NOT NULL,
			session_id varchar NOT NULL,
			subscription_id varchar NOT NULL,
			target varchar NOT NULL,
			PRIMARY KEY(node_id, session_id, subscription_id, target)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."_notification_" (
			serial bigserial PRIMARY KEY,
			feather varchar NOT NULL,
			object_id varchar NOT NULL,
			action varchar NOT NULL,
			payload jsonb NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Subscribe installs rows for sub against every id, plus one row for
// feather if given, so inserts into the feather become notifications
// even when no id pre-exists yet (spec.md §4.4). Unless merge is true,
// any prior rows for sub.SubscriptionID are deleted first.
func (s *Service) Subscribe(ctx context.Context, client csql.Client, sub Subscription, ids []string, feather string, merge bool) error {
	if sub.NodeID == "" || sub.SessionID == "" || sub.SubscriptionID == "" {
		return apperror.BadRequest("subscribe requires nodeId, sessionId and subscriptionId")
	}
	if !merge {
		if _, err := client.ExecContext(ctx, `
			DELETE FROM `+s.db.Schema+`."$subscription" WHERE subscription_id=$1;`, sub.SubscriptionID); err != nil {
			return err
		}
	}
	targets := append([]string{}, ids...)
	if feather != "" {
		targets = append(targets, "feather:"+feather)
	}
	for _, target := range targets {
		if _, err := client.ExecContext(ctx, `
			INSERT INTO `+s.db.Schema+`."$subscription"(node_id, session_id, subscription_id, target)
			VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING;`,
			sub.NodeID, sub.SessionID, sub.SubscriptionID, target); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe deletes every subscription row matching id at the given
// scope. An empty id resolves without error.
func (s *Service) Unsubscribe(ctx context.Context, client csql.Client, id string, scope Scope) error {
	if id == "" {
		return nil
	}
	var col string
	switch scope {
	case ScopeSubscription:
		col = "subscription_id"
	case ScopeSession:
		col = "session_id"
	case ScopeNode:
		col = "node_id"
	default:
		return apperror.BadRequest("unknown unsubscribe scope %q", scope)
	}
	_, err := client.ExecContext(ctx, `DELETE FROM `+s.db.Schema+`."$subscription" WHERE `+col+`=$1;`, id)
	return err
}

// Notify records that objectID (of feather) changed by action, inside
// the caller's transaction. It must be called before commit; the row is
// sent to subscribers only after commit, by the node dispatcher (woken by
// AfterCommit or by its periodic tick), so notifications are never
// visible before the write that produced them is durable (spec.md §5).
func (s *Service) Notify(ctx context.Context, client csql.Client, feather, objectID string, action Action, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = client.ExecContext(ctx, `
		INSERT INTO `+s.db.Schema+`."_notification_"(feather, object_id, action, payload)
		VALUES ($1,$2,$3,$4);`, feather, objectID, string(action), string(payload))
	return err
}

// AfterCommit must be called once the transaction that called Notify has
// committed. It wakes the dispatcher for every node that might hold a
// matching subscription so undelivered rows get flushed promptly.
func (s *Service) AfterCommit(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	_ = ctx
}

// Listen starts (if not already running) the single long-lived
// dispatcher for nodeID. It returns nothing; this node's sessions are
// then registered against that dispatcher with RegisterSession.
func (s *Service) Listen(ctx context.Context, nodeID string) {
	s.mu.Lock()
	if _, ok := s.nodes[nodeID]; ok {
		s.mu.Unlock()
		return
	}
	n := &nodeDispatcher{sessions: map[string]chan Message{}, wake: make(chan struct{}, 1)}
	s.nodes[nodeID] = n
	s.mu.Unlock()

	go s.runDispatcher(ctx, nodeID, n)
}

func (s *Service) runDispatcher(ctx context.Context, nodeID string, n *nodeDispatcher) {
	rlog := logger.FromContext(ctx)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-n.wake:
		}
		if err := s.dispatchPending(ctx, nodeID, n); err != nil {
			rlog.WithError(err).Error("events dispatch failed")
		}
	}
}

func (s *Service) dispatchPending(ctx context.Context, nodeID string, n *nodeDispatcher) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT nf.serial, nf.feather, nf.object_id, nf.action, nf.payload, sub.session_id, sub.subscription_id
		FROM `+s.db.Schema+`."_notification_" nf
		JOIN `+s.db.Schema+`."$subscription" sub
			ON sub.node_id = $1 AND (sub.target = nf.object_id OR sub.target = 'feather:' || nf.feather)
		ORDER BY nf.serial;`, nodeID)
	if err != nil {
		return err
	}
	type delivery struct {
		serial                                 int64
		feather, objectID, action              string
		payload                                []byte
		sessionID, subscriptionID               string
	}
	var deliveries []delivery
	for rows.Next() {
		var d delivery
		if err := rows.Scan(&d.serial, &d.feather, &d.objectID, &d.action, &d.payload, &d.sessionID, &d.subscriptionID); err != nil {
			rows.Close()
			return err
		}
		deliveries = append(deliveries, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var data any
	for _, d := range deliveries {
		if err := json.Unmarshal(d.payload, &data); err != nil {
			data = nil
		}
		msg := Message{Action: Action(d.action), Data: data}
		msg.Subscription.ID = d.subscriptionID
		msg.Subscription.SessionID = d.sessionID
		msg.Subscription.NodeID = nodeID

		n.mu.Lock()
		sink, ok := n.sessions[d.sessionID]
		n.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case sink <- msg:
		default:
			// session buffer is full: disconnect it, per spec.md §5.
			s.DisconnectSession(nodeID, d.sessionID)
		}
	}
	return nil
}

// RegisterSession gives sessionID on nodeID a buffered sink for incoming
// Messages, starting the node's dispatcher if it isn't running yet.
func (s *Service) RegisterSession(ctx context.Context, nodeID, sessionID string, buffer int) <-chan Message {
	s.Listen(ctx, nodeID)
	s.mu.Lock()
	n := s.nodes[nodeID]
	s.mu.Unlock()
	ch := make(chan Message, buffer)
	n.mu.Lock()
	n.sessions[sessionID] = ch
	n.mu.Unlock()
	return ch
}

// DisconnectSession removes sessionID's sink and closes its channel.
// Callers must also unlock/unsubscribe the session per spec.md §5's
// cancellation rules; that is done by the caller (the SSE handler),
// not here, since this package has no lock registry dependency.
func (s *Service) DisconnectSession(nodeID, sessionID string) {
	s.mu.Lock()
	n, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if !ok {
		return
	}
	n.mu.Lock()
	if ch, ok := n.sessions[sessionID]; ok {
		close(ch)
		delete(n.sessions, sessionID)
	}
	n.mu.Unlock()
}
