package store

import (
	"context"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/realtime"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

// Publisher receives row changes after they are durable. *realtime.Hub
// satisfies it.
type Publisher interface {
	PublishChange(topic string, c realtime.Change) int
}

// notifying wraps a Store and publishes a row change for every successful
// write that other participants must see.
type notifying struct {
	Store
	pub Publisher
	log *zap.Logger
}

// Notifying returns s with change notifications published to pub:
// message inserts on messages-{room}, reaction inserts and deletes on
// reactions-{room}, and newly created reads on reads-{room}.
func Notifying(s Store, pub Publisher, log *zap.Logger) Store {
	return &notifying{Store: s, pub: pub, log: utils.OrNop(log)}
}

func (n *notifying) publish(topic, table string, op realtime.Op, room string, record interface{}) {
	c := realtime.Change{
		Table:    table,
		Op:       op,
		Room:     room,
		Record:   utils.RawJSON(record),
		CommitTS: time.Now().UTC(),
	}
	delivered := n.pub.PublishChange(topic, c)
	n.log.Debug("change_published",
		zap.String("topic", topic),
		zap.String("table", table),
		zap.String("op", string(op)),
		zap.Int("subscribers", delivered))
}

func (n *notifying) InsertMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	msg, err := n.Store.InsertMessage(ctx, nm)
	if err != nil {
		return nil, err
	}
	n.publish(realtime.MessagesTopic(msg.Room), realtime.TableMessages, realtime.OpInsert, msg.Room, msg)
	return msg, nil
}

func (n *notifying) AddReaction(ctx context.Context, r models.Reaction) error {
	if err := n.Store.AddReaction(ctx, r); err != nil {
		return err
	}
	n.publish(realtime.ReactionsTopic(r.Room), realtime.TableReactions, realtime.OpInsert, r.Room, r)
	return nil
}

func (n *notifying) RemoveReaction(ctx context.Context, r models.Reaction) error {
	if err := n.Store.RemoveReaction(ctx, r); err != nil {
		return err
	}
	n.publish(realtime.ReactionsTopic(r.Room), realtime.TableReactions, realtime.OpDelete, r.Room, r)
	return nil
}

func (n *notifying) UpsertRead(ctx context.Context, r models.ReadReceipt) (bool, error) {
	created, err := n.Store.UpsertRead(ctx, r)
	if err != nil || !created {
		return created, err
	}
	if r.ReadAt.IsZero() {
		r.ReadAt = time.Now().UTC()
	}
	n.publish(realtime.ReadsTopic(r.Room), realtime.TableReads, realtime.OpInsert, r.Room, r)
	return true, nil
}
