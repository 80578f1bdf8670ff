package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"roomchat/internal/models"

	"github.com/google/uuid"
	"github.com/ugorji/go/codec"
	"go.etcd.io/bbolt"
)

// Bucket layout:
//
//	/rooms/{code}                      room record
//	/room:{code}/messages/{ts}{id}     message, ts is big-endian unix nanos
//	/room:{code}/message_ids/{id}      key into messages
//	/room:{code}/reactions/{msg}\x00{emoji}\x00{user}
//	/room:{code}/reads/{msg}\x00{user}
const (
	bucketRooms      = "rooms"
	bucketMessages   = "messages"
	bucketMessageIDs = "message_ids"
	bucketReactions  = "reactions"
	bucketReads      = "reads"
)

var jsonHandle codec.JsonHandle

// Bolt is a single-file embedded Store for single-node deployments.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Store = (*Bolt)(nil)

func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRooms))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func roomBucketName(code string) []byte {
	return []byte("room:" + code)
}

func encode(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &jsonHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func decode(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, &jsonHandle).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (b *Bolt) stamp() time.Time {
	return b.now().UTC().Truncate(time.Microsecond)
}

func getRoom(tx *bbolt.Tx, code string) (*models.Room, error) {
	data := tx.Bucket([]byte(bucketRooms)).Get([]byte(code))
	if data == nil {
		return nil, ErrNotFound
	}
	var r models.Room
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func putRoom(tx *bbolt.Tx, r *models.Room) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketRooms)).Put([]byte(r.Code), data)
}

// child returns a sub-bucket of the room bucket, or nil when the room has
// no data yet.
func child(tx *bbolt.Tx, code, name string) *bbolt.Bucket {
	rb := tx.Bucket(roomBucketName(code))
	if rb == nil {
		return nil
	}
	return rb.Bucket([]byte(name))
}

func (b *Bolt) CreateRoom(ctx context.Context, code string) error {
	if code == "" {
		return ErrInvalid
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketRooms)).Get([]byte(code)) != nil {
			return ErrConflict
		}
		rb, err := tx.CreateBucket(roomBucketName(code))
		if err != nil {
			return err
		}
		for _, name := range []string{bucketMessages, bucketMessageIDs, bucketReactions, bucketReads} {
			if _, err := rb.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		now := b.stamp()
		return putRoom(tx, &models.Room{Code: code, CreatedAt: now, LastActivityAt: now})
	})
}

func (b *Bolt) Room(ctx context.Context, code string) (*models.Room, error) {
	var r *models.Room
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = getRoom(tx, code)
		return err
	})
	return r, err
}

func (b *Bolt) RoomExists(ctx context.Context, code string) (bool, error) {
	exists := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(bucketRooms)).Get([]byte(code)) != nil
		return nil
	})
	return exists, err
}

func (b *Bolt) DeleteRoom(ctx context.Context, code string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		rooms := tx.Bucket([]byte(bucketRooms))
		if rooms.Get([]byte(code)) == nil {
			return ErrNotFound
		}
		if err := rooms.Delete([]byte(code)); err != nil {
			return err
		}
		if err := tx.DeleteBucket(roomBucketName(code)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

func (b *Bolt) ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	var codes []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRooms)).ForEach(func(k, v []byte) error {
			var r models.Room
			if err := decode(v, &r); err != nil {
				return err
			}
			if r.LastActivityAt.Before(cutoff) {
				codes = append(codes, string(k))
			}
			return nil
		})
	})
	return codes, err
}

func messageKey(ts time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
	return append(key, id...)
}

func (b *Bolt) InsertMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	if err := ValidateMessage(nm); err != nil {
		return nil, err
	}
	var msg models.Message
	err := b.db.Update(func(tx *bbolt.Tx) error {
		room, err := getRoom(tx, nm.Room)
		if err != nil {
			return err
		}
		ts := nextTimestamp(b.stamp(), room.LastActivityAt)
		room.LastActivityAt = ts
		if err := putRoom(tx, room); err != nil {
			return err
		}

		msg = models.Message{
			ID:        uuid.New().String(),
			Room:      nm.Room,
			Sender:    nm.Sender,
			Content:   nm.Content,
			IsSystem:  nm.IsSystem,
			File:      nm.File,
			CreatedAt: ts,
		}
		data, err := encode(&msg)
		if err != nil {
			return err
		}
		key := messageKey(ts, msg.ID)
		if err := child(tx, nm.Room, bucketMessages).Put(key, data); err != nil {
			return err
		}
		return child(tx, nm.Room, bucketMessageIDs).Put([]byte(msg.ID), key)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *Bolt) ListMessages(ctx context.Context, room string) ([]models.Message, error) {
	var out []models.Message
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := child(tx, room, bucketMessages)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := decode(v, &msg); err != nil {
				return err
			}
			out = append(out, msg)
			return nil
		})
	})
	return out, err
}

func hasMessage(tx *bbolt.Tx, room, id string) bool {
	ids := child(tx, room, bucketMessageIDs)
	return ids != nil && ids.Get([]byte(id)) != nil
}

func reactionKey(r models.Reaction) []byte {
	return []byte(r.MessageID + "\x00" + r.Emoji + "\x00" + r.UserName)
}

func (b *Bolt) AddReaction(ctx context.Context, r models.Reaction) error {
	if err := validateReaction(r); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if !hasMessage(tx, r.Room, r.MessageID) {
			return ErrNotFound
		}
		bucket := child(tx, r.Room, bucketReactions)
		key := reactionKey(r)
		if bucket.Get(key) != nil {
			return ErrDuplicate
		}
		r.CreatedAt = b.stamp()
		data, err := encode(&r)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (b *Bolt) RemoveReaction(ctx context.Context, r models.Reaction) error {
	if err := validateReaction(r); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := child(tx, r.Room, bucketReactions)
		key := reactionKey(r)
		if bucket == nil || bucket.Get(key) == nil {
			return ErrNotFound
		}
		return bucket.Delete(key)
	})
}

func (b *Bolt) ListReactions(ctx context.Context, room string) ([]models.Reaction, error) {
	var out []models.Reaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := child(tx, room, bucketReactions)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var r models.Reaction
			if err := decode(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (b *Bolt) UpsertRead(ctx context.Context, r models.ReadReceipt) (bool, error) {
	if err := validateRead(r); err != nil {
		return false, err
	}
	created := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if !hasMessage(tx, r.Room, r.MessageID) {
			return ErrNotFound
		}
		bucket := child(tx, r.Room, bucketReads)
		key := []byte(r.MessageID + "\x00" + r.UserName)
		if bucket.Get(key) != nil {
			return nil
		}
		r.ReadAt = b.stamp()
		data, err := encode(&r)
		if err != nil {
			return err
		}
		created = true
		return bucket.Put(key, data)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (b *Bolt) ListReads(ctx context.Context, room string) ([]models.ReadReceipt, error) {
	var out []models.ReadReceipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := child(tx, room, bucketReads)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var r models.ReadReceipt
			if err := decode(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReadAt.Before(out[j].ReadAt) })
	return out, err
}
