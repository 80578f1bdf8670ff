package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomchat/internal/models"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests. It can be told to fail a given
// operation a number of times to exercise retry and rollback paths.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	rooms     map[string]*models.Room
	messages  map[string][]models.Message
	reactions map[string][]models.Reaction
	reads     map[string][]models.ReadReceipt
	lastTS    map[string]time.Time
	failures  map[string][]error
	calls     map[string]int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		rooms:     make(map[string]*models.Room),
		messages:  make(map[string][]models.Message),
		reactions: make(map[string][]models.Reaction),
		reads:     make(map[string][]models.ReadReceipt),
		lastTS:    make(map[string]time.Time),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// FailNext makes the next n calls of op (a method name such as
// "RoomExists") return err.
func (m *Memory) FailNext(op string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[op] = append(m.failures[op], err)
	}
}

// Calls reports how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter must be called with m.mu held.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *Memory) stamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Memory) CreateRoom(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateRoom"); err != nil {
		return err
	}
	if code == "" {
		return ErrInvalid
	}
	if _, ok := m.rooms[code]; ok {
		return ErrConflict
	}
	now := m.stamp()
	m.rooms[code] = &models.Room{Code: code, CreatedAt: now, LastActivityAt: now}
	return nil
}

func (m *Memory) Room(ctx context.Context, code string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Room"); err != nil {
		return nil, err
	}
	r, ok := m.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) RoomExists(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RoomExists"); err != nil {
		return false, err
	}
	_, ok := m.rooms[code]
	return ok, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteRoom"); err != nil {
		return err
	}
	if _, ok := m.rooms[code]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, code)
	delete(m.messages, code)
	delete(m.reactions, code)
	delete(m.reads, code)
	delete(m.lastTS, code)
	return nil
}

func (m *Memory) ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ExpiredRooms"); err != nil {
		return nil, err
	}
	var codes []string
	for code, r := range m.rooms {
		if r.LastActivityAt.Before(cutoff) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func (m *Memory) InsertMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertMessage"); err != nil {
		return nil, err
	}
	if err := ValidateMessage(nm); err != nil {
		return nil, err
	}
	room, ok := m.rooms[nm.Room]
	if !ok {
		return nil, ErrNotFound
	}
	ts := nextTimestamp(m.stamp(), m.lastTS[nm.Room])
	m.lastTS[nm.Room] = ts
	room.LastActivityAt = ts

	msg := models.Message{
		ID:        uuid.New().String(),
		Room:      nm.Room,
		Sender:    nm.Sender,
		Content:   nm.Content,
		IsSystem:  nm.IsSystem,
		File:      nm.File,
		CreatedAt: ts,
	}
	m.messages[nm.Room] = append(m.messages[nm.Room], msg)
	return &msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, room string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListMessages"); err != nil {
		return nil, err
	}
	out := append([]models.Message(nil), m.messages[room]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// messageInRoom must be called with m.mu held.
func (m *Memory) messageInRoom(room, id string) bool {
	for _, msg := range m.messages[room] {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func (m *Memory) AddReaction(ctx context.Context, r models.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddReaction"); err != nil {
		return err
	}
	if err := validateReaction(r); err != nil {
		return err
	}
	if !m.messageInRoom(r.Room, r.MessageID) {
		return ErrNotFound
	}
	for _, existing := range m.reactions[r.Room] {
		if existing.MessageID == r.MessageID && existing.Emoji == r.Emoji && existing.UserName == r.UserName {
			return ErrDuplicate
		}
	}
	r.CreatedAt = m.stamp()
	m.reactions[r.Room] = append(m.reactions[r.Room], r)
	return nil
}

func (m *Memory) RemoveReaction(ctx context.Context, r models.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RemoveReaction"); err != nil {
		return err
	}
	if err := validateReaction(r); err != nil {
		return err
	}
	list := m.reactions[r.Room]
	for i, existing := range list {
		if existing.MessageID == r.MessageID && existing.Emoji == r.Emoji && existing.UserName == r.UserName {
			m.reactions[r.Room] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListReactions(ctx context.Context, room string) ([]models.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListReactions"); err != nil {
		return nil, err
	}
	return append([]models.Reaction(nil), m.reactions[room]...), nil
}

func (m *Memory) UpsertRead(ctx context.Context, r models.ReadReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertRead"); err != nil {
		return false, err
	}
	if err := validateRead(r); err != nil {
		return false, err
	}
	if !m.messageInRoom(r.Room, r.MessageID) {
		return false, ErrNotFound
	}
	for _, existing := range m.reads[r.Room] {
		if existing.MessageID == r.MessageID && existing.UserName == r.UserName {
			return false, nil
		}
	}
	r.ReadAt = m.stamp()
	m.reads[r.Room] = append(m.reads[r.Room], r)
	return true, nil
}

func (m *Memory) ListReads(ctx context.Context, room string) ([]models.ReadReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListReads"); err != nil {
		return nil, err
	}
	return append([]models.ReadReceipt(nil), m.reads[room]...), nil
}
