// Package feed joins a room and merges its messages, presence, typing,
// reactions and read receipts into one view.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roomchat/internal/blob"
	"roomchat/internal/models"
	"roomchat/internal/presence"
	"roomchat/internal/reactions"
	"roomchat/internal/realtime"
	"roomchat/internal/receipts"
	"roomchat/internal/store"
	"roomchat/internal/typing"
	"roomchat/internal/utils"

	"go.uber.org/zap"
)

var (
	ErrRoomNotFound = errors.New("feed: room not found")
	ErrUnavailable  = errors.New("feed: room unavailable")
	ErrEmpty        = errors.New("feed: message is empty")
	ErrTooLong      = errors.New("feed: message too long")
	ErrUploadFailed = errors.New("feed: file upload failed")
	ErrSendFailed   = errors.New("feed: send failed")
	ErrInvalidName  = errors.New("feed: invalid name")
	ErrClosed       = errors.New("feed: closed")
)

const (
	existsAttempts     = 3
	defaultRetryDelay  = 300 * time.Millisecond
	defaultNoticeAfter = 5 * time.Second
)

// Config describes one participant joining one room.
type Config struct {
	Room      string
	Name      string
	Store     store.Store
	Blobs     blob.Store
	Transport realtime.Transport
	Logger    *zap.Logger

	// RetryDelay separates room existence checks.
	RetryDelay time.Duration
	// Typing overrides the typing coordinator's options.
	Typing []typing.Option
}

// Message is a stored message decorated for display.
type Message struct {
	models.Message
	Mine      bool                `json:"mine"`
	Reactions []reactions.Summary `json:"reactions"`
	ReadBy    []string            `json:"read_by"`
}

type View struct {
	Room        string            `json:"room"`
	Self        string            `json:"self"`
	Status      presence.Phase    `json:"status"`
	Messages    []Message         `json:"messages"`
	Online      []presence.Member `json:"online"`
	OnlineCount int               `json:"online_count"`
	Typing      string            `json:"typing"`
}

// Feed is an open room. All methods are safe for concurrent use.
type Feed struct {
	room  string
	st    store.Store
	blobs blob.Store
	log   *zap.Logger

	messagesCh realtime.Channel
	channels   []realtime.Channel
	presence   *presence.Tracker
	typing     *typing.Coordinator
	reactions  *reactions.Aggregator
	receipts   *receipts.Tracker

	mu       sync.RWMutex
	name     string
	selves   map[string]bool
	messages []models.Message
	seen     map[string]bool
	closed   bool

	updates   chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open checks the room, loads its history, announces the participant and
// starts every realtime subscription. The returned Feed must be closed.
func Open(ctx context.Context, cfg Config) (*Feed, error) {
	name := strings.TrimSpace(cfg.Name)
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	log := utils.OrNop(cfg.Logger).With(zap.String("room", cfg.Room), zap.String("user", name))

	f := &Feed{
		room:    cfg.Room,
		st:      cfg.Store,
		blobs:   cfg.Blobs,
		log:     log,
		name:    name,
		selves:  map[string]bool{name: true},
		seen:    make(map[string]bool),
		updates: make(chan struct{}, 1),
	}

	if err := f.checkRoom(ctx, cfg.RetryDelay); err != nil {
		return nil, err
	}

	history, err := f.st.ListMessages(ctx, f.room)
	if err != nil {
		return nil, fmt.Errorf("%w: load messages: %w", ErrUnavailable, err)
	}
	f.merge(history...)

	joined, err := f.notice(ctx, fmt.Sprintf("%s joined the chat", name))
	if err != nil {
		log.Warn("feed_join_notice_failed", zap.Error(err))
	} else {
		f.merge(*joined)
	}

	f.openChannels(cfg, log)

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	if err := f.start(ctx, runCtx); err != nil {
		f.shutdown()
		if joined != nil {
			// the join is already in history; pair it with a leave
			leaveCtx, stop := context.WithTimeout(context.Background(), defaultNoticeAfter)
			if _, lerr := f.notice(leaveCtx, fmt.Sprintf("%s left the chat", name)); lerr != nil {
				log.Warn("feed_leave_notice_failed", zap.Error(lerr))
			}
			stop()
		}
		return nil, fmt.Errorf("%w: subscribe: %w", ErrUnavailable, err)
	}

	// initial aggregates, so the first View is complete
	if err := f.reactions.Refresh(ctx); err != nil {
		log.Warn("feed_reactions_load_failed", zap.Error(err))
	}
	if err := f.receipts.Load(ctx); err != nil {
		log.Warn("feed_reads_load_failed", zap.Error(err))
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.markUnread(runCtx)
	}()

	log.Info("feed_opened", zap.Int("messages", len(history)))
	f.notify()
	return f, nil
}

func (f *Feed) checkRoom(ctx context.Context, delay time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= existsAttempts; attempt++ {
		ok, err := f.st.RoomExists(ctx, f.room)
		if err == nil {
			if !ok {
				return ErrRoomNotFound
			}
			return nil
		}
		lastErr = err
		f.log.Warn("feed_room_check_failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == existsAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (f *Feed) openChannels(cfg Config, log *zap.Logger) {
	tr := cfg.Transport
	onChange := f.notify

	f.messagesCh = tr.Channel(realtime.MessagesTopic(f.room), realtime.Options{Changes: []realtime.ChangeFilter{
		{Table: realtime.TableMessages, Op: realtime.OpInsert, Room: f.room},
	}})
	presenceCh := tr.Channel(realtime.PresenceTopic(f.room), realtime.Options{Presence: true})
	typingCh := tr.Channel(realtime.TypingTopic(f.room), typing.ChannelOptions())
	reactionsCh := tr.Channel(realtime.ReactionsTopic(f.room), reactions.ChannelOptions(f.room))
	readsCh := tr.Channel(realtime.ReadsTopic(f.room), receipts.ChannelOptions(f.room))
	f.channels = []realtime.Channel{f.messagesCh, presenceCh, typingCh, reactionsCh, readsCh}

	f.presence = presence.New(presenceCh, f.name,
		presence.WithLogger(log), presence.WithOnChange(onChange))
	typingOpts := append([]typing.Option{typing.WithLogger(log), typing.WithOnChange(onChange)}, cfg.Typing...)
	f.typing = typing.New(typingCh, f.name, typingOpts...)
	f.reactions = reactions.New(f.st, reactionsCh, f.room,
		reactions.WithLogger(log), reactions.WithOnChange(onChange))
	f.receipts = receipts.New(f.st, readsCh, f.room, f.name,
		receipts.WithLogger(log), receipts.WithOnChange(onChange))
}

func (f *Feed) start(ctx, runCtx context.Context) error {
	if err := f.messagesCh.Subscribe(ctx); err != nil {
		return err
	}
	f.goRun(func() { f.runMessages(runCtx) })

	starters := []struct {
		start func(context.Context) error
		run   func(context.Context)
	}{
		{f.presence.Start, f.presence.Run},
		{f.typing.Start, f.typing.Run},
		{f.reactions.Start, f.reactions.Run},
		{f.receipts.Start, f.receipts.Run},
	}
	for _, s := range starters {
		if err := s.start(ctx); err != nil {
			return err
		}
		run := s.run
		f.goRun(func() { run(runCtx) })
	}
	return nil
}

func (f *Feed) goRun(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}

// runMessages appends inserted messages. History is refetched on every
// subscribe: inserts made before the subscription or while disconnected are
// never replayed.
func (f *Feed) runMessages(ctx context.Context) {
	events := f.messagesCh.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case realtime.RowChanged:
				var msg models.Message
				if err := json.Unmarshal(e.Change.Record, &msg); err != nil {
					f.log.Debug("feed_bad_message_record", zap.Error(err))
					continue
				}
				if f.merge(msg) {
					f.notify()
					f.markOne(ctx, msg)
				}
			case realtime.StatusChanged:
				if e.Status == realtime.StatusSubscribed {
					f.refetch(ctx)
				}
			}
		}
	}
}

func (f *Feed) refetch(ctx context.Context) {
	list, err := f.st.ListMessages(ctx, f.room)
	if err != nil {
		f.log.Warn("feed_refetch_failed", zap.Error(err))
		return
	}
	if f.merge(list...) {
		f.notify()
	}
	f.markUnread(ctx)
}

// merge adds messages not seen before and keeps the list ordered by
// created_at, then id. It reports whether anything was added.
func (f *Feed) merge(msgs ...models.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := false
	for _, m := range msgs {
		if m.ID == "" || f.seen[m.ID] {
			continue
		}
		f.seen[m.ID] = true
		f.messages = append(f.messages, m)
		added = true
	}
	if added {
		sort.SliceStable(f.messages, func(i, j int) bool {
			a, b := f.messages[i], f.messages[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}
	return added
}

func (f *Feed) isMine(sender string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.selves[sender]
}

func (f *Feed) markOne(ctx context.Context, m models.Message) {
	if m.IsSystem || f.isMine(m.Sender) {
		return
	}
	if err := f.receipts.MarkRead(ctx, m.ID, m.Sender); err != nil {
		f.log.Debug("feed_mark_read_failed", zap.String("message", m.ID), zap.Error(err))
	}
}

// markUnread marks every message from others as read. Each upsert is
// independent; a failure only affects its own message.
func (f *Feed) markUnread(ctx context.Context) {
	f.mu.RLock()
	msgs := append([]models.Message(nil), f.messages...)
	f.mu.RUnlock()
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		f.markOne(ctx, m)
	}
}

// Updates signals that the view changed. Signals coalesce: a receiver that
// falls behind sees one pending signal, not one per change.
func (f *Feed) Updates() <-chan struct{} { return f.updates }

func (f *Feed) notify() {
	select {
	case f.updates <- struct{}{}:
	default:
	}
}

func (f *Feed) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

func (f *Feed) Room() string { return f.room }

// Send posts a message, optionally with a file. Content is trimmed and
// checked before anything touches the network.
func (f *Feed) Send(ctx context.Context, content string, file *blob.Upload) (*models.Message, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	content = strings.TrimSpace(content)
	if content == "" && file == nil {
		return nil, ErrEmpty
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return nil, ErrTooLong
	}

	var ref *models.FileRef
	if file != nil {
		if err := blob.Validate(*file); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		if f.blobs == nil {
			return nil, fmt.Errorf("%w: no file store", ErrUploadFailed)
		}
		var err error
		if ref, err = f.blobs.Upload(ctx, f.room, *file); err != nil {
			f.log.Warn("feed_upload_failed", zap.String("file", file.Name), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		if content == "" {
			content = "Shared " + ref.Name
		}
	}

	f.typing.Stop()

	msg, err := f.st.InsertMessage(ctx, models.NewMessage{
		Room:    f.room,
		Sender:  f.Name(),
		Content: content,
		File:    ref,
	})
	if err != nil {
		f.log.Warn("feed_send_failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if f.merge(*msg) {
		f.notify()
	}
	return msg, nil
}

// Typing reports a keystroke in the compose box.
func (f *Feed) Typing() { f.typing.Keystroke() }

func (f *Feed) StopTyping() { f.typing.Stop() }

func (f *Feed) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if f.isClosed() {
		return ErrClosed
	}
	return f.reactions.Toggle(ctx, messageID, emoji, f.Name())
}

// renamer is implemented by stores that hold server-side identity, such as
// the REST client, which must rename before anything is sent under the new
// name.
type renamer interface {
	Rename(ctx context.Context, name string) error
}

// Rename changes the local display name for presence, typing and new
// messages and reads. Messages sent under earlier names stay "mine".
func (f *Feed) Rename(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if err := models.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if f.isClosed() {
		return ErrClosed
	}
	if r, ok := f.st.(renamer); ok {
		if err := r.Rename(ctx, name); err != nil {
			return fmt.Errorf("feed: rename: %w", err)
		}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	old := f.name
	f.name = name
	f.selves[name] = true
	f.mu.Unlock()

	f.typing.Rename(name)
	f.receipts.Rename(name)
	if err := f.presence.Rename(ctx, name); err != nil {
		f.log.Warn("feed_rename_presence_failed", zap.Error(err))
	}
	f.log.Info("feed_renamed", zap.String("from", old), zap.String("to", name))
	f.notify()
	return nil
}

// View is a snapshot of everything the room shows.
func (f *Feed) View() View {
	f.mu.RLock()
	msgs := append([]models.Message(nil), f.messages...)
	selves := make(map[string]bool, len(f.selves))
	for n := range f.selves {
		selves[n] = true
	}
	self := f.name
	f.mu.RUnlock()

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{
			Message:   m,
			Mine:      !m.IsSystem && selves[m.Sender],
			Reactions: f.reactions.For(m.ID),
			ReadBy:    f.receipts.ReadersFor(m.ID, m.Sender),
		}
	}
	online := f.presence.Online()
	return View{
		Room:        f.room,
		Self:        self,
		Status:      f.presence.Status(),
		Messages:    out,
		Online:      online,
		OnlineCount: len(online),
		Typing:      f.typing.Text(),
	}
}

func (f *Feed) isClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

// Close posts the leave notice, drops presence, closes every channel and
// waits for all loops to exit. The notice is best effort.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		name := f.name
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultNoticeAfter)
		defer cancel()
		f.typing.Stop()
		if _, err := f.notice(ctx, fmt.Sprintf("%s left the chat", name)); err != nil {
			f.log.Warn("feed_leave_notice_failed", zap.Error(err))
		}
		if err := f.presence.Leave(ctx); err != nil {
			f.log.Debug("feed_untrack_failed", zap.Error(err))
		}
		f.shutdown()
		f.log.Info("feed_closed")
	})
	return nil
}

// notice posts a system message.
func (f *Feed) notice(ctx context.Context, text string) (*models.Message, error) {
	return f.st.InsertMessage(ctx, models.NewMessage{
		Room:     f.room,
		Sender:   models.SystemSender,
		Content:  text,
		IsSystem: true,
	})
}

func (f *Feed) shutdown() {
	for _, ch := range f.channels {
		if err := ch.Close(); err != nil {
			f.log.Debug("feed_channel_close_failed", zap.String("topic", ch.Name()), zap.Error(err))
		}
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}
