// roomchat is a line-mode terminal client. It joins a room on a
// roomchat-server and prints the conversation as it changes.
//
// Lines typed are sent as messages, except commands:
//
//	/name NEW           change display name
//	/react N EMOJI      toggle a reaction on message #N
//	/file PATH [TEXT]   share a file
//	/who                list who is online
//	/quit               leave the room
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"roomchat/internal/blob"
	"roomchat/internal/feed"
	"roomchat/internal/httpstore"
	"roomchat/internal/models"
	"roomchat/internal/realtime/wsclient"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var server, room, name, logFile string
	var create bool

	flagSet := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", "http://localhost:3001", "server base URL")
	flagSet.StringVarP(&room, "room", "r", "", "room code to join")
	flagSet.BoolVarP(&create, "create", "c", false, "create a new room and join it")
	flagSet.StringVarP(&name, "name", "n", "", "display name (generated when empty)")
	flagSet.StringVar(&logFile, "log-file", "", "write JSON logs to this file")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if room == "" && !create {
		return errors.New("pass --room CODE or --create")
	}

	log, err := newLogger(logFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := httpstore.New(server, httpstore.WithLogger(log))
	if create {
		if room, err = api.NewRoom(ctx); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		fmt.Printf("* created room %s\n", room)
	}
	joined, err := api.Join(ctx, room, name)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	wsURL, err := gatewayURL(server)
	if err != nil {
		return err
	}
	go api.KeepFresh(ctx)
	ws, err := wsclient.Dial(ctx, wsURL, joined.Token,
		wsclient.WithLogger(log), wsclient.WithTokenSource(api.FreshToken))
	if err != nil {
		return err
	}
	defer ws.Close()

	f, err := feed.Open(ctx, feed.Config{
		Room:      joined.Room,
		Name:      joined.Name,
		Store:     api,
		Blobs:     api.Files(),
		Transport: ws,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Printf("* joined %s as %s\n", joined.Room, joined.Name)

	s := &session{feed: f, out: os.Stdout, printer: newPrinter(os.Stdout)}
	go s.watch(ctx)

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func newLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewNop(), nil
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}

// gatewayURL maps http(s)://host to ws(s)://host/ws.
func gatewayURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// chat is the part of *feed.Feed the session drives.
type chat interface {
	View() feed.View
	Updates() <-chan struct{}
	Send(ctx context.Context, content string, file *blob.Upload) (*models.Message, error)
	Rename(ctx context.Context, name string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) error
}

// session serializes printing between the update watcher and commands.
type session struct {
	feed    chat
	out     io.Writer
	mu      sync.Mutex
	printer *printer
}

func (s *session) watch(ctx context.Context) {
	s.redraw()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.feed.Updates():
			if !ok {
				return
			}
			s.redraw()
		}
	}
}

func (s *session) redraw() {
	v := s.feed.View()
	s.mu.Lock()
	s.printer.render(v)
	s.mu.Unlock()
}

func (s *session) say(format string, args ...interface{}) {
	s.mu.Lock()
	fmt.Fprintf(s.out, format+"\n", args...)
	s.mu.Unlock()
}

// handle runs one input line and reports whether the user asked to quit.
func (s *session) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.send(ctx, line, nil)
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/name":
		if err := s.feed.Rename(ctx, rest); err != nil {
			s.say("! rename failed: %v", err)
			return false
		}
		s.say("* you are now %s", rest)
	case "/react":
		num, emoji, _ := strings.Cut(rest, " ")
		n, err := strconv.Atoi(num)
		if err != nil || strings.TrimSpace(emoji) == "" {
			s.say("! usage: /react N EMOJI")
			return false
		}
		s.mu.Lock()
		id, ok := s.printer.messageID(n)
		s.mu.Unlock()
		if !ok {
			s.say("! no message #%d", n)
			return false
		}
		if err := s.feed.ToggleReaction(ctx, id, strings.TrimSpace(emoji)); err != nil {
			s.say("! reaction failed: %v", err)
		}
	case "/file":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			s.say("! usage: /file PATH [TEXT]")
			return false
		}
		up, err := loadFile(path)
		if err != nil {
			s.say("! %v", err)
			return false
		}
		s.send(ctx, strings.TrimSpace(caption), up)
	case "/who":
		v := s.feed.View()
		names := make([]string, 0, len(v.Online))
		for _, m := range v.Online {
			names = append(names, m.Name)
		}
		s.say("* %d online: %s", v.OnlineCount, strings.Join(names, ", "))
	default:
		s.say("! unknown command %s", cmd)
	}
	return false
}

func (s *session) send(ctx context.Context, content string, file *blob.Upload) {
	if _, err := s.feed.Send(ctx, content, file); err != nil {
		switch {
		case errors.Is(err, feed.ErrTooLong):
			s.say("! message is longer than %d characters", models.MaxContentLength)
		case errors.Is(err, feed.ErrEmpty):
		default:
			s.say("! not sent: %v", err)
		}
	}
}

// loadFile reads a file to share, guessing its MIME type from the
// extension and then the content.
func loadFile(path string) (*blob.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &blob.Upload{Name: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}
