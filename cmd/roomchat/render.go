package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"roomchat/internal/feed"
	"roomchat/internal/reactions"
)

// printer writes the parts of a view that changed since the last call.
// Messages are numbered in arrival order so commands can refer to them.
type printer struct {
	out io.Writer

	ids       []string
	index     map[string]int
	reactions map[string]string
	readBy    map[string]string
	typing    string
	online    string
	status    string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:       out,
		index:     make(map[string]int),
		reactions: make(map[string]string),
		readBy:    make(map[string]string),
	}
}

// messageID resolves a number shown by the printer.
func (p *printer) messageID(n int) (string, bool) {
	if n < 1 || n > len(p.ids) {
		return "", false
	}
	return p.ids[n-1], true
}

func (p *printer) render(v feed.View) {
	if s := v.Status.String(); s != p.status {
		p.status = s
		fmt.Fprintf(p.out, "* %s\n", s)
	}

	for _, m := range v.Messages {
		n, ok := p.index[m.ID]
		if !ok {
			p.ids = append(p.ids, m.ID)
			n = len(p.ids)
			p.index[m.ID] = n
			p.printMessage(n, m)
		}

		if r := formatReactions(m.Reactions); r != p.reactions[m.ID] {
			p.reactions[m.ID] = r
			if r != "" {
				fmt.Fprintf(p.out, "  #%d %s\n", n, r)
			}
		}
		if m.Mine && len(m.ReadBy) > 0 {
			if r := strings.Join(m.ReadBy, ", "); r != p.readBy[m.ID] {
				p.readBy[m.ID] = r
				fmt.Fprintf(p.out, "  #%d read by %s\n", n, r)
			}
		}
	}

	names := make([]string, 0, len(v.Online))
	for _, m := range v.Online {
		names = append(names, m.Name)
	}
	if online := strings.Join(names, ", "); online != p.online {
		p.online = online
		fmt.Fprintf(p.out, "* %d online: %s\n", v.OnlineCount, online)
	}

	if v.Typing != p.typing {
		p.typing = v.Typing
		if v.Typing != "" {
			fmt.Fprintf(p.out, "  (%s)\n", v.Typing)
		}
	}
}

func (p *printer) printMessage(n int, m feed.Message) {
	ts := m.CreatedAt.Local().Format("15:04")
	switch {
	case m.IsSystem:
		fmt.Fprintf(p.out, "#%d [%s] -- %s --\n", n, ts, m.Content)
	case m.File != nil:
		fmt.Fprintf(p.out, "#%d [%s] %s: %s <%s>\n", n, ts, m.Sender, m.Content, m.File.URL)
	default:
		fmt.Fprintf(p.out, "#%d [%s] %s: %s\n", n, ts, m.Sender, m.Content)
	}
}

func formatReactions(list []reactions.Summary) string {
	if len(list) == 0 {
		return ""
	}
	parts := make([]string, 0, len(list))
	for _, s := range list {
		actors := append([]string(nil), s.Actors...)
		sort.Strings(actors)
		parts = append(parts, fmt.Sprintf("%s %d (%s)", s.Emoji, s.Count, strings.Join(actors, ", ")))
	}
	return strings.Join(parts, "  ")
}
