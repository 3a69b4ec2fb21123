package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/dustin/go-humanize"
)

const consoleHelp = `Commands:
  <text>            send a message to the active thread
  /retry            resend your last failed message
  /older            load older history
  /history          print the active thread
  /switch <thread>  open another thread
  /inbox            refresh and print the inbox (agents)
  /status           channel, presence and typing state
  /help             this help
  /quit             leave`

// chatSession is the part of service.Session the console drives
type chatSession interface {
	ActiveThread() string
	Send(ctx context.Context, body string) (string, error)
	Retry(ctx context.Context, threadID, clientID string) error
	LoadOlder(ctx context.Context, threadID string) (bool, error)
	SwitchThread(ctx context.Context, threadID string) error
	RefreshInbox(ctx context.Context) error
	Inbox() []models.InboxThread
	Messages(threadID string) []models.Message
	LiveMeta(threadID string) models.ThreadLiveMeta
	IsServiceLive(threadID string) bool
	TypingPeers(threadID string) []string
}

type console struct {
	session chatSession
	self    string
	role    models.Role
	now     func() time.Time

	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func newConsole(session chatSession, self string, role models.Role, out io.Writer) *console {
	return &console{
		session: session,
		self:    self,
		role:    role,
		now:     time.Now,
		out:     out,
		printed: make(map[string]bool),
	}
}

// Run reads commands until /quit, EOF or ctx is done
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if c.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs one console line and reports whether the user quit
func (c *console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	active := c.session.ActiveThread()

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(consoleHelp)
	case "/retry":
		c.retry(ctx, active)
	case "/older":
		if active == "" {
			c.println("No active thread")
			return false
		}
		before := len(c.session.Messages(active))
		more, err := c.session.LoadOlder(ctx, active)
		if err != nil {
			c.printError("Could not load history", err)
			return false
		}
		loaded := len(c.session.Messages(active)) - before
		c.printf("Loaded %s older %s", humanize.Comma(int64(loaded)), plural(loaded, "message", "messages"))
		if !more {
			c.println(", start of conversation")
		} else {
			c.println("")
		}
	case "/history":
		c.printHistory(active)
	case "/switch":
		if arg == "" {
			c.println("Usage: /switch <thread>")
			return false
		}
		if err := c.session.SwitchThread(ctx, arg); err != nil {
			c.printError("Could not open thread", err)
			return false
		}
		c.printf("Now in thread %s\n", arg)
		c.printHistory(arg)
	case "/inbox":
		if c.role != models.RoleAgent {
			c.println("The inbox is only available to agents")
			return false
		}
		if err := c.session.RefreshInbox(ctx); err != nil {
			c.printError("Could not refresh inbox", err)
		}
		for _, l := range formatInbox(c.session.Inbox(), c.now()) {
			c.println(l)
		}
	case "/status":
		if active == "" {
			c.println("No active thread")
			return false
		}
		c.println(formatStatus(c.session.LiveMeta(active), c.session.IsServiceLive(active), c.session.TypingPeers(active), c.now()))
	default:
		c.printf("Unknown command %s, /help lists commands\n", name)
	}
	return false
}

func (c *console) send(ctx context.Context, body string) {
	threadID := c.session.ActiveThread()
	clientID, err := c.session.Send(ctx, body)
	if clientID != "" {
		c.markPrinted(threadID, clientID)
	}
	if err != nil {
		c.printError("Message not delivered, /retry to resend", err)
	}
}

func (c *console) retry(ctx context.Context, threadID string) {
	msgs := c.session.Messages(threadID)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.SenderID != c.self || m.DeliveryState != models.DeliveryStateFailed {
			continue
		}
		if err := c.session.Retry(ctx, threadID, m.ClientID); err != nil {
			c.printError("Retry failed", err)
			return
		}
		c.println("Delivered")
		return
	}
	c.println("Nothing to retry")
}

// onMessagesChanged prints peer messages of the active thread that have not
// been shown yet
func (c *console) onMessagesChanged(key store.QueryKey) {
	if len(key) < 2 || key[1] != c.session.ActiveThread() {
		return
	}
	threadID := key[1]
	now := c.now()
	for _, m := range c.session.Messages(threadID) {
		if m.SenderID == c.self {
			continue
		}
		if !c.markPrinted(threadID, messageKey(m)) {
			continue
		}
		c.println(formatMessage(m, c.self, now))
	}
}

func (c *console) printWelcome() {
	active := c.session.ActiveThread()
	if active != "" {
		c.printHistory(active)
	}
	if c.role == models.RoleAgent {
		for _, l := range formatInbox(c.session.Inbox(), c.now()) {
			c.println(l)
		}
	}
	c.println("Type a message, /help for commands")
}

func (c *console) printHistory(threadID string) {
	if threadID == "" {
		c.println("No active thread")
		return
	}
	now := c.now()
	msgs := c.session.Messages(threadID)
	if len(msgs) == 0 {
		c.println("No messages yet")
	}
	for _, m := range msgs {
		c.markPrinted(threadID, messageKey(m))
		c.println(formatMessage(m, c.self, now))
	}
}

// markPrinted records a message as shown and reports whether it was new
func (c *console) markPrinted(threadID, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := threadID + "/" + key
	if c.printed[k] {
		return false
	}
	c.printed[k] = true
	return true
}

func (c *console) printError(msg string, err error) {
	c.printf("%s: %s\n", msg, apperrors.GetUserMessage(err))
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// messageKey is stable across the optimistic and confirmed copies
func messageKey(m models.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

func formatMessage(m models.Message, self string, now time.Time) string {
	who := m.SenderID
	if who == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", relTime(time.UnixMilli(m.CreatedAt), now), who, m.Body)
	switch m.DeliveryState {
	case models.DeliveryStateSending:
		line += " (sending)"
	case models.DeliveryStateFailed:
		line += " (failed)"
	}
	return line
}

func formatInbox(items []models.InboxThread, now time.Time) []string {
	if len(items) == 0 {
		return []string{"Inbox is empty"}
	}
	unread := 0
	for _, item := range items {
		unread += item.UnreadCount
	}
	lines := []string{fmt.Sprintf("Inbox: %s %s, %s unread",
		humanize.Comma(int64(len(items))), plural(len(items), "thread", "threads"), humanize.Comma(int64(unread)))}

	for _, item := range items {
		marker := " "
		if item.UnreadCount > 0 {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s  %s  %s", marker, item.Thread.ID, item.Thread.VisitorID, item.Thread.Status)
		if item.UnreadCount > 0 {
			line += fmt.Sprintf("  %s unread", humanize.Comma(int64(item.UnreadCount)))
		}
		if m := item.LastMessage; m != nil {
			line += fmt.Sprintf("  %q %s", truncate(m.Body, 40), relTime(time.UnixMilli(m.CreatedAt), now))
		}
		lines = append(lines, line)
	}
	return lines
}

func formatStatus(meta models.ThreadLiveMeta, live bool, typingPeers []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "channel %s", meta.ChannelStatus)
	if meta.Online {
		b.WriteString(", online")
	} else {
		b.WriteString(", offline")
	}
	if live {
		b.WriteString(", service live")
	} else {
		b.WriteString(", service not live")
	}
	if meta.LatestHeartbeatAt.IsZero() {
		b.WriteString("; no heartbeat yet")
	} else {
		fmt.Fprintf(&b, "; last heartbeat %s", relTime(meta.LatestHeartbeatAt, now))
	}
	if len(typingPeers) > 0 {
		fmt.Fprintf(&b, "; %s typing", strings.Join(typingPeers, ", "))
	}
	return b.String()
}

func relTime(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
