package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatterhq/chatter/internal/connection"
	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/session"
	"github.com/chatterhq/chatter/internal/store"
	"github.com/chatterhq/chatter/internal/transport"
)

const chatHelp = `Type a message and press enter to send it.
  /retry <id>  resend a failed message
  /who         list online users
  /quit        leave (waits for unconfirmed messages)`

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open an interactive conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.chat(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) chat(ctx context.Context, peer string, in io.Reader, out io.Writer) error {
	creds, err := a.credentials()
	if err != nil {
		return err
	}
	if peer == creds.Identity.ID {
		return fmt.Errorf("cannot chat with yourself")
	}

	dialer, err := transport.NewWebSocketDialer(a.server(creds))
	if err != nil {
		return err
	}
	cache, err := store.NewSQLiteCache(a.cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open history cache: %w", err)
	}

	s := session.New(session.ConfigFromClient(a.cfg), dialer, cache, a.logger)
	defer func() {
		if err := s.Close(); err != nil {
			a.logger.Warn("Failed to close session", "error", err)
		}
	}()

	v := newChatView(out, peer)
	defer s.OnConversationChange(peer, v.conversation(s))()
	defer s.OnConnectivityChange(v.connectivity)()
	defer s.OnPresenceChange(v.presence)()
	defer s.OnTypingChange(v.typing)()
	defer v.stop()

	v.printf("%s\n", chatHelp)
	if err := s.Start(ctx, creds.Identity, creds.Token); err != nil {
		return err
	}
	v.conversation(s)(domain.KeyFor(creds.Identity.ID, peer), s.Conversation(peer))
	a.waitReady(ctx, s)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.flush(s, v)
			return nil
		case line, ok := <-lines:
			if !ok {
				a.flush(s, v)
				return nil
			}
			if quit := a.handleLine(ctx, s, v, peer, strings.TrimSpace(line)); quit {
				a.flush(s, v)
				return nil
			}
		}
	}
}

// handleLine runs one line of input and reports whether the user quit.
func (a *app) handleLine(ctx context.Context, s *session.Session, v *chatView, peer, line string) bool {
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/who":
		v.printf("* online: %s\n", strings.Join(s.Online(), ", "))
	case strings.HasPrefix(line, "/retry "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if err := s.Retry(ctx, id); err != nil {
			v.printf("! retry %s: %v\n", id, err)
		}
	case strings.HasPrefix(line, "/"):
		v.printf("! unknown command %q\n", line)
	default:
		// Input arrives a line at a time, so the peer sees typing for the
		// span of the send.
		a.setTyping(ctx, s, peer, true)
		if _, err := s.SendMessage(ctx, peer, line); err != nil {
			v.printf("! send: %v\n", err)
		}
		a.setTyping(ctx, s, peer, false)
	}
	return false
}

func (a *app) setTyping(ctx context.Context, s *session.Session, peer string, typing bool) {
	if err := s.SetTyping(ctx, peer, typing); err != nil {
		a.logger.Debug("Typing update not sent", "peer", peer, "typing", typing, "error", err)
	}
}

// waitReady gives the channel up to the send timeout to open before input is
// read. Sends made while it is still down are resent once it opens.
func (a *app) waitReady(ctx context.Context, s *session.Session) {
	deadline := time.Now().Add(a.cfg.SendTimeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		switch s.State() {
		case connection.StateReady, connection.StateDisconnected:
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// flush waits up to the send timeout for unconfirmed messages to settle and
// for their status to be printed.
func (a *app) flush(s *session.Session, v *chatView) {
	unsettled := func() int { return max(len(s.Pending()), v.sending()) }

	deadline := time.Now().Add(a.cfg.SendTimeout)
	if n := unsettled(); n > 0 {
		v.printf("* waiting for %d unconfirmed message(s)\n", n)
	}
	for unsettled() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := unsettled(); n > 0 {
		v.printf("! %d message(s) left unconfirmed\n", n)
	}
}

// chatView renders session events as lines of text. Callbacks arrive from
// several goroutines, so writes are serialized.
type chatView struct {
	peer string

	mu      sync.Mutex
	out     io.Writer
	printed map[string]domain.DeliveryState
	online  bool
	state   connection.State
	stopped bool
}

func newChatView(out io.Writer, peer string) *chatView {
	return &chatView{
		peer:    peer,
		out:     out,
		printed: make(map[string]domain.DeliveryState),
	}
}

func (v *chatView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}
	fmt.Fprintf(v.out, format, args...)
}

// stop silences the view; callbacks still in flight are dropped.
func (v *chatView) stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// sending counts printed messages still shown as pending.
func (v *chatView) sending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, st := range v.printed {
		if st == domain.StatePending {
			n++
		}
	}
	return n
}

// conversation prints messages not seen yet and delivery state changes of
// the user's own messages, keyed by pending id so a confirmation that swaps
// the id is reported as a status change.
func (v *chatView) conversation(s *session.Session) func(domain.ConversationKey, []domain.Message) {
	return func(_ domain.ConversationKey, msgs []domain.Message) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.stopped {
			return
		}
		for _, m := range msgs {
			key := m.ID
			if m.PendingID != "" {
				key = m.PendingID
			}
			state := m.State()
			prev, seen := v.printed[key]
			v.printed[key] = state
			switch {
			case !seen:
				fmt.Fprintf(v.out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content, v.marker(s, key, state))
			case prev != state:
				fmt.Fprintf(v.out, "  %s%s\n", truncate(m.Content, 24), v.marker(s, key, state))
			}
		}
	}
}

func (v *chatView) marker(s *session.Session, key string, state domain.DeliveryState) string {
	switch state {
	case domain.StatePending:
		return " (sending)"
	case domain.StateFailed:
		reason, _ := s.FailureReason(key)
		return fmt.Sprintf(" (failed: %s, /retry %s)", reason, key)
	default:
		if domain.IsPendingID(key) {
			return " (sent)"
		}
		return ""
	}
}

func (v *chatView) connectivity(state connection.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped || state == v.state {
		return
	}
	v.state = state
	fmt.Fprintf(v.out, "* %s\n", state)
}

func (v *chatView) presence(online map[string]struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, now := online[v.peer]
	if v.stopped || now == v.online {
		return
	}
	v.online = now
	if now {
		fmt.Fprintf(v.out, "* %s is online\n", v.peer)
	} else {
		fmt.Fprintf(v.out, "* %s went offline\n", v.peer)
	}
}

func (v *chatView) typing(userID string, typing bool) {
	if userID != v.peer || !typing {
		return
	}
	v.printf("* %s is typing...\n", v.peer)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
