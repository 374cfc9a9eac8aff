package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// Console defaults.
const (
	DefaultConsoleChannel models.ChannelID = "console"
	DefaultConsoleUser    models.UserID    = "console-user"
)

// ConsoleService reads lines from a reader as messages of one user on one
// channel and prints outputs to a writer. Outputs for other channels are
// printed with the channel name. The input feed closes at end of input.
type ConsoleService struct {
	in      io.Reader
	out     io.Writer
	channel models.ChannelID
	user    models.UserID

	writeMu sync.Mutex
	*inbox
}

var _ Service = (*ConsoleService)(nil)

// ConsoleOption configures NewConsoleService.
type ConsoleOption func(*ConsoleService)

// WithConsoleIdentity sets the channel and user of typed lines.
func WithConsoleIdentity(channel models.ChannelID, user models.UserID) ConsoleOption {
	return func(s *ConsoleService) {
		s.channel = channel
		s.user = user
	}
}

func NewConsoleService(in io.Reader, out io.Writer, opts ...ConsoleOption) *ConsoleService {
	s := &ConsoleService{
		in:      in,
		out:     out,
		channel: DefaultConsoleChannel,
		user:    DefaultConsoleUser,
		inbox:   newInbox("console"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start reads input lines until end of input or ctx is done.
func (s *ConsoleService) Start(ctx context.Context) error {
	go s.read(ctx)
	return nil
}

func (s *ConsoleService) read(ctx context.Context) {
	defer s.close()
	sc := bufio.NewScanner(s.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.receive(s.channel, s.user, line)
	}
	if err := sc.Err(); err != nil {
		slog.Error("ConsoleService.read: input failed", "error", err)
		return
	}
	slog.Info("ConsoleService.read: end of input")
}

func (s *ConsoleService) Stop() error {
	s.close()
	return nil
}

func (s *ConsoleService) Render(output models.Output, channel models.ChannelID) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	prefix := "bot> "
	if channel != s.channel {
		prefix = fmt.Sprintf("[%s] bot> ", channel)
	}
	if _, err := fmt.Fprintln(s.out, prefix+output.PlainText()); err != nil {
		slog.Error("ConsoleService.Render: write failed", "error", err, "channel", channel)
		return
	}
	s.rendered(output, channel)
}
