package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/chatline/pkg/client"
	"github.com/NicolasHaas/chatline/pkg/logging"
	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
	"github.com/NicolasHaas/chatline/pkg/version"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2

	dialTimeout = 10 * time.Second
	quitTimeout = 5 * time.Second
	prompt      = "client> "
)

// exitError carries the process exit code out of the cobra command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	level := "info"
	if v := os.Getenv("CHATLINE_LOG_LEVEL"); v != "" {
		level = v
	}
	format := "text"
	if v := os.Getenv("CHATLINE_LOG_FORMAT"); v != "" {
		format = v
	}
	_, _ = logging.Setup(logging.Options{
		Level:  level,
		Format: format,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(stderr, ee.msg)
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n%s", err, cmd.UsageString())
	return exitUsage
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:           "client <host> <port> <username>",
		Short:         "Interactive ChatLine client",
		Long:          "Connects to a ChatLine server, authenticates as <username> and reads\ncommands from stdin: sendmessage, getmessages, deletemessages,\ngetuserlist, quit.",
		Args:          cobra.ExactArgs(3),
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, username := args[0], args[1], args[2]
			if err := model.ValidateUsername(username); model.IsLengthError(err) {
				return fail(exitUsage, "Username must be 1-%d characters", model.MaxUsernameLength)
			}
			if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
				return fail(exitUsage, "Invalid port %q", port)
			}
			return chat(cmd.Context(), net.JoinHostPort(host, port), username, stdin, newPrinter(stdout))
		},
	}
}

// printer serializes output from the prompt loop and the receiver.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) print(c *color.Color, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c == nil {
		fmt.Fprintln(p.out, text)
		return
	}
	c.Fprintln(p.out, text)
}

func (p *printer) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, prompt)
}

var (
	errorColor   = color.New(color.FgRed)
	messageColor = color.New(color.FgCyan)
	okColor      = color.New(color.FgGreen)
	noticeColor  = color.New(color.FgYellow)
)

func colorFor(line string) *color.Color {
	switch protocol.ParseResponse(line).Keyword {
	case protocol.KeyError:
		return errorColor
	case protocol.KeyMessage:
		return messageColor
	case protocol.KeyOK:
		return okColor
	case protocol.KeyShutdown, protocol.KeyBye:
		return noticeColor
	default:
		return nil
	}
}

func chat(ctx context.Context, addr, username string, stdin io.Reader, out *printer) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	c, err := client.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return fail(exitRuntime, "Failed to connect: %v", err)
	}
	defer c.Close()

	res, err := c.Authenticate(username)
	if res.Welcome != "" {
		out.print(nil, res.Welcome)
	}
	if err != nil {
		if errors.Is(err, client.ErrAuthFailed) {
			return fail(exitRuntime, "Authentication failed: %s", res.Reply)
		}
		return fail(exitRuntime, "Authentication failed: %v", err)
	}
	out.print(okColor, res.Reply)

	var stopOnce sync.Once
	stopped := make(chan struct{})
	c.StartReceiving(func(line string) {
		text, terminal := client.Render(line)
		out.print(colorFor(line), text)
		if terminal {
			stopOnce.Do(func() { close(stopped) })
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.Done():
				return
			}
		}
	}()

	for {
		out.prompt()
		select {
		case <-ctx.Done():
			_ = c.Send(protocol.VerbQuit)
			return nil
		case <-c.Done():
			select {
			case <-stopped:
			default:
				out.print(nil, "Connection closed by server")
			}
			return nil
		case input, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := client.TranslateInput(input)
			if errors.Is(err, client.ErrEmptyInput) {
				continue
			}
			if err != nil {
				out.print(nil, err.Error())
				continue
			}
			if err := c.Send(cmd); err != nil {
				out.print(nil, "Connection closed by server")
				return nil
			}
			if client.IsQuit(cmd) {
				select {
				case <-c.Done():
				case <-time.After(quitTimeout):
				}
				return nil
			}
		}
	}
}
