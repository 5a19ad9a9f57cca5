package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/splice/cli/render"
	"github.com/pithecene-io/splice/client"
	"github.com/pithecene-io/splice/types"
)

// Default settings for the send command.
const (
	DefaultServerURL   = "ws://localhost:8080/ws"
	DefaultChunkSize   = 32 * 1024
	DefaultSendTimeout = 30 * time.Second
)

// SendCommand returns the send command, which splits a payload into chunked
// frames, sends them on one connection and waits for the assembled ack.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one chunked message and wait for its ack",
		ArgsUsage: " ",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Server websocket URL", Value: DefaultServerURL, EnvVars: []string{"SPLICE_URL"}},
			&cli.StringFlag{Name: "app", Usage: "Application id (required)", Required: true},
			&cli.StringFlag{Name: "msg-id", Usage: "Message id (default: generated)"},
			&cli.StringFlag{Name: "session-id", Usage: "Session id (default: generated)"},
			&cli.StringFlag{Name: "file", Usage: "Read payload from file, or - for stdin"},
			&cli.StringFlag{Name: "data", Usage: "Inline payload"},
			&cli.StringFlag{Name: "name", Usage: "Message name"},
			&cli.StringFlag{Name: "stream-type", Usage: "Stream type label"},
			&cli.StringFlag{Name: "task-type", Usage: "Task type: Function, Script, Subscription"},
			&cli.StringFlag{Name: "task-params", Usage: "Task params JSON document"},
			&cli.IntFlag{Name: "chunk-size", Usage: "Bytes per frame", Value: DefaultChunkSize},
			&cli.DurationFlag{Name: "timeout", Usage: "Overall timeout", Value: DefaultSendTimeout},
		}, ReadOnlyFlags()...),
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for send command", 1)
	}

	msg, err := sendMessage(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	cl, err := client.Dial(ctx, client.Config{
		URL:       c.String("url"),
		AppID:     c.String("app"),
		SessionID: c.String("session-id"),
		ChunkSize: c.Int("chunk-size"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("connect: %v", err), 1)
	}
	defer func() { _ = cl.Close() }()

	ack, err := cl.SendAndWait(ctx, msg)
	var ackErr *client.AckError
	if errors.As(err, &ackErr) {
		_ = r.Render(ackErr.Ack)
		return cli.Exit("", 1)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("send: %v", err), 1)
	}
	return r.Render(ack)
}

// sendMessage builds the message from flags. --file and --data are
// mutually exclusive; neither sends an empty message.
func sendMessage(c *cli.Context) (client.Message, error) {
	msg := client.Message{
		MsgID:      c.String("msg-id"),
		Name:       c.String("name"),
		StreamType: c.String("stream-type"),
	}

	if c.IsSet("file") && c.IsSet("data") {
		return msg, errors.New("--file and --data are mutually exclusive")
	}
	switch {
	case c.IsSet("file"):
		data, err := readPayload(c.String("file"), c.App.Reader)
		if err != nil {
			return msg, err
		}
		msg.Data = data
	case c.IsSet("data"):
		msg.Data = []byte(c.String("data"))
	}

	if c.IsSet("task-params") && !c.IsSet("task-type") {
		return msg, errors.New("--task-params requires --task-type")
	}
	if c.IsSet("task-type") {
		tt := types.TaskType(c.String("task-type"))
		if !tt.IsValid() {
			return msg, fmt.Errorf("unknown task type %q", tt)
		}
		msg.Business = &types.BusinessData{TaskType: tt, TaskParams: c.String("task-params")}
	}
	return msg, nil
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
