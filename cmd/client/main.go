package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/pairpad/internal/client"
	"github.com/manpreetbhatti/pairpad/internal/logging"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pairpad",
		Short:         "Terminal participant for pairpad rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(joinCmd(), newRoomCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRoomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new-room",
		Short: "Print a fresh room id",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), client.NewRoomID())
		},
	}
}

func joinCmd() *cobra.Command {
	var (
		server   string
		roomID   string
		name     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and edit its document from stdin",
		Long: `Join a room and edit its shared document line by line.

Plain lines are appended to the document. Commands:
  /run            execute the document
  /lang <name>    switch language (javascript, python, java, cpp)
  /input <text>   set the program input
  /clear          empty the document
  /show           print the document
  /leave          leave the room and exit

Examples:
  pairpad join --name alice
  pairpad join --room 5f0c... --name bob --server ws://localhost:5000/ws`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID == "" {
				roomID = client.NewRoomID()
			}
			return runJoin(cmd.InOrStdin(), cmd.OutOrStdout(), server, roomID, name, logLevel)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "ws://localhost:5000/ws", "Server WebSocket URL")
	cmd.Flags().StringVarP(&roomID, "room", "r", "", "Room id (a new room is created when empty)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runJoin(in io.Reader, out io.Writer, server, roomID, name, logLevel string) error {
	logger, err := logging.New(os.Stderr, logLevel, "console")
	if err != nil {
		return err
	}

	id, err := client.NewIdentity(roomID, name)
	if err != nil {
		return err
	}

	session := client.NewSession(client.SessionConfig{URL: server, Logger: logger})
	session.OnState(func(st client.State) {
		fmt.Fprintf(out, "* %s\n", st)
	})

	var room *client.Room
	room = client.NewRoom(client.RoomConfig{
		Identity: id,
		Session:  session,
		Logger:   logger,
		OnUpdate: func(event string) { printUpdate(out, room, event) },
	})

	failed := make(chan error, 1)
	session.OnFailure(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Joining room %s as %s\n", id.RoomID, id.UserName)
	if err := room.Start(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return room.Leave()
		case err := <-failed:
			session.Close()
			return err
		case line, ok := <-lines:
			if !ok {
				return room.Leave()
			}
			done, err := handleLine(out, room, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// handleLine applies one line of input. It reports true once the room
// has been left.
func handleLine(out io.Writer, room *client.Room, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		buf := room.Buffer()
		buf.SetCaret(utf8.RuneCountInString(buf.Content()))
		buf.Insert(line + "\n")
		return false, nil
	}

	command, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	switch command {
	case "run":
		return false, room.Run()
	case "lang":
		arg = strings.TrimSpace(arg)
		if !client.IsLanguage(arg) {
			return false, fmt.Errorf("unknown language %q, want one of %s", arg, strings.Join(client.Languages, ", "))
		}
		return false, room.SetLanguage(arg)
	case "input":
		return false, room.SetInput(arg)
	case "clear":
		room.Buffer().Set("")
		return false, nil
	case "show":
		fmt.Fprintf(out, "--- %s ---\n%s\n---\n", room.Language(), room.Code())
		return false, nil
	case "leave":
		return true, room.Leave()
	default:
		return false, fmt.Errorf("unknown command /%s", command)
	}
}

func printUpdate(out io.Writer, room *client.Room, event string) {
	switch event {
	case protocol.EventCodeUpdate:
		fmt.Fprintf(out, "--- document ---\n%s\n---\n", room.Code())
	case protocol.EventLanguageUpdate:
		fmt.Fprintf(out, "* language: %s\n", room.Language())
	case protocol.EventUserJoined:
		names := make([]string, 0)
		for _, m := range room.Members() {
			names = append(names, m.Name)
		}
		fmt.Fprintf(out, "* members: %s\n", strings.Join(names, ", "))
	case protocol.EventUserTyping:
		if text := room.Typing(); text != "" {
			fmt.Fprintf(out, "* %s\n", text)
		}
	case protocol.EventInputUpdate:
		fmt.Fprintf(out, "* input: %q\n", room.Input())
	case protocol.EventCodeResponse:
		fmt.Fprintf(out, "--- output ---\n%s---\n", room.Output())
	}
}
