package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/profile"
)

const callTimeout = 30 * time.Second

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, c *client.Client, args []string) error
	// stream commands run until interrupted instead of under callTimeout.
	stream bool
}

var jsonOut bool

func commands() map[string]command {
	return map[string]command{
		"status":        {"status", "Show daemon and session status", cmdStatus, false},
		"login":         {"login <username> [password]", "Sign in; reads the password from stdin when omitted", cmdLogin, false},
		"signup":        {"signup <username> [password]", "Create an account and sign in", cmdSignup, false},
		"logout":        {"logout", "Sign out and close the session", cmdLogout, false},
		"users":         {"users", "List other users", cmdUsers, false},
		"groups":        {"groups", "List your groups", cmdGroups, false},
		"group":         {"group create <name> <memberId...>", "Create a group", cmdGroup, false},
		"open":          {"open private <userId> | open group <groupId> <name>", "Open a conversation", cmdOpen, false},
		"close":         {"close <chatId>", "Close a conversation", cmdClose, false},
		"focus":         {"focus <chatId>", "Mark a conversation as active", cmdFocus, false},
		"delete":        {"delete <userId>", "Delete the private chat with a user", cmdDelete, false},
		"conversations": {"conversations", "List open conversations", cmdConversations, false},
		"messages":      {"messages <chatId> [limit]", "Show an open conversation", cmdMessages, false},
		"send":          {"send <chatId> <text...>", "Send a message to an open conversation", cmdSend, false},
		"members":       {"members <groupId>", "List group members", cmdMembers, false},
		"chats":         {"chats", "List cached conversations", cmdChats, false},
		"history":       {"history <chatId> [limit]", "Show cached messages of a chat", cmdHistory, false},
		"search":        {"search <query> [chatId]", "Search cached messages", cmdSearch, false},
		"watch":         {"watch [namespace]", "Stream daemon events", cmdWatch, true},
	}
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.BoolVar(&jsonOut, "json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name, err := profile.Resolve(*profileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands()[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !cmd.stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	if err := cmd.run(ctx, c, args[1:]); err != nil {
		if errUsage, ok := err.(usageError); ok {
			fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", errUsage)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", grpcstatus.Convert(err).Message())
		}
		stop()
		os.Exit(1)
	}
}

type usageError string

func (u usageError) Error() string { return string(u) }

func usage(name string) error {
	return usageError(commands()[name].usage)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range commandOrder {
		cmd := commands()[name]
		fmt.Fprintf(os.Stderr, "  %-52s %s\n", cmd.usage, cmd.help)
	}
}

var commandOrder = []string{
	"status", "login", "signup", "logout", "users", "groups", "group", "open", "close",
	"focus", "delete", "conversations", "messages", "send", "members", "chats", "history",
	"search", "watch",
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
