package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/model"
)

func cmdStatus(ctx context.Context, c *client.Client, _ []string) error {
	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Profile:   %s\n", resp.Profile)
	fmt.Printf("Status:    %s\n", resp.State)
	if resp.User != nil {
		fmt.Printf("User:      %s (%s)\n", resp.User.Username, resp.User.ID)
	} else {
		fmt.Println("User:      signed out")
	}
	fmt.Printf("Connected: %v\n", resp.Connected)
	fmt.Printf("Open:      %d conversations\n", resp.Conversations)
	fmt.Printf("Cache:     %d chats, %d messages\n", resp.ChatCount, resp.MessageCount)
	fmt.Printf("Uptime:    %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).String())
	return nil
}

// credentials takes the password from args or the first line of stdin.
func credentials(name string, args []string) (string, string, error) {
	switch len(args) {
	case 2:
		return args[0], args[1], nil
	case 1:
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		return args[0], strings.TrimRight(line, "\r\n"), nil
	default:
		return "", "", usage(name)
	}
}

func cmdLogin(ctx context.Context, c *client.Client, args []string) error {
	username, password, err := credentials("login", args)
	if err != nil {
		return err
	}
	user, err := c.Login(ctx, username, password)
	if err != nil {
		return err
	}
	printIdentity("Signed in as", user)
	return nil
}

func cmdSignup(ctx context.Context, c *client.Client, args []string) error {
	username, password, err := credentials("signup", args)
	if err != nil {
		return err
	}
	user, err := c.Signup(ctx, username, password)
	if err != nil {
		return err
	}
	printIdentity("Signed up as", user)
	return nil
}

func printIdentity(prefix string, user model.Identity) {
	if jsonOut {
		outputJSON(user)
		return
	}
	fmt.Printf("%s %s (%s)\n", prefix, user.Username, user.ID)
}

func cmdLogout(ctx context.Context, c *client.Client, _ []string) error {
	if err := c.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out.")
	return nil
}

func cmdUsers(ctx context.Context, c *client.Client, _ []string) error {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(users)
		return nil
	}
	if len(users) == 0 {
		fmt.Println("No other users.")
	}
	for _, u := range users {
		fmt.Printf("%-12s %s\n", u.ID, u.Username)
	}
	return nil
}

func cmdGroups(ctx context.Context, c *client.Client, _ []string) error {
	groups, err := c.ListGroups(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(groups)
		return nil
	}
	if len(groups) == 0 {
		fmt.Println("No groups.")
	}
	for _, g := range groups {
		fmt.Printf("%-12s %s\n", g.ID, g.Name)
	}
	return nil
}

func cmdGroup(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 2 || args[0] != "create" {
		return usage("group")
	}
	ids := make([]model.ID, 0, len(args)-2)
	for _, a := range args[2:] {
		ids = append(ids, model.ParseID(a))
	}
	g, err := c.CreateGroup(ctx, args[1], ids)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(g)
		return nil
	}
	fmt.Printf("Created group %s (%s)\n", g.Name, g.ID)
	return nil
}

func cmdOpen(ctx context.Context, c *client.Client, args []string) error {
	var (
		conv api.Conversation
		err  error
	)
	switch {
	case len(args) == 2 && args[0] == "private":
		conv, err = c.OpenPrivate(ctx, model.ParseID(args[1]), "")
	case len(args) >= 3 && args[0] == "group":
		conv, err = c.OpenGroup(ctx, model.ParseID(args[1]), strings.Join(args[2:], " "))
	default:
		return usage("open")
	}
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(conv)
		return nil
	}
	fmt.Printf("Opened %s chat %s with %s (%d messages)\n", conv.Ref.Kind, conv.Ref.ChatID, conv.Ref.Title(), conv.MessageCount)
	return nil
}

func chatArg(name string, args []string) (model.ID, error) {
	if len(args) < 1 {
		return "", usage(name)
	}
	return model.ParseID(args[0]), nil
}

// limitArg parses the optional limit at args[i].
func limitArg(name string, args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, usage(name)
	}
	return n, nil
}

func cmdClose(ctx context.Context, c *client.Client, args []string) error {
	chatID, err := chatArg("close", args)
	if err != nil {
		return err
	}
	closed, err := c.CloseConversation(ctx, chatID)
	if err != nil {
		return err
	}
	if closed {
		fmt.Printf("Closed %s\n", chatID)
	} else {
		fmt.Printf("%s was not open\n", chatID)
	}
	return nil
}

func cmdFocus(ctx context.Context, c *client.Client, args []string) error {
	chatID, err := chatArg("focus", args)
	if err != nil {
		return err
	}
	return c.Focus(ctx, chatID)
}

func cmdDelete(ctx context.Context, c *client.Client, args []string) error {
	userID, err := chatArg("delete", args)
	if err != nil {
		return err
	}
	if err := c.DeletePrivate(ctx, userID); err != nil {
		return err
	}
	fmt.Printf("Deleted private chat with %s\n", userID)
	return nil
}

func cmdConversations(ctx context.Context, c *client.Client, _ []string) error {
	convs, err := c.ListConversations(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(convs)
		return nil
	}
	if len(convs) == 0 {
		fmt.Println("No open conversations.")
	}
	for _, conv := range convs {
		marker := " "
		if conv.Active {
			marker = "*"
		}
		state := "live"
		if !conv.Seeded {
			state = "loading"
		}
		fmt.Printf("%s %-12s %-8s %-20s %4d msgs  %s\n", marker, conv.Ref.ChatID, conv.Ref.Kind, conv.Ref.Title(), conv.MessageCount, state)
	}
	return nil
}

func printMessages(msgs []model.Message) {
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
	}
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID.String()
		}
		ts := "        "
		if !m.SentAt.IsZero() {
			ts = m.SentAt.Local().Format("15:04:05")
		}
		fmt.Printf("%s  %-12s %s\n", ts, sender, m.Text)
	}
}

func cmdMessages(ctx context.Context, c *client.Client, args []string) error {
	chatID, err := chatArg("messages", args)
	if err != nil {
		return err
	}
	limit, err := limitArg("messages", args, 1)
	if err != nil {
		return err
	}
	msgs, err := c.Messages(ctx, chatID, limit)
	if err != nil {
		return err
	}
	printMessages(msgs)
	return nil
}

func cmdSend(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 2 {
		return usage("send")
	}
	resp, err := c.Send(ctx, model.ParseID(args[0]), strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(resp)
		return nil
	}
	if !resp.Queued {
		fmt.Println("Not connected; message dropped.")
		return nil
	}
	fmt.Printf("Sent (%s)\n", resp.ClientMsgID)
	return nil
}

func cmdMembers(ctx context.Context, c *client.Client, args []string) error {
	groupID, err := chatArg("members", args)
	if err != nil {
		return err
	}
	members, err := c.Members(ctx, groupID)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(members)
		return nil
	}
	for _, m := range members {
		fmt.Println(m)
	}
	return nil
}

func cmdChats(ctx context.Context, c *client.Client, _ []string) error {
	resp, err := c.Chats(ctx, 0, 0)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(resp)
		return nil
	}
	if len(resp.Chats) == 0 {
		fmt.Println("No cached chats.")
	}
	for _, ch := range resp.Chats {
		fmt.Printf("%-12s %-8s %-20s %s\n", ch.ChatID, ch.Kind, ch.Title, ch.LastMessagePreview)
	}
	return nil
}

func cmdHistory(ctx context.Context, c *client.Client, args []string) error {
	chatID, err := chatArg("history", args)
	if err != nil {
		return err
	}
	limit, err := limitArg("history", args, 1)
	if err != nil {
		return err
	}
	msgs, err := c.History(ctx, chatID, limit)
	if err != nil {
		return err
	}
	printMessages(msgs)
	return nil
}

func cmdSearch(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return usage("search")
	}
	var chatID model.ID
	if len(args) > 1 {
		chatID = model.ParseID(args[1])
	}
	resp, err := c.Search(ctx, args[0], chatID, 0)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(resp)
		return nil
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
	}
	for _, r := range resp.Results {
		fmt.Printf("%-12s %-12s %s\n", r.Message.ChatID, r.Message.SenderName, r.Snippet)
	}
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client, args []string) error {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	err := c.WatchEvents(ctx, namespace, func(e *api.Event) error {
		if jsonOut {
			outputJSON(e)
			return nil
		}
		fmt.Printf("%s  %-28s %s\n", e.OccurredAt.Local().Format("15:04:05.000"), e.Kind, e.Payload)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
