package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/actions"
	"github.com/igorssc/scrum-poker-sub000/internal/app"
	"github.com/igorssc/scrum-poker-sub000/internal/models"

	"github.com/skip2/go-qrcode"
)

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// loaded 等待当前房间的第一份快照。
func loaded(ctx context.Context, a *app.App) (models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return a.WaitFor(ctx, func(models.Snapshot) bool { return true })
}

func runCreate(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("create")
	name := fs.String("name", "", "room name")
	user := fs.String("user", "", "your display name")
	private := fs.Bool("private", false, "require approval to join")
	theme := fs.String("theme", "", "room theme")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entry, err := a.Actions.CreateRoom(ctx, actions.CreateRoomInput{Name: *name, UserName: *user, Theme: *theme, Private: *private})
	if err != nil {
		return err
	}
	fmt.Printf("room %s created, you are %s (%s)\n", entry.Room.ID, entry.User.Name, entry.User.ID)
	return nil
}

func runJoin(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("join")
	room := fs.String("room", "", "room id")
	user := fs.String("user", "", "your display name")
	access := fs.String("access", "", "invite access token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" {
		return errors.New("join: -room is required")
	}
	entry, err := a.Actions.EnterRoom(ctx, *room, *user, *access)
	if err != nil {
		return err
	}
	if entry.Member.Status != models.StatusLogged {
		fmt.Printf("waiting for the owner to approve %s in %s\n", entry.User.Name, entry.Room.Name)
		return nil
	}
	fmt.Printf("joined %s as %s\n", entry.Room.Name, entry.User.Name)
	return nil
}

func runStatus(ctx context.Context, a *app.App, _ []string) error {
	id, ok := a.Session.Identity()
	if !ok {
		fmt.Println("not in a room")
		return nil
	}
	fmt.Printf("session %s, room %s, user %s\n", a.Session.State(), id.RoomID, id.UserID)
	snap, err := loaded(ctx, a)
	if err != nil {
		return err
	}
	printSnapshot(os.Stdout, snap, id.UserID)
	return nil
}

func runWatch(ctx context.Context, a *app.App, _ []string) error {
	roomID := a.ActiveRoom()
	if roomID == "" {
		return actions.ErrNoIdentity
	}
	id, _ := a.Session.Identity()
	updates, stop := a.Cache.Watch(roomID)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				fmt.Println("you are no longer in this room")
				return nil
			}
			printSnapshot(os.Stdout, snap, id.UserID)
		}
	}
}

func oneArg(name string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s: expected exactly one argument", name)
	}
	return args[0], nil
}

func runVote(ctx context.Context, a *app.App, args []string) error {
	card, err := oneArg("vote", args)
	if err != nil {
		return err
	}
	if card != "" && !models.ValidCard(card) {
		return fmt.Errorf("vote: %q is not a card, pick one of %s", card, strings.Join(deckNames(), " "))
	}
	return a.Actions.Vote(ctx, card)
}

func deckNames() []string {
	out := make([]string, 0, len(models.Deck))
	for _, c := range models.Deck {
		out = append(out, string(c))
	}
	return out
}

func runReveal(ctx context.Context, a *app.App, _ []string) error {
	// 先取快照，揭晓的这一轮才能进入历史
	if _, err := loaded(ctx, a); err != nil {
		return err
	}
	return a.Actions.RevealCards(ctx)
}

func runClear(ctx context.Context, a *app.App, _ []string) error {
	return a.Actions.ClearVotes(ctx)
}

func runAccept(ctx context.Context, a *app.App, args []string) error {
	userID, err := oneArg("accept", args)
	if err != nil {
		return err
	}
	return a.Actions.AcceptMember(ctx, userID)
}

func runRefuse(ctx context.Context, a *app.App, args []string) error {
	userID, err := oneArg("refuse", args)
	if err != nil {
		return err
	}
	return a.Actions.RefuseMember(ctx, userID)
}

func runTopic(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("topic")
	issue := fs.String("issue", "", "issue being estimated")
	category := fs.String("category", "", "issue category")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.Actions.SetTopic(ctx, *issue, *category)
}

// seedHistory 在新进程里用快照补齐议题与已揭晓的一轮。
func seedHistory(a *app.App, snap models.Snapshot) {
	if len(a.History.Rounds(snap.ID)) > 0 {
		return
	}
	started := time.Now()
	if snap.StartTimestamp != nil {
		started = *snap.StartTimestamp
	}
	a.History.StartTopic(snap.ID, snap.CurrentIssue, snap.CurrentCategory, started)
	if snap.CardsOpen {
		a.History.RecordRound(snap.ID, snap, time.Now())
	}
}

func runFinalize(ctx context.Context, a *app.App, _ []string) error {
	snap, err := loaded(ctx, a)
	if err != nil {
		return err
	}
	seedHistory(a, snap)
	item, err := a.Actions.FinalizeTopic(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%q finalized: consensus %s after %d round(s), %s\n",
		item.Topic, item.Consensus, len(item.Rounds), item.Duration.Round(time.Second))
	return nil
}

func runTimer(ctx context.Context, a *app.App, args []string) error {
	verb, err := oneArg("timer", args)
	if err != nil {
		return err
	}
	if _, err := loaded(ctx, a); err != nil {
		return err
	}
	switch verb {
	case "start":
		return a.Actions.StartTimer(ctx)
	case "pause":
		return a.Actions.PauseTimer(ctx)
	case "resume":
		return a.Actions.ResumeTimer(ctx)
	case "reset":
		return a.Actions.ResetTimer(ctx)
	default:
		return fmt.Errorf("timer: unknown action %q", verb)
	}
}

func runRename(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return errors.New("rename: name is required")
	}
	return a.Actions.UpdateUserName(ctx, strings.Join(args, " "))
}

func runNearby(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("nearby")
	radius := fs.Float64("max", 5000, "search radius in meters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rooms, err := a.Actions.NearbyRooms(ctx, *radius)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("no public rooms nearby")
	}
	for _, r := range rooms {
		fmt.Printf("%s  %s\n", r.ID, r.Name)
	}
	return nil
}

func runInvite(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("invite")
	qr := fs.Bool("qr", false, "print the invite link as a QR code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	inv, err := a.Actions.Invite(ctx)
	if err != nil {
		return err
	}
	fmt.Println(inv.URL)
	if *qr {
		code, err := qrcode.New(inv.URL, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("invite qr: %w", err)
		}
		fmt.Print(code.ToSmallString(false))
	}
	return nil
}

func runHistory(ctx context.Context, a *app.App, _ []string) error {
	items, err := a.Actions.History(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no finalized topics yet")
	}
	for _, it := range items {
		fmt.Printf("%s  %-30s %-8s %d round(s)  %s\n", it.FinalizedAt.Format("2006-01-02 15:04"),
			it.Topic, it.Consensus, len(it.Rounds), it.Duration.Round(time.Second))
	}
	return nil
}

func runLogout(ctx context.Context, a *app.App, _ []string) error {
	return a.Actions.Logout(ctx, "")
}

func runDelete(ctx context.Context, a *app.App, _ []string) error {
	return a.Actions.DeleteRoom(ctx)
}

// runShell 在同一进程内连续执行命令，议题的轮次会保留到 finalize。
func runShell(ctx context.Context, a *app.App, _ []string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		fmt.Print("poker> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "exit" || fields[0] == "quit" {
				return nil
			}
			cmd, found := commands[fields[0]]
			if !found || fields[0] == "shell" {
				fmt.Println("unknown command", fields[0])
				continue
			}
			if err := cmd.run(ctx, a, fields[1:]); err != nil {
				a.Report(err)
				fmt.Println("error:", err)
			}
		}
	}
}

func printSnapshot(w io.Writer, snap models.Snapshot, self string) {
	timer := snap.Timer()
	fmt.Fprintf(w, "== %s", snap.Name)
	if snap.CurrentIssue != "" {
		fmt.Fprintf(w, " | %s", snap.CurrentIssue)
		if snap.CurrentCategory != "" {
			fmt.Fprintf(w, " [%s]", snap.CurrentCategory)
		}
	}
	fmt.Fprintf(w, " | timer %s %s", timer.State(), timer.Elapsed(time.Now()).Round(time.Second))
	if snap.CardsOpen {
		fmt.Fprint(w, " | cards open")
	}
	fmt.Fprintln(w)
	for _, m := range snap.Members {
		vote := "-"
		switch {
		case m.HasVoted() && (snap.CardsOpen || m.User.ID == self):
			vote = *m.Vote
		case m.HasVoted():
			vote = "voted"
		}
		marker := " "
		if m.User.ID == self {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-20s %-8s %-6s %s\n", marker, m.User.Name, m.Status, vote, m.User.ID)
	}
}
