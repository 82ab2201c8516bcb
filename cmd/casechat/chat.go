package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/frckbrice/patrick-travel-chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// target selection, shared by watch, send and typing
	targetCase    string
	targetRoom    string
	targetDurable bool

	// roomid
	roomIDCase  string
	roomIDCheck string

	// rooms
	roomsJSON bool

	// send
	sendCase    string
	sendAttach  []string
	sendTimeout time.Duration
	sendJSON    bool

	// typing
	typingDuration time.Duration
)

func init() {
	roomIDCmd.Flags().StringVar(&roomIDCase, "case", "", "Resolve the room of a case from the database")
	roomIDCmd.Flags().StringVar(&roomIDCheck, "check", "", "With --case, report whether this room id belongs to the case")

	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")

	for _, c := range []*cobra.Command{watchCmd, sendCmd, typingCmd} {
		c.Flags().StringVar(&targetCase, "case", "", "Open the conversation of a case")
		c.Flags().StringVar(&targetRoom, "room", "", "Open a room by handle key (room id or virtual-<user>)")
		c.Flags().BoolVar(&targetDurable, "durable", false, "Treat the counterpart as a durable user id")
	}

	sendCmd.Flags().StringVar(&sendCase, "case-id", "", "Case to attach the message to")
	sendCmd.Flags().StringSliceVar(&sendAttach, "attach", nil, "Attachment URL (repeatable)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "Give up after this long")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	typingCmd.Flags().DurationVar(&typingDuration, "for", 5*time.Second, "How long to keep typing")

	rootCmd.AddCommand(roomIDCmd, roomsCmd, watchCmd, sendCmd, typingCmd)
}

// ============================================================================
// roomid
// ============================================================================

var roomIDCmd = &cobra.Command{
	Use:   "roomid [<user-a> <user-b>]",
	Short: "Print the room id of a pair of users or of a case",
	Args: func(cmd *cobra.Command, args []string) error {
		if roomIDCase != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if roomIDCase == "" {
			fmt.Println(chatsync.PairRoomID(chatsync.RealtimeUserID(args[0]), chatsync.RealtimeUserID(args[1])))
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.cases == nil || rt.translator == nil {
			return fmt.Errorf("case lookups need database.url")
		}

		resolver := chatsync.NewRoomResolver(rt.store, rt.cases, rt.translator, logger)
		c := chatsync.CaseID(roomIDCase)
		client, agent, err := resolver.Participants(ctx, c)
		if err != nil {
			return err
		}
		room, err := resolver.Resolve(ctx, c)
		if err != nil {
			return err
		}
		fmt.Printf("Client:   %s\n", client)
		fmt.Printf("Agent:    %s\n", agent)
		fmt.Printf("Pair:     %s\n", chatsync.PairRoomID(client, agent))
		fmt.Printf("Legacy:   %s\n", chatsync.LegacyRoomID(c))
		fmt.Printf("Resolved: %s\n", room)

		if roomIDCheck != "" {
			ok, err := resolver.Accepts(ctx, c, chatsync.RoomID(roomIDCheck))
			if err != nil {
				return err
			}
			fmt.Printf("Room %s belongs to case %s: %t\n", roomIDCheck, c, ok)
		}
		return nil
	},
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your rooms, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		v := s.View()
		if roomsJSON {
			data, err := json.MarshalIndent(v.Rooms, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		if len(v.Rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		for _, r := range v.Rooms {
			cp, _ := r.Counterpart(v.Self)
			status := string(chatsync.PresenceOffline)
			if p, ok := v.Presence[cp]; ok {
				status = string(p.Status)
			}
			fmt.Printf("%-40s  %-20s  %-8s  unread:%-3d  %s\n",
				r.ID, cp, status, r.UnreadCount[v.Self], truncate(r.LastMessage, 40))
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch [<counterpart>]",
	Short: "Follow a conversation until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		h, err := selectTarget(ctx, s, targetCase, targetRoom, firstArg(args), targetDurable)
		if err != nil {
			return err
		}
		fmt.Printf("Watching %s (Ctrl-C to stop)\n", h.Key())

		printer := newTranscript()
		changed := make(chan struct{}, 1)
		remove := s.OnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer remove()

		for {
			printer.update(s.View())
			select {
			case <-changed:
			case <-ctx.Done():
				return nil
			}
		}
	},
}

// transcript prints each message once and reports typing changes.
type transcript struct {
	seen   map[string]bool
	handle string
	typing string
}

func newTranscript() *transcript {
	return &transcript{seen: make(map[string]bool)}
}

func (t *transcript) update(v chatsync.View) {
	if v.Active != nil && v.Active.Key() != t.handle {
		if t.handle != "" {
			fmt.Printf("-- now in room %s\n", v.Room)
		}
		t.handle = v.Active.Key()
	}
	for _, m := range v.Messages {
		if m.Optimistic() || t.seen[m.ID] {
			continue
		}
		t.seen[m.ID] = true
		fmt.Println(formatMessage(m))
	}
	var names []string
	for _, ind := range v.Typing {
		names = append(names, valueOrDefault(ind.UserName, string(ind.UserID)))
	}
	typing := strings.Join(names, ", ")
	if typing != t.typing {
		if typing != "" {
			fmt.Printf("-- %s typing...\n", typing)
		}
		t.typing = typing
	}
}

func formatMessage(m chatsync.Message) string {
	ts := time.UnixMilli(m.SentAt).Format("15:04:05")
	line := fmt.Sprintf("[%s] %s: %s", ts, m.SenderID, m.Content)
	for _, a := range m.Attachments {
		line += fmt.Sprintf(" [%s]", a.Name)
	}
	return line
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send [<counterpart>] <message>",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		counterpart, content := "", args[len(args)-1]
		if len(args) == 2 {
			counterpart = args[0]
		}

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		if _, err := selectTarget(ctx, s, targetCase, targetRoom, counterpart, targetDurable); err != nil {
			return err
		}

		caseID := chatsync.CaseID(sendCase)
		if caseID == "" {
			caseID = chatsync.CaseID(targetCase)
		}
		conf, err := s.Send(ctx, content, parseAttachments(sendAttach), caseID)
		if err != nil {
			var se *chatsync.SendError
			if errors.As(err, &se) {
				return fmt.Errorf("message not delivered (retryable: %t), draft: %q: %w", se.Retryable, se.Content, se.Err)
			}
			return err
		}
		// let the archive write finish before exiting
		s.Wait()

		if sendJSON {
			data, err := json.MarshalIndent(conf, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Sent %s to room %s\n", conf.MessageID, conf.Room)
		return nil
	},
}

// ============================================================================
// typing
// ============================================================================

var typingCmd = &cobra.Command{
	Use:   "typing [<counterpart>]",
	Short: "Show a typing indicator for a while",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		if _, err := selectTarget(ctx, s, targetCase, targetRoom, firstArg(args), targetDurable); err != nil {
			return err
		}

		deadline := time.NewTimer(typingDuration)
		defer deadline.Stop()
		keystrokes := time.NewTicker(300 * time.Millisecond)
		defer keystrokes.Stop()

		for {
			if err := s.StartTyping(ctx); err != nil {
				return err
			}
			select {
			case <-keystrokes.C:
			case <-deadline.C:
				return s.StopTyping(context.Background())
			case <-ctx.Done():
				return s.StopTyping(context.Background())
			}
		}
	},
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
