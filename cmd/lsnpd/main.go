// Command lsnpd is the reference LSNP node: a minimal stdin/stdout
// adapter over the Node API (spec.md §6.4, §6.6), not a full TUI -- the
// terminal UI proper is explicitly out of scope. It mirrors the teacher's
// own cmd/ reference tool in spirit: enough of a harness to drive the
// library from a terminal, nothing more.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lsnp-go/lsnp"
	"github.com/lsnp-go/lsnp/config"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lsnpd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lsnpd",
		Short: "LSNP reference node",
	}
	root.AddCommand(newRunCmd(), newWhoamiCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "resolve and print this host's UserID, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			cfg, err := config.Load(cmd.Flags(), "")
			if err != nil {
				return err
			}
			log := logrus.NewEntry(logrus.StandardLogger())
			log.Logger.SetOutput(os.Stderr)
			node, err := lsnp.New(cfg, name, log)
			if err != nil {
				return err
			}
			defer node.Shutdown()
			fmt.Println(node.UserID())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "this node's display name")
	config.BindFlags(cmd.Flags())
	return cmd
}

func newRunCmd() *cobra.Command {
	var name, configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start an LSNP node and drive it from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}

			log := logrus.NewEntry(logrus.StandardLogger())
			log.Logger.SetOutput(os.Stderr)
			if cfg.Verbose {
				log.Logger.SetLevel(logrus.DebugLevel)
			}

			node, err := lsnp.New(cfg, name, log)
			if err != nil {
				return fmt.Errorf("starting node: %w", err)
			}
			defer node.Shutdown()

			fmt.Fprintf(os.Stderr, "lsnpd: running as %s\n", node.UserID())

			go printEvents(node)
			runREPL(node)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "this node's display name")
	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")
	config.BindFlags(cmd.Flags())
	return cmd
}

// printEvents drains the node's event channel to stdout, one line per
// event, until the channel closes.
func printEvents(n *lsnp.Node) {
	for ev := range n.Events() {
		switch ev.Kind {
		case lsnp.EventPeerAdded:
			fmt.Printf("peer_added %s (%s)\n", ev.Peer.UserID, ev.Peer.DisplayName)
		case lsnp.EventPeerUpdated:
			fmt.Printf("peer_updated %s (%s)\n", ev.Peer.UserID, ev.Peer.DisplayName)
		case lsnp.EventPeerRemoved:
			fmt.Printf("peer_removed %s\n", ev.UserID)
		case lsnp.EventDMReceived:
			fmt.Printf("dm_received from=%s text=%q\n", ev.Message.From, ev.Message.Text)
		case lsnp.EventDMDeliveryChanged:
			fmt.Printf("dm_delivery_changed id=%s state=%v\n", ev.MessageID, ev.State)
		case lsnp.EventPostReceived:
			fmt.Printf("post_received from=%s text=%q\n", ev.Post.From, ev.Post.Text)
		case lsnp.EventLikeReceived:
			fmt.Printf("like_received post=%s from=%s\n", ev.PostID, ev.From)
		case lsnp.EventGroupUpdated:
			fmt.Printf("group_updated id=%s name=%s\n", ev.Group.GroupID, ev.Group.Name)
		case lsnp.EventGroupMessageReceived:
			fmt.Printf("group_message_received group=%s from=%s text=%q\n", ev.GroupID, ev.From, ev.Text)
		case lsnp.EventGroupDeliveryChanged:
			fmt.Printf("group_delivery_changed group=%s id=%s state=%v\n", ev.GroupID, ev.MessageID, ev.State)
		case lsnp.EventFileOffered:
			fmt.Printf("file_offered id=%s from=%s filename=%s size=%d\n", ev.TransferID, ev.From, ev.Filename, ev.Size)
		case lsnp.EventFileProgress:
			fmt.Printf("file_progress id=%s %d/%d\n", ev.TransferID, ev.ChunksDone, ev.ChunksTotal)
		case lsnp.EventFileCompleted:
			fmt.Printf("file_completed id=%s filename=%s bytes=%d\n", ev.TransferID, ev.Filename, len(ev.Data))
		case lsnp.EventFileFailed:
			fmt.Printf("file_failed id=%s reason=%s\n", ev.TransferID, ev.Reason)
		case lsnp.EventGameInvited:
			fmt.Printf("game_invited id=%s from=%s symbol=%s\n", ev.GameID, ev.From, ev.Symbol)
		case lsnp.EventGameStarted:
			fmt.Printf("game_started id=%s\n", ev.GameID)
		case lsnp.EventGameMoveApplied:
			fmt.Printf("game_move_applied id=%s board=%s\n", ev.GameID, ev.Game.Board.String())
		case lsnp.EventGameEnded:
			fmt.Printf("game_ended id=%s outcome=%v\n", ev.GameID, ev.Outcome)
		case lsnp.EventVerboseLog:
			fmt.Printf("verbose_log %s\n", ev.Log)
		}
	}
}

// runREPL reads one command per line from stdin until EOF or a "quit"
// line. It is deliberately terse: the UI adapter contract is the product
// surface, this is just enough of a driver to exercise it manually.
func runREPL(n *lsnp.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		cmd := fields[0]
		rest := ""
		if len(fields) > 1 {
			rest = fields[1]
		}
		if cmd == "quit" || cmd == "shutdown" {
			return
		}
		if err := dispatchCommand(n, cmd, rest); err != nil {
			fmt.Fprintln(os.Stderr, "lsnpd:", err)
		}
	}
}

func dispatchCommand(n *lsnp.Node, cmd, rest string) error {
	switch cmd {
	case "chat":
		peerID, text, ok := cutSpace(rest)
		if !ok {
			return fmt.Errorf("usage: chat <peer> <text>")
		}
		return n.SendChat(peerID, text)
	case "post":
		return n.Post(rest)
	case "like":
		return n.Like(rest)
	case "creategroup":
		name, memberCSV, ok := cutSpace(rest)
		if !ok {
			name, memberCSV = rest, ""
		}
		var members []string
		if memberCSV != "" {
			members = strings.Split(memberCSV, ",")
		}
		groupID, err := n.CreateGroup(name, members)
		if err != nil {
			return err
		}
		fmt.Printf("group_created %s\n", groupID)
		return nil
	case "groupchat":
		groupID, text, ok := cutSpace(rest)
		if !ok {
			return fmt.Errorf("usage: groupchat <group_id> <text>")
		}
		return n.SendGroupChat(groupID, text)
	case "offerfile":
		peerID, path, ok := cutSpace(rest)
		if !ok {
			return fmt.Errorf("usage: offerfile <peer> <path>")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		transferID, err := n.OfferFile(peerID, path, data)
		if err != nil {
			return err
		}
		fmt.Printf("file_offer_sent %s\n", transferID)
		return nil
	case "acceptfile":
		return n.AcceptFile(rest)
	case "rejectfile":
		return n.RejectFile(rest)
	case "cancelfile":
		return n.CancelFile(rest)
	case "invitegame":
		gameID, err := n.InviteGame(rest)
		if err != nil {
			return err
		}
		fmt.Printf("game_invite_sent %s\n", gameID)
		return nil
	case "acceptgame":
		gameID, peerID, ok := cutSpace(rest)
		if !ok {
			return fmt.Errorf("usage: acceptgame <game_id> <peer>")
		}
		return n.RespondGameInvite(gameID, peerID, true)
	case "declinegame":
		gameID, peerID, ok := cutSpace(rest)
		if !ok {
			return fmt.Errorf("usage: declinegame <game_id> <peer>")
		}
		return n.RespondGameInvite(gameID, peerID, false)
	case "move":
		parts := strings.Fields(rest)
		if len(parts) != 3 {
			return fmt.Errorf("usage: move <game_id> <peer> <position>")
		}
		pos, err := strconv.Atoi(parts[2])
		if err != nil {
			return fmt.Errorf("position must be an integer 0-8: %w", err)
		}
		return n.SubmitMove(parts[0], parts[1], pos)
	case "resign":
		gameID, peerID, ok := cutSpace(rest)
		if !ok {
			return fmt.Errorf("usage: resign <game_id> <peer>")
		}
		return n.ResignGame(gameID, peerID)
	case "profile":
		displayName, status, ok := cutSpace(rest)
		if !ok {
			displayName, status = rest, ""
		}
		n.UpdateProfile(displayName, status)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// cutSpace splits "a b c" into ("a", "b c") on the first space.
func cutSpace(s string) (first, rest string, ok bool) {
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, "", s != ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:]), true
}
