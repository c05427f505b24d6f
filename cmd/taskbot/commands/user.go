package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/resolve"
	"github.com/marcus/taskbot/internal/users"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the chat member registry",
}

var userObserveCmd = &cobra.Command{
	Use:   "observe <telegram-id>",
	Short: "Record a sighting of a user in a chat",
	Long: `Record that a user was seen in a chat. Non-empty attributes replace the
stored ones; the chat is added to the user's chat list.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserObserve,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known users, most recently seen first",
	RunE:  runUserList,
}

var userGetCmd = &cobra.Command{
	Use:   "get <telegram-id>",
	Short: "Show one user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserGet,
}

var userNameCmd = &cobra.Command{
	Use:   "display-name <telegram-id> <name>",
	Short: "Set the name a user is matched by, e.g. a declined form",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runUserName,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [mention]",
	Short: "Show who a mention would be assigned to",
	RunE:  runResolve,
}

func init() {
	userObserveCmd.Flags().String("username", "", "Handle without @")
	userObserveCmd.Flags().String("first-name", "", "First name")
	userObserveCmd.Flags().String("last-name", "", "Last name")
	addChatFlag(userObserveCmd)

	userListCmd.Flags().Int64("chat", 0, "Only members of this chat")

	resolveCmd.Flags().Int64("reply-to", 0, "Telegram id of the replied-to message author")
	resolveCmd.Flags().Int64("author", 0, "Telegram id of the message author")
	addChatFlag(resolveCmd)

	userCmd.AddCommand(userObserveCmd, userListCmd, userGetCmd, userNameCmd)
	for _, c := range append(userCmd.Commands(), resolveCmd) {
		c.Flags().Bool("json", false, "Output as JSON")
	}
	rootCmd.AddCommand(userCmd, resolveCmd)
}

func parseTelegramID(arg string) (int64, error) {
	return parseID(strings.TrimPrefix(arg, "id:"))
}

func runUserObserve(cmd *cobra.Command, args []string) error {
	id, err := parseTelegramID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	username, _ := cmd.Flags().GetString("username")
	first, _ := cmd.Flags().GetString("first-name")
	last, _ := cmd.Flags().GetString("last-name")
	u, err := a.svc.Observe(cmd.Context(), users.Observation{
		TelegramID: id,
		Username:   strings.TrimPrefix(username, "@"),
		FirstName:  first,
		LastName:   last,
		ChatID:     chatFlag(cmd),
	})
	if err != nil {
		return err
	}
	return printUser(cmd, u)
}

func runUserList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var list []users.User
	if chat := chatFlag(cmd); chat != 0 {
		list, err = a.svc.Users.List(cmd.Context(), chat)
	} else {
		list, err = a.svc.Users.ListAll(cmd.Context())
	}
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No users.")
		return nil
	}
	loc := a.svc.Location()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tHANDLE\tNAME\tCHATS\tLAST SEEN")
	for _, u := range list {
		handle := "-"
		if u.Username != "" {
			handle = "@" + u.Username
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", u.TelegramID, handle, u.Label(), len(u.ChatIDs), formatTime(&u.LastSeen, loc))
	}
	_ = w.Flush()
	return nil
}

func runUserGet(cmd *cobra.Command, args []string) error {
	id, err := parseTelegramID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.svc.Users.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printUser(cmd, u)
}

func runUserName(cmd *cobra.Command, args []string) error {
	id, err := parseTelegramID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.svc.Users.SetDisplayName(cmd.Context(), id, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return printUser(cmd, u)
}

func runResolve(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	replyTo, _ := cmd.Flags().GetInt64("reply-to")
	author, _ := cmd.Flags().GetInt64("author")
	res, err := a.svc.Resolver.Resolve(cmd.Context(), resolve.Request{
		Mention:       strings.Join(args, " "),
		ChatID:        chatFlag(cmd),
		ReplyToUserID: replyTo,
		AuthorID:      author,
	})
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(res)
	}
	if res.Kind != resolve.Exact {
		printResolution(res)
		return nil
	}
	fmt.Printf("%s (id %d) by %s rule, score %.2f\n", res.User.Label(), res.User.TelegramID, res.Rule, res.Score)
	return nil
}

func printUser(cmd *cobra.Command, u *users.User) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(u)
	}
	fmt.Printf("User:      %d\n", u.TelegramID)
	if u.Username != "" {
		fmt.Printf("Handle:    @%s\n", u.Username)
	}
	if name := u.FullName(); name != "" {
		fmt.Printf("Name:      %s\n", name)
	}
	if u.DisplayName != "" {
		fmt.Printf("Display:   %s\n", u.DisplayName)
	}
	chats := make([]string, len(u.ChatIDs))
	for i, c := range u.ChatIDs {
		chats[i] = fmt.Sprint(c)
	}
	fmt.Printf("Chats:     %s\n", strings.Join(chats, ", "))
	fmt.Printf("Last seen: %s\n", u.LastSeen.UTC().Format("2006-01-02 15:04"))
	return nil
}
