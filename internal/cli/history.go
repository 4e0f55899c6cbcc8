package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Search string
	Limit  int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print stored messages",
		Long: `Print the stored messages of a conversation in message number order.

With --search, print messages whose content contains the text instead,
newest first and across all conversations.

Examples:
  sesame history demo
  sesame history demo --format json
  sesame history --search refund --limit 10`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case opts.Search != "":
				return runSearch(opts, cmd)
			case len(args) == 1:
				return runHistory(opts, args[0], cmd)
			default:
				return NewExitError(ExitCommandError, "a conversation id or --search is required")
			}
		},
	}

	cmd.Flags().StringVar(&opts.Search, "search", "", "search message content instead")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultSearchLimit, "maximum search results")

	return cmd
}

func runHistory(opts *HistoryOptions, conversationID string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	msgs, err := b.ListMessages(cmd.Context(), conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitCommandError, fmt.Sprintf("conversation %s", conversationID), err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}
	return printMessages(opts.formatter(cmd), msgs, false)
}

func runSearch(opts *HistoryOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	msgs, err := b.SearchMessages(cmd.Context(), opts.Search, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "search failed", err)
	}
	return printMessages(opts.formatter(cmd), msgs, true)
}

func printMessages(out *OutputFormatter, msgs []store.StoredMessage, withConversation bool) error {
	for _, m := range msgs {
		if withConversation {
			out.Textf("%s #%d [%s] %s", m.ConversationID, m.Number, m.Role, renderContent(m.Content))
		} else {
			out.Textf("#%d [%s] %s", m.Number, m.Role, renderContent(m.Content))
		}
	}
	text := ""
	if len(msgs) == 0 {
		text = "No messages."
	}
	return out.Success(msgs, text)
}

// renderContent prints text content as is and anything else as canonical
// JSON.
func renderContent(v content.Value) string {
	if s, ok := v.(content.String); ok {
		return string(s)
	}
	data, err := content.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
