package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensesame/sesame/internal/store"
)

// NewConversationsCommand creates the conversations command group.
func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}

	cmd.AddCommand(newConversationsListCommand(rootOpts))
	cmd.AddCommand(newConversationsCreateCommand(rootOpts))
	cmd.AddCommand(newConversationsDeleteCommand(rootOpts))

	return cmd
}

func newConversationsListCommand(rootOpts *RootOptions) *cobra.Command {
	var listOpts store.ListOptions

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List conversations, most recently updated first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			convs, err := b.ListConversations(cmd.Context(), listOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list conversations", err)
			}

			out := rootOpts.formatter(cmd)
			for _, c := range convs {
				archived := ""
				if c.Archived {
					archived = " (archived)"
				}
				out.Textf("%s\t%s\t%s%s", c.ID, c.LanguageCode, c.Title, archived)
			}
			text := ""
			if len(convs) == 0 {
				text = "No conversations."
			}
			return out.Success(convs, text)
		},
	}

	cmd.Flags().BoolVar(&listOpts.IncludeArchived, "archived", false, "include archived conversations")
	cmd.Flags().IntVar(&listOpts.Limit, "limit", 0, "maximum number of conversations (0 = all)")

	return cmd
}

func newConversationsCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var conv store.Conversation

	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Create a conversation",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if conv.LanguageCode == "" {
				conv.LanguageCode = cfg.Engine.DefaultLanguage
			}
			created, err := b.CreateConversation(cmd.Context(), conv)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create conversation", err)
			}
			return rootOpts.formatter(cmd).Success(created, created.ID)
		},
	}

	cmd.Flags().StringVar(&conv.ID, "id", "", "conversation id (default: generated UUIDv7)")
	cmd.Flags().StringVar(&conv.Title, "title", "", "conversation title")
	cmd.Flags().StringVar(&conv.LanguageCode, "language", "", "conversation language (default engine.default_language)")

	return cmd
}

func newConversationsDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <conversation-id>",
		Short:         "Delete a conversation and its messages",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to delete conversation %s", args[0]), err)
			}
			return rootOpts.formatter(cmd).Success(map[string]string{"deleted": args[0]}, "deleted "+args[0])
		},
	}
}
