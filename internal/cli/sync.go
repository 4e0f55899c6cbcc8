package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/engine"
	"github.com/opensesame/sesame/internal/store"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Create   bool
	Title    string
	Language string
}

// SyncSave is the outcome of one snapshot line.
type SyncSave struct {
	Line    int              `json:"line"`
	Action  string           `json:"action"`
	Version string           `json:"version"`
	Items   content.Snapshot `json:"items"`
}

// SyncReport is the output of the sync command.
type SyncReport struct {
	ConversationID string     `json:"conversation_id"`
	Saves          []SyncSave `json:"saves"`
	Dispatched     int        `json:"dispatched"`
	Dropped        int        `json:"dropped"`
	Messages       int        `json:"messages"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <conversation-id> <snapshots.jsonl>",
		Short: "Replay snapshots into a conversation",
		Long: `Replay a JSON-lines file of context snapshots through a sync engine.

Each non-blank line is the full message list at one point in time, e.g.
  [{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]

The engine starts from the conversation's stored history, so a line equal
to what is already stored adds nothing. All lines are validated before
anything is written. The command exits once every mutation was dispatched.

Exit codes:
  0 - All mutations stored
  1 - One or more mutations were dropped by storage
  2 - Command error (bad file, unknown conversation, storage unavailable)

Examples:
  sesame sync 0195f0c2-... ./turns.jsonl
  sesame sync demo ./turns.jsonl --create --language french`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Create, "create", false, "create the conversation if it does not exist")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title for a created conversation")
	cmd.Flags().StringVar(&opts.Language, "language", "", "language for a created conversation (default engine.default_language)")

	return cmd
}

func runSync(opts *SyncOptions, conversationID, path string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	snapshots, err := readSnapshots(path, int(cfg.Server.MaxMessageBytes))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshots", err)
	}

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("error closing storage", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	conv, err := b.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) && opts.Create {
		lang := opts.Language
		if lang == "" {
			lang = cfg.Engine.DefaultLanguage
		}
		conv, err = b.CreateConversation(ctx, store.Conversation{ID: conversationID, Title: opts.Title, LanguageCode: lang})
	}
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("conversation %s", conversationID), err)
	}

	history, err := b.ListMessages(ctx, conv.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}

	sink := &countingSink{next: b}
	eng := engine.New(conv.ID,
		engine.WithSink(sink),
		engine.WithSnapshot(store.SnapshotOf(history, conv.LanguageCode)),
		engine.WithLanguage(conv.LanguageCode),
		engine.WithLogger(logger),
		engine.WithDispatchTimeout(cfg.Engine.DispatchTimeout),
	)
	if err := eng.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	out := opts.formatter(cmd)
	report := SyncReport{ConversationID: conv.ID, Saves: []SyncSave{}}
	for _, s := range snapshots {
		res := eng.Save(s.messages)
		save := SyncSave{Line: s.line, Action: string(res.Mutation.Action), Version: res.Version, Items: res.Mutation.Items}
		report.Saves = append(report.Saves, save)
		out.Textf("line %d: %s %d item(s), version %s", save.Line, save.Action, len(save.Items), save.Version)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := eng.Close(closeCtx); err != nil {
		return WrapExitError(ExitFailure, "failed to drain engine", err)
	}

	report.Dispatched, report.Dropped = sink.counts()
	stored, err := b.ListMessages(ctx, conv.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}
	report.Messages = len(stored)

	if err := out.Success(report, fmt.Sprintf("%d dispatched, %d dropped, %d stored message(s)",
		report.Dispatched, report.Dropped, report.Messages)); err != nil {
		return err
	}
	if report.Dropped > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) dropped", report.Dropped))
	}
	return nil
}

type lineSnapshot struct {
	line     int
	messages content.Snapshot
}

// readSnapshots decodes every non-blank line of path. The first invalid
// line fails the whole file.
func readSnapshots(path string, maxLine int) ([]lineSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []lineSnapshot
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		snap, err := content.DecodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, lineSnapshot{line: line, messages: snap})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	return out, nil
}

// countingSink forwards to next and counts outcomes.
type countingSink struct {
	next engine.Sink

	mu         sync.Mutex
	dispatched int
	dropped    int
}

func (s *countingSink) AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error {
	return s.record(s.next.AppendMessages(ctx, conversationID, msgs))
}

func (s *countingSink) ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error {
	return s.record(s.next.ReplaceMessages(ctx, conversationID, msgs, preserveLeadingSystem))
}

func (s *countingSink) record(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched++
	if err != nil {
		s.dropped++
	}
	return err
}

func (s *countingSink) counts() (dispatched, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched, s.dropped
}
