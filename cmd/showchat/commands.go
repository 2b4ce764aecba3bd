package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ggoodman/showchat-go/chat"
	"github.com/ggoodman/showchat-go/model"
	"github.com/spf13/cobra"
)

const closeTimeout = 5 * time.Second

// withClient starts a client, runs fn, then tears the client down.
func withClient(cmd *cobra.Command, a *app, fn func(ctx context.Context, s *started) error) error {
	ctx := cmd.Context()
	s, err := a.start(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	return errors.Join(runErr, s.close(closeCtx))
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

type runReport struct {
	Session  string           `json:"session"`
	Show     model.Show       `json:"show"`
	Status   model.ShowStatus `json:"status"`
	Identity chat.Identity    `json:"identity"`
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Initialize, resolve the show and open chat, then print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, a, func(ctx context.Context, s *started) error {
				if err := s.stages.Wait(ctx); err != nil {
					return err
				}
				st, _ := s.stages.Session.Result()
				show, _ := s.stages.Details.Result()
				status, _ := s.stages.Status.Result()
				id, _ := s.stages.Chat.Result()
				return writeJSON(cmd.OutOrStdout(), runReport{Session: st.String(), Show: show, Status: status, Identity: id})
			})
		},
	}
}

func newTailCmd(a *app) *cobra.Command {
	var count int
	var resume string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print chat messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []chat.SubscribeOption
			if resume != "" {
				tt, err := model.ParseTimetoken(resume)
				if err != nil {
					return fmt.Errorf("--resume: %w", err)
				}
				opts = append(opts, chat.ResumeAfter(tt))
			}
			return withClient(cmd, a, func(ctx context.Context, s *started) error {
				if _, err := s.stages.Chat.Await(ctx); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				seen := 0
				done := make(chan struct{})
				sub, err := s.client.Chat().Channel().Subscribe(ctx, func(ctx context.Context, msg model.Message) error {
					if err := writeJSON(out, msg); err != nil {
						return err
					}
					seen++
					if count > 0 && seen == count {
						close(done)
					}
					return nil
				}, opts...)
				if err != nil {
					return err
				}
				select {
				case <-done:
					sub.Close()
					return nil
				case <-sub.Done():
					if errors.Is(sub.Err(), context.Canceled) {
						return nil
					}
					return sub.Err()
				}
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many messages (0 = until interrupted)")
	cmd.Flags().StringVar(&resume, "resume", "", "also print messages newer than this timetoken")
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Publish a chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withClient(cmd, a, func(ctx context.Context, s *started) error {
				if _, err := s.stages.Chat.Await(ctx); err != nil {
					return err
				}
				tt, err := s.client.Chat().Channel().Publish(ctx, text).Await(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]string{"timetoken": tt.String()})
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print one page of chat history, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, a, func(ctx context.Context, s *started) error {
				if _, err := s.stages.Chat.Await(ctx); err != nil {
					return err
				}
				page, err := s.client.Chat().Channel().History(ctx, limit, cursor).Await(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), page)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 = --history-page-size)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}
