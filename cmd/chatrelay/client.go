package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
	"github.com/agentworkforce/chatrelay/internal/fetchclient"
	"github.com/agentworkforce/chatrelay/internal/httpapi"
)

type clientFlags struct {
	root      *rootOptions
	withToken bool
	baseURL   string
	token     string
	timeout   time.Duration
}

func newClientFlags(root *rootOptions, withToken bool) *clientFlags {
	return &clientFlags{root: root, withToken: withToken}
}

func (f *clientFlags) register(cmd *cobra.Command, timeout time.Duration) {
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "relay base URL (default client.base_url)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", timeout, "request timeout")
	if f.withToken {
		cmd.Flags().StringVar(&f.token, "token", "", "admin bearer token (default client.admin_token)")
	}
}

// client fills unset flags from the config sources and builds the client.
func (f *clientFlags) client(cmd *cobra.Command) (*fetchclient.Client, error) {
	cfg, err := f.root.loader().Read()
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("base-url") {
		f.baseURL = cfg.Client.BaseURL
	}
	if f.withToken && !cmd.Flags().Changed("token") {
		f.token = cfg.Client.AdminToken
	}
	return fetchclient.New(f.baseURL, fetchclient.Options{
		Token:      f.token,
		HTTPClient: &http.Client{Timeout: f.timeout},
	}), nil
}

func newFetchCommand(root *rootOptions) *cobra.Command {
	flags := newClientFlags(root, false)
	var (
		wait         bool
		poll         bool
		waitTimeout  time.Duration
		pollInterval time.Duration
		pollJitter   float64
	)
	cmd := &cobra.Command{
		Use:   "fetch <message-id>",
		Short: "Print the question and stored replies for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if !wait {
				result, err := client.Fetch(ctx, id)
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), result)
			}

			ctx, cancel := context.WithTimeout(ctx, waitTimeout)
			defer cancel()
			var result chatrelay.FetchResult
			if poll {
				result, err = pollForReply(ctx, client, id, pollInterval, pollJitter)
			} else {
				result, err = client.Wait(ctx, id)
			}
			if err != nil && !errors.Is(err, fetchclient.ErrNotReady) {
				return err
			}
			if writeErr := writeResult(cmd.OutOrStdout(), result); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
	flags.register(cmd, 15*time.Second)
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until a reply is stored")
	cmd.Flags().BoolVar(&poll, "poll", false, "wait by polling instead of the websocket stream")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 2*time.Minute, "how long --wait keeps trying")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "poll interval for --poll")
	cmd.Flags().Float64Var(&pollJitter, "poll-jitter", 0.2, "poll interval jitter ratio (0.0-1.0)")
	return cmd
}

func newMessageCommand(root *rootOptions) *cobra.Command {
	flags := newClientFlags(root, true)
	cmd := &cobra.Command{
		Use:   "message <message-id>",
		Short: "Show the full stored state of a message (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd)
			if err != nil {
				return err
			}
			message, err := client.Message(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), message)
		},
	}
	flags.register(cmd, 15*time.Second)
	return cmd
}

func newRetryCommand(root *rootOptions) *cobra.Command {
	flags := newClientFlags(root, true)
	cmd := &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Re-run the completion for a message whose last attempt failed (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd)
			if err != nil {
				return err
			}
			reply, err := client.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), reply)
		},
	}
	// Retry waits for the model, so it gets the completion timeout.
	flags.register(cmd, 2*time.Minute)
	return cmd
}

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		secret  string
		subject string
		scopes  string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("secret") {
				cfg, err := root.loader().Read()
				if err != nil {
					return err
				}
				secret = cfg.Admin.JWTSecret
			}
			token, err := httpapi.IssueAdminToken(secret, subject, strings.Fields(strings.ReplaceAll(scopes, ",", " ")), ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret (default admin.jwt_secret)")
	cmd.Flags().StringVar(&subject, "sub", "operator", "token subject")
	cmd.Flags().StringVar(&scopes, "scopes", "chat:read,chat:retry", "comma separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func parseMessageID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", raw)
	}
	return id, nil
}

func writeResult(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(v)
}

func pollForReply(ctx context.Context, client *fetchclient.Client, id int64, interval time.Duration, jitter float64) (chatrelay.FetchResult, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	jitter = clampJitterRatio(jitter)
	var last chatrelay.FetchResult
	for {
		result, err := client.Fetch(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, fetchclient.ErrNotReady
			}
			return last, err
		}
		last = result
		if len(result.Replies) > 0 {
			return result, nil
		}
		timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rand.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, fetchclient.ErrNotReady
		case <-timer.C:
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
