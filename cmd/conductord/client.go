package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/conductord/internal/http"
)

// askpassTimeout outlasts the server's credential prompt deadline.
const askpassTimeout = 90 * time.Second

func newAskpassCmd() *cobra.Command {
	var url, nonce string
	cmd := &cobra.Command{
		Use:   "askpass [prompt...]",
		Short: "Forward a credential prompt to the daemon",
		Long: `Forward a git or ssh credential prompt to a running daemon and print
the answer. Helper scripts generated by the daemon invoke this with a
single-use nonce; the command exits non-zero when the prompt is cancelled
or times out so the calling process fails instead of hanging.`,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = serverURL
			}
			if nonce == "" {
				return errors.New("--nonce is required")
			}
			cred, err := askpass(cmd.Context(), url, nonce, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if cred == nil {
				return errors.New("credential prompt cancelled")
			}
			fmt.Fprintln(cmd.OutOrStdout(), *cred)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "daemon base URL (defaults to --server)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "askpass nonce")
	return cmd
}

func newApproveCmd() *cobra.Command {
	var remember bool
	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve a pending shell command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := httpapi.ShellApproveRequest{Remember: remember}
			if err := postJSON(cmd, "/shell-approval/"+args[0]+"/approve", body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&remember, "remember", false, "auto-approve this command for the rest of the workflow")
	return cmd
}

func newDenyCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deny <approval-id>",
		Short: "Deny a pending shell command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := httpapi.ShellDenyRequest{Reason: reason}
			if err := postJSON(cmd, "/shell-approval/"+args[0]+"/deny", body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Denied %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the agent")
	return cmd
}

func newRespondCmd() *cobra.Command {
	var cancel bool
	cmd := &cobra.Command{
		Use:   "respond <prompt-id> [credential]",
		Short: "Answer a pending credential prompt",
		Long: `Answer a pending credential prompt. Without a credential argument the
first line of stdin is used, which keeps the secret out of shell history.

Examples:
  # Answer from a file
  conductord respond 3f2a... < token.txt

  # Cancel the prompt
  conductord respond 3f2a... --cancel`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body httpapi.CredentialResponse
			switch {
			case cancel:
			case len(args) == 2:
				body.Credential = &args[1]
			default:
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("failed to read credential from stdin: %w", err)
				}
				cred := strings.TrimRight(line, "\r\n")
				body.Credential = &cred
			}
			if err := postJSON(cmd, "/credential-prompt/"+args[0]+"/respond", body); err != nil {
				return err
			}
			if cancel {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Answered %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel the prompt instead of answering it")
	return cmd
}

func postJSON(cmd *cobra.Command, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var e httpapi.ErrorResponse
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// askpass posts the prompt with the nonce and returns the answer. A nil
// credential means the prompt was cancelled or timed out; an empty one is
// a real answer.
func askpass(ctx context.Context, baseURL, nonce, prompt string) (*string, error) {
	url := strings.TrimRight(baseURL, "/") + "/credential-prompt"
	payload, err := json.Marshal(httpapi.CredentialPromptRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.NonceHeader, nonce)

	client := &http.Client{Timeout: askpassTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out httpapi.CredentialResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return out.Credential, nil
}
