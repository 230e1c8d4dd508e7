package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-personalize/backend/internal/service/channel"
)

const defaultTimeout = 10 * time.Second

type options struct {
	agent   string
	origin  string
	session string
	timeout time.Duration
}

type messageFlags struct {
	data    string
	message string
}

// buildMessage encodes one surface message. kind is complete, cancel, close or error.
func buildMessage(kind, sessionID string, flags messageFlags) ([]byte, error) {
	var msg channel.Message
	switch kind {
	case "complete":
		if sessionID == "" {
			return nil, errors.New("complete needs a session id")
		}
		data := strings.TrimSpace(flags.data)
		if data == "" {
			data = "{}"
		}
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("--data is not valid JSON: %s", data)
		}
		msg = channel.Completed{SessionID: sessionID, Data: json.RawMessage(data)}
	case "cancel":
		msg = channel.Cancelled{}
	case "close":
		msg = channel.CloseRequested{}
	case "error":
		msg = channel.Failed{Message: flags.message}
	default:
		return nil, fmt.Errorf("unknown message kind %q (want complete, cancel, close or error)", kind)
	}
	return channel.Encode(msg)
}

func messageArgs(cmd *cobra.Command, flags *messageFlags) {
	cmd.Flags().StringVar(&flags.data, "data", "", "customization payload for complete (JSON)")
	cmd.Flags().StringVar(&flags.message, "message", "", "error text for error")
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the agent's widget state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			view, err := fetchWidget(ctx, opts.agent)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(view, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func wsCmd(opts *options) *cobra.Command {
	flags := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "ws [complete|cancel|close|error]",
		Short: "Connect over the WebSocket bridge, optionally sending one message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			sessionID, err := resolveSession(ctx, opts)
			if err != nil {
				return err
			}

			var raw []byte
			if len(args) == 1 {
				if raw, err = buildMessage(args[0], sessionID, *flags); err != nil {
					return err
				}
			}

			wsURL, err := bridgeURL(opts.agent, sessionID)
			if err != nil {
				return err
			}
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{"Origin": {opts.origin}})
			if err != nil {
				if resp != nil {
					return fmt.Errorf("handshake rejected: %s", resp.Status)
				}
				return err
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(opts.timeout))

			out := cmd.OutOrStdout()
			if err := printFrame(out, conn); err != nil {
				return err
			}
			if raw == nil {
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return err
			}
			if err := printFrame(out, conn); err != nil {
				return err
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		},
	}
	messageArgs(cmd, flags)
	return cmd
}

func postCmd(opts *options) *cobra.Command {
	flags := &messageFlags{}
	cmd := &cobra.Command{
		Use:   "post complete|cancel|close|error",
		Short: "Send one message over the HTTP bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			sessionID := opts.session
			if args[0] == "complete" {
				var err error
				if sessionID, err = resolveSession(ctx, opts); err != nil {
					return err
				}
			}
			raw, err := buildMessage(args[0], sessionID, *flags)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				strings.TrimRight(opts.agent, "/")+"/api/surface/messages", strings.NewReader(string(raw)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Origin", opts.origin)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Status, strings.TrimSpace(string(body)))
			return nil
		},
	}
	messageArgs(cmd, flags)
	return cmd
}

func printFrame(out io.Writer, conn *websocket.Conn) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func bridgeURL(agent, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(agent, "/") + "/api/surface/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported agent scheme %q", u.Scheme)
	}
	u.RawQuery = url.Values{"sessionUuid": {sessionID}}.Encode()
	return u.String(), nil
}

type widgetView struct {
	Config json.RawMessage `json:"config"`
	Status struct {
		Initialized bool   `json:"initialized"`
		State       string `json:"state"`
		Launch      *struct {
			SessionID string `json:"sessionId"`
			URL       string `json:"url"`
		} `json:"launch,omitempty"`
		Session json.RawMessage `json:"session,omitempty"`
	} `json:"status"`
}

func fetchWidget(ctx context.Context, agent string) (widgetView, error) {
	var view widgetView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(agent, "/")+"/api/widget", nil)
	if err != nil {
		return view, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return view, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return view, fmt.Errorf("agent returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return view, fmt.Errorf("decode widget status: %w", err)
	}
	return view, nil
}

func resolveSession(ctx context.Context, opts *options) (string, error) {
	if opts.session != "" {
		return opts.session, nil
	}
	view, err := fetchWidget(ctx, opts.agent)
	if err != nil {
		return "", err
	}
	if view.Status.Launch == nil || view.Status.Launch.SessionID == "" {
		return "", errors.New("agent has no open customizer; pass --session or POST /api/customizer/open first")
	}
	return view.Status.Launch.SessionID, nil
}
