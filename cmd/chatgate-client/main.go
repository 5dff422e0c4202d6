package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	neturl "net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/auth"
	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/llmclient"
	"github.com/lkarlslund/chatgate/pkg/logutil"
	"github.com/lkarlslund/chatgate/pkg/stream"
	"github.com/lkarlslund/chatgate/pkg/version"
)

func main() {
	root := &cobra.Command{
		Use:   "chatgate-client",
		Short: "chatgate command line client",
		Long:  "chatgate-client talks to a chatgate server: it streams chat replies and lists the models the server exposes.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	var logLevel string
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel, "text")
	}
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "warn", "Log level (trace, debug, info, warn, error, fatal)")

	var clientConfigPath string
	root.PersistentFlags().StringVar(&clientConfigPath, "config", config.DefaultClientConfigPath(), "Client config TOML path")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Configure server URL, access code and API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigPrompt(cmd, clientConfigPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "set-code <access_code>",
		Short: "Set and save the access code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetCode(cmd, clientConfigPath, args[0])
		},
	})

	var chatModel string
	var viaCompletions bool
	chatCmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send one message and stream the reply (reads stdin when no message is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, clientConfigPath, chatModel, viaCompletions, args)
		},
	}
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model to request (default from config)")
	chatCmd.Flags().BoolVar(&viaCompletions, "completions", false, "Use the OpenAI-compatible chat completions route instead of the chat stream")
	root.AddCommand(chatCmd)

	root.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List the models available through the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, clientConfigPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print chatgate-client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConfigPrompt(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "chatgate client config: %s\n", path)
	fmt.Fprintln(out, "Press Enter to keep current value.")
	fmt.Fprintln(out, "Enter '-' to clear the access code or API key.")

	serverURL, err := promptLine(reader, out, fmt.Sprintf("Server URL [%s]: ", cfg.ServerURL))
	if err != nil {
		return err
	}
	if serverURL = strings.TrimSpace(serverURL); serverURL != "" {
		base, err := deriveServerBaseURL(serverURL)
		if err != nil {
			return err
		}
		cfg.ServerURL = base
	}
	if cfg.AccessCode, err = promptSecret(reader, out, "Access code", cfg.AccessCode); err != nil {
		return err
	}
	if cfg.Token, err = promptSecret(reader, out, "API key", cfg.Token); err != nil {
		return err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save client config: %w", err)
	}
	fmt.Fprintln(out, "Saved.")
	return nil
}

func promptSecret(reader *bufio.Reader, out io.Writer, label, current string) (string, error) {
	prompt := label + " [not set]: "
	if current != "" {
		prompt = fmt.Sprintf("%s [%s]: ", label, redact(current))
	}
	in, err := promptLine(reader, out, prompt)
	if err != nil && !errors.Is(err, io.EOF) {
		return current, err
	}
	switch in = strings.TrimSpace(in); in {
	case "":
		return current, nil
	case "-":
		return "", nil
	default:
		return in, nil
	}
}

func runSetCode(cmd *cobra.Command, path, code string) error {
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("access code cannot be empty")
	}
	cfg.AccessCode = code
	cfg.Normalize()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save client config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Saved access code.")
	return nil
}

func runChat(cmd *cobra.Command, cfgPath, model string, viaCompletions bool, args []string) error {
	cfg, err := config.LoadOrCreateClientConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	sentence := strings.TrimSpace(strings.Join(args, " "))
	if sentence == "" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		sentence = strings.TrimSpace(string(b))
	}
	if sentence == "" {
		return errors.New("nothing to send")
	}
	if model == "" {
		model = cfg.Model
	}

	client := newClient(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := llmclient.NewAccessStore(client, "")
	if !store.IsAuthorized(ctx, cfg.AccessCode) {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: the server requires an access code; run 'chatgate-client set-code <code>'")
	}

	if viaCompletions {
		return runCompletion(ctx, cmd.OutOrStdout(), client, model, sentence)
	}

	resp, err := client.Open(context.Background(), llmclient.ChatRequest{Sentence: sentence, Model: model})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		resp.Controller().Abort()
	}()

	out := cmd.OutOrStdout()
	printed := 0
	for u, err := range resp.Updates() {
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		printed = writeDelta(out, u.Text, printed)
	}
	fmt.Fprintln(out)
	return nil
}

func runCompletion(ctx context.Context, out io.Writer, client *llmclient.Client, model, sentence string) error {
	req := llmclient.CompletionRequest{ChatCompletionRequest: openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: sentence}},
	}}
	cs, err := client.OpenCompletion(context.Background(), req)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cs.Controller().Abort()
	}()
	for f, err := range cs.Frames() {
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		switch f.Kind {
		case stream.FrameDelta:
			fmt.Fprint(out, f.Text)
		case stream.FrameError:
			slog.Warn("skipped undecodable stream event", "err", f.Err)
		}
	}
	fmt.Fprintln(out)
	return nil
}

// writeDelta prints the part of text not printed yet. A reply that does not
// extend what was printed (the unauthorized message) is printed whole.
func writeDelta(out io.Writer, text string, printed int) int {
	if printed > len(text) {
		printed = 0
	}
	fmt.Fprint(out, text[printed:])
	return len(text)
}

func runModels(cmd *cobra.Command, cfgPath string) error {
	cfg, err := config.LoadOrCreateClientConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	oc := openai.DefaultConfig(bearerCredential(cfg))
	oc.BaseURL = cfg.ServerURL + "/api/openai/v1"
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	models, err := openai.NewClientWithConfig(oc).ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, m := range models.Models {
		fmt.Fprintln(out, m.ID)
	}
	return nil
}

func newClient(cfg *config.ClientConfig) *llmclient.Client {
	session := llmclient.NewSession(
		llmclient.WithAccessCode(cfg.AccessCode),
		llmclient.WithToken(cfg.Token),
	)
	return llmclient.NewClient(cfg.ServerURL,
		llmclient.WithSession(session),
		llmclient.WithContactEmail(cfg.ContactEmail),
		llmclient.WithIdleTimeout(time.Duration(cfg.IdleTimeoutSeconds)*time.Second),
	)
}

// bearerCredential is the token go-openai sends after "Bearer ": an access
// code wins over a personal API key.
func bearerCredential(cfg *config.ClientConfig) string {
	if cfg.AccessCode != "" {
		return auth.AccessCodePrefix + cfg.AccessCode
	}
	return cfg.Token
}

func deriveServerBaseURL(serverURL string) (string, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return "", fmt.Errorf("server_url is empty")
	}
	u, err := neturl.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server_url must be absolute, got %q", serverURL)
	}
	path := strings.TrimSuffix(strings.TrimSpace(u.Path), "/")
	for _, suffix := range []string{"/v1", "/openai", "/api"} {
		path = strings.TrimSuffix(path, suffix)
	}
	u.Path = path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func promptLine(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func redact(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}
