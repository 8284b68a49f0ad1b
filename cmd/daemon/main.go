package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cipherlink/go-backend/internal/agent"
	"cipherlink/go-backend/internal/config"
	"cipherlink/go-backend/internal/httpapi"
	"cipherlink/go-backend/internal/platform/privacylog"
	"cipherlink/go-backend/internal/push"
	"cipherlink/go-backend/internal/storage"
	"cipherlink/go-backend/internal/vault"
	"cipherlink/go-backend/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const pendingFlushInterval = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	accountID := flag.String("account", "", "Account ID override")
	signup := flag.Bool("signup", false, "Create the account instead of logging in")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("cipherlink-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	log := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(log)

	if *transport != "" {
		_ = os.Setenv("CIPHERLINK_NETWORK_TRANSPORT", *transport)
	}
	cfg := config.LoadDaemonFromPath(*configPath)
	if *accountID != "" {
		cfg.Account.ID = *accountID
	}
	if cfg.Account.ID == "" {
		fmt.Fprintln(os.Stderr, "an account id is required (-account or account.id in config)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *signup, log); err != nil {
		log.Error("daemon failed", "error", err.Error())
		os.Exit(1)
	}
	log.Info("daemon stopped")
}

func run(ctx context.Context, cfg config.DaemonConfig, signup bool, log *slog.Logger) error {
	v, err := openVault(cfg)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	store, err := storage.NewEncryptedPersistentMessageStore(
		filepath.Join(cfg.Account.DataDir, cfg.Account.ID, "messages.json"),
		cfg.Account.StorePassphrase)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}

	node := push.NewNode(cfg.PushConfig())
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start push channel: %w", err)
	}
	defer func() { _ = node.Stop(context.Background()) }()

	client := httpapi.NewClient(cfg.Directory.URL)
	a := agent.New(cfg.Account.ID, v, client, client, node, store, log)
	a.OnMessage(func(msg models.DecryptedMessage) {
		if msg.Undecryptable {
			log.Warn("message could not be decrypted",
				privacylog.SanitizeArgs("message_id", msg.ID, "conversation_id", msg.ConversationID)...)
			return
		}
		log.Info("message received",
			privacylog.SanitizeArgs("message_id", msg.ID, "conversation_id", msg.ConversationID, "sender_id", msg.SenderID)...)
	})

	password, err := readPassword(cfg.Account.ID)
	if err != nil {
		return err
	}
	if signup {
		recovery, err := a.Signup(ctx, password)
		if err != nil {
			return fmt.Errorf("signup: %w", err)
		}
		mnemonic, err := recovery.Mnemonic()
		if err != nil {
			return fmt.Errorf("render recovery mnemonic: %w", err)
		}
		fmt.Println("Recovery key (write it down, it is not stored anywhere):")
		fmt.Println("  code:    ", recovery.Code())
		fmt.Println("  mnemonic:", mnemonic)
		recovery.Destroy()
	} else if err := a.Login(ctx, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Info("agent online", privacylog.SanitizeArgs("account_id", cfg.Account.ID)...)

	ticker := time.NewTicker(pendingFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Logout()
			return nil
		case <-ticker.C:
			if n, err := a.FlushPending(ctx); err != nil {
				log.Warn("pending flush failed", "error", err.Error())
			} else if n > 0 {
				log.Info("redelivered parked messages", "count", n)
			}
		}
	}
}

func openVault(cfg config.DaemonConfig) (*vault.Vault, error) {
	if cfg.Account.UseKeyring != nil && *cfg.Account.UseKeyring {
		store, err := vault.NewKeyringStore("cipherlink")
		if err != nil {
			return nil, err
		}
		return vault.Open(cfg.Account.ID, store)
	}
	baseDir := filepath.Join(cfg.Account.DataDir, cfg.Account.ID)
	if cfg.Account.StorePassphrase != "" {
		return vault.Open(cfg.Account.ID, vault.NewEncryptedFileStore(baseDir, cfg.Account.StorePassphrase))
	}
	return vault.Open(cfg.Account.ID, vault.NewFileStore(baseDir))
}

func readPassword(accountID string) (string, error) {
	if v := os.Getenv("CIPHERLINK_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprintf(os.Stderr, "password for %s: ", accountID)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return password, nil
}
