package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	_ "net/http/pprof"

	"github.com/aranachat/room/room"
	"github.com/aranachat/room/store"
	"github.com/aranachat/room/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Join a room as leader or member",
		Long: `room joins a star-shaped chat relay. The first process takes the primary
leader slot, the next ones join as members; a backup slot takes over while
the primary is unreachable.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringP("config", "c", "", "config file (default ./config.yaml)")
	f.String("room", "", "room name")
	f.String("name", "", "display name")
	f.String("primary", "", "host:port of the primary leader slot")
	f.String("backup", "", "host:port of the backup leader slot")
	f.String("admin-host", "", "operator http listen address")
	for key, flag := range map[string]string{
		"room":       "room",
		"name":       "name",
		"primary":    "primary",
		"backup":     "backup",
		"admin_host": "admin-host",
	} {
		viper.BindPFlag(key, f.Lookup(flag))
	}
	cobra.OnInitialize(func() {
		if path, _ := f.GetString("config"); path != "" {
			viper.SetConfigFile(path)
		}
	})
	return cmd
}

func loadConfig() error {
	_ = godotenv.Load(".env")

	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("./")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetDefault("room", "room")
	viper.SetDefault("primary", "127.0.0.1:7101")
	viper.SetDefault("backup", "127.0.0.1:7102")
	viper.SetDefault("admin_host", "127.0.0.1:7100")
	viper.SetDefault("store.type", "pebble")
	viper.SetDefault("protocol.send_interval", "1s")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return viper.Unmarshal(&DefConfig)
}

func run(ctx context.Context) error {
	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)
	if err := loadConfig(); err != nil {
		log.Sugar().Error("init config error:", err)
		return err
	}
	if DefConfig.LogProduction {
		log, _ = zap.NewProduction()
		zap.ReplaceGlobals(log)
	}
	defer log.Sync()
	slog := log.Sugar()

	if DefConfig.PprofHost != "" {
		go func() {
			http.ListenAndServe(DefConfig.PprofHost, nil)
		}()
	}

	st, err := store.Open(DefConfig.Store, slog.With("method", "store"))
	if err != nil {
		slog.Error("open store:", err)
		return err
	}
	defer st.Close()

	tr := transport.NewWS(transport.WSOptions{
		Addrs: map[string]string{
			room.PrimaryIdentity(DefConfig.Room): DefConfig.Primary,
			room.BackupIdentity(DefConfig.Room):  DefConfig.Backup,
		},
		ReadMessageSizeLimit: DefConfig.Client.ReadMessageSizeLimit,
		ReadBufferSize:       DefConfig.Client.ReadBufferSize,
		WriteBufferSize:      DefConfig.Client.WriteBufferSize,
		Compression:          DefConfig.Client.Compression,
		CompressionLevel:     DefConfig.Client.CompressionLevel,
		SendBuffer:           DefConfig.Client.SendBuffer,
		Log:                  slog,
	})

	node, err := room.New(room.Options{
		Room:      DefConfig.Room,
		Name:      DefConfig.Name,
		Transport: tr,
		Store:     st,
		Presenter: logPresenter{log: slog.With("method", "presenter")},
		Log:       slog.With("room", DefConfig.Room),
		Protocol:  DefConfig.Protocol,
	})
	if err != nil {
		slog.Error("init node:", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg := Config{}
		if err := viper.Unmarshal(&cfg); err != nil {
			slog.Warn("reload config:", err)
			return
		}
		slog.Info("config changed:", e.Name)
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := node.SetExpiration(cctx, cfg.Protocol.ExpirationMinutes); err != nil {
			slog.Warn("apply expiration:", err)
		}
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	srv := &http.Server{Addr: DefConfig.AdminHost, Handler: NewAdmin(node, DefConfig.AdminSecret).Handler()}
	go func() {
		slog.Info("Start admin:", DefConfig.AdminHost)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ListenAndServe: ", err)
		}
	}()

	err = node.Run(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(sctx)
	slog.Info("close")
	return err
}
