package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/agent"
	"github.com/dgnsrekt/tab_relay/internal/browser"
	"github.com/dgnsrekt/tab_relay/internal/capture"
	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/debugger"
	"github.com/dgnsrekt/tab_relay/internal/netutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load agent config", "error", err)
		os.Exit(1)
	}

	base, err := setupLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("browser_agent config loaded",
		"hub_url", cfg.HubURL,
		"token_set", cfg.Token != "",
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"headless", cfg.Headless,
		"bind_addr", cfg.BindAddr,
		"startup_tabs_file", cfg.StartupTabsFile,
		"handshake_timeout", cfg.HandshakeTimeout,
		"retry_max", cfg.RetryMax,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress:  cfg.CDPAddress,
			CDPPort:     cfg.CDPPort,
			BrowserPath: cfg.BrowserPath,
			ProfileDir:  cfg.ProfileDir,
			Headless:    cfg.Headless,
			StartURL:    "about:blank",
			Width:       1280,
			Height:      800,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	chrome := debugger.NewChrome(cfg.CDPURL())
	if err := chrome.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer chrome.Close()

	opts := agent.OptionsFromConfig(cfg)
	opts.Recorder = capture.NewScreencast(chrome)
	a := agent.New(chrome, opts)
	slog.SetDefault(slog.New(agent.NewLogHandler(base, a)))

	done := make(chan struct{})
	go func() {
		if err := a.Run(ctx); err != nil {
			slog.Error("agent stopped", "error", err)
		}
		close(done)
	}()

	if cfg.StartupTabsFile != "" {
		go openStartupTabs(ctx, a, cfg.StartupTabsFile)
	}

	var srv *http.Server
	if cfg.BindAddr != "" {
		bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, nil)
		if err != nil {
			slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
			os.Exit(1)
		}
		srv = &http.Server{Addr: bindAddr, Handler: agent.NewAPIHandler(a)}
		go func() {
			slog.Info("browser_agent api listening", "addr", bindAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("browser_agent api server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("browser_agent shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("browser_agent api shutdown failed", "error", err)
		}
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("agent did not stop in time")
	}
}

func openStartupTabs(ctx context.Context, a *agent.Agent, path string) {
	tabs, err := config.LoadStartupTabs(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("no startup tabs file", "path", path)
			return
		}
		slog.Error("failed to load startup tabs", "path", path, "error", err)
		return
	}
	for _, t := range tabs.Tabs {
		view, err := a.OpenTab(ctx, t.URL, t.ShouldAttach())
		if err != nil {
			slog.Warn("startup tab failed", "url", t.URL, "error", err)
			continue
		}
		slog.Info("startup tab opened", "url", t.URL, "tab_id", view.TabID, "session_id", view.SessionID)
	}
}

func setupLogger(level, filename string) (slog.Handler, error) {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return h, nil
}
