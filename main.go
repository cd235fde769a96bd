/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/matishsiao/goInfo"

	"ubee/config"
	"ubee/logging"
	"ubee/persist"
)

const Version string = "v0.2.7"

func main() {
	gi, _ := goInfo.GetInfo()

	configPath := flag.String("config", defaultConfigPath(gi.GoOS), "configuration file")
	export := flag.String("export", "", "write the saved address map to `file` and exit")
	imp := flag.String("import", "", "load the address map from `file` into the saved network and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Os = gi.GoOS
	if cfg.Radio.Port == "" {
		cfg.Radio.Port = defaultPort(cfg.Os)
	}

	switch {
	case *export != "":
		if err := exportToFile(persist.NewFileStore(cfg.StatePath), *export); err != nil {
			fmt.Fprintln(os.Stderr, "export:", err)
			os.Exit(2)
		}
		return
	case *imp != "":
		if err := importFromFile(persist.NewFileStore(cfg.StatePath), *imp); err != nil {
			fmt.Fprintln(os.Stderr, "import:", err)
			os.Exit(2)
		}
		return
	}

	logger := logging.New(os.Stdout, "ubee", cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("version", Version).Str("os", cfg.Os).Str("mode", cfg.Mode).Msg("start")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u, err := NewUbee(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("configuration")
		os.Exit(1)
	}
	if err := u.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start")
		u.Stop()
		os.Exit(1)
	}
	defer u.Stop()

	if err := u.Console(ctx, stop); err != nil {
		// no terminal, run until signalled
		logger.Warn().Err(err).Msg("console")
		<-ctx.Done()
	}
}

func defaultConfigPath(goos string) string {
	if goos == "windows" {
		dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
		if err == nil {
			return filepath.Join(dir, "config.yaml")
		}
	}
	return "/usr/local/etc/ubee/config.yaml"
}

// defaultPort is where the co-processor usually shows up on each system.
func defaultPort(goos string) string {
	switch goos {
	case "windows":
		return "COM3"
	case "darwin":
		return "/dev/cu.usbmodem14101"
	}
	return "/dev/ttyACM0"
}
