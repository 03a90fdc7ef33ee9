// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// newRootCommand builds the command tree. Every flag can also be set through
// a FIELDSYNC_ environment variable, e.g. FIELDSYNC_DATABASE_URL.
func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("fieldsync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Local-first field data sync: reference server and device simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("jwt-secret", defaultJWTSecret, "HMAC secret for JWT tokens")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
		logger, err := newLogger(v.GetString("log-level"), v.GetString("log-format"))
		if err != nil {
			return err
		}
		// Libraries logging through slog.Default share the handler and level.
		slog.SetDefault(logger)
		return nil
	}

	rootCmd.AddCommand(newServeCommand(v), newSimulateCommand(v))
	return rootCmd
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

func jwtSecret(v *viper.Viper) string {
	secret := v.GetString("jwt-secret")
	if secret == defaultJWTSecret {
		slog.Warn("Using default JWT secret - change in production!")
	}
	return secret
}
