// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mobiletoly/go-fieldsync/blobstore/memory"
	"github.com/mobiletoly/go-fieldsync/fieldserver"
	"github.com/mobiletoly/go-fieldsync/internal/simulator"
)

func newSimulateCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a simulated inspection device against a server",
		Long: "Runs device scenarios (" + strings.Join(simulator.ScenarioNames(), ", ") + ") against --server.\n" +
			"Without --server an in-memory server is started in-process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), v)
		},
	}
	f := cmd.Flags()
	f.String("server", "", "Server URL; empty starts an in-memory server")
	f.StringSlice("scenario", []string{"all"}, "Scenarios to run")
	f.String("user", "inspector", "User the device signs in as")
	f.String("device", "", "Device identifier (random when empty)")
	f.String("workdir", "", "Directory for the device database and photos (temp when empty)")
	f.Bool("preserve-db", false, "Keep the device files for inspection")
	f.String("output", "", "Write a JSON report to this file")
	return cmd
}

func runSimulate(ctx context.Context, v *viper.Viper) error {
	logger := slog.Default()
	secret := jwtSecret(v)

	serverURL := v.GetString("server")
	if serverURL == "" {
		url, stop, err := startEmbeddedServer(secret, logger)
		if err != nil {
			return err
		}
		defer stop()
		serverURL = url
	}

	sim, err := simulator.NewSimulator(&simulator.Config{
		ServerURL:  serverURL,
		JWTSecret:  secret,
		User:       v.GetString("user"),
		DeviceID:   v.GetString("device"),
		WorkDir:    v.GetString("workdir"),
		PreserveDB: v.GetBool("preserve-db"),
		OutputFile: v.GetString("output"),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}
	defer sim.Close()

	if err := sim.Run(ctx, v.GetStringSlice("scenario")...); err != nil {
		return err
	}
	fmt.Println("Simulation completed successfully")
	return nil
}

func startEmbeddedServer(secret string, logger *slog.Logger) (string, func(), error) {
	reg := prometheus.NewRegistry()
	srv, err := fieldserver.New(fieldserver.NewMemoryStore(memory.New()), &fieldserver.Config{
		JWTSecret:       secret,
		MaxPayloadBytes: 1 << 20,
		MaxBinaryBytes:  32 << 20,
		Registerer:      reg,
		Gatherer:        reg,
		Logger:          logger.With("component", "server"),
	})
	if err != nil {
		return "", nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	httpServer := &http.Server{Handler: srv.Handler()}
	go func() { _ = httpServer.Serve(ln) }()
	logger.Info("Started in-process server", "addr", ln.Addr().String())
	return "http://" + ln.Addr().String(), func() { _ = httpServer.Close() }, nil
}
