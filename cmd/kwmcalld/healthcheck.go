/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmcall/version"
)

const maxHealthcheckBodySize = 4096

func commandHealthcheck() *cobra.Command {
	healthcheckCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check that a running kwmcalld answers on its HTTP listener",
		Run: func(cmd *cobra.Command, args []string) {
			if err := healthcheck(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	healthcheckCmd.Flags().String("listen", defaultListenAddr, "HTTP listen address of the kwmcalld to check")
	healthcheckCmd.Flags().String("path", "/health-check", "URL path of the health-check endpoint")
	healthcheckCmd.Flags().Bool("tls", false, "Connect with https")
	healthcheckCmd.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")
	healthcheckCmd.Flags().Duration("timeout", 10*time.Second, "Time to wait for the health-check response")

	return healthcheckCmd
}

func healthcheck(cmd *cobra.Command, args []string) error {
	listenAddr, _ := cmd.Flags().GetString("listen")
	path, _ := cmd.Flags().GetString("path")
	withTLS, _ := cmd.Flags().GetBool("tls")
	insecure, _ := cmd.Flags().GetBool("insecure")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := checkHealth(ctx, newHealthcheckClient(insecure), healthcheckURL(listenAddr, path, withTLS)); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "kwmcalld at %s is healthy\n", listenAddr)
	return nil
}

func healthcheckURL(listenAddr string, path string, withTLS bool) string {
	uri := &url.URL{
		Scheme: "http",
		Host:   listenAddr,
		Path:   path,
	}
	if withTLS {
		uri.Scheme = "https"
	}
	return uri.String()
}

func newHealthcheckClient(insecure bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		DisableKeepAlives: true,
	}
	if insecure {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
	return &http.Client{
		Transport: transport,
	}
}

// checkHealth fails unless uri responds with 200.
func checkHealth(ctx context.Context, client *http.Client, uri string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create health-check request: %w", err)
	}
	request.Header.Set("User-Agent", "Kopano-Kwmcall/"+version.Version)

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("kwmcalld is not reachable: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxHealthcheckBodySize))
		return fmt.Errorf("kwmcalld is unhealthy, status %d: %s", response.StatusCode, body)
	}
	return nil
}
