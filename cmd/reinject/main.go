package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	optionRelayURL = &cli.StringFlag{
		Name:    "relay-url",
		Usage:   "Base URL of a running relay's ingest endpoint",
		Value:   "http://127.0.0.1:8080",
		EnvVars: []string{"RELAY_URL"},
	}
	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

func main() {
	app := &cli.App{
		Name:  "relay-reinject",
		Usage: "CLI for re-injecting missed transactions into a running relay",
		Commands: []*cli.Command{
			{
				Name:  "home",
				Usage: "Re-inject a homechain transaction hash",
				Flags: []cli.Flag{
					optionRelayURL,
				},
				Action: func(c *cli.Context) error {
					return reinject(c, "home")
				},
			},
			{
				Name:  "side",
				Usage: "Re-inject a sidechain transaction hash",
				Flags: []cli.Flag{
					optionRelayURL,
				},
				Action: func(c *cli.Context) error {
					return reinject(c, "side")
				},
			},
			{
				Name:  "status",
				Usage: "Print the relay's status",
				Flags: []cli.Flag{
					optionRelayURL,
				},
				Action: func(c *cli.Context) error {
					return status(c)
				},
			},
		},
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "Exited with error: %v\n", err)
		os.Exit(1)
	}
}

func reinject(c *cli.Context, chain string) error {
	txHash := c.Args().First()
	if !txHashPattern.MatchString(txHash) {
		return fmt.Errorf("argument must be a 0x-prefixed 32-byte transaction hash")
	}

	url := strings.TrimSuffix(c.String(optionRelayURL.Name), "/") + "/" + chain + "/" + txHash
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach relay at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("relay rejected %s on %s: %s %s", txHash, chain, resp.Status, strings.TrimSpace(string(body)))
	}
	log.Info().Msgf("Relay accepted %s on %s: %s", txHash, chain, strings.TrimSpace(string(body)))
	return nil
}

func status(c *cli.Context) error {
	url := strings.TrimSuffix(c.String(optionRelayURL.Name), "/") + "/status"
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach relay at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}
	fmt.Fprintln(c.App.Writer, strings.TrimSpace(string(body)))
	return nil
}
