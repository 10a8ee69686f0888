// mp4totext-ctl is the operator CLI for the job pipeline. It drives
// the admin HTTP surface: lane inspection, pause/drain, worker-count
// overrides, and requeueing failed jobs. The migrations subcommand
// talks to Postgres directly instead.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/migrate"
)

var (
	apiURL     string
	adminToken string
)

func request(method, path string, body any) (string, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, apiURL+path, reader)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, string(raw))
	}

	// Pretty-print the JSON response.
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw), nil
	}
	return buf.String(), nil
}

func lanesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "Show every lane's pool state and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request(http.MethodGet, "/v1/admin/lanes", nil)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [lane]",
		Short: "Stop a lane from dequeuing new work (in-flight jobs finish)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request(http.MethodPost, "/v1/admin/lanes/"+args[0]+"/pause", nil)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [lane]",
		Short: "Re-enable dequeuing on a paused lane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request(http.MethodPost, "/v1/admin/lanes/"+args[0]+"/resume", nil)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func workersCmd() *cobra.Command {
	var count int
	c := &cobra.Command{
		Use:   "workers [lane]",
		Short: "Override a lane's worker count within its configured bounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request(http.MethodPost, "/v1/admin/lanes/"+args[0]+"/workers",
				map[string]int{"count": count})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	c.Flags().IntVar(&count, "count", 0, "desired worker count")
	_ = c.MarkFlagRequired("count")
	return c
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [job-id]",
		Short: "Reset a failed job's attempts and put it back on its lane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := request(http.MethodPost, "/v1/admin/jobs/"+args[0]+"/requeue", nil)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func migrationsCmd() *cobra.Command {
	var dsn, dir string
	c := &cobra.Command{
		Use:   "migrations",
		Short: "Show applied/pending schema migrations (talks to Postgres directly)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required (or set MP4TOTEXT_DB_DSN)")
			}
			return migrate.Status(dsn, dir)
		},
	}
	c.Flags().StringVar(&dsn, "dsn", os.Getenv("MP4TOTEXT_DB_DSN"), "Postgres DSN")
	c.Flags().StringVar(&dir, "dir", "", "migrations directory (default db/migrations)")
	return c
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "mp4totext-ctl",
		Short: "Operator CLI for the transcription job pipeline",
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "base URL of the API server")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("MP4TOTEXT_ADMIN_TOKEN"), "admin bearer token")

	rootCmd.AddCommand(lanesCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(workersCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(migrationsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
