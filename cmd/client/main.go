package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Default server base URL; can override with BIOTIMESYNC_SERVER env var or --server flag.
const defaultServer = "http://localhost:8443"

var (
	serverFlag string
	insecure   bool
	timeout    time.Duration
)

type session struct {
	Server    string    `json:"server"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func main() {
	root := &cobra.Command{
		Use:           "biotimesync",
		Short:         "Command line client for the biotimesync API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverFlag, "server", "", "server base URL (default $BIOTIMESYNC_SERVER or "+defaultServer+")")
	root.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")
	root.AddCommand(loginCmd(), connectorsCmd(), devicesCmd(), syncCmd(), jobsCmd(), exportCmd(), importCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serverURL() string {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/")
	}
	if env := os.Getenv("BIOTIMESYNC_SERVER"); env != "" {
		return strings.TrimRight(env, "/")
	}
	if s, err := loadSession(); err == nil && s.Server != "" {
		return s.Server
	}
	return defaultServer
}

// ===== API client =====

type apiClient struct {
	base  string
	token string
	hc    *http.Client
}

func newClient(authenticated bool) (*apiClient, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c := &apiClient{base: serverURL(), hc: &http.Client{Timeout: timeout, Transport: tr}}
	if authenticated {
		s, err := loadSession()
		if err != nil {
			return nil, errors.New("not logged in; run `biotimesync login` first")
		}
		if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
			return nil, errors.New("session expired; run `biotimesync login` again")
		}
		c.token = s.Token
	}
	return c, nil
}

func (c *apiClient) do(method, path, contentType string, body io.Reader) ([]byte, http.Header, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return nil, nil, fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, resp.Header, nil
}

func (c *apiClient) json(method, path string, payload, out interface{}) error {
	var body io.Reader
	ct := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body, ct = bytes.NewReader(data), "application/json"
	}
	b, _, err := c.do(method, path, ct, body)
	if err != nil {
		return err
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

// call performs an authenticated JSON request and prints the response.
func call(method, path string, payload interface{}) error {
	c, err := newClient(true)
	if err != nil {
		return err
	}
	var out interface{}
	if err := c.json(method, path, payload, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	if v == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ===== Session storage =====

func sessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".biotimesync", "session.json"), nil
}

func saveSession(s session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadSession() (session, error) {
	var s session
	path, err := sessionPath()
	if err != nil {
		return s, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}

// ===== Commands =====

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("BIOTIMESYNC_PASSWORD")
			}
			if username == "" || password == "" {
				return errors.New("--username and --password (or BIOTIMESYNC_PASSWORD) are required")
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			var out struct {
				Token     string `json:"token"`
				ExpiresAt string `json:"expires_at"`
			}
			if err := c.json(http.MethodPost, "/api/login", map[string]string{"username": username, "password": password}, &out); err != nil {
				return err
			}
			exp, _ := time.Parse(time.RFC3339, out.ExpiresAt)
			if err := saveSession(session{Server: c.base, Token: out.Token, ExpiresAt: exp}); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Printf("Logged in to %s until %s\n", c.base, out.ExpiresAt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "admin username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "admin password")
	return cmd
}

func connectorsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "connectors", Short: "Manage BioTime connectors"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List connectors",
			RunE: func(*cobra.Command, []string) error {
				return call(http.MethodGet, "/api/connectors", nil)
			},
		},
		addConnectorCmd(),
		&cobra.Command{
			Use:   "token <name>",
			Short: "Create or refresh the connector's access token",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodPost, "/api/connectors/"+args[0]+"/token", nil)
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a connector",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodDelete, "/api/connectors/"+args[0], nil)
			},
		},
	)
	return cmd
}

func addConnectorCmd() *cobra.Command {
	var portal, username, password string
	var enabled bool
	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Create or update a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/connectors", map[string]interface{}{
				"name":           args[0],
				"company_portal": portal,
				"username":       username,
				"password":       password,
				"is_enabled":     enabled,
			})
		},
	}
	cmd.Flags().StringVar(&portal, "portal", "", "BioTime portal URL")
	cmd.Flags().StringVar(&username, "username", "", "BioTime username")
	cmd.Flags().StringVar(&password, "password", "", "BioTime password (empty keeps the stored one)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "use this connector for syncing")
	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "devices", Short: "Registered BioTime terminals"}
	var start, end string
	syncDevice := &cobra.Command{
		Use:   "sync <device_id>",
		Short: "Sync one device's records by date",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/devices/"+args[0]+"/sync", map[string]string{"start_date": start, "end_date": end})
		},
	}
	syncDevice.Flags().StringVar(&start, "start", time.Now().Format("2006-01-02"), "start date")
	syncDevice.Flags().StringVar(&end, "end", time.Now().Format("2006-01-02"), "end date (inclusive)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered devices",
			RunE: func(*cobra.Command, []string) error {
				return call(http.MethodGet, "/api/devices", nil)
			},
		},
		&cobra.Command{
			Use:   "fetch",
			Short: "Register every terminal known to the portal",
			RunE: func(*cobra.Command, []string) error {
				return call(http.MethodPost, "/api/devices/fetch", nil)
			},
		},
		&cobra.Command{
			Use:   "lookup <device_id>",
			Short: "Show the portal's details for one terminal",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodGet, "/api/devices/fetch/"+args[0], nil)
			},
		},
		syncDevice,
	)
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Enqueue sync jobs"}
	var start, end, empCode string
	rangeCmd := &cobra.Command{
		Use:   "range",
		Short: "Sync every device between two times",
		RunE: func(*cobra.Command, []string) error {
			return call(http.MethodPost, "/api/devices/sync", map[string]string{"start_time": start, "end_time": end, "emp_code": empCode})
		},
	}
	rangeCmd.Flags().StringVar(&start, "start", "", "start time (2006-01-02 15:04:05)")
	rangeCmd.Flags().StringVar(&end, "end", "", "end time (2006-01-02 15:04:05)")
	rangeCmd.Flags().StringVar(&empCode, "emp-code", "", "only this BioTime employee code")

	var lStart, lEnd string
	locations := &cobra.Command{
		Use:   "locations",
		Short: "Backfill device locations on existing checkins",
		RunE: func(*cobra.Command, []string) error {
			return call(http.MethodPost, "/api/checkins/locations", map[string]string{"start_time": lStart, "end_time": lEnd})
		},
	}
	locations.Flags().StringVar(&lStart, "start", "", "start time")
	locations.Flags().StringVar(&lEnd, "end", "", "end time")

	cmd.AddCommand(
		rangeCmd,
		locations,
		&cobra.Command{
			Use:   "hourly",
			Short: "Run the per-device window sync now",
			RunE: func(*cobra.Command, []string) error {
				return call(http.MethodPost, "/api/sync/hourly", nil)
			},
		},
		&cobra.Command{
			Use:   "by-id",
			Short: "Run the transaction ID cursor sync now",
			RunE: func(*cobra.Command, []string) error {
				return call(http.MethodPost, "/api/sync/by-id", nil)
			},
		},
	)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect background jobs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(*cobra.Command, []string) error {
			return call(http.MethodGet, fmt.Sprintf("/api/jobs?limit=%d", limit), nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of jobs")

	var wait bool
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !wait {
				return call(http.MethodGet, "/api/jobs/"+args[0], nil)
			}
			c, err := newClient(true)
			if err != nil {
				return err
			}
			for {
				var j map[string]interface{}
				if err := c.json(http.MethodGet, "/api/jobs/"+args[0], nil, &j); err != nil {
					return err
				}
				if s, _ := j["status"].(string); s == "finished" || s == "failed" {
					return printJSON(j)
				}
				time.Sleep(time.Second)
			}
		},
	}
	get.Flags().BoolVar(&wait, "wait", false, "poll until the job is done")
	cmd.AddCommand(list, get)
	return cmd
}

func exportCmd() *cobra.Command {
	var start, end, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download checkins as an XLSX workbook",
		RunE: func(*cobra.Command, []string) error {
			c, err := newClient(true)
			if err != nil {
				return err
			}
			b, _, err := c.do(http.MethodGet, fmt.Sprintf("/api/checkins/export?start=%s&end=%s", start, end), "", nil)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", out, len(b))
			return nil
		},
	}
	today := time.Now().Format("2006-01-02")
	cmd.Flags().StringVar(&start, "start", today, "start date")
	cmd.Flags().StringVar(&end, "end", today, "end date")
	cmd.Flags().StringVarP(&out, "out", "o", "checkins.xlsx", "output file")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-roster <file.xlsx|file.xls>",
		Short: "Upload an employee roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			if err := mw.Close(); err != nil {
				return err
			}
			c, err := newClient(true)
			if err != nil {
				return err
			}
			b, _, err := c.do(http.MethodPost, "/api/employees/import", mw.FormDataContentType(), &body)
			if err != nil {
				return err
			}
			var out interface{}
			if err := json.Unmarshal(b, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}
