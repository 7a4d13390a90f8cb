// fleetctl is the ops CLI for a locally running fleetd agent.
//
// Exit codes: 0 on success, 1 on invalid arguments or unreachable agent or
// runtime, 2 when the device is not provisioned.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgehive/fleetd/internal/version"
)

const defaultConfigPath = "/etc/fleetd/fleetd.env"

var errNotProvisioned = errors.New("device is not provisioned")

func main() {
	err := run(context.Background(), os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, errNotProvisioned):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("FLEETD_ADDR", "http://127.0.0.1:48484")
	defaultToken := os.Getenv("FLEETD_TOKEN")

	root := flag.NewFlagSet("fleetctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "fleetd base URL (default env FLEETD_ADDR)")
	tokenFlag := root.String("token", defaultToken, "Bearer token for the local API (env FLEETD_TOKEN)")
	configFlag := root.String("config", getenv("FLEETD_CONFIG", defaultConfigPath), "agent configuration file")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "config":
		return handleConfig(*configFlag, remaining[1:])
	case "status":
		return handleStatus(ctx, client)
	case "state":
		return handleJSON(ctx, client, "/v1/state")
	case "target":
		return handleJSON(ctx, client, "/v1/state/target")
	case "reconcile":
		return handleJSON(ctx, client, "/v1/reconcile")
	case "version":
		fmt.Println(version.FullVersion())
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	fmt.Fprintln(os.Stderr, `Usage: fleetctl [flags] <command>

Commands:
  config set-api <url>   set the cloud API endpoint in the agent config file
  config show            print the agent configuration file
  status                 show provisioning and health state
  state                  print the current state snapshot
  target                 print the target state snapshot
  reconcile              trigger an immediate reconciliation
  version                print build information

Flags:
  -addr    fleetd base URL (env FLEETD_ADDR)
  -token   local API bearer token (env FLEETD_TOKEN)
  -config  agent configuration file (env FLEETD_CONFIG)
  -timeout HTTP request timeout`)
	return err
}

func handleConfig(path string, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("config requires a subcommand"))
	}
	switch args[0] {
	case "set-api":
		if len(args) != 2 {
			return usageError(errors.New("config set-api requires exactly one URL"))
		}
		return setConfigValue(path, "CLOUD_API_ENDPOINT", args[1])
	case "show":
		return showConfig(path)
	default:
		return usageError(fmt.Errorf("unknown config subcommand %q", args[0]))
	}
}

func setConfigValue(path, key, value string) error {
	values := map[string]string{}
	if existing, err := godotenv.Read(path); err == nil {
		values = existing
	}
	values[key] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("%s=%s written to %s\n", key, value, path)
	return nil
}

func showConfig(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, values[k])
	}
	return nil
}

func handleStatus(ctx context.Context, client *apiClient) error {
	var device struct {
		UUID        string `json:"uuid"`
		Provisioned bool   `json:"provisioned"`
		DeviceName  string `json:"device_name"`
	}
	if err := client.getJSON(ctx, "/v1/device", &device); err != nil {
		return err
	}
	if !device.Provisioned {
		return errNotProvisioned
	}

	var health struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	healthErr := client.getJSON(ctx, "/health", &health)

	fmt.Printf("device:      %s (%s)\n", device.DeviceName, device.UUID)
	fmt.Printf("provisioned: true\n")
	switch {
	case healthErr != nil:
		fmt.Printf("health:      unreachable (%v)\n", healthErr)
		return healthErr
	case health.Status != "ok":
		fmt.Printf("health:      %s (%s)\n", health.Status, health.Error)
		return fmt.Errorf("runtime unhealthy")
	default:
		fmt.Printf("health:      ok\n")
	}
	return nil
}

func handleJSON(ctx context.Context, client *apiClient, path string) error {
	var out json.RawMessage
	method := http.MethodGet
	if path == "/v1/reconcile" {
		method = http.MethodPost
	}
	if err := client.do(ctx, method, path, &out); err != nil {
		return err
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(out, &pretty); err != nil {
		fmt.Println(string(out))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Health reports its own body on 503; let callers read it.
		if resp.StatusCode != http.StatusServiceUnavailable {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
