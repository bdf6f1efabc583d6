// Command gateway runs the Qwen OpenAI-compatible gateway and its operator
// CLI: serve the HTTP surface, or manage API keys, vendor accounts, and
// device-flow bootstrap from the command line.
//
// Grounded on the teacher proxy's flag-based main.go entrypoint, rebuilt
// around github.com/spf13/cobra per the expanded CLI surface (serve plus
// keys/accounts/auth subcommands) the distilled proxy never needed since it
// only ever ran as a single long-lived process.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/darvell/qwen-gateway/internal/account"
	"github.com/darvell/qwen-gateway/internal/apikey"
	"github.com/darvell/qwen-gateway/internal/config"
	"github.com/darvell/qwen-gateway/internal/counters"
	"github.com/darvell/qwen-gateway/internal/oauth"
	"github.com/darvell/qwen-gateway/internal/router"
	"github.com/darvell/qwen-gateway/internal/server"
	"github.com/darvell/qwen-gateway/internal/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Qwen OpenAI-compatible gateway",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	root.AddCommand(
		newServeCmd(),
		newKeysCmd(),
		newAccountsCmd(),
		newAuthCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps bundles the components every subcommand needs, built once from
// resolved configuration.
type deps struct {
	cfg        *config.Config
	pool       *account.Pool
	keys       *apikey.Manager
	usageStats *apikey.UsageStats
	ctrs       *counters.Counters
	refresher  *oauth.Refresher
	device     *oauth.Client
	scheduler  *oauth.Scheduler
	rt         *router.Router
}

func wire() (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	base := transport.New()
	hybrid := transport.NewHybrid(base, []string{hostOf(cfg.VendorAuthBase)})
	httpClient := &http.Client{Transport: hybrid}

	pool := account.NewPool(account.NewFileStore(cfg.DataDir))
	if err := pool.LoadAll(); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	keysManager, err := apikey.NewManager(apikey.NewFile(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	if err := bootstrapKeys(keysManager, cfg.BootstrapKeys); err != nil {
		return nil, fmt.Errorf("bootstrap api keys: %w", err)
	}

	usageStats, err := apikey.NewUsageStats(cfg.DataDir + "/key_usage_stats.json")
	if err != nil {
		return nil, fmt.Errorf("load api key usage stats: %w", err)
	}

	ctrStore, err := counters.NewStore(cfg.DataDir + "/request_counts.json")
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	ctrs := counters.New(ctrStore, time.Second)

	refresher := oauth.NewRefresher(httpClient, cfg.VendorAuthBase, "qwen-gateway")
	device := oauth.NewClient(httpClient, cfg.VendorAuthBase, "qwen-gateway")
	scheduler := oauth.NewScheduler(pool, refresher, cfg.SchedulerTick)
	rt := router.New(pool, httpClient, refresher, ctrs, cfg.ChatTimeout, cfg.SearchTimeout)

	return &deps{
		cfg: cfg, pool: pool, keys: keysManager, usageStats: usageStats, ctrs: ctrs,
		refresher: refresher, device: device, scheduler: scheduler, rt: rt,
	}, nil
}

// bootstrapKeys registers each raw value from API_KEY/api_keys as an active,
// full-access key if it isn't already present, so an operator can hand out
// a predictable key on first boot without using the keys subcommand.
func bootstrapKeys(m *apikey.Manager, raw []string) error {
	for _, want := range raw {
		if _, err := m.Import(want, "bootstrap", []apikey.Permission{apikey.PermFullAccess}); err != nil {
			return err
		}
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway's HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}

			d.scheduler.Start()

			srv := server.New()
			srv.Router = d.rt
			srv.Pool = d.pool
			srv.DeviceClient = d.device
			srv.Counters = d.ctrs
			srv.Validator = apikey.NewValidator(d.keys, d.usageStats)
			srv.StartTime = time.Now()
			srv.DefaultModel = d.cfg.DefaultModel
			srv.StreamEnabled = d.cfg.Stream
			srv.PublicEndpoint = d.cfg.VendorChatBase

			addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
			httpServer := server.NewHTTPServer(addr, srv.Handler())

			go sweepDeviceSessions(d.device)

			errCh := make(chan error, 1)
			go func() {
				log.Printf("gateway listening on %s", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-sigCh:
				log.Printf("shutting down (grace=%s)", d.cfg.ShutdownGrace)
				server.Shutdown(context.Background(), httpServer, d.scheduler, d.ctrs, d.cfg.ShutdownGrace)
			}
			return nil
		},
	}
}

// sweepDeviceSessions runs the device-flow session janitor every minute,
// per §4.3's expiry sweep.
func sweepDeviceSessions(c *oauth.Client) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.Sweep(time.Now())
	}
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "manage local API keys"}

	var name, description string
	var perms []string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "mint a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			permissions := make([]apikey.Permission, 0, len(perms))
			for _, p := range perms {
				permissions = append(permissions, apikey.Permission(p))
			}
			raw, rec, err := d.keys.Create(name, description, permissions, nil)
			if err != nil {
				return err
			}
			fmt.Printf("key_id=%s\nraw_key=%s (shown once, store it now)\n", rec.KeyID, raw)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "key name")
	createCmd.Flags().StringVar(&description, "description", "", "key description")
	createCmd.Flags().StringSliceVar(&perms, "permission", []string{string(apikey.PermChatCompletions)}, "granted permissions")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			for _, rec := range d.keys.List() {
				fmt.Printf("%s\t%s\t%s\t%s...%s\n", rec.KeyID, rec.Name, rec.Status, rec.KeyPrefix, rec.KeySuffix)
			}
			return nil
		},
	}

	var revokeID string
	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			revoked := apikey.StatusRevoked
			return d.keys.Update(revokeID, apikey.PartialUpdate{Status: &revoked})
		},
	}
	revokeCmd.Flags().StringVar(&revokeID, "id", "", "key id to revoke")

	cmd.AddCommand(createCmd, listCmd, revokeCmd)
	return cmd
}

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "accounts", Short: "manage vendor accounts"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list vendor accounts and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			now := time.Now()
			for _, acc := range d.pool.All() {
				snap := acc.CredentialsFor()
				fmt.Printf("%s\tdisabled=%v\texpires_in_min=%.1f\tauth_errors=%d\n",
					acc.ID(), snap.Disabled, acc.MinutesUntilExpiry(now), snap.ConsecutiveAuthErrors)
			}
			return nil
		},
	}

	var removeID string
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "remove a vendor account",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			return d.pool.Remove(removeID)
		},
	}
	removeCmd.Flags().StringVar(&removeID, "id", "", "account id to remove")

	cmd.AddCommand(listCmd, removeCmd)
	return cmd
}

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "OAuth device-flow operations"}

	deviceInitCmd := &cobra.Command{
		Use:   "device-init",
		Short: "start a device-authorization-grant flow and print the user code",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			sess, err := d.device.Initiate(context.Background(), "cli")
			if err != nil {
				return err
			}
			fmt.Printf("Visit: %s\nUser code: %s\nDevice code: %s (poll with 'gateway auth poll')\n",
				sess.VerificationURIComplete, sess.UserCode, sess.DeviceCode)
			return nil
		},
	}

	var deviceCode string
	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "poll a pending device-authorization session until it completes",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			for {
				result, err := d.device.Poll(context.Background(), deviceCode, "")
				if err != nil {
					return err
				}
				switch result.Status {
				case oauth.StatusCompleted:
					if err := d.pool.Add(result.AccountID, result.Credentials); err != nil {
						return err
					}
					fmt.Printf("authorized account %s\n", result.AccountID)
					return nil
				case oauth.StatusExpired, oauth.StatusDenied:
					return fmt.Errorf("device flow ended: %s", result.Status)
				default:
					time.Sleep(5 * time.Second)
				}
			}
		},
	}
	pollCmd.Flags().StringVar(&deviceCode, "device-code", "", "device code from 'gateway auth device-init'")

	cmd.AddCommand(deviceInitCmd, pollCmd)
	return cmd
}
