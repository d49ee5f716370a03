package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"alfred/internal/agent"
	"alfred/internal/config"
	"alfred/internal/store"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const doctorTimeout = 5 * time.Second

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Alfred installation",
		Long: `Verifies that Alfred's configuration, database, agent catalogue and
external services are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Alfred Doctor v%s\n\n", version)
			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			if err := config.LoadDotEnv(envFiles...); err != nil {
				r.warn("Env files", err.Error())
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 4*doctorTimeout)
			defer cancel()

			checkDatabase(ctx, r, cfg)
			checkCatalog(r, cfg)
			checkCRM(ctx, r, cfg)

			if cfg.Suggest.Provider == "openai" {
				r.pass("Suggest provider", "openai "+cfg.Suggest.OpenAI.Model)
			} else {
				r.pass("Suggest provider", "crm")
			}

			if cfg.Server.Enabled {
				if err := checkPort(cfg.Server.Addr()); err != nil {
					r.warn("HTTP port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				} else {
					r.pass("HTTP port", cfg.Server.Addr()+" available")
				}
			}

			if cfg.Scheduler.Enabled {
				switch {
				case cfg.CRM.ServiceToken == "":
					r.warn("Scheduler", "enabled but no service token; cron triggers will be skipped")
				case len(cfg.Scheduler.Teams) == 0:
					r.warn("Scheduler", "no teams configured; triggers run without a team")
				default:
					r.pass("Scheduler", fmt.Sprintf("%d team(s)", len(cfg.Scheduler.Teams)))
				}
			}

			if cfg.NATS.Enabled {
				nc, err := nats.Connect(cfg.NATS.URL, nats.Timeout(doctorTimeout))
				if err != nil {
					r.fail("NATS", err.Error())
				} else {
					r.pass("NATS", nc.ConnectedUrlRedacted())
					nc.Close()
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkDatabase(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if cfg.Store.Driver == "memory" {
		r.warn("Database", "in-memory store; nothing is persisted")
		return
	}
	st, err := store.NewSQLiteStore(ctx, cfg.Store.DBPath, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer st.Close()
	v, err := store.SchemaVersion(ctx, st.DB())
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	r.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, v))
}

func checkCatalog(r *doctorReport, cfg *config.Config) {
	agents, err := agent.LoadCatalog(cfg.Agents.CatalogPath, logger)
	if err != nil {
		r.fail("Agent catalogue", err.Error())
		return
	}
	src := "built-in"
	if cfg.Agents.CatalogPath != "" {
		src = cfg.Agents.CatalogPath
	}
	r.pass("Agent catalogue", fmt.Sprintf("%d agent(s) from %s", len(agents), src))
}

// checkCRM only checks that the API answers; any HTTP status counts.
func checkCRM(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if cfg.CRM.ServiceToken == "" {
		r.warn("CRM token", "no service token; runs need a caller Authorization header")
	} else {
		r.pass("CRM token", "configured")
	}

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.CRM.APIBaseURL, nil)
	if err != nil {
		r.fail("CRM API", err.Error())
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.fail("CRM API", fmt.Sprintf("%s unreachable: %v", cfg.CRM.APIBaseURL, err))
		return
	}
	resp.Body.Close()
	r.pass("CRM API", fmt.Sprintf("%s (HTTP %d)", cfg.CRM.APIBaseURL, resp.StatusCode))
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
