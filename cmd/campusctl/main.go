package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dropDatabas3/campusauth/internal/config"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/panel"
	"github.com/dropDatabas3/campusauth/internal/policy"
	"github.com/dropDatabas3/campusauth/internal/security/secretbox"
	"github.com/dropDatabas3/campusauth/internal/session"
	"github.com/dropDatabas3/campusauth/internal/tabsync"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type cli struct {
	ConfigPath string
	PanelName  string
	OutFormat  string // "json" | "text"
	Yes        bool

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
}

func (c *cli) print(v any, text string) {
	if c.OutFormat == "json" {
		p, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintln(c.stdout, string(p))
		return
	}
	fmt.Fprintln(c.stdout, text)
}

// open carga config y arma el panel. El caller cierra.
func (c *cli) open(ctx context.Context) (*panel.Panel, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.PanelName != "" {
		cfg.SetPanel(c.PanelName)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, Panel: cfg.Panel.Name, Output: cfg.Log.Output})

	return panel.Open(ctx, cfg, panel.Options{
		Notifier: policy.NotifierFunc(func(_ context.Context, n policy.Notice) {
			fmt.Fprintf(c.stderr, "[%s] %s: %s\n", n.Level, n.Title, n.Description)
		}),
		Navigator: policy.NavigatorFunc(func(_ context.Context, path string) {
			fmt.Fprintf(c.stderr, "-> %s\n", path)
		}),
		Confirmer: policy.ConfirmerFunc(func(_ context.Context, prompt string) bool {
			if c.Yes {
				return true
			}
			fmt.Fprintf(c.stderr, "%s [y/N] ", prompt)
			line, _ := bufio.NewReader(c.stdin).ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
			return line == "y" || line == "s" || line == "yes" || line == "si"
		}),
	})
}

func main() {
	c := &cli{
		ConfigPath: envOr("CAMPUSAUTH_CONFIG", ""),
		OutFormat:  envOr("CAMPUSCTL_OUT", "text"),
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		stdin:      os.Stdin,
	}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "campusctl",
		Short:         "CLI de sesión para los paneles del marketplace (admin | user)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env opcional
			_ = godotenv.Load()
			switch c.OutFormat {
			case "json", "text":
				return nil
			}
			return fmt.Errorf("--out inválido %q (json|text)", c.OutFormat)
		},
	}
	root.PersistentFlags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "ruta al config.yaml (env CAMPUSAUTH_CONFIG)")
	root.PersistentFlags().StringVar(&c.PanelName, "panel", "", "panel: admin|user (pisa panel.name)")
	root.PersistentFlags().StringVar(&c.OutFormat, "out", c.OutFormat, "Formato de salida: json|text")

	root.AddCommand(
		newLoginCmd(c),
		newLogoutCmd(c),
		newStatusCmd(c),
		newWhoamiCmd(c),
		newHealthCmd(c),
		newRefreshCmd(c),
		newGuardCmd(c),
		newWatchCmd(c),
		newKeygenCmd(c),
	)
	return root
}

func newLoginCmd(c *cli) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Iniciar sesión contra el Auth API y guardar las credenciales",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email es requerido")
			}
			if password == "" {
				password = os.Getenv("CAMPUSCTL_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password es requerido (o env CAMPUSCTL_PASSWORD)")
			}
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			res := p.Login(ctx, email, password)
			if f, ok := res.(session.AuthFailure); ok {
				return fmt.Errorf("login fallo: %s", f.Reason)
			}
			u, _ := session.UserOf(res)
			c.print(u, fmt.Sprintf("logged in as %s (%s)", u.Email, u.Role))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email de la cuenta")
	cmd.Flags().StringVar(&password, "password", "", "password (env CAMPUSCTL_PASSWORD)")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	var variant, title, desc string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Cerrar sesión (manual|silent|forced|expired)",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := policy.ParseVariant(variant)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			done, err := p.Policy().Logout(p.Context(ctx), policy.LogoutRequest{
				Variant:     v,
				Title:       title,
				Description: desc,
				SkipConfirm: c.Yes,
			})
			if err != nil {
				return err
			}
			c.print(map[string]any{"done": done, "variant": v}, map[bool]string{true: "logged out", false: "cancelled"}[done])
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "manual", "variante: manual|silent|forced|expired")
	cmd.Flags().StringVar(&title, "title", "", "título del aviso (forced)")
	cmd.Flags().StringVar(&desc, "description", "", "descripción del aviso (forced)")
	cmd.Flags().BoolVarP(&c.Yes, "yes", "y", false, "no pedir confirmación")
	return cmd
}

type statusView struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason,omitempty"`
	Source        string `json:"source,omitempty"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role,omitempty"`
}

func viewOf(res session.AuthResult) statusView {
	switch v := res.(type) {
	case session.AuthSuccess:
		return statusView{Authenticated: true, Source: string(v.Source), Email: v.User.Email, Role: string(v.User.Role)}
	case session.AuthFailure:
		return statusView{Reason: string(v.Reason), Source: string(v.Source)}
	}
	return statusView{}
}

func (s statusView) String() string {
	if s.Authenticated {
		return fmt.Sprintf("authenticated: %s (%s) via %s", s.Email, s.Role, s.Source)
	}
	return fmt.Sprintf("not authenticated: %s", s.Reason)
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Resolver el estado de auth (cache, storage o red)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			v := viewOf(p.Session().GetAuthWithCache(p.Context(ctx)))
			c.print(v, v.String())
			return nil
		},
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Mostrar el usuario de la sesión",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			u, ok := p.CurrentUser(ctx)
			if !ok {
				return errors.New("no hay sesión")
			}
			c.print(u, fmt.Sprintf("%s\t%s\t%s\t%s", u.ID, u.Email, u.FullName, u.Role))
			return nil
		},
	}
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Diagnóstico del Token Lifecycle Service (sin side effects)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			h := p.HealthCheck(ctx)
			text := fmt.Sprintf("panel=%s record=%t valid=%t refresh_token=%t expired=%t",
				h.Panel, h.HasRecord, h.RecordValid, h.HasRefreshToken, h.TokenExpired)
			if !h.ExpiresAt.IsZero() {
				text += " expires_at=" + h.ExpiresAt.Format(time.RFC3339)
			}
			if h.InvalidReason != "" {
				text += " invalid=" + h.InvalidReason
			}
			if h.StoreError != "" {
				text += " store_error=" + h.StoreError
			}
			c.print(h, text)
			return nil
		},
	}
}

func newRefreshCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Forzar un refresh con el refresh token guardado",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			v := viewOf(p.Session().Refresh(p.Context(ctx)))
			c.print(v, v.String())
			if !v.Authenticated {
				return fmt.Errorf("refresh fallo: %s", v.Reason)
			}
			return nil
		},
	}
}

func newGuardCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "guard <path>",
		Short: "Evaluar el guard de rutas para path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			p.Sync().Revalidate(p.Context(ctx))
			d := p.Guard().Check(args[0])
			text := d.Kind.String()
			if d.Location != "" {
				text += " " + d.Location
			}
			c.print(map[string]any{"decision": d.Kind.String(), "location": d.Location, "user": d.User}, text)
			return nil
		},
	}
}

func newWatchCmd(c *cli) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Correr el sincronizador e imprimir cada cambio de estado",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			if metricsAddr == "" {
				metricsAddr = p.Config().Metrics.Addr
			}

			sub := p.Sync().Subscribe(func(st tabsync.State) {
				text := fmt.Sprintf("%s %s", st.UpdatedAt.Format(time.RFC3339), st.Status)
				if st.User != nil {
					text += " " + st.User.Email
				}
				if st.Reason != "" {
					text += " (" + st.Reason + ")"
				}
				c.print(st, text)
			})
			defer sub.Unsubscribe()

			if err := p.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				if err := metrics.Register(reg); err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "dirección para /metrics (ej. :9100)")
	return cmd
}

func newKeygenCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generar una clave para storage.encryption_key (driver fs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			c.print(map[string]string{"key": k}, k)
			return nil
		},
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
