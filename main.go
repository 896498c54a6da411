package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/berkmancenter/linkage-point/config"
	"github.com/berkmancenter/linkage-point/fieldenc"
	"github.com/berkmancenter/linkage-point/linkage"
	"github.com/berkmancenter/linkage-point/logging"
	"github.com/berkmancenter/linkage-point/metrics"
	"github.com/berkmancenter/linkage-point/pseudonym"
	"github.com/berkmancenter/linkage-point/router"
)

var version = "dev" // set by the linker

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds a fresh command tree, so tests do not share flag state.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "linkpoint",
		Short: "Linkage point for privacy-preserving record linkage",
		Long: `linkpoint combines the secret-shared match decisions of two parties into
pseudonymous linkage ids, issues fresh pseudonyms per party and encodes
identifying fields into bloom filters and fixed-width binary fields.`,
		SilenceUsage: true,
	}
	cmd.Version = version
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./linkpoint.yaml or the user config dir)")
	cmd.PersistentFlags().String("log-level", "info", `log level ("debug", "info", "warn", "error")`)

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newEncodeCmd(&cfgFile))
	cmd.AddCommand(newKeygenCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command, cfgFile string) (config.Config, error) {
	c, err := config.Load(cmd, cfgFile)
	if err != nil {
		return c, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Setup(cmd.ErrOrStderr(), c.Log.Level); err != nil {
		return c, err
	}
	return c, nil
}

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the linkage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
	cmd.Flags().String("listen", ":8080", "address to listen on")
	cmd.Flags().String("redis-url", "", "redis URL for durable pseudonym counters")
	cmd.Flags().Duration("timeout", linkage.DefaultTimeout, "how long an initiator waits for the responder share")
	cmd.Flags().Bool("auth", false, "require party credentials")
	return cmd
}

type server struct {
	echo     *echo.Echo
	registry *linkage.Registry
	counter  pseudonym.CounterStore
}

// close releases the counter store connection, if any.
func (s *server) close() error {
	if closer, ok := s.counter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func newServer(ctx context.Context, c config.Config) (_ *server, err error) {
	counter, err := c.CounterStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	defer func() {
		if err != nil {
			_ = (&server{counter: counter}).close()
		}
	}()

	issuers, err := c.Issuers(counter)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := linkage.NewRegistry(c.Linkage.Timeout, linkage.WithMetrics(m))
	svc, err := linkage.NewService(registry, m, issuers...)
	if err != nil {
		return nil, err
	}

	opts := []router.Option{
		router.WithMetrics(reg),
		router.WithBodyLimit(c.Server.BodyLimit),
	}
	if c.Auth.Enabled {
		keys, err := c.PartyKeys()
		if err != nil {
			return nil, err
		}
		var orgs router.OrgResolver = router.NopResolver{}
		if c.Auth.RDAP {
			orgs = router.NewRDAPResolver()
		}
		auth, err := router.NewAuth(keys, router.WithOrgResolver(orgs), router.WithCredentialTTL(c.Auth.CredentialTTL))
		if err != nil {
			return nil, err
		}
		opts = append(opts, router.WithAuth(auth))
	}

	return &server{
		echo:     router.NewServer(router.New(svc, opts...)),
		registry: registry,
		counter:  counter,
	}, nil
}

func serve(ctx context.Context, c config.Config) error {
	srv, err := newServer(ctx, c)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Infof("listening on %s", c.Server.Listen)
		if err := srv.echo.Start(c.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.registry.Run(ctx, c.Linkage.SweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
		defer cancel()
		logging.Infof("shutting down")
		return srv.echo.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if cerr := srv.close(); cerr != nil {
		logging.Warnf("closing counter store: %v", cerr)
	}
	return err
}

func newEncodeCmd(cfgFile *string) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode records with the configured fields",
		Long: `encode reads a JSON record, or an array of records, and writes the field
encodings as JSON. Bitmask and binary fields are base64, absent values null.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, *cfgFile)
			if err != nil {
				return err
			}
			if len(c.Fields) == 0 {
				return errors.New("no fields configured")
			}
			enc, err := fieldenc.NewEncoder(c.Algorithm, c.Fields...)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return encodeRecords(enc, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON input file, - for stdin")
	return cmd
}

func encodeRecords(enc *fieldenc.Encoder, r io.Reader, w io.Writer) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}

	var records []map[string]any
	single := false
	if err := unmarshalNumbers(raw, &records); err != nil {
		var record map[string]any
		if err := unmarshalNumbers(raw, &record); err != nil {
			return fmt.Errorf("records must be a JSON object or array of objects: %w", err)
		}
		records, single = []map[string]any{record}, true
	}

	out := make([]map[string]fieldenc.Encoding, 0, len(records))
	for k, rec := range records {
		encoded, err := enc.EncodeRecord(rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", k, err)
		}
		out = append(out, encoded)
	}

	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if single {
		return e.Encode(out[0])
	}
	return e.Encode(out)
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func newKeygenCmd() *cobra.Command {
	var (
		party  string
		pad    int
		scheme string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an issuer key and an authentication key pair for a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := pseudonym.ParseScheme(scheme); err != nil {
				return err
			}
			if pad < 1 {
				return pseudonym.ErrPadLength
			}
			key, err := pseudonym.RandomKey()
			if err != nil {
				return err
			}
			privateKey, publicKey, err := router.NewPartyKey()
			if err != nil {
				return err
			}

			out, err := config.MarshalParties(config.Party{
				ID:        party,
				Key:       base64.StdEncoding.EncodeToString(key),
				Pad:       pad,
				Scheme:    scheme,
				PublicKey: base64.StdEncoding.EncodeToString(publicKey),
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if _, err := w.Write(out); err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "# private key for %s, keep it with the party: %s\n",
				party, base64.StdEncoding.EncodeToString(privateKey))
			return err
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "party id")
	cmd.Flags().IntVar(&pad, "pad", 15, "number of zero bytes appended to each pseudonym")
	cmd.Flags().StringVar(&scheme, "scheme", "", `pseudonym scheme ("ctr" or "aead")`)
	_ = cmd.MarkFlagRequired("party")
	return cmd
}
