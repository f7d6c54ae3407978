package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "sieved",
		Usage:   "moderation decision daemon",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the moderation API",
			Value:   ":3899",
			EnvVars: []string{"SIEVED_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3898",
			EnvVars: []string{"SIEVED_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for the audit log",
			Value:   "sqlite://data/sieved/audit.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection for moderation cache and counters (in-memory stores when unset)",
			EnvVars: []string{"SIEVED_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "hive-api-token",
			Usage:   "Hive AI API token (enables the hive vendor)",
			EnvVars: []string{"HIVE_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "perspective-api-key",
			Usage:   "Perspective API key (enables the perspective vendor)",
			EnvVars: []string{"PERSPECTIVE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "sightengine-api-user",
			EnvVars: []string{"SIGHTENGINE_API_USER"},
		},
		&cli.StringFlag{
			Name:    "sightengine-api-secret",
			EnvVars: []string{"SIGHTENGINE_API_SECRET"},
		},
		&cli.StringFlag{
			Name:    "prescreen-host",
			Usage:   "self-hosted prescreen classifier (skips image vendors on clean verdicts)",
			EnvVars: []string{"SIEVED_PRESCREEN_HOST"},
		},
		&cli.StringFlag{
			Name:    "prescreen-token",
			EnvVars: []string{"SIEVED_PRESCREEN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "policies-file-json",
			Usage:   "file path of moderation policies to load in JSON format",
			EnvVars: []string{"SIEVED_POLICIES_FILE_JSON"},
		},
		&cli.StringSliceFlag{
			Name:    "fail-closed-types",
			Usage:   "content types which go to review instead of allow during total vendor outage",
			EnvVars: []string{"SIEVED_FAIL_CLOSED_TYPES"},
		},
		&cli.BoolFlag{
			Name:    "async-evidence",
			Usage:   "write evidence bundles off the request path",
			EnvVars: []string{"SIEVED_ASYNC_EVIDENCE"},
		},
		&cli.BoolFlag{
			Name:    "mock-vendors",
			Usage:   "run with scripted vendors instead of real APIs (local development only)",
			EnvVars: []string{"SIEVED_MOCK_VENDORS"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("sieved"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		srv, err := NewServer(Config{
			Logger:               logger,
			DatabaseURL:          cctx.String("database-url"),
			RedisURL:             cctx.String("redis-url"),
			HiveAPIToken:         cctx.String("hive-api-token"),
			PerspectiveAPIKey:    cctx.String("perspective-api-key"),
			SightengineAPIUser:   cctx.String("sightengine-api-user"),
			SightengineAPISecret: cctx.String("sightengine-api-secret"),
			PrescreenHost:        cctx.String("prescreen-host"),
			PrescreenToken:       cctx.String("prescreen-token"),
			PoliciesFileJSON:     cctx.String("policies-file-json"),
			FailClosedTypes:      cctx.StringSlice("fail-closed-types"),
			AsyncEvidence:        cctx.Bool("async-evidence"),
			MockVendors:          cctx.Bool("mock-vendors"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.RunAPI(ctx, cctx.String("bind")); err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		return nil
	},
}
