package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/palisade/palisade/internal/gateway"
	"github.com/palisade/palisade/internal/logging"
)

// recordedTx is one captured transaction to replay through the engine.
// The response part is optional; without it only the request phases run.
type recordedTx struct {
	Method     string              `yaml:"method"`
	URI        string              `yaml:"uri"`
	Proto      string              `yaml:"proto"`
	Host       string              `yaml:"host"`
	RemoteAddr string              `yaml:"remoteAddr"`
	Headers    map[string][]string `yaml:"headers"`
	Body       string              `yaml:"body"`
	Response   *recordedResponse   `yaml:"response"`
}

type recordedResponse struct {
	Status  int                 `yaml:"status"`
	Headers map[string][]string `yaml:"headers"`
	Body    string              `yaml:"body"`
}

func newInspectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inspect <transaction file>",
		Short: "Replay recorded transactions through the rule engine",
		Long: "Evaluates recorded transactions offline, without an upstream, and\n" +
			"prints the decision for each. A file may hold several transactions\n" +
			"as separate YAML documents.\n\n" +
			"Exit status: 0 allow, 2 detect, 3 block.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			gw, err := gateway.New(cfg, newRegistries(logger), logger)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			worst := 0
			dec := yaml.NewDecoder(f)
			for {
				var rec recordedTx
				if err := dec.Decode(&rec); err != nil {
					if errors.Is(err, io.EOF) {
						break
					}
					return fmt.Errorf("parse %s: %w", args[0], err)
				}
				req, err := rec.request()
				if err != nil {
					return fmt.Errorf("build request: %w", err)
				}
				decision := gw.Evaluate(req, rec.response())
				if code := exitCode(decision.Disposition); code > worst {
					worst = code
				}
				out, err := json.MarshalIndent(decision, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			if worst != 0 {
				os.Exit(worst)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func (rec *recordedTx) request() (*http.Request, error) {
	method := rec.Method
	if method == "" {
		method = http.MethodGet
	}
	uri := rec.URI
	if uri == "" {
		uri = "/"
	}
	var body io.Reader
	if rec.Body != "" {
		body = strings.NewReader(rec.Body)
	}
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		return nil, err
	}
	if rec.Proto != "" {
		req.Proto = rec.Proto
		if major, minor, ok := http.ParseHTTPVersion(rec.Proto); ok {
			req.ProtoMajor, req.ProtoMinor = major, minor
		}
	}
	if rec.Host != "" {
		req.Host = rec.Host
	}
	req.RemoteAddr = rec.RemoteAddr
	if req.RemoteAddr == "" {
		req.RemoteAddr = "192.0.2.1:1234"
	}
	for name, values := range rec.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return req, nil
}

func (rec *recordedTx) response() *gateway.UpstreamResponse {
	if rec.Response == nil {
		return nil
	}
	resp := &gateway.UpstreamResponse{
		Status: rec.Response.Status,
		Header: make(http.Header, len(rec.Response.Headers)),
		Body:   []byte(rec.Response.Body),
	}
	for name, values := range rec.Response.Headers {
		for _, v := range values {
			resp.Header.Add(name, v)
		}
	}
	return resp
}

func exitCode(disposition string) int {
	switch disposition {
	case logging.DispositionBlock:
		return 3
	case logging.DispositionDetect:
		return 2
	default:
		return 0
	}
}
