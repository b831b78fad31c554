// Package service hosts the operational HTTP surface of op-orderer: a
// healthz endpoint and the Prometheus metrics endpoint.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	log     log.Logger
	version string

	server   *http.Server
	listener net.Listener
	group    *errgroup.Group
}

type Config struct {
	Version string
	Log     log.Logger
}

type healthzResponse struct {
	Version string `json:"version"`
	Time    string `json:"time"`
}

func New(cfg Config) *Service {
	return &Service{
		log:     cfg.Log.New("component", "service"),
		version: cfg.Version,
	}
}

// Start binds the listener and serves healthz and metrics until Shutdown.
// Addr "" is a no-op so callers need not special-case a disabled service.
func (s *Service) Start(ctx context.Context, addr string) error {
	if addr == "" {
		s.log.Debug("Ops service disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.group, _ = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		s.log.Info("Ops service listening", "addr", listener.Addr())
		if err := s.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthzResponse{
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// Addr returns the bound listen address, or "" when disabled.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.group.Wait()
}
