// Command ktpd is the transport daemon (§4.7): it owns the shared control
// region and every underlying UDP endpoint, and runs the Socket Broker,
// Receiver, Sender and Reaper until an interrupt or terminate signal asks
// it to shut down in an orderly way.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ktpnet/ktp/internal/broker"
	"github.com/ktpnet/ktp/internal/daemon"
	"github.com/ktpnet/ktp/internal/shmem"
	"github.com/ktpnet/ktp/internal/transport"
	"github.com/ktpnet/ktp/pkg/config"
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", os.Getenv("KTPD_CONFIG"), "path to ktpd.ini configuration file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	logger := log.WithField("component", "daemon")
	logger.WithFields(log.Fields{
		"shm_path":    cfg.ShmPath,
		"broker_sock": cfg.BrokerSock,
		"max_sockets": cfg.MaxSockets,
	}).Info("starting ktpd")

	region, err := shmem.Create(cfg.ShmPath, cfg.MaxSockets)
	if err != nil {
		logger.WithError(err).Fatal("failed to create shared control region")
	}

	dmn := daemon.New(region, cfg, newUDPEndpoint, log.WithField("component", "daemon"))

	srv, err := broker.NewServer(cfg.BrokerSock, dmn, log.WithField("component", "broker"))
	if err != nil {
		logger.WithError(err).Fatal("failed to start broker listener")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dmn.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start background activities")
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	dmn.Stop()
	dmn.Wait()
	dmn.Shutdown()
	srv.Close()
	<-serveErrCh

	if err := region.Close(); err != nil {
		logger.WithError(err).Warn("error tearing down shared region")
	}
	logger.Info("ktpd stopped")
}

func newUDPEndpoint(addr transport.Addr) (transport.Endpoint, error) {
	return transport.New("udp", addr)
}
