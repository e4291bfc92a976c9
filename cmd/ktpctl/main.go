// Command ktpctl is a small demonstration client: it opens a KTP socket,
// binds it to a local/remote address pair, and either sends one message
// (-send) or polls for and prints incoming messages (default).
package main

import (
	"flag"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ktpnet/ktp/pkg/config"
	"github.com/ktpnet/ktp/pkg/ktp"
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "", "path to ktpd.ini configuration file")
	localPort := flag.Int("local-port", 5000, "local UDP port to bind")
	remoteIP := flag.String("remote-ip", "127.0.0.1", "remote peer IP")
	remotePort := flag.Int("remote-port", 5001, "remote peer UDP port")
	message := flag.String("send", "", "if set, send this message once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, err := ktp.Dial(cfg)
	if err != nil {
		log.WithError(err).Fatal("could not reach ktpd")
	}
	defer ctx.Detach()

	fd, err := ctx.Open(ktp.AFInet, ktp.SockKTP)
	if err != nil {
		log.WithError(err).Fatal("open failed")
	}
	defer ctx.Close(fd)

	remote := parseIPv4(*remoteIP)
	local := parseIPv4("0.0.0.0")
	if err := ctx.Bind(fd, local, uint16(*localPort), remote, uint16(*remotePort)); err != nil {
		log.WithError(err).Fatal("bind failed")
	}

	dest := ktp.Addr{IP: remote, Port: uint16(*remotePort)}

	if *message != "" {
		if _, err := ctx.Send(fd, []byte(*message), dest); err != nil {
			log.WithError(err).Fatal("send failed")
		}
		log.WithField("message", *message).Info("sent")
		return
	}

	log.Info("polling for messages, press Ctrl+C to stop")
	buf := make([]byte, 512)
	for {
		n, src, err := ctx.Recv(fd, buf)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		log.WithFields(log.Fields{
			"from": src,
			"body": string(buf[:n]),
		}).Info("received")
	}
}

func parseIPv4(s string) [4]byte {
	var out [4]byte
	if ip4 := net.ParseIP(s).To4(); ip4 != nil {
		copy(out[:], ip4)
	}
	return out
}
