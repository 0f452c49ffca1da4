package main

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"hop.computer/snitun/client"
	"hop.computer/snitun/flags"
)

func main() {
	f, err := flags.ParseClientArgs(os.Args)
	if err != nil {
		logrus.Error(err)
		return
	}
	cc, err := flags.LoadClientConfigFromFlags(f)
	if err != nil {
		logrus.Error(err)
		return
	}
	level, err := logrus.ParseLevel(cc.LogLevel)
	if err != nil {
		logrus.Fatalf("unknown log level %q", cc.LogLevel)
	}
	logrus.SetLevel(level)

	tok, aesKey, aesIV, err := cc.Credentials()
	if err != nil {
		logrus.Fatal(err)
	}

	connector := client.NewConnector(cc.EndHost, cc.EndPort, cc.Whitelist, func(err error) {
		logrus.WithError(err).Warning("Endpoint connection failed")
	})
	for _, ip := range cc.WhitelistIPs {
		connector.WhitelistAdd(net.ParseIP(ip))
	}
	peer := client.NewClientPeer(cc.ServerAddress)

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sch
		logrus.Info("Shutting down")
		close(done)
	}()

	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}
	for {
		if err := peer.Start(connector, tok, aesKey, aesIV, cc.Throttling); err != nil {
			logrus.WithError(err).Warning("Connect failed")
		} else {
			logrus.Infof("Tunnel to %s up", cc.ServerAddress)
			b.Reset()

			down := make(chan struct{})
			go func() {
				_ = peer.Wait()
				close(down)
			}()
			select {
			case <-done:
				if err := peer.Stop(); err != nil && !errors.Is(err, client.ErrClientNotConnected) {
					logrus.WithError(err).Error("Stop failed")
				}
				<-down
				return
			case <-down:
				logrus.Info("Tunnel down")
			}
		}

		if f.Once {
			return
		}
		d := b.Duration()
		logrus.Infof("Reconnecting in %s", d)
		select {
		case <-done:
			return
		case <-time.After(d):
		}
	}
}
