package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fernet/fernet-go"
	"github.com/sirupsen/logrus"

	"hop.computer/snitun/config"
	"hop.computer/snitun/flags"
	"hop.computer/snitun/server"
)

// relayServer is the surface shared by the three listener modes.
type relayServer interface {
	Start() error
	Stop() error
	SetKeys(keys []*fernet.Key)
}

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	f, err := flags.ParseServerArgs(os.Args)
	if err != nil {
		logrus.Error(err)
		return
	}
	sc, err := flags.LoadServerConfigFromFlags(f)
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}
	level, err := logrus.ParseLevel(sc.LogLevel)
	if err != nil {
		logrus.Fatalf("unknown log level %q", sc.LogLevel)
	}
	logrus.SetLevel(level)

	keys, err := sc.FernetKeySet()
	if err != nil {
		logrus.Fatal(err)
	}

	var s relayServer
	switch sc.Mode {
	case config.ModeSingle:
		s = server.NewSniTunServerSingle(keys, sc.ListenAddress, sc.Throttling)
	case config.ModeWorker:
		s = server.NewSniTunServerWorker(keys, sc.ListenAddress, sc.Workers, sc.Throttling)
	default:
		s = server.NewSniTunServer(keys, sc.SNIAddress, sc.PeerAddress, sc.Throttling)
	}
	if err := s.Start(); err != nil {
		logrus.Fatal(err)
	}

	if sc.MetricsAddress != "" {
		go func() {
			if err := server.StartMetrics(sc.MetricsAddress); err != nil {
				logrus.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	var watcher *config.KeyWatcher
	if sc.FernetKeysFile != "" {
		watcher, err = sc.WatchFernetKeys()
		if err != nil {
			logrus.Fatal(err)
		}
		go func() {
			for keys := range watcher.Updates() {
				s.SetKeys(keys)
			}
		}()
	}

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	<-sch

	logrus.Info("Shutting down")
	if watcher != nil {
		_ = watcher.Close()
	}
	if err := s.Stop(); err != nil {
		logrus.WithError(err).Error("Shutdown failed")
	}
}
