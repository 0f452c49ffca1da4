package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"hop.computer/snitun/config"
	"hop.computer/snitun/flags"
	"hop.computer/snitun/multiplexer"
	"hop.computer/snitun/token"
)

var output = os.Stdout

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	f, err := flags.ParseTokenArgs(os.Args)
	if err != nil {
		logrus.Error(err)
		return
	}

	if f.GenerateKey {
		key, err := token.GenerateKey()
		if err != nil {
			logrus.Fatal(err)
		}
		output.Write([]byte(key.Encode()))
		output.Write([]byte("\n"))
		return
	}

	keys, err := flags.LoadSigningKeys(f)
	if err != nil {
		logrus.Fatal(err)
	}

	aesKey, aesIV := multiplexer.NewKeySet()
	tok, err := token.Generate(keys, f.Valid, f.Hostname, f.Aliases, aesKey, aesIV)
	if err != nil {
		logrus.Fatal(err)
	}

	logrus.Infof("Issued token for %s, valid %s", f.Hostname, f.Valid)
	output.Write([]byte(config.EncodeCredentials(tok, aesKey, aesIV)))
}
