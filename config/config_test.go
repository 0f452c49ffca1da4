package config

import (
	"encoding/base64"
	"fmt"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hop.computer/snitun/multiplexer"
	"hop.computer/snitun/pkg/must"
	"hop.computer/snitun/token"
)

func useMapFS(t *testing.T, files map[string]string) {
	t.Helper()
	mapFS := fstest.MapFS{}
	for name, data := range files {
		mapFS[name] = &fstest.MapFile{Data: []byte(data)}
	}
	restore := fileSystem
	fileSystem = mapFS
	t.Cleanup(func() { fileSystem = restore })
}

func testFernetKey(t *testing.T) string {
	t.Helper()
	return must.Do(token.GenerateKey()).Encode()
}

func testKeySet() (key, iv []byte) {
	return multiplexer.NewKeySet()
}

func testKeySetEncoded() (key, iv string) {
	k, i := multiplexer.NewKeySet()
	return base64.StdEncoding.EncodeToString(k), base64.StdEncoding.EncodeToString(i)
}

func TestLoadServerConfig(t *testing.T) {
	key := testFernetKey(t)
	useMapFS(t, map[string]string{
		"server.toml": fmt.Sprintf(`Mode = "dual"
SNIAddress = ":443"
PeerAddress = ":8080"
MetricsAddress = "127.0.0.1:9100"
Throttling = 500
LogLevel = "debug"
FernetKeys = [%q]
`, key),
	})

	c, err := LoadServerConfigFromFile("server.toml")
	require.NoError(t, err)
	assert.Equal(t, &ServerConfig{
		Mode:           ModeDual,
		SNIAddress:     ":443",
		PeerAddress:    ":8080",
		MetricsAddress: "127.0.0.1:9100",
		Throttling:     500,
		LogLevel:       "debug",
		FernetKeys:     []string{key},
	}, c)

	keys, err := c.FernetKeySet()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestLoadServerConfigDefaults(t *testing.T) {
	useMapFS(t, map[string]string{
		"server.toml": fmt.Sprintf("SNIAddress = \":443\"\nPeerAddress = \":8080\"\nFernetKeys = [%q]\n", testFernetKey(t)),
	})

	c, err := LoadServerConfigFromFile("server.toml")
	require.NoError(t, err)
	assert.Equal(t, ModeDual, c.Mode)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadServerConfigInvalid(t *testing.T) {
	key := testFernetKey(t)
	cases := []struct {
		name string
		toml string
	}{
		{"missing dual addresses", fmt.Sprintf("Mode = \"dual\"\nFernetKeys = [%q]\n", key)},
		{"missing listen address", fmt.Sprintf("Mode = \"single\"\nFernetKeys = [%q]\n", key)},
		{"unknown mode", fmt.Sprintf("Mode = \"cluster\"\nListenAddress = \":443\"\nFernetKeys = [%q]\n", key)},
		{"no keys", "SNIAddress = \":443\"\nPeerAddress = \":8080\"\n"},
		{"unknown setting", fmt.Sprintf("SNIAddress = \":443\"\nPeerAddress = \":8080\"\nFernetKeys = [%q]\nBogus = true\n", key)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			useMapFS(t, map[string]string{"server.toml": tc.toml})
			_, err := LoadServerConfigFromFile("server.toml")
			assert.Error(t, err)
		})
	}
}

func TestFernetKeysFile(t *testing.T) {
	inline := testFernetKey(t)
	fileKey1 := testFernetKey(t)
	fileKey2 := testFernetKey(t)
	useMapFS(t, map[string]string{
		"server.toml": fmt.Sprintf(`ListenAddress = ":443"
Mode = "single"
FernetKeys = [%q]
FernetKeysFile = "keys.txt"
`, inline),
		"keys.txt": fmt.Sprintf("# rotation keys\n%s\n\n%s\n", fileKey1, fileKey2),
	})

	c, err := LoadServerConfigFromFile("server.toml")
	require.NoError(t, err)
	keys, err := c.FernetKeySet()
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestLoadClientConfig(t *testing.T) {
	aesKey, aesIV := testKeySetEncoded()
	tok := "gAAAAABtoken"
	useMapFS(t, map[string]string{
		"client.toml": fmt.Sprintf(`ServerAddress = "relay.example.com:443"
Token = %q
AESKey = %q
AESIV = %q
EndHost = "127.0.0.1"
EndPort = 8123
Whitelist = true
WhitelistIPs = ["192.168.1.1"]
`, tok, aesKey, aesIV),
	})

	c, err := LoadClientConfigFromFile("client.toml")
	require.NoError(t, err)
	assert.Equal(t, "relay.example.com:443", c.ServerAddress)
	assert.Equal(t, 8123, c.EndPort)
	assert.True(t, c.Whitelist)

	gotToken, gotKey, gotIV, err := c.Credentials()
	require.NoError(t, err)
	assert.Equal(t, []byte(tok), gotToken)
	assert.Len(t, gotKey, 32)
	assert.Len(t, gotIV, 16)
}

func TestClientCredentialsFile(t *testing.T) {
	key, iv := testKeySet()
	credentials := EncodeCredentials([]byte("gAAAAABtoken"), key, iv)
	useMapFS(t, map[string]string{
		"client.toml": `ServerAddress = "relay.example.com:443"
EndHost = "127.0.0.1"
CredentialsFile = "credentials.toml"
`,
		"credentials.toml": credentials,
	})

	c, err := LoadClientConfigFromFile("client.toml")
	require.NoError(t, err)
	assert.Equal(t, 443, c.EndPort)

	gotToken, gotKey, gotIV, err := c.Credentials()
	require.NoError(t, err)
	assert.Equal(t, []byte("gAAAAABtoken"), gotToken)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, iv, gotIV)
}

func TestLoadClientConfigInvalid(t *testing.T) {
	aesKey, aesIV := testKeySetEncoded()
	cases := []struct {
		name string
		toml string
	}{
		{"missing server", fmt.Sprintf("EndHost = \"x\"\nToken = \"t\"\nAESKey = %q\nAESIV = %q\n", aesKey, aesIV)},
		{"missing endpoint", fmt.Sprintf("ServerAddress = \"x:443\"\nToken = \"t\"\nAESKey = %q\nAESIV = %q\n", aesKey, aesIV)},
		{"missing credentials", "ServerAddress = \"x:443\"\nEndHost = \"x\"\n"},
		{"bad whitelist entry", fmt.Sprintf("ServerAddress = \"x:443\"\nEndHost = \"x\"\nToken = \"t\"\nAESKey = %q\nAESIV = %q\nWhitelistIPs = [\"not-an-ip\"]\n", aesKey, aesIV)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			useMapFS(t, map[string]string{"client.toml": tc.toml})
			_, err := LoadClientConfigFromFile("client.toml")
			assert.Error(t, err)
		})
	}
}
