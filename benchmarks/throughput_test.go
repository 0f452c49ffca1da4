package benchmarks

import (
	"net"
	"sync"
	"testing"

	"gotest.tools/assert"

	"hop.computer/snitun/multiplexer"
)

// chunkSize matches the read size the tunnel uses when pumping endpoint
// traffic into a channel.
const chunkSize = 4096

func tcpPair(b *testing.B) (client, server net.Conn) {
	b.Helper()
	listener, err := net.ListenTCP("tcp", nil)
	assert.NilError(b, err)
	defer listener.Close()

	c1, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
	assert.NilError(b, err)

	c2, err := listener.AcceptTCP()
	assert.NilError(b, err)
	return c1, c2
}

func measureThroughput(b *testing.B, write func([]byte) error, read func() (int, error)) {
	var wg sync.WaitGroup
	wg.Add(1)

	b.ResetTimer()

	go func() {
		defer wg.Done()
		chunk := make([]byte, chunkSize)
		sent := 0
		for sent < b.N {
			n := min(chunkSize, b.N-sent)
			if err := write(chunk[:n]); err != nil {
				b.Error(err)
				return
			}
			sent += n
		}
	}()

	received := 0
	for received < b.N {
		n, err := read()
		assert.NilError(b, err)
		received += n
	}
	wg.Wait()

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "bytes/sec")
}

func BenchmarkTCP(b *testing.B) {
	c1, c2 := tcpPair(b)
	defer c1.Close()
	defer c2.Close()

	buf := make([]byte, chunkSize)
	measureThroughput(b,
		func(p []byte) error {
			_, err := c1.Write(p)
			return err
		},
		func() (int, error) {
			return c2.Read(buf)
		})
}

// BenchmarkMultiplexer measures the same transfer through an encrypted
// multiplexer pair, so the overhead of framing, AES and the channel queues
// shows up relative to BenchmarkTCP.
func BenchmarkMultiplexer(b *testing.B) {
	c1, c2 := tcpPair(b)

	key, iv := multiplexer.NewKeySet()
	cryptoA, err := multiplexer.NewCryptoTransport(key, iv)
	assert.NilError(b, err)
	cryptoB, err := multiplexer.NewCryptoTransport(key, iv)
	assert.NilError(b, err)

	accepted := make(chan *multiplexer.Channel, 1)
	multiA := multiplexer.NewMultiplexer(cryptoA, c1, nil, 0)
	multiB := multiplexer.NewMultiplexer(cryptoB, c2, func(m *multiplexer.Multiplexer, c *multiplexer.Channel) {
		accepted <- c
	}, 0)
	defer func() {
		multiA.Shutdown()
		multiB.Shutdown()
		multiA.Wait()
		multiB.Wait()
	}()

	channelA, err := multiA.CreateChannel(net.IPv4(127, 0, 0, 1))
	assert.NilError(b, err)
	channelB := <-accepted

	measureThroughput(b,
		channelA.Write,
		func() (int, error) {
			data, err := channelB.Read()
			return len(data), err
		})
}
