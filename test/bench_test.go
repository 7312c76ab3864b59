package test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blekit/client"
	"blekit/codec"
	"blekit/command"
	"blekit/device"
	"blekit/discovery"
	"blekit/loadbalance"
	"blekit/mux"
	"blekit/protocol"
	"blekit/server"
	"blekit/transport"
)

func setupClient(b *testing.B) *client.Client {
	reg := discovery.NewMemoryRegistry()
	startDevice(b, reg, device.New(testStatus(), nil))

	cli := client.NewClient(reg,
		client.WithLogger(quietLogger()),
		client.WithBalancer(&loadbalance.RoundRobinBalancer{}),
	)
	b.Cleanup(func() { cli.Close() })
	return cli
}

// serveProtocol serves p without discovery and dials it.
func serveProtocol(b *testing.B, p *command.Protocol) net.Conn {
	b.Helper()
	r := mux.New(mux.WithLogger(quietLogger()))
	require.NoError(b, r.Register(0, p, true))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(b, err)
	s := server.NewServer(r, server.WithLogger(quietLogger()))
	go s.Serve(ln)
	b.Cleanup(func() { s.Shutdown(time.Second) })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(b, err)
	return conn
}

// One caller, one command at a time.
func BenchmarkSerialCall(b *testing.B) {
	cli := setupClient(b)
	payload := []byte("ping")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cli.Call(context.Background(), "sensor", device.CmdPing, payload); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent callers need tagged correlation to share a command id.
func BenchmarkConcurrentTaggedCall(b *testing.B) {
	p := device.New(testStatus(), nil).Protocol("bench", "1.0",
		command.WithLogger(quietLogger()),
		command.WithCorrelation(command.CorrelationTagged),
	)
	conn := serveProtocol(b, p)
	ct := transport.NewClientTransport(conn,
		transport.WithLogger(quietLogger()),
		transport.WithCorrelation(command.CorrelationTagged),
	)
	b.Cleanup(func() { ct.Close() })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		payload := []byte("ping")
		for pb.Next() {
			if _, err := ct.Call(context.Background(), device.CmdPing, payload); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkEncodeDecode(b *testing.B) {
	payload := make([]byte, 240)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		frame, err := protocol.Encode(0x04, payload)
		if err != nil {
			b.Fatal(err)
		}
		if _, _, err := protocol.Decode(frame); err != nil {
			b.Fatal(err)
		}
	}
}

// Dispatch without a network in between.
func BenchmarkDispatch(b *testing.B) {
	p := device.New(testStatus(), nil).Protocol("bench", "1.0", command.WithLogger(quietLogger()))
	req, _ := codec.Binary.Encode(uint16(5))
	frame, _ := protocol.Encode(device.CmdGetData, req)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if p.Dispatch(frame) == nil {
			b.Fatal("no reply")
		}
	}
}

func BenchmarkBinaryPayload(b *testing.B) {
	rec := &device.DataRecord{ID: 5, Value: 12345678}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := codec.Binary.Encode(rec)
		var out device.DataRecord
		codec.Binary.Decode(data, &out)
	}
}
