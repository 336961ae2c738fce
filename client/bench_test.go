package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"remoting/codec"
	"remoting/message"
	"remoting/server"
)

func setupBench(b *testing.B, mode Mode) *Facade {
	svr, err := server.New(&Calc{}, server.Config{Addr: "127.0.0.1:0"})
	if err != nil {
		b.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	f, err := New(context.Background(), Config{Addr: svr.Addr(), Mode: mode, PoolMinConns: 8, PoolMaxConns: 8})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { f.Close() })
	return f
}

// Serial calls from a single goroutine
func BenchmarkSerialCall(b *testing.B) {
	f := setupBench(b, ModePool)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := Call[int](ctx, f, "Add", 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent calls: pool mode spreads them over connections, stateful mode multiplexes
// them on one.
func BenchmarkConcurrentCall(b *testing.B) {
	for _, mode := range []Mode{ModePool, ModeStateful} {
		b.Run(mode.String(), func(b *testing.B) {
			f := setupBench(b, mode)
			ctx := context.Background()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					if _, err := Call[int](ctx, f, "Add", 1, 2); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

// Codec cost without the network
func BenchmarkCodec(b *testing.B) {
	msg := &message.MethodMessage{
		ID:         42,
		Method:     "Add",
		Parameters: []json.RawMessage{[]byte(`1`), []byte(`2`)},
	}
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		b.Run(ct.String(), func(b *testing.B) {
			cdc := codec.GetCodec(ct)
			for i := 0; i < b.N; i++ {
				data, _ := cdc.Encode(msg)
				var out message.MethodMessage
				cdc.Decode(data, &out)
			}
		})
	}
}
