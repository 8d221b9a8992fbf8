package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chronologos/govr/internal/auth"
	"github.com/chronologos/govr/internal/protocol"
)

var modes = []DialMode{DialQUIC, DialTCP}

// setupConnPair starts a dual listener and dials it with mode, returning both
// sides of the authenticated connection.
func setupConnPair(t *testing.T, mode DialMode) (serverConn, clientConn Conn) {
	t.Helper()

	key, err := auth.GeneratePairingKey()
	if err != nil {
		t.Fatal(err)
	}

	ln, err := ListenDual(0, key, "headset.test", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	accepted := make(chan Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	cc, err := Dial(ctx, loopback(ln.Port()), mode, key)
	if err != nil {
		t.Fatalf("%v dial: %v", mode, err)
	}
	t.Cleanup(func() { cc.Close() })

	select {
	case sc := <-accepted:
		t.Cleanup(func() { sc.Close() })
		return sc, cc
	case err := <-acceptErr:
		t.Fatalf("accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timeout waiting for accept")
	}
	return nil, nil
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func TestConnectAndAuthenticate(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			sc, cc := setupConnPair(t, mode)
			if sc.Mode() != mode || cc.Mode() != mode {
				t.Fatalf("modes = %v/%v, want %v", sc.Mode(), cc.Mode(), mode)
			}
			_, isQUIC := sc.(ProfileableConn)
			if isQUIC != (mode == DialQUIC) {
				t.Fatalf("ProfileableConn = %v for %v", isQUIC, mode)
			}
		})
	}
}

func TestControlMessagesInOrder(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			sc, cc := setupConnPair(t, mode)

			const n = 200
			go func() {
				for i := range n {
					cc.WriteControl(&protocol.KeepAlive{TimestampMs: int64(i)})
				}
			}()

			for i := range n {
				msg, err := sc.ReadControl(2 * time.Second)
				if err != nil {
					t.Fatalf("read %d: %v", i, err)
				}
				ka, ok := msg.(*protocol.KeepAlive)
				if !ok || ka.TimestampMs != int64(i) {
					t.Fatalf("message %d: got %+v", i, msg)
				}
			}
		})
	}
}

func TestReadControlTimeoutKeepsConn(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			sc, cc := setupConnPair(t, mode)

			if _, err := sc.ReadControl(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
				t.Fatalf("expected ErrTimeout, got %v", err)
			}

			if err := cc.WriteControl(&protocol.RequestIDR{}); err != nil {
				t.Fatal(err)
			}
			msg, err := sc.ReadControl(2 * time.Second)
			if err != nil {
				t.Fatalf("read after timeout: %v", err)
			}
			if _, ok := msg.(*protocol.RequestIDR); !ok {
				t.Fatalf("got %T, want *RequestIDR", msg)
			}
		})
	}
}

func TestDatagrams(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			sc, cc := setupConnPair(t, mode)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Datagrams are unreliable; resend until one lands.
			want := bytes.Repeat([]byte{0xAB}, 1000)
			go func() {
				tick := time.NewTicker(20 * time.Millisecond)
				defer tick.Stop()
				for {
					if err := sc.WriteDatagram(want); err != nil {
						return
					}
					select {
					case <-tick.C:
					case <-ctx.Done():
						return
					}
				}
			}()

			got, err := cc.ReadDatagram(ctx)
			if err != nil {
				t.Fatalf("ReadDatagram: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("datagram mismatch: %d bytes", len(got))
			}
		})
	}
}

func TestDatagramsDoNotBlockControl(t *testing.T) {
	sc, cc := setupConnPair(t, DialTCP)

	// Nobody reads datagrams; the demux must drop them rather than stall.
	for range tcpDatagramQueue * 2 {
		if err := sc.WriteDatagram([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := sc.WriteControl(&protocol.StartStream{}); err != nil {
		t.Fatal(err)
	}
	msg, err := cc.ReadControl(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := msg.(*protocol.StartStream); !ok {
		t.Fatalf("got %T, want *StartStream", msg)
	}
}

func TestConcurrentControlWriters(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			sc, cc := setupConnPair(t, mode)

			const writers, per = 4, 50
			var wg sync.WaitGroup
			for w := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range per {
						cc.WriteControl(&protocol.Disconnect{Reason: fmt.Sprintf("%d-%d", w, i)})
						cc.WriteDatagram([]byte("noise"))
					}
				}()
			}

			next := make([]int, writers)
			for range writers * per {
				msg, err := sc.ReadControl(2 * time.Second)
				if err != nil {
					t.Fatal(err)
				}
				d := msg.(*protocol.Disconnect)
				var w, i int
				if _, err := fmt.Sscanf(d.Reason, "%d-%d", &w, &i); err != nil {
					t.Fatalf("garbled message %q", d.Reason)
				}
				if i != next[w] {
					t.Fatalf("writer %d: got %d, want %d", w, i, next[w])
				}
				next[w]++
			}
			wg.Wait()
		})
	}
}

func TestWrongPairingKeyRejected(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			key, _ := auth.GeneratePairingKey()
			wrong, _ := auth.GeneratePairingKey()

			ln, err := ListenDual(0, key, "headset.test", nil)
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err = Dial(ctx, loopback(ln.Port()), mode, wrong)
			if !errors.Is(err, ErrAuthFailed) {
				t.Fatalf("expected ErrAuthFailed, got %v", err)
			}

			// The listener survives a failed handshake.
			go func() {
				if conn, err := ln.Accept(ctx); err == nil {
					conn.Close()
				}
			}()
			cc, err := Dial(ctx, loopback(ln.Port()), mode, key)
			if err != nil {
				t.Fatalf("dial after rejection: %v", err)
			}
			cc.Close()
		})
	}
}

func TestCloseUnblocksReaders(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			sc, cc := setupConnPair(t, mode)

			done := make(chan error, 1)
			go func() {
				_, err := sc.ReadControl(0)
				done <- err
			}()

			cc.Close()
			select {
			case err := <-done:
				if err == nil {
					t.Fatal("expected error after peer close")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("reader not unblocked by close")
			}
		})
	}
}

func TestParseDialMode(t *testing.T) {
	if m, ok := ParseDialMode("tcp"); !ok || m != DialTCP {
		t.Fatalf("tcp -> %v %v", m, ok)
	}
	if m, ok := ParseDialMode("quic"); !ok || m != DialQUIC {
		t.Fatalf("quic -> %v %v", m, ok)
	}
	if _, ok := ParseDialMode("sctp"); ok {
		t.Fatal("sctp accepted")
	}
}

func TestSelfSignedCertHandshake(t *testing.T) {
	cert, err := GenerateSelfSignedCert("quest.local")
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf.Subject.CommonName != "quest.local" || len(cert.Leaf.DNSNames) != 1 || cert.Leaf.DNSNames[0] != "quest.local" {
		t.Fatalf("cert names: %q %q", cert.Leaf.Subject.CommonName, cert.Leaf.DNSNames)
	}
	if cert.Leaf.PublicKeyAlgorithm != x509.Ed25519 {
		t.Fatalf("key algorithm %v", cert.Leaf.PublicKeyAlgorithm)
	}

	a, b := net.Pipe()
	server := tls.Server(a, ServerTLSConfig(cert))
	client := tls.Client(b, ClientTLSConfig())
	defer a.Close()
	defer b.Close()

	errc := make(chan error, 1)
	go func() { errc <- server.Handshake() }()
	if err := client.Handshake(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	for _, st := range []tls.ConnectionState{client.ConnectionState(), server.ConnectionState()} {
		if st.NegotiatedProtocol != alpnProtocol || st.Version != tls.VersionTLS13 {
			t.Fatalf("negotiated %q version %x", st.NegotiatedProtocol, st.Version)
		}
	}
	cm, err := exporterMaterial(client.ConnectionState())
	if err != nil {
		t.Fatal(err)
	}
	sm, err := exporterMaterial(server.ConnectionState())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cm, sm) {
		t.Fatal("exporter material differs between peers")
	}
}
