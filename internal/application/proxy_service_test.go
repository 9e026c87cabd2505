package application

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"socks-proxy/internal/config"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/pkg/logger"
)

// startProxy runs a proxy on a loopback port until the test ends.
func startProxy(t *testing.T, dnsServer string) string {
	t.Helper()

	cfg := config.Default()
	cfg.Listen_ = "127.0.0.1:0"
	cfg.DNS.Server_ = dnsServer
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	loop, err := epoll.New()
	if err != nil {
		t.Fatal(err)
	}
	proxy, err := NewProxyService(loop, logger.Discard(), cfg)
	if err != nil {
		loop.Close()
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Start(ctx)
	})

	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("proxy loop: %v", err)
		}
		proxy.Close()
		loop.Close()
	})
	return proxy.Addr().String()
}

// startEcho serves connections by echoing until the client half-closes.
func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln
}

// startDNS answers A queries for the given names and NXDOMAIN otherwise.
func startDNS(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if ip, ok := records[q.Name]; ok && q.Qtype == dns.TypeA {
				rr, err := dns.NewRR(fmt.Sprintf("%s 30 IN A %s", q.Name, ip))
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			} else {
				m.Rcode = dns.RcodeNameError
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp4", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func expect(t *testing.T, c net.Conn, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	var b [1]byte
	if n, err := c.Read(b[:]); err != io.EOF {
		t.Fatalf("expected EOF, got n=%d err=%v", n, err)
	}
}

func handshake(t *testing.T, c net.Conn) {
	t.Helper()
	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expect(t, c, []byte{0x05, 0x00})
}

func connectRequest(addr netip.AddrPort) []byte {
	ip := addr.Addr().As4()
	return []byte{0x05, 0x01, 0x00, 0x01, ip[0], ip[1], ip[2], ip[3], byte(addr.Port() >> 8), byte(addr.Port())}
}

func reply(status byte) []byte {
	return []byte{0x05, status, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
}

func TestProxyEchoWithSocks5Client(t *testing.T) {
	echoLn := startEcho(t)
	proxyAddr := startProxy(t, "127.0.0.1:53")

	client, err := socks5.NewClient(proxyAddr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := []byte("hello through epoll")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestProxyRawHandshakeAndRelay(t *testing.T) {
	echoLn := startEcho(t)
	proxyAddr := startProxy(t, "127.0.0.1:53")
	target := echoLn.Addr().(*net.TCPAddr).AddrPort()

	c := dialRaw(t, proxyAddr)
	handshake(t, c)
	if _, err := c.Write(connectRequest(target)); err != nil {
		t.Fatal(err)
	}
	expect(t, c, reply(0x00))

	// Larger than one relay buffer so backpressure has to kick in.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() {
		c.Write(payload)
		c.(*net.TCPConn).CloseWrite()
	}()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed %d bytes, want %d", len(got), len(payload))
	}
}

func TestProxyHalfClose(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// The target answers only after the client has finished sending.
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		data, _ := io.ReadAll(c)
		fmt.Fprintf(c, "got %d bytes", len(data))
	}()

	proxyAddr := startProxy(t, "127.0.0.1:53")
	c := dialRaw(t, proxyAddr)
	handshake(t, c)
	c.Write(connectRequest(ln.Addr().(*net.TCPAddr).AddrPort()))
	expect(t, c, reply(0x00))

	c.Write([]byte("request body"))
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "got 12 bytes" {
		t.Fatalf("response %q", got)
	}
}

func TestProxyDomainConnect(t *testing.T) {
	echoLn := startEcho(t)
	port := echoLn.Addr().(*net.TCPAddr).Port
	dnsAddr := startDNS(t, map[string]string{"echo.test.": "127.0.0.1"})
	proxyAddr := startProxy(t, dnsAddr)

	client, err := socks5.NewClient(proxyAddr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", fmt.Sprintf("echo.test:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}
}

func TestProxyUnknownDomain(t *testing.T) {
	dnsAddr := startDNS(t, nil)
	proxyAddr := startProxy(t, dnsAddr)

	c := dialRaw(t, proxyAddr)
	handshake(t, c)
	name := "missing.test"
	req := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}, name...)
	req = append(req, 0x00, 0x50)
	c.Write(req)

	expect(t, c, reply(0x04))
	expectEOF(t, c)
}

func TestProxyErrorReplies(t *testing.T) {
	closed, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	refused := closed.Addr().(*net.TCPAddr).AddrPort()
	closed.Close()

	tests := []struct {
		name    string
		request []byte
		status  byte
	}{
		{"bind command", []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}, 0x07},
		{"udp associate", []byte{0x05, 0x03, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}, 0x07},
		{"ipv6 address", append([]byte{0x05, 0x01, 0x00, 0x04}, make([]byte, 18)...), 0x08},
		{"unknown address type", []byte{0x05, 0x01, 0x00, 0x09, 0, 0}, 0x08},
		{"connection refused", connectRequest(refused), 0x04},
	}

	proxyAddr := startProxy(t, "127.0.0.1:53")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialRaw(t, proxyAddr)
			handshake(t, c)
			c.Write(tt.request)
			expect(t, c, reply(tt.status))
			expectEOF(t, c)
		})
	}
}

func TestProxyRejectsAuthMethods(t *testing.T) {
	proxyAddr := startProxy(t, "127.0.0.1:53")

	tests := []struct {
		name    string
		methods []byte
	}{
		{"username/password only", []byte{0x05, 0x01, 0x02}},
		{"gssapi and password", []byte{0x05, 0x02, 0x01, 0x02}},
		{"socks4 version", []byte{0x04, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialRaw(t, proxyAddr)
			c.Write(tt.methods)
			expect(t, c, []byte{0x05, 0xFF})
			expectEOF(t, c)
		})
	}
}

func TestProxyHandshakeInPieces(t *testing.T) {
	echoLn := startEcho(t)
	proxyAddr := startProxy(t, "127.0.0.1:53")

	c := dialRaw(t, proxyAddr)
	for _, b := range []byte{0x05, 0x02, 0x02} {
		c.Write([]byte{b})
		time.Sleep(10 * time.Millisecond)
	}
	c.Write([]byte{0x00})
	expect(t, c, []byte{0x05, 0x00})

	req := connectRequest(echoLn.Addr().(*net.TCPAddr).AddrPort())
	c.Write(req[:3])
	time.Sleep(10 * time.Millisecond)
	c.Write(req[3:])
	expect(t, c, reply(0x00))

	c.Write([]byte("split"))
	expect(t, c, []byte("split"))
}

func TestProxyManyClients(t *testing.T) {
	echoLn := startEcho(t)
	proxyAddr := startProxy(t, "127.0.0.1:53")

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			client, err := socks5.NewClient(proxyAddr, "", "", 2, 0)
			if err != nil {
				return err
			}
			c, err := client.Dial("tcp", echoLn.Addr().String())
			if err != nil {
				return err
			}
			defer c.Close()

			msg := strings.Repeat(fmt.Sprintf("client-%d;", i), 100)
			if _, err := io.WriteString(c, msg); err != nil {
				return err
			}
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(c, buf); err != nil {
				return err
			}
			if string(buf) != msg {
				return fmt.Errorf("client %d: echo mismatch", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
