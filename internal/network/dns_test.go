package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startTestDNSServer runs a minimal authoritative responder for one name,
// enough to exercise Resolve's request/response plumbing without
// depending on a real nameserver.
func startTestDNSServer(t *testing.T, name string, ip net.IP) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(dns.Fqdn(name), func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, err := dns.NewRR(dns.Fqdn(name) + " 60 IN A " + ip.String())
		if err == nil {
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolveReturnsAnswerAddress(t *testing.T) {
	addr := startTestDNSServer(t, "vm1.cluster.local", net.ParseIP("10.0.0.5"))

	ips, err := Resolve(context.Background(), addr, "vm1.cluster.local")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestResolveNotFoundWhenNoAnswer(t *testing.T) {
	addr := startTestDNSServer(t, "vm1.cluster.local", net.ParseIP("10.0.0.5"))

	_, err := Resolve(context.Background(), addr, "does-not-exist.cluster.local")
	require.Error(t, err)
}

func TestResolveTransientErrorOnUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Resolve(ctx, "127.0.0.1:1", "vm1.cluster.local")
	require.Error(t, err)
}
