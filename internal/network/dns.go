package network

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/fenwick-systems/meridian/internal/errkind"
)

// Resolve performs a minimal A-record lookup of name against the single
// DNS server address given in server.
func Resolve(ctx context.Context, server, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	client := &dns.Client{Timeout: 3 * time.Second}
	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, errkind.WrapTransient("network.Resolve", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errkind.NewNotFound("network.Resolve", fmt.Sprintf("%s: rcode %s", name, dns.RcodeToString[resp.Rcode]))
	}

	var out []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out, nil
}
