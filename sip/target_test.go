package sip_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	mdns "github.com/miekg/dns"

	"github.com/ghettovoice/sipstack/dns"
	"github.com/ghettovoice/sipstack/sip"
)

type target struct {
	Proto sip.TransportProto
	Addr  string
}

func collectTargets(seq func(yield func(sip.TransportProto, netip.AddrPort) bool)) []target {
	var out []target
	for proto, addr := range seq {
		out = append(out, target{proto, addr.String()})
	}
	return out
}

// newTestResolver starts a DNS server answering with the records.
func newTestResolver(tb testing.TB, records ...string) *dns.Resolver {
	tb.Helper()

	zone := map[uint16][]mdns.RR{}
	for _, s := range records {
		rr, err := mdns.NewRR(s)
		if err != nil {
			tb.Fatalf("mdns.NewRR(%q) error = %v, want nil", s, err)
		}
		zone[rr.Header().Rrtype] = append(zone[rr.Header().Rrtype], rr)
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
			resp := new(mdns.Msg)
			resp.SetReply(req)
			q := req.Question[0]
			for _, rr := range zone[q.Qtype] {
				if mdns.CanonicalName(rr.Header().Name) == mdns.CanonicalName(q.Name) {
					resp.Answer = append(resp.Answer, rr)
				}
			}
			if len(resp.Answer) == 0 {
				resp.Rcode = mdns.RcodeNameError
			}
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	tb.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(recvTimeout):
		tb.Fatal("DNS server did not start")
	}
	return &dns.Resolver{NameServer: pc.LocalAddr().String(), Timeout: time.Second}
}

func parseURI(tb testing.TB, s string) sip.Uri {
	tb.Helper()

	var uri sip.Uri
	if err := sipmsg.ParseUri(s, &uri); err != nil {
		tb.Fatalf("sipmsg.ParseUri(%q) error = %v, want nil", s, err)
	}
	return uri
}

func TestRequestTargets(t *testing.T) {
	t.Parallel()

	rslvr := newTestResolver(t,
		`naptr.example.com. 60 IN NAPTR 10 50 "s" "SIP+D2T" "" _sip._tcp.naptr.example.com.`,
		`naptr.example.com. 60 IN NAPTR 20 50 "s" "SIP+D2U" "" _sip._udp.naptr.example.com.`,
		`_sip._tcp.naptr.example.com. 60 IN SRV 10 0 5070 a.example.com.`,
		`_sip._udp.naptr.example.com. 60 IN SRV 10 0 5080 b.example.com.`,
		`_sip._udp.srv.example.com. 60 IN SRV 10 0 5090 b.example.com.`,
		`a.example.com. 60 IN A 192.0.2.20`,
		`b.example.com. 60 IN A 192.0.2.30`,
		`host.example.com. 60 IN A 192.0.2.10`,
	)
	udpTCP := []sip.TransportProto{sip.ProtoUDP, sip.ProtoTCP}

	cases := []struct {
		name   string
		uri    string
		protos []sip.TransportProto
		want   []target
	}{
		{"numeric ip", "sip:alice@192.0.2.1", udpTCP, []target{{sip.ProtoUDP, "192.0.2.1:5060"}}},
		{
			"numeric ip with transport",
			"sip:alice@192.0.2.1:5070;transport=tcp",
			udpTCP,
			[]target{{sip.ProtoTCP, "192.0.2.1:5070"}},
		},
		{
			"sips numeric ip",
			"sips:alice@192.0.2.1",
			[]sip.TransportProto{sip.ProtoUDP, sip.ProtoTLS},
			[]target{{sip.ProtoTLS, "192.0.2.1:5061"}},
		},
		{"unsupported transport", "sip:alice@192.0.2.1;transport=tcp", []sip.TransportProto{sip.ProtoUDP}, nil},
		{"host with port", "sip:alice@host.example.com:5080", udpTCP, []target{{sip.ProtoUDP, "192.0.2.10:5080"}}},
		{
			"naptr",
			"sip:alice@naptr.example.com",
			udpTCP,
			[]target{{sip.ProtoTCP, "192.0.2.20:5070"}, {sip.ProtoUDP, "192.0.2.30:5080"}},
		},
		{
			"naptr filtered by transports",
			"sip:alice@naptr.example.com",
			[]sip.TransportProto{sip.ProtoUDP},
			[]target{{sip.ProtoUDP, "192.0.2.30:5080"}},
		},
		{"srv", "sip:alice@srv.example.com", udpTCP, []target{{sip.ProtoUDP, "192.0.2.30:5090"}}},
		{"a fallback", "sip:alice@host.example.com", udpTCP, []target{{sip.ProtoUDP, "192.0.2.10:5060"}}},
		{"unknown host", "sip:alice@missing.example.com", udpTCP, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got := collectTargets(sip.RequestTargets(t.Context(), parseURI(t, c.uri), c.protos, rslvr))
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("sip.RequestTargets(%q) = %v, want %v\ndiff (-got +want):\n%v", c.uri, got, c.want, diff)
			}
		})
	}
}

func TestResponseTargets(t *testing.T) {
	t.Parallel()

	rslvr := newTestResolver(t,
		`_sip._udp.srv.example.com. 60 IN SRV 10 0 5090 b.example.com.`,
		`b.example.com. 60 IN A 192.0.2.30`,
		`host.example.com. 60 IN A 192.0.2.10`,
	)

	cases := []struct {
		name string
		via  string
		want []target
	}{
		{"sent-by ip", "SIP/2.0/UDP 192.0.2.1:5070;branch=z9hG4bK.1", []target{{sip.ProtoUDP, "192.0.2.1:5070"}}},
		{
			"received and rport",
			"SIP/2.0/UDP 192.0.2.1;branch=z9hG4bK.1;received=198.51.100.7;rport=6000",
			[]target{{sip.ProtoUDP, "198.51.100.7:6000"}, {sip.ProtoUDP, "192.0.2.1:5060"}},
		},
		{
			"rport ignored on tcp",
			"SIP/2.0/TCP 192.0.2.1;branch=z9hG4bK.1;received=198.51.100.7;rport=6000",
			[]target{{sip.ProtoTCP, "198.51.100.7:5060"}, {sip.ProtoTCP, "192.0.2.1:5060"}},
		},
		{"maddr", "SIP/2.0/UDP 192.0.2.1;branch=z9hG4bK.1;maddr=239.255.255.1", []target{{sip.ProtoUDP, "239.255.255.1:5060"}}},
		{"tls default port", "SIP/2.0/TLS 192.0.2.1;branch=z9hG4bK.1", []target{{sip.ProtoTLS, "192.0.2.1:5061"}}},
		{"host with port", "SIP/2.0/UDP host.example.com:5080;branch=z9hG4bK.1", []target{{sip.ProtoUDP, "192.0.2.10:5080"}}},
		{"host srv", "SIP/2.0/UDP srv.example.com;branch=z9hG4bK.1", []target{{sip.ProtoUDP, "192.0.2.30:5090"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			req := parseReq(t,
				"OPTIONS sip:alice@alice.voip.com SIP/2.0",
				fmt.Sprintf("Via: %s", c.via),
				"From: <sip:bob@bob.voip.com>;tag=from-1234",
				"To: <sip:alice@alice.voip.com>",
				"Call-ID: call-1234@bob.voip.com",
				"CSeq: 1 OPTIONS",
				"Content-Length: 0",
			)
			got := collectTargets(sip.ResponseTargets(t.Context(), req.Via(), rslvr))
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("sip.ResponseTargets(%q) = %v, want %v\ndiff (-got +want):\n%v", c.via, got, c.want, diff)
			}
		})
	}

	if got := collectTargets(sip.ResponseTargets(context.Background(), nil, rslvr)); len(got) != 0 {
		t.Errorf("sip.ResponseTargets(nil) = %v, want none", got)
	}
}
