package sip

import (
	"context"
	"iter"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/dns"
)

// RequestTargets returns the transport and address pairs to which the request with the URI
// should be sent, in the order they should be tried.
// It implements the server location defined in RFC 3263 section 4.
// Only protocols from protos are yielded.
//
//nolint:gocognit
func RequestTargets(
	ctx context.Context,
	uri Uri,
	protos []TransportProto,
	rslvr *dns.Resolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	if rslvr == nil {
		rslvr = dns.DefaultResolver()
	}
	host := strings.Trim(uri.Host, "[]")
	supported := func(p TransportProto) bool {
		return slices.ContainsFunc(protos, p.Equal) && (!uri.IsEncrypted() || p.Secured())
	}

	return func(yield func(TransportProto, netip.AddrPort) bool) {
		// RFC 3263 section 4.1, transport selection.
		var proto TransportProto
		if uri.UriParams != nil {
			if v, ok := uri.UriParams.Get("transport"); ok && v != "" {
				proto = TransportProto(v).ToUpper()
				if uri.IsEncrypted() && proto.Equal(ProtoTCP) {
					proto = ProtoTLS
				}
			}
		}

		ip, ipErr := netip.ParseAddr(host)
		if proto == "" && (ipErr == nil || uri.Port > 0) {
			proto = ProtoUDP
			if uri.IsEncrypted() {
				proto = ProtoTLS
			}
		}

		// RFC 3263 section 4.2, numeric IP or explicit port.
		if ipErr == nil || uri.Port > 0 {
			if !supported(proto) {
				return
			}
			port := uint16(uri.Port) //nolint:gosec
			if port == 0 {
				port = proto.DefaultPort()
			}
			if ipErr == nil {
				yield(proto, netip.AddrPortFrom(ip.Unmap(), port))
				return
			}
			yieldAddrs(ctx, rslvr, proto, host, port, yield)
			return
		}

		// NAPTR, then SRV for the selected or all supported transports.
		if proto == "" {
			if recs, err := rslvr.LookupNAPTR(ctx, host); err == nil {
				var usable bool
				for _, rec := range recs {
					p, ok := naptrProto(rec.Service)
					if !ok || !supported(p) || !strings.EqualFold(rec.Flags, "s") {
						continue
					}
					usable = true
					if !yieldSRVs(ctx, rslvr, p, "", "", rec.Replacement, yield) {
						return
					}
				}
				if usable {
					return
				}
			}
		}

		var candidates []TransportProto
		if proto != "" {
			candidates = []TransportProto{proto}
		} else {
			for _, p := range []TransportProto{ProtoUDP, ProtoTCP, ProtoTLS} {
				if supported(p) {
					candidates = append(candidates, p)
				}
			}
		}

		var found bool
		for _, p := range candidates {
			if !supported(p) {
				continue
			}
			serv := "sip"
			if p.Secured() {
				serv = "sips"
			}
			srvs, err := rslvr.LookupSRV(ctx, serv, strings.ToLower(p.Network()), host)
			if err != nil || len(srvs) == 0 {
				continue
			}
			found = true
			for _, srv := range srvs {
				if !yieldAddrs(ctx, rslvr, p, srv.Target, srv.Port, yield) {
					return
				}
			}
		}
		if found {
			return
		}

		// RFC 3263 section 4.2, no SRV records, A/AAAA lookup with the default port.
		if proto == "" {
			proto = ProtoUDP
			if uri.IsEncrypted() {
				proto = ProtoTLS
			}
		}
		if !supported(proto) {
			return
		}
		yieldAddrs(ctx, rslvr, proto, host, proto.DefaultPort(), yield)
	}
}

func naptrProto(service string) (TransportProto, bool) {
	switch strings.ToUpper(service) {
	case "SIP+D2U":
		return ProtoUDP, true
	case "SIP+D2T":
		return ProtoTCP, true
	case "SIPS+D2T":
		return ProtoTLS, true
	default:
		return "", false
	}
}

func yieldSRVs(
	ctx context.Context,
	rslvr *dns.Resolver,
	proto TransportProto,
	service, network, name string,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	srvs, err := rslvr.LookupSRV(ctx, service, network, strings.TrimSuffix(name, "."))
	if err != nil {
		return true
	}
	for _, srv := range srvs {
		if !yieldAddrs(ctx, rslvr, proto, srv.Target, srv.Port, yield) {
			return false
		}
	}
	return true
}

func yieldAddrs(
	ctx context.Context,
	rslvr *dns.Resolver,
	proto TransportProto,
	host string,
	port uint16,
	yield func(TransportProto, netip.AddrPort) bool,
) bool {
	ips, err := rslvr.LookupAddr(ctx, strings.TrimSuffix(host, "."))
	if err != nil {
		return true
	}
	for _, ip := range ips {
		if !yield(proto, netip.AddrPortFrom(ip, port)) {
			return false
		}
	}
	return true
}

// ResponseTargets returns the transport and address pairs to which the response should be sent.
// It implements the logic defined in RFC 3261 section 18.2.2, RFC 3581 section 4 and RFC 3263 section 5.
//
//nolint:gocognit
func ResponseTargets(
	ctx context.Context,
	via *sipmsg.ViaHeader,
	rslvr *dns.Resolver,
) iter.Seq2[TransportProto, netip.AddrPort] {
	if rslvr == nil {
		rslvr = dns.DefaultResolver()
	}
	return func(yield func(TransportProto, netip.AddrPort) bool) {
		if via == nil {
			return
		}
		proto := TransportProto(via.Transport).ToUpper()
		port := uint16(via.Port) //nolint:gosec
		if port == 0 {
			port = proto.DefaultPort()
		}
		param := func(name string) (string, bool) {
			if via.Params == nil {
				return "", false
			}
			return via.Params.Get(name)
		}

		if !proto.Reliable() {
			// RFC 3261 section 18.2.2, bullet 2.
			if maddr, ok := param("maddr"); ok && maddr != "" {
				yieldAddrs(ctx, rslvr, proto, maddr, port, yield)
				return
			}
		}

		// RFC 3261 section 18.2.2, bullets 1 and 3.
		if recv, ok := param("received"); ok {
			if ip, err := netip.ParseAddr(recv); err == nil {
				rport := port
				if !proto.Reliable() {
					if v, ok := param("rport"); ok {
						if p, err := strconv.ParseUint(v, 10, 16); err == nil && p > 0 {
							rport = uint16(p)
						}
					}
				}
				if !yield(proto, netip.AddrPortFrom(ip.Unmap(), rport)) {
					return
				}
			}
		}

		// RFC 3261 section 18.2.2, bullet 4, i.e. fallback to RFC 3263 section 5.
		host := strings.Trim(via.Host, "[]")
		if ip, err := netip.ParseAddr(host); err == nil {
			yield(proto, netip.AddrPortFrom(ip.Unmap(), port))
			return
		}
		if via.Port > 0 {
			yieldAddrs(ctx, rslvr, proto, host, port, yield)
			return
		}

		serv := "sip"
		if proto.Secured() {
			serv = "sips"
		}
		yieldSRVs(ctx, rslvr, proto, serv, strings.ToLower(proto.Network()), host, yield)
	}
}
