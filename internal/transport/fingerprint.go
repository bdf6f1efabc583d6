package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

// vendorHelloSpec returns a ClientHelloSpec matching a common Rust/reqwest
// TLS fingerprint, carried over verbatim from the teacher's rustlsSpec
// (rustls_fingerprint.go) — the vendor's device-flow/auth host is known to
// rate-limit connections whose TLS fingerprint looks like a bare Go
// http.Client, so the auth-flow dialer below presents this one instead.
func vendorHelloSpec() *utls.ClientHelloSpec {
	return &utls.ClientHelloSpec{
		TLSVersMin: utls.VersionTLS12,
		TLSVersMax: utls.VersionTLS13,
		CipherSuites: []uint16{
			utls.TLS_AES_256_GCM_SHA384,
			utls.TLS_AES_128_GCM_SHA256,
			utls.TLS_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.FAKE_TLS_EMPTY_RENEGOTIATION_INFO_SCSV,
		},
		Extensions: []utls.TLSExtension{
			&utls.SupportedVersionsExtension{Versions: []uint16{utls.VersionTLS13, utls.VersionTLS12}},
			&utls.StatusRequestExtension{},
			&utls.SupportedCurvesExtension{Curves: []utls.CurveID{utls.X25519, utls.CurveP256, utls.CurveP384}},
			&utls.SessionTicketExtension{},
			&utls.ExtendedMasterSecretExtension{},
			&utls.KeyShareExtension{KeyShares: []utls.KeyShare{{Group: utls.X25519}}},
			&utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: []utls.SignatureScheme{
				utls.ECDSAWithP384AndSHA384, utls.ECDSAWithP256AndSHA256, utls.Ed25519,
				utls.PSSWithSHA512, utls.PSSWithSHA384, utls.PSSWithSHA256,
				utls.PKCS1WithSHA512, utls.PKCS1WithSHA384, utls.PKCS1WithSHA256,
			}},
			&utls.SNIExtension{},
			&utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}},
			&utls.SupportedPointsExtension{SupportedPoints: []byte{0}},
			&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
		},
	}
}

type fingerprintConn struct{ *utls.UConn }

func (c *fingerprintConn) ConnectionState() tls.ConnectionState {
	cs := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version: cs.Version, HandshakeComplete: cs.HandshakeComplete,
		DidResume: cs.DidResume, CipherSuite: cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol, ServerName: cs.ServerName,
		PeerCertificates: cs.PeerCertificates, VerifiedChains: cs.VerifiedChains,
	}
}

func proxyURLFromEnv() *url.URL {
	raw := os.Getenv("VENDOR_PROXY_URL")
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

type fingerprintDialer struct {
	dialer   *net.Dialer
	proxyURL *url.URL
}

func newFingerprintDialer() *fingerprintDialer {
	return &fingerprintDialer{
		dialer:   &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		proxyURL: proxyURLFromEnv(),
	}
}

func (d *fingerprintDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = "443"
		addr = net.JoinHostPort(host, port)
	}

	var rawConn net.Conn
	if d.proxyURL != nil {
		proxyConn, err := d.dialer.DialContext(ctx, "tcp", d.proxyURL.Host)
		if err != nil {
			return nil, fmt.Errorf("dial proxy: %w", err)
		}
		connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
		if d.proxyURL.User != nil {
			auth := d.proxyURL.User.Username()
			if pass, ok := d.proxyURL.User.Password(); ok {
				auth += ":" + pass
			}
			connectReq += "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(auth)) + "\r\n"
		}
		connectReq += "\r\n"
		if _, err := proxyConn.Write([]byte(connectReq)); err != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("write CONNECT: %w", err)
		}
		br := bufio.NewReader(proxyConn)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("read CONNECT response: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			proxyConn.Close()
			return nil, fmt.Errorf("CONNECT failed: %s", resp.Status)
		}
		rawConn = proxyConn
	} else {
		rawConn, err = d.dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
	}

	cfg := &utls.Config{ServerName: host}
	uConn := utls.UClient(rawConn, cfg, utls.HelloCustom)
	if err := uConn.ApplyPreset(vendorHelloSpec()); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("apply tls preset: %w", err)
	}
	if err := uConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &fingerprintConn{UConn: uConn}, nil
}

func newFingerprintTransport() *http.Transport {
	d := newFingerprintDialer()
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		DialTLSContext:        d.DialTLSContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		ForceAttemptHTTP2:     false,
	}
}

// HybridTransport uses the fingerprinted dialer for the vendor's auth host
// (where OAuth device-flow and refresh calls land) and the standard,
// HTTP/2-capable transport for everything else (chat completions, search).
type HybridTransport struct {
	fingerprint *http.Transport
	standard    http.RoundTripper
	authHosts   map[string]bool
}

// NewHybrid wraps standard with fingerprinted dialing for authHosts.
func NewHybrid(standard http.RoundTripper, authHosts []string) *HybridTransport {
	set := make(map[string]bool, len(authHosts))
	for _, h := range authHosts {
		set[strings.ToLower(h)] = true
	}
	return &HybridTransport{fingerprint: newFingerprintTransport(), standard: standard, authHosts: set}
}

func (h *HybridTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := strings.ToLower(req.URL.Hostname())
	if h.authHosts[host] {
		return h.fingerprint.RoundTrip(req)
	}
	return h.standard.RoundTrip(req)
}

var _ http.RoundTripper = (*HybridTransport)(nil)
