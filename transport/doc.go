// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries sealed tokens between peer nodes.
//
// Raw connectivity sits behind two interfaces: [Listener] accepts
// inbound connections (Accept, Address, Close) and [Dialer] opens
// outbound ones (DialContext). [TCPListener] and [TCPDialer] are the
// LAN implementations.
//
// An [Identity] turns a raw connection into a [Link]. [Identity.Secure]
// runs TLS 1.3 with certificates on both sides, verifies the peer's
// chain against the configured CA pool and, when one is configured, a
// whitelist of CA SHA-256 fingerprints. Both peers then exchange a
// [Hello] naming their node id and listen address; the node id must
// equal the peer certificate's common name. Finally each side derives
// the link's token key from both certificates and the TLS exporter
// secret of this connection, so the key is unique per link and never
// leaves memory.
//
// A Link frames each token as a big-endian uint32 length followed by
// the token sealed under the link key. Frames larger than
// [MaxFrameSize] are refused.
//
// Failures are typed: [*ConnectionError] for transient network
// trouble, [*CertificateError] for identity rejections (never retried
// automatically), and [*ProtocolError] for bad frames on an
// established link.
package transport
