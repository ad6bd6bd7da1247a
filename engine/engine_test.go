// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/bureau-foundation/bey/lib/clock"
	"github.com/bureau-foundation/bey/lib/stream"
	"github.com/bureau-foundation/bey/lib/testutil"
	"github.com/bureau-foundation/bey/lib/token"
	"github.com/bureau-foundation/bey/transport"
)

func testConfig() Config {
	config := DefaultConfig()
	config.Pool.ConnectTimeout = 5 * time.Second
	config.RetryBackoff = 10 * time.Millisecond
	config.HandlerWorkers = 2
	return config
}

func newIdentity(t *testing.T, pki *testutil.PKI, nodeID string, whitelist ...string) *transport.Identity {
	t.Helper()
	identity, err := transport.NewIdentityFromCertificate(pki.Issue(t, nodeID), pki.Pool, whitelist)
	if err != nil {
		t.Fatalf("NewIdentityFromCertificate(%s): %v", nodeID, err)
	}
	return identity
}

type testEngine struct {
	*Engine
	address string
}

// startEngine runs an engine listening on loopback until the test
// ends.
func startEngine(t *testing.T, identity *transport.Identity, config Config, directory Directory, clk clock.Clock) *testEngine {
	t.Helper()
	listener, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	return startEngineWith(t, Options{
		Config:    config,
		Identity:  identity,
		Directory: directory,
		Listener:  listener,
		Clock:     clk,
	})
}

func startEngineWith(t *testing.T, options Options) *testEngine {
	t.Helper()
	options.Logger = slog.New(slog.DiscardHandler)
	engine, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	address := ""
	if options.Listener != nil {
		address = options.Listener.Address()
	}
	return &testEngine{Engine: engine, address: address}
}

// collector is a handler that forwards every token it sees.
type collector struct {
	tokens   chan token.Token
	failures chan *stream.Error
	respond  func(token.Token) *Response
}

func newCollector() *collector {
	return &collector{tokens: make(chan token.Token, 32), failures: make(chan *stream.Error, 8)}
}

func (c *collector) Handle(ctx context.Context, t token.Token) (*Response, error) {
	c.tokens <- t
	if c.respond != nil {
		return c.respond(t), nil
	}
	return nil, nil
}

func (c *collector) HandleStreamError(ctx context.Context, err *stream.Error) {
	c.failures <- err
}

func waitDelivery(t *testing.T, delivery *Delivery) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := delivery.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delivery %s still pending", delivery.ID)
	}
	return err
}

// pair starts alpha and beta on one CA with alpha's directory naming
// beta.
func pair(t *testing.T, config Config) (alpha, beta *testEngine) {
	t.Helper()
	pki := testutil.NewPKI(t, "bey-ca")
	beta = startEngine(t, newIdentity(t, pki, "beta"), config, nil, clock.Real())
	directory := NewStaticDirectory(map[string]string{"beta": beta.address})
	alpha = startEngine(t, newIdentity(t, pki, "alpha"), config, directory, clock.Real())
	return alpha, beta
}

// TestSend_AcknowledgedDelivery sends one token that requires an ack
// and checks both the handler and the sender's delivery see it.
func TestSend_AcknowledgedDelivery(t *testing.T) {
	alpha, beta := pair(t, testConfig())
	handler := newCollector()
	if err := beta.RegisterHandler([]string{"chat"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	delivery, err := alpha.Send("beta", []byte("hello"), "chat", token.Normal, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := waitDelivery(t, delivery); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}

	got := testutil.RequireReceive(t, handler.tokens, 5*time.Second, "token at beta's handler")
	if got.ID != delivery.ID || got.SenderID != "alpha" || string(got.Payload) != "hello" || got.Type != "chat" {
		t.Errorf("handler got %+v", got)
	}

	stats := alpha.PerformanceStats()
	if stats.TokensAcked != 1 || stats.TokensSent != 1 || stats.Retransmits != 0 {
		t.Errorf("stats = %+v, want one token sent and acked", stats)
	}
	if stats.InFlight != 0 || stats.Queued != 0 {
		t.Errorf("stats = %+v, want nothing pending", stats)
	}
	if stats.Connections != 1 {
		t.Errorf("Connections = %d, want 1", stats.Connections)
	}
}

// TestSend_HandlerResponse checks a handler's response travels back
// to a sender that is not in the responder's directory.
func TestSend_HandlerResponse(t *testing.T) {
	alpha, beta := pair(t, testConfig())
	echo := newCollector()
	echo.respond = func(request token.Token) *Response {
		return &Response{Type: "chat.reply", Payload: append([]byte("re: "), request.Payload...), Priority: token.High}
	}
	if err := beta.RegisterHandler([]string{"chat"}, echo); err != nil {
		t.Fatalf("RegisterHandler beta: %v", err)
	}
	replies := newCollector()
	if err := alpha.RegisterHandler([]string{"chat.reply"}, replies); err != nil {
		t.Fatalf("RegisterHandler alpha: %v", err)
	}

	if _, err := alpha.Send("beta", []byte("ping"), "chat", token.Normal, false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply := testutil.RequireReceive(t, replies.tokens, 5*time.Second, "reply at alpha")
	if string(reply.Payload) != "re: ping" || reply.SenderID != "beta" || reply.Priority != token.High {
		t.Errorf("reply = %+v", reply)
	}

	// Beta learned alpha's address from the inbound connection.
	if _, err := beta.Send("alpha", []byte("direct"), "chat.reply", token.Low, true); err != nil {
		t.Fatalf("beta Send to learned peer: %v", err)
	}
	testutil.RequireReceive(t, replies.tokens, 5*time.Second, "direct token at alpha")
}

// TestSend_StreamsLargePayload sends a 200,000 byte payload through
// 64 KiB chunks and checks the handler receives it whole under the
// stream id.
func TestSend_StreamsLargePayload(t *testing.T) {
	alpha, beta := pair(t, testConfig())
	handler := newCollector()
	if err := beta.RegisterHandler([]string{"file"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	payload := make([]byte, 200_000)
	rand.Read(payload)
	streamed, err := alpha.SendLarge("beta", payload, "file")
	if err != nil {
		t.Fatalf("SendLarge: %v", err)
	}
	if streamed.Chunks != 4 {
		t.Errorf("Chunks = %d, want 4", streamed.Chunks)
	}
	if err := waitDelivery(t, streamed.Delivery); err != nil {
		t.Fatalf("stream delivery failed: %v", err)
	}

	got := testutil.RequireReceive(t, handler.tokens, 5*time.Second, "reassembled payload")
	if got.ID != streamed.StreamID || got.Type != "file" || got.SenderID != "alpha" {
		t.Errorf("reassembled token header = %s %s %s", got.ID, got.Type, got.SenderID)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("reassembled payload differs (%d bytes, want %d)", len(got.Payload), len(payload))
	}
	if acked := alpha.PerformanceStats().TokensAcked; acked != 4 {
		t.Errorf("TokensAcked = %d, want one per chunk", acked)
	}
}

// TestSend_OversizedPayloadIsStreamed checks Send itself streams a
// payload above the chunk size, here with zstd chunk compression.
func TestSend_OversizedPayloadIsStreamed(t *testing.T) {
	config := testConfig()
	config.Compression = stream.CompressionZstd
	alpha, beta := pair(t, config)
	handler := newCollector()
	if err := beta.RegisterHandler([]string{"log"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	payload := []byte(strings.Repeat("the same line over and over\n", 10_000))
	delivery, err := alpha.Send("beta", payload, "log", token.Low, false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := waitDelivery(t, delivery); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}
	got := testutil.RequireReceive(t, handler.tokens, 5*time.Second, "reassembled payload")
	if !bytes.Equal(got.Payload, payload) {
		t.Error("reassembled payload differs")
	}
	if sent := alpha.PerformanceStats().BytesSent; sent >= uint64(len(payload)) {
		t.Errorf("sent %d bytes for a %d byte compressible payload", sent, len(payload))
	}
}

// silentPeer accepts one connection, completes the handshake, and
// then never reads, so nothing it receives is acknowledged.
func silentPeer(t *testing.T, identity *transport.Identity) string {
	t.Helper()
	listener, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	links := make(chan *transport.Link, 1)
	go func() {
		raw, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		link, err := identity.Secure(context.Background(), raw, transport.RoleServer, "")
		if err != nil {
			return
		}
		links <- link
	}()
	t.Cleanup(func() {
		listener.Close()
		select {
		case link := <-links:
			link.Close()
		default:
		}
	})
	return listener.Address()
}

// TestSend_FailsAfterMaxRetries checks that a token nobody
// acknowledges fails after ack_timeout × (max_retries+1) with the
// retry count equal to max_retries.
func TestSend_FailsAfterMaxRetries(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	config := testConfig()
	config.AckTimeout = time.Second
	config.MaxRetries = 3
	config.SweepInterval = 100 * time.Millisecond
	config.Pool.HeartbeatInterval = time.Hour
	config.Pool.IdleTimeout = time.Hour

	quiet := silentPeer(t, newIdentity(t, pki, "quiet"))
	alpha := startEngineWith(t, Options{
		Config:    config,
		Identity:  newIdentity(t, pki, "alpha"),
		Directory: NewStaticDirectory(map[string]string{"quiet": quiet}),
		Clock:     fakeClock,
	})

	delivery, err := alpha.Send("quiet", []byte("anyone there?"), "chat", token.Normal, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return alpha.PerformanceStats().TokensSent == 1
	}, "first attempt written")

	const step = 100 * time.Millisecond
	for elapsed := step; elapsed <= 4*time.Second; elapsed += step {
		select {
		case <-delivery.Done():
			t.Fatalf("delivery finished after %v: %v", elapsed-step, delivery.Err())
		default:
		}
		fakeClock.Advance(step)
		if elapsed%time.Second != 0 || elapsed == 4*time.Second {
			continue
		}
		attempts := uint64(elapsed/time.Second) + 1
		testutil.RequireEventually(t, 5*time.Second, func() bool {
			return alpha.PerformanceStats().TokensSent == attempts
		}, "attempt %d written at %v", attempts, elapsed)
	}

	err = waitDelivery(t, delivery)
	var failure *SendFailedError
	if !errors.As(err, &failure) {
		t.Fatalf("delivery error = %v, want *SendFailedError", err)
	}
	if failure.Retries != 3 || failure.TokenID != delivery.ID || failure.Peer != "quiet" {
		t.Errorf("failure = %+v, want 3 retries of %s to quiet", failure, delivery.ID)
	}
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("failure cause = %v, want ErrAckTimeout", failure.Err)
	}
	stats := alpha.PerformanceStats()
	if stats.Retransmits != 3 || stats.TokensFailed != 1 {
		t.Errorf("stats = %+v, want 3 retransmits and 1 failure", stats)
	}
}

type countingDialer struct {
	transport.TCPDialer
	dials atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	d.dials.Add(1)
	return d.TCPDialer.DialContext(ctx, address)
}

// TestSend_WhitelistRejectionIsNotRetried checks that a peer whose
// certificate chains outside the CA whitelist fails the send at once
// with a certificate error and is never redialed.
func TestSend_WhitelistRejectionIsNotRetried(t *testing.T) {
	fleet := testutil.NewPKI(t, "fleet-ca")
	other := testutil.NewPKI(t, "other-ca")
	beta := startEngine(t, newIdentity(t, fleet, "beta"), testConfig(), nil, clock.Real())

	dialer := &countingDialer{}
	alpha := startEngineWith(t, Options{
		Config:    testConfig(),
		Identity:  newIdentity(t, fleet, "alpha", transport.FingerprintOf(other.Certificate).String()),
		Directory: NewStaticDirectory(map[string]string{"beta": beta.address}),
		Dialer:    dialer,
		Clock:     clock.Real(),
	})

	delivery, err := alpha.Send("beta", []byte("let me in"), "chat", token.Normal, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	err = waitDelivery(t, delivery)
	var certificateErr *transport.CertificateError
	if !errors.As(err, &certificateErr) {
		t.Fatalf("delivery error = %v, want *transport.CertificateError", err)
	}
	var failure *SendFailedError
	if !errors.As(err, &failure) || failure.Retries != 0 {
		t.Errorf("failure = %+v, want zero retries", failure)
	}

	time.Sleep(20 * testConfig().RetryBackoff) //nolint:realclock wait past any retry backoff
	if dials := dialer.dials.Load(); dials != 1 {
		t.Errorf("dialed %d times, want 1", dials)
	}
	if connections := alpha.Pool().Stats().Total; connections != 0 {
		t.Errorf("pool holds %d connections, want 0", connections)
	}
}

// TestClose_FailsPendingSends checks Close fails queued sends with
// ErrClosed and refuses new ones.
func TestClose_FailsPendingSends(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	// Accepts TCP but never speaks TLS, so the dial hangs.
	stall, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { stall.Close() })

	alpha := startEngineWith(t, Options{
		Config:    testConfig(),
		Identity:  newIdentity(t, pki, "alpha"),
		Directory: NewStaticDirectory(map[string]string{"slow": stall.Addr().String()}),
		Clock:     clock.Real(),
	})
	var deliveries []*Delivery
	for _, priority := range []token.Priority{token.Low, token.Critical} {
		delivery, err := alpha.Send("slow", []byte("queued"), "chat", priority, true)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		deliveries = append(deliveries, delivery)
	}

	if err := alpha.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, delivery := range deliveries {
		err := waitDelivery(t, delivery)
		var failure *SendFailedError
		if !errors.As(err, &failure) || !errors.Is(err, ErrClosed) {
			t.Errorf("delivery %s error = %v, want SendFailedError wrapping ErrClosed", delivery.ID, err)
		}
	}
	if _, err := alpha.Send("slow", nil, "chat", token.Normal, false); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close error = %v, want ErrClosed", err)
	}
}

// TestBroadcast_ReachesEveryPeer sends to every directory peer and
// waits on the group.
func TestBroadcast_ReachesEveryPeer(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	directory := NewStaticDirectory(nil)
	handlers := make(map[string]*collector)
	for _, name := range []string{"beta", "gamma"} {
		peer := startEngine(t, newIdentity(t, pki, name), testConfig(), nil, clock.Real())
		handlers[name] = newCollector()
		if err := peer.RegisterHandler([]string{"clipboard"}, handlers[name]); err != nil {
			t.Fatalf("RegisterHandler %s: %v", name, err)
		}
		directory.Add(name, peer.address)
	}
	directory.Add("ghost", "127.0.0.1:1")
	directory.Remove("ghost")
	alpha := startEngine(t, newIdentity(t, pki, "alpha"), testConfig(), directory, clock.Real())

	group, err := alpha.Broadcast([]byte("copied text"), "clipboard")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(group.Deliveries) != 2 || len(group.Rejected) != 0 {
		t.Fatalf("group = %d deliveries, %v rejected", len(group.Deliveries), group.Rejected)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := group.Wait(ctx); err != nil {
		t.Fatalf("group Wait: %v", err)
	}
	for name, handler := range handlers {
		got := testutil.RequireReceive(t, handler.tokens, 5*time.Second, "broadcast at %s", name)
		if string(got.Payload) != "copied text" {
			t.Errorf("%s got %q", name, got.Payload)
		}
	}
	if failed := group.Failed(); len(failed) != 0 {
		t.Errorf("Failed() = %v, want none", failed)
	}
}

// TestSendToGroup_RejectsUnknownPeers checks unknown peers are
// reported without stopping the rest of the group.
func TestSendToGroup_RejectsUnknownPeers(t *testing.T) {
	alpha, beta := pair(t, testConfig())
	handler := newCollector()
	if err := beta.RegisterHandler([]string{"note"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	group, err := alpha.SendToGroup([]string{"beta", "nobody"}, []byte("hi"), "note")
	if err != nil {
		t.Fatalf("SendToGroup: %v", err)
	}
	if !errors.Is(group.Rejected["nobody"], ErrUnknownPeer) {
		t.Errorf("Rejected = %v, want nobody as unknown", group.Rejected)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := group.Wait(ctx); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("group Wait = %v, want the unknown peer's error", err)
	}
	testutil.RequireReceive(t, handler.tokens, 5*time.Second, "note at beta")
}

// TestSendToAny_PicksOnePeer checks a group send is delivered exactly
// once.
func TestSendToAny_PicksOnePeer(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	directory := NewStaticDirectory(nil)
	received := make(chan token.Token, 4)
	for _, name := range []string{"beta", "gamma"} {
		peer := startEngine(t, newIdentity(t, pki, name), testConfig(), nil, clock.Real())
		handler := HandlerFunc(func(ctx context.Context, t token.Token) (*Response, error) {
			received <- t
			return nil, nil
		})
		if err := peer.RegisterHandler([]string{"job"}, handler); err != nil {
			t.Fatalf("RegisterHandler %s: %v", name, err)
		}
		directory.Add(name, peer.address)
	}
	alpha := startEngine(t, newIdentity(t, pki, "alpha"), testConfig(), directory, clock.Real())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	delivery, err := alpha.SendToAny(ctx, []string{"beta", "gamma"}, []byte("work"), "job", token.High, true)
	if err != nil {
		t.Fatalf("SendToAny: %v", err)
	}
	if err := delivery.Wait(ctx); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	got := testutil.RequireReceive(t, received, 5*time.Second, "job at one peer")
	if got.ID != delivery.ID || (delivery.Peer != "beta" && delivery.Peer != "gamma") {
		t.Errorf("delivered %s to %q", got.ID, delivery.Peer)
	}
	select {
	case extra := <-received:
		t.Errorf("job delivered twice: %s", extra.ID)
	case <-time.After(100 * time.Millisecond): //nolint:realclock checking for a duplicate
	}
}

// TestRegisterHandler_Rules covers duplicate, reserved, and empty
// types.
func TestRegisterHandler_Rules(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	alpha := startEngineWith(t, Options{Config: testConfig(), Identity: newIdentity(t, pki, "alpha")})
	handler := newCollector()

	if err := alpha.RegisterHandler([]string{"chat", "presence"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	tests := []struct {
		name  string
		types []string
		want  error
	}{
		{"duplicate", []string{"status", "chat"}, ErrHandlerExists},
		{"reserved", []string{token.TypeHeartbeat}, ErrReservedType},
		{"reserved prefix", []string{"bey.custom"}, ErrReservedType},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := alpha.RegisterHandler(test.types, handler); !errors.Is(err, test.want) {
				t.Errorf("RegisterHandler(%v) = %v, want %v", test.types, err, test.want)
			}
		})
	}
	if err := alpha.RegisterHandler([]string{""}, handler); err == nil {
		t.Error("RegisterHandler accepted an empty type")
	}
	// The failed duplicate registration left "status" unclaimed.
	if err := alpha.RegisterHandler([]string{"status"}, handler); err != nil {
		t.Errorf("RegisterHandler(status) after a failed batch: %v", err)
	}
}

// TestSend_RejectsBadRequests covers unknown peers, reserved types,
// and invalid priorities.
func TestSend_RejectsBadRequests(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	alpha := startEngineWith(t, Options{
		Config:    testConfig(),
		Identity:  newIdentity(t, pki, "alpha"),
		Directory: NewStaticDirectory(map[string]string{"beta": "127.0.0.1:1"}),
	})
	if _, err := alpha.Send("nobody", nil, "chat", token.Normal, false); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("unknown peer error = %v", err)
	}
	if _, err := alpha.Send("beta", nil, token.TypeAck, token.Normal, false); !errors.Is(err, ErrReservedType) {
		t.Errorf("reserved type error = %v", err)
	}
	if _, err := alpha.Send("beta", nil, "chat", token.Priority(9), false); err == nil {
		t.Error("Send accepted priority 9")
	}
}

// TestStreamFailure_ReachesHandler checks an inbound stream that
// stops arriving is reported to the handler of its type after the
// reassembly timeout.
func TestStreamFailure_ReachesHandler(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	config := testConfig()
	config.ReassemblyTimeout = 10 * time.Second
	beta := startEngineWith(t, Options{Config: config, Identity: newIdentity(t, pki, "beta"), Clock: fakeClock})
	handler := newCollector()
	if err := beta.RegisterHandler([]string{"file"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	events := beta.Events(8)

	chunks, err := stream.Split("stream-1", "file", make([]byte, 200_000), 65536, stream.CompressionNone)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if object, err := beta.reassembler.Accept(chunks[2], "alpha"); object != nil || err != nil {
		t.Fatalf("Accept = %v, %v", object, err)
	}
	fakeClock.Advance(10 * time.Second)

	failure := testutil.RequireReceive(t, handler.failures, 5*time.Second, "stream failure at handler")
	if failure.StreamID != "stream-1" || failure.Sender != "alpha" || !errors.Is(failure, stream.ErrTimeout) {
		t.Errorf("failure = %+v", failure)
	}
	for {
		event := testutil.RequireReceive(t, events.C, 5*time.Second, "stream failed event")
		if event.Kind == EventStreamFailed {
			if event.ID != "stream-1" {
				t.Errorf("event id = %q", event.ID)
			}
			break
		}
	}
}

// TestRegistry_ExportsCounters checks the private registry reports
// acknowledged tokens and ack latency.
func TestRegistry_ExportsCounters(t *testing.T) {
	alpha, beta := pair(t, testConfig())
	if err := beta.RegisterHandler([]string{"chat"}, newCollector()); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	delivery, err := alpha.Send("beta", []byte("count me"), "chat", token.Normal, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := waitDelivery(t, delivery); err != nil {
		t.Fatalf("delivery: %v", err)
	}

	families, err := alpha.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily)
	for _, family := range families {
		byName[family.GetName()] = family
	}
	if acked := byName["bey_engine_tokens_acked_total"]; acked == nil || acked.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("tokens_acked_total = %v, want 1", acked)
	}
	if rtt := byName["bey_engine_ack_rtt_seconds"]; rtt == nil || rtt.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Errorf("ack_rtt_seconds = %v, want one sample", rtt)
	}
	if connections := byName["bey_pool_connections"]; connections == nil || connections.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Errorf("pool connections = %v, want 1", connections)
	}
}

// TestConfig_ChunkMustFitMinWindow checks the window floor can always
// carry one chunk.
func TestConfig_ChunkMustFitMinWindow(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig invalid: %v", err)
	}
	config := DefaultConfig()
	config.ChunkSize = int(config.Pool.Flow.MinWindow)
	err := config.Validate()
	if err == nil || !strings.Contains(err.Error(), "min_window") {
		t.Errorf("Validate = %v, want a min_window error", err)
	}
}

// TestSend_OverMemoryNetwork runs two engines over an in-process
// network instead of sockets.
func TestSend_OverMemoryNetwork(t *testing.T) {
	pki := testutil.NewPKI(t, "bey-ca")
	network := transport.NewMemoryNetwork()
	listen := func(address string) transport.Listener {
		listener, err := network.Listen(address)
		if err != nil {
			t.Fatalf("Listen(%s): %v", address, err)
		}
		return listener
	}

	beta := startEngineWith(t, Options{
		Config:   testConfig(),
		Identity: newIdentity(t, pki, "beta"),
		Listener: listen("beta.mem"),
		Dialer:   network,
	})
	handler := newCollector()
	if err := beta.RegisterHandler([]string{"clipboard"}, handler); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	alpha := startEngineWith(t, Options{
		Config:    testConfig(),
		Identity:  newIdentity(t, pki, "alpha"),
		Directory: NewStaticDirectory(map[string]string{"beta": "beta.mem"}),
		Listener:  listen("alpha.mem"),
		Dialer:    network,
	})

	delivery, err := alpha.SendUrgent("beta", []byte("copied"), "clipboard")
	if err != nil {
		t.Fatalf("SendUrgent: %v", err)
	}
	if err := waitDelivery(t, delivery); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	got := testutil.RequireReceive(t, handler.tokens, 5*time.Second, "clipboard at beta")
	if got.Priority != token.Critical || string(got.Payload) != "copied" {
		t.Errorf("got %+v", got)
	}
}
