package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/chatline/pkg/datastore"
	"github.com/NicolasHaas/chatline/pkg/protocol"
)

func TestSendGetDeleteConversation(t *testing.T) {
	req := require.New(t)
	srv := startServer(t, nil)

	alice := dial(t, srv)
	alice.auth("alice")
	bob := dial(t, srv)
	bob.auth("bob")

	req.Equal("OK Message queued", alice.roundTrip("SEND bob Hello"))
	bob.expect("MESSAGE alice Hello")

	bob.send("GET alice")
	at, sender, body := historyRow(t, bob.read())
	req.Equal("alice", sender)
	req.Equal("Hello", body)
	req.WithinDuration(time.Now(), at, time.Minute)
	bob.expect("OK History end")

	req.Equal("OK Deleted history with alice", bob.roundTrip("DELETE alice"))
	req.Equal("INFO No messages with alice", bob.roundTrip("GET alice"))
	req.Equal("INFO No messages with bob", alice.roundTrip("GET bob"))
}

func TestConcurrentAuthOfSameNameHasOneWinner(t *testing.T) {
	for round := range 10 {
		t.Run(fmt.Sprint(round), func(t *testing.T) {
			srv := startServer(t, nil)
			clients := []*testClient{dial(t, srv), dial(t, srv)}

			replies := make([]string, len(clients))
			var start, wg sync.WaitGroup
			start.Add(1)
			for _, c := range clients {
				wg.Add(1)
				go func() {
					defer wg.Done()
					start.Wait()
					c.send("AUTH carol")
				}()
			}
			start.Done()
			wg.Wait()
			for i, c := range clients {
				replies[i] = c.read()
			}

			require.ElementsMatch(t, []string{"OK Authenticated as carol", "ERROR Username taken"}, replies)
			require.Equal(t, 1, srv.Registry().Count())
		})
	}
}

func TestAuthValidation(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)

	cases := []struct{ line, want string }{
		{"AUTH", "ERROR Invalid username length"},
		{"AUTH " + strings.Repeat("a", 32), "ERROR Invalid username length"},
		{"AUTH bad!name", "ERROR Invalid username characters"},
		{"AUTH two words", "ERROR Invalid username characters"},
		{"auth alice", "ERROR Authenticate first using AUTH <username>"},
		{"SEND bob hi", "ERROR Authenticate first using AUTH <username>"},
		{"USERS", "ERROR Authenticate first using AUTH <username>"},
		{"", "ERROR Authenticate first using AUTH <username>"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.roundTrip(tc.line), "line %q", tc.line)
	}

	// The connection survives every rejection.
	c.auth(strings.Repeat("a", 31))
	require.EqualValues(t, 4, srv.Metrics().FailedAuths.Load())
}

func TestTakenNameCanRetryWithAnother(t *testing.T) {
	srv := startServer(t, nil)
	first := dial(t, srv)
	first.auth("dave")

	second := dial(t, srv)
	require.Equal(t, "ERROR Username taken", second.roundTrip("AUTH dave"))
	second.auth("dave2")

	first.send("QUIT")
	first.expect("BYE")
	first.expectClosed()

	// Once released the name is free again.
	waitFor(t, func() bool { _, ok := srv.Registry().Lookup("dave"); return !ok })
	third := dial(t, srv)
	third.auth("dave")
}

func TestQuitBeforeAuth(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.send("QUIT")
	c.expect("BYE")
	c.expectClosed()
	waitFor(t, func() bool { return srv.Metrics().ActiveConnections.Load() == 0 })
}

func TestActiveCommandErrors(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.auth("alice")

	cases := []struct{ line, want string }{
		{"AUTH alice", "ERROR Already authenticated"},
		{"HELLO", "ERROR Unknown command"},
		{"send bob hi", "ERROR Unknown command"},
		{"SEND", "ERROR Usage: SEND <user> <message>"},
		{"SEND bob", "ERROR Usage: SEND <user> <message>"},
		{"SEND  hi", "ERROR Usage: SEND <user> <message>"},
		{"SEND bob ", "ERROR Message cannot be empty"},
		{"SEND bob    ", "ERROR Message cannot be empty"},
		{"SEND bob \t", "ERROR Message cannot be empty"},
		{"SEND bob " + strings.Repeat("x", 1025), "ERROR Message too long"},
		{"SEND b@d hi", "ERROR Invalid recipient"},
		{"GET", "ERROR Usage: GET <user>"},
		{"DELETE", "ERROR Usage: DELETE <user>"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, c.roundTrip(tc.line), "line %q", tc.line)
	}

	// Body of exactly the maximum length is accepted.
	require.Equal(t, "OK Message queued", c.roundTrip("SEND bob "+strings.Repeat("x", 1024)))
}

func TestLineTooLongKeepsConnection(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.auth("alice")

	c.send(strings.Repeat("x", protocol.MaxLineLength+500))
	c.expect("ERROR Line too long")

	c.send("USERS")
	c.expect("USERS_BEGIN")
	c.expect("USER alice")
	c.expect("USERS_END")
}

func TestCarriageReturnsAreStripped(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	require.Equal(t, "OK Authenticated as alice", c.roundTrip("AUTH alice\r"))
	// A self-send is pushed before the acknowledgement.
	c.send("SEND alice hi there\r")
	c.expect("MESSAGE alice hi there")
	c.expect("OK Message queued")
}

func TestUsersListIsSortedSnapshot(t *testing.T) {
	srv := startServer(t, nil)
	for _, name := range []string{"carol", "alice", "bob"} {
		dial(t, srv).auth(name)
	}
	// An unauthenticated connection is not listed.
	dial(t, srv)

	c := dial(t, srv)
	c.auth("zed")
	c.send("USERS")
	for _, want := range []string{"USERS_BEGIN", "USER alice", "USER bob", "USER carol", "USER zed", "USERS_END"} {
		c.expect(want)
	}
}

func TestOfflineReceiverStillGetsHistory(t *testing.T) {
	srv := startServer(t, nil)
	alice := dial(t, srv)
	alice.auth("alice")

	require.Equal(t, "OK Message queued", alice.roundTrip("SEND erin are you there?"))
	require.EqualValues(t, 0, srv.Metrics().LiveDeliveries.Load())

	erin := dial(t, srv)
	erin.auth("erin")
	erin.send("GET alice")
	row := erin.read()
	require.True(t, strings.HasSuffix(row, " alice are you there?"), row)
	erin.expect("OK History end")

	// Nothing was pushed to erin on login.
	require.Equal(t, "INFO No messages with bob", erin.roundTrip("GET bob"))
}

func TestMessagesArriveInSendOrder(t *testing.T) {
	srv := startServer(t, nil)
	alice := dial(t, srv)
	alice.auth("alice")
	bob := dial(t, srv)
	bob.auth("bob")

	const n = 100
	for i := range n {
		alice.send(fmt.Sprintf("SEND bob msg %03d", i))
	}
	for range n {
		alice.expect("OK Message queued")
	}
	for i := range n {
		bob.expect(fmt.Sprintf("MESSAGE alice msg %03d", i))
	}

	bob.send("GET alice")
	for i := range n {
		_, _, body := historyRow(t, bob.read())
		require.Equal(t, fmt.Sprintf("msg %03d", i), body)
	}
	bob.expect("OK History end")
}

func TestStoreFailureStillDeliversLive(t *testing.T) {
	gw := &failingGateway{Gateway: datastore.NewMemory(), appendErr: errDiskFull}
	srv := startServer(t, gw)
	alice := dial(t, srv)
	alice.auth("alice")
	bob := dial(t, srv)
	bob.auth("bob")

	reply := alice.roundTrip("SEND bob hello")
	require.True(t, strings.HasPrefix(reply, "ERROR Failed to store message: "), reply)
	require.Contains(t, reply, "disk full")
	bob.expect("MESSAGE alice hello")
	require.EqualValues(t, 1, srv.Metrics().StoreErrors.Load())
}

func TestHistoryStoreFailures(t *testing.T) {
	gw := &failingGateway{Gateway: datastore.NewMemory(), fetchErr: errDiskFull, deleteErr: errDiskFull}
	srv := startServer(t, gw)
	c := dial(t, srv)
	c.auth("alice")

	require.Equal(t, "ERROR Failed to query history: disk full", c.roundTrip("GET bob"))
	require.Equal(t, "ERROR Failed to delete history: disk full", c.roundTrip("DELETE bob"))
	// Store errors are not fatal to the connection.
	require.Equal(t, "ERROR Unknown command", c.roundTrip("PING"))
}

func TestShutdownNotifiesEverySessionOnce(t *testing.T) {
	srv := startServer(t, nil)
	alice := dial(t, srv)
	alice.auth("alice")
	bob := dial(t, srv)
	bob.auth("bob")
	pending := dial(t, srv)
	addr := srv.Addr().String()

	srv.Shutdown()

	for _, c := range []*testClient{alice, bob} {
		c.expect("SHUTDOWN Server shutting down...")
		c.expectClosed()
	}
	pending.expectClosed()

	_, err := net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)

	// A second call is a no-op.
	srv.Shutdown()
	require.Zero(t, srv.Registry().Count())
	require.Zero(t, srv.Metrics().ActiveConnections.Load())
	require.Zero(t, srv.Router().BroadcastShutdown())
}

func TestServeReturnsAfterContextCancel(t *testing.T) {
	cfg := testConfig()
	gw := datastore.NewMemory()
	srv := New(cfg, Dependencies{Gateway: gw})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errc:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(readTimeout):
		t.Fatal("server never became ready")
	}
	c := dial(t, srv)
	c.auth("alice")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(readTimeout):
		t.Fatal("Serve did not return")
	}
	c.expect("SHUTDOWN Server shutting down...")

	// The gateway was closed as the final step.
	_, err := gw.Append(context.Background(), "a", "b", "c")
	require.ErrorIs(t, err, datastore.ErrClosed)
}

func TestStartFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := testConfig()
	cfg.ListenAddr = ln.Addr().String()
	srv := New(cfg, Dependencies{Gateway: datastore.NewMemory()})
	err = srv.Serve(context.Background())
	require.ErrorContains(t, err, "server: listen")
	require.Nil(t, srv.Addr())
}

func TestStartRequiresGateway(t *testing.T) {
	srv := New(testConfig(), Dependencies{})
	require.ErrorContains(t, srv.Start(), "missing gateway")
}

func TestShutdownFinishesInFlightSend(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "chat.db")
	inner, err := datastore.NewSQLite(path)
	req.NoError(err)
	gw := newGatedGateway(inner)
	gw.gateAppend = true
	srv := startServer(t, gw)

	alice := dial(t, srv)
	alice.auth("alice")
	alice.send("SEND bob stored despite shutdown")
	<-gw.entered

	shutdownDone := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(shutdownDone)
	}()
	waitFor(t, func() bool { return srv.ctx.Err() != nil })
	close(gw.release)

	select {
	case <-shutdownDone:
	case <-time.After(readTimeout):
		t.Fatal("shutdown did not complete")
	}
	req.NoError(gw.contextErr())

	reopened, err := datastore.NewSQLite(path)
	req.NoError(err)
	defer func() { _ = reopened.Close() }()
	var bodies []string
	for m, err := range reopened.Fetch(t.Context(), "alice", "bob") {
		req.NoError(err)
		bodies = append(bodies, m.Body)
	}
	req.Equal([]string{"stored despite shutdown"}, bodies)
}

func TestHistoryQueryDoesNotBlockDeliveries(t *testing.T) {
	gw := newGatedGateway(datastore.NewMemory())
	gw.gateFetch = true
	srv := startServer(t, gw)

	alice := dial(t, srv)
	alice.auth("alice")
	bob := dial(t, srv)
	bob.auth("bob")

	alice.send("GET bob")
	<-gw.entered

	// alice's query is parked; a delivery to her must still go through.
	require.Equal(t, "OK Message queued", bob.roundTrip("SEND alice while you read"))
	alice.expect("MESSAGE bob while you read")

	close(gw.release)
	_, sender, body := historyRow(t, alice.read())
	require.Equal(t, "bob", sender)
	require.Equal(t, "while you read", body)
	alice.expect("OK History end")
}

func TestHistoryPeerMustBeValidUsername(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	c.auth("alice")

	for _, cmd := range []string{"GET a:b", "GET bob!", "DELETE a:b", "DELETE " + strings.Repeat("z", 32)} {
		require.Equal(t, "ERROR Invalid recipient", c.roundTrip(cmd), cmd)
	}
	require.Equal(t, "INFO No messages with bob", c.roundTrip("GET bob"))
	require.Equal(t, "OK Deleted history with bob", c.roundTrip("DELETE bob"))
}
