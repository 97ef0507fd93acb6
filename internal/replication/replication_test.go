package replication

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/bus"
	"github.com/loqalabs/loqa-lecture/internal/config"
	"github.com/loqalabs/loqa-lecture/internal/deck"
	"github.com/loqalabs/loqa-lecture/internal/natsserver"
	"github.com/loqalabs/loqa-lecture/internal/protocol"
	"github.com/loqalabs/loqa-lecture/internal/session"
	"github.com/stretchr/testify/require"
)

const sessionID = "chem101"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeck() deck.Deck {
	return deck.Deck{Slides: []deck.Slide{
		{Title: "One", Content: "first"},
		{Title: "Two", Content: "second"},
		{Title: "Three", Content: "third"},
	}}
}

type cluster struct {
	url       string
	authority *session.Authority
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	log := testLogger()
	srv, err := natsserver.StartLocal(log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client := connect(t, srv.ClientURL(), "authority")
	authority := session.NewAuthority(session.AuthorityOptions{
		SessionID:   sessionID,
		NodeID:      "host",
		Deck:        testDeck(),
		Broadcaster: NewPublisher(client),
		Logger:      log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = authority.Run(ctx)
	}()

	svc := NewAuthorityService(ctx, sessionID, authority, client, time.Second, log)
	require.NoError(t, svc.Start())
	require.True(t, svc.Healthy())
	t.Cleanup(func() {
		svc.Close()
		cancel()
		<-done
	})
	return &cluster{url: srv.ClientURL(), authority: authority}
}

func connect(t *testing.T, url, name string) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{url}, ConnectTimeout: 2000}, name, testLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func (c *cluster) join(t *testing.T, id string) *session.Mirror {
	t.Helper()
	client := connect(t, c.url, id)
	m := session.NewMirror(session.MirrorOptions{
		SessionID: sessionID,
		NodeID:    id,
		Deck:      testDeck(),
		Link:      NewClient(client, sessionID),
		Logger:    testLogger(),
	})
	svc := NewMirrorService(context.Background(), sessionID, m, client, testLogger())
	require.NoError(t, svc.Start())
	require.True(t, svc.Healthy())
	t.Cleanup(func() {
		svc.Close()
		m.Close()
	})
	require.NoError(t, m.Join(context.Background()))
	return m
}

func TestMirrorsConvergeOverNATS(t *testing.T) {
	c := startCluster(t)
	a := c.join(t, "student-a")
	b := c.join(t, "student-b")

	ctx := context.Background()
	_, err := a.RequestAdvance(ctx, protocol.Next)
	require.NoError(t, err)
	_, err = b.RequestAdvance(ctx, protocol.Next)
	require.NoError(t, err)
	reply, err := a.RequestAdvance(ctx, protocol.Next)
	require.NoError(t, err)
	require.False(t, reply.Changed)
	require.Equal(t, 2, reply.Index)

	for _, m := range []*session.Mirror{a, b} {
		require.Eventually(t, func() bool {
			st := m.Status()
			return st.Index == 2 && st.Seq == 2
		}, 2*time.Second, 10*time.Millisecond, m.ID())
	}
}

func TestLateJoinOverNATS(t *testing.T) {
	c := startCluster(t)
	ctx := context.Background()
	for _, dir := range []protocol.Direction{protocol.Next, protocol.Next, protocol.Previous} {
		_, err := c.authority.RequestAdvance(ctx, dir)
		require.NoError(t, err)
	}

	late := c.join(t, "late")
	st := late.Status()
	require.Equal(t, 1, st.Index)
	require.Equal(t, uint64(3), st.Seq)

	participants := c.authority.Participants()
	require.Len(t, participants, 1)
	require.Equal(t, "late", participants[0].ID)
}

func TestFinishOverNATS(t *testing.T) {
	c := startCluster(t)
	a := c.join(t, "student-a")
	b := c.join(t, "student-b")

	require.NoError(t, a.RequestFinish(context.Background()))
	require.True(t, c.authority.Status().Finished)
	require.Eventually(t, func() bool { return b.Status().Finished }, 2*time.Second, 10*time.Millisecond)

	_, err := b.RequestAdvance(context.Background(), protocol.Next)
	require.ErrorIs(t, err, session.ErrSessionFinished)
}

func TestClientWithoutAuthority(t *testing.T) {
	srv, err := natsserver.StartLocal(testLogger())
	require.NoError(t, err)
	defer srv.Shutdown()

	client := connect(t, srv.ClientURL(), "orphan")
	m := session.NewMirror(session.MirrorOptions{
		SessionID:       sessionID,
		NodeID:          "orphan",
		Deck:            testDeck(),
		Link:            NewClient(client, sessionID),
		Logger:          testLogger(),
		SnapshotTimeout: 200 * time.Millisecond,
		RequestTimeout:  200 * time.Millisecond,
	})
	defer m.Close()

	require.ErrorIs(t, m.Join(context.Background()), session.ErrAuthorityUnreachable)
	_, err = m.RequestAdvance(context.Background(), protocol.Next)
	require.ErrorIs(t, err, session.ErrAuthorityUnreachable)
	require.Equal(t, 0, m.Status().Index)
}
