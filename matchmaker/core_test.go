package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchgate/config"
	"matchgate/registry"
)

const testSecret = "fleet-secret"

func testConfig() *config.Config {
	return &config.Config{
		MaxQueuedPlayers:  3,
		MinPlayersToStart: 2,
		TimeBetweenGames:  25 * time.Minute,
		GameModes:         config.DefaultGameModes(),
	}
}

func testCore(t *testing.T) (*Core, *registry.Registry) {
	t.Helper()
	reg := registry.New(testSecret, 90*time.Second)
	return NewCore(testConfig(), reg), reg
}

func TestCreateTicket_BucketParsing(t *testing.T) {
	c, _ := testCore(t)

	ticket, err := c.CreateTicket("acct1", "12345:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	assert.Equal(t, "NAE", ticket.Region)
	assert.Equal(t, "Playlist_DefaultSolo", ticket.Playlist)
	assert.Equal(t, "solo", ticket.GameMode)
	assert.Equal(t, "12345", ticket.BuildID)
	assert.Equal(t, StatusConnecting, ticket.Status)
	assert.NotEmpty(t, ticket.TicketID)
	assert.NotEmpty(t, ticket.MatchID)
	assert.NotEmpty(t, ticket.SessionID)
}

func TestCreateTicket_InvalidBucket(t *testing.T) {
	c, _ := testCore(t)

	tests := []struct {
		name   string
		bucket string
		want   error
	}{
		{"too few segments", "12345:NAE", ErrInvalidBucket},
		{"empty region", "12345:x::Playlist_DefaultSolo", ErrInvalidBucket},
		{"unknown playlist", "12345:x:NAE:Playlist_50v50", ErrUnknownPlaylist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateTicket("acct1", tt.bucket, nil)
			assert.Equal(t, tt.want, err)
		})
	}
}

func TestCreateTicket_AliasResolution(t *testing.T) {
	c, _ := testCore(t)

	for _, token := range []string{"Playlist_DefaultDuo", "10", "p10"} {
		ticket, err := c.CreateTicket("acct1", "1:x:EU:"+token, nil)
		require.NoError(t, err, "token %q", token)
		assert.Equal(t, "Playlist_DefaultDuo", ticket.Playlist)
		assert.Equal(t, "duo", ticket.GameMode)
	}
}

func TestCreateTicket_SingleTicketPerAccount(t *testing.T) {
	c, _ := testCore(t)

	first, err := c.CreateTicket("acct1", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	require.True(t, c.AddToQueue("acct1"))

	second, err := c.CreateTicket("acct1", "1:x:EU:Playlist_DefaultDuo", nil)
	require.NoError(t, err)

	got, ok := c.GetTicket("acct1")
	require.True(t, ok)
	assert.Equal(t, second.TicketID, got.TicketID)
	assert.NotEqual(t, first.TicketID, got.TicketID)

	// Replacing the ticket must also clear the old queue membership.
	assert.Equal(t, 0, c.QueuedPlayerCount("NAE", "Playlist_DefaultSolo"))
}

func TestQueue_MembershipAndQuorum(t *testing.T) {
	c, _ := testCore(t)

	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	_, err = c.CreateTicket("b", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)

	assert.False(t, c.CanStartMatch("NAE", "Playlist_DefaultSolo"))

	require.True(t, c.AddToQueue("a"))
	assert.False(t, c.CanStartMatch("NAE", "Playlist_DefaultSolo"), "quorum with one player")

	require.True(t, c.AddToQueue("b"))
	assert.True(t, c.CanStartMatch("NAE", "Playlist_DefaultSolo"))
	assert.Equal(t, 2, c.QueuedPlayerCount("NAE", "Playlist_DefaultSolo"))

	ticket, _ := c.GetTicket("a")
	assert.Equal(t, StatusQueued, ticket.Status)

	// Dropping below quorum flips the check back immediately.
	c.RemoveFromQueue("b")
	assert.False(t, c.CanStartMatch("NAE", "Playlist_DefaultSolo"))
}

func TestQueue_NoDuplicateMembership(t *testing.T) {
	c, _ := testCore(t)
	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)

	require.True(t, c.AddToQueue("a"))
	require.True(t, c.AddToQueue("a"))
	assert.Equal(t, 1, c.QueuedPlayerCount("NAE", "Playlist_DefaultSolo"))
}

func TestQueue_CapacityCap(t *testing.T) {
	c, _ := testCore(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := c.CreateTicket(id, "1:x:NAE:Playlist_DefaultSolo", nil)
		require.NoError(t, err)
	}
	assert.True(t, c.AddToQueue("a"))
	assert.True(t, c.AddToQueue("b"))
	assert.True(t, c.AddToQueue("c"))
	assert.False(t, c.AddToQueue("d"), "partition at MaxQueuedPlayers")
	assert.Equal(t, 3, c.QueuedPlayerCount("NAE", "Playlist_DefaultSolo"))

	// Capacity frees when a member leaves.
	c.RemoveFromQueue("a")
	assert.True(t, c.AddToQueue("d"))
}

func TestQueue_EmptyPartitionDeleted(t *testing.T) {
	c, _ := testCore(t)
	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	require.True(t, c.AddToQueue("a"))
	c.RemoveFromQueue("a")

	c.mu.RLock()
	_, exists := c.queues[PartitionKey("NAE", "Playlist_DefaultSolo")]
	c.mu.RUnlock()
	assert.False(t, exists, "empty partition should be deleted")
}

func TestDeleteTicket_RemovesQueueMembership(t *testing.T) {
	c, _ := testCore(t)
	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	require.True(t, c.AddToQueue("a"))

	c.DeleteTicket("a")
	_, ok := c.GetTicket("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.QueuedPlayerCount("NAE", "Playlist_DefaultSolo"))
}

func TestAssignServer_LeaseBlocksReuse(t *testing.T) {
	c, reg := testCore(t)
	require.NoError(t, reg.Register("gs1", registry.Registration{
		Region: "NAE", GameMode: "solo", Address: "10.0.0.5", Port: 7777,
		MaxPlayers: 10, CurrentPlayers: 5,
	}, testSecret))

	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	_, err = c.CreateTicket("b", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)

	first := c.AssignServer("a")
	require.NotNil(t, first)
	assert.Equal(t, "gs1", first.ServerID)
	assert.Equal(t, "10.0.0.5", first.Address)
	assert.Equal(t, 7777, first.Port)

	ticket, _ := c.GetTicket("a")
	assert.Equal(t, StatusSessionAssigned, ticket.Status)
	require.NotNil(t, ticket.AssignedServer)

	// Same mode/region, no other servers: the lease blocks a second grant.
	second := c.AssignServer("b")
	assert.Nil(t, second)
}

func TestAssignServer_RegionFallback(t *testing.T) {
	c, reg := testCore(t)
	require.NoError(t, reg.Register("eu1", registry.Registration{
		Region: "EU", GameMode: "solo", Address: "10.0.1.5", Port: 7777, MaxPlayers: 10,
	}, testSecret))

	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)

	got := c.AssignServer("a")
	require.NotNil(t, got, "should fall back to other regions")
	assert.Equal(t, "eu1", got.ServerID)
}

func TestAssignServer_NoTicket(t *testing.T) {
	c, _ := testCore(t)
	assert.Nil(t, c.AssignServer("ghost"))
}

func TestRecycle_LeaseExpiry(t *testing.T) {
	c, reg := testCore(t)
	require.NoError(t, reg.Register("gs1", registry.Registration{
		Region: "NAE", GameMode: "solo", MaxPlayers: 10,
	}, testSecret))

	base := time.Now()
	c.now = func() time.Time { return base }

	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	require.NotNil(t, c.AssignServer("a"))
	require.True(t, c.IsLeased("gs1"))

	// Before the recycle window the lease holds.
	c.now = func() time.Time { return base.Add(24 * time.Minute) }
	c.recycleOnce()
	assert.True(t, c.IsLeased("gs1"))

	// Past now+timeBetweenGames it is reclaimed.
	c.now = func() time.Time { return base.Add(25*time.Minute + time.Second) }
	c.recycleOnce()
	assert.False(t, c.IsLeased("gs1"))

	// And the server is allocatable again.
	_, err = c.CreateTicket("b", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	assert.NotNil(t, c.AssignServer("b"))
}

func TestInvalidateServer_Cascade(t *testing.T) {
	c, reg := testCore(t)
	require.NoError(t, reg.Register("gs1", registry.Registration{
		Region: "NAE", GameMode: "solo", MaxPlayers: 10,
	}, testSecret))

	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	require.NotNil(t, c.AssignServer("a"))

	c.InvalidateServer("gs1")

	assert.False(t, c.IsLeased("gs1"))
	ticket, _ := c.GetTicket("a")
	assert.Nil(t, ticket.AssignedServer)
	assert.Equal(t, StatusConnecting, ticket.Status)
}

func TestEvictHook_SweepCascadesIntoLeases(t *testing.T) {
	reg := registry.New(testSecret, 10*time.Millisecond)
	c := NewCore(testConfig(), reg)
	reg.SetEvictHook(c.InvalidateServer)

	require.NoError(t, reg.Register("gs1", registry.Registration{
		Region: "NAE", GameMode: "solo", MaxPlayers: 10,
	}, testSecret))
	_, err := c.CreateTicket("a", "1:x:NAE:Playlist_DefaultSolo", nil)
	require.NoError(t, err)
	require.NotNil(t, c.AssignServer("a"))
	require.True(t, c.IsLeased("gs1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.SweepInactive(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.IsLeased("gs1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, c.IsLeased("gs1"), "sweep should cascade into the lease table")

	ticket, _ := c.GetTicket("a")
	assert.Nil(t, ticket.AssignedServer)
}
