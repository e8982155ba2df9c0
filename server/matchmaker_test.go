package server

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var errRegistryDown = errors.New("registry down")

// failingRegistry fails every operation on failKey
type failingRegistry struct {
	Registry
	failKey string
}

func (registry *failingRegistry) Get(ctx context.Context, key string) ([]byte, error) {
	if key == registry.failKey {
		return nil, errRegistryDown
	}
	return registry.Registry.Get(ctx, key)
}

func (registry *failingRegistry) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == registry.failKey {
		return errRegistryDown
	}
	return registry.Registry.Put(ctx, key, value, ttl)
}

// barrierRegistry holds every read of key until parties reads have been made
type barrierRegistry struct {
	Registry
	key     string
	arrived sync.WaitGroup
}

func (registry *barrierRegistry) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := registry.Registry.Get(ctx, key)
	if key == registry.key {
		registry.arrived.Done()
		registry.arrived.Wait()
	}
	return value, err
}

func TestMatchmaker(t *testing.T) {
	suite.Run(t, new(MatchmakerTestSuite))
}

type MatchmakerTestSuite struct {
	suite.Suite

	registry   *MemoryRegistry
	matchmaker *Matchmaker
	now        time.Time
	ctx        context.Context
}

func (ts *MatchmakerTestSuite) SetupTest() {
	ts.ctx = context.Background()
	ts.now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	ts.registry = NewMemoryRegistry()
	ts.registry.now = ts.clock
	ts.matchmaker = ts.newMatchmaker(ts.registry)
}

func (ts *MatchmakerTestSuite) clock() time.Time {
	return ts.now
}

func (ts *MatchmakerTestSuite) newMatchmaker(registry Registry) *Matchmaker {
	matchmaker := NewMatchmaker(registry, time.Hour, 10*time.Minute)
	matchmaker.now = ts.clock
	return matchmaker
}

func (ts *MatchmakerTestSuite) openRoomIDs(gameID string) []string {
	openRooms, err := ts.matchmaker.OpenRooms(ts.ctx, gameID)
	require.NoError(ts.T(), err)

	ids := make([]string, 0, len(openRooms))
	for _, room := range openRooms {
		ids = append(ids, room.RoomID)
	}
	return ids
}

func (ts *MatchmakerTestSuite) TestFillsRoomsInOrder() {
	r1, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 2)
	require.NoError(ts.T(), err)
	assert.Regexp(ts.T(), regexp.MustCompile(`^trivia-\d+-[0-9a-f]{8}$`), r1)
	assert.Equal(ts.T(), []string{r1}, ts.openRoomIDs("trivia"))

	again, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "B", 2)
	require.NoError(ts.T(), err)
	assert.Equal(ts.T(), r1, again)
	assert.Empty(ts.T(), ts.openRoomIDs("trivia"), "a full room leaves the open list")

	room, found, err := ts.matchmaker.loadRoom(ts.ctx, "trivia", r1)
	require.NoError(ts.T(), err)
	require.True(ts.T(), found)
	assert.Equal(ts.T(), 2, room.PlayerCount)

	r2, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "C", 2)
	require.NoError(ts.T(), err)
	assert.NotEqual(ts.T(), r1, r2)
	assert.Equal(ts.T(), []string{r2}, ts.openRoomIDs("trivia"))
}

func (ts *MatchmakerTestSuite) TestGamesAreSeparate() {
	trivia, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 4)
	require.NoError(ts.T(), err)
	chess, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "chess", "B", 4)
	require.NoError(ts.T(), err)

	assert.NotEqual(ts.T(), trivia, chess)
	assert.Equal(ts.T(), []string{trivia}, ts.openRoomIDs("trivia"))
	assert.Equal(ts.T(), []string{chess}, ts.openRoomIDs("chess"))
}

func (ts *MatchmakerTestSuite) TestRequiresIdentifiers() {
	_, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "", "A", 2)
	assert.ErrorIs(ts.T(), err, ErrInvalidRequest)
	_, err = ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "", 2)
	assert.ErrorIs(ts.T(), err, ErrInvalidRequest)
}

func (ts *MatchmakerTestSuite) TestSkipsStaleRooms() {
	stale, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 4)
	require.NoError(ts.T(), err)

	ts.now = ts.now.Add(11 * time.Minute)
	fresh, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "B", 4)
	require.NoError(ts.T(), err)

	assert.NotEqual(ts.T(), stale, fresh)
	assert.Equal(ts.T(), []string{fresh}, ts.openRoomIDs("trivia"))
}

func (ts *MatchmakerTestSuite) TestEntriesExpire() {
	_, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 4)
	require.NoError(ts.T(), err)

	ts.now = ts.now.Add(2 * time.Hour)
	assert.Empty(ts.T(), ts.openRoomIDs("trivia"))
}

func (ts *MatchmakerTestSuite) TestPlayerLeftReopensThenCloses() {
	r1, _ := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 2)
	_, _ = ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "B", 2)
	require.Empty(ts.T(), ts.openRoomIDs("trivia"))

	require.NoError(ts.T(), ts.matchmaker.PlayerLeftRoom(ts.ctx, "trivia", r1))
	assert.Equal(ts.T(), []string{r1}, ts.openRoomIDs("trivia"), "a freed seat puts the room back on offer")

	require.NoError(ts.T(), ts.matchmaker.PlayerLeftRoom(ts.ctx, "trivia", r1))
	assert.Empty(ts.T(), ts.openRoomIDs("trivia"))
	_, found, err := ts.matchmaker.loadRoom(ts.ctx, "trivia", r1)
	require.NoError(ts.T(), err)
	assert.False(ts.T(), found, "the last departure deletes the room record")

	assert.NoError(ts.T(), ts.matchmaker.PlayerLeftRoom(ts.ctx, "trivia", r1), "an unknown room is ignored")
}

func (ts *MatchmakerTestSuite) TestCloseRoom() {
	r1, _ := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 4)
	r2, _ := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "B", 4)
	require.Equal(ts.T(), r1, r2)

	require.NoError(ts.T(), ts.matchmaker.CloseRoom(ts.ctx, "trivia", r1))
	assert.Empty(ts.T(), ts.openRoomIDs("trivia"))
	_, found, _ := ts.matchmaker.loadRoom(ts.ctx, "trivia", r1)
	assert.False(ts.T(), found)

	r3, _ := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "C", 4)
	assert.NotEqual(ts.T(), r1, r3)
}

func (ts *MatchmakerTestSuite) TestRegistryReadFailure() {
	matchmaker := ts.newMatchmaker(&failingRegistry{Registry: ts.registry, failKey: openRoomsKey("trivia")})

	_, err := matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 2)
	assert.ErrorIs(ts.T(), err, errRegistryDown)
}

// A create whose open list write fails leaves nothing behind
func (ts *MatchmakerTestSuite) TestFailedCreateIsRolledBack() {
	matchmaker := ts.newMatchmaker(&readOnlyListRegistry{Registry: ts.registry, listKey: openRoomsKey("trivia")})

	_, err := matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 2)
	assert.ErrorIs(ts.T(), err, errRegistryDown)

	ts.registry.mutex.Lock()
	defer ts.registry.mutex.Unlock()
	assert.Empty(ts.T(), ts.registry.entries)
}

// Matching is not transactional: two players racing for the last seat can both be given it.
// The room coordinator's capacity check is what turns the surplus player away.
func (ts *MatchmakerTestSuite) TestConcurrentMatchesCanOverfill() {
	r1, err := ts.matchmaker.FindOrCreateRoom(ts.ctx, "trivia", "A", 2)
	require.NoError(ts.T(), err)

	barrier := &barrierRegistry{Registry: ts.registry, key: openRoomsKey("trivia")}
	barrier.arrived.Add(2)
	racing := ts.newMatchmaker(barrier)

	results := make([]string, 2)
	var wg sync.WaitGroup
	for i, player := range []string{"B", "C"} {
		wg.Add(1)
		go func(i int, player string) {
			defer wg.Done()
			roomID, err := racing.FindOrCreateRoom(ts.ctx, "trivia", player, 2)
			assert.NoError(ts.T(), err)
			results[i] = roomID
		}(i, player)
	}
	wg.Wait()

	assert.Equal(ts.T(), []string{r1, r1}, results, "both racers read the same open list and take the same seat")

	room, found, err := ts.matchmaker.loadRoom(ts.ctx, "trivia", r1)
	require.NoError(ts.T(), err)
	require.True(ts.T(), found)
	assert.Equal(ts.T(), 2, room.PlayerCount, "one of the two increments is lost")
}

// readOnlyListRegistry reads listKey normally but fails to write it
type readOnlyListRegistry struct {
	Registry
	listKey string
}

func (registry *readOnlyListRegistry) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == registry.listKey {
		return errRegistryDown
	}
	return registry.Registry.Put(ctx, key, value, ttl)
}
