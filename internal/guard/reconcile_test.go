package guard_test

import (
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenbot/warden/internal/guard"
	"go.uber.org/zap/zaptest"
)

func newTestReconciler(t *testing.T, settings guard.Settings) (*guard.Reconciler, *guard.Scheduler, *fakeGateway, *fakeStore) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	gateway := newFakeGateway()
	gateway.roles[testGuildID] = testRoleID
	gateway.guildName[testGuildID] = "Test Guild"
	store := newFakeStore()

	scheduler := guard.NewScheduler(gateway, store, settings.VerificationTimeout, logger)
	announcer := guard.NewAnnouncer(gateway, testChannelID, testMessages(), logger)
	reconciler := guard.NewReconciler(gateway, store, scheduler, announcer, settings, logger)

	t.Cleanup(scheduler.Close)

	return reconciler, scheduler, gateway, store
}

func memberAt(joinedAgo, createdAgo time.Duration, seq uint64, roleIDs ...snowflake.ID) guard.Member {
	return guard.Member{
		GuildID: testGuildID,
		User: guard.User{
			ID:       idAt(time.Now().Add(-createdAgo), seq),
			Username: "member",
		},
		RoleIDs:  roleIDs,
		JoinedAt: time.Now().Add(-joinedAgo),
	}
}

func TestReconcileBootstrapSeedsWithoutAnnouncing(t *testing.T) {
	t.Parallel()

	reconciler, _, gateway, store := newTestReconciler(t, testSettings())

	// Fresh database, established guild: two role holders, one of them
	// joined inside the window, plus one unverified old-timer
	gateway.putMember(memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID))
	gateway.putMember(memberAt(5*time.Minute, 500*24*time.Hour, 2, testRoleID))
	gateway.putMember(memberAt(400*24*time.Hour, 500*24*time.Hour, 3))

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	assert.Equal(t, 2, store.count())
	assert.Empty(t, gateway.sent())
	assert.Empty(t, gateway.kicked())
}

func TestReconcileBatchWelcome(t *testing.T) {
	t.Parallel()

	reconciler, _, gateway, store := newTestReconciler(t, testSettings())

	// Established guild: an old verified member keeps this from being a
	// first-run bootstrap
	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Two members verified during downtime, join times inside the window
	first := memberAt(3*time.Minute, 500*24*time.Hour, 2, testRoleID)
	second := memberAt(5*time.Minute, 500*24*time.Hour, 3, testRoleID)
	gateway.putMember(first)
	gateway.putMember(second)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	// Exactly one combined welcome naming both
	messages := gateway.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, first.User.Mention())
	assert.Contains(t, messages[0].Content, second.User.Mention())

	assert.True(t, store.has(testGuildID, first.User.ID))
	assert.True(t, store.has(testGuildID, second.User.ID))
}

func TestReconcileSkipsAlreadyRecordedVerified(t *testing.T) {
	t.Parallel()

	reconciler, _, gateway, store := newTestReconciler(t, testSettings())

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Joined and verified inside the window, but the record already exists:
	// the welcome went out live before the restart
	resolved := memberAt(5*time.Minute, 500*24*time.Hour, 2, testRoleID)
	gateway.putMember(resolved)
	store.seed(testGuildID, resolved.User.ID)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	assert.Empty(t, gateway.sent())
	assert.Empty(t, gateway.kicked())
	assert.True(t, store.has(testGuildID, resolved.User.ID))
}

func TestReconcileWelcomesOnlyNewlyDiscoveredVerified(t *testing.T) {
	t.Parallel()

	reconciler, _, gateway, store := newTestReconciler(t, testSettings())

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Both joined inside the window and hold the role, but only one of the
	// verifications happened while the bot was down
	resolved := memberAt(5*time.Minute, 500*24*time.Hour, 2, testRoleID)
	gateway.putMember(resolved)
	store.seed(testGuildID, resolved.User.ID)

	discovered := memberAt(3*time.Minute, 500*24*time.Hour, 3, testRoleID)
	gateway.putMember(discovered)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	messages := gateway.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, discovered.User.Mention())
	assert.NotContains(t, messages[0].Content, resolved.User.Mention())
}

func TestReconcileSingleWelcomeUsesNormalTemplate(t *testing.T) {
	t.Parallel()

	reconciler, _, gateway, store := newTestReconciler(t, testSettings())

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	verified := memberAt(3*time.Minute, 500*24*time.Hour, 2, testRoleID)
	gateway.putMember(verified)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	messages := gateway.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "Welcome "+verified.User.Mention())
}

func TestReconcileExpiredDeadlineKicksImmediately(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.VerificationTimeout = 600 * time.Second
	settings.CatchupFallback = 1200 * time.Second

	reconciler, scheduler, gateway, store := newTestReconciler(t, settings)

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Joined 1100s ago while the bot was down, never verified: the 600s
	// deadline is already spent, so the check fires with zero delay
	straggler := memberAt(1100*time.Second, 500*24*time.Hour, 2)
	gateway.putMember(straggler)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	require.Eventually(t, func() bool {
		return len(gateway.kicked()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, straggler.User.ID, gateway.kicked()[0].UserID)

	require.Eventually(t, func() bool {
		return !scheduler.Pending(straggler.User.ID)
	}, time.Second, 5*time.Millisecond)
}

func TestReconcileSchedulesRemainingTime(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.VerificationTimeout = 600 * time.Second

	reconciler, scheduler, gateway, store := newTestReconciler(t, settings)

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Joined 100s ago, unverified: 500s remain on the deadline
	recent := memberAt(100*time.Second, 500*24*time.Hour, 2)
	gateway.putMember(recent)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	assert.True(t, scheduler.Pending(recent.User.ID))
	assert.Empty(t, gateway.kicked())
}

func TestReconcileKicksYoungAccountInWindow(t *testing.T) {
	t.Parallel()

	reconciler, scheduler, gateway, store := newTestReconciler(t, testSettings())

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Ten-day-old account joined during downtime
	young := memberAt(5*time.Minute, 10*24*time.Hour, 2)
	gateway.putMember(young)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	kicks := gateway.kicked()
	require.Len(t, kicks, 1)
	assert.Equal(t, young.User.ID, kicks[0].UserID)
	assert.Contains(t, kicks[0].Reason, "catch-up")
	assert.False(t, scheduler.Pending(young.User.ID))
}

func TestReconcileLeavesPreWindowMembersAlone(t *testing.T) {
	t.Parallel()

	reconciler, scheduler, gateway, store := newTestReconciler(t, testSettings())

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Unverified member who joined long before the catch-up window
	oldTimer := memberAt(30*24*time.Hour, 500*24*time.Hour, 2)
	gateway.putMember(oldTimer)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	assert.False(t, scheduler.Pending(oldTimer.User.ID))
	assert.Empty(t, gateway.kicked())
}

func TestReconcileGoodbyeForDepartedVerified(t *testing.T) {
	t.Parallel()

	reconciler, _, gateway, store := newTestReconciler(t, testSettings())

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// Verified member left while the bot was down: record exists, member gone
	departedID := idAt(time.Now().Add(-500*24*time.Hour), 2)
	gateway.users[departedID] = guard.User{ID: departedID, Username: "wanderer"}
	store.seed(testGuildID, departedID)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	messages := gateway.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "wanderer")
	assert.False(t, store.has(testGuildID, departedID))
}

func TestReconcileAdvancesLivenessMarker(t *testing.T) {
	t.Parallel()

	reconciler, _, _, store := newTestReconciler(t, testSettings())

	before := time.Now()
	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	lastOnline, ok, err := store.LastOnline(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, lastOnline.Before(before))
}

func TestReconcileRespectsLastOnlineMarker(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.CatchupFallback = 30 * 24 * time.Hour

	reconciler, scheduler, gateway, store := newTestReconciler(t, settings)

	veteran := memberAt(400*24*time.Hour, 500*24*time.Hour, 1, testRoleID)
	gateway.putMember(veteran)
	store.seed(testGuildID, veteran.User.ID)

	// The bot was last online 10 minutes ago; the marker narrows the window
	// below the fallback, so a member who joined an hour ago is untouched
	require.NoError(t, store.SetLastOnline(t.Context(), time.Now().Add(-10*time.Minute)))

	unverified := memberAt(time.Hour, 500*24*time.Hour, 2)
	gateway.putMember(unverified)

	require.NoError(t, reconciler.Run(t.Context(), []snowflake.ID{testGuildID}))

	assert.False(t, scheduler.Pending(unverified.User.ID))
	assert.Empty(t, gateway.kicked())
}
