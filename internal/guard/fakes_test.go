package guard_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/wardenbot/warden/internal/guard"
)

var errFakeUnavailable = errors.New("platform unavailable")

// kickRecord captures one kick call against the fake gateway.
type kickRecord struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
	Reason  string
}

// sentMessage captures one message send against the fake gateway.
type sentMessage struct {
	ChannelID snowflake.ID
	Content   string
}

// fakeGateway is an in-memory Gateway. All state is mutex-guarded because
// scheduler deadline tasks call it from their own goroutines.
type fakeGateway struct {
	mu sync.Mutex

	members   map[snowflake.ID]map[snowflake.ID]guard.Member
	users     map[snowflake.ID]guard.User
	roles     map[snowflake.ID]snowflake.ID // guild -> verified role ID
	channels  map[snowflake.ID][]guard.Channel
	guildName map[snowflake.ID]string

	kicks    []kickRecord
	messages []sentMessage

	memberErr error
	kickErr   error
	sendErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members:   make(map[snowflake.ID]map[snowflake.ID]guard.Member),
		users:     make(map[snowflake.ID]guard.User),
		roles:     make(map[snowflake.ID]snowflake.ID),
		channels:  make(map[snowflake.ID][]guard.Channel),
		guildName: make(map[snowflake.ID]string),
	}
}

func (f *fakeGateway) putMember(m guard.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.members[m.GuildID] == nil {
		f.members[m.GuildID] = make(map[snowflake.ID]guard.Member)
	}

	f.members[m.GuildID][m.User.ID] = m
	f.users[m.User.ID] = m.User
}

func (f *fakeGateway) removeMember(guildID, userID snowflake.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.members[guildID], userID)
}

func (f *fakeGateway) grantRole(guildID, userID, roleID snowflake.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.members[guildID][userID]
	m.RoleIDs = append(m.RoleIDs, roleID)
	f.members[guildID][userID] = m
}

func (f *fakeGateway) kicked() []kickRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]kickRecord(nil), f.kicks...)
}

func (f *fakeGateway) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeGateway) Member(_ context.Context, guildID, userID snowflake.ID) (*guard.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.memberErr != nil {
		return nil, f.memberErr
	}

	m, ok := f.members[guildID][userID]
	if !ok {
		return nil, guard.ErrNotFound
	}

	return &m, nil
}

func (f *fakeGateway) Members(_ context.Context, guildID snowflake.ID) ([]guard.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members := make([]guard.Member, 0, len(f.members[guildID]))
	for _, m := range f.members[guildID] {
		members = append(members, m)
	}

	return members, nil
}

func (f *fakeGateway) User(_ context.Context, userID snowflake.ID) (*guard.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]
	if !ok {
		return nil, guard.ErrNotFound
	}

	return &u, nil
}

func (f *fakeGateway) VerifiedRole(_ context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	roleID, ok := f.roles[guildID]
	if !ok {
		return 0, guard.ErrRoleNotFound
	}

	return roleID, nil
}

func (f *fakeGateway) GuildName(_ context.Context, guildID snowflake.ID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.guildName[guildID], nil
}

func (f *fakeGateway) Channels(_ context.Context, guildID snowflake.ID) ([]guard.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.channels[guildID], nil
}

func (f *fakeGateway) Kick(_ context.Context, guildID, userID snowflake.ID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kickErr != nil {
		return f.kickErr
	}

	if _, ok := f.members[guildID][userID]; !ok {
		return guard.ErrNotFound
	}

	delete(f.members[guildID], userID)
	f.kicks = append(f.kicks, kickRecord{GuildID: guildID, UserID: userID, Reason: reason})

	return nil
}

func (f *fakeGateway) SendMessage(_ context.Context, channelID snowflake.ID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.messages = append(f.messages, sentMessage{ChannelID: channelID, Content: content})

	return nil
}

// storeKey identifies one verified record in the fake store.
type storeKey struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu sync.Mutex

	verified      map[storeKey]time.Time
	lastOnline    time.Time
	hasLastOnline bool

	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{verified: make(map[storeKey]time.Time)}
}

func (f *fakeStore) seed(guildID, userID snowflake.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.verified[storeKey{guildID, userID}] = time.Now()
}

func (f *fakeStore) has(guildID, userID snowflake.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.verified[storeKey{guildID, userID}]

	return ok
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.verified)
}

func (f *fakeStore) MarkVerified(_ context.Context, guildID, userID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return errFakeUnavailable
	}

	f.verified[storeKey{guildID, userID}] = time.Now()

	return nil
}

func (f *fakeStore) RemoveVerified(_ context.Context, guildID, userID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return errFakeUnavailable
	}

	delete(f.verified, storeKey{guildID, userID})

	return nil
}

func (f *fakeStore) IsVerified(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return false, errFakeUnavailable
	}

	_, ok := f.verified[storeKey{guildID, userID}]

	return ok, nil
}

func (f *fakeStore) ListVerified(_ context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return nil, errFakeUnavailable
	}

	var ids []snowflake.ID

	for key := range f.verified {
		if key.GuildID == guildID {
			ids = append(ids, key.UserID)
		}
	}

	return ids, nil
}

func (f *fakeStore) LastOnline(_ context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastOnline, f.hasLastOnline, nil
}

func (f *fakeStore) SetLastOnline(_ context.Context, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastOnline = t
	f.hasLastOnline = true

	return nil
}

// idAt builds a snowflake whose embedded timestamp is the given time, so
// tests can control account ages.
func idAt(t time.Time, seq uint64) snowflake.ID {
	return snowflake.New(t) + snowflake.ID(seq)
}
