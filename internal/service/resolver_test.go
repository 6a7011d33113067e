package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/identity"
	"github.com/sakif/storefront/internal/model"
	"github.com/sakif/storefront/internal/repository/sqlite"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeAccountRepo is an in-memory repository.AccountRepository. The mutex
// gives InsertOrGet the same all-or-nothing behaviour as the SQL stores.
type fakeAccountRepo struct {
	mu           sync.Mutex
	byID         map[string]*model.Account
	byTelegramID map[int64]*model.Account

	// set to a non-nil error to simulate a database failure
	getErr    error
	insertErr error
	inserts   int
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		byID:         make(map[string]*model.Account),
		byTelegramID: make(map[int64]*model.Account),
	}
}

func (f *fakeAccountRepo) GetByTelegramID(_ context.Context, telegramID int64) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byTelegramID[telegramID]
	if !ok {
		return nil, apperror.NotFound("account", fmt.Sprint(telegramID))
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAccountRepo) GetByID(_ context.Context, id string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("account", id)
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAccountRepo) InsertOrGet(_ context.Context, account *model.Account) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	if existing, ok := f.byTelegramID[account.TelegramID]; ok {
		copied := *existing
		return &copied, nil
	}
	if _, taken := f.byID[account.ID]; taken {
		return nil, apperror.Conflict("account", account.ID)
	}
	stored := *account
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	f.byID[stored.ID] = &stored
	f.byTelegramID[stored.TelegramID] = &stored
	f.inserts++
	copied := stored
	return &copied, nil
}

func (f *fakeAccountRepo) UpdateProfile(_ context.Context, id string, u model.ProfileUpdate) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("account", id)
	}
	if u.FullName != nil {
		a.FullName = *u.FullName
	}
	if u.Username != nil {
		a.Username = *u.Username
	}
	if u.AvatarURL != nil {
		a.AvatarURL = *u.AvatarURL
	}
	copied := *a
	return &copied, nil
}

func (f *fakeAccountRepo) put(a *model.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[a.ID] = a
	f.byTelegramID[a.TelegramID] = a
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alice() *model.ExternalIdentity {
	return &model.ExternalIdentity{TelegramID: 42, FullName: "Alice Doe", Username: "alice"}
}

// =========================================================================
// RESOLVE TESTS
// =========================================================================

func TestResolve_FirstLoginCreatesIdentityAndAccount(t *testing.T) {
	accounts := newFakeAccountRepo()
	ids := identity.NewMemory()
	r := NewIdentityResolver(accounts, ids, "shop.test", nil, discardLogger())

	got, err := r.Resolve(context.Background(), alice())
	require.NoError(t, err)

	key := identity.LookupKey(42, "shop.test")
	identityID, err := ids.FindIdentity(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, identityID, got.ID, "account ID is the identity record ID")
	assert.Equal(t, int64(42), got.TelegramID)
	assert.Equal(t, "Alice Doe", got.FullName)
	assert.Equal(t, model.DefaultRole, got.Role)

	meta, ok := ids.MetadataFor(identityID)
	require.True(t, ok)
	assert.Equal(t, "Alice Doe", meta.FullName)
}

func TestResolve_ReturningUserDoesNoWrites(t *testing.T) {
	accounts := newFakeAccountRepo()
	accounts.put(&model.Account{ID: "acct-1", TelegramID: 42})
	ids := identity.NewMemory()
	ids.FailCreate = errors.New("must not be called")
	ids.FailFind = errors.New("must not be called")
	r := NewIdentityResolver(accounts, ids, "", nil, discardLogger())

	got, err := r.Resolve(context.Background(), alice())

	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.ID)
	assert.Equal(t, 0, accounts.inserts)
}

func TestResolve_RepeatedLoginsAreStable(t *testing.T) {
	r := NewIdentityResolver(newFakeAccountRepo(), identity.NewMemory(), "", nil, discardLogger())

	first, err := r.Resolve(context.Background(), alice())
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), alice())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_CompletesHalfFinishedLink(t *testing.T) {
	// A previous attempt created the identity record, then failed before
	// the account row was written.
	accounts := newFakeAccountRepo()
	ids := identity.NewMemory()
	ids.Put(identity.LookupKey(42, ""), "orphan-id")
	r := NewIdentityResolver(accounts, ids, "", nil, discardLogger())

	got, err := r.Resolve(context.Background(), alice())

	require.NoError(t, err)
	assert.Equal(t, "orphan-id", got.ID)
	assert.Equal(t, 0, ids.Creates(), "existing record must be reused")
}

func TestResolve_Errors(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name  string
		setup func(*fakeAccountRepo, *identity.Memory)
		want  error
	}{
		{
			name:  "account store down on lookup",
			setup: func(a *fakeAccountRepo, _ *identity.Memory) { a.getErr = boom },
			want:  apperror.ErrStoreUnavailable,
		},
		{
			name:  "account store down on insert",
			setup: func(a *fakeAccountRepo, _ *identity.Memory) { a.insertErr = boom },
			want:  apperror.ErrStoreUnavailable,
		},
		{
			name:  "identity provider down on find",
			setup: func(_ *fakeAccountRepo, m *identity.Memory) { m.FailFind = boom },
			want:  apperror.ErrStoreUnavailable,
		},
		{
			name:  "identity provider down on create",
			setup: func(_ *fakeAccountRepo, m *identity.Memory) { m.FailCreate = boom },
			want:  apperror.ErrStoreUnavailable,
		},
		{
			name: "identity provider reports duplicates",
			setup: func(_ *fakeAccountRepo, m *identity.Memory) {
				m.FailFind = &identity.ConflictError{Key: "k", IDs: []string{"a", "b"}}
			},
			want: apperror.ErrResolutionConflict,
		},
		{
			name: "identity already linked to another telegram user",
			setup: func(a *fakeAccountRepo, m *identity.Memory) {
				m.Put(identity.LookupKey(42, ""), "acct-of-99")
				a.put(&model.Account{ID: "acct-of-99", TelegramID: 99})
			},
			want: apperror.ErrResolutionConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := newFakeAccountRepo()
			ids := identity.NewMemory()
			tt.setup(accounts, ids)
			r := NewIdentityResolver(accounts, ids, "", nil, discardLogger())

			_, err := r.Resolve(context.Background(), alice())

			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// mismatchRepo returns a row for a different identity from InsertOrGet, as a
// store would if the Telegram id had been linked out of band.
type mismatchRepo struct {
	*fakeAccountRepo
}

func (m mismatchRepo) InsertOrGet(_ context.Context, a *model.Account) (*model.Account, error) {
	return &model.Account{ID: "someone-else", TelegramID: a.TelegramID}, nil
}

func TestResolve_StoredRowForOtherIdentityIsConflict(t *testing.T) {
	r := NewIdentityResolver(mismatchRepo{newFakeAccountRepo()}, identity.NewMemory(), "", nil, discardLogger())

	_, err := r.Resolve(context.Background(), alice())

	assert.ErrorIs(t, err, apperror.ErrResolutionConflict)
}

func TestResolve_RejectsMissingTelegramID(t *testing.T) {
	r := NewIdentityResolver(newFakeAccountRepo(), identity.NewMemory(), "", nil, discardLogger())

	_, err := r.Resolve(context.Background(), &model.ExternalIdentity{})

	assert.ErrorIs(t, err, apperror.ErrMissingField)
}

// =========================================================================
// CONCURRENCY
// =========================================================================

func TestResolve_ConcurrentFirstLoginsYieldOneAccount(t *testing.T) {
	db, err := sqlite.New(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cases := []struct {
		name       string
		provider   identity.Provider
		telegramID int64
	}{
		{"memory identities", identity.NewMemory(), 1001},
		{"local identities", db.Identities(), 1002},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewIdentityResolver(db, tc.provider, "", nil, discardLogger())
			ext := &model.ExternalIdentity{TelegramID: tc.telegramID, FullName: "Racer"}

			const workers = 12
			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
				ids   = make([]string, workers)
				errs  = make([]error, workers)
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					a, err := r.Resolve(context.Background(), ext)
					errs[i] = err
					if a != nil {
						ids[i] = a.ID
					}
				}(i)
			}
			close(start)
			wg.Wait()

			for i := range errs {
				require.NoError(t, errs[i], "worker %d", i)
				assert.Equal(t, ids[0], ids[i], "worker %d resolved a different account", i)
			}

			stored, err := db.GetByTelegramID(context.Background(), ext.TelegramID)
			require.NoError(t, err)
			assert.Equal(t, ids[0], stored.ID)
		})
	}
}
